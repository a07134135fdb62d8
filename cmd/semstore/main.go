// Package main is the entry point for semstore, a schema-driven
// hierarchical attribute store.
package main

func main() {
	Execute()
}
