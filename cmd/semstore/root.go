package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/archesproject/semstore/config"
)

var (
	// Global flags
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "semstore",
	Short: "Schema-driven hierarchical attribute store",
	Long: `Semstore stores entity attribute trees whose shape is described by
runtime schemas rather than compiled structure. Records live in a
generic table; schemas group typed nodes with cardinality and parent
links, and every read and write is driven by them.

Quick start:
  semstore validate           # Validate config and schema documents
  semstore schemas list       # Show published schemas
  semstore fetch concept      # Materialize entity trees as JSON

Writing:
  semstore entities create concept --label "Example"
  semstore commit concept <entity-id> tree.json --actor admin --trusted
  semstore audit <entity-id>`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "semstore.yaml", "config file path")
}

// loadConfig loads the config file, falling back to defaults (plus
// SEMSTORE_* environment variables) when the file does not exist.
func loadConfig() (*config.Config, error) {
	if _, err := os.Stat(cfgFile); err == nil {
		return config.Load(cfgFile)
	}
	return config.Default(), nil
}

// newLogger builds the process logger from config.
func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.Logging.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}
