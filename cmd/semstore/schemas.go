package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/archesproject/semstore/adapters/sqlite"
	"github.com/archesproject/semstore/config"
	"github.com/archesproject/semstore/domain/schema"
)

var schemasCmd = &cobra.Command{
	Use:   "schemas",
	Short: "Manage published schemas",
	Long: `Inspect and publish the schemas that describe entity attribute trees.

Examples:
  semstore schemas list
  semstore schemas show concept
  semstore schemas push`,
}

var schemasListCmd = &cobra.Command{
	Use:   "list",
	Short: "List published schemas",
	RunE:  runSchemasList,
}

var schemasShowCmd = &cobra.Command{
	Use:   "show <slug>",
	Short: "Show a schema's group and node tree",
	Args:  cobra.ExactArgs(1),
	RunE:  runSchemasShow,
}

var schemasPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Publish schema documents into the database",
	Long: `Store every schema document from the schema directory in the database,
updating the cardinality lookup the one-per-parent guard relies on.`,
	RunE: runSchemasPush,
}

func init() {
	rootCmd.AddCommand(schemasCmd)

	schemasCmd.AddCommand(schemasListCmd)
	schemasCmd.AddCommand(schemasShowCmd)
	schemasCmd.AddCommand(schemasPushCmd)
}

func runSchemasList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	schemas, err := config.LoadSchemaDir(cfg.Schemas.Dir)
	if err != nil {
		return err
	}
	if len(schemas) == 0 {
		fmt.Println("No schemas found.")
		fmt.Printf("\nAdd .yaml documents under %s\n", cfg.Schemas.Dir)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SLUG\tGROUPS\tNODES\tDEPTH")
	fmt.Fprintln(w, "----\t------\t-----\t-----")
	for _, slug := range config.Slugs(schemas) {
		sch := schemas[slug]
		nodes := 0
		for _, g := range sch.Groups {
			nodes += len(g.DataNodes())
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", slug, len(sch.Groups), nodes, len(sch.GroupsAtDepth()))
	}
	return w.Flush()
}

func runSchemasShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	schemas, err := config.LoadSchemaDir(cfg.Schemas.Dir)
	if err != nil {
		return err
	}
	sch, ok := schemas[args[0]]
	if !ok {
		return fmt.Errorf("schema %q not found in %s", args[0], cfg.Schemas.Dir)
	}

	fmt.Printf("%s\n", sch.Slug)
	for _, group := range sch.TopGroups() {
		printGroup(sch, group, 1)
	}
	return nil
}

func printGroup(sch *schema.Schema, group *schema.Group, depth int) {
	indent := strings.Repeat("  ", depth)
	fmt.Printf("%s%s (%s)\n", indent, group.Alias(), group.Cardinality)
	for _, node := range group.DataNodes() {
		required := ""
		if node.Required {
			required = ", required"
		}
		fmt.Printf("%s  %s: %s%s\n", indent, node.Alias, node.Datatype, required)
	}
	for _, child := range sch.ChildGroups(group.ID) {
		printGroup(sch, child, depth+1)
	}
}

func runSchemasPush(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Database.Driver != "sqlite" {
		return fmt.Errorf("schemas push requires the sqlite driver, got %q", cfg.Database.Driver)
	}
	schemas, err := config.LoadSchemaDir(cfg.Schemas.Dir)
	if err != nil {
		return err
	}

	db, err := sqlite.Open(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	store := sqlite.NewSchemaStore(db)
	ctx := context.Background()
	for _, slug := range config.Slugs(schemas) {
		if err := store.Put(ctx, schemas[slug]); err != nil {
			return fmt.Errorf("publish schema %q: %w", slug, err)
		}
		fmt.Printf("published %s\n", slug)
	}
	return nil
}
