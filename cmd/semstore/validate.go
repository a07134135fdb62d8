package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/archesproject/semstore/adapters/sqlite"
	"github.com/archesproject/semstore/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and schema documents",
	Long: `Validate the semstore configuration file and every schema document
in the configured schema directory.

Checks:
  - YAML syntax is valid
  - Required fields are present
  - Schema documents pass structural validation
  - Database is writable (optional)

Examples:
  semstore validate
  semstore validate --config /etc/semstore/config.yaml --check-database`,
	RunE: runValidate,
}

var validateCheckDatabase bool

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validateCheckDatabase, "check-database", false, "check if database is writable")
}

func runValidate(cmd *cobra.Command, args []string) error {
	fmt.Printf("Validating %s...\n\n", cfgFile)

	// Check file exists
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		fmt.Printf("  %s Config file exists\n", crossMark)
		return fmt.Errorf("config file not found: %s", cfgFile)
	}
	fmt.Printf("  %s Config file exists\n", checkMark)

	// Load and validate config
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Printf("  %s Config syntax valid\n", crossMark)
		return fmt.Errorf("config error: %w", err)
	}
	fmt.Printf("  %s Config syntax valid\n", checkMark)

	// Show config summary
	fmt.Printf("  %s Database: %s (%s)\n", checkMark, cfg.Database.DSN, cfg.Database.Driver)
	fmt.Printf("  %s Schema dir: %s\n", checkMark, cfg.Schemas.Dir)
	fmt.Printf("  %s Trusted editors: %d\n", checkMark, len(cfg.Trust.Editors))

	// Validate every schema document
	schemas, err := config.LoadSchemaDir(cfg.Schemas.Dir)
	if err != nil {
		fmt.Printf("  %s Schema documents valid\n", crossMark)
		return fmt.Errorf("schema error: %w", err)
	}
	fmt.Printf("  %s Schema documents valid\n", checkMark)
	for _, slug := range config.Slugs(schemas) {
		sch := schemas[slug]
		fmt.Printf("      %s: %d groups\n", slug, len(sch.Groups))
	}

	// Optional: check database
	if validateCheckDatabase {
		if err := checkDatabaseWritable(cfg.Database.DSN); err != nil {
			fmt.Printf("  %s Database writable\n", crossMark)
			fmt.Printf("      Error: %v\n", err)
		} else {
			fmt.Printf("  %s Database writable\n", checkMark)
		}
	}

	fmt.Println()
	fmt.Println("Configuration is valid.")
	return nil
}

func checkDatabaseWritable(dsn string) error {
	db, err := sqlite.Open(dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Migrate()
}

const (
	checkMark = "\033[32m✓\033[0m"
	crossMark = "\033[31m✗\033[0m"
)
