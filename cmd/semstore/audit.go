package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit <entity-id>",
	Short: "Show an entity's audit trail",
	Long: `List the audit entries recorded for an entity, oldest first. Entries
from one commit share an operation id.

Examples:
  semstore audit 5b574203-41fb-4d9c-a73e-2bca4f1f5b06
  semstore audit 5b574203-41fb-4d9c-a73e-2bca4f1f5b06 --json`,
	Args: cobra.ExactArgs(1),
	RunE: runAudit,
}

var auditJSON bool

func init() {
	rootCmd.AddCommand(auditCmd)

	auditCmd.Flags().BoolVar(&auditJSON, "json", false, "emit entries as JSON with full values")
}

func runAudit(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	entries, err := e.audit.ListByEntity(ctx, args[0])
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No audit entries found.")
		return nil
	}

	if auditJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tOPERATION\tKIND\tRECORD\tACTOR")
	fmt.Fprintln(w, "----\t---------\t----\t------\t-----")
	for _, entry := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			entry.CreatedAt.Format("2006-01-02 15:04:05"),
			entry.OperationID, entry.Kind, entry.RecordID, entry.Actor)
	}
	return w.Flush()
}
