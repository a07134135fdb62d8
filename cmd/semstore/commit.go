package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/archesproject/semstore/domain/reconcile"
	"github.com/archesproject/semstore/domain/record"
)

var commitCmd = &cobra.Command{
	Use:   "commit <schema> <entity-id> [tree.json]",
	Short: "Reconcile and persist an attribute tree",
	Long: `Commit an incoming alias-addressed tree against an entity's persisted
records. The tree is reconciled into inserts, updates, and deletes,
then persisted in one transaction with an audit trail.

Reads the tree from the given file, or from stdin when omitted or "-".
Untrusted actors have their edits staged as provisional instead of
written to live data; pass --trusted (or configure trust.editors) to
write directly.

Examples:
  semstore commit concept 5b574203-41fb-4d9c-a73e-2bca4f1f5b06 tree.json --actor admin --trusted
  cat tree.json | semstore commit concept 5b574203-41fb-4d9c-a73e-2bca4f1f5b06 --actor reviewer`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runCommit,
}

var (
	commitActor   string
	commitTrusted bool
)

func init() {
	rootCmd.AddCommand(commitCmd)

	commitCmd.Flags().StringVar(&commitActor, "actor", "", "acting principal id (required)")
	commitCmd.Flags().BoolVar(&commitTrusted, "trusted", false, "write live data instead of staging provisionally")
	commitCmd.MarkFlagRequired("actor")
}

func runCommit(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	incoming, err := readTree(args)
	if err != nil {
		return err
	}

	actor := record.Actor{
		ID:      commitActor,
		Trusted: commitTrusted || e.cfg.TrustedEditor(commitActor),
	}

	cs, err := e.coordinator.Save(ctx, args[0], args[1], incoming, actor)
	if err != nil {
		var verr *reconcile.ValidationError
		if errors.As(err, &verr) {
			fmt.Fprintln(os.Stderr, "Validation failed:")
			for alias, messages := range verr.Errors {
				for _, msg := range messages {
					fmt.Fprintf(os.Stderr, "  %s: %s\n", alias, msg)
				}
			}
		}
		return err
	}

	if cs.Empty() {
		fmt.Println("No changes.")
		return nil
	}
	fmt.Printf("committed: %d inserted, %d updated, %d deleted\n",
		len(cs.Inserts), len(cs.Updates), len(cs.Deletes))
	if !actor.Trusted {
		fmt.Println("edits were staged as provisional pending review")
	}
	return nil
}

func readTree(args []string) (record.AliasedData, error) {
	var data []byte
	var err error
	if len(args) < 3 || args[2] == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(args[2])
	}
	if err != nil {
		return nil, fmt.Errorf("read tree: %w", err)
	}

	var tree record.AliasedData
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("parse tree: %w", err)
	}
	return tree, nil
}
