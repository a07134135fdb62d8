package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/archesproject/semstore/adapters/clock"
	"github.com/archesproject/semstore/adapters/idgen"
	"github.com/archesproject/semstore/domain/record"
	"github.com/archesproject/semstore/ports"
)

var entitiesCmd = &cobra.Command{
	Use:   "entities",
	Short: "Manage root entities",
	Long: `Manage the root entities that own attribute trees.

Examples:
  semstore entities list concept
  semstore entities create concept --label "Spring"`,
}

var entitiesListCmd = &cobra.Command{
	Use:   "list <schema>",
	Short: "List entities of a schema",
	Args:  cobra.ExactArgs(1),
	RunE:  runEntitiesList,
}

var entitiesCreateCmd = &cobra.Command{
	Use:   "create <schema>",
	Short: "Create a new entity",
	Args:  cobra.ExactArgs(1),
	RunE:  runEntitiesCreate,
}

var (
	entityLabel string
	entityID    string
)

func init() {
	rootCmd.AddCommand(entitiesCmd)

	entitiesCmd.AddCommand(entitiesListCmd)
	entitiesCmd.AddCommand(entitiesCreateCmd)

	entitiesCreateCmd.Flags().StringVar(&entityLabel, "label", "", "entity display label")
	entitiesCreateCmd.Flags().StringVar(&entityID, "id", "", "entity id (generated if empty)")
}

func runEntitiesList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	sch, err := e.schemas.Schema(ctx, args[0])
	if err != nil {
		return err
	}
	entities, err := e.entities.List(ctx, sch, ports.EntityQuery{})
	if err != nil {
		return err
	}
	if len(entities) == 0 {
		fmt.Println("No entities found.")
		fmt.Printf("\nCreate one with: semstore entities create %s --label \"...\"\n", args[0])
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLABEL\tUPDATED")
	fmt.Fprintln(w, "--\t-----\t-------")
	for _, entity := range entities {
		fmt.Fprintf(w, "%s\t%s\t%s\n", entity.ID, entity.Label, entity.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runEntitiesCreate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	// Fail early on an unpublished slug.
	if _, err := e.schemas.Schema(ctx, args[0]); err != nil {
		return err
	}

	id := entityID
	if id == "" {
		id = idgen.UUID{}.New()
	}
	now := clock.Real{}.Now()
	entity := record.RootEntity{
		ID:         id,
		SchemaSlug: args[0],
		Label:      entityLabel,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.entities.Create(ctx, entity); err != nil {
		return fmt.Errorf("create entity: %w", err)
	}

	fmt.Printf("created %s\n", id)
	return nil
}
