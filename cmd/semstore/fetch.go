package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/archesproject/semstore/app"
	"github.com/archesproject/semstore/domain/codec"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <schema> [entity-id...]",
	Short: "Materialize entity trees as JSON",
	Long: `Fetch entities of a schema as alias-addressed attribute trees.

Without entity ids, fetches a page of all entities. Filters match node
aliases against shallow values without materializing trees first.

Examples:
  semstore fetch concept
  semstore fetch concept 5b574203-41fb-4d9c-a73e-2bca4f1f5b06
  semstore fetch concept --only name --filter name_content=Spring
  semstore fetch concept --display --order-by name_content --limit 10`,
	Args: cobra.MinimumNArgs(1),
	RunE: runFetch,
}

var fetchGroupCmd = &cobra.Command{
	Use:   "fetch-group <schema> <group-alias>",
	Short: "Materialize one group's records as a flat table",
	Long: `Fetch every record of a single group as flat rows, one decoded row
per record, each carrying its entity id.

Examples:
  semstore fetch-group concept statement
  semstore fetch-group concept statement --display`,
	Args: cobra.ExactArgs(2),
	RunE: runFetchGroup,
}

var (
	fetchOnly    []string
	fetchDefer   []string
	fetchDisplay bool
	fetchFilters []string
	fetchOrderBy string
	fetchDesc    bool
	fetchLimit   int
	fetchOffset  int
)

func init() {
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(fetchGroupCmd)

	for _, cmd := range []*cobra.Command{fetchCmd, fetchGroupCmd} {
		cmd.Flags().BoolVar(&fetchDisplay, "display", false, "decode display values instead of application values")
		cmd.Flags().IntVar(&fetchLimit, "limit", 0, "maximum entities to fetch")
		cmd.Flags().IntVar(&fetchOffset, "offset", 0, "entities to skip")
	}
	fetchCmd.Flags().StringSliceVar(&fetchOnly, "only", nil, "restrict to these group aliases and their subtrees")
	fetchCmd.Flags().StringSliceVar(&fetchDefer, "defer", nil, "exclude these group aliases and their subtrees")
	fetchCmd.Flags().StringSliceVar(&fetchFilters, "filter", nil, "shallow filter, alias=value (repeatable)")
	fetchCmd.Flags().StringVar(&fetchOrderBy, "order-by", "", "node alias to order by")
	fetchCmd.Flags().BoolVar(&fetchDesc, "desc", false, "descending order")
}

func runFetch(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	filters, err := parseFilters(fetchFilters)
	if err != nil {
		return err
	}

	views, err := e.materializer.Entities(ctx, args[0], app.FetchOptions{
		Only:       fetchOnly,
		Defer:      fetchDefer,
		Mode:       fetchMode(),
		EntityIDs:  args[1:],
		Filters:    filters,
		OrderBy:    fetchOrderBy,
		Descending: fetchDesc,
		Limit:      fetchLimit,
		Offset:     fetchOffset,
	})
	if err != nil {
		return err
	}

	out := make([]map[string]any, 0, len(views))
	for _, view := range views {
		tree := map[string]any{
			"id":    view.Entity.ID,
			"label": view.Entity.Label,
		}
		for alias, value := range view.Aliased {
			tree[alias] = value
		}
		out = append(out, tree)
	}
	return printJSON(out)
}

func runFetchGroup(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	rows, err := e.materializer.GroupTable(ctx, args[0], args[1], app.FetchOptions{
		Mode:   fetchMode(),
		Limit:  fetchLimit,
		Offset: fetchOffset,
	})
	if err != nil {
		return err
	}
	return printJSON(rows)
}

func fetchMode() codec.DecodeMode {
	if fetchDisplay {
		return codec.ModeDisplay
	}
	return codec.ModeValue
}

// parseFilters parses repeated alias=value flags. Values stay strings;
// shallow matching coerces per datatype at the store.
func parseFilters(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		alias, value, ok := strings.Cut(pair, "=")
		if !ok || alias == "" {
			return nil, fmt.Errorf("filter %q: want alias=value", pair)
		}
		out[alias] = value
	}
	return out, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
