// Package app wires the domain layers into the two operations callers use:
// materializing entity trees out of record rows, and committing incoming
// trees back through the reconciler.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/archesproject/semstore/adapters/metrics"
	"github.com/archesproject/semstore/domain/codec"
	"github.com/archesproject/semstore/domain/record"
	"github.com/archesproject/semstore/domain/schema"
	"github.com/archesproject/semstore/ports"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// FetchOptions tune a materialization.
type FetchOptions struct {
	// Only restricts the tree to these group aliases and their subtrees.
	// Empty means everything.
	Only []string
	// Defer excludes these group aliases and their subtrees.
	Defer []string

	// Mode selects application values or display-ready values.
	Mode codec.DecodeMode

	// EntityIDs restricts the root set.
	EntityIDs []string
	// Filters match node aliases against shallow values.
	Filters map[string]any

	OrderBy    string
	Descending bool
	Limit      int
	Offset     int

	// AllowEmpty suppresses ErrNotFound when explicitly requested entity
	// ids are missing.
	AllowEmpty bool
}

// Materializer turns persisted record rows into alias-addressed trees. One
// fetch costs one root query plus one record query per tree depth, never
// one per node or per entity.
type Materializer struct {
	schemas  ports.SchemaProvider
	entities ports.EntityStore
	records  ports.RecordStore
	codecs   *codec.Registry
	display  ports.DisplayLoader
	logger   zerolog.Logger
	metrics  *metrics.Collector
}

// NewMaterializer creates a materializer. The metrics collector may be nil.
func NewMaterializer(
	schemas ports.SchemaProvider,
	entities ports.EntityStore,
	records ports.RecordStore,
	codecs *codec.Registry,
	display ports.DisplayLoader,
	logger zerolog.Logger,
	collector *metrics.Collector,
) *Materializer {
	return &Materializer{
		schemas:  schemas,
		entities: entities,
		records:  records,
		codecs:   codecs,
		display:  display,
		logger:   logger,
		metrics:  collector,
	}
}

// Entities materializes a page of root entities as decoded trees.
func (m *Materializer) Entities(ctx context.Context, schemaSlug string, opts FetchOptions) ([]record.EntityView, error) {
	start := time.Now()
	sch, err := m.schemas.Schema(ctx, schemaSlug)
	if err != nil {
		return nil, err
	}

	include, err := m.resolveInclude(sch, opts)
	if err != nil {
		return nil, err
	}

	entities, err := m.entities.List(ctx, sch, ports.EntityQuery{
		IDs:        opts.EntityIDs,
		Filters:    opts.Filters,
		OrderBy:    opts.OrderBy,
		Descending: opts.Descending,
		Limit:      opts.Limit,
		Offset:     opts.Offset,
	})
	if err != nil {
		return nil, err
	}
	if len(entities) < len(opts.EntityIDs) && !opts.AllowEmpty {
		return nil, fmt.Errorf("entity set %v: %w", opts.EntityIDs, ErrNotFound)
	}

	entityIDs := make([]string, len(entities))
	for i, e := range entities {
		entityIDs[i] = e.ID
	}

	recs, err := m.fetchRecords(ctx, sch, include, entityIDs)
	if err != nil {
		return nil, err
	}

	dctx, err := m.displayContext(ctx, sch, recs, opts.Mode)
	if err != nil {
		return nil, err
	}

	byEntity := make(map[string][]*record.Record, len(entities))
	for _, rec := range recs {
		byEntity[rec.EntityID] = append(byEntity[rec.EntityID], rec)
	}

	views := make([]record.EntityView, 0, len(entities))
	for _, e := range entities {
		entityRecs := byEntity[e.ID]
		views = append(views, record.EntityView{
			Entity:  e,
			Aliased: m.buildTree(sch, include, entityRecs, opts.Mode, dctx),
			Records: entityRecs,
		})
	}

	m.observeFetch(sch.Slug, opts.Mode, len(recs), start)
	return views, nil
}

// GroupTable materializes one group's records as a flat table, one decoded
// row per record.
func (m *Materializer) GroupTable(ctx context.Context, schemaSlug, groupAlias string, opts FetchOptions) ([]record.AliasedData, error) {
	start := time.Now()
	sch, err := m.schemas.Schema(ctx, schemaSlug)
	if err != nil {
		return nil, err
	}
	group, ok := sch.GroupByAlias(groupAlias)
	if !ok {
		return nil, fmt.Errorf("%w: %q in schema %q", schema.ErrUnknownAlias, groupAlias, sch.Slug)
	}

	recs, err := m.records.ListByGroups(ctx, []string{group.ID}, opts.EntityIDs)
	if err != nil {
		return nil, err
	}

	dctx, err := m.displayContext(ctx, sch, recs, opts.Mode)
	if err != nil {
		return nil, err
	}

	rows := make([]record.AliasedData, 0, len(recs))
	for _, rec := range recs {
		row := m.decodeRecord(rec, group, opts.Mode, dctx)
		row["entity_id"] = rec.EntityID
		rows = append(rows, row)
	}

	m.observeFetch(sch.Slug, opts.Mode, len(recs), start)
	return rows, nil
}

// resolveInclude computes the set of group ids a fetch covers, or nil for
// all of them.
func (m *Materializer) resolveInclude(sch *schema.Schema, opts FetchOptions) (map[string]bool, error) {
	include, err := sch.ResolveGroups(opts.Only)
	if err != nil {
		return nil, err
	}
	if include == nil && len(opts.Defer) > 0 {
		include = make(map[string]bool, len(sch.Groups))
		for _, g := range sch.Groups {
			include[g.ID] = true
		}
	}
	excluded, err := sch.ResolveGroups(opts.Defer)
	if err != nil {
		return nil, err
	}
	for id := range excluded {
		delete(include, id)
	}
	return include, nil
}

// fetchRecords loads the included record rows, one query per tree depth.
func (m *Materializer) fetchRecords(ctx context.Context, sch *schema.Schema, include map[string]bool, entityIDs []string) ([]*record.Record, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	var all []*record.Record
	for _, level := range sch.GroupsAtDepth() {
		var groupIDs []string
		for _, g := range level {
			if include == nil || include[g.ID] {
				groupIDs = append(groupIDs, g.ID)
			}
		}
		if len(groupIDs) == 0 {
			continue
		}
		recs, err := m.records.ListByGroups(ctx, groupIDs, entityIDs)
		if err != nil {
			return nil, err
		}
		all = append(all, recs...)
	}
	return all, nil
}

// displayContext bulk-loads the labels display decoding needs for a page of
// records. Value mode needs none.
func (m *Materializer) displayContext(ctx context.Context, sch *schema.Schema, recs []*record.Record, mode codec.DecodeMode) (*codec.DisplayContext, error) {
	if mode != codec.ModeDisplay {
		return nil, nil
	}
	entityIDs, termIDs := codec.CollectDisplayKeys(m.codecs, sch, recs)
	entityLabels, err := m.display.EntityLabels(ctx, entityIDs)
	if err != nil {
		return nil, fmt.Errorf("load entity labels: %w", err)
	}
	termLabels, err := m.display.TermLabels(ctx, termIDs)
	if err != nil {
		return nil, fmt.Errorf("load term labels: %w", err)
	}
	return &codec.DisplayContext{EntityLabels: entityLabels, TermLabels: termLabels}, nil
}

// buildTree nests one entity's records under their group aliases,
// cardinality-one groups folded to scalars.
func (m *Materializer) buildTree(sch *schema.Schema, include map[string]bool, recs []*record.Record, mode codec.DecodeMode, dctx *codec.DisplayContext) record.AliasedData {
	childrenOf := make(map[string][]*record.Record)
	var tops []*record.Record
	for _, rec := range recs {
		if rec.ParentID == "" {
			tops = append(tops, rec)
		} else {
			childrenOf[rec.ParentID] = append(childrenOf[rec.ParentID], rec)
		}
	}

	out := record.AliasedData{}
	for _, group := range sch.TopGroups() {
		if include != nil && !include[group.ID] {
			continue
		}
		m.placeGroup(out, sch, include, group, tops, childrenOf, mode, dctx)
	}
	return out
}

// placeGroup writes one group's containers into a parent container, scalar
// or list per cardinality.
func (m *Materializer) placeGroup(container record.AliasedData, sch *schema.Schema, include map[string]bool, group *schema.Group, candidates []*record.Record, childrenOf map[string][]*record.Record, mode codec.DecodeMode, dctx *codec.DisplayContext) {
	var built []any
	for _, rec := range candidates {
		if rec.GroupID != group.ID {
			continue
		}
		node := m.decodeRecord(rec, group, mode, dctx)
		for _, child := range sch.ChildGroups(group.ID) {
			if include != nil && !include[child.ID] {
				continue
			}
			m.placeGroup(node, sch, include, child, childrenOf[rec.ID], childrenOf, mode, dctx)
		}
		built = append(built, node)
	}

	if group.Cardinality == schema.CardinalityOne {
		if len(built) > 0 {
			container[group.Alias()] = built[0]
		} else {
			container[group.Alias()] = nil
		}
		return
	}
	if built == nil {
		built = []any{}
	}
	container[group.Alias()] = built
}

// decodeRecord decodes one record's leaves into an aliased container.
func (m *Materializer) decodeRecord(rec *record.Record, group *schema.Group, mode codec.DecodeMode, dctx *codec.DisplayContext) record.AliasedData {
	out := record.AliasedData{"id": rec.ID}
	for _, node := range group.DataNodes() {
		raw := rec.Data[node.ID]
		if raw == nil {
			out[node.Alias] = nil
			continue
		}
		hooks := m.codecs.Resolve(node.Datatype)
		if mode == codec.ModeDisplay {
			out[node.Alias] = hooks.DecodeDisplay(raw, dctx)
		} else {
			out[node.Alias] = hooks.DecodeValue(raw)
		}
	}
	return out
}

func (m *Materializer) observeFetch(slug string, mode codec.DecodeMode, records int, start time.Time) {
	m.logger.Debug().
		Str("schema", slug).
		Int("records", records).
		Dur("elapsed", time.Since(start)).
		Msg("materialized entity trees")
	if m.metrics == nil {
		return
	}
	label := "value"
	if mode == codec.ModeDisplay {
		label = "display"
	}
	m.metrics.FetchesTotal.WithLabelValues(slug, label).Inc()
	m.metrics.FetchDuration.WithLabelValues(slug).Observe(time.Since(start).Seconds())
	m.metrics.RecordsFetched.WithLabelValues(slug).Add(float64(records))
}
