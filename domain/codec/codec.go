// Package codec dispatches per-datatype behavior: how values are encoded
// into raw record data, merged, cleaned, validated, decoded back out, and
// what side effects follow persistence. Datatypes are plugins resolved from
// an explicit registry; any hook a plugin omits falls back to a generic
// default (overwrite on merge, structural equality), so the reconciler
// never special-cases a datatype.
package codec

import (
	"context"
	"reflect"
	"sort"
	"sync"

	"github.com/archesproject/semstore/domain/record"
	"github.com/archesproject/semstore/domain/schema"
)

// DecodeMode selects which decode hook a fetch runs.
type DecodeMode int

const (
	// ModeValue produces application values.
	ModeValue DecodeMode = iota
	// ModeDisplay produces display-ready values with derived labels.
	ModeDisplay
)

// DisplayContext carries bulk-prefetched lookups used by display decoding,
// loaded once per page instead of once per row.
type DisplayContext struct {
	// EntityLabels maps referenced entity ids to display labels.
	EntityLabels map[string]string
	// TermLabels maps vocabulary term ids to their labels.
	TermLabels map[string]string
}

// SideEffects is what a PostPersist hook may do inside the commit
// transaction, e.g. maintain cross-entity reference rows.
type SideEffects interface {
	SyncEntityRefs(ctx context.Context, rec *record.Record, nodeID string, value any) error
	DeleteEntityRefs(ctx context.Context, recordID string) error
}

// Hooks is one datatype's contract. Every field except Datatype is
// optional; Resolve substitutes defaults for nil hooks.
type Hooks struct {
	Datatype string

	// Encode turns an incoming value into its raw wire form.
	Encode func(value any, cfg map[string]any) (any, error)
	// Merge folds an encoded value into the existing raw value.
	Merge func(existing, incoming any) any
	// Clean normalizes a raw value, typically collapsing empties to nil.
	Clean func(raw any) any
	// Validate returns user-facing messages for an invalid raw value.
	Validate func(raw any, node *schema.Node) []string
	// PostEncode runs after a node's value lands in the record's raw
	// data. A failure is recorded as a validation error, not raised.
	PostEncode func(rec *record.Record, nodeID string) error

	// DecodeValue turns a raw value into an application value.
	DecodeValue func(raw any) any
	// DecodeDisplay turns a raw value into a display-ready value.
	DecodeDisplay func(raw any, dctx *DisplayContext) any
	// DisplayKeys reports which entity ids and term ids display decoding
	// of a raw value will need, so callers can prefetch them in bulk.
	DisplayKeys func(raw any) (entityIDs, termIDs []string)

	// PostPersist runs inside the commit transaction after rows land.
	PostPersist func(ctx context.Context, side SideEffects, rec *record.Record, nodeID string) error

	// Equal is the no-op detector. Nil means structural equality after
	// stripping IgnoredSubfields.
	Equal func(a, b any) bool
	// IgnoredSubfields lists map keys that are transient bookkeeping and
	// must not defeat no-op detection (e.g. a back-reference row id).
	IgnoredSubfields []string
}

// Registry resolves datatypes to hooks. Lookups for unregistered datatypes
// return the pure defaults, so unknown types degrade to overwrite-and-store.
type Registry struct {
	mu    sync.RWMutex
	hooks map[string]Hooks
}

// NewRegistry returns a registry pre-populated with the built-in datatypes.
func NewRegistry() *Registry {
	r := &Registry{hooks: make(map[string]Hooks)}
	registerBuiltins(r)
	return r
}

// Register adds or replaces a datatype's hooks.
func (r *Registry) Register(h Hooks) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[h.Datatype] = h
}

// Resolve returns the hooks for a datatype with defaults filled in for any
// hook the plugin omitted.
func (r *Registry) Resolve(datatype string) Hooks {
	r.mu.RLock()
	h := r.hooks[datatype]
	r.mu.RUnlock()

	h.Datatype = datatype
	if h.Encode == nil {
		h.Encode = func(value any, _ map[string]any) (any, error) { return value, nil }
	}
	if h.Merge == nil {
		h.Merge = func(_, incoming any) any { return incoming }
	}
	if h.Clean == nil {
		h.Clean = func(raw any) any { return raw }
	}
	if h.Validate == nil {
		h.Validate = func(any, *schema.Node) []string { return nil }
	}
	if h.DecodeValue == nil {
		h.DecodeValue = func(raw any) any { return raw }
	}
	if h.DecodeDisplay == nil {
		h.DecodeDisplay = func(raw any, _ *DisplayContext) any { return raw }
	}
	if h.Equal == nil {
		ignored := h.IgnoredSubfields
		h.Equal = func(a, b any) bool { return StructuralEqual(a, b, ignored) }
	}
	return h
}

// StructuralEqual compares two raw values after stripping the ignored
// subfield keys from any maps (top-level or inside lists).
func StructuralEqual(a, b any, ignored []string) bool {
	return reflect.DeepEqual(stripSubfields(a, ignored), stripSubfields(b, ignored))
}

func stripSubfields(v any, ignored []string) any {
	if len(ignored) == 0 {
		return v
	}
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = inner
		}
		for _, key := range ignored {
			delete(out, key)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = stripSubfields(inner, ignored)
		}
		return out
	default:
		return v
	}
}

// CollectDisplayKeys walks raw record data and gathers every entity id and
// term id that display decoding will reference, deduplicated and sorted.
// One call covers a whole page of records.
func CollectDisplayKeys(reg *Registry, sch *schema.Schema, records []*record.Record) (entityIDs, termIDs []string) {
	entitySet := make(map[string]bool)
	termSet := make(map[string]bool)
	for _, rec := range records {
		group, ok := sch.GroupByID(rec.GroupID)
		if !ok {
			continue
		}
		for _, node := range group.DataNodes() {
			raw, ok := rec.Data[node.ID]
			if !ok || raw == nil {
				continue
			}
			h := reg.Resolve(node.Datatype)
			if h.DisplayKeys == nil {
				continue
			}
			entities, terms := h.DisplayKeys(raw)
			for _, id := range entities {
				entitySet[id] = true
			}
			for _, id := range terms {
				termSet[id] = true
			}
		}
	}
	for id := range entitySet {
		entityIDs = append(entityIDs, id)
	}
	for id := range termSet {
		termIDs = append(termIDs, id)
	}
	sort.Strings(entityIDs)
	sort.Strings(termIDs)
	return entityIDs, termIDs
}
