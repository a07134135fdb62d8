// Package record holds the persisted data model: root entities, the records
// hanging off them, and the alias-addressed projections exchanged with
// callers.
package record

import "time"

// RootEntity is a top-level addressable object. It has no attributes of its
// own; everything is projected from its record tree.
type RootEntity struct {
	ID         string
	SchemaSlug string
	Label      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Record is one instance of a schema group's data, owned by a root entity
// and optionally nested under a parent record.
type Record struct {
	ID        string
	GroupID   string
	EntityID  string
	ParentID  string
	SortOrder int

	// Data maps node id to the encoded (wire-form) value. A persisted
	// record has a key for every data node in its group; nulls allowed.
	Data map[string]any

	// Provisional stages pending values per principal. Empty means the
	// record is live.
	Provisional ProvisionalBag

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy of the record's identity and data. Provisional
// bags are copied shallowly per principal.
func (r *Record) Clone() *Record {
	dup := *r
	dup.Data = CloneData(r.Data)
	if r.Provisional != nil {
		dup.Provisional = make(ProvisionalBag, len(r.Provisional))
		for k, v := range r.Provisional {
			dup.Provisional[k] = v
		}
	}
	return &dup
}

// Blank reports whether every data value is nil.
func (r *Record) Blank() bool {
	for _, v := range r.Data {
		if v != nil {
			return false
		}
	}
	return true
}

// CloneData copies a raw data map one level deep, which is enough to
// snapshot it against later top-level mutation.
func CloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

// AliasedData is the ephemeral, alias-addressed form of a record tree.
// Group aliases hold one nested container (cardinality one) or a slice of
// containers (cardinality many); node aliases hold values. The reserved key
// "id" carries a record id. Absent key means untouched; explicit nil means
// clear.
type AliasedData = map[string]any

// EntityView is one materialized root entity: the decoded tree plus the
// flat record rows behind it, in fetch order.
type EntityView struct {
	Entity  RootEntity
	Aliased AliasedData
	Records []*Record
}

// Actor identifies the principal performing a mutation. Trusted actors
// write live data directly; others have their edits staged for review.
type Actor struct {
	ID      string
	Trusted bool
}
