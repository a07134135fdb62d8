// Package memory provides in-memory implementations of storage ports for
// tests and ephemeral use.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/archesproject/semstore/domain/codec"
	"github.com/archesproject/semstore/domain/record"
	"github.com/archesproject/semstore/domain/schema"
	"github.com/archesproject/semstore/ports"
)

// ErrNotFound is returned when an entity or record is not found.
var ErrNotFound = errors.New("not found")

// Store is an in-memory implementation of the storage ports: entity store,
// record store, transaction factory, audit reader, and display loader.
// Transactions hold the store lock, so they serialize; the cardinality
// guard therefore observes every earlier commit, like the database index
// it stands in for.
type Store struct {
	mu sync.Mutex

	entities map[string]record.RootEntity
	records  map[string]*record.Record
	audit    map[string][]record.AuditEntry
	refs     map[string]map[string][]string // record id -> node id -> targets
	terms    map[string]string
	cardOne  map[string]bool
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		entities: make(map[string]record.RootEntity),
		records:  make(map[string]*record.Record),
		audit:    make(map[string][]record.AuditEntry),
		refs:     make(map[string]map[string][]string),
		terms:    make(map[string]string),
		cardOne:  make(map[string]bool),
	}
}

// SyncSchema registers group cardinalities for the insert guard.
func (s *Store) SyncSchema(sch *schema.Schema) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range sch.Groups {
		s.cardOne[g.ID] = g.Cardinality == schema.CardinalityOne
	}
}

// PutTerm registers a vocabulary term label.
func (s *Store) PutTerm(id, label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terms[id] = label
}

// -----------------------------------------------------------------------------
// EntityStore
// -----------------------------------------------------------------------------

// Get retrieves an entity by ID.
func (s *Store) Get(ctx context.Context, id string) (record.RootEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[id]
	if !ok {
		return record.RootEntity{}, ErrNotFound
	}
	return e, nil
}

// Create stores a new entity.
func (s *Store) Create(ctx context.Context, e record.RootEntity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = now
	}
	s.entities[e.ID] = e
	return nil
}

// List returns entities of a schema matching the query. Filters compare
// the stored wire value of the named node on any of the entity's records.
func (s *Store) List(ctx context.Context, sch *schema.Schema, q ports.EntityQuery) ([]record.RootEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]bool, len(q.IDs))
	for _, id := range q.IDs {
		wanted[id] = true
	}

	var out []record.RootEntity
	for _, e := range s.entities {
		if e.SchemaSlug != sch.Slug {
			continue
		}
		if len(wanted) > 0 && !wanted[e.ID] {
			continue
		}
		ok, err := s.matches(sch, e.ID, q.Filters)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, e)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(out) {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) matches(sch *schema.Schema, entityID string, filters map[string]any) (bool, error) {
	for alias, want := range filters {
		node, ok := sch.NodeByAlias(alias)
		if !ok || node.Structural() {
			return false, schema.ErrUnknownAlias
		}
		found := false
		for _, rec := range s.records {
			if rec.EntityID != entityID || rec.GroupID != node.GroupID {
				continue
			}
			if codec.StructuralEqual(rec.Data[node.ID], want, nil) {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}
	return true, nil
}

// -----------------------------------------------------------------------------
// RecordStore
// -----------------------------------------------------------------------------

// GetRecord retrieves a record by ID.
func (s *Store) GetRecord(ctx context.Context, id string) (*record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// ListByGroups returns records in any of the given groups, optionally
// restricted to an entity set, ordered by sortorder.
func (s *Store) ListByGroups(ctx context.Context, groupIDs []string, entityIDs []string) ([]*record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	groups := make(map[string]bool, len(groupIDs))
	for _, id := range groupIDs {
		groups[id] = true
	}
	entities := make(map[string]bool, len(entityIDs))
	for _, id := range entityIDs {
		entities[id] = true
	}

	var out []*record.Record
	for _, rec := range s.records {
		if !groups[rec.GroupID] {
			continue
		}
		if len(entities) > 0 && !entities[rec.EntityID] {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.EntityID != b.EntityID {
			return a.EntityID < b.EntityID
		}
		if a.GroupID != b.GroupID {
			return a.GroupID < b.GroupID
		}
		if a.SortOrder != b.SortOrder {
			return a.SortOrder < b.SortOrder
		}
		return a.ID < b.ID
	})
	return out, nil
}

// -----------------------------------------------------------------------------
// AuditReader / DisplayLoader
// -----------------------------------------------------------------------------

// ListByEntity returns an entity's audit entries, oldest first.
func (s *Store) ListByEntity(ctx context.Context, entityID string) ([]record.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]record.AuditEntry(nil), s.audit[entityID]...), nil
}

// EntityLabels resolves entity ids to display labels.
func (s *Store) EntityLabels(ctx context.Context, ids []string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(ids))
	for _, id := range ids {
		if e, ok := s.entities[id]; ok {
			out[id] = e.Label
		}
	}
	return out, nil
}

// TermLabels resolves vocabulary term ids to labels.
func (s *Store) TermLabels(ctx context.Context, ids []string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(ids))
	for _, id := range ids {
		if label, ok := s.terms[id]; ok {
			out[id] = label
		}
	}
	return out, nil
}

// Refs returns the denormalized reference targets for a record node (for
// testing).
func (s *Store) Refs(recordID, nodeID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.refs[recordID][nodeID]...)
}

// recordStoreView adapts Store to ports.RecordStore, whose Get collides
// with the entity store's.
type recordStoreView struct{ s *Store }

// Records returns the store's ports.RecordStore face.
func (s *Store) Records() ports.RecordStore {
	return recordStoreView{s}
}

func (v recordStoreView) Get(ctx context.Context, id string) (*record.Record, error) {
	return v.s.GetRecord(ctx, id)
}

func (v recordStoreView) ListByGroups(ctx context.Context, groupIDs []string, entityIDs []string) ([]*record.Record, error) {
	return v.s.ListByGroups(ctx, groupIDs, entityIDs)
}

// Ensure interface compliance.
var _ ports.EntityStore = (*Store)(nil)
var _ ports.RecordStore = (recordStoreView{})
var _ ports.AuditReader = (*Store)(nil)
var _ ports.DisplayLoader = (*Store)(nil)
var _ ports.TxBeginner = (*Store)(nil)
