package memory

import (
	"context"
	"time"

	"github.com/archesproject/semstore/domain/codec"
	"github.com/archesproject/semstore/domain/record"
	"github.com/archesproject/semstore/ports"
)

// Begin opens a mutation transaction. The store lock is held until Commit
// or Rollback, so transactions serialize exactly like the single-writer
// database they stand in for.
func (s *Store) Begin(ctx context.Context) (ports.RecordTx, error) {
	s.mu.Lock()
	return &memTx{
		s:            s,
		prevEntities: cloneEntities(s.entities),
		prevRecords:  cloneRecords(s.records),
		prevAudit:    cloneAudit(s.audit),
		prevRefs:     cloneRefs(s.refs),
	}, nil
}

// memTx mutates the store directly under the held lock, keeping a
// snapshot for rollback.
type memTx struct {
	s    *Store
	done bool

	prevEntities map[string]record.RootEntity
	prevRecords  map[string]*record.Record
	prevAudit    map[string][]record.AuditEntry
	prevRefs     map[string]map[string][]string
}

// InsertRecords inserts new records, enforcing the cardinality guard
// against everything committed before this transaction began.
func (t *memTx) InsertRecords(ctx context.Context, recs []*record.Record) error {
	now := time.Now().UTC()
	for _, rec := range recs {
		if t.s.cardOne[rec.GroupID] {
			for _, existing := range t.s.records {
				if existing.EntityID == rec.EntityID &&
					existing.GroupID == rec.GroupID &&
					existing.ParentID == rec.ParentID {
					return &ports.ConstraintError{GroupID: rec.GroupID}
				}
			}
		}
		dup := rec.Clone()
		if dup.CreatedAt.IsZero() {
			dup.CreatedAt = now
		}
		dup.UpdatedAt = now
		t.s.records[dup.ID] = dup
	}
	return nil
}

// ReadBack re-reads records by id.
func (t *memTx) ReadBack(ctx context.Context, ids []string) ([]*record.Record, error) {
	var out []*record.Record
	for _, id := range ids {
		if rec, ok := t.s.records[id]; ok {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

// UpdateRecords rewrites existing records.
func (t *memTx) UpdateRecords(ctx context.Context, recs []*record.Record) error {
	now := time.Now().UTC()
	for _, rec := range recs {
		existing, ok := t.s.records[rec.ID]
		if !ok {
			return ErrNotFound
		}
		dup := rec.Clone()
		dup.CreatedAt = existing.CreatedAt
		dup.UpdatedAt = now
		t.s.records[dup.ID] = dup
	}
	return nil
}

// DeleteRecords removes records by id.
func (t *memTx) DeleteRecords(ctx context.Context, ids []string) error {
	for _, id := range ids {
		delete(t.s.records, id)
	}
	return nil
}

// SaveEntity persists the root entity without cascading.
func (t *memTx) SaveEntity(ctx context.Context, e record.RootEntity) error {
	existing, ok := t.s.entities[e.ID]
	if !ok {
		return ErrNotFound
	}
	e.CreatedAt = existing.CreatedAt
	e.UpdatedAt = time.Now().UTC()
	t.s.entities[e.ID] = e
	return nil
}

// AppendAudit stages audit entries.
func (t *memTx) AppendAudit(ctx context.Context, entries []record.AuditEntry) error {
	for _, e := range entries {
		t.s.audit[e.EntityID] = append(t.s.audit[e.EntityID], e)
	}
	return nil
}

// SyncEntityRefs replaces the reference rows for one node of one record.
func (t *memTx) SyncEntityRefs(ctx context.Context, rec *record.Record, nodeID string, value any) error {
	byNode := t.s.refs[rec.ID]
	if byNode == nil {
		byNode = make(map[string][]string)
		t.s.refs[rec.ID] = byNode
	}
	delete(byNode, nodeID)

	items, ok := value.([]any)
	if !ok {
		return nil
	}
	for _, item := range items {
		ref, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if target, ok := ref[codec.RefEntityID].(string); ok && target != "" {
			byNode[nodeID] = append(byNode[nodeID], target)
		}
	}
	return nil
}

// DeleteEntityRefs drops every reference row originating from a record.
func (t *memTx) DeleteEntityRefs(ctx context.Context, recordID string) error {
	delete(t.s.refs, recordID)
	return nil
}

func (t *memTx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	t.s.mu.Unlock()
	return nil
}

func (t *memTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.s.entities = t.prevEntities
	t.s.records = t.prevRecords
	t.s.audit = t.prevAudit
	t.s.refs = t.prevRefs
	t.s.mu.Unlock()
	return nil
}

func cloneEntities(in map[string]record.RootEntity) map[string]record.RootEntity {
	out := make(map[string]record.RootEntity, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneRecords(in map[string]*record.Record) map[string]*record.Record {
	out := make(map[string]*record.Record, len(in))
	for k, v := range in {
		out[k] = v.Clone()
	}
	return out
}

func cloneAudit(in map[string][]record.AuditEntry) map[string][]record.AuditEntry {
	out := make(map[string][]record.AuditEntry, len(in))
	for k, v := range in {
		out[k] = append([]record.AuditEntry(nil), v...)
	}
	return out
}

func cloneRefs(in map[string]map[string][]string) map[string]map[string][]string {
	out := make(map[string]map[string][]string, len(in))
	for k, byNode := range in {
		dup := make(map[string][]string, len(byNode))
		for n, targets := range byNode {
			dup[n] = append([]string(nil), targets...)
		}
		out[k] = dup
	}
	return out
}

// Ensure interface compliance.
var _ ports.RecordTx = (*memTx)(nil)
