package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/archesproject/semstore/adapters/memory"
	"github.com/archesproject/semstore/domain/record"
	"github.com/archesproject/semstore/domain/schema"
	"github.com/archesproject/semstore/ports"
)

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	sch := &schema.Schema{
		ID:   "s-test",
		Slug: "test",
		Groups: []schema.Group{
			{
				ID:          "ng-name",
				Cardinality: schema.CardinalityOne,
				Nodes: []schema.Node{
					{ID: "ng-name", Alias: "name", Datatype: schema.DatatypeGrouping, GroupID: "ng-name"},
					{ID: "n-name-content", Alias: "name_content", Datatype: "string", GroupID: "ng-name"},
				},
			},
			{
				ID:          "ng-statement",
				Cardinality: schema.CardinalityMany,
				Nodes: []schema.Node{
					{ID: "ng-statement", Alias: "statement", Datatype: schema.DatatypeGrouping, GroupID: "ng-statement"},
					{ID: "n-stmt-content", Alias: "statement_content", Datatype: "string", GroupID: "ng-statement"},
				},
			},
		},
	}
	if err := sch.Validate(); err != nil {
		t.Fatalf("schema invalid: %v", err)
	}
	return sch
}

func seedEntity(t *testing.T, s *memory.Store, id, label string, createdAt time.Time) {
	t.Helper()
	err := s.Create(context.Background(), record.RootEntity{
		ID:         id,
		SchemaSlug: "test",
		Label:      label,
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt,
	})
	if err != nil {
		t.Fatalf("create entity %s: %v", id, err)
	}
}

// commitRecords inserts records through a transaction, the only mutation
// path the store offers.
func commitRecords(t *testing.T, s *memory.Store, recs ...*record.Record) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.InsertRecords(ctx, recs); err != nil {
		tx.Rollback()
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestStore_EntityLifecycle(t *testing.T) {
	s := memory.NewStore()
	ctx := context.Background()

	seedEntity(t, s, "ent-1", "First", time.Now())

	e, err := s.Get(ctx, "ent-1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if e.Label != "First" {
		t.Errorf("Label = %q, want First", e.Label)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}
}

func TestStore_ListFiltersAndPaging(t *testing.T) {
	s := memory.NewStore()
	sch := testSchema(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	seedEntity(t, s, "ent-1", "One", base)
	seedEntity(t, s, "ent-2", "Two", base.Add(time.Hour))
	seedEntity(t, s, "ent-3", "Three", base.Add(2*time.Hour))

	commitRecords(t, s,
		&record.Record{ID: "rec-1", GroupID: "ng-name", EntityID: "ent-1",
			Data: map[string]any{"n-name-content": "Spring"}},
		&record.Record{ID: "rec-2", GroupID: "ng-name", EntityID: "ent-2",
			Data: map[string]any{"n-name-content": "Autumn"}},
	)

	all, err := s.List(ctx, sch, ports.EntityQuery{})
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(all) != 3 || all[0].ID != "ent-1" || all[2].ID != "ent-3" {
		t.Errorf("List = %v, want ent-1..ent-3 in creation order", all)
	}

	filtered, err := s.List(ctx, sch, ports.EntityQuery{Filters: map[string]any{"name_content": "Spring"}})
	if err != nil {
		t.Fatalf("filtered List error: %v", err)
	}
	if len(filtered) != 1 || filtered[0].ID != "ent-1" {
		t.Errorf("filtered List = %v, want [ent-1]", filtered)
	}

	if _, err := s.List(ctx, sch, ports.EntityQuery{Filters: map[string]any{"nope": "x"}}); !errors.Is(err, schema.ErrUnknownAlias) {
		t.Errorf("unknown alias filter = %v, want ErrUnknownAlias", err)
	}

	page, err := s.List(ctx, sch, ports.EntityQuery{Offset: 1, Limit: 1})
	if err != nil {
		t.Fatalf("paged List error: %v", err)
	}
	if len(page) != 1 || page[0].ID != "ent-2" {
		t.Errorf("paged List = %v, want [ent-2]", page)
	}
}

func TestStore_ListByGroupsOrdersAndClones(t *testing.T) {
	s := memory.NewStore()
	ctx := context.Background()
	seedEntity(t, s, "ent-1", "One", time.Now())

	commitRecords(t, s,
		&record.Record{ID: "rec-b", GroupID: "ng-statement", EntityID: "ent-1", SortOrder: 1,
			Data: map[string]any{"n-stmt-content": "second"}},
		&record.Record{ID: "rec-a", GroupID: "ng-statement", EntityID: "ent-1", SortOrder: 0,
			Data: map[string]any{"n-stmt-content": "first"}},
	)

	recs, err := s.ListByGroups(ctx, []string{"ng-statement"}, []string{"ent-1"})
	if err != nil {
		t.Fatalf("ListByGroups error: %v", err)
	}
	if len(recs) != 2 || recs[0].ID != "rec-a" || recs[1].ID != "rec-b" {
		t.Fatalf("ListByGroups order = %v, want rec-a then rec-b", recs)
	}

	// Returned records are clones; mutating them must not leak into the
	// store.
	recs[0].Data["n-stmt-content"] = "mutated"
	again, err := s.GetRecord(ctx, "rec-a")
	if err != nil {
		t.Fatalf("GetRecord error: %v", err)
	}
	if again.Data["n-stmt-content"] != "first" {
		t.Errorf("store data = %v, want first (clone isolation)", again.Data["n-stmt-content"])
	}
}

func TestTx_RollbackDiscardsEverything(t *testing.T) {
	s := memory.NewStore()
	ctx := context.Background()
	seedEntity(t, s, "ent-1", "One", time.Now())

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	rec := &record.Record{ID: "rec-1", GroupID: "ng-name", EntityID: "ent-1",
		Data: map[string]any{"n-name-content": "x"}}
	if err := tx.InsertRecords(ctx, []*record.Record{rec}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.AppendAudit(ctx, []record.AuditEntry{{ID: "a-1", EntityID: "ent-1", RecordID: "rec-1", Kind: "insert"}}); err != nil {
		t.Fatalf("append audit: %v", err)
	}
	if err := tx.SyncEntityRefs(ctx, rec, "n-name-content", []any{map[string]any{"entityId": "ent-2"}}); err != nil {
		t.Fatalf("sync refs: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	if _, err := s.GetRecord(ctx, "rec-1"); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("record survived rollback: %v", err)
	}
	entries, _ := s.ListByEntity(ctx, "ent-1")
	if len(entries) != 0 {
		t.Errorf("audit entries survived rollback: %v", entries)
	}
	if refs := s.Refs("rec-1", "n-name-content"); len(refs) != 0 {
		t.Errorf("refs survived rollback: %v", refs)
	}
}

func TestTx_CardinalityGuard(t *testing.T) {
	s := memory.NewStore()
	sch := testSchema(t)
	s.SyncSchema(sch)
	ctx := context.Background()
	seedEntity(t, s, "ent-1", "One", time.Now())

	commitRecords(t, s, &record.Record{ID: "rec-1", GroupID: "ng-name", EntityID: "ent-1",
		Data: map[string]any{"n-name-content": "x"}})

	// A second record in the same cardinality-one slot is rejected.
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	err = tx.InsertRecords(ctx, []*record.Record{{ID: "rec-2", GroupID: "ng-name", EntityID: "ent-1"}})
	tx.Rollback()

	var cerr *ports.ConstraintError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want ConstraintError", err)
	}
	if cerr.GroupID != "ng-name" {
		t.Errorf("GroupID = %q, want ng-name", cerr.GroupID)
	}

	// Cardinality-many groups allow siblings.
	commitRecords(t, s,
		&record.Record{ID: "rec-3", GroupID: "ng-statement", EntityID: "ent-1"},
		&record.Record{ID: "rec-4", GroupID: "ng-statement", EntityID: "ent-1", SortOrder: 1},
	)
}

func TestTx_UpdateDeleteAndRefs(t *testing.T) {
	s := memory.NewStore()
	ctx := context.Background()
	seedEntity(t, s, "ent-1", "One", time.Now())

	rec := &record.Record{ID: "rec-1", GroupID: "ng-statement", EntityID: "ent-1",
		Data: map[string]any{"n-stmt-content": "before"}}
	commitRecords(t, s, rec)

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	updated := rec.Clone()
	updated.Data["n-stmt-content"] = "after"
	if err := tx.UpdateRecords(ctx, []*record.Record{updated}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := tx.SyncEntityRefs(ctx, updated, "n-stmt-content",
		[]any{map[string]any{"entityId": "ent-9"}}); err != nil {
		t.Fatalf("sync refs: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := s.GetRecord(ctx, "rec-1")
	if err != nil {
		t.Fatalf("GetRecord error: %v", err)
	}
	if got.Data["n-stmt-content"] != "after" {
		t.Errorf("data = %v, want after", got.Data["n-stmt-content"])
	}
	if refs := s.Refs("rec-1", "n-stmt-content"); len(refs) != 1 || refs[0] != "ent-9" {
		t.Errorf("refs = %v, want [ent-9]", refs)
	}

	tx, err = s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.DeleteEntityRefs(ctx, "rec-1"); err != nil {
		t.Fatalf("delete refs: %v", err)
	}
	if err := tx.DeleteRecords(ctx, []string{"rec-1"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, err := s.GetRecord(ctx, "rec-1"); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("record survived delete: %v", err)
	}
	if refs := s.Refs("rec-1", "n-stmt-content"); len(refs) != 0 {
		t.Errorf("refs survived delete: %v", refs)
	}

	// Updating a missing record fails.
	tx, err = s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	err = tx.UpdateRecords(ctx, []*record.Record{{ID: "rec-1"}})
	tx.Rollback()
	if !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("update missing = %v, want ErrNotFound", err)
	}
}

func TestStore_DisplayLabels(t *testing.T) {
	s := memory.NewStore()
	ctx := context.Background()
	seedEntity(t, s, "ent-1", "Labeled", time.Now())
	s.PutTerm("term-1", "Vocabulary Term")

	labels, err := s.EntityLabels(ctx, []string{"ent-1", "missing"})
	if err != nil {
		t.Fatalf("EntityLabels error: %v", err)
	}
	if len(labels) != 1 || labels["ent-1"] != "Labeled" {
		t.Errorf("EntityLabels = %v, want ent-1 only", labels)
	}

	terms, err := s.TermLabels(ctx, []string{"term-1"})
	if err != nil {
		t.Fatalf("TermLabels error: %v", err)
	}
	if terms["term-1"] != "Vocabulary Term" {
		t.Errorf("TermLabels = %v, want term-1 label", terms)
	}
}
