package app_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/archesproject/semstore/adapters/clock"
	"github.com/archesproject/semstore/adapters/idgen"
	"github.com/archesproject/semstore/adapters/memory"
	"github.com/archesproject/semstore/app"
	"github.com/archesproject/semstore/domain/codec"
	"github.com/archesproject/semstore/domain/reconcile"
	"github.com/archesproject/semstore/domain/record"
	"github.com/archesproject/semstore/domain/schema"
)

type fixture struct {
	store       *memory.Store
	schemas     *staticSchemas
	mat         *app.Materializer
	coordinator *app.PersistenceCoordinator
}

type staticSchemas struct {
	sch *schema.Schema
}

func (s *staticSchemas) Schema(ctx context.Context, slug string) (*schema.Schema, error) {
	if slug != s.sch.Slug {
		return nil, errors.New("unknown schema")
	}
	return s.sch, nil
}

func (s *staticSchemas) Slugs(ctx context.Context) ([]string, error) {
	return []string{s.sch.Slug}, nil
}

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s := &schema.Schema{
		ID:   "sch",
		Slug: "concept",
		Groups: []schema.Group{
			{
				ID:          "ng-name",
				Cardinality: schema.CardinalityOne,
				Nodes: []schema.Node{
					{ID: "n-name", Alias: "name", Datatype: schema.DatatypeGrouping, GroupID: "ng-name"},
					{ID: "n-name-content", Alias: "name_content", Datatype: "non-localized-string", GroupID: "ng-name"},
				},
			},
			{
				ID:          "ng-statement",
				Cardinality: schema.CardinalityMany,
				Nodes: []schema.Node{
					{ID: "n-statement", Alias: "statement", Datatype: schema.DatatypeGrouping, GroupID: "ng-statement"},
					{ID: "n-stmt-content", Alias: "statement_content", Datatype: "non-localized-string", GroupID: "ng-statement"},
					{ID: "n-stmt-ref", Alias: "statement_about", Datatype: codec.DatatypeEntityRefList, GroupID: "ng-statement"},
				},
			},
			{
				ID:          "ng-note",
				Cardinality: schema.CardinalityMany,
				ParentID:    "ng-statement",
				Nodes: []schema.Node{
					{ID: "n-note", Alias: "statement_note", Datatype: schema.DatatypeGrouping, GroupID: "ng-note"},
					{ID: "n-note-text", Alias: "note_text", Datatype: "non-localized-string", GroupID: "ng-note"},
				},
			},
		},
	}
	if err := s.Validate(); err != nil {
		t.Fatal(err)
	}
	return s
}

func setup(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	sch := testSchema(t)
	store.SyncSchema(sch)
	schemas := &staticSchemas{sch: sch}
	registry := codec.NewRegistry()
	logger := zerolog.Nop()

	mat := app.NewMaterializer(schemas, store, store.Records(), registry, store, logger, nil)
	coordinator := app.NewPersistenceCoordinator(
		schemas, store, store.Records(), store, registry,
		clock.Real{}, idgen.NewSequential("id-"), reconcile.Options{}, logger, nil,
	)
	return &fixture{store: store, schemas: schemas, mat: mat, coordinator: coordinator}
}

func seedEntity(t *testing.T, f *fixture, id, label string) {
	t.Helper()
	err := f.store.Create(context.Background(), record.RootEntity{
		ID: id, SchemaSlug: "concept", Label: label,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func trusted() record.Actor {
	return record.Actor{ID: "editor-1", Trusted: true}
}

// refTarget is a referenced entity id; entity references validate as uuids.
const refTarget = "5ab7b864-e85e-4186-9231-b2d3e9622d4b"

func TestSave_InsertTreeAndAudit(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	seedEntity(t, f, "ent-1", "Entity One")

	cs, err := f.coordinator.Save(ctx, "concept", "ent-1", record.AliasedData{
		"name": map[string]any{"name_content": "Oil paint"},
		"statement": []any{
			map[string]any{
				"statement_content": "a statement",
				"statement_note": []any{
					map[string]any{"note_text": "a note"},
				},
			},
		},
	}, trusted())
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if len(cs.Inserts) != 3 {
		t.Fatalf("inserts = %d, want 3", len(cs.Inserts))
	}

	entries, err := f.store.ListByEntity(ctx, "ent-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("audit entries = %d, want one per record", len(entries))
	}
	op := entries[0].OperationID
	for _, e := range entries {
		if e.OperationID != op {
			t.Error("audit entries do not share an operation id")
		}
		if e.Kind != record.AuditInsert {
			t.Errorf("kind = %s, want insert", e.Kind)
		}
		if e.Actor != "editor-1" {
			t.Errorf("actor = %s", e.Actor)
		}
	}
}

func TestSave_NoopWritesNothing(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	seedEntity(t, f, "ent-1", "Entity One")

	incoming := record.AliasedData{
		"statement": []any{map[string]any{"statement_content": "hello"}},
	}
	if _, err := f.coordinator.Save(ctx, "concept", "ent-1", incoming, trusted()); err != nil {
		t.Fatalf("first save: %v", err)
	}
	before, _ := f.store.ListByEntity(ctx, "ent-1")

	// Resubmitting the identical tree pairs by id via the materialized
	// view, so fetch first to get the record id.
	views, err := f.mat.Entities(ctx, "concept", app.FetchOptions{EntityIDs: []string{"ent-1"}})
	if err != nil {
		t.Fatal(err)
	}
	statements := views[0].Aliased["statement"].([]any)
	cs, err := f.coordinator.Save(ctx, "concept", "ent-1", record.AliasedData{
		"statement": statements,
	}, trusted())
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if !cs.Empty() {
		t.Fatalf("second save sets = %d/%d/%d, want empty",
			len(cs.Inserts), len(cs.Updates), len(cs.Deletes))
	}

	after, _ := f.store.ListByEntity(ctx, "ent-1")
	if len(after) != len(before) {
		t.Errorf("audit entries grew from %d to %d on a no-op", len(before), len(after))
	}
}

func TestSave_UntrustedActorStagesProvisional(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	seedEntity(t, f, "ent-1", "Entity One")

	if _, err := f.coordinator.Save(ctx, "concept", "ent-1", record.AliasedData{
		"statement": []any{map[string]any{"statement_content": "live"}},
	}, trusted()); err != nil {
		t.Fatalf("seed save: %v", err)
	}
	views, err := f.mat.Entities(ctx, "concept", app.FetchOptions{EntityIDs: []string{"ent-1"}})
	if err != nil {
		t.Fatal(err)
	}
	stmt := views[0].Aliased["statement"].([]any)[0].(map[string]any)
	recID := stmt["id"].(string)

	untrusted := record.Actor{ID: "visitor-1", Trusted: false}
	if _, err := f.coordinator.Save(ctx, "concept", "ent-1", record.AliasedData{
		"statement": []any{map[string]any{"id": recID, "statement_content": "proposed"}},
	}, untrusted); err != nil {
		t.Fatalf("untrusted save: %v", err)
	}

	got, err := f.store.GetRecord(ctx, recID)
	if err != nil {
		t.Fatal(err)
	}
	// Live data stays at its reviewed state; the proposal lands in the bag.
	if got.Data["n-stmt-content"] != "live" {
		t.Errorf("live value = %v, want untouched", got.Data["n-stmt-content"])
	}
	edit, ok := got.Provisional.Get("visitor-1")
	if !ok {
		t.Fatal("no provisional edit staged")
	}
	if edit.Value["n-stmt-content"] != "proposed" {
		t.Errorf("staged value = %v", edit.Value["n-stmt-content"])
	}

	entries, _ := f.store.ListByEntity(ctx, "ent-1")
	last := entries[len(entries)-1]
	if last.NewProvisional == nil {
		t.Error("audit entry missing provisional snapshot")
	}
}

func TestCommit_CardinalityRaceTranslatedToValidationError(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	seedEntity(t, f, "ent-1", "Entity One")
	sch := testSchema(t)

	if _, err := f.coordinator.Save(ctx, "concept", "ent-1", record.AliasedData{
		"name": map[string]any{"name_content": "first"},
	}, trusted()); err != nil {
		t.Fatalf("first save: %v", err)
	}

	// A stale writer that reconciled before the first commit landed tries
	// to insert into the now-occupied cardinality-one slot.
	stale := &reconcile.ChangeSet{
		Inserts: []*record.Record{{
			ID: "stale-1", EntityID: "ent-1", GroupID: "ng-name",
			Data: map[string]any{"n-name-content": "second"},
		}},
		Original: map[string]map[string]any{},
		Unsaved:  map[string]bool{"stale-1": true},
	}
	entity, err := f.store.Get(ctx, "ent-1")
	if err != nil {
		t.Fatal(err)
	}
	err = f.coordinator.Commit(ctx, sch, entity, stale, trusted())

	var verr *reconcile.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
	if len(verr.Errors["name"]) == 0 {
		t.Errorf("errors keyed by %v, want group alias %q", verr.Errors, "name")
	}
}

func TestSave_ReplaceCardinalityOneWithoutID(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	seedEntity(t, f, "ent-1", "Entity One")

	if _, err := f.coordinator.Save(ctx, "concept", "ent-1", record.AliasedData{
		"name": map[string]any{"name_content": "Oil paint"},
	}, trusted()); err != nil {
		t.Fatalf("first save: %v", err)
	}
	views, err := f.mat.Entities(ctx, "concept", app.FetchOptions{EntityIDs: []string{"ent-1"}})
	if err != nil {
		t.Fatal(err)
	}
	oldID := views[0].Aliased["name"].(map[string]any)["id"].(string)

	// An incoming entry without an id pairs with nothing, so the persisted
	// record is deleted and the new one takes its slot in the same commit.
	cs, err := f.coordinator.Save(ctx, "concept", "ent-1", record.AliasedData{
		"name": map[string]any{"name_content": "Acrylic"},
	}, trusted())
	if err != nil {
		t.Fatalf("replace save: %v", err)
	}
	if len(cs.Inserts) != 1 || len(cs.Deletes) != 1 || len(cs.Updates) != 0 {
		t.Fatalf("replace sets = %d/%d/%d, want 1 insert, 0 updates, 1 delete",
			len(cs.Inserts), len(cs.Updates), len(cs.Deletes))
	}

	if _, err := f.store.GetRecord(ctx, oldID); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("replaced record survived, err = %v", err)
	}
	views, err = f.mat.Entities(ctx, "concept", app.FetchOptions{EntityIDs: []string{"ent-1"}})
	if err != nil {
		t.Fatal(err)
	}
	name := views[0].Aliased["name"].(map[string]any)
	if name["name_content"] != "Acrylic" {
		t.Errorf("name content = %v, want Acrylic", name["name_content"])
	}
	if name["id"] == oldID {
		t.Error("record id unchanged, want a fresh record in the slot")
	}
}

func TestMaterializer_NestingAndCardinality(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	seedEntity(t, f, "ent-1", "Entity One")

	if _, err := f.coordinator.Save(ctx, "concept", "ent-1", record.AliasedData{
		"name": map[string]any{"name_content": "the name"},
		"statement": []any{
			map[string]any{
				"statement_content": "first",
				"statement_note":    []any{map[string]any{"note_text": "n1"}},
			},
			map[string]any{"statement_content": "second"},
		},
	}, trusted()); err != nil {
		t.Fatalf("save: %v", err)
	}

	views, err := f.mat.Entities(ctx, "concept", app.FetchOptions{EntityIDs: []string{"ent-1"}})
	if err != nil {
		t.Fatalf("Entities() error = %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("views = %d", len(views))
	}
	tree := views[0].Aliased

	// Cardinality one folds to a scalar container.
	name, ok := tree["name"].(map[string]any)
	if !ok {
		t.Fatalf("name = %T, want scalar container", tree["name"])
	}
	if name["name_content"] != "the name" {
		t.Errorf("name content = %v", name["name_content"])
	}

	statements, ok := tree["statement"].([]any)
	if !ok || len(statements) != 2 {
		t.Fatalf("statement = %v, want list of 2", tree["statement"])
	}
	first := statements[0].(map[string]any)
	if first["statement_content"] != "first" {
		t.Errorf("sortorder not respected: %v", first["statement_content"])
	}
	notes := first["statement_note"].([]any)
	if len(notes) != 1 || notes[0].(map[string]any)["note_text"] != "n1" {
		t.Errorf("nested notes = %v", notes)
	}
	second := statements[1].(map[string]any)
	if list, ok := second["statement_note"].([]any); !ok || len(list) != 0 {
		t.Errorf("empty child group = %v, want empty list", second["statement_note"])
	}
}

func TestMaterializer_OnlyAndDefer(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	seedEntity(t, f, "ent-1", "Entity One")

	if _, err := f.coordinator.Save(ctx, "concept", "ent-1", record.AliasedData{
		"name":      map[string]any{"name_content": "the name"},
		"statement": []any{map[string]any{"statement_content": "s"}},
	}, trusted()); err != nil {
		t.Fatalf("save: %v", err)
	}

	views, err := f.mat.Entities(ctx, "concept", app.FetchOptions{
		EntityIDs: []string{"ent-1"},
		Only:      []string{"statement"},
	})
	if err != nil {
		t.Fatal(err)
	}
	tree := views[0].Aliased
	if _, ok := tree["name"]; ok {
		t.Error("only=statement still materialized name")
	}
	if _, ok := tree["statement"]; !ok {
		t.Error("only=statement dropped statement")
	}

	views, err = f.mat.Entities(ctx, "concept", app.FetchOptions{
		EntityIDs: []string{"ent-1"},
		Defer:     []string{"statement"},
	})
	if err != nil {
		t.Fatal(err)
	}
	tree = views[0].Aliased
	if _, ok := tree["statement"]; ok {
		t.Error("defer=statement still materialized statement")
	}
	if _, ok := tree["name"]; !ok {
		t.Error("defer=statement dropped name")
	}

	if _, err := f.mat.Entities(ctx, "concept", app.FetchOptions{
		EntityIDs: []string{"ent-1"},
		Only:      []string{"bogus"},
	}); !errors.Is(err, schema.ErrUnknownAlias) {
		t.Errorf("unknown only alias error = %v", err)
	}
}

func TestMaterializer_DisplayModeAttachesLabels(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	seedEntity(t, f, "ent-1", "Entity One")
	seedEntity(t, f, refTarget, "Referenced Entity")

	if _, err := f.coordinator.Save(ctx, "concept", "ent-1", record.AliasedData{
		"statement": []any{map[string]any{
			"statement_about": []any{map[string]any{codec.RefEntityID: refTarget}},
		}},
	}, trusted()); err != nil {
		t.Fatalf("save: %v", err)
	}

	views, err := f.mat.Entities(ctx, "concept", app.FetchOptions{
		EntityIDs: []string{"ent-1"},
		Mode:      codec.ModeDisplay,
	})
	if err != nil {
		t.Fatal(err)
	}
	stmt := views[0].Aliased["statement"].([]any)[0].(map[string]any)
	refs := stmt["statement_about"].([]any)
	if refs[0].(map[string]any)[codec.RefDisplayValue] != "Referenced Entity" {
		t.Errorf("display ref = %v, want label attached", refs[0])
	}
}

func TestMaterializer_GroupTable(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	seedEntity(t, f, "ent-1", "Entity One")
	seedEntity(t, f, "ent-2", "Entity Two")

	for _, seed := range []struct{ entity, text string }{
		{"ent-1", "alpha"}, {"ent-2", "beta"},
	} {
		if _, err := f.coordinator.Save(ctx, "concept", seed.entity, record.AliasedData{
			"statement": []any{map[string]any{"statement_content": seed.text}},
		}, trusted()); err != nil {
			t.Fatalf("save %s: %v", seed.entity, err)
		}
	}

	rows, err := f.mat.GroupTable(ctx, "concept", "statement", app.FetchOptions{})
	if err != nil {
		t.Fatalf("GroupTable() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want one per record across entities", len(rows))
	}
	for _, row := range rows {
		if row["entity_id"] == nil || row["id"] == nil {
			t.Errorf("row missing bookkeeping keys: %v", row)
		}
		if row["statement_content"] == nil {
			t.Errorf("row missing decoded value: %v", row)
		}
	}

	if _, err := f.mat.GroupTable(ctx, "concept", "bogus", app.FetchOptions{}); !errors.Is(err, schema.ErrUnknownAlias) {
		t.Errorf("unknown group error = %v", err)
	}
}

func TestSave_DeleteCascadeCleansRefs(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	seedEntity(t, f, "ent-1", "Entity One")
	seedEntity(t, f, refTarget, "Referenced Entity")

	if _, err := f.coordinator.Save(ctx, "concept", "ent-1", record.AliasedData{
		"statement": []any{map[string]any{
			"statement_about": []any{map[string]any{codec.RefEntityID: refTarget}},
		}},
	}, trusted()); err != nil {
		t.Fatalf("save: %v", err)
	}
	views, err := f.mat.Entities(ctx, "concept", app.FetchOptions{EntityIDs: []string{"ent-1"}})
	if err != nil {
		t.Fatal(err)
	}
	stmt := views[0].Aliased["statement"].([]any)[0].(map[string]any)
	recID := stmt["id"].(string)

	if refs := f.store.Refs(recID, "n-stmt-ref"); len(refs) != 1 || refs[0] != refTarget {
		t.Fatalf("refs after insert = %v", refs)
	}

	if _, err := f.coordinator.Save(ctx, "concept", "ent-1", record.AliasedData{
		"statement": nil,
	}, trusted()); err != nil {
		t.Fatalf("delete save: %v", err)
	}
	if refs := f.store.Refs(recID, "n-stmt-ref"); len(refs) != 0 {
		t.Errorf("refs survived record deletion: %v", refs)
	}
	if _, err := f.store.GetRecord(ctx, recID); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("record survived deletion, err = %v", err)
	}
}
