package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/archesproject/semstore/config"
	"github.com/archesproject/semstore/domain/schema"
)

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: debug\n")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Database.Driver = %q, want sqlite", cfg.Database.Driver)
	}
	if cfg.Database.DSN != "semstore.db" {
		t.Errorf("Database.DSN = %q, want semstore.db", cfg.Database.DSN)
	}
	if cfg.Schemas.Dir != "schemas" {
		t.Errorf("Schemas.Dir = %q, want schemas", cfg.Schemas.Dir)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want /metrics", cfg.Metrics.Path)
	}
	if cfg.Reconcile.PruneBlank {
		t.Error("Reconcile.PruneBlank should default to false")
	}
}

func TestLoad_FullFile(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: memory
  dsn: ":memory:"

schemas:
  dir: /etc/semstore/schemas
  watch: true

reconcile:
  prune_blank: true

trust:
  editors:
    - admin
    - svc-import

logging:
  level: warn
  format: console

metrics:
  enabled: true
  path: /internal/metrics
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Database.Driver != "memory" {
		t.Errorf("Database.Driver = %q, want memory", cfg.Database.Driver)
	}
	if !cfg.Schemas.Watch {
		t.Error("Schemas.Watch should be true")
	}
	if !cfg.Reconcile.PruneBlank {
		t.Error("Reconcile.PruneBlank should be true")
	}
	if len(cfg.Trust.Editors) != 2 {
		t.Fatalf("Trust.Editors = %v, want 2 entries", cfg.Trust.Editors)
	}
	if !cfg.TrustedEditor("svc-import") {
		t.Error("svc-import should be a trusted editor")
	}
	if cfg.TrustedEditor("stranger") {
		t.Error("stranger should not be a trusted editor")
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/internal/metrics" {
		t.Errorf("Metrics = %+v, want enabled at /internal/metrics", cfg.Metrics)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SEMSTORE_DATABASE_DSN", "override.db")
	t.Setenv("SEMSTORE_LOG_LEVEL", "error")
	t.Setenv("SEMSTORE_TRUSTED_EDITORS", "root, ops ")
	t.Setenv("SEMSTORE_PRUNE_BLANK", "yes")

	path := writeConfig(t, "database:\n  dsn: file.db\n")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Database.DSN != "override.db" {
		t.Errorf("Database.DSN = %q, want override.db", cfg.Database.DSN)
	}
	if cfg.Logging.Level != "error" {
		t.Errorf("Logging.Level = %q, want error", cfg.Logging.Level)
	}
	if len(cfg.Trust.Editors) != 2 || cfg.Trust.Editors[1] != "ops" {
		t.Errorf("Trust.Editors = %v, want [root ops]", cfg.Trust.Editors)
	}
	if !cfg.Reconcile.PruneBlank {
		t.Error("Reconcile.PruneBlank should be true via env")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad driver", "database:\n  driver: oracle\n"},
		{"bad level", "logging:\n  level: loud\n"},
		{"bad format", "logging:\n  format: xml\n"},
		{"bad yaml", "database: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			if _, err := config.Load(path); err == nil {
				t.Error("Load should fail")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load should fail for missing file")
	}
}

func TestParseSchema_NestedGroups(t *testing.T) {
	sch, err := config.ParseSchema([]byte(`
slug: concept
groups:
  - alias: name
    id: ng-name
    cardinality: one
    nodes:
      - alias: name_content
        id: n-name-content
        datatype: string
        required: true
        config:
          language: en
  - alias: statement
    nodes:
      - alias: statement_content
        datatype: string
    groups:
      - alias: statement_note
        cardinality: many
        nodes:
          - alias: note_text
            datatype: string
`))
	if err != nil {
		t.Fatalf("ParseSchema error: %v", err)
	}

	if sch.Slug != "concept" || sch.ID != "concept" {
		t.Errorf("slug/id = %q/%q, want concept/concept", sch.Slug, sch.ID)
	}
	if len(sch.Groups) != 3 {
		t.Fatalf("got %d groups, want 3", len(sch.Groups))
	}

	name, ok := sch.GroupByAlias("name")
	if !ok {
		t.Fatal("group name not found")
	}
	if name.ID != "ng-name" {
		t.Errorf("name group id = %q, want ng-name", name.ID)
	}
	if name.Cardinality != schema.CardinalityOne {
		t.Errorf("name cardinality = %q, want one", name.Cardinality)
	}
	grouping, ok := name.GroupingNode()
	if !ok {
		t.Fatal("name group has no grouping node")
	}
	if grouping.Alias != "name" || !grouping.Structural() {
		t.Errorf("grouping node = %+v, want structural alias name", grouping)
	}

	content, ok := sch.NodeByAlias("name_content")
	if !ok {
		t.Fatal("node name_content not found")
	}
	if content.ID != "n-name-content" || !content.Required {
		t.Errorf("name_content = %+v, want explicit id and required", content)
	}
	if content.Config["language"] != "en" {
		t.Errorf("name_content config = %v, want language en", content.Config)
	}

	// Defaults: group id and node id fall back to the alias, cardinality
	// falls back to many.
	statement, ok := sch.GroupByAlias("statement")
	if !ok {
		t.Fatal("group statement not found")
	}
	if statement.ID != "statement" {
		t.Errorf("statement group id = %q, want statement", statement.ID)
	}
	if statement.Cardinality != schema.CardinalityMany {
		t.Errorf("statement cardinality = %q, want many", statement.Cardinality)
	}

	note, ok := sch.GroupByAlias("statement_note")
	if !ok {
		t.Fatal("group statement_note not found")
	}
	if note.ParentID != "statement" {
		t.Errorf("statement_note parent = %q, want statement", note.ParentID)
	}
}

func TestParseSchema_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"no slug", "groups:\n  - alias: name\n"},
		{"group without alias", "slug: s\ngroups:\n  - cardinality: one\n"},
		{"bad cardinality", "slug: s\ngroups:\n  - alias: name\n    cardinality: twice\n"},
		{"reserved node alias", "slug: s\ngroups:\n  - alias: name\n    nodes:\n      - alias: entity_id\n        datatype: string\n"},
		{"node without alias", "slug: s\ngroups:\n  - alias: name\n    nodes:\n      - datatype: string\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := config.ParseSchema([]byte(tt.content)); err == nil {
				t.Error("ParseSchema should fail")
			}
		})
	}
}

func TestLoadSchemaDir(t *testing.T) {
	dir := writeSchemaDir(t, map[string]string{
		"concept.yaml": validSchemaDoc("concept"),
		"place.yml":    validSchemaDoc("place"),
		"README.md":    "not a schema",
	})

	schemas, err := config.LoadSchemaDir(dir)
	if err != nil {
		t.Fatalf("LoadSchemaDir error: %v", err)
	}
	if len(schemas) != 2 {
		t.Fatalf("got %d schemas, want 2", len(schemas))
	}
	if got := config.Slugs(schemas); got[0] != "concept" || got[1] != "place" {
		t.Errorf("Slugs = %v, want [concept place]", got)
	}
}

func TestLoadSchemaDir_DuplicateSlug(t *testing.T) {
	dir := writeSchemaDir(t, map[string]string{
		"a.yaml": validSchemaDoc("concept"),
		"b.yaml": validSchemaDoc("concept"),
	})

	if _, err := config.LoadSchemaDir(dir); err == nil {
		t.Error("LoadSchemaDir should fail for duplicate slug")
	}
}

// Helpers

func validSchemaDoc(slug string) string {
	return `
slug: ` + slug + `
groups:
  - alias: name
    cardinality: one
    nodes:
      - alias: name_content
        datatype: string
`
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func writeSchemaDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}
