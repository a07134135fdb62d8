package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/archesproject/semstore/config"
	"github.com/archesproject/semstore/domain/schema"
)

func newHolder(t *testing.T, dir string) *config.SchemaHolder {
	t.Helper()
	h, err := config.NewSchemaHolder(dir, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("NewSchemaHolder error: %v", err)
	}
	t.Cleanup(h.Stop)
	return h
}

func TestSchemaHolder_Schema(t *testing.T) {
	dir := writeSchemaDir(t, map[string]string{
		"concept.yaml": validSchemaDoc("concept"),
	})
	h := newHolder(t, dir)

	sch, err := h.Schema(context.Background(), "concept")
	if err != nil {
		t.Fatalf("Schema error: %v", err)
	}
	if sch.Slug != "concept" {
		t.Errorf("Slug = %q, want concept", sch.Slug)
	}

	_, err = h.Schema(context.Background(), "missing")
	if !errors.Is(err, config.ErrSchemaNotFound) {
		t.Errorf("err = %v, want ErrSchemaNotFound", err)
	}

	slugs, err := h.Slugs(context.Background())
	if err != nil {
		t.Fatalf("Slugs error: %v", err)
	}
	if len(slugs) != 1 || slugs[0] != "concept" {
		t.Errorf("Slugs = %v, want [concept]", slugs)
	}
}

func TestSchemaHolder_Reload(t *testing.T) {
	dir := writeSchemaDir(t, map[string]string{
		"concept.yaml": validSchemaDoc("concept"),
	})
	h := newHolder(t, dir)

	if err := os.WriteFile(filepath.Join(dir, "place.yaml"), []byte(validSchemaDoc("place")), 0644); err != nil {
		t.Fatalf("write schema: %v", err)
	}

	if err := h.Reload(); err != nil {
		t.Fatalf("Reload error: %v", err)
	}

	if _, err := h.Schema(context.Background(), "place"); err != nil {
		t.Errorf("place schema missing after reload: %v", err)
	}
}

func TestSchemaHolder_ReloadInvalidKeepsOld(t *testing.T) {
	dir := writeSchemaDir(t, map[string]string{
		"concept.yaml": validSchemaDoc("concept"),
	})
	h := newHolder(t, dir)

	// A document with a reserved alias fails structural validation.
	bad := "slug: concept\ngroups:\n  - alias: sortorder\n"
	if err := os.WriteFile(filepath.Join(dir, "concept.yaml"), []byte(bad), 0644); err != nil {
		t.Fatalf("write schema: %v", err)
	}

	if err := h.Reload(); err == nil {
		t.Error("Reload should fail for invalid document")
	}

	// Old schema set should still be served.
	sch, err := h.Schema(context.Background(), "concept")
	if err != nil {
		t.Fatalf("Schema error after failed reload: %v", err)
	}
	if _, ok := sch.GroupByAlias("name"); !ok {
		t.Error("should keep old schema after failed reload")
	}
}

func TestSchemaHolder_OnChange(t *testing.T) {
	dir := writeSchemaDir(t, map[string]string{
		"concept.yaml": validSchemaDoc("concept"),
	})
	h := newHolder(t, dir)

	var mu sync.Mutex
	var received map[string]*schema.Schema
	h.OnChange(func(schemas map[string]*schema.Schema) {
		mu.Lock()
		received = schemas
		mu.Unlock()
	})

	if err := os.WriteFile(filepath.Join(dir, "place.yaml"), []byte(validSchemaDoc("place")), 0644); err != nil {
		t.Fatalf("write schema: %v", err)
	}
	if err := h.Reload(); err != nil {
		t.Fatalf("Reload error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if received == nil {
		t.Fatal("OnChange callback was not called")
	}
	if len(received) != 2 {
		t.Errorf("callback received %d schemas, want 2", len(received))
	}
}

func TestSchemaHolder_WatchDir(t *testing.T) {
	dir := writeSchemaDir(t, map[string]string{
		"concept.yaml": validSchemaDoc("concept"),
	})
	h := newHolder(t, dir)

	if err := h.WatchDir(); err != nil {
		t.Fatalf("WatchDir error: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "place.yaml"), []byte(validSchemaDoc("place")), 0644); err != nil {
		t.Fatalf("write schema: %v", err)
	}

	// Wait for the file watcher to trigger a reload.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := h.Schema(context.Background(), "place"); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("file watcher did not pick up new schema document")
}

func TestSchemaHolder_ConcurrentAccess(t *testing.T) {
	dir := writeSchemaDir(t, map[string]string{
		"concept.yaml": validSchemaDoc("concept"),
	})
	h := newHolder(t, dir)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if _, err := h.Schema(context.Background(), "concept"); err != nil {
					t.Error("concurrent Schema returned error")
				}
			}
		}()
	}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.Reload()
		}()
	}
	wg.Wait()
}
