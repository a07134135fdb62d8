package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/archesproject/semstore/domain/schema"
	"github.com/archesproject/semstore/ports"
)

// SchemaStore implements ports.SchemaProvider over the schemas table.
// Loaded schemas are validated once and cached; Put invalidates the cache
// entry and refreshes the group cardinality lookup.
type SchemaStore struct {
	db *DB

	mu    sync.RWMutex
	cache map[string]*schema.Schema
}

// NewSchemaStore creates a new SQLite schema store.
func NewSchemaStore(db *DB) *SchemaStore {
	return &SchemaStore{db: db, cache: make(map[string]*schema.Schema)}
}

// Put validates and publishes a schema definition.
func (s *SchemaStore) Put(ctx context.Context, sch *schema.Schema) error {
	if err := sch.Validate(); err != nil {
		return err
	}
	definition, err := json.Marshal(sch)
	if err != nil {
		return fmt.Errorf("encode schema %s: %w", sch.Slug, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schemas (slug, definition, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(slug) DO UPDATE SET definition = excluded.definition, updated_at = excluded.updated_at
	`, sch.Slug, string(definition), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store schema %s: %w", sch.Slug, err)
	}
	if err := s.db.SyncSchema(ctx, sch); err != nil {
		return err
	}

	s.mu.Lock()
	s.cache[sch.Slug] = sch
	s.mu.Unlock()
	return nil
}

// Schema returns the published schema for a slug.
func (s *SchemaStore) Schema(ctx context.Context, slug string) (*schema.Schema, error) {
	s.mu.RLock()
	cached, ok := s.cache[slug]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	var definition string
	err := s.db.QueryRowContext(ctx, `
		SELECT definition FROM schemas WHERE slug = ?
	`, slug).Scan(&definition)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("schema %q: %w", slug, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	var sch schema.Schema
	if err := json.Unmarshal([]byte(definition), &sch); err != nil {
		return nil, fmt.Errorf("decode schema %s: %w", slug, err)
	}
	if err := sch.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[slug] = &sch
	s.mu.Unlock()
	return &sch, nil
}

// Slugs lists the published schema slugs.
func (s *SchemaStore) Slugs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT slug FROM schemas ORDER BY slug`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slugs []string
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			return nil, err
		}
		slugs = append(slugs, slug)
	}
	return slugs, rows.Err()
}

// Ensure interface compliance.
var _ ports.SchemaProvider = (*SchemaStore)(nil)
