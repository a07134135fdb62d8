package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/archesproject/semstore/domain/codec"
	"github.com/archesproject/semstore/domain/record"
	"github.com/archesproject/semstore/domain/schema"
	"github.com/archesproject/semstore/ports"
)

const entityColumns = `id, schema_slug, label, created_at, updated_at`

// EntityStore implements ports.EntityStore using SQLite.
type EntityStore struct {
	db *DB
}

// NewEntityStore creates a new SQLite entity store.
func NewEntityStore(db *DB) *EntityStore {
	return &EntityStore{db: db}
}

// Get retrieves an entity by ID.
func (s *EntityStore) Get(ctx context.Context, id string) (record.RootEntity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entityColumns+`
		FROM entities
		WHERE id = ?
	`, id)
	return scanEntity(row)
}

// Create stores a new entity.
func (s *EntityStore) Create(ctx context.Context, e record.RootEntity) error {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (id, schema_slug, label, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, e.ID, e.SchemaSlug, e.Label, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert entity %s: %w", e.ID, err)
	}
	return nil
}

// List returns entities of a schema matching the query. Filters and
// ordering evaluate against the record rows directly via json_extract, so
// no tree is materialized to decide membership.
func (s *EntityStore) List(ctx context.Context, sch *schema.Schema, q ports.EntityQuery) ([]record.RootEntity, error) {
	query := `
		SELECT ` + entityColumns + `
		FROM entities e
		WHERE e.schema_slug = ?`
	args := []any{sch.Slug}

	if len(q.IDs) > 0 {
		query += ` AND e.id IN (` + placeholders(len(q.IDs)) + `)`
		args = append(args, stringArgs(q.IDs)...)
	}

	for alias, value := range q.Filters {
		node, ok := sch.NodeByAlias(alias)
		if !ok || node.Structural() {
			return nil, fmt.Errorf("%w: %q in schema %q", schema.ErrUnknownAlias, alias, sch.Slug)
		}
		query += `
		AND EXISTS (
			SELECT 1 FROM records r
			WHERE r.entity_id = e.id AND r.group_id = ?
			AND json_extract(r.data, ?) = ?
		)`
		args = append(args, node.GroupID, shallowPath(node), value)
	}

	if q.OrderBy != "" {
		node, ok := sch.NodeByAlias(q.OrderBy)
		if !ok || node.Structural() {
			return nil, fmt.Errorf("%w: %q in schema %q", schema.ErrUnknownAlias, q.OrderBy, sch.Slug)
		}
		direction := "ASC"
		if q.Descending {
			direction = "DESC"
		}
		query += `
		ORDER BY (
			SELECT json_extract(r.data, ?) FROM records r
			WHERE r.entity_id = e.id AND r.group_id = ?
			ORDER BY r.sortorder LIMIT 1
		) ` + direction + `, e.created_at`
		args = append(args, shallowPath(node), node.GroupID)
	} else {
		query += `
		ORDER BY e.created_at, e.id`
	}

	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
		if q.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, q.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []record.RootEntity
	for rows.Next() {
		e, err := scanEntityRows(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// shallowPath returns the json path addressing a node's comparable value
// inside the record data column. Localized strings compare on their primary
// language value; every other datatype compares on the stored value itself.
func shallowPath(node *schema.Node) string {
	path := `$."` + node.ID + `"`
	if node.Datatype == codec.DatatypeString {
		lang := "en"
		if node.Config != nil {
			if l, ok := node.Config["language"].(string); ok && l != "" {
				lang = l
			}
		}
		path += `."` + lang + `"."value"`
	}
	return path
}

func scanEntity(row *sql.Row) (record.RootEntity, error) {
	e, err := scanEntityFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return record.RootEntity{}, ErrNotFound
	}
	return e, err
}

func scanEntityRows(rows *sql.Rows) (record.RootEntity, error) {
	return scanEntityFrom(rows)
}

func scanEntityFrom(sc rowScanner) (record.RootEntity, error) {
	var e record.RootEntity
	err := sc.Scan(&e.ID, &e.SchemaSlug, &e.Label, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return record.RootEntity{}, err
	}
	return e, nil
}

// Ensure interface compliance.
var _ ports.EntityStore = (*EntityStore)(nil)
