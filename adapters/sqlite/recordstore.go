package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/archesproject/semstore/domain/record"
	"github.com/archesproject/semstore/ports"
)

// ErrNotFound is returned when an entity or record is not found.
var ErrNotFound = errors.New("not found")

const recordColumns = `id, entity_id, group_id, parent_id, sortorder, data, provisional, created_at, updated_at`

// RecordStore implements ports.RecordStore using SQLite.
type RecordStore struct {
	db *DB
}

// NewRecordStore creates a new SQLite record store.
func NewRecordStore(db *DB) *RecordStore {
	return &RecordStore{db: db}
}

// Get retrieves a record by ID.
func (s *RecordStore) Get(ctx context.Context, id string) (*record.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM records
		WHERE id = ?
	`, id)
	return scanRecord(row)
}

// ListByGroups returns records in any of the given groups, optionally
// restricted to an entity set, ordered by sortorder. One call covers one
// tree depth for a whole page of entities.
func (s *RecordStore) ListByGroups(ctx context.Context, groupIDs []string, entityIDs []string) ([]*record.Record, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}

	query := `
		SELECT ` + recordColumns + `
		FROM records
		WHERE group_id IN (` + placeholders(len(groupIDs)) + `)`
	args := stringArgs(groupIDs)

	if len(entityIDs) > 0 {
		query += ` AND entity_id IN (` + placeholders(len(entityIDs)) + `)`
		args = append(args, stringArgs(entityIDs)...)
	}
	query += ` ORDER BY entity_id, group_id, sortorder`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*record.Record
	for rows.Next() {
		rec, err := scanRecordRows(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row *sql.Row) (*record.Record, error) {
	rec, err := scanRecordFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func scanRecordRows(rows *sql.Rows) (*record.Record, error) {
	return scanRecordFrom(rows)
}

func scanRecordFrom(sc rowScanner) (*record.Record, error) {
	var rec record.Record
	var parentID sql.NullString
	var data string
	var provisional sql.NullString

	err := sc.Scan(
		&rec.ID, &rec.EntityID, &rec.GroupID, &parentID, &rec.SortOrder,
		&data, &provisional, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if parentID.Valid {
		rec.ParentID = parentID.String
	}
	if err := json.Unmarshal([]byte(data), &rec.Data); err != nil {
		return nil, fmt.Errorf("decode record %s data: %w", rec.ID, err)
	}
	if provisional.Valid && provisional.String != "" {
		if err := json.Unmarshal([]byte(provisional.String), &rec.Provisional); err != nil {
			return nil, fmt.Errorf("decode record %s provisional: %w", rec.ID, err)
		}
	}
	return &rec, nil
}

func marshalData(data map[string]any) (string, error) {
	if data == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode record data: %w", err)
	}
	return string(raw), nil
}

func marshalProvisional(bag record.ProvisionalBag) (sql.NullString, error) {
	if len(bag) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(bag)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode provisional bag: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(vals []string) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Ensure interface compliance.
var _ ports.RecordStore = (*RecordStore)(nil)
