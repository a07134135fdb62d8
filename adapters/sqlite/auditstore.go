package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/archesproject/semstore/domain/record"
	"github.com/archesproject/semstore/ports"
)

// AuditStore implements ports.AuditReader using SQLite.
type AuditStore struct {
	db *DB
}

// NewAuditStore creates a new SQLite audit store.
func NewAuditStore(db *DB) *AuditStore {
	return &AuditStore{db: db}
}

// ListByEntity returns an entity's audit entries, oldest first.
func (s *AuditStore) ListByEntity(ctx context.Context, entityID string) ([]record.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation_id, entity_id, record_id, kind,
		       old_value, new_value, old_provisional, new_provisional, actor, created_at
		FROM audit_log
		WHERE entity_id = ?
		ORDER BY created_at, id
	`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []record.AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanAuditEntry(rows *sql.Rows) (record.AuditEntry, error) {
	var e record.AuditEntry
	var oldValue, newValue, oldProvisional, newProvisional sql.NullString

	err := rows.Scan(
		&e.ID, &e.OperationID, &e.EntityID, &e.RecordID, &e.Kind,
		&oldValue, &newValue, &oldProvisional, &newProvisional, &e.Actor, &e.CreatedAt,
	)
	if err != nil {
		return record.AuditEntry{}, err
	}

	if e.OldValue, err = unmarshalAuditMap(oldValue); err != nil {
		return record.AuditEntry{}, err
	}
	if e.NewValue, err = unmarshalAuditMap(newValue); err != nil {
		return record.AuditEntry{}, err
	}
	if e.OldProvisional, err = unmarshalAuditMap(oldProvisional); err != nil {
		return record.AuditEntry{}, err
	}
	if e.NewProvisional, err = unmarshalAuditMap(newProvisional); err != nil {
		return record.AuditEntry{}, err
	}
	return e, nil
}

func unmarshalAuditMap(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw.String), &m); err != nil {
		return nil, fmt.Errorf("decode audit value: %w", err)
	}
	return m, nil
}

// Ensure interface compliance.
var _ ports.AuditReader = (*AuditStore)(nil)
