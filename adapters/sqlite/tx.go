package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/archesproject/semstore/domain/codec"
	"github.com/archesproject/semstore/domain/record"
	"github.com/archesproject/semstore/ports"
)

// TxBeginner opens SQLite record transactions.
type TxBeginner struct {
	db *DB
}

// NewTxBeginner creates a transaction factory over an open database.
func NewTxBeginner(db *DB) *TxBeginner {
	return &TxBeginner{db: db}
}

// Begin opens one ACID mutation transaction.
func (b *TxBeginner) Begin(ctx context.Context) (ports.RecordTx, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &recordTx{tx: tx}, nil
}

// recordTx implements ports.RecordTx. All statements run inside one
// database transaction; Rollback discards everything including staged
// audit entries and entity-ref rows.
type recordTx struct {
	tx *sql.Tx
}

// InsertRecords inserts new records one by one, so a cardinality guard
// rejection can be attributed to the record that caused it. The card_one
// flag comes from the synced schema_groups lookup.
func (t *recordTx) InsertRecords(ctx context.Context, recs []*record.Record) error {
	now := time.Now().UTC()
	for _, rec := range recs {
		data, err := marshalData(rec.Data)
		if err != nil {
			return err
		}
		provisional, err := marshalProvisional(rec.Provisional)
		if err != nil {
			return err
		}
		createdAt := rec.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}

		_, err = t.tx.ExecContext(ctx, `
			INSERT INTO records (id, entity_id, group_id, parent_id, sortorder, data, provisional, card_one, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?,
				(SELECT COUNT(*) FROM schema_groups WHERE id = ? AND cardinality = 'one'),
				?, ?)
		`, rec.ID, rec.EntityID, rec.GroupID, nullString(rec.ParentID), rec.SortOrder,
			data, provisional, rec.GroupID, createdAt, now)
		if err != nil {
			if isCardinalityError(err) {
				return &ports.ConstraintError{GroupID: rec.GroupID}
			}
			return fmt.Errorf("insert record %s: %w", rec.ID, err)
		}
	}
	return nil
}

// ReadBack re-reads records by id inside the transaction to recover
// DB-generated defaults.
func (t *recordTx) ReadBack(ctx context.Context, ids []string) ([]*record.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM records
		WHERE id IN (`+placeholders(len(ids))+`)
	`, stringArgs(ids)...)
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

// UpdateRecords rewrites data, parent link, provisional bag, and sortorder
// of existing records.
func (t *recordTx) UpdateRecords(ctx context.Context, recs []*record.Record) error {
	now := time.Now().UTC()
	for _, rec := range recs {
		data, err := marshalData(rec.Data)
		if err != nil {
			return err
		}
		provisional, err := marshalProvisional(rec.Provisional)
		if err != nil {
			return err
		}

		result, err := t.tx.ExecContext(ctx, `
			UPDATE records
			SET data = ?, parent_id = ?, provisional = ?, sortorder = ?, updated_at = ?
			WHERE id = ?
		`, data, nullString(rec.ParentID), provisional, rec.SortOrder, now, rec.ID)
		if err != nil {
			if isCardinalityError(err) {
				return &ports.ConstraintError{GroupID: rec.GroupID}
			}
			return fmt.Errorf("update record %s: %w", rec.ID, err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return ErrNotFound
		}
	}
	return nil
}

// DeleteRecords removes records by id.
func (t *recordTx) DeleteRecords(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := t.tx.ExecContext(ctx, `
		DELETE FROM records WHERE id IN (`+placeholders(len(ids))+`)
	`, stringArgs(ids)...)
	if err != nil {
		return fmt.Errorf("delete records: %w", err)
	}
	return nil
}

// SaveEntity persists the root entity's own row without touching records.
func (t *recordTx) SaveEntity(ctx context.Context, e record.RootEntity) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE entities
		SET label = ?, updated_at = ?
		WHERE id = ?
	`, e.Label, time.Now().UTC(), e.ID)
	if err != nil {
		return fmt.Errorf("save entity %s: %w", e.ID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendAudit stages audit entries in the same transaction.
func (t *recordTx) AppendAudit(ctx context.Context, entries []record.AuditEntry) error {
	for _, e := range entries {
		oldValue, err := marshalAuditMap(e.OldValue)
		if err != nil {
			return err
		}
		newValue, err := marshalAuditMap(e.NewValue)
		if err != nil {
			return err
		}
		oldProvisional, err := marshalAuditMap(e.OldProvisional)
		if err != nil {
			return err
		}
		newProvisional, err := marshalAuditMap(e.NewProvisional)
		if err != nil {
			return err
		}

		_, err = t.tx.ExecContext(ctx, `
			INSERT INTO audit_log (id, operation_id, entity_id, record_id, kind,
				old_value, new_value, old_provisional, new_provisional, actor, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, e.ID, e.OperationID, e.EntityID, e.RecordID, e.Kind,
			oldValue, newValue, oldProvisional, newProvisional, e.Actor, e.CreatedAt)
		if err != nil {
			return fmt.Errorf("append audit entry %s: %w", e.ID, err)
		}
	}
	return nil
}

// SyncEntityRefs replaces the denormalized reference rows for one node of
// one record with the references in its current value.
func (t *recordTx) SyncEntityRefs(ctx context.Context, rec *record.Record, nodeID string, value any) error {
	_, err := t.tx.ExecContext(ctx, `
		DELETE FROM entity_refs WHERE record_id = ? AND node_id = ?
	`, rec.ID, nodeID)
	if err != nil {
		return fmt.Errorf("clear entity refs: %w", err)
	}

	items, ok := value.([]any)
	if !ok {
		return nil
	}
	for _, item := range items {
		ref, ok := item.(map[string]any)
		if !ok {
			continue
		}
		target, ok := ref[codec.RefEntityID].(string)
		if !ok || target == "" {
			continue
		}
		_, err := t.tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO entity_refs (record_id, node_id, target_entity_id)
			VALUES (?, ?, ?)
		`, rec.ID, nodeID, target)
		if err != nil {
			return fmt.Errorf("insert entity ref: %w", err)
		}
	}
	return nil
}

// DeleteEntityRefs drops every reference row originating from a record.
func (t *recordTx) DeleteEntityRefs(ctx context.Context, recordID string) error {
	_, err := t.tx.ExecContext(ctx, `
		DELETE FROM entity_refs WHERE record_id = ?
	`, recordID)
	if err != nil {
		return fmt.Errorf("delete entity refs: %w", err)
	}
	return nil
}

func (t *recordTx) Commit() error {
	return t.tx.Commit()
}

func (t *recordTx) Rollback() error {
	return t.tx.Rollback()
}

func marshalAuditMap(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode audit value: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

// isCardinalityError reports whether err is a rejection by the cardinality
// guard index, as opposed to a primary key collision.
func isCardinalityError(err error) bool {
	return isUniqueConstraintError(err) &&
		!strings.Contains(err.Error(), "records.id")
}

// Ensure interface compliance.
var _ ports.TxBeginner = (*TxBeginner)(nil)
var _ ports.RecordTx = (*recordTx)(nil)
