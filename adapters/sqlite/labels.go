package sqlite

import (
	"context"

	"github.com/archesproject/semstore/ports"
)

// LabelStore implements ports.DisplayLoader using SQLite. Labels load in
// one query per kind per page of entities.
type LabelStore struct {
	db *DB
}

// NewLabelStore creates a new SQLite label store.
func NewLabelStore(db *DB) *LabelStore {
	return &LabelStore{db: db}
}

// EntityLabels resolves entity ids to their display labels. Unknown ids
// are simply absent from the result.
func (s *LabelStore) EntityLabels(ctx context.Context, ids []string) (map[string]string, error) {
	return s.lookup(ctx, `SELECT id, label FROM entities WHERE id IN (`, ids)
}

// TermLabels resolves vocabulary term ids to labels.
func (s *LabelStore) TermLabels(ctx context.Context, ids []string) (map[string]string, error) {
	return s.lookup(ctx, `SELECT id, label FROM vocab_terms WHERE id IN (`, ids)
}

// PutTerm upserts a vocabulary term label.
func (s *LabelStore) PutTerm(ctx context.Context, id, label string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vocab_terms (id, label) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET label = excluded.label
	`, id, label)
	return err
}

func (s *LabelStore) lookup(ctx context.Context, prefix string, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, prefix+placeholders(len(ids))+`)`, stringArgs(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id, label string
		if err := rows.Scan(&id, &label); err != nil {
			return nil, err
		}
		out[id] = label
	}
	return out, rows.Err()
}

// Ensure interface compliance.
var _ ports.DisplayLoader = (*LabelStore)(nil)
