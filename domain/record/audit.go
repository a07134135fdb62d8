package record

import "time"

// Audit entry kinds, one per record state transition.
const (
	AuditInsert = "insert"
	AuditUpdate = "update"
	AuditDelete = "delete"
)

// AuditEntry is one row of the audit trail. Entries emitted by a single
// commit share one OperationID.
type AuditEntry struct {
	ID          string
	OperationID string
	EntityID    string
	RecordID    string
	Kind        string

	OldValue map[string]any
	NewValue map[string]any

	// Provisional bookkeeping, set when the mutation was staged rather
	// than applied to live data.
	OldProvisional map[string]any
	NewProvisional map[string]any

	Actor     string
	CreatedAt time.Time
}
