// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"fmt"
	"time"

	"github.com/archesproject/semstore/domain/codec"
	"github.com/archesproject/semstore/domain/record"
	"github.com/archesproject/semstore/domain/schema"
)

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// -----------------------------------------------------------------------------
// Schema Ports
// -----------------------------------------------------------------------------

// SchemaProvider supplies published, validated schemas. Schemas are
// read-only for the duration of an operation.
type SchemaProvider interface {
	// Schema returns the schema for a slug.
	Schema(ctx context.Context, slug string) (*schema.Schema, error)

	// Slugs lists the known schema slugs.
	Slugs(ctx context.Context) ([]string, error)
}

// -----------------------------------------------------------------------------
// Data Store Ports
// -----------------------------------------------------------------------------

// EntityQuery selects and orders root entities. Filters and ordering are
// keyed by node alias and are applied to the shallow projections, so no
// record tree is materialized to evaluate them.
type EntityQuery struct {
	IDs        []string
	Filters    map[string]any
	OrderBy    string
	Descending bool
	Limit      int
	Offset     int
}

// EntityStore persists root entities. Creation is external to this system;
// saves never cascade into record rows.
type EntityStore interface {
	// Get retrieves an entity by id.
	Get(ctx context.Context, id string) (record.RootEntity, error)

	// List returns entities of a schema matching the query.
	List(ctx context.Context, sch *schema.Schema, q EntityQuery) ([]record.RootEntity, error)

	// Create stores a new entity.
	Create(ctx context.Context, e record.RootEntity) error
}

// RecordStore reads record rows. All mutation goes through a RecordTx.
type RecordStore interface {
	// Get retrieves a record by id.
	Get(ctx context.Context, id string) (*record.Record, error)

	// ListByGroups returns records belonging to any of the given groups,
	// optionally restricted to an entity set, ordered by sortorder.
	// One call covers one tree depth for a whole page of entities.
	ListByGroups(ctx context.Context, groupIDs []string, entityIDs []string) ([]*record.Record, error)
}

// TxBeginner opens mutation transactions.
type TxBeginner interface {
	Begin(ctx context.Context) (RecordTx, error)
}

// RecordTx is one ACID mutation transaction covering record rows, the
// entity, audit entries, and codec side effects. Rollback discards all of
// them, including staged audit entries. It also implements the side-effect
// surface PostPersist hooks run against.
type RecordTx interface {
	codec.SideEffects

	// InsertRecords bulk-inserts new records.
	InsertRecords(ctx context.Context, recs []*record.Record) error

	// ReadBack re-reads records by id to recover DB-generated defaults.
	ReadBack(ctx context.Context, ids []string) ([]*record.Record, error)

	// UpdateRecords bulk-updates {data, parent link, provisional bag,
	// sortorder} of existing records.
	UpdateRecords(ctx context.Context, recs []*record.Record) error

	// DeleteRecords bulk-deletes records by id.
	DeleteRecords(ctx context.Context, ids []string) error

	// SaveEntity persists the root entity without cascading.
	SaveEntity(ctx context.Context, e record.RootEntity) error

	// AppendAudit stages audit entries in the same transaction.
	AppendAudit(ctx context.Context, entries []record.AuditEntry) error

	Commit() error
	Rollback() error
}

// AuditReader exposes the audit trail.
type AuditReader interface {
	// ListByEntity returns an entity's audit entries, oldest first.
	ListByEntity(ctx context.Context, entityID string) ([]record.AuditEntry, error)
}

// DisplayLoader bulk-loads the labels display decoding needs, one round
// trip per page rather than one per row.
type DisplayLoader interface {
	// EntityLabels resolves entity ids to display labels.
	EntityLabels(ctx context.Context, ids []string) (map[string]string, error)

	// TermLabels resolves vocabulary term ids to labels.
	TermLabels(ctx context.Context, ids []string) (map[string]string, error)
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// ConstraintError reports a DB uniqueness rejection, carrying the group
// whose cardinality guard fired. Adapters raise it; the persistence
// coordinator translates it into a user-facing validation error so the raw
// constraint name never leaks.
type ConstraintError struct {
	GroupID string
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("cardinality constraint violated for group %s", e.GroupID)
}
