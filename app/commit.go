package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/archesproject/semstore/adapters/metrics"
	"github.com/archesproject/semstore/domain/codec"
	"github.com/archesproject/semstore/domain/reconcile"
	"github.com/archesproject/semstore/domain/record"
	"github.com/archesproject/semstore/domain/schema"
	"github.com/archesproject/semstore/ports"
)

// PersistenceCoordinator persists a reconciled change set plus its root
// entity in one transaction: provisional routing, bulk writes, codec side
// effects, and one audit entry per mutated record.
type PersistenceCoordinator struct {
	schemas  ports.SchemaProvider
	entities ports.EntityStore
	records  ports.RecordStore
	beginner ports.TxBeginner
	codecs   *codec.Registry
	clock    ports.Clock
	ids      ports.IDGenerator
	opts     reconcile.Options
	logger   zerolog.Logger
	metrics  *metrics.Collector
}

// NewPersistenceCoordinator creates a coordinator. The metrics collector
// may be nil.
func NewPersistenceCoordinator(
	schemas ports.SchemaProvider,
	entities ports.EntityStore,
	records ports.RecordStore,
	beginner ports.TxBeginner,
	codecs *codec.Registry,
	clk ports.Clock,
	ids ports.IDGenerator,
	opts reconcile.Options,
	logger zerolog.Logger,
	collector *metrics.Collector,
) *PersistenceCoordinator {
	return &PersistenceCoordinator{
		schemas:  schemas,
		entities: entities,
		records:  records,
		beginner: beginner,
		codecs:   codecs,
		clock:    clk,
		ids:      ids,
		opts:     opts,
		logger:   logger,
		metrics:  collector,
	}
}

// Save is the full write path: load the entity and its persisted tree,
// reconcile the incoming container against it, and commit the result.
func (c *PersistenceCoordinator) Save(ctx context.Context, schemaSlug, entityID string, incoming record.AliasedData, actor record.Actor) (*reconcile.ChangeSet, error) {
	sch, err := c.schemas.Schema(ctx, schemaSlug)
	if err != nil {
		return nil, err
	}
	entity, err := c.entities.Get(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("entity %s: %w", entityID, err)
	}

	groupIDs := make([]string, len(sch.Groups))
	for i, g := range sch.Groups {
		groupIDs[i] = g.ID
	}
	persisted, err := c.records.ListByGroups(ctx, groupIDs, []string{entityID})
	if err != nil {
		return nil, err
	}

	rec := reconcile.New(sch, c.codecs, c.ids, c.opts)
	cs, err := rec.Reconcile(reconcile.Entry{Entity: entity, Persisted: persisted}, incoming)
	if err != nil {
		c.countValidationFailure(sch.Slug, err)
		return nil, err
	}

	if err := c.Commit(ctx, sch, entity, cs, actor); err != nil {
		return nil, err
	}
	return cs, nil
}

// Commit persists one change set atomically. An empty set writes nothing:
// no rows, no audit entries, no side effects.
func (c *PersistenceCoordinator) Commit(ctx context.Context, sch *schema.Schema, entity record.RootEntity, cs *reconcile.ChangeSet, actor record.Actor) error {
	start := time.Now()
	if cs.Empty() {
		c.logger.Debug().Str("entity", entity.ID).Msg("commit skipped, nothing changed")
		return nil
	}

	if err := c.preSaveChecks(sch, cs); err != nil {
		c.countValidationFailure(sch.Slug, err)
		return err
	}

	operationID := c.ids.New()
	now := c.clock.Now()
	staged := c.routeProvisional(cs, actor, now)

	tx, err := c.beginner.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Deletes go first: replacing a cardinality-one record pairs an
	// unmatched persisted row with an unmatched incoming one, and the
	// insert may only take the slot once the old row is gone.
	deleteIDs := make([]string, len(cs.Deletes))
	for i, rec := range cs.Deletes {
		deleteIDs[i] = rec.ID
		if err := tx.DeleteEntityRefs(ctx, rec.ID); err != nil {
			return err
		}
	}
	if err := tx.DeleteRecords(ctx, deleteIDs); err != nil {
		return err
	}

	if err := tx.InsertRecords(ctx, cs.Inserts); err != nil {
		return c.translateConstraint(sch, err)
	}

	// Re-read inserts to recover DB-generated defaults, carrying the
	// in-memory bookkeeping forward onto the fresh instances.
	inserted, err := c.readBackInserts(ctx, tx, cs.Inserts)
	if err != nil {
		return err
	}

	if err := tx.UpdateRecords(ctx, cs.Updates); err != nil {
		return c.translateConstraint(sch, err)
	}

	if err := tx.SaveEntity(ctx, entity); err != nil {
		return err
	}

	if err := c.runPostPersist(ctx, tx, sch, inserted, cs.Updates); err != nil {
		return err
	}

	entries := c.auditEntries(entity, cs, inserted, staged, actor, operationID, now)
	if err := tx.AppendAudit(ctx, entries); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	c.logger.Info().
		Str("entity", entity.ID).
		Str("operation", operationID).
		Int("inserts", len(cs.Inserts)).
		Int("updates", len(cs.Updates)).
		Int("deletes", len(cs.Deletes)).
		Bool("provisional", staged != nil).
		Msg("committed change set")
	c.observeCommit(sch.Slug, cs, start)
	return nil
}

// preSaveChecks re-validates what the reconciler promised before the
// transaction opens: required leaves present, and no two inserts racing
// into the same cardinality-one slot within this very change set.
func (c *PersistenceCoordinator) preSaveChecks(sch *schema.Schema, cs *reconcile.ChangeSet) error {
	errs := make(map[string][]string)

	for _, rec := range append(append([]*record.Record{}, cs.Inserts...), cs.Updates...) {
		group, ok := sch.GroupByID(rec.GroupID)
		if !ok {
			return fmt.Errorf("record %s has unknown group %s", rec.ID, rec.GroupID)
		}
		for _, node := range group.DataNodes() {
			if node.Required && rec.Data[node.ID] == nil {
				errs[node.Alias] = append(errs[node.Alias], "this value is required")
			}
		}
	}

	seen := make(map[string]bool)
	for _, rec := range cs.Inserts {
		group, ok := sch.GroupByID(rec.GroupID)
		if !ok || group.Cardinality != schema.CardinalityOne {
			continue
		}
		key := rec.EntityID + "|" + rec.GroupID + "|" + rec.ParentID
		if seen[key] {
			errs[group.Alias()] = append(errs[group.Alias()], "only one record of this group is allowed here")
		}
		seen[key] = true
	}

	if len(errs) > 0 {
		return &reconcile.ValidationError{Errors: errs}
	}
	return nil
}

// routeProvisional applies the staged-edit policy. Trusted actors write
// live data directly. Anyone else has their new values staged into the
// provisional bag keyed by principal, and the live data restored to its
// prior state. Returns the per-record old/new bag snapshots for audit, or
// nil when nothing was staged.
func (c *PersistenceCoordinator) routeProvisional(cs *reconcile.ChangeSet, actor record.Actor, now time.Time) map[string][2]map[string]any {
	if actor.Trusted {
		return nil
	}
	staged := make(map[string][2]map[string]any)

	for _, rec := range cs.Inserts {
		pending := record.CloneData(rec.Data)
		if rec.Provisional == nil {
			rec.Provisional = make(record.ProvisionalBag)
		}
		oldBag := snapshotBag(rec.Provisional)
		rec.Provisional.Stage(actor.ID, pending, now)
		for nodeID := range rec.Data {
			rec.Data[nodeID] = nil
		}
		staged[rec.ID] = [2]map[string]any{oldBag, snapshotBag(rec.Provisional)}
	}

	for _, rec := range cs.Updates {
		pending := record.CloneData(rec.Data)
		if rec.Provisional == nil {
			rec.Provisional = make(record.ProvisionalBag)
		}
		oldBag := snapshotBag(rec.Provisional)
		rec.Provisional.Stage(actor.ID, pending, now)
		rec.Data = record.CloneData(cs.Original[rec.ID])
		staged[rec.ID] = [2]map[string]any{oldBag, snapshotBag(rec.Provisional)}
	}

	return staged
}

// readBackInserts swaps insert candidates for their re-read rows, keeping
// the provisional bags the rows were written with.
func (c *PersistenceCoordinator) readBackInserts(ctx context.Context, tx ports.RecordTx, inserts []*record.Record) ([]*record.Record, error) {
	if len(inserts) == 0 {
		return nil, nil
	}
	ids := make([]string, len(inserts))
	byID := make(map[string]*record.Record, len(inserts))
	for i, rec := range inserts {
		ids[i] = rec.ID
		byID[rec.ID] = rec
	}
	fresh, err := tx.ReadBack(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("read back inserts: %w", err)
	}
	if len(fresh) != len(inserts) {
		return nil, fmt.Errorf("read back %d of %d inserted records", len(fresh), len(inserts))
	}
	for _, rec := range fresh {
		if staged := byID[rec.ID]; staged != nil && rec.Provisional == nil {
			rec.Provisional = staged.Provisional
		}
	}
	return fresh, nil
}

// runPostPersist runs codec side effects per node per affected record.
func (c *PersistenceCoordinator) runPostPersist(ctx context.Context, tx ports.RecordTx, sch *schema.Schema, inserted, updated []*record.Record) error {
	for _, rec := range append(append([]*record.Record{}, inserted...), updated...) {
		group, ok := sch.GroupByID(rec.GroupID)
		if !ok {
			continue
		}
		for _, node := range group.DataNodes() {
			hooks := c.codecs.Resolve(node.Datatype)
			if hooks.PostPersist == nil {
				continue
			}
			if err := hooks.PostPersist(ctx, tx, rec, node.ID); err != nil {
				return fmt.Errorf("post-persist %s on record %s: %w", node.Alias, rec.ID, err)
			}
		}
	}
	return nil
}

// auditEntries builds one entry per mutated record, all sharing the
// operation id.
func (c *PersistenceCoordinator) auditEntries(entity record.RootEntity, cs *reconcile.ChangeSet, inserted []*record.Record, staged map[string][2]map[string]any, actor record.Actor, operationID string, now time.Time) []record.AuditEntry {
	var entries []record.AuditEntry
	add := func(recID, kind string, oldValue, newValue map[string]any) {
		entry := record.AuditEntry{
			ID:          c.ids.New(),
			OperationID: operationID,
			EntityID:    entity.ID,
			RecordID:    recID,
			Kind:        kind,
			OldValue:    oldValue,
			NewValue:    newValue,
			Actor:       actor.ID,
			CreatedAt:   now,
		}
		if bags, ok := staged[recID]; ok {
			entry.OldProvisional = bags[0]
			entry.NewProvisional = bags[1]
		}
		entries = append(entries, entry)
	}

	for _, rec := range inserted {
		add(rec.ID, record.AuditInsert, nil, record.CloneData(rec.Data))
	}
	for _, rec := range cs.Updates {
		add(rec.ID, record.AuditUpdate, cs.Original[rec.ID], record.CloneData(rec.Data))
	}
	for _, rec := range cs.Deletes {
		add(rec.ID, record.AuditDelete, cs.Original[rec.ID], nil)
	}
	return entries
}

// translateConstraint converts a DB cardinality rejection into the same
// shape every other validation problem takes, keyed by the group's alias.
// The raw constraint never leaks to callers.
func (c *PersistenceCoordinator) translateConstraint(sch *schema.Schema, err error) error {
	var cerr *ports.ConstraintError
	if !errors.As(err, &cerr) {
		return err
	}
	if c.metrics != nil {
		c.metrics.CardinalityRaces.Inc()
	}
	alias := cerr.GroupID
	if group, ok := sch.GroupByID(cerr.GroupID); ok {
		alias = group.Alias()
	}
	verr := reconcile.NewValidationError(alias, "only one record of this group is allowed here")
	c.countValidationFailure(sch.Slug, verr)
	return verr
}

func (c *PersistenceCoordinator) countValidationFailure(slug string, err error) {
	var verr *reconcile.ValidationError
	if c.metrics != nil && errors.As(err, &verr) {
		c.metrics.ValidationFailures.WithLabelValues(slug).Inc()
	}
}

func (c *PersistenceCoordinator) observeCommit(slug string, cs *reconcile.ChangeSet, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.CommitsTotal.WithLabelValues(slug, "ok").Inc()
	c.metrics.CommitDuration.WithLabelValues(slug).Observe(time.Since(start).Seconds())
	c.metrics.RecordsMutated.WithLabelValues(slug, "insert").Add(float64(len(cs.Inserts)))
	c.metrics.RecordsMutated.WithLabelValues(slug, "update").Add(float64(len(cs.Updates)))
	c.metrics.RecordsMutated.WithLabelValues(slug, "delete").Add(float64(len(cs.Deletes)))
}

func snapshotBag(bag record.ProvisionalBag) map[string]any {
	if len(bag) == 0 {
		return nil
	}
	out := make(map[string]any, len(bag))
	for principal, edit := range bag {
		out[principal] = edit
	}
	return out
}
