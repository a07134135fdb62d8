// Package reconcile computes the minimal insert/update/delete set needed to
// make a persisted record tree match an incoming alias-addressed tree.
// Validation fully completes before any persistence begins; errors are
// collected per node alias and raised as one aggregate.
package reconcile

import (
	"fmt"
	"sort"
	"strings"

	"github.com/archesproject/semstore/domain/codec"
	"github.com/archesproject/semstore/domain/record"
	"github.com/archesproject/semstore/domain/schema"
)

// IDGenerator mints record ids for insert candidates, so children can link
// to parents that are not saved yet.
type IDGenerator interface {
	New() string
}

// Options tune reconciliation behavior.
type Options struct {
	// PruneBlank drops records whose leaves are all null and which have
	// no surviving children. Disabled by default to match reference
	// behavior; see the package tests for both paths.
	PruneBlank bool
}

// Entry anchors a reconciliation: a root entity plus either its whole tree
// or one record within it.
type Entry struct {
	Entity record.RootEntity

	// Record, when set, scopes the operation to that record and its
	// descendants. Its siblings are left untouched.
	Record *record.Record

	// Persisted holds the current record rows of the subtree, flat.
	Persisted []*record.Record
}

// ChangeSet is the disjoint output of a reconciliation. Original holds the
// pre-mutation data snapshot of every update or delete candidate, keyed by
// record id, for audit trails and no-op detection.
type ChangeSet struct {
	Inserts []*record.Record
	Updates []*record.Record
	Deletes []*record.Record

	Original map[string]map[string]any

	// Unsaved flags insert-candidate ids, so downstream checks can skip
	// parent-linkage validation for parents that do not exist yet.
	Unsaved map[string]bool
}

// Empty reports whether the change set mutates nothing.
func (cs *ChangeSet) Empty() bool {
	return len(cs.Inserts) == 0 && len(cs.Updates) == 0 && len(cs.Deletes) == 0
}

// ValidationError aggregates messages per node or group alias. It is
// raised before persistence, never partially.
type ValidationError struct {
	Errors map[string][]string
}

func (e *ValidationError) Error() string {
	aliases := make([]string, 0, len(e.Errors))
	for alias := range e.Errors {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	var parts []string
	for _, alias := range aliases {
		parts = append(parts, fmt.Sprintf("%s: %s", alias, strings.Join(e.Errors[alias], "; ")))
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// NewValidationError builds a single-alias error.
func NewValidationError(alias string, msgs ...string) *ValidationError {
	return &ValidationError{Errors: map[string][]string{alias: msgs}}
}

// Reconciler is the diff engine. It is schema-scoped and stateless across
// calls; all per-operation state lives in an explicit accumulator.
type Reconciler struct {
	sch    *schema.Schema
	codecs *codec.Registry
	ids    IDGenerator
	opts   Options
}

// New creates a reconciler for one schema.
func New(sch *schema.Schema, codecs *codec.Registry, ids IDGenerator, opts Options) *Reconciler {
	return &Reconciler{sch: sch, codecs: codecs, ids: ids, opts: opts}
}

// accumulator threads shared state through the recursive walk.
type accumulator struct {
	cs       *ChangeSet
	errors   map[string][]string
	entityID string

	// persisted rows indexed by (group id, parent id)
	persisted map[string][]*record.Record
	// persisted child rows indexed by parent id, for pruning
	childrenOf map[string][]*record.Record
	// incoming container per insert/update candidate
	incoming map[string]record.AliasedData
	// delete candidates by id, for pruning's surviving-children check
	deleted map[string]bool
}

func (a *accumulator) addError(alias string, msgs ...string) {
	a.errors[alias] = append(a.errors[alias], msgs...)
}

func groupParentKey(groupID, parentID string) string {
	return groupID + "|" + parentID
}

// Reconcile walks the schema tree against the incoming container and
// returns the change set, or a ValidationError carrying every collected
// problem. Absent aliases leave their branches untouched; explicit nulls
// clear them.
func (r *Reconciler) Reconcile(entry Entry, incoming record.AliasedData) (*ChangeSet, error) {
	acc := &accumulator{
		cs: &ChangeSet{
			Original: make(map[string]map[string]any),
			Unsaved:  make(map[string]bool),
		},
		errors:     make(map[string][]string),
		entityID:   entry.Entity.ID,
		persisted:  make(map[string][]*record.Record),
		childrenOf: make(map[string][]*record.Record),
		incoming:   make(map[string]record.AliasedData),
		deleted:    make(map[string]bool),
	}
	for _, rec := range entry.Persisted {
		key := groupParentKey(rec.GroupID, rec.ParentID)
		acc.persisted[key] = append(acc.persisted[key], rec)
		if rec.ParentID != "" {
			acc.childrenOf[rec.ParentID] = append(acc.childrenOf[rec.ParentID], rec)
		}
	}

	if entry.Record != nil {
		r.reconcileSingle(entry.Record, incoming, acc)
	} else {
		for _, group := range r.sch.TopGroups() {
			r.reconcileGroup(group, nil, incoming, acc)
		}
	}

	if len(acc.errors) > 0 {
		return nil, &ValidationError{Errors: acc.errors}
	}
	return acc.cs, nil
}

// reconcileSingle treats one existing record as the entry point: the record
// becomes an update candidate, its descendants reconcile normally, and its
// siblings are never touched.
func (r *Reconciler) reconcileSingle(rec *record.Record, incoming record.AliasedData, acc *accumulator) {
	group, ok := r.sch.GroupByID(rec.GroupID)
	if !ok {
		acc.addError("", fmt.Sprintf("record %s has unknown group %s", rec.ID, rec.GroupID))
		return
	}
	acc.cs.Original[rec.ID] = record.CloneData(rec.Data)
	acc.cs.Updates = append(acc.cs.Updates, rec)
	acc.incoming[rec.ID] = incoming

	for _, child := range r.sch.ChildGroups(group.ID) {
		r.reconcileGroup(child, rec, incoming, acc)
	}
	r.applyLeafValues(rec, incoming, group, acc)

	if r.noop(rec, acc.cs.Original[rec.ID], group) {
		acc.cs.Updates = removeRecord(acc.cs.Updates, rec.ID)
		delete(acc.cs.Original, rec.ID)
	}
}

// reconcileGroup runs the full pairing/recursion/apply/prune/no-op pipeline
// for one group under one parent.
func (r *Reconciler) reconcileGroup(group *schema.Group, parent *record.Record, container record.AliasedData, acc *accumulator) {
	alias := group.Alias()
	raw, present := container[alias]
	if !present {
		return
	}

	entries, ok := normalizeEntries(raw, group.Cardinality)
	if !ok {
		acc.addError(alias, "expected an object, a list of objects, or null")
		return
	}

	parentID := ""
	if parent != nil {
		parentID = parent.ID
	}
	persisted := acc.persisted[groupParentKey(group.ID, parentID)]

	byID := make(map[string]*record.Record, len(persisted))
	nextSort := 0
	for _, rec := range persisted {
		byID[rec.ID] = rec
		if rec.SortOrder >= nextSort {
			nextSort = rec.SortOrder + 1
		}
	}

	var inserts, updates []*record.Record
	matched := make(map[string]bool)
	for _, entry := range entries {
		id, _ := entry["id"].(string)
		if existing, ok := byID[id]; ok {
			matched[id] = true
			acc.cs.Original[existing.ID] = record.CloneData(existing.Data)
			acc.incoming[existing.ID] = entry
			updates = append(updates, existing)
			continue
		}
		rec := r.newInsertCandidate(group, parent, nextSort, acc)
		if rec == nil {
			continue
		}
		nextSort++
		acc.incoming[rec.ID] = entry
		inserts = append(inserts, rec)
	}

	// Persisted records missing from the incoming list are replaced away.
	for _, rec := range persisted {
		if !matched[rec.ID] {
			r.markDeleted(rec, acc)
		}
	}

	acc.cs.Inserts = append(acc.cs.Inserts, inserts...)
	acc.cs.Updates = append(acc.cs.Updates, updates...)

	// Children first, so pruning can observe what survived below.
	candidates := append(append([]*record.Record{}, inserts...), updates...)
	for _, rec := range candidates {
		entry := acc.incoming[rec.ID]
		for _, child := range r.sch.ChildGroups(group.ID) {
			r.reconcileGroup(child, rec, entry, acc)
		}
		r.applyLeafValues(rec, entry, group, acc)
	}

	for _, rec := range inserts {
		r.checkRequired(rec, group, acc)
	}

	if r.opts.PruneBlank {
		for _, rec := range inserts {
			if rec.Blank() && !r.hasSurvivingChildren(rec, acc) {
				acc.cs.Inserts = removeRecord(acc.cs.Inserts, rec.ID)
				delete(acc.cs.Unsaved, rec.ID)
			}
		}
		for _, rec := range updates {
			if rec.Blank() && !r.hasSurvivingChildren(rec, acc) {
				acc.cs.Updates = removeRecord(acc.cs.Updates, rec.ID)
				acc.cs.Deletes = append(acc.cs.Deletes, rec)
				acc.deleted[rec.ID] = true
			}
		}
	}

	// No-op filter: updates whose final data is codec-equal to the
	// snapshot are dropped entirely, so they cause no write, no audit,
	// and no side effects.
	for _, rec := range updates {
		if acc.deleted[rec.ID] {
			continue
		}
		if r.noop(rec, acc.cs.Original[rec.ID], group) {
			acc.cs.Updates = removeRecord(acc.cs.Updates, rec.ID)
			delete(acc.cs.Original, rec.ID)
		}
	}
}

// newInsertCandidate binds a fresh record to its group, parent, and root,
// appends it after the current max sortorder, and null-initializes every
// leaf node. The parent-linkage check is skipped while the parent itself
// is unsaved.
func (r *Reconciler) newInsertCandidate(group *schema.Group, parent *record.Record, sortOrder int, acc *accumulator) *record.Record {
	if parent != nil && !acc.cs.Unsaved[parent.ID] && parent.GroupID != group.ParentID {
		acc.addError(group.Alias(),
			fmt.Sprintf("parent record belongs to the wrong group for %q", group.Alias()))
		return nil
	}
	rec := &record.Record{
		ID:        r.ids.New(),
		GroupID:   group.ID,
		EntityID:  acc.entityID,
		SortOrder: sortOrder,
		Data:      make(map[string]any, len(group.Nodes)),
	}
	if parent != nil {
		rec.ParentID = parent.ID
	}
	for _, node := range group.DataNodes() {
		rec.Data[node.ID] = nil
	}
	acc.cs.Unsaved[rec.ID] = true
	return rec
}

// applyLeafValues moves incoming node values into the record's raw data:
// encode, merge into the existing raw value, clean, validate, then the
// post-encode hook. Errors collect under the node's alias and never stop
// sibling nodes.
func (r *Reconciler) applyLeafValues(rec *record.Record, entry record.AliasedData, group *schema.Group, acc *accumulator) {
	for _, node := range group.DataNodes() {
		value, present := entry[node.Alias]
		if !present {
			continue
		}
		if value == nil {
			rec.Data[node.ID] = nil
			continue
		}
		hooks := r.codecs.Resolve(node.Datatype)
		encoded, err := hooks.Encode(value, node.Config)
		if err != nil {
			acc.addError(node.Alias, err.Error())
			continue
		}
		merged := hooks.Merge(rec.Data[node.ID], encoded)
		cleaned := hooks.Clean(merged)
		rec.Data[node.ID] = cleaned
		if cleaned == nil {
			continue
		}
		if msgs := hooks.Validate(cleaned, &node); len(msgs) > 0 {
			acc.addError(node.Alias, msgs...)
		}
		if hooks.PostEncode != nil {
			if err := hooks.PostEncode(rec, node.ID); err != nil {
				acc.addError(node.Alias, err.Error())
			}
		}
	}
}

// checkRequired flags required leaves that are still null on an insert
// candidate.
func (r *Reconciler) checkRequired(rec *record.Record, group *schema.Group, acc *accumulator) {
	for _, node := range group.DataNodes() {
		if node.Required && rec.Data[node.ID] == nil {
			acc.addError(node.Alias, "this value is required")
		}
	}
}

// markDeleted stages a record and all of its persisted descendants as
// delete candidates, so every removed row gets its own audit entry.
func (r *Reconciler) markDeleted(rec *record.Record, acc *accumulator) {
	if acc.deleted[rec.ID] {
		return
	}
	acc.cs.Deletes = append(acc.cs.Deletes, rec)
	acc.cs.Original[rec.ID] = record.CloneData(rec.Data)
	acc.deleted[rec.ID] = true
	for _, child := range acc.childrenOf[rec.ID] {
		r.markDeleted(child, acc)
	}
}

// hasSurvivingChildren reports whether any child of rec remains after this
// pass: an insert/update candidate pointing at it, or a persisted child not
// marked for deletion.
func (r *Reconciler) hasSurvivingChildren(rec *record.Record, acc *accumulator) bool {
	for _, child := range acc.cs.Inserts {
		if child.ParentID == rec.ID {
			return true
		}
	}
	for _, child := range acc.cs.Updates {
		if child.ParentID == rec.ID {
			return true
		}
	}
	for _, child := range acc.childrenOf[rec.ID] {
		if !acc.deleted[child.ID] {
			return true
		}
	}
	return false
}

// noop reports whether every node's final value is codec-equal to the
// snapshot.
func (r *Reconciler) noop(rec *record.Record, original map[string]any, group *schema.Group) bool {
	for _, node := range group.DataNodes() {
		hooks := r.codecs.Resolve(node.Datatype)
		if !hooks.Equal(original[node.ID], rec.Data[node.ID]) {
			return false
		}
	}
	return true
}

// normalizeEntries coerces an incoming group value into a list of record
// containers. A bare container is normalized to a one-element list for
// pairing; null clears the group.
func normalizeEntries(raw any, cardinality schema.Cardinality) ([]record.AliasedData, bool) {
	switch v := raw.(type) {
	case nil:
		return nil, true
	case map[string]any:
		return []record.AliasedData{v}, true
	case []record.AliasedData:
		return v, true
	case []any:
		out := make([]record.AliasedData, 0, len(v))
		for _, item := range v {
			entry, ok := item.(map[string]any)
			if !ok {
				return nil, false
			}
			out = append(out, entry)
		}
		return out, true
	default:
		return nil, false
	}
}

func removeRecord(recs []*record.Record, id string) []*record.Record {
	out := recs[:0]
	for _, rec := range recs {
		if rec.ID != id {
			out = append(out, rec)
		}
	}
	return out
}
