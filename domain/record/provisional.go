package record

import "time"

// Provisional edit actions.
const (
	ProvisionalCreate = "create"
	ProvisionalUpdate = "update"
)

// ProvisionalEdit is one principal's staged value for a record, held apart
// from the live data pending review.
type ProvisionalEdit struct {
	Value     map[string]any `json:"value"`
	Action    string         `json:"action"`
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
}

// ProvisionalBag stages edits keyed by principal id. A record with a
// non-empty bag is Staged; its live Data stays at the last reviewed state.
type ProvisionalBag map[string]ProvisionalEdit

// Stage records a principal's pending value. The action is "create" when
// no prior edit by that principal exists, "update" otherwise.
func (b ProvisionalBag) Stage(principal string, value map[string]any, at time.Time) ProvisionalEdit {
	action := ProvisionalCreate
	if _, ok := b[principal]; ok {
		action = ProvisionalUpdate
	}
	edit := ProvisionalEdit{
		Value:     CloneData(value),
		Action:    action,
		Status:    "review",
		Timestamp: at,
	}
	b[principal] = edit
	return edit
}

// Get returns the principal's pending edit, if any.
func (b ProvisionalBag) Get(principal string) (ProvisionalEdit, bool) {
	edit, ok := b[principal]
	return edit, ok
}
