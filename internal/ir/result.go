package ir

import "time"

// ResolutionStatus tells a caller why a dependent id is or is not available.
type ResolutionStatus string

const (
	Resolved ResolutionStatus = "resolved"
	Omitted  ResolutionStatus = "omitted"
	Failed   ResolutionStatus = "failed"
)

// Resolution is the outcome of a reference or option lookup. Omitted means
// there was nothing to look up; Failed carries the lookup error.
type Resolution struct {
	ID     string
	Status ResolutionStatus
	Err    error
}

// OK reports whether an id was resolved.
func (r Resolution) OK() bool {
	return r.Status == Resolved && r.ID != ""
}

// Action is the write the reconciler performed.
type Action string

const (
	ActionCreate   Action = "create"
	ActionUpdate   Action = "update"
	ActionRecreate Action = "recreate"
)

// Outcome is a successful upsert.
type Outcome struct {
	ItemID string `json:"itemId"`
	Action Action `json:"action"`
}

// RecordResult summarizes one record of a batch.
type RecordResult struct {
	SourceID string    `json:"sourceId"`
	Name     string    `json:"name,omitempty"`
	State    SyncState `json:"state"`
	ItemID   string    `json:"itemId,omitempty"`
	Slug     string    `json:"slug,omitempty"`
	Action   Action    `json:"action,omitempty"`
	Warnings []string  `json:"warnings,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// BatchResult is the report of one batch run.
type BatchResult struct {
	RunID      string         `json:"runId"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
	Records    []RecordResult `json:"records"`
	Logs       []string       `json:"logs"`
}

// Published counts records that ended published.
func (b *BatchResult) Published() int {
	return b.count(StatePublished)
}

// Failed counts records that ended in error.
func (b *BatchResult) Failed() int {
	return b.count(StateError)
}

func (b *BatchResult) count(state SyncState) int {
	n := 0
	for _, r := range b.Records {
		if r.State == state {
			n++
		}
	}
	return n
}
