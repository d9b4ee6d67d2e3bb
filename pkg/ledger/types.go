// Package ledger persists the audit trail of remediation executions: action
// log rows, their artifacts and rollback points, and the report-ingestion
// reconciliation that ties helper-reported outcomes back to pending records.
package ledger

import (
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle state of an ActionLog row.
type Status string

const (
	StatusProposed  Status = "proposed"
	StatusApproved  Status = "approved"
	StatusQueued    Status = "queued"
	StatusCompleted Status = "completed"
	StatusTimedOut  Status = "timed_out"
)

// PendingStatuses are the states a row may be adopted from during report
// reconciliation.
var PendingStatuses = []Status{StatusProposed, StatusApproved, StatusQueued}

// Outcome is the terminal result of an execution.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// OptimisticOutcomeDefault is the outcome applied when a report omits the
// success flag. Deliberately permissive: forward progress is favored over
// blocking on ambiguous client payloads. success == false is the only input
// that yields a failure outcome.
const OptimisticOutcomeDefault = OutcomeSuccess

var (
	// ErrLogNotFound indicates a lookup by id/jobId matched no row.
	ErrLogNotFound = errors.New("ledger: action log not found")
	// ErrStorage marks persistence failures; callers may retry.
	ErrStorage = errors.New("ledger: storage failure")
)

// ActionLog is one persisted remediation record. Mutated in place by report
// ingestion; never duplicated for the same logical execution once a matching
// row is found.
type ActionLog struct {
	ID            string
	ChatID        string
	UserID        string
	ActionType    string
	JobID         string
	Status        Status
	Outcome       Outcome
	ExecutionHost string
	Summary       string
	Payload       map[string]any
	PayloadHash   string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Artifact is an append-only reference to evidence produced by an execution.
type Artifact struct {
	ID          string
	ActionLogID string
	Type        string
	URI         string
	Hash        string
	CreatedAt   time.Time
}

// RollbackPoint is an append-only undo descriptor for a reversible action.
type RollbackPoint struct {
	ID          string
	ActionLogID string
	Method      string
	Data        json.RawMessage
	CreatedAt   time.Time
}

// Projection is the read model returned by status lookups.
type Projection struct {
	ActionLogID   string    `json:"actionLogId"`
	JobID         string    `json:"jobId,omitempty"`
	Status        Status    `json:"status"`
	Outcome       Outcome   `json:"outcome,omitempty"`
	ExecutionHost string    `json:"executionHost,omitempty"`
	Summary       string    `json:"summary,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Projection converts a row to its status view.
func (l *ActionLog) Projection() Projection {
	return Projection{
		ActionLogID:   l.ID,
		JobID:         l.JobID,
		Status:        l.Status,
		Outcome:       l.Outcome,
		ExecutionHost: l.ExecutionHost,
		Summary:       l.Summary,
		CreatedAt:     l.CreatedAt,
	}
}
