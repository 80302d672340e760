package models

import (
	"time"
)

// JobLifecycleState enumerates the lifecycle states persisted for a job.
type JobLifecycleState string

const (
	StateLead             JobLifecycleState = "LEAD"
	StateQualified        JobLifecycleState = "QUALIFIED"
	StateEstimateSent     JobLifecycleState = "ESTIMATE_SENT"
	StateEstimateApproved JobLifecycleState = "ESTIMATE_APPROVED"
	StateScheduled        JobLifecycleState = "SCHEDULED"
	StateDispatched       JobLifecycleState = "DISPATCHED"
	StateInProgress       JobLifecycleState = "IN_PROGRESS"
	StateCompleted        JobLifecycleState = "COMPLETED"
	StateInvoiced         JobLifecycleState = "INVOICED"
	StatePaid             JobLifecycleState = "PAID"
	StateCancelled        JobLifecycleState = "CANCELLED"
	StateLost             JobLifecycleState = "LOST"
)

// AllStates lists every lifecycle state in progression order.
var AllStates = []JobLifecycleState{
	StateLead,
	StateQualified,
	StateEstimateSent,
	StateEstimateApproved,
	StateScheduled,
	StateDispatched,
	StateInProgress,
	StateCompleted,
	StateInvoiced,
	StatePaid,
	StateCancelled,
	StateLost,
}

// IsTerminal reports whether no transition can leave the state.
func (s JobLifecycleState) IsTerminal() bool {
	switch s {
	case StatePaid, StateCancelled, StateLost:
		return true
	}
	return false
}

// Valid reports whether s is a known lifecycle state.
func (s JobLifecycleState) Valid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// Job is the slice of a field-service job the lifecycle core reads and writes.
type Job struct {
	ID              string            `json:"id"`
	Tenant          string            `json:"tenant"`
	Status          JobLifecycleState `json:"status"`
	Version         int               `json:"version"`
	ScheduledDate   *time.Time        `json:"scheduled_date,omitempty"`
	EstimateID      string            `json:"estimate_id,omitempty"`
	InvoiceID       string            `json:"invoice_id,omitempty"`
	CloseReason     string            `json:"close_reason,omitempty"`
	StatusChangedAt time.Time         `json:"status_changed_at"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// TransitionHistoryEntry is an append-only record of an accepted lifecycle transition.
// PreviousState is nil for the entry written when the job is created.
type TransitionHistoryEntry struct {
	ID            string             `json:"id"`
	Tenant        string             `json:"tenant"`
	JobID         string             `json:"job_id"`
	PreviousState *JobLifecycleState `json:"previous_state,omitempty"`
	NewState      JobLifecycleState  `json:"new_state"`
	Event         string             `json:"event"`
	ActorID       *string            `json:"actor_id,omitempty"`
	ActorName     *string            `json:"actor_name,omitempty"`
	Reason        string             `json:"reason,omitempty"`
	Metadata      map[string]any     `json:"metadata,omitempty"`
	RecordedAt    time.Time          `json:"recorded_at"`
}

// Actor identifies who requested a transition. A nil actor means the system.
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
