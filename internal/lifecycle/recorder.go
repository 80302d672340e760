package lifecycle

import (
	"context"

	"github.com/WatchBeam/clock"
	"github.com/google/uuid"

	"fieldflow/internal/models"
)

// HistoryReader lists transition history entries. Entries are never updated or deleted.
type HistoryReader interface {
	ListHistory(ctx context.Context, tenant, jobID string) ([]models.TransitionHistoryEntry, error)
}

// RecordParams describes one accepted transition.
type RecordParams struct {
	Tenant   string
	JobID    string
	Previous *models.JobLifecycleState
	Next     models.JobLifecycleState
	Event    string
	Actor    *models.Actor
	Reason   string
	Metadata map[string]any
}

// Recorder builds the single history entry of an accepted transition. The job
// repository writes it in the same transaction as the job row.
type Recorder struct {
	clock clock.Clock
}

// NewRecorder builds a recorder stamping entries with clk.
func NewRecorder(clk clock.Clock) *Recorder {
	if clk == nil {
		clk = clock.C
	}
	return &Recorder{clock: clk}
}

// Entry builds the entry for p.
func (r *Recorder) Entry(p RecordParams) models.TransitionHistoryEntry {
	entry := models.TransitionHistoryEntry{
		ID:            uuid.New().String(),
		Tenant:        p.Tenant,
		JobID:         p.JobID,
		PreviousState: p.Previous,
		NewState:      p.Next,
		Event:         p.Event,
		Reason:        p.Reason,
		Metadata:      p.Metadata,
		RecordedAt:    r.clock.Now().UTC(),
	}
	if p.Actor != nil {
		id, name := p.Actor.ID, p.Actor.Name
		if id != "" {
			entry.ActorID = &id
		}
		if name != "" {
			entry.ActorName = &name
		}
	}
	return entry
}
