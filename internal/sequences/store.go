package sequences

import (
	"context"
	"time"

	"fieldflow/internal/models"
)

// Store persists follow-up sequences. Every method is tenant scoped except the
// due scan, which the heartbeat runs across tenants.
type Store interface {
	CreateSequence(ctx context.Context, seq models.FollowUpSequence) error
	GetSequence(ctx context.Context, tenant, id string) (models.FollowUpSequence, error)
	ListSequencesForLead(ctx context.Context, tenant, leadID string) ([]models.FollowUpSequence, error)
	// UpdateSequence writes seq only while the row still has expectedStatus, and
	// returns models.ErrVersionConflict otherwise.
	UpdateSequence(ctx context.Context, seq models.FollowUpSequence, expectedStatus string) error
	// ListDueSequences returns active sequences with next_step_at <= now ordered
	// by (next_step_at, id), starting after the cursor when one is given.
	ListDueSequences(ctx context.Context, now time.Time, after *models.DueCursor, limit int) ([]models.FollowUpSequence, error)
	// ClaimSequence moves next_step_at from dueAt to until if the row is still
	// active at step. It reports false when another scan got there first.
	ClaimSequence(ctx context.Context, tenant, id string, step int, dueAt, until time.Time) (bool, error)
}
