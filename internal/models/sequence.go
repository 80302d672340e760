package models

import "time"

// Follow-up sequence statuses.
const (
	SequenceActive    = "active"
	SequencePaused    = "paused"
	SequenceCompleted = "completed"
	SequenceCancelled = "cancelled"
)

// Channels a sequence step can be delivered through.
const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
	ChannelTask  = "task"
)

// SequenceStep is one delayed outreach step. DelayHours is measured from the
// previous step (or from the sequence start for the first step).
type SequenceStep struct {
	DelayHours float64        `json:"delay_hours" yaml:"delay_hours"`
	Channel    string         `json:"channel" yaml:"channel"`
	Template   string         `json:"template,omitempty" yaml:"template,omitempty"`
	Message    string         `json:"message,omitempty" yaml:"message,omitempty"`
	Config     map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	ExecutedAt *time.Time     `json:"executed_at,omitempty" yaml:"-"`
}

// Delay converts DelayHours into a duration.
func (s SequenceStep) Delay() time.Duration {
	if s.DelayHours <= 0 {
		return 0
	}
	return time.Duration(s.DelayHours * float64(time.Hour))
}

// FollowUpSequence is a resumable multi-step outreach plan for a lead.
// NextStepAt is set only while Status is active.
type FollowUpSequence struct {
	ID          string         `json:"id"`
	Tenant      string         `json:"tenant"`
	LeadID      string         `json:"lead_id"`
	Status      string         `json:"status"`
	CurrentStep int            `json:"current_step"`
	Steps       []SequenceStep `json:"steps"`
	NextStepAt  *time.Time     `json:"next_step_at,omitempty"`
	Attempts    int            `json:"attempts"`
	LastError   *string        `json:"last_error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	PausedAt    *time.Time     `json:"paused_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	CancelledAt *time.Time     `json:"cancelled_at,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// DueCursor resumes a due scan after the row at (NextStepAt, ID).
type DueCursor struct {
	At time.Time
	ID string
}

// Cursor positions a due scan just after s.
func (s FollowUpSequence) Cursor() *DueCursor {
	c := &DueCursor{ID: s.ID}
	if s.NextStepAt != nil {
		c.At = *s.NextStepAt
	}
	return c
}

// Exhausted reports whether every step has been executed.
func (s FollowUpSequence) Exhausted() bool {
	return s.CurrentStep >= len(s.Steps)
}

// Clone returns a deep copy so callers can mutate steps without aliasing.
func (s FollowUpSequence) Clone() FollowUpSequence {
	out := s
	out.Steps = make([]SequenceStep, len(s.Steps))
	copy(out.Steps, s.Steps)
	return out
}
