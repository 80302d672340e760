package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/WatchBeam/clock"
	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"fieldflow/internal/apperr"
	"fieldflow/internal/models"
	"fieldflow/internal/telemetry"
)

// Events emitted to the rule engine.
const (
	EventJobCreated      = "job.created"
	EventJobTransitioned = "job.transitioned"

	EntityTypeJob = "job"
)

// JobRepository loads and persists the lifecycle slice of a job. Every write
// stores the job row and its history entry atomically.
type JobRepository interface {
	CreateJob(ctx context.Context, job models.Job, entry models.TransitionHistoryEntry) error
	LoadJob(ctx context.Context, tenant, id string) (models.Job, error)
	// PersistTransition stores job and appends entry only if the row still has
	// expectedVersion, and returns models.ErrVersionConflict otherwise.
	// job.Version carries the new version.
	PersistTransition(ctx context.Context, job models.Job, expectedVersion int, entry models.TransitionHistoryEntry) error
}

// EventSink receives domain events. The rule engine implements it.
type EventSink interface {
	EvaluateEvent(ctx context.Context, tenant, event, entityType, entityID string, snapshot map[string]any) ([]models.AutomationExecution, error)
}

// Facts are the caller-supplied booleans guards reason about.
type Facts struct {
	HasContactInfo bool `json:"has_contact_info"`
	IsFullyPaid    bool `json:"is_fully_paid"`
}

// TransitionRequest asks the service to apply one event to one job.
type TransitionRequest struct {
	Tenant string
	JobID  string
	// ExpectedStatus is the status the caller computed against. When set and the
	// persisted status differs, the request fails with ErrStaleContext.
	ExpectedStatus models.JobLifecycleState
	Event          Event
	Actor          *models.Actor
	Facts          Facts
	Metadata       map[string]any
}

// TransitionResult is the outcome of an accepted transition.
type TransitionResult struct {
	Previous models.JobLifecycleState      `json:"previous"`
	Job      models.Job                    `json:"job"`
	Entry    models.TransitionHistoryEntry `json:"entry"`
}

// Service applies lifecycle events to persisted jobs.
type Service struct {
	machine  *Machine
	jobs     JobRepository
	history  HistoryReader
	recorder *Recorder
	events   EventSink
	clock    clock.Clock
	logger   kitlog.Logger
}

// NewService wires the machine to job storage and the history reader.
func NewService(jobs JobRepository, history HistoryReader, clk clock.Clock, logger kitlog.Logger) *Service {
	if clk == nil {
		clk = clock.C
	}
	if logger == nil {
		logger = kitlog.NewNopLogger()
	}
	return &Service{
		machine:  NewMachine(nil),
		jobs:     jobs,
		history:  history,
		recorder: NewRecorder(clk),
		clock:    clk,
		logger:   kitlog.With(logger, "component", "lifecycle"),
	}
}

// SetEventSink makes the service a trigger source for the rule engine.
func (s *Service) SetEventSink(sink EventSink) {
	s.events = sink
}

// Machine exposes the underlying state machine.
func (s *Service) Machine() *Machine {
	return s.machine
}

// CreateJob stores a new job in LEAD and records the initial history entry.
func (s *Service) CreateJob(ctx context.Context, tenant string, job models.Job, actor *models.Actor) (models.Job, error) {
	if tenant == "" {
		return models.Job{}, errors.New("tenant is required")
	}
	now := s.clock.Now().UTC()
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.Tenant = tenant
	job.Status = models.StateLead
	job.Version = 1
	job.StatusChangedAt = now
	job.CreatedAt = now
	job.UpdatedAt = now
	entry := s.recorder.Entry(RecordParams{
		Tenant: tenant,
		JobID:  job.ID,
		Next:   job.Status,
		Event:  "CREATE",
		Actor:  actor,
		Reason: "job created",
	})
	if err := s.jobs.CreateJob(ctx, job, entry); err != nil {
		return models.Job{}, fmt.Errorf("create job: %w", err)
	}
	s.emit(ctx, EventJobCreated, job, nil, "CREATE")
	return job, nil
}

// Transition applies req.Event to the persisted job.
func (s *Service) Transition(ctx context.Context, req TransitionRequest) (TransitionResult, error) {
	job, err := s.jobs.LoadJob(ctx, req.Tenant, req.JobID)
	if err != nil {
		return TransitionResult{}, fmt.Errorf("load job: %w", err)
	}
	if req.ExpectedStatus != "" && req.ExpectedStatus != job.Status {
		telemetry.TransitionsTotal.WithLabelValues("stale").Inc()
		return TransitionResult{}, apperr.Clone(ErrStaleContext,
			fmt.Sprintf("job %s is %s, request computed against %s", job.ID, job.Status, req.ExpectedStatus),
			nil, map[string]any{"job_id": job.ID, "persisted_status": job.Status, "expected_status": req.ExpectedStatus})
	}

	lc := ContextFor(job, req.Facts)
	next, ok := s.machine.Apply(lc, req.Event)
	if !ok {
		telemetry.TransitionsTotal.WithLabelValues("rejected").Inc()
		reason := s.machine.Rejection(lc, req.Event)
		level.Info(s.logger).Log("msg", "transition rejected", "tenant", req.Tenant, "job_id", job.ID, "event", req.Event.Type, "reason", reason)
		return TransitionResult{}, apperr.Clone(ErrInvalidTransition, reason, nil,
			map[string]any{"job_id": job.ID, "status": job.Status, "event": req.Event.Type})
	}

	previous := job.Status
	expectedVersion := job.Version
	now := s.clock.Now().UTC()
	applyPayload(&job, req.Event)
	job.Status = next
	job.Version = expectedVersion + 1
	job.StatusChangedAt = now
	job.UpdatedAt = now

	entry := s.recorder.Entry(RecordParams{
		Tenant:   req.Tenant,
		JobID:    job.ID,
		Previous: &previous,
		Next:     next,
		Event:    string(req.Event.Type),
		Actor:    req.Actor,
		Reason:   req.Event.Reason,
		Metadata: historyMetadata(req),
	})
	if err := s.jobs.PersistTransition(ctx, job, expectedVersion, entry); err != nil {
		if errors.Is(err, models.ErrVersionConflict) {
			telemetry.TransitionsTotal.WithLabelValues("stale").Inc()
			return TransitionResult{}, apperr.Clone(ErrStaleContext,
				fmt.Sprintf("job %s changed while applying %s", job.ID, req.Event.Type), err,
				map[string]any{"job_id": job.ID, "expected_version": expectedVersion})
		}
		return TransitionResult{}, fmt.Errorf("persist transition: %w", err)
	}
	telemetry.TransitionsTotal.WithLabelValues("accepted").Inc()
	level.Debug(s.logger).Log("msg", "transition accepted", "tenant", req.Tenant, "job_id", job.ID, "from", previous, "to", next)

	s.emit(ctx, EventJobTransitioned, job, &previous, string(req.Event.Type))
	return TransitionResult{Previous: previous, Job: job, Entry: entry}, nil
}

// AvailableTransitions loads the job and lists the events that would succeed.
func (s *Service) AvailableTransitions(ctx context.Context, tenant, jobID string, facts Facts) ([]EventType, error) {
	job, err := s.jobs.LoadJob(ctx, tenant, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	return s.machine.AvailableTransitions(ContextFor(job, facts)), nil
}

// History lists the transition entries of a job, oldest first.
func (s *Service) History(ctx context.Context, tenant, jobID string) ([]models.TransitionHistoryEntry, error) {
	return s.history.ListHistory(ctx, tenant, jobID)
}

// ContextFor rebuilds the machine context from a persisted job and caller facts.
func ContextFor(job models.Job, facts Facts) Context {
	return Context{
		Status:         job.Status,
		ScheduledDate:  job.ScheduledDate,
		EstimateID:     job.EstimateID,
		InvoiceID:      job.InvoiceID,
		HasContactInfo: facts.HasContactInfo,
		IsFullyPaid:    facts.IsFullyPaid,
	}
}

func applyPayload(job *models.Job, ev Event) {
	switch ev.Type {
	case EventSchedule:
		d := ev.Date.UTC()
		job.ScheduledDate = &d
	case EventCreateInvoice:
		job.InvoiceID = ev.InvoiceID
	case EventCancel, EventMarkLost:
		job.CloseReason = ev.Reason
	}
}

func historyMetadata(req TransitionRequest) map[string]any {
	md := make(map[string]any, len(req.Metadata)+2)
	for k, v := range req.Metadata {
		md[k] = v
	}
	if !req.Event.Date.IsZero() {
		md["scheduled_date"] = req.Event.Date.UTC().Format(time.RFC3339)
	}
	if req.Event.InvoiceID != "" {
		md["invoice_id"] = req.Event.InvoiceID
	}
	if len(md) == 0 {
		return nil
	}
	return md
}

// Snapshot flattens a job into the record rule conditions are evaluated against.
func Snapshot(job models.Job) map[string]any {
	snap := map[string]any{
		"id":                job.ID,
		"status":            string(job.Status),
		"version":           job.Version,
		"status_changed_at": job.StatusChangedAt.Format(time.RFC3339),
		"created_at":        job.CreatedAt.Format(time.RFC3339),
	}
	if job.ScheduledDate != nil {
		snap["scheduled_date"] = job.ScheduledDate.Format(time.RFC3339)
	}
	if job.EstimateID != "" {
		snap["estimate_id"] = job.EstimateID
	}
	if job.InvoiceID != "" {
		snap["invoice_id"] = job.InvoiceID
	}
	if job.CloseReason != "" {
		snap["close_reason"] = job.CloseReason
	}
	return snap
}

func (s *Service) emit(ctx context.Context, event string, job models.Job, previous *models.JobLifecycleState, trigger string) {
	if s.events == nil {
		return
	}
	snap := Snapshot(job)
	snap["event"] = trigger
	if previous != nil {
		snap["previous_status"] = string(*previous)
		snap["new_status"] = string(job.Status)
	}
	if _, err := s.events.EvaluateEvent(ctx, job.Tenant, event, EntityTypeJob, job.ID, snap); err != nil {
		level.Error(s.logger).Log("msg", "evaluate lifecycle event", "tenant", job.Tenant, "job_id", job.ID, "event", event, "err", err)
	}
}
