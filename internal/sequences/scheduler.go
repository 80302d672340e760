// Package sequences owns multi-step, time-delayed follow-up sequences: starting,
// pausing, resuming and cancelling them, and advancing due steps on a heartbeat.
package sequences

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/WatchBeam/clock"
	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"fieldflow/internal/apperr"
	"fieldflow/internal/dispatch"
	"fieldflow/internal/lease"
	"fieldflow/internal/models"
	"fieldflow/internal/partition"
	"fieldflow/internal/telemetry"
)

// EntityTypeLead is the entity type sequence steps are dispatched for.
const EntityTypeLead = "lead"

// Partitioner decides which tenants this scheduler instance owns.
type Partitioner interface {
	Owns(tenant string) bool
	Partition(tenant string) int
}

// Options tune the heartbeat.
type Options struct {
	// BatchSize caps how many due sequences one heartbeat picks up.
	BatchSize int
	// Concurrency caps in-flight dispatches.
	Concurrency int
	// DispatchTimeout bounds each step dispatch.
	DispatchTimeout time.Duration
	// ClaimTTL is how long a claimed sequence stays invisible to other scans.
	// It must exceed DispatchTimeout.
	ClaimTTL time.Duration
	// RetryBackoff delays a failed step before it is due again. Zero leaves it
	// due for the next heartbeat.
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
	if o.DispatchTimeout <= 0 {
		o.DispatchTimeout = 30 * time.Second
	}
	if o.ClaimTTL <= o.DispatchTimeout {
		o.ClaimTTL = 2 * o.DispatchTimeout
	}
	if o.RetryBackoffMax < o.RetryBackoff {
		o.RetryBackoffMax = o.RetryBackoff
	}
	return o
}

// Report summarizes one ProcessDueSteps run.
type Report struct {
	Due       int `json:"due"`
	Skipped   int `json:"skipped"`
	Advanced  int `json:"advanced"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Scheduler manages follow-up sequences.
type Scheduler struct {
	store      Store
	dispatcher dispatch.Dispatcher
	clock      clock.Clock
	logger     kitlog.Logger
	opts       Options

	partitioner Partitioner
	locker      lease.Locker
	owner       string
	leaseTTL    time.Duration

	templates map[string][]models.SequenceStep
}

// NewScheduler wires a scheduler to storage and the action dispatcher.
func NewScheduler(store Store, dispatcher dispatch.Dispatcher, clk clock.Clock, logger kitlog.Logger, opts Options) *Scheduler {
	if clk == nil {
		clk = clock.C
	}
	if logger == nil {
		logger = kitlog.NewNopLogger()
	}
	return &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		clock:      clk,
		logger:     kitlog.With(logger, "component", "sequences"),
		opts:       opts.withDefaults(),
	}
}

// SetPartitioner restricts the heartbeat to tenants p owns.
func (s *Scheduler) SetPartitioner(p Partitioner) {
	s.partitioner = p
}

// SetTemplates registers named step lists the start action can refer to.
func (s *Scheduler) SetTemplates(templates map[string][]models.SequenceStep) {
	s.templates = templates
}

// SetLocker makes the heartbeat take a lease per partition before processing it.
func (s *Scheduler) SetLocker(l lease.Locker, owner string, ttl time.Duration) {
	s.locker = l
	s.owner = owner
	s.leaseTTL = ttl
}

// Start creates an active sequence. The first step is due after its own delay,
// so a zero delay makes the sequence due immediately.
func (s *Scheduler) Start(ctx context.Context, tenant, leadID string, steps []models.SequenceStep) (models.FollowUpSequence, error) {
	if err := validateSteps(tenant, leadID, steps); err != nil {
		return models.FollowUpSequence{}, err
	}
	now := s.clock.Now().UTC()
	next := now
	if len(steps) > 0 {
		next = now.Add(steps[0].Delay())
	}
	seq := models.FollowUpSequence{
		ID:         uuid.New().String(),
		Tenant:     tenant,
		LeadID:     leadID,
		Status:     models.SequenceActive,
		Steps:      append([]models.SequenceStep(nil), steps...),
		NextStepAt: &next,
		StartedAt:  now,
		UpdatedAt:  now,
	}
	for i := range seq.Steps {
		seq.Steps[i].ExecutedAt = nil
	}
	if err := s.store.CreateSequence(ctx, seq); err != nil {
		return models.FollowUpSequence{}, fmt.Errorf("create sequence: %w", err)
	}
	level.Debug(s.logger).Log("msg", "sequence started", "tenant", tenant, "sequence_id", seq.ID, "lead_id", leadID, "steps", len(steps))
	return seq, nil
}

// Pause stops an active sequence. Its position is kept.
func (s *Scheduler) Pause(ctx context.Context, tenant, id string) (models.FollowUpSequence, error) {
	return s.changeStatus(ctx, tenant, id, "pause", []string{models.SequenceActive}, func(seq *models.FollowUpSequence, now time.Time) {
		seq.Status = models.SequencePaused
		seq.NextStepAt = nil
		seq.PausedAt = &now
	})
}

// Resume reactivates a paused sequence; its current step is due after that
// step's delay, measured from now.
func (s *Scheduler) Resume(ctx context.Context, tenant, id string) (models.FollowUpSequence, error) {
	return s.changeStatus(ctx, tenant, id, "resume", []string{models.SequencePaused}, func(seq *models.FollowUpSequence, now time.Time) {
		next := now
		if !seq.Exhausted() {
			next = now.Add(seq.Steps[seq.CurrentStep].Delay())
		}
		seq.Status = models.SequenceActive
		seq.NextStepAt = &next
		seq.PausedAt = nil
	})
}

// Cancel stops a sequence for good.
func (s *Scheduler) Cancel(ctx context.Context, tenant, id string) (models.FollowUpSequence, error) {
	return s.changeStatus(ctx, tenant, id, "cancel", []string{models.SequenceActive, models.SequencePaused}, func(seq *models.FollowUpSequence, now time.Time) {
		seq.Status = models.SequenceCancelled
		seq.NextStepAt = nil
		seq.CancelledAt = &now
	})
}

// Get loads one sequence.
func (s *Scheduler) Get(ctx context.Context, tenant, id string) (models.FollowUpSequence, error) {
	return s.store.GetSequence(ctx, tenant, id)
}

// ListForLead returns the sequences started for a lead, newest first.
func (s *Scheduler) ListForLead(ctx context.Context, tenant, leadID string) ([]models.FollowUpSequence, error) {
	return s.store.ListSequencesForLead(ctx, tenant, leadID)
}

func (s *Scheduler) changeStatus(ctx context.Context, tenant, id, op string, from []string, mutate func(*models.FollowUpSequence, time.Time)) (models.FollowUpSequence, error) {
	seq, err := s.store.GetSequence(ctx, tenant, id)
	if err != nil {
		return models.FollowUpSequence{}, fmt.Errorf("load sequence: %w", err)
	}
	if !contains(from, seq.Status) {
		return models.FollowUpSequence{}, apperr.Clone(ErrInvalidState,
			fmt.Sprintf("cannot %s a %s sequence", op, seq.Status), nil,
			map[string]any{"sequence_id": id, "status": seq.Status})
	}
	prev := seq.Status
	next := seq.Clone()
	now := s.clock.Now().UTC()
	mutate(&next, now)
	next.UpdatedAt = now
	if err := s.store.UpdateSequence(ctx, next, prev); err != nil {
		if errors.Is(err, models.ErrVersionConflict) {
			return models.FollowUpSequence{}, apperr.Clone(ErrInvalidState,
				fmt.Sprintf("sequence %s changed while trying to %s", id, op), err,
				map[string]any{"sequence_id": id})
		}
		return models.FollowUpSequence{}, fmt.Errorf("update sequence: %w", err)
	}
	return next, nil
}

// maxDuePages bounds how far one heartbeat pages past sequences owned by
// other members.
const maxDuePages = 16

// ownedDue pages through the due scan until it holds BatchSize sequences this
// instance owns or the scan runs dry.
func (s *Scheduler) ownedDue(ctx context.Context, now time.Time) ([]models.FollowUpSequence, error) {
	var (
		out   []models.FollowUpSequence
		after *models.DueCursor
	)
	for page := 0; page < maxDuePages; page++ {
		rows, err := s.store.ListDueSequences(ctx, now, after, s.opts.BatchSize)
		if err != nil {
			return nil, err
		}
		for _, seq := range rows {
			if s.partitioner != nil && !s.partitioner.Owns(seq.Tenant) {
				continue
			}
			out = append(out, seq)
			if len(out) == s.opts.BatchSize {
				return out, nil
			}
		}
		if len(rows) < s.opts.BatchSize {
			break
		}
		after = rows[len(rows)-1].Cursor()
	}
	return out, nil
}

// ProcessDueSteps advances every due sequence this instance owns by at most one
// step. A failing dispatch never stops the rest of the batch.
func (s *Scheduler) ProcessDueSteps(ctx context.Context, now time.Time) (Report, error) {
	due, err := s.ownedDue(ctx, now)
	if err != nil {
		return Report{}, fmt.Errorf("list due sequences: %w", err)
	}
	telemetry.DueSequences.Set(float64(len(due)))

	var rep Report
	groups := map[int][]models.FollowUpSequence{}
	for _, seq := range due {
		p := 0
		if s.partitioner != nil {
			p = s.partitioner.Partition(seq.Tenant)
		}
		groups[p] = append(groups[p], seq)
		rep.Due++
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.opts.Concurrency)
	record := func(result string) {
		mu.Lock()
		defer mu.Unlock()
		switch result {
		case "skipped":
			rep.Skipped++
		case "advanced":
			rep.Advanced++
		case "completed":
			rep.Completed++
		case "failed":
			rep.Failed++
		}
		telemetry.SequenceSteps.WithLabelValues(result).Inc()
	}

	var held []string
	for _, p := range sortedKeys(groups) {
		batch := groups[p]
		if s.locker != nil {
			name := partition.LockName(p)
			ok, err := s.locker.Lock(ctx, name, s.owner, s.leaseTTL)
			if err != nil || !ok {
				if err != nil {
					level.Warn(s.logger).Log("msg", "partition lease", "partition", p, "err", err)
				}
				mu.Lock()
				rep.Skipped += len(batch)
				mu.Unlock()
				continue
			}
			held = append(held, name)
		}
		for _, seq := range batch {
			seq := seq
			g.Go(func() error {
				record(s.processOne(ctx, seq, now))
				return nil
			})
		}
	}
	_ = g.Wait()

	for _, name := range held {
		if err := s.locker.Unlock(ctx, name, s.owner); err != nil {
			level.Warn(s.logger).Log("msg", "release partition lease", "lease", name, "err", err)
		}
	}
	if rep.Due > 0 {
		level.Info(s.logger).Log("msg", "processed due steps", "due", rep.Due, "advanced", rep.Advanced, "completed", rep.Completed, "failed", rep.Failed, "skipped", rep.Skipped)
	}
	return rep, nil
}

func (s *Scheduler) processOne(ctx context.Context, seq models.FollowUpSequence, now time.Time) string {
	logger := kitlog.With(s.logger, "tenant", seq.Tenant, "sequence_id", seq.ID, "step", seq.CurrentStep)
	if seq.NextStepAt == nil {
		return "skipped"
	}
	dueAt := *seq.NextStepAt
	claimed, err := s.store.ClaimSequence(ctx, seq.Tenant, seq.ID, seq.CurrentStep, dueAt, now.Add(s.opts.ClaimTTL))
	if err != nil {
		level.Error(logger).Log("msg", "claim sequence", "err", err)
		return "failed"
	}
	if !claimed {
		return "skipped"
	}

	next := seq.Clone()
	next.UpdatedAt = now
	if next.Exhausted() {
		complete(&next, now)
		return s.save(ctx, logger, next, "completed")
	}

	step := next.Steps[next.CurrentStep]
	dctx, cancel := context.WithTimeout(ctx, s.opts.DispatchTimeout)
	_, err = s.dispatcher.Dispatch(dctx, stepRequest(next, step))
	cancel()
	if err != nil {
		next.Attempts++
		msg := err.Error()
		next.LastError = &msg
		retryAt := dueAt
		if s.opts.RetryBackoff > 0 {
			retryAt = now.Add(backoffWithJitter(s.opts.RetryBackoff, s.opts.RetryBackoffMax, next.Attempts))
		}
		next.NextStepAt = &retryAt
		level.Warn(logger).Log("msg", "step dispatch failed", "attempts", next.Attempts, "err", err)
		s.save(ctx, logger, next, "failed")
		return "failed"
	}

	executed := now
	next.Steps[next.CurrentStep].ExecutedAt = &executed
	next.CurrentStep++
	next.Attempts = 0
	next.LastError = nil
	if next.Exhausted() {
		complete(&next, now)
		return s.save(ctx, logger, next, "completed")
	}
	at := now.Add(next.Steps[next.CurrentStep].Delay())
	next.NextStepAt = &at
	return s.save(ctx, logger, next, "advanced")
}

func (s *Scheduler) save(ctx context.Context, logger kitlog.Logger, seq models.FollowUpSequence, result string) string {
	if err := s.store.UpdateSequence(ctx, seq, models.SequenceActive); err != nil {
		// A pause or cancel that landed while the step was in flight wins.
		level.Warn(logger).Log("msg", "save sequence", "result", result, "err", err)
		if errors.Is(err, models.ErrVersionConflict) {
			return "skipped"
		}
		return "failed"
	}
	return result
}

func complete(seq *models.FollowUpSequence, now time.Time) {
	seq.Status = models.SequenceCompleted
	seq.NextStepAt = nil
	seq.CompletedAt = &now
}

func stepRequest(seq models.FollowUpSequence, step models.SequenceStep) dispatch.Request {
	cfg := make(map[string]any, len(step.Config)+5)
	for k, v := range step.Config {
		cfg[k] = v
	}
	cfg["channel"] = step.Channel
	cfg["sequence_id"] = seq.ID
	cfg["step"] = seq.CurrentStep
	if step.Template != "" {
		cfg["template"] = step.Template
	}
	if step.Message != "" {
		cfg["message"] = step.Message
	}
	actionType := dispatch.ChannelAction(step.Channel)
	if t, ok := step.Config["action_type"].(string); ok && t != "" {
		actionType = t
	}
	entityType := EntityTypeLead
	if t, ok := step.Config["entity_type"].(string); ok && t != "" {
		entityType = t
	}
	return dispatch.Request{
		Tenant:     seq.Tenant,
		ActionType: actionType,
		Config:     cfg,
		EntityType: entityType,
		EntityID:   seq.LeadID,
	}
}

func validateSteps(tenant, leadID string, steps []models.SequenceStep) error {
	var problems []string
	if strings.TrimSpace(tenant) == "" {
		problems = append(problems, "tenant is required")
	}
	if strings.TrimSpace(leadID) == "" {
		problems = append(problems, "lead id is required")
	}
	for i, st := range steps {
		if st.DelayHours < 0 {
			problems = append(problems, fmt.Sprintf("step %d: delay_hours must not be negative", i))
		}
		if strings.TrimSpace(st.Channel) == "" {
			problems = append(problems, fmt.Sprintf("step %d: channel is required", i))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	return apperr.Clone(ErrInvalidSequence, strings.Join(problems, "; "), nil, map[string]any{"problems": problems})
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func sortedKeys(m map[int][]models.FollowUpSequence) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
