// Package rules evaluates tenant automation rules against domain events and
// manages their versioned definitions.
package rules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/WatchBeam/clock"
	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"fieldflow/internal/conditions"
	"fieldflow/internal/dispatch"
	"fieldflow/internal/lease"
	"fieldflow/internal/models"
	"fieldflow/internal/suppression"
	"fieldflow/internal/telemetry"
)

const testModeDetail = "test mode"

// Deferrer schedules actions that carry a delay. The sequence scheduler
// implements it.
type Deferrer interface {
	Defer(ctx context.Context, tenant, entityType, entityID string, action models.RuleAction) (time.Time, error)
}

// Engine evaluates events against active rules. Every matching rule produces
// exactly one execution row, whether it was suppressed, failed its conditions
// or fired.
type Engine struct {
	store      ExecutionStore
	dispatcher dispatch.Dispatcher
	evaluator  *conditions.Evaluator
	clock      clock.Clock
	logger     kitlog.Logger
	location   *time.Location

	claimer  lease.Claimer
	claimTTL time.Duration
	deferrer Deferrer
}

// NewEngine builds an engine. Quiet hours and business days are evaluated in UTC
// until SetLocation is called, unless a rule names its own timezone.
func NewEngine(store ExecutionStore, dispatcher dispatch.Dispatcher, clk clock.Clock, logger kitlog.Logger) *Engine {
	if clk == nil {
		clk = clock.C
	}
	if logger == nil {
		logger = kitlog.NewNopLogger()
	}
	logger = kitlog.With(logger, "component", "rules")
	return &Engine{
		store:      store,
		dispatcher: dispatcher,
		evaluator:  conditions.New(logger),
		clock:      clk,
		logger:     logger,
		location:   time.UTC,
	}
}

// SetLocation sets the default timezone for time-of-day constraints.
func (e *Engine) SetLocation(loc *time.Location) {
	if loc != nil {
		e.location = loc
	}
}

// SetClaimer enables claim-before-dispatch for rules with a cooldown or a fire
// limit. ttl is used when the rule has no cooldown.
func (e *Engine) SetClaimer(c lease.Claimer, ttl time.Duration) {
	e.claimer = c
	e.claimTTL = ttl
}

// SetDeferrer enables actions with delay_minutes.
func (e *Engine) SetDeferrer(d Deferrer) {
	e.deferrer = d
}

// EvaluateEvent runs every active rule of tenant triggered by event. Action
// failures are recorded on the execution rows; the returned error only reports
// storage failures.
func (e *Engine) EvaluateEvent(ctx context.Context, tenant, event, entityType, entityID string, snapshot map[string]any) ([]models.AutomationExecution, error) {
	active, err := e.store.ListActiveRules(ctx, tenant, event)
	if err != nil {
		return nil, fmt.Errorf("list active rules: %w", err)
	}
	out := make([]models.AutomationExecution, 0, len(active))
	var errs []error
	for _, rule := range active {
		if !rule.Active || rule.Trigger.Event != event {
			continue
		}
		exec, err := e.evaluateRule(ctx, rule, event, entityType, entityID, snapshot)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", rule.VersionKey(), err))
			continue
		}
		out = append(out, exec)
	}
	return out, errors.Join(errs...)
}

func (e *Engine) evaluateRule(ctx context.Context, rule models.AutomationRule, event, entityType, entityID string, snapshot map[string]any) (models.AutomationExecution, error) {
	now := e.clock.Now().UTC()
	exec := models.AutomationExecution{
		ID:           uuid.New().String(),
		Tenant:       rule.Tenant,
		RuleID:       rule.ID,
		RuleVersion:  rule.Version,
		EntityType:   entityType,
		EntityID:     entityID,
		TriggerEvent: event,
		Actions:      []models.ActionOutcome{},
		TestMode:     rule.TestMode,
		ExecutedAt:   now,
	}
	logger := kitlog.With(e.logger, "tenant", rule.Tenant, "rule", rule.VersionKey(), "entity_id", entityID)

	var history models.FireHistory
	if suppression.NeedsHistory(rule.Constraints) {
		h, err := e.store.FireHistory(ctx, rule.Tenant, rule.ID, entityType, entityID)
		if err != nil {
			return exec, fmt.Errorf("fire history: %w", err)
		}
		history = h
	}

	d := suppression.Check(rule.Constraints, history, now, e.location)
	for _, w := range d.Warnings {
		level.Warn(logger).Log("msg", "rule constraint skipped", "detail", w)
	}
	if d.Suppressed {
		return e.finish(ctx, logger, exec, "suppressed", d.Reason)
	}

	if !e.evaluator.Evaluate(rule.Trigger.Conditions, snapshot) {
		return e.finish(ctx, logger, exec, "condition_failed", "")
	}
	exec.ConditionsPassed = true

	if rule.TestMode {
		for _, a := range rule.Actions {
			exec.Actions = append(exec.Actions, models.ActionOutcome{Type: a.Type, Status: models.OutcomeSkipped, Detail: testModeDetail})
		}
		return e.finish(ctx, logger, exec, "test_mode", "")
	}

	if e.claimer != nil && suppression.NeedsHistory(rule.Constraints) {
		ok, err := e.claim(ctx, rule, entityType, entityID, history)
		if err != nil {
			level.Warn(logger).Log("msg", "rule claim unavailable", "err", err)
		} else if !ok {
			exec.ConditionsPassed = false
			return e.finish(ctx, logger, exec, "suppressed", "cooldown: concurrent fire in progress")
		}
	}

	for _, a := range rule.Actions {
		exec.Actions = append(exec.Actions, e.runAction(ctx, logger, rule, a, entityType, entityID, snapshot))
	}
	return e.finish(ctx, logger, exec, "fired", "")
}

// claim is keyed by the fire count the evaluation read, so only evaluations
// racing on the same history collide. The claim is never released; the next
// legitimate fire sees a higher count and claims a fresh key.
func (e *Engine) claim(ctx context.Context, rule models.AutomationRule, entityType, entityID string, history models.FireHistory) (bool, error) {
	ttl := e.claimTTL
	if rule.Constraints.CooldownMinutes > 0 {
		ttl = time.Duration(rule.Constraints.CooldownMinutes) * time.Minute
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	key := fmt.Sprintf("%s:%s:%s:%s:%d", rule.Tenant, rule.ID, entityType, entityID, history.FireCount)
	return e.claimer.Claim(ctx, key, ttl)
}

func (e *Engine) runAction(ctx context.Context, logger kitlog.Logger, rule models.AutomationRule, a models.RuleAction, entityType, entityID string, snapshot map[string]any) (outcome models.ActionOutcome) {
	outcome = models.ActionOutcome{Type: a.Type}
	defer func() {
		if r := recover(); r != nil {
			level.Error(logger).Log("msg", "action panicked", "action", a.Type, "panic", r)
			outcome.Status = models.OutcomeFailed
			outcome.Detail = fmt.Sprintf("panic: %v", r)
		}
		telemetry.ActionOutcomes.WithLabelValues(outcome.Status).Inc()
	}()

	if a.DelayMinutes > 0 {
		if e.deferrer == nil {
			outcome.Status = models.OutcomeFailed
			outcome.Detail = "delayed actions are not enabled"
			return outcome
		}
		due, err := e.deferrer.Defer(ctx, rule.Tenant, entityType, entityID, a)
		if err != nil {
			outcome.Status = models.OutcomeFailed
			outcome.Detail = err.Error()
			return outcome
		}
		outcome.Status = models.OutcomeExecuted
		outcome.Detail = "deferred until " + due.UTC().Format(time.RFC3339)
		return outcome
	}

	res, err := e.dispatcher.Dispatch(ctx, dispatch.Request{
		Tenant:     rule.Tenant,
		ActionType: a.Type,
		Config:     a.Config,
		EntityType: entityType,
		EntityID:   entityID,
		Snapshot:   snapshot,
	})
	if err != nil {
		outcome.Status = models.OutcomeFailed
		outcome.Detail = err.Error()
		return outcome
	}
	outcome.Status = models.OutcomeExecuted
	outcome.Detail = res.Detail
	return outcome
}

func (e *Engine) finish(ctx context.Context, logger kitlog.Logger, exec models.AutomationExecution, outcome, reason string) (models.AutomationExecution, error) {
	if reason != "" {
		exec.SuppressionReason = &reason
	}
	if err := e.store.RecordExecution(ctx, exec); err != nil {
		return exec, fmt.Errorf("record execution: %w", err)
	}
	telemetry.RuleEvaluations.WithLabelValues(outcome).Inc()
	level.Debug(logger).Log("msg", "rule evaluated", "outcome", outcome, "reason", reason)
	return exec, nil
}
