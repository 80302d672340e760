// Package store persists jobs, transition history, automation rules, executions
// and follow-up sequences in Postgres or SQLite.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fieldflow/internal/config"
	"fieldflow/internal/models"
)

// Drivers selectable through STORE_DRIVER.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Repository is the full persistence surface shared by both backends.
type Repository interface {
	CreateJob(ctx context.Context, job models.Job, entry models.TransitionHistoryEntry) error
	LoadJob(ctx context.Context, tenant, id string) (models.Job, error)
	PersistTransition(ctx context.Context, job models.Job, expectedVersion int, entry models.TransitionHistoryEntry) error

	ListHistory(ctx context.Context, tenant, jobID string) ([]models.TransitionHistoryEntry, error)
	ListHistoryBetween(ctx context.Context, from, to time.Time) ([]models.TransitionHistoryEntry, error)

	CreateRule(ctx context.Context, rule models.AutomationRule) error
	GetRule(ctx context.Context, tenant, id string) (models.AutomationRule, error)
	ReplaceRule(ctx context.Context, current models.AutomationRule, closedAt time.Time, next models.AutomationRule) error
	ListRules(ctx context.Context, tenant string, includeInactive bool) ([]models.AutomationRule, error)
	RuleHistory(ctx context.Context, tenant, id string) ([]models.AutomationRule, error)
	ListActiveRules(ctx context.Context, tenant, event string) ([]models.AutomationRule, error)

	FireHistory(ctx context.Context, tenant, ruleID, entityType, entityID string) (models.FireHistory, error)
	RecordExecution(ctx context.Context, exec models.AutomationExecution) error
	ListExecutions(ctx context.Context, tenant string, from, to time.Time) ([]models.AutomationExecution, error)
	ListExecutionsBetween(ctx context.Context, from, to time.Time) ([]models.AutomationExecution, error)

	CreateSequence(ctx context.Context, seq models.FollowUpSequence) error
	GetSequence(ctx context.Context, tenant, id string) (models.FollowUpSequence, error)
	ListSequencesForLead(ctx context.Context, tenant, leadID string) ([]models.FollowUpSequence, error)
	UpdateSequence(ctx context.Context, seq models.FollowUpSequence, expectedStatus string) error
	ListDueSequences(ctx context.Context, now time.Time, after *models.DueCursor, limit int) ([]models.FollowUpSequence, error)
	ClaimSequence(ctx context.Context, tenant, id string, step int, dueAt, until time.Time) (bool, error)

	Migrate(ctx context.Context) error
	Close() error
}

// Open connects the backend selected by cfg.StoreDriver and applies migrations.
func Open(ctx context.Context, cfg config.Config) (Repository, error) {
	var (
		repo Repository
		err  error
	)
	switch cfg.StoreDriver {
	case DriverPostgres, "":
		repo, err = NewPostgres(ctx, cfg.PostgresDSN)
	case DriverSQLite:
		repo, err = NewSQLite(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	if err != nil {
		return nil, err
	}
	if err := repo.Migrate(ctx); err != nil {
		_ = repo.Close()
		return nil, err
	}
	return repo, nil
}

func marshalMetadata(md map[string]any) ([]byte, error) {
	if len(md) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return b, nil
}

func unmarshalMetadata(b []byte, md *map[string]any) error {
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, md); err != nil {
		return fmt.Errorf("unmarshal metadata: %w", err)
	}
	return nil
}

func marshalRule(r models.AutomationRule) (trigger, actions, constraints []byte, err error) {
	if trigger, err = json.Marshal(r.Trigger); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal trigger: %w", err)
	}
	list := r.Actions
	if list == nil {
		list = []models.RuleAction{}
	}
	if actions, err = json.Marshal(list); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal actions: %w", err)
	}
	if constraints, err = json.Marshal(r.Constraints); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal constraints: %w", err)
	}
	return trigger, actions, constraints, nil
}

func unmarshalRule(r *models.AutomationRule, trigger, actions, constraints []byte) error {
	if err := json.Unmarshal(trigger, &r.Trigger); err != nil {
		return fmt.Errorf("unmarshal trigger: %w", err)
	}
	if err := json.Unmarshal(actions, &r.Actions); err != nil {
		return fmt.Errorf("unmarshal actions: %w", err)
	}
	if err := json.Unmarshal(constraints, &r.Constraints); err != nil {
		return fmt.Errorf("unmarshal constraints: %w", err)
	}
	return nil
}

func marshalSteps(steps []models.SequenceStep) ([]byte, error) {
	if steps == nil {
		steps = []models.SequenceStep{}
	}
	b, err := json.Marshal(steps)
	if err != nil {
		return nil, fmt.Errorf("marshal steps: %w", err)
	}
	return b, nil
}

func nonNilOutcomes(list []models.ActionOutcome) []models.ActionOutcome {
	if list == nil {
		return []models.ActionOutcome{}
	}
	return list
}
