package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"fieldflow/internal/models"
)

// Postgres wraps pgxpool for Postgres persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Migrate applies the embedded schema.
func (s *Postgres) Migrate(ctx context.Context) error {
	return runMigrations(ctx, postgresMigrations, "migrations/postgres", func(ctx context.Context, sql string) error {
		_, err := s.pool.Exec(ctx, sql)
		return err
	})
}

// CreateJob inserts job and its initial history entry in one transaction.
func (s *Postgres) CreateJob(ctx context.Context, job models.Job, entry models.TransitionHistoryEntry) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
INSERT INTO jobs (tenant, id, status, version, scheduled_date, estimate_id, invoice_id, close_reason, status_changed_at, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			job.Tenant, job.ID, job.Status, job.Version, job.ScheduledDate,
			textPtr(job.EstimateID), textPtr(job.InvoiceID), textPtr(job.CloseReason),
			job.StatusChangedAt, job.CreatedAt, job.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		return appendHistoryPG(ctx, tx, entry)
	})
}

// LoadJob fetches one job of tenant.
func (s *Postgres) LoadJob(ctx context.Context, tenant, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
SELECT tenant, id, status, version, scheduled_date, estimate_id, invoice_id, close_reason, status_changed_at, created_at, updated_at
FROM jobs WHERE tenant=$1 AND id=$2`, tenant, id)
	var (
		job                          models.Job
		estimate, invoice, closeNote pgtype.Text
	)
	err := row.Scan(&job.Tenant, &job.ID, &job.Status, &job.Version, &job.ScheduledDate,
		&estimate, &invoice, &closeNote, &job.StatusChangedAt, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("load job: %w", err)
	}
	job.EstimateID = estimate.String
	job.InvoiceID = invoice.String
	job.CloseReason = closeNote.String
	return job, nil
}

// PersistTransition updates the job if its version is still expectedVersion and
// appends entry in the same transaction.
func (s *Postgres) PersistTransition(ctx context.Context, job models.Job, expectedVersion int, entry models.TransitionHistoryEntry) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
UPDATE jobs SET status=$3, version=$4, scheduled_date=$5, estimate_id=$6, invoice_id=$7, close_reason=$8,
       status_changed_at=$9, updated_at=$10
WHERE tenant=$1 AND id=$2 AND version=$11`,
			job.Tenant, job.ID, job.Status, job.Version, job.ScheduledDate,
			textPtr(job.EstimateID), textPtr(job.InvoiceID), textPtr(job.CloseReason),
			job.StatusChangedAt, job.UpdatedAt, expectedVersion)
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return models.ErrVersionConflict
		}
		return appendHistoryPG(ctx, tx, entry)
	})
}

func appendHistoryPG(ctx context.Context, db pgExec, e models.TransitionHistoryEntry) error {
	md, err := marshalMetadata(e.Metadata)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, `
INSERT INTO job_transition_history (id, tenant, job_id, previous_state, new_state, event, actor_id, actor_name, reason, metadata, recorded_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		e.ID, e.Tenant, e.JobID, statePtr(e.PreviousState), e.NewState, e.Event,
		e.ActorID, e.ActorName, textPtr(e.Reason), md, e.RecordedAt)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

// ListHistory returns the entries of a job, oldest first.
func (s *Postgres) ListHistory(ctx context.Context, tenant, jobID string) ([]models.TransitionHistoryEntry, error) {
	rows, err := s.pool.Query(ctx, historySelect+` WHERE tenant=$1 AND job_id=$2 ORDER BY recorded_at, seq`, tenant, jobID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return collectHistory(rows)
}

// ListHistoryBetween returns entries of every tenant recorded in [from, to).
func (s *Postgres) ListHistoryBetween(ctx context.Context, from, to time.Time) ([]models.TransitionHistoryEntry, error) {
	rows, err := s.pool.Query(ctx, historySelect+` WHERE recorded_at >= $1 AND recorded_at < $2 ORDER BY recorded_at, seq`, from, to)
	if err != nil {
		return nil, fmt.Errorf("list history window: %w", err)
	}
	return collectHistory(rows)
}

const historySelect = `
SELECT id, tenant, job_id, previous_state, new_state, event, actor_id, actor_name, reason, metadata, recorded_at
FROM job_transition_history`

func collectHistory(rows pgx.Rows) ([]models.TransitionHistoryEntry, error) {
	defer rows.Close()
	var out []models.TransitionHistoryEntry
	for rows.Next() {
		var (
			e        models.TransitionHistoryEntry
			previous pgtype.Text
			reason   pgtype.Text
			md       []byte
		)
		if err := rows.Scan(&e.ID, &e.Tenant, &e.JobID, &previous, &e.NewState, &e.Event,
			&e.ActorID, &e.ActorName, &reason, &md, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if previous.Valid {
			st := models.JobLifecycleState(previous.String)
			e.PreviousState = &st
		}
		e.Reason = reason.String
		if err := unmarshalMetadata(md, &e.Metadata); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CreateRule inserts the first version of a rule.
func (s *Postgres) CreateRule(ctx context.Context, rule models.AutomationRule) error {
	return insertRulePG(ctx, s.pool, rule)
}

type pgExec interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertRulePG(ctx context.Context, db pgExec, rule models.AutomationRule) error {
	trigger, actions, constraints, err := marshalRule(rule)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, `
INSERT INTO automation_rules (tenant, id, version, previous_version_id, name, active, test_mode, trigger_event,
       trigger_def, actions, constraints, effective_from, effective_to, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		rule.Tenant, rule.ID, rule.Version, rule.PreviousVersionID, rule.Name, rule.Active, rule.TestMode,
		rule.Trigger.Event, trigger, actions, constraints, rule.EffectiveFrom, rule.EffectiveTo, rule.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

// GetRule returns the current version of a rule.
func (s *Postgres) GetRule(ctx context.Context, tenant, id string) (models.AutomationRule, error) {
	rows, err := s.pool.Query(ctx, ruleSelect+` WHERE tenant=$1 AND id=$2 AND effective_to IS NULL`, tenant, id)
	if err != nil {
		return models.AutomationRule{}, fmt.Errorf("get rule: %w", err)
	}
	list, err := collectRules(rows)
	if err != nil {
		return models.AutomationRule{}, err
	}
	if len(list) == 0 {
		return models.AutomationRule{}, fmt.Errorf("rule %s: %w", id, models.ErrNotFound)
	}
	return list[0], nil
}

// ReplaceRule closes current and inserts next in one transaction.
func (s *Postgres) ReplaceRule(ctx context.Context, current models.AutomationRule, closedAt time.Time, next models.AutomationRule) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	tag, err := tx.Exec(ctx, `
UPDATE automation_rules SET effective_to=$4
WHERE tenant=$1 AND id=$2 AND version=$3 AND effective_to IS NULL`,
		current.Tenant, current.ID, current.Version, closedAt)
	if err != nil {
		return fmt.Errorf("close rule version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrVersionConflict
	}
	if err := insertRulePG(ctx, tx, next); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit rule version: %w", err)
	}
	return nil
}

// ListRules returns current rule versions of tenant ordered by name.
func (s *Postgres) ListRules(ctx context.Context, tenant string, includeInactive bool) ([]models.AutomationRule, error) {
	rows, err := s.pool.Query(ctx, ruleSelect+`
WHERE tenant=$1 AND effective_to IS NULL AND (active OR $2)
ORDER BY name, id`, tenant, includeInactive)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return collectRules(rows)
}

// RuleHistory returns every version of a rule, oldest first.
func (s *Postgres) RuleHistory(ctx context.Context, tenant, id string) ([]models.AutomationRule, error) {
	rows, err := s.pool.Query(ctx, ruleSelect+` WHERE tenant=$1 AND id=$2 ORDER BY version`, tenant, id)
	if err != nil {
		return nil, fmt.Errorf("rule history: %w", err)
	}
	return collectRules(rows)
}

// ListActiveRules returns the current active rules of tenant for event.
func (s *Postgres) ListActiveRules(ctx context.Context, tenant, event string) ([]models.AutomationRule, error) {
	rows, err := s.pool.Query(ctx, ruleSelect+`
WHERE tenant=$1 AND trigger_event=$2 AND active AND effective_to IS NULL
ORDER BY created_at, id`, tenant, event)
	if err != nil {
		return nil, fmt.Errorf("list active rules: %w", err)
	}
	return collectRules(rows)
}

const ruleSelect = `
SELECT tenant, id, version, previous_version_id, name, active, test_mode, trigger_def, actions, constraints,
       effective_from, effective_to, created_at
FROM automation_rules`

func collectRules(rows pgx.Rows) ([]models.AutomationRule, error) {
	defer rows.Close()
	var out []models.AutomationRule
	for rows.Next() {
		var (
			r                             models.AutomationRule
			trigger, actions, constraints []byte
		)
		if err := rows.Scan(&r.Tenant, &r.ID, &r.Version, &r.PreviousVersionID, &r.Name, &r.Active, &r.TestMode,
			&trigger, &actions, &constraints, &r.EffectiveFrom, &r.EffectiveTo, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		if err := unmarshalRule(&r, trigger, actions, constraints); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FireHistory counts passing executions of a rule lineage for one entity.
func (s *Postgres) FireHistory(ctx context.Context, tenant, ruleID, entityType, entityID string) (models.FireHistory, error) {
	var h models.FireHistory
	err := s.pool.QueryRow(ctx, `
SELECT COUNT(*), MAX(executed_at) FROM automation_executions
WHERE tenant=$1 AND rule_id=$2 AND entity_type=$3 AND entity_id=$4 AND conditions_passed`,
		tenant, ruleID, entityType, entityID).Scan(&h.FireCount, &h.LastFiredAt)
	if err != nil {
		return models.FireHistory{}, fmt.Errorf("fire history: %w", err)
	}
	return h, nil
}

// RecordExecution appends one audit row.
func (s *Postgres) RecordExecution(ctx context.Context, e models.AutomationExecution) error {
	actions, err := json.Marshal(nonNilOutcomes(e.Actions))
	if err != nil {
		return fmt.Errorf("marshal outcomes: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO automation_executions (id, tenant, rule_id, rule_version, entity_type, entity_id, trigger_event,
       conditions_passed, actions, suppression_reason, test_mode, executed_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		e.ID, e.Tenant, e.RuleID, e.RuleVersion, e.EntityType, e.EntityID, e.TriggerEvent,
		e.ConditionsPassed, actions, e.SuppressionReason, e.TestMode, e.ExecutedAt)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// ListExecutions returns executions of tenant in [from, to).
func (s *Postgres) ListExecutions(ctx context.Context, tenant string, from, to time.Time) ([]models.AutomationExecution, error) {
	rows, err := s.pool.Query(ctx, executionSelect+`
WHERE tenant=$1 AND executed_at >= $2 AND executed_at < $3 ORDER BY executed_at, id`, tenant, from, to)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return collectExecutions(rows)
}

// ListExecutionsBetween returns executions of every tenant in [from, to).
func (s *Postgres) ListExecutionsBetween(ctx context.Context, from, to time.Time) ([]models.AutomationExecution, error) {
	rows, err := s.pool.Query(ctx, executionSelect+`
WHERE executed_at >= $1 AND executed_at < $2 ORDER BY executed_at, id`, from, to)
	if err != nil {
		return nil, fmt.Errorf("list executions window: %w", err)
	}
	return collectExecutions(rows)
}

const executionSelect = `
SELECT id, tenant, rule_id, rule_version, entity_type, entity_id, trigger_event, conditions_passed, actions,
       suppression_reason, test_mode, executed_at
FROM automation_executions`

func collectExecutions(rows pgx.Rows) ([]models.AutomationExecution, error) {
	defer rows.Close()
	var out []models.AutomationExecution
	for rows.Next() {
		var (
			e       models.AutomationExecution
			actions []byte
		)
		if err := rows.Scan(&e.ID, &e.Tenant, &e.RuleID, &e.RuleVersion, &e.EntityType, &e.EntityID, &e.TriggerEvent,
			&e.ConditionsPassed, &actions, &e.SuppressionReason, &e.TestMode, &e.ExecutedAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		if err := json.Unmarshal(actions, &e.Actions); err != nil {
			return nil, fmt.Errorf("unmarshal outcomes: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CreateSequence inserts a new follow-up sequence.
func (s *Postgres) CreateSequence(ctx context.Context, seq models.FollowUpSequence) error {
	steps, err := marshalSteps(seq.Steps)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO follow_up_sequences (id, tenant, lead_id, status, current_step, steps, next_step_at, attempts, last_error,
       started_at, paused_at, completed_at, cancelled_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		seq.ID, seq.Tenant, seq.LeadID, seq.Status, seq.CurrentStep, steps, seq.NextStepAt, seq.Attempts, seq.LastError,
		seq.StartedAt, seq.PausedAt, seq.CompletedAt, seq.CancelledAt, seq.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert sequence: %w", err)
	}
	return nil
}

// GetSequence fetches one sequence of tenant.
func (s *Postgres) GetSequence(ctx context.Context, tenant, id string) (models.FollowUpSequence, error) {
	rows, err := s.pool.Query(ctx, sequenceSelect+` WHERE tenant=$1 AND id=$2`, tenant, id)
	if err != nil {
		return models.FollowUpSequence{}, fmt.Errorf("get sequence: %w", err)
	}
	list, err := collectSequences(rows)
	if err != nil {
		return models.FollowUpSequence{}, err
	}
	if len(list) == 0 {
		return models.FollowUpSequence{}, fmt.Errorf("sequence %s: %w", id, models.ErrNotFound)
	}
	return list[0], nil
}

// ListSequencesForLead returns the sequences of a lead, newest first.
func (s *Postgres) ListSequencesForLead(ctx context.Context, tenant, leadID string) ([]models.FollowUpSequence, error) {
	rows, err := s.pool.Query(ctx, sequenceSelect+` WHERE tenant=$1 AND lead_id=$2 ORDER BY started_at DESC, id`, tenant, leadID)
	if err != nil {
		return nil, fmt.Errorf("list sequences: %w", err)
	}
	return collectSequences(rows)
}

// UpdateSequence writes seq while the row still has expectedStatus.
func (s *Postgres) UpdateSequence(ctx context.Context, seq models.FollowUpSequence, expectedStatus string) error {
	steps, err := marshalSteps(seq.Steps)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE follow_up_sequences SET status=$3, current_step=$4, steps=$5, next_step_at=$6, attempts=$7, last_error=$8,
       paused_at=$9, completed_at=$10, cancelled_at=$11, updated_at=$12
WHERE tenant=$1 AND id=$2 AND status=$13`,
		seq.Tenant, seq.ID, seq.Status, seq.CurrentStep, steps, seq.NextStepAt, seq.Attempts, seq.LastError,
		seq.PausedAt, seq.CompletedAt, seq.CancelledAt, seq.UpdatedAt, expectedStatus)
	if err != nil {
		return fmt.Errorf("update sequence: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrVersionConflict
	}
	return nil
}

// ListDueSequences returns active sequences due at now across tenants.
func (s *Postgres) ListDueSequences(ctx context.Context, now time.Time, after *models.DueCursor, limit int) ([]models.FollowUpSequence, error) {
	if after == nil {
		after = &models.DueCursor{At: time.Time{}}
	}
	rows, err := s.pool.Query(ctx, sequenceSelect+`
WHERE status='active' AND next_step_at <= $1 AND (next_step_at, id) > ($2, $3)
ORDER BY next_step_at, id LIMIT $4`, now, after.At, after.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("list due sequences: %w", err)
	}
	return collectSequences(rows)
}

// ClaimSequence pushes next_step_at from dueAt to until if nobody else has.
func (s *Postgres) ClaimSequence(ctx context.Context, tenant, id string, step int, dueAt, until time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE follow_up_sequences SET next_step_at=$5
WHERE tenant=$1 AND id=$2 AND status='active' AND current_step=$3 AND next_step_at=$4`,
		tenant, id, step, dueAt, until)
	if err != nil {
		return false, fmt.Errorf("claim sequence: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

const sequenceSelect = `
SELECT id, tenant, lead_id, status, current_step, steps, next_step_at, attempts, last_error,
       started_at, paused_at, completed_at, cancelled_at, updated_at
FROM follow_up_sequences`

func collectSequences(rows pgx.Rows) ([]models.FollowUpSequence, error) {
	defer rows.Close()
	var out []models.FollowUpSequence
	for rows.Next() {
		var (
			seq   models.FollowUpSequence
			steps []byte
		)
		if err := rows.Scan(&seq.ID, &seq.Tenant, &seq.LeadID, &seq.Status, &seq.CurrentStep, &steps, &seq.NextStepAt,
			&seq.Attempts, &seq.LastError, &seq.StartedAt, &seq.PausedAt, &seq.CompletedAt, &seq.CancelledAt,
			&seq.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan sequence: %w", err)
		}
		if err := json.Unmarshal(steps, &seq.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal steps: %w", err)
		}
		out = append(out, seq)
	}
	return out, rows.Err()
}

func textPtr(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: s, Valid: true}
}

func statePtr(s *models.JobLifecycleState) pgtype.Text {
	if s == nil {
		return pgtype.Text{}
	}
	return textPtr(string(*s))
}
