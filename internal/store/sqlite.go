package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"fieldflow/internal/models"
)

// sqliteTime is fixed width so text comparison orders like time comparison.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// SQLite persists everything in a single SQLite database file.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at path. Use ":memory:" for tests.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// in-memory databases are per connection
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	return &SQLite{db: db}, nil
}

// NewSQLiteFromDB wraps an already opened database.
func NewSQLiteFromDB(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema.
func (s *SQLite) Migrate(ctx context.Context) error {
	return runMigrations(ctx, sqliteMigrations, "migrations/sqlite", func(ctx context.Context, q string) error {
		_, err := s.db.ExecContext(ctx, q)
		return err
	})
}

// CreateJob inserts job and its initial history entry in one transaction.
func (s *SQLite) CreateJob(ctx context.Context, job models.Job, entry models.TransitionHistoryEntry) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO jobs (tenant, id, status, version, scheduled_date, estimate_id, invoice_id, close_reason, status_changed_at, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
			job.Tenant, job.ID, string(job.Status), job.Version, timePtrValue(job.ScheduledDate),
			nullString(job.EstimateID), nullString(job.InvoiceID), nullString(job.CloseReason),
			timeValue(job.StatusChangedAt), timeValue(job.CreatedAt), timeValue(job.UpdatedAt))
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		return appendHistorySQL(ctx, tx, entry)
	})
}

func (s *SQLite) LoadJob(ctx context.Context, tenant, id string) (models.Job, error) {
	var (
		job                                  models.Job
		status                               string
		scheduled, estimate, invoice, reason sql.NullString
		changed, created, updated            string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT tenant, id, status, version, scheduled_date, estimate_id, invoice_id, close_reason, status_changed_at, created_at, updated_at
FROM jobs WHERE tenant=? AND id=?`, tenant, id).Scan(&job.Tenant, &job.ID, &status, &job.Version,
		&scheduled, &estimate, &invoice, &reason, &changed, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("load job: %w", err)
	}
	job.Status = models.JobLifecycleState(status)
	job.EstimateID = estimate.String
	job.InvoiceID = invoice.String
	job.CloseReason = reason.String
	if job.ScheduledDate, err = parseNullTime(scheduled); err != nil {
		return models.Job{}, err
	}
	if job.StatusChangedAt, err = parseTime(changed); err != nil {
		return models.Job{}, err
	}
	if job.CreatedAt, err = parseTime(created); err != nil {
		return models.Job{}, err
	}
	if job.UpdatedAt, err = parseTime(updated); err != nil {
		return models.Job{}, err
	}
	return job, nil
}

// PersistTransition updates job if its version is still expectedVersion and
// appends entry, both or neither.
func (s *SQLite) PersistTransition(ctx context.Context, job models.Job, expectedVersion int, entry models.TransitionHistoryEntry) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE jobs SET status=?, version=?, scheduled_date=?, estimate_id=?, invoice_id=?, close_reason=?,
       status_changed_at=?, updated_at=?
WHERE tenant=? AND id=? AND version=?`,
			string(job.Status), job.Version, timePtrValue(job.ScheduledDate),
			nullString(job.EstimateID), nullString(job.InvoiceID), nullString(job.CloseReason),
			timeValue(job.StatusChangedAt), timeValue(job.UpdatedAt), job.Tenant, job.ID, expectedVersion)
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		if err := expectOneRow(res); err != nil {
			return err
		}
		return appendHistorySQL(ctx, tx, entry)
	})
}

func (s *SQLite) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func appendHistorySQL(ctx context.Context, db sqlExec, e models.TransitionHistoryEntry) error {
	md, err := marshalMetadata(e.Metadata)
	if err != nil {
		return err
	}
	var previous any
	if e.PreviousState != nil {
		previous = string(*e.PreviousState)
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO job_transition_history (id, tenant, job_id, previous_state, new_state, event, actor_id, actor_name, reason, metadata, recorded_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.Tenant, e.JobID, previous, string(e.NewState), e.Event,
		stringPtrValue(e.ActorID), stringPtrValue(e.ActorName), nullString(e.Reason), bytesValue(md), timeValue(e.RecordedAt))
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

func (s *SQLite) ListHistory(ctx context.Context, tenant, jobID string) ([]models.TransitionHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, historySelect+` WHERE tenant=? AND job_id=? ORDER BY recorded_at, rowid`, tenant, jobID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return scanHistoryRows(rows)
}

func (s *SQLite) ListHistoryBetween(ctx context.Context, from, to time.Time) ([]models.TransitionHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, historySelect+` WHERE recorded_at >= ? AND recorded_at < ? ORDER BY recorded_at, rowid`,
		timeValue(from), timeValue(to))
	if err != nil {
		return nil, fmt.Errorf("list history window: %w", err)
	}
	return scanHistoryRows(rows)
}

func scanHistoryRows(rows *sql.Rows) ([]models.TransitionHistoryEntry, error) {
	defer rows.Close()
	var out []models.TransitionHistoryEntry
	for rows.Next() {
		var (
			e                                    models.TransitionHistoryEntry
			newState, recorded                   string
			previous, actorID, actorName, reason sql.NullString
			md                                   sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Tenant, &e.JobID, &previous, &newState, &e.Event,
			&actorID, &actorName, &reason, &md, &recorded); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.NewState = models.JobLifecycleState(newState)
		if previous.Valid {
			st := models.JobLifecycleState(previous.String)
			e.PreviousState = &st
		}
		e.ActorID = stringPtr(actorID)
		e.ActorName = stringPtr(actorName)
		e.Reason = reason.String
		if md.Valid {
			if err := unmarshalMetadata([]byte(md.String), &e.Metadata); err != nil {
				return nil, err
			}
		}
		var err error
		if e.RecordedAt, err = parseTime(recorded); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) CreateRule(ctx context.Context, rule models.AutomationRule) error {
	return insertRuleSQL(ctx, s.db, rule)
}

type sqlExec interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRuleSQL(ctx context.Context, db sqlExec, rule models.AutomationRule) error {
	trigger, actions, constraints, err := marshalRule(rule)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO automation_rules (tenant, id, version, previous_version_id, name, active, test_mode, trigger_event,
       trigger_def, actions, constraints, effective_from, effective_to, created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rule.Tenant, rule.ID, rule.Version, stringPtrValue(rule.PreviousVersionID), rule.Name, rule.Active, rule.TestMode,
		rule.Trigger.Event, string(trigger), string(actions), string(constraints),
		timeValue(rule.EffectiveFrom), timePtrValue(rule.EffectiveTo), timeValue(rule.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

func (s *SQLite) GetRule(ctx context.Context, tenant, id string) (models.AutomationRule, error) {
	rows, err := s.db.QueryContext(ctx, ruleSelect+` WHERE tenant=? AND id=? AND effective_to IS NULL`, tenant, id)
	if err != nil {
		return models.AutomationRule{}, fmt.Errorf("get rule: %w", err)
	}
	list, err := scanRuleRows(rows)
	if err != nil {
		return models.AutomationRule{}, err
	}
	if len(list) == 0 {
		return models.AutomationRule{}, fmt.Errorf("rule %s: %w", id, models.ErrNotFound)
	}
	return list[0], nil
}

func (s *SQLite) ReplaceRule(ctx context.Context, current models.AutomationRule, closedAt time.Time, next models.AutomationRule) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
UPDATE automation_rules SET effective_to=?
WHERE tenant=? AND id=? AND version=? AND effective_to IS NULL`,
		timeValue(closedAt), current.Tenant, current.ID, current.Version)
	if err != nil {
		return fmt.Errorf("close rule version: %w", err)
	}
	if err := expectOneRow(res); err != nil {
		return err
	}
	if err := insertRuleSQL(ctx, tx, next); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rule version: %w", err)
	}
	return nil
}

func (s *SQLite) ListRules(ctx context.Context, tenant string, includeInactive bool) ([]models.AutomationRule, error) {
	rows, err := s.db.QueryContext(ctx, ruleSelect+`
WHERE tenant=? AND effective_to IS NULL AND (active = 1 OR ?)
ORDER BY name, id`, tenant, includeInactive)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return scanRuleRows(rows)
}

func (s *SQLite) RuleHistory(ctx context.Context, tenant, id string) ([]models.AutomationRule, error) {
	rows, err := s.db.QueryContext(ctx, ruleSelect+` WHERE tenant=? AND id=? ORDER BY version`, tenant, id)
	if err != nil {
		return nil, fmt.Errorf("rule history: %w", err)
	}
	return scanRuleRows(rows)
}

func (s *SQLite) ListActiveRules(ctx context.Context, tenant, event string) ([]models.AutomationRule, error) {
	rows, err := s.db.QueryContext(ctx, ruleSelect+`
WHERE tenant=? AND trigger_event=? AND active = 1 AND effective_to IS NULL
ORDER BY created_at, id`, tenant, event)
	if err != nil {
		return nil, fmt.Errorf("list active rules: %w", err)
	}
	return scanRuleRows(rows)
}

func scanRuleRows(rows *sql.Rows) ([]models.AutomationRule, error) {
	defer rows.Close()
	var out []models.AutomationRule
	for rows.Next() {
		var (
			r                             models.AutomationRule
			previous, effectiveTo         sql.NullString
			trigger, actions, constraints string
			effectiveFrom, created        string
		)
		if err := rows.Scan(&r.Tenant, &r.ID, &r.Version, &previous, &r.Name, &r.Active, &r.TestMode,
			&trigger, &actions, &constraints, &effectiveFrom, &effectiveTo, &created); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		r.PreviousVersionID = stringPtr(previous)
		if err := unmarshalRule(&r, []byte(trigger), []byte(actions), []byte(constraints)); err != nil {
			return nil, err
		}
		var err error
		if r.EffectiveFrom, err = parseTime(effectiveFrom); err != nil {
			return nil, err
		}
		if r.EffectiveTo, err = parseNullTime(effectiveTo); err != nil {
			return nil, err
		}
		if r.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) FireHistory(ctx context.Context, tenant, ruleID, entityType, entityID string) (models.FireHistory, error) {
	var (
		h    models.FireHistory
		last sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*), MAX(executed_at) FROM automation_executions
WHERE tenant=? AND rule_id=? AND entity_type=? AND entity_id=? AND conditions_passed = 1`,
		tenant, ruleID, entityType, entityID).Scan(&h.FireCount, &last)
	if err != nil {
		return models.FireHistory{}, fmt.Errorf("fire history: %w", err)
	}
	if h.LastFiredAt, err = parseNullTime(last); err != nil {
		return models.FireHistory{}, err
	}
	return h, nil
}

func (s *SQLite) RecordExecution(ctx context.Context, e models.AutomationExecution) error {
	actions, err := json.Marshal(nonNilOutcomes(e.Actions))
	if err != nil {
		return fmt.Errorf("marshal outcomes: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO automation_executions (id, tenant, rule_id, rule_version, entity_type, entity_id, trigger_event,
       conditions_passed, actions, suppression_reason, test_mode, executed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.Tenant, e.RuleID, e.RuleVersion, e.EntityType, e.EntityID, e.TriggerEvent,
		e.ConditionsPassed, string(actions), stringPtrValue(e.SuppressionReason), e.TestMode, timeValue(e.ExecutedAt))
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

func (s *SQLite) ListExecutions(ctx context.Context, tenant string, from, to time.Time) ([]models.AutomationExecution, error) {
	rows, err := s.db.QueryContext(ctx, executionSelect+`
WHERE tenant=? AND executed_at >= ? AND executed_at < ? ORDER BY executed_at, id`, tenant, timeValue(from), timeValue(to))
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return scanExecutionRows(rows)
}

func (s *SQLite) ListExecutionsBetween(ctx context.Context, from, to time.Time) ([]models.AutomationExecution, error) {
	rows, err := s.db.QueryContext(ctx, executionSelect+`
WHERE executed_at >= ? AND executed_at < ? ORDER BY executed_at, id`, timeValue(from), timeValue(to))
	if err != nil {
		return nil, fmt.Errorf("list executions window: %w", err)
	}
	return scanExecutionRows(rows)
}

func scanExecutionRows(rows *sql.Rows) ([]models.AutomationExecution, error) {
	defer rows.Close()
	var out []models.AutomationExecution
	for rows.Next() {
		var (
			e                 models.AutomationExecution
			actions, executed string
			reason            sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Tenant, &e.RuleID, &e.RuleVersion, &e.EntityType, &e.EntityID, &e.TriggerEvent,
			&e.ConditionsPassed, &actions, &reason, &e.TestMode, &executed); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		if err := json.Unmarshal([]byte(actions), &e.Actions); err != nil {
			return nil, fmt.Errorf("unmarshal outcomes: %w", err)
		}
		e.SuppressionReason = stringPtr(reason)
		var err error
		if e.ExecutedAt, err = parseTime(executed); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) CreateSequence(ctx context.Context, seq models.FollowUpSequence) error {
	steps, err := marshalSteps(seq.Steps)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO follow_up_sequences (id, tenant, lead_id, status, current_step, steps, next_step_at, attempts, last_error,
       started_at, paused_at, completed_at, cancelled_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		seq.ID, seq.Tenant, seq.LeadID, seq.Status, seq.CurrentStep, string(steps), timePtrValue(seq.NextStepAt),
		seq.Attempts, stringPtrValue(seq.LastError), timeValue(seq.StartedAt), timePtrValue(seq.PausedAt),
		timePtrValue(seq.CompletedAt), timePtrValue(seq.CancelledAt), timeValue(seq.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert sequence: %w", err)
	}
	return nil
}

func (s *SQLite) GetSequence(ctx context.Context, tenant, id string) (models.FollowUpSequence, error) {
	rows, err := s.db.QueryContext(ctx, sequenceSelect+` WHERE tenant=? AND id=?`, tenant, id)
	if err != nil {
		return models.FollowUpSequence{}, fmt.Errorf("get sequence: %w", err)
	}
	list, err := scanSequenceRows(rows)
	if err != nil {
		return models.FollowUpSequence{}, err
	}
	if len(list) == 0 {
		return models.FollowUpSequence{}, fmt.Errorf("sequence %s: %w", id, models.ErrNotFound)
	}
	return list[0], nil
}

func (s *SQLite) ListSequencesForLead(ctx context.Context, tenant, leadID string) ([]models.FollowUpSequence, error) {
	rows, err := s.db.QueryContext(ctx, sequenceSelect+` WHERE tenant=? AND lead_id=? ORDER BY started_at DESC, id`, tenant, leadID)
	if err != nil {
		return nil, fmt.Errorf("list sequences: %w", err)
	}
	return scanSequenceRows(rows)
}

func (s *SQLite) UpdateSequence(ctx context.Context, seq models.FollowUpSequence, expectedStatus string) error {
	steps, err := marshalSteps(seq.Steps)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE follow_up_sequences SET status=?, current_step=?, steps=?, next_step_at=?, attempts=?, last_error=?,
       paused_at=?, completed_at=?, cancelled_at=?, updated_at=?
WHERE tenant=? AND id=? AND status=?`,
		seq.Status, seq.CurrentStep, string(steps), timePtrValue(seq.NextStepAt), seq.Attempts, stringPtrValue(seq.LastError),
		timePtrValue(seq.PausedAt), timePtrValue(seq.CompletedAt), timePtrValue(seq.CancelledAt), timeValue(seq.UpdatedAt),
		seq.Tenant, seq.ID, expectedStatus)
	if err != nil {
		return fmt.Errorf("update sequence: %w", err)
	}
	return expectOneRow(res)
}

func (s *SQLite) ListDueSequences(ctx context.Context, now time.Time, after *models.DueCursor, limit int) ([]models.FollowUpSequence, error) {
	query := sequenceSelect + ` WHERE status='active' AND next_step_at <= ?`
	args := []any{timeValue(now)}
	if after != nil {
		query += ` AND (next_step_at > ? OR (next_step_at = ? AND id > ?))`
		at := timeValue(after.At)
		args = append(args, at, at, after.ID)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY next_step_at, id LIMIT ?`, append(args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("list due sequences: %w", err)
	}
	return scanSequenceRows(rows)
}

func (s *SQLite) ClaimSequence(ctx context.Context, tenant, id string, step int, dueAt, until time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE follow_up_sequences SET next_step_at=?
WHERE tenant=? AND id=? AND status='active' AND current_step=? AND next_step_at=?`,
		timeValue(until), tenant, id, step, timeValue(dueAt))
	if err != nil {
		return false, fmt.Errorf("claim sequence: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim sequence: %w", err)
	}
	return n == 1, nil
}

func scanSequenceRows(rows *sql.Rows) ([]models.FollowUpSequence, error) {
	defer rows.Close()
	var out []models.FollowUpSequence
	for rows.Next() {
		var (
			seq                                    models.FollowUpSequence
			steps, started, updated                string
			next, lastErr, paused, done, cancelled sql.NullString
		)
		if err := rows.Scan(&seq.ID, &seq.Tenant, &seq.LeadID, &seq.Status, &seq.CurrentStep, &steps, &next,
			&seq.Attempts, &lastErr, &started, &paused, &done, &cancelled, &updated); err != nil {
			return nil, fmt.Errorf("scan sequence: %w", err)
		}
		if err := json.Unmarshal([]byte(steps), &seq.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal steps: %w", err)
		}
		seq.LastError = stringPtr(lastErr)
		var err error
		if seq.NextStepAt, err = parseNullTime(next); err != nil {
			return nil, err
		}
		if seq.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if seq.PausedAt, err = parseNullTime(paused); err != nil {
			return nil, err
		}
		if seq.CompletedAt, err = parseNullTime(done); err != nil {
			return nil, err
		}
		if seq.CancelledAt, err = parseNullTime(cancelled); err != nil {
			return nil, err
		}
		if seq.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		out = append(out, seq)
	}
	return out, rows.Err()
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return models.ErrVersionConflict
	}
	return nil
}

func timeValue(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func timePtrValue(t *time.Time) any {
	if t == nil {
		return nil
	}
	return timeValue(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTime, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func stringPtrValue(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func bytesValue(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
