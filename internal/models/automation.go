package models

import (
	"fmt"
	"time"
)

// Condition operators understood by the condition evaluator.
const (
	OpEq       = "eq"
	OpNeq      = "neq"
	OpGt       = "gt"
	OpGte      = "gte"
	OpLt       = "lt"
	OpLte      = "lte"
	OpContains = "contains"
	OpIn       = "in"
	OpExists   = "exists"
)

// KnownOperators lists the supported condition operators.
var KnownOperators = []string{OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpContains, OpIn, OpExists}

// Action outcome statuses recorded on an execution.
const (
	OutcomeExecuted = "executed"
	OutcomeSkipped  = "skipped"
	OutcomeFailed   = "failed"
)

// Condition is a single (field, operator, value) predicate.
type Condition struct {
	Field    string `json:"field" yaml:"field"`
	Operator string `json:"operator" yaml:"operator"`
	Value    any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// Trigger selects the event a rule reacts to and the conditions that must all hold.
type Trigger struct {
	Event      string      `json:"event" yaml:"event"`
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// RuleAction is one step a rule performs when it fires.
type RuleAction struct {
	Type         string         `json:"type" yaml:"type"`
	Config       map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	DelayMinutes int            `json:"delay_minutes,omitempty" yaml:"delay_minutes,omitempty"`
}

// QuietHours is a local HH:mm window that may wrap midnight.
type QuietHours struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
}

// RuleConstraints are the optional suppression settings of a rule.
type RuleConstraints struct {
	CooldownMinutes   int         `json:"cooldown_minutes,omitempty" yaml:"cooldown_minutes,omitempty"`
	MaxFiresPerEntity int         `json:"max_fires_per_entity,omitempty" yaml:"max_fires_per_entity,omitempty"`
	QuietHours        *QuietHours `json:"quiet_hours,omitempty" yaml:"quiet_hours,omitempty"`
	BusinessDaysOnly  bool        `json:"business_days_only,omitempty" yaml:"business_days_only,omitempty"`
	Timezone          string      `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// AutomationRule is one version of a tenant's automation rule. ID is stable across
// versions; edits close the current version and insert Version+1.
type AutomationRule struct {
	ID                string          `json:"id"`
	Version           int             `json:"version"`
	PreviousVersionID *string         `json:"previous_version_id,omitempty"`
	Tenant            string          `json:"tenant"`
	Name              string          `json:"name"`
	Active            bool            `json:"active"`
	TestMode          bool            `json:"test_mode"`
	Trigger           Trigger         `json:"trigger"`
	Actions           []RuleAction    `json:"actions"`
	Constraints       RuleConstraints `json:"constraints"`
	EffectiveFrom     time.Time       `json:"effective_from"`
	EffectiveTo       *time.Time      `json:"effective_to,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// VersionKey identifies a specific rule version row.
func (r AutomationRule) VersionKey() string {
	return VersionKey(r.ID, r.Version)
}

// VersionKey formats the identifier of one rule version.
func VersionKey(ruleID string, version int) string {
	return fmt.Sprintf("%s@v%d", ruleID, version)
}

// ActionOutcome records what happened to one action of a rule evaluation.
type ActionOutcome struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// AutomationExecution is the audit row written for every rule evaluation.
type AutomationExecution struct {
	ID                string          `json:"id"`
	Tenant            string          `json:"tenant"`
	RuleID            string          `json:"rule_id"`
	RuleVersion       int             `json:"rule_version"`
	EntityType        string          `json:"entity_type"`
	EntityID          string          `json:"entity_id"`
	TriggerEvent      string          `json:"trigger_event"`
	ConditionsPassed  bool            `json:"conditions_passed"`
	Actions           []ActionOutcome `json:"actions"`
	SuppressionReason *string         `json:"suppression_reason,omitempty"`
	TestMode          bool            `json:"test_mode"`
	ExecutedAt        time.Time       `json:"executed_at"`
}

// Suppressed reports whether the evaluation was stopped by a suppression policy.
func (e AutomationExecution) Suppressed() bool {
	return e.SuppressionReason != nil
}

// FireHistory summarizes passing executions of a rule for one entity.
type FireHistory struct {
	LastFiredAt *time.Time
	FireCount   int
}

// OutcomeCounts groups evaluation results.
type OutcomeCounts struct {
	Total           int `json:"total"`
	Fired           int `json:"fired"`
	ConditionFailed int `json:"condition_failed"`
	Suppressed      int `json:"suppressed"`
	TestMode        int `json:"test_mode"`
}

// ActionCounts groups per-action outcomes.
type ActionCounts struct {
	Executed int `json:"executed"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// RuleStats is the per-rule breakdown inside ExecutionStats.
type RuleStats struct {
	RuleID string `json:"rule_id"`
	OutcomeCounts
}

// ExecutionStats aggregates executions inside a time window.
type ExecutionStats struct {
	From    time.Time     `json:"from"`
	To      time.Time     `json:"to"`
	Totals  OutcomeCounts `json:"totals"`
	Actions ActionCounts  `json:"actions"`
	ByRule  []RuleStats   `json:"by_rule"`
}
