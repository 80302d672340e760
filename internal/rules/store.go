package rules

import (
	"context"
	"time"

	"fieldflow/internal/models"
)

// ExecutionStore is what the engine reads rules from and writes its audit log to.
type ExecutionStore interface {
	// ListActiveRules returns the current version of every active rule of tenant
	// triggered by event.
	ListActiveRules(ctx context.Context, tenant, event string) ([]models.AutomationRule, error)
	// FireHistory summarizes the passing executions of a rule lineage for one entity.
	FireHistory(ctx context.Context, tenant, ruleID, entityType, entityID string) (models.FireHistory, error)
	RecordExecution(ctx context.Context, exec models.AutomationExecution) error
	ListExecutions(ctx context.Context, tenant string, from, to time.Time) ([]models.AutomationExecution, error)
}

// RuleStore persists versioned rules.
type RuleStore interface {
	CreateRule(ctx context.Context, rule models.AutomationRule) error
	// GetRule returns the current version of a rule.
	GetRule(ctx context.Context, tenant, id string) (models.AutomationRule, error)
	// ReplaceRule closes current at closedAt and inserts next in one transaction.
	// It returns models.ErrVersionConflict when current is no longer the latest.
	ReplaceRule(ctx context.Context, current models.AutomationRule, closedAt time.Time, next models.AutomationRule) error
	// ListRules returns current versions, active ones only unless includeInactive.
	ListRules(ctx context.Context, tenant string, includeInactive bool) ([]models.AutomationRule, error)
	// RuleHistory returns every version of a rule, oldest first.
	RuleHistory(ctx context.Context, tenant, id string) ([]models.AutomationRule, error)
}
