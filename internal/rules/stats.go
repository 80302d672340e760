package rules

import (
	"context"
	"fmt"
	"sort"
	"time"

	"fieldflow/internal/models"
)

// ExecutionStats reduces the executions of tenant in [from, to) for dashboards.
func (e *Engine) ExecutionStats(ctx context.Context, tenant string, from, to time.Time) (models.ExecutionStats, error) {
	execs, err := e.store.ListExecutions(ctx, tenant, from, to)
	if err != nil {
		return models.ExecutionStats{}, fmt.Errorf("list executions: %w", err)
	}
	return Summarize(execs, from, to), nil
}

// Summarize groups executions by outcome and by rule. Each execution counts in
// exactly one of fired, condition_failed, suppressed or test_mode.
func Summarize(execs []models.AutomationExecution, from, to time.Time) models.ExecutionStats {
	stats := models.ExecutionStats{From: from, To: to, ByRule: []models.RuleStats{}}
	byRule := map[string]*models.RuleStats{}
	for _, ex := range execs {
		rs, ok := byRule[ex.RuleID]
		if !ok {
			rs = &models.RuleStats{RuleID: ex.RuleID}
			byRule[ex.RuleID] = rs
		}
		count(&stats.Totals, ex)
		count(&rs.OutcomeCounts, ex)
		for _, a := range ex.Actions {
			switch a.Status {
			case models.OutcomeExecuted:
				stats.Actions.Executed++
			case models.OutcomeSkipped:
				stats.Actions.Skipped++
			case models.OutcomeFailed:
				stats.Actions.Failed++
			}
		}
	}
	for _, rs := range byRule {
		stats.ByRule = append(stats.ByRule, *rs)
	}
	sort.Slice(stats.ByRule, func(i, j int) bool { return stats.ByRule[i].RuleID < stats.ByRule[j].RuleID })
	return stats
}

func count(c *models.OutcomeCounts, ex models.AutomationExecution) {
	c.Total++
	switch {
	case ex.Suppressed():
		c.Suppressed++
	case !ex.ConditionsPassed:
		c.ConditionFailed++
	case ex.TestMode:
		c.TestMode++
	default:
		c.Fired++
	}
}
