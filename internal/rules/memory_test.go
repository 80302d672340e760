package rules

import (
	"context"
	"sort"
	"sync"
	"time"

	"fieldflow/internal/models"
)

// memoryStore is an in-process ExecutionStore and RuleStore for tests.
type memoryStore struct {
	mu       sync.Mutex
	versions []models.AutomationRule
	execs    []models.AutomationExecution
	// blindHistory hides prior executions, as two racing evaluations would see.
	blindHistory bool
}

func (m *memoryStore) ListActiveRules(_ context.Context, tenant, event string) ([]models.AutomationRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AutomationRule
	for _, r := range m.versions {
		if r.Tenant == tenant && r.Active && r.EffectiveTo == nil && r.Trigger.Event == event {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memoryStore) FireHistory(_ context.Context, tenant, ruleID, entityType, entityID string) (models.FireHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var h models.FireHistory
	if m.blindHistory {
		return h, nil
	}
	for _, ex := range m.execs {
		if ex.Tenant != tenant || ex.RuleID != ruleID || ex.EntityType != entityType || ex.EntityID != entityID || !ex.ConditionsPassed {
			continue
		}
		h.FireCount++
		if h.LastFiredAt == nil || ex.ExecutedAt.After(*h.LastFiredAt) {
			at := ex.ExecutedAt
			h.LastFiredAt = &at
		}
	}
	return h, nil
}

func (m *memoryStore) RecordExecution(_ context.Context, exec models.AutomationExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs = append(m.execs, exec)
	return nil
}

func (m *memoryStore) ListExecutions(_ context.Context, tenant string, from, to time.Time) ([]models.AutomationExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AutomationExecution
	for _, ex := range m.execs {
		if ex.Tenant == tenant && !ex.ExecutedAt.Before(from) && ex.ExecutedAt.Before(to) {
			out = append(out, ex)
		}
	}
	return out, nil
}

func (m *memoryStore) CreateRule(_ context.Context, rule models.AutomationRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions = append(m.versions, rule)
	return nil
}

func (m *memoryStore) GetRule(_ context.Context, tenant, id string) (models.AutomationRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.versions {
		if r.Tenant == tenant && r.ID == id && r.EffectiveTo == nil {
			return r, nil
		}
	}
	return models.AutomationRule{}, models.ErrNotFound
}

func (m *memoryStore) ReplaceRule(_ context.Context, current models.AutomationRule, closedAt time.Time, next models.AutomationRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.versions {
		if r.Tenant == current.Tenant && r.ID == current.ID && r.Version == current.Version {
			if r.EffectiveTo != nil {
				return models.ErrVersionConflict
			}
			m.versions[i].EffectiveTo = &closedAt
			m.versions = append(m.versions, next)
			return nil
		}
	}
	return models.ErrVersionConflict
}

func (m *memoryStore) ListRules(_ context.Context, tenant string, includeInactive bool) ([]models.AutomationRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AutomationRule
	for _, r := range m.versions {
		if r.Tenant == tenant && r.EffectiveTo == nil && (includeInactive || r.Active) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memoryStore) RuleHistory(_ context.Context, tenant, id string) ([]models.AutomationRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AutomationRule
	for _, r := range m.versions {
		if r.Tenant == tenant && r.ID == id {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}
