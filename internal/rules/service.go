package rules

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/WatchBeam/clock"
	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"fieldflow/internal/apperr"
	"fieldflow/internal/conditions"
	"fieldflow/internal/models"
	"fieldflow/internal/suppression"
)

// ActionChecker reports whether an action type can be dispatched.
// dispatch.Registry implements it.
type ActionChecker interface {
	Has(actionType string) bool
}

// Definition is the editable part of a rule. A nil Active creates an active
// rule and leaves an existing rule's flag unchanged on update.
type Definition struct {
	Name        string                 `json:"name" yaml:"name"`
	Active      *bool                  `json:"active,omitempty" yaml:"active,omitempty"`
	TestMode    bool                   `json:"test_mode" yaml:"test_mode"`
	Trigger     models.Trigger         `json:"trigger" yaml:"trigger"`
	Actions     []models.RuleAction    `json:"actions" yaml:"actions"`
	Constraints models.RuleConstraints `json:"constraints" yaml:"constraints"`
}

// Service manages rule definitions. Edits never modify a stored version: they
// close it and insert the next one.
type Service struct {
	store   RuleStore
	actions ActionChecker
	clock   clock.Clock
	logger  kitlog.Logger
}

// NewService builds a rule service. actions may be nil to accept any action type.
func NewService(store RuleStore, actions ActionChecker, clk clock.Clock, logger kitlog.Logger) *Service {
	if clk == nil {
		clk = clock.C
	}
	if logger == nil {
		logger = kitlog.NewNopLogger()
	}
	return &Service{store: store, actions: actions, clock: clk, logger: kitlog.With(logger, "component", "rules")}
}

// CreateRule validates def and stores it as version 1 of a new rule.
func (s *Service) CreateRule(ctx context.Context, tenant string, def Definition) (models.AutomationRule, error) {
	if err := s.Validate(tenant, def); err != nil {
		return models.AutomationRule{}, err
	}
	now := s.clock.Now().UTC()
	rule := fromDefinition(def, true)
	rule.ID = uuid.New().String()
	rule.Version = 1
	rule.Tenant = tenant
	rule.EffectiveFrom = now
	rule.CreatedAt = now
	if err := s.store.CreateRule(ctx, rule); err != nil {
		return models.AutomationRule{}, fmt.Errorf("create rule: %w", err)
	}
	level.Info(s.logger).Log("msg", "rule created", "tenant", tenant, "rule", rule.VersionKey(), "event", rule.Trigger.Event)
	return rule, nil
}

// UpdateRule replaces the definition of rule id with a new version.
func (s *Service) UpdateRule(ctx context.Context, tenant, id string, def Definition) (models.AutomationRule, error) {
	if err := s.Validate(tenant, def); err != nil {
		return models.AutomationRule{}, err
	}
	return s.replace(ctx, tenant, id, func(cur models.AutomationRule) models.AutomationRule {
		return fromDefinition(def, cur.Active)
	})
}

// DeactivateRule stores a new inactive version of rule id.
func (s *Service) DeactivateRule(ctx context.Context, tenant, id string) (models.AutomationRule, error) {
	return s.replace(ctx, tenant, id, func(cur models.AutomationRule) models.AutomationRule {
		next := cur
		next.Active = false
		return next
	})
}

func (s *Service) replace(ctx context.Context, tenant, id string, build func(models.AutomationRule) models.AutomationRule) (models.AutomationRule, error) {
	cur, err := s.store.GetRule(ctx, tenant, id)
	if err != nil {
		return models.AutomationRule{}, fmt.Errorf("load rule: %w", err)
	}
	now := s.clock.Now().UTC()
	next := build(cur)
	prev := cur.VersionKey()
	next.ID = cur.ID
	next.Tenant = tenant
	next.Version = cur.Version + 1
	next.PreviousVersionID = &prev
	next.EffectiveFrom = now
	next.EffectiveTo = nil
	next.CreatedAt = now
	if err := s.store.ReplaceRule(ctx, cur, now, next); err != nil {
		if errors.Is(err, models.ErrVersionConflict) {
			return models.AutomationRule{}, fmt.Errorf("rule %s was edited concurrently: %w", id, err)
		}
		return models.AutomationRule{}, fmt.Errorf("replace rule: %w", err)
	}
	level.Info(s.logger).Log("msg", "rule versioned", "tenant", tenant, "rule", next.VersionKey(), "previous", prev)
	return next, nil
}

// GetRule returns the current version of a rule.
func (s *Service) GetRule(ctx context.Context, tenant, id string) (models.AutomationRule, error) {
	return s.store.GetRule(ctx, tenant, id)
}

// ListRules returns the current versions of tenant's rules.
func (s *Service) ListRules(ctx context.Context, tenant string, includeInactive bool) ([]models.AutomationRule, error) {
	return s.store.ListRules(ctx, tenant, includeInactive)
}

// RuleHistory returns every version of a rule, oldest first.
func (s *Service) RuleHistory(ctx context.Context, tenant, id string) ([]models.AutomationRule, error) {
	return s.store.RuleHistory(ctx, tenant, id)
}

// Validate checks a definition without storing it.
func (s *Service) Validate(tenant string, def Definition) error {
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	if strings.TrimSpace(tenant) == "" {
		add("tenant is required")
	}
	if strings.TrimSpace(def.Name) == "" {
		add("name is required")
	}
	if strings.TrimSpace(def.Trigger.Event) == "" {
		add("trigger.event is required")
	}
	for i, c := range def.Trigger.Conditions {
		if strings.TrimSpace(c.Field) == "" {
			add("trigger.conditions[%d]: field is required", i)
		}
		if !conditions.Known(c.Operator) {
			add("trigger.conditions[%d]: unknown operator %q", i, c.Operator)
		}
	}
	if len(def.Actions) == 0 {
		add("at least one action is required")
	}
	for i, a := range def.Actions {
		switch {
		case strings.TrimSpace(a.Type) == "":
			add("actions[%d]: type is required", i)
		case s.actions != nil && !s.actions.Has(a.Type):
			add("actions[%d]: unknown action type %q", i, a.Type)
		}
		if a.DelayMinutes < 0 {
			add("actions[%d]: delay_minutes must not be negative", i)
		}
	}
	c := def.Constraints
	if c.CooldownMinutes < 0 {
		add("constraints.cooldown_minutes must not be negative")
	}
	if c.MaxFiresPerEntity < 0 {
		add("constraints.max_fires_per_entity must not be negative")
	}
	if c.QuietHours != nil {
		if _, err := suppression.ParseClock(c.QuietHours.Start); err != nil {
			add("constraints.quiet_hours.start: %v", err)
		}
		if _, err := suppression.ParseClock(c.QuietHours.End); err != nil {
			add("constraints.quiet_hours.end: %v", err)
		}
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			add("constraints.timezone: %v", err)
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return apperr.Clone(ErrValidation, strings.Join(problems, "; "), nil, map[string]any{"problems": problems})
}

func fromDefinition(def Definition, active bool) models.AutomationRule {
	if def.Active != nil {
		active = *def.Active
	}
	return models.AutomationRule{
		Name:        strings.TrimSpace(def.Name),
		Active:      active,
		TestMode:    def.TestMode,
		Trigger:     def.Trigger,
		Actions:     def.Actions,
		Constraints: def.Constraints,
	}
}
