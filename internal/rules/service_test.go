package rules

import (
	"context"
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldflow/internal/apperr"
	"fieldflow/internal/dispatch"
	"fieldflow/internal/models"
)

func validDefinition() Definition {
	return Definition{
		Name:    "Thank-you email",
		Trigger: models.Trigger{Event: "job.transitioned", Conditions: []models.Condition{{Field: "status", Operator: "eq", Value: "COMPLETED"}}},
		Actions: []models.RuleAction{{Type: dispatch.ActionSendEmail, Config: map[string]any{"template": "thanks"}}},
		Constraints: models.RuleConstraints{
			CooldownMinutes: 60,
			QuietHours:      &models.QuietHours{Start: "21:00", End: "07:00"},
			Timezone:        "America/Chicago",
		},
	}
}

func newTestService(t *testing.T) (*Service, *memoryStore, *clock.MockClock) {
	t.Helper()
	store := &memoryStore{}
	registry := dispatch.NewRegistry(0, nil)
	registry.RegisterHandler(dispatch.ActionSendEmail, dispatch.LogHandler(nil))
	clk := clock.NewMockClock()
	return NewService(store, registry, clk, nil), store, clk
}

func TestCreateRule(t *testing.T) {
	svc, _, clk := newTestService(t)
	rule, err := svc.CreateRule(context.Background(), "acme", validDefinition())
	require.NoError(t, err)
	assert.NotEmpty(t, rule.ID)
	assert.Equal(t, 1, rule.Version)
	assert.Nil(t, rule.PreviousVersionID)
	assert.Equal(t, clk.Now().UTC(), rule.EffectiveFrom)

	got, err := svc.GetRule(context.Background(), "acme", rule.ID)
	require.NoError(t, err)
	assert.Equal(t, rule.Name, got.Name)
}

func TestValidation(t *testing.T) {
	svc, store, _ := newTestService(t)

	def := validDefinition()
	def.Name = " "
	def.Trigger.Event = ""
	def.Trigger.Conditions = append(def.Trigger.Conditions, models.Condition{Field: "total", Operator: "between"})
	def.Actions = append(def.Actions, models.RuleAction{Type: "fax"}, models.RuleAction{Type: dispatch.ActionSendEmail, DelayMinutes: -5})
	def.Constraints.QuietHours = &models.QuietHours{Start: "25:00", End: "07:00"}
	def.Constraints.Timezone = "Mars/Olympus"

	_, err := svc.CreateRule(context.Background(), "acme", def)
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	problems, _ := apperr.Metadata(err)["problems"].([]string)
	assert.Len(t, problems, 7)
	assert.Empty(t, store.versions)
}

func TestUpdateRuleIsCopyOnWrite(t *testing.T) {
	ctx := context.Background()
	svc, _, clk := newTestService(t)
	v1, err := svc.CreateRule(ctx, "acme", validDefinition())
	require.NoError(t, err)

	clk.AddTime(time.Hour)
	def := validDefinition()
	def.Constraints.CooldownMinutes = 15
	v2, err := svc.UpdateRule(ctx, "acme", v1.ID, def)
	require.NoError(t, err)
	assert.Equal(t, v1.ID, v2.ID)
	assert.Equal(t, 2, v2.Version)
	require.NotNil(t, v2.PreviousVersionID)
	assert.Equal(t, v1.ID+"@v1", *v2.PreviousVersionID)

	history, err := svc.RuleHistory(ctx, "acme", v1.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 60, history[0].Constraints.CooldownMinutes, "old version is untouched")
	require.NotNil(t, history[0].EffectiveTo)
	assert.Equal(t, v2.EffectiveFrom, *history[0].EffectiveTo)
	assert.Nil(t, history[1].EffectiveTo)

	current, err := svc.GetRule(ctx, "acme", v1.ID)
	require.NoError(t, err)
	assert.Equal(t, 15, current.Constraints.CooldownMinutes)
}

func TestDeactivateRule(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	rule, err := svc.CreateRule(ctx, "acme", validDefinition())
	require.NoError(t, err)

	off, err := svc.DeactivateRule(ctx, "acme", rule.ID)
	require.NoError(t, err)
	assert.False(t, off.Active)
	assert.Equal(t, 2, off.Version)

	active, err := svc.ListRules(ctx, "acme", false)
	require.NoError(t, err)
	assert.Empty(t, active)
	all, err := svc.ListRules(ctx, "acme", true)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	matching, err := store.ListActiveRules(ctx, "acme", "job.transitioned")
	require.NoError(t, err)
	assert.Empty(t, matching)
}

func TestOmittedActiveFlag(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)

	rule, err := svc.CreateRule(ctx, "acme", validDefinition())
	require.NoError(t, err)
	assert.True(t, rule.Active, "new rules default to active")
	matching, err := store.ListActiveRules(ctx, "acme", "job.transitioned")
	require.NoError(t, err)
	assert.Len(t, matching, 1)

	off := false
	def := validDefinition()
	def.Active = &off
	paused, err := svc.CreateRule(ctx, "acme", def)
	require.NoError(t, err)
	assert.False(t, paused.Active)

	_, err = svc.DeactivateRule(ctx, "acme", rule.ID)
	require.NoError(t, err)
	edited, err := svc.UpdateRule(ctx, "acme", rule.ID, validDefinition())
	require.NoError(t, err)
	assert.False(t, edited.Active, "an update without the flag keeps the current one")
}

func TestUpdateUnknownRule(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.UpdateRule(context.Background(), "acme", "missing", validDefinition())
	assert.ErrorIs(t, err, models.ErrNotFound)
}
