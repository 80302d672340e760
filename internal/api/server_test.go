package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldflow/internal/app"
	"fieldflow/internal/config"
	"fieldflow/internal/models"
	"fieldflow/internal/store"
)

var now = time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)

type harness struct {
	t   *testing.T
	srv *httptest.Server
	app *app.App
	clk *clock.MockClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	repo, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, repo.Migrate(context.Background()))
	t.Cleanup(func() { _ = repo.Close() })

	clk := clock.NewMockClock()
	clk.AddTime(now.Sub(clk.Now()))
	a := app.Build(config.Config{WorkerID: "test", DispatchTimeout: time.Second, DefaultTimezone: "UTC"}, repo, nil, clk, nil)
	a.SetTemplates(map[string][]models.SequenceStep{
		"nurture": {{DelayHours: 0, Channel: models.ChannelEmail}, {DelayHours: 24, Channel: models.ChannelSMS}},
	})
	srv := httptest.NewServer(a.Server().Router())
	t.Cleanup(srv.Close)
	return &harness{t: t, srv: srv, app: a, clk: clk}
}

func (h *harness) do(method, path string, body any, out any) int {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.srv.URL+path, &buf)
	require.NoError(h.t, err)
	req.Header.Set("X-Tenant-ID", "acme")
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(h.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type apiError struct {
	Error struct {
		Code     string         `json:"code"`
		Message  string         `json:"message"`
		Metadata map[string]any `json:"metadata"`
	} `json:"error"`
}

func TestHealthAndDescribe(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/healthz", nil, nil))

	var desc struct {
		States   []string `json:"states"`
		Terminal []string `json:"terminal"`
	}
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/lifecycle", nil, &desc))
	assert.Len(t, desc.States, 12)
	assert.ElementsMatch(t, []string{"PAID", "CANCELLED", "LOST"}, desc.Terminal)
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t)

	var job models.Job
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/jobs", map[string]any{"id": "job-1"}, &job))
	assert.Equal(t, models.StateLead, job.Status)

	var apiErr apiError
	status := h.do(http.MethodPost, "/jobs/job-1/transitions", map[string]any{"event": map[string]any{"type": "QUALIFY"}}, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "JOB_INVALID_TRANSITION", apiErr.Error.Code)

	var res struct {
		Previous models.JobLifecycleState `json:"previous"`
		Job      models.Job               `json:"job"`
	}
	status = h.do(http.MethodPost, "/jobs/job-1/transitions", map[string]any{
		"event": map[string]any{"type": "qualify"},
		"facts": map[string]any{"has_contact_info": true},
		"actor": map[string]any{"id": "u-1", "name": "Dana"},
	}, &res)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.StateLead, res.Previous)
	assert.Equal(t, models.StateQualified, res.Job.Status)

	apiErr = apiError{}
	status = h.do(http.MethodPost, "/jobs/job-1/transitions", map[string]any{
		"event":           map[string]any{"type": "SEND_ESTIMATE"},
		"expected_status": "LEAD",
	}, &apiErr)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "JOB_STALE_CONTEXT", apiErr.Error.Code)

	var avail struct {
		Events []string `json:"events"`
	}
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/jobs/job-1/available", nil, &avail))
	assert.Equal(t, []string{"SEND_ESTIMATE", "SCHEDULE", "CANCEL", "MARK_LOST"}, avail.Events)

	var hist struct {
		Entries []models.TransitionHistoryEntry `json:"entries"`
	}
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/jobs/job-1/history", nil, &hist))
	require.Len(t, hist.Entries, 2)
	assert.Nil(t, hist.Entries[0].PreviousState)
	require.NotNil(t, hist.Entries[1].ActorName)
	assert.Equal(t, "Dana", *hist.Entries[1].ActorName)

	apiErr = apiError{}
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/jobs/missing/available", nil, &apiErr))
	assert.Equal(t, "NOT_FOUND", apiErr.Error.Code)

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/jobs/job-1/transitions", map[string]any{"bogus": 1}, nil))
}

func TestRulesFireOnLifecycleEvents(t *testing.T) {
	h := newHarness(t)

	var apiErr apiError
	status := h.do(http.MethodPost, "/rules", map[string]any{"name": "", "trigger": map[string]any{"event": ""}}, &apiErr)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "RULE_VALIDATION_FAILED", apiErr.Error.Code)
	assert.NotEmpty(t, apiErr.Error.Metadata["problems"])

	var rule models.AutomationRule
	status = h.do(http.MethodPost, "/rules", map[string]any{
		"name":   "greet lead",
		"active": true,
		"trigger": map[string]any{
			"event":      "job.created",
			"conditions": []any{map[string]any{"field": "status", "operator": "eq", "value": "LEAD"}},
		},
		"actions":     []any{map[string]any{"type": "log", "config": map[string]any{"message": "hi"}}},
		"constraints": map[string]any{"max_fires_per_entity": 1},
	}, &rule)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, 1, rule.Version)

	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/jobs", map[string]any{"id": "job-1"}, nil))

	var eval struct {
		Executions []models.AutomationExecution `json:"executions"`
	}
	status = h.do(http.MethodPost, "/events", map[string]any{
		"event": "job.created", "entity_type": "job", "entity_id": "job-1",
		"snapshot": map[string]any{"status": "LEAD"},
	}, &eval)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, eval.Executions, 1)
	require.NotNil(t, eval.Executions[0].SuppressionReason)
	assert.Contains(t, *eval.Executions[0].SuppressionReason, "max fires reached")

	var stats models.ExecutionStats
	path := "/executions/stats?from=" + now.Add(-time.Hour).Format(time.RFC3339) + "&to=" + now.Add(time.Hour).Format(time.RFC3339)
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, path, nil, &stats))
	assert.Equal(t, 2, stats.Totals.Total)
	assert.Equal(t, 1, stats.Totals.Fired)
	assert.Equal(t, 1, stats.Totals.Suppressed)
	assert.Equal(t, 1, stats.Actions.Executed)

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/executions/stats?from=yesterday", nil, nil))

	var deactivated models.AutomationRule
	require.Equal(t, http.StatusOK, h.do(http.MethodDelete, "/rules/"+rule.ID, nil, &deactivated))
	assert.False(t, deactivated.Active)
	assert.Equal(t, 2, deactivated.Version)

	var versions struct {
		Versions []models.AutomationRule `json:"versions"`
	}
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/rules/"+rule.ID+"/history", nil, &versions))
	assert.Len(t, versions.Versions, 2)

	var list struct {
		Rules []models.AutomationRule `json:"rules"`
	}
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/rules", nil, &list))
	assert.Empty(t, list.Rules)
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/rules?include_inactive=true", nil, &list))
	assert.Len(t, list.Rules, 1)

	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/rules/nope", nil, nil))
}

func TestCreateRuleWithoutActiveFlag(t *testing.T) {
	h := newHarness(t)

	var rule models.AutomationRule
	status := h.do(http.MethodPost, "/rules", map[string]any{
		"name":    "log completions",
		"trigger": map[string]any{"event": "job.transitioned"},
		"actions": []any{map[string]any{"type": "log"}},
	}, &rule)
	require.Equal(t, http.StatusCreated, status)
	assert.True(t, rule.Active)

	var list struct {
		Rules []models.AutomationRule `json:"rules"`
	}
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/rules", nil, &list))
	require.Len(t, list.Rules, 1)
	assert.Equal(t, rule.ID, list.Rules[0].ID)
}

func TestSequencesOverHTTP(t *testing.T) {
	h := newHarness(t)

	var seq models.FollowUpSequence
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/sequences", map[string]any{"lead_id": "lead-1", "template": "nurture"}, &seq))
	assert.Equal(t, models.SequenceActive, seq.Status)
	assert.Len(t, seq.Steps, 2)

	var apiErr apiError
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/sequences", map[string]any{"lead_id": "lead-1", "template": "nope"}, &apiErr))
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/sequences", map[string]any{"steps": []any{}}, &apiErr))
	assert.Equal(t, "SEQUENCE_VALIDATION_FAILED", apiErr.Error.Code)

	var paused models.FollowUpSequence
	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/sequences/"+seq.ID+"/pause", nil, &paused))
	assert.Equal(t, models.SequencePaused, paused.Status)
	assert.Nil(t, paused.NextStepAt)

	apiErr = apiError{}
	assert.Equal(t, http.StatusConflict, h.do(http.MethodPost, "/sequences/"+seq.ID+"/pause", nil, &apiErr))
	assert.Equal(t, "SEQUENCE_INVALID_STATE", apiErr.Error.Code)

	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/sequences/"+seq.ID+"/resume", nil, nil))
	var cancelled models.FollowUpSequence
	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/sequences/"+seq.ID+"/cancel", nil, &cancelled))
	assert.Equal(t, models.SequenceCancelled, cancelled.Status)

	var byLead struct {
		Sequences []models.FollowUpSequence `json:"sequences"`
	}
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/leads/lead-1/sequences", nil, &byLead))
	assert.Len(t, byLead.Sequences, 1)

	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/sequences/missing", nil, nil))
}
