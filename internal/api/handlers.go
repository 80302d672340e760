package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"fieldflow/internal/lifecycle"
	"fieldflow/internal/models"
	"fieldflow/internal/rules"
)

func (s *Server) handleDescribe(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.lifecycle.Machine().Describe())
}

type createJobRequest struct {
	ID         string        `json:"id"`
	EstimateID string        `json:"estimate_id"`
	Actor      *models.Actor `json:"actor"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !decode(w, r, &req) {
		return
	}
	job, err := s.lifecycle.CreateJob(r.Context(), tenantFromRequest(r), models.Job{ID: req.ID, EstimateID: req.EstimateID}, req.Actor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func factsFromQuery(r *http.Request) lifecycle.Facts {
	return lifecycle.Facts{
		HasContactInfo: queryBool(r, "has_contact_info"),
		IsFullyPaid:    queryBool(r, "is_fully_paid"),
	}
}

func (s *Server) handleAvailable(w http.ResponseWriter, r *http.Request) {
	events, err := s.lifecycle.AvailableTransitions(r.Context(), tenantFromRequest(r), chi.URLParam(r, "id"), factsFromQuery(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if events == nil {
		events = []lifecycle.EventType{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

type transitionRequest struct {
	Event          lifecycle.Event          `json:"event"`
	ExpectedStatus models.JobLifecycleState `json:"expected_status"`
	Facts          lifecycle.Facts          `json:"facts"`
	Actor          *models.Actor            `json:"actor"`
	Metadata       map[string]any           `json:"metadata"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Event.Type == "" {
		badRequest(w, "event.type is required")
		return
	}
	req.Event.Type = lifecycle.EventType(strings.ToUpper(string(req.Event.Type)))
	res, err := s.lifecycle.Transition(r.Context(), lifecycle.TransitionRequest{
		Tenant:         tenantFromRequest(r),
		JobID:          chi.URLParam(r, "id"),
		ExpectedStatus: req.ExpectedStatus,
		Event:          req.Event,
		Actor:          req.Actor,
		Facts:          req.Facts,
		Metadata:       req.Metadata,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.lifecycle.History(r.Context(), tenantFromRequest(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []models.TransitionHistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type evaluateRequest struct {
	Event      string         `json:"event"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Snapshot   map[string]any `json:"snapshot"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Event == "" || req.EntityType == "" || req.EntityID == "" {
		badRequest(w, "event, entity_type and entity_id are required")
		return
	}
	if req.Snapshot == nil {
		req.Snapshot = map[string]any{}
	}
	execs, err := s.engine.EvaluateEvent(r.Context(), tenantFromRequest(r), req.Event, req.EntityType, req.EntityID, req.Snapshot)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if execs == nil {
		execs = []models.AutomationExecution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	now := s.clock.Now().UTC()
	from, err := queryTime(r, "from", now.Add(-24*time.Hour))
	if err != nil {
		badRequest(w, "from must be RFC3339")
		return
	}
	to, err := queryTime(r, "to", now)
	if err != nil {
		badRequest(w, "to must be RFC3339")
		return
	}
	if !from.Before(to) {
		badRequest(w, "from must be before to")
		return
	}
	stats, err := s.engine.ExecutionStats(r.Context(), tenantFromRequest(r), from, to)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var def rules.Definition
	if !decode(w, r, &def) {
		return
	}
	rule, err := s.rules.CreateRule(r.Context(), tenantFromRequest(r), def)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	list, err := s.rules.ListRules(r.Context(), tenantFromRequest(r), queryBool(r, "include_inactive"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []models.AutomationRule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": list})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.rules.GetRule(r.Context(), tenantFromRequest(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var def rules.Definition
	if !decode(w, r, &def) {
		return
	}
	rule, err := s.rules.UpdateRule(r.Context(), tenantFromRequest(r), chi.URLParam(r, "id"), def)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeactivateRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.rules.DeactivateRule(r.Context(), tenantFromRequest(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleRuleHistory(w http.ResponseWriter, r *http.Request) {
	versions, err := s.rules.RuleHistory(r.Context(), tenantFromRequest(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(versions) == 0 {
		s.writeError(w, models.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

type startSequenceRequest struct {
	LeadID   string                `json:"lead_id"`
	Template string                `json:"template"`
	Steps    []models.SequenceStep `json:"steps"`
}

func (s *Server) handleStartSequence(w http.ResponseWriter, r *http.Request) {
	var req startSequenceRequest
	if !decode(w, r, &req) {
		return
	}
	steps := req.Steps
	if req.Template != "" {
		tpl, ok := s.templates[req.Template]
		if !ok {
			badRequest(w, "unknown sequence template "+req.Template)
			return
		}
		steps = tpl
	}
	seq, err := s.sequences.Start(r.Context(), tenantFromRequest(r), req.LeadID, steps)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, seq)
}

func (s *Server) handleGetSequence(w http.ResponseWriter, r *http.Request) {
	seq, err := s.sequences.Get(r.Context(), tenantFromRequest(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, seq)
}

func (s *Server) handleLeadSequences(w http.ResponseWriter, r *http.Request) {
	list, err := s.sequences.ListForLead(r.Context(), tenantFromRequest(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []models.FollowUpSequence{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sequences": list})
}

type statusChange func(ctx context.Context, tenant, id string) (models.FollowUpSequence, error)

func (s *Server) handleSequenceStatus(change statusChange) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		seq, err := change(r.Context(), tenantFromRequest(r), chi.URLParam(r, "id"))
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, seq)
	}
}
