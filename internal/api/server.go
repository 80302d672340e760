package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/go-chi/chi/v5"
	kitlog "github.com/go-kit/log"

	"fieldflow/internal/lifecycle"
	"fieldflow/internal/models"
	"fieldflow/internal/rules"
	"fieldflow/internal/sequences"
	"fieldflow/internal/telemetry"
)

// Deps are the services the HTTP surface drives.
type Deps struct {
	Lifecycle *lifecycle.Service
	Engine    *rules.Engine
	Rules     *rules.Service
	Sequences *sequences.Scheduler
	// Templates are named step lists a sequence can be started from.
	Templates map[string][]models.SequenceStep
	Clock     clock.Clock
	Logger    kitlog.Logger
}

// Server wires HTTP handlers for the operations API.
type Server struct {
	lifecycle *lifecycle.Service
	engine    *rules.Engine
	rules     *rules.Service
	sequences *sequences.Scheduler
	templates map[string][]models.SequenceStep
	clock     clock.Clock
	logger    kitlog.Logger
}

// New constructs the API server.
func New(d Deps) *Server {
	if d.Clock == nil {
		d.Clock = clock.C
	}
	if d.Logger == nil {
		d.Logger = kitlog.NewNopLogger()
	}
	return &Server{
		lifecycle: d.Lifecycle,
		engine:    d.Engine,
		rules:     d.Rules,
		sequences: d.Sequences,
		templates: d.Templates,
		clock:     d.Clock,
		logger:    kitlog.With(d.Logger, "component", "api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Get("/lifecycle", s.handleDescribe)
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleCreateJob)
		r.Get("/{id}/available", s.handleAvailable)
		r.Post("/{id}/transitions", s.handleTransition)
		r.Get("/{id}/history", s.handleHistory)
	})

	r.Post("/events", s.handleEvaluate)
	r.Get("/executions/stats", s.handleStats)

	r.Route("/rules", func(r chi.Router) {
		r.Post("/", s.handleCreateRule)
		r.Get("/", s.handleListRules)
		r.Get("/{id}", s.handleGetRule)
		r.Put("/{id}", s.handleUpdateRule)
		r.Delete("/{id}", s.handleDeactivateRule)
		r.Get("/{id}/history", s.handleRuleHistory)
	})

	r.Route("/sequences", func(r chi.Router) {
		r.Post("/", s.handleStartSequence)
		r.Get("/{id}", s.handleGetSequence)
		r.Post("/{id}/pause", s.handleSequenceStatus(s.sequences.Pause))
		r.Post("/{id}/resume", s.handleSequenceStatus(s.sequences.Resume))
		r.Post("/{id}/cancel", s.handleSequenceStatus(s.sequences.Cancel))
	})
	r.Get("/leads/{id}/sequences", s.handleLeadSequences)
	return r
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{Code: "BAD_REQUEST", Message: "invalid json: " + err.Error()}})
		return false
	}
	return true
}

func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}

func queryTime(r *http.Request, key string, def time.Time) (time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return time.Parse(time.RFC3339, v)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
