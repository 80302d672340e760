// Package dispatch routes rule actions and sequence steps to the handlers that
// deliver them.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"fieldflow/internal/apperr"
	"fieldflow/internal/telemetry"
)

// Action types understood out of the box.
const (
	ActionSendEmail     = "send_email"
	ActionSendSMS       = "send_sms"
	ActionCreateTask    = "create_task"
	ActionWebhook       = "webhook"
	ActionLog           = "log"
	ActionStartSequence = "start_follow_up_sequence"
)

// Request is one action to deliver for one entity.
type Request struct {
	Tenant     string         `json:"tenant"`
	ActionType string         `json:"action_type"`
	Config     map[string]any `json:"config,omitempty"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Snapshot   map[string]any `json:"snapshot,omitempty"`
}

// Outcome is what a handler reports back for the audit log.
type Outcome struct {
	Detail string `json:"detail,omitempty"`
}

// Dispatcher delivers actions. Implementations must be idempotent per request
// because a step whose dispatch timed out is retried on the next heartbeat.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) (Outcome, error)
}

// Handler executes one action type.
type Handler func(ctx context.Context, req Request) (Outcome, error)

// Limiter is consulted before each dispatch. ratelimit.TokenBucket implements it.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Registry is a Dispatcher that looks handlers up by action type.
type Registry struct {
	mu             sync.RWMutex
	handlers       map[string]Handler
	defaultHandler Handler
	limiter        Limiter
	timeout        time.Duration
	logger         kitlog.Logger
}

// NewRegistry builds an empty registry. timeout bounds every dispatch; zero
// means no extra deadline beyond the caller's context.
func NewRegistry(timeout time.Duration, logger kitlog.Logger) *Registry {
	if logger == nil {
		logger = kitlog.NewNopLogger()
	}
	return &Registry{
		handlers: make(map[string]Handler),
		timeout:  timeout,
		logger:   kitlog.With(logger, "component", "dispatch"),
	}
}

// RegisterHandler binds a handler to an action type.
func (r *Registry) RegisterHandler(actionType string, handler Handler) {
	if actionType == "" || handler == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[actionType] = handler
}

// SetDefault handles action types with no registered handler.
func (r *Registry) SetDefault(handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultHandler = handler
}

// SetLimiter enables per tenant and action type rate limiting.
func (r *Registry) SetLimiter(l Limiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiter = l
}

// Has reports whether actionType can be dispatched.
func (r *Registry) Has(actionType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[actionType]
	return ok || r.defaultHandler != nil
}

// Dispatch runs the handler for req.ActionType under the registry timeout.
func (r *Registry) Dispatch(ctx context.Context, req Request) (Outcome, error) {
	r.mu.RLock()
	handler, ok := r.handlers[req.ActionType]
	if !ok {
		handler = r.defaultHandler
	}
	limiter := r.limiter
	r.mu.RUnlock()

	if handler == nil {
		return Outcome{}, failed(req, fmt.Sprintf("no handler registered for action %q", req.ActionType), nil)
	}
	if limiter != nil {
		allowed, _, err := limiter.Allow(ctx, LimitKey(req.Tenant, req.ActionType))
		if err != nil {
			level.Warn(r.logger).Log("msg", "rate limiter unavailable", "tenant", req.Tenant, "err", err)
		} else if !allowed {
			telemetry.RateLimitRejects.Inc()
			return Outcome{}, failed(req, "rate limited", nil)
		}
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := handler(ctx, req)
	result := "ok"
	if err != nil {
		result = "error"
	}
	telemetry.DispatchDuration.WithLabelValues(req.ActionType, result).Observe(time.Since(start).Seconds())
	if err != nil {
		level.Warn(r.logger).Log("msg", "dispatch failed", "tenant", req.Tenant, "action", req.ActionType, "entity_id", req.EntityID, "err", err)
		return out, failed(req, fmt.Sprintf("action %s failed", req.ActionType), err)
	}
	return out, nil
}

// LimitKey is the rate limiter bucket for one tenant and action type.
func LimitKey(tenant, actionType string) string {
	return fmt.Sprintf("ratelimit:%s:%s", tenant, actionType)
}

func failed(req Request, message string, source error) error {
	return apperr.Clone(ErrDispatchFailed, message, source, map[string]any{
		"tenant":      req.Tenant,
		"action_type": req.ActionType,
		"entity_id":   req.EntityID,
	})
}
