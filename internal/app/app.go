// Package app assembles the services shared by the fieldflow binaries.
package app

import (
	"time"

	"github.com/WatchBeam/clock"
	kitlog "github.com/go-kit/log"
	"github.com/redis/go-redis/v9"

	"fieldflow/internal/api"
	"fieldflow/internal/config"
	"fieldflow/internal/dispatch"
	"fieldflow/internal/lease"
	"fieldflow/internal/lifecycle"
	"fieldflow/internal/models"
	"fieldflow/internal/partition"
	"fieldflow/internal/ratelimit"
	"fieldflow/internal/rules"
	"fieldflow/internal/ruleset"
	"fieldflow/internal/sequences"
	"fieldflow/internal/store"
	"fieldflow/internal/suppression"
)

// App holds the wired services.
type App struct {
	Config    config.Config
	Repo      store.Repository
	Registry  *dispatch.Registry
	Engine    *rules.Engine
	Rules     *rules.Service
	Lifecycle *lifecycle.Service
	Scheduler *sequences.Scheduler
	Ring      *partition.Ring
	// Leases is nil when no Redis client was supplied.
	Leases    *lease.RedisLeases
	Templates map[string][]models.SequenceStep
	// Ruleset is the rule file loaded at startup, if any.
	Ruleset ruleset.File
	Clock   clock.Clock
	Logger  kitlog.Logger
}

// Build wires every service over repo. rdb may be nil, which disables rate
// limiting, rule claims and partition leases.
func Build(cfg config.Config, repo store.Repository, rdb *redis.Client, clk clock.Clock, logger kitlog.Logger) *App {
	if clk == nil {
		clk = clock.C
	}
	if logger == nil {
		logger = kitlog.NewNopLogger()
	}
	a := &App{Config: cfg, Repo: repo, Clock: clk, Logger: logger}

	a.Registry = dispatch.NewRegistry(cfg.DispatchTimeout, logger)
	logHandler := dispatch.LogHandler(logger)
	a.Registry.RegisterHandler(dispatch.ActionLog, logHandler)
	webhook := dispatch.NewWebhookHandler(cfg.WebhookURL, cfg.WebhookTimeout)
	a.Registry.RegisterHandler(dispatch.ActionWebhook, webhook.Handle)
	// channel actions go to the integration webhook when one is configured
	channel := logHandler
	if cfg.WebhookURL != "" {
		channel = webhook.Handle
	}
	for _, action := range []string{dispatch.ActionSendEmail, dispatch.ActionSendSMS, dispatch.ActionCreateTask} {
		a.Registry.RegisterHandler(action, channel)
	}

	a.Scheduler = sequences.NewScheduler(repo, a.Registry, clk, logger, sequences.Options{
		BatchSize:       cfg.SchedulerBatchSize,
		Concurrency:     cfg.SchedulerConcurrency,
		DispatchTimeout: cfg.DispatchTimeout,
		ClaimTTL:        cfg.SequenceClaimTTL,
		RetryBackoff:    cfg.RetryBackoff,
		RetryBackoffMax: cfg.RetryBackoffMax,
	})
	a.Registry.RegisterHandler(dispatch.ActionStartSequence, a.Scheduler.StartHandler())
	a.Ring = partition.NewRing(cfg.WorkerID, cfg.SchedulerMembers, cfg.PartitionCount)
	a.Scheduler.SetPartitioner(a.Ring)

	a.Engine = rules.NewEngine(repo, a.Registry, clk, logger)
	a.Engine.SetLocation(suppression.Location(cfg.DefaultTimezone, time.UTC))
	a.Engine.SetDeferrer(a.Scheduler)

	if rdb != nil {
		a.Leases = lease.NewRedisLeases(rdb)
		a.Engine.SetClaimer(a.Leases, cfg.RuleClaimTTL)
		a.Scheduler.SetLocker(a.Leases, cfg.WorkerID, cfg.LeaseTTL)
		if cfg.RateLimitCapacity > 0 {
			a.Registry.SetLimiter(ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour))
		}
	}

	a.Rules = rules.NewService(repo, a.Registry, clk, logger)
	a.Lifecycle = lifecycle.NewService(repo, repo, clk, logger)
	a.Lifecycle.SetEventSink(a.Engine)
	return a
}

// SetTemplates makes named sequence templates available to the API and the
// start_follow_up_sequence action.
func (a *App) SetTemplates(templates map[string][]models.SequenceStep) {
	a.Templates = templates
	a.Scheduler.SetTemplates(templates)
}

// Server returns the HTTP API over the wired services.
func (a *App) Server() *api.Server {
	return api.New(api.Deps{
		Lifecycle: a.Lifecycle,
		Engine:    a.Engine,
		Rules:     a.Rules,
		Sequences: a.Scheduler,
		Templates: a.Templates,
		Clock:     a.Clock,
		Logger:    a.Logger,
	})
}
