package app

import (
	"context"
	"fmt"

	"github.com/WatchBeam/clock"
	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/redis/go-redis/v9"

	"fieldflow/internal/config"
	"fieldflow/internal/lease"
	"fieldflow/internal/ruleset"
	"fieldflow/internal/store"
)

// Open connects the store and Redis named by cfg, runs migrations and builds
// the App. An unreachable Redis is logged and the App runs without it. The
// returned function releases both connections.
func Open(ctx context.Context, cfg config.Config, logger kitlog.Logger) (*App, func(), error) {
	if logger == nil {
		logger = kitlog.NewNopLogger()
	}
	repo, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = lease.NewRedisClient(cfg)
		if err := rdb.Ping(ctx).Err(); err != nil {
			level.Warn(logger).Log("msg", "redis unavailable, leases and rate limits disabled", "addr", cfg.RedisAddr, "err", err)
			_ = rdb.Close()
			rdb = nil
		}
	}

	a := Build(cfg, repo, rdb, clock.C, logger)
	if cfg.RulesFile != "" {
		if _, err := a.LoadRuleset(cfg.RulesFile); err != nil {
			a.close(rdb)
			return nil, nil, err
		}
	}
	return a, func() { a.close(rdb) }, nil
}

func (a *App) close(rdb *redis.Client) {
	if rdb != nil {
		_ = rdb.Close()
	}
	if err := a.Repo.Close(); err != nil {
		level.Warn(a.Logger).Log("msg", "close store", "err", err)
	}
}

// LoadRuleset reads a rule file and installs its sequence templates. Rules are
// not imported; see ImportRules.
func (a *App) LoadRuleset(path string) (ruleset.File, error) {
	f, err := ruleset.Load(path)
	if err != nil {
		return ruleset.File{}, fmt.Errorf("load rules file: %w", err)
	}
	a.Ruleset = f
	a.SetTemplates(f.Sequences)
	return f, nil
}

// ImportRules upserts the rules of f into tenant and installs its templates.
func (a *App) ImportRules(ctx context.Context, tenant string, f ruleset.File) (ruleset.Report, error) {
	a.SetTemplates(f.Sequences)
	return ruleset.Import(ctx, a.Rules, tenant, f, a.Logger)
}
