package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log/level"

	"fieldflow/internal/app"
	"fieldflow/internal/archive"
	"fieldflow/internal/config"
	"fieldflow/internal/logging"
	"fieldflow/internal/telemetry"
	"fieldflow/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	a, closeApp, err := app.Open(ctx, cfg, logger)
	if err != nil {
		level.Error(logger).Log("msg", "startup failed", "err", err)
		os.Exit(1)
	}
	defer closeApp()

	if cfg.RulesFile != "" {
		if _, err := a.ImportRules(ctx, "", a.Ruleset); err != nil {
			level.Error(logger).Log("msg", "import rules", "file", cfg.RulesFile, "err", err)
			os.Exit(1)
		}
	}

	uploader, err := archive.NewUploader(ctx, cfg)
	if err != nil {
		level.Error(logger).Log("msg", "init archive uploader", "err", err)
		os.Exit(1)
	}

	hb := worker.NewHeartbeat(a.Scheduler, a.Clock, logger, worker.Options{
		Self:            cfg.WorkerID,
		Interval:        cfg.SchedulerInterval,
		ArchiveSchedule: cfg.ArchiveSchedule,
		MemberTTL:       cfg.LeaseTTL,
	})
	if a.Leases != nil {
		hb.SetMembership(a.Leases, a.Ring)
	}
	hb.SetArchiver(archive.New(a.Repo, uploader, a.Clock, cfg.ArchiveRetention, logger))

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			level.Warn(logger).Log("msg", "metrics server stopped", "err", err)
		}
	}()

	level.Info(logger).Log("msg", "worker started", "worker_id", cfg.WorkerID, "interval", cfg.SchedulerInterval, "partitions", cfg.PartitionCount)
	if err := hb.Run(ctx); err != nil {
		level.Error(logger).Log("msg", "worker stopped", "err", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metrics.Shutdown(shutdownCtx)
}
