// Package worker runs the periodic scheduler heartbeat and the archive job.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/WatchBeam/clock"
	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/robfig/cron/v3"

	"fieldflow/internal/archive"
	"fieldflow/internal/sequences"
	"fieldflow/internal/telemetry"
)

// Processor advances due follow-up steps.
type Processor interface {
	ProcessDueSteps(ctx context.Context, now time.Time) (sequences.Report, error)
}

// Membership tracks which scheduler instances are alive.
type Membership interface {
	Announce(ctx context.Context, member string, now time.Time, ttl time.Duration) error
	Members(ctx context.Context, now time.Time) ([]string, error)
	Withdraw(ctx context.Context, member string) error
}

// Ring is the partition table rebuilt from live members.
type Ring interface {
	SetMembers(members []string) bool
}

// Archiver exports audit rows past retention.
type Archiver interface {
	Run(ctx context.Context) (archive.Result, error)
}

// Options configures the heartbeat schedules.
type Options struct {
	// Self is this instance's member name.
	Self string
	// Interval is a cron spec for the heartbeat, e.g. "@every 1m".
	Interval string
	// ArchiveSchedule is a cron spec for the archive job. Empty disables it.
	ArchiveSchedule string
	// MemberTTL is how long an announcement keeps this instance in the ring.
	MemberTTL time.Duration
}

// Heartbeat drives the scheduler on a fixed cadence.
type Heartbeat struct {
	processor  Processor
	membership Membership
	ring       Ring
	archiver   Archiver
	opts       Options
	clock      clock.Clock
	logger     kitlog.Logger
}

// NewHeartbeat creates a heartbeat over processor. Membership and archiving are
// opt-in through SetMembership and SetArchiver.
func NewHeartbeat(processor Processor, clk clock.Clock, logger kitlog.Logger, opts Options) *Heartbeat {
	if clk == nil {
		clk = clock.C
	}
	if logger == nil {
		logger = kitlog.NewNopLogger()
	}
	if opts.Interval == "" {
		opts.Interval = "@every 1m"
	}
	if opts.MemberTTL <= 0 {
		opts.MemberTTL = 90 * time.Second
	}
	return &Heartbeat{
		processor: processor,
		opts:      opts,
		clock:     clk,
		logger:    kitlog.With(logger, "component", "heartbeat", "worker_id", opts.Self),
	}
}

// SetMembership announces this instance on every beat and feeds live members
// into ring.
func (h *Heartbeat) SetMembership(m Membership, ring Ring) {
	h.membership = m
	h.ring = ring
}

// SetArchiver schedules a on ArchiveSchedule.
func (h *Heartbeat) SetArchiver(a Archiver) {
	h.archiver = a
}

// Beat runs one heartbeat. A membership failure keeps the previous ring and
// still processes due steps.
func (h *Heartbeat) Beat(ctx context.Context) (sequences.Report, error) {
	now := h.clock.Now().UTC()
	if h.membership != nil {
		if err := h.refreshMembers(ctx, now); err != nil {
			level.Warn(h.logger).Log("msg", "membership refresh failed", "err", err)
		}
	}
	rep, err := h.processor.ProcessDueSteps(ctx, now)
	if err != nil {
		telemetry.HeartbeatRuns.WithLabelValues("error").Inc()
		return rep, err
	}
	telemetry.HeartbeatRuns.WithLabelValues("ok").Inc()
	return rep, nil
}

func (h *Heartbeat) refreshMembers(ctx context.Context, now time.Time) error {
	if err := h.membership.Announce(ctx, h.opts.Self, now, h.opts.MemberTTL); err != nil {
		return fmt.Errorf("announce: %w", err)
	}
	members, err := h.membership.Members(ctx, now)
	if err != nil {
		return err
	}
	if h.ring != nil && h.ring.SetMembers(members) {
		level.Info(h.logger).Log("msg", "partition ring rebuilt", "members", len(members))
	}
	return nil
}

// Archive runs the archive job once.
func (h *Heartbeat) Archive(ctx context.Context) (archive.Result, error) {
	if h.archiver == nil {
		return archive.Result{}, nil
	}
	res, err := h.archiver.Run(ctx)
	if err != nil {
		return res, fmt.Errorf("archive: %w", err)
	}
	level.Info(h.logger).Log("msg", "archive complete", "day", res.Day, "executions", res.Executions, "history", res.History)
	return res, nil
}

// Run schedules the heartbeat and archive jobs and blocks until ctx is done.
// Overlapping runs of the same job are skipped.
func (h *Heartbeat) Run(ctx context.Context) error {
	cl := cronLogger{logger: h.logger}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(h.opts.Interval, func() {
		if _, err := h.Beat(ctx); err != nil && ctx.Err() == nil {
			level.Error(h.logger).Log("msg", "heartbeat failed", "err", err)
		}
	}); err != nil {
		return fmt.Errorf("heartbeat schedule %q: %w", h.opts.Interval, err)
	}
	if h.archiver != nil && h.opts.ArchiveSchedule != "" {
		if _, err := c.AddFunc(h.opts.ArchiveSchedule, func() {
			if _, err := h.Archive(ctx); err != nil && ctx.Err() == nil {
				level.Error(h.logger).Log("msg", "archive failed", "err", err)
			}
		}); err != nil {
			return fmt.Errorf("archive schedule %q: %w", h.opts.ArchiveSchedule, err)
		}
	}

	level.Info(h.logger).Log("msg", "heartbeat started", "interval", h.opts.Interval)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()

	if h.membership != nil {
		wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.membership.Withdraw(wctx, h.opts.Self); err != nil {
			level.Warn(h.logger).Log("msg", "withdraw membership", "err", err)
		}
	}
	level.Info(h.logger).Log("msg", "heartbeat stopped")
	return nil
}

// cronLogger adapts go-kit logging to cron.Logger.
type cronLogger struct {
	logger kitlog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	level.Debug(l.logger).Log(append([]interface{}{"msg", msg}, keysAndValues...)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	level.Error(l.logger).Log(append([]interface{}{"msg", msg, "err", err}, keysAndValues...)...)
}
