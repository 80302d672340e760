package worker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldflow/internal/app"
	"fieldflow/internal/archive"
	"fieldflow/internal/config"
	"fieldflow/internal/models"
	"fieldflow/internal/sequences"
	"fieldflow/internal/store"
	"fieldflow/internal/worker"
)

var now = time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)

func mockClock() *clock.MockClock {
	clk := clock.NewMockClock()
	clk.AddTime(now.Sub(clk.Now()))
	return clk
}

func TestBeatAdvancesOwnedSequences(t *testing.T) {
	ctx := context.Background()
	repo, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, repo.Migrate(ctx))
	t.Cleanup(func() { _ = repo.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clk := mockClock()
	cfg := config.Config{
		WorkerID:          "w1",
		DispatchTimeout:   time.Second,
		LeaseTTL:          time.Minute,
		RuleClaimTTL:      time.Minute,
		RateLimitCapacity: 10,
		RateLimitRefill:   1,
		DefaultTimezone:   "UTC",
		SchedulerMembers:  []string{"w1", "w2"},
	}
	a := app.Build(cfg, repo, rdb, clk, nil)

	seq, err := a.Scheduler.Start(ctx, "acme", "lead-1", []models.SequenceStep{
		{DelayHours: 0, Channel: models.ChannelEmail},
		{DelayHours: 24, Channel: models.ChannelSMS},
	})
	require.NoError(t, err)

	hb := worker.NewHeartbeat(a.Scheduler, clk, nil, worker.Options{Self: "w1", MemberTTL: time.Minute})
	hb.SetMembership(a.Leases, a.Ring)

	rep, err := hb.Beat(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Due)
	assert.Equal(t, 1, rep.Advanced)
	// w2 never announced, so w1 owns the whole ring.
	assert.Equal(t, []string{"w1"}, a.Ring.Members())

	got, err := a.Scheduler.Get(ctx, "acme", seq.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentStep)
	require.NotNil(t, got.NextStepAt)
	assert.True(t, got.NextStepAt.Equal(now.Add(24*time.Hour)))

	rep, err = hb.Beat(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Due)

	clk.AddTime(24 * time.Hour)
	rep, err = hb.Beat(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Completed)
}

type fakeProcessor struct {
	calls []time.Time
	err   error
}

func (f *fakeProcessor) ProcessDueSteps(_ context.Context, at time.Time) (sequences.Report, error) {
	f.calls = append(f.calls, at)
	return sequences.Report{}, f.err
}

type fakeMembership struct {
	announced []string
	members   []string
	err       error
	withdrawn []string
}

func (f *fakeMembership) Announce(_ context.Context, member string, _ time.Time, _ time.Duration) error {
	f.announced = append(f.announced, member)
	return f.err
}

func (f *fakeMembership) Members(context.Context, time.Time) ([]string, error) {
	return f.members, f.err
}

func (f *fakeMembership) Withdraw(_ context.Context, member string) error {
	f.withdrawn = append(f.withdrawn, member)
	return nil
}

type fakeRing struct {
	sets [][]string
}

func (f *fakeRing) SetMembers(members []string) bool {
	f.sets = append(f.sets, members)
	return true
}

func TestBeatFeedsLiveMembersToRing(t *testing.T) {
	proc := &fakeProcessor{}
	m := &fakeMembership{members: []string{"w1", "w2"}}
	ring := &fakeRing{}
	hb := worker.NewHeartbeat(proc, mockClock(), nil, worker.Options{Self: "w1"})
	hb.SetMembership(m, ring)

	_, err := hb.Beat(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"w1"}, m.announced)
	assert.Equal(t, [][]string{{"w1", "w2"}}, ring.sets)
	require.Len(t, proc.calls, 1)
	assert.True(t, proc.calls[0].Equal(now))
}

func TestBeatKeepsProcessingWhenMembershipFails(t *testing.T) {
	proc := &fakeProcessor{}
	ring := &fakeRing{}
	hb := worker.NewHeartbeat(proc, mockClock(), nil, worker.Options{Self: "w1"})
	hb.SetMembership(&fakeMembership{err: errors.New("redis down")}, ring)

	_, err := hb.Beat(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ring.sets)
	assert.Len(t, proc.calls, 1)
}

func TestBeatSurfacesProcessorError(t *testing.T) {
	proc := &fakeProcessor{err: errors.New("db gone")}
	hb := worker.NewHeartbeat(proc, mockClock(), nil, worker.Options{})

	_, err := hb.Beat(context.Background())
	require.EqualError(t, err, "db gone")
}

type fakeArchiver struct {
	runs int
	err  error
}

func (f *fakeArchiver) Run(context.Context) (archive.Result, error) {
	f.runs++
	return archive.Result{Day: "2024-03-02"}, f.err
}

func TestArchive(t *testing.T) {
	hb := worker.NewHeartbeat(&fakeProcessor{}, mockClock(), nil, worker.Options{})
	res, err := hb.Archive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Day)

	arch := &fakeArchiver{}
	hb.SetArchiver(arch)
	res, err = hb.Archive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2024-03-02", res.Day)
	assert.Equal(t, 1, arch.runs)

	arch.err = errors.New("bucket missing")
	_, err = hb.Archive(context.Background())
	assert.ErrorContains(t, err, "bucket missing")
}

func TestRunRejectsBadSchedules(t *testing.T) {
	hb := worker.NewHeartbeat(&fakeProcessor{}, mockClock(), nil, worker.Options{Interval: "every so often"})
	assert.ErrorContains(t, hb.Run(context.Background()), "heartbeat schedule")

	hb = worker.NewHeartbeat(&fakeProcessor{}, mockClock(), nil, worker.Options{ArchiveSchedule: "nightly-ish"})
	hb.SetArchiver(&fakeArchiver{})
	assert.ErrorContains(t, hb.Run(context.Background()), "archive schedule")
}

func TestRunWithdrawsOnShutdown(t *testing.T) {
	m := &fakeMembership{}
	hb := worker.NewHeartbeat(&fakeProcessor{}, mockClock(), nil, worker.Options{Self: "w1", Interval: "@every 1h"})
	hb.SetMembership(m, &fakeRing{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, hb.Run(ctx))
	assert.Equal(t, []string{"w1"}, m.withdrawn)
}
