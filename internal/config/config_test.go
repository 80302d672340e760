package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("SCHEDULER_MEMBERS", "")
	cfg := Load()
	assert.Equal(t, "postgres", cfg.StoreDriver)
	assert.Equal(t, "@every 1m", cfg.SchedulerInterval)
	assert.Equal(t, 30*time.Second, cfg.DispatchTimeout)
	assert.Equal(t, 71, cfg.PartitionCount)
	assert.Nil(t, cfg.SchedulerMembers)
	assert.NotEmpty(t, cfg.WorkerID)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("SCHEDULER_MEMBERS", "w1, w2,,w3")
	t.Setenv("DISPATCH_TIMEOUT", "5s")
	t.Setenv("SCHEDULER_CONCURRENCY", "not-a-number")
	t.Setenv("ARCHIVE_S3_PATH_STYLE", "true")
	t.Setenv("RATE_LIMIT_REFILL_PER_SEC", "2.5")

	cfg := Load()
	assert.Equal(t, "sqlite", cfg.StoreDriver)
	assert.Equal(t, []string{"w1", "w2", "w3"}, cfg.SchedulerMembers)
	assert.Equal(t, 5*time.Second, cfg.DispatchTimeout)
	assert.Equal(t, 8, cfg.SchedulerConcurrency)
	assert.True(t, cfg.ArchiveS3PathStyle)
	assert.InDelta(t, 2.5, cfg.RateLimitRefill, 0.0001)
}
