package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldflow/internal/lifecycle"
	"fieldflow/internal/ruleset"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.ExecuteContext(context.Background()), out.String())
	return out.String()
}

func useSQLite(t *testing.T) {
	t.Helper()
	mr := miniredis.RunT(t)
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "fieldflow.db"))
	t.Setenv("REDIS_ADDR", mr.Addr())
	t.Setenv("LOG_LEVEL", "none")
}

func TestLifecycleDescribe(t *testing.T) {
	var desc lifecycle.Description
	require.NoError(t, json.Unmarshal([]byte(run(t, "lifecycle", "describe", "--json")), &desc))
	assert.Len(t, desc.States, 12)
	assert.NotEmpty(t, desc.Edges)
}

func TestStatsWindow(t *testing.T) {
	now := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)

	from, to, err := statsWindow("", "", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-24*time.Hour), from)
	assert.Equal(t, now, to)

	from, _, err = statsWindow("2024-03-01T00:00:00Z", "", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), from)

	_, _, err = statsWindow("yesterday", "", now)
	assert.ErrorContains(t, err, "--from")
	_, _, err = statsWindow("2024-03-05T00:00:00Z", "", now)
	assert.ErrorContains(t, err, "before")
}

const ruleFile = `
tenant: acme
rules:
  - name: greet lead
    trigger:
      event: job.created
    actions:
      - type: log
sequences:
  nurture:
    - delay_hours: 0
      channel: email
`

func TestRulesImportAndList(t *testing.T) {
	useSQLite(t)
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(ruleFile), 0o600))

	assert.Contains(t, run(t, "rules", "validate", path), "1 rules, 1 sequence templates")

	var rep ruleset.Report
	require.NoError(t, json.Unmarshal([]byte(run(t, "rules", "import", path, "--tenant", "acme")), &rep))
	assert.Len(t, rep.Created, 1)

	require.NoError(t, json.Unmarshal([]byte(run(t, "rules", "import", path, "--tenant", "acme")), &rep))
	assert.Empty(t, rep.Created)
	assert.Len(t, rep.Unchanged, 1)

	assert.Contains(t, run(t, "rules", "list", "--tenant", "acme"), "greet lead")
}
