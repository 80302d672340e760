package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/go-kit/log/level"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "logfmt", "warn")

	level.Info(logger).Log("msg", "hidden")
	level.Warn(logger).Log("msg", "shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "level=warn")
	assert.Contains(t, out, "msg=shown")
	assert.Contains(t, out, "ts=")
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "JSON", "debug")
	level.Debug(logger).Log("msg", "hello", "tenant", "acme")

	var line map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &line))
	assert.Equal(t, "hello", line["msg"])
	assert.Equal(t, "debug", line["level"])
	assert.Contains(t, line, "caller")
}
