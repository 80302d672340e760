// Package archive exports the automation audit trail and the job transition
// history as daily JSON-lines objects. Rows are copied, never deleted.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/WatchBeam/clock"
	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"fieldflow/internal/models"
	"fieldflow/internal/telemetry"
)

const contentType = "application/x-ndjson"

// Source lists audit rows of every tenant inside a window.
type Source interface {
	ListExecutionsBetween(ctx context.Context, from, to time.Time) ([]models.AutomationExecution, error)
	ListHistoryBetween(ctx context.Context, from, to time.Time) ([]models.TransitionHistoryEntry, error)
}

// Result describes one archived day.
type Result struct {
	Day        string   `json:"day"`
	Executions int      `json:"executions"`
	History    int      `json:"history"`
	Locations  []string `json:"locations"`
}

// Archiver copies whole UTC days once they are older than the retention window.
type Archiver struct {
	source    Source
	uploader  Uploader
	clock     clock.Clock
	retention time.Duration
	logger    kitlog.Logger
}

// New builds an archiver.
func New(source Source, uploader Uploader, clk clock.Clock, retention time.Duration, logger kitlog.Logger) *Archiver {
	if clk == nil {
		clk = clock.C
	}
	if logger == nil {
		logger = kitlog.NewNopLogger()
	}
	return &Archiver{
		source:    source,
		uploader:  uploader,
		clock:     clk,
		retention: retention,
		logger:    kitlog.With(logger, "component", "archive"),
	}
}

// Run archives the most recent day that lies entirely outside the retention window.
func (a *Archiver) Run(ctx context.Context) (Result, error) {
	cutoff := a.clock.Now().UTC().Add(-a.retention)
	day := cutoff.Truncate(24*time.Hour).AddDate(0, 0, -1)
	return a.ArchiveDay(ctx, day)
}

// ArchiveDay writes executions/<day>.jsonl and history/<day>.jsonl for the UTC
// day containing day. Empty kinds are skipped. Re-running overwrites the objects.
func (a *Archiver) ArchiveDay(ctx context.Context, day time.Time) (Result, error) {
	from := day.UTC().Truncate(24 * time.Hour)
	to := from.Add(24 * time.Hour)
	res := Result{Day: from.Format("2006-01-02")}

	execs, err := a.source.ListExecutionsBetween(ctx, from, to)
	if err != nil {
		return res, fmt.Errorf("list executions: %w", err)
	}
	if res.Executions = len(execs); res.Executions > 0 {
		body, err := encodeLines(execs)
		loc, err := a.put(ctx, "executions/"+res.Day+".jsonl", body, err)
		if err != nil {
			return res, err
		}
		res.Locations = append(res.Locations, loc)
		telemetry.ArchivedRows.WithLabelValues("executions").Add(float64(res.Executions))
	}

	history, err := a.source.ListHistoryBetween(ctx, from, to)
	if err != nil {
		return res, fmt.Errorf("list history: %w", err)
	}
	if res.History = len(history); res.History > 0 {
		body, err := encodeLines(history)
		loc, err := a.put(ctx, "history/"+res.Day+".jsonl", body, err)
		if err != nil {
			return res, err
		}
		res.Locations = append(res.Locations, loc)
		telemetry.ArchivedRows.WithLabelValues("history").Add(float64(res.History))
	}

	level.Info(a.logger).Log("msg", "archived day", "day", res.Day, "executions", res.Executions, "history", res.History)
	return res, nil
}

func (a *Archiver) put(ctx context.Context, key string, body []byte, err error) (string, error) {
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", key, err)
	}
	loc, err := a.uploader.Upload(ctx, key, body, contentType)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return loc, nil
}

func encodeLines[T any](rows []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
