package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "fieldflow_job_transitions_total", Help: "Job lifecycle transitions by result"}, []string{"result"})
	RuleEvaluations  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "fieldflow_rule_evaluations_total", Help: "Rule evaluations by outcome"}, []string{"outcome"})
	ActionOutcomes   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "fieldflow_rule_actions_total", Help: "Rule actions by recorded status"}, []string{"status"})
	SequenceSteps    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "fieldflow_sequence_steps_total", Help: "Sequence steps processed by result"}, []string{"result"})
	DueSequences     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "fieldflow_sequences_due", Help: "Due sequences found by the last heartbeat"})
	DispatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "fieldflow_dispatch_duration_seconds", Help: "Action dispatch latency", Buckets: prometheus.DefBuckets}, []string{"action_type", "result"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "fieldflow_dispatch_rate_limited_total", Help: "Dispatches rejected by the tenant rate limiter"})
	HeartbeatRuns    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "fieldflow_heartbeat_runs_total", Help: "Scheduler heartbeats by result"}, []string{"result"})
	ArchivedRows     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "fieldflow_archived_rows_total", Help: "Audit rows exported to the archive"}, []string{"kind"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			TransitionsTotal,
			RuleEvaluations,
			ActionOutcomes,
			SequenceSteps,
			DueSequences,
			DispatchDuration,
			RateLimitRejects,
			HeartbeatRuns,
			ArchivedRows,
		)
	})
	return promhttp.Handler()
}
