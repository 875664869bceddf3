// Package metrics holds the Prometheus collectors for the orchestration path.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "workspaceai"

var (
	// plannerCallsTotal counts oracle calls by mode and outcome.
	// Labels: mode (plan, summarize, chat), outcome (ok, error)
	plannerCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "planner",
		Name:      "calls_total",
		Help:      "Planner calls by mode and outcome",
	}, []string{"mode", "outcome"})

	plannerLatencySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "planner",
		Name:      "latency_seconds",
		Help:      "Planner call latency by mode",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"mode"})

	// toolInvocationsTotal counts tool invocations by function and outcome.
	toolInvocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tools",
		Name:      "invocations_total",
		Help:      "Tool invocations by function name and outcome",
	}, []string{"function", "outcome"})

	// transitionsTotal counts successful action request status transitions.
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "action_requests",
		Name:      "transitions_total",
		Help:      "Action request status transitions",
	}, []string{"from", "to"})

	// transitionConflictsTotal counts compare-and-set attempts that lost.
	transitionConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "action_requests",
		Name:      "transition_conflicts_total",
		Help:      "Action request status transitions rejected because the stored status changed",
	}, []string{"from", "to"})

	// respondOutcomesTotal counts respond results by status.
	// Labels: status (completed, needs_confirmation, error)
	respondOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "orchestrator",
		Name:      "respond_total",
		Help:      "Respond results by status",
	}, []string{"status"})

	rateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "server",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the per-owner rate limiter",
	})
)

func outcomeLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func ObservePlannerCall(mode string, started time.Time, err error) {
	plannerCallsTotal.WithLabelValues(mode, outcomeLabel(err)).Inc()
	plannerLatencySeconds.WithLabelValues(mode).Observe(time.Since(started).Seconds())
}

func ObserveToolInvocation(function string, err error) {
	toolInvocationsTotal.WithLabelValues(function, outcomeLabel(err)).Inc()
}

// ObserveTransition records a compare-and-set attempt.
func ObserveTransition(from, to string, applied bool) {
	if applied {
		transitionsTotal.WithLabelValues(from, to).Inc()
		return
	}
	transitionConflictsTotal.WithLabelValues(from, to).Inc()
}

func ObserveRespond(status string) {
	respondOutcomesTotal.WithLabelValues(status).Inc()
}

func ObserveRateLimited() {
	rateLimitedTotal.Inc()
}
