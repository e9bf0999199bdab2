// Package metrics exposes prometheus instruments for the query pipeline.
// Every pipeline stage is timed, mirroring how the stages are profiled in
// production deployments
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fluxgate",
		Name:      "stage_duration_seconds",
		Help:      "Duration of query pipeline stages",
		Buckets:   prometheus.DefBuckets,
	}, []string{"stage"})

	rulesFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fluxgate",
		Name:      "rules_fired_total",
		Help:      "Corrective rules that replaced a backend response",
	}, []string{"rule"})

	queriesRewritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fluxgate",
		Name:      "queries_rewritten_total",
		Help:      "Queries rewritten before reaching the backend",
	}, []string{"kind"})

	backendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fluxgate",
		Name:      "backend_errors_total",
		Help:      "Backend call failures by class",
	}, []string{"class"})
)

// ObserveStage records the elapsed time of one pipeline stage
func ObserveStage(stage string, start time.Time) {
	stageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// RuleFired counts a rule replacing the backend response
func RuleFired(rule string) { rulesFired.WithLabelValues(rule).Inc() }

// QueryRewritten counts a query rewrite by kind (rp, points_limit)
func QueryRewritten(kind string) { queriesRewritten.WithLabelValues(kind).Inc() }

// BackendError counts a backend failure by class (transient, client, server)
func BackendError(class string) { backendErrors.WithLabelValues(class).Inc() }
