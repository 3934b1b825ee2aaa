// Package metrics exposes Prometheus instrumentation for a run: trial
// outcomes, per-stage retries, model-call latency, and claim activity.
// A nil *Collector is a no-op, so tests and ad-hoc tooling can skip
// instrumentation without branching at every call site.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/domain"
)

// Collector holds the engine's Prometheus instruments.
type Collector struct {
	trialsTotal   *prometheus.CounterVec
	stageRetries  *prometheus.CounterVec
	modelCalls    *prometheus.CounterVec
	modelLatency  *prometheus.HistogramVec
	inFlight      prometheus.Gauge
	manualReview  prometheus.Counter
	staleReclaims prometheus.Counter
}

// NewCollector creates and registers the engine's instruments on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		trialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crengine",
			Name:      "trials_total",
			Help:      "Trials reaching a terminal status, by status.",
		}, []string{"status"}),
		stageRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crengine",
			Name:      "stage_retries_total",
			Help:      "Transient-failure requeues, by pipeline stage.",
		}, []string{"stage"}),
		modelCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crengine",
			Name:      "model_calls_total",
			Help:      "External model calls, by model and outcome.",
		}, []string{"model", "outcome"}),
		modelLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "crengine",
			Name:      "model_call_seconds",
			Help:      "External model call latency.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"model"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "crengine",
			Name:      "trials_in_flight",
			Help:      "Trials currently claimed by this process.",
		}),
		manualReview: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crengine",
			Name:      "manual_review_total",
			Help:      "Artifacts flagged for manual review.",
		}),
		staleReclaims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crengine",
			Name:      "stale_reclaims_total",
			Help:      "In-progress trials returned to pending after heartbeat loss.",
		}),
	}
	reg.MustRegister(
		c.trialsTotal, c.stageRetries, c.modelCalls,
		c.modelLatency, c.inFlight, c.manualReview, c.staleReclaims,
	)
	return c
}

// TrialTerminal counts a trial reaching completed or failed.
func (c *Collector) TrialTerminal(status domain.TrialStatus) {
	if c == nil {
		return
	}
	c.trialsTotal.WithLabelValues(string(status)).Inc()
}

// StageRetry counts one transient-failure requeue.
func (c *Collector) StageRetry(stage domain.Stage) {
	if c == nil {
		return
	}
	c.stageRetries.WithLabelValues(string(stage)).Inc()
}

// ModelCall records one external call's outcome and latency.
func (c *Collector) ModelCall(model string, err error, elapsed time.Duration) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.modelCalls.WithLabelValues(model, outcome).Inc()
	c.modelLatency.WithLabelValues(model).Observe(elapsed.Seconds())
}

// ClaimStarted marks a trial entering execution in this process.
func (c *Collector) ClaimStarted() {
	if c == nil {
		return
	}
	c.inFlight.Inc()
}

// ClaimFinished marks a trial leaving execution in this process.
func (c *Collector) ClaimFinished() {
	if c == nil {
		return
	}
	c.inFlight.Dec()
}

// ManualReviewFlagged counts an artifact entering the review queue.
func (c *Collector) ManualReviewFlagged() {
	if c == nil {
		return
	}
	c.manualReview.Inc()
}

// StaleReclaimed counts trials recovered from dead claims.
func (c *Collector) StaleReclaimed(n int64) {
	if c == nil {
		return
	}
	c.staleReclaims.Add(float64(n))
}
