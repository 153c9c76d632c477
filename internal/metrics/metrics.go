// Package metrics exposes prometheus collectors for the workflow coordinator.
// All methods are nil-safe so callers can run without metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "imgpixel"

// Collector groups the coordinator's prometheus instruments
type Collector struct {
	transitions      *prometheus.CounterVec
	validationErrors *prometheus.CounterVec
	remoteRequests   *prometheus.CounterVec
	remoteDuration   *prometheus.HistogramVec
	staleResponses   *prometheus.CounterVec
	liveHandles      *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg. A nil reg skips registration.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_transitions_total",
			Help:      "Workflow state transitions by source and target state.",
		}, []string{"from", "to"}),
		validationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_errors_total",
			Help:      "Actions rejected locally before any remote call.",
		}, []string{"reason"}),
		remoteRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_requests_total",
			Help:      "Remote calls by operation and outcome.",
		}, []string{"op", "outcome"}),
		remoteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_request_duration_seconds",
			Help:      "Latency of remote calls.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"op"}),
		staleResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_responses_total",
			Help:      "Remote responses dropped because the workflow moved on.",
		}, []string{"op"}),
		liveHandles: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "preview_handles_live",
			Help:      "Preview handles currently allocated, by role.",
		}, []string{"role"}),
	}

	if reg != nil {
		for _, col := range c.collectors() {
			if err := reg.Register(col); err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}

func (c *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.transitions,
		c.validationErrors,
		c.remoteRequests,
		c.remoteDuration,
		c.staleResponses,
		c.liveHandles,
	}
}

// Transition counts a state change
func (c *Collector) Transition(from, to string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(from, to).Inc()
}

// ValidationError counts a locally rejected action
func (c *Collector) ValidationError(reason string) {
	if c == nil {
		return
	}
	c.validationErrors.WithLabelValues(reason).Inc()
}

// RemoteCall records the outcome and latency of a remote call
func (c *Collector) RemoteCall(op string, started time.Time, err error) {
	if c == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	c.remoteRequests.WithLabelValues(op, outcome).Inc()
	c.remoteDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

// StaleResponse counts a dropped response
func (c *Collector) StaleResponse(op string) {
	if c == nil {
		return
	}
	c.staleResponses.WithLabelValues(op).Inc()
}

// SetLiveHandles sets the live handle gauge for a role
func (c *Collector) SetLiveHandles(role string, n int) {
	if c == nil {
		return
	}
	c.liveHandles.WithLabelValues(role).Set(float64(n))
}
