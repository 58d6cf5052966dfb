// Package metrics holds the relayfeed Prometheus collectors.
//
// Every collector is registered on a private prometheus.Registry rather than
// the global default, so several engines (or several tests) can live in one
// process without duplicate-registration panics.
//
// All recording helpers are nil-safe: components take a *Registry option and
// simply skip recording when none was supplied.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relayfeed"

// Task outcomes.
const (
	OutcomeResponse  = "response"
	OutcomeTimeout   = "timeout"
	OutcomeDiscarded = "discarded"
	OutcomeDuplicate = "duplicate"
	OutcomeInvalid   = "invalid"
)

// Pipeline run outcomes.
const (
	RunReady   = "ready"
	RunTimeout = "timeout"
	RunStale   = "stale"
)

// Registry holds all relayfeed application metrics.
type Registry struct {
	reg *prometheus.Registry

	// Request-level counters. label: feed (backlog name)
	TasksAdded   *prometheus.CounterVec
	TasksSettled *prometheus.CounterVec // feed, outcome

	// Pipeline-level metrics.
	PipelineRuns  *prometheus.CounterVec   // feed, outcome
	Candidates    *prometheus.GaugeVec     // feed
	StageDuration *prometheus.HistogramVec // feed, stage

	// Relay-level metrics.
	RelayFrames     *prometheus.CounterVec // relay, type
	RelaysConnected prometheus.Gauge
	EventsImported  prometheus.Counter

	// HTTP-level counters.
	HTTPReqs     *prometheus.CounterVec   // method, path, status
	HTTPDuration *prometheus.HistogramVec // method, path
}

// New creates a Registry with every collector registered.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		TasksAdded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_added_total",
			Help:      "Request tasks registered in a backlog",
		}, []string{"feed"}),
		TasksSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_settled_total",
			Help:      "Request tasks that left a backlog, by outcome",
		}, []string{"feed", "outcome"}),
		PipelineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Pipeline runs by terminal outcome",
		}, []string{"feed", "outcome"}),
		Candidates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "candidates",
			Help:      "Candidate ids held by a feed accumulator",
		}, []string{"feed"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time from stage start to its response or timeout",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		}, []string{"feed", "stage"}),
		RelayFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_frames_total",
			Help:      "Frames received from relays by envelope type",
		}, []string{"relay", "type"}),
		RelaysConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relays_connected",
			Help:      "Relay connections currently open",
		}),
		EventsImported: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_imported_total",
			Help:      "Events written to the local store by the importer",
		}),
		HTTPReqs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, path, and status code",
		}, []string{"method", "path", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request durations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
	r.reg.MustRegister(
		r.TasksAdded, r.TasksSettled,
		r.PipelineRuns, r.Candidates, r.StageDuration,
		r.RelayFrames, r.RelaysConnected, r.EventsImported,
		r.HTTPReqs, r.HTTPDuration,
	)
	return r
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler returns an http.Handler that renders all metrics in the Prometheus
// exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ─── nil-safe recorders ───────────────────────────────────────────────────────

// TaskAdded records a task registered in the named backlog.
func (r *Registry) TaskAdded(feed string) {
	if r == nil {
		return
	}
	r.TasksAdded.WithLabelValues(feed).Inc()
}

// TaskSettled records a task leaving the named backlog.
func (r *Registry) TaskSettled(feed, outcome string) {
	if r == nil {
		return
	}
	r.TasksSettled.WithLabelValues(feed, outcome).Inc()
}

// TasksDiscarded records n tasks dropped by a backlog clear.
func (r *Registry) TasksDiscarded(feed string, n int) {
	if r == nil || n == 0 {
		return
	}
	r.TasksSettled.WithLabelValues(feed, OutcomeDiscarded).Add(float64(n))
}

// PipelineRun records a terminal pipeline outcome.
func (r *Registry) PipelineRun(feed, outcome string) {
	if r == nil {
		return
	}
	r.PipelineRuns.WithLabelValues(feed, outcome).Inc()
}

// SetCandidates records the accumulator size of a feed.
func (r *Registry) SetCandidates(feed string, n int) {
	if r == nil {
		return
	}
	r.Candidates.WithLabelValues(feed).Set(float64(n))
}

// ObserveStage records how long a pipeline stage took.
func (r *Registry) ObserveStage(feed, stage string, d time.Duration) {
	if r == nil {
		return
	}
	r.StageDuration.WithLabelValues(feed, stage).Observe(d.Seconds())
}

// RelayFrame records one frame received from relay.
func (r *Registry) RelayFrame(relay, typ string) {
	if r == nil {
		return
	}
	r.RelayFrames.WithLabelValues(relay, typ).Inc()
}

// RelayConnected adjusts the open-connection gauge by delta.
func (r *Registry) RelayConnected(delta int) {
	if r == nil {
		return
	}
	r.RelaysConnected.Add(float64(delta))
}

// EventImported records one event persisted by the importer.
func (r *Registry) EventImported() {
	if r == nil {
		return
	}
	r.EventsImported.Inc()
}

// HTTPRequest records one served HTTP request.
func (r *Registry) HTTPRequest(method, path, status string, d time.Duration) {
	if r == nil {
		return
	}
	r.HTTPReqs.WithLabelValues(method, path, status).Inc()
	r.HTTPDuration.WithLabelValues(method, path).Observe(d.Seconds())
}
