// Package metrics exposes Prometheus collectors for the HTTP surface and the
// transcode pipeline. A nil *Recorder is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vodpipe"

// Job outcomes reported by JobFinished.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeDead      = "dead"
	OutcomeSkipped   = "skipped"
)

// Recorder owns the collectors registered on one registry.
type Recorder struct {
	registry        *prometheus.Registry
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	jobs            *prometheus.CounterVec
	jobsInFlight    prometheus.Gauge
	stageDuration   *prometheus.HistogramVec
	stageActive     *prometheus.GaugeVec
	playlists       *prometheus.CounterVec
	intake          *prometheus.CounterVec
}

// Options configures New.
type Options struct {
	// Registry receives the collectors. A fresh registry is created when nil.
	Registry *prometheus.Registry
	// ProcessCollectors adds the Go runtime and process collectors.
	ProcessCollectors bool
}

// New registers the pipeline collectors.
func New(opts Options) *Recorder {
	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	r := &Recorder{
		registry: registry,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, normalised path and status.",
		}, []string{"method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcode_jobs_total",
			Help:      "Transcode deliveries by outcome.",
		}, []string{"outcome"}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transcode_jobs_in_flight",
			Help:      "Transcode jobs currently executing.",
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcode_stage_duration_seconds",
			Help:      "Duration of each worker stage.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"stage", "result"}),
		stageActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transcode_stage_active",
			Help:      "Jobs currently inside each worker stage.",
		}, []string{"stage"}),
		playlists: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playlists_signed_total",
			Help:      "Signed playlist responses by rendition and result.",
		}, []string{"rendition", "result"}),
		intake: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intake_videos_total",
			Help:      "Videos accepted by intake, by video type.",
		}, []string{"type"}),
	}
	registry.MustRegister(
		r.requests,
		r.requestDuration,
		r.jobs,
		r.jobsInFlight,
		r.stageDuration,
		r.stageActive,
		r.playlists,
		r.intake,
	)
	if opts.ProcessCollectors {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return r
}

// Registry returns the registry the collectors live on.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// ObserveRequest records one HTTP request. Identifier-like path segments are
// collapsed to keep label cardinality bounded.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	method = strings.ToUpper(method)
	normalized := normalizePath(path)
	r.requests.WithLabelValues(method, normalized, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(method, normalized).Observe(duration.Seconds())
}

func (r *Recorder) JobStarted() {
	if r == nil {
		return
	}
	r.jobsInFlight.Inc()
}

// JobFinished decrements the in-flight gauge and counts outcome.
func (r *Recorder) JobFinished(outcome string) {
	if r == nil {
		return
	}
	r.jobsInFlight.Dec()
	r.jobs.WithLabelValues(normalizeName(outcome)).Inc()
}

// JobDead counts a job whose attempts are exhausted.
func (r *Recorder) JobDead() {
	if r == nil {
		return
	}
	r.jobs.WithLabelValues(OutcomeDead).Inc()
}

// StageEntered marks a job as inside stage.
func (r *Recorder) StageEntered(stage string) {
	if r == nil {
		return
	}
	r.stageActive.WithLabelValues(normalizeName(stage)).Inc()
}

// StageExited records how long stage ran and whether it succeeded.
func (r *Recorder) StageExited(stage string, duration time.Duration, err error) {
	if r == nil {
		return
	}
	stage = normalizeName(stage)
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.stageActive.WithLabelValues(stage).Dec()
	r.stageDuration.WithLabelValues(stage, result).Observe(duration.Seconds())
}

func (r *Recorder) PlaylistSigned(rendition string, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.playlists.WithLabelValues(normalizeName(rendition), result).Inc()
}

func (r *Recorder) VideoAccepted(videoType string) {
	if r == nil {
		return
	}
	r.intake.WithLabelValues(normalizeName(videoType)).Inc()
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	if strings.HasPrefix(path, "/media/") {
		return "/media/*"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	switch segment {
	case "playlist.m3u8", "external-hls", "healthz", "metrics":
		return false
	}
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
