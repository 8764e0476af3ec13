package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics defines counters for the job runner and its dependencies.
type Metrics interface {
	JobMetrics
	IncRateLimited(class string)
	IncFailOpen(component string)
	IncCacheFallback(cache string)
}

// JobMetrics captures runner-level job and step metrics.
type JobMetrics interface {
	IncJobsReceived(workflow string)
	IncJobsCompleted(workflow, status string)
	ObserveStep(workflow, step, status string, durationSeconds float64)
	IncStepRetry(workflow, step string)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncJobsReceived(string)                      {}
func (Noop) IncJobsCompleted(string, string)             {}
func (Noop) ObserveStep(string, string, string, float64) {}
func (Noop) IncStepRetry(string, string)                 {}
func (Noop) IncRateLimited(string)                       {}
func (Noop) IncFailOpen(string)                          {}
func (Noop) IncCacheFallback(string)                     {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	jobsReceived  *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	stepRetries   *prometheus.CounterVec
	rateLimited   *prometheus.CounterVec
	failOpen      *prometheus.CounterVec
	cacheFallback *prometheus.CounterVec
	once          sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		jobsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_received_total",
			Help:      "Jobs enqueued by workflow",
		}, []string{"workflow"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Jobs finished by workflow and final status",
		}, []string{"workflow", "status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_step_duration_seconds",
			Help:      "Step execution latency by workflow, step and outcome",
			Buckets:   prometheus.DefBuckets,
		}, []string{"workflow", "step", "status"}),
		stepRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_step_retries_total",
			Help:      "Step re-invocations after a failed attempt",
		}, []string{"workflow", "step"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_denied_total",
			Help:      "Requests denied by limiter class",
		}, []string{"class"}),
		failOpen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dependency_fail_open_total",
			Help:      "Decisions taken without the cache because it was unreachable",
		}, []string{"component"}),
		cacheFallback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_fallback_total",
			Help:      "Reads served from the durable store after a cache miss or error",
		}, []string{"cache"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.jobsReceived, p.jobsCompleted, p.stepDuration, p.stepRetries,
			p.rateLimited, p.failOpen, p.cacheFallback)
	})
}

func (p *Prom) IncJobsReceived(workflow string) {
	p.jobsReceived.WithLabelValues(workflow).Inc()
}

func (p *Prom) IncJobsCompleted(workflow, status string) {
	p.jobsCompleted.WithLabelValues(workflow, status).Inc()
}

func (p *Prom) ObserveStep(workflow, step, status string, durationSeconds float64) {
	p.stepDuration.WithLabelValues(workflow, step, status).Observe(durationSeconds)
}

func (p *Prom) IncStepRetry(workflow, step string) {
	p.stepRetries.WithLabelValues(workflow, step).Inc()
}

func (p *Prom) IncRateLimited(class string) {
	p.rateLimited.WithLabelValues(class).Inc()
}

func (p *Prom) IncFailOpen(component string) {
	p.failOpen.WithLabelValues(component).Inc()
}

func (p *Prom) IncCacheFallback(cache string) {
	p.cacheFallback.WithLabelValues(cache).Inc()
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
