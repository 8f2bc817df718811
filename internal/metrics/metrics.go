// Package metrics exposes pipeline counters and gauges to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dream_pipeline/internal/domain"
)

const namespace = "dreampipe"

// Collector holds the pipeline metrics in a dedicated registry.
type Collector struct {
	registry *prometheus.Registry

	jobsClaimed     *prometheus.CounterVec
	jobsCompleted   *prometheus.CounterVec
	jobsRetried     *prometheus.CounterVec
	jobsFailed      *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	queueDepth      *prometheus.GaugeVec
	importTitles    *prometheus.CounterVec
	notifyFailures  *prometheus.CounterVec
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsClaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_claimed_total",
			Help:      "Jobs claimed by workers.",
		}, []string{"type"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Jobs acknowledged as completed.",
		}, []string{"type"}),
		jobsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_retried_total",
			Help:      "Failed job attempts scheduled for retry.",
		}, []string{"type"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Jobs that failed terminally.",
		}, []string{"type"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Stage handler run time.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"type", "outcome"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_jobs",
			Help:      "Jobs per type and status.",
		}, []string{"type", "status"}),
		importTitles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "import_titles_total",
			Help:      "Imported title lines by outcome.",
		}, []string{"outcome"}),
		notifyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_failures_total",
			Help:      "Publication notifications that exhausted their retries.",
		}, []string{"notifier"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.jobsClaimed,
		c.jobsCompleted,
		c.jobsRetried,
		c.jobsFailed,
		c.handlerDuration,
		c.queueDepth,
		c.importTitles,
		c.notifyFailures,
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) JobClaimed(jobType domain.JobType) {
	c.jobsClaimed.WithLabelValues(string(jobType)).Inc()
}

func (c *Collector) JobCompleted(jobType domain.JobType, d time.Duration) {
	c.jobsCompleted.WithLabelValues(string(jobType)).Inc()
	c.handlerDuration.WithLabelValues(string(jobType), "success").Observe(d.Seconds())
}

// JobFailed records a failed attempt; terminal reports whether the job is now FAILED.
func (c *Collector) JobFailed(jobType domain.JobType, d time.Duration, terminal bool) {
	if terminal {
		c.jobsFailed.WithLabelValues(string(jobType)).Inc()
	} else {
		c.jobsRetried.WithLabelValues(string(jobType)).Inc()
	}
	c.handlerDuration.WithLabelValues(string(jobType), "failure").Observe(d.Seconds())
}

// SetQueueDepth replaces the queue gauges with a fresh snapshot.
func (c *Collector) SetQueueDepth(depth []domain.QueueDepth) {
	c.queueDepth.Reset()
	for _, d := range depth {
		c.queueDepth.WithLabelValues(string(d.Type), string(d.Status)).Set(float64(d.Count))
	}
}

func (c *Collector) ObserveImport(stats domain.ImportStats) {
	c.importTitles.WithLabelValues("created").Add(float64(stats.Created))
	c.importTitles.WithLabelValues("skipped_existing").Add(float64(stats.SkippedExisting))
	c.importTitles.WithLabelValues("skipped_invalid").Add(float64(stats.SkippedInvalid))
	c.importTitles.WithLabelValues("duplicate_in_file").Add(float64(stats.DuplicatesInFile))
}

func (c *Collector) NotifyFailed(notifier string) {
	c.notifyFailures.WithLabelValues(notifier).Inc()
}
