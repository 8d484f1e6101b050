package cronjob

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	prom "github.com/tgifai/crond/internal/pkg/prometheus"
)

type metrics struct {
	runs       *prometheus.CounterVec
	duration   prometheus.Histogram
	skipped    prometheus.Counter
	saveErrors prometheus.Counter
	jobs       prometheus.Gauge
}

var cronMetrics = newMetrics(prom.GetRegistry())

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crond",
			Subsystem: "cron",
			Name:      "job_runs_total",
			Help:      "Job executions by outcome status.",
		}, []string{"status", "trigger"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "crond",
			Subsystem: "cron",
			Name:      "job_duration_seconds",
			Help:      "Wall time of job executions.",
			Buckets:   []float64{0.05, 0.25, 1, 5, 30, 120, 600},
		}),
		skipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "crond",
			Subsystem: "cron",
			Name:      "job_overlap_skips_total",
			Help:      "Due jobs skipped because a previous run was still in flight.",
		}),
		saveErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "crond",
			Subsystem: "cron",
			Name:      "store_save_errors_total",
			Help:      "Failed writes to the job store.",
		}),
		jobs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "crond",
			Subsystem: "cron",
			Name:      "jobs",
			Help:      "Jobs currently held by the store.",
		}),
	}
}

func (m *metrics) observeRun(res ExecutionResult, forced bool) {
	trigger := "schedule"
	if forced {
		trigger = "manual"
	}
	m.runs.WithLabelValues(string(res.Status), trigger).Inc()
	m.duration.Observe(float64(res.DurationMs) / 1000)
}
