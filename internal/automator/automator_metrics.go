package automator

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/pdautomator/internal/dispatch"
)

// Metrics holds Prometheus metrics for runs and their dispatch.
type Metrics struct {
	RunsTotal          *prometheus.CounterVec
	RunDuration        *prometheus.HistogramVec
	RunsRejected       *prometheus.CounterVec
	IncidentsFetched   prometheus.Histogram
	CommandsTotal      *prometheus.CounterVec
	CommandDuration    prometheus.Histogram
	ResolvesTotal      *prometheus.CounterVec
	QueueAbortsTotal   prometheus.Counter
	NotificationsTotal *prometheus.CounterVec
}

// NewMetrics registers and returns metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pdautomator_runs_total",
			Help: "Total runs by final status.",
		}, []string{"status", "trigger"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pdautomator_run_duration_seconds",
			Help:    "Duration of runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s .. ~17m
		}, []string{"status"}),
		RunsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pdautomator_runs_rejected_total",
			Help: "Runs not started because another was in progress.",
		}, []string{"trigger"}),
		IncidentsFetched: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pdautomator_incidents_fetched",
			Help:    "Triggered incidents fetched per run.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1 .. 512
		}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pdautomator_commands_total",
			Help: "Total remediation commands by outcome.",
		}, []string{"outcome"}),
		CommandDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pdautomator_command_duration_seconds",
			Help:    "Duration of remediation commands in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms .. ~102s
		}),
		ResolvesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pdautomator_resolves_total",
			Help: "Resolve decisions by outcome.",
		}, []string{"outcome"}),
		QueueAbortsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pdautomator_queue_aborts_total",
			Help: "Rule queues abandoned after a command could not be started.",
		}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pdautomator_notifications_total",
			Help: "Outcome notifications by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.RunsRejected,
		m.IncidentsFetched,
		m.CommandsTotal,
		m.CommandDuration,
		m.ResolvesTotal,
		m.QueueAbortsTotal,
		m.NotificationsTotal,
	)

	return m
}

// Hooks returns service Hooks that update run metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnFetched: func(n int) {
			m.IncidentsFetched.Observe(float64(n))
		},
		OnRunDone: func(run *Run) {
			m.RunsTotal.WithLabelValues(string(run.Status), string(run.Trigger)).Inc()
			m.RunDuration.WithLabelValues(string(run.Status)).Observe(run.Duration)
		},
		OnRejected: func(trigger Trigger) {
			m.RunsRejected.WithLabelValues(string(trigger)).Inc()
		},
	}
}

// DispatchHooks returns engine hooks that update command, resolve and
// notification metrics.
func (m *Metrics) DispatchHooks() dispatch.Hooks {
	return dispatch.Hooks{
		OnCommand: func(outcome string, duration float64) {
			m.CommandsTotal.WithLabelValues(outcome).Inc()
			m.CommandDuration.Observe(duration)
		},
		OnResolve: func(outcome string) {
			m.ResolvesTotal.WithLabelValues(outcome).Inc()
		},
		OnQueueDone: func(q *dispatch.QueueReport) {
			if q.Aborted {
				m.QueueAbortsTotal.Inc()
			}
		},
		OnNotify: func(ok bool) {
			result := "success"
			if !ok {
				result = "error"
			}
			m.NotificationsTotal.WithLabelValues(result).Inc()
		},
	}
}
