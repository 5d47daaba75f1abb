package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	cyclesTotal         *prometheus.CounterVec
	cycleDuration       prometheus.Histogram
	consecutiveFailures prometheus.Gauge
	backoffDelay        prometheus.Gauge

	actionsTotal    *prometheus.CounterVec
	actionDuration  *prometheus.HistogramVec
	actionsInFlight prometheus.Gauge
	deferralsTotal  *prometheus.CounterVec
	fallbacksTotal  *prometheus.CounterVec

	storeWriteErrors  *prometheus.CounterVec
	storeWriteLatency prometheus.Histogram
	knownEntities     prometheus.Gauge

	goalDeficit *prometheus.GaugeVec
	goalCurrent *prometheus.GaugeVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			cyclesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "autolab_cycles_total",
					Help: "Total cycles by outcome.",
				},
				[]string{"outcome"},
			),
			cycleDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "autolab_cycle_duration_seconds",
					Help:    "Cycle duration in seconds.",
					Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
				},
			),
			consecutiveFailures: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "autolab_consecutive_cycle_failures",
					Help: "Current number of consecutive failed cycles.",
				},
			),
			backoffDelay: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "autolab_backoff_delay_seconds",
					Help: "Delay of the current backoff, 0 when not backing off.",
				},
			),
			actionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "autolab_actions_total",
					Help: "Total executed actions by kind and status.",
				},
				[]string{"kind", "status"},
			),
			actionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "autolab_action_duration_seconds",
					Help:    "Action duration in seconds by kind.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"kind"},
			),
			actionsInFlight: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "autolab_actions_in_flight",
					Help: "Collaborator calls currently running, including timed-out ones not yet returned.",
				},
			),
			deferralsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "autolab_action_deferrals_total",
					Help: "Actions deferred because their entity lock was held, by kind.",
				},
				[]string{"kind"},
			),
			fallbacksTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "autolab_action_fallbacks_total",
					Help: "Fallback implementations invoked, by kind.",
				},
				[]string{"kind"},
			),
			storeWriteErrors: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "autolab_store_write_errors_total",
					Help: "Knowledge store write failures by kind.",
				},
				[]string{"kind"},
			),
			storeWriteLatency: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "autolab_store_write_duration_seconds",
					Help:    "Knowledge store write duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			knownEntities: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "autolab_known_entities",
					Help: "Entities currently known to the knowledge store.",
				},
			),
			goalDeficit: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "autolab_goal_deficit",
					Help: "Normalized goal deficit in [0,1] by metric.",
				},
				[]string{"metric"},
			),
			goalCurrent: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "autolab_goal_current_value",
					Help: "Current value of each goal metric.",
				},
				[]string{"metric"},
			),
		}

		prometheus.MustRegister(
			m.cyclesTotal,
			m.cycleDuration,
			m.consecutiveFailures,
			m.backoffDelay,
			m.actionsTotal,
			m.actionDuration,
			m.actionsInFlight,
			m.deferralsTotal,
			m.fallbacksTotal,
			m.storeWriteErrors,
			m.storeWriteLatency,
			m.knownEntities,
			m.goalDeficit,
			m.goalCurrent,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordCycle(duration time.Duration, success bool) {
	m := getMetrics()
	outcome := "error"
	if success {
		outcome = "success"
	}
	m.cyclesTotal.WithLabelValues(outcome).Inc()
	m.cycleDuration.Observe(duration.Seconds())
}

func SetConsecutiveFailures(n int) {
	m := getMetrics()
	m.consecutiveFailures.Set(float64(n))
}

func SetBackoffDelay(delay time.Duration) {
	m := getMetrics()
	m.backoffDelay.Set(delay.Seconds())
}

func RecordAction(kind, status string, duration time.Duration) {
	m := getMetrics()
	m.actionsTotal.WithLabelValues(kind, status).Inc()
	m.actionDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func AddActionsInFlight(delta int) {
	m := getMetrics()
	m.actionsInFlight.Add(float64(delta))
}

func RecordDeferral(kind string) {
	m := getMetrics()
	m.deferralsTotal.WithLabelValues(kind).Inc()
}

func RecordFallback(kind string) {
	m := getMetrics()
	m.fallbacksTotal.WithLabelValues(kind).Inc()
}

func RecordStoreWrite(duration time.Duration) {
	m := getMetrics()
	m.storeWriteLatency.Observe(duration.Seconds())
}

func RecordStoreWriteError(kind string) {
	m := getMetrics()
	m.storeWriteErrors.WithLabelValues(kind).Inc()
}

func SetKnownEntities(total int) {
	m := getMetrics()
	m.knownEntities.Set(float64(total))
}

func SetGoal(metric string, current, deficit float64) {
	m := getMetrics()
	m.goalCurrent.WithLabelValues(metric).Set(current)
	m.goalDeficit.WithLabelValues(metric).Set(deficit)
}
