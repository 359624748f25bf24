package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the namespace for all pipeline metrics.
	Namespace = "deal_automation"

	// Subsystem is the subsystem for pipeline metrics.
	Subsystem = "pipeline"
)

// Metrics holds the Prometheus collectors for the pipeline.
type Metrics struct {
	Events         *prometheus.CounterVec
	JobsTotal      *prometheus.CounterVec
	JobDuration    prometheus.Histogram
	QueueDepth     prometheus.Gauge
	TokensAvail    prometheus.Gauge
	ProviderCalls  *prometheus.CounterVec
	CircuitState   prometheus.Gauge
	SchedulerTicks *prometheus.CounterVec
}

// NewMetrics creates and registers all pipeline metrics. A nil registerer
// uses the default one.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)
	m := &Metrics{}

	m.initCounters(factory)
	m.initGauges(factory)

	return m
}

func (m *Metrics) initCounters(factory promauto.Factory) {
	m.Events = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "events_total",
			Help:      "Pipeline run counters by event",
		},
		[]string{"event"},
	)

	m.JobsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "jobs_total",
			Help:      "Category jobs finished by outcome",
		},
		[]string{"outcome"},
	)

	m.JobDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "job_duration_seconds",
			Help:      "Duration of category job processing in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
	)

	m.ProviderCalls = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "provider_calls_total",
			Help:      "Provider calls by result",
		},
		[]string{"result"},
	)

	m.SchedulerTicks = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "scheduler_ticks_total",
			Help:      "Scheduler ticks by result",
		},
		[]string{"result"},
	)
}

func (m *Metrics) initGauges(factory promauto.Factory) {
	m.QueueDepth = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "queue_depth",
			Help:      "Non-terminal category jobs in the queue",
		},
	)

	m.TokensAvail = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "tokens_available",
			Help:      "Provider tokens available in the shared bucket",
		},
	)

	m.CircuitState = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "provider_circuit_state",
			Help:      "Provider circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
	)
}
