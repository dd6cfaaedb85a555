package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "courier"

// Metrics holds every collector the pipeline reports to.
//
// All methods are safe on a nil receiver so components can run without metrics.
type Metrics struct {
	reg *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	queueEnqueued prometheus.Counter
	queueRejected prometheus.Counter
	queueSize     prometheus.Gauge

	admissions *prometheus.CounterVec

	senderAttempts *prometheus.CounterVec
	senderResults  *prometheus.CounterVec
	senderDuration *prometheus.HistogramVec
	circuitState   *prometheus.GaugeVec

	outcomes      *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	batchSize     prometheus.Histogram

	webhookEvents *prometheus.CounterVec

	maintenanceRuns *prometheus.CounterVec

	eventsExported *prometheus.CounterVec
}

// New builds a fresh registry with process and Go runtime collectors plus the
// pipeline collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		reg: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "code"}),

		queueEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "enqueued_total",
			Help: "Messages accepted into the delivery queue.",
		}),
		queueRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "rejected_total",
			Help: "Enqueue calls rejected because the queue was full.",
		}),
		queueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "size",
			Help: "Last observed value of the shared queue size counter.",
		}),

		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ratelimit", Name: "admissions_total",
			Help: "Rate limiter decisions.",
		}, []string{"result"}),

		senderAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sender", Name: "attempts_total",
			Help: "Provider calls attempted, including local retries.",
		}, []string{"provider"}),
		senderResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sender", Name: "results_total",
			Help: "Final send outcomes.",
		}, []string{"provider", "result"}),
		senderDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "sender", Name: "attempt_duration_seconds",
			Help:    "Latency of a single provider call.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"provider"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sender", Name: "circuit_state",
			Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}, []string{"provider"}),

		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "processor", Name: "outcomes_total",
			Help: "Per-message results of processor cycles.",
		}, []string{"state"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "processor", Name: "cycle_duration_seconds",
			Help:    "Duration of processor cycles that dispatched at least one message.",
			Buckets: prometheus.DefBuckets,
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "processor", Name: "batch_size",
			Help:    "Messages dispatched per cycle.",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		}),

		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "webhook", Name: "events_total",
			Help: "Provider status events received.",
		}, []string{"status", "result"}),

		maintenanceRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "maintenance", Name: "runs_total",
			Help: "Maintenance job runs.",
		}, []string{"job", "result"}),

		eventsExported: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "exported_total",
			Help: "Delivery events forwarded to Kafka.",
		}, []string{"type", "result"}),
	}

	reg.MustRegister(
		m.httpRequests, m.httpDuration,
		m.queueEnqueued, m.queueRejected, m.queueSize,
		m.admissions,
		m.senderAttempts, m.senderResults, m.senderDuration, m.circuitState,
		m.outcomes, m.cycleDuration, m.batchSize,
		m.webhookEvents,
		m.maintenanceRuns,
		m.eventsExported,
	)
	return m
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveHTTPRequest(method, route, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, code).Inc()
	m.httpDuration.WithLabelValues(method, route, code).Observe(d.Seconds())
}

func (m *Metrics) IncEnqueued() {
	if m == nil {
		return
	}
	m.queueEnqueued.Inc()
}

func (m *Metrics) IncRejected() {
	if m == nil {
		return
	}
	m.queueRejected.Inc()
}

func (m *Metrics) SetQueueSize(n int64) {
	if m == nil {
		return
	}
	m.queueSize.Set(float64(n))
}

func (m *Metrics) ObserveAdmission(allowed bool) {
	if m == nil {
		return
	}
	result := "denied"
	if allowed {
		result = "admitted"
	}
	m.admissions.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveSendAttempt(provider string, d time.Duration) {
	if m == nil {
		return
	}
	m.senderAttempts.WithLabelValues(provider).Inc()
	m.senderDuration.WithLabelValues(provider).Observe(d.Seconds())
}

func (m *Metrics) IncSendResult(provider, result string) {
	if m == nil {
		return
	}
	m.senderResults.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) SetCircuitState(provider string, state int) {
	if m == nil {
		return
	}
	m.circuitState.WithLabelValues(provider).Set(float64(state))
}

func (m *Metrics) IncOutcome(state string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(state).Inc()
}

func (m *Metrics) ObserveCycle(dispatched int, d time.Duration) {
	if m == nil {
		return
	}
	m.batchSize.Observe(float64(dispatched))
	m.cycleDuration.Observe(d.Seconds())
}

func (m *Metrics) IncWebhookEvent(status, result string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(status, result).Inc()
}

func (m *Metrics) IncMaintenanceRun(job string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.maintenanceRuns.WithLabelValues(job, result).Inc()
}

func (m *Metrics) IncEventExported(eventType string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.eventsExported.WithLabelValues(eventType, result).Inc()
}
