package flow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes Prometheus metrics for engine, guard, and queue activity,
// all namespaced "flowrun":
//
//	inflight_steps              gauge:     steps currently executing
//	queue_depth                 gauge:     runs waiting in the run queue
//	step_latency_ms             histogram: step duration by workflow/step/status
//	runs_total                  counter:   finished runs by workflow/status
//	run_retries_total           counter:   queue-level run retries
//	breaker_transitions_total   counter:   circuit state changes by endpoint
//	limiter_wait_ms             histogram: rate-limiter admission wait
//
// Expose them by registering with a prometheus registry and serving
// promhttp. All methods are safe for concurrent use.
type Metrics struct {
	inflightSteps prometheus.Gauge
	queueDepth    prometheus.Gauge
	stepLatency   *prometheus.HistogramVec
	runsTotal     *prometheus.CounterVec
	runRetries    *prometheus.CounterVec
	breakerTrans  *prometheus.CounterVec
	limiterWait   *prometheus.HistogramVec
}

// NewMetrics creates and registers the collectors. A nil registry uses
// prometheus.DefaultRegisterer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		inflightSteps: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowrun",
			Name:      "inflight_steps",
			Help:      "Steps currently executing across all runs",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowrun",
			Name:      "queue_depth",
			Help:      "Run requests waiting in the run queue",
		}),
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowrun",
			Name:      "step_latency_ms",
			Help:      "Step execution duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"workflow_id", "step_id", "status"}),
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowrun",
			Name:      "runs_total",
			Help:      "Finished workflow runs by outcome",
		}, []string{"workflow_id", "status"}),
		runRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowrun",
			Name:      "run_retries_total",
			Help:      "Whole-run retries performed by the run queue",
		}, []string{"workflow_id"}),
		breakerTrans: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowrun",
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions by endpoint",
		}, []string{"endpoint", "to"}),
		limiterWait: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowrun",
			Name:      "limiter_wait_ms",
			Help:      "Time calls spent waiting for rate-limiter admission",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 30000},
		}, []string{"endpoint"}),
	}
}

// StepStarted increments the in-flight gauge.
func (m *Metrics) StepStarted() {
	m.inflightSteps.Inc()
}

// StepFinished decrements the in-flight gauge and records the latency.
func (m *Metrics) StepFinished(workflowID, stepID, status string, elapsed time.Duration) {
	m.inflightSteps.Dec()
	m.stepLatency.WithLabelValues(workflowID, stepID, status).Observe(float64(elapsed.Milliseconds()))
}

// RunFinished counts a finished run by outcome.
func (m *Metrics) RunFinished(workflowID, status string) {
	m.runsTotal.WithLabelValues(workflowID, status).Inc()
}

// RunRetried counts a queue-level whole-run retry.
func (m *Metrics) RunRetried(workflowID string) {
	m.runRetries.WithLabelValues(workflowID).Inc()
}

// SetQueueDepth reports the current run queue backlog.
func (m *Metrics) SetQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}

// BreakerTransition counts a circuit state change.
func (m *Metrics) BreakerTransition(endpoint, to string) {
	m.breakerTrans.WithLabelValues(endpoint, to).Inc()
}

// LimiterWait records rate-limiter admission latency.
func (m *Metrics) LimiterWait(endpoint string, waited time.Duration) {
	m.limiterWait.WithLabelValues(endpoint).Observe(float64(waited.Milliseconds()))
}
