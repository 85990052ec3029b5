package metrics

import (
	"log"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Engine metrics
	ticksTotal       prometheus.Counter
	tickErrorsTotal  prometheus.Counter
	transitionsTotal prometheus.Counter
	tickDuration     prometheus.Histogram
	tickDrift        prometheus.Histogram

	// Dispatcher metrics
	controlAttemptsTotal *prometheus.CounterVec
	controlOutcomesTotal *prometheus.CounterVec
	requestDuration      prometheus.Histogram
	retryAttemptsTotal   *prometheus.CounterVec
	eventsInFlight       prometheus.Gauge

	// EventBus metrics
	bufferSize       prometheus.Gauge
	bufferCapacity   prometheus.Gauge
	bufferSaturation prometheus.Gauge
	emitErrorsTotal  prometheus.Counter

	// Reconciler metrics
	orphanedTransitions prometheus.Gauge
	transitionLatency   prometheus.Histogram

	// Leader election metrics
	leaderStatus        prometheus.Gauge
	leaderAcquiredTotal prometheus.Counter
	leaderLostTotal     *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
// Metrics that fail to register will be replaced with no-op collectors.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initEngineMetrics(reg)
	s.initDispatcherMetrics(reg)
	s.initEventBusMetrics(reg)
	s.initReconcilerMetrics(reg)
	s.initLeaderMetrics(reg)
	return s
}

func (s *PrometheusSink) initEngineMetrics(reg prometheus.Registerer) {
	s.ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "autocoder_engine_ticks_total",
		Help: "Total number of engine ticks processed.",
	})
	s.tickErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "autocoder_engine_tick_errors_total",
		Help: "Total number of engine tick errors.",
	})
	s.transitionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "autocoder_engine_transitions_total",
		Help: "Total number of window transitions emitted.",
	})
	s.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "autocoder_engine_tick_duration_seconds",
		Help:    "Duration of each engine tick in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})
	s.tickDrift = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "autocoder_engine_tick_drift_seconds",
		Help:    "Difference between actual tick time and expected interval in seconds.",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	s.register(reg, s.ticksTotal, "autocoder_engine_ticks_total")
	s.register(reg, s.tickErrorsTotal, "autocoder_engine_tick_errors_total")
	s.register(reg, s.transitionsTotal, "autocoder_engine_transitions_total")
	s.register(reg, s.tickDuration, "autocoder_engine_tick_duration_seconds")
	s.register(reg, s.tickDrift, "autocoder_engine_tick_drift_seconds")
}

func (s *PrometheusSink) initDispatcherMetrics(reg prometheus.Registerer) {
	s.controlAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autocoder_dispatcher_control_attempts_total",
		Help: "Total number of control endpoint delivery attempts.",
	}, []string{"attempt", "status_class"})

	s.controlOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autocoder_dispatcher_control_outcomes_total",
		Help: "Total number of final delivery outcomes per transition.",
	}, []string{"outcome"})

	s.requestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "autocoder_dispatcher_request_duration_seconds",
		Help:    "Control request latency in seconds (excludes backoff wait).",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	s.retryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autocoder_dispatcher_retry_attempts_total",
		Help: "Total number of retry attempts (excludes first attempt).",
	}, []string{"retryable"})

	s.eventsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "autocoder_dispatcher_events_in_flight",
		Help: "Number of events currently being processed.",
	})

	s.register(reg, s.controlAttemptsTotal, "autocoder_dispatcher_control_attempts_total")
	s.register(reg, s.controlOutcomesTotal, "autocoder_dispatcher_control_outcomes_total")
	s.register(reg, s.requestDuration, "autocoder_dispatcher_request_duration_seconds")
	s.register(reg, s.retryAttemptsTotal, "autocoder_dispatcher_retry_attempts_total")
	s.register(reg, s.eventsInFlight, "autocoder_dispatcher_events_in_flight")
}

func (s *PrometheusSink) initEventBusMetrics(reg prometheus.Registerer) {
	s.bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "autocoder_eventbus_buffer_size",
		Help: "Current number of events in the event bus buffer.",
	})
	s.bufferCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "autocoder_eventbus_buffer_capacity",
		Help: "Configured capacity of the event bus buffer.",
	})
	s.bufferSaturation = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "autocoder_eventbus_buffer_saturation",
		Help: "Buffer size divided by capacity, 0.0 to 1.0.",
	})
	s.emitErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "autocoder_eventbus_emit_errors_total",
		Help: "Total number of emit errors (buffer full).",
	})

	s.register(reg, s.bufferSize, "autocoder_eventbus_buffer_size")
	s.register(reg, s.bufferCapacity, "autocoder_eventbus_buffer_capacity")
	s.register(reg, s.bufferSaturation, "autocoder_eventbus_buffer_saturation")
	s.register(reg, s.emitErrorsTotal, "autocoder_eventbus_emit_errors_total")
}

func (s *PrometheusSink) initReconcilerMetrics(reg prometheus.Registerer) {
	s.orphanedTransitions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "autocoder_reconciler_orphaned_transitions",
		Help: "Number of stuck transitions found in the last reconcile pass.",
	})
	s.transitionLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "autocoder_reconciler_transition_latency_seconds",
		Help:    "Seconds between a transition's boundary time and its delivery.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})

	s.register(reg, s.orphanedTransitions, "autocoder_reconciler_orphaned_transitions")
	s.register(reg, s.transitionLatency, "autocoder_reconciler_transition_latency_seconds")
}

func (s *PrometheusSink) initLeaderMetrics(reg prometheus.Registerer) {
	s.leaderStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "autocoder_leader_is_leader",
		Help: "1 when this instance holds the leader lock, 0 otherwise.",
	})
	s.leaderAcquiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "autocoder_leader_acquired_total",
		Help: "Total number of times this instance acquired leadership.",
	})
	s.leaderLostTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autocoder_leader_lost_total",
		Help: "Total number of times this instance lost leadership.",
	}, []string{"reason"})

	s.register(reg, s.leaderStatus, "autocoder_leader_is_leader")
	s.register(reg, s.leaderAcquiredTotal, "autocoder_leader_acquired_total")
	s.register(reg, s.leaderLostTotal, "autocoder_leader_lost_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

// Engine metrics implementation

func (s *PrometheusSink) TickStarted() {
	s.ticksTotal.Inc()
}

func (s *PrometheusSink) TickCompleted(duration time.Duration, transitionsEmitted int, err error) {
	s.tickDuration.Observe(duration.Seconds())
	s.transitionsTotal.Add(float64(transitionsEmitted))
	if err != nil {
		s.tickErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) TickDrift(drift time.Duration) {
	// Record absolute drift value
	d := drift.Seconds()
	if d < 0 {
		d = -d
	}
	s.tickDrift.Observe(d)
}

// Dispatcher metrics implementation

func (s *PrometheusSink) ControlAttemptCompleted(attempt int, statusClass string, duration time.Duration) {
	s.controlAttemptsTotal.WithLabelValues(strconv.Itoa(attempt), statusClass).Inc()
	s.requestDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) ControlOutcome(outcome string) {
	s.controlOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) RetryAttempt(retryable bool) {
	label := "false"
	if retryable {
		label = "true"
	}
	s.retryAttemptsTotal.WithLabelValues(label).Inc()
}

func (s *PrometheusSink) EventsInFlightIncr() {
	s.eventsInFlight.Inc()
}

func (s *PrometheusSink) EventsInFlightDecr() {
	s.eventsInFlight.Dec()
}

// EventBus metrics implementation

func (s *PrometheusSink) BufferSizeUpdate(size int) {
	s.bufferSize.Set(float64(size))
}

func (s *PrometheusSink) BufferCapacitySet(capacity int) {
	s.bufferCapacity.Set(float64(capacity))
}

func (s *PrometheusSink) BufferSaturationUpdate(saturation float64) {
	s.bufferSaturation.Set(saturation)
}

func (s *PrometheusSink) EmitError() {
	s.emitErrorsTotal.Inc()
}

// Reconciler metrics implementation

func (s *PrometheusSink) OrphanedTransitionsUpdate(count int) {
	s.orphanedTransitions.Set(float64(count))
}

func (s *PrometheusSink) TransitionLatencyObserve(latencySeconds float64) {
	s.transitionLatency.Observe(latencySeconds)
}

// Leader election metrics implementation

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.leaderStatus.Set(1)
	} else {
		s.leaderStatus.Set(0)
	}
}

func (s *PrometheusSink) LeaderAcquired() {
	s.leaderAcquiredTotal.Inc()
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.leaderLostTotal.WithLabelValues(reason).Inc()
}
