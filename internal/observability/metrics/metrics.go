package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "clinic"

// JobMetrics exposes counters/histograms for the deferred job queue.
type JobMetrics struct {
	enqueuedTotal  *prometheus.CounterVec
	completedTotal *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	lateness       *prometheus.HistogramVec
	recovered      prometheus.Counter
}

func NewJobMetrics(reg prometheus.Registerer) *JobMetrics {
	m := &JobMetrics{
		enqueuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "enqueued_total",
			Help:      "Total jobs enqueued",
		}, []string{"name", "status"}),
		completedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "completed_total",
			Help:      "Total jobs finished by the worker",
		}, []string{"name", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Handler run time",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"}),
		lateness: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "lateness_seconds",
			Help:      "Delay between a job's run-at time and the moment it started",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		}, []string{"name"}),
		recovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "recovered_total",
			Help:      "Jobs requeued after their worker lease expired",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.enqueuedTotal, m.completedTotal, m.duration, m.lateness, m.recovered)
	return m
}

// ObserveEnqueued counts an enqueue attempt; duplicate is true when the id
// was already queued or recently finished.
func (m *JobMetrics) ObserveEnqueued(name string, duplicate bool) {
	if m == nil {
		return
	}
	status := "queued"
	if duplicate {
		status = "duplicate"
	}
	m.enqueuedTotal.WithLabelValues(name, status).Inc()
}

func (m *JobMetrics) ObserveCompleted(name, status string, seconds float64) {
	if m == nil {
		return
	}
	m.completedTotal.WithLabelValues(name, status).Inc()
	m.duration.WithLabelValues(name).Observe(seconds)
}

func (m *JobMetrics) ObserveLateness(name string, seconds float64) {
	if m == nil {
		return
	}
	if seconds < 0 {
		seconds = 0
	}
	m.lateness.WithLabelValues(name).Observe(seconds)
}

func (m *JobMetrics) ObserveRecovered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recovered.Add(float64(n))
}

// ScenarioMetrics covers scheduling, delivery and booking binding.
type ScenarioMetrics struct {
	scheduledTotal     *prometheus.CounterVec
	deliveriesTotal    *prometheus.CounterVec
	parseFailuresTotal *prometheus.CounterVec
	bindOutcomesTotal  *prometheus.CounterVec
	lockWait           prometheus.Histogram
}

func NewScenarioMetrics(reg prometheus.Registerer) *ScenarioMetrics {
	m := &ScenarioMetrics{
		scheduledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scenario",
			Name:      "scheduled_messages_total",
			Help:      "Scenario message parts handed to the job queue",
		}, []string{"kind", "status"}),
		deliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scenario",
			Name:      "deliveries_total",
			Help:      "Scenario messages sent to the chat transport",
		}, []string{"kind", "status"}),
		parseFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scenario",
			Name:      "offset_parse_failures_total",
			Help:      "Messages skipped because their time offset did not parse",
		}, []string{"source"}),
		bindOutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scenario",
			Name:      "bind_outcomes_total",
			Help:      "CRM bookings evaluated by the binder",
		}, []string{"outcome"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scenario",
			Name:      "delivery_lock_wait_seconds",
			Help:      "Time spent waiting for the delivery lock",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.scheduledTotal, m.deliveriesTotal, m.parseFailuresTotal, m.bindOutcomesTotal, m.lockWait)
	return m
}

func (m *ScenarioMetrics) ObserveScheduled(kind, status string) {
	if m == nil {
		return
	}
	m.scheduledTotal.WithLabelValues(kind, status).Inc()
}

func (m *ScenarioMetrics) ObserveDelivery(kind, status string) {
	if m == nil {
		return
	}
	m.deliveriesTotal.WithLabelValues(kind, status).Inc()
}

func (m *ScenarioMetrics) ObserveParseFailure(source string) {
	if m == nil {
		return
	}
	m.parseFailuresTotal.WithLabelValues(source).Inc()
}

func (m *ScenarioMetrics) ObserveBind(outcome string) {
	if m == nil {
		return
	}
	m.bindOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (m *ScenarioMetrics) ObserveLockWait(seconds float64) {
	if m == nil {
		return
	}
	m.lockWait.Observe(seconds)
}
