package metrics

import "github.com/prometheus/client_golang/prometheus"

// SchedulerMetrics exposes counters/histograms for booking mutations.
type SchedulerMetrics struct {
	operationsTotal   *prometheus.CounterVec
	conflictsTotal    *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
}

func NewSchedulerMetrics(reg prometheus.Registerer) *SchedulerMetrics {
	m := &SchedulerMetrics{
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "agenda",
			Name:      "operations_total",
			Help:      "Scheduler operations by outcome",
		}, []string{"operation", "outcome"}),
		conflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "agenda",
			Name:      "conflicts_total",
			Help:      "Rejected bookings by contended resource",
		}, []string{"resource"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "agenda",
			Name:      "operation_duration_seconds",
			Help:      "Latency of scheduler operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.operationsTotal, m.conflictsTotal, m.operationDuration)
	return m
}

// ObserveOperation records one finished operation. outcome is "ok" or an error kind.
func (m *SchedulerMetrics) ObserveOperation(operation, outcome string, seconds float64) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "ok"
	}
	m.operationsTotal.WithLabelValues(operation, outcome).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(seconds)
}

func (m *SchedulerMetrics) ObserveConflict(resource string) {
	if m == nil {
		return
	}
	if resource == "" {
		resource = "store"
	}
	m.conflictsTotal.WithLabelValues(resource).Inc()
}
