package metrics

import "github.com/prometheus/client_golang/prometheus"

// SchedulerMetrics exposes counters/histograms for allocation runs and
// lifecycle sweeps.
type SchedulerMetrics struct {
	allocationTotal   *prometheus.CounterVec
	allocationSeconds prometheus.Histogram
	unplacedTotal     prometheus.Counter
	transitionTotal   *prometheus.CounterVec
	sweepFailures     prometheus.Counter
	rebalanceCoalesce prometheus.Counter
	rebalanceDepth    prometheus.Gauge
}

func NewSchedulerMetrics(reg prometheus.Registerer) *SchedulerMetrics {
	m := &SchedulerMetrics{
		allocationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opd",
			Subsystem: "scheduler",
			Name:      "allocation_runs_total",
			Help:      "Total slot allocation runs",
		}, []string{"status"}),
		allocationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "opd",
			Subsystem: "scheduler",
			Name:      "allocation_seconds",
			Help:      "Latency of slot allocation runs",
			Buckets:   prometheus.DefBuckets,
		}),
		unplacedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opd",
			Subsystem: "scheduler",
			Name:      "allocation_unplaced_total",
			Help:      "Candidates the allocator could not seat",
		}),
		transitionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opd",
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Appointment status transitions applied by the sweeper",
		}, []string{"from", "to"}),
		sweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opd",
			Subsystem: "lifecycle",
			Name:      "sweep_failures_total",
			Help:      "Sweep passes that failed to commit",
		}),
		rebalanceCoalesce: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opd",
			Subsystem: "rebalance",
			Name:      "coalesced_total",
			Help:      "Rebalance requests coalesced into an already-queued run",
		}),
		rebalanceDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "opd",
			Subsystem: "rebalance",
			Name:      "queue_depth",
			Help:      "Rebalance keys currently queued",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.allocationTotal, m.allocationSeconds, m.unplacedTotal,
		m.transitionTotal, m.sweepFailures, m.rebalanceCoalesce, m.rebalanceDepth,
	)
	return m
}

func (m *SchedulerMetrics) ObserveAllocation(status string, seconds float64) {
	if m == nil {
		return
	}
	m.allocationTotal.WithLabelValues(status).Inc()
	m.allocationSeconds.Observe(seconds)
}

func (m *SchedulerMetrics) ObserveUnplaced(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.unplacedTotal.Add(float64(count))
}

func (m *SchedulerMetrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitionTotal.WithLabelValues(from, to).Inc()
}

func (m *SchedulerMetrics) ObserveSweepFailure() {
	if m == nil {
		return
	}
	m.sweepFailures.Inc()
}

func (m *SchedulerMetrics) ObserveCoalesced() {
	if m == nil {
		return
	}
	m.rebalanceCoalesce.Inc()
}

func (m *SchedulerMetrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.rebalanceDepth.Set(float64(depth))
}
