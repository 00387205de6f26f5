package orchestrator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report coordinator activity.
type Metrics struct {
	stageDuration  *prometheus.HistogramVec
	requestsTotal  *prometheus.CounterVec
	branchesTotal  *prometheus.CounterVec
	rewardValue    prometheus.Histogram
	tasksActive    prometheus.Gauge
	flightJoins    prometheus.Counter
	agentOverrides prometheus.Counter
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry. The collectors are created only once to
// avoid duplicate registration panics when the coordinator is instantiated
// multiple times (e.g. in unit tests).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Callers needing isolated metric names (tests) supply a fresh registry.
// Registration errors other than duplicate registration panic, mirroring
// promauto semantics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "prism",
			Subsystem: "orchestrator",
			Name:      "stage_duration_seconds",
			Help:      "Duration spent in each request stage.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stage", "status"},
	)
	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "prism",
			Subsystem: "orchestrator",
			Name:      "requests_total",
			Help:      "Requests by final outcome.",
		},
		[]string{"outcome"},
	)
	branchesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "prism",
			Subsystem: "orchestrator",
			Name:      "branches_total",
			Help:      "Speculative branches by terminal status.",
		},
		[]string{"status"},
	)
	rewardValue := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "prism",
			Subsystem: "orchestrator",
			Name:      "reward_value",
			Help:      "Reward signal fed to the routing policy.",
			Buckets:   prometheus.LinearBuckets(-1, 0.2, 11),
		},
	)
	tasksActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "prism",
			Subsystem: "orchestrator",
			Name:      "tasks_active",
			Help:      "Tasks currently executing.",
		},
	)
	flightJoins := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "prism",
			Subsystem: "orchestrator",
			Name:      "flight_joins_total",
			Help:      "Requests that joined an identical in-flight execution.",
		},
	)
	agentOverrides := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "prism",
			Subsystem: "orchestrator",
			Name:      "agent_overrides_total",
			Help:      "Routing decisions replaced by the learned policy.",
		},
	)

	collectors := []prometheus.Collector{
		stageDuration, requestsTotal, branchesTotal, rewardValue,
		tasksActive, flightJoins, agentOverrides,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch target := collector.(type) {
				case *prometheus.HistogramVec:
					stageDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case *prometheus.CounterVec:
					switch target { //nolint:exhaustive
					case requestsTotal:
						requestsTotal = already.ExistingCollector.(*prometheus.CounterVec)
					case branchesTotal:
						branchesTotal = already.ExistingCollector.(*prometheus.CounterVec)
					}
				case prometheus.Histogram:
					rewardValue = already.ExistingCollector.(prometheus.Histogram)
				case prometheus.Gauge:
					tasksActive = already.ExistingCollector.(prometheus.Gauge)
				case prometheus.Counter:
					switch target {
					case flightJoins:
						flightJoins = already.ExistingCollector.(prometheus.Counter)
					case agentOverrides:
						agentOverrides = already.ExistingCollector.(prometheus.Counter)
					}
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		stageDuration:  stageDuration,
		requestsTotal:  requestsTotal,
		branchesTotal:  branchesTotal,
		rewardValue:    rewardValue,
		tasksActive:    tasksActive,
		flightJoins:    flightJoins,
		agentOverrides: agentOverrides,
	}
}

// ObserveStage records the time spent in a stage with the given status label.
func (m *Metrics) ObserveStage(stage, status string, duration time.Duration) {
	if m == nil || m.stageDuration == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage, status).Observe(duration.Seconds())
}

// IncRequest counts one finished request by outcome
// (complete, error, cache_hit).
func (m *Metrics) IncRequest(outcome string) {
	if m == nil || m.requestsTotal == nil {
		return
	}
	m.requestsTotal.WithLabelValues(outcome).Inc()
}

// IncBranch counts one terminal branch status.
func (m *Metrics) IncBranch(status string) {
	if m == nil || m.branchesTotal == nil {
		return
	}
	m.branchesTotal.WithLabelValues(status).Inc()
}

// ObserveReward records one reward signal.
func (m *Metrics) ObserveReward(reward float64) {
	if m == nil || m.rewardValue == nil {
		return
	}
	m.rewardValue.Observe(reward)
}

// IncActiveTasks marks a task as executing.
func (m *Metrics) IncActiveTasks() {
	if m == nil || m.tasksActive == nil {
		return
	}
	m.tasksActive.Inc()
}

// DecActiveTasks marks a task as finished.
func (m *Metrics) DecActiveTasks() {
	if m == nil || m.tasksActive == nil {
		return
	}
	m.tasksActive.Dec()
}

// IncFlightJoin counts a request deduplicated onto an in-flight execution.
func (m *Metrics) IncFlightJoin() {
	if m == nil || m.flightJoins == nil {
		return
	}
	m.flightJoins.Inc()
}

// IncAgentOverride counts a learned-policy override of the scored decision.
func (m *Metrics) IncAgentOverride() {
	if m == nil || m.agentOverrides == nil {
		return
	}
	m.agentOverrides.Inc()
}
