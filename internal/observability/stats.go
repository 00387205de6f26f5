package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"prism/internal/cache"
	"prism/internal/conversation"
	"prism/internal/policy"
	"prism/internal/quantum"
)

// StatsCollector exports point-in-time readings from the core subsystems on
// every scrape. Values come from each subsystem's own snapshot method, so
// the collector holds no state and no locks; any source may be nil and its
// series are simply absent.
type StatsCollector struct {
	caches   *cache.Registry
	sessions *conversation.Manager
	pool     *quantum.Executor
	agent    *policy.Agent

	cacheEntries   *prometheus.Desc
	cacheHits      *prometheus.Desc
	cacheMisses    *prometheus.Desc
	cacheEvictions *prometheus.Desc
	cacheExpired   *prometheus.Desc

	convSessions  *prometheus.Desc
	convMessages  *prometheus.Desc
	convUsers     *prometheus.Desc
	convBytes     *prometheus.Desc
	convEvictions *prometheus.Desc

	poolBusyWorkers *prometheus.Desc
	poolMaxWorkers  *prometheus.Desc
	poolQueueCap    *prometheus.Desc
	poolInFlight    *prometheus.Desc

	agentEpsilon    *prometheus.Desc
	agentTrainSteps *prometheus.Desc
	agentBufferUtil *prometheus.Desc
	agentLastLoss   *prometheus.Desc
}

// NewStatsCollector builds the collector over whichever sources exist.
func NewStatsCollector(caches *cache.Registry, sessions *conversation.Manager, pool *quantum.Executor, agent *policy.Agent) *StatsCollector {
	fq := func(subsystem, name string) string {
		return prometheus.BuildFQName("prism", subsystem, name)
	}
	return &StatsCollector{
		caches:   caches,
		sessions: sessions,
		pool:     pool,
		agent:    agent,

		cacheEntries: prometheus.NewDesc(fq("cache", "entries"),
			"Live entries per cache.", []string{"cache"}, nil),
		cacheHits: prometheus.NewDesc(fq("cache", "hits_total"),
			"Lookup hits per cache.", []string{"cache"}, nil),
		cacheMisses: prometheus.NewDesc(fq("cache", "misses_total"),
			"Lookup misses per cache.", []string{"cache"}, nil),
		cacheEvictions: prometheus.NewDesc(fq("cache", "evictions_total"),
			"Capacity evictions per cache.", []string{"cache"}, nil),
		cacheExpired: prometheus.NewDesc(fq("cache", "expired_total"),
			"Entries dropped by TTL expiry per cache.", []string{"cache"}, nil),

		convSessions: prometheus.NewDesc(fq("conversation", "sessions"),
			"Conversations currently held in memory.", nil, nil),
		convMessages: prometheus.NewDesc(fq("conversation", "messages"),
			"Messages across all held conversations.", nil, nil),
		convUsers: prometheus.NewDesc(fq("conversation", "active_users"),
			"Distinct users with a live conversation.", nil, nil),
		convBytes: prometheus.NewDesc(fq("conversation", "memory_bytes"),
			"Approximate bytes held by conversation history.", nil, nil),
		convEvictions: prometheus.NewDesc(fq("conversation", "evictions_total"),
			"Messages evicted by the token window.", nil, nil),

		poolBusyWorkers: prometheus.NewDesc(fq("pool", "busy_workers"),
			"Workers currently running a branch.", nil, nil),
		poolMaxWorkers: prometheus.NewDesc(fq("pool", "max_workers"),
			"Configured worker ceiling.", nil, nil),
		poolQueueCap: prometheus.NewDesc(fq("pool", "queue_capacity"),
			"Configured admission queue depth.", nil, nil),
		poolInFlight: prometheus.NewDesc(fq("pool", "inflight_branches"),
			"Branches admitted and not yet finished.", nil, nil),

		agentEpsilon: prometheus.NewDesc(fq("agent", "epsilon"),
			"Current exploration rate.", nil, nil),
		agentTrainSteps: prometheus.NewDesc(fq("agent", "train_steps_total"),
			"Gradient steps taken so far.", nil, nil),
		agentBufferUtil: prometheus.NewDesc(fq("agent", "buffer_utilization"),
			"Replay buffer fill fraction.", nil, nil),
		agentLastLoss: prometheus.NewDesc(fq("agent", "last_loss"),
			"Loss of the most recent replay batch.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cacheEntries
	ch <- c.cacheHits
	ch <- c.cacheMisses
	ch <- c.cacheEvictions
	ch <- c.cacheExpired
	ch <- c.convSessions
	ch <- c.convMessages
	ch <- c.convUsers
	ch <- c.convBytes
	ch <- c.convEvictions
	ch <- c.poolBusyWorkers
	ch <- c.poolMaxWorkers
	ch <- c.poolQueueCap
	ch <- c.poolInFlight
	ch <- c.agentEpsilon
	ch <- c.agentTrainSteps
	ch <- c.agentBufferUtil
	ch <- c.agentLastLoss
}

// Collect implements prometheus.Collector.
func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	if c.caches != nil {
		for _, s := range c.caches.Snapshot() {
			ch <- prometheus.MustNewConstMetric(c.cacheEntries, prometheus.GaugeValue, float64(s.Size), s.Name)
			ch <- prometheus.MustNewConstMetric(c.cacheHits, prometheus.CounterValue, float64(s.Hits), s.Name)
			ch <- prometheus.MustNewConstMetric(c.cacheMisses, prometheus.CounterValue, float64(s.Misses), s.Name)
			ch <- prometheus.MustNewConstMetric(c.cacheEvictions, prometheus.CounterValue, float64(s.Evictions), s.Name)
			ch <- prometheus.MustNewConstMetric(c.cacheExpired, prometheus.CounterValue, float64(s.Expired), s.Name)
		}
	}
	if c.sessions != nil {
		s := c.sessions.Stats()
		ch <- prometheus.MustNewConstMetric(c.convSessions, prometheus.GaugeValue, float64(s.TotalConversations))
		ch <- prometheus.MustNewConstMetric(c.convMessages, prometheus.GaugeValue, float64(s.TotalMessages))
		ch <- prometheus.MustNewConstMetric(c.convUsers, prometheus.GaugeValue, float64(s.ActiveUsers))
		ch <- prometheus.MustNewConstMetric(c.convBytes, prometheus.GaugeValue, s.MemoryUsageMB*1024*1024)
		ch <- prometheus.MustNewConstMetric(c.convEvictions, prometheus.CounterValue, float64(s.Evictions))
	}
	if c.pool != nil {
		s := c.pool.Stats()
		ch <- prometheus.MustNewConstMetric(c.poolBusyWorkers, prometheus.GaugeValue, float64(s.BusyWorkers))
		ch <- prometheus.MustNewConstMetric(c.poolMaxWorkers, prometheus.GaugeValue, float64(s.MaxWorkers))
		ch <- prometheus.MustNewConstMetric(c.poolQueueCap, prometheus.GaugeValue, float64(s.QueueCapacity))
		ch <- prometheus.MustNewConstMetric(c.poolInFlight, prometheus.GaugeValue, float64(s.InFlightBranches))
	}
	if c.agent != nil {
		m := c.agent.Metrics()
		ch <- prometheus.MustNewConstMetric(c.agentEpsilon, prometheus.GaugeValue, m.Epsilon)
		ch <- prometheus.MustNewConstMetric(c.agentTrainSteps, prometheus.CounterValue, float64(m.TrainSteps))
		ch <- prometheus.MustNewConstMetric(c.agentBufferUtil, prometheus.GaugeValue, m.MemoryUtilization)
		ch <- prometheus.MustNewConstMetric(c.agentLastLoss, prometheus.GaugeValue, m.LastLoss)
	}
}
