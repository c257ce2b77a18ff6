package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Background sync outcomes.
const (
	BgSyncQueued       = "queued"
	BgSyncNotQueued    = "not_queued"
	BgSyncRemoved      = "removed"
	BgSyncDeclined     = "declined"
	BgSyncFailed       = "failed"
	BgSyncNotification = "notify_failed"
)

// Collector holds the Prometheus metrics of the request pipeline.
// All methods are safe to call on a nil Collector, which records nothing.
type Collector struct {
	cacheHits     *prometheus.CounterVec
	cacheMisses   *prometheus.CounterVec
	cacheErrors   *prometheus.CounterVec
	offline       *prometheus.CounterVec
	bgSync        *prometheus.CounterVec
	agentQueued   prometheus.Counter
	agentReplayed *prometheus.CounterVec
}

// New registers the metrics on registry.
func New(registry prometheus.Registerer) *Collector {
	return &Collector{
		cacheHits: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline_fetch_cache_hits_total",
				Help: "Total number of cache store hits",
			},
			[]string{"store"},
		),
		cacheMisses: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline_fetch_cache_misses_total",
				Help: "Total number of cache store misses",
			},
			[]string{"store"},
		),
		cacheErrors: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline_fetch_cache_errors_total",
				Help: "Total number of cache provider errors",
			},
			[]string{"store", "op"},
		),
		offline: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline_fetch_offline_total",
				Help: "Total number of requests that found the client offline",
			},
			[]string{"method"},
		),
		bgSync: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline_fetch_bgsync_total",
				Help: "Total number of background sync attempts by outcome",
			},
			[]string{"mode", "outcome"},
		),
		agentQueued: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "offline_fetch_agent_queued_total",
				Help: "Total number of requests queued by the sync agent",
			},
		),
		agentReplayed: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline_fetch_agent_replayed_total",
				Help: "Total number of queued requests replayed by the sync agent",
			},
			[]string{"result"},
		),
	}
}

func (c *Collector) CacheHit(store string) {
	if c != nil {
		c.cacheHits.WithLabelValues(store).Inc()
	}
}

func (c *Collector) CacheMiss(store string) {
	if c != nil {
		c.cacheMisses.WithLabelValues(store).Inc()
	}
}

func (c *Collector) CacheError(store, op string) {
	if c != nil {
		c.cacheErrors.WithLabelValues(store, op).Inc()
	}
}

func (c *Collector) Offline(method string) {
	if c != nil {
		c.offline.WithLabelValues(method).Inc()
	}
}

func (c *Collector) BgSync(mode, outcome string) {
	if c != nil {
		c.bgSync.WithLabelValues(mode, outcome).Inc()
	}
}

func (c *Collector) AgentQueued() {
	if c != nil {
		c.agentQueued.Inc()
	}
}

func (c *Collector) AgentReplayed(result string) {
	if c != nil {
		c.agentReplayed.WithLabelValues(result).Inc()
	}
}
