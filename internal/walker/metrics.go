package walker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/FranciscoMoretti/notion-downloader-sub001/internal/notion"
)

// Cache lookup results.
const (
	cacheHit         = "hit"
	cacheMiss        = "miss"
	cacheRevalidated = "revalidated"
	cacheStale       = "stale"
)

// Metrics is optional; a nil *Metrics records nothing.
type Metrics struct {
	requests     *prometheus.CounterVec
	cacheLookups *prometheus.CounterVec
	walkDuration *prometheus.HistogramVec
	nodes        prometheus.Gauge
}

// NewMetrics registers the walker collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "notion_downloader_remote_requests_total",
			Help: "Remote API requests issued by the walker, by operation",
		}, []string{"operation"}),
		cacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "notion_downloader_cache_lookups_total",
			Help: "Object store lookups by kind and result",
		}, []string{"kind", "result"}),
		walkDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "notion_downloader_walk_duration_seconds",
			Help:    "Duration of a full discovery walk",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"result"}),
		nodes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "notion_downloader_tree_nodes",
			Help: "Nodes in the most recently discovered tree",
		}),
	}
}

func (m *Metrics) request(op string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(op).Inc()
}

func (m *Metrics) cacheLookup(kind notion.ObjectKind, result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(string(kind), result).Inc()
}

func (m *Metrics) observeWalk(started time.Time, nodes int, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	} else {
		m.nodes.Set(float64(nodes))
	}
	m.walkDuration.WithLabelValues(result).Observe(time.Since(started).Seconds())
}
