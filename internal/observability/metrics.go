package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels shared by the fetch and probe metrics.
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeNotFound  = "not_found"
	OutcomeStale     = "stale"
	OutcomeCoalesced = "coalesced"
	OutcomeTimeout   = "timeout"
)

// Collector bundles Prometheus metrics for the catalog client, the viewport
// reconciler and the websocket bridge, and exposes them over HTTP.
type Collector struct {
	gatherer prometheus.Gatherer

	CatalogRequests  *prometheus.CounterVec
	CatalogDurations *prometheus.HistogramVec
	CatalogCache     *prometheus.CounterVec

	ViewportFetches  *prometheus.CounterVec
	RenderedEntities prometheus.Gauge
	Explosions       *prometheus.CounterVec

	BridgeMessages *prometheus.CounterVec
}

// NewCollector registers the metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_requests_total",
		Help: "Total number of catalog API requests, labeled by operation and outcome.",
	}, []string{"op", "outcome"}), "catalog_requests_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "catalog_request_duration_seconds",
		Help:    "Catalog API latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"op"}), "catalog_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	cache, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_station_cache_total",
		Help: "Station detail cache lookups, labeled hit or miss.",
	}, []string{"result"}), "catalog_station_cache_total")
	if err != nil {
		return nil, err
	}

	fetches, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "viewport_fetches_total",
		Help: "Viewport fetch outcomes: ok, error, stale or coalesced.",
	}, []string{"outcome"}), "viewport_fetches_total")
	if err != nil {
		return nil, err
	}

	rendered, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scene_rendered_entities",
		Help: "Current number of cluster and station markers owned by the reconciler.",
	}), "scene_rendered_entities")
	if err != nil {
		return nil, err
	}

	explosions, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cluster_explosions_total",
		Help: "Cluster explode and collapse transitions.",
	}, []string{"action"}), "cluster_explosions_total")
	if err != nil {
		return nil, err
	}

	messages, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_messages_total",
		Help: "Websocket bridge messages, labeled by direction and type.",
	}, []string{"direction", "type"}), "bridge_messages_total")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:         gatherer,
		CatalogRequests:  requests,
		CatalogDurations: durations,
		CatalogCache:     cache,
		ViewportFetches:  fetches,
		RenderedEntities: rendered,
		Explosions:       explosions,
		BridgeMessages:   messages,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveCatalogRequest records one catalog call.
func (c *Collector) ObserveCatalogRequest(op, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	if c.CatalogRequests != nil {
		c.CatalogRequests.WithLabelValues(op, outcome).Inc()
	}
	if c.CatalogDurations != nil {
		c.CatalogDurations.WithLabelValues(op).Observe(d.Seconds())
	}
}

// CacheResult counts a station cache lookup.
func (c *Collector) CacheResult(hit bool) {
	if c == nil || c.CatalogCache == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.CatalogCache.WithLabelValues(result).Inc()
}

// IncViewportFetch counts a reconciler fetch outcome.
func (c *Collector) IncViewportFetch(outcome string) {
	if c == nil || c.ViewportFetches == nil {
		return
	}
	c.ViewportFetches.WithLabelValues(outcome).Inc()
}

// SetRenderedEntities updates the rendered marker gauge.
func (c *Collector) SetRenderedEntities(n int) {
	if c == nil || c.RenderedEntities == nil {
		return
	}
	c.RenderedEntities.Set(float64(n))
}

// IncExplosion counts an explode or collapse.
func (c *Collector) IncExplosion(action string) {
	if c == nil || c.Explosions == nil {
		return
	}
	c.Explosions.WithLabelValues(action).Inc()
}

// IncBridgeMessage counts a websocket message in the given direction.
func (c *Collector) IncBridgeMessage(direction, msgType string) {
	if c == nil || c.BridgeMessages == nil {
		return
	}
	c.BridgeMessages.WithLabelValues(direction, msgType).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
