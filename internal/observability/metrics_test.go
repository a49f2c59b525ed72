package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"github.com/signalsfoundry/radio-globe/internal/logging"
)

func TestObserveCatalogRequestRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}

	collector.ObserveCatalogRequest("clustered", OutcomeOK, 20*time.Millisecond)
	collector.ObserveCatalogRequest("station", OutcomeError, time.Millisecond)

	if got := testutil.ToFloat64(collector.CatalogRequests.WithLabelValues("clustered", OutcomeOK)); got != 1 {
		t.Fatalf("catalog_requests_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.CatalogRequests.WithLabelValues("station", OutcomeError)); got != 1 {
		t.Fatalf("catalog_requests_total error label = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "catalog_request_duration_seconds", map[string]string{
		"op": "clustered",
	}); count != 1 {
		t.Fatalf("catalog_request_duration_seconds sample_count = %d, want 1", count)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.ObserveCatalogRequest("x", OutcomeOK, 0)
	c.CacheResult(true)
	c.IncViewportFetch(OutcomeStale)
	c.SetRenderedEntities(3)
	c.IncExplosion("explode")
	c.IncBridgeMessage("in", "camera_settled")

	var p *PlaybackCollector
	p.ObserveProbe(OutcomeOK, 0)
	p.IncStreamUnavailable()
	p.SetPlaybackStatus("playing")
}

func TestDoubleRegistrationReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	second, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("second NewCollector: %v", err)
	}
	first.IncViewportFetch(OutcomeCoalesced)
	if got := testutil.ToFloat64(second.ViewportFetches.WithLabelValues(OutcomeCoalesced)); got != 1 {
		t.Fatalf("shared counter = %v, want 1", got)
	}
}

func TestPlaybackStatusIsExclusive(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewPlaybackCollector(reg)
	if err != nil {
		t.Fatalf("NewPlaybackCollector: %v", err)
	}
	c.SetPlaybackStatus("loading")
	c.SetPlaybackStatus("playing")

	if got := testutil.ToFloat64(c.PlaybackStatus.WithLabelValues("playing")); got != 1 {
		t.Fatalf("playing = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.PlaybackStatus.WithLabelValues("loading")); got != 0 {
		t.Fatalf("loading = %v, want 0", got)
	}

	c.ObserveProbe(OutcomeTimeout, 8*time.Second)
	if count := histogramSampleCount(t, c.Gatherer(), "stream_probe_duration_seconds", map[string]string{
		"outcome": OutcomeTimeout,
	}); count != 1 {
		t.Fatalf("stream_probe_duration_seconds sample_count = %d, want 1", count)
	}
}

func TestMetricsHandlerExposesSceneGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	collector.SetRenderedEntities(42)
	collector.CacheResult(false)
	collector.IncExplosion("collapse")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"scene_rendered_entities 42",
		"catalog_station_cache_total",
		"cluster_explosions_total",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output", metric)
		}
	}
}

func TestInitTracingDisabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{}, logging.Noop())
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	ShutdownWithTimeout(context.Background(), shutdown, nil)
}

func TestInitTracingRejectsUnknownExporter(t *testing.T) {
	_, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "zipkin"}, nil)
	if err == nil {
		t.Fatalf("expected error for unknown exporter")
	}
}

func TestTracingConfigFromEnv(t *testing.T) {
	t.Setenv("RADIOGLOBE_TRACING_ENABLED", "true")
	t.Setenv("RADIOGLOBE_TRACING_SAMPLE_RATIO", "0.25")
	cfg := TracingConfigFromEnv()
	if !cfg.Enabled || cfg.SampleRatio != 0.25 || cfg.ServiceName != "radio-globe" || cfg.Exporter != "stdout" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
