package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// playbackStatuses are the values SetPlaybackStatus toggles between.
var playbackStatuses = []string{"idle", "loading", "playing", "paused"}

// PlaybackCollector exposes stream probing and playback metrics.
type PlaybackCollector struct {
	gatherer prometheus.Gatherer

	ProbeDuration     *prometheus.HistogramVec
	StreamUnavailable prometheus.Counter
	PlaybackStatus    *prometheus.GaugeVec
}

// NewPlaybackCollector registers playback metrics against the provided registerer.
func NewPlaybackCollector(reg prometheus.Registerer) (*PlaybackCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	probe, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stream_probe_duration_seconds",
		Help:    "Time taken to probe one candidate stream URL, labeled by outcome.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16},
	}, []string{"outcome"}), "stream_probe_duration_seconds")
	if err != nil {
		return nil, err
	}

	unavailable, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stream_unavailable_total",
		Help: "Station selections where every candidate stream failed to probe.",
	}), "stream_unavailable_total")
	if err != nil {
		return nil, err
	}

	status, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "playback_status",
		Help: "1 for the current playback status, 0 otherwise.",
	}, []string{"status"}), "playback_status")
	if err != nil {
		return nil, err
	}

	return &PlaybackCollector{
		gatherer:          gatherer,
		ProbeDuration:     probe,
		StreamUnavailable: unavailable,
		PlaybackStatus:    status,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *PlaybackCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveProbe records one probe attempt.
func (c *PlaybackCollector) ObserveProbe(outcome string, d time.Duration) {
	if c == nil || c.ProbeDuration == nil {
		return
	}
	c.ProbeDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// IncStreamUnavailable counts a station that could not be played.
func (c *PlaybackCollector) IncStreamUnavailable() {
	if c == nil || c.StreamUnavailable == nil {
		return
	}
	c.StreamUnavailable.Inc()
}

// SetPlaybackStatus marks status as current.
func (c *PlaybackCollector) SetPlaybackStatus(status string) {
	if c == nil || c.PlaybackStatus == nil {
		return
	}
	for _, s := range playbackStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		c.PlaybackStatus.WithLabelValues(s).Set(v)
	}
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
