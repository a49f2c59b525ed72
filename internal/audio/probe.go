// Package audio resolves station streams to a playable URL and owns the
// single logical playback output.
package audio

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/radio-globe/internal/logging"
	"github.com/signalsfoundry/radio-globe/internal/observability"
)

// DefaultProbeTimeout bounds each candidate URL.
const DefaultProbeTimeout = 8 * time.Second

// Source is a probing handle on one stream. Exactly one of Ready or Failed
// fires. Close releases every resource the handle holds and is safe to call
// more than once.
type Source interface {
	// Ready is closed once the stream can begin playing.
	Ready() <-chan struct{}
	// Failed delivers the error that stopped the stream from loading.
	Failed() <-chan error
	// URL is the playable URL once Ready has fired; playlists resolve to
	// their first entry.
	URL() string
	Close() error
}

// SourceOpener allocates probing handles.
type SourceOpener interface {
	Open(ctx context.Context, url string) (Source, error)
}

// ProbeMetrics receives probe measurements.
type ProbeMetrics interface {
	ObserveProbe(outcome string, d time.Duration)
}

// Prober checks candidate stream URLs one at a time.
type Prober struct {
	opener  SourceOpener
	timeout atomic.Int64
	log     logging.Logger
	metrics ProbeMetrics
	tracer  trace.Tracer
}

// ProberOption customises a Prober.
type ProberOption func(*Prober)

// WithProbeTimeout overrides DefaultProbeTimeout.
func WithProbeTimeout(d time.Duration) ProberOption {
	return func(p *Prober) {
		if d > 0 {
			p.timeout.Store(int64(d))
		}
	}
}

// WithProbeLogger sets the logger.
func WithProbeLogger(log logging.Logger) ProberOption {
	return func(p *Prober) {
		if log != nil {
			p.log = log
		}
	}
}

// WithProbeMetrics sets the metrics recorder.
func WithProbeMetrics(m ProbeMetrics) ProberOption {
	return func(p *Prober) { p.metrics = m }
}

// NewProber constructs a prober over opener.
func NewProber(opener SourceOpener, opts ...ProberOption) *Prober {
	p := &Prober{
		opener: opener,
		log:    logging.Noop(),
		tracer: observability.Tracer("audio"),
	}
	p.timeout.Store(int64(DefaultProbeTimeout))
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Timeout returns the per-candidate probe window.
func (p *Prober) Timeout() time.Duration { return time.Duration(p.timeout.Load()) }

// SetTimeout changes the probe window for subsequent probes.
func (p *Prober) SetTimeout(d time.Duration) {
	if d > 0 {
		p.timeout.Store(int64(d))
	}
}

// Probe opens url and waits until it is ready, fails, or timeout elapses.
// The handle is closed on every path. A non-positive timeout uses the
// prober's default.
func (p *Prober) Probe(ctx context.Context, url string, timeout time.Duration) (playable string, err error) {
	if timeout <= 0 {
		timeout = p.Timeout()
	}
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "audio.Probe", trace.WithAttributes(attribute.String("stream.url", url)))
	defer func() {
		outcome := observability.OutcomeOK
		if err != nil {
			outcome = observability.OutcomeError
			if errors.Is(err, ErrProbeTimeout) {
				outcome = observability.OutcomeTimeout
			}
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if p.metrics != nil {
			p.metrics.ObserveProbe(outcome, time.Since(start))
		}
	}()

	probeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	src, err := p.opener.Open(probeCtx, url)
	if err != nil {
		return "", &ProbeError{URL: url, Reason: err}
	}
	defer src.Close()

	select {
	case <-src.Ready():
		if u := src.URL(); u != "" {
			return u, nil
		}
		return url, nil
	case ferr := <-src.Failed():
		return "", &ProbeError{URL: url, Reason: ferr}
	case <-timer.C:
		return "", &ProbeError{URL: url, Reason: ErrProbeTimeout}
	case <-ctx.Done():
		return "", &ProbeError{URL: url, Reason: ctx.Err()}
	}
}

// SelectPlayableURL probes urls in order and returns the first that becomes
// ready. Later candidates are never touched once one succeeds. When all fail
// the error is a *StreamUnavailableError carrying the last failure.
func (p *Prober) SelectPlayableURL(ctx context.Context, urls []string) (string, error) {
	unavailable := &StreamUnavailableError{}
	for _, u := range urls {
		if u == "" {
			continue
		}
		unavailable.Tried = append(unavailable.Tried, u)
		playable, err := p.Probe(ctx, u, p.Timeout())
		if err == nil {
			p.log.Debug(ctx, "stream candidate ready",
				logging.String("url", u),
				logging.String("playable", playable),
			)
			return playable, nil
		}
		p.log.Info(ctx, "stream candidate failed",
			logging.String("url", u),
			logging.String("error", err.Error()),
		)
		unavailable.Last = err
		if ctx.Err() != nil {
			break
		}
	}
	return "", unavailable
}
