package audio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/signalsfoundry/radio-globe/internal/events"
	"github.com/signalsfoundry/radio-globe/internal/logging"
	"github.com/signalsfoundry/radio-globe/model"
)

// Status is the playback state machine position.
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusPlaying
	StatusPaused
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusPlaying:
		return "playing"
	case StatusPaused:
		return "paused"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// PlaybackState is a snapshot of the session.
type PlaybackState struct {
	Status    Status         `json:"status"`
	Station   *model.Station `json:"station,omitempty"`
	URL       string         `json:"url,omitempty"`
	IsPlaying bool           `json:"is_playing"`
	Volume    float64        `json:"volume"`
	IsMuted   bool           `json:"is_muted"`
}

// Output is the single logical audio element. Stop must release the current
// source synchronously.
type Output interface {
	Attach(ctx context.Context, url string) error
	Play() error
	Pause() error
	Stop() error
	SetVolume(v float64) error
	SetMuted(muted bool) error
}

// URLSelector picks the first playable candidate.
type URLSelector interface {
	SelectPlayableURL(ctx context.Context, urls []string) (string, error)
}

// SessionMetrics receives playback measurements.
type SessionMetrics interface {
	SetPlaybackStatus(status string)
	IncStreamUnavailable()
}

// DefaultVolume is the initial output volume.
const DefaultVolume = 1.0

// Session owns the playback state. Only the latest SelectStation call may
// attach a source; results of superseded selections are dropped.
type Session struct {
	mu sync.Mutex

	out      Output
	selector URLSelector
	pub      events.Publisher
	log      logging.Logger
	metrics  SessionMetrics

	status  Status
	station *model.Station
	url     string
	volume  float64
	muted   bool
	preMute float64
	gen     uint64
}

// SessionOption customises a Session.
type SessionOption func(*Session)

// WithPublisher sets where state and error events go.
func WithPublisher(p events.Publisher) SessionOption {
	return func(s *Session) {
		if p != nil {
			s.pub = p
		}
	}
}

// WithSessionLogger sets the logger.
func WithSessionLogger(log logging.Logger) SessionOption {
	return func(s *Session) {
		if log != nil {
			s.log = log
		}
	}
}

// WithSessionMetrics sets the metrics recorder.
func WithSessionMetrics(m SessionMetrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// NewSession constructs an idle session.
func NewSession(out Output, selector URLSelector, opts ...SessionOption) *Session {
	s := &Session{
		out:      out,
		selector: selector,
		pub:      events.Discard,
		log:      logging.Noop(),
		volume:   DefaultVolume,
		preMute:  DefaultVolume,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(logging.String("component", "playback"))
	return s
}

// SelectStation tears down the current source, probes st's stream URLs and
// starts the first playable one. A call overtaken by a newer selection
// returns ErrSuperseded and leaves the session alone.
func (s *Session) SelectStation(ctx context.Context, st model.Station) error {
	if err := st.ValidatePlayable(); err != nil {
		s.log.Warn(ctx, "rejecting station", logging.String("error", err.Error()))
		return err
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.stopOutputLocked(ctx)
	station := st
	s.status = StatusLoading
	s.station = &station
	s.url = ""
	state := s.stateLocked()
	s.mu.Unlock()
	s.publishState(state)

	s.log.Info(ctx, "loading station",
		logging.String("station_id", string(st.ID)),
		logging.Int("candidates", len(st.StreamURLs())),
	)
	url, err := s.selector.SelectPlayableURL(ctx, st.StreamURLs())

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		s.log.Debug(ctx, "discarding superseded probe result", logging.String("station_id", string(st.ID)))
		return ErrSuperseded
	}
	if err == nil {
		err = s.attachLocked(ctx, url)
	}
	if err != nil {
		s.stopOutputLocked(ctx)
		s.status = StatusIdle
		s.station = nil
		s.url = ""
		state = s.stateLocked()
		s.mu.Unlock()
		return s.fail(ctx, st, err, state)
	}
	s.status = StatusPlaying
	s.url = url
	state = s.stateLocked()
	s.mu.Unlock()

	s.log.Info(ctx, "station playing",
		logging.String("station_id", string(st.ID)),
		logging.String("url", url),
	)
	s.publishState(state)
	return nil
}

// attachLocked must be called with s.mu held.
func (s *Session) attachLocked(ctx context.Context, url string) error {
	if err := s.out.Attach(ctx, url); err != nil {
		return &ProbeError{URL: url, Reason: err}
	}
	if err := s.out.SetVolume(s.volume); err != nil {
		s.log.Warn(ctx, "set volume failed", logging.String("error", err.Error()))
	}
	if err := s.out.SetMuted(s.muted); err != nil {
		s.log.Warn(ctx, "set muted failed", logging.String("error", err.Error()))
	}
	if err := s.out.Play(); err != nil {
		return &ProbeError{URL: url, Reason: err}
	}
	return nil
}

func (s *Session) fail(ctx context.Context, st model.Station, err error, state PlaybackState) error {
	var unavailable *StreamUnavailableError
	if errors.As(err, &unavailable) {
		unavailable.StationID = st.ID
		unavailable.StationName = st.Name
	} else {
		unavailable = &StreamUnavailableError{
			StationID:   st.ID,
			StationName: st.Name,
			Tried:       st.StreamURLs(),
			Last:        err,
		}
	}
	if s.metrics != nil {
		s.metrics.IncStreamUnavailable()
	}
	s.log.Warn(ctx, "station unavailable",
		logging.String("station_id", string(st.ID)),
		logging.String("error", unavailable.Error()),
	)
	s.pub.Publish(events.Event{
		Type: events.PlaybackError,
		Payload: events.PlaybackErrorPayload{
			StationID:   st.ID,
			StationName: st.Name,
			Error:       unavailable.Error(),
		},
	})
	s.publishState(state)
	return unavailable
}

// TogglePlayPause flips between Playing and Paused. From Idle or Loading it
// returns ErrNotActive without side effects.
func (s *Session) TogglePlayPause() error {
	s.mu.Lock()
	var err error
	switch s.status {
	case StatusPlaying:
		err = s.out.Pause()
		if err == nil {
			s.status = StatusPaused
		}
	case StatusPaused:
		err = s.out.Play()
		if err == nil {
			s.status = StatusPlaying
		}
	default:
		status := s.status
		s.mu.Unlock()
		s.log.Warn(context.Background(), "toggle ignored: nothing playing", logging.String("status", status.String()))
		return ErrNotActive
	}
	state := s.stateLocked()
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("toggle playback: %w", err)
	}
	s.publishState(state)
	return nil
}

// SetVolume clamps v to [0,1]. While muted it only updates the volume that
// Unmute will restore.
func (s *Session) SetVolume(v float64) error {
	v = clamp(v)
	s.mu.Lock()
	var err error
	if s.muted {
		s.preMute = v
	} else {
		s.volume = v
		err = s.out.SetVolume(v)
	}
	state := s.stateLocked()
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("set volume: %w", err)
	}
	s.publishState(state)
	return nil
}

// Mute silences output and remembers the current volume.
func (s *Session) Mute() error {
	s.mu.Lock()
	if s.muted {
		s.mu.Unlock()
		return nil
	}
	s.preMute = s.volume
	s.volume = 0
	s.muted = true
	err := errors.Join(s.out.SetVolume(0), s.out.SetMuted(true))
	state := s.stateLocked()
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("mute: %w", err)
	}
	s.publishState(state)
	return nil
}

// Unmute restores exactly the volume in effect before Mute.
func (s *Session) Unmute() error {
	s.mu.Lock()
	if !s.muted {
		s.mu.Unlock()
		return nil
	}
	s.volume = s.preMute
	s.muted = false
	err := errors.Join(s.out.SetVolume(s.volume), s.out.SetMuted(false))
	state := s.stateLocked()
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("unmute: %w", err)
	}
	s.publishState(state)
	return nil
}

// ToggleMute mutes or unmutes.
func (s *Session) ToggleMute() error {
	s.mu.Lock()
	muted := s.muted
	s.mu.Unlock()
	if muted {
		return s.Unmute()
	}
	return s.Mute()
}

// Stop tears down the source, cancels any pending selection and returns to
// Idle.
func (s *Session) Stop() {
	s.mu.Lock()
	s.gen++
	s.stopOutputLocked(context.Background())
	s.status = StatusIdle
	s.station = nil
	s.url = ""
	state := s.stateLocked()
	s.mu.Unlock()
	s.publishState(state)
}

// ReportOutputError handles a failure raised by the output after playback
// started, such as a stream dropping. It is ignored unless url is the
// attached source.
func (s *Session) ReportOutputError(ctx context.Context, url, reason string) {
	s.mu.Lock()
	if (s.status != StatusPlaying && s.status != StatusPaused) || url != s.url || s.station == nil {
		s.mu.Unlock()
		return
	}
	st := *s.station
	s.gen++
	s.stopOutputLocked(ctx)
	s.status = StatusIdle
	s.station = nil
	s.url = ""
	state := s.stateLocked()
	s.mu.Unlock()

	_ = s.fail(ctx, st, &ProbeError{URL: url, Reason: errors.New(reason)}, state)
}

// State returns a snapshot.
func (s *Session) State() PlaybackState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() PlaybackState {
	st := PlaybackState{
		Status:    s.status,
		URL:       s.url,
		IsPlaying: s.status == StatusPlaying,
		Volume:    s.volume,
		IsMuted:   s.muted,
	}
	if s.station != nil {
		cp := *s.station
		st.Station = &cp
	}
	return st
}

// stopOutputLocked must be called with s.mu held.
func (s *Session) stopOutputLocked(ctx context.Context) {
	if err := s.out.Stop(); err != nil {
		s.log.Warn(ctx, "stopping output failed", logging.String("error", err.Error()))
	}
}

func (s *Session) publishState(state PlaybackState) {
	if s.metrics != nil {
		s.metrics.SetPlaybackStatus(state.Status.String())
	}
	s.pub.Publish(events.Event{Type: events.PlaybackStateChanged, Payload: state})
}

func clamp(v float64) float64 {
	switch {
	case v < 0, math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	}
	return v
}
