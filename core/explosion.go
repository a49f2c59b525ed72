package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/radio-globe/internal/events"
	"github.com/signalsfoundry/radio-globe/internal/logging"
	"github.com/signalsfoundry/radio-globe/model"
	"github.com/signalsfoundry/radio-globe/timectrl"
)

var (
	// ErrSuperseded is returned by Explode when another explode or collapse
	// started while it was fetching members.
	ErrSuperseded = errors.New("explosion superseded")
	// ErrNoMembers is returned when none of a cluster's stations could be
	// fetched.
	ErrNoMembers = errors.New("cluster has no placeable members")
)

// StationsFetcher loads full station records by id. Missing ids are dropped.
type StationsFetcher interface {
	FetchStations(ctx context.Context, ids []model.StationID) ([]model.Station, error)
}

// ExplosionMetrics counts explode and collapse transitions.
type ExplosionMetrics interface {
	IncExplosion(action string)
}

// ExplodedState describes the active explosion.
type ExplodedState struct {
	ClusterID  string
	Centroid   model.LatLng
	StationIDs []model.StationID
	// Markers maps each temporary entity id to its target position.
	Markers map[string]model.LatLng
	// Collapsing is set once the reverse animation has started.
	Collapsing bool
}

type member struct {
	entityID string
	station  model.Station
	target   model.LatLng
}

type explosion struct {
	clusterID string
	centroid  model.LatLng
	members   []member

	// progress is the current spread: 0 at the centroid, 1 at the targets.
	progress   float64
	collapsing bool
	stopTween  func() bool
	// tween identifies the running animation; frames from older ones are ignored.
	tween uint64
	done  chan struct{}
}

// AnimatorConfig tunes the explosion animation.
type AnimatorConfig struct {
	Duration time.Duration
	Layout   LayoutConfig
}

// DefaultAnimatorConfig returns the stock timings and layout.
func DefaultAnimatorConfig() AnimatorConfig {
	return AnimatorConfig{Duration: timectrl.DefaultTweenDuration, Layout: DefaultLayout()}
}

// Animator owns the exploded-cluster state. At most one explosion exists at
// a time; while it does, the animator holds the lease on the cluster marker
// and owns the temporary member markers.
type Animator struct {
	mu sync.Mutex

	scene   *Scene
	clock   timectrl.FrameClock
	fetcher StationsFetcher
	pub     events.Publisher
	log     logging.Logger
	metrics ExplosionMetrics
	cfg     AnimatorConfig

	// gen is bumped by every Explode and Collapse call.
	gen      uint64
	tweenSeq uint64
	active   *explosion
	closedCh chan struct{}
}

// AnimatorOption customises an Animator.
type AnimatorOption func(*Animator)

// WithAnimatorConfig overrides DefaultAnimatorConfig.
func WithAnimatorConfig(cfg AnimatorConfig) AnimatorOption {
	return func(a *Animator) {
		if cfg.Duration > 0 {
			a.cfg.Duration = cfg.Duration
		}
		if cfg.Layout.RadiusBase > 0 {
			a.cfg.Layout = cfg.Layout
		}
	}
}

// WithAnimatorLogger sets the logger.
func WithAnimatorLogger(log logging.Logger) AnimatorOption {
	return func(a *Animator) {
		if log != nil {
			a.log = log
		}
	}
}

// WithAnimatorPublisher sets the event publisher.
func WithAnimatorPublisher(p events.Publisher) AnimatorOption {
	return func(a *Animator) {
		if p != nil {
			a.pub = p
		}
	}
}

// WithAnimatorMetrics sets the metrics recorder.
func WithAnimatorMetrics(m ExplosionMetrics) AnimatorOption {
	return func(a *Animator) { a.metrics = m }
}

// NewAnimator constructs an animator drawing on scene and driven by clock.
func NewAnimator(scene *Scene, clock timectrl.FrameClock, fetcher StationsFetcher, opts ...AnimatorOption) *Animator {
	closed := make(chan struct{})
	close(closed)
	a := &Animator{
		scene:    scene,
		clock:    clock,
		fetcher:  fetcher,
		pub:      events.Discard,
		log:      logging.Noop(),
		cfg:      DefaultAnimatorConfig(),
		closedCh: closed,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.With(logging.String("component", "animator"))
	return a
}

// SetConfig replaces the animation tuning for future explosions.
func (a *Animator) SetConfig(cfg AnimatorConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cfg.Duration > 0 {
		a.cfg.Duration = cfg.Duration
	}
	if cfg.Layout.RadiusBase > 0 {
		a.cfg.Layout = cfg.Layout
	}
}

// Explode spreads cluster's members on a circle around its centroid. Any
// existing explosion is torn down immediately first. Members that cannot be
// fetched are dropped.
func (a *Animator) Explode(ctx context.Context, cluster model.ClusterItem, ids []model.StationID, zoom int) error {
	a.mu.Lock()
	a.gen++
	gen := a.gen
	prev := a.active
	a.active = nil
	if prev != nil {
		a.teardownLocked(ctx, prev)
	}
	a.mu.Unlock()

	stations, err := a.fetcher.FetchStations(ctx, ids)
	if err != nil {
		return fmt.Errorf("explode %s: %w", cluster.Key(), err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if gen != a.gen {
		a.log.Debug(ctx, "abandoning superseded explosion", logging.String("cluster_id", cluster.Key()))
		return ErrSuperseded
	}
	if len(stations) == 0 {
		return fmt.Errorf("explode %s: %w", cluster.Key(), ErrNoMembers)
	}

	key := cluster.Key()
	if err := a.scene.Lease(OwnerAnimator, key); err != nil {
		return fmt.Errorf("explode %s: %w", key, err)
	}
	if err := a.scene.SetVisible(OwnerAnimator, key, false); err != nil {
		a.scene.Release(OwnerAnimator, key)
		return fmt.Errorf("explode %s: %w", key, err)
	}

	centroid := cluster.Centroid()
	targets := RadialLayout(centroid, len(stations), a.cfg.Layout.Radius(zoom))
	ex := &explosion{
		clusterID: key,
		centroid:  centroid,
		done:      make(chan struct{}),
	}
	for i, st := range stations {
		m := member{
			entityID: "explode_" + string(st.ID),
			station:  st,
			target:   targets[i],
		}
		if err := a.scene.AddTemporary(OwnerAnimator, m.entityID, st, centroid); err != nil {
			a.log.Warn(ctx, "skipping member marker",
				logging.String("station_id", string(st.ID)),
				logging.String("error", err.Error()),
			)
			continue
		}
		ex.members = append(ex.members, m)
	}
	a.active = ex
	a.startTweenLocked(ex, 0, 1, nil)

	a.log.Info(ctx, "cluster exploded",
		logging.String("cluster_id", key),
		logging.Int("members", len(ex.members)),
		logging.Int("zoom", zoom),
	)
	if a.metrics != nil {
		a.metrics.IncExplosion("explode")
	}
	a.pub.Publish(events.Event{
		Type:    events.ClusterExploded,
		Payload: events.ClusterPayload{ClusterID: key, StationIDs: ex.stationIDs()},
	})
	return nil
}

// Collapse animates the active explosion back into its cluster marker and
// restores it. The returned channel is closed once the scene is handed back;
// with nothing active it is already closed. Collapse also abandons any
// Explode still fetching.
func (a *Animator) Collapse() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gen++

	ex := a.active
	if ex == nil {
		return a.closedCh
	}
	if ex.collapsing {
		return ex.done
	}
	ex.collapsing = true
	from := ex.progress
	a.startTweenLocked(ex, from, 0, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.active != ex {
			return
		}
		a.active = nil
		a.teardownLocked(context.Background(), ex)
	})
	return ex.done
}

// Abort tears the active explosion down without animation and abandons any
// Explode still fetching.
func (a *Animator) Abort(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gen++
	ex := a.active
	a.active = nil
	if ex != nil {
		a.teardownLocked(ctx, ex)
	}
}

// Active returns the current explosion, if any.
func (a *Animator) Active() (ExplodedState, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ex := a.active
	if ex == nil {
		return ExplodedState{}, false
	}
	st := ExplodedState{
		ClusterID:  ex.clusterID,
		Centroid:   ex.centroid,
		StationIDs: ex.stationIDs(),
		Markers:    make(map[string]model.LatLng, len(ex.members)),
		Collapsing: ex.collapsing,
	}
	for _, m := range ex.members {
		st.Markers[m.entityID] = m.target
	}
	return st, true
}

// Member returns the station behind a temporary marker of the active
// explosion.
func (a *Animator) Member(entityID string) (model.Station, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == nil {
		return model.Station{}, false
	}
	for _, m := range a.active.members {
		if m.entityID == entityID {
			return m.station, true
		}
	}
	return model.Station{}, false
}

// startTweenLocked must be called with a.mu held. It replaces any running
// animation on ex with one moving progress from -> to.
func (a *Animator) startTweenLocked(ex *explosion, from, to float64, done func()) {
	if ex.stopTween != nil {
		ex.stopTween()
	}
	a.tweenSeq++
	seq := a.tweenSeq
	ex.tween = seq

	ex.stopTween = timectrl.Tween{
		Duration: a.cfg.Duration,
		Update: func(p float64) {
			a.mu.Lock()
			defer a.mu.Unlock()
			if a.active != ex || ex.tween != seq {
				return
			}
			ex.progress = timectrl.Lerp(from, to, p)
			for _, m := range ex.members {
				_ = a.scene.Move(OwnerAnimator, m.entityID, lerpLatLng(ex.centroid, m.target, ex.progress))
			}
		},
		Done: done,
	}.Start(a.clock)
}

// teardownLocked must be called with a.mu held. It removes the temporary
// markers without animation and hands the cluster marker back.
func (a *Animator) teardownLocked(ctx context.Context, ex *explosion) {
	if ex.stopTween != nil {
		ex.stopTween()
	}
	for _, m := range ex.members {
		if err := a.scene.Remove(OwnerAnimator, m.entityID); err != nil {
			a.log.Warn(ctx, "removing member marker failed",
				logging.String("entity_id", m.entityID),
				logging.String("error", err.Error()),
			)
		}
	}
	if err := a.scene.SetVisible(OwnerAnimator, ex.clusterID, true); err != nil {
		a.log.Debug(ctx, "cluster marker not restored",
			logging.String("cluster_id", ex.clusterID),
			logging.String("error", err.Error()),
		)
	}
	a.scene.Release(OwnerAnimator, ex.clusterID)

	if a.metrics != nil {
		a.metrics.IncExplosion("collapse")
	}
	a.pub.Publish(events.Event{
		Type:    events.ClusterCollapsed,
		Payload: events.ClusterPayload{ClusterID: ex.clusterID, StationIDs: ex.stationIDs()},
	})
	select {
	case <-ex.done:
	default:
		close(ex.done)
	}
}

func (ex *explosion) stationIDs() []model.StationID {
	ids := make([]model.StationID, 0, len(ex.members))
	for _, m := range ex.members {
		ids = append(ids, m.station.ID)
	}
	return ids
}
