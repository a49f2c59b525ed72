package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/signalsfoundry/radio-globe/internal/audio"
	"github.com/signalsfoundry/radio-globe/internal/events"
	"github.com/signalsfoundry/radio-globe/internal/logging"
	"github.com/signalsfoundry/radio-globe/kb"
	"github.com/signalsfoundry/radio-globe/model"
	"github.com/signalsfoundry/radio-globe/timectrl"
)

// Catalog is everything the engine needs from the station catalog.
type Catalog interface {
	ClusterFetcher
	StationsFetcher
	StationFetcher
}

// TagBrowser is the optional part of the catalog used by the filter panel
// and the station detail view.
type TagBrowser interface {
	FetchTagCategories(ctx context.Context) ([]string, error)
	FetchTags(ctx context.Context, category string) ([]model.Tag, error)
	FetchSimilar(ctx context.Context, id model.StationID, limit int) ([]model.Station, error)
	FetchPopular(ctx context.Context, page, perPage int) (*model.StationPage, error)
}

// DefaultSimilarLimit bounds Similar when the caller passes no limit.
const DefaultSimilarLimit = 10

// EngineMetrics is the union of the component metrics interfaces.
type EngineMetrics interface {
	ReconcilerMetrics
	ExplosionMetrics
}

// Tuning is the hot-reloadable part of the engine configuration.
type Tuning struct {
	StackThreshold float64
	Animator       AnimatorConfig
	Controller     ControllerConfig
}

// DefaultTuning returns the stock tuning.
func DefaultTuning() Tuning {
	return Tuning{
		StackThreshold: kb.DefaultStackThreshold,
		Animator:       DefaultAnimatorConfig(),
		Controller:     DefaultControllerConfig(),
	}
}

// Engine wires the scene, cluster index, filters, reconciler, explosion
// animator, click controller and playback session around one globe.
type Engine struct {
	Scene      *Scene
	Index      *kb.Index
	Filters    *FilterState
	Reconciler *Reconciler
	Animator   *Animator
	Controller *Controller
	Playback   *audio.Session

	catalog     Catalog
	log         logging.Logger
	unsubscribe func()
}

type engineOptions struct {
	log     logging.Logger
	pub     events.Publisher
	metrics EngineMetrics
	tuning  Tuning
}

// EngineOption customises NewEngine.
type EngineOption func(*engineOptions)

// WithEngineLogger sets the logger shared by every component.
func WithEngineLogger(log logging.Logger) EngineOption {
	return func(o *engineOptions) {
		if log != nil {
			o.log = log
		}
	}
}

// WithEnginePublisher sets the publisher shared by every component.
func WithEnginePublisher(p events.Publisher) EngineOption {
	return func(o *engineOptions) {
		if p != nil {
			o.pub = p
		}
	}
}

// WithEngineMetrics sets the metrics recorder.
func WithEngineMetrics(m EngineMetrics) EngineOption {
	return func(o *engineOptions) { o.metrics = m }
}

// WithTuning overrides DefaultTuning.
func WithTuning(t Tuning) EngineOption {
	return func(o *engineOptions) { o.tuning = t }
}

// NewEngine builds an engine. playback may be nil when audio is not wired.
func NewEngine(globe Globe, clock timectrl.FrameClock, catalog Catalog, playback *audio.Session, opts ...EngineOption) *Engine {
	o := engineOptions{log: logging.Noop(), pub: events.Discard, tuning: DefaultTuning()}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		Scene:    NewScene(globe),
		Index:    kb.NewIndex(kb.WithStackThreshold(o.tuning.StackThreshold)),
		Playback: playback,
		catalog:  catalog,
		log:      o.log,
	}

	var explosionMetrics ExplosionMetrics
	var reconcilerMetrics ReconcilerMetrics
	if o.metrics != nil {
		explosionMetrics = o.metrics
		reconcilerMetrics = o.metrics
	}

	e.Animator = NewAnimator(e.Scene, clock, catalog,
		WithAnimatorConfig(o.tuning.Animator),
		WithAnimatorLogger(o.log),
		WithAnimatorPublisher(o.pub),
		WithAnimatorMetrics(explosionMetrics),
	)
	e.Filters = NewFilterState(nil)
	e.Reconciler = NewReconciler(catalog, e.Index, e.Scene,
		WithFilters(e.Filters),
		WithCollapser(e.Animator),
		WithReconcilerLogger(o.log),
		WithReconcilerPublisher(o.pub),
		WithReconcilerMetrics(reconcilerMetrics),
	)
	e.Filters.OnChange(e.Reconciler.Refresh)
	pub := o.pub
	e.unsubscribe = e.Index.Subscribe(func(ev kb.Event) {
		pub.Publish(events.Event{
			Type: events.CatalogUpdated,
			Payload: events.CatalogPayload{
				Generation:    ev.Generation,
				Items:         ev.Items,
				TotalStations: e.Index.TotalStations(),
			},
		})
	})
	e.Controller = NewController(e.Index, e.Scene, e.Animator, globe, catalog,
		WithControllerConfig(o.tuning.Controller),
		WithControllerLogger(o.log),
		WithControllerPublisher(o.pub),
	)
	return e
}

// OnCameraSettled forwards the settled camera to the reconciler.
func (e *Engine) OnCameraSettled(vp model.Viewport) {
	e.Reconciler.OnCameraSettled(vp)
}

// OnEntityClicked forwards a click to the controller.
func (e *Engine) OnEntityClicked(ctx context.Context, click Click) (ClickAction, error) {
	return e.Controller.OnEntityClicked(ctx, click)
}

// PlayStation starts playback of id. The record comes from the current
// selection, the cluster index or the catalog, in that order.
func (e *Engine) PlayStation(ctx context.Context, id model.StationID) error {
	if e.Playback == nil {
		return fmt.Errorf("play %s: %w", id, audio.ErrNotActive)
	}
	st, err := e.resolveStation(ctx, id)
	if err != nil {
		return err
	}
	return e.Playback.SelectStation(ctx, st)
}

func (e *Engine) resolveStation(ctx context.Context, id model.StationID) (model.Station, error) {
	if sel, ok := e.Controller.Selected(); ok && sel.ID == id {
		return sel, nil
	}
	if st, err := e.Index.Station(id); err == nil {
		return st, nil
	}
	if st, ok := e.Animator.Member("explode_" + string(id)); ok {
		return st, nil
	}
	st, err := e.catalog.FetchStation(ctx, id)
	if err != nil {
		return model.Station{}, fmt.Errorf("resolve station %s: %w", id, err)
	}
	return st, nil
}

// ApplyFilters replaces the filter selection and refreshes the scene.
func (e *Engine) ApplyFilters(f model.Filters) {
	e.Filters.Apply(f)
}

// ResetFilters clears the filter selection and refreshes the scene.
func (e *Engine) ResetFilters() {
	e.Filters.Reset()
}

// SetSearch replaces the free-text search term and refreshes the scene.
func (e *Engine) SetSearch(term string) {
	e.Filters.SetSearch(term)
}

// TagCategories lists the filter categories the catalog offers.
func (e *Engine) TagCategories(ctx context.Context) ([]string, error) {
	tb, err := e.tagBrowser()
	if err != nil {
		return nil, err
	}
	return tb.FetchTagCategories(ctx)
}

// Tags lists the tags of one filter category.
func (e *Engine) Tags(ctx context.Context, category string) ([]model.Tag, error) {
	tb, err := e.tagBrowser()
	if err != nil {
		return nil, err
	}
	return tb.FetchTags(ctx, category)
}

// Similar returns stations the catalog considers close to id.
func (e *Engine) Similar(ctx context.Context, id model.StationID, limit int) ([]model.Station, error) {
	tb, err := e.tagBrowser()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultSimilarLimit
	}
	return tb.FetchSimilar(ctx, id, limit)
}

// Popular returns one page of the most favorited stations.
func (e *Engine) Popular(ctx context.Context, page, perPage int) (*model.StationPage, error) {
	tb, err := e.tagBrowser()
	if err != nil {
		return nil, err
	}
	return tb.FetchPopular(ctx, page, perPage)
}

func (e *Engine) tagBrowser() (TagBrowser, error) {
	tb, ok := e.catalog.(TagBrowser)
	if !ok {
		return nil, fmt.Errorf("tag lookup: %w", errors.ErrUnsupported)
	}
	return tb, nil
}

// Retry reissues the last failed viewport fetch.
func (e *Engine) Retry() error {
	return e.Reconciler.Retry()
}

// TogglePlayPause flips the playback state of the current station.
func (e *Engine) TogglePlayPause() error {
	if e.Playback == nil {
		return audio.ErrNotActive
	}
	return e.Playback.TogglePlayPause()
}

// SetVolume sets the output volume.
func (e *Engine) SetVolume(v float64) error {
	if e.Playback == nil {
		return audio.ErrNotActive
	}
	return e.Playback.SetVolume(v)
}

// Mute silences the output.
func (e *Engine) Mute() error {
	if e.Playback == nil {
		return audio.ErrNotActive
	}
	return e.Playback.Mute()
}

// Unmute restores the volume from before Mute.
func (e *Engine) Unmute() error {
	if e.Playback == nil {
		return audio.ErrNotActive
	}
	return e.Playback.Unmute()
}

// StopPlayback releases the current source.
func (e *Engine) StopPlayback() {
	if e.Playback != nil {
		e.Playback.Stop()
	}
}

// ReportOutputError forwards a media error raised by the audio output.
func (e *Engine) ReportOutputError(ctx context.Context, url, reason string) {
	if e.Playback != nil {
		e.Playback.ReportOutputError(ctx, url, reason)
	}
}

// ApplyTuning pushes new tuning into the running components. Zero fields
// keep their current values.
func (e *Engine) ApplyTuning(t Tuning) {
	e.Index.SetStackThreshold(t.StackThreshold)
	e.Animator.SetConfig(t.Animator)
	e.Controller.SetConfig(t.Controller)
}

// Resync drops all rendered state and refetches the last viewport. Used
// when the rendering surface has been replaced.
func (e *Engine) Resync(ctx context.Context) {
	e.Animator.Abort(ctx)
	e.Scene.Reset()
	e.Reconciler.Refresh()
}

// Close stops the reconciler and any playback.
func (e *Engine) Close(ctx context.Context) {
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	e.Reconciler.Close()
	e.Animator.Abort(ctx)
	if e.Playback != nil {
		e.Playback.Stop()
	}
}
