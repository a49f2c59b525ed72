package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/signalsfoundry/radio-globe/internal/events"
	"github.com/signalsfoundry/radio-globe/internal/logging"
	"github.com/signalsfoundry/radio-globe/kb"
	"github.com/signalsfoundry/radio-globe/model"
)

// Click policy defaults.
const (
	DefaultExplodeZoom     = 7
	DefaultFlyHeightFactor = 0.25

	// DefaultCameraHeight stands in for the camera height, in metres, when
	// the globe has not reported one.
	DefaultCameraHeight = 20_000_000.0
)

// ErrUnknownEntity is returned for clicks on ids that are neither rendered
// nor carry a station.
var ErrUnknownEntity = errors.New("clicked entity unknown")

// StationFetcher loads one full station record.
type StationFetcher interface {
	FetchStation(ctx context.Context, id model.StationID) (model.Station, error)
}

// ClickAction is what a click resolved to.
type ClickAction int

const (
	ActionNone ClickAction = iota
	ActionExplode
	ActionFlyTo
	ActionSelectStation
)

func (a ClickAction) String() string {
	switch a {
	case ActionExplode:
		return "explode"
	case ActionFlyTo:
		return "fly_to"
	case ActionSelectStation:
		return "select_station"
	default:
		return "none"
	}
}

// Click is an entity click reported by the globe. Station carries whatever
// partial record the globe had for the marker, if any.
type Click struct {
	EntityID string
	Station  *model.Station
}

// ControllerConfig tunes the click policy.
type ControllerConfig struct {
	// ExplodeZoom is the zoom level above which stacked clusters explode.
	ExplodeZoom int
	// FlyHeightFactor scales the camera height when zooming into a cluster.
	FlyHeightFactor float64
}

// DefaultControllerConfig returns the stock click policy.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{ExplodeZoom: DefaultExplodeZoom, FlyHeightFactor: DefaultFlyHeightFactor}
}

// Decide maps a cluster classification and zoom level onto an action.
func Decide(stacked bool, zoom int, cfg ControllerConfig) ClickAction {
	if stacked && zoom > cfg.ExplodeZoom {
		return ActionExplode
	}
	return ActionFlyTo
}

// Controller turns entity clicks into explosions, camera flights or station
// selection. It never starts playback.
type Controller struct {
	mu sync.RWMutex

	index    *kb.Index
	scene    *Scene
	animator *Animator
	globe    Globe
	stations StationFetcher
	pub      events.Publisher
	log      logging.Logger
	cfg      ControllerConfig

	selected    model.Station
	hasSelected bool
}

// ControllerOption customises a Controller.
type ControllerOption func(*Controller)

// WithControllerConfig overrides DefaultControllerConfig.
func WithControllerConfig(cfg ControllerConfig) ControllerOption {
	return func(c *Controller) { c.setConfig(cfg) }
}

// WithControllerLogger sets the logger.
func WithControllerLogger(log logging.Logger) ControllerOption {
	return func(c *Controller) {
		if log != nil {
			c.log = log
		}
	}
}

// WithControllerPublisher sets the event publisher.
func WithControllerPublisher(p events.Publisher) ControllerOption {
	return func(c *Controller) {
		if p != nil {
			c.pub = p
		}
	}
}

// NewController wires the click policy.
func NewController(index *kb.Index, scene *Scene, animator *Animator, globe Globe, stations StationFetcher, opts ...ControllerOption) *Controller {
	c := &Controller{
		index:    index,
		scene:    scene,
		animator: animator,
		globe:    globe,
		stations: stations,
		pub:      events.Discard,
		log:      logging.Noop(),
		cfg:      DefaultControllerConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(logging.String("component", "controller"))
	return c
}

// SetConfig replaces the click policy.
func (c *Controller) SetConfig(cfg ControllerConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setConfig(cfg)
}

func (c *Controller) setConfig(cfg ControllerConfig) {
	if cfg.ExplodeZoom > 0 {
		c.cfg.ExplodeZoom = cfg.ExplodeZoom
	}
	if cfg.FlyHeightFactor > 0 {
		c.cfg.FlyHeightFactor = cfg.FlyHeightFactor
	}
}

// Config returns the current click policy.
func (c *Controller) Config() ControllerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// Selected returns the most recently selected station.
func (c *Controller) Selected() (model.Station, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selected, c.hasSelected
}

// OnEntityClicked resolves a click. Cluster markers explode or fly the
// camera; station and temporary markers select their station.
func (c *Controller) OnEntityClicked(ctx context.Context, click Click) (ClickAction, error) {
	ctx, log := logging.WithRequestLogger(ctx, c.log)
	log = log.With(logging.String("entity_id", click.EntityID))

	if e, ok := c.scene.Entity(click.EntityID); ok {
		switch e.Kind {
		case KindCluster:
			return c.clusterClicked(ctx, log, e)
		case KindTemporary:
			st := e.Station
			if m, ok := c.animator.Member(click.EntityID); ok {
				st = m
			}
			return ActionSelectStation, c.selectStation(ctx, log, st)
		default:
			return ActionSelectStation, c.selectStation(ctx, log, e.Station)
		}
	}

	if click.Station != nil && click.Station.ID != "" {
		return ActionSelectStation, c.selectStation(ctx, log, *click.Station)
	}
	log.Debug(ctx, "ignoring click on unknown entity")
	return ActionNone, fmt.Errorf("%w: %s", ErrUnknownEntity, click.EntityID)
}

func (c *Controller) clusterClicked(ctx context.Context, log logging.Logger, e Entity) (ClickAction, error) {
	cls, err := c.index.Classify(e.ID)
	if err != nil {
		return ActionNone, err
	}
	cfg := c.Config()
	zoom := c.globe.ZoomLevel()
	action := Decide(cls.Stacked, zoom, cfg)
	log.Debug(ctx, "cluster clicked",
		logging.Any("stacked", cls.Stacked),
		logging.Int("zoom", zoom),
		logging.String("action", action.String()),
	)

	item := e.Item
	if fresh, ok := c.index.Item(e.ID); ok {
		item = fresh
	}
	switch action {
	case ActionExplode:
		if err := c.animator.Explode(ctx, item, cls.StationIDs, zoom); err != nil {
			if errors.Is(err, ErrSuperseded) {
				return action, nil
			}
			return action, err
		}
	case ActionFlyTo:
		centroid := item.Centroid()
		height := c.globe.CameraHeight()
		if height <= 0 {
			height = DefaultCameraHeight
		}
		c.globe.FlyCameraTo(centroid.Lng, centroid.Lat, height*cfg.FlyHeightFactor)
	}
	return action, nil
}

// selectStation publishes the full record, or the partial one when the
// catalog cannot supply it.
func (c *Controller) selectStation(ctx context.Context, log logging.Logger, partial model.Station) error {
	if partial.ID == "" {
		return fmt.Errorf("select station: %w", ErrUnknownEntity)
	}
	st, isPartial := partial, true
	if c.stations != nil {
		full, err := c.stations.FetchStation(ctx, partial.ID)
		if err != nil {
			log.Warn(ctx, "station detail unavailable; using map data",
				logging.String("station_id", string(partial.ID)),
				logging.String("error", err.Error()),
			)
		} else {
			st, isPartial = full, false
		}
	}

	c.mu.Lock()
	c.selected = st
	c.hasSelected = true
	c.mu.Unlock()

	c.pub.Publish(events.Event{
		Type:    events.StationSelected,
		Payload: events.StationSelectedPayload{Station: st, Partial: isPartial},
	})
	return nil
}
