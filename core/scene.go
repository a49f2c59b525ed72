package core

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/radio-globe/model"
)

var (
	// ErrEntityLeased is returned when an entity is held by another owner.
	ErrEntityLeased = errors.New("entity is leased by another owner")
	// ErrEntityNotFound is returned for unknown entity ids.
	ErrEntityNotFound = errors.New("entity not found")
	// ErrEntityExists is returned when adding an id that is already rendered.
	ErrEntityExists = errors.New("entity already exists")
	// ErrNotOwner is returned when a writer touches an entity it did not create.
	ErrNotOwner = errors.New("entity owned by another writer")
)

// Owner identifies a scene writer.
type Owner int

const (
	OwnerNone Owner = iota
	OwnerReconciler
	OwnerAnimator
)

func (o Owner) String() string {
	switch o {
	case OwnerReconciler:
		return "reconciler"
	case OwnerAnimator:
		return "animator"
	default:
		return "none"
	}
}

// EntityKind distinguishes marker flavours.
type EntityKind int

const (
	KindStation EntityKind = iota
	KindCluster
	KindTemporary
)

func (k EntityKind) String() string {
	switch k {
	case KindStation:
		return "station"
	case KindCluster:
		return "cluster"
	case KindTemporary:
		return "temporary"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Entity is the scene's record of one rendered marker.
type Entity struct {
	ID       string
	Kind     EntityKind
	Position model.LatLng
	Count    int
	Visible  bool
	Owner    Owner
	LeasedBy Owner

	// Item is set for station and cluster markers placed from a listing.
	Item model.ClusterItem
	// Station is set for station and temporary markers.
	Station model.Station
}

// Scene is the single owned wrapper around the globe's entity collection.
// Every mutation names its writer; an entity may only be changed by the
// owner that created it, or by the holder of its lease while one exists.
type Scene struct {
	mu       sync.Mutex
	globe    Globe
	entities map[string]*Entity
}

// NewScene wraps g.
func NewScene(g Globe) *Scene {
	return &Scene{globe: g, entities: make(map[string]*Entity)}
}

// AddItem renders a listing item as a station or cluster marker keyed by
// item.Key().
func (s *Scene) AddItem(owner Owner, item model.ClusterItem) error {
	key := item.Key()
	if key == "" {
		return fmt.Errorf("add item: %w", model.ErrInvalidStation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[key]; ok {
		return fmt.Errorf("%w: %s", ErrEntityExists, key)
	}

	e := &Entity{
		ID:       key,
		Position: item.Centroid(),
		Count:    item.Count,
		Visible:  true,
		Owner:    owner,
		Item:     item,
	}
	if item.IsCluster() {
		e.Kind = KindCluster
		s.globe.PlaceClusterMarker(key, item)
	} else {
		e.Kind = KindStation
		if len(item.Stations) > 0 {
			e.Station = item.Stations[0]
			if p, ok := e.Station.Position(); ok {
				e.Position = p
			}
		}
		s.globe.PlaceStationMarker(key, e.Station)
	}
	s.entities[key] = e
	return nil
}

// AddTemporary places a transient station marker at the given position.
func (s *Scene) AddTemporary(owner Owner, id string, st model.Station, at model.LatLng) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[id]; ok {
		return fmt.Errorf("%w: %s", ErrEntityExists, id)
	}
	s.entities[id] = &Entity{
		ID:       id,
		Kind:     KindTemporary,
		Position: at,
		Visible:  true,
		Owner:    owner,
		Station:  st,
	}
	s.globe.PlaceTemporaryMarker(id, st, at)
	return nil
}

// Move repositions an entity.
func (s *Scene) Move(owner Owner, id string, at model.LatLng) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.writable(owner, id)
	if err != nil {
		return err
	}
	e.Position = at
	s.globe.MoveMarker(id, at)
	return nil
}

// SetVisible shows or hides an entity.
func (s *Scene) SetVisible(owner Owner, id string, visible bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.writable(owner, id)
	if err != nil {
		return err
	}
	e.Visible = visible
	s.globe.SetMarkerVisible(id, visible)
	return nil
}

// Remove deletes an entity. Leased entities cannot be removed by anyone.
func (s *Scene) Remove(owner Owner, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntityNotFound, id)
	}
	if e.LeasedBy != OwnerNone {
		return fmt.Errorf("%w: %s held by %s", ErrEntityLeased, id, e.LeasedBy)
	}
	if e.Owner != owner {
		return fmt.Errorf("%w: %s", ErrNotOwner, id)
	}
	delete(s.entities, id)
	s.globe.RemoveMarker(id)
	return nil
}

// Lease hands exclusive write access to an entity to owner until Release.
func (s *Scene) Lease(owner Owner, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntityNotFound, id)
	}
	if e.LeasedBy != OwnerNone && e.LeasedBy != owner {
		return fmt.Errorf("%w: %s held by %s", ErrEntityLeased, id, e.LeasedBy)
	}
	e.LeasedBy = owner
	return nil
}

// Release ends owner's lease on id. It is a no-op if owner holds no lease.
func (s *Scene) Release(owner Owner, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entities[id]; ok && e.LeasedBy == owner {
		e.LeasedBy = OwnerNone
	}
}

// Clear removes every unleased entity created by owner.
func (s *Scene) Clear(owner Owner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entities {
		if e.Owner == owner && e.LeasedBy == OwnerNone {
			delete(s.entities, id)
			s.globe.RemoveMarker(id)
		}
	}
}

// Reset drops every entity and asks the globe to clear all markers. Used
// when the rendering surface reconnects and has lost its state.
func (s *Scene) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.entities)
	s.globe.RemoveAllMarkers()
}

// Entity returns a copy of the entity with the given id.
func (s *Scene) Entity(id string) (Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return Entity{}, false
	}
	return *e, true
}

// Entities returns the entities created by owner sorted by id. OwnerNone
// returns every entity.
func (s *Scene) Entities(owner Owner) []Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entity, 0, len(s.entities))
	for _, e := range s.entities {
		if owner == OwnerNone || e.Owner == owner {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of entities created by owner (all for OwnerNone).
func (s *Scene) Len(owner Owner) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner == OwnerNone {
		return len(s.entities)
	}
	n := 0
	for _, e := range s.entities {
		if e.Owner == owner {
			n++
		}
	}
	return n
}

// writable must be called with s.mu held.
func (s *Scene) writable(owner Owner, id string) (*Entity, error) {
	e, ok := s.entities[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, id)
	}
	if e.LeasedBy != OwnerNone {
		if e.LeasedBy != owner {
			return nil, fmt.Errorf("%w: %s held by %s", ErrEntityLeased, id, e.LeasedBy)
		}
		return e, nil
	}
	if e.Owner != owner {
		return nil, fmt.Errorf("%w: %s", ErrNotOwner, id)
	}
	return e, nil
}
