package kb

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/signalsfoundry/radio-globe/model"
)

// DefaultStackThreshold is the per-axis distance in degrees (~1 km) under
// which every member of a cluster is considered to share one transmitter
// address.
const DefaultStackThreshold = 0.01

// thresholdEpsilon absorbs float noise when a delta lands exactly on the
// threshold (10.01-10 is not exactly 0.01).
const thresholdEpsilon = 1e-9

var (
	// ErrClusterNotFound indicates the id is not part of the current snapshot.
	ErrClusterNotFound = errors.New("cluster not found")
	// ErrStationNotFound indicates the station is not part of the current snapshot.
	ErrStationNotFound = errors.New("station not found in snapshot")
)

// EventType indicates what kind of change happened in the index.
type EventType int

const (
	EventSnapshotReplaced EventType = iota
)

// Event is emitted to subscribers when the snapshot changes.
type Event struct {
	Type       EventType
	Generation uint64
	Items      int
	// Rejected counts stations dropped for failing ValidatePlaceable.
	Rejected int
}

// Classification answers how a clicked cluster should be treated.
type Classification struct {
	Stacked    bool
	StationIDs []model.StationID
}

// Index holds the latest clustered listing for the current viewport. It is
// rebuilt wholesale from each fetch; nothing survives a Replace.
type Index struct {
	mu sync.RWMutex

	generation uint64
	threshold  float64

	order    []string
	items    map[string]*model.ClusterItem
	stations map[model.StationID]*model.Station
	total    int
	rejected int

	nextSub uint64
	subs    []subscriber
}

type subscriber struct {
	id uint64
	fn func(Event)
}

// Option customises Index construction.
type Option func(*Index)

// WithStackThreshold overrides DefaultStackThreshold.
func WithStackThreshold(deg float64) Option {
	return func(ix *Index) {
		if deg > 0 {
			ix.threshold = deg
		}
	}
}

// NewIndex constructs an empty index.
func NewIndex(opts ...Option) *Index {
	ix := &Index{
		threshold: DefaultStackThreshold,
		items:     make(map[string]*model.ClusterItem),
		stations:  make(map[model.StationID]*model.Station),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// SetStackThreshold changes the stacked classification threshold.
func (ix *Index) SetStackThreshold(deg float64) {
	if deg <= 0 {
		return
	}
	ix.mu.Lock()
	ix.threshold = deg
	ix.mu.Unlock()
}

// StackThreshold returns the threshold in degrees.
func (ix *Index) StackThreshold() float64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.threshold
}

// Replace swaps in a new snapshot and returns its generation. Items without
// a usable key are skipped, as are member stations without coordinates.
func (ix *Index) Replace(snap *model.ClusteredStations) uint64 {
	items := make(map[string]*model.ClusterItem)
	stations := make(map[model.StationID]*model.Station)
	var order []string
	total, rejected := 0, 0

	if snap != nil {
		total = snap.TotalStations
		for i := range snap.Items {
			item := snap.Items[i]
			members := item.Stations[:0:0]
			for _, st := range item.Stations {
				if err := st.ValidatePlaceable(); err != nil {
					rejected++
					continue
				}
				members = append(members, st)
			}
			item.Stations = members
			key := item.Key()
			if key == "" {
				continue
			}
			if _, dup := items[key]; dup {
				continue
			}
			items[key] = &item
			order = append(order, key)
			for j := range item.Stations {
				st := item.Stations[j]
				stations[st.ID] = &st
			}
		}
	}

	ix.mu.Lock()
	ix.generation++
	ix.items = items
	ix.stations = stations
	ix.order = order
	ix.total = total
	ix.rejected = rejected
	event := Event{
		Type:       EventSnapshotReplaced,
		Generation: ix.generation,
		Items:      len(order),
		Rejected:   rejected,
	}
	subs := append([]subscriber(nil), ix.subs...)
	ix.mu.Unlock()

	// Notify subscribers outside the lock to avoid deadlocks.
	for _, sub := range subs {
		sub.fn(event)
	}
	return event.Generation
}

// Generation is incremented on every Replace.
func (ix *Index) Generation() uint64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.generation
}

// Len returns the number of items in the snapshot.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.order)
}

// TotalStations is the catalog's count of stations inside the viewport.
func (ix *Index) TotalStations() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.total
}

// Rejected returns how many stations the last Replace dropped because they
// could not be placed on the globe.
func (ix *Index) Rejected() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.rejected
}

// Item returns a copy of the item with the given scene key.
func (ix *Index) Item(key string) (model.ClusterItem, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	item, ok := ix.items[key]
	if !ok {
		return model.ClusterItem{}, false
	}
	return *item, true
}

// Items returns the snapshot items in listing order.
func (ix *Index) Items() []model.ClusterItem {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	res := make([]model.ClusterItem, 0, len(ix.order))
	for _, key := range ix.order {
		res = append(res, *ix.items[key])
	}
	return res
}

// Station returns the map-level record of a station in the snapshot.
func (ix *Index) Station(id model.StationID) (model.Station, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	st, ok := ix.stations[id]
	if !ok {
		return model.Station{}, fmt.Errorf("%w: %s", ErrStationNotFound, id)
	}
	return *st, nil
}

// StationIDs lists the members of a cluster.
func (ix *Index) StationIDs(clusterID string) ([]model.StationID, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	item, ok := ix.items[clusterID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClusterNotFound, clusterID)
	}
	return item.StationIDs(), nil
}

// Classify reports whether a cluster is a tight stack (every member within
// the threshold of the first member on both axes) or a geographic grouping.
// It is a pure function of the current snapshot.
func (ix *Index) Classify(clusterID string) (Classification, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	item, ok := ix.items[clusterID]
	if !ok {
		return Classification{}, fmt.Errorf("%w: %s", ErrClusterNotFound, clusterID)
	}
	return Classification{
		Stacked:    isStacked(item.Stations, ix.threshold),
		StationIDs: item.StationIDs(),
	}, nil
}

func isStacked(members []model.Station, threshold float64) bool {
	if len(members) <= 1 {
		return false
	}
	ref, _ := members[0].Position()
	limit := threshold + thresholdEpsilon
	for _, st := range members[1:] {
		p, _ := st.Position()
		if math.Abs(p.Lat-ref.Lat) > limit || math.Abs(p.Lng-ref.Lng) > limit {
			return false
		}
	}
	return true
}

// Subscribe registers a callback for index events. It returns an unsubscribe
// function; calling it more than once is harmless.
func (ix *Index) Subscribe(fn func(Event)) (unsubscribe func()) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.nextSub++
	id := ix.nextSub
	ix.subs = append(ix.subs, subscriber{id: id, fn: fn})

	return func() {
		ix.mu.Lock()
		defer ix.mu.Unlock()
		for i, sub := range ix.subs {
			if sub.id == id {
				ix.subs = append(ix.subs[:i:i], ix.subs[i+1:]...)
				return
			}
		}
	}
}
