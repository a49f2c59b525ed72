package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/radio-globe/internal/catalog"
	"github.com/signalsfoundry/radio-globe/internal/events"
	"github.com/signalsfoundry/radio-globe/model"
	"github.com/signalsfoundry/radio-globe/timectrl"
)

var epoch = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

type marker struct {
	kind    string
	pos     model.LatLng
	visible bool
}

type flight struct {
	lng, lat, height float64
}

// fakeGlobe records every command and answers camera queries from fields.
type fakeGlobe struct {
	mu      sync.Mutex
	markers map[string]*marker
	placed  map[string]int
	removed []string
	flights []flight
	zoom    int
	height  float64
	bounds  model.Bounds
}

func newFakeGlobe() *fakeGlobe {
	return &fakeGlobe{
		markers: make(map[string]*marker),
		placed:  make(map[string]int),
		zoom:    3,
		height:  1_000_000,
		bounds:  model.WorldBounds,
	}
}

func (g *fakeGlobe) place(id, kind string, at model.LatLng) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.markers[id] = &marker{kind: kind, pos: at, visible: true}
	g.placed[id]++
}

func (g *fakeGlobe) PlaceStationMarker(id string, st model.Station) {
	p, _ := st.Position()
	g.place(id, "station", p)
}

func (g *fakeGlobe) PlaceClusterMarker(id string, item model.ClusterItem) {
	g.place(id, "cluster", item.Centroid())
}

func (g *fakeGlobe) PlaceTemporaryMarker(id string, _ model.Station, at model.LatLng) {
	g.place(id, "temporary", at)
}

func (g *fakeGlobe) MoveMarker(id string, at model.LatLng) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if m, ok := g.markers[id]; ok {
		m.pos = at
	}
}

func (g *fakeGlobe) RemoveMarker(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.markers, id)
	g.removed = append(g.removed, id)
}

func (g *fakeGlobe) RemoveAllMarkers() {
	g.mu.Lock()
	defer g.mu.Unlock()
	clear(g.markers)
}

func (g *fakeGlobe) SetMarkerVisible(id string, visible bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if m, ok := g.markers[id]; ok {
		m.visible = visible
	}
}

func (g *fakeGlobe) FlyCameraTo(lng, lat, height float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.flights = append(g.flights, flight{lng: lng, lat: lat, height: height})
}

func (g *fakeGlobe) CameraHeight() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.height
}

func (g *fakeGlobe) ViewportBounds() model.Bounds {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bounds
}

func (g *fakeGlobe) ZoomLevel() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.zoom
}

func (g *fakeGlobe) setZoom(z int) {
	g.mu.Lock()
	g.zoom = z
	g.mu.Unlock()
}

func (g *fakeGlobe) marker(id string) (marker, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.markers[id]
	if !ok {
		return marker{}, false
	}
	return *m, true
}

func (g *fakeGlobe) markerCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.markers)
}

func (g *fakeGlobe) placements(id string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.placed[id]
}

func (g *fakeGlobe) lastFlight() (flight, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.flights) == 0 {
		return flight{}, false
	}
	return g.flights[len(g.flights)-1], true
}

// fakeCatalog serves clustered listings from a function and station
// details from a map. Setting gate makes every clustered fetch block until
// a value is received from it.
type fakeCatalog struct {
	mu        sync.Mutex
	clustered func(q model.ClusterQuery) (*model.ClusteredStations, error)
	stations  map[model.StationID]model.Station
	detailErr error

	started      chan model.ClusterQuery
	gate         chan struct{}
	stationsGate chan struct{}

	queries []model.ClusterQuery
}

func newFakeCatalog(stations ...model.Station) *fakeCatalog {
	c := &fakeCatalog{stations: make(map[model.StationID]model.Station)}
	for _, st := range stations {
		c.stations[st.ID] = st
	}
	return c
}

func (c *fakeCatalog) FetchClusteredStations(ctx context.Context, q model.ClusterQuery) (*model.ClusteredStations, error) {
	c.mu.Lock()
	c.queries = append(c.queries, q)
	fn, started, gate := c.clustered, c.started, c.gate
	c.mu.Unlock()

	if started != nil {
		started <- q
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fn == nil {
		return &model.ClusteredStations{}, nil
	}
	return fn(q)
}

func (c *fakeCatalog) FetchStation(_ context.Context, id model.StationID) (model.Station, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detailErr != nil {
		return model.Station{}, c.detailErr
	}
	st, ok := c.stations[id]
	if !ok {
		return model.Station{}, catalog.ErrStationNotFound
	}
	return st, nil
}

func (c *fakeCatalog) FetchStations(ctx context.Context, ids []model.StationID) ([]model.Station, error) {
	c.mu.Lock()
	gate := c.stationsGate
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var out []model.Station
	for _, id := range ids {
		if st, ok := c.stations[id]; ok {
			out = append(out, st)
		}
	}
	return out, nil
}

func (c *fakeCatalog) setClustered(fn func(model.ClusterQuery) (*model.ClusteredStations, error)) {
	c.mu.Lock()
	c.clustered = fn
	c.mu.Unlock()
}

func (c *fakeCatalog) calls() []model.ClusterQuery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.ClusterQuery(nil), c.queries...)
}

// listing returns a fixed snapshot for every query.
func listing(items ...model.ClusterItem) func(model.ClusterQuery) (*model.ClusteredStations, error) {
	return func(model.ClusterQuery) (*model.ClusteredStations, error) {
		total := 0
		for _, it := range items {
			total += it.Count
		}
		return &model.ClusteredStations{Items: items, TotalStations: total}, nil
	}
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) ofType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fakeMetrics struct {
	mu         sync.Mutex
	fetches    map[string]int
	rendered   int
	explosions map[string]int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{fetches: make(map[string]int), explosions: make(map[string]int)}
}

func (m *fakeMetrics) IncViewportFetch(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches[outcome]++
}

func (m *fakeMetrics) SetRenderedEntities(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rendered = n
}

func (m *fakeMetrics) IncExplosion(action string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.explosions[action]++
}

func (m *fakeMetrics) fetchCount(outcome string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches[outcome]
}

func stackedCluster(id string, center model.LatLng, n int) (model.ClusterItem, []model.Station) {
	stations := make([]model.Station, n)
	for i := range stations {
		sid := model.StationID(id + "-" + string(rune('a'+i)))
		stations[i] = model.NewStation(sid, "Station "+string(sid), center.Lat+float64(i)*0.001, center.Lng, "http://stream/"+string(sid))
	}
	return model.ClusterItem{
		Type:     model.ItemCluster,
		ID:       id,
		Lat:      center.Lat,
		Lng:      center.Lng,
		Count:    n,
		Stations: stations,
	}, stations
}

func singletonItem(st model.Station) model.ClusterItem {
	p, _ := st.Position()
	return model.ClusterItem{Type: model.ItemStation, Lat: p.Lat, Lng: p.Lng, Count: 1, Stations: []model.Station{st}}
}

// waitDriving advances clock until done is closed, so animations that the
// waiter depends on can finish.
func waitDriving(t *testing.T, clock *timectrl.ManualClock, done <-chan struct{}) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-done:
			return
		case <-deadline:
			t.Fatalf("timed out waiting while driving the clock")
		default:
		}
		clock.Advance(50 * time.Millisecond)
		time.Sleep(time.Millisecond)
	}
}

// waitFor closes the returned channel once fn returns.
func waitFor(fn func()) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	return done
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for value")
	}
	var zero T
	return zero
}
