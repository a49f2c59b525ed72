package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/signalsfoundry/radio-globe/internal/events"
	"github.com/signalsfoundry/radio-globe/model"
	"github.com/signalsfoundry/radio-globe/timectrl"
)

type explosionFixture struct {
	globe   *fakeGlobe
	scene   *Scene
	clock   *timectrl.ManualClock
	catalog *fakeCatalog
	pub     *recorder
	metrics *fakeMetrics
	anim    *Animator
}

func newExplosionFixture(stations ...model.Station) *explosionFixture {
	f := &explosionFixture{
		globe:   newFakeGlobe(),
		clock:   timectrl.NewManualClock(epoch),
		catalog: newFakeCatalog(stations...),
		pub:     &recorder{},
		metrics: newFakeMetrics(),
	}
	f.scene = NewScene(f.globe)
	f.anim = NewAnimator(f.scene, f.clock, f.catalog,
		WithAnimatorPublisher(f.pub),
		WithAnimatorMetrics(f.metrics),
	)
	return f
}

func (f *explosionFixture) render(t *testing.T, items ...model.ClusterItem) {
	t.Helper()
	for _, item := range items {
		if err := f.scene.AddItem(OwnerReconciler, item); err != nil {
			t.Fatalf("AddItem(%s) error: %v", item.Key(), err)
		}
	}
}

func TestExplodeSpreadsMembersOnCircle(t *testing.T) {
	center := model.LatLng{Lat: 20, Lng: 10}
	item, stations := stackedCluster("c1", center, 4)
	f := newExplosionFixture(stations...)
	f.render(t, item)

	if err := f.anim.Explode(context.Background(), item, item.StationIDs(), 8); err != nil {
		t.Fatalf("Explode error: %v", err)
	}

	if m, _ := f.globe.marker("c1"); m.visible {
		t.Fatalf("cluster marker should be hidden while exploded")
	}
	if e, _ := f.scene.Entity("c1"); e.LeasedBy != OwnerAnimator {
		t.Fatalf("cluster lease = %v, want animator", e.LeasedBy)
	}
	for _, st := range stations {
		m, ok := f.globe.marker("explode_" + string(st.ID))
		if !ok {
			t.Fatalf("missing temporary marker for %s", st.ID)
		}
		if m.pos != center {
			t.Fatalf("temporary marker starts at %+v, want centroid", m.pos)
		}
	}

	f.clock.AdvanceFrames(4, 100*time.Millisecond)

	targets := RadialLayout(center, 4, 0.01)
	for i, st := range stations {
		m, _ := f.globe.marker("explode_" + string(st.ID))
		if !almostEqual(m.pos.Lat, targets[i].Lat) || !almostEqual(m.pos.Lng, targets[i].Lng) {
			t.Fatalf("member %d at %+v, want %+v", i, m.pos, targets[i])
		}
	}
	if f.clock.Listeners() != 0 {
		t.Fatalf("finished tween left %d listeners", f.clock.Listeners())
	}

	state, ok := f.anim.Active()
	if !ok || state.ClusterID != "c1" || len(state.Markers) != 4 {
		t.Fatalf("Active() = %+v, %v", state, ok)
	}
	if got := f.pub.ofType(events.ClusterExploded); len(got) != 1 {
		t.Fatalf("cluster_exploded events = %d, want 1", len(got))
	}
}

func TestExplodeIsSingleton(t *testing.T) {
	itemA, stationsA := stackedCluster("a", model.LatLng{Lat: 1, Lng: 1}, 2)
	itemB, stationsB := stackedCluster("b", model.LatLng{Lat: 5, Lng: 5}, 3)
	f := newExplosionFixture(append(stationsA, stationsB...)...)
	f.render(t, itemA, itemB)

	ctx := context.Background()
	if err := f.anim.Explode(ctx, itemA, itemA.StationIDs(), 9); err != nil {
		t.Fatalf("Explode(a) error: %v", err)
	}
	f.clock.Advance(100 * time.Millisecond)
	if err := f.anim.Explode(ctx, itemB, itemB.StationIDs(), 9); err != nil {
		t.Fatalf("Explode(b) error: %v", err)
	}
	f.clock.AdvanceFrames(5, 100*time.Millisecond)

	for _, st := range stationsA {
		if _, ok := f.globe.marker("explode_" + string(st.ID)); ok {
			t.Fatalf("temporary marker of a still rendered")
		}
	}
	for _, st := range stationsB {
		if _, ok := f.globe.marker("explode_" + string(st.ID)); !ok {
			t.Fatalf("temporary marker of b missing")
		}
	}
	if m, _ := f.globe.marker("a"); !m.visible {
		t.Fatalf("cluster a should be visible again")
	}
	if e, _ := f.scene.Entity("a"); e.LeasedBy != OwnerNone {
		t.Fatalf("cluster a still leased by %v", e.LeasedBy)
	}
	if f.scene.Len(OwnerAnimator) != len(stationsB) {
		t.Fatalf("animator entities = %d, want %d", f.scene.Len(OwnerAnimator), len(stationsB))
	}
	state, _ := f.anim.Active()
	if state.ClusterID != "b" {
		t.Fatalf("active cluster = %q, want b", state.ClusterID)
	}
}

func TestCollapseRestoresCluster(t *testing.T) {
	center := model.LatLng{Lat: -30, Lng: 100}
	item, stations := stackedCluster("c1", center, 3)
	f := newExplosionFixture(stations...)
	f.render(t, item)

	if err := f.anim.Explode(context.Background(), item, item.StationIDs(), 8); err != nil {
		t.Fatalf("Explode error: %v", err)
	}
	f.clock.AdvanceFrames(4, 100*time.Millisecond)

	done := f.anim.Collapse()
	if again := f.anim.Collapse(); again != done {
		t.Fatalf("second Collapse should return the same channel")
	}
	f.clock.AdvanceFrames(2, 100*time.Millisecond)
	m, _ := f.globe.marker("explode_" + string(stations[0].ID))
	halfway := lerpLatLng(center, RadialLayout(center, 3, 0.01)[0], 0.5)
	if !almostEqual(m.pos.Lat, halfway.Lat) || !almostEqual(m.pos.Lng, halfway.Lng) {
		t.Fatalf("collapsing member at %+v, want %+v", m.pos, halfway)
	}

	f.clock.AdvanceFrames(2, 100*time.Millisecond)
	select {
	case <-done:
	default:
		t.Fatalf("collapse not finished after full duration")
	}

	if f.scene.Len(OwnerAnimator) != 0 {
		t.Fatalf("temporary markers left: %d", f.scene.Len(OwnerAnimator))
	}
	if m, _ := f.globe.marker("c1"); !m.visible {
		t.Fatalf("cluster marker still hidden")
	}
	if _, ok := f.anim.Active(); ok {
		t.Fatalf("explosion still active")
	}
	if got := f.pub.ofType(events.ClusterCollapsed); len(got) != 1 {
		t.Fatalf("cluster_collapsed events = %d, want 1", len(got))
	}
	if f.metrics.explosions["explode"] != 1 || f.metrics.explosions["collapse"] != 1 {
		t.Fatalf("explosion metrics = %v", f.metrics.explosions)
	}
}

func TestCollapseMidExplodeReversesFromCurrentPosition(t *testing.T) {
	center := model.LatLng{Lat: 0, Lng: 0}
	item, stations := stackedCluster("c1", center, 2)
	f := newExplosionFixture(stations...)
	f.render(t, item)

	if err := f.anim.Explode(context.Background(), item, item.StationIDs(), 8); err != nil {
		t.Fatalf("Explode error: %v", err)
	}
	f.clock.AdvanceFrames(2, 100*time.Millisecond)

	done := f.anim.Collapse()
	f.clock.Advance(100 * time.Millisecond)

	// Reverse tween runs from 0.5 to 0: a quarter of the way is 0.375.
	target := RadialLayout(center, 2, 0.01)[0]
	want := lerpLatLng(center, target, 0.375)
	m, _ := f.globe.marker("explode_" + string(stations[0].ID))
	if !almostEqual(m.pos.Lng, want.Lng) {
		t.Fatalf("member at %+v, want %+v", m.pos, want)
	}

	f.clock.AdvanceFrames(3, 100*time.Millisecond)
	select {
	case <-done:
	default:
		t.Fatalf("collapse not finished")
	}
}

func TestCollapseWithNothingActiveIsClosed(t *testing.T) {
	f := newExplosionFixture()
	select {
	case <-f.anim.Collapse():
	default:
		t.Fatalf("Collapse with nothing active should be closed")
	}
}

func TestSupersededExplodeLeavesSceneUntouched(t *testing.T) {
	item, stations := stackedCluster("c1", model.LatLng{Lat: 3, Lng: 3}, 2)
	f := newExplosionFixture(stations...)
	f.catalog.stationsGate = make(chan struct{})
	f.render(t, item)

	errCh := make(chan error, 1)
	go func() {
		errCh <- f.anim.Explode(context.Background(), item, item.StationIDs(), 8)
	}()

	// Wait until the explode has bumped the generation before collapsing.
	deadline := time.Now().Add(5 * time.Second)
	for {
		f.anim.mu.Lock()
		gen := f.anim.gen
		f.anim.mu.Unlock()
		if gen > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("explode never started")
		}
		time.Sleep(time.Millisecond)
	}
	<-f.anim.Collapse()
	close(f.catalog.stationsGate)

	if err := receive(t, errCh); !errors.Is(err, ErrSuperseded) {
		t.Fatalf("Explode err = %v, want ErrSuperseded", err)
	}
	if f.scene.Len(OwnerAnimator) != 0 {
		t.Fatalf("superseded explode placed %d markers", f.scene.Len(OwnerAnimator))
	}
	if m, _ := f.globe.marker("c1"); !m.visible {
		t.Fatalf("superseded explode hid the cluster")
	}
}

func TestExplodeWithNoFetchableMembers(t *testing.T) {
	item, _ := stackedCluster("c1", model.LatLng{}, 2)
	f := newExplosionFixture()
	f.render(t, item)

	err := f.anim.Explode(context.Background(), item, item.StationIDs(), 8)
	if !errors.Is(err, ErrNoMembers) {
		t.Fatalf("Explode err = %v, want ErrNoMembers", err)
	}
	if e, _ := f.scene.Entity("c1"); e.LeasedBy != OwnerNone || !e.Visible {
		t.Fatalf("failed explode changed cluster: %+v", e)
	}
}

func TestAbortTearsDownImmediately(t *testing.T) {
	item, stations := stackedCluster("c1", model.LatLng{}, 2)
	f := newExplosionFixture(stations...)
	f.render(t, item)
	if err := f.anim.Explode(context.Background(), item, item.StationIDs(), 8); err != nil {
		t.Fatalf("Explode error: %v", err)
	}
	f.anim.Abort(context.Background())
	if f.scene.Len(OwnerAnimator) != 0 || f.clock.Listeners() != 0 {
		t.Fatalf("Abort left %d markers, %d listeners", f.scene.Len(OwnerAnimator), f.clock.Listeners())
	}
}
