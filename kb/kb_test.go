package kb

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/signalsfoundry/radio-globe/model"
)

func cluster(id string, stations ...model.Station) model.ClusterItem {
	var lat, lng float64
	for _, s := range stations {
		p, _ := s.Position()
		lat += p.Lat
		lng += p.Lng
	}
	n := float64(len(stations))
	return model.ClusterItem{
		Type:     model.ItemCluster,
		ID:       id,
		Lat:      lat / n,
		Lng:      lng / n,
		Count:    len(stations),
		Stations: stations,
	}
}

func singleton(s model.Station) model.ClusterItem {
	p, _ := s.Position()
	return model.ClusterItem{
		Type:     model.ItemStation,
		Lat:      p.Lat,
		Lng:      p.Lng,
		Count:    1,
		Stations: []model.Station{s},
	}
}

func TestReplaceAndLookup(t *testing.T) {
	ix := NewIndex()
	gen := ix.Replace(&model.ClusteredStations{
		Items: []model.ClusterItem{
			cluster("c1",
				model.NewStation("1", "One", 10, 20),
				model.NewStation("2", "Two", 10.001, 20.001),
			),
			singleton(model.NewStation("3", "Three", -5, 7)),
		},
		TotalStations: 3,
	})
	if gen != 1 {
		t.Fatalf("generation = %d, want 1", gen)
	}
	if ix.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", ix.Len())
	}
	if _, ok := ix.Item("station_3"); !ok {
		t.Fatalf("singleton wrapper should be keyed by its station")
	}
	ids, err := ix.StationIDs("c1")
	if err != nil {
		t.Fatalf("StationIDs error: %v", err)
	}
	if want := []model.StationID{"1", "2"}; !reflect.DeepEqual(ids, want) {
		t.Fatalf("StationIDs = %v, want %v", ids, want)
	}
	if st, err := ix.Station("2"); err != nil || st.Name != "Two" {
		t.Fatalf("Station(2) = %#v, %v", st, err)
	}
	if ix.TotalStations() != 3 {
		t.Fatalf("TotalStations = %d, want 3", ix.TotalStations())
	}
}

func TestReplaceDropsPreviousSnapshot(t *testing.T) {
	ix := NewIndex()
	ix.Replace(&model.ClusteredStations{Items: []model.ClusterItem{
		cluster("c1", model.NewStation("1", "One", 1, 1), model.NewStation("2", "Two", 1, 1)),
	}})
	ix.Replace(&model.ClusteredStations{Items: []model.ClusterItem{
		singleton(model.NewStation("9", "Nine", 2, 2)),
	}})

	if _, err := ix.Classify("c1"); !errors.Is(err, ErrClusterNotFound) {
		t.Fatalf("Classify on replaced id err = %v, want ErrClusterNotFound", err)
	}
	if _, err := ix.Station("1"); !errors.Is(err, ErrStationNotFound) {
		t.Fatalf("Station on replaced id err = %v, want ErrStationNotFound", err)
	}
	if ix.Generation() != 2 {
		t.Fatalf("Generation = %d, want 2", ix.Generation())
	}
}

func TestReplaceSkipsStationsWithoutCoordinates(t *testing.T) {
	ix := NewIndex()
	ix.Replace(&model.ClusteredStations{Items: []model.ClusterItem{{
		Type:  model.ItemCluster,
		ID:    "c1",
		Count: 2,
		Stations: []model.Station{
			model.NewStation("1", "One", 1, 1),
			{ID: "2", Name: "Nowhere"},
		},
	}}})
	ids, err := ix.StationIDs("c1")
	if err != nil {
		t.Fatalf("StationIDs error: %v", err)
	}
	if len(ids) != 1 || ids[0] != "1" {
		t.Fatalf("StationIDs = %v, want [1]", ids)
	}
}

func TestClassifySingleStationIsNotStacked(t *testing.T) {
	ix := NewIndex()
	ix.Replace(&model.ClusteredStations{Items: []model.ClusterItem{
		singleton(model.NewStation("1", "One", 0, 0)),
	}})
	got, err := ix.Classify("station_1")
	if err != nil {
		t.Fatalf("Classify error: %v", err)
	}
	if got.Stacked {
		t.Fatalf("single station classified as stacked")
	}
}

func TestClassifyThresholdBoundary(t *testing.T) {
	cases := []struct {
		name       string
		dLat, dLng float64
		want       bool
	}{
		{"exactly on threshold", 0.01, 0.01, true},
		{"on threshold away from origin", 0.01, 0.01, true},
		{"lat just over", 0.0101, 0, false},
		{"lng just over", 0, 0.0101, false},
		{"well inside", 0.004, -0.003, true},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			base := 0.0
			if i == 1 {
				base = 10
			}
			ix := NewIndex()
			ix.Replace(&model.ClusteredStations{Items: []model.ClusterItem{
				cluster("c",
					model.NewStation("a", "A", base, base),
					model.NewStation("b", "B", base+tc.dLat, base+tc.dLng),
				),
			}})
			got, err := ix.Classify("c")
			if err != nil {
				t.Fatalf("Classify error: %v", err)
			}
			if got.Stacked != tc.want {
				t.Fatalf("Stacked = %v, want %v", got.Stacked, tc.want)
			}
		})
	}
}

func TestClassifyUsesFirstMemberAsReference(t *testing.T) {
	// b and c are 0.016 apart, but both are within 0.01 of a.
	ix := NewIndex()
	ix.Replace(&model.ClusteredStations{Items: []model.ClusterItem{
		cluster("c",
			model.NewStation("a", "A", 0, 0),
			model.NewStation("b", "B", 0.008, 0),
			model.NewStation("c", "C", -0.008, 0),
		),
	}})
	got, err := ix.Classify("c")
	if err != nil {
		t.Fatalf("Classify error: %v", err)
	}
	if !got.Stacked {
		t.Fatalf("expected stacked relative to first member")
	}
}

func TestClassifyIsIdempotent(t *testing.T) {
	ix := NewIndex()
	ix.Replace(&model.ClusteredStations{Items: []model.ClusterItem{
		cluster("c",
			model.NewStation("a", "A", 0, 0),
			model.NewStation("b", "B", 0.5, 0.5),
		),
	}})
	first, err := ix.Classify("c")
	if err != nil {
		t.Fatalf("Classify error: %v", err)
	}
	second, err := ix.Classify("c")
	if err != nil {
		t.Fatalf("Classify error: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("Classify not idempotent: %#v vs %#v", first, second)
	}
	if first.Stacked {
		t.Fatalf("spread cluster classified as stacked")
	}
}

func TestStackThresholdIsTunable(t *testing.T) {
	ix := NewIndex(WithStackThreshold(1))
	ix.Replace(&model.ClusteredStations{Items: []model.ClusterItem{
		cluster("c",
			model.NewStation("a", "A", 0, 0),
			model.NewStation("b", "B", 0.5, 0.5),
		),
	}})
	got, _ := ix.Classify("c")
	if !got.Stacked {
		t.Fatalf("expected stacked with 1° threshold")
	}
	ix.SetStackThreshold(0.1)
	got, _ = ix.Classify("c")
	if got.Stacked {
		t.Fatalf("expected geographic with 0.1° threshold")
	}
}

func TestReplaceNotifiesSubscribers(t *testing.T) {
	ix := NewIndex()
	var got []Event
	unsubscribe := ix.Subscribe(func(e Event) { got = append(got, e) })

	ix.Replace(&model.ClusteredStations{Items: []model.ClusterItem{
		singleton(model.NewStation("1", "One", 0, 0)),
	}})
	unsubscribe()
	ix.Replace(nil)

	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].Type != EventSnapshotReplaced || got[0].Items != 1 || got[0].Generation != 1 {
		t.Fatalf("event = %#v", got[0])
	}
}

func TestConcurrentAccess(t *testing.T) {
	ix := NewIndex()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = ix.Classify("c")
			_ = ix.Items()
		}()
		go func() {
			defer wg.Done()
			ix.Replace(&model.ClusteredStations{Items: []model.ClusterItem{
				cluster("c",
					model.NewStation(model.StationID(fmt.Sprint(i)), "S", 0, 0),
					model.NewStation("x", "X", 0, 0),
				),
			}})
		}()
	}
	wg.Wait()
}

func TestUnsubscribeOutOfOrder(t *testing.T) {
	ix := NewIndex()
	var a, b, c int
	unsubA := ix.Subscribe(func(Event) { a++ })
	_ = ix.Subscribe(func(Event) { b++ })
	unsubC := ix.Subscribe(func(Event) { c++ })

	unsubA()
	unsubC()
	unsubC()
	ix.Replace(nil)

	if a != 0 || b != 1 || c != 0 {
		t.Fatalf("notifications a=%d b=%d c=%d, want 0 1 0", a, b, c)
	}
}

func TestReplaceCountsRejectedStations(t *testing.T) {
	ix := NewIndex()
	var got Event
	ix.Subscribe(func(e Event) { got = e })

	noCoords := model.Station{ID: "x", Name: "Nowhere"}
	ix.Replace(&model.ClusteredStations{Items: []model.ClusterItem{
		{Type: model.ItemCluster, ID: "c1", Count: 2, Stations: []model.Station{
			model.NewStation("1", "One", 0, 0),
			noCoords,
		}},
	}})

	if ix.Rejected() != 1 || got.Rejected != 1 {
		t.Fatalf("rejected = %d (event %d), want 1", ix.Rejected(), got.Rejected)
	}
	if ids, _ := ix.StationIDs("c1"); len(ids) != 1 || ids[0] != "1" {
		t.Fatalf("StationIDs = %v, want [1]", ids)
	}
	ix.Replace(nil)
	if ix.Rejected() != 0 {
		t.Fatalf("rejected after empty replace = %d", ix.Rejected())
	}
}
