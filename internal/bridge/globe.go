package bridge

import (
	"context"

	"github.com/signalsfoundry/radio-globe/core"
	"github.com/signalsfoundry/radio-globe/internal/audio"
	"github.com/signalsfoundry/radio-globe/model"
)

var (
	_ core.Globe   = (*Globe)(nil)
	_ audio.Output = (*Output)(nil)
	_ Handler      = (*core.Engine)(nil)
)

// Globe drives the page's globe. Marker commands wait for buffer room so the
// page never diverges from the scene; camera queries answer from the last
// camera_settled report.
type Globe struct {
	hub *Hub
}

func (g *Globe) PlaceStationMarker(id string, st model.Station) {
	p, _ := st.Position()
	station := st
	_ = g.hub.sendScene(Outbound{Type: MsgMarkerAdd, ID: id, Kind: KindStation, Position: &p, Count: 1, Station: &station})
}

func (g *Globe) PlaceClusterMarker(id string, item model.ClusterItem) {
	p := item.Centroid()
	_ = g.hub.sendScene(Outbound{Type: MsgMarkerAdd, ID: id, Kind: KindCluster, Position: &p, Count: item.Count})
}

func (g *Globe) PlaceTemporaryMarker(id string, st model.Station, at model.LatLng) {
	station := st
	_ = g.hub.sendScene(Outbound{Type: MsgMarkerAdd, ID: id, Kind: KindTemporary, Position: &at, Count: 1, Station: &station})
}

func (g *Globe) MoveMarker(id string, at model.LatLng) {
	_ = g.hub.sendScene(Outbound{Type: MsgMarkerMove, ID: id, Position: &at})
}

func (g *Globe) RemoveMarker(id string) {
	_ = g.hub.sendScene(Outbound{Type: MsgMarkerRemove, ID: id})
}

func (g *Globe) RemoveAllMarkers() {
	_ = g.hub.sendScene(Outbound{Type: MsgMarkersClear})
}

func (g *Globe) SetMarkerVisible(id string, visible bool) {
	_ = g.hub.sendScene(Outbound{Type: MsgMarkerVisible, ID: id, Visible: &visible})
}

func (g *Globe) FlyCameraTo(lng, lat, height float64) {
	_ = g.hub.send(Outbound{Type: MsgCameraFly, Lng: lng, Lat: lat, Height: height})
}

func (g *Globe) CameraHeight() float64 { return g.hub.cameraState().height }

func (g *Globe) ViewportBounds() model.Bounds { return g.hub.cameraState().bounds }

func (g *Globe) ZoomLevel() int { return g.hub.cameraState().zoom }

// Output drives the page's single audio element.
type Output struct {
	hub *Hub
}

func (o *Output) Attach(_ context.Context, url string) error {
	return o.hub.send(Outbound{Type: MsgAudioAttach, URL: url})
}

func (o *Output) Play() error {
	return o.hub.send(Outbound{Type: MsgAudioPlay})
}

func (o *Output) Pause() error {
	return o.hub.send(Outbound{Type: MsgAudioPause})
}

// Stop succeeds without a page: there is nothing left to release.
func (o *Output) Stop() error {
	if err := o.hub.send(Outbound{Type: MsgAudioStop}); err != nil && err != ErrNoPage {
		return err
	}
	return nil
}

func (o *Output) SetVolume(v float64) error {
	return o.hub.send(Outbound{Type: MsgAudioVolume, Volume: &v})
}

func (o *Output) SetMuted(muted bool) error {
	return o.hub.send(Outbound{Type: MsgAudioMuted, Muted: &muted})
}
