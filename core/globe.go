package core

import "github.com/signalsfoundry/radio-globe/model"

// Globe is the rendering capability the core drives. Implementations must
// not block: commands are fire-and-forget and camera queries answer from the
// most recently reported camera state.
type Globe interface {
	PlaceStationMarker(id string, st model.Station)
	PlaceClusterMarker(id string, item model.ClusterItem)
	PlaceTemporaryMarker(id string, st model.Station, at model.LatLng)
	MoveMarker(id string, at model.LatLng)
	RemoveMarker(id string)
	RemoveAllMarkers()
	SetMarkerVisible(id string, visible bool)

	FlyCameraTo(lng, lat, height float64)
	CameraHeight() float64
	ViewportBounds() model.Bounds
	ZoomLevel() int
}
