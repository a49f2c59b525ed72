package core

import (
	"math"

	"github.com/signalsfoundry/radio-globe/model"
)

// Explosion layout constants. The radius shrinks as the camera zooms in.
const (
	DefaultRadiusBase     = 0.005
	DefaultRadiusMinScale = 2.0
	DefaultRadiusZoomRef  = 10.0
)

// LayoutConfig tunes the radial layout used for exploded clusters.
type LayoutConfig struct {
	RadiusBase     float64
	RadiusMinScale float64
	RadiusZoomRef  float64
}

// DefaultLayout returns the stock layout constants.
func DefaultLayout() LayoutConfig {
	return LayoutConfig{
		RadiusBase:     DefaultRadiusBase,
		RadiusMinScale: DefaultRadiusMinScale,
		RadiusZoomRef:  DefaultRadiusZoomRef,
	}
}

// Radius returns base * max(minScale, zoomRef/zoom) in degrees. Zoom levels
// below 1 are treated as 1.
func (c LayoutConfig) Radius(zoom int) float64 {
	z := float64(zoom)
	if z < 1 {
		z = 1
	}
	return c.RadiusBase * math.Max(c.RadiusMinScale, c.RadiusZoomRef/z)
}

// RadialLayout spreads n points evenly on a circle of the given radius
// around center, member i at angle 2πi/n. The longitude offset is divided by
// cos(latitude) so the circle looks round on an equirectangular view.
func RadialLayout(center model.LatLng, n int, radius float64) []model.LatLng {
	if n <= 0 {
		return nil
	}
	cosLat := math.Cos(center.Lat * math.Pi / 180)
	if math.Abs(cosLat) < 1e-6 {
		cosLat = 1e-6
	}
	out := make([]model.LatLng, n)
	for i := 0; i < n; i++ {
		angle := 2 * math.Pi * float64(i) / float64(n)
		out[i] = model.LatLng{
			Lat: center.Lat + radius*math.Sin(angle),
			Lng: center.Lng + radius*math.Cos(angle)/cosLat,
		}
	}
	return out
}

// lerpLatLng interpolates between two positions.
func lerpLatLng(from, to model.LatLng, t float64) model.LatLng {
	return model.LatLng{
		Lat: from.Lat + (to.Lat-from.Lat)*t,
		Lng: from.Lng + (to.Lng-from.Lng)*t,
	}
}
