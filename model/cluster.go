package model

// ItemType distinguishes true clusters from singleton station wrappers in a
// clustered listing.
type ItemType string

const (
	ItemStation ItemType = "station"
	ItemCluster ItemType = "cluster"
)

// ClusterItem is one entry of a clustered listing. Cluster ids are only
// stable within a single response.
type ClusterItem struct {
	Type     ItemType  `json:"type"`
	ID       string    `json:"id,omitempty"`
	Lat      float64   `json:"lat"`
	Lng      float64   `json:"lng"`
	Count    int       `json:"count"`
	Stations []Station `json:"stations"`
}

// IsCluster reports whether the item groups more than one station.
func (c ClusterItem) IsCluster() bool {
	return c.Type == ItemCluster && c.Count != 1
}

// Key is the scene entity id for the item. Singleton wrappers carry no id
// on the wire, so they are keyed by their station.
func (c ClusterItem) Key() string {
	if c.Type == ItemStation {
		if len(c.Stations) > 0 {
			return StationKey(c.Stations[0].ID)
		}
		return c.ID
	}
	return c.ID
}

// Centroid returns the item position.
func (c ClusterItem) Centroid() LatLng {
	return LatLng{Lat: c.Lat, Lng: c.Lng}
}

// StationIDs lists member ids in listing order.
func (c ClusterItem) StationIDs() []StationID {
	ids := make([]StationID, 0, len(c.Stations))
	for _, s := range c.Stations {
		ids = append(ids, s.ID)
	}
	return ids
}

// StationKey is the scene entity id used for a single station marker.
func StationKey(id StationID) string {
	return "station_" + string(id)
}

// ClusteredStations is the catalog's clustered listing for one viewport.
type ClusteredStations struct {
	Items         []ClusterItem `json:"items"`
	TotalStations int           `json:"total_stations"`
	ZoomLevel     int           `json:"zoom_level"`
}
