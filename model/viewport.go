package model

import (
	"net/url"
	"slices"
	"strconv"
	"strings"
)

// Filter categories understood by the catalog.
const (
	CategoryGenre  = "genre"
	CategoryDecade = "decade"
	CategoryTopic  = "topic"
	CategoryLang   = "lang"
	CategoryMood   = "mood"
)

// Categories lists the filter categories in the catalog's order.
var Categories = []string{CategoryGenre, CategoryDecade, CategoryTopic, CategoryLang, CategoryMood}

// Bounds is a geographic bounding box in degrees.
type Bounds struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

// WorldBounds covers the whole globe.
var WorldBounds = Bounds{North: 90, South: -90, East: 180, West: -180}

// Contains reports whether p lies inside the box.
func (b Bounds) Contains(p LatLng) bool {
	return p.Lat >= b.South && p.Lat <= b.North && p.Lng >= b.West && p.Lng <= b.East
}

// Viewport is the camera state the globe reports when it settles.
type Viewport struct {
	Bounds       Bounds  `json:"bounds"`
	Zoom         int     `json:"zoom"`
	CameraHeight float64 `json:"height,omitempty"`
}

// Filters is the active tag selection plus an optional name search.
type Filters struct {
	Tags   map[string][]string `json:"tags,omitempty"`
	Search string              `json:"search,omitempty"`
}

// Clone returns a deep copy with tag lists sorted and de-duplicated.
func (f Filters) Clone() Filters {
	out := Filters{Search: strings.TrimSpace(f.Search)}
	for category, tags := range f.Tags {
		var vals []string
		for _, t := range tags {
			t = strings.TrimSpace(t)
			if t != "" {
				vals = append(vals, t)
			}
		}
		if len(vals) == 0 {
			continue
		}
		slices.Sort(vals)
		vals = slices.Compact(vals)
		if out.Tags == nil {
			out.Tags = make(map[string][]string)
		}
		out.Tags[category] = vals
	}
	return out
}

// Empty reports whether no filter is active.
func (f Filters) Empty() bool {
	return len(f.Clone().Tags) == 0 && strings.TrimSpace(f.Search) == ""
}

// ClusterQuery is everything the catalog needs for one clustered fetch.
type ClusterQuery struct {
	Viewport Viewport
	Filters  Filters
}

// Values encodes the query the way the catalog's clustered endpoint expects.
func (q ClusterQuery) Values() url.Values {
	v := url.Values{}
	b := q.Viewport.Bounds
	v.Set("north", strconv.FormatFloat(b.North, 'f', -1, 64))
	v.Set("south", strconv.FormatFloat(b.South, 'f', -1, 64))
	v.Set("east", strconv.FormatFloat(b.East, 'f', -1, 64))
	v.Set("west", strconv.FormatFloat(b.West, 'f', -1, 64))
	v.Set("zoom", strconv.Itoa(q.Viewport.Zoom))

	f := q.Filters.Clone()
	if f.Search != "" {
		v.Set("search", f.Search)
	}
	for category, tags := range f.Tags {
		v.Set(category, strings.Join(tags, ","))
	}
	return v
}
