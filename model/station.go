package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidStation indicates a station record is missing fields required by
// the operation that received it.
var ErrInvalidStation = errors.New("invalid station")

// ValidationError names the missing or malformed station field.
type ValidationError struct {
	StationID StationID
	Field     string
}

func (e *ValidationError) Error() string {
	if e.StationID == "" {
		return fmt.Sprintf("invalid station: missing %s", e.Field)
	}
	return fmt.Sprintf("invalid station %s: missing %s", e.StationID, e.Field)
}

// Unwrap lets errors.Is(err, ErrInvalidStation) match.
func (e *ValidationError) Unwrap() error { return ErrInvalidStation }

// StationID is the opaque catalog identity of a station. The catalog emits
// integer ids; the client treats them as strings.
type StationID string

// UnmarshalJSON accepts both JSON numbers and strings.
func (id *StationID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = StationID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("station id: %w", err)
	}
	*id = StationID(n.String())
	return nil
}

// LatLng is a geocoordinate in degrees.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Tag is a single taxonomy entry as the catalog serialises it.
type Tag struct {
	Name string `json:"name"`
}

// Station is a catalog station. Map listings carry only the identity,
// position and stream fields; detail lookups fill the tag lists.
type Station struct {
	ID          StationID `json:"id"`
	Name        string    `json:"name"`
	Country     string    `json:"country,omitempty"`
	Favicon     string    `json:"favicon,omitempty"`
	GeoLat      *float64  `json:"geo_lat"`
	GeoLong     *float64  `json:"geo_long"`
	URLResolved string    `json:"url_resolved,omitempty"`
	URL         string    `json:"url,omitempty"`

	MusicGenres []Tag `json:"music_genres,omitempty"`
	Decades     []Tag `json:"decades,omitempty"`
	Topics      []Tag `json:"topics,omitempty"`
	Langs       []Tag `json:"langs,omitempty"`
	Moods       []Tag `json:"moods,omitempty"`

	FavoriteCount int `json:"favorite_count,omitempty"`
}

// NewStation is a convenience constructor for a positioned station.
func NewStation(id StationID, name string, lat, lng float64, urls ...string) Station {
	s := Station{ID: id, Name: name, GeoLat: &lat, GeoLong: &lng}
	if len(urls) > 0 {
		s.URLResolved = urls[0]
	}
	if len(urls) > 1 {
		s.URL = urls[1]
	}
	return s
}

// Position returns the station coordinates, or false if either is missing.
func (s Station) Position() (LatLng, bool) {
	if s.GeoLat == nil || s.GeoLong == nil {
		return LatLng{}, false
	}
	return LatLng{Lat: *s.GeoLat, Lng: *s.GeoLong}, true
}

// StreamURLs returns the candidate stream URLs in preference order: the
// resolved URL first, then the raw one. Blanks and duplicates are skipped.
func (s Station) StreamURLs() []string {
	var urls []string
	for _, u := range []string{s.URLResolved, s.URL} {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		dup := false
		for _, seen := range urls {
			if seen == u {
				dup = true
				break
			}
		}
		if !dup {
			urls = append(urls, u)
		}
	}
	return urls
}

// Tags groups the station's taxonomy by filter category.
func (s Station) Tags() map[string][]string {
	out := make(map[string][]string)
	add := func(category string, tags []Tag) {
		for _, t := range tags {
			if t.Name != "" {
				out[category] = append(out[category], t.Name)
			}
		}
	}
	add(CategoryGenre, s.MusicGenres)
	add(CategoryDecade, s.Decades)
	add(CategoryTopic, s.Topics)
	add(CategoryLang, s.Langs)
	add(CategoryMood, s.Moods)
	return out
}

// ValidatePlaceable checks the station can be put on the globe.
func (s Station) ValidatePlaceable() error {
	if s.ID == "" {
		return &ValidationError{Field: "id"}
	}
	if _, ok := s.Position(); !ok {
		return &ValidationError{StationID: s.ID, Field: "coordinates"}
	}
	return nil
}

// ValidatePlayable checks the station has something to stream.
func (s Station) ValidatePlayable() error {
	if s.ID == "" {
		return &ValidationError{Field: "id"}
	}
	if len(s.StreamURLs()) == 0 {
		return &ValidationError{StationID: s.ID, Field: "stream url"}
	}
	return nil
}

// StationPage is one page of a paginated station listing.
type StationPage struct {
	Items      []Station `json:"items"`
	TotalItems int       `json:"total_items"`
	TotalPages int       `json:"total_pages"`
	Page       int       `json:"page"`
	PerPage    int       `json:"per_page"`
}
