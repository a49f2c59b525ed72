package bridge

import (
	"github.com/signalsfoundry/radio-globe/internal/events"
	"github.com/signalsfoundry/radio-globe/model"
)

// Inbound message types sent by the page.
const (
	MsgCameraSettled = "camera_settled"
	MsgEntityClicked = "entity_clicked"
	MsgFilterApply   = "filter_apply"
	MsgFilterReset   = "filter_reset"
	MsgSearch        = "search"
	MsgTagsRequest   = "tags_request"
	MsgSimilar       = "similar_request"
	MsgPopular       = "popular_request"
	MsgPlayStation   = "play_station"
	MsgTogglePlay    = "toggle_play"
	MsgSetVolume     = "set_volume"
	MsgMute          = "mute"
	MsgUnmute        = "unmute"
	MsgStop          = "stop"
	MsgRetry         = "retry"
	MsgAudioError    = "audio_error"
)

// Outbound message types sent to the page.
const (
	MsgMarkerAdd     = "marker_add"
	MsgMarkerRemove  = "marker_remove"
	MsgMarkerMove    = "marker_move"
	MsgMarkerVisible = "marker_visible"
	MsgMarkersClear  = "markers_clear"
	MsgCameraFly     = "camera_fly"
	MsgAudioAttach   = "audio_attach"
	MsgAudioPlay     = "audio_play"
	MsgAudioPause    = "audio_pause"
	MsgAudioStop     = "audio_stop"
	MsgAudioVolume   = "audio_volume"
	MsgAudioMuted    = "audio_muted"
	MsgTags          = "tags"
	MsgSimilarResult = "similar"
	MsgPopularResult = "popular"
	MsgEvent         = "event"
	MsgError         = "error"
)

// Marker kinds carried by marker_add.
const (
	KindStation   = "station"
	KindCluster   = "cluster"
	KindTemporary = "temporary"
)

// Inbound is the union of every message the page can send. Only the fields
// relevant to Type are set.
type Inbound struct {
	Type string `json:"type"`

	Bounds *model.Bounds `json:"bounds,omitempty"`
	Zoom   int           `json:"zoom,omitempty"`
	Height float64       `json:"height,omitempty"`

	ID      string         `json:"id,omitempty"`
	Kind    string         `json:"kind,omitempty"`
	Station *model.Station `json:"station,omitempty"`

	Filters  map[string][]string `json:"filters,omitempty"`
	Search   string              `json:"search,omitempty"`
	Category string              `json:"category,omitempty"`
	Limit    int                 `json:"limit,omitempty"`
	Page     int                 `json:"page,omitempty"`
	PerPage  int                 `json:"per_page,omitempty"`

	Volume *float64 `json:"volume,omitempty"`

	URL    string `json:"url,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Outbound is the union of every message sent to the page.
type Outbound struct {
	Type string `json:"type"`

	ID       string         `json:"id,omitempty"`
	Kind     string         `json:"kind,omitempty"`
	Position *model.LatLng  `json:"position,omitempty"`
	Count    int            `json:"count,omitempty"`
	Station  *model.Station `json:"station,omitempty"`
	Visible  *bool          `json:"visible,omitempty"`

	Lng    float64 `json:"lng,omitempty"`
	Lat    float64 `json:"lat,omitempty"`
	Height float64 `json:"height,omitempty"`

	URL    string   `json:"url,omitempty"`
	Volume *float64 `json:"volume,omitempty"`
	Muted  *bool    `json:"muted,omitempty"`

	Category   string          `json:"category,omitempty"`
	Categories []string        `json:"categories,omitempty"`
	Tags       []model.Tag     `json:"tags,omitempty"`
	Stations   []model.Station `json:"stations,omitempty"`
	Page       int             `json:"page,omitempty"`
	TotalPages int             `json:"total_pages,omitempty"`

	Event *events.Event `json:"event,omitempty"`
	Error string        `json:"error,omitempty"`
}
