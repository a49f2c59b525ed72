// Package events carries notifications from the map and playback core to
// whatever surface presents them (the websocket bridge, logs, tests).
package events

import (
	"sync"
	"time"

	"github.com/signalsfoundry/radio-globe/model"
)

// Type names an event kind on the wire.
type Type string

const (
	StationSelected      Type = "station_selected"
	ClusterExploded      Type = "cluster_exploded"
	ClusterCollapsed     Type = "cluster_collapsed"
	PlaybackStateChanged Type = "playback_state_changed"
	FetchError           Type = "fetch_error"
	PlaybackError        Type = "playback_error"
	CatalogUpdated       Type = "catalog_updated"
)

// Event is one notification. Payload is one of the payload types below or
// the playback state snapshot.
type Event struct {
	Type    Type      `json:"type"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

// StationSelectedPayload carries the station shown after a click. Partial is
// set when the detail lookup failed and only map data is available.
type StationSelectedPayload struct {
	Station model.Station `json:"station"`
	Partial bool          `json:"partial,omitempty"`
}

// ClusterPayload describes an exploded or collapsed cluster.
type ClusterPayload struct {
	ClusterID  string            `json:"cluster_id"`
	StationIDs []model.StationID `json:"station_ids,omitempty"`
}

// FetchErrorPayload reports a failed viewport fetch. Retryable is always
// true today; the page shows a retry affordance.
type FetchErrorPayload struct {
	Viewport  model.Viewport `json:"viewport"`
	Error     string         `json:"error"`
	Retryable bool           `json:"retryable"`
}

// PlaybackErrorPayload names the station that could not be played.
type PlaybackErrorPayload struct {
	StationID   model.StationID `json:"station_id"`
	StationName string          `json:"station_name"`
	Error       string          `json:"error"`
}

// CatalogPayload summarises a freshly applied viewport listing.
type CatalogPayload struct {
	Generation    uint64 `json:"generation"`
	Items         int    `json:"items"`
	TotalStations int    `json:"total_stations"`
}

// Publisher accepts events. Implementations must not block.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

// Publish implements Publisher.
func (f PublisherFunc) Publish(e Event) { f(e) }

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(Event) {})

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Bus fans events out to buffered subscriber channels. A slow subscriber
// loses events instead of stalling the publisher.
type Bus struct {
	mu      sync.RWMutex
	subs    map[chan Event]struct{}
	dropped uint64
	now     func() time.Time
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[chan Event]struct{}), now: time.Now}
}

// Subscribe returns a channel receiving every subsequent event and a cancel
// function that closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
}

// Publish delivers e to every subscriber with room in its buffer.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = b.now()
	}

	b.mu.RLock()
	var dropped uint64
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			dropped++
		}
	}
	b.mu.RUnlock()

	if dropped > 0 {
		b.mu.Lock()
		b.dropped += dropped
		b.mu.Unlock()
	}
}

// Dropped reports how many deliveries were skipped because a subscriber
// was full.
func (b *Bus) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Subscribers returns the number of open subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
