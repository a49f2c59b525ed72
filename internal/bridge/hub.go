// Package bridge connects the coordination core to the browser page that
// renders the globe and owns the audio element.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/radio-globe/core"
	"github.com/signalsfoundry/radio-globe/internal/events"
	"github.com/signalsfoundry/radio-globe/internal/logging"
	"github.com/signalsfoundry/radio-globe/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 1024

	// DefaultSceneTimeout bounds how long a scene command waits for room in
	// the page's send buffer before the page is dropped.
	DefaultSceneTimeout = 5 * time.Second
)

// ErrNoPage is returned by commands issued while no page is connected.
var ErrNoPage = errors.New("no page connected")

// ErrPageStalled is returned by scene commands when the page stopped draining
// its buffer. The page is disconnected and redrawn from the scene when it
// reconnects.
var ErrPageStalled = errors.New("page stalled; connection dropped")

// Handler receives the page's requests. *core.Engine implements it.
type Handler interface {
	OnCameraSettled(vp model.Viewport)
	OnEntityClicked(ctx context.Context, click core.Click) (core.ClickAction, error)
	ApplyFilters(f model.Filters)
	ResetFilters()
	SetSearch(term string)
	TagCategories(ctx context.Context) ([]string, error)
	Tags(ctx context.Context, category string) ([]model.Tag, error)
	Similar(ctx context.Context, id model.StationID, limit int) ([]model.Station, error)
	Popular(ctx context.Context, page, perPage int) (*model.StationPage, error)
	Retry() error
	PlayStation(ctx context.Context, id model.StationID) error
	TogglePlayPause() error
	SetVolume(v float64) error
	Mute() error
	Unmute() error
	StopPlayback()
	ReportOutputError(ctx context.Context, url, reason string)
	Resync(ctx context.Context)
}

// Metrics counts bridge traffic.
type Metrics interface {
	IncBridgeMessage(direction, msgType string)
}

type camera struct {
	bounds model.Bounds
	zoom   int
	height float64
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// Hub serves the page websocket. Only one page is active at a time; a new
// connection replaces the previous one.
type Hub struct {
	mu      sync.RWMutex
	page    *client
	handler Handler
	camera  camera

	upgrader     websocket.Upgrader
	log          logging.Logger
	metrics      Metrics
	sceneTimeout time.Duration

	// inflight tracks handlers running off the read loop.
	inflight sync.WaitGroup
}

// Option customises a Hub.
type Option func(*Hub)

// WithLogger sets the logger.
func WithLogger(log logging.Logger) Option {
	return func(h *Hub) {
		if log != nil {
			h.log = log
		}
	}
}

// WithMetrics sets the traffic counter.
func WithMetrics(m Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithSceneTimeout overrides DefaultSceneTimeout.
func WithSceneTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.sceneTimeout = d
		}
	}
}

// WithCheckOrigin overrides the origin check used during the upgrade.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(h *Hub) { h.upgrader.CheckOrigin = fn }
}

// NewHub constructs a hub with no page and no handler.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		camera: camera{bounds: model.WorldBounds, zoom: 1},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 65536,
		},
		log:          logging.Noop(),
		sceneTimeout: DefaultSceneTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.With(logging.String("component", "bridge"))
	return h
}

// SetHandler installs the request handler. The hub drops page requests
// until one is set.
func (h *Hub) SetHandler(handler Handler) {
	h.mu.Lock()
	h.handler = handler
	h.mu.Unlock()
}

// Globe returns the core.Globe backed by the connected page.
func (h *Hub) Globe() *Globe { return &Globe{hub: h} }

// Output returns the audio.Output backed by the connected page.
func (h *Hub) Output() *Output { return &Output{hub: h} }

// Connected reports whether a page is attached.
func (h *Hub) Connected() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.page != nil
}

// Routes returns a mux serving /ws and /healthz.
func (h *Hub) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", h)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// ServeHTTP upgrades the request and runs the page connection until it
// closes or is replaced.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn(r.Context(), "websocket upgrade failed", logging.String("error", err.Error()))
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = logging.ContextWithRequestID(ctx, c.id)
	log := h.log.With(logging.String("conn_id", c.id))

	h.mu.Lock()
	prev := h.page
	h.page = c
	handler := h.handler
	h.mu.Unlock()
	if prev != nil {
		log.Info(ctx, "replacing previous page", logging.String("previous_conn_id", prev.id))
		prev.close()
	}
	log.Info(ctx, "page connected", logging.String("remote", r.RemoteAddr))

	// The new page starts with an empty globe.
	if handler != nil {
		handler.Resync(ctx)
	}

	go h.writePump(c)
	h.readPump(ctx, log, c)

	h.mu.Lock()
	if h.page == c {
		h.page = nil
	}
	h.mu.Unlock()
	c.close()
	log.Info(ctx, "page disconnected")
}

func (h *Hub) readPump(ctx context.Context, log logging.Logger, c *client) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn(ctx, "page read failed", logging.String("error", err.Error()))
			}
			return
		}
		var msg Inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn(ctx, "malformed page message", logging.String("error", err.Error()))
			h.sendTo(c, Outbound{Type: MsgError, Error: "malformed message"})
			continue
		}
		h.count("in", msg.Type)
		h.dispatch(ctx, log, c, msg)
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (h *Hub) dispatch(ctx context.Context, log logging.Logger, c *client, msg Inbound) {
	h.mu.RLock()
	handler := h.handler
	h.mu.RUnlock()

	if msg.Type == MsgCameraSettled {
		h.mu.Lock()
		if msg.Bounds != nil {
			h.camera.bounds = *msg.Bounds
		}
		h.camera.zoom = msg.Zoom
		if msg.Height > 0 {
			h.camera.height = msg.Height
		}
		h.mu.Unlock()
	}
	if handler == nil {
		log.Debug(ctx, "no handler; dropping page message", logging.String("type", msg.Type))
		return
	}

	switch msg.Type {
	case MsgCameraSettled:
		h.mu.RLock()
		cam := h.camera
		h.mu.RUnlock()
		handler.OnCameraSettled(model.Viewport{Bounds: cam.bounds, Zoom: cam.zoom, CameraHeight: cam.height})
	case MsgEntityClicked:
		click := core.Click{EntityID: msg.ID, Station: msg.Station}
		h.async(ctx, log, c, msg.Type, func(ctx context.Context) error {
			_, err := handler.OnEntityClicked(ctx, click)
			if errors.Is(err, core.ErrUnknownEntity) {
				return nil
			}
			return err
		})
	case MsgFilterApply:
		handler.ApplyFilters(model.Filters{Tags: msg.Filters, Search: msg.Search})
	case MsgFilterReset:
		handler.ResetFilters()
	case MsgSearch:
		handler.SetSearch(msg.Search)
	case MsgTagsRequest:
		category := msg.Category
		h.async(ctx, log, c, msg.Type, func(ctx context.Context) error {
			out := Outbound{Type: MsgTags, Category: category}
			var err error
			if category == "" {
				out.Categories, err = handler.TagCategories(ctx)
			} else {
				out.Tags, err = handler.Tags(ctx, category)
			}
			if err != nil {
				return err
			}
			return h.sendTo(c, out)
		})
	case MsgSimilar:
		id, limit := model.StationID(msg.ID), msg.Limit
		h.async(ctx, log, c, msg.Type, func(ctx context.Context) error {
			stations, err := handler.Similar(ctx, id, limit)
			if err != nil {
				return err
			}
			return h.sendTo(c, Outbound{Type: MsgSimilarResult, ID: string(id), Stations: stations})
		})
	case MsgPopular:
		page, perPage := msg.Page, msg.PerPage
		h.async(ctx, log, c, msg.Type, func(ctx context.Context) error {
			p, err := handler.Popular(ctx, page, perPage)
			if err != nil {
				return err
			}
			return h.sendTo(c, Outbound{Type: MsgPopularResult, Stations: p.Items, Page: p.Page, TotalPages: p.TotalPages})
		})
	case MsgRetry:
		h.reply(ctx, log, c, msg.Type, handler.Retry())
	case MsgPlayStation:
		id := model.StationID(msg.ID)
		h.async(ctx, log, c, msg.Type, func(ctx context.Context) error {
			return handler.PlayStation(ctx, id)
		})
	case MsgTogglePlay:
		h.reply(ctx, log, c, msg.Type, handler.TogglePlayPause())
	case MsgSetVolume:
		if msg.Volume == nil {
			h.sendTo(c, Outbound{Type: MsgError, Error: "set_volume requires volume"})
			return
		}
		h.reply(ctx, log, c, msg.Type, handler.SetVolume(*msg.Volume))
	case MsgMute:
		h.reply(ctx, log, c, msg.Type, handler.Mute())
	case MsgUnmute:
		h.reply(ctx, log, c, msg.Type, handler.Unmute())
	case MsgStop:
		handler.StopPlayback()
	case MsgAudioError:
		handler.ReportOutputError(ctx, msg.URL, msg.Reason)
	default:
		log.Warn(ctx, "unknown page message", logging.String("type", msg.Type))
		h.sendTo(c, Outbound{Type: MsgError, Error: "unknown message type " + msg.Type})
	}
}

// async runs fn off the read loop; clicks and playback requests do I/O.
func (h *Hub) async(ctx context.Context, log logging.Logger, c *client, msgType string, fn func(context.Context) error) {
	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		h.reply(ctx, log, c, msgType, fn(ctx))
	}()
}

func (h *Hub) reply(ctx context.Context, log logging.Logger, c *client, msgType string, err error) {
	if err == nil {
		return
	}
	log.Warn(ctx, "page request failed",
		logging.String("type", msgType),
		logging.String("error", err.Error()),
	)
	h.sendTo(c, Outbound{Type: MsgError, Error: err.Error()})
}

// Wait blocks until handlers started off the read loop have returned.
func (h *Hub) Wait() {
	h.inflight.Wait()
}

// Forward pushes every bus event to the page until ctx is done.
func (h *Hub) Forward(ctx context.Context, bus *events.Bus) {
	ch, cancel := bus.Subscribe(events.DefaultBuffer)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			ev := e
			_ = h.send(Outbound{Type: MsgEvent, Event: &ev})
		}
	}
}

// Close disconnects the active page.
func (h *Hub) Close() {
	h.mu.Lock()
	c := h.page
	h.page = nil
	h.mu.Unlock()
	if c != nil {
		c.close()
	}
}

// send delivers msg to the active page without blocking.
func (h *Hub) send(msg Outbound) error {
	h.mu.RLock()
	c := h.page
	h.mu.RUnlock()
	if c == nil {
		return ErrNoPage
	}
	return h.sendTo(c, msg)
}

// sendScene delivers a scene command to the active page. Scene commands are
// never dropped while the page is connected: the call waits for buffer room
// and disconnects the page if none frees up within the scene timeout.
func (h *Hub) sendScene(msg Outbound) error {
	h.mu.RLock()
	c := h.page
	h.mu.RUnlock()
	if c == nil {
		return ErrNoPage
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	select {
	case c.send <- data:
		h.count("out", msg.Type)
		return nil
	case <-c.done:
		return ErrNoPage
	default:
	}

	timer := time.NewTimer(h.sceneTimeout)
	defer timer.Stop()
	select {
	case c.send <- data:
		h.count("out", msg.Type)
		return nil
	case <-c.done:
		return ErrNoPage
	case <-timer.C:
		h.log.Warn(context.Background(), "page not draining scene commands; dropping connection",
			logging.String("conn_id", c.id),
			logging.String("type", msg.Type),
		)
		c.close()
		return ErrPageStalled
	}
}

func (h *Hub) sendTo(c *client, msg Outbound) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrNoPage
	default:
	}
	select {
	case c.send <- data:
		h.count("out", msg.Type)
		return nil
	default:
		h.log.Warn(context.Background(), "page send buffer full; dropping message",
			logging.String("conn_id", c.id),
			logging.String("type", msg.Type),
		)
		return errors.New("page send buffer full")
	}
}

func (h *Hub) count(direction, msgType string) {
	if h.metrics != nil {
		h.metrics.IncBridgeMessage(direction, msgType)
	}
}

func (h *Hub) cameraState() camera {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.camera
}
