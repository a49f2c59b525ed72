// Package catalog is the HTTP client for the station catalog API.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/signalsfoundry/radio-globe/internal/logging"
	"github.com/signalsfoundry/radio-globe/internal/observability"
	"github.com/signalsfoundry/radio-globe/model"
)

// Defaults for Config fields left zero.
const (
	DefaultBaseURL     = "http://localhost:5000/api"
	DefaultTimeout     = 10 * time.Second
	DefaultCacheSize   = 512
	DefaultCacheTTL    = 10 * time.Minute
	DefaultConcurrency = 8
	DefaultSimilar     = 10
	DefaultPerPage     = 20

	maxErrorBody = 4 << 10
)

// Operation names used for logs, metrics and errors.
const (
	OpClustered     = "clustered"
	OpStation       = "station"
	OpStations      = "stations"
	OpTagCategories = "tag_categories"
	OpTags          = "tags"
	OpSimilar       = "similar"
	OpPopular       = "popular"
)

// MetricsRecorder receives per-request measurements.
type MetricsRecorder interface {
	ObserveCatalogRequest(op, outcome string, d time.Duration)
	CacheResult(hit bool)
}

// Config controls the client.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	CacheSize   int
	CacheTTL    time.Duration
	Concurrency int
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(log logging.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(c *Client) { c.metrics = m }
}

// Client talks to the catalog API. Full station records are cached; the
// clustered listing never is, since it is recomputed per viewport.
type Client struct {
	base        *url.URL
	http        *http.Client
	cache       *expirable.LRU[model.StationID, model.Station]
	lookups     singleflight.Group
	concurrency int

	log     logging.Logger
	metrics MetricsRecorder
	tracer  trace.Tracer
}

// New constructs a client from cfg.
func New(cfg Config, opts ...Option) (*Client, error) {
	raw := cfg.BaseURL
	if raw == "" {
		raw = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse catalog base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("catalog base url %q: unsupported scheme", raw)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	c := &Client{
		base:        base,
		http:        &http.Client{Timeout: timeout},
		cache:       expirable.NewLRU[model.StationID, model.Station](size, nil, ttl),
		concurrency: concurrency,
		log:         logging.Noop(),
		tracer:      observability.Tracer("catalog"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(logging.String("component", "catalog"))
	return c, nil
}

// FetchClusteredStations returns the server-clustered listing for a
// viewport and filter selection.
func (c *Client) FetchClusteredStations(ctx context.Context, q model.ClusterQuery) (*model.ClusteredStations, error) {
	var out model.ClusteredStations
	if err := c.getJSON(ctx, OpClustered, "/stations/clustered", q.Values(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchStation returns the full record for id. Concurrent lookups of the
// same id share one request and results are cached.
func (c *Client) FetchStation(ctx context.Context, id model.StationID) (model.Station, error) {
	if id == "" {
		return model.Station{}, &FetchError{Op: OpStation, Err: ErrStationNotFound, Message: "empty id"}
	}
	if st, ok := c.cache.Get(id); ok {
		c.cacheResult(true)
		return st, nil
	}
	c.cacheResult(false)

	seg, err := segment(OpStation, string(id))
	if err != nil {
		return model.Station{}, err
	}
	v, err, _ := c.lookups.Do(string(id), func() (any, error) {
		var st model.Station
		if err := c.getJSON(ctx, OpStation, "/stations/"+seg, nil, &st); err != nil {
			return nil, err
		}
		if st.ID == "" {
			st.ID = id
		}
		c.cache.Add(id, st)
		return st, nil
	})
	if err != nil {
		return model.Station{}, err
	}
	return v.(model.Station), nil
}

// FetchStations looks up ids concurrently and returns the records found in
// the order requested. Missing stations are dropped; an error is returned
// only when nothing could be fetched because of transient failures.
func (c *Client) FetchStations(ctx context.Context, ids []model.StationID) ([]model.Station, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ctx, span := c.tracer.Start(ctx, "catalog.FetchStations",
		trace.WithAttributes(attribute.Int("catalog.ids", len(ids))))
	defer span.End()

	results := make([]*model.Station, len(ids))
	var (
		mu      sync.Mutex
		lastErr error
	)

	var eg errgroup.Group
	eg.SetLimit(c.concurrency)
	for i, id := range ids {
		eg.Go(func() error {
			st, err := c.FetchStation(ctx, id)
			if err != nil {
				if !errors.Is(err, ErrStationNotFound) {
					mu.Lock()
					lastErr = err
					mu.Unlock()
				}
				c.log.Debug(ctx, "dropping station from batch",
					logging.String("station_id", string(id)),
					logging.String("error", err.Error()),
				)
				return nil
			}
			results[i] = &st
			return nil
		})
	}
	_ = eg.Wait()

	out := make([]model.Station, 0, len(ids))
	for _, st := range results {
		if st != nil {
			out = append(out, *st)
		}
	}
	if len(out) == 0 && lastErr != nil {
		span.SetStatus(codes.Error, lastErr.Error())
		return nil, lastErr
	}
	span.SetAttributes(attribute.Int("catalog.found", len(out)))
	return out, nil
}

// FetchTagCategories lists the filterable taxonomy categories.
func (c *Client) FetchTagCategories(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.getJSON(ctx, OpTagCategories, "/tags/categories", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchTags lists the tags of one category.
func (c *Client) FetchTags(ctx context.Context, category string) ([]model.Tag, error) {
	seg, err := segment(OpTags, category)
	if err != nil {
		return nil, err
	}
	var out []model.Tag
	if err := c.getJSON(ctx, OpTags, "/tags/"+seg, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchSimilar returns stations sharing tags with id.
func (c *Client) FetchSimilar(ctx context.Context, id model.StationID, limit int) ([]model.Station, error) {
	seg, err := segment(OpSimilar, string(id))
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultSimilar
	}
	q := url.Values{"limit": []string{strconv.Itoa(limit)}}
	var out []model.Station
	if err := c.getJSON(ctx, OpSimilar, "/stations/"+seg+"/similar", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchPopular returns one page of stations ordered by favorite count.
func (c *Client) FetchPopular(ctx context.Context, page, perPage int) (*model.StationPage, error) {
	if page <= 0 {
		page = 1
	}
	if perPage <= 0 {
		perPage = DefaultPerPage
	}
	q := url.Values{
		"page":     []string{strconv.Itoa(page)},
		"per_page": []string{strconv.Itoa(perPage)},
	}
	var out model.StationPage
	if err := c.getJSON(ctx, OpPopular, "/stations/popular", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Invalidate drops a cached station record.
func (c *Client) Invalidate(id model.StationID) {
	c.cache.Remove(id)
}

func (c *Client) getJSON(ctx context.Context, op, path string, q url.Values, out any) (err error) {
	start := time.Now()
	u := *c.base
	u.RawPath = c.base.EscapedPath() + path
	if u.Path, err = url.PathUnescape(u.RawPath); err != nil {
		return transient(op, 0, err)
	}
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}

	ctx, span := c.tracer.Start(ctx, "catalog."+op, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.url", u.String())))
	outcome := observability.OutcomeOK
	defer func() {
		if err != nil {
			outcome = observability.OutcomeError
			if errors.Is(err, ErrStationNotFound) {
				outcome = observability.OutcomeNotFound
			}
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if c.metrics != nil {
			c.metrics.ObserveCatalogRequest(op, outcome, time.Since(start))
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return transient(op, 0, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn(ctx, "catalog request failed",
			logging.String("op", op),
			logging.String("error", err.Error()),
		)
		return transient(op, 0, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode != http.StatusOK {
		fe := &FetchError{Op: op, Status: resp.StatusCode, Message: errorMessage(resp.Body), Err: ErrTransient}
		if resp.StatusCode == http.StatusNotFound {
			fe.Err = ErrStationNotFound
		}
		c.log.Warn(ctx, "catalog returned error status",
			logging.String("op", op),
			logging.Int("status", resp.StatusCode),
			logging.String("message", fe.Message),
		)
		return fe
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return transient(op, resp.StatusCode, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) cacheResult(hit bool) {
	if c.metrics != nil {
		c.metrics.CacheResult(hit)
	}
}

// errorMessage extracts the {"error": "..."} body the catalog sends with
// non-200 responses, falling back to the raw text.
func errorMessage(r io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(body))
}
