package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/signalsfoundry/radio-globe/internal/catalog"
	"github.com/signalsfoundry/radio-globe/internal/events"
	"github.com/signalsfoundry/radio-globe/internal/logging"
	"github.com/signalsfoundry/radio-globe/internal/observability"
	"github.com/signalsfoundry/radio-globe/kb"
	"github.com/signalsfoundry/radio-globe/model"
)

var (
	// ErrStale marks a fetch result that was superseded before it arrived.
	// It is logged and counted, never surfaced.
	ErrStale = errors.New("stale viewport response")
	// ErrNoViewport is returned by Retry before any camera position is known.
	ErrNoViewport = errors.New("no viewport reported yet")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("reconciler closed")
)

// ClusterFetcher loads the clustered listing for a viewport.
type ClusterFetcher interface {
	FetchClusteredStations(ctx context.Context, q model.ClusterQuery) (*model.ClusteredStations, error)
}

// Collapser tears down transient scene state before a refetch.
type Collapser interface {
	Collapse() <-chan struct{}
}

// ReconcilerMetrics receives fetch outcomes and scene size.
type ReconcilerMetrics interface {
	IncViewportFetch(outcome string)
	SetRenderedEntities(n int)
}

// FetchError is a failed viewport fetch. It always wraps
// catalog.ErrTransient and is retryable.
type FetchError struct {
	Viewport model.Viewport
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch stations for viewport (zoom %d): %v", e.Viewport.Zoom, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ReconcilerState is the fetch state machine position.
type ReconcilerState int

const (
	StateIdle ReconcilerState = iota
	StateFetching
	StateFetchFailed
)

func (s ReconcilerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateFetchFailed:
		return "fetch_failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ReconcilerStatus is a snapshot of the reconciler.
type ReconcilerStatus struct {
	State       ReconcilerState
	Viewport    model.Viewport
	HasViewport bool
	// LastError is set while State is StateFetchFailed.
	LastError *FetchError
	// Generation is the cluster index generation currently rendered.
	Generation uint64
	// Token is the latest issued request token.
	Token uint64
}

// Reconciler keeps the rendered scene in step with the camera. At most one
// fetch is in flight; camera moves during a fetch are coalesced into exactly
// one trailing fetch using the latest viewport.
type Reconciler struct {
	mu sync.Mutex

	fetcher   ClusterFetcher
	index     *kb.Index
	scene     *Scene
	filters   FilterSource
	collapser Collapser
	pub       events.Publisher
	log       logging.Logger
	metrics   ReconcilerMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	state       ReconcilerState
	viewport    model.Viewport
	hasViewport bool
	inFlight    bool
	pending     bool
	token       uint64
	lastErr     *FetchError
	closed      bool
}

// ReconcilerOption customises a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithFilters sets the filter source merged into each query.
func WithFilters(f FilterSource) ReconcilerOption {
	return func(r *Reconciler) { r.filters = f }
}

// WithCollapser sets what is collapsed before each fetch.
func WithCollapser(c Collapser) ReconcilerOption {
	return func(r *Reconciler) { r.collapser = c }
}

// WithReconcilerPublisher sets the event publisher.
func WithReconcilerPublisher(p events.Publisher) ReconcilerOption {
	return func(r *Reconciler) {
		if p != nil {
			r.pub = p
		}
	}
}

// WithReconcilerLogger sets the logger.
func WithReconcilerLogger(log logging.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if log != nil {
			r.log = log
		}
	}
}

// WithReconcilerMetrics sets the metrics recorder.
func WithReconcilerMetrics(m ReconcilerMetrics) ReconcilerOption {
	return func(r *Reconciler) { r.metrics = m }
}

// NewReconciler constructs an idle reconciler.
func NewReconciler(fetcher ClusterFetcher, index *kb.Index, scene *Scene, opts ...ReconcilerOption) *Reconciler {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Reconciler{
		fetcher: fetcher,
		index:   index,
		scene:   scene,
		pub:     events.Discard,
		log:     logging.Noop(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With(logging.String("component", "reconciler"))
	return r
}

// OnCameraSettled records vp as the latest viewport, collapses any active
// explosion and fetches, or coalesces when a fetch is already in flight.
func (r *Reconciler) OnCameraSettled(vp model.Viewport) {
	r.collapse()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.viewport = vp
	r.hasViewport = true
	r.requestLocked(false)
	r.mu.Unlock()
}

// Refresh refetches against the last known viewport. The in-flight result,
// if any, was built from outdated filters and is discarded.
func (r *Reconciler) Refresh() {
	r.collapse()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || !r.hasViewport {
		return
	}
	r.requestLocked(true)
}

// Retry reissues the fetch for the latest viewport after a failure.
func (r *Reconciler) Retry() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if !r.hasViewport {
		return ErrNoViewport
	}
	r.requestLocked(false)
	return nil
}

// requestLocked must be called with r.mu held. invalidate marks the
// in-flight fetch stale.
func (r *Reconciler) requestLocked(invalidate bool) {
	if r.inFlight {
		if invalidate {
			r.token++
		}
		r.pending = true
		r.countFetch(observability.OutcomeCoalesced)
		return
	}
	r.inFlight = true
	r.state = StateFetching
	r.token++
	token := r.token
	q := r.queryLocked()

	r.wg.Add(1)
	go r.run(token, q)
}

func (r *Reconciler) queryLocked() model.ClusterQuery {
	q := model.ClusterQuery{Viewport: r.viewport}
	if r.filters != nil {
		q.Filters = r.filters.Snapshot()
	}
	return q
}

// run performs fetches until no trailing request is pending.
func (r *Reconciler) run(token uint64, q model.ClusterQuery) {
	defer r.wg.Done()
	for {
		select {
		case <-r.collapse():
		case <-r.ctx.Done():
			r.finish()
			return
		}

		ctx, log := logging.WithRequestLogger(r.ctx, r.log)
		log.Debug(ctx, "fetching viewport",
			logging.Any("bounds", q.Viewport.Bounds),
			logging.Int("zoom", q.Viewport.Zoom),
			logging.Any("token", token),
		)
		snap, err := r.fetcher.FetchClusteredStations(ctx, q)

		// The explosion may have started while the request was out.
		select {
		case <-r.collapse():
		case <-r.ctx.Done():
		}

		next, ok := r.complete(ctx, log, token, q, snap, err)
		if !ok {
			return
		}
		token, q = next.token, next.query
	}
}

type trailing struct {
	token uint64
	query model.ClusterQuery
}

// complete applies one result and decides whether a trailing fetch runs.
func (r *Reconciler) complete(ctx context.Context, log logging.Logger, token uint64, q model.ClusterQuery, snap *model.ClusteredStations, err error) (trailing, bool) {
	r.mu.Lock()
	var (
		event   *events.Event
		applied bool
	)
	switch {
	case r.closed || token != r.token:
		log.Debug(ctx, "discarding stale viewport response",
			logging.Any("token", token),
			logging.Any("latest", r.token),
			logging.String("reason", ErrStale.Error()),
		)
		r.countFetch(observability.OutcomeStale)
		if r.state == StateFetching {
			r.state = StateIdle
		}
	case err != nil:
		if !errors.Is(err, catalog.ErrTransient) {
			err = fmt.Errorf("%w: %v", catalog.ErrTransient, err)
		}
		fe := &FetchError{Viewport: q.Viewport, Err: err}
		r.state = StateFetchFailed
		r.lastErr = fe
		log.Warn(ctx, "viewport fetch failed; keeping last rendered state", logging.String("error", err.Error()))
		r.countFetch(observability.OutcomeError)
		event = &events.Event{
			Type: events.FetchError,
			Payload: events.FetchErrorPayload{
				Viewport:  q.Viewport,
				Error:     fe.Error(),
				Retryable: true,
			},
		}
	default:
		r.state = StateIdle
		r.lastErr = nil
		r.applyLocked(ctx, log, snap)
		applied = true
		r.countFetch(observability.OutcomeOK)
	}

	var next trailing
	more := false
	if r.pending && !r.closed && r.hasViewport {
		r.pending = false
		r.token++
		r.state = StateFetching
		next = trailing{token: r.token, query: r.queryLocked()}
		more = true
	} else {
		r.pending = false
		r.inFlight = false
	}
	r.mu.Unlock()

	if event != nil {
		r.pub.Publish(*event)
	}
	if applied && r.metrics != nil {
		r.metrics.SetRenderedEntities(r.scene.Len(OwnerReconciler))
	}
	return next, more
}

// applyLocked must be called with r.mu held. It replaces the index and
// diffs the reconciler's markers against the new snapshot.
func (r *Reconciler) applyLocked(ctx context.Context, log logging.Logger, snap *model.ClusteredStations) {
	gen := r.index.Replace(snap)
	if n := r.index.Rejected(); n > 0 {
		log.Warn(ctx, "rejected stations without coordinates",
			logging.Int("rejected", n),
			logging.Any("generation", gen),
		)
	}
	items := r.index.Items()

	desired := make(map[string]model.ClusterItem, len(items))
	for _, item := range items {
		desired[item.Key()] = item
	}

	removed, added, kept := 0, 0, 0
	for _, e := range r.scene.Entities(OwnerReconciler) {
		item, ok := desired[e.ID]
		if ok && sameRender(e, item) {
			delete(desired, e.ID)
			kept++
			continue
		}
		if err := r.scene.Remove(OwnerReconciler, e.ID); err != nil {
			log.Warn(ctx, "cannot remove entity", logging.String("entity_id", e.ID), logging.String("error", err.Error()))
			delete(desired, e.ID)
			continue
		}
		removed++
	}
	for _, item := range items {
		if _, ok := desired[item.Key()]; !ok {
			continue
		}
		if err := r.scene.AddItem(OwnerReconciler, item); err != nil {
			log.Warn(ctx, "cannot add entity", logging.String("entity_id", item.Key()), logging.String("error", err.Error()))
			continue
		}
		added++
	}
	log.Debug(ctx, "scene reconciled",
		logging.Any("generation", gen),
		logging.Int("added", added),
		logging.Int("removed", removed),
		logging.Int("kept", kept),
	)
}

// sameRender reports whether an existing marker already shows item.
func sameRender(e Entity, item model.ClusterItem) bool {
	if e.Count != item.Count {
		return false
	}
	if item.IsCluster() != (e.Kind == KindCluster) {
		return false
	}
	return e.Item.Centroid() == item.Centroid()
}

func (r *Reconciler) collapse() <-chan struct{} {
	if r.collapser == nil {
		return closedChan
	}
	return r.collapser.Collapse()
}

func (r *Reconciler) finish() {
	r.mu.Lock()
	r.inFlight = false
	r.pending = false
	if r.state == StateFetching {
		r.state = StateIdle
	}
	r.mu.Unlock()
}

func (r *Reconciler) countFetch(outcome string) {
	if r.metrics != nil {
		r.metrics.IncViewportFetch(outcome)
	}
}

// Status returns a snapshot.
func (r *Reconciler) Status() ReconcilerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ReconcilerStatus{
		State:       r.state,
		Viewport:    r.viewport,
		HasViewport: r.hasViewport,
		LastError:   r.lastErr,
		Generation:  r.index.Generation(),
		Token:       r.token,
	}
}

// Wait blocks until no fetch is running.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

// Close discards any in-flight result and stops issuing fetches.
func (r *Reconciler) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.token++
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()
