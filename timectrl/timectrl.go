package timectrl

import (
	"context"
	"sync"
	"time"
)

// DefaultFrameRate is the frame period used when none is configured (60 Hz).
const DefaultFrameRate = time.Second / 60

// FrameClock is the per-frame scheduling primitive animations are driven by.
// It allows components to depend on a clock abstraction rather than a
// concrete ticker, enabling deterministic tests.
type FrameClock interface {
	// Now returns the time of the most recent frame.
	Now() time.Time
	// OnFrame registers fn to run on every frame until cancel is called.
	// cancel is safe to call from inside fn.
	OnFrame(fn func(now time.Time)) (cancel func())
}

type listener struct {
	id uint64
	fn func(time.Time)
}

// listenerSet keeps frame callbacks in registration order.
type listenerSet struct {
	nextID    uint64
	listeners []listener
}

func (s *listenerSet) add(fn func(time.Time)) uint64 {
	s.nextID++
	s.listeners = append(s.listeners, listener{id: s.nextID, fn: fn})
	return s.nextID
}

func (s *listenerSet) remove(id uint64) {
	for i, l := range s.listeners {
		if l.id == id {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

func (s *listenerSet) snapshot() []listener {
	return append([]listener(nil), s.listeners...)
}

// TimeController drives frames from a wall-clock ticker and notifies
// registered listeners. It implements FrameClock.
type TimeController struct {
	mu   sync.RWMutex
	Tick time.Duration

	// currentTime is the time of the last delivered frame.
	currentTime time.Time

	set listenerSet
	// cancelled tracks listeners removed while a frame was being delivered.
	cancelled map[uint64]struct{}
}

// NewTimeController constructs a controller ticking every tick. A
// non-positive tick falls back to DefaultFrameRate.
func NewTimeController(tick time.Duration) *TimeController {
	if tick <= 0 {
		tick = DefaultFrameRate
	}
	return &TimeController{
		Tick:        tick,
		currentTime: time.Now(),
		cancelled:   make(map[uint64]struct{}),
	}
}

// Now returns the time of the last frame. Implements FrameClock.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// OnFrame registers a callback invoked on every tick. Implements FrameClock.
func (tc *TimeController) OnFrame(fn func(time.Time)) func() {
	tc.mu.Lock()
	id := tc.set.add(fn)
	tc.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			tc.mu.Lock()
			tc.set.remove(id)
			tc.cancelled[id] = struct{}{}
			tc.mu.Unlock()
		})
	}
}

// Listeners returns the number of registered frame callbacks.
func (tc *TimeController) Listeners() int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return len(tc.set.listeners)
}

// Start runs the frame loop in a separate goroutine until ctx is done. It
// returns a channel that is closed when the loop exits.
func (tc *TimeController) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		ticker := time.NewTicker(tc.Tick)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				tc.frame(now)
			}
		}
	}()
	return done
}

func (tc *TimeController) frame(now time.Time) {
	tc.mu.Lock()
	tc.currentTime = now
	listeners := tc.set.snapshot()
	clear(tc.cancelled)
	tc.mu.Unlock()

	// Listeners run outside the lock so they may register or cancel.
	for _, l := range listeners {
		tc.mu.RLock()
		_, gone := tc.cancelled[l.id]
		tc.mu.RUnlock()
		if gone {
			continue
		}
		l.fn(now)
	}
}

// ManualClock is a FrameClock that only advances when told to.
type ManualClock struct {
	mu        sync.Mutex
	now       time.Time
	set       listenerSet
	cancelled map[uint64]struct{}
}

// NewManualClock returns a clock positioned at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start, cancelled: make(map[uint64]struct{})}
}

// Now implements FrameClock.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// OnFrame implements FrameClock.
func (c *ManualClock) OnFrame(fn func(time.Time)) func() {
	c.mu.Lock()
	id := c.set.add(fn)
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.set.remove(id)
			c.cancelled[id] = struct{}{}
			c.mu.Unlock()
		})
	}
}

// Listeners returns the number of registered frame callbacks.
func (c *ManualClock) Listeners() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.set.listeners)
}

// Advance moves the clock forward by d and delivers one frame.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	listeners := c.set.snapshot()
	clear(c.cancelled)
	c.mu.Unlock()

	for _, l := range listeners {
		c.mu.Lock()
		_, gone := c.cancelled[l.id]
		c.mu.Unlock()
		if gone {
			continue
		}
		l.fn(now)
	}
}

// AdvanceFrames delivers n frames spaced by frame.
func (c *ManualClock) AdvanceFrames(n int, frame time.Duration) {
	for i := 0; i < n; i++ {
		c.Advance(frame)
	}
}
