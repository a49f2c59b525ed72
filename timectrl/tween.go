package timectrl

import (
	"sync"
	"time"
)

// DefaultTweenDuration is the length of marker animations.
const DefaultTweenDuration = 400 * time.Millisecond

// Tween interpolates linearly from 0 to 1 over Duration, calling Update on
// every frame of the clock it is started on and Done once progress reaches 1.
type Tween struct {
	Duration time.Duration
	Update   func(progress float64)
	Done     func()
}

// Start begins the tween on clock. The returned stop function prevents any
// further Update or Done calls; it reports false if the tween had already
// finished.
func (tw Tween) Start(clock FrameClock) (stop func() bool) {
	start := clock.Now()

	var (
		mu       sync.Mutex
		finished bool
	)
	var cancel func()
	var cancelMu sync.Mutex

	cancelFrames := func() {
		cancelMu.Lock()
		c := cancel
		cancelMu.Unlock()
		if c != nil {
			c()
		}
	}

	step := func(now time.Time) {
		mu.Lock()
		if finished {
			mu.Unlock()
			return
		}
		p := Progress(now.Sub(start), tw.Duration)
		if p >= 1 {
			finished = true
		}
		mu.Unlock()

		if tw.Update != nil {
			tw.Update(p)
		}
		if p >= 1 {
			cancelFrames()
			if tw.Done != nil {
				tw.Done()
			}
		}
	}

	c := clock.OnFrame(step)
	cancelMu.Lock()
	cancel = c
	cancelMu.Unlock()
	mu.Lock()
	early := finished
	mu.Unlock()
	if early {
		c()
	}

	return func() bool {
		mu.Lock()
		already := finished
		finished = true
		mu.Unlock()
		cancelFrames()
		return !already
	}
}

// Progress maps elapsed time onto [0,1] for a window of length d.
func Progress(elapsed, d time.Duration) float64 {
	if d <= 0 {
		return 1
	}
	p := float64(elapsed) / float64(d)
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}

// Lerp interpolates between a and b.
func Lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}
