package ratelimit

import (
	"math"
	"time"

	"golang.org/x/time/rate"
)

// algorithm is one admission policy. Callers hold the endpoint lock.
type algorithm interface {
	allow(now time.Time) bool
	setRate(now time.Time, r float64)
}

// tokenBucket refills at rate tokens/s up to burst.
type tokenBucket struct {
	lim *rate.Limiter
}

func newTokenBucket(r float64, burst int, now time.Time) *tokenBucket {
	lim := rate.NewLimiter(rate.Limit(r), burst)
	// Start full at the injected clock's time.
	lim.SetLimitAt(now, rate.Limit(r))
	return &tokenBucket{lim: lim}
}

func (b *tokenBucket) allow(now time.Time) bool { return b.lim.AllowN(now, 1) }

func (b *tokenBucket) setRate(now time.Time, r float64) { b.lim.SetLimitAt(now, rate.Limit(r)) }

// leakyBucket admits while the water level stays within capacity.
// The level drains continuously at rate units/s.
type leakyBucket struct {
	rate     float64
	capacity float64
	level    float64
	last     time.Time
}

func newLeakyBucket(r float64, capacity int, now time.Time) *leakyBucket {
	return &leakyBucket{rate: r, capacity: float64(capacity), last: now}
}

func (b *leakyBucket) allow(now time.Time) bool {
	b.drain(now)
	if b.level+1 > b.capacity {
		return false
	}
	b.level++
	return true
}

func (b *leakyBucket) setRate(now time.Time, r float64) {
	b.drain(now)
	b.rate = r
}

func (b *leakyBucket) drain(now time.Time) {
	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.level = math.Max(0, b.level-elapsed*b.rate)
		b.last = now
	}
}

// slidingWindow counts admissions within the trailing window.
// Timestamps form a FIFO; each is appended and evicted once.
type slidingWindow struct {
	window time.Duration
	limit  int
	stamps []time.Time
	head   int
}

func newSlidingWindow(r float64, window time.Duration) *slidingWindow {
	w := &slidingWindow{window: window}
	w.limit = windowLimit(r, window)
	return w
}

func windowLimit(r float64, window time.Duration) int {
	return max(1, int(math.Floor(r*window.Seconds())))
}

func (w *slidingWindow) allow(now time.Time) bool {
	cutoff := now.Add(-w.window)
	for w.head < len(w.stamps) && !w.stamps[w.head].After(cutoff) {
		w.head++
	}
	// Compact once the dead prefix dominates.
	if w.head > 64 && w.head*2 > len(w.stamps) {
		w.stamps = append(w.stamps[:0], w.stamps[w.head:]...)
		w.head = 0
	}
	if len(w.stamps)-w.head >= w.limit {
		return false
	}
	w.stamps = append(w.stamps, now)
	return true
}

func (w *slidingWindow) setRate(_ time.Time, r float64) {
	w.limit = windowLimit(r, w.window)
}
