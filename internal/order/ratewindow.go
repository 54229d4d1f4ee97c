package order

import "time"

// slidingWindow counts order creations over a rolling span. Owned by the
// manager's run goroutine; not safe for concurrent use.
type slidingWindow struct {
	limit int
	span  time.Duration
	times []time.Time
}

func newSlidingWindow(limit int, span time.Duration) *slidingWindow {
	return &slidingWindow{limit: limit, span: span}
}

func (w *slidingWindow) evict(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.times) && !w.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.times = append(w.times[:0], w.times[i:]...)
	}
}

// Allow reports whether the window has room. It does not record.
func (w *slidingWindow) Allow(now time.Time) bool {
	w.evict(now)
	return len(w.times) < w.limit
}

// Record counts one creation against the window.
func (w *slidingWindow) Record(now time.Time) {
	w.evict(now)
	w.times = append(w.times, now)
}
