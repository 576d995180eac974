package ratelimit

import "time"

// slidingWindow admits at most limit calls per rolling window. Timestamps
// are kept oldest-first; callers hold the owning bucket's lock.
type slidingWindow struct {
	limit  int
	window time.Duration
	times  []time.Time
}

func newSlidingWindow(limit int, window time.Duration) *slidingWindow {
	return &slidingWindow{limit: limit, window: window}
}

// prune drops timestamps that have left the window.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.times) && !w.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.times = append(w.times[:0], w.times[i:]...)
	}
}

// tryAdmit records the call and reports true if the window has room.
func (w *slidingWindow) tryAdmit(now time.Time) bool {
	w.prune(now)
	if len(w.times) >= w.limit {
		return false
	}
	w.times = append(w.times, now)
	return true
}

// nextFree reports how long until the oldest timestamp leaves the window,
// freeing one admission slot. Zero means the window has room now.
func (w *slidingWindow) nextFree(now time.Time) time.Duration {
	w.prune(now)
	if len(w.times) < w.limit {
		return 0
	}
	return w.times[0].Add(w.window).Sub(now)
}
