package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	defaultWriteLimit  = 60
	defaultWriteWindow = time.Minute
	throttleSweepAt    = 10000
)

// writeThrottle caps state-changing requests per user over a sliding window.
type writeThrottle struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time
}

func newWriteThrottle(limit int, window time.Duration) *writeThrottle {
	if limit <= 0 {
		return nil
	}
	if window <= 0 {
		window = defaultWriteWindow
	}
	return &writeThrottle{limit: limit, window: window, hits: make(map[string][]time.Time)}
}

// allow records a hit for uid unless the window is full. When blocked it returns
// how long until the oldest hit leaves the window.
func (t *writeThrottle) allow(uid string, now time.Time) (bool, time.Duration) {
	if t == nil {
		return true, 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.hits) >= throttleSweepAt {
		t.sweep(now)
	}

	recent := inWindow(t.hits[uid], now.Add(-t.window))
	if len(recent) >= t.limit {
		t.hits[uid] = recent
		return false, recent[0].Add(t.window).Sub(now)
	}
	t.hits[uid] = append(recent, now)
	return true, 0
}

func (t *writeThrottle) sweep(now time.Time) {
	cut := now.Add(-t.window)
	for uid, hits := range t.hits {
		if len(inWindow(hits, cut)) == 0 {
			delete(t.hits, uid)
		}
	}
}

// inWindow drops hits at or before cut. hits are in ascending order.
func inWindow(hits []time.Time, cut time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cut) {
		i++
	}
	return hits[i:]
}

func (h *Handler) throttled(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ok, retry := h.writes.allow(caller(r), time.Now())
		if !ok {
			writeRateLimited(w, retry)
			return
		}
		next(w, r)
	}
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	secs := int64((retryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
}
