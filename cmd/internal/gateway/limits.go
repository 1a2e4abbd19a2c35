package gateway

import "time"

const (
	// Max bytes per websocket frame read.
	maxFrameBytes = 64 << 10

	defaultSendQueueSize = 256
	minSendQueueSize     = 32

	defaultWriteTimeout = 5 * time.Second
	defaultReadIdle     = 2 * time.Minute
	closeGrace          = 1 * time.Second

	defaultHeartbeatInterval = 25 * time.Second
	defaultHeartbeatTimeout  = 5 * time.Second
	maxPingFailures          = 3

	// Per-connection rate limit: events per window.
	defaultRateEvents = 120
	defaultRateWindow = 10 * time.Second

	// Live conversation subscriptions per connection.
	maxConversationSubs = 32
)

// DefaultAllowedOrigins only admits local development origins.
var DefaultAllowedOrigins = []string{"http://localhost", "http://127.0.0.1"}

// eventBudget admits at most RateEvents client frames in any RateWindow. It keeps the
// times of the last RateEvents admitted frames in a ring; a frame is admitted once the
// oldest of them has left the window. Only the session's read loop uses it.
type eventBudget struct {
	window time.Duration
	times  []time.Time
	next   int
	full   bool
}

func newEventBudget(cfg Config) *eventBudget {
	cfg = cfg.withDefaults()
	return &eventBudget{window: cfg.RateWindow, times: make([]time.Time, cfg.RateEvents)}
}

// admit records a frame at now unless the budget is spent.
func (b *eventBudget) admit(now time.Time) bool {
	if b.full && now.Sub(b.times[b.next]) < b.window {
		return false
	}
	b.times[b.next] = now
	b.next = (b.next + 1) % len(b.times)
	if b.next == 0 {
		b.full = true
	}
	return true
}
