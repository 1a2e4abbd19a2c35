// Package realtime is tandem's in-process notifier: per-topic ordered, at-least-once,
// cursor-resumable delivery.
//
// Conversation topics are backed by the conversation log itself; Notify only wakes
// subscribers, which then pull from their cursor. User topics are backed by a bounded
// ring owned by the Hub; Publish assigns the seq.
package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tandem/cmd/internal/metrics"
)

const (
	defaultRingSize = 256
	defaultPageSize = 100
)

// Hub owns topics and their subscriptions.
type Hub struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	ringSize     int
	pageSize     int
	pollInterval time.Duration

	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	key string

	mu   sync.Mutex
	subs map[*Subscription]struct{}
	ring []Event
	last int64
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithRingSize sets how many events each user topic retains.
func WithRingSize(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.ringSize = n
		}
	}
}

// WithPageSize bounds how many events a subscription pulls per batch.
func WithPageSize(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.pageSize = n
		}
	}
}

// WithPollInterval makes subscriptions re-pull their source periodically even without
// a local Notify. Needed when another process appends to a shared store.
func WithPollInterval(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.pollInterval = d
		}
	}
}

// WithMetrics records subscription counts.
func WithMetrics(m *metrics.Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger, opts ...HubOption) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		log:      log,
		ringSize: defaultRingSize,
		pageSize: defaultPageSize,
		topics:   make(map[string]*topic),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// lockTopic returns key's topic with t.mu held, or nil when it does not exist and create is false.
// Lock order is always h.mu then t.mu.
func (h *Hub) lockTopic(key string, create bool) *topic {
	h.mu.Lock()
	defer h.mu.Unlock()

	t := h.topics[key]
	if t == nil {
		if !create {
			return nil
		}
		t = &topic{key: key, subs: make(map[*Subscription]struct{})}
		h.topics[key] = t
	}
	t.mu.Lock()
	return t
}

// Notify wakes every subscriber of key. It never blocks.
func (h *Hub) Notify(key string) {
	t := h.lockTopic(key, false)
	if t == nil {
		return
	}
	defer t.mu.Unlock()
	for s := range t.subs {
		s.poke()
	}
}

// Publish appends an event to key's ring, assigns its seq and wakes subscribers.
func (h *Hub) Publish(key, typ string, data any) Event {
	t := h.lockTopic(key, true)
	t.last++
	ev := Event{Topic: key, Seq: t.last, Type: typ, Data: data, At: time.Now().UTC()}
	t.ring = append(t.ring, ev)
	if len(t.ring) > h.ringSize {
		t.ring = append([]Event(nil), t.ring[len(t.ring)-h.ringSize:]...)
	}
	for s := range t.subs {
		s.poke()
	}
	t.mu.Unlock()

	h.log.Debug("notifier.publish", "topic", key, "type", typ, "seq", ev.Seq)
	return ev
}

// EventsAfter makes the Hub the Source of its own ring-backed topics.
func (h *Hub) EventsAfter(ctx context.Context, key string, afterSeq int64, limit int) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	if limit <= 0 {
		limit = h.pageSize
	}
	if afterSeq < 0 {
		afterSeq = 0
	}
	t := h.lockTopic(key, false)
	if t == nil {
		return Page{Reset: afterSeq > 0}, nil
	}
	defer t.mu.Unlock()

	if afterSeq == t.last {
		return Page{}, nil
	}

	if afterSeq > t.last {
		// Cursor issued by an earlier process; this topic's seqs started over.
		return t.page(0, limit, true), nil
	}
	if start := afterSeq - t.ring[0].Seq + 1; start >= 0 {
		return t.page(int(start), limit, false), nil
	}
	// Cursor fell out of the retained window.
	return t.page(0, limit, true), nil
}

// page copies up to limit ring entries from index start. Callers hold t.mu.
func (t *topic) page(start, limit int, reset bool) Page {
	end := start + limit
	if end > len(t.ring) {
		end = len(t.ring)
	}
	if start >= end {
		return Page{Reset: reset}
	}
	return Page{Events: append([]Event(nil), t.ring[start:end]...), Reset: reset}
}

// PollInterval reports how often subscriptions re-pull without a Notify; 0 means never.
func (h *Hub) PollInterval() time.Duration { return h.pollInterval }

// LastSeq returns the newest seq published to a ring-backed topic.
func (h *Hub) LastSeq(key string) int64 {
	t := h.lockTopic(key, false)
	if t == nil {
		return 0
	}
	defer t.mu.Unlock()
	return t.last
}

// Subscribe starts delivering events of key with seq > sinceSeq, pulled from src.
// The subscription ends when ctx is done or Cancel is called.
func (h *Hub) Subscribe(ctx context.Context, key string, sinceSeq int64, src Source) *Subscription {
	if sinceSeq < 0 {
		sinceSeq = 0
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		hub:    h,
		key:    key,
		src:    src,
		cursor: sinceSeq,
		wake:   make(chan struct{}, 1),
		out:    make(chan Batch),
		done:   make(chan struct{}),
		ctx:    sctx,
		cancel: cancel,
	}

	// Attach before the first pull so a Notify racing with it is never lost.
	t := h.lockTopic(key, true)
	t.subs[s] = struct{}{}
	t.mu.Unlock()

	h.metrics.SubscriptionOpened(topicKind(key))
	h.log.Debug("notifier.subscribe", "topic", key, "since_seq", sinceSeq)

	go s.run()
	return s
}

func (h *Hub) detach(s *Subscription) {
	h.mu.Lock()
	t := h.topics[s.key]
	if t != nil {
		t.mu.Lock()
		delete(t.subs, s)
		if len(t.subs) == 0 && t.last == 0 {
			delete(h.topics, s.key)
		}
		t.mu.Unlock()
	}
	h.mu.Unlock()

	h.metrics.SubscriptionClosed(topicKind(s.key))
	h.log.Debug("notifier.unsubscribe", "topic", s.key, "cursor", s.Cursor())
}
