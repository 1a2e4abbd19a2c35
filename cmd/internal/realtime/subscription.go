package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Subscription is one cursor over a topic.
//
// Batches arrive on C in seq order with no gaps beyond what the source itself has.
// A slow reader only delays its own subscription; publishers never block on it.
// C is closed when the subscription ends; Err then reports why, if it was not a cancel.
type Subscription struct {
	hub *Hub
	key string
	src Source

	cursor int64 // guarded by atomic ops; written only by run

	wake chan struct{}
	out  chan Batch
	done chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	errMu sync.Mutex
	err   error
}

// Topic returns the subscribed topic key.
func (s *Subscription) Topic() string { return s.key }

// C delivers batches until the subscription ends.
func (s *Subscription) C() <-chan Batch { return s.out }

// Done is closed once the delivery goroutine has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Cursor is the seq of the last delivered event.
func (s *Subscription) Cursor() int64 { return atomic.LoadInt64(&s.cursor) }

// Cancel stops delivery. It is idempotent and has no effect on stored data.
func (s *Subscription) Cancel() { s.cancel() }

// Err reports a source failure that ended the subscription.
func (s *Subscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Subscription) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) run() {
	defer close(s.done)
	defer close(s.out)
	defer s.hub.detach(s)
	defer s.cancel()

	var tick <-chan time.Time
	if s.hub.pollInterval > 0 {
		t := time.NewTicker(s.hub.pollInterval)
		defer t.Stop()
		tick = t.C
	}

	limit := s.hub.pageSize
	for {
		page, err := s.src.EventsAfter(s.ctx, s.key, s.Cursor(), limit)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			s.hub.log.Info("notifier.source.fail", "topic", s.key, "cursor", s.Cursor(), "err", err)
			return
		}

		if len(page.Events) > 0 || page.Reset {
			b := Batch{Topic: s.key, Events: page.Events, Reset: page.Reset}
			select {
			case s.out <- b:
			case <-s.ctx.Done():
				return
			}
			// An empty reset batch rewinds the cursor to the start of the topic.
			atomic.StoreInt64(&s.cursor, b.LastSeq())
			if len(page.Events) >= limit {
				continue
			}
		}

		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		case <-tick:
		}
	}
}

func (s *Subscription) setErr(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
}
