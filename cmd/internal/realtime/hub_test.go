package realtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sliceSource is a growable log used as a conversation-style Source.
type sliceSource struct {
	mu     sync.Mutex
	events []Event
	fail   error
}

func (s *sliceSource) append(topic string, seq int64) {
	s.mu.Lock()
	s.events = append(s.events, Event{Topic: topic, Seq: seq, Type: EventMessage, Data: seq})
	s.mu.Unlock()
}

func (s *sliceSource) EventsAfter(ctx context.Context, topic string, afterSeq int64, limit int) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return Page{}, s.fail
	}
	var out []Event
	for _, e := range s.events {
		if e.Seq > afterSeq {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return Page{Events: out}, nil
}

func collect(t *testing.T, sub *Subscription, want int) []Event {
	t.Helper()

	var got []Event
	deadline := time.After(5 * time.Second)
	for len(got) < want {
		select {
		case b, ok := <-sub.C():
			if !ok {
				t.Fatalf("subscription closed after %d events (err=%v)", len(got), sub.Err())
			}
			got = append(got, b.Events...)
		case <-deadline:
			t.Fatalf("timeout: got %d events want %d", len(got), want)
		}
	}
	return got
}

func TestSubscription_DeliversInOrderFromCursor(t *testing.T) {
	t.Parallel()

	hub := NewHub(testLogger(), WithPageSize(3))
	src := &sliceSource{}
	topic := ConversationTopic("a:b")

	for i := int64(1); i <= 5; i++ {
		src.append(topic, i)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := hub.Subscribe(ctx, topic, 2, src)
	defer sub.Cancel()

	got := collect(t, sub, 3)
	for i, e := range got {
		if e.Seq != int64(i+3) {
			t.Fatalf("event %d seq=%d want %d", i, e.Seq, i+3)
		}
	}

	// Live appends are delivered after a notify.
	for i := int64(6); i <= 10; i++ {
		src.append(topic, i)
		hub.Notify(topic)
	}
	got = collect(t, sub, 5)
	prev := int64(5)
	for _, e := range got {
		if e.Seq <= prev {
			t.Fatalf("order violated: %d after %d", e.Seq, prev)
		}
		prev = e.Seq
	}
	if sub.Cursor() != 10 {
		t.Fatalf("cursor=%d want 10", sub.Cursor())
	}
}

func TestSubscription_ConcurrentWritersNoLoss(t *testing.T) {
	t.Parallel()

	hub := NewHub(testLogger())
	src := &sliceSource{}
	topic := ConversationTopic("x:y")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := hub.Subscribe(ctx, topic, 0, src)
	defer sub.Cancel()

	const n = 200
	var (
		seqMu sync.Mutex
		seq   int64
		wg    sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < n/4; i++ {
				seqMu.Lock()
				seq++
				src.append(topic, seq)
				seqMu.Unlock()
				hub.Notify(topic)
			}
		}()
	}
	wg.Wait()

	got := collect(t, sub, n)
	if len(got) != n {
		t.Fatalf("got %d events want %d", len(got), n)
	}
	for i, e := range got {
		if e.Seq != int64(i+1) {
			t.Fatalf("event %d seq=%d", i, e.Seq)
		}
	}
}

func TestSubscription_CancelClosesChannel(t *testing.T) {
	t.Parallel()

	hub := NewHub(testLogger())
	src := &sliceSource{}
	sub := hub.Subscribe(context.Background(), ConversationTopic("a:b"), 0, src)

	sub.Cancel()
	sub.Cancel()

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription did not stop")
	}
	if _, ok := <-sub.C(); ok {
		t.Fatalf("expected closed channel")
	}
	if sub.Err() != nil {
		t.Fatalf("cancel must not report an error: %v", sub.Err())
	}

	// The topic is released once its last subscriber leaves.
	hub.mu.Lock()
	n := len(hub.topics)
	hub.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected no topics left, got %d", n)
	}
}

func TestSubscription_SourceFailureSurfaces(t *testing.T) {
	t.Parallel()

	boom := errors.New("store down")
	hub := NewHub(testLogger())
	src := &sliceSource{fail: boom}
	sub := hub.Subscribe(context.Background(), ConversationTopic("a:b"), 0, src)

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription did not stop on failure")
	}
	if !errors.Is(sub.Err(), boom) {
		t.Fatalf("Err()=%v want %v", sub.Err(), boom)
	}
}

func TestHub_PublishRingAndResume(t *testing.T) {
	t.Parallel()

	hub := NewHub(testLogger(), WithRingSize(4))
	topic := UserTopic("alice")

	for i := 0; i < 3; i++ {
		hub.Publish(topic, EventLikeReceived, i)
	}
	if hub.LastSeq(topic) != 3 {
		t.Fatalf("LastSeq=%d want 3", hub.LastSeq(topic))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := hub.Subscribe(ctx, topic, 1, hub)
	got := collect(t, sub, 2)
	if got[0].Seq != 2 || got[1].Seq != 3 {
		t.Fatalf("resume from cursor 1 got seqs %d,%d", got[0].Seq, got[1].Seq)
	}

	hub.Publish(topic, EventMatchCreated, "m")
	got = collect(t, sub, 1)
	if got[0].Seq != 4 || got[0].Type != EventMatchCreated {
		t.Fatalf("live event=%+v", got[0])
	}
	sub.Cancel()
}

func TestHub_RingResetWhenCursorExpired(t *testing.T) {
	t.Parallel()

	hub := NewHub(testLogger(), WithRingSize(2))
	topic := UserTopic("bob")
	for i := 0; i < 5; i++ {
		hub.Publish(topic, EventLikeReceived, i)
	}

	page, err := hub.EventsAfter(context.Background(), topic, 1, 10)
	if err != nil {
		t.Fatalf("EventsAfter: %v", err)
	}
	if !page.Reset {
		t.Fatalf("expected Reset for expired cursor")
	}
	if len(page.Events) != 2 || page.Events[0].Seq != 4 {
		t.Fatalf("unexpected page: %+v", page.Events)
	}

	page, err = hub.EventsAfter(context.Background(), topic, 3, 10)
	if err != nil || page.Reset || len(page.Events) != 2 {
		t.Fatalf("cursor at window edge: reset=%v n=%d err=%v", page.Reset, len(page.Events), err)
	}

	page, _ = hub.EventsAfter(context.Background(), topic, 5, 10)
	if len(page.Events) != 0 {
		t.Fatalf("expected empty page at head")
	}
}

func TestHub_CursorAheadOfTopicResets(t *testing.T) {
	t.Parallel()

	hub := NewHub(testLogger())
	topic := UserTopic("carol")
	for i := 0; i < 3; i++ {
		hub.Publish(topic, EventLikeReceived, i)
	}

	page, err := hub.EventsAfter(context.Background(), topic, 10, 10)
	if err != nil {
		t.Fatalf("EventsAfter: %v", err)
	}
	if !page.Reset || len(page.Events) != 3 || page.Events[0].Seq != 1 {
		t.Fatalf("stale cursor: reset=%v events=%+v", page.Reset, page.Events)
	}

	page, _ = hub.EventsAfter(context.Background(), UserTopic("nobody"), 4, 10)
	if !page.Reset || len(page.Events) != 0 {
		t.Fatalf("unknown topic with cursor: reset=%v n=%d", page.Reset, len(page.Events))
	}
	page, _ = hub.EventsAfter(context.Background(), UserTopic("nobody"), 0, 10)
	if page.Reset {
		t.Fatalf("unknown topic from zero must not reset")
	}
}

func TestSubscription_CursorFromEarlierProcessStillReceives(t *testing.T) {
	t.Parallel()

	// A fresh hub stands in for a restarted server; the client kept cursor 5.
	hub := NewHub(testLogger())
	topic := UserTopic("alice")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := hub.Subscribe(ctx, topic, 5, hub)

	for i := 0; i < 3; i++ {
		hub.Publish(topic, EventMatchCreated, i)
	}

	var (
		got      []Event
		sawReset bool
		deadline = time.After(5 * time.Second)
	)
	for len(got) < 3 {
		select {
		case b, ok := <-sub.C():
			if !ok {
				t.Fatalf("subscription closed after %d events (err=%v)", len(got), sub.Err())
			}
			sawReset = sawReset || b.Reset
			got = append(got, b.Events...)
		case <-deadline:
			t.Fatalf("timeout: got %d events, reset=%v", len(got), sawReset)
		}
	}
	if !sawReset {
		t.Fatalf("stale cursor must be signalled with a reset batch")
	}
	for i, ev := range got {
		if ev.Seq != int64(i+1) {
			t.Fatalf("event %d seq=%d", i, ev.Seq)
		}
	}
}

func TestSubscription_PollPicksUpForeignWrites(t *testing.T) {
	t.Parallel()

	hub := NewHub(testLogger(), WithPollInterval(20*time.Millisecond))
	src := &sliceSource{}
	topic := ConversationTopic("p:q")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := hub.Subscribe(ctx, topic, 0, src)

	// No Notify: only the poll can surface this.
	src.append(topic, 1)
	got := collect(t, sub, 1)
	if got[0].Seq != 1 {
		t.Fatalf("seq=%d", got[0].Seq)
	}
}
