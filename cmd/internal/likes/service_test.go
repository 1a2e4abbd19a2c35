package likes

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"tandem/cmd/internal/domain"
	"tandem/cmd/internal/realtime"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (p *recordingPublisher) Publish(topic, typ string, data any) realtime.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	ev := realtime.Event{Topic: topic, Seq: int64(len(p.events) + 1), Type: typ, Data: data}
	p.events = append(p.events, ev)
	return ev
}

func (p *recordingPublisher) count(topic, typ string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Topic == topic && e.Type == typ {
			n++
		}
	}
	return n
}

func mustNewService(t *testing.T, store Store, pub Publisher) *Service {
	t.Helper()

	svc, err := NewService(store,
		WithPublisher(pub),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestSubmitLike_OneSidedThenReciprocal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pub := &recordingPublisher{}
	svc := mustNewService(t, NewInMemoryStore(), pub)

	first, err := svc.SubmitLike(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("submit alice->bob: %v", err)
	}
	if !first.Liked || !first.Created || first.Matched || first.MatchID != "" {
		t.Fatalf("one-sided like: %+v", first)
	}

	incoming, err := svc.ListIncomingLikes(ctx, "bob")
	if err != nil {
		t.Fatalf("incoming: %v", err)
	}
	if len(incoming) != 1 || incoming[0] != "alice" {
		t.Fatalf("bob incoming=%v", incoming)
	}
	if ms, _ := svc.ListMatches(ctx, "alice"); len(ms) != 0 {
		t.Fatalf("expected no matches yet, got %v", ms)
	}

	second, err := svc.SubmitLike(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("submit bob->alice: %v", err)
	}
	if !second.Matched || second.MatchID != "alice:bob" {
		t.Fatalf("reciprocal like: %+v", second)
	}

	for _, uid := range []string{"alice", "bob"} {
		views, err := svc.ListMatches(ctx, uid)
		if err != nil {
			t.Fatalf("list matches %s: %v", uid, err)
		}
		if len(views) != 1 || views[0].MatchID != "alice:bob" {
			t.Fatalf("%s matches=%v", uid, views)
		}
		if pub.count(realtime.UserTopic(uid), realtime.EventMatchCreated) != 1 {
			t.Fatalf("%s expected one match.created event", uid)
		}
	}
	if views, _ := svc.ListMatches(ctx, "alice"); views[0].PartnerUID != "bob" {
		t.Fatalf("alice partner=%q", views[0].PartnerUID)
	}
	if pub.count(realtime.UserTopic("bob"), realtime.EventLikeReceived) != 1 {
		t.Fatalf("bob expected one like.received event")
	}
}

func TestSubmitLike_Idempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pub := &recordingPublisher{}
	store := NewInMemoryStore()
	svc := mustNewService(t, store, pub)

	for i := 0; i < 3; i++ {
		res, err := svc.SubmitLike(ctx, "carol", "dave")
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		if res.Created != (i == 0) {
			t.Fatalf("submit %d: created=%v", i, res.Created)
		}
	}

	out, err := store.ListLikesFrom(ctx, "carol")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected exactly one like, got %d", len(out))
	}
	if pub.count(realtime.UserTopic("dave"), realtime.EventLikeReceived) != 1 {
		t.Fatalf("repeat likes must not re-notify")
	}
}

func TestSubmitLike_AfterMatchReportsMatched(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := mustNewService(t, NewInMemoryStore(), nil)

	if _, err := svc.SubmitLike(ctx, "u1", "u2"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := svc.SubmitLike(ctx, "u2", "u1"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	res, err := svc.SubmitLike(ctx, "u1", "u2")
	if err != nil {
		t.Fatalf("re-like: %v", err)
	}
	if res.Created || !res.Matched || res.MatchID != "u1:u2" {
		t.Fatalf("re-like after match: %+v", res)
	}
}

func TestSubmitLike_Validation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := mustNewService(t, NewInMemoryStore(), nil)

	cases := []struct{ from, to string }{
		{"alice", "alice"},
		{"", "bob"},
		{"alice", "b:ob"},
		{"al ice", "bob"},
	}
	for _, tc := range cases {
		if _, err := svc.SubmitLike(ctx, tc.from, tc.to); !domain.IsInvalidInput(err) {
			t.Fatalf("SubmitLike(%q,%q) err=%v want invalid input", tc.from, tc.to, err)
		}
	}
}

func TestTryCreateMatch_NotReciprocal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewInMemoryStore()
	svc := mustNewService(t, store, nil)

	if _, err := store.PutLike(ctx, PutLikeInput{From: "a", To: "b"}); err != nil {
		t.Fatalf("put like: %v", err)
	}
	res, err := svc.TryCreateMatch(ctx, "b", "a")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Matched || res.Created {
		t.Fatalf("expected no match: %+v", res)
	}
	if _, err := svc.GetMatch(ctx, "a:b"); !domain.IsNotFound(err) {
		t.Fatalf("GetMatch err=%v want not found", err)
	}
}

// Both likes exist; both resolvers race. Exactly one creates, both observe the match.
func TestTryCreateMatch_RaceSingleWinner(t *testing.T) {
	t.Parallel()

	const trials = 200
	ctx := context.Background()

	for trial := 0; trial < trials; trial++ {
		store := NewInMemoryStore()
		pub := &recordingPublisher{}
		svc := mustNewService(t, store, pub)

		a := fmt.Sprintf("user-a-%d", trial)
		b := fmt.Sprintf("user-b-%d", trial)
		if _, err := store.PutLike(ctx, PutLikeInput{From: a, To: b}); err != nil {
			t.Fatalf("put: %v", err)
		}
		if _, err := store.PutLike(ctx, PutLikeInput{From: b, To: a}); err != nil {
			t.Fatalf("put: %v", err)
		}

		results := make([]CreateMatchResult, 2)
		errs := make([]error, 2)
		start := make(chan struct{})
		var wg sync.WaitGroup
		for i, pair := range [][2]string{{a, b}, {b, a}} {
			wg.Add(1)
			go func(i int, x, y string) {
				defer wg.Done()
				<-start
				results[i], errs[i] = svc.TryCreateMatch(ctx, x, y)
			}(i, pair[0], pair[1])
		}
		close(start)
		wg.Wait()

		created := 0
		for i := range results {
			if errs[i] != nil {
				t.Fatalf("trial %d: resolver %d: %v", trial, i, errs[i])
			}
			if !results[i].Matched {
				t.Fatalf("trial %d: resolver %d did not observe the match", trial, i)
			}
			if results[i].Match.ID() != domain.PairKey(a, b) {
				t.Fatalf("trial %d: match id %q", trial, results[i].Match.ID())
			}
			if results[i].Created {
				created++
			}
		}
		if created != 1 {
			t.Fatalf("trial %d: created=%d want 1", trial, created)
		}
		if n := pub.count(realtime.UserTopic(a), realtime.EventMatchCreated); n != 1 {
			t.Fatalf("trial %d: match.created events=%d", trial, n)
		}
	}
}

// Mutual likes submitted concurrently: at quiescence exactly one match exists and every
// caller that reports matched agrees on its id.
func TestSubmitLike_ConcurrentMutualLikes(t *testing.T) {
	t.Parallel()

	const trials = 200
	ctx := context.Background()

	for trial := 0; trial < trials; trial++ {
		store := NewInMemoryStore()
		svc := mustNewService(t, store, nil)

		a := fmt.Sprintf("p%d-x", trial)
		b := fmt.Sprintf("p%d-y", trial)

		var wg sync.WaitGroup
		results := make([]SubmitResult, 2)
		errs := make([]error, 2)
		for i, pair := range [][2]string{{a, b}, {b, a}} {
			wg.Add(1)
			go func(i int, from, to string) {
				defer wg.Done()
				results[i], errs[i] = svc.SubmitLike(ctx, from, to)
			}(i, pair[0], pair[1])
		}
		wg.Wait()

		anyMatched := false
		for i, r := range results {
			if errs[i] != nil {
				t.Fatalf("trial %d: submit %d: %v", trial, i, errs[i])
			}
			if r.Matched {
				anyMatched = true
				if r.MatchID != domain.PairKey(a, b) {
					t.Fatalf("trial %d: match id %q", trial, r.MatchID)
				}
			}
		}
		if !anyMatched {
			t.Fatalf("trial %d: reciprocal likes produced no match", trial)
		}

		for _, uid := range []string{a, b} {
			ms, err := store.ListMatchesFor(ctx, uid)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(ms) != 1 {
				t.Fatalf("trial %d: %s has %d matches", trial, uid, len(ms))
			}
		}
	}
}

// Reciprocity law over a random-ish interleaving of likes between several users.
func TestReciprocityLaw(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewInMemoryStore()
	svc := mustNewService(t, store, nil)

	users := []string{"u0", "u1", "u2", "u3", "u4", "u5"}
	var wg sync.WaitGroup
	for i, from := range users {
		for j, to := range users {
			if i == j || (i*7+j*3)%4 == 0 {
				continue
			}
			wg.Add(1)
			go func(from, to string) {
				defer wg.Done()
				if _, err := svc.SubmitLike(ctx, from, to); err != nil {
					t.Errorf("submit %s->%s: %v", from, to, err)
				}
			}(from, to)
		}
	}
	wg.Wait()

	for i, a := range users {
		for _, b := range users[i+1:] {
			ab, _ := store.HasLike(ctx, a, b)
			ba, _ := store.HasLike(ctx, b, a)
			_, err := store.GetMatch(ctx, domain.PairKey(a, b))
			exists := err == nil
			if exists != (ab && ba) {
				t.Fatalf("pair %s/%s: match=%v likes=%v/%v", a, b, exists, ab, ba)
			}
		}
	}
}

func TestMatchFor_Forbidden(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := mustNewService(t, NewInMemoryStore(), nil)
	_, _ = svc.SubmitLike(ctx, "m1", "m2")
	_, _ = svc.SubmitLike(ctx, "m2", "m1")

	if _, err := svc.MatchFor(ctx, "m1:m2", "m1"); err != nil {
		t.Fatalf("participant: %v", err)
	}
	if _, err := svc.MatchFor(ctx, "m1:m2", "intruder"); !domain.IsForbidden(err) {
		t.Fatalf("outsider err=%v want forbidden", err)
	}
	if _, err := svc.MatchFor(ctx, "m2:m1", "m1"); !domain.IsInvalidInput(err) {
		t.Fatalf("non-canonical id err=%v want invalid input", err)
	}
}

func TestListOutgoingLikes_Order(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	svc, err := NewService(NewInMemoryStore(), WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	for _, to := range []string{"z", "y", "x"} {
		if _, err := svc.SubmitLike(ctx, "me", to); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	got, err := svc.ListOutgoingLikes(ctx, "me")
	if err != nil {
		t.Fatalf("outgoing: %v", err)
	}
	want := []string{"z", "y", "x"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("outgoing=%v want %v", got, want)
		}
	}
}
