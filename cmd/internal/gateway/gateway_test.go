package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tandem/cmd/identity"
	"tandem/cmd/internal/chat"
	"tandem/cmd/internal/likes"
	"tandem/cmd/internal/realtime"
	v1 "tandem/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

type fixture struct {
	likes *likes.Service
	chat  *chat.Service
	srv   *httptest.Server
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	log := discardLogger()
	hub := realtime.NewHub(log)
	ls, err := likes.NewService(likes.NewInMemoryStore(), likes.WithPublisher(hub), likes.WithLogger(log))
	if err != nil {
		t.Fatalf("likes service: %v", err)
	}
	cs, err := chat.NewService(chat.NewInMemoryStore(), ls, chat.WithHub(hub), chat.WithLogger(log))
	if err != nil {
		t.Fatalf("chat service: %v", err)
	}
	g, err := New(identity.HeaderProvider{}, cs, hub, WithLogger(log), WithConfig(cfg))
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return &fixture{likes: ls, chat: cs, srv: srv}
}

func (f *fixture) mustMatch(t *testing.T, a, b string) string {
	t.Helper()
	ctx := context.Background()
	if _, err := f.likes.SubmitLike(ctx, a, b); err != nil {
		t.Fatalf("like: %v", err)
	}
	res, err := f.likes.SubmitLike(ctx, b, a)
	if err != nil || !res.Matched {
		t.Fatalf("match: %+v err=%v", res, err)
	}
	return res.MatchID
}

func (f *fixture) wsURL() string { return "ws" + strings.TrimPrefix(f.srv.URL, "http") }

func (f *fixture) dial(t *testing.T, uid string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h := http.Header{}
	h.Set("Origin", f.srv.URL)
	h.Set(identity.DefaultUserHeader, uid)
	conn, _, err := websocket.Dial(ctx, f.wsURL(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if err != nil {
		t.Fatalf("dial as %s: %v", uid, err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func mustWrite(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	env, err := v1.NewEnvelope(typ, typ+"-req", time.Now().UTC(), payload)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	b, _ := json.Marshal(env)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

// readUntil skips frames until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string, dst any) v1.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("bad frame %s: %v", data, err)
		}
		if env.Type != typ {
			continue
		}
		if dst != nil {
			if err := env.Decode(dst); err != nil {
				t.Fatalf("decode %s: %v", typ, err)
			}
		}
		return env
	}
}

func TestGateway_HelloAck(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	conn := f.dial(t, "alice")

	mustWrite(t, conn, v1.TypeHello, v1.HelloPayload{Client: "test"})
	var ack v1.HelloAckPayload
	readUntil(t, conn, v1.TypeHelloAck, &ack)
	if ack.UserID != "alice" || len(ack.SessionID) != 26 {
		t.Fatalf("ack=%+v", ack)
	}
}

func TestGateway_SubscribeSendAndAutoRead(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	matchID := f.mustMatch(t, "alice", "bob")
	ctx := context.Background()

	if _, err := f.chat.SendMessage(ctx, matchID, "bob", "hi alice", ""); err != nil {
		t.Fatalf("bob send: %v", err)
	}

	alice := f.dial(t, "alice")
	mustWrite(t, alice, v1.TypeConversationSubscribe, v1.ConversationSubscribePayload{MatchID: matchID, AutoRead: true})

	var subbed v1.ConversationSubscribedPayload
	readUntil(t, alice, v1.TypeConversationSubscribed, &subbed)
	if subbed.MatchID != matchID || !subbed.Active {
		t.Fatalf("subscribed=%+v", subbed)
	}

	var batch v1.MessageBatchPayload
	readUntil(t, alice, v1.TypeMessageBatch, &batch)
	if len(batch.Messages) != 1 || batch.Messages[0].Text != "hi alice" || batch.Messages[0].Seq != 1 {
		t.Fatalf("catch-up batch=%+v", batch)
	}

	var readAck v1.ConversationReadAckPayload
	readUntil(t, alice, v1.TypeConversationReadAck, &readAck)
	if readAck.Marked != 1 || readAck.UnreadCount != 0 {
		t.Fatalf("auto-read ack=%+v", readAck)
	}

	mustWrite(t, alice, v1.TypeMessageSend, v1.MessageSendPayload{MatchID: matchID, ClientMsgID: "c-1", Text: "hey bob"})
	var ack v1.MessageAckPayload
	readUntil(t, alice, v1.TypeMessageAck, &ack)
	if ack.Seq != 2 || ack.Duplicated || ack.ClientMsgID != "c-1" {
		t.Fatalf("ack=%+v", ack)
	}

	mustWrite(t, alice, v1.TypeMessageSend, v1.MessageSendPayload{MatchID: matchID, ClientMsgID: "c-1", Text: "hey bob"})
	var dup v1.MessageAckPayload
	readUntil(t, alice, v1.TypeMessageAck, &dup)
	if dup.Seq != 2 || !dup.Duplicated || dup.MessageID != ack.MessageID {
		t.Fatalf("retry ack=%+v first=%+v", dup, ack)
	}

	n, err := f.chat.GetUnreadCount(ctx, matchID, "bob")
	if err != nil || n != 1 {
		t.Fatalf("bob unread=%d err=%v", n, err)
	}
}

func TestGateway_LiveDeliveryInOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	matchID := f.mustMatch(t, "alice", "bob")

	alice := f.dial(t, "alice")
	mustWrite(t, alice, v1.TypeConversationSubscribe, v1.ConversationSubscribePayload{MatchID: matchID})
	readUntil(t, alice, v1.TypeConversationSubscribed, nil)

	const total = 20
	go func() {
		for i := 0; i < total; i++ {
			_, _ = f.chat.SendMessage(context.Background(), matchID, "bob", "m", "")
		}
	}()

	var next int64 = 1
	for next <= total {
		var batch v1.MessageBatchPayload
		readUntil(t, alice, v1.TypeMessageBatch, &batch)
		for _, m := range batch.Messages {
			if m.Seq < next {
				// Redelivery is allowed; regressions past it are not.
				continue
			}
			if m.Seq != next {
				t.Fatalf("gap: got seq %d want %d", m.Seq, next)
			}
			next++
		}
	}
}

func TestGateway_ExplicitReadAndUserEvents(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	matchID := f.mustMatch(t, "alice", "bob")
	if _, err := f.chat.SendMessage(context.Background(), matchID, "bob", "ping", ""); err != nil {
		t.Fatalf("send: %v", err)
	}

	bob := f.dial(t, "bob")
	mustWrite(t, bob, v1.TypeUserSubscribe, v1.UserSubscribePayload{})

	var first v1.UserEventBatchPayload
	readUntil(t, bob, v1.TypeUserEventBatch, &first)
	types := map[string]bool{}
	for _, ev := range first.Events {
		types[ev.Type] = true
	}
	if !types[realtime.EventLikeReceived] || !types[realtime.EventMatchCreated] {
		t.Fatalf("user events=%+v", first.Events)
	}

	alice := f.dial(t, "alice")
	mustWrite(t, alice, v1.TypeConversationRead, v1.ConversationReadPayload{MatchID: matchID})
	var ack v1.ConversationReadAckPayload
	readUntil(t, alice, v1.TypeConversationReadAck, &ack)
	if ack.Marked != 1 || ack.UnreadCount != 0 {
		t.Fatalf("read ack=%+v", ack)
	}

	var next v1.UserEventBatchPayload
	readUntil(t, bob, v1.TypeUserEventBatch, &next)
	if len(next.Events) != 1 || next.Events[0].Type != realtime.EventConversationRead {
		t.Fatalf("expected conversation.read, got %+v", next.Events)
	}
	var payload chat.ConversationRead
	if err := json.Unmarshal(next.Events[0].Data, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.MatchID != matchID || payload.ReaderUID != "alice" || payload.Marked != 1 {
		t.Fatalf("payload=%+v", payload)
	}
}

func TestGateway_Errors(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	matchID := f.mustMatch(t, "alice", "bob")
	eve := f.dial(t, "eve")

	mustWrite(t, eve, v1.TypeConversationSubscribe, v1.ConversationSubscribePayload{MatchID: matchID})
	var e v1.ErrorPayload
	readUntil(t, eve, v1.TypeError, &e)
	if e.Code != v1.CodeForbidden || e.RequestID != v1.TypeConversationSubscribe+"-req" {
		t.Fatalf("forbidden subscribe: %+v", e)
	}

	mustWrite(t, eve, v1.TypeMessageSend, v1.MessageSendPayload{MatchID: "not-a-pair", Text: "x"})
	readUntil(t, eve, v1.TypeError, &e)
	if e.Code != v1.CodeInvalidInput {
		t.Fatalf("malformed match id: %+v", e)
	}

	mustWrite(t, eve, v1.TypeConversationUnsubscribe, v1.ConversationUnsubscribePayload{MatchID: matchID})
	readUntil(t, eve, v1.TypeError, &e)
	if e.Code != v1.CodeNotSubscribed {
		t.Fatalf("unsubscribe without subscription: %+v", e)
	}

	mustWrite(t, eve, v1.TypeHelloAck, nil)
	readUntil(t, eve, v1.TypeError, &e)
	if e.Code != v1.CodeUnsupported {
		t.Fatalf("server type from client: %+v", e)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := eve.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	readUntil(t, eve, v1.TypeError, &e)
	if e.Code != v1.CodeBadJSON {
		t.Fatalf("bad json: %+v", e)
	}
}

func TestGateway_RateLimitCloses(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.RateEvents = 3
	cfg.RateWindow = time.Minute
	f := newFixture(t, cfg)
	conn := f.dial(t, "alice")

	for i := 0; i < 4; i++ {
		mustWrite(t, conn, v1.TypeHello, nil)
	}
	var e v1.ErrorPayload
	readUntil(t, conn, v1.TypeError, &e)
	if e.Code != v1.CodeRateLimited {
		t.Fatalf("error=%+v", e)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
				t.Fatalf("close status=%v err=%v", websocket.CloseStatus(err), err)
			}
			return
		}
	}
}

func TestGateway_RejectsUpgrade(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cases := []struct {
		name   string
		header http.Header
		want   int
	}{
		{
			name:   "no user",
			header: http.Header{"Origin": {f.srv.URL}},
			want:   http.StatusUnauthorized,
		},
		{
			name:   "foreign origin",
			header: http.Header{"Origin": {"https://evil.example"}, identity.DefaultUserHeader: {"alice"}},
			want:   http.StatusForbidden,
		},
		{
			name:   "missing origin",
			header: http.Header{identity.DefaultUserHeader: {"alice"}},
			want:   http.StatusForbidden,
		},
	}
	for _, tc := range cases {
		_, resp, err := websocket.Dial(ctx, f.wsURL(), &websocket.DialOptions{
			Subprotocols: []string{v1.Subprotocol},
			HTTPHeader:   tc.header,
		})
		if err == nil {
			t.Fatalf("%s: dial succeeded", tc.name)
		}
		if resp == nil || resp.StatusCode != tc.want {
			t.Fatalf("%s: resp=%v want %d", tc.name, resp, tc.want)
		}
	}
}
