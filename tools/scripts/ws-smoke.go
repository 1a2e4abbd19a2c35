// Package main is a CI-friendly end-to-end smoke test against a running tandem server.
//
// It validates:
//   - mutual likes over HTTP produce one match
//   - handshake, subprotocol selection and hello_ack
//   - user_subscribe delivers match.created
//   - message_send -> message_ack and live delivery to the partner
//   - idempotent resend by client_msg_id
//   - conversation_read -> conversation_read_ack and conversation.read to the sender
//
// Callers authenticate with X-User-ID by default (server in header mode behind a
// trusted proxy) or with -token-a/-token-b bearer tokens.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "tandem/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20

type user struct {
	uid   string
	token string
}

func (u user) authorize(h http.Header) {
	if u.token != "" {
		h.Set("Authorization", "Bearer "+u.token)
		return
	}
	h.Set("X-User-ID", u.uid)
}

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		baseURL = flag.String("base", "http://127.0.0.1:8080", "HTTP base URL")
		origin  = flag.String("origin", "http://localhost", "Origin header for the WebSocket handshake")
		uidA    = flag.String("a", fmt.Sprintf("smoke-a-%d", time.Now().UnixNano()), "first user id")
		uidB    = flag.String("b", fmt.Sprintf("smoke-b-%d", time.Now().UnixNano()), "second user id")
		tokA    = flag.String("token-a", "", "bearer token for -a (header auth when empty)")
		tokB    = flag.String("token-b", "", "bearer token for -b (header auth when empty)")
		text    = flag.String("text", "hello tandem 👋", "message text")
		timeout = flag.Duration("timeout", 7*time.Second, "per-step timeout")
		verbose = flag.Bool("v", false, "verbose output")
	)
	flag.Parse()

	wsURL, err := wsURLFrom(*baseURL)
	if err != nil {
		fatalf("invalid -base: %v", err)
	}

	root := context.Background()
	a := user{uid: *uidA, token: *tokA}
	b := user{uid: *uidB, token: *tokB}

	mustLike(root, *baseURL, a, b.uid, false, *timeout)
	matchID := mustLike(root, *baseURL, b, a.uid, true, *timeout)
	if *verbose {
		fmt.Printf("matched: %s\n", matchID)
	}

	ca := mustConnect(root, "A", wsURL, *origin, a, *timeout)
	defer closeWS(ca.conn)
	cb := mustConnect(root, "B", wsURL, *origin, b, *timeout)
	defer closeWS(cb.conn)

	mustWrite(root, cb, v1.TypeUserSubscribe, v1.UserSubscribePayload{}, *timeout)
	mustUserEvent(root, cb, "match.created", *timeout)

	mustWrite(root, cb, v1.TypeConversationSubscribe, v1.ConversationSubscribePayload{MatchID: matchID}, *timeout)
	var sub v1.ConversationSubscribedPayload
	decode(cb.mustReadUntilType(root, v1.TypeConversationSubscribed, *timeout, nil), &sub)
	if !sub.Active || sub.MatchID != matchID {
		fatalf("conversation_subscribed mismatch: %+v", sub)
	}

	clientMsgID := fmt.Sprintf("cmsg-%d", time.Now().UnixNano())
	send := v1.MessageSendPayload{MatchID: matchID, ClientMsgID: clientMsgID, Text: *text}

	mustWrite(root, ca, v1.TypeMessageSend, send, *timeout)
	var ack v1.MessageAckPayload
	decode(ca.mustReadUntilType(root, v1.TypeMessageAck, *timeout, nil), &ack)
	if ack.MatchID != matchID || ack.ClientMsgID != clientMsgID || ack.Seq <= 0 || ack.MessageID == "" || ack.Duplicated {
		fatalf("message_ack mismatch: %+v", ack)
	}

	skip := map[string]struct{}{v1.TypeUserEventBatch: {}}
	var batch v1.MessageBatchPayload
	decode(cb.mustReadUntilType(root, v1.TypeMessageBatch, *timeout, skip), &batch)
	if len(batch.Messages) == 0 {
		fatalf("empty message_batch")
	}
	got := batch.Messages[len(batch.Messages)-1]
	if got.Seq != ack.Seq || got.MessageID != ack.MessageID || got.SenderUID != a.uid || got.Text != *text || got.Read {
		fatalf("delivered message mismatch: %+v", got)
	}

	mustWrite(root, ca, v1.TypeMessageSend, send, *timeout)
	var dup v1.MessageAckPayload
	decode(ca.mustReadUntilType(root, v1.TypeMessageAck, *timeout, nil), &dup)
	if !dup.Duplicated || dup.Seq != ack.Seq || dup.MessageID != ack.MessageID {
		fatalf("resend was not deduplicated: first=%+v second=%+v", ack, dup)
	}

	mustWrite(root, ca, v1.TypeUserSubscribe, v1.UserSubscribePayload{}, *timeout)

	mustWrite(root, cb, v1.TypeConversationRead, v1.ConversationReadPayload{MatchID: matchID}, *timeout)
	var read v1.ConversationReadAckPayload
	decode(cb.mustReadUntilType(root, v1.TypeConversationReadAck, *timeout, skip), &read)
	if read.Marked != 1 || read.UnreadCount != 0 {
		fatalf("conversation_read_ack mismatch: %+v", read)
	}

	mustUserEvent(root, ca, "conversation.read", *timeout)

	fmt.Printf("OK: A=%s B=%s match_id=%s seq=%d message_id=%s\n", ca.sessionID, cb.sessionID, matchID, ack.Seq, ack.MessageID)
}

func wsURLFrom(base string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("missing host")
	}
	u.Path += "/ws"
	return u.String(), nil
}

// mustLike submits from->to and returns the match id when a match is expected.
func mustLike(parent context.Context, base string, from user, to string, wantMatch bool, stepTimeout time.Duration) string {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"to_uid": to})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+"/v1/likes", bytes.NewReader(body))
	if err != nil {
		fatalf("like request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	from.authorize(req.Header)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("like %s->%s: %v", from.uid, to, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		fatalf("like %s->%s: status %d", from.uid, to, resp.StatusCode)
	}
	var out struct {
		Matched bool   `json:"matched"`
		MatchID string `json:"match_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fatalf("like %s->%s: decode: %v", from.uid, to, err)
	}
	if out.Matched != wantMatch || (wantMatch && out.MatchID == "") {
		fatalf("like %s->%s: matched=%v match_id=%q want matched=%v", from.uid, to, out.Matched, out.MatchID, wantMatch)
	}
	return out.MatchID
}

func mustConnect(parent context.Context, name, wsURL, origin string, u user, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	u.authorize(h)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, got, v1.Subprotocol)
	}
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	mustWrite(parent, c, v1.TypeHello, v1.HelloPayload{Client: "ws-smoke"}, stepTimeout)

	var p v1.HelloAckPayload
	decode(c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil), &p)
	if strings.TrimSpace(p.SessionID) == "" || p.UserID != u.uid {
		fatalf("hello_ack mismatch (%s): %+v", name, p)
	}
	c.sessionID = p.SessionID
	return c
}

func (c *smokeClient) startReadLoop() {
	fail := func(err error) {
		select {
		case c.errCh <- err:
		default:
		}
	}
	go func() {
		defer close(c.inbox)
		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				fail(err)
				return
			}
			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				fail(fmt.Errorf("bad envelope: %w", err))
				return
			}
			select {
			case c.inbox <- env:
			default:
				fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

// mustUserEvent reads user_event_batch frames until one carries typ.
func mustUserEvent(parent context.Context, c *smokeClient, typ string, stepTimeout time.Duration) {
	deadline := time.Now().Add(stepTimeout)
	skip := map[string]struct{}{v1.TypeMessageBatch: {}}
	for time.Now().Before(deadline) {
		var batch v1.UserEventBatchPayload
		decode(c.mustReadUntilType(parent, v1.TypeUserEventBatch, time.Until(deadline), skip), &batch)
		for _, ev := range batch.Events {
			if ev.Type == typ {
				return
			}
		}
	}
	fatalf("no %s event (%s)", typ, c.name)
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = env.Decode(&ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if _, ok := skipTypes[env.Type]; ok {
				continue
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWrite(parent context.Context, c *smokeClient, typ string, payload any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	env, err := v1.NewEnvelope(typ, fmt.Sprintf("%s-%s-%d", c.name, typ, time.Now().UnixNano()), time.Now().UTC(), payload)
	if err != nil {
		fatalf("envelope: %v", err)
	}
	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write %s (%s): %v", typ, c.name, err)
	}
}

func decode(env v1.Envelope, dst any) {
	if err := env.Decode(dst); err != nil {
		fatalf("%v", err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
