// Package gateway serves realtime protocol v1 over WebSocket.
//
// A connection authenticates once at upgrade. It may then hold live conversation
// subscriptions, a subscription to its own user topic, and send or mark-read messages.
// Delivery is at-least-once and ordered per subscription; a client resumes after a
// reconnect by subscribing with the last seq it has seen.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"tandem/cmd/identity"
	"tandem/cmd/identity/ids"
	"tandem/cmd/internal/chat"
	"tandem/cmd/internal/metrics"
	"tandem/cmd/internal/realtime"
	v1 "tandem/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// Conversations is the conversation API the gateway drives. *chat.Service implements it.
type Conversations interface {
	SendMessage(ctx context.Context, matchID, senderUID, content, clientMsgID string) (chat.SendResult, error)
	SubscribeMessages(ctx context.Context, matchID, viewerUID string, sinceSeq int64) (*realtime.Subscription, error)
	MarkConversationRead(ctx context.Context, matchID, viewerUID string) (int, error)
	GetUnreadCount(ctx context.Context, matchID, viewerUID string) (int, error)
}

// Config tunes origin policy, timeouts and limits. Zero fields take defaults.
type Config struct {
	AllowedOrigins []string
	OriginRequired bool
	// DevInsecure disables the library's own origin verification. Development only.
	DevInsecure bool

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultConfig requires an Origin and admits only local origins.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins: append([]string(nil), DefaultAllowedOrigins...),
		OriginRequired: true,
	}
}

func (c Config) withDefaults() Config {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = defaultReadIdle
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = defaultSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = defaultRateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = defaultRateWindow
	}
	return c
}

// Gateway is the WebSocket entrypoint. It implements http.Handler.
type Gateway struct {
	log     *slog.Logger
	auth    identity.Provider
	convs   Conversations
	hub     *realtime.Hub
	metrics *metrics.Metrics

	cfg      Config
	patterns []string
	now      func() time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(g *Gateway) {
		if log != nil {
			g.log = log
		}
	}
}

// WithMetrics records open connections.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(g *Gateway) { g.cfg = cfg }
}

// New constructs a Gateway. The hub serves user topics; conversation topics come from convs.
func New(auth identity.Provider, convs Conversations, hub *realtime.Hub, opts ...Option) (*Gateway, error) {
	if auth == nil {
		return nil, errors.New("gateway: identity provider is required")
	}
	if convs == nil || hub == nil {
		return nil, errors.New("gateway: conversations and hub are required")
	}
	g := &Gateway{
		log:   slog.Default(),
		auth:  auth,
		convs: convs,
		hub:   hub,
		cfg:   DefaultConfig(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	g.cfg = g.cfg.withDefaults()
	g.patterns = originPatterns(g.cfg.AllowedOrigins)
	return g, nil
}

// ServeHTTP upgrades the request and runs the session until either side closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	p, err := g.auth.Authenticate(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.patterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	sid, err := ids.NewULID(g.now())
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}

	g.metrics.WSConnected(1)
	defer g.metrics.WSConnected(-1)

	g.log.Info("ws.open", "session_id", sid, "user_id", p.UserID, "remote", r.RemoteAddr)
	g.run(r.Context(), conn, newSession(sid, p.UserID, g.cfg.SendQueueSize))
	g.log.Info("ws.close", "session_id", sid, "user_id", p.UserID)
}

func (g *Gateway) run(parent context.Context, conn *websocket.Conn, s *session) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			s.close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case env := <-s.out:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", s.id, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		g.heartbeat(ctx, conn, s, shutdown)
	}()

	budget := newEventBudget(g.cfg)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.sendError(s, "", v1.CodeBadJSON, "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", s.id, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !budget.admit(g.now()) {
			// Written directly so it is not lost behind the queue on close.
			if e, err := g.envelope(v1.TypeError, v1.ErrorPayload{Code: v1.CodeRateLimited, Message: "too many events", RequestID: env.ID}); err == nil {
				_ = writeEnvelope(ctx, conn, e, g.cfg.WriteTimeout)
			}
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.sendError(s, env.ID, v1.CodeBadEnvelope, err.Error())
			continue readLoop
		}
		if !v1.IsClientType(env.Type) {
			g.sendError(s, env.ID, v1.CodeUnsupported, "unsupported type: "+env.Type)
			continue readLoop
		}
		g.dispatch(ctx, s, env)
	}

	s.pumps.Wait()
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
}

func (g *Gateway) heartbeat(ctx context.Context, conn *websocket.Conn, s *session, shutdown func(websocket.StatusCode, string)) {
	t := time.NewTicker(g.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
			err := conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				g.log.Info("ws.ping.fail", "session_id", s.id, "failures", failures, "err", err)
				if failures >= maxPingFailures {
					shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}
