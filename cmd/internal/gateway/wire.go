package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"tandem/cmd/identity/ids"
	"tandem/cmd/internal/chat"
	"tandem/cmd/internal/domain"
	"tandem/cmd/internal/realtime"
	v1 "tandem/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

var errSessionClosed = errors.New("gateway: session closed")

func (g *Gateway) envelope(typ string, payload any) (v1.Envelope, error) {
	now := g.now()
	id, err := ids.NewULID(now)
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.NewEnvelope(typ, id, now, payload)
}

// send queues a server envelope. It fails only when the session is gone.
func (g *Gateway) send(s *session, typ string, payload any) error {
	env, err := g.envelope(typ, payload)
	if err != nil {
		g.log.Error("ws.encode.fail", "session_id", s.id, "type", typ, "err", err)
		return err
	}
	if !s.enqueue(env) {
		return errSessionClosed
	}
	return nil
}

func (g *Gateway) sendError(s *session, requestID, code, msg string) {
	_ = g.send(s, v1.TypeError, v1.ErrorPayload{Code: code, Message: msg, RequestID: requestID})
}

// replyError maps a service error onto the wire. Internal causes are only logged.
func (g *Gateway) replyError(s *session, req v1.Envelope, err error) {
	if errors.Is(err, errSessionClosed) {
		return
	}
	code, msg := domain.Describe(err)
	if code == domain.CodeInternal || code == domain.CodeUnavailable {
		g.log.Error("ws.request.fail", "session_id", s.id, "type", req.Type, "err", err)
	}
	g.sendError(s, req.ID, code, msg)
}

func wireMessage(m chat.Message) v1.Message {
	out := v1.Message{
		MatchID:     m.MatchID,
		Seq:         m.Seq,
		MessageID:   m.MessageID,
		ClientMsgID: m.ClientMsgID,
		SenderUID:   m.SenderUID,
		Text:        m.Content,
		CreatedAt:   m.CreatedAt,
		Read:        m.Read(),
	}
	if m.Read() {
		at := m.ReadAt
		out.ReadAt = &at
	}
	return out
}

func wireUserEvent(ev realtime.Event) (v1.UserEvent, error) {
	out := v1.UserEvent{Seq: ev.Seq, Type: ev.Type, At: ev.At}
	if ev.Data != nil {
		b, err := json.Marshal(ev.Data)
		if err != nil {
			return v1.UserEvent{}, err
		}
		out.Data = b
	}
	return out, nil
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, badJSONError{err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

type badJSONError struct{ err error }

func (e badJSONError) Error() string { return "bad json: " + e.err.Error() }
func (e badJSONError) Unwrap() error { return e.err }

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	var bj badJSONError
	switch {
	case errors.As(err, &bj):
		return readErrBadJSON
	case websocket.CloseStatus(err) != -1:
		return readErrClose
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return readErrCtxDone
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return readErrConnClosed
	default:
		return readErrUnknown
	}
}
