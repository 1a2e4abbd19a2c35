// Package v1 defines the tandem realtime protocol v1.
//
// It is shared between the server and clients and depends only on the standard library.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol a client must offer.
const Subprotocol = "tandem.realtime.v1"

// Client -> server.
const (
	TypeHello                   = "hello"
	TypeConversationSubscribe   = "conversation_subscribe"
	TypeConversationUnsubscribe = "conversation_unsubscribe"
	TypeMessageSend             = "message_send"
	TypeConversationRead        = "conversation_read"
	TypeUserSubscribe           = "user_subscribe"
)

// Server -> client.
const (
	TypeHelloAck               = "hello_ack"
	TypeConversationSubscribed = "conversation_subscribed"
	TypeMessageBatch           = "message_batch"
	TypeMessageAck             = "message_ack"
	TypeConversationReadAck    = "conversation_read_ack"
	TypeUserEventBatch         = "user_event_batch"
	TypeError                  = "error"
)

// Error codes carried by ErrorPayload.
const (
	CodeBadJSON       = "bad_json"
	CodeBadEnvelope   = "bad_envelope"
	CodeInvalidInput  = "invalid_input"
	CodeForbidden     = "forbidden"
	CodeNotFound      = "not_found"
	CodeUnavailable   = "unavailable"
	CodeInternal      = "internal"
	CodeRateLimited   = "rate_limited"
	CodeNotSubscribed = "not_subscribed"
	CodeUnsupported   = "unsupported"
)

// Envelope is the wire wrapper of every frame.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitzero"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate checks version and type. Payloads are validated by their handlers.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	if !IsClientType(e.Type) && !IsServerType(e.Type) {
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	return nil
}

// IsClientType reports whether t may be sent by a client.
func IsClientType(t string) bool {
	switch t {
	case TypeHello, TypeConversationSubscribe, TypeConversationUnsubscribe,
		TypeMessageSend, TypeConversationRead, TypeUserSubscribe:
		return true
	}
	return false
}

// IsServerType reports whether t is only sent by the server.
func IsServerType(t string) bool {
	switch t {
	case TypeHelloAck, TypeConversationSubscribed, TypeMessageBatch, TypeMessageAck,
		TypeConversationReadAck, TypeUserEventBatch, TypeError:
		return true
	}
	return false
}

// NewEnvelope marshals payload into an envelope of type typ.
func NewEnvelope(typ, id string, ts time.Time, payload any) (Envelope, error) {
	env := Envelope{V: Version, Type: typ, ID: id, TS: ts}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("v1: marshal %s: %w", typ, err)
		}
		env.Payload = b
	}
	return env, nil
}

// Decode unmarshals the payload into dst. An absent payload decodes as the zero value.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("invalid %s payload: %w", e.Type, err)
	}
	return nil
}

// HelloPayload opens a session.
type HelloPayload struct {
	Client string `json:"client,omitempty"`
}

// HelloAckPayload confirms the session and the authenticated user.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// ConversationSubscribePayload starts live delivery of messages with seq > SinceSeq.
// With AutoRead, every delivered batch holding partner messages marks the conversation read.
type ConversationSubscribePayload struct {
	MatchID  string `json:"match_id"`
	SinceSeq int64  `json:"since_seq"`
	AutoRead bool   `json:"auto_read,omitempty"`
}

// ConversationUnsubscribePayload stops a conversation subscription.
type ConversationUnsubscribePayload struct {
	MatchID string `json:"match_id"`
}

// ConversationSubscribedPayload acknowledges subscribe and unsubscribe.
type ConversationSubscribedPayload struct {
	MatchID  string `json:"match_id"`
	SinceSeq int64  `json:"since_seq"`
	Active   bool   `json:"active"`
}

// MessageSendPayload appends a message. ClientMsgID makes retries idempotent.
type MessageSendPayload struct {
	MatchID     string `json:"match_id"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
	Text        string `json:"text"`
}

// Message is one conversation entry on the wire.
type Message struct {
	MatchID     string     `json:"match_id"`
	Seq         int64      `json:"seq"`
	MessageID   string     `json:"message_id"`
	ClientMsgID string     `json:"client_msg_id,omitempty"`
	SenderUID   string     `json:"sender_uid"`
	Text        string     `json:"text"`
	CreatedAt   time.Time  `json:"created_at"`
	Read        bool       `json:"read"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}

// MessageAckPayload answers message_send.
type MessageAckPayload struct {
	MatchID     string `json:"match_id"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
	MessageID   string `json:"message_id"`
	Seq         int64  `json:"seq"`
	Duplicated  bool   `json:"duplicated"`
}

// MessageBatchPayload carries consecutive messages in seq order.
type MessageBatchPayload struct {
	MatchID  string    `json:"match_id"`
	Messages []Message `json:"messages"`
}

// ConversationReadPayload marks every partner message of a conversation read.
type ConversationReadPayload struct {
	MatchID string `json:"match_id"`
}

// ConversationReadAckPayload reports what a mark-read changed.
type ConversationReadAckPayload struct {
	MatchID     string `json:"match_id"`
	Marked      int    `json:"marked"`
	UnreadCount int    `json:"unread_count"`
}

// UserSubscribePayload starts delivery of the caller's private events with seq > SinceSeq.
type UserSubscribePayload struct {
	SinceSeq int64 `json:"since_seq"`
}

// UserEvent is one entry of a user topic.
type UserEvent struct {
	Seq  int64           `json:"seq"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UserEventBatchPayload carries user events in seq order. Reset means events were
// dropped between the requested cursor and the first event.
type UserEventBatchPayload struct {
	Events []UserEvent `json:"events"`
	Reset  bool        `json:"reset,omitempty"`
}

// ErrorPayload reports a failed request. RequestID echoes the envelope id it answers.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}
