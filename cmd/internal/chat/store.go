package chat

import (
	"context"
	"time"
)

// Message is the canonical persisted message representation.
type Message struct {
	MatchID     string
	Seq         int64
	MessageID   string
	ClientMsgID string
	SenderUID   string
	Content     string
	CreatedAt   time.Time
	ReadAt      time.Time
}

// Read reports whether the recipient has read m. It never goes back to false.
func (m Message) Read() bool { return !m.ReadAt.IsZero() }

// Store persists conversation logs and their read state.
//
// Requirements:
//   - Seq strictly increasing per match (never reused, never tied)
//   - Idempotency per (match_id, client_msg_id) when a client id is given
//   - Read state only moves from unread to read
//
// Stores do not check match existence or membership; the Service does.
type Store interface {
	AppendMessage(ctx context.Context, in AppendInput) (AppendResult, error)
	FetchMessages(ctx context.Context, in FetchInput) (FetchResult, error)
	MarkRead(ctx context.Context, in MarkReadInput) (int, error)
	UnreadCount(ctx context.Context, matchID, viewerUID string) (int, error)
	LastMessage(ctx context.Context, matchID string) (Message, bool, error)
	Close() error
}

// AppendInput describes a message append request.
// MessageID is minted by the caller; a duplicate append keeps the original one.
type AppendInput struct {
	MatchID     string
	MessageID   string
	ClientMsgID string
	SenderUID   string
	Content     string
	Now         time.Time
}

// AppendResult is the append operation result.
type AppendResult struct {
	Message    Message
	Duplicated bool
}

// FetchInput describes a page query: messages with seq > AfterSeq, ascending.
type FetchInput struct {
	MatchID  string
	AfterSeq int64
	Limit    int
}

// FetchResult contains the retrieved window.
type FetchResult struct {
	Messages []Message
	HasMore  bool
}

// MarkReadInput marks every message of MatchID not sent by ViewerUID as read.
type MarkReadInput struct {
	MatchID   string
	ViewerUID string
	Now       time.Time
}

const (
	defaultFetchLimit = 50
	maxFetchLimit     = 200
)

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return defaultFetchLimit
	case n > maxFetchLimit:
		return maxFetchLimit
	default:
		return n
	}
}
