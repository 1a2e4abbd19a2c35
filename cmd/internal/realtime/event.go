package realtime

import (
	"context"
	"strings"
	"time"
)

// Topic prefixes.
const (
	conversationTopicPrefix = "conv:"
	userTopicPrefix         = "user:"
)

// User topic event types.
const (
	EventLikeReceived     = "like.received"
	EventMatchCreated     = "match.created"
	EventConversationRead = "conversation.read"
	EventMessage          = "message"
)

// ConversationTopic is the topic key of a match's conversation.
func ConversationTopic(matchID string) string { return conversationTopicPrefix + matchID }

// UserTopic is the topic key of a user's private event stream.
func UserTopic(uid string) string { return userTopicPrefix + uid }

// topicKind returns "conv", "user" or "other" for metrics labels.
func topicKind(key string) string {
	switch {
	case strings.HasPrefix(key, conversationTopicPrefix):
		return "conv"
	case strings.HasPrefix(key, userTopicPrefix):
		return "user"
	default:
		return "other"
	}
}

// Event is one ordered entry of a topic.
// Seq is strictly increasing within a topic; Data is the typed payload.
type Event struct {
	Topic string
	Seq   int64
	Type  string
	Data  any
	At    time.Time
}

// Page is one read from a Source.
// Reset is set when the requested cursor is older than what the source still retains,
// or newer than anything it holds (a cursor from before a restart); Events then starts at
// the oldest retained entry and may be empty.
type Page struct {
	Events []Event
	Reset  bool
}

// Source is the ordered log behind a topic.
type Source interface {
	EventsAfter(ctx context.Context, topic string, afterSeq int64, limit int) (Page, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, topic string, afterSeq int64, limit int) (Page, error)

// EventsAfter calls f.
func (f SourceFunc) EventsAfter(ctx context.Context, topic string, afterSeq int64, limit int) (Page, error) {
	return f(ctx, topic, afterSeq, limit)
}

// Batch is what a subscriber receives: consecutive events in seq order.
type Batch struct {
	Topic  string
	Events []Event
	Reset  bool
}

// LastSeq returns the seq of the final event, or 0 for an empty batch.
func (b Batch) LastSeq() int64 {
	if len(b.Events) == 0 {
		return 0
	}
	return b.Events[len(b.Events)-1].Seq
}

// MatchIDFromTopic returns the match id of a conversation topic.
func MatchIDFromTopic(key string) (string, bool) {
	id, ok := strings.CutPrefix(key, conversationTopicPrefix)
	return id, ok && id != ""
}
