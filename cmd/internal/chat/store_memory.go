package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"tandem/cmd/internal/domain"
)

// InMemoryStore is a single-process Store for development and tests.
//
// Every conversation has its own mutex; appends and read marks of one conversation are
// serialized by it, different conversations never contend.
type InMemoryStore struct {
	mu    sync.RWMutex
	convs map[string]*memConv
}

type memConv struct {
	mu     sync.Mutex
	seq    int64
	msgs   []Message      // ordered by seq
	dedupe map[string]int // client_msg_id -> index in msgs
	unread map[string]int // sender_uid -> unread messages sent by them
	readTo map[string]int // viewer_uid -> every partner message before this index is read
}

// NewInMemoryStore constructs an in-memory Store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{convs: make(map[string]*memConv)}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) conv(matchID string, create bool) *memConv {
	s.mu.RLock()
	c := s.convs[matchID]
	s.mu.RUnlock()
	if c != nil || !create {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c = s.convs[matchID]; c == nil {
		c = &memConv{
			dedupe: make(map[string]int),
			unread: make(map[string]int),
			readTo: make(map[string]int),
		}
		s.convs[matchID] = c
	}
	return c
}

// AppendMessage persists a message with idempotency and monotonic sequence allocation.
func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendInput) (AppendResult, error) {
	if in.MatchID == "" || in.SenderUID == "" || in.MessageID == "" || in.Content == "" {
		return AppendResult{}, domain.Invalid("chat.AppendMessage", "missing field")
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	c := s.conv(in.MatchID, true)
	c.mu.Lock()
	defer c.mu.Unlock()

	if in.ClientMsgID != "" {
		if i, ok := c.dedupe[in.ClientMsgID]; ok {
			return AppendResult{Message: c.msgs[i], Duplicated: true}, nil
		}
	}

	c.seq++
	msg := Message{
		MatchID:     in.MatchID,
		Seq:         c.seq,
		MessageID:   in.MessageID,
		ClientMsgID: in.ClientMsgID,
		SenderUID:   in.SenderUID,
		Content:     in.Content,
		CreatedAt:   now,
	}
	if in.ClientMsgID != "" {
		c.dedupe[in.ClientMsgID] = len(c.msgs)
	}
	c.msgs = append(c.msgs, msg)
	c.unread[in.SenderUID]++

	return AppendResult{Message: msg}, nil
}

// FetchMessages returns messages ordered by seq ASC with paging via AfterSeq.
func (s *InMemoryStore) FetchMessages(ctx context.Context, in FetchInput) (FetchResult, error) {
	if in.MatchID == "" {
		return FetchResult{}, domain.Invalid("chat.FetchMessages", "missing match id")
	}
	if err := ctx.Err(); err != nil {
		return FetchResult{}, err
	}
	limit := clampLimit(in.Limit)

	c := s.conv(in.MatchID, false)
	if c == nil {
		return FetchResult{}, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	start := sort.Search(len(c.msgs), func(i int) bool { return c.msgs[i].Seq > in.AfterSeq })
	end := start + limit
	hasMore := end < len(c.msgs)
	if end > len(c.msgs) {
		end = len(c.msgs)
	}
	if start >= end {
		return FetchResult{}, nil
	}
	return FetchResult{
		Messages: append([]Message(nil), c.msgs[start:end]...),
		HasMore:  hasMore,
	}, nil
}

// MarkRead flips every unread partner message under the conversation lock, so no reader
// observes a partially applied mark.
func (s *InMemoryStore) MarkRead(ctx context.Context, in MarkReadInput) (int, error) {
	if in.MatchID == "" || in.ViewerUID == "" {
		return 0, domain.Invalid("chat.MarkRead", "missing field")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	c := s.conv(in.MatchID, false)
	if c == nil {
		return 0, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	marked := 0
	for i := c.readTo[in.ViewerUID]; i < len(c.msgs); i++ {
		m := &c.msgs[i]
		if m.SenderUID == in.ViewerUID || m.Read() {
			continue
		}
		m.ReadAt = now
		c.unread[m.SenderUID]--
		marked++
	}
	c.readTo[in.ViewerUID] = len(c.msgs)
	return marked, nil
}

// UnreadCount counts messages not sent by viewerUID that are still unread.
func (s *InMemoryStore) UnreadCount(ctx context.Context, matchID, viewerUID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c := s.conv(matchID, false)
	if c == nil {
		return 0, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for sender, cnt := range c.unread {
		if sender != viewerUID {
			n += cnt
		}
	}
	return n, nil
}

// LastMessage returns the highest-seq message of matchID.
func (s *InMemoryStore) LastMessage(ctx context.Context, matchID string) (Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, false, err
	}
	c := s.conv(matchID, false)
	if c == nil {
		return Message{}, false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.msgs) == 0 {
		return Message{}, false, nil
	}
	return c.msgs[len(c.msgs)-1], true, nil
}
