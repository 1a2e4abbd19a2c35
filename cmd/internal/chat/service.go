// Package chat implements the per-match conversation log and its read tracking.
//
// Every match has exactly one conversation. Messages get a per-match seq from a
// serializing authority in the Store; subscribers follow the log through the realtime
// hub, pulling from their last seen seq.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"tandem/cmd/identity/ids"
	"tandem/cmd/internal/domain"
	"tandem/cmd/internal/likes"
	"tandem/cmd/internal/metrics"
	"tandem/cmd/internal/profile"
	"tandem/cmd/internal/realtime"

	"golang.org/x/sync/errgroup"
)

const (
	maxClientMsgIDLen  = 128
	defaultListFanout  = 8
	listMessagesPageSz = maxFetchLimit
)

// Matches authorizes conversation access. *likes.Service implements it.
type Matches interface {
	MatchFor(ctx context.Context, matchID, uid string) (likes.Match, error)
	MatchesFor(ctx context.Context, uid string) ([]likes.Match, error)
}

// ConversationRead is the payload of a conversation.read event, sent to the partner
// whose messages were read.
type ConversationRead struct {
	MatchID   string    `json:"match_id"`
	ReaderUID string    `json:"reader_uid"`
	Marked    int       `json:"marked"`
	ReadAt    time.Time `json:"read_at"`
}

// SendResult is the outcome of SendMessage.
type SendResult struct {
	Message    Message
	Duplicated bool
}

// Conversation is one row of a user's inbox.
type Conversation struct {
	MatchID         string
	PartnerUID      string
	PartnerNickname string
	MatchedAt       time.Time
	LastMessage     string
	LastMessageAt   time.Time
	LastSeq         int64
	UnreadCount     int
}

// Service is the conversation entrypoint.
type Service struct {
	store    Store
	matches  Matches
	hub      *realtime.Hub
	profiles profile.Lookup
	log      *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	fanout   int
}

// Option configures the Service.
type Option func(*Service) error

// WithHub wakes conversation subscribers on append and publishes read events.
func WithHub(h *realtime.Hub) Option {
	return func(s *Service) error {
		s.hub = h
		return nil
	}
}

// WithProfiles sets where partner nicknames come from.
func WithProfiles(p profile.Lookup) Option {
	return func(s *Service) error {
		if p == nil {
			return errors.New("chat: nil profile lookup")
		}
		s.profiles = p
		return nil
	}
}

// WithLogger sets the service logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) error {
		if log == nil {
			return errors.New("chat: nil logger")
		}
		s.log = log
		return nil
	}
}

// WithMetrics records appends and read marks.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) error {
		s.metrics = m
		return nil
	}
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) error {
		if now == nil {
			return errors.New("chat: nil clock")
		}
		s.now = now
		return nil
	}
}

// WithListFanout bounds concurrent per-conversation lookups in ListConversations.
func WithListFanout(n int) Option {
	return func(s *Service) error {
		if n <= 0 {
			return errors.New("chat: fanout must be positive")
		}
		s.fanout = n
		return nil
	}
}

// NewService constructs a Service with safe defaults.
func NewService(store Store, matches Matches, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("chat: nil store")
	}
	if matches == nil {
		return nil, errors.New("chat: nil matches")
	}
	s := &Service{
		store:    store,
		matches:  matches,
		profiles: profile.Nop{},
		log:      slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		fanout:   defaultListFanout,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// authorize resolves matchID and checks that uid takes part in it.
func (s *Service) authorize(ctx context.Context, op, matchID, uid string) (likes.Match, string, error) {
	uid, err := domain.NormalizeUserID(op, uid)
	if err != nil {
		return likes.Match{}, "", err
	}
	m, err := s.matches.MatchFor(ctx, strings.TrimSpace(matchID), uid)
	if err != nil {
		return likes.Match{}, "", err
	}
	return m, uid, nil
}

// SendMessage appends content to the match's conversation.
//
// With a clientMsgID the append is idempotent: a retry returns the original message with
// Duplicated set and does not wake subscribers again.
func (s *Service) SendMessage(ctx context.Context, matchID, senderUID, content, clientMsgID string) (SendResult, error) {
	const op = "chat.SendMessage"

	m, sender, err := s.authorize(ctx, op, matchID, senderUID)
	if err != nil {
		return SendResult{}, err
	}
	content, err = domain.NormalizeContent(op, content)
	if err != nil {
		return SendResult{}, err
	}
	clientMsgID = strings.TrimSpace(clientMsgID)
	if len(clientMsgID) > maxClientMsgIDLen {
		return SendResult{}, domain.Invalid(op, "client_msg_id too long")
	}

	now := s.now()
	msgID, err := ids.NewULID(now)
	if err != nil {
		return SendResult{}, err
	}

	res, err := s.store.AppendMessage(ctx, AppendInput{
		MatchID:     m.ID(),
		MessageID:   msgID,
		ClientMsgID: clientMsgID,
		SenderUID:   sender,
		Content:     content,
		Now:         now,
	})
	if err != nil {
		s.storeFailed(op, err)
		return SendResult{}, err
	}
	s.metrics.MessageAppended(res.Duplicated)

	if !res.Duplicated {
		s.log.Info("message.appended",
			"match_id", m.ID(),
			"seq", res.Message.Seq,
			"message_id", res.Message.MessageID,
		)
		if s.hub != nil {
			s.hub.Notify(realtime.ConversationTopic(m.ID()))
		}
	}
	return SendResult{Message: res.Message, Duplicated: res.Duplicated}, nil
}

// FetchMessages returns one page of messages with seq > afterSeq.
func (s *Service) FetchMessages(ctx context.Context, matchID, viewerUID string, afterSeq int64, limit int) (FetchResult, error) {
	const op = "chat.FetchMessages"

	m, _, err := s.authorize(ctx, op, matchID, viewerUID)
	if err != nil {
		return FetchResult{}, err
	}
	if afterSeq < 0 {
		return FetchResult{}, domain.Invalid(op, "after_seq must not be negative")
	}
	res, err := s.store.FetchMessages(ctx, FetchInput{MatchID: m.ID(), AfterSeq: afterSeq, Limit: limit})
	if err != nil {
		s.storeFailed(op, err)
	}
	return res, err
}

// ListMessages returns the whole conversation in seq order.
func (s *Service) ListMessages(ctx context.Context, matchID, viewerUID string) ([]Message, error) {
	const op = "chat.ListMessages"

	m, _, err := s.authorize(ctx, op, matchID, viewerUID)
	if err != nil {
		return nil, err
	}

	var (
		out   []Message
		after int64
	)
	for {
		page, err := s.store.FetchMessages(ctx, FetchInput{MatchID: m.ID(), AfterSeq: after, Limit: listMessagesPageSz})
		if err != nil {
			s.storeFailed(op, err)
			return nil, err
		}
		out = append(out, page.Messages...)
		if !page.HasMore || len(page.Messages) == 0 {
			return out, nil
		}
		after = page.Messages[len(page.Messages)-1].Seq
	}
}

// SubscribeMessages streams messages with seq > sinceSeq, then every new one, in seq
// order. Batch events carry a Message as Data. Cancel the subscription (or ctx) to stop.
func (s *Service) SubscribeMessages(ctx context.Context, matchID, viewerUID string, sinceSeq int64) (*realtime.Subscription, error) {
	const op = "chat.SubscribeMessages"

	if s.hub == nil {
		return nil, errors.New("chat: no realtime hub configured")
	}
	m, _, err := s.authorize(ctx, op, matchID, viewerUID)
	if err != nil {
		return nil, err
	}
	if sinceSeq < 0 {
		return nil, domain.Invalid(op, "since_seq must not be negative")
	}
	return s.hub.Subscribe(ctx, realtime.ConversationTopic(m.ID()), sinceSeq, s), nil
}

// EventsAfter makes the conversation log the Source of conversation topics.
func (s *Service) EventsAfter(ctx context.Context, topic string, afterSeq int64, limit int) (realtime.Page, error) {
	matchID, ok := realtime.MatchIDFromTopic(topic)
	if !ok {
		return realtime.Page{}, domain.Invalid("chat.EventsAfter", "not a conversation topic")
	}
	res, err := s.store.FetchMessages(ctx, FetchInput{MatchID: matchID, AfterSeq: afterSeq, Limit: limit})
	if err != nil {
		return realtime.Page{}, err
	}
	evs := make([]realtime.Event, 0, len(res.Messages))
	for _, msg := range res.Messages {
		evs = append(evs, realtime.Event{
			Topic: topic,
			Seq:   msg.Seq,
			Type:  realtime.EventMessage,
			Data:  msg,
			At:    msg.CreatedAt,
		})
	}
	return realtime.Page{Events: evs}, nil
}

// MarkConversationRead marks every partner message as read for viewerUID.
// It is idempotent; concurrent calls for the same viewer are safe.
func (s *Service) MarkConversationRead(ctx context.Context, matchID, viewerUID string) (int, error) {
	const op = "chat.MarkConversationRead"

	m, viewer, err := s.authorize(ctx, op, matchID, viewerUID)
	if err != nil {
		return 0, err
	}
	now := s.now()
	marked, err := s.store.MarkRead(ctx, MarkReadInput{MatchID: m.ID(), ViewerUID: viewer, Now: now})
	if err != nil {
		s.storeFailed(op, err)
		return marked, err
	}
	if marked == 0 {
		return 0, nil
	}

	s.metrics.MessagesRead(marked)
	s.log.Debug("conversation.read", "match_id", m.ID(), "marked", marked)
	if s.hub != nil {
		s.hub.Publish(realtime.UserTopic(m.Partner(viewer)), realtime.EventConversationRead, ConversationRead{
			MatchID:   m.ID(),
			ReaderUID: viewer,
			Marked:    marked,
			ReadAt:    now,
		})
	}
	return marked, nil
}

// GetUnreadCount returns how many partner messages viewerUID has not read.
func (s *Service) GetUnreadCount(ctx context.Context, matchID, viewerUID string) (int, error) {
	const op = "chat.GetUnreadCount"

	m, viewer, err := s.authorize(ctx, op, matchID, viewerUID)
	if err != nil {
		return 0, err
	}
	n, err := s.store.UnreadCount(ctx, m.ID(), viewer)
	if err != nil {
		s.storeFailed(op, err)
	}
	return n, err
}

// ListConversations returns uid's inbox: newest activity first, conversations without
// messages last.
func (s *Service) ListConversations(ctx context.Context, uid string) ([]Conversation, error) {
	const op = "chat.ListConversations"

	uid, err := domain.NormalizeUserID(op, uid)
	if err != nil {
		return nil, err
	}
	ms, err := s.matches.MatchesFor(ctx, uid)
	if err != nil {
		return nil, err
	}

	out := make([]Conversation, len(ms))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.fanout)
	for i, m := range ms {
		g.Go(func() error {
			c, err := s.conversation(gctx, m, uid)
			if err != nil {
				return err
			}
			out[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.storeFailed(op, err)
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool { return inboxLess(out[i], out[j]) })
	return out, nil
}

func (s *Service) conversation(ctx context.Context, m likes.Match, uid string) (Conversation, error) {
	c := Conversation{
		MatchID:    m.ID(),
		PartnerUID: m.Partner(uid),
		MatchedAt:  m.CreatedAt,
	}

	last, ok, err := s.store.LastMessage(ctx, m.ID())
	if err != nil {
		return Conversation{}, err
	}
	if ok {
		c.LastMessage = last.Content
		c.LastMessageAt = last.CreatedAt
		c.LastSeq = last.Seq
	}

	if c.UnreadCount, err = s.store.UnreadCount(ctx, m.ID(), uid); err != nil {
		return Conversation{}, err
	}

	// A profile outage degrades to an unlabelled row.
	p, found, err := s.profiles.Get(ctx, c.PartnerUID)
	switch {
	case err != nil:
		s.log.Warn("profile.lookup.fail", "uid", c.PartnerUID, "err", err)
	case found:
		c.PartnerNickname = p.Nickname
	}
	return c, nil
}

func inboxLess(a, b Conversation) bool {
	aHas, bHas := a.LastSeq > 0, b.LastSeq > 0
	if aHas != bHas {
		return aHas
	}
	if !a.LastMessageAt.Equal(b.LastMessageAt) {
		return a.LastMessageAt.After(b.LastMessageAt)
	}
	if !a.MatchedAt.Equal(b.MatchedAt) {
		return a.MatchedAt.After(b.MatchedAt)
	}
	return a.MatchID < b.MatchID
}

func (s *Service) storeFailed(op string, err error) {
	if errors.Is(err, context.Canceled) || domain.IsInvalidInput(err) || domain.IsNotFound(err) || domain.IsForbidden(err) {
		return
	}
	transient := domain.IsUnavailable(err)
	s.metrics.StoreError(op, transient)
	s.log.Warn("store.fail", "op", op, "transient", transient, "err", err)
}
