// Package likes implements the like ledger, the match resolver and the match store.
//
// A like is stored once per ordered pair. After every like the resolver checks the
// reverse direction and, when both exist, creates the pair's single Match through one
// atomic conditional write keyed by the canonical pair key.
package likes

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"tandem/cmd/internal/domain"
	"tandem/cmd/internal/metrics"
	"tandem/cmd/internal/realtime"
)

// Publisher delivers user-topic events. *realtime.Hub implements it.
type Publisher interface {
	Publish(topic, typ string, data any) realtime.Event
}

// LikeReceived is the payload of a like.received event.
type LikeReceived struct {
	FromUID   string    `json:"from_uid"`
	CreatedAt time.Time `json:"created_at"`
}

// MatchCreated is the payload of a match.created event.
type MatchCreated struct {
	MatchID    string    `json:"match_id"`
	PartnerUID string    `json:"partner_uid"`
	CreatedAt  time.Time `json:"created_at"`
}

// SubmitResult is the outcome of SubmitLike.
type SubmitResult struct {
	Liked   bool
	Created bool
	Matched bool
	MatchID string
}

// MatchView is a match seen from one participant.
type MatchView struct {
	MatchID    string
	PartnerUID string
	CreatedAt  time.Time
}

// Service is the like/match entrypoint.
type Service struct {
	store   Store
	pub     Publisher
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures the Service.
type Option func(*Service) error

// WithPublisher sets where like.received and match.created events go.
func WithPublisher(p Publisher) Option {
	return func(s *Service) error {
		s.pub = p
		return nil
	}
}

// WithLogger sets the service logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) error {
		if log == nil {
			return errors.New("likes: nil logger")
		}
		s.log = log
		return nil
	}
}

// WithMetrics records like and match outcomes.
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
			return errors.New("likes: nil clock")
		}
		s.now = now
		return nil
	}
}

// NewService constructs a Service with safe defaults.
func NewService(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("likes: nil store")
	}
	s := &Service{
		store: store,
		log:   slog.Default(),
		now:   func() time.Time { return time.Now().UTC() },
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

// SubmitLike records that from likes to and runs the resolver.
//
// Re-liking is not an error: Created is false and the resolver still runs, so a match
// left uncreated by an earlier failure is created on retry.
func (s *Service) SubmitLike(ctx context.Context, from, to string) (SubmitResult, error) {
	const op = "likes.SubmitLike"

	from, err := domain.NormalizeUserID(op, from)
	if err != nil {
		return SubmitResult{}, err
	}
	to, err = domain.NormalizeUserID(op, to)
	if err != nil {
		return SubmitResult{}, err
	}
	if from == to {
		return SubmitResult{}, domain.Invalid(op, "cannot like yourself")
	}

	put, err := s.store.PutLike(ctx, PutLikeInput{From: from, To: to, Now: s.now()})
	if err != nil {
		s.storeFailed(op, err)
		return SubmitResult{}, err
	}
	s.metrics.LikeSubmitted(put.Created)

	if put.Created {
		s.log.Info("like.created", "from_uid", from, "to_uid", to)
		if s.pub != nil {
			s.pub.Publish(realtime.UserTopic(to), realtime.EventLikeReceived, LikeReceived{
				FromUID:   from,
				CreatedAt: put.Like.CreatedAt,
			})
		}
	}

	res, err := s.TryCreateMatch(ctx, from, to)
	if err != nil {
		return SubmitResult{}, err
	}

	out := SubmitResult{Liked: true, Created: put.Created, Matched: res.Matched}
	if res.Matched {
		out.MatchID = res.Match.ID()
	}
	return out, nil
}

// TryCreateMatch creates the match for {a, b} iff both directed likes exist.
// Exactly one concurrent caller observes Created; the others see the same match.
func (s *Service) TryCreateMatch(ctx context.Context, a, b string) (CreateMatchResult, error) {
	const op = "likes.TryCreateMatch"

	a, err := domain.NormalizeUserID(op, a)
	if err != nil {
		return CreateMatchResult{}, err
	}
	b, err = domain.NormalizeUserID(op, b)
	if err != nil {
		return CreateMatchResult{}, err
	}
	if a == b {
		return CreateMatchResult{}, domain.Invalid(op, "pair needs two users")
	}

	low, high := domain.CanonicalPair(a, b)
	res, err := s.store.CreateMatchIfReciprocal(ctx, CreateMatchInput{Low: low, High: high, Now: s.now()})
	if err != nil {
		s.storeFailed(op, err)
		return CreateMatchResult{}, err
	}

	switch {
	case res.Created:
		s.metrics.MatchResolved("created")
		s.log.Info("match.created", "match_id", res.Match.ID())
		if s.pub != nil {
			for _, uid := range []string{res.Match.UserLow, res.Match.UserHigh} {
				s.pub.Publish(realtime.UserTopic(uid), realtime.EventMatchCreated, MatchCreated{
					MatchID:    res.Match.ID(),
					PartnerUID: res.Match.Partner(uid),
					CreatedAt:  res.Match.CreatedAt,
				})
			}
		}
	case res.Matched:
		s.metrics.MatchResolved("existing")
	default:
		s.metrics.MatchResolved("pending")
	}
	return res, nil
}

// HasLike reports whether from has liked to.
func (s *Service) HasLike(ctx context.Context, from, to string) (bool, error) {
	const op = "likes.HasLike"
	from, err := domain.NormalizeUserID(op, from)
	if err != nil {
		return false, err
	}
	if to, err = domain.NormalizeUserID(op, to); err != nil {
		return false, err
	}
	return s.store.HasLike(ctx, from, to)
}

// ListIncomingLikes returns the ids of users who liked uid, oldest first.
func (s *Service) ListIncomingLikes(ctx context.Context, uid string) ([]string, error) {
	const op = "likes.ListIncomingLikes"
	uid, err := domain.NormalizeUserID(op, uid)
	if err != nil {
		return nil, err
	}
	ls, err := s.store.ListLikesTo(ctx, uid)
	if err != nil {
		s.storeFailed(op, err)
		return nil, err
	}
	out := make([]string, 0, len(ls))
	for _, l := range ls {
		out = append(out, l.From)
	}
	return out, nil
}

// ListOutgoingLikes returns the ids of users uid has liked, oldest first.
func (s *Service) ListOutgoingLikes(ctx context.Context, uid string) ([]string, error) {
	const op = "likes.ListOutgoingLikes"
	uid, err := domain.NormalizeUserID(op, uid)
	if err != nil {
		return nil, err
	}
	ls, err := s.store.ListLikesFrom(ctx, uid)
	if err != nil {
		s.storeFailed(op, err)
		return nil, err
	}
	out := make([]string, 0, len(ls))
	for _, l := range ls {
		out = append(out, l.To)
	}
	return out, nil
}

// GetMatch returns a match by id. Malformed ids are ErrInvalidInput, unknown ones ErrNotFound.
func (s *Service) GetMatch(ctx context.Context, matchID string) (Match, error) {
	const op = "likes.GetMatch"
	low, high, err := domain.ParsePairKey(op, matchID)
	if err != nil {
		return Match{}, err
	}
	m, err := s.store.GetMatch(ctx, domain.PairKey(low, high))
	if err != nil && !domain.IsNotFound(err) {
		s.storeFailed(op, err)
	}
	return m, err
}

// MatchFor returns the match when uid participates in it, ErrForbidden otherwise.
func (s *Service) MatchFor(ctx context.Context, matchID, uid string) (Match, error) {
	m, err := s.GetMatch(ctx, matchID)
	if err != nil {
		return Match{}, err
	}
	if !m.Has(uid) {
		return Match{}, domain.Forbidden("likes.MatchFor", "not a participant")
	}
	return m, nil
}

// MatchesFor returns uid's matches, oldest first.
func (s *Service) MatchesFor(ctx context.Context, uid string) ([]Match, error) {
	const op = "likes.MatchesFor"
	uid, err := domain.NormalizeUserID(op, uid)
	if err != nil {
		return nil, err
	}
	ms, err := s.store.ListMatchesFor(ctx, uid)
	if err != nil {
		s.storeFailed(op, err)
		return nil, err
	}
	return ms, nil
}

// ListMatches returns uid's matches as seen from uid.
func (s *Service) ListMatches(ctx context.Context, uid string) ([]MatchView, error) {
	ms, err := s.MatchesFor(ctx, uid)
	if err != nil {
		return nil, err
	}
	uid, _ = domain.NormalizeUserID("", uid)
	out := make([]MatchView, 0, len(ms))
	for _, m := range ms {
		out = append(out, MatchView{MatchID: m.ID(), PartnerUID: m.Partner(uid), CreatedAt: m.CreatedAt})
	}
	return out, nil
}

func (s *Service) storeFailed(op string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	transient := domain.IsUnavailable(err)
	s.metrics.StoreError(op, transient)
	s.log.Warn("store.fail", "op", op, "transient", transient, "err", err)
}
