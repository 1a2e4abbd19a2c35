package likes

import (
	"context"
	"sort"
	"sync"
	"time"

	"tandem/cmd/internal/domain"
)

// InMemoryStore is the dev/test Store.
//
// Likes live in a map under one RWMutex (likes are never removed, so once both
// directions are observed they stay). Match creation goes through sync.Map.LoadOrStore,
// which is the single atomic decision point per pair key.
type InMemoryStore struct {
	mu     sync.RWMutex
	likes  map[likeKey]Like
	byFrom map[string][]Like
	byTo   map[string][]Like

	matches sync.Map // pair key -> Match

	idxMu  sync.Mutex
	byUser map[string][]string // uid -> pair keys in creation order
}

type likeKey struct{ from, to string }

// NewInMemoryStore constructs an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		likes:  make(map[likeKey]Like),
		byFrom: make(map[string][]Like),
		byTo:   make(map[string][]Like),
		byUser: make(map[string][]string),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// PutLike inserts the like if absent.
func (s *InMemoryStore) PutLike(ctx context.Context, in PutLikeInput) (PutLikeResult, error) {
	if err := ctx.Err(); err != nil {
		return PutLikeResult{}, err
	}
	if in.From == "" || in.To == "" || in.From == in.To {
		return PutLikeResult{}, domain.Invalid("likes.PutLike", "invalid pair")
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	k := likeKey{from: in.From, to: in.To}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.likes[k]; ok {
		return PutLikeResult{Like: existing, Created: false}, nil
	}
	l := Like{From: in.From, To: in.To, CreatedAt: now}
	s.likes[k] = l
	s.byFrom[in.From] = append(s.byFrom[in.From], l)
	s.byTo[in.To] = append(s.byTo[in.To], l)
	return PutLikeResult{Like: l, Created: true}, nil
}

// HasLike reports whether from has liked to.
func (s *InMemoryStore) HasLike(ctx context.Context, from, to string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	_, ok := s.likes[likeKey{from: from, to: to}]
	s.mu.RUnlock()
	return ok, nil
}

// ListLikesFrom returns likes sent by uid, oldest first.
func (s *InMemoryStore) ListLikesFrom(ctx context.Context, uid string) ([]Like, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Like(nil), s.byFrom[uid]...), nil
}

// ListLikesTo returns likes received by uid, oldest first.
func (s *InMemoryStore) ListLikesTo(ctx context.Context, uid string) ([]Like, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Like(nil), s.byTo[uid]...), nil
}

// CreateMatchIfReciprocal creates the match for {Low, High} iff both likes exist and
// no match exists yet.
func (s *InMemoryStore) CreateMatchIfReciprocal(ctx context.Context, in CreateMatchInput) (CreateMatchResult, error) {
	if err := ctx.Err(); err != nil {
		return CreateMatchResult{}, err
	}
	if in.Low == "" || in.High == "" || in.Low >= in.High {
		return CreateMatchResult{}, domain.Invalid("likes.CreateMatchIfReciprocal", "pair is not canonical")
	}

	key := domain.PairKey(in.Low, in.High)
	if existing, ok := s.matches.Load(key); ok {
		return CreateMatchResult{Match: existing.(Match), Matched: true}, nil
	}

	s.mu.RLock()
	_, lh := s.likes[likeKey{from: in.Low, to: in.High}]
	_, hl := s.likes[likeKey{from: in.High, to: in.Low}]
	s.mu.RUnlock()
	if !lh || !hl {
		return CreateMatchResult{}, nil
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	candidate := Match{PairKey: key, UserLow: in.Low, UserHigh: in.High, CreatedAt: now}

	actual, loaded := s.matches.LoadOrStore(key, candidate)
	if loaded {
		return CreateMatchResult{Match: actual.(Match), Matched: true}, nil
	}

	s.idxMu.Lock()
	s.byUser[in.Low] = append(s.byUser[in.Low], key)
	s.byUser[in.High] = append(s.byUser[in.High], key)
	s.idxMu.Unlock()

	return CreateMatchResult{Match: candidate, Matched: true, Created: true}, nil
}

// GetMatch returns the match for pairKey.
func (s *InMemoryStore) GetMatch(ctx context.Context, pairKey string) (Match, error) {
	if err := ctx.Err(); err != nil {
		return Match{}, err
	}
	v, ok := s.matches.Load(pairKey)
	if !ok {
		return Match{}, domain.NotFound("likes.GetMatch", "match")
	}
	return v.(Match), nil
}

// ListMatchesFor returns uid's matches, oldest first.
func (s *InMemoryStore) ListMatchesFor(ctx context.Context, uid string) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.idxMu.Lock()
	keys := append([]string(nil), s.byUser[uid]...)
	s.idxMu.Unlock()

	out := make([]Match, 0, len(keys))
	for _, k := range keys {
		if v, ok := s.matches.Load(k); ok {
			out = append(out, v.(Match))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
