package likes

import (
	"context"
	"time"
)

// Like is a directed expression of interest. At most one exists per ordered pair.
type Like struct {
	From      string
	To        string
	CreatedAt time.Time
}

// Match is the durable record of reciprocal interest between two users.
// PairKey doubles as the match id and the conversation id.
type Match struct {
	PairKey   string
	UserLow   string
	UserHigh  string
	CreatedAt time.Time
}

// ID returns the match id.
func (m Match) ID() string { return m.PairKey }

// Has reports whether uid participates in the match.
func (m Match) Has(uid string) bool { return uid == m.UserLow || uid == m.UserHigh }

// Partner returns the other participant, or "" when uid is not one.
func (m Match) Partner(uid string) string {
	switch uid {
	case m.UserLow:
		return m.UserHigh
	case m.UserHigh:
		return m.UserLow
	default:
		return ""
	}
}

// Store persists likes and matches.
//
// Requirements:
//   - PutLike is insert-if-absent per (from, to).
//   - CreateMatchIfReciprocal checks both directed likes and creates the match as one
//     atomic conditional write keyed by pair key; at most one caller ever sees Created.
//   - Matches are immutable once written.
type Store interface {
	PutLike(ctx context.Context, in PutLikeInput) (PutLikeResult, error)
	HasLike(ctx context.Context, from, to string) (bool, error)
	ListLikesFrom(ctx context.Context, uid string) ([]Like, error)
	ListLikesTo(ctx context.Context, uid string) ([]Like, error)

	CreateMatchIfReciprocal(ctx context.Context, in CreateMatchInput) (CreateMatchResult, error)
	GetMatch(ctx context.Context, pairKey string) (Match, error)
	ListMatchesFor(ctx context.Context, uid string) ([]Match, error)

	Close() error
}

// PutLikeInput describes a like write. From and To are validated ids, From != To.
type PutLikeInput struct {
	From string
	To   string
	Now  time.Time
}

// PutLikeResult reports the stored like and whether this call created it.
type PutLikeResult struct {
	Like    Like
	Created bool
}

// CreateMatchInput describes a resolver attempt on a canonical pair (Low < High).
type CreateMatchInput struct {
	Low  string
	High string
	Now  time.Time
}

// CreateMatchResult is the resolver outcome.
//
//	Matched=false              the likes are not reciprocal (yet)
//	Matched=true, Created=true this call created the match
//	Matched=true, Created=false the match already existed (including losing a race)
type CreateMatchResult struct {
	Match   Match
	Matched bool
	Created bool
}
