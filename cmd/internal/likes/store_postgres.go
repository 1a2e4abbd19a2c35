package likes

import (
	"context"
	"errors"
	"time"

	"tandem/cmd/internal/domain"
	"tandem/cmd/internal/storage"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - likes: INSERT ... ON CONFLICT DO NOTHING on the (from_uid, to_uid) primary key.
//   - matches: one INSERT ... SELECT guarded by both EXISTS checks and ON CONFLICT on
//     pair_key. The primary key is the arbiter between racing resolvers.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "tandem").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		v, err := storage.CheckSchema(schema)
		if err != nil {
			return err
		}
		s.schema = v
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: storage.DefaultSchema}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("likes: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// PutLike inserts the like if absent and returns the stored row.
func (s *PostgresStore) PutLike(ctx context.Context, in PutLikeInput) (PutLikeResult, error) {
	const op = "likes.PutLike"
	if in.From == "" || in.To == "" || in.From == in.To {
		return PutLikeResult{}, domain.Invalid(op, "invalid pair")
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	likes := storage.Ident(s.schema, "likes")

	var l Like
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+likes+` (from_uid, to_uid, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (from_uid, to_uid) DO NOTHING
		 RETURNING from_uid, to_uid, created_at`,
		in.From, in.To, now,
	).Scan(&l.From, &l.To, &l.CreatedAt)
	if err == nil {
		return PutLikeResult{Like: l, Created: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return PutLikeResult{}, storage.Classify(op, err)
	}

	// Conflict: the like already exists and is immutable.
	if err := s.pool.QueryRow(ctx,
		`SELECT from_uid, to_uid, created_at FROM `+likes+` WHERE from_uid = $1 AND to_uid = $2`,
		in.From, in.To,
	).Scan(&l.From, &l.To, &l.CreatedAt); err != nil {
		return PutLikeResult{}, storage.Classify(op, err)
	}
	return PutLikeResult{Like: l, Created: false}, nil
}

// HasLike reports whether from has liked to.
func (s *PostgresStore) HasLike(ctx context.Context, from, to string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+storage.Ident(s.schema, "likes")+` WHERE from_uid = $1 AND to_uid = $2)`,
		from, to,
	).Scan(&ok)
	if err != nil {
		return false, storage.Classify("likes.HasLike", err)
	}
	return ok, nil
}

// ListLikesFrom returns likes sent by uid, oldest first.
func (s *PostgresStore) ListLikesFrom(ctx context.Context, uid string) ([]Like, error) {
	return s.listLikes(ctx, "likes.ListLikesFrom",
		`SELECT from_uid, to_uid, created_at FROM `+storage.Ident(s.schema, "likes")+`
		  WHERE from_uid = $1 ORDER BY created_at ASC, to_uid ASC`, uid)
}

// ListLikesTo returns likes received by uid, oldest first.
func (s *PostgresStore) ListLikesTo(ctx context.Context, uid string) ([]Like, error) {
	return s.listLikes(ctx, "likes.ListLikesTo",
		`SELECT from_uid, to_uid, created_at FROM `+storage.Ident(s.schema, "likes")+`
		  WHERE to_uid = $1 ORDER BY created_at ASC, from_uid ASC`, uid)
}

func (s *PostgresStore) listLikes(ctx context.Context, op, sql, uid string) ([]Like, error) {
	rows, err := s.pool.Query(ctx, sql, uid)
	if err != nil {
		return nil, storage.Classify(op, err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Like, error) {
		var l Like
		err := row.Scan(&l.From, &l.To, &l.CreatedAt)
		return l, err
	})
	if err != nil {
		return nil, storage.Classify(op, err)
	}
	return out, nil
}

// CreateMatchIfReciprocal creates the match when both likes exist.
//
// The insert and both reciprocity checks run as one statement. When it returns no row,
// either the likes are not reciprocal or another resolver already created the match;
// a second statement (fresh snapshot) tells the two apart.
func (s *PostgresStore) CreateMatchIfReciprocal(ctx context.Context, in CreateMatchInput) (CreateMatchResult, error) {
	const op = "likes.CreateMatchIfReciprocal"
	if in.Low == "" || in.High == "" || in.Low >= in.High {
		return CreateMatchResult{}, domain.Invalid(op, "pair is not canonical")
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	likes := storage.Ident(s.schema, "likes")
	matches := storage.Ident(s.schema, "matches")
	key := domain.PairKey(in.Low, in.High)

	var m Match
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+matches+` (pair_key, uid_low, uid_high, created_at)
		 SELECT $1::text, $2::text, $3::text, $4::timestamptz
		  WHERE EXISTS (SELECT 1 FROM `+likes+` WHERE from_uid = $2 AND to_uid = $3)
		    AND EXISTS (SELECT 1 FROM `+likes+` WHERE from_uid = $3 AND to_uid = $2)
		 ON CONFLICT (pair_key) DO NOTHING
		 RETURNING pair_key, uid_low, uid_high, created_at`,
		key, in.Low, in.High, now,
	).Scan(&m.PairKey, &m.UserLow, &m.UserHigh, &m.CreatedAt)
	if err == nil {
		return CreateMatchResult{Match: m, Matched: true, Created: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return CreateMatchResult{}, storage.Classify(op, err)
	}

	m, err = s.GetMatch(ctx, key)
	switch {
	case err == nil:
		return CreateMatchResult{Match: m, Matched: true}, nil
	case domain.IsNotFound(err):
		return CreateMatchResult{}, nil
	default:
		return CreateMatchResult{}, err
	}
}

// GetMatch returns the match for pairKey.
func (s *PostgresStore) GetMatch(ctx context.Context, pairKey string) (Match, error) {
	const op = "likes.GetMatch"
	var m Match
	err := s.pool.QueryRow(ctx,
		`SELECT pair_key, uid_low, uid_high, created_at FROM `+storage.Ident(s.schema, "matches")+`
		  WHERE pair_key = $1`,
		pairKey,
	).Scan(&m.PairKey, &m.UserLow, &m.UserHigh, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Match{}, domain.NotFound(op, "match")
	}
	if err != nil {
		return Match{}, storage.Classify(op, err)
	}
	return m, nil
}

// ListMatchesFor returns uid's matches, oldest first.
func (s *PostgresStore) ListMatchesFor(ctx context.Context, uid string) ([]Match, error) {
	const op = "likes.ListMatchesFor"
	rows, err := s.pool.Query(ctx,
		`SELECT pair_key, uid_low, uid_high, created_at FROM `+storage.Ident(s.schema, "matches")+`
		  WHERE uid_low = $1 OR uid_high = $1
		  ORDER BY created_at ASC, pair_key ASC`,
		uid,
	)
	if err != nil {
		return nil, storage.Classify(op, err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Match, error) {
		var m Match
		err := row.Scan(&m.PairKey, &m.UserLow, &m.UserHigh, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return nil, storage.Classify(op, err)
	}
	return out, nil
}
