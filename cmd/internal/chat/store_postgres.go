package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tandem/cmd/internal/domain"
	"tandem/cmd/internal/storage"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Appends take a per-match transactional advisory lock, then bump the match's cursor
//     row. Duplicates never consume a seq and concurrent senders are totally ordered.
//   - Read marks are one UPDATE, applied atomically by the statement itself.
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
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

const messageColumns = `match_id, seq, message_id, COALESCE(client_msg_id, ''), sender_uid, content, created_at, read_at`

func scanMessage(row pgx.Row) (Message, error) {
	var (
		m      Message
		readAt *time.Time
	)
	if err := row.Scan(&m.MatchID, &m.Seq, &m.MessageID, &m.ClientMsgID, &m.SenderUID, &m.Content, &m.CreatedAt, &readAt); err != nil {
		return Message{}, err
	}
	if readAt != nil {
		m.ReadAt = *readAt
	}
	return m, nil
}

// AppendMessage appends a message with optional idempotency and monotonic seq allocation.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendInput) (AppendResult, error) {
	const op = "chat.AppendMessage"
	if in.MatchID == "" || in.SenderUID == "" || in.MessageID == "" || in.Content == "" {
		return AppendResult{}, domain.Invalid(op, "missing field")
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendResult{}, storage.Classify(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cursors := storage.Ident(s.schema, "conversation_cursors")
	messages := storage.Ident(s.schema, "messages")

	// Serialize writers of this match only.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.MatchID); err != nil {
		return AppendResult{}, storage.Classify(op, fmt.Errorf("advisory lock: %w", err))
	}

	if in.ClientMsgID != "" {
		existing, err := scanMessage(tx.QueryRow(ctx,
			`SELECT `+messageColumns+` FROM `+messages+` WHERE match_id = $1 AND client_msg_id = $2`,
			in.MatchID, in.ClientMsgID,
		))
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return AppendResult{}, storage.Classify(op, err)
			}
			return AppendResult{Message: existing, Duplicated: true}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return AppendResult{}, storage.Classify(op, err)
		}
	}

	var seq int64
	err = tx.QueryRow(ctx,
		`INSERT INTO `+cursors+` AS c (match_id, next_seq) VALUES ($1, 2)
		 ON CONFLICT (match_id) DO UPDATE
		    SET next_seq = c.next_seq + 1, updated_at = now()
		 RETURNING next_seq - 1`,
		in.MatchID,
	).Scan(&seq)
	if err != nil {
		return AppendResult{}, classifyWrite(op, err)
	}

	var clientMsgID *string
	if in.ClientMsgID != "" {
		clientMsgID = &in.ClientMsgID
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (match_id, seq, message_id, client_msg_id, sender_uid, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		in.MatchID, seq, in.MessageID, clientMsgID, in.SenderUID, in.Content, now,
	); err != nil {
		return AppendResult{}, classifyWrite(op, fmt.Errorf("insert message: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendResult{}, storage.Classify(op, err)
	}
	return AppendResult{Message: Message{
		MatchID:     in.MatchID,
		Seq:         seq,
		MessageID:   in.MessageID,
		ClientMsgID: in.ClientMsgID,
		SenderUID:   in.SenderUID,
		Content:     in.Content,
		CreatedAt:   now,
	}}, nil
}

// classifyWrite maps a foreign key violation (the match row is gone) to ErrNotFound.
func classifyWrite(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return domain.NotFound(op, "match")
	}
	return storage.Classify(op, err)
}

// FetchMessages returns messages with seq > AfterSeq ordered by seq ASC.
func (s *PostgresStore) FetchMessages(ctx context.Context, in FetchInput) (FetchResult, error) {
	const op = "chat.FetchMessages"
	if in.MatchID == "" {
		return FetchResult{}, domain.Invalid(op, "missing match id")
	}
	limit := clampLimit(in.Limit)

	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM `+storage.Ident(s.schema, "messages")+`
		  WHERE match_id = $1 AND seq > $2
		  ORDER BY seq ASC
		  LIMIT $3`,
		in.MatchID, in.AfterSeq, limit+1,
	)
	if err != nil {
		return FetchResult{}, storage.Classify(op, err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Message, error) {
		return scanMessage(row)
	})
	if err != nil {
		return FetchResult{}, storage.Classify(op, err)
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return FetchResult{Messages: msgs, HasMore: hasMore}, nil
}

// MarkRead sets read_at on every unread message of the match not sent by the viewer.
// Rows already read are excluded by the predicate, so read_at never changes twice.
func (s *PostgresStore) MarkRead(ctx context.Context, in MarkReadInput) (int, error) {
	const op = "chat.MarkRead"
	if in.MatchID == "" || in.ViewerUID == "" {
		return 0, domain.Invalid(op, "missing field")
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+storage.Ident(s.schema, "messages")+`
		    SET read_at = $3
		  WHERE match_id = $1 AND sender_uid <> $2 AND read_at IS NULL`,
		in.MatchID, in.ViewerUID, now,
	)
	if err != nil {
		return 0, storage.Classify(op, err)
	}
	return int(tag.RowsAffected()), nil
}

// UnreadCount counts unread messages of the match not sent by viewerUID.
func (s *PostgresStore) UnreadCount(ctx context.Context, matchID, viewerUID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM `+storage.Ident(s.schema, "messages")+`
		  WHERE match_id = $1 AND sender_uid <> $2 AND read_at IS NULL`,
		matchID, viewerUID,
	).Scan(&n)
	if err != nil {
		return 0, storage.Classify("chat.UnreadCount", err)
	}
	return n, nil
}

// LastMessage returns the highest-seq message of matchID.
func (s *PostgresStore) LastMessage(ctx context.Context, matchID string) (Message, bool, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+storage.Ident(s.schema, "messages")+`
		  WHERE match_id = $1
		  ORDER BY seq DESC
		  LIMIT 1`,
		matchID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, storage.Classify("chat.LastMessage", err)
	}
	return m, true, nil
}
