// Package realtime contains the marketplace chat relay: presence, deduplication, room routing,
// the message relay engine, its WebSocket gateway, and message persistence primitives.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a MessageStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - CreateMessage updates the conversation row before inserting, so concurrent sends to one
//     conversation serialize on that row lock and ids follow commit order.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "marketchat").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed MessageStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "marketchat",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the store's tables when they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{s.schema}.Sanitize()); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := s.pool.Exec(ctx, PostgresSchemaSQL(s.schema)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// PostgresSchemaSQL returns the DDL required by PostgresStore inside schema.
func PostgresSchemaSQL(schema string) string {
	conversations := pgIdent(schema, "conversations")
	messages := pgIdent(schema, "messages")

	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
  id               BIGSERIAL PRIMARY KEY,
  buyer_id         BIGINT NOT NULL,
  seller_id        BIGINT NOT NULL,
  shop_id          BIGINT NOT NULL,
  last_activity_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),

  CONSTRAINT uq_conversations_buyer_shop UNIQUE (buyer_id, shop_id),
  CONSTRAINT chk_conversations_distinct CHECK (buyer_id <> seller_id)
);

CREATE TABLE IF NOT EXISTS %[2]s (
  id              BIGSERIAL PRIMARY KEY,
  conversation_id BIGINT NOT NULL REFERENCES %[1]s(id) ON DELETE CASCADE,
  sender_id       BIGINT NOT NULL,
  content         TEXT NOT NULL,
  read            BOOLEAN NOT NULL DEFAULT false,
  created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),

  CONSTRAINT chk_messages_content_len CHECK (char_length(content) > 0 AND char_length(content) <= 4000)
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_id
  ON %[2]s (conversation_id, id ASC);

CREATE INDEX IF NOT EXISTS idx_messages_unread
  ON %[2]s (conversation_id, sender_id) WHERE read = false;
`, conversations, messages)
}

// OpenConversation creates the single conversation of a (buyer, shop) pair.
// When it already exists, the existing row is returned together with ErrConversationExists.
func (s *PostgresStore) OpenConversation(ctx context.Context, in OpenConversationInput) (Conversation, error) {
	if s == nil || s.pool == nil {
		return Conversation{}, errors.New("realtime: nil store")
	}
	if !in.valid() {
		return Conversation{}, ErrInvalidInput
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	conversations := pgIdent(s.schema, "conversations")

	var c Conversation
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+conversations+` (buyer_id, seller_id, shop_id, last_activity_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (buyer_id, shop_id) DO NOTHING
		 RETURNING id, buyer_id, seller_id, shop_id, last_activity_at`,
		in.BuyerID, in.SellerID, in.ShopID, now,
	).Scan(&c.ID, &c.BuyerID, &c.SellerID, &c.ShopID, &c.LastActivityAt)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		`SELECT id, buyer_id, seller_id, shop_id, last_activity_at
		   FROM `+conversations+`
		  WHERE buyer_id = $1 AND shop_id = $2`,
		in.BuyerID, in.ShopID,
	).Scan(&c.ID, &c.BuyerID, &c.SellerID, &c.ShopID, &c.LastActivityAt)
	if err != nil {
		return Conversation{}, fmt.Errorf("read conversation: %w", err)
	}
	return c, ErrConversationExists
}

// GetConversation returns a conversation by id.
func (s *PostgresStore) GetConversation(ctx context.Context, conversationID int64) (Conversation, error) {
	if s == nil || s.pool == nil {
		return Conversation{}, errors.New("realtime: nil store")
	}

	var c Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT id, buyer_id, seller_id, shop_id, last_activity_at
		   FROM `+pgIdent(s.schema, "conversations")+`
		  WHERE id = $1`,
		conversationID,
	).Scan(&c.ID, &c.BuyerID, &c.SellerID, &c.ShopID, &c.LastActivityAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	return c, nil
}

// CreateMessage inserts a message with read=false and bumps the conversation's last activity.
func (s *PostgresStore) CreateMessage(ctx context.Context, in CreateMessageInput) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("realtime: nil store")
	}
	if !in.valid() {
		return Message{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
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
		return Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	tag, err := tx.Exec(ctx,
		`UPDATE `+conversations+`
		    SET last_activity_at = GREATEST(last_activity_at, $2)
		  WHERE id = $1`,
		in.ConversationID, now,
	)
	if err != nil {
		return Message{}, fmt.Errorf("touch conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Message{}, ErrConversationNotFound
	}

	out := Message{
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		CreatedAt:      now,
	}
	if err := tx.QueryRow(ctx,
		`INSERT INTO `+messages+` (conversation_id, sender_id, content, read, created_at)
		 VALUES ($1, $2, $3, false, $4)
		 RETURNING id`,
		in.ConversationID, in.SenderID, in.Content, now,
	).Scan(&out.ID); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}
	return out, nil
}

// MarkRead flips the read flag of every unread message not sent by readerID.
func (s *PostgresStore) MarkRead(ctx context.Context, conversationID, readerID int64) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, errors.New("realtime: nil store")
	}
	if conversationID <= 0 || readerID <= 0 {
		return 0, ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+pgIdent(s.schema, "messages")+`
		    SET read = true
		  WHERE conversation_id = $1 AND sender_id <> $2 AND read = false`,
		conversationID, readerID,
	)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return tag.RowsAffected(), nil
}

// FetchHistory returns messages ordered by id ASC, with optional paging by AfterID.
func (s *PostgresStore) FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error) {
	if s == nil || s.pool == nil {
		return FetchHistoryResult{}, errors.New("realtime: nil store")
	}
	if in.ConversationID <= 0 {
		return FetchHistoryResult{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return FetchHistoryResult{}, err
	}

	limit := clampHistoryLimit(in.Limit)
	fetch := limit + 1

	var after int64
	if in.AfterID != nil {
		after = *in.AfterID
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, sender_id, content, read, created_at
		   FROM `+pgIdent(s.schema, "messages")+`
		  WHERE conversation_id = $1 AND id > $2
		  ORDER BY id ASC
		  LIMIT $3`,
		in.ConversationID, after, fetch,
	)
	if err != nil {
		return FetchHistoryResult{}, err
	}
	defer rows.Close()

	msgs := make([]Message, 0, fetch)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.Read, &m.CreatedAt); err != nil {
			return FetchHistoryResult{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return FetchHistoryResult{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}

	return FetchHistoryResult{Messages: msgs, HasMore: hasMore}, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

var (
	_ MessageStore       = (*PostgresStore)(nil)
	_ ConversationOpener = (*PostgresStore)(nil)
)
