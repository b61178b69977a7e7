package realtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"
)

// sqlConversation maps a conversation row.
type sqlConversation struct {
	ID             int64     `gorm:"primaryKey;autoIncrement"`
	BuyerID        int64     `gorm:"not null;uniqueIndex:ux_conversations_buyer_shop,priority:1"`
	SellerID       int64     `gorm:"not null;index"`
	ShopID         int64     `gorm:"not null;uniqueIndex:ux_conversations_buyer_shop,priority:2"`
	LastActivityAt time.Time `gorm:"not null"`
	CreatedAt      time.Time
}

func (sqlConversation) TableName() string { return "conversations" }

// sqlMessage maps a message row. Messages are cascade-deleted with their conversation.
type sqlMessage struct {
	ID             int64     `gorm:"primaryKey;autoIncrement"`
	ConversationID int64     `gorm:"not null;index:idx_messages_conversation,priority:1"`
	SenderID       int64     `gorm:"not null"`
	Content        string    `gorm:"type:text;not null"`
	Read           bool      `gorm:"column:is_read;not null;default:false"`
	CreatedAt      time.Time `gorm:"not null"`

	Conversation sqlConversation `gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func (sqlMessage) TableName() string { return "messages" }

func (c sqlConversation) domain() Conversation {
	return Conversation{
		ID:             c.ID,
		BuyerID:        c.BuyerID,
		SellerID:       c.SellerID,
		ShopID:         c.ShopID,
		LastActivityAt: c.LastActivityAt,
	}
}

func (m sqlMessage) domain() Message {
	return Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		Read:           m.Read,
	}
}

// SQLiteStore is a MessageStore on an embedded SQLite database through GORM.
// It suits single-node deployments; ids come from SQLite's rowid, which follows commit order.
type SQLiteStore struct {
	db   *gorm.DB
	owns bool
}

// OpenSQLiteStore opens (or creates) the database at path, applies PRAGMAs, migrates the
// schema and installs the OpenTelemetry plugin. The store owns the connection.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	// Fail early if the parent directory is missing instead of surfacing a cryptic driver error.
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}

	// Per-connection PRAGMAs go in the DSN so every pooled connection gets them.
	dsn := path
	if strings.Contains(dsn, "?") {
		dsn += "&"
	} else {
		dsn += "?"
	}
	dsn += "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return nil, fmt.Errorf("sqlite tracing: %w", err)
	}

	st, err := NewSQLiteStore(db)
	if err != nil {
		if sqlDB, derr := db.DB(); derr == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}
	st.owns = true
	return st, nil
}

// NewSQLiteStore wraps an existing GORM handle and migrates the schema.
// The caller keeps ownership of db.
func NewSQLiteStore(db *gorm.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("realtime: nil db")
	}
	db.Exec("PRAGMA foreign_keys=ON;")
	if err := db.AutoMigrate(&sqlConversation{}, &sqlMessage{}); err != nil {
		return nil, fmt.Errorf("automigrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Ping checks the underlying database handle.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the database when the store opened it.
func (s *SQLiteStore) Close() error {
	if s == nil || !s.owns {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// OpenConversation creates the conversation of a (buyer, shop) pair, or returns the existing
// one together with ErrConversationExists.
func (s *SQLiteStore) OpenConversation(ctx context.Context, in OpenConversationInput) (Conversation, error) {
	if !in.valid() {
		return Conversation{}, ErrInvalidInput
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	db := s.db.WithContext(ctx)

	var existing sqlConversation
	err := db.Where("buyer_id = ? AND shop_id = ?", in.BuyerID, in.ShopID).Take(&existing).Error
	if err == nil {
		return existing.domain(), ErrConversationExists
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Conversation{}, err
	}

	row := sqlConversation{
		BuyerID:        in.BuyerID,
		SellerID:       in.SellerID,
		ShopID:         in.ShopID,
		LastActivityAt: now,
		CreatedAt:      now,
	}
	if err := db.Create(&row).Error; err != nil {
		// Lost a race on the unique (buyer, shop) index.
		if rerr := db.Where("buyer_id = ? AND shop_id = ?", in.BuyerID, in.ShopID).Take(&existing).Error; rerr == nil {
			return existing.domain(), ErrConversationExists
		}
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	return row.domain(), nil
}

// GetConversation returns a conversation by id.
func (s *SQLiteStore) GetConversation(ctx context.Context, conversationID int64) (Conversation, error) {
	var row sqlConversation
	err := s.db.WithContext(ctx).Where("id = ?", conversationID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	return row.domain(), nil
}

// CreateMessage inserts a message with read=false and bumps last activity in one transaction.
func (s *SQLiteStore) CreateMessage(ctx context.Context, in CreateMessageInput) (Message, error) {
	if !in.valid() {
		return Message{}, ErrInvalidInput
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var out sqlMessage
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv sqlConversation
		if err := tx.Where("id = ?", in.ConversationID).Take(&conv).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrConversationNotFound
			}
			return err
		}

		out = sqlMessage{
			ConversationID: in.ConversationID,
			SenderID:       in.SenderID,
			Content:        in.Content,
			CreatedAt:      now,
		}
		if err := tx.Omit("Conversation").Create(&out).Error; err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		if now.After(conv.LastActivityAt) {
			if err := tx.Model(&sqlConversation{}).
				Where("id = ?", in.ConversationID).
				Update("last_activity_at", now).Error; err != nil {
				return fmt.Errorf("touch conversation: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return out.domain(), nil
}

// MarkRead flips the read flag of every unread message not sent by readerID.
func (s *SQLiteStore) MarkRead(ctx context.Context, conversationID, readerID int64) (int64, error) {
	if conversationID <= 0 || readerID <= 0 {
		return 0, ErrInvalidInput
	}
	res := s.db.WithContext(ctx).
		Model(&sqlMessage{}).
		Where("conversation_id = ? AND sender_id <> ? AND is_read = ?", conversationID, readerID, false).
		Update("is_read", true)
	if res.Error != nil {
		return 0, fmt.Errorf("mark read: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// FetchHistory returns messages ordered by id ASC with paging via AfterID.
func (s *SQLiteStore) FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error) {
	if in.ConversationID <= 0 {
		return FetchHistoryResult{}, ErrInvalidInput
	}
	limit := clampHistoryLimit(in.Limit)

	var after int64
	if in.AfterID != nil {
		after = *in.AfterID
	}

	var rows []sqlMessage
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND id > ?", in.ConversationID, after).
		Order("id ASC").
		Limit(limit + 1).
		Find(&rows).Error
	if err != nil {
		return FetchHistoryResult{}, err
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}
	msgs := make([]Message, 0, len(rows))
	for _, r := range rows {
		msgs = append(msgs, r.domain())
	}
	return FetchHistoryResult{Messages: msgs, HasMore: hasMore}, nil
}

var (
	_ MessageStore       = (*SQLiteStore)(nil)
	_ ConversationOpener = (*SQLiteStore)(nil)
)
