package realtime

import (
	"context"
	"time"
)

// MessageStore persists and queries messages. It is the relay's only suspension point.
//
// Requirements:
//   - CreateMessage is durable on return, stores read=false and bumps the conversation's
//     last-activity timestamp in the same unit of work.
//   - MarkRead flips read=false -> true for every message in the conversation whose
//     sender is not the reader, returning the number of rows changed.
//   - History query ordered by id ASC.
type MessageStore interface {
	GetConversation(ctx context.Context, conversationID int64) (Conversation, error)
	CreateMessage(ctx context.Context, in CreateMessageInput) (Message, error)
	MarkRead(ctx context.Context, conversationID, readerID int64) (int64, error)
	FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error)
	Close() error
}

// ConversationOpener creates the single conversation of a (buyer, shop) pair.
// Conversations are owned by the marketplace CRUD layer; the relay only needs this for seeding and tests.
type ConversationOpener interface {
	OpenConversation(ctx context.Context, in OpenConversationInput) (Conversation, error)
}

// OpenConversationInput describes a conversation to open.
type OpenConversationInput struct {
	BuyerID  int64
	SellerID int64
	ShopID   int64
	Now      time.Time
}

// CreateMessageInput describes a message append request.
type CreateMessageInput struct {
	ConversationID int64
	SenderID       int64
	Content        string
	Now            time.Time
}

// FetchHistoryInput describes a history query request.
type FetchHistoryInput struct {
	ConversationID int64
	AfterID        *int64
	Limit          int
}

// FetchHistoryResult contains the retrieved history window.
type FetchHistoryResult struct {
	Messages []Message
	HasMore  bool
}

func (in CreateMessageInput) valid() bool {
	return in.ConversationID > 0 && in.SenderID > 0 && in.Content != ""
}

func (in OpenConversationInput) valid() bool {
	return in.BuyerID > 0 && in.SellerID > 0 && in.ShopID > 0 && in.BuyerID != in.SellerID
}

func clampHistoryLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}
