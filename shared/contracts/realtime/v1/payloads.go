package v1

import "time"

// Roles carried by join.
const (
	RoleBuyer  = "buyer"
	RoleSeller = "seller"
)

// Presence statuses carried by userStatus.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// JoinPayload binds the connection to a user identity.
type JoinPayload struct {
	UserID int64  `json:"userId"`
	Role   string `json:"role,omitempty"`
}

// JoinedPayload acknowledges join and returns the server-assigned connection id.
type JoinedPayload struct {
	UserID       int64  `json:"userId"`
	Role         string `json:"role,omitempty"`
	ConnectionID string `json:"connectionId"`
}

// ConversationPayload addresses a conversation room (joinConversation, leaveConversation and their echoes).
type ConversationPayload struct {
	ConversationID int64 `json:"conversationId"`
}

// SendMessagePayload requests persisting and relaying a message.
type SendMessagePayload struct {
	SenderID            int64  `json:"senderId"`
	ReceiverID          int64  `json:"receiverId"`
	ConversationID      int64  `json:"conversationId"`
	Content             string `json:"content"`
	ClientCorrelationID string `json:"clientCorrelationId,omitempty"`
}

// NewMessagePayload is the persisted message as delivered to one recipient.
type NewMessagePayload struct {
	ID                  int64     `json:"id"`
	ConversationID      int64     `json:"conversationId"`
	SenderID            int64     `json:"senderId"`
	ReceiverID          int64     `json:"receiverId,omitempty"`
	Content             string    `json:"content"`
	CreatedAt           time.Time `json:"createdAt"`
	Read                bool      `json:"read"`
	IsMine              bool      `json:"isMine"`
	ClientCorrelationID string    `json:"clientCorrelationId,omitempty"`
}

// MessageDuplicatePayload tells the sender a send collapsed into an earlier message.
type MessageDuplicatePayload struct {
	OriginalMessageID   int64  `json:"originalMessageId"`
	ConversationID      int64  `json:"conversationId,omitempty"`
	ClientCorrelationID string `json:"clientCorrelationId,omitempty"`
}

// TypingPayload is used both for the inbound typing event and the userTyping broadcast.
type TypingPayload struct {
	ConversationID int64 `json:"conversationId"`
	UserID         int64 `json:"userId"`
	IsTyping       bool  `json:"isTyping"`
}

// MarkAsReadPayload requests a bulk read-flag update.
type MarkAsReadPayload struct {
	ConversationID int64 `json:"conversationId"`
	UserID         int64 `json:"userId"`
}

// MessagesReadPayload announces a completed read-flag update.
type MessagesReadPayload struct {
	ConversationID int64 `json:"conversationId"`
	UserID         int64 `json:"userId"`
	Count          int64 `json:"count"`
}

// UserStatusPayload announces presence changes.
type UserStatusPayload struct {
	UserID int64  `json:"userId"`
	Status string `json:"status"`
	Online bool   `json:"online"`
}

// CheckOnlinePayload asks for a single user's presence.
type CheckOnlinePayload struct {
	UserID int64 `json:"userId"`
}

// FetchHistoryPayload requests messages with id > AfterID, ascending.
type FetchHistoryPayload struct {
	ConversationID int64  `json:"conversationId"`
	AfterID        *int64 `json:"afterId,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// HistoryChunkPayload returns a window of history.
type HistoryChunkPayload struct {
	ConversationID int64               `json:"conversationId"`
	Messages       []NewMessagePayload `json:"messages"`
	HasMore        bool                `json:"hasMore"`
}

// ErrorPayload is a structured rejection sent to the originating connection.
type ErrorPayload struct {
	Code                string `json:"code"`
	Field               string `json:"field,omitempty"`
	Message             string `json:"message"`
	Event               string `json:"event,omitempty"`
	ClientCorrelationID string `json:"clientCorrelationId,omitempty"`
}
