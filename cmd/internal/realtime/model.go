package realtime

import (
	"fmt"
	"strings"
	"time"

	v1 "marketchat/shared/contracts/realtime/v1"
)

// Role is the marketplace side a user joined as.
type Role string

const (
	RoleUnknown Role = ""
	RoleBuyer   Role = v1.RoleBuyer
	RoleSeller  Role = v1.RoleSeller
)

// ParseRole normalizes a wire role. An empty role is accepted as RoleUnknown.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleUnknown:
		return RoleUnknown, nil
	case RoleBuyer:
		return RoleBuyer, nil
	case RoleSeller:
		return RoleSeller, nil
	default:
		return RoleUnknown, fmt.Errorf("unknown role %q", s)
	}
}

// Conversation is the durable buyer/shop chat as seen by the relay:
// an id plus its two participants.
type Conversation struct {
	ID             int64
	BuyerID        int64
	SellerID       int64
	ShopID         int64
	LastActivityAt time.Time
}

// HasParticipant reports whether userID is the buyer or the seller.
func (c Conversation) HasParticipant(userID int64) bool {
	return userID != 0 && (userID == c.BuyerID || userID == c.SellerID)
}

// Counterpart returns the other participant for userID.
func (c Conversation) Counterpart(userID int64) (int64, bool) {
	switch userID {
	case 0:
		return 0, false
	case c.BuyerID:
		return c.SellerID, true
	case c.SellerID:
		return c.BuyerID, true
	default:
		return 0, false
	}
}

// Message is the canonical persisted message representation.
type Message struct {
	ID             int64
	ConversationID int64
	SenderID       int64
	Content        string
	CreatedAt      time.Time
	Read           bool
}

// payloadFor renders m for one recipient; isMine is computed per recipient.
func (m Message) payloadFor(recipientID, receiverID int64, correlationID string) v1.NewMessagePayload {
	return v1.NewMessagePayload{
		ID:                  m.ID,
		ConversationID:      m.ConversationID,
		SenderID:            m.SenderID,
		ReceiverID:          receiverID,
		Content:             m.Content,
		CreatedAt:           m.CreatedAt,
		Read:                m.Read,
		IsMine:              recipientID == m.SenderID,
		ClientCorrelationID: correlationID,
	}
}
