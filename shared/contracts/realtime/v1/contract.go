// Package v1 defines the marketplace chat realtime protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol negotiated for this contract version.
const Subprotocol = "marketchat.realtime.v1"

// Client -> server event types (wire-stable).
const (
	// TypeJoin binds a connection to an already authenticated user identity.
	TypeJoin = "join"
	// TypeJoinConversation subscribes the connection to a conversation room.
	TypeJoinConversation = "joinConversation"
	// TypeLeaveConversation drops the connection's subscription to a conversation room.
	TypeLeaveConversation = "leaveConversation"
	// TypeSendMessage persists and relays a message.
	TypeSendMessage = "sendMessage"
	// TypeTyping announces a typing indicator to the conversation room.
	TypeTyping = "typing"
	// TypeMarkAsRead flips the read flag of every inbound message in a conversation.
	TypeMarkAsRead = "markAsRead"
	// TypeFetchHistory requests a window of persisted messages.
	TypeFetchHistory = "fetchHistory"
	// TypeCheckOnline asks whether a user currently has a live connection.
	TypeCheckOnline = "checkOnline"
)

// Server -> client event types (wire-stable).
const (
	TypeJoined             = "joined"
	TypeConversationJoined = "conversationJoined"
	TypeConversationLeft   = "conversationLeft"
	TypeNewMessage         = "newMessage"
	TypeMessageDuplicate   = "messageDuplicate"
	TypeUserTyping         = "userTyping"
	TypeUserStatus         = "userStatus"
	TypeMessagesRead       = "messagesRead"
	TypeHistoryChunk       = "historyChunk"
	TypeError              = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	if !IsClientType(e.Type) && !IsServerType(e.Type) {
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	return nil
}

// IsClientType reports whether typ is an event a client may send.
func IsClientType(typ string) bool {
	switch typ {
	case TypeJoin,
		TypeJoinConversation,
		TypeLeaveConversation,
		TypeSendMessage,
		TypeTyping,
		TypeMarkAsRead,
		TypeFetchHistory,
		TypeCheckOnline:
		return true
	default:
		return false
	}
}

// IsServerType reports whether typ is an event only the server emits.
func IsServerType(typ string) bool {
	switch typ {
	case TypeJoined,
		TypeConversationJoined,
		TypeConversationLeft,
		TypeNewMessage,
		TypeMessageDuplicate,
		TypeUserTyping,
		TypeUserStatus,
		TypeMessagesRead,
		TypeHistoryChunk,
		TypeError:
		return true
	default:
		return false
	}
}

// NewEnvelope marshals payload into a v1 envelope.
func NewEnvelope(typ, id string, ts time.Time, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Envelope{
		V:       Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: raw,
	}, nil
}

// Decode unmarshals the envelope payload into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return errors.New("missing payload")
	}
	return json.Unmarshal(e.Payload, dst)
}
