package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrConversationNotFound is returned by stores when a conversation id is unknown.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrConversationExists is returned when a (buyer, shop) pair already has a conversation.
	ErrConversationExists = errors.New("conversation already exists")

	// ErrNotParticipant is returned when a user is not the buyer or seller of a conversation.
	ErrNotParticipant = errors.New("not a participant of conversation")

	// ErrInvalidInput is returned by stores for structurally invalid input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnknownConnection is returned when an event references a connection that is not attached.
	ErrUnknownConnection = errors.New("unknown connection")
)

// Rejection codes carried in error envelopes (wire-stable).
const (
	CodeBadJSON              = "bad_json"
	CodeBadEnvelope          = "bad_envelope"
	CodeUnsupported          = "unsupported"
	CodeInvalidPayload       = "invalid_payload"
	CodeMissingField         = "missing_field"
	CodeInvalidField         = "invalid_field"
	CodeNotJoined            = "not_joined"
	CodeIdentityMismatch     = "identity_mismatch"
	CodeNotParticipant       = "not_participant"
	CodeConversationNotFound = "conversation_not_found"
	CodePersistenceFailed    = "persistence_failed"
	CodeRateLimited          = "rate_limited"
	CodeInternal             = "internal"
)

// EventError is a rejected inbound event. The gateway renders it as an error envelope
// to the originating connection; it never crosses to other connections.
type EventError struct {
	Code          string
	Field         string
	Message       string
	Event         string
	CorrelationID string
	Err           error
}

func (e *EventError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s: %s", e.Event, e.Code, e.Field, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Event, e.Code, msg)
}

func (e *EventError) Unwrap() error { return e.Err }

func missingField(event, field string) *EventError {
	return &EventError{Code: CodeMissingField, Field: field, Message: "missing " + field, Event: event}
}

func invalidField(event, field, msg string) *EventError {
	return &EventError{Code: CodeInvalidField, Field: field, Message: msg, Event: event}
}

// AsEventError extracts an *EventError from err.
func AsEventError(err error) (*EventError, bool) {
	var ee *EventError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}
