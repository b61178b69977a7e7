package chatclient

import (
	"sync"
	"time"

	"github.com/google/uuid"

	v1 "marketchat/shared/contracts/realtime/v1"
)

// Status is the delivery state of a timeline entry.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Entry is one message as the local user sees it.
// ID is zero while the entry is an unacknowledged optimistic echo.
type Entry struct {
	ID             int64
	CorrelationID  string
	ConversationID int64
	SenderID       int64
	ReceiverID     int64
	Content        string
	CreatedAt      time.Time
	Read           bool
	IsMine         bool
	Status         Status
}

// Timeline is the ordered local view of one conversation.
//
// Optimistic sends are appended immediately and later replaced in place by the
// server's copy, so a message never shows up twice.
type Timeline struct {
	conversationID int64

	mu      sync.RWMutex
	entries []Entry
	ids     map[int64]struct{}
}

// NewTimeline constructs an empty timeline for conversationID.
func NewTimeline(conversationID int64) *Timeline {
	return &Timeline{
		conversationID: conversationID,
		ids:            make(map[int64]struct{}),
	}
}

// ConversationID returns the conversation this timeline tracks.
func (t *Timeline) ConversationID() int64 { return t.conversationID }

// AddPending appends an optimistic echo with a fresh correlation id.
func (t *Timeline) AddPending(senderID, receiverID int64, content string, now time.Time) Entry {
	e := Entry{
		CorrelationID:  uuid.NewString(),
		ConversationID: t.conversationID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Content:        content,
		CreatedAt:      now,
		IsMine:         true,
		Status:         StatusPending,
	}

	t.mu.Lock()
	t.entries = append(t.entries, e)
	t.mu.Unlock()
	return e
}

// Apply merges a server message. A pending echo with the same correlation id is
// replaced in place; a message already present is ignored. It reports whether the
// timeline changed.
func (t *Timeline) Apply(p v1.NewMessagePayload) bool {
	if p.ConversationID != t.conversationID || p.ID <= 0 {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.ids[p.ID]; ok {
		// A duplicate notice may have bound an echo to this id before the original arrived.
		if p.ClientCorrelationID != "" {
			t.dropPendingLocked(p.ClientCorrelationID)
		}
		return false
	}

	e := Entry{
		ID:             p.ID,
		CorrelationID:  p.ClientCorrelationID,
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		ReceiverID:     p.ReceiverID,
		Content:        p.Content,
		CreatedAt:      p.CreatedAt,
		Read:           p.Read,
		IsMine:         p.IsMine,
		Status:         StatusSent,
	}
	t.ids[p.ID] = struct{}{}

	if p.ClientCorrelationID != "" {
		if i := t.indexLocked(p.ClientCorrelationID); i >= 0 {
			t.entries[i] = e
			return true
		}
	}
	t.entries = append(t.entries, e)
	return true
}

// ResolveDuplicate binds a pending echo to the message it collapsed into.
// When that message is already in the timeline the echo is dropped.
func (t *Timeline) ResolveDuplicate(p v1.MessageDuplicatePayload) bool {
	if p.ClientCorrelationID == "" || p.OriginalMessageID <= 0 {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.indexLocked(p.ClientCorrelationID)
	if i < 0 || t.entries[i].Status == StatusSent {
		return false
	}
	if _, ok := t.ids[p.OriginalMessageID]; ok {
		t.entries = append(t.entries[:i], t.entries[i+1:]...)
		return true
	}
	t.entries[i].ID = p.OriginalMessageID
	t.entries[i].Status = StatusSent
	t.ids[p.OriginalMessageID] = struct{}{}
	return true
}

// Fail marks a pending echo as failed. Failed entries are not re-sent.
func (t *Timeline) Fail(correlationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.indexLocked(correlationID)
	if i < 0 || t.entries[i].Status != StatusPending {
		return false
	}
	t.entries[i].Status = StatusFailed
	return true
}

// MarkRead applies a messagesRead notice: everything readerID received is read.
func (t *Timeline) MarkRead(readerID int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for i := range t.entries {
		e := &t.entries[i]
		if e.ID != 0 && e.SenderID != readerID && !e.Read {
			e.Read = true
			n++
		}
	}
	return n
}

// Entries returns a copy of the timeline in display order.
func (t *Timeline) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Entry(nil), t.entries...)
}

// Pending returns the echoes still waiting for the server.
func (t *Timeline) Pending() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Entry
	for _, e := range t.entries {
		if e.Status == StatusPending {
			out = append(out, e)
		}
	}
	return out
}

// LastID returns the highest confirmed message id, or zero.
func (t *Timeline) LastID() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var last int64
	for id := range t.ids {
		if id > last {
			last = id
		}
	}
	return last
}

func (t *Timeline) indexLocked(correlationID string) int {
	if correlationID == "" {
		return -1
	}
	for i, e := range t.entries {
		if e.CorrelationID == correlationID {
			return i
		}
	}
	return -1
}

func (t *Timeline) dropPendingLocked(correlationID string) {
	for i, e := range t.entries {
		if e.CorrelationID == correlationID && e.ID == 0 {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return
		}
	}
}
