package realtime

import (
	"context"
	"sort"
	"sync"
	"time"
)

const (
	memMaxMessagesPerConversation = 10_000
)

// InMemoryStore is a dev-only fallback when no database is configured.
// It supports:
//   - OpenConversation: one conversation per (buyer, shop)
//   - CreateMessage: id allocation + last-activity bump
//   - MarkRead: bulk read-flag update
//   - FetchHistory: paging by after_id (for CI/smoke determinism)
type InMemoryStore struct {
	mu      sync.Mutex
	nextMsg int64
	nextCnv int64
	convs   map[int64]*memConv
	byPair  map[[2]int64]int64 // (buyer, shop) -> conversation id
}

type memConv struct {
	conv Conversation
	msgs []Message // ordered by id
}

// NewInMemoryStore constructs an in-memory MessageStore implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs:  make(map[int64]*memConv),
		byPair: make(map[[2]int64]int64),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// OpenConversation creates the conversation of a (buyer, shop) pair.
func (s *InMemoryStore) OpenConversation(ctx context.Context, in OpenConversationInput) (Conversation, error) {
	if !in.valid() {
		return Conversation{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pair := [2]int64{in.BuyerID, in.ShopID}
	if id, ok := s.byPair[pair]; ok {
		return s.convs[id].conv, ErrConversationExists
	}

	s.nextCnv++
	c := Conversation{
		ID:             s.nextCnv,
		BuyerID:        in.BuyerID,
		SellerID:       in.SellerID,
		ShopID:         in.ShopID,
		LastActivityAt: now,
	}
	s.convs[c.ID] = &memConv{conv: c, msgs: make([]Message, 0, 64)}
	s.byPair[pair] = c.ID
	return c, nil
}

// GetConversation returns a conversation by id.
func (s *InMemoryStore) GetConversation(ctx context.Context, conversationID int64) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return Conversation{}, ErrConversationNotFound
	}
	return c.conv, nil
}

// CreateMessage persists a message with read=false.
func (s *InMemoryStore) CreateMessage(ctx context.Context, in CreateMessageInput) (Message, error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[in.ConversationID]
	if !ok {
		return Message{}, ErrConversationNotFound
	}

	s.nextMsg++
	msg := Message{
		ID:             s.nextMsg,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		CreatedAt:      now,
	}
	c.msgs = append(c.msgs, msg)
	if now.After(c.conv.LastActivityAt) {
		c.conv.LastActivityAt = now
	}

	// Bound memory to avoid unbounded growth in dev.
	if len(c.msgs) > memMaxMessagesPerConversation {
		c.msgs = c.msgs[len(c.msgs)-memMaxMessagesPerConversation:]
	}

	return msg, nil
}

// MarkRead flips the read flag of every unread message not sent by readerID.
func (s *InMemoryStore) MarkRead(ctx context.Context, conversationID, readerID int64) (int64, error) {
	if conversationID <= 0 || readerID <= 0 {
		return 0, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return 0, ErrConversationNotFound
	}

	var n int64
	for i := range c.msgs {
		if c.msgs[i].SenderID != readerID && !c.msgs[i].Read {
			c.msgs[i].Read = true
			n++
		}
	}
	return n, nil
}

// FetchHistory returns messages ordered by id ASC with paging via after_id.
func (s *InMemoryStore) FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error) {
	if in.ConversationID <= 0 {
		return FetchHistoryResult{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return FetchHistoryResult{}, err
	}

	limit := clampHistoryLimit(in.Limit)
	fetch := limit + 1

	s.mu.Lock()
	c := s.convs[in.ConversationID]
	var snap []Message
	if c != nil {
		snap = append([]Message(nil), c.msgs...)
	}
	s.mu.Unlock()

	if c == nil {
		return FetchHistoryResult{}, ErrConversationNotFound
	}
	if len(snap) == 0 {
		return FetchHistoryResult{}, nil
	}

	start := 0
	if in.AfterID != nil {
		after := *in.AfterID
		start = sort.Search(len(snap), func(i int) bool { return snap[i].ID > after })
		if start >= len(snap) {
			return FetchHistoryResult{}, nil
		}
	}

	end := start + fetch
	if end > len(snap) {
		end = len(snap)
	}
	out := snap[start:end]

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}

	return FetchHistoryResult{Messages: out, HasMore: hasMore}, nil
}

// Count returns the number of stored messages in a conversation (tests, diagnostics).
func (s *InMemoryStore) Count(conversationID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convs[conversationID]; ok {
		return len(c.msgs)
	}
	return 0
}

var (
	_ MessageStore       = (*InMemoryStore)(nil)
	_ ConversationOpener = (*InMemoryStore)(nil)
)
