package realtime

import (
	"context"
	"sync"
	"time"
)

// PresenceEntry is the live connection mapping of one online user.
type PresenceEntry struct {
	UserID       int64
	ConnectionID string
	Role         Role
	Since        time.Time
}

// PresenceRegistry tracks which connection currently represents each user.
//
// Requirements:
//   - At most one entry per user id; Register on an existing user replaces the connection.
//   - Unregister only removes the entry whose connection id matches, so a late disconnect
//     of a superseded connection is a no-op.
//
// Implementations must be safe for concurrent use. The in-memory implementation is
// process-local; RedisPresence is the multi-instance drop-in.
type PresenceRegistry interface {
	// Register upserts userID -> connectionID. It returns the previous entry when one was replaced.
	Register(ctx context.Context, userID int64, connectionID string, role Role) (prev PresenceEntry, replaced bool, err error)
	// Unregister removes the entry owned by connectionID. removed is false when no entry matched.
	Unregister(ctx context.Context, connectionID string) (entry PresenceEntry, removed bool, err error)
	// IsOnline reports whether userID has a live entry.
	IsOnline(ctx context.Context, userID int64) (bool, error)
	// Lookup returns the entry for userID.
	Lookup(ctx context.Context, userID int64) (PresenceEntry, bool, error)
	// OnlineCount returns the number of online users.
	OnlineCount(ctx context.Context) (int, error)
}

// PresenceRefresher is implemented by registries whose entries expire unless the owning
// connection keeps them alive. The gateway calls Refresh on every successful heartbeat.
type PresenceRefresher interface {
	Refresh(ctx context.Context, connectionID string) (owner bool, err error)
}

// MemoryPresence is a mutex-guarded PresenceRegistry.
type MemoryPresence struct {
	now func() time.Time

	mu     sync.RWMutex
	byUser map[int64]PresenceEntry
	byConn map[string]int64
}

// NewMemoryPresence constructs an empty in-memory registry.
func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{
		now:    func() time.Time { return time.Now().UTC() },
		byUser: make(map[int64]PresenceEntry),
		byConn: make(map[string]int64),
	}
}

// Register upserts userID -> connectionID.
func (p *MemoryPresence) Register(_ context.Context, userID int64, connectionID string, role Role) (PresenceEntry, bool, error) {
	if userID == 0 || connectionID == "" {
		return PresenceEntry{}, false, ErrInvalidInput
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// A connection represents at most one user; re-joining as someone else drops the old binding.
	if other, ok := p.byConn[connectionID]; ok && other != userID {
		if e, ok := p.byUser[other]; ok && e.ConnectionID == connectionID {
			delete(p.byUser, other)
		}
	}

	prev, replaced := p.byUser[userID]
	if replaced && prev.ConnectionID != connectionID {
		delete(p.byConn, prev.ConnectionID)
	}

	p.byUser[userID] = PresenceEntry{
		UserID:       userID,
		ConnectionID: connectionID,
		Role:         role,
		Since:        p.now(),
	}
	p.byConn[connectionID] = userID

	return prev, replaced, nil
}

// Unregister removes the entry owned by connectionID.
func (p *MemoryPresence) Unregister(_ context.Context, connectionID string) (PresenceEntry, bool, error) {
	if connectionID == "" {
		return PresenceEntry{}, false, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	userID, ok := p.byConn[connectionID]
	if !ok {
		return PresenceEntry{}, false, nil
	}
	delete(p.byConn, connectionID)

	e, ok := p.byUser[userID]
	if !ok || e.ConnectionID != connectionID {
		return PresenceEntry{}, false, nil
	}
	delete(p.byUser, userID)
	return e, true, nil
}

// IsOnline reports whether userID has a live entry.
func (p *MemoryPresence) IsOnline(_ context.Context, userID int64) (bool, error) {
	p.mu.RLock()
	_, ok := p.byUser[userID]
	p.mu.RUnlock()
	return ok, nil
}

// Lookup returns the entry for userID.
func (p *MemoryPresence) Lookup(_ context.Context, userID int64) (PresenceEntry, bool, error) {
	p.mu.RLock()
	e, ok := p.byUser[userID]
	p.mu.RUnlock()
	return e, ok, nil
}

// OnlineCount returns the number of online users.
func (p *MemoryPresence) OnlineCount(_ context.Context) (int, error) {
	p.mu.RLock()
	n := len(p.byUser)
	p.mu.RUnlock()
	return n, nil
}

var _ PresenceRegistry = (*MemoryPresence)(nil)
