package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	v1 "marketchat/shared/contracts/realtime/v1"
)

// Router owns live connections and the rooms they are subscribed to.
//
// It maps high-level events to recipients through two addressing schemes:
// personal channels (one per user) and conversation channels (one per conversation).
// Room membership is a lookup index only; presence is decided by the PresenceRegistry.
type Router struct {
	log      *slog.Logger
	presence PresenceRegistry

	mu       sync.RWMutex
	rooms    map[ChannelRef]*Room
	conns    map[string]*connection
	activity map[int64]time.Time
}

// connection is the router's record of one live transport session.
type connection struct {
	id     string
	sink   Sink
	userID int64
	role   Role
	rooms  map[ChannelRef]struct{}
}

// NewRouter constructs a Router. presence gates SendToUser.
func NewRouter(log *slog.Logger, presence PresenceRegistry) *Router {
	if log == nil {
		log = slog.Default()
	}
	if presence == nil {
		presence = NewMemoryPresence()
	}
	return &Router{
		log:      log,
		presence: presence,
		rooms:    make(map[ChannelRef]*Room),
		conns:    make(map[string]*connection),
		activity: make(map[int64]time.Time),
	}
}

// Attach registers a live connection and its delivery sink.
func (r *Router) Attach(connectionID string, sink Sink) {
	if connectionID == "" || sink == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[connectionID]; ok {
		r.conns[connectionID].sink = sink
		return
	}
	r.conns[connectionID] = &connection{
		id:    connectionID,
		sink:  sink,
		rooms: make(map[ChannelRef]struct{}),
	}
}

// Detach removes a connection from every room it joined and forgets it.
func (r *Router) Detach(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connectionID]
	if !ok {
		return
	}
	for ref := range c.rooms {
		r.leaveLocked(connectionID, ref)
	}
	delete(r.conns, connectionID)
}

// Bind records the user behind a connection and subscribes it to the user's personal channel.
// Re-binding to a different user leaves the previous personal channel.
func (r *Router) Bind(connectionID string, userID int64, role Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connectionID]
	if !ok {
		return ErrUnknownConnection
	}
	if c.userID != 0 && c.userID != userID {
		r.leaveLocked(connectionID, PersonalChannelOf(c.userID))
		delete(c.rooms, PersonalChannelOf(c.userID))
	}
	c.userID = userID
	c.role = role
	r.joinLocked(c, PersonalChannelOf(userID))
	return nil
}

// Identity returns the user bound to a connection; ok is false until Bind.
func (r *Router) Identity(connectionID string) (userID int64, role Role, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, found := r.conns[connectionID]
	if !found || c.userID == 0 {
		return 0, RoleUnknown, false
	}
	return c.userID, c.role, true
}

// Subscribe adds the connection to a room. It is idempotent.
func (r *Router) Subscribe(connectionID string, ref ChannelRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connectionID]
	if !ok {
		return ErrUnknownConnection
	}
	r.joinLocked(c, ref)
	return nil
}

// Unsubscribe removes the connection from a room. It reports whether it was a member.
func (r *Router) Unsubscribe(connectionID string, ref ChannelRef) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connectionID]
	if !ok {
		return false
	}
	if _, member := c.rooms[ref]; !member {
		return false
	}
	delete(c.rooms, ref)
	r.leaveLocked(connectionID, ref)
	return true
}

// IsSubscribed reports whether the connection is a member of ref.
func (r *Router) IsSubscribed(connectionID string, ref ChannelRef) bool {
	r.mu.RLock()
	room := r.rooms[ref]
	r.mu.RUnlock()
	return room != nil && room.has(connectionID)
}

// PersonalChannelOf returns the personal channel of userID.
func (r *Router) PersonalChannelOf(userID int64) ChannelRef { return PersonalChannelOf(userID) }

// Broadcast delivers env to every member of ref except excluding (may be empty).
func (r *Router) Broadcast(ref ChannelRef, env v1.Envelope, excluding string) int {
	r.mu.RLock()
	room := r.rooms[ref]
	r.mu.RUnlock()

	return room.Broadcast(env, excluding)
}

// SendToUser delivers env to the user's personal channel if the user is online.
// Offline users are skipped silently: callers persist before relaying, so only live delivery is lost.
func (r *Router) SendToUser(ctx context.Context, userID int64, env v1.Envelope) (int, error) {
	online, err := r.presence.IsOnline(ctx, userID)
	if err != nil {
		return 0, err
	}
	if !online {
		return 0, nil
	}
	return r.Broadcast(PersonalChannelOf(userID), env, ""), nil
}

// SendToConn delivers env to exactly one connection.
func (r *Router) SendToConn(connectionID string, env v1.Envelope) bool {
	r.mu.RLock()
	c := r.conns[connectionID]
	r.mu.RUnlock()

	if c == nil {
		return false
	}
	return c.sink.Deliver(env)
}

// BroadcastAll delivers env to every attached connection except excluding.
func (r *Router) BroadcastAll(env v1.Envelope, excluding string) int {
	r.mu.RLock()
	sinks := make([]Sink, 0, len(r.conns))
	for id, c := range r.conns {
		if id == excluding {
			continue
		}
		sinks = append(sinks, c.sink)
	}
	r.mu.RUnlock()

	n := 0
	for _, s := range sinks {
		if s.Deliver(env) {
			n++
		}
	}
	return n
}

// Touch records activity on a conversation. Older timestamps never move it backwards.
func (r *Router) Touch(conversationID int64, at time.Time) {
	r.mu.Lock()
	if at.After(r.activity[conversationID]) {
		r.activity[conversationID] = at
	}
	r.mu.Unlock()
}

// LastActivity returns the last recorded activity for a conversation.
func (r *Router) LastActivity(conversationID int64) (time.Time, bool) {
	r.mu.RLock()
	t, ok := r.activity[conversationID]
	r.mu.RUnlock()
	return t, ok
}

// ConnectionCount returns the number of attached connections.
func (r *Router) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// RoomCount returns the number of non-empty rooms.
func (r *Router) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

func (r *Router) joinLocked(c *connection, ref ChannelRef) {
	room, ok := r.rooms[ref]
	if !ok {
		room = newRoom(r.log, ref)
		r.rooms[ref] = room
	}
	room.join(c.id, c.sink)
	c.rooms[ref] = struct{}{}
}

func (r *Router) leaveLocked(connectionID string, ref ChannelRef) {
	room, ok := r.rooms[ref]
	if !ok {
		return
	}
	if room.leave(connectionID) == 0 {
		delete(r.rooms, ref)
	}
}
