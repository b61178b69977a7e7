package realtime

import (
	"log/slog"
	"strconv"
	"sync"

	v1 "marketchat/shared/contracts/realtime/v1"
)

// ChannelRef addresses a delivery room: a user's personal channel or a conversation's broadcast channel.
type ChannelRef string

// PersonalChannelOf is the deterministic delivery address of a user.
// It exists even while the user is offline; delivering to it then reaches nobody.
func PersonalChannelOf(userID int64) ChannelRef {
	return ChannelRef("user:" + strconv.FormatInt(userID, 10))
}

// ConversationChannelOf is the broadcast address of a conversation.
func ConversationChannelOf(conversationID int64) ChannelRef {
	return ChannelRef("conversation:" + strconv.FormatInt(conversationID, 10))
}

// Room is an in-memory membership + broadcast fanout primitive.
//
// Concurrency guarantees:
// - join/leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Room struct {
	log *slog.Logger
	Ref ChannelRef

	mu      sync.RWMutex
	members map[string]Sink
}

func newRoom(log *slog.Logger, ref ChannelRef) *Room {
	return &Room{
		log:     log,
		Ref:     ref,
		members: make(map[string]Sink),
	}
}

// join adds a connection to membership. It reports whether it was newly added.
func (r *Room) join(connectionID string, sink Sink) bool {
	r.mu.Lock()
	_, had := r.members[connectionID]
	r.members[connectionID] = sink
	r.mu.Unlock()

	if !had {
		r.log.Debug("room.member.join", "room", string(r.Ref), "connection_id", connectionID)
	}
	return !had
}

// leave removes a connection from membership and returns the remaining member count.
func (r *Room) leave(connectionID string) int {
	r.mu.Lock()
	delete(r.members, connectionID)
	n := len(r.members)
	r.mu.Unlock()

	r.log.Debug("room.member.leave", "room", string(r.Ref), "connection_id", connectionID)
	return n
}

func (r *Room) has(connectionID string) bool {
	r.mu.RLock()
	_, ok := r.members[connectionID]
	r.mu.RUnlock()
	return ok
}

// Len returns the member count.
func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Broadcast fans env out to every member except excluding (may be empty).
// Non-blocking: members whose queue is full are skipped. It returns the number of deliveries.
func (r *Room) Broadcast(env v1.Envelope, excluding string) int {
	if r == nil {
		return 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for id, m := range r.members {
		if m == nil || id == excluding {
			continue
		}
		if m.Deliver(env) {
			n++
			continue
		}
		r.log.Info("room.deliver.drop", "room", string(r.Ref), "connection_id", id, "type", env.Type)
	}
	return n
}
