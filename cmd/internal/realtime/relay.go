package realtime

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	v1 "marketchat/shared/contracts/realtime/v1"
)

// RelayConfig wires a Relay. Nil collaborators fall back to in-memory implementations.
type RelayConfig struct {
	Logger   *slog.Logger
	Presence PresenceRegistry
	Dedup    DedupCache
	Store    MessageStore
	Metrics  *Metrics

	// DedupSecret keys the dedup fingerprints. Optional.
	DedupSecret []byte

	// PersistTimeout bounds one message write. Defaults to DefaultPersistTimeout.
	PersistTimeout time.Duration

	// Now overrides the clock (tests).
	Now func() time.Time
}

// Relay is the message relay engine. It turns validated inbound events into
// presence updates, persisted messages and routed deliveries.
//
// Every Handle call runs to completion on the caller's goroutine. The message store is
// the only blocking dependency; presence and dedup are consulted around it.
type Relay struct {
	log      *slog.Logger
	router   *Router
	presence PresenceRegistry
	dedup    DedupCache
	store    MessageStore
	metrics  *Metrics
	secret   []byte
	now      func() time.Time

	persistTimeout time.Duration

	sends singleflight.Group
}

// NewRelay constructs a Relay.
func NewRelay(cfg RelayConfig) *Relay {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	presence := cfg.Presence
	if presence == nil {
		presence = NewMemoryPresence()
	}
	dedup := cfg.Dedup
	if dedup == nil {
		dedup = NewMemoryDedup(DefaultDedupWindow)
	}
	store := cfg.Store
	if store == nil {
		store = NewInMemoryStore()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	persistTimeout := cfg.PersistTimeout
	if persistTimeout <= 0 {
		persistTimeout = DefaultPersistTimeout
	}

	return &Relay{
		log:      log,
		router:   NewRouter(log, presence),
		presence: presence,
		dedup:    dedup,
		store:    store,
		metrics:  cfg.Metrics,
		secret:   cfg.DedupSecret,
		now:      now,

		persistTimeout: persistTimeout,
	}
}

// Router exposes the room router (diagnostics, tests).
func (r *Relay) Router() *Router { return r.router }

// Presence exposes the presence registry.
func (r *Relay) Presence() PresenceRegistry { return r.presence }

// Connect attaches a new transport connection.
func (r *Relay) Connect(connectionID string, sink Sink) {
	r.router.Attach(connectionID, sink)
	r.metrics.connectionOpened()
	r.log.Debug("relay.conn.open", "connection_id", connectionID)
}

// Disconnect releases a connection. The user goes offline only if this connection
// still owns their presence entry; a superseded connection leaves presence untouched.
func (r *Relay) Disconnect(ctx context.Context, connectionID string) {
	r.router.Detach(connectionID)
	r.metrics.connectionClosed()

	entry, removed, err := r.presence.Unregister(ctx, connectionID)
	if err != nil {
		r.log.Warn("relay.presence.unregister.fail", "connection_id", connectionID, "err", err)
		return
	}
	if !removed {
		r.log.Debug("relay.conn.close", "connection_id", connectionID, "presence", "unchanged")
		return
	}

	r.log.Info("relay.user.offline", "user_id", entry.UserID, "connection_id", connectionID)
	r.broadcastStatus(entry.UserID, false, connectionID)
	r.refreshOnline(ctx)
}

// Heartbeat keeps the presence entry of a live connection from expiring. It is a no-op for
// registries without expiry.
func (r *Relay) Heartbeat(ctx context.Context, connectionID string) {
	ref, ok := r.presence.(PresenceRefresher)
	if !ok {
		return
	}
	if _, _, joined := r.router.Identity(connectionID); !joined {
		return
	}
	owner, err := ref.Refresh(ctx, connectionID)
	if err != nil {
		r.log.Warn("relay.presence.refresh.fail", "connection_id", connectionID, "err", err)
		return
	}
	if !owner {
		r.log.Debug("relay.presence.refresh.skip", "connection_id", connectionID)
	}
}

// Handle dispatches one inbound envelope from connectionID.
// A non-nil error is always an *EventError addressed to the originating connection only.
func (r *Relay) Handle(ctx context.Context, connectionID string, env v1.Envelope) error {
	r.metrics.event(env.Type)

	var err error
	switch env.Type {
	case v1.TypeJoin:
		var p v1.JoinPayload
		if err = decodePayload(env, &p); err == nil {
			err = r.Join(ctx, connectionID, p)
		}
	case v1.TypeJoinConversation:
		var p v1.ConversationPayload
		if err = decodePayload(env, &p); err == nil {
			err = r.JoinConversation(ctx, connectionID, p)
		}
	case v1.TypeLeaveConversation:
		var p v1.ConversationPayload
		if err = decodePayload(env, &p); err == nil {
			err = r.LeaveConversation(ctx, connectionID, p)
		}
	case v1.TypeSendMessage:
		var p v1.SendMessagePayload
		if err = decodePayload(env, &p); err == nil {
			err = r.SendMessage(ctx, connectionID, p)
		}
	case v1.TypeTyping:
		var p v1.TypingPayload
		if err = decodePayload(env, &p); err == nil {
			err = r.Typing(ctx, connectionID, p)
		}
	case v1.TypeMarkAsRead:
		var p v1.MarkAsReadPayload
		if err = decodePayload(env, &p); err == nil {
			err = r.MarkAsRead(ctx, connectionID, p)
		}
	case v1.TypeFetchHistory:
		var p v1.FetchHistoryPayload
		if err = decodePayload(env, &p); err == nil {
			err = r.FetchHistory(ctx, connectionID, p)
		}
	case v1.TypeCheckOnline:
		var p v1.CheckOnlinePayload
		if err = decodePayload(env, &p); err == nil {
			err = r.CheckOnline(ctx, connectionID, p)
		}
	default:
		err = &EventError{Code: CodeUnsupported, Message: "unsupported type: " + env.Type, Event: env.Type}
	}

	if err == nil {
		return nil
	}

	ee, ok := AsEventError(err)
	if !ok {
		ee = &EventError{Code: CodeInternal, Message: "internal error", Err: err}
	}
	if ee.Event == "" {
		ee.Event = env.Type
	}
	r.metrics.rejected(ee.Code)

	if ee.Code == CodeInternal || ee.Code == CodePersistenceFailed {
		r.log.Warn("relay.event.fail", "connection_id", connectionID, "type", env.Type, "code", ee.Code, "err", ee.Err)
	} else {
		r.log.Info("relay.event.reject", "connection_id", connectionID, "type", env.Type, "code", ee.Code, "field", ee.Field)
	}
	return ee
}

// Join binds the connection to userID and marks the user online.
func (r *Relay) Join(ctx context.Context, connectionID string, p v1.JoinPayload) error {
	const event = v1.TypeJoin

	if p.UserID == 0 {
		return missingField(event, "userId")
	}
	if p.UserID < 0 {
		return invalidField(event, "userId", "userId must be positive")
	}
	role, err := ParseRole(p.Role)
	if err != nil {
		return invalidField(event, "role", err.Error())
	}

	if uid, _, ok := r.router.Identity(connectionID); ok && uid != p.UserID {
		return &EventError{Code: CodeIdentityMismatch, Field: "userId", Message: "connection already joined as another user", Event: event}
	}

	prev, replaced, err := r.presence.Register(ctx, p.UserID, connectionID, role)
	if err != nil {
		return internalErr(event, err)
	}
	if err := r.router.Bind(connectionID, p.UserID, role); err != nil {
		_, _, _ = r.presence.Unregister(ctx, connectionID)
		return internalErr(event, err)
	}

	if replaced && prev.ConnectionID != connectionID {
		r.log.Info("relay.presence.replace", "user_id", p.UserID, "connection_id", connectionID, "previous_connection_id", prev.ConnectionID)
	}
	r.log.Info("relay.user.online", "user_id", p.UserID, "role", string(role), "connection_id", connectionID)

	r.sendToConn(connectionID, v1.TypeJoined, v1.JoinedPayload{
		UserID:       p.UserID,
		Role:         string(role),
		ConnectionID: connectionID,
	})
	r.broadcastStatus(p.UserID, true, "")
	r.refreshOnline(ctx)
	return nil
}

// JoinConversation subscribes the connection to a conversation room it participates in.
func (r *Relay) JoinConversation(ctx context.Context, connectionID string, p v1.ConversationPayload) error {
	const event = v1.TypeJoinConversation

	userID, err := r.requireIdentity(connectionID, event)
	if err != nil {
		return err
	}
	conv, err := r.participantConversation(ctx, event, p.ConversationID, userID)
	if err != nil {
		return err
	}

	if err := r.router.Subscribe(connectionID, ConversationChannelOf(conv.ID)); err != nil {
		return internalErr(event, err)
	}
	r.sendToConn(connectionID, v1.TypeConversationJoined, v1.ConversationPayload{ConversationID: conv.ID})
	return nil
}

// LeaveConversation drops the connection's room subscription. Leaving a room that was
// never joined is acknowledged the same way.
func (r *Relay) LeaveConversation(_ context.Context, connectionID string, p v1.ConversationPayload) error {
	const event = v1.TypeLeaveConversation

	if _, err := r.requireIdentity(connectionID, event); err != nil {
		return err
	}
	if p.ConversationID == 0 {
		return missingField(event, "conversationId")
	}

	r.router.Unsubscribe(connectionID, ConversationChannelOf(p.ConversationID))
	r.sendToConn(connectionID, v1.TypeConversationLeft, v1.ConversationPayload{ConversationID: p.ConversationID})
	return nil
}

// sendOutcome is the shared result of one deduplicated send.
type sendOutcome struct {
	msg         Message
	duplicateOf int64
}

// SendMessage persists a message and relays it to both participants.
//
// Nothing is delivered unless the store accepted the write. Identical sends inside the
// dedup window (including concurrent ones) persist exactly one row; every other attempt
// gets messageDuplicate on its own connection.
func (r *Relay) SendMessage(ctx context.Context, connectionID string, p v1.SendMessagePayload) error {
	const event = v1.TypeSendMessage

	userID, err := r.requireIdentity(connectionID, event)
	if err != nil {
		return withCorrelation(err, p.ClientCorrelationID)
	}

	content := strings.TrimSpace(p.Content)
	switch {
	case p.SenderID == 0:
		return withCorrelation(missingField(event, "senderId"), p.ClientCorrelationID)
	case p.ReceiverID == 0:
		return withCorrelation(missingField(event, "receiverId"), p.ClientCorrelationID)
	case p.ConversationID == 0:
		return withCorrelation(missingField(event, "conversationId"), p.ClientCorrelationID)
	case content == "":
		return withCorrelation(missingField(event, "content"), p.ClientCorrelationID)
	}
	if utf8.RuneCountInString(content) > maxMessageChars {
		return withCorrelation(invalidField(event, "content", "content exceeds "+strconv.Itoa(maxMessageChars)+" characters"), p.ClientCorrelationID)
	}
	if p.SenderID != userID {
		return withCorrelation(&EventError{Code: CodeIdentityMismatch, Field: "senderId", Message: "senderId does not match joined user", Event: event}, p.ClientCorrelationID)
	}

	conv, err := r.participantConversation(ctx, event, p.ConversationID, userID)
	if err != nil {
		return withCorrelation(err, p.ClientCorrelationID)
	}
	if other, _ := conv.Counterpart(userID); other != p.ReceiverID {
		return withCorrelation(invalidField(event, "receiverId", "receiverId is not the other participant"), p.ClientCorrelationID)
	}

	key, err := DedupKey{SenderID: userID, ConversationID: conv.ID, Content: content}.Digest(r.secret)
	if err != nil {
		return withCorrelation(internalErr(event, err), p.ClientCorrelationID)
	}

	ran := false
	v, err, _ := r.sends.Do(key, func() (any, error) {
		ran = true
		// Callers sharing this flight must not inherit the first caller's cancellation.
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.persistTimeout)
		defer cancel()
		return r.persistOnce(pctx, key, conv.ID, userID, content)
	})
	if err != nil {
		r.log.Warn("relay.send.persist.fail",
			"connection_id", connectionID,
			"conversation_id", conv.ID,
			"sender_id", userID,
			"err", err,
		)
		return &EventError{
			Code:          CodePersistenceFailed,
			Message:       "message could not be saved",
			Event:         event,
			CorrelationID: p.ClientCorrelationID,
			Err:           err,
		}
	}

	out := v.(sendOutcome)
	if !ran && out.duplicateOf == 0 {
		out.duplicateOf = out.msg.ID
	}

	if out.duplicateOf != 0 {
		r.metrics.duplicate()
		r.log.Info("relay.send.duplicate",
			"connection_id", connectionID,
			"conversation_id", conv.ID,
			"sender_id", userID,
			"original_message_id", out.duplicateOf,
		)
		r.sendToConn(connectionID, v1.TypeMessageDuplicate, v1.MessageDuplicatePayload{
			OriginalMessageID:   out.duplicateOf,
			ConversationID:      conv.ID,
			ClientCorrelationID: p.ClientCorrelationID,
		})
		return nil
	}

	msg := out.msg
	r.metrics.messagePersisted()
	r.router.Touch(conv.ID, msg.CreatedAt)
	r.log.Info("relay.send.persisted",
		"connection_id", connectionID,
		"conversation_id", conv.ID,
		"message_id", msg.ID,
		"sender_id", userID,
		"receiver_id", p.ReceiverID,
	)

	r.sendToSender(connectionID, userID, v1.TypeNewMessage, msg.payloadFor(userID, p.ReceiverID, p.ClientCorrelationID))
	r.sendToUser(ctx, p.ReceiverID, v1.TypeNewMessage, msg.payloadFor(p.ReceiverID, p.ReceiverID, ""))
	return nil
}

// persistOnce runs inside the singleflight for key.
func (r *Relay) persistOnce(ctx context.Context, key string, conversationID, senderID int64, content string) (sendOutcome, error) {
	id, found, err := r.dedup.Lookup(ctx, key)
	if err != nil {
		// Dedup is best effort; a cache outage must not block sending.
		r.log.Warn("relay.dedup.lookup.fail", "err", err)
	} else if found {
		return sendOutcome{duplicateOf: id}, nil
	}

	msg, err := r.store.CreateMessage(ctx, CreateMessageInput{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Now:            r.now(),
	})
	if err != nil {
		return sendOutcome{}, err
	}

	existing, found, err := r.dedup.CheckAndInsert(ctx, key, msg.ID)
	switch {
	case err != nil:
		r.log.Warn("relay.dedup.insert.fail", "message_id", msg.ID, "err", err)
	case found:
		// Another instance won the race between our lookup and insert. The row is already
		// durable, so it is still relayed.
		r.log.Warn("relay.dedup.race", "message_id", msg.ID, "existing_message_id", existing)
	}
	return sendOutcome{msg: msg}, nil
}

// Typing relays a typing indicator to the conversation room, excluding the typist.
func (r *Relay) Typing(_ context.Context, connectionID string, p v1.TypingPayload) error {
	const event = v1.TypeTyping

	userID, err := r.requireIdentity(connectionID, event)
	if err != nil {
		return err
	}
	switch {
	case p.ConversationID == 0:
		return missingField(event, "conversationId")
	case p.UserID == 0:
		return missingField(event, "userId")
	case p.UserID != userID:
		return &EventError{Code: CodeIdentityMismatch, Field: "userId", Message: "userId does not match joined user", Event: event}
	}

	ref := ConversationChannelOf(p.ConversationID)
	if !r.router.IsSubscribed(connectionID, ref) {
		return &EventError{Code: CodeNotParticipant, Field: "conversationId", Message: "join the conversation first", Event: event}
	}

	env, ok := r.envelope(v1.TypeUserTyping, v1.TypingPayload{
		ConversationID: p.ConversationID,
		UserID:         userID,
		IsTyping:       p.IsTyping,
	})
	if !ok {
		return nil
	}
	r.router.Broadcast(ref, env, connectionID)
	return nil
}

// MarkAsRead flips the read flag of every message the reader received in the conversation
// and notifies the room. The notification is sent even when nothing changed.
func (r *Relay) MarkAsRead(ctx context.Context, connectionID string, p v1.MarkAsReadPayload) error {
	const event = v1.TypeMarkAsRead

	userID, err := r.requireIdentity(connectionID, event)
	if err != nil {
		return err
	}
	switch {
	case p.ConversationID == 0:
		return missingField(event, "conversationId")
	case p.UserID == 0:
		return missingField(event, "userId")
	case p.UserID != userID:
		return &EventError{Code: CodeIdentityMismatch, Field: "userId", Message: "userId does not match joined user", Event: event}
	}

	conv, err := r.participantConversation(ctx, event, p.ConversationID, userID)
	if err != nil {
		return err
	}

	n, err := r.store.MarkRead(ctx, conv.ID, userID)
	if err != nil {
		return &EventError{Code: CodePersistenceFailed, Message: "read state could not be saved", Event: event, Err: err}
	}
	r.log.Debug("relay.read.marked", "conversation_id", conv.ID, "user_id", userID, "count", n)

	env, ok := r.envelope(v1.TypeMessagesRead, v1.MessagesReadPayload{
		ConversationID: conv.ID,
		UserID:         userID,
		Count:          n,
	})
	if !ok {
		return nil
	}
	ref := ConversationChannelOf(conv.ID)
	r.router.Broadcast(ref, env, "")
	if !r.router.IsSubscribed(connectionID, ref) {
		r.router.SendToConn(connectionID, env)
	}
	return nil
}

// FetchHistory returns a window of persisted messages after an optional id.
func (r *Relay) FetchHistory(ctx context.Context, connectionID string, p v1.FetchHistoryPayload) error {
	const event = v1.TypeFetchHistory

	userID, err := r.requireIdentity(connectionID, event)
	if err != nil {
		return err
	}
	if p.Limit < 0 {
		return invalidField(event, "limit", "limit must not be negative")
	}
	if p.AfterID != nil && *p.AfterID < 0 {
		return invalidField(event, "afterId", "afterId must not be negative")
	}
	conv, err := r.participantConversation(ctx, event, p.ConversationID, userID)
	if err != nil {
		return err
	}

	res, err := r.store.FetchHistory(ctx, FetchHistoryInput{
		ConversationID: conv.ID,
		AfterID:        p.AfterID,
		Limit:          p.Limit,
	})
	if err != nil {
		return internalErr(event, err)
	}

	other, _ := conv.Counterpart(userID)
	msgs := make([]v1.NewMessagePayload, 0, len(res.Messages))
	for _, m := range res.Messages {
		receiver := other
		if m.SenderID != userID {
			receiver = userID
		}
		msgs = append(msgs, m.payloadFor(userID, receiver, ""))
	}

	r.sendToConn(connectionID, v1.TypeHistoryChunk, v1.HistoryChunkPayload{
		ConversationID: conv.ID,
		Messages:       msgs,
		HasMore:        res.HasMore,
	})
	return nil
}

// CheckOnline answers with the user's current presence status.
func (r *Relay) CheckOnline(ctx context.Context, connectionID string, p v1.CheckOnlinePayload) error {
	const event = v1.TypeCheckOnline

	if _, err := r.requireIdentity(connectionID, event); err != nil {
		return err
	}
	if p.UserID == 0 {
		return missingField(event, "userId")
	}

	online, err := r.presence.IsOnline(ctx, p.UserID)
	if err != nil {
		return internalErr(event, err)
	}
	r.sendToConn(connectionID, v1.TypeUserStatus, statusPayload(p.UserID, online))
	return nil
}

// ---- helpers ----

func (r *Relay) requireIdentity(connectionID, event string) (int64, error) {
	userID, _, ok := r.router.Identity(connectionID)
	if !ok {
		return 0, &EventError{Code: CodeNotJoined, Message: "join first", Event: event}
	}
	return userID, nil
}

func (r *Relay) participantConversation(ctx context.Context, event string, conversationID, userID int64) (Conversation, error) {
	if conversationID == 0 {
		return Conversation{}, missingField(event, "conversationId")
	}
	conv, err := r.store.GetConversation(ctx, conversationID)
	if errors.Is(err, ErrConversationNotFound) {
		return Conversation{}, &EventError{Code: CodeConversationNotFound, Field: "conversationId", Message: "conversation not found", Event: event, Err: err}
	}
	if err != nil {
		return Conversation{}, internalErr(event, err)
	}
	if !conv.HasParticipant(userID) {
		return Conversation{}, &EventError{Code: CodeNotParticipant, Field: "conversationId", Message: "not a participant of conversation", Event: event, Err: ErrNotParticipant}
	}
	return conv, nil
}

func (r *Relay) envelope(typ string, payload any) (v1.Envelope, bool) {
	now := r.now()
	env, err := v1.NewEnvelope(typ, NewEnvelopeID(now), now, payload)
	if err != nil {
		r.log.Error("relay.envelope.fail", "type", typ, "err", err)
		return v1.Envelope{}, false
	}
	return env, true
}

func (r *Relay) sendToConn(connectionID, typ string, payload any) {
	env, ok := r.envelope(typ, payload)
	if !ok {
		return
	}
	if !r.router.SendToConn(connectionID, env) {
		r.metrics.dropped()
		r.log.Info("relay.deliver.drop", "connection_id", connectionID, "type", typ)
	}
}

// sendToSender delivers to the sender's personal channel regardless of presence, since the
// originating connection may no longer own the presence entry. The originating connection
// always gets its copy.
func (r *Relay) sendToSender(connectionID string, userID int64, typ string, payload any) {
	env, ok := r.envelope(typ, payload)
	if !ok {
		return
	}
	ref := PersonalChannelOf(userID)
	r.router.Broadcast(ref, env, "")
	if r.router.IsSubscribed(connectionID, ref) {
		return
	}
	if !r.router.SendToConn(connectionID, env) {
		r.metrics.dropped()
		r.log.Info("relay.deliver.drop", "connection_id", connectionID, "type", typ)
	}
}

func (r *Relay) sendToUser(ctx context.Context, userID int64, typ string, payload any) {
	env, ok := r.envelope(typ, payload)
	if !ok {
		return
	}
	n, err := r.router.SendToUser(ctx, userID, env)
	if err != nil {
		r.log.Warn("relay.deliver.presence.fail", "user_id", userID, "type", typ, "err", err)
		return
	}
	if n == 0 {
		r.log.Debug("relay.deliver.offline", "user_id", userID, "type", typ)
	}
}

func (r *Relay) broadcastStatus(userID int64, online bool, excluding string) {
	env, ok := r.envelope(v1.TypeUserStatus, statusPayload(userID, online))
	if !ok {
		return
	}
	r.router.BroadcastAll(env, excluding)
}

func (r *Relay) refreshOnline(ctx context.Context) {
	if r.metrics == nil {
		return
	}
	n, err := r.presence.OnlineCount(ctx)
	if err != nil {
		return
	}
	r.metrics.setOnline(n)
}

func statusPayload(userID int64, online bool) v1.UserStatusPayload {
	status := v1.StatusOffline
	if online {
		status = v1.StatusOnline
	}
	return v1.UserStatusPayload{UserID: userID, Status: status, Online: online}
}

func decodePayload(env v1.Envelope, dst any) error {
	if err := env.Decode(dst); err != nil {
		return &EventError{Code: CodeInvalidPayload, Message: "invalid payload: " + err.Error(), Event: env.Type, Err: err}
	}
	return nil
}

func internalErr(event string, err error) *EventError {
	return &EventError{Code: CodeInternal, Message: "internal error", Event: event, Err: err}
}

func withCorrelation(err error, correlationID string) error {
	if ee, ok := AsEventError(err); ok && ee.CorrelationID == "" {
		ee.CorrelationID = correlationID
	}
	return err
}
