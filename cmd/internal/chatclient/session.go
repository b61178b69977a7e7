// Package chatclient is the client side of the realtime chat protocol.
//
// A Session keeps one user connected to the relay, re-establishing the session after
// transport loss, and keeps a Timeline per conversation that merges optimistic sends
// with the server's authoritative copies.
package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/google/uuid"

	v1 "marketchat/shared/contracts/realtime/v1"
)

const (
	defaultDialTimeout  = 5 * time.Second
	defaultWriteTimeout = 5 * time.Second
	maxReadBytes        = 1 << 20
)

// ErrNotConnected is returned by operations that need a live transport.
var ErrNotConnected = errors.New("chatclient: not connected")

// Config configures a Session.
type Config struct {
	URL    string
	Origin string

	UserID int64
	Role   string

	Logger *slog.Logger

	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// NewBackOff returns the reconnect policy. Defaults to an unbounded exponential backoff.
	NewBackOff func() backoff.BackOff

	// OnEvent observes every inbound envelope after the session has applied it.
	OnEvent func(v1.Envelope)

	// Now overrides the clock (tests).
	Now func() time.Time
}

// Session is a reconnecting client connection for one user.
type Session struct {
	cfg Config
	log *slog.Logger

	mu           sync.Mutex
	conn         *websocket.Conn
	connectionID string
	timelines    map[int64]*Timeline
	ready        chan struct{}
}

// NewSession validates cfg and constructs a Session. Call Run to connect.
func NewSession(cfg Config) (*Session, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("chatclient: missing url")
	}
	if cfg.UserID <= 0 {
		return nil, errors.New("chatclient: user id must be positive")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Session{
		cfg:       cfg,
		log:       cfg.Logger.With("user_id", cfg.UserID),
		timelines: make(map[int64]*Timeline),
		ready:     make(chan struct{}),
	}, nil
}

// Run keeps the session connected until ctx is done. It returns ctx.Err() on shutdown,
// or the dial error when the backoff policy gives up.
func (s *Session) Run(ctx context.Context) error {
	for {
		var conn *websocket.Conn
		op := func() error {
			c, err := s.dial(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return backoff.Permanent(ctx.Err())
				}
				return err
			}
			conn = c
			return nil
		}
		notify := func(err error, wait time.Duration) {
			s.log.Info("chatclient.dial.retry", "err", err, "wait", wait)
		}
		if err := backoff.RetryNotify(op, backoff.WithContext(s.cfg.NewBackOff(), ctx), notify); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		err := s.serve(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Info("chatclient.conn.lost", "err", err)
	}
}

// Ready is closed once the first join has been acknowledged.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// ConnectionID returns the server-assigned id of the current connection.
func (s *Session) ConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionID
}

// Connected reports whether a transport is currently attached.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Timeline returns the timeline of conversationID, creating it on first use.
func (s *Session) Timeline(conversationID int64) *Timeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timelineLocked(conversationID)
}

// JoinConversation tracks conversationID and subscribes to its room.
// The subscription is renewed on every reconnect.
func (s *Session) JoinConversation(ctx context.Context, conversationID int64) error {
	s.Timeline(conversationID)
	return s.emit(ctx, v1.TypeJoinConversation, v1.ConversationPayload{ConversationID: conversationID})
}

// Send appends an optimistic echo and emits sendMessage. A transport failure keeps the
// echo pending; it is re-sent after reconnecting and the server dedup window collapses retries.
func (s *Session) Send(ctx context.Context, conversationID, receiverID int64, content string) (Entry, error) {
	tl := s.Timeline(conversationID)
	e := tl.AddPending(s.cfg.UserID, receiverID, content, s.cfg.Now())

	err := s.emit(ctx, v1.TypeSendMessage, sendPayload(e))
	if err != nil && !errors.Is(err, ErrNotConnected) {
		s.log.Info("chatclient.send.deferred", "conversation_id", conversationID, "correlation_id", e.CorrelationID, "err", err)
	}
	return e, err
}

// Typing emits a typing indicator.
func (s *Session) Typing(ctx context.Context, conversationID int64, isTyping bool) error {
	return s.emit(ctx, v1.TypeTyping, v1.TypingPayload{ConversationID: conversationID, UserID: s.cfg.UserID, IsTyping: isTyping})
}

// MarkAsRead asks the server to mark everything received in conversationID as read.
func (s *Session) MarkAsRead(ctx context.Context, conversationID int64) error {
	return s.emit(ctx, v1.TypeMarkAsRead, v1.MarkAsReadPayload{ConversationID: conversationID, UserID: s.cfg.UserID})
}

// CheckOnline asks for userID's presence; the answer arrives as a userStatus event.
func (s *Session) CheckOnline(ctx context.Context, userID int64) error {
	return s.emit(ctx, v1.TypeCheckOnline, v1.CheckOnlinePayload{UserID: userID})
}

// Drop closes the current transport without stopping Run; the session reconnects.
func (s *Session) Drop() {
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c != nil {
		_ = c.Close(websocket.StatusGoingAway, "client drop")
	}
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()

	h := http.Header{}
	if s.cfg.Origin != "" {
		h.Set("Origin", s.cfg.Origin)
	}
	c, resp, err := websocket.Dial(dctx, s.cfg.URL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusForbidden {
			return nil, backoff.Permanent(fmt.Errorf("dial %s: %w", s.cfg.URL, err))
		}
		return nil, fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}
	if c.Subprotocol() != v1.Subprotocol {
		_ = c.Close(websocket.StatusProtocolError, "subprotocol not negotiated")
		return nil, backoff.Permanent(fmt.Errorf("server did not select %s", v1.Subprotocol))
	}
	c.SetReadLimit(maxReadBytes)
	return c, nil
}

// serve runs one connection: resync, then read until the transport fails.
func (s *Session) serve(ctx context.Context, conn *websocket.Conn) error {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	if err := s.resync(ctx, conn); err != nil {
		return err
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.log.Warn("chatclient.read.bad_json", "err", err)
			continue
		}
		s.apply(ctx, env)
		if s.cfg.OnEvent != nil {
			s.cfg.OnEvent(env)
		}
	}
}

// resync restores server-side state after a (re)connect: identity, room subscriptions,
// missed history and unacknowledged sends, in that order.
func (s *Session) resync(ctx context.Context, conn *websocket.Conn) error {
	if err := s.write(ctx, conn, v1.TypeJoin, v1.JoinPayload{UserID: s.cfg.UserID, Role: s.cfg.Role}); err != nil {
		return err
	}

	for _, tl := range s.snapshotTimelines() {
		if err := s.write(ctx, conn, v1.TypeJoinConversation, v1.ConversationPayload{ConversationID: tl.ConversationID()}); err != nil {
			return err
		}
		p := v1.FetchHistoryPayload{ConversationID: tl.ConversationID()}
		if last := tl.LastID(); last > 0 {
			p.AfterID = &last
		}
		if err := s.write(ctx, conn, v1.TypeFetchHistory, p); err != nil {
			return err
		}
		for _, e := range tl.Pending() {
			if err := s.write(ctx, conn, v1.TypeSendMessage, sendPayload(e)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Session) apply(ctx context.Context, env v1.Envelope) {
	switch env.Type {
	case v1.TypeJoined:
		var p v1.JoinedPayload
		if env.Decode(&p) != nil {
			return
		}
		s.mu.Lock()
		s.connectionID = p.ConnectionID
		select {
		case <-s.ready:
		default:
			close(s.ready)
		}
		s.mu.Unlock()
		s.log.Info("chatclient.joined", "connection_id", p.ConnectionID)

	case v1.TypeNewMessage:
		var p v1.NewMessagePayload
		if env.Decode(&p) == nil {
			s.Timeline(p.ConversationID).Apply(p)
		}

	case v1.TypeMessageDuplicate:
		var p v1.MessageDuplicatePayload
		if env.Decode(&p) == nil && p.ConversationID != 0 {
			s.Timeline(p.ConversationID).ResolveDuplicate(p)
		}

	case v1.TypeHistoryChunk:
		var p v1.HistoryChunkPayload
		if env.Decode(&p) != nil {
			return
		}
		tl := s.Timeline(p.ConversationID)
		for _, m := range p.Messages {
			tl.Apply(m)
		}
		if p.HasMore && len(p.Messages) > 0 {
			after := p.Messages[len(p.Messages)-1].ID
			_ = s.emit(ctx, v1.TypeFetchHistory, v1.FetchHistoryPayload{ConversationID: p.ConversationID, AfterID: &after})
		}

	case v1.TypeMessagesRead:
		var p v1.MessagesReadPayload
		if env.Decode(&p) == nil {
			s.Timeline(p.ConversationID).MarkRead(p.UserID)
		}

	case v1.TypeError:
		var p v1.ErrorPayload
		if env.Decode(&p) != nil {
			return
		}
		s.log.Info("chatclient.server.error", "code", p.Code, "event", p.Event, "field", p.Field, "message", p.Message)
		if p.Event == v1.TypeSendMessage && p.ClientCorrelationID != "" {
			s.failPending(p.ClientCorrelationID)
		}
	}
}

func (s *Session) failPending(correlationID string) {
	for _, tl := range s.snapshotTimelines() {
		if tl.Fail(correlationID) {
			return
		}
	}
}

func (s *Session) emit(ctx context.Context, typ string, payload any) error {
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c == nil {
		return ErrNotConnected
	}
	return s.write(ctx, c, typ, payload)
}

func (s *Session) write(ctx context.Context, c *websocket.Conn, typ string, payload any) error {
	now := s.cfg.Now()
	env, err := v1.NewEnvelope(typ, uuid.NewString(), now, payload)
	if err != nil {
		return err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return c.Write(wctx, websocket.MessageText, b)
}

func (s *Session) snapshotTimelines() []*Timeline {
	s.mu.Lock()
	out := make([]*Timeline, 0, len(s.timelines))
	for _, tl := range s.timelines {
		out = append(out, tl)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID() < out[j].ConversationID() })
	return out
}

func (s *Session) timelineLocked(conversationID int64) *Timeline {
	tl, ok := s.timelines[conversationID]
	if !ok {
		tl = NewTimeline(conversationID)
		s.timelines[conversationID] = tl
	}
	return tl
}

func sendPayload(e Entry) v1.SendMessagePayload {
	return v1.SendMessagePayload{
		SenderID:            e.SenderID,
		ReceiverID:          e.ReceiverID,
		ConversationID:      e.ConversationID,
		Content:             e.Content,
		ClientCorrelationID: e.CorrelationID,
	}
}
