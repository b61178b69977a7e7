package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	v1 "marketchat/shared/contracts/realtime/v1"
)

type relayHarness struct {
	relay   *Relay
	store   *InMemoryStore
	clock   *fakeClock
	metrics *Metrics
	sinks   map[string]*recordingSink
}

func newRelayHarness(t *testing.T, store MessageStore) *relayHarness {
	t.Helper()

	mem := NewInMemoryStore()
	if store == nil {
		store = mem
	}
	clk := newFakeClock()
	m := NewMetrics(prometheus.NewRegistry())

	return &relayHarness{
		relay: NewRelay(RelayConfig{
			Logger:  quietLogger(),
			Store:   store,
			Dedup:   NewMemoryDedup(DefaultDedupWindow, WithDedupClock(clk.Now)),
			Metrics: m,
			Now:     clk.Now,
		}),
		store:   mem,
		clock:   clk,
		metrics: m,
		sinks:   make(map[string]*recordingSink),
	}
}

func (h *relayHarness) connect(conn string) *recordingSink {
	s := &recordingSink{}
	h.sinks[conn] = s
	h.relay.Connect(conn, s)
	return s
}

func (h *relayHarness) handle(t *testing.T, conn, typ string, payload any) error {
	t.Helper()
	return h.relay.Handle(context.Background(), conn, mustEnvelope(t, typ, payload))
}

func (h *relayHarness) mustHandle(t *testing.T, conn, typ string, payload any) {
	t.Helper()
	if err := h.handle(t, conn, typ, payload); err != nil {
		t.Fatalf("%s on %s: %v", typ, conn, err)
	}
}

// online connects conn, joins as userID and clears the sink.
func (h *relayHarness) online(t *testing.T, conn string, userID int64, role string) *recordingSink {
	t.Helper()
	s := h.connect(conn)
	h.mustHandle(t, conn, v1.TypeJoin, v1.JoinPayload{UserID: userID, Role: role})
	h.resetAll()
	return s
}

func (h *relayHarness) resetAll() {
	for _, s := range h.sinks {
		s.reset()
	}
}

func expectCode(t *testing.T, err error, code string) *EventError {
	t.Helper()
	ee, ok := AsEventError(err)
	if !ok {
		t.Fatalf("expected *EventError with code %q, got %v", code, err)
	}
	if ee.Code != code {
		t.Fatalf("expected code %q, got %q (%v)", code, ee.Code, ee)
	}
	return ee
}

// failingStore rejects writes while fail is set.
type failingStore struct {
	*InMemoryStore
	fail atomic.Bool
}

func (s *failingStore) CreateMessage(ctx context.Context, in CreateMessageInput) (Message, error) {
	if s.fail.Load() {
		return Message{}, errors.New("disk full")
	}
	return s.InMemoryStore.CreateMessage(ctx, in)
}

func (s *failingStore) MarkRead(ctx context.Context, conversationID, readerID int64) (int64, error) {
	if s.fail.Load() {
		return 0, errors.New("disk full")
	}
	return s.InMemoryStore.MarkRead(ctx, conversationID, readerID)
}

func TestRelay_Join_AcksAndAnnounces(t *testing.T) {
	h := newRelayHarness(t, nil)
	watcher := h.online(t, "w", 50, "")
	s := h.connect("c1")

	h.mustHandle(t, "c1", v1.TypeJoin, v1.JoinPayload{UserID: 1, Role: "Buyer"})

	joined := decodeOnly[v1.JoinedPayload](t, s, v1.TypeJoined)
	if joined.UserID != 1 || joined.Role != v1.RoleBuyer || joined.ConnectionID != "c1" {
		t.Fatalf("unexpected joined payload: %+v", joined)
	}

	st := decodeOnly[v1.UserStatusPayload](t, watcher, v1.TypeUserStatus)
	if st.UserID != 1 || !st.Online || st.Status != v1.StatusOnline {
		t.Fatalf("unexpected status: %+v", st)
	}

	online, _ := h.relay.Presence().IsOnline(context.Background(), 1)
	if !online {
		t.Fatalf("user must be online after join")
	}
}

func TestRelay_Join_Validation(t *testing.T) {
	h := newRelayHarness(t, nil)
	h.connect("c1")

	ee := expectCode(t, h.handle(t, "c1", v1.TypeJoin, v1.JoinPayload{}), CodeMissingField)
	if ee.Field != "userId" || ee.Event != v1.TypeJoin {
		t.Fatalf("unexpected error: %+v", ee)
	}
	expectCode(t, h.handle(t, "c1", v1.TypeJoin, v1.JoinPayload{UserID: -3}), CodeInvalidField)
	expectCode(t, h.handle(t, "c1", v1.TypeJoin, v1.JoinPayload{UserID: 3, Role: "admin"}), CodeInvalidField)

	h.mustHandle(t, "c1", v1.TypeJoin, v1.JoinPayload{UserID: 3})
	h.mustHandle(t, "c1", v1.TypeJoin, v1.JoinPayload{UserID: 3})
	expectCode(t, h.handle(t, "c1", v1.TypeJoin, v1.JoinPayload{UserID: 4}), CodeIdentityMismatch)
}

func TestRelay_RequiresJoin(t *testing.T) {
	h := newRelayHarness(t, nil)
	s := h.connect("c1")

	err := h.handle(t, "c1", v1.TypeSendMessage, v1.SendMessagePayload{
		SenderID: 1, ReceiverID: 2, ConversationID: 1, Content: "hi", ClientCorrelationID: "cc-1",
	})
	ee := expectCode(t, err, CodeNotJoined)
	if ee.CorrelationID != "cc-1" {
		t.Fatalf("expected correlation id to be echoed, got %q", ee.CorrelationID)
	}

	for _, typ := range []string{v1.TypeJoinConversation, v1.TypeTyping, v1.TypeMarkAsRead, v1.TypeFetchHistory, v1.TypeCheckOnline, v1.TypeLeaveConversation} {
		expectCode(t, h.handle(t, "c1", typ, map[string]any{"conversationId": 1, "userId": 1}), CodeNotJoined)
	}
	if len(s.all()) != 0 {
		t.Fatalf("rejected events must not deliver anything, got %v", types(s.all()))
	}
}

func TestRelay_Handle_UnsupportedAndBadPayload(t *testing.T) {
	h := newRelayHarness(t, nil)
	h.connect("c1")

	env := v1.Envelope{V: v1.Version, Type: "explode"}
	ee := expectCode(t, h.relay.Handle(context.Background(), "c1", env), CodeUnsupported)
	if ee.Event != "explode" {
		t.Fatalf("expected event to be filled, got %q", ee.Event)
	}

	env = v1.Envelope{V: v1.Version, Type: v1.TypeJoin, Payload: json.RawMessage(`"nope"`)}
	expectCode(t, h.relay.Handle(context.Background(), "c1", env), CodeInvalidPayload)

	env = v1.Envelope{V: v1.Version, Type: v1.TypeJoin}
	expectCode(t, h.relay.Handle(context.Background(), "c1", env), CodeInvalidPayload)

	if got := testutil.ToFloat64(h.metrics.rejections.WithLabelValues(CodeInvalidPayload)); got != 2 {
		t.Fatalf("expected 2 invalid_payload rejections, got %v", got)
	}
}

func TestRelay_JoinConversation_ParticipantCheck(t *testing.T) {
	h := newRelayHarness(t, nil)
	conv := mustOpen(t, h.store, 1, 2, 7, testNow())

	buyer := h.online(t, "b", 1, v1.RoleBuyer)
	h.online(t, "x", 3, v1.RoleBuyer)

	h.mustHandle(t, "b", v1.TypeJoinConversation, v1.ConversationPayload{ConversationID: conv.ID})
	ack := decodeOnly[v1.ConversationPayload](t, buyer, v1.TypeConversationJoined)
	if ack.ConversationID != conv.ID {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	if !h.relay.Router().IsSubscribed("b", ConversationChannelOf(conv.ID)) {
		t.Fatalf("expected room membership")
	}

	expectCode(t, h.handle(t, "x", v1.TypeJoinConversation, v1.ConversationPayload{ConversationID: conv.ID}), CodeNotParticipant)
	expectCode(t, h.handle(t, "b", v1.TypeJoinConversation, v1.ConversationPayload{ConversationID: 999}), CodeConversationNotFound)
	expectCode(t, h.handle(t, "b", v1.TypeJoinConversation, v1.ConversationPayload{}), CodeMissingField)

	buyer.reset()
	h.mustHandle(t, "b", v1.TypeLeaveConversation, v1.ConversationPayload{ConversationID: conv.ID})
	decodeOnly[v1.ConversationPayload](t, buyer, v1.TypeConversationLeft)
	if h.relay.Router().IsSubscribed("b", ConversationChannelOf(conv.ID)) {
		t.Fatalf("expected room membership to be dropped")
	}

	// Leaving again is acknowledged the same way.
	h.mustHandle(t, "b", v1.TypeLeaveConversation, v1.ConversationPayload{ConversationID: conv.ID})
}

func TestRelay_SendMessage_DeliversToBothParticipants(t *testing.T) {
	h := newRelayHarness(t, nil)
	conv := mustOpen(t, h.store, 1, 2, 7, testNow())

	buyer := h.online(t, "b", 1, v1.RoleBuyer)
	seller := h.online(t, "s", 2, v1.RoleSeller)
	bystander := h.online(t, "x", 3, v1.RoleBuyer)

	h.mustHandle(t, "b", v1.TypeSendMessage, v1.SendMessagePayload{
		SenderID: 1, ReceiverID: 2, ConversationID: conv.ID, Content: "  Hello ", ClientCorrelationID: "tmp-1",
	})

	mine := decodeOnly[v1.NewMessagePayload](t, buyer, v1.TypeNewMessage)
	theirs := decodeOnly[v1.NewMessagePayload](t, seller, v1.TypeNewMessage)

	if mine.ID <= 0 || mine.ID != theirs.ID {
		t.Fatalf("expected the same persisted id, got %d and %d", mine.ID, theirs.ID)
	}
	if !mine.IsMine || theirs.IsMine {
		t.Fatalf("isMine must be computed per recipient: sender=%v receiver=%v", mine.IsMine, theirs.IsMine)
	}
	if mine.Content != "Hello" || theirs.Content != "Hello" {
		t.Fatalf("expected trimmed content, got %q / %q", mine.Content, theirs.Content)
	}
	if mine.ClientCorrelationID != "tmp-1" || theirs.ClientCorrelationID != "" {
		t.Fatalf("correlation id must only reach the sender: %q / %q", mine.ClientCorrelationID, theirs.ClientCorrelationID)
	}
	if mine.SenderID != 1 || mine.ReceiverID != 2 || mine.ConversationID != conv.ID || mine.Read {
		t.Fatalf("unexpected payload: %+v", mine)
	}
	if len(bystander.all()) != 0 {
		t.Fatalf("bystander received %v", types(bystander.all()))
	}

	if n := h.store.Count(conv.ID); n != 1 {
		t.Fatalf("expected 1 persisted row, got %d", n)
	}
	if at, ok := h.relay.Router().LastActivity(conv.ID); !ok || at.IsZero() {
		t.Fatalf("expected conversation activity to be recorded")
	}
	if got := testutil.ToFloat64(h.metrics.persisted); got != 1 {
		t.Fatalf("expected persisted counter 1, got %v", got)
	}
}

func TestRelay_SendMessage_SenderEchoWhenPresenceMovedAway(t *testing.T) {
	h := newRelayHarness(t, nil)
	ctx := context.Background()
	conv := mustOpen(t, h.store, 1, 2, 7, testNow())

	tabA := h.online(t, "a", 1, v1.RoleBuyer)
	h.online(t, "b2", 1, v1.RoleBuyer)
	seller := h.online(t, "s", 2, v1.RoleSeller)

	// The newer tab owned presence; its close leaves the user offline while tab A stays attached.
	h.relay.Disconnect(ctx, "b2")
	if online, _ := h.relay.Presence().IsOnline(ctx, 1); online {
		t.Fatalf("user 1 must be offline after the owning tab closed")
	}
	h.resetAll()

	h.mustHandle(t, "a", v1.TypeSendMessage, v1.SendMessagePayload{
		SenderID: 1, ReceiverID: 2, ConversationID: conv.ID, Content: "hi", ClientCorrelationID: "tmp-a",
	})

	if n := h.store.Count(conv.ID); n != 1 {
		t.Fatalf("expected 1 persisted row, got %d", n)
	}
	mine := decodeOnly[v1.NewMessagePayload](t, tabA, v1.TypeNewMessage)
	if !mine.IsMine || mine.ClientCorrelationID != "tmp-a" {
		t.Fatalf("sender copy must carry isMine and the correlation id: %+v", mine)
	}
	theirs := decodeOnly[v1.NewMessagePayload](t, seller, v1.TypeNewMessage)
	if theirs.ID != mine.ID {
		t.Fatalf("receiver got id %d, sender %d", theirs.ID, mine.ID)
	}
}

// blockingStore holds CreateMessage until release is closed and honors the context it is given.
type blockingStore struct {
	*InMemoryStore
	entered chan struct{}
	release chan struct{}
}

func (s *blockingStore) CreateMessage(ctx context.Context, in CreateMessageInput) (Message, error) {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	return s.InMemoryStore.CreateMessage(ctx, in)
}

func TestRelay_SendMessage_PersistOutlivesSenderContext(t *testing.T) {
	bs := &blockingStore{InMemoryStore: NewInMemoryStore(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	h := newRelayHarness(t, bs)
	conv := mustOpen(t, bs, 1, 2, 7, testNow())
	buyer := h.online(t, "b", 1, v1.RoleBuyer)

	env := mustEnvelope(t, v1.TypeSendMessage, v1.SendMessagePayload{SenderID: 1, ReceiverID: 2, ConversationID: conv.ID, Content: "Hello"})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.relay.Handle(ctx, "b", env) }()

	select {
	case <-bs.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("store was never called")
	}
	// The connection goes away while the write is in flight.
	cancel()
	close(bs.release)

	if err := <-errCh; err != nil {
		t.Fatalf("send must not fail with the sender's context: %v", err)
	}
	if n := bs.Count(conv.ID); n != 1 {
		t.Fatalf("expected 1 persisted row, got %d", n)
	}
	decodeOnly[v1.NewMessagePayload](t, buyer, v1.TypeNewMessage)
}

func TestRelay_Heartbeat_RefreshesJoinedConnections(t *testing.T) {
	p := newRefreshingPresence()
	r := NewRelay(RelayConfig{Logger: quietLogger(), Presence: p})
	ctx := context.Background()

	r.Connect("a", &recordingSink{})
	r.Heartbeat(ctx, "a")
	select {
	case got := <-p.refreshed:
		t.Fatalf("refresh before join: %q", got)
	default:
	}

	if err := r.Handle(ctx, "a", mustEnvelope(t, v1.TypeJoin, v1.JoinPayload{UserID: 1})); err != nil {
		t.Fatalf("join: %v", err)
	}
	r.Heartbeat(ctx, "a")
	select {
	case got := <-p.refreshed:
		if got != "a" {
			t.Fatalf("refreshed %q, want a", got)
		}
	default:
		t.Fatalf("expected a refresh after join")
	}

	// Registries without expiry are left alone.
	plain := NewRelay(RelayConfig{Logger: quietLogger()})
	plain.Connect("x", &recordingSink{})
	plain.Heartbeat(ctx, "x")
}

func TestRelay_SendMessage_OfflineReceiverStillPersists(t *testing.T) {
	h := newRelayHarness(t, nil)
	conv := mustOpen(t, h.store, 1, 2, 7, testNow())
	buyer := h.online(t, "b", 1, v1.RoleBuyer)

	h.mustHandle(t, "b", v1.TypeSendMessage, v1.SendMessagePayload{SenderID: 1, ReceiverID: 2, ConversationID: conv.ID, Content: "anyone?"})

	decodeOnly[v1.NewMessagePayload](t, buyer, v1.TypeNewMessage)
	if n := h.store.Count(conv.ID); n != 1 {
		t.Fatalf("expected 1 persisted row, got %d", n)
	}
}

func TestRelay_SendMessage_Validation(t *testing.T) {
	h := newRelayHarness(t, nil)
	conv := mustOpen(t, h.store, 1, 2, 7, testNow())
	other := mustOpen(t, h.store, 5, 6, 7, testNow())
	h.online(t, "b", 1, v1.RoleBuyer)

	cases := []struct {
		name  string
		p     v1.SendMessagePayload
		code  string
		field string
	}{
		{"missing sender", v1.SendMessagePayload{ReceiverID: 2, ConversationID: conv.ID, Content: "x"}, CodeMissingField, "senderId"},
		{"missing receiver", v1.SendMessagePayload{SenderID: 1, ConversationID: conv.ID, Content: "x"}, CodeMissingField, "receiverId"},
		{"missing conversation", v1.SendMessagePayload{SenderID: 1, ReceiverID: 2, Content: "x"}, CodeMissingField, "conversationId"},
		{"blank content", v1.SendMessagePayload{SenderID: 1, ReceiverID: 2, ConversationID: conv.ID, Content: "   "}, CodeMissingField, "content"},
		{"too long", v1.SendMessagePayload{SenderID: 1, ReceiverID: 2, ConversationID: conv.ID, Content: strings.Repeat("é", maxMessageChars+1)}, CodeInvalidField, "content"},
		{"spoofed sender", v1.SendMessagePayload{SenderID: 2, ReceiverID: 1, ConversationID: conv.ID, Content: "x"}, CodeIdentityMismatch, "senderId"},
		{"wrong receiver", v1.SendMessagePayload{SenderID: 1, ReceiverID: 9, ConversationID: conv.ID, Content: "x"}, CodeInvalidField, "receiverId"},
		{"not participant", v1.SendMessagePayload{SenderID: 1, ReceiverID: 6, ConversationID: other.ID, Content: "x"}, CodeNotParticipant, "conversationId"},
		{"unknown conversation", v1.SendMessagePayload{SenderID: 1, ReceiverID: 2, ConversationID: 999, Content: "x"}, CodeConversationNotFound, "conversationId"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.p.ClientCorrelationID = "cc"
			ee := expectCode(t, h.handle(t, "b", v1.TypeSendMessage, tc.p), tc.code)
			if ee.Field != tc.field {
				t.Fatalf("expected field %q, got %q", tc.field, ee.Field)
			}
			if ee.CorrelationID != "cc" {
				t.Fatalf("expected correlation id to be echoed, got %q", ee.CorrelationID)
			}
		})
	}

	// Exactly the limit is accepted.
	h.mustHandle(t, "b", v1.TypeSendMessage, v1.SendMessagePayload{SenderID: 1, ReceiverID: 2, ConversationID: conv.ID, Content: strings.Repeat("é", maxMessageChars)})
	if n := h.store.Count(conv.ID); n != 1 {
		t.Fatalf("expected only the valid send to persist, got %d rows", n)
	}
}

func TestRelay_SendMessage_DuplicateWithinWindow(t *testing.T) {
	h := newRelayHarness(t, nil)
	conv := mustOpen(t, h.store, 1, 2, 7, testNow())
	buyer := h.online(t, "b", 1, v1.RoleBuyer)
	seller := h.online(t, "s", 2, v1.RoleSeller)

	send := v1.SendMessagePayload{SenderID: 1, ReceiverID: 2, ConversationID: conv.ID, Content: "Hello"}

	h.mustHandle(t, "b", v1.TypeSendMessage, send)
	first := decodeOnly[v1.NewMessagePayload](t, buyer, v1.TypeNewMessage)
	h.resetAll()

	h.clock.Advance(9 * time.Second)
	send.ClientCorrelationID = "retry"
	h.mustHandle(t, "b", v1.TypeSendMessage, send)

	dup := decodeOnly[v1.MessageDuplicatePayload](t, buyer, v1.TypeMessageDuplicate)
	if dup.OriginalMessageID != first.ID || dup.ClientCorrelationID != "retry" || dup.ConversationID != conv.ID {
		t.Fatalf("unexpected duplicate payload: %+v (first id %d)", dup, first.ID)
	}
	if len(buyer.ofType(v1.TypeNewMessage)) != 0 || len(seller.all()) != 0 {
		t.Fatalf("duplicate must not be relayed")
	}
	if n := h.store.Count(conv.ID); n != 1 {
		t.Fatalf("expected 1 row, got %d", n)
	}

	// Whitespace differences collapse too.
	h.resetAll()
	send.Content = "Hello  "
	h.mustHandle(t, "b", v1.TypeSendMessage, send)
	decodeOnly[v1.MessageDuplicatePayload](t, buyer, v1.TypeMessageDuplicate)

	// After the window the same text is a new message.
	h.resetAll()
	h.clock.Advance(2 * time.Second)
	h.mustHandle(t, "b", v1.TypeSendMessage, send)
	second := decodeOnly[v1.NewMessagePayload](t, buyer, v1.TypeNewMessage)
	if second.ID == first.ID {
		t.Fatalf("expected a new message after the window")
	}
	if n := h.store.Count(conv.ID); n != 2 {
		t.Fatalf("expected 2 rows, got %d", n)
	}
	if got := testutil.ToFloat64(h.metrics.duplicates); got != 2 {
		t.Fatalf("expected duplicate counter 2, got %v", got)
	}
}

func TestRelay_SendMessage_ConcurrentIdenticalSendsPersistOnce(t *testing.T) {
	h := newRelayHarness(t, nil)
	conv := mustOpen(t, h.store, 1, 2, 7, testNow())
	buyer := h.online(t, "b", 1, v1.RoleBuyer)
	seller := h.online(t, "s", 2, v1.RoleSeller)

	const n = 16
	var wg sync.WaitGroup
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			env, err := v1.NewEnvelope(v1.TypeSendMessage, "", testNow(), v1.SendMessagePayload{
				SenderID: 1, ReceiverID: 2, ConversationID: conv.ID, Content: "Hello", ClientCorrelationID: fmt.Sprintf("tmp-%d", i),
			})
			if err != nil {
				errCh <- err
				return
			}
			if err := h.relay.Handle(context.Background(), "b", env); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("send: %v", err)
	}

	if c := h.store.Count(conv.ID); c != 1 {
		t.Fatalf("expected exactly 1 persisted row, got %d", c)
	}
	if got := len(buyer.ofType(v1.TypeNewMessage)); got != 1 {
		t.Fatalf("sender expected 1 newMessage, got %d", got)
	}
	if got := len(buyer.ofType(v1.TypeMessageDuplicate)); got != n-1 {
		t.Fatalf("sender expected %d messageDuplicate, got %d", n-1, got)
	}
	if got := len(seller.ofType(v1.TypeNewMessage)); got != 1 {
		t.Fatalf("receiver expected 1 newMessage, got %d", got)
	}
}

func TestRelay_SendMessage_NothingDeliveredWhenPersistFails(t *testing.T) {
	fs := &failingStore{InMemoryStore: NewInMemoryStore()}
	fs.fail.Store(true)

	h := newRelayHarness(t, fs)
	conv := mustOpen(t, fs, 1, 2, 7, testNow())
	buyer := h.online(t, "b", 1, v1.RoleBuyer)
	seller := h.online(t, "s", 2, v1.RoleSeller)
	h.mustHandle(t, "s", v1.TypeJoinConversation, v1.ConversationPayload{ConversationID: conv.ID})
	h.resetAll()

	send := v1.SendMessagePayload{SenderID: 1, ReceiverID: 2, ConversationID: conv.ID, Content: "Hello", ClientCorrelationID: "tmp-1"}
	ee := expectCode(t, h.handle(t, "b", v1.TypeSendMessage, send), CodePersistenceFailed)
	if ee.CorrelationID != "tmp-1" {
		t.Fatalf("expected correlation id, got %q", ee.CorrelationID)
	}
	if len(buyer.all()) != 0 || len(seller.all()) != 0 {
		t.Fatalf("nothing may be delivered on persist failure: buyer=%v seller=%v", types(buyer.all()), types(seller.all()))
	}
	if n := fs.Count(conv.ID); n != 0 {
		t.Fatalf("expected 0 rows, got %d", n)
	}

	// A failed send must not poison the dedup window.
	fs.fail.Store(false)
	h.mustHandle(t, "b", v1.TypeSendMessage, send)
	decodeOnly[v1.NewMessagePayload](t, buyer, v1.TypeNewMessage)
	decodeOnly[v1.NewMessagePayload](t, seller, v1.TypeNewMessage)
}

func TestRelay_Typing_RoomIsolation(t *testing.T) {
	h := newRelayHarness(t, nil)
	convA := mustOpen(t, h.store, 1, 2, 7, testNow())
	convB := mustOpen(t, h.store, 1, 3, 8, testNow())

	buyer := h.online(t, "b", 1, v1.RoleBuyer)
	sellerA := h.online(t, "sa", 2, v1.RoleSeller)
	sellerB := h.online(t, "sb", 3, v1.RoleSeller)

	expectCode(t, h.handle(t, "b", v1.TypeTyping, v1.TypingPayload{ConversationID: convA.ID, UserID: 1, IsTyping: true}), CodeNotParticipant)

	h.mustHandle(t, "b", v1.TypeJoinConversation, v1.ConversationPayload{ConversationID: convA.ID})
	h.mustHandle(t, "sa", v1.TypeJoinConversation, v1.ConversationPayload{ConversationID: convA.ID})
	h.mustHandle(t, "sb", v1.TypeJoinConversation, v1.ConversationPayload{ConversationID: convB.ID})
	h.resetAll()

	h.mustHandle(t, "b", v1.TypeTyping, v1.TypingPayload{ConversationID: convA.ID, UserID: 1, IsTyping: true})

	got := decodeOnly[v1.TypingPayload](t, sellerA, v1.TypeUserTyping)
	if got.UserID != 1 || got.ConversationID != convA.ID || !got.IsTyping {
		t.Fatalf("unexpected typing payload: %+v", got)
	}
	if len(buyer.all()) != 0 {
		t.Fatalf("typist must not receive its own indicator")
	}
	if len(sellerB.all()) != 0 {
		t.Fatalf("typing leaked into another conversation")
	}

	expectCode(t, h.handle(t, "b", v1.TypeTyping, v1.TypingPayload{ConversationID: convA.ID, UserID: 2}), CodeIdentityMismatch)
	expectCode(t, h.handle(t, "b", v1.TypeTyping, v1.TypingPayload{UserID: 1}), CodeMissingField)
}

func TestRelay_MarkAsRead_Monotonic(t *testing.T) {
	h := newRelayHarness(t, nil)
	conv := mustOpen(t, h.store, 1, 2, 7, testNow())
	buyer := h.online(t, "b", 1, v1.RoleBuyer)
	seller := h.online(t, "s", 2, v1.RoleSeller)
	h.mustHandle(t, "b", v1.TypeJoinConversation, v1.ConversationPayload{ConversationID: conv.ID})

	for _, c := range []string{"one", "two"} {
		h.mustHandle(t, "b", v1.TypeSendMessage, v1.SendMessagePayload{SenderID: 1, ReceiverID: 2, ConversationID: conv.ID, Content: c})
	}
	h.resetAll()

	// The seller is not in the room; the ack still reaches them directly.
	h.mustHandle(t, "s", v1.TypeMarkAsRead, v1.MarkAsReadPayload{ConversationID: conv.ID, UserID: 2})

	toBuyer := decodeOnly[v1.MessagesReadPayload](t, buyer, v1.TypeMessagesRead)
	toSeller := decodeOnly[v1.MessagesReadPayload](t, seller, v1.TypeMessagesRead)
	if toBuyer.Count != 2 || toSeller.Count != 2 || toBuyer.UserID != 2 {
		t.Fatalf("unexpected read payloads: %+v / %+v", toBuyer, toSeller)
	}

	h.resetAll()
	h.mustHandle(t, "s", v1.TypeMarkAsRead, v1.MarkAsReadPayload{ConversationID: conv.ID, UserID: 2})
	again := decodeOnly[v1.MessagesReadPayload](t, buyer, v1.TypeMessagesRead)
	if again.Count != 0 {
		t.Fatalf("second mark must update nothing, got %d", again.Count)
	}

	res, err := h.store.FetchHistory(context.Background(), FetchHistoryInput{ConversationID: conv.ID})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	for _, m := range res.Messages {
		if !m.Read {
			t.Fatalf("message %d still unread", m.ID)
		}
	}

	expectCode(t, h.handle(t, "s", v1.TypeMarkAsRead, v1.MarkAsReadPayload{ConversationID: conv.ID, UserID: 1}), CodeIdentityMismatch)
}

func TestRelay_MarkAsRead_PersistFailure(t *testing.T) {
	fs := &failingStore{InMemoryStore: NewInMemoryStore()}
	h := newRelayHarness(t, fs)
	conv := mustOpen(t, fs, 1, 2, 7, testNow())
	seller := h.online(t, "s", 2, v1.RoleSeller)

	fs.fail.Store(true)
	expectCode(t, h.handle(t, "s", v1.TypeMarkAsRead, v1.MarkAsReadPayload{ConversationID: conv.ID, UserID: 2}), CodePersistenceFailed)
	if len(seller.all()) != 0 {
		t.Fatalf("nothing may be delivered on failure, got %v", types(seller.all()))
	}
}

func TestRelay_FetchHistory(t *testing.T) {
	h := newRelayHarness(t, nil)
	conv := mustOpen(t, h.store, 1, 2, 7, testNow())
	buyer := h.online(t, "b", 1, v1.RoleBuyer)
	h.online(t, "s", 2, v1.RoleSeller)

	h.mustHandle(t, "b", v1.TypeSendMessage, v1.SendMessagePayload{SenderID: 1, ReceiverID: 2, ConversationID: conv.ID, Content: "a"})
	h.mustHandle(t, "s", v1.TypeSendMessage, v1.SendMessagePayload{SenderID: 2, ReceiverID: 1, ConversationID: conv.ID, Content: "b"})
	h.mustHandle(t, "b", v1.TypeSendMessage, v1.SendMessagePayload{SenderID: 1, ReceiverID: 2, ConversationID: conv.ID, Content: "c"})
	h.resetAll()

	h.mustHandle(t, "b", v1.TypeFetchHistory, v1.FetchHistoryPayload{ConversationID: conv.ID, Limit: 2})
	chunk := decodeOnly[v1.HistoryChunkPayload](t, buyer, v1.TypeHistoryChunk)
	if len(chunk.Messages) != 2 || !chunk.HasMore {
		t.Fatalf("expected 2 messages with more, got %d hasMore=%v", len(chunk.Messages), chunk.HasMore)
	}
	if !chunk.Messages[0].IsMine || chunk.Messages[1].IsMine {
		t.Fatalf("isMine must be relative to the requester: %+v", chunk.Messages)
	}
	if chunk.Messages[1].ReceiverID != 1 || chunk.Messages[0].ReceiverID != 2 {
		t.Fatalf("unexpected receivers: %+v", chunk.Messages)
	}

	buyer.reset()
	after := chunk.Messages[1].ID
	h.mustHandle(t, "b", v1.TypeFetchHistory, v1.FetchHistoryPayload{ConversationID: conv.ID, AfterID: &after})
	tail := decodeOnly[v1.HistoryChunkPayload](t, buyer, v1.TypeHistoryChunk)
	if len(tail.Messages) != 1 || tail.HasMore || tail.Messages[0].Content != "c" {
		t.Fatalf("unexpected tail: %+v", tail)
	}

	expectCode(t, h.handle(t, "b", v1.TypeFetchHistory, v1.FetchHistoryPayload{ConversationID: conv.ID, Limit: -1}), CodeInvalidField)
	h.online(t, "x", 9, "")
	expectCode(t, h.handle(t, "x", v1.TypeFetchHistory, v1.FetchHistoryPayload{ConversationID: conv.ID}), CodeNotParticipant)
}

func TestRelay_CheckOnline(t *testing.T) {
	h := newRelayHarness(t, nil)
	buyer := h.online(t, "b", 1, v1.RoleBuyer)
	h.online(t, "s", 2, v1.RoleSeller)

	h.mustHandle(t, "b", v1.TypeCheckOnline, v1.CheckOnlinePayload{UserID: 2})
	st := decodeOnly[v1.UserStatusPayload](t, buyer, v1.TypeUserStatus)
	if !st.Online || st.UserID != 2 {
		t.Fatalf("expected user 2 online, got %+v", st)
	}

	buyer.reset()
	h.mustHandle(t, "b", v1.TypeCheckOnline, v1.CheckOnlinePayload{UserID: 77})
	st = decodeOnly[v1.UserStatusPayload](t, buyer, v1.TypeUserStatus)
	if st.Online || st.Status != v1.StatusOffline {
		t.Fatalf("expected user 77 offline, got %+v", st)
	}

	expectCode(t, h.handle(t, "b", v1.TypeCheckOnline, v1.CheckOnlinePayload{}), CodeMissingField)
}

func TestRelay_Disconnect_OfflineOnlyForLiveConnection(t *testing.T) {
	h := newRelayHarness(t, nil)
	ctx := context.Background()
	watcher := h.online(t, "w", 50, "")

	h.online(t, "old", 2, v1.RoleSeller)
	h.online(t, "new", 2, v1.RoleSeller)

	// The superseded socket closes late: no offline announcement.
	h.relay.Disconnect(ctx, "old")
	if got := watcher.ofType(v1.TypeUserStatus); len(got) != 0 {
		t.Fatalf("stale disconnect announced status: %d envelopes", len(got))
	}
	if online, _ := h.relay.Presence().IsOnline(ctx, 2); !online {
		t.Fatalf("user must remain online")
	}

	h.relay.Disconnect(ctx, "new")
	st := decodeOnly[v1.UserStatusPayload](t, watcher, v1.TypeUserStatus)
	if st.UserID != 2 || st.Online {
		t.Fatalf("expected offline status for user 2, got %+v", st)
	}
	if online, _ := h.relay.Presence().IsOnline(ctx, 2); online {
		t.Fatalf("user must be offline")
	}
	if got := testutil.ToFloat64(h.metrics.onlineUsers); got != 1 {
		t.Fatalf("expected 1 online user gauge, got %v", got)
	}
}
