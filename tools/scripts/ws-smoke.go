// Package main provides a CI-friendly WebSocket smoke test for the marketchat relay.
//
// The server must have the conversation seeded, e.g.
// MARKETCHAT_SEED_CONVERSATIONS=1:2:7 for the default flags. It validates:
//   - handshake + subprotocol selection
//   - join ack for a buyer and a seller
//   - joinConversation echo
//   - send -> sender echo with correlation id, fanout to the receiver
//   - identical resend inside the dedup window -> messageDuplicate
//   - history fetch contains the message
//   - markAsRead reaches the sender
//   - checkOnline reports the peer online
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	v1 "marketchat/shared/contracts/realtime/v1"
)

const maxReadBytes = 1 << 20

type smokeClient struct {
	name         string
	userID       int64
	conn         *websocket.Conn
	connectionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL    = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin   = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		convID   = flag.Int64("conv", 1, "Seeded conversation id")
		buyerID  = flag.Int64("buyer", 1, "Buyer user id")
		sellerID = flag.Int64("seller", 2, "Seller user id")
		text     = flag.String("text", "is this still available? 👋", "Message text to send")
		timeout  = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	buyer := mustConnect(root, "buyer", *buyerID, v1.RoleBuyer, *wsURL, *origin, *timeout)
	defer closeWS(buyer.conn)
	seller := mustConnect(root, "seller", *sellerID, v1.RoleSeller, *wsURL, *origin, *timeout)
	defer closeWS(seller.conn)

	if *verbose {
		fmt.Printf("connected: buyer=%s seller=%s origin=%q\n", buyer.connectionID, seller.connectionID, *origin)
	}

	mustJoinConversation(root, buyer, *convID, *timeout)
	mustJoinConversation(root, seller, *convID, *timeout)

	corr := uuid.NewString()
	send := v1.SendMessagePayload{
		SenderID:            buyer.userID,
		ReceiverID:          seller.userID,
		ConversationID:      *convID,
		Content:             *text,
		ClientCorrelationID: corr,
	}
	mustWrite(root, buyer, v1.TypeSendMessage, send, *timeout)

	var mine v1.NewMessagePayload
	decode(buyer.mustReadUntilType(root, v1.TypeNewMessage, *timeout), &mine)
	if !mine.IsMine || mine.ClientCorrelationID != corr || mine.ID <= 0 {
		fatalf("sender echo mismatch: %+v", mine)
	}

	var theirs v1.NewMessagePayload
	decode(seller.mustReadUntilType(root, v1.TypeNewMessage, *timeout), &theirs)
	if theirs.IsMine || theirs.ID != mine.ID || theirs.Content != mine.Content {
		fatalf("receiver copy mismatch: %+v", theirs)
	}
	if theirs.ClientCorrelationID != "" {
		fatalf("correlation id leaked to the receiver")
	}

	// Same payload again: a client retry inside the dedup window.
	mustWrite(root, buyer, v1.TypeSendMessage, send, *timeout)
	var dup v1.MessageDuplicatePayload
	decode(buyer.mustReadUntilType(root, v1.TypeMessageDuplicate, *timeout), &dup)
	if dup.OriginalMessageID != mine.ID || dup.ClientCorrelationID != corr {
		fatalf("duplicate notice mismatch: %+v (want original %d)", dup, mine.ID)
	}

	after := mine.ID - 1
	mustWrite(root, seller, v1.TypeFetchHistory, v1.FetchHistoryPayload{ConversationID: *convID, AfterID: &after, Limit: 10}, *timeout)
	var chunk v1.HistoryChunkPayload
	decode(seller.mustReadUntilType(root, v1.TypeHistoryChunk, *timeout), &chunk)
	if len(chunk.Messages) != 1 || chunk.Messages[0].ID != mine.ID {
		fatalf("history after %d should hold exactly message %d, got %d messages", after, mine.ID, len(chunk.Messages))
	}

	mustWrite(root, seller, v1.TypeMarkAsRead, v1.MarkAsReadPayload{ConversationID: *convID, UserID: seller.userID}, *timeout)
	var read v1.MessagesReadPayload
	decode(buyer.mustReadUntilType(root, v1.TypeMessagesRead, *timeout), &read)
	if read.UserID != seller.userID || read.Count < 1 {
		fatalf("messagesRead mismatch: %+v", read)
	}

	mustWrite(root, buyer, v1.TypeCheckOnline, v1.CheckOnlinePayload{UserID: seller.userID}, *timeout)
	var status v1.UserStatusPayload
	for {
		decode(buyer.mustReadUntilType(root, v1.TypeUserStatus, *timeout), &status)
		if status.UserID == seller.userID {
			break
		}
	}
	if !status.Online {
		fatalf("seller reported offline")
	}

	fmt.Printf("OK: message=%d conversation=%d\n", mine.ID, *convID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name string, userID int64, role, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
	}
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()

	mustWrite(parent, c, v1.TypeJoin, v1.JoinPayload{UserID: userID, Role: role}, stepTimeout)

	var joined v1.JoinedPayload
	decode(c.mustReadUntilType(parent, v1.TypeJoined, stepTimeout), &joined)
	if joined.UserID != userID || strings.TrimSpace(joined.ConnectionID) == "" {
		fatalf("joined mismatch (%s): %+v", name, joined)
	}
	c.connectionID = joined.ConnectionID
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}
			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func mustJoinConversation(parent context.Context, c *smokeClient, convID int64, stepTimeout time.Duration) {
	mustWrite(parent, c, v1.TypeJoinConversation, v1.ConversationPayload{ConversationID: convID}, stepTimeout)

	var p v1.ConversationPayload
	decode(c.mustReadUntilType(parent, v1.TypeConversationJoined, stepTimeout), &p)
	if p.ConversationID != convID {
		fatalf("conversationJoined mismatch (%s): got=%d want=%d", c.name, p.ConversationID, convID)
	}
}

// mustReadUntilType skips unrelated broadcasts (presence, typing) and fails on error envelopes.
func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			switch env.Type {
			case wantType:
				return env
			case v1.TypeError:
				var ep v1.ErrorPayload
				_ = env.Decode(&ep)
				fatalf("server error (%s): code=%q field=%q msg=%q", c.name, ep.Code, ep.Field, ep.Message)
			}
		}
	}
}

func mustWrite(parent context.Context, c *smokeClient, typ string, payload any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	env, err := v1.NewEnvelope(typ, uuid.NewString(), time.Now().UTC(), payload)
	if err != nil {
		fatalf("build %s: %v", typ, err)
	}
	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write %s (%s): %v", typ, c.name, err)
	}
}

func decode(env v1.Envelope, dst any) {
	if err := env.Decode(dst); err != nil {
		fatalf("decode %s payload: %v", env.Type, err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
