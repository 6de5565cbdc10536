// Package main provides a CI-friendly WebSocket smoke test for the TaskHive chat relay.
//
// It validates:
//   - handshake + subprotocol selection
//   - joinRoom for two clients
//   - sendMessage -> messageReceived fanout to both room members (sender included)
//   - optional REST history lookup of the broadcast message
//   - leaveRoom stops delivery
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

	v1 "taskhive/shared/contracts/realtime/v1"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name     string
	senderID string
	conn     *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		apiURL  = flag.String("api", "", "Optional REST base URL (e.g. http://127.0.0.1:8080) for the history check; needs -token-b")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		convID  = flag.String("conv", "dev-room-1", "Conversation ID to join")
		tokenA  = flag.String("token-a", os.Getenv("TASKHIVE_SMOKE_TOKEN_A"), "Access token of client A (empty: anonymous)")
		tokenB  = flag.String("token-b", os.Getenv("TASKHIVE_SMOKE_TOKEN_B"), "Access token of client B (empty: anonymous)")
		senderA = flag.String("sender-a", "smoke-a", "senderId client A claims when anonymous")
		text    = flag.String("text", "hello taskhive 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *tokenA, *timeout)
	defer closeWS(a.conn)
	a.senderID = *senderA

	b := mustConnect(root, "B", *wsURL, *origin, *tokenB, *timeout)
	defer closeWS(b.conn)

	mustJoin(root, a, *convID, *timeout)
	mustJoin(root, b, *convID, *timeout)
	if *verbose {
		fmt.Printf("joined: conv_id=%s origin=%q\n", *convID, *origin)
	}

	mustSend(root, a, *convID, *text, *timeout)
	got := mustAssertReceived(root, a, *convID, *text, *timeout)
	mustAssertReceived(root, b, *convID, *text, *timeout)

	if *apiURL != "" && *tokenB != "" {
		mustHistoryContains(root, *apiURL, *tokenB, *convID, got.ID, *timeout)
	}

	mustLeave(root, b, *convID, *timeout)
	mustSend(root, a, *convID, *text+" (after leave)", *timeout)
	mustAssertReceived(root, a, *convID, *text+" (after leave)", *timeout)
	mustAssertNoType(root, b, v1.TypeMessageReceived, 1200*time.Millisecond)

	fmt.Printf("OK: conv_id=%s message_id=%s sender=%s\n", *convID, got.ID, got.SenderID.ID)
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
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
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

func mustConnect(parent context.Context, name, wsURL, origin, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	if strings.TrimSpace(token) != "" {
		h.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			fatalf("connect %s: %v (http %d)", name, err, resp.StatusCode)
		}
		fatalf("connect %s: %v", name, err)
	}
	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, sp, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			if mt != websocket.MessageText {
				c.fail(fmt.Errorf("unsupported message type: %v", mt))
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

// mustJoin subscribes to a room. joinRoom has no reply, so an unsupported marker frame follows it:
// the server handles frames in order and answers the marker only after the join.
func mustJoin(parent context.Context, c *smokeClient, convID string, stepTimeout time.Duration) {
	mustWriteWithTimeout(parent, c.conn, envelope(v1.TypeJoinRoom, v1.RoomPayload{ConversationID: convID}), stepTimeout)
	mustSync(parent, c, stepTimeout)
}

func mustLeave(parent context.Context, c *smokeClient, convID string, stepTimeout time.Duration) {
	mustWriteWithTimeout(parent, c.conn, envelope(v1.TypeLeaveRoom, v1.RoomPayload{ConversationID: convID}), stepTimeout)
	mustSync(parent, c, stepTimeout)
}

func mustSync(parent context.Context, c *smokeClient, stepTimeout time.Duration) {
	mustWriteWithTimeout(parent, c.conn, envelope(v1.TypeError, nil), stepTimeout)

	env := c.mustReadUntilType(parent, v1.TypeError, stepTimeout, map[string]struct{}{v1.TypeMessageReceived: {}})
	var ep v1.ErrorPayload
	_ = json.Unmarshal(env.Payload, &ep)
	if ep.Code != "unsupported" {
		fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
	}
}

func mustSend(parent context.Context, c *smokeClient, convID, text string, stepTimeout time.Duration) {
	mustWriteWithTimeout(parent, c.conn, envelope(v1.TypeSendMessage, v1.SendMessagePayload{
		ConversationID: convID,
		SenderID:       c.senderID,
		Content:        text,
		Type:           v1.KindText,
	}), stepTimeout)
}

func mustAssertReceived(parent context.Context, c *smokeClient, convID, text string, stepTimeout time.Duration) v1.MessageReceivedPayload {
	env := c.mustReadUntilType(parent, v1.TypeMessageReceived, stepTimeout, nil)

	var p v1.MessageReceivedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal messageReceived payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("messageReceived conversationId mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	if p.Content != text {
		fatalf("messageReceived content mismatch (%s): got=%q want=%q", c.name, p.Content, text)
	}
	if strings.TrimSpace(p.ID) == "" || p.Timestamp.IsZero() {
		fatalf("messageReceived missing _id/timestamp (%s)", c.name)
	}
	if strings.TrimSpace(p.SenderID.ID) == "" {
		fatalf("messageReceived missing senderId (%s)", c.name)
	}
	return p
}

func mustHistoryContains(parent context.Context, apiURL, token, convID, messageID string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	u := strings.TrimRight(apiURL, "/") + "/api/chat/conversations/" + url.PathEscape(convID) + "/messages?limit=10"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		fatalf("history request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("history fetch: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		fatalf("history fetch: http %d", res.StatusCode)
	}

	var body struct {
		Messages []struct {
			ID string `json:"_id"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		fatalf("history decode: %v", err)
	}
	for _, m := range body.Messages {
		if m.ID == messageID {
			return
		}
	}
	fatalf("history missing broadcast message %s", messageID)
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
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
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError || env.Type == v1.TypeMessageError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): type=%q code=%q msg=%q", c.name, env.Type, ep.Code, ep.Message)
			}
			if _, ok := skipTypes[env.Type]; ok {
				continue
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func envelope(typ string, payload any) v1.Envelope {
	env := v1.Envelope{V: v1.Version, Type: typ, TS: time.Now().UTC()}
	if payload != nil {
		env.Payload = mustJSON(payload)
	}
	return env
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
