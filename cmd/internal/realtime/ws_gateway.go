package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-playground/validator/v10"

	"taskhive/cmd/internal/auth/session"
	"taskhive/cmd/internal/chat"
	v1 "taskhive/shared/contracts/realtime/v1"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second
	wsAuthorizeTimeout    = 5 * time.Second

	wsMaxPingFailures = 3
)

// GatewayConfig tunes the WebSocket gateway. Zero values fall back to defaults.
type GatewayConfig struct {
	// RequireAuth rejects handshakes without a valid access token (401).
	RequireAuth bool
	// CookieName is the access-token cookie checked during the handshake.
	CookieName string

	// OriginRequired rejects handshakes without an Origin header.
	OriginRequired bool
	// AllowedOrigins is the origin allowlist ("*" allows any).
	AllowedOrigins []string
	// DevInsecure disables the websocket library's own origin verification. Dev only.
	DevInsecure bool

	WriteTimeout      time.Duration
	ReadIdleTimeout   time.Duration
	SendQueueSize     int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	RateEvents        int
	RateWindow        time.Duration
}

// DefaultGatewayConfig returns secure defaults: auth and Origin required, localhost only.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		RequireAuth:       true,
		CookieName:        "token",
		OriginRequired:    true,
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:      wsDefaultWriteTimeout,
		ReadIdleTimeout:   wsDefaultReadIdle,
		SendQueueSize:     wsDefaultSendQueueSize,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	d := DefaultGatewayConfig()
	if c.CookieName == "" {
		c.CookieName = d.CookieName
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	return c
}

// GatewayDeps are the collaborators of a Gateway. Registry and Relay are required;
// Verifier is required when RequireAuth is set.
type GatewayDeps struct {
	Log        *slog.Logger
	Registry   *Registry
	Relay      *Relay
	Verifier   session.Verifier
	Authorizer Authorizer
}

// Gateway is the WebSocket entrypoint for TaskHive chat.
//
// It enforces origin policy, authentication, subprotocol selection, rate limits and
// heartbeats, tracks room membership in its Registry and hands sendMessage to the Relay.
type Gateway struct {
	log      *slog.Logger
	registry *Registry
	relay    *Relay
	verifier session.Verifier
	authz    Authorizer
	validate *validator.Validate

	cfg GatewayConfig

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

// NewGateway constructs a Gateway.
func NewGateway(deps GatewayDeps, cfg GatewayConfig) (*Gateway, error) {
	if deps.Registry == nil || deps.Relay == nil {
		return nil, errors.New("realtime: gateway requires a registry and a relay")
	}
	if cfg.RequireAuth && deps.Verifier == nil {
		return nil, errors.New("realtime: RequireAuth needs a token verifier")
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	cfg = cfg.withDefaults()

	return &Gateway{
		log:            deps.Log,
		registry:       deps.Registry,
		relay:          deps.Relay,
		verifier:       deps.Verifier,
		authz:          deps.Authorizer,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
		cfg:            cfg,
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the session loop.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	ident, err := g.authenticate(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	client := NewClient(NewSessionID(), ident, g.cfg.SendQueueSize)
	sessionID := client.SessionID
	log := g.log.With("session_id", sessionID, "user_id", ident.UserID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	if ident.Authenticated {
		ctx = session.WithClaims(ctx, session.Claims{UserID: ident.UserID, TenantID: ident.TenantID})
	}

	g.registry.Attach(client)
	log.Info("ws.session.open", "authenticated", ident.Authenticated)

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// Membership removal happens before client.Close so broadcasters never target a dead session.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			rooms := g.registry.Detach(sessionID)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
			log.Info("ws.session.close", "reason", reason, "rooms", len(rooms))
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				// Closed from outside (registry shutdown) or by shutdown itself.
				shutdown(websocket.StatusGoingAway, "server shutdown")
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					log.Info("ws.ping.fail", "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		data, err := readFrame(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
			default:
				log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			break readLoop
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			// Written inline: the writer goroutine stops as soon as shutdown closes the client.
			p, _ := json.Marshal(v1.ErrorPayload{Code: "rate_limited", Message: "too many events"})
			_ = writeEnvelope(ctx, conn, newEnvelope(v1.TypeError, p, now), g.cfg.WriteTimeout)
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			g.trySendError(client, "bad_json", "invalid JSON")
			continue readLoop
		}
		if err := env.Validate(); err != nil {
			g.trySendError(client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeJoinRoom:
			if err := g.onJoin(ctx, client, env); err != nil {
				log.Info("ws.join.denied", "err", err)
				g.trySendError(client, "join_failed", err.Error())
			}

		case v1.TypeLeaveRoom:
			if err := g.onLeave(client, env); err != nil {
				g.trySendError(client, "leave_failed", err.Error())
			}

		case v1.TypeSendMessage:
			g.onSendMessage(ctx, client, env)

		default:
			g.trySendError(client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// authenticate resolves the caller identity. With RequireAuth unset a missing or invalid
// token yields an anonymous (development) identity instead of an error.
func (g *Gateway) authenticate(r *http.Request) (Identity, error) {
	if g.verifier == nil {
		return Identity{}, nil
	}
	claims, err := session.Authenticate(g.verifier, r, g.cfg.CookieName, time.Now().UTC())
	if err != nil {
		if g.cfg.RequireAuth {
			return Identity{}, err
		}
		return Identity{}, nil
	}
	return Identity{UserID: claims.UserID, TenantID: claims.TenantID, Authenticated: true}, nil
}

// ---- handlers ----

func (g *Gateway) onJoin(ctx context.Context, client *Client, env v1.Envelope) error {
	convID, err := decodeRoom(env)
	if err != nil {
		return err
	}

	if client.Identity.Authenticated && g.authz != nil {
		actx, cancel := context.WithTimeout(ctx, wsAuthorizeTimeout)
		err := g.authz.Authorize(actx, client.Identity.UserID, convID)
		cancel()
		if err != nil {
			switch {
			case chat.IsNotFound(err):
				return errors.New("conversation not found")
			case chat.IsNotParticipant(err):
				return errors.New("not a participant of the conversation")
			default:
				g.log.Warn("ws.join.authorize_fail", "session_id", client.SessionID, "conversation_id", convID, "err", err)
				return errors.New("authorization unavailable")
			}
		}
	}

	if !g.registry.Join(convID, client.SessionID) {
		return errors.New("session is closing")
	}
	return nil
}

func (g *Gateway) onLeave(client *Client, env v1.Envelope) error {
	convID, err := decodeRoom(env)
	if err != nil {
		return err
	}
	g.registry.Leave(convID, client.SessionID)
	return nil
}

func (g *Gateway) onSendMessage(ctx context.Context, client *Client, env v1.Envelope) {
	var p v1.SendMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.relay.Reject(client, codeInvalidMessage, "invalid payload")
		return
	}
	p.ConversationID = strings.TrimSpace(p.ConversationID)
	p.SenderID = strings.TrimSpace(p.SenderID)
	if err := g.validate.Struct(p); err != nil {
		g.relay.Reject(client, codeInvalidMessage, describeValidation(err))
		return
	}

	senderID := p.SenderID
	if client.Identity.Authenticated {
		if senderID != "" && senderID != client.Identity.UserID {
			g.relay.Reject(client, codeSenderMismatch, "senderId does not match the authenticated user")
			return
		}
		senderID = client.Identity.UserID
	}
	if senderID == "" {
		g.relay.Reject(client, codeInvalidMessage, "senderId is required")
		return
	}

	g.relay.Submit(ctx, client, Submission{
		ConversationID: p.ConversationID,
		SenderID:       senderID,
		Content:        p.Content,
		Kind:           chat.MessageKind(p.Type),
		Authorize:      client.Identity.Authenticated,
	})
}

func decodeRoom(env v1.Envelope) (string, error) {
	var p v1.RoomPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return "", fmt.Errorf("invalid payload: %w", err)
	}
	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		return "", errors.New("missing conversationId")
	}
	if len(convID) > maxConversationIDLen {
		return "", errors.New("conversationId too long")
	}
	return convID, nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid payload"
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", lowerFirst(fe.Field()), fe.Tag()))
	}
	sort.Strings(fields)
	return "invalid fields: " + strings.Join(fields, ", ")
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

// ---- send helpers ----

func (g *Gateway) trySendError(client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	_ = client.Deliver(newEnvelope(v1.TypeError, p, time.Now().UTC()))
}

// ---- frame IO ----

func readFrame(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return nil, fmt.Errorf("unsupported message type: %v", mt)
	}
	return data, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}
		if origin == a {
			return nil
		}
		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins keeps websocket.Accept's own origin check in
// agreement with enforceOrigin. Accept matches patterns against host[:port], so every host
// also gets a "host:*" pattern. A "*" entry maps to the "*" pattern.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		if strings.TrimSpace(a) == "*" {
			return []string{"*"}
		}
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
		seen[h+":*"] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
