package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"taskhive/cmd/internal/auth/session"
	"taskhive/cmd/internal/chat"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type apiHarness struct {
	router *gin.Engine
	store  *chat.MemoryStore
	tokens *session.TokenManager
}

func newAPIHarness(t *testing.T, mutate func(*Config)) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	scfg := session.DefaultConfig()
	scfg.Secret = testSecret
	tokens, err := session.NewTokenManager(scfg)
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}

	cfg := DefaultConfig()
	cfg.RateLimit = 0
	if mutate != nil {
		mutate(&cfg)
	}

	store := chat.NewMemoryStore()
	h, err := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), chat.NewService(store), tokens, cfg)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	r := gin.New()
	h.Register(r)
	return &apiHarness{router: r, store: store, tokens: tokens}
}

func (h *apiHarness) token(t *testing.T, userID, tenantID string) string {
	t.Helper()
	tok, _, err := h.tokens.Issue(userID, tenantID, time.Now().UTC())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

func (h *apiHarness) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, rdr)
	if rdr != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, rec.Code, rec.Body.String())
	}
	if got := decodeBody[errorResponse](t, rec).Error.Code; got != code {
		t.Fatalf("expected error code %q, got %q", code, got)
	}
}

func TestChatAPI_RequiresAuthentication(t *testing.T) {
	h := newAPIHarness(t, nil)

	expectError(t, h.do(t, http.MethodGet, "/api/chat/conversations", "", nil), http.StatusUnauthorized, "unauthorized")
	expectError(t, h.do(t, http.MethodGet, "/api/chat/conversations", "garbage", nil), http.StatusUnauthorized, "unauthorized")

	req := httptest.NewRequest(http.MethodGet, "/api/chat/conversations", nil)
	req.AddCookie(&http.Cookie{Name: "token", Value: h.token(t, "alice", "t1")})
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("cookie auth: expected 200, got %d", rec.Code)
	}
}

func TestChatAPI_OpenDirectIsFindOrCreate(t *testing.T) {
	h := newAPIHarness(t, nil)
	alice := h.token(t, "alice", "t1")
	bob := h.token(t, "bob", "t1")

	rec := h.do(t, http.MethodPost, "/api/chat/conversations", alice, map[string]any{"type": "direct", "participantIds": []string{"bob"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("open direct: %d %s", rec.Code, rec.Body.String())
	}
	first := decodeBody[conversationEnvelope](t, rec).Conversation
	if first.Type != "direct" || len(first.Participants) != 2 || first.CompanyID != "t1" {
		t.Fatalf("unexpected conversation %+v", first)
	}

	// Same pair from the other side, type omitted.
	rec = h.do(t, http.MethodPost, "/api/chat/conversations", bob, map[string]any{"participantIds": []string{"alice", "bob"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("reopen direct: %d %s", rec.Code, rec.Body.String())
	}
	if again := decodeBody[conversationEnvelope](t, rec).Conversation; again.ID != first.ID {
		t.Fatalf("direct pair must map to one conversation: %s vs %s", again.ID, first.ID)
	}
}

func TestChatAPI_CreateValidation(t *testing.T) {
	h := newAPIHarness(t, nil)
	alice := h.token(t, "alice", "t1")

	tests := []struct {
		name string
		body any
		code string
	}{
		{name: "malformed json", body: "{", code: "invalid_json"},
		{name: "unknown field", body: `{"participantIds":["bob"],"admin":true}`, code: "invalid_json"},
		{name: "no participants", body: map[string]any{"participantIds": []string{}}, code: "invalid_request"},
		{name: "unknown type", body: map[string]any{"type": "broadcast", "participantIds": []string{"bob"}}, code: "invalid_request"},
		{name: "direct with self", body: map[string]any{"type": "direct", "participantIds": []string{"alice"}}, code: "invalid_request"},
		{name: "direct with two others", body: map[string]any{"type": "direct", "participantIds": []string{"bob", "carol"}}, code: "invalid_request"},
		{name: "group without name", body: map[string]any{"type": "group", "participantIds": []string{"bob"}}, code: "invalid_request"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			expectError(t, h.do(t, http.MethodPost, "/api/chat/conversations", alice, tc.body), http.StatusBadRequest, tc.code)
		})
	}
}

func TestChatAPI_ListConversationsScopedToCallerAndTenant(t *testing.T) {
	h := newAPIHarness(t, nil)
	alice := h.token(t, "alice", "t1")

	rec := h.do(t, http.MethodPost, "/api/chat/conversations", alice, map[string]any{"type": "group", "name": "Launch", "participantIds": []string{"bob", "carol"}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create group: %d %s", rec.Code, rec.Body.String())
	}
	group := decodeBody[conversationEnvelope](t, rec).Conversation
	if group.Participants[0] != "alice" || len(group.Participants) != 3 {
		t.Fatalf("caller must be included first: %v", group.Participants)
	}
	h.do(t, http.MethodPost, "/api/chat/conversations", alice, map[string]any{"participantIds": []string{"dave"}})

	tests := []struct {
		user, tenant string
		want         int
	}{
		{user: "alice", tenant: "t1", want: 2},
		{user: "carol", tenant: "t1", want: 1},
		{user: "erin", tenant: "t1", want: 0},
		{user: "alice", tenant: "t2", want: 0},
	}
	for _, tc := range tests {
		rec := h.do(t, http.MethodGet, "/api/chat/conversations", h.token(t, tc.user, tc.tenant), nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s@%s: %d", tc.user, tc.tenant, rec.Code)
		}
		if got := len(decodeBody[conversationsResponse](t, rec).Conversations); got != tc.want {
			t.Fatalf("%s@%s: expected %d conversations, got %d", tc.user, tc.tenant, tc.want, got)
		}
	}
}

func TestChatAPI_MessageHistoryPaging(t *testing.T) {
	h := newAPIHarness(t, nil)
	alice := h.token(t, "alice", "t1")
	ctx := context.Background()

	rec := h.do(t, http.MethodPost, "/api/chat/conversations", alice, map[string]any{"participantIds": []string{"bob"}})
	conv := decodeBody[conversationEnvelope](t, rec).Conversation

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, content := range []string{"one", "two", "three"} {
		if _, err := h.store.CreateMessage(ctx, chat.NewMessage{
			ConversationID: conv.ID,
			SenderID:       "bob",
			Content:        content,
			Now:            base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
	}

	rec = h.do(t, http.MethodGet, "/api/chat/conversations/"+conv.ID+"/messages?limit=2", alice, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history: %d %s", rec.Code, rec.Body.String())
	}
	page := decodeBody[messagesResponse](t, rec)
	if len(page.Messages) != 2 || page.Messages[0].Content != "three" || page.Messages[1].Content != "two" {
		t.Fatalf("unexpected first page %+v", page.Messages)
	}
	if page.NextBefore == nil || !page.NextBefore.Equal(base.Add(time.Second)) {
		t.Fatalf("unexpected cursor %v", page.NextBefore)
	}

	q := url.Values{"limit": {"2"}, "before": {page.NextBefore.Format(time.RFC3339Nano)}}
	rec = h.do(t, http.MethodGet, "/api/chat/conversations/"+conv.ID+"/messages?"+q.Encode(), alice, nil)
	page = decodeBody[messagesResponse](t, rec)
	if len(page.Messages) != 1 || page.Messages[0].Content != "one" || page.NextBefore != nil {
		t.Fatalf("unexpected last page %+v", page)
	}
	if page.Messages[0].SenderID != "bob" || page.Messages[0].Type != "text" {
		t.Fatalf("unexpected message %+v", page.Messages[0])
	}
}

func TestChatAPI_MessageHistoryAccess(t *testing.T) {
	h := newAPIHarness(t, nil)
	alice := h.token(t, "alice", "t1")
	mallory := h.token(t, "mallory", "t1")

	rec := h.do(t, http.MethodPost, "/api/chat/conversations", alice, map[string]any{"participantIds": []string{"bob"}})
	conv := decodeBody[conversationEnvelope](t, rec).Conversation
	path := "/api/chat/conversations/" + conv.ID + "/messages"

	expectError(t, h.do(t, http.MethodGet, path, mallory, nil), http.StatusForbidden, "forbidden")
	expectError(t, h.do(t, http.MethodGet, "/api/chat/conversations/nope/messages", alice, nil), http.StatusNotFound, "not_found")
	expectError(t, h.do(t, http.MethodGet, path+"?limit=zero", alice, nil), http.StatusBadRequest, "invalid_request")
	expectError(t, h.do(t, http.MethodGet, path+"?before=yesterday", alice, nil), http.StatusBadRequest, "invalid_request")

	rec = h.do(t, http.MethodGet, path, alice, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("participant history: %d", rec.Code)
	}
	if page := decodeBody[messagesResponse](t, rec); len(page.Messages) != 0 || page.NextBefore != nil {
		t.Fatalf("expected empty history, got %+v", page)
	}
}

func TestChatAPI_RateLimited(t *testing.T) {
	h := newAPIHarness(t, func(c *Config) {
		c.RateLimit = 2
		c.RateWindow = time.Minute
	})
	alice := h.token(t, "alice", "t1")
	bob := h.token(t, "bob", "t1")

	for i := 0; i < 2; i++ {
		if rec := h.do(t, http.MethodGet, "/api/chat/conversations", alice, nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d: %d", i, rec.Code)
		}
	}
	rec := h.do(t, http.MethodGet, "/api/chat/conversations", alice, nil)
	expectError(t, rec, http.StatusTooManyRequests, "rate_limited")
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}

	// Buckets are per user.
	if rec := h.do(t, http.MethodGet, "/api/chat/conversations", bob, nil); rec.Code != http.StatusOK {
		t.Fatalf("other user throttled: %d", rec.Code)
	}
}

func TestNewHandler_RequiresCollaborators(t *testing.T) {
	svc := chat.NewService(chat.NewMemoryStore())
	if _, err := NewHandler(nil, nil, nil, DefaultConfig()); err == nil {
		t.Fatalf("expected error without service")
	}
	if _, err := NewHandler(nil, svc, nil, DefaultConfig()); err == nil {
		t.Fatalf("expected error without verifier")
	}
}
