package chatapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"taskhive/cmd/internal/auth/session"
	"taskhive/cmd/internal/chat"
)

// Handler serves the conversation REST endpoints clients use to find rooms to join and
// to page through history.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	svc      *chat.Service
	verifier session.Verifier
	validate *validator.Validate
}

// NewHandler constructs a Handler. Both the service and the verifier are required.
func NewHandler(log *slog.Logger, svc *chat.Service, verifier session.Verifier, cfg Config) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("chatapi: nil chat service")
	}
	if verifier == nil {
		return nil, errors.New("chatapi: nil token verifier")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		log:      log,
		cfg:      cfg.withDefaults(),
		svc:      svc,
		verifier: verifier,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

// Register wires the chat routes onto r under /api/chat.
func (h *Handler) Register(r gin.IRouter) {
	if h == nil || r == nil {
		return
	}
	mw := []gin.HandlerFunc{RequireAuth(h.verifier, h.cfg.CookieName)}
	if h.cfg.RateLimit > 0 {
		mw = append(mw, newRateLimiter(h.cfg.RateLimit, h.cfg.RateWindow))
	}

	g := r.Group("/api/chat", mw...)
	g.GET("/conversations", h.handleListConversations)
	g.POST("/conversations", h.handleCreateConversation)
	g.GET("/conversations/:id/messages", h.handleListMessages)
}

// ---- handlers ----

func (h *Handler) handleListConversations(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	convs, err := h.svc.List(ctx, caller.TenantID, caller.UserID)
	if err != nil {
		h.writeServiceError(c, "chatapi.conversations.list", err)
		return
	}

	out := conversationsResponse{Conversations: make([]conversationResponse, 0, len(convs))}
	for _, conv := range convs {
		out.Conversations = append(out.Conversations, toConversationResponse(conv))
	}
	writeJSON(c, http.StatusOK, out)
}

func (h *Handler) handleCreateConversation(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	var req createConversationRequest
	if err := decodeJSON(c, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", describeValidation(err))
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	kind := chat.ConversationKind(req.Type)
	if kind == "" {
		kind = chat.KindDirect
	}

	if kind == chat.KindDirect {
		others := otherParticipants(caller.UserID, req.ParticipantIDs)
		if len(others) != 1 {
			writeError(c, http.StatusBadRequest, "invalid_request", "a direct conversation needs exactly one other participant")
			return
		}
		conv, err := h.svc.OpenDirect(ctx, caller.TenantID, caller.UserID, others[0])
		if err != nil {
			h.writeServiceError(c, "chatapi.conversations.open_direct", err)
			return
		}
		writeJSON(c, http.StatusOK, conversationEnvelope{Conversation: toConversationResponse(conv)})
		return
	}

	conv, err := h.svc.CreateGroup(ctx, caller.TenantID, caller.UserID, req.Name, req.ParticipantIDs, kind)
	if err != nil {
		h.writeServiceError(c, "chatapi.conversations.create", err)
		return
	}
	writeJSON(c, http.StatusCreated, conversationEnvelope{Conversation: toConversationResponse(conv)})
}

func (h *Handler) handleListMessages(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	convID := strings.TrimSpace(c.Param("id"))
	if convID == "" {
		writeError(c, http.StatusBadRequest, "invalid_request", "missing conversation id")
		return
	}

	limit := 0
	if v := strings.TrimSpace(c.Query("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(c, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = n
	}
	var before time.Time
	if v := strings.TrimSpace(c.Query("before")); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeError(c, http.StatusBadRequest, "invalid_request", "before must be an RFC 3339 timestamp")
			return
		}
		before = t.UTC()
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	msgs, err := h.svc.History(ctx, caller.UserID, convID, before, limit)
	if err != nil {
		h.writeServiceError(c, "chatapi.messages.list", err)
		return
	}

	out := messagesResponse{Messages: make([]messageResponse, 0, len(msgs))}
	for _, m := range msgs {
		out.Messages = append(out.Messages, toMessageResponse(m))
	}
	if len(msgs) > 0 && len(msgs) == chat.ClampLimit(limit) {
		next := msgs[len(msgs)-1].CreatedAt
		out.NextBefore = &next
	}
	writeJSON(c, http.StatusOK, out)
}

// ---- helpers ----

func (h *Handler) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), h.cfg.RequestTimeout)
}

func (h *Handler) writeServiceError(c *gin.Context, op string, err error) {
	switch {
	case chat.IsInvalidInput(err):
		writeError(c, http.StatusBadRequest, "invalid_request", publicMessage(err))
	case chat.IsNotParticipant(err):
		writeError(c, http.StatusForbidden, "forbidden", "not a participant of the conversation")
	case chat.IsNotFound(err):
		writeError(c, http.StatusNotFound, "not_found", "conversation not found")
	case errors.Is(err, context.DeadlineExceeded):
		h.log.Warn(op+".timeout", "err", err)
		writeError(c, http.StatusServiceUnavailable, "server_busy", "please retry later")
	default:
		h.log.Error(op+".fail", "err", err)
		writeError(c, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

// publicMessage exposes only the OpError message, never wrapped driver errors.
func publicMessage(err error) string {
	var oe chat.OpError
	if errors.As(err, &oe) && oe.Msg != "" {
		return oe.Msg
	}
	return "invalid request"
}

func otherParticipants(caller string, ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range chat.UniqueParticipants(ids...) {
		if id != caller {
			out = append(out, id)
		}
	}
	return out
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	return fmt.Sprintf("invalid field %s (%s)", fe.Field(), fe.Tag())
}
