package chat

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Service implements the conversation use cases on top of a ConversationStore.
// It is safe for concurrent use if the store is.
type Service struct {
	store ConversationStore
	now   func() time.Time
}

// NewService constructs a Service.
func NewService(store ConversationStore) *Service {
	return &Service{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// OpenDirect returns the caller's direct conversation with other, creating it when missing.
// Two concurrent opens of the same pair converge on one conversation.
func (s *Service) OpenDirect(ctx context.Context, tenantID, caller, other string) (Conversation, error) {
	const op = "chat.Service.OpenDirect"

	caller, other = strings.TrimSpace(caller), strings.TrimSpace(other)
	if caller == "" || other == "" {
		return Conversation{}, opErr(op, ErrInvalidInput, "missing participant")
	}
	if caller == other {
		return Conversation{}, opErr(op, ErrInvalidConversation, "cannot open a direct conversation with yourself")
	}

	c, err := s.store.FindDirectConversation(ctx, tenantID, caller, other)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Conversation{}, err
	}

	c, err = s.store.CreateConversation(ctx, Conversation{
		Kind:         KindDirect,
		Participants: []string{caller, other},
		TenantID:     tenantID,
		CreatedAt:    s.now(),
	})
	if errors.Is(err, ErrConflict) {
		return s.store.FindDirectConversation(ctx, tenantID, caller, other)
	}
	return c, err
}

// CreateGroup creates a group or project conversation. The caller is always a participant.
func (s *Service) CreateGroup(ctx context.Context, tenantID, caller, name string, participants []string, kind ConversationKind) (Conversation, error) {
	const op = "chat.Service.CreateGroup"

	caller = strings.TrimSpace(caller)
	if caller == "" {
		return Conversation{}, opErr(op, ErrInvalidInput, "missing caller")
	}
	if kind == "" {
		kind = KindGroup
	}
	if kind == KindDirect {
		return Conversation{}, opErr(op, ErrInvalidConversation, "use OpenDirect for direct conversations")
	}

	return s.store.CreateConversation(ctx, Conversation{
		Kind:         kind,
		Participants: UniqueParticipants(append([]string{caller}, participants...)...),
		Name:         strings.TrimSpace(name),
		TenantID:     tenantID,
		CreatedAt:    s.now(),
	})
}

// List returns the caller's conversations in the tenant, newest update first.
func (s *Service) List(ctx context.Context, tenantID, caller string) ([]Conversation, error) {
	if strings.TrimSpace(caller) == "" {
		return nil, opErr("chat.Service.List", ErrInvalidInput, "missing caller")
	}
	return s.store.ListConversations(ctx, tenantID, caller)
}

// History returns a newest-first page of messages. Only participants may read it.
func (s *Service) History(ctx context.Context, caller, conversationID string, before time.Time, limit int) ([]Message, error) {
	if err := s.Authorize(ctx, caller, conversationID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, HistoryQuery{
		ConversationID: conversationID,
		Before:         before,
		Limit:          ClampLimit(limit),
	})
}

// Authorize returns nil when userID participates in the conversation,
// ErrNotFound when it does not exist, and ErrNotParticipant otherwise.
func (s *Service) Authorize(ctx context.Context, userID, conversationID string) error {
	const op = "chat.Service.Authorize"

	if strings.TrimSpace(userID) == "" || strings.TrimSpace(conversationID) == "" {
		return opErr(op, ErrNotParticipant, "")
	}
	ok, err := s.store.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return opErr(op, ErrNotParticipant, conversationID)
	}
	return nil
}
