package chat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"taskhive/cmd/internal/ids"
)

const memMaxMessagesPerConversation = 10_000

// MemoryStore is a dev/test Store used when no database is configured.
//
// Like the document store it stands in for, CreateMessage does not require the
// conversation to exist; TouchConversation on a missing conversation returns ErrNotFound.
type MemoryStore struct {
	mu       sync.RWMutex
	convs    map[string]*Conversation
	direct   map[string]string // tenant + "|" + direct key -> conversation id
	messages map[string][]Message
	users    map[string]UserDisplay
}

// NewMemoryStore constructs an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs:    make(map[string]*Conversation),
		direct:   make(map[string]string),
		messages: make(map[string][]Message),
		users:    make(map[string]UserDisplay),
	}
}

var _ Store = (*MemoryStore)(nil)

// PutUser registers (or replaces) a user display record.
func (s *MemoryStore) PutUser(u UserDisplay) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close(context.Context) error { return nil }

// CreateMessage stores a message with a fresh ULID.
func (s *MemoryStore) CreateMessage(ctx context.Context, in NewMessage) (Message, error) {
	in, err := in.Normalize()
	if err != nil {
		return Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	id, err := ids.NewULID(in.Now)
	if err != nil {
		return Message{}, err
	}
	msg := Message{
		ID:             id,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		Kind:           in.Kind,
		CreatedAt:      in.Now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := append(s.messages[in.ConversationID], msg)
	// Bound memory to avoid unbounded growth in dev.
	if len(msgs) > memMaxMessagesPerConversation {
		msgs = msgs[len(msgs)-memMaxMessagesPerConversation:]
	}
	s.messages[in.ConversationID] = msgs
	return msg, nil
}

// TouchConversation updates the last-message cache and UpdatedAt.
func (s *MemoryStore) TouchConversation(ctx context.Context, conversationID, lastMessage string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[conversationID]
	if c == nil {
		return opErr("chat.MemoryStore.TouchConversation", ErrNotFound, conversationID)
	}
	c.LastMessage = lastMessage
	c.UpdatedAt = at
	return nil
}

// FindUserDisplayInfo returns the user's display identity, or nil when unknown.
func (s *MemoryStore) FindUserDisplayInfo(ctx context.Context, userID string) (*UserDisplay, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

// GetConversation returns a copy of the conversation.
func (s *MemoryStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	c := s.convs[conversationID]
	if c == nil {
		return Conversation{}, opErr("chat.MemoryStore.GetConversation", ErrNotFound, conversationID)
	}
	return cloneConversation(*c), nil
}

// FindDirectConversation looks up the direct conversation of an unordered pair within a tenant.
func (s *MemoryStore) FindDirectConversation(ctx context.Context, tenantID, userA, userB string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.direct[memDirectKey(tenantID, DirectKey(userA, userB))]
	if !ok {
		return Conversation{}, opErr("chat.MemoryStore.FindDirectConversation", ErrNotFound, "")
	}
	return cloneConversation(*s.convs[id]), nil
}

// CreateConversation validates and stores a new conversation.
func (s *MemoryStore) CreateConversation(ctx context.Context, c Conversation) (Conversation, error) {
	const op = "chat.MemoryStore.CreateConversation"

	if err := c.Validate(); err != nil {
		return Conversation{}, err
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	now := c.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id := strings.TrimSpace(c.ID)
	if id == "" {
		var err error
		if id, err = ids.NewULID(now); err != nil {
			return Conversation{}, err
		}
	}

	out := cloneConversation(c)
	out.ID = id
	out.CreatedAt = now
	out.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.convs[id]; exists {
		return Conversation{}, opErr(op, ErrConflict, "conversation id")
	}
	if key := out.DirectKey(); key != "" {
		dk := memDirectKey(out.TenantID, key)
		if _, exists := s.direct[dk]; exists {
			return Conversation{}, opErr(op, ErrConflict, "direct pair")
		}
		s.direct[dk] = id
	}
	s.convs[id] = &out
	return cloneConversation(out), nil
}

// ListConversations returns the user's conversations in a tenant, newest update first.
func (s *MemoryStore) ListConversations(ctx context.Context, tenantID, userID string) ([]Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]Conversation, 0, 8)
	for _, c := range s.convs {
		if c.TenantID == tenantID && c.HasParticipant(userID) {
			out = append(out, cloneConversation(*c))
		}
	}
	s.mu.RUnlock()

	sortByUpdatedDesc(out)
	return out, nil
}

// ListMessages returns a newest-first history window.
func (s *MemoryStore) ListMessages(ctx context.Context, q HistoryQuery) ([]Message, error) {
	if strings.TrimSpace(q.ConversationID) == "" {
		return nil, opErr("chat.MemoryStore.ListMessages", ErrInvalidInput, "missing conversation id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := ClampLimit(q.Limit)

	s.mu.RLock()
	snap := append([]Message(nil), s.messages[q.ConversationID]...)
	s.mu.RUnlock()

	sort.SliceStable(snap, func(i, j int) bool {
		if snap[i].CreatedAt.Equal(snap[j].CreatedAt) {
			return snap[i].ID > snap[j].ID
		}
		return snap[i].CreatedAt.After(snap[j].CreatedAt)
	})

	out := make([]Message, 0, limit)
	for _, m := range snap {
		if !q.Before.IsZero() && !m.CreatedAt.Before(q.Before) {
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// IsParticipant reports whether userID participates in the conversation.
func (s *MemoryStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	c, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return false, err
	}
	return c.HasParticipant(userID), nil
}

func memDirectKey(tenantID, key string) string {
	return tenantID + "|" + key
}

func cloneConversation(c Conversation) Conversation {
	c.Participants = append([]string(nil), c.Participants...)
	return c
}
