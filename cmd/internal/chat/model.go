package chat

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// ConversationKind is the kind of a conversation.
type ConversationKind string

const (
	KindDirect  ConversationKind = "direct"
	KindGroup   ConversationKind = "group"
	KindProject ConversationKind = "project"
)

// Valid reports whether k is a known conversation kind.
func (k ConversationKind) Valid() bool {
	switch k {
	case KindDirect, KindGroup, KindProject:
		return true
	default:
		return false
	}
}

// MessageKind is the content kind of a message.
type MessageKind string

const (
	MessageText  MessageKind = "text"
	MessageImage MessageKind = "image"
	MessageFile  MessageKind = "file"
)

// Valid reports whether k is a known message kind.
func (k MessageKind) Valid() bool {
	switch k {
	case MessageText, MessageImage, MessageFile:
		return true
	default:
		return false
	}
}

// MaxContentChars bounds message content (runes).
const MaxContentChars = 4000

// Conversation is a persisted direct, group or project chat.
type Conversation struct {
	ID           string
	Kind         ConversationKind
	Participants []string
	Name         string
	TenantID     string
	LastMessage  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasParticipant reports whether userID is one of the conversation participants.
func (c Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// DirectKey returns the order-independent pair key of a direct conversation ("" otherwise).
func (c Conversation) DirectKey() string {
	if c.Kind != KindDirect || len(c.Participants) != 2 {
		return ""
	}
	return DirectKey(c.Participants[0], c.Participants[1])
}

// Validate checks the kind invariants:
// direct conversations have exactly two distinct participants, groups have a name,
// participants are non-empty and unique.
func (c Conversation) Validate() error {
	const op = "chat.Conversation.Validate"

	if !c.Kind.Valid() {
		return opErr(op, ErrInvalidConversation, "unknown kind")
	}
	seen := make(map[string]struct{}, len(c.Participants))
	for _, p := range c.Participants {
		if strings.TrimSpace(p) == "" {
			return opErr(op, ErrInvalidConversation, "empty participant id")
		}
		if _, dup := seen[p]; dup {
			return opErr(op, ErrInvalidConversation, "duplicate participant")
		}
		seen[p] = struct{}{}
	}
	switch c.Kind {
	case KindDirect:
		if len(c.Participants) != 2 {
			return opErr(op, ErrInvalidConversation, "direct conversation needs exactly 2 participants")
		}
	case KindGroup:
		if strings.TrimSpace(c.Name) == "" {
			return opErr(op, ErrInvalidConversation, "group conversation needs a name")
		}
	}
	if len(c.Participants) == 0 {
		return opErr(op, ErrInvalidConversation, "no participants")
	}
	return nil
}

// DirectKey returns the unordered pair key for two user ids.
func DirectKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// UniqueParticipants trims, drops empties and de-duplicates ids, keeping first-seen order.
func UniqueParticipants(ids ...string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Message is an immutable chat message. ID and CreatedAt are assigned by the store.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	Kind           MessageKind
	CreatedAt      time.Time
}

// NewMessage is the input of MessageStore.CreateMessage.
type NewMessage struct {
	ConversationID string
	SenderID       string
	Content        string
	Kind           MessageKind
	Now            time.Time
}

// Normalize fills defaults (kind text, UTC now) and validates the input.
func (m NewMessage) Normalize() (NewMessage, error) {
	const op = "chat.NewMessage"

	m.ConversationID = strings.TrimSpace(m.ConversationID)
	m.SenderID = strings.TrimSpace(m.SenderID)
	if m.ConversationID == "" {
		return m, opErr(op, ErrInvalidInput, "missing conversation id")
	}
	if m.SenderID == "" {
		return m, opErr(op, ErrInvalidInput, "missing sender id")
	}
	if strings.TrimSpace(m.Content) == "" {
		return m, opErr(op, ErrInvalidInput, "empty content")
	}
	if utf8.RuneCountInString(m.Content) > MaxContentChars {
		return m, opErr(op, ErrInvalidInput, "content too long")
	}
	if m.Kind == "" {
		m.Kind = MessageText
	}
	if !m.Kind.Valid() {
		return m, opErr(op, ErrInvalidInput, "unknown message kind")
	}
	if m.Now.IsZero() {
		m.Now = time.Now().UTC()
	}
	return m, nil
}

// UserDisplay is the display identity used to enrich outbound messages.
type UserDisplay struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
}

// HistoryQuery describes a history window: messages strictly older than Before (if set),
// newest first, at most Limit.
type HistoryQuery struct {
	ConversationID string
	Before         time.Time
	Limit          int
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// ClampLimit applies the default and maximum history window sizes.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}

// sortByUpdatedDesc orders conversations newest update first (ties by id for determinism).
func sortByUpdatedDesc(cs []Conversation) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].UpdatedAt.Equal(cs[j].UpdatedAt) {
			return cs[i].ID > cs[j].ID
		}
		return cs[i].UpdatedAt.After(cs[j].UpdatedAt)
	})
}
