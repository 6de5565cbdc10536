package chat

import (
	"context"
	"time"
)

// MessageStore is the persistence surface the realtime relay depends on.
//
// Requirements:
//   - CreateMessage is a durable single-record insert; the store assigns ID and CreatedAt.
//   - TouchConversation is best-effort and independent of CreateMessage (no transaction).
//   - FindUserDisplayInfo returns (nil, nil) when the user does not exist.
type MessageStore interface {
	CreateMessage(ctx context.Context, in NewMessage) (Message, error)
	TouchConversation(ctx context.Context, conversationID, lastMessage string, at time.Time) error
	FindUserDisplayInfo(ctx context.Context, userID string) (*UserDisplay, error)
}

// ConversationStore covers conversation lookup/creation and history reads.
type ConversationStore interface {
	GetConversation(ctx context.Context, conversationID string) (Conversation, error)
	// FindDirectConversation returns ErrNotFound when no direct conversation exists for the pair.
	FindDirectConversation(ctx context.Context, tenantID, userA, userB string) (Conversation, error)
	// CreateConversation assigns ID and timestamps. A direct pair that already exists yields ErrConflict.
	CreateConversation(ctx context.Context, c Conversation) (Conversation, error)
	ListConversations(ctx context.Context, tenantID, userID string) ([]Conversation, error)
	ListMessages(ctx context.Context, q HistoryQuery) ([]Message, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

// Store is the full persistence adapter.
type Store interface {
	MessageStore
	ConversationStore

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
