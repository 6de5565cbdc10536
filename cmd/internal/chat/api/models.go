package chatapi

import (
	"time"

	"taskhive/cmd/internal/chat"
)

type createConversationRequest struct {
	Type           string   `json:"type" validate:"omitempty,oneof=direct group project"`
	ParticipantIDs []string `json:"participantIds" validate:"required,min=1,max=256,dive,required,max=128"`
	Name           string   `json:"name" validate:"max=200"`
}

type conversationResponse struct {
	ID           string    `json:"_id"`
	Type         string    `json:"type"`
	Participants []string  `json:"participants"`
	Name         string    `json:"name,omitempty"`
	CompanyID    string    `json:"companyId,omitempty"`
	LastMessage  string    `json:"lastMessage,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type messageResponse struct {
	ID             string    `json:"_id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	Type           string    `json:"type"`
	Timestamp      time.Time `json:"timestamp"`
}

type conversationsResponse struct {
	Conversations []conversationResponse `json:"conversations"`
}

type conversationEnvelope struct {
	Conversation conversationResponse `json:"conversation"`
}

type messagesResponse struct {
	Messages []messageResponse `json:"messages"`
	// NextBefore is the cursor for the next (older) page; absent on the last page.
	NextBefore *time.Time `json:"nextBefore,omitempty"`
}

func toConversationResponse(c chat.Conversation) conversationResponse {
	return conversationResponse{
		ID:           c.ID,
		Type:         string(c.Kind),
		Participants: append([]string{}, c.Participants...),
		Name:         c.Name,
		CompanyID:    c.TenantID,
		LastMessage:  c.LastMessage,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

func toMessageResponse(m chat.Message) messageResponse {
	return messageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Type:           string(m.Kind),
		Timestamp:      m.CreatedAt,
	}
}
