package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// storeHarness adapts one Store implementation to the shared contract below.
type storeHarness struct {
	store   Store
	newID   func() string
	putUser func(t *testing.T, u UserDisplay)
}

func runStoreContract(t *testing.T, h storeHarness) {
	t.Helper()

	t.Run("CreateMessage", func(t *testing.T) { contractCreateMessage(t, h) })
	t.Run("TouchConversation", func(t *testing.T) { contractTouch(t, h) })
	t.Run("FindUserDisplayInfo", func(t *testing.T) { contractUsers(t, h) })
	t.Run("DirectUniqueness", func(t *testing.T) { contractDirect(t, h) })
	t.Run("ListConversations", func(t *testing.T) { contractListConversations(t, h) })
	t.Run("ListMessages", func(t *testing.T) { contractListMessages(t, h) })
	t.Run("TimestampsRoundTrip", func(t *testing.T) { contractTimestampsRoundTrip(t, h) })
	t.Run("IsParticipant", func(t *testing.T) { contractIsParticipant(t, h) })
}

func contractCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func contractCreateMessage(t *testing.T, h storeHarness) {
	ctx := contractCtx(t)
	convID, sender := h.newID(), h.newID()
	now := time.Now().UTC().Truncate(time.Second)

	msg, err := h.store.CreateMessage(ctx, NewMessage{
		ConversationID: convID,
		SenderID:       sender,
		Content:        "hello",
		Now:            now,
	})
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if strings.TrimSpace(msg.ID) == "" {
		t.Fatalf("expected server-assigned id")
	}
	if msg.Kind != MessageText {
		t.Fatalf("expected default kind text, got %q", msg.Kind)
	}
	if !msg.CreatedAt.Equal(now) {
		t.Fatalf("createdAt: got %v want %v", msg.CreatedAt, now)
	}
	if msg.ConversationID != convID || msg.SenderID != sender || msg.Content != "hello" {
		t.Fatalf("unexpected message: %+v", msg)
	}

	_, err = h.store.CreateMessage(ctx, NewMessage{ConversationID: convID, SenderID: sender, Content: "   "})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty content: expected ErrInvalidInput, got %v", err)
	}
}

func contractTouch(t *testing.T, h storeHarness) {
	ctx := contractCtx(t)
	a, b := h.newID(), h.newID()

	c, err := h.store.CreateConversation(ctx, Conversation{
		Kind:         KindGroup,
		Name:         "ops",
		Participants: []string{a, b},
		TenantID:     "tenant-touch",
	})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	at := c.CreatedAt.Add(time.Minute).Truncate(time.Second)
	if err := h.store.TouchConversation(ctx, c.ID, "latest", at); err != nil {
		t.Fatalf("TouchConversation: %v", err)
	}
	got, err := h.store.GetConversation(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.LastMessage != "latest" || !got.UpdatedAt.Equal(at) {
		t.Fatalf("touch not applied: %+v", got)
	}

	if err := h.store.TouchConversation(ctx, h.newID(), "x", at); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing conversation: expected ErrNotFound, got %v", err)
	}
}

func contractUsers(t *testing.T, h storeHarness) {
	ctx := contractCtx(t)
	id := h.newID()

	u, err := h.store.FindUserDisplayInfo(ctx, id)
	if err != nil || u != nil {
		t.Fatalf("absent user: expected (nil, nil), got (%v, %v)", u, err)
	}

	h.putUser(t, UserDisplay{ID: id, FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com"})

	u, err = h.store.FindUserDisplayInfo(ctx, id)
	if err != nil {
		t.Fatalf("FindUserDisplayInfo: %v", err)
	}
	if u == nil || u.ID != id || u.FirstName != "Ada" || u.LastName != "Lovelace" || u.Email != "ada@example.com" {
		t.Fatalf("unexpected user: %+v", u)
	}
}

func contractDirect(t *testing.T, h storeHarness) {
	ctx := contractCtx(t)
	a, b := h.newID(), h.newID()
	tenant := "tenant-direct-" + h.newID()

	if _, err := h.store.FindDirectConversation(ctx, tenant, a, b); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before create, got %v", err)
	}

	first, err := h.store.CreateConversation(ctx, Conversation{Kind: KindDirect, Participants: []string{a, b}, TenantID: tenant})
	if err != nil {
		t.Fatalf("create direct: %v", err)
	}

	_, err = h.store.CreateConversation(ctx, Conversation{Kind: KindDirect, Participants: []string{b, a}, TenantID: tenant})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("second direct for same pair: expected ErrConflict, got %v", err)
	}

	found, err := h.store.FindDirectConversation(ctx, tenant, b, a)
	if err != nil {
		t.Fatalf("FindDirectConversation: %v", err)
	}
	if found.ID != first.ID {
		t.Fatalf("found %q want %q", found.ID, first.ID)
	}

	// Same pair in another tenant is a different conversation.
	other, err := h.store.CreateConversation(ctx, Conversation{Kind: KindDirect, Participants: []string{a, b}, TenantID: tenant + "-other"})
	if err != nil {
		t.Fatalf("create direct in other tenant: %v", err)
	}
	if other.ID == first.ID {
		t.Fatalf("expected a distinct conversation per tenant")
	}
}

func contractListConversations(t *testing.T, h storeHarness) {
	ctx := contractCtx(t)
	me, x, y := h.newID(), h.newID(), h.newID()
	tenant := "tenant-list-" + h.newID()
	base := time.Now().UTC().Truncate(time.Second)

	older, err := h.store.CreateConversation(ctx, Conversation{Kind: KindDirect, Participants: []string{me, x}, TenantID: tenant, CreatedAt: base})
	if err != nil {
		t.Fatalf("create older: %v", err)
	}
	newer, err := h.store.CreateConversation(ctx, Conversation{Kind: KindGroup, Name: "g", Participants: []string{me, y}, TenantID: tenant, CreatedAt: base.Add(time.Second)})
	if err != nil {
		t.Fatalf("create newer: %v", err)
	}
	if _, err := h.store.CreateConversation(ctx, Conversation{Kind: KindDirect, Participants: []string{x, y}, TenantID: tenant, CreatedAt: base}); err != nil {
		t.Fatalf("create foreign: %v", err)
	}

	list, err := h.store.ListConversations(ctx, tenant, me)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(list) != 2 || list[0].ID != newer.ID || list[1].ID != older.ID {
		t.Fatalf("unexpected order/content: %+v", list)
	}

	// A touch moves the older conversation to the top.
	if err := h.store.TouchConversation(ctx, older.ID, "bump", base.Add(time.Minute)); err != nil {
		t.Fatalf("TouchConversation: %v", err)
	}
	list, err = h.store.ListConversations(ctx, tenant, me)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(list) != 2 || list[0].ID != older.ID || list[0].LastMessage != "bump" {
		t.Fatalf("expected touched conversation first: %+v", list)
	}
}

func contractListMessages(t *testing.T, h storeHarness) {
	ctx := contractCtx(t)
	convID, sender := h.newID(), h.newID()
	base := time.Now().UTC().Truncate(time.Second)

	var created []Message
	for i := 0; i < 5; i++ {
		m, err := h.store.CreateMessage(ctx, NewMessage{
			ConversationID: convID,
			SenderID:       sender,
			Content:        "m" + string(rune('0'+i)),
			Now:            base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("CreateMessage %d: %v", i, err)
		}
		created = append(created, m)
	}

	page, err := h.store.ListMessages(ctx, HistoryQuery{ConversationID: convID, Limit: 2})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(page) != 2 || page[0].ID != created[4].ID || page[1].ID != created[3].ID {
		t.Fatalf("unexpected first page: %+v", page)
	}

	page, err = h.store.ListMessages(ctx, HistoryQuery{ConversationID: convID, Before: page[1].CreatedAt, Limit: 10})
	if err != nil {
		t.Fatalf("ListMessages before: %v", err)
	}
	if len(page) != 3 || page[0].ID != created[2].ID || page[2].ID != created[0].ID {
		t.Fatalf("unexpected second page: %+v", page)
	}
}

// Callers pass the returned CreatedAt back as a history cursor, so it must equal the stored
// value at full clock precision.
func contractTimestampsRoundTrip(t *testing.T, h storeHarness) {
	ctx := contractCtx(t)
	convID, sender := h.newID(), h.newID()
	now := time.Date(2026, 3, 4, 5, 6, 7, 123456789, time.UTC)

	msg, err := h.store.CreateMessage(ctx, NewMessage{ConversationID: convID, SenderID: sender, Content: "precise", Now: now})
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if msg.CreatedAt.After(now) || now.Sub(msg.CreatedAt) >= time.Millisecond {
		t.Fatalf("createdAt drifted: got %v from %v", msg.CreatedAt, now)
	}

	page, err := h.store.ListMessages(ctx, HistoryQuery{ConversationID: convID, Limit: 10})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(page) != 1 || !page[0].CreatedAt.Equal(msg.CreatedAt) {
		t.Fatalf("stored createdAt differs from returned %v: %+v", msg.CreatedAt, page)
	}

	page, err = h.store.ListMessages(ctx, HistoryQuery{ConversationID: convID, Before: msg.CreatedAt, Limit: 10})
	if err != nil {
		t.Fatalf("ListMessages before: %v", err)
	}
	if len(page) != 0 {
		t.Fatalf("cursor at the message's own timestamp must exclude it, got %+v", page)
	}

	c, err := h.store.CreateConversation(ctx, Conversation{
		Kind:         KindGroup,
		Name:         "precise",
		Participants: []string{h.newID(), h.newID()},
		TenantID:     "tenant-ts-" + h.newID(),
		CreatedAt:    now,
	})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	got, err := h.store.GetConversation(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if !got.CreatedAt.Equal(c.CreatedAt) || !got.UpdatedAt.Equal(c.UpdatedAt) {
		t.Fatalf("conversation timestamps differ: returned %v/%v stored %v/%v", c.CreatedAt, c.UpdatedAt, got.CreatedAt, got.UpdatedAt)
	}
}

func contractIsParticipant(t *testing.T, h storeHarness) {
	ctx := contractCtx(t)
	a, b, stranger := h.newID(), h.newID(), h.newID()

	c, err := h.store.CreateConversation(ctx, Conversation{Kind: KindDirect, Participants: []string{a, b}, TenantID: "tenant-acl-" + h.newID()})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	ok, err := h.store.IsParticipant(ctx, c.ID, a)
	if err != nil || !ok {
		t.Fatalf("participant: got (%v, %v)", ok, err)
	}
	ok, err = h.store.IsParticipant(ctx, c.ID, stranger)
	if err != nil || ok {
		t.Fatalf("stranger: got (%v, %v)", ok, err)
	}
	if _, err := h.store.IsParticipant(ctx, h.newID(), a); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing conversation: expected ErrNotFound, got %v", err)
	}
}
