package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore is a Store backed by MongoDB.
//
// Ownership model: the caller owns the *mongo.Client; Close is a no-op.
//
// Identities are ObjectIDs on the wire as hex strings. A conversation or sender id that is
// not a valid ObjectID cannot be written (CreateMessage fails) and is treated as absent on reads.
type MongoStore struct {
	db            *mongo.Database
	conversations *mongo.Collection
	messages      *mongo.Collection
	users         *mongo.Collection
}

type mongoConversation struct {
	ID           primitive.ObjectID   `bson:"_id,omitempty"`
	Type         string               `bson:"type"`
	Participants []primitive.ObjectID `bson:"participants"`
	Name         string               `bson:"name,omitempty"`
	CompanyID    string               `bson:"companyId"`
	DirectKey    string               `bson:"directKey,omitempty"`
	LastMessage  string               `bson:"lastMessage"`
	CreatedAt    time.Time            `bson:"createdAt"`
	UpdatedAt    time.Time            `bson:"updatedAt"`
}

type mongoMessage struct {
	ID             primitive.ObjectID `bson:"_id,omitempty"`
	ConversationID primitive.ObjectID `bson:"conversationId"`
	SenderID       primitive.ObjectID `bson:"senderId"`
	Content        string             `bson:"content"`
	Type           string             `bson:"type"`
	CreatedAt      time.Time          `bson:"createdAt"`
}

type mongoUser struct {
	ID        primitive.ObjectID `bson:"_id"`
	FirstName string             `bson:"firstName"`
	LastName  string             `bson:"lastName"`
	Email     string             `bson:"email"`
}

// NewMongoStore constructs a MongoStore on db.
func NewMongoStore(db *mongo.Database) (*MongoStore, error) {
	if db == nil {
		return nil, errors.New("chat: nil mongo database")
	}
	return &MongoStore{
		db:            db,
		conversations: db.Collection("conversations"),
		messages:      db.Collection("messages"),
		users:         db.Collection("users"),
	}, nil
}

var _ Store = (*MongoStore)(nil)

// EnsureIndexes creates the indexes the store relies on (idempotent).
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.conversations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "companyId", Value: 1}, {Key: "directKey", Value: 1}},
			Options: options.Index().
				SetName("direct_pair_uq").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"directKey": bson.M{"$exists": true}}),
		},
		{
			Keys:    bson.D{{Key: "participants", Value: 1}, {Key: "updatedAt", Value: -1}},
			Options: options.Index().SetName("participants_updated"),
		},
	})
	if err != nil {
		return fmt.Errorf("conversations indexes: %w", err)
	}

	_, err = s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "conversationId", Value: 1}, {Key: "createdAt", Value: -1}},
		Options: options.Index().SetName("conversation_created"),
	})
	if err != nil {
		return fmt.Errorf("messages indexes: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}

// Close is a no-op because the client is owned by the caller.
func (s *MongoStore) Close(context.Context) error { return nil }

// CreateMessage inserts a message document with a fresh ObjectID.
func (s *MongoStore) CreateMessage(ctx context.Context, in NewMessage) (Message, error) {
	const op = "chat.MongoStore.CreateMessage"

	in, err := in.Normalize()
	if err != nil {
		return Message{}, err
	}
	convOID, err := primitive.ObjectIDFromHex(in.ConversationID)
	if err != nil {
		return Message{}, opErr(op, ErrInvalidInput, "conversation id is not an ObjectID")
	}
	senderOID, err := primitive.ObjectIDFromHex(in.SenderID)
	if err != nil {
		return Message{}, opErr(op, ErrInvalidInput, "sender id is not an ObjectID")
	}

	// BSON dates have millisecond precision.
	now := in.Now.UTC().Truncate(time.Millisecond)
	doc := mongoMessage{
		ID:             primitive.NewObjectID(),
		ConversationID: convOID,
		SenderID:       senderOID,
		Content:        in.Content,
		Type:           string(in.Kind),
		CreatedAt:      now,
	}
	if _, err := s.messages.InsertOne(ctx, doc); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return doc.toMessage(), nil
}

// TouchConversation sets lastMessage and updatedAt.
func (s *MongoStore) TouchConversation(ctx context.Context, conversationID, lastMessage string, at time.Time) error {
	const op = "chat.MongoStore.TouchConversation"

	oid, err := primitive.ObjectIDFromHex(conversationID)
	if err != nil {
		return opErr(op, ErrNotFound, conversationID)
	}
	res, err := s.conversations.UpdateOne(ctx,
		bson.M{"_id": oid},
		bson.M{"$set": bson.M{"lastMessage": lastMessage, "updatedAt": at.UTC()}},
	)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if res.MatchedCount == 0 {
		return opErr(op, ErrNotFound, conversationID)
	}
	return nil
}

// FindUserDisplayInfo returns nil (no error) for unknown or malformed ids.
func (s *MongoStore) FindUserDisplayInfo(ctx context.Context, userID string) (*UserDisplay, error) {
	oid, err := primitive.ObjectIDFromHex(userID)
	if err != nil {
		return nil, nil
	}

	var u mongoUser
	err = s.users.FindOne(ctx,
		bson.M{"_id": oid},
		options.FindOne().SetProjection(bson.M{"firstName": 1, "lastName": 1, "email": 1}),
	).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &UserDisplay{ID: u.ID.Hex(), FirstName: u.FirstName, LastName: u.LastName, Email: u.Email}, nil
}

// PutUser upserts a user document (dev seeding and tests).
func (s *MongoStore) PutUser(ctx context.Context, u UserDisplay) error {
	oid, err := primitive.ObjectIDFromHex(u.ID)
	if err != nil {
		return opErr("chat.MongoStore.PutUser", ErrInvalidInput, "user id is not an ObjectID")
	}
	_, err = s.users.UpdateOne(ctx,
		bson.M{"_id": oid},
		bson.M{"$set": bson.M{"firstName": u.FirstName, "lastName": u.LastName, "email": u.Email}},
		options.Update().SetUpsert(true),
	)
	return err
}

// GetConversation loads a conversation by id.
func (s *MongoStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	const op = "chat.MongoStore.GetConversation"

	oid, err := primitive.ObjectIDFromHex(conversationID)
	if err != nil {
		return Conversation{}, opErr(op, ErrNotFound, conversationID)
	}
	return s.findOneConversation(ctx, op, bson.M{"_id": oid})
}

// FindDirectConversation looks up the direct conversation of an unordered pair.
func (s *MongoStore) FindDirectConversation(ctx context.Context, tenantID, userA, userB string) (Conversation, error) {
	return s.findOneConversation(ctx, "chat.MongoStore.FindDirectConversation",
		bson.M{"companyId": tenantID, "directKey": DirectKey(userA, userB)})
}

func (s *MongoStore) findOneConversation(ctx context.Context, op string, filter bson.M) (Conversation, error) {
	var doc mongoConversation
	err := s.conversations.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Conversation{}, opErr(op, ErrNotFound, "")
	}
	if err != nil {
		return Conversation{}, err
	}
	return doc.toConversation(), nil
}

// CreateConversation inserts a conversation. The direct-pair unique index turns a
// concurrent duplicate into ErrConflict.
func (s *MongoStore) CreateConversation(ctx context.Context, c Conversation) (Conversation, error) {
	const op = "chat.MongoStore.CreateConversation"

	if err := c.Validate(); err != nil {
		return Conversation{}, err
	}

	participants := make([]primitive.ObjectID, 0, len(c.Participants))
	for _, p := range c.Participants {
		oid, err := primitive.ObjectIDFromHex(p)
		if err != nil {
			return Conversation{}, opErr(op, ErrInvalidInput, "participant id is not an ObjectID")
		}
		participants = append(participants, oid)
	}

	now := c.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC().Truncate(time.Millisecond)

	doc := mongoConversation{
		ID:           primitive.NewObjectID(),
		Type:         string(c.Kind),
		Participants: participants,
		Name:         c.Name,
		CompanyID:    c.TenantID,
		DirectKey:    c.DirectKey(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if id := strings.TrimSpace(c.ID); id != "" {
		oid, err := primitive.ObjectIDFromHex(id)
		if err != nil {
			return Conversation{}, opErr(op, ErrInvalidInput, "conversation id is not an ObjectID")
		}
		doc.ID = oid
	}

	if _, err := s.conversations.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return Conversation{}, opErr(op, ErrConflict, "direct pair or id")
		}
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	return doc.toConversation(), nil
}

// ListConversations returns the user's conversations in a tenant, newest update first.
func (s *MongoStore) ListConversations(ctx context.Context, tenantID, userID string) ([]Conversation, error) {
	oid, err := primitive.ObjectIDFromHex(userID)
	if err != nil {
		return []Conversation{}, nil
	}

	cur, err := s.conversations.Find(ctx,
		bson.M{"companyId": tenantID, "participants": oid},
		options.Find().SetSort(bson.D{{Key: "updatedAt", Value: -1}, {Key: "_id", Value: -1}}),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var docs []mongoConversation
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]Conversation, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toConversation())
	}
	return out, nil
}

// ListMessages returns a newest-first history window.
func (s *MongoStore) ListMessages(ctx context.Context, q HistoryQuery) ([]Message, error) {
	oid, err := primitive.ObjectIDFromHex(q.ConversationID)
	if err != nil {
		return []Message{}, nil
	}
	filter := bson.M{"conversationId": oid}
	if !q.Before.IsZero() {
		filter["createdAt"] = bson.M{"$lt": q.Before.UTC()}
	}

	cur, err := s.messages.Find(ctx, filter,
		options.Find().
			SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}).
			SetLimit(int64(ClampLimit(q.Limit))),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var docs []mongoMessage
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toMessage())
	}
	return out, nil
}

// IsParticipant checks membership; a missing conversation yields ErrNotFound.
func (s *MongoStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	c, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return false, err
	}
	return c.HasParticipant(userID), nil
}

func (d mongoConversation) toConversation() Conversation {
	participants := make([]string, 0, len(d.Participants))
	for _, p := range d.Participants {
		participants = append(participants, p.Hex())
	}
	return Conversation{
		ID:           d.ID.Hex(),
		Kind:         ConversationKind(d.Type),
		Participants: participants,
		Name:         d.Name,
		TenantID:     d.CompanyID,
		LastMessage:  d.LastMessage,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

func (d mongoMessage) toMessage() Message {
	return Message{
		ID:             d.ID.Hex(),
		ConversationID: d.ConversationID.Hex(),
		SenderID:       d.SenderID.Hex(),
		Content:        d.Content,
		Kind:           MessageKind(d.Type),
		CreatedAt:      d.CreatedAt,
	}
}
