package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"taskhive/cmd/internal/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Messages carry no foreign key to conversations: a message write never depends on the
// conversation row, matching the relay's independent-writes model.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "taskhive").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "taskhive",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

var _ Store = (*PostgresStore)(nil)

// Ping checks that a connection can be acquired.
func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close(context.Context) error { return nil }

// EnsureSchema creates the schema and tables if missing (dev and tests; production uses migrations).
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range postgresSchemaStatements(s.schema) {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func postgresSchemaStatements(schema string) []string {
	conversations := pgIdent(schema, "conversations")
	participants := pgIdent(schema, "conversation_participants")
	messages := pgIdent(schema, "messages")
	users := pgIdent(schema, "users")
	schemaIdent := pgx.Identifier{schema}.Sanitize()

	return []string{
		`CREATE SCHEMA IF NOT EXISTS ` + schemaIdent,
		`CREATE TABLE IF NOT EXISTS ` + users + ` (
			id         text PRIMARY KEY,
			first_name text NOT NULL DEFAULT '',
			last_name  text NOT NULL DEFAULT '',
			email      text NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS ` + conversations + ` (
			id           text PRIMARY KEY,
			kind         text NOT NULL CHECK (kind IN ('direct', 'group', 'project')),
			name         text NOT NULL DEFAULT '',
			tenant_id    text NOT NULL DEFAULT '',
			direct_key   text,
			last_message text NOT NULL DEFAULT '',
			created_at   timestamptz NOT NULL DEFAULT now(),
			updated_at   timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS conversations_direct_pair_uq
			ON ` + conversations + ` (tenant_id, direct_key) WHERE direct_key IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS ` + participants + ` (
			conversation_id text NOT NULL REFERENCES ` + conversations + ` (id) ON DELETE CASCADE,
			user_id         text NOT NULL,
			position        int  NOT NULL,
			PRIMARY KEY (conversation_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS conversation_participants_user_idx
			ON ` + participants + ` (user_id)`,
		`CREATE TABLE IF NOT EXISTS ` + messages + ` (
			id              text PRIMARY KEY,
			conversation_id text NOT NULL,
			sender_id       text NOT NULL,
			content         text NOT NULL,
			kind            text NOT NULL CHECK (kind IN ('text', 'image', 'file')),
			created_at      timestamptz NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_conversation_created_idx
			ON ` + messages + ` (conversation_id, created_at DESC, id DESC)`,
	}
}

// CreateMessage inserts a message with a server-assigned ULID.
func (s *PostgresStore) CreateMessage(ctx context.Context, in NewMessage) (Message, error) {
	in, err := in.Normalize()
	if err != nil {
		return Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	// timestamptz keeps microseconds; return exactly what is stored.
	in.Now = pgTimestamp(in.Now)

	id, err := ids.NewULID(in.Now)
	if err != nil {
		return Message{}, err
	}

	messages := pgIdent(s.schema, "messages")
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+messages+` (id, conversation_id, sender_id, content, kind, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, in.ConversationID, in.SenderID, in.Content, string(in.Kind), in.Now,
	); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	return Message{
		ID:             id,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		Kind:           in.Kind,
		CreatedAt:      in.Now,
	}, nil
}

// TouchConversation updates last_message and updated_at.
func (s *PostgresStore) TouchConversation(ctx context.Context, conversationID, lastMessage string, at time.Time) error {
	conversations := pgIdent(s.schema, "conversations")
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+conversations+` SET last_message = $2, updated_at = $3 WHERE id = $1`,
		conversationID, lastMessage, at,
	)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return opErr("chat.PostgresStore.TouchConversation", ErrNotFound, conversationID)
	}
	return nil
}

// FindUserDisplayInfo returns nil (no error) when the user row is absent.
func (s *PostgresStore) FindUserDisplayInfo(ctx context.Context, userID string) (*UserDisplay, error) {
	users := pgIdent(s.schema, "users")

	var u UserDisplay
	err := s.pool.QueryRow(ctx,
		`SELECT id, first_name, last_name, email FROM `+users+` WHERE id = $1`,
		userID,
	).Scan(&u.ID, &u.FirstName, &u.LastName, &u.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// PutUser upserts a user display row. The users table is owned by the account service;
// this exists for seeding dev databases and tests.
func (s *PostgresStore) PutUser(ctx context.Context, u UserDisplay) error {
	users := pgIdent(s.schema, "users")
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+users+` (id, first_name, last_name, email) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET first_name = EXCLUDED.first_name,
		                                last_name = EXCLUDED.last_name,
		                                email = EXCLUDED.email`,
		u.ID, u.FirstName, u.LastName, u.Email,
	)
	return err
}

const pgConversationColumns = `c.id, c.kind, c.name, c.tenant_id, c.last_message, c.created_at, c.updated_at`

func pgParticipantsSubquery(participants string) string {
	return `ARRAY(SELECT cp.user_id FROM ` + participants + ` cp
	               WHERE cp.conversation_id = c.id ORDER BY cp.position) AS participants`
}

func scanConversation(row pgx.Row) (Conversation, error) {
	var (
		c    Conversation
		kind string
	)
	if err := row.Scan(&c.ID, &kind, &c.Name, &c.TenantID, &c.LastMessage, &c.CreatedAt, &c.UpdatedAt, &c.Participants); err != nil {
		return Conversation{}, err
	}
	c.Kind = ConversationKind(kind)
	return c, nil
}

// GetConversation loads a conversation with its participants.
func (s *PostgresStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	conversations := pgIdent(s.schema, "conversations")
	participants := pgIdent(s.schema, "conversation_participants")

	c, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+pgConversationColumns+`, `+pgParticipantsSubquery(participants)+`
		   FROM `+conversations+` c
		  WHERE c.id = $1`,
		conversationID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, opErr("chat.PostgresStore.GetConversation", ErrNotFound, conversationID)
	}
	return c, err
}

// FindDirectConversation looks up a direct conversation by its pair key.
func (s *PostgresStore) FindDirectConversation(ctx context.Context, tenantID, userA, userB string) (Conversation, error) {
	conversations := pgIdent(s.schema, "conversations")
	participants := pgIdent(s.schema, "conversation_participants")

	c, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+pgConversationColumns+`, `+pgParticipantsSubquery(participants)+`
		   FROM `+conversations+` c
		  WHERE c.tenant_id = $1 AND c.direct_key = $2`,
		tenantID, DirectKey(userA, userB),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, opErr("chat.PostgresStore.FindDirectConversation", ErrNotFound, "")
	}
	return c, err
}

// CreateConversation inserts the conversation and its participants in one transaction.
func (s *PostgresStore) CreateConversation(ctx context.Context, c Conversation) (Conversation, error) {
	const op = "chat.PostgresStore.CreateConversation"

	if err := c.Validate(); err != nil {
		return Conversation{}, err
	}

	now := c.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}
	now = pgTimestamp(now)
	out := cloneConversation(c)
	out.CreatedAt, out.UpdatedAt = now, now
	if strings.TrimSpace(out.ID) == "" {
		id, err := ids.NewULID(now)
		if err != nil {
			return Conversation{}, err
		}
		out.ID = id
	}

	var directKey *string
	if k := out.DirectKey(); k != "" {
		directKey = &k
	}

	conversations := pgIdent(s.schema, "conversations")
	participants := pgIdent(s.schema, "conversation_participants")

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Conversation{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var inserted string
	err = tx.QueryRow(ctx,
		`INSERT INTO `+conversations+` (id, kind, name, tenant_id, direct_key, last_message, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, '', $6, $6)
		 ON CONFLICT DO NOTHING
		 RETURNING id`,
		out.ID, string(out.Kind), out.Name, out.TenantID, directKey, now,
	).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, opErr(op, ErrConflict, "direct pair or id")
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}

	for i, uid := range out.Participants {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+participants+` (conversation_id, user_id, position) VALUES ($1, $2, $3)`,
			out.ID, uid, i,
		); err != nil {
			return Conversation{}, fmt.Errorf("insert participant: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, err
	}
	return out, nil
}

// ListConversations returns the user's conversations in a tenant, newest update first.
func (s *PostgresStore) ListConversations(ctx context.Context, tenantID, userID string) ([]Conversation, error) {
	conversations := pgIdent(s.schema, "conversations")
	participants := pgIdent(s.schema, "conversation_participants")

	rows, err := s.pool.Query(ctx,
		`SELECT `+pgConversationColumns+`, `+pgParticipantsSubquery(participants)+`
		   FROM `+conversations+` c
		  WHERE c.tenant_id = $1
		    AND EXISTS (SELECT 1 FROM `+participants+` p WHERE p.conversation_id = c.id AND p.user_id = $2)
		  ORDER BY c.updated_at DESC, c.id DESC`,
		tenantID, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Conversation, 0, 16)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListMessages returns a newest-first history window.
func (s *PostgresStore) ListMessages(ctx context.Context, q HistoryQuery) ([]Message, error) {
	if strings.TrimSpace(q.ConversationID) == "" {
		return nil, opErr("chat.PostgresStore.ListMessages", ErrInvalidInput, "missing conversation id")
	}
	limit := ClampLimit(q.Limit)
	messages := pgIdent(s.schema, "messages")

	var (
		rows pgx.Rows
		err  error
	)
	if q.Before.IsZero() {
		rows, err = s.pool.Query(ctx,
			`SELECT id, conversation_id, sender_id, content, kind, created_at
			   FROM `+messages+`
			  WHERE conversation_id = $1
			  ORDER BY created_at DESC, id DESC
			  LIMIT $2`,
			q.ConversationID, limit,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id, conversation_id, sender_id, content, kind, created_at
			   FROM `+messages+`
			  WHERE conversation_id = $1 AND created_at < $2
			  ORDER BY created_at DESC, id DESC
			  LIMIT $3`,
			q.ConversationID, q.Before, limit,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var (
			m    Message
			kind string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &kind, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Kind = MessageKind(kind)
		out = append(out, m)
	}
	return out, rows.Err()
}

// IsParticipant checks membership; a missing conversation yields ErrNotFound.
func (s *PostgresStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	conversations := pgIdent(s.schema, "conversations")
	participants := pgIdent(s.schema, "conversation_participants")

	var exists, member bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+conversations+` WHERE id = $1),
		        EXISTS (SELECT 1 FROM `+participants+` WHERE conversation_id = $1 AND user_id = $2)`,
		conversationID, userID,
	).Scan(&exists, &member)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, opErr("chat.PostgresStore.IsParticipant", ErrNotFound, conversationID)
	}
	return member, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

func pgTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
