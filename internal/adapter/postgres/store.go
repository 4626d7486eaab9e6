package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yyup/aistream/internal/domain"
	"github.com/yyup/aistream/internal/domain/conversation"
	"github.com/yyup/aistream/internal/port/database"
)

// Store implements database.HistoryStore using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ database.HistoryStore = (*Store)(nil)

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// AppendTurn upserts the conversation and inserts msgs in one transaction.
func (s *Store) AppendTurn(ctx context.Context, conv conversation.Conversation, msgs []conversation.Message) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("append turn: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	tag, err := tx.Exec(ctx,
		`INSERT INTO ai_conversations (id, user_id, namespace, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET updated_at = EXCLUDED.updated_at
		 WHERE ai_conversations.user_id = EXCLUDED.user_id`,
		conv.ID, conv.UserID, conv.Namespace, conv.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("append turn: upsert conversation %s: %w", conv.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("append turn: conversation %s: %w", conv.ID, domain.ErrNotFound)
	}

	batch := &pgx.Batch{}
	for i := range msgs {
		m := &msgs[i]
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		batch.Queue(
			`INSERT INTO ai_messages (id, conversation_id, turn_id, role, content, tool_calls, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			m.ID, conv.ID, m.TurnID, m.Role, m.Content, nullJSON(m.ToolCalls), m.CreatedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("append turn: insert messages: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("append turn: commit: %w", err)
	}
	return nil
}

// RecentMessages returns up to limit of the newest messages, oldest first.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, limit int) ([]conversation.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, turn_id, role, content, tool_calls, created_at FROM (
		   SELECT id, conversation_id, turn_id, role, content, tool_calls, created_at
		   FROM ai_messages WHERE conversation_id = $1
		   ORDER BY created_at DESC, role ASC
		   LIMIT $2
		 ) recent ORDER BY created_at ASC, role DESC`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages %s: %w", conversationID, err)
	}
	defer rows.Close()

	var result []conversation.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return orEmpty(result), rows.Err()
}

// GetConversation returns a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*conversation.Conversation, error) {
	var c conversation.Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, namespace, created_at, updated_at
		 FROM ai_conversations WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.UserID, &c.Namespace, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, notFoundWrap(err, "get conversation %s", id)
	}
	return &c, nil
}

func scanMessage(row scannable) (conversation.Message, error) {
	var m conversation.Message
	var toolCalls []byte
	if err := row.Scan(&m.ID, &m.ConversationID, &m.TurnID, &m.Role, &m.Content, &toolCalls, &m.CreatedAt); err != nil {
		return m, fmt.Errorf("scan message: %w", err)
	}
	if len(toolCalls) > 0 {
		m.ToolCalls = toolCalls
	}
	return m, nil
}
