package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/yyup/aistream/internal/domain"
	"github.com/yyup/aistream/internal/domain/chat"
	"github.com/yyup/aistream/internal/domain/conversation"
	"github.com/yyup/aistream/internal/port/cache"
	"github.com/yyup/aistream/internal/port/database"
)

const historyKeyPrefix = "history:"

// HistoryService reads and appends conversation history. The newest
// messages of each conversation are cached under one key that is dropped
// whenever the conversation grows.
type HistoryService struct {
	store database.HistoryStore
	cache cache.Cache
	ttl   time.Duration
	limit int
}

// NewHistoryService creates a HistoryService returning at most limit
// messages per conversation. A nil cache disables caching.
func NewHistoryService(store database.HistoryStore, c cache.Cache, ttl time.Duration, limit int) *HistoryService {
	return &HistoryService{store: store, cache: c, ttl: ttl, limit: limit}
}

func historyKey(conversationID string) string {
	return historyKeyPrefix + conversationID
}

// Conversation returns the conversation with the given id.
func (s *HistoryService) Conversation(ctx context.Context, id string) (*conversation.Conversation, error) {
	return s.store.GetConversation(ctx, id)
}

// Recent returns the newest messages of a conversation in chronological
// order. Unknown conversations have no messages.
func (s *HistoryService) Recent(ctx context.Context, conversationID string) ([]conversation.Message, error) {
	key := historyKey(conversationID)
	if msgs, ok, err := cache.GetJSON[[]conversation.Message](ctx, s.cache, key); err == nil && ok {
		return msgs, nil
	}

	msgs, err := s.store.RecentMessages(ctx, conversationID, s.limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages %s: %w", conversationID, err)
	}
	if err := cache.SetJSON(ctx, s.cache, key, msgs, s.ttl); err != nil {
		slog.Warn("history cache set failed", "conversation_id", conversationID, "error", err)
	}
	return msgs, nil
}

// ConversationMessages returns the recent messages of a conversation owned
// by userID. Conversations of other users are reported as not found.
func (s *HistoryService) ConversationMessages(ctx context.Context, id string, userID chat.UserID) ([]conversation.Message, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.UserID != string(userID) {
		return nil, fmt.Errorf("conversation %s: %w", id, domain.ErrNotFound)
	}
	return s.Recent(ctx, id)
}

// AppendTurn stores the user message and the answer of a completed turn
// and drops the cached history of its conversation.
func (s *HistoryService) AppendTurn(ctx context.Context, t *chat.Turn) error {
	if t.State() != chat.StateComplete {
		return fmt.Errorf("%w: turn %s is %s", domain.ErrValidation, t.ID, t.State())
	}

	var toolCalls json.RawMessage
	if invs := t.Invocations(); len(invs) > 0 {
		data, err := json.Marshal(invs)
		if err != nil {
			return fmt.Errorf("marshal tool calls: %w", err)
		}
		toolCalls = data
	}

	conv := conversation.Conversation{
		ID:        t.ConversationID,
		UserID:    string(t.UserID),
		Namespace: t.Namespace,
	}
	msgs := []conversation.Message{
		{
			ID:             uuid.NewString(),
			ConversationID: t.ConversationID,
			TurnID:         t.ID,
			Role:           conversation.RoleUser,
			Content:        t.Input,
			CreatedAt:      t.StartedAt().UTC(),
		},
		{
			ID:             uuid.NewString(),
			ConversationID: t.ConversationID,
			TurnID:         t.ID,
			Role:           conversation.RoleAssistant,
			Content:        t.AnswerText(),
			ToolCalls:      toolCalls,
			CreatedAt:      t.FinishedAt().UTC(),
		},
	}
	if err := s.store.AppendTurn(ctx, conv, msgs); err != nil {
		return fmt.Errorf("append turn %s: %w", t.ID, err)
	}
	if s.cache != nil {
		if err := s.cache.Delete(ctx, historyKey(t.ConversationID)); err != nil {
			slog.Warn("history cache delete failed", "conversation_id", t.ConversationID, "error", err)
		}
	}
	return nil
}
