// Package memory provides an in-process conversation history store used when
// no PostgreSQL DSN is configured.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yyup/aistream/internal/domain"
	"github.com/yyup/aistream/internal/domain/conversation"
	"github.com/yyup/aistream/internal/port/database"
)

// HistoryStore keeps conversations in memory. History is lost on restart.
type HistoryStore struct {
	mu            sync.RWMutex
	conversations map[string]conversation.Conversation
	messages      map[string][]conversation.Message
	maxMessages   int
}

var _ database.HistoryStore = (*HistoryStore)(nil)

// NewHistoryStore creates a store that keeps at most maxMessages messages per
// conversation. Zero keeps everything.
func NewHistoryStore(maxMessages int) *HistoryStore {
	return &HistoryStore{
		conversations: make(map[string]conversation.Conversation),
		messages:      make(map[string][]conversation.Message),
		maxMessages:   maxMessages,
	}
}

func (s *HistoryStore) AppendTurn(_ context.Context, conv conversation.Conversation, msgs []conversation.Message) error {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.conversations[conv.ID]
	if ok && existing.UserID != conv.UserID {
		return fmt.Errorf("append turn %s: %w", conv.ID, domain.ErrNotFound)
	}
	if ok {
		conv.CreatedAt = existing.CreatedAt
	} else if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now
	s.conversations[conv.ID] = conv

	list := s.messages[conv.ID]
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		m.ConversationID = conv.ID
		list = append(list, m)
	}
	if s.maxMessages > 0 && len(list) > s.maxMessages {
		list = append([]conversation.Message(nil), list[len(list)-s.maxMessages:]...)
	}
	s.messages[conv.ID] = list
	return nil
}

func (s *HistoryStore) RecentMessages(_ context.Context, conversationID string, limit int) ([]conversation.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.messages[conversationID]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	out := make([]conversation.Message, len(list))
	copy(out, list)
	return out, nil
}

func (s *HistoryStore) GetConversation(_ context.Context, id string) (*conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("get conversation %s: %w", id, domain.ErrNotFound)
	}
	return &c, nil
}
