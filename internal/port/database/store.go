// Package database defines the database store ports (interfaces).
package database

import (
	"context"

	"github.com/yyup/aistream/internal/domain/conversation"
)

// HistoryStore persists conversations and their messages.
type HistoryStore interface {
	// AppendTurn stores the messages of one completed turn, creating the
	// conversation on first use. A conversation owned by another user
	// returns domain.ErrNotFound and nothing is stored.
	AppendTurn(ctx context.Context, conv conversation.Conversation, msgs []conversation.Message) error

	// RecentMessages returns up to limit of the newest messages of a
	// conversation in chronological order.
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]conversation.Message, error)

	// GetConversation returns domain.ErrNotFound for unknown ids.
	GetConversation(ctx context.Context, id string) (*conversation.Conversation, error)
}

// StatsReader runs named read-only statistics queries.
type StatsReader interface {
	// QueryNamed returns the rows of a configured query. Unknown names
	// return domain.ErrNotFound.
	QueryNamed(ctx context.Context, name string) ([]map[string]any, error)

	// QueryNames lists the configured query names in sorted order.
	QueryNames() []string
}
