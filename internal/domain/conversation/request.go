package conversation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/yyup/aistream/internal/domain"
	"github.com/yyup/aistream/internal/domain/chat"
)

// StreamChatRequest is the request body of the stream-chat endpoint.
type StreamChatRequest struct {
	Message        string         `json:"message"`
	ConversationID string         `json:"conversationId,omitempty"`
	UserID         chat.UserID    `json:"userId,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
}

// Validate checks the message is non-blank and at most maxRunes characters.
func (r *StreamChatRequest) Validate(maxRunes int) error {
	if strings.TrimSpace(r.Message) == "" {
		return fmt.Errorf("%w: message is required", domain.ErrValidation)
	}
	if n := utf8.RuneCountInString(r.Message); n > maxRunes {
		return fmt.Errorf("%w: message is %d characters, limit is %d", domain.ErrValidation, n, maxRunes)
	}
	if len(r.ConversationID) > 128 {
		return fmt.Errorf("%w: conversationId is too long", domain.ErrValidation)
	}
	return nil
}

// ToolsEnabled reports whether the caller allowed tool use. Tools are on
// unless context.enableTools is false.
func (r *StreamChatRequest) ToolsEnabled() bool {
	v, ok := r.Context["enableTools"].(bool)
	return !ok || v
}

// ContextString returns a string value from the request context.
func (r *StreamChatRequest) ContextString(key string) string {
	s, _ := r.Context[key].(string)
	return s
}
