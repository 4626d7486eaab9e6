package ws

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/yyup/aistream/internal/port/broadcast"
)

var _ broadcast.Broadcaster = (*Hub)(nil)

// TurnStartedEvent is broadcast when a turn connects.
type TurnStartedEvent struct {
	ConversationID string `json:"conversation_id"`
	TurnID         string `json:"turn_id"`
	UserID         string `json:"user_id"`
	Namespace      string `json:"namespace"`
}

// TurnFinishedEvent is broadcast when a turn reaches a terminal state.
type TurnFinishedEvent struct {
	ConversationID string   `json:"conversation_id"`
	TurnID         string   `json:"turn_id"`
	State          string   `json:"state"`
	FailureReason  string   `json:"failure_reason,omitempty"`
	ToolsUsed      []string `json:"tools_used"`
	DurationMs     int64    `json:"duration_ms"`
}

// BroadcastEvent is a convenience method that marshals a typed event and broadcasts it.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}
