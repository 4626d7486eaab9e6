// Package broadcast defines the port for broadcasting turn lifecycle events to
// connected dashboard clients.
package broadcast

import "context"

// Broadcaster sends real-time events to all connected clients.
type Broadcaster interface {
	// BroadcastEvent sends a typed event to all connected clients.
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}

// Event types broadcast by the chat service.
const (
	EventTurnStarted  = "turn.started"
	EventTurnFinished = "turn.finished"
)
