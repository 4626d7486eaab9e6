package logger

import "context"

type contextKey int

const (
	requestIDKey contextKey = iota
	turnKey
)

type turnIDs struct {
	conversationID string
	turnID         string
}

// WithRequestID returns a new context with the given request ID stored.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID extracts the request ID from the context.
// Returns an empty string if no request ID is set.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithTurn stores the conversation and turn IDs so every record logged
// with the context carries them.
func WithTurn(ctx context.Context, conversationID, turnID string) context.Context {
	return context.WithValue(ctx, turnKey, turnIDs{conversationID: conversationID, turnID: turnID})
}

// Turn returns the IDs stored by WithTurn.
func Turn(ctx context.Context) (conversationID, turnID string) {
	ids, _ := ctx.Value(turnKey).(turnIDs)
	return ids.conversationID, ids.turnID
}
