package messagequeue

import "time"

// TurnFinishedPayload is the schema for aistream.turn.finished messages.
type TurnFinishedPayload struct {
	ConversationID string        `json:"conversation_id"`
	TurnID         string        `json:"turn_id"`
	UserID         string        `json:"user_id"`
	Namespace      string        `json:"namespace"`
	State          string        `json:"state"`
	FailureReason  string        `json:"failure_reason,omitempty"`
	Tools          []ToolSummary `json:"tools"`
	AnswerRunes    int           `json:"answer_runes"`
	DurationMs     int64         `json:"duration_ms"`
	FinishedAt     time.Time     `json:"finished_at"`
}

// ToolSummary describes one tool invocation of a finished turn.
type ToolSummary struct {
	CallID     string `json:"call_id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	DurationMs int64  `json:"duration_ms"`
}
