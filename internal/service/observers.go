package service

import (
	"context"
	"encoding/json"
	"unicode/utf8"

	"github.com/yyup/aistream/internal/adapter/ws"
	"github.com/yyup/aistream/internal/domain/chat"
	"github.com/yyup/aistream/internal/port/broadcast"
	"github.com/yyup/aistream/internal/port/messagequeue"
)

// finish runs once the turn is over: it guarantees a terminal state, then
// records, persists and announces the turn on a context that outlives the
// request.
func (r *turnRun) finish() {
	t := r.turn
	if !t.State().IsTerminal() {
		r.abort(nil, chat.ReasonInternal, msgInternalError)
		if !t.State().IsTerminal() {
			_ = t.Fail(chat.ReasonInternal)
		}
	}

	ctx := context.WithoutCancel(r.ctx)
	if d := r.o.stream.PersistTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	r.log.InfoContext(ctx, "turn finished",
		"state", t.State(),
		"reason", t.FailureReason(),
		"tools", len(t.Invocations()),
		"duration_ms", t.Duration().Milliseconds(),
	)
	r.o.deps.Metrics.TurnFinished(ctx, t.Namespace, t.State(), t.FailureReason(), t.Duration())

	if t.State() == chat.StateComplete && r.o.deps.History != nil {
		if err := r.o.deps.History.AppendTurn(ctx, t); err != nil {
			r.log.ErrorContext(ctx, "persist turn failed", "error", err)
		}
	}

	toolsUsed := t.ToolsUsed()
	if toolsUsed == nil {
		toolsUsed = []string{}
	}
	if r.o.deps.Hub != nil {
		r.o.deps.Hub.BroadcastEvent(ctx, broadcast.EventTurnFinished, ws.TurnFinishedEvent{
			ConversationID: t.ConversationID,
			TurnID:         t.ID,
			State:          string(t.State()),
			FailureReason:  string(t.FailureReason()),
			ToolsUsed:      toolsUsed,
			DurationMs:     t.Duration().Milliseconds(),
		})
	}

	if q := r.o.deps.Queue; q != nil {
		data, err := json.Marshal(turnFinishedPayload(t))
		if err != nil {
			r.log.ErrorContext(ctx, "marshal turn summary failed", "error", err)
			return
		}
		subject := messagequeue.SubjectTurnFinished + "." + t.Namespace
		if err := q.Publish(ctx, subject, data); err != nil {
			r.log.WarnContext(ctx, "publish turn summary failed", "subject", subject, "error", err)
		}
	}
}

func turnFinishedPayload(t *chat.Turn) messagequeue.TurnFinishedPayload {
	invs := t.Invocations()
	tools := make([]messagequeue.ToolSummary, 0, len(invs))
	for i := range invs {
		tools = append(tools, messagequeue.ToolSummary{
			CallID:     invs[i].CallID,
			Name:       invs[i].ToolName,
			Status:     string(invs[i].Status),
			DurationMs: invs[i].Duration().Milliseconds(),
		})
	}
	return messagequeue.TurnFinishedPayload{
		ConversationID: t.ConversationID,
		TurnID:         t.ID,
		UserID:         string(t.UserID),
		Namespace:      t.Namespace,
		State:          string(t.State()),
		FailureReason:  string(t.FailureReason()),
		Tools:          tools,
		AnswerRunes:    utf8.RuneCountInString(t.AnswerText()),
		DurationMs:     t.Duration().Milliseconds(),
		FinishedAt:     t.FinishedAt().UTC(),
	}
}
