package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/codes"

	aiotel "github.com/yyup/aistream/internal/adapter/otel"
	"github.com/yyup/aistream/internal/adapter/ws"
	"github.com/yyup/aistream/internal/domain/chat"
	"github.com/yyup/aistream/internal/domain/conversation"
	"github.com/yyup/aistream/internal/logger"
	"github.com/yyup/aistream/internal/port/broadcast"
	"github.com/yyup/aistream/internal/port/provider"
)

// turnRun is the state of one RunTurn sequence. It lives on the goroutine
// ranging the sequence; only tool calls run elsewhere.
type turnRun struct {
	o       *StreamOrchestrator
	turn    *chat.Turn
	profile namespaceProfile
	req     conversation.StreamChatRequest
	log     *slog.Logger

	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc
	yield  func(chat.Frame) bool

	defs    []provider.ToolDefinition
	allowed map[string]bool
	callSeq int
	stopped bool
}

// roundResult is what one provider round produced.
type roundResult struct {
	text     string // content held back in rounds that offered tools
	streamed bool   // content was already emitted as answer frames
	calls    []provider.ToolCall
}

func (o *StreamOrchestrator) newRun(parent context.Context, t *chat.Turn, p namespaceProfile, yield func(chat.Frame) bool) *turnRun {
	ctx := logger.WithTurn(parent, t.ConversationID, t.ID)
	ctx, cancel := context.WithCancel(ctx)
	r := &turnRun{
		o:       o,
		turn:    t,
		profile: p,
		req:     conversation.StreamChatRequest{Message: t.Input, Context: t.Context},
		log:     o.deps.Logger.With("namespace", t.Namespace, "user_id", string(t.UserID)),
		parent:  parent,
		ctx:     ctx,
		cancel:  cancel,
		yield:   yield,
		allowed: make(map[string]bool),
	}
	if o.deps.Tools != nil && r.req.ToolsEnabled() {
		r.defs = o.deps.Tools.Definitions(p.tools)
		for _, d := range r.defs {
			r.allowed[d.Name] = true
		}
	}
	return r
}

func (r *turnRun) run() {
	defer r.cancel()

	ctx, span := aiotel.StartTurnSpan(r.ctx, r.turn.ConversationID, r.turn.ID, r.turn.Namespace)
	r.ctx = ctx
	defer span.End()
	defer r.finish()

	r.o.deps.Metrics.TurnStarted(r.ctx, r.turn.Namespace)
	if r.o.deps.Hub != nil {
		r.o.deps.Hub.BroadcastEvent(r.ctx, broadcast.EventTurnStarted, ws.TurnStartedEvent{
			ConversationID: r.turn.ConversationID,
			TurnID:         r.turn.ID,
			UserID:         string(r.turn.UserID),
			Namespace:      r.turn.Namespace,
		})
	}

	if !r.emit(chat.NewFrame(&chat.Connected{
		ConversationID: r.turn.ConversationID,
		TurnID:         r.turn.ID,
		Message:        msgConnected,
	})) {
		return
	}
	if !r.emit(chat.NewFrame(&chat.ThinkingStart{Message: msgThinkingStart})) {
		return
	}

	if pool := r.o.deps.Pool; pool != nil {
		release, err := pool.Acquire(r.ctx)
		if err != nil {
			r.abort(err, chat.ReasonInternal, msgInternalError)
			return
		}
		defer release()
	}

	msgs, err := r.buildMessages()
	if err != nil {
		r.abort(err, chat.ReasonInternal, msgInternalError)
		return
	}
	r.converse(msgs)
}

// buildMessages assembles the system prompt, recent history and the user input.
func (r *turnRun) buildMessages() ([]provider.Message, error) {
	names := make([]string, 0, len(r.defs))
	for _, d := range r.defs {
		names = append(names, d.Name)
	}
	prompt, err := r.o.renderPrompt(r.profile, r.req, names)
	if err != nil {
		return nil, err
	}
	msgs := []provider.Message{{Role: provider.RoleSystem, Content: prompt}}

	if h := r.o.deps.History; h != nil {
		history, err := h.Recent(r.ctx, r.turn.ConversationID)
		if err != nil {
			r.log.WarnContext(r.ctx, "history unavailable, continuing without it", "error", err)
		}
		for _, m := range history {
			role := provider.RoleUser
			if m.Role == conversation.RoleAssistant {
				role = provider.RoleAssistant
			}
			msgs = append(msgs, provider.Message{Role: role, Content: m.Content})
		}
	}

	return append(msgs, provider.Message{Role: provider.RoleUser, Content: r.turn.Input}), nil
}

// converse runs provider rounds until the model answers without tools.
func (r *turnRun) converse(msgs []provider.Message) {
	for round := 0; ; round++ {
		offer := len(r.defs) > 0 && round < r.o.stream.MaxToolRounds
		res, ok := r.round(round, msgs, offer)
		if !ok {
			return
		}

		if len(res.calls) == 0 {
			r.conclude(res)
			return
		}

		if narration := strings.TrimSpace(res.text); narration != "" {
			if !r.emit(chat.NewFrame(&chat.Thinking{Message: narration})) {
				return
			}
		}
		followUp, ok := r.runTools(res.calls)
		if !ok {
			return
		}
		msgs = append(msgs, followUp...)
	}
}

// round streams one completion. Content is answered directly unless tools
// were offered, in which case it is held until the round shows whether the
// model wants tools.
func (r *turnRun) round(n int, msgs []provider.Message, offer bool) (roundResult, bool) {
	var res roundResult
	model := r.profile.model
	if model == "" {
		model = r.o.provider.Model
	}
	ctx, span := aiotel.StartRoundSpan(r.ctx, n, model, offer)
	defer span.End()

	req := provider.Request{
		Model:       r.profile.model,
		Messages:    msgs,
		Temperature: r.o.provider.Temperature,
		MaxTokens:   r.o.provider.MaxTokens,
	}
	if offer {
		req.Tools = r.defs
	}

	// The idle limit covers opening the stream and every wait for the next
	// chunk, not the time spent handing frames to the consumer.
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	wd := newWatchdog(r.o.provider.Timeout, func() { cancel(errUpstreamStalled) })
	defer wd.stop()

	wd.arm()
	stream, err := r.o.deps.Provider.StreamChat(ctx, req)
	wd.stop()
	if err != nil {
		err = stallCause(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream open failed")
		r.abort(err, chat.ReasonUpstreamProvider, msgUpstreamError)
		return res, false
	}
	defer func() { _ = stream.Close() }()

	var held strings.Builder
	for {
		wd.arm()
		chunk, err := stream.Recv()
		wd.stop()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			err = stallCause(ctx, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "stream recv failed")
			r.abort(err, chat.ReasonUpstreamProvider, msgUpstreamError)
			return res, false
		}

		if chunk.Reasoning != "" && r.canThink() {
			if !r.emit(chat.NewFrame(&chat.Thinking{Message: chunk.Reasoning})) {
				return res, false
			}
		}
		if chunk.Content != "" {
			if offer {
				held.WriteString(chunk.Content)
			} else {
				if !r.answer(chunk.Content) {
					return res, false
				}
				res.streamed = true
			}
		}
		if offer {
			res.calls = append(res.calls, chunk.ToolCalls...)
		}
	}
	res.text = held.String()
	return res, true
}

// errUpstreamStalled cancels a round whose provider went quiet for longer
// than the configured timeout.
var errUpstreamStalled = errors.New("upstream stalled")

// watchdog fires once when left armed for longer than its limit. A zero
// limit never fires.
type watchdog struct {
	limit time.Duration
	timer *time.Timer
}

func newWatchdog(limit time.Duration, fire func()) *watchdog {
	w := &watchdog{limit: limit}
	if limit > 0 {
		w.timer = time.AfterFunc(limit, fire)
		w.timer.Stop()
	}
	return w
}

func (w *watchdog) arm() {
	if w.timer != nil {
		w.timer.Reset(w.limit)
	}
}

func (w *watchdog) stop() {
	if w.timer != nil {
		w.timer.Stop()
	}
}

// stallCause reports a stall instead of the bare cancellation it caused.
func stallCause(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); errors.Is(cause, errUpstreamStalled) {
		return fmt.Errorf("%w: %w", cause, err)
	}
	return err
}

// conclude emits the final answer and the complete frame.
func (r *turnRun) conclude(res roundResult) {
	if !res.streamed && strings.TrimSpace(res.text) != "" {
		for _, piece := range splitRunes(res.text, r.o.stream.AnswerChunkRunes) {
			if !r.answer(piece) {
				return
			}
		}
	}
	if strings.TrimSpace(r.turn.AnswerText()) == "" {
		r.log.WarnContext(r.ctx, "model returned no answer, using fallback")
		for _, piece := range splitRunes(r.o.stream.FallbackAnswer, r.o.stream.AnswerChunkRunes) {
			if !r.answer(piece) {
				return
			}
		}
	}

	tools := r.turn.ToolsUsed()
	if tools == nil {
		tools = []string{}
	}
	r.emit(chat.NewFrame(&chat.Complete{
		ConversationID: r.turn.ConversationID,
		TurnID:         r.turn.ID,
		ToolsUsed:      tools,
		DurationMs:     r.turn.Duration().Milliseconds(),
	}))
}

// answer emits one answer frame, preceded by thinking_complete the first time.
func (r *turnRun) answer(text string) bool {
	if r.turn.State() == chat.StateThinking && !r.turn.ThinkingCompleted() {
		if !r.emit(chat.NewFrame(&chat.ThinkingComplete{Message: msgThinkingComplete})) {
			return false
		}
	}
	return r.emit(chat.NewFrame(&chat.Answer{Message: text}))
}

func (r *turnRun) canThink() bool {
	s := r.turn.State()
	return s == chat.StateThinking || s == chat.StateToolRunning
}

// emit applies f to the turn and hands it to the consumer. It returns false
// once the turn must not produce further frames.
func (r *turnRun) emit(f chat.Frame) bool {
	if r.stopped {
		return false
	}
	if r.parent.Err() != nil {
		r.disconnect()
		return false
	}

	if err := r.turn.Apply(f); err != nil {
		var pe *chat.ProtocolError
		if errors.As(err, &pe) && !pe.Fatal {
			r.log.WarnContext(r.ctx, "frame ignored", "event", f.Type(), "error", err)
			return !r.turn.State().IsTerminal()
		}
		r.log.ErrorContext(r.ctx, "frame rejected, failing turn", "event", f.Type(), "error", err)
		if !r.turn.State().IsTerminal() {
			_ = r.turn.Fail(chat.ReasonInternal)
		}
		msg := msgInternalError
		if r.turn.FailureReason() == chat.ReasonProtocolViolation {
			msg = msgProtocolViolation
		}
		r.deliver(chat.NewFrame(&chat.Error{Code: string(r.turn.FailureReason()), Message: msg}))
		r.stopped = true
		return false
	}
	if !r.deliver(f) {
		return false
	}
	return !f.Type().IsTerminal()
}

func (r *turnRun) deliver(f chat.Frame) bool {
	r.o.deps.Metrics.Frame(r.ctx, f.Type())
	if !r.yield(f) {
		r.disconnect()
		return false
	}
	return true
}

// abort ends the turn after err. A cancelled request means the client left;
// anything else is reported with an error frame.
func (r *turnRun) abort(err error, reason chat.FailureReason, message string) {
	if r.parent.Err() != nil {
		r.disconnect()
		return
	}
	r.log.ErrorContext(r.ctx, "turn failed", "reason", reason, "error", err)
	r.emit(chat.NewFrame(&chat.Error{Code: string(reason), Message: message}))
}

// disconnect stops the turn after the consumer went away.
func (r *turnRun) disconnect() {
	r.stopped = true
	r.cancel()
	if err := r.turn.Fail(chat.ReasonClientDisconnected); err == nil {
		r.log.InfoContext(r.ctx, "client disconnected")
	}
}

// splitRunes cuts s into pieces of at most n runes. n <= 0 keeps s whole.
func splitRunes(s string, n int) []string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return []string{s}
	}
	var out []string
	for s != "" {
		i, count := 0, 0
		for i < len(s) && count < n {
			_, size := utf8.DecodeRuneInString(s[i:])
			i += size
			count++
		}
		out = append(out, s[:i])
		s = s[i:]
	}
	return out
}
