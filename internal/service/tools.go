package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	aiotel "github.com/yyup/aistream/internal/adapter/otel"
	"github.com/yyup/aistream/internal/domain/chat"
	"github.com/yyup/aistream/internal/port/provider"
	"github.com/yyup/aistream/internal/port/toolset"
)

const unnamedTool = "unknown_tool"

// toolOutcome is the result of one tool call.
type toolOutcome struct {
	callID string
	call   provider.ToolCall
	result json.RawMessage
	err    error
	took   time.Duration
}

// runTools executes the tool calls of one round and returns the messages
// that feed their results back to the model. Call ids are numbered per turn.
func (r *turnRun) runTools(calls []provider.ToolCall) ([]provider.Message, bool) {
	pending := make([]toolOutcome, len(calls))
	for i, c := range calls {
		if c.Name == "" {
			c.Name = unnamedTool
		}
		r.callSeq++
		pending[i] = toolOutcome{callID: strconv.Itoa(r.callSeq), call: c}
	}

	var ok bool
	if r.turn.ParallelTools() && len(calls) > 1 {
		ok = r.runParallel(pending)
	} else {
		ok = r.runSequential(pending)
	}
	if !ok {
		return nil, false
	}
	return feedback(pending), true
}

func (r *turnRun) runSequential(pending []toolOutcome) bool {
	for i := range pending {
		if !r.emit(startFrame(pending[i])) {
			return false
		}
		pending[i] = r.o.callTool(r.ctx, r.allowed, pending[i])
		if !r.emit(r.completeFrame(pending[i])) {
			return false
		}
	}
	return true
}

// runParallel announces every call, runs them with at most MaxParallelTools
// in flight and reports completions in the order they finish.
func (r *turnRun) runParallel(pending []toolOutcome) bool {
	for i := range pending {
		if !r.emit(startFrame(pending[i])) {
			return false
		}
	}

	var g errgroup.Group
	if limit := r.o.stream.MaxParallelTools; limit > 0 {
		g.SetLimit(limit)
	}
	done := make(chan int, len(pending))
	launched := make(chan struct{})
	go func() {
		defer close(launched)
		for i := range pending {
			g.Go(func() error {
				pending[i] = r.o.callTool(r.ctx, r.allowed, pending[i])
				done <- i
				return nil
			})
		}
	}()
	defer func() {
		<-launched
		_ = g.Wait()
	}()

	for range pending {
		i := <-done
		if !r.emit(r.completeFrame(pending[i])) {
			return false
		}
	}
	return true
}

// callTool runs one tool under ToolTimeout. It returns when ctx is done even
// if the tool does not honour cancellation.
func (o *StreamOrchestrator) callTool(ctx context.Context, allowed map[string]bool, in toolOutcome) (out toolOutcome) {
	out = in
	ctx, span := aiotel.StartToolCallSpan(ctx, out.callID, out.call.Name)
	defer span.End()

	start := time.Now()
	defer func() {
		out.took = time.Since(start)
		status := chat.ToolSucceeded
		if out.err != nil {
			status = chat.ToolFailed
			span.RecordError(out.err)
			span.SetStatus(codes.Error, "tool failed")
		}
		o.deps.Metrics.ToolCall(ctx, out.call.Name, status, out.took)
	}()

	if !allowed[out.call.Name] {
		out.err = fmt.Errorf("%w: %s", toolset.ErrUnknownTool, out.call.Name)
		return out
	}
	if err := ctx.Err(); err != nil {
		out.err = err
		return out
	}

	if o.stream.ToolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.stream.ToolTimeout)
		defer cancel()
	}

	type reply struct {
		result json.RawMessage
		err    error
	}
	name, args := out.call.Name, out.call.Arguments
	ch := make(chan reply, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- reply{err: fmt.Errorf("tool %s panicked: %v", name, p)}
			}
		}()
		res, err := o.deps.Tools.Call(ctx, name, args)
		ch <- reply{result: res, err: err}
	}()

	select {
	case rep := <-ch:
		out.result, out.err = rep.result, rep.err
	case <-ctx.Done():
		out.err = fmt.Errorf("tool %s: %w", name, ctx.Err())
	}
	if out.err == nil && !json.Valid(out.result) {
		out.result, _ = json.Marshal(string(out.result))
	}
	return out
}

func startFrame(o toolOutcome) chat.Frame {
	return chat.NewFrame(&chat.ToolCallStart{
		CallID:   o.callID,
		ToolName: o.call.Name,
		Args:     wireJSON(o.call.Arguments),
	})
}

func (r *turnRun) completeFrame(o toolOutcome) chat.Frame {
	p := &chat.ToolCallComplete{
		CallID:     o.callID,
		ToolName:   o.call.Name,
		Status:     chat.ToolSucceeded,
		Result:     o.result,
		DurationMs: o.took.Milliseconds(),
	}
	if o.err != nil {
		r.log.WarnContext(r.ctx, "tool call failed", "call_id", o.callID, "tool", o.call.Name, "error", o.err)
		p.Status = chat.ToolFailed
		p.Result = nil
		p.Error = o.err.Error()
	}
	return chat.NewFrame(p)
}

// feedback builds the assistant tool-call message and one tool message per
// call. Calls without a provider id get one derived from their call id.
func feedback(outcomes []toolOutcome) []provider.Message {
	assistant := provider.Message{Role: provider.RoleAssistant}
	msgs := make([]provider.Message, 0, len(outcomes)+1)
	for _, o := range outcomes {
		id := o.call.ID
		if id == "" {
			id = "call_" + o.callID
		}
		assistant.ToolCalls = append(assistant.ToolCalls, provider.ToolCall{
			ID:        id,
			Name:      o.call.Name,
			Arguments: o.call.Arguments,
		})

		content := string(o.result)
		if o.err != nil {
			data, _ := json.Marshal(map[string]string{"error": o.err.Error()})
			content = string(data)
		}
		msgs = append(msgs, provider.Message{Role: provider.RoleTool, ToolCallID: id, Content: content})
	}
	return append([]provider.Message{assistant}, msgs...)
}

// wireJSON returns raw when it is valid JSON and raw as a JSON string otherwise.
func wireJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || json.Valid(raw) {
		return raw
	}
	data, _ := json.Marshal(string(raw))
	return data
}
