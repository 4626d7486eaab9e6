package service

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync/atomic"
	"text/template"
	"time"

	aiotel "github.com/yyup/aistream/internal/adapter/otel"
	"github.com/yyup/aistream/internal/config"
	"github.com/yyup/aistream/internal/domain"
	"github.com/yyup/aistream/internal/domain/chat"
	"github.com/yyup/aistream/internal/domain/conversation"
	"github.com/yyup/aistream/internal/port/broadcast"
	"github.com/yyup/aistream/internal/port/messagequeue"
	"github.com/yyup/aistream/internal/port/provider"
	"github.com/yyup/aistream/internal/port/toolset"
	"github.com/yyup/aistream/internal/resilience"
)

//go:embed templates/system_prompt.tmpl
var systemPromptTmpl string

// systemPrompt is the built-in system prompt used by namespaces without their own.
var systemPrompt = template.Must(template.New("system_prompt").Parse(systemPromptTmpl))

// promptData carries request context into the system prompt template.
type promptData struct {
	Namespace string
	Role      string
	PagePath  string
	Date      string
	Tools     []string
}

// ErrTurnAlreadyRun is returned by RunTurn for a turn that has left the idle state.
var ErrTurnAlreadyRun = errors.New("turn already run")

// Messages shown to the user.
const (
	msgConnected         = "连接成功"
	msgThinkingStart     = "正在分析您的问题..."
	msgThinkingComplete  = "分析完成"
	msgUpstreamError     = "AI服务暂时不可用，请稍后再试"
	msgInternalError     = "处理请求时出现内部错误"
	msgProtocolViolation = "响应顺序异常，本轮对话已终止"
)

// OrchestratorDeps holds the collaborators of a StreamOrchestrator. Only
// Provider is required.
type OrchestratorDeps struct {
	Provider provider.Provider
	Tools    toolset.Toolset
	History  *HistoryService
	Pool     *resilience.Pool
	Hub      broadcast.Broadcaster
	Queue    messagequeue.Queue
	Metrics  *aiotel.Metrics
	Logger   *slog.Logger
}

type namespaceProfile struct {
	name   string
	model  string
	tools  []string
	prompt *template.Template
}

// StreamOrchestrator drives chat turns against the upstream provider and
// produces their frames.
type StreamOrchestrator struct {
	deps       OrchestratorDeps
	stream     config.Stream
	provider   config.Provider
	namespaces map[string]namespaceProfile
	now        func() time.Time
}

// NewStreamOrchestrator creates an orchestrator for the namespaces in cfg.
// Namespace prompt overrides are parsed here.
func NewStreamOrchestrator(cfg *config.Config, deps OrchestratorDeps) (*StreamOrchestrator, error) {
	if deps.Provider == nil {
		return nil, errors.New("stream orchestrator: provider is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	namespaces := make(map[string]namespaceProfile, len(cfg.Namespaces))
	for name, ns := range cfg.Namespaces {
		p := namespaceProfile{name: name, model: ns.Model, tools: ns.Tools, prompt: systemPrompt}
		if ns.Prompt != "" {
			tmpl, err := template.New("prompt_" + name).Parse(ns.Prompt)
			if err != nil {
				return nil, fmt.Errorf("parse prompt of namespace %s: %w", name, err)
			}
			p.prompt = tmpl
		}
		namespaces[name] = p
	}

	return &StreamOrchestrator{
		deps:       deps,
		stream:     cfg.Stream,
		provider:   cfg.Provider,
		namespaces: namespaces,
		now:        time.Now,
	}, nil
}

// HasNamespace reports whether name is a configured namespace.
func (o *StreamOrchestrator) HasNamespace(name string) bool {
	_, ok := o.namespaces[name]
	return ok
}

// NewTurn validates a stream-chat request and creates the idle turn for it.
// Unknown namespaces and conversations owned by another user are reported
// as domain.ErrNotFound.
func (o *StreamOrchestrator) NewTurn(ctx context.Context, namespace string, userID chat.UserID, req conversation.StreamChatRequest) (*chat.Turn, error) {
	if _, ok := o.namespaces[namespace]; !ok {
		return nil, fmt.Errorf("namespace %s: %w", namespace, domain.ErrNotFound)
	}
	if err := req.Validate(o.stream.MaxMessageRunes); err != nil {
		return nil, err
	}

	if req.ConversationID != "" && o.deps.History != nil {
		conv, err := o.deps.History.Conversation(ctx, req.ConversationID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
		case err != nil:
			return nil, fmt.Errorf("load conversation %s: %w", req.ConversationID, err)
		case conv.UserID != string(userID):
			return nil, fmt.Errorf("conversation %s: %w", req.ConversationID, domain.ErrNotFound)
		}
	}

	var opts []chat.Option
	if o.stream.ParallelTools {
		opts = append(opts, chat.WithParallelTools())
	}
	t := chat.NewTurn(req.ConversationID, userID, req.Message, opts...)
	t.Namespace = namespace
	t.Context = req.Context
	return t, nil
}

// RunTurn returns the frame sequence of an idle turn. The sequence is lazy
// and single-pass: the turn runs while it is ranged over, and ranging it a
// second time yields nothing. Stopping the range early ends the turn with
// chat.ReasonClientDisconnected, as does cancelling ctx.
func (o *StreamOrchestrator) RunTurn(ctx context.Context, t *chat.Turn) (iter.Seq[chat.Frame], error) {
	if t.State() != chat.StateIdle {
		return nil, ErrTurnAlreadyRun
	}
	profile, ok := o.namespaces[t.Namespace]
	if !ok {
		return nil, fmt.Errorf("namespace %s: %w", t.Namespace, domain.ErrNotFound)
	}

	var used atomic.Bool
	return func(yield func(chat.Frame) bool) {
		if !used.CompareAndSwap(false, true) || t.State() != chat.StateIdle {
			return
		}
		r := o.newRun(ctx, t, profile, yield)
		r.run()
	}, nil
}

func (o *StreamOrchestrator) renderPrompt(p namespaceProfile, req conversation.StreamChatRequest, tools []string) (string, error) {
	data := promptData{
		Namespace: p.name,
		Role:      req.ContextString("role"),
		PagePath:  req.ContextString("pagePath"),
		Date:      o.now().Format("2006-01-02"),
		Tools:     tools,
	}
	var buf bytes.Buffer
	if err := p.prompt.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt of namespace %s: %w", p.name, err)
	}
	return buf.String(), nil
}
