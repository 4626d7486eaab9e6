// Package openai implements the provider port against any OpenAI-compatible
// chat completions endpoint.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/yyup/aistream/internal/config"
	"github.com/yyup/aistream/internal/port/provider"
	"github.com/yyup/aistream/internal/resilience"
)

// Client streams chat completions from an OpenAI-compatible API.
type Client struct {
	api     *goopenai.Client
	model   string
	breaker *resilience.Breaker
}

var _ provider.Provider = (*Client)(nil)

// NewClient creates a client for cfg. The HTTP transport allows at most
// cfg.MaxConns connections to the upstream host.
func NewClient(cfg config.Provider) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxConnsPerHost = cfg.MaxConns
	transport.MaxIdleConnsPerHost = cfg.MaxConns
	transport.ResponseHeaderTimeout = cfg.Timeout

	apiCfg := goopenai.DefaultConfig(cfg.APIKey)
	apiCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	apiCfg.HTTPClient = &http.Client{Transport: transport}

	return &Client{
		api:   goopenai.NewClientWithConfig(apiCfg),
		model: cfg.Model,
	}
}

// SetBreaker attaches a circuit breaker to stream creation.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

// StreamChat opens a streaming completion. An empty req.Model uses the
// configured default model.
func (c *Client) StreamChat(ctx context.Context, req provider.Request) (provider.Stream, error) {
	apiReq := goopenai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    toMessages(req.Messages),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      true,
	}
	if apiReq.Model == "" {
		apiReq.Model = c.model
	}
	if len(req.Tools) > 0 {
		apiReq.Tools = toTools(req.Tools)
		apiReq.ToolChoice = "auto"
	}

	var stream *goopenai.ChatCompletionStream
	open := func(ctx context.Context) error {
		var err error
		stream, err = c.api.CreateChatCompletionStream(ctx, apiReq)
		return err
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(ctx, open)
	} else {
		err = open(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("openai stream %s: %w", apiReq.Model, describe(err))
	}
	return &chunkStream{stream: stream, calls: make(map[int]*partialCall)}, nil
}

// Ping checks that the upstream answers the models endpoint.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("openai list models: %w", describe(err))
	}
	return nil
}

func describe(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("status %d: %w", apiErr.HTTPStatusCode, err)
	}
	return err
}

func toMessages(msgs []provider.Message) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		msg := goopenai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, goopenai.ToolCall{
				ID:   tc.ID,
				Type: goopenai.ToolTypeFunction,
				Function: goopenai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

func toTools(defs []provider.ToolDefinition) []goopenai.Tool {
	out := make([]goopenai.Tool, 0, len(defs))
	for _, d := range defs {
		params := d.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out = append(out, goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

// chunkStream adapts a go-openai stream to provider.Stream. Tool call
// fragments are merged by index and released on the final chunk.
type chunkStream struct {
	stream *goopenai.ChatCompletionStream
	calls  map[int]*partialCall
	last   int // index of the most recent fragment
	finish string
	done   bool
}

func (s *chunkStream) Recv() (provider.Chunk, error) {
	if s.done {
		return provider.Chunk{}, io.EOF
	}
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			s.done = true
			if len(s.calls) == 0 && s.finish == "" {
				return provider.Chunk{}, io.EOF
			}
			return provider.Chunk{ToolCalls: s.assembled(), FinishReason: s.finishReason()}, nil
		}
		if err != nil {
			return provider.Chunk{}, fmt.Errorf("openai recv: %w", describe(err))
		}
		if len(resp.Choices) == 0 {
			continue
		}

		choice := resp.Choices[0]
		for _, tc := range choice.Delta.ToolCalls {
			idx := s.callIndex(tc)
			s.last = idx
			pc, ok := s.calls[idx]
			if !ok {
				pc = &partialCall{}
				s.calls[idx] = pc
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			pc.args.WriteString(tc.Function.Arguments)
		}
		if choice.FinishReason != "" {
			s.finish = string(choice.FinishReason)
		}

		if choice.Delta.Content != "" || choice.Delta.ReasoningContent != "" {
			return provider.Chunk{
				Content:   choice.Delta.Content,
				Reasoning: choice.Delta.ReasoningContent,
			}, nil
		}
	}
}

// callIndex places a fragment. Some OpenAI-compatible servers omit the
// index; such a fragment continues the previous call unless it carries a
// new call id.
func (s *chunkStream) callIndex(tc goopenai.ToolCall) int {
	if tc.Index != nil {
		return *tc.Index
	}
	if pc, ok := s.calls[s.last]; ok && (tc.ID == "" || tc.ID == pc.id) {
		return s.last
	}
	next := 0
	for i := range s.calls {
		if i >= next {
			next = i + 1
		}
	}
	return next
}

func (s *chunkStream) finishReason() string {
	if len(s.calls) > 0 {
		return provider.FinishToolCalls
	}
	return s.finish
}

func (s *chunkStream) assembled() []provider.ToolCall {
	if len(s.calls) == 0 {
		return nil
	}
	idx := make([]int, 0, len(s.calls))
	for i := range s.calls {
		idx = append(idx, i)
	}
	sort.Ints(idx)

	out := make([]provider.ToolCall, 0, len(idx))
	for _, i := range idx {
		pc := s.calls[i]
		args := strings.TrimSpace(pc.args.String())
		if args == "" {
			args = "{}"
		}
		out = append(out, provider.ToolCall{
			ID:        pc.id,
			Name:      pc.name,
			Arguments: json.RawMessage(args),
		})
	}
	return out
}

func (s *chunkStream) Close() error {
	return s.stream.Close()
}
