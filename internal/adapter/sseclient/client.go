// Package sseclient consumes the stream-chat endpoint. It rebuilds the turn
// from the frames it receives and reports ordering violations.
package sseclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/yyup/aistream/internal/adapter/sse"
	"github.com/yyup/aistream/internal/domain/chat"
	"github.com/yyup/aistream/internal/domain/conversation"
)

const readBufferSize = 4096

// ErrIncompleteStream is returned when the transport closes before a
// complete or error frame arrives.
var ErrIncompleteStream = errors.New("stream closed before a terminal frame")

// StreamError is a turn that ended with an error frame.
type StreamError struct {
	Code    string
	Message string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream error %s: %s", e.Code, e.Message)
}

// StatusError is a request rejected before streaming started.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("stream-chat rejected: %d %s", e.StatusCode, e.Message)
}

// Result is everything observed on one stream.
type Result struct {
	Turn       *chat.Turn
	Frames     []chat.Frame
	Violations []*chat.ProtocolError
	Dropped    int
}

// Answer returns the reconstructed answer text.
func (r *Result) Answer() string { return r.Turn.AnswerText() }

// Types returns the event types in arrival order.
func (r *Result) Types() []chat.EventType { return chat.Types(r.Frames) }

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithToken sends token as a bearer credential.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithLogger sets the logger used for dropped frames and violations.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithSequentialTools rejects a tool_call_start while another call is open.
func WithSequentialTools() Option {
	return func(c *Client) { c.sequential = true }
}

// WithObserver calls fn for every decoded frame before it is applied.
func WithObserver(fn func(chat.Frame)) Option {
	return func(c *Client) { c.observe = fn }
}

// Client opens stream-chat requests against one server.
type Client struct {
	baseURL    string
	http       *http.Client
	token      string
	log        *slog.Logger
	sequential bool
	observe    func(chat.Frame)
}

// New creates a Client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StreamChat sends req to namespace and reads the stream to its end.
//
// The returned Result is non-nil once the stream opened, also when err is
// set. err is a *StreamError for an error frame, ErrIncompleteStream when
// the stream ended early, or a fatal *chat.ProtocolError. Non-fatal
// violations are collected in Result.Violations, including any frame that
// arrives after the terminal one: the body is read until the server closes it.
func (c *Client) StreamChat(ctx context.Context, namespace string, req conversation.StreamChatRequest) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	endpoint := c.baseURL + "/api/ai/" + url.PathEscape(namespace) + "/stream-chat"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("stream-chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var opts []chat.Option
	if !c.sequential {
		opts = append(opts, chat.WithParallelTools())
	}
	res := &Result{Turn: chat.NewTurn(req.ConversationID, req.UserID, req.Message, opts...)}
	err = c.consume(ctx, resp.Body, res)
	return res, err
}

func (c *Client) consume(ctx context.Context, body io.Reader, res *Result) error {
	dec := sse.NewDecoder(c.log)
	defer func() { res.Dropped = dec.Dropped() }()

	buf := make([]byte, readBufferSize)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if err := c.apply(res, dec.Feed(buf[:n])); err != nil {
				return err
			}
		}
		if readErr == nil {
			continue
		}

		if err := c.apply(res, dec.Flush()); err != nil {
			return err
		}
		if res.Turn.State().IsTerminal() {
			return terminalError(res.Frames)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			_ = res.Turn.Fail(chat.ReasonClientDisconnected)
			return ctxErr
		}
		res.Turn.TransportClosed()
		if errors.Is(readErr, io.EOF) {
			return ErrIncompleteStream
		}
		return fmt.Errorf("%w: %w", ErrIncompleteStream, readErr)
	}
}

// apply feeds frames into the turn. Frames after the terminal one are
// recorded as after_terminal violations. A non-nil error ends the stream.
func (c *Client) apply(res *Result, frames []chat.Frame) error {
	t := res.Turn
	for _, f := range frames {
		res.Frames = append(res.Frames, f)
		if c.observe != nil {
			c.observe(f)
		}
		if p, ok := f.Payload.(*chat.Connected); ok && t.State() == chat.StateIdle {
			t.ConversationID, t.ID = p.ConversationID, p.TurnID
		}

		if err := t.Apply(f); err != nil {
			var perr *chat.ProtocolError
			if !errors.As(err, &perr) {
				return err
			}
			c.log.Warn("stream protocol violation", "kind", perr.Kind, "event", perr.Event, "state", perr.State)
			res.Violations = append(res.Violations, perr)
			if perr.Fatal {
				return perr
			}
		}
	}
	return nil
}

// terminalError maps the first terminal frame onto the StreamChat result.
func terminalError(frames []chat.Frame) error {
	for _, f := range frames {
		switch p := f.Payload.(type) {
		case *chat.Error:
			return &StreamError{Code: p.Code, Message: p.Message}
		case *chat.Complete:
			return nil
		}
	}
	return nil
}

func statusError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: body.Error}
}
