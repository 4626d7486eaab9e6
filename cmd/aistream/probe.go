package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/yyup/aistream/internal/adapter/sseclient"
	"github.com/yyup/aistream/internal/domain/chat"
	"github.com/yyup/aistream/internal/domain/conversation"
)

// runProbe sends one message, prints the frames as they arrive and checks
// the event order against --expect.
func runProbe(args []string) error {
	fs := flag.NewFlagSet("probe", flag.ContinueOnError)
	baseURL := fs.String("url", "http://localhost:8080", "server base URL")
	namespace := fs.String("namespace", "kindergarten", "chat namespace")
	message := fs.String("message", "你好", "message to send")
	conversationID := fs.String("conversation", "", "continue an existing conversation")
	userID := fs.String("user", "", "user id sent in the request body")
	rawContext := fs.String("context", "", `request context as JSON, e.g. {"enableTools":false}`)
	token := fs.String("token", os.Getenv("AISTREAM_TOKEN"), `bearer token ("-" prompts for it)`) //nolint:gosec // CLI flag
	expect := fs.String("expect", "", "expected event sequence, e.g. \"connected thinking_start answer+ complete\"")
	timeout := fs.Duration("timeout", 3*time.Minute, "give up after this long")
	sequential := fs.Bool("sequential", false, "reject overlapping tool calls")
	quiet := fs.Bool("quiet", false, "print only the summary")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var pattern *chat.SequencePattern
	if *expect != "" {
		p, err := chat.CompileSequence(*expect)
		if err != nil {
			return fmt.Errorf("--expect: %w", err)
		}
		pattern = p
	}

	req := conversation.StreamChatRequest{
		Message:        *message,
		ConversationID: *conversationID,
		UserID:         chat.UserID(*userID),
	}
	if *rawContext != "" {
		if err := json.Unmarshal([]byte(*rawContext), &req.Context); err != nil {
			return fmt.Errorf("--context: %w", err)
		}
	}

	if *token == "-" {
		t, err := promptSecret("Token: ")
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		*token = t
	}

	opts := []sseclient.Option{sseclient.WithToken(*token)}
	if *sequential {
		opts = append(opts, sseclient.WithSequentialTools())
	}
	if !*quiet {
		opts = append(opts, sseclient.WithObserver(printFrame))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	start := time.Now()
	res, streamErr := sseclient.New(*baseURL, opts...).StreamChat(ctx, *namespace, req)
	if res == nil {
		return streamErr
	}
	printSummary(res, time.Since(start))

	var serr *sseclient.StreamError
	switch {
	case errors.As(streamErr, &serr):
		return fmt.Errorf("turn failed: %w", streamErr)
	case streamErr != nil:
		return streamErr
	}
	if pattern != nil && !pattern.Match(res.Types()) {
		return fmt.Errorf("event sequence %v does not match %q", res.Types(), *expect)
	}
	return nil
}

func printFrame(f chat.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%-18s <%v>\n", f.Type(), err)
		return
	}
	fmt.Fprintf(os.Stderr, "%-18s %s\n", f.Type(), data)
}

func printSummary(res *sseclient.Result, took time.Duration) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "CONVERSATION\t%s\n", res.Turn.ConversationID)
	_, _ = fmt.Fprintf(w, "TURN\t%s\n", res.Turn.ID)
	_, _ = fmt.Fprintf(w, "STATE\t%s\n", res.Turn.State())
	if reason := res.Turn.FailureReason(); reason != "" {
		_, _ = fmt.Fprintf(w, "REASON\t%s\n", reason)
	}
	_, _ = fmt.Fprintf(w, "FRAMES\t%d (dropped %d, violations %d)\n", len(res.Frames), res.Dropped, len(res.Violations))
	for _, v := range res.Violations {
		_, _ = fmt.Fprintf(w, "VIOLATION\t%v\n", v)
	}
	for _, inv := range res.Turn.Invocations() {
		_, _ = fmt.Fprintf(w, "TOOL %s\t%s %s %s\n", inv.CallID, inv.ToolName, inv.Status, inv.Duration().Round(time.Millisecond))
	}
	_, _ = fmt.Fprintf(w, "ELAPSED\t%s\n", took.Round(time.Millisecond))
	_, _ = fmt.Fprintf(w, "ANSWER\t%s\n", strings.TrimSpace(res.Answer()))
	_ = w.Flush()
}

func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin)) //nolint:unconvert // int conversion needed on some platforms
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
