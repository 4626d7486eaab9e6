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

	ainats "github.com/yyup/aistream/internal/adapter/nats"
	"github.com/yyup/aistream/internal/config"
	"github.com/yyup/aistream/internal/port/messagequeue"
)

// runWatch prints one line per finished turn until interrupted.
func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	namespace := fs.String("namespace", "", "only turns of this namespace")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats url is not configured (NATS_URL or nats.url)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	q, err := ainats.Connect(ctx, cfg.NATS)
	if err != nil {
		return err
	}
	defer func() { _ = q.Drain() }()

	subject := messagequeue.SubjectTurnFinished + ".>"
	if *namespace != "" {
		subject = messagequeue.SubjectTurnFinished + "." + *namespace
	}
	cancel, err := q.Subscribe(ctx, subject, printTurnFinished)
	if err != nil {
		return err
	}
	defer cancel()

	fmt.Fprintf(os.Stderr, "Watching %s (Ctrl-C to stop)\n", subject)
	<-ctx.Done()
	return nil
}

func printTurnFinished(_ context.Context, _ string, data []byte) error {
	var p messagequeue.TurnFinishedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode turn summary: %w", err)
	}
	tools := make([]string, 0, len(p.Tools))
	for _, t := range p.Tools {
		tools = append(tools, t.Name+":"+t.Status)
	}
	state := p.State
	if p.FailureReason != "" {
		state += "(" + p.FailureReason + ")"
	}
	fmt.Printf("%s  %-14s %-40s %-36s user=%s answer=%d tools=[%s] %dms\n",
		p.FinishedAt.Format("15:04:05"), p.Namespace, state, p.TurnID, p.UserID,
		p.AnswerRunes, strings.Join(tools, " "), p.DurationMs)
	return nil
}
