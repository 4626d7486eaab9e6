package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Closer allows flushing and stopping the async handler.
type Closer interface {
	Close()
}

type nopCloser struct{}

func (nopCloser) Close() {}

// asyncQueue is shared by every handler derived through WithAttrs/WithGroup.
type asyncQueue struct {
	ch      chan asyncRecord
	wg      sync.WaitGroup
	dropped atomic.Int64
	once    sync.Once
}

type asyncRecord struct {
	handler slog.Handler
	rec     slog.Record
}

// AsyncHandler moves record formatting off the streaming goroutines.
// Records below slog.LevelWarn are dropped when the buffer is full;
// warnings and errors block until there is room.
type AsyncHandler struct {
	inner slog.Handler
	q     *asyncQueue
}

// NewAsyncHandler creates an AsyncHandler with the given buffer size and worker count.
func NewAsyncHandler(inner slog.Handler, bufSize, workers int) *AsyncHandler {
	q := &asyncQueue{ch: make(chan asyncRecord, bufSize)}
	for range workers {
		q.wg.Add(1)
		go q.drain()
	}
	return &AsyncHandler{inner: inner, q: q}
}

func (q *asyncQueue) drain() {
	defer q.wg.Done()
	for r := range q.ch {
		_ = r.handler.Handle(context.Background(), r.rec)
	}
}

// Enabled delegates to the inner handler.
func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle enqueues a clone of the record.
func (h *AsyncHandler) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	r := asyncRecord{handler: h.inner, rec: rec.Clone()}
	if rec.Level >= slog.LevelWarn {
		h.q.ch <- r
		return nil
	}
	select {
	case h.q.ch <- r:
	default:
		h.q.dropped.Add(1)
	}
	return nil
}

// WithAttrs returns a handler sharing the same queue.
func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithAttrs(attrs), q: h.q}
}

// WithGroup returns a handler sharing the same queue.
func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithGroup(name), q: h.q}
}

// DroppedCount returns the number of dropped records.
func (h *AsyncHandler) DroppedCount() int64 {
	return h.q.dropped.Load()
}

// Close stops accepting records and waits for the workers to drain.
// It is safe to call more than once.
func (h *AsyncHandler) Close() {
	h.q.once.Do(func() {
		close(h.q.ch)
		h.q.wg.Wait()
	})
}
