package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTest = errors.New("service unavailable")

func fail(context.Context) error    { return errTest }
func succeed(context.Context) error { return nil }

func TestClosedStateAllowsCalls(t *testing.T) {
	b := NewBreaker(3, time.Second)
	called := false
	err := b.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called, "fn called")
	assert.Equal(t, "closed", b.State())
}

func TestOpensAfterMaxFailures(t *testing.T) {
	b := NewBreaker(3, time.Second)
	ctx := context.Background()

	for range 3 {
		_ = b.Execute(ctx, fail)
	}

	assert.ErrorIs(t, b.Execute(ctx, succeed), ErrCircuitOpen)
	assert.Equal(t, "open", b.State())
}

func TestHalfOpenAllowsSingleTrialCall(t *testing.T) {
	now := time.Now()
	b := NewBreaker(2, time.Second)
	b.now = func() time.Time { return now }
	ctx := context.Background()

	for range 2 {
		_ = b.Execute(ctx, fail)
	}
	require.ErrorIs(t, b.Execute(ctx, succeed), ErrCircuitOpen)

	now = now.Add(2 * time.Second)
	assert.Equal(t, "half_open", b.State())

	trialStarted := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- b.Execute(ctx, func(context.Context) error {
			close(trialStarted)
			<-release
			return nil
		})
	}()

	<-trialStarted
	assert.ErrorIs(t, b.Execute(ctx, succeed), ErrCircuitOpen, "concurrent call rejected during the trial")
	close(release)
	require.NoError(t, <-done)

	assert.NoError(t, b.Execute(ctx, succeed), "closed after a successful trial")
}

func TestHalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	b := NewBreaker(1, time.Second)
	b.now = func() time.Time { return now }
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	now = now.Add(2 * time.Second)

	assert.ErrorIs(t, b.Execute(ctx, fail), errTest)
	assert.ErrorIs(t, b.Execute(ctx, succeed), ErrCircuitOpen, "reopened")
}

func TestCancellationIsNotAFailure(t *testing.T) {
	b := NewBreaker(1, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for range 3 {
		err := b.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
		require.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, "closed", b.State())
}

func TestSuccessResetsFailures(t *testing.T) {
	b := NewBreaker(2, time.Second)
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, succeed)
	_ = b.Execute(ctx, fail)

	assert.NoError(t, b.Execute(ctx, succeed))
}
