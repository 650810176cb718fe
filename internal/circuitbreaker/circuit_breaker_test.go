package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errBoom = errors.New("boom")

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(&Config{Name: "cache", MaxFailures: 3, FailureThreshold: 0.5, Timeout: time.Hour, HalfOpenMaxCalls: 1})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	}

	assert.Equal(t, StateOpen, cb.GetState())
	assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrCircuitOpen)
}

func TestHalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker(&Config{Name: "cache", MaxFailures: 1, FailureThreshold: 0.5, Timeout: time.Millisecond, HalfOpenMaxCalls: 1})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	assert.Equal(t, StateOpen, cb.GetState())

	time.Sleep(5 * time.Millisecond)

	assert.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(&Config{Name: "cache", MaxFailures: 1, FailureThreshold: 0.5, Timeout: time.Millisecond, HalfOpenMaxCalls: 2})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	time.Sleep(5 * time.Millisecond)

	_ = cb.Execute(ctx, fail)
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestCallerCancellationIsNotAFailure(t *testing.T) {
	cb := NewCircuitBreaker(&Config{Name: "cache", MaxFailures: 1, FailureThreshold: 0.5, Timeout: time.Hour, HalfOpenMaxCalls: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, 0, cb.GetStats().TotalCalls)
}

func TestReset(t *testing.T) {
	cb := NewCircuitBreaker(DefaultConfig("cache"))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = cb.Execute(ctx, fail)
	}
	assert.Equal(t, StateOpen, cb.GetState())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Zero(t, cb.GetStats().Failures)
}
