package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var transitions []CircuitBreakerState
	cb := NewDefaultCircuitBreaker(3, time.Minute, func(s CircuitBreakerState) {
		transitions = append(transitions, s)
	})
	cb.now = func() time.Time { return now }
	ctx := context.Background()
	fail := errors.New("fail")

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, func() error { return fail }), fail)
	}
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	now = now.Add(time.Minute)
	assert.Equal(t, StateHalfOpen, cb.State())

	// Failed trial call reopens
	assert.ErrorIs(t, cb.Execute(ctx, func() error { return fail }), fail)
	assert.Equal(t, StateOpen, cb.State())

	now = now.Add(time.Minute)
	assert.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())

	assert.Equal(t, []CircuitBreakerState{
		StateOpen, StateHalfOpen, StateOpen, StateHalfOpen, StateClosed,
	}, transitions)
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := NewDefaultCircuitBreaker(2, time.Minute, nil)
	ctx := context.Background()
	fail := errors.New("fail")

	_ = cb.Execute(ctx, func() error { return fail })
	_ = cb.Execute(ctx, func() error { return nil })
	_ = cb.Execute(ctx, func() error { return fail })
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_CancelledContext(t *testing.T) {
	cb := NewDefaultCircuitBreaker(1, time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func() error { t.Fatal("must not run"); return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
