package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
)

type failingPublisher struct {
	calls atomic.Int32
	err   error
}

func (f *failingPublisher) Publish(context.Context, string, any) error {
	f.calls.Add(1)
	return f.err
}

func TestBreakerPublisher_OpensAfterConsecutiveFailures(t *testing.T) {
	inner := &failingPublisher{err: errors.New("broker unreachable")}
	p := NewBreakerPublisher(inner, zerolog.Nop())

	for i := 0; i < breakerConsecutiveFailures; i++ {
		assert.Error(t, p.Publish(context.Background(), RoutingAllocationCompleted, AllocationOutcomeEvent{}))
	}
	assert.Equal(t, gobreaker.StateOpen, p.State())

	err := p.Publish(context.Background(), RoutingAllocationCompleted, AllocationOutcomeEvent{})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(breakerConsecutiveFailures), inner.calls.Load())
}

func TestBreakerPublisher_PassesThrough(t *testing.T) {
	inner := &failingPublisher{}
	p := NewBreakerPublisher(inner, zerolog.Nop())

	assert.NoError(t, p.Publish(context.Background(), RoutingAllocationCompleted, AllocationOutcomeEvent{}))
	assert.Equal(t, gobreaker.StateClosed, p.State())
	assert.Equal(t, int32(1), inner.calls.Load())
}
