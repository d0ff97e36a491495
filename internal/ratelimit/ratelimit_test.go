package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kats-core/internal/clock"
)

func TestAcquireConsumesToken(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	l := New(5, 5, fc)

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Acquire(context.Background()))
	}
	assert.Less(t, l.Available(), 1.0)
}

func TestAcquireWaitsForRefill(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	l := New(1, 50, fc)

	require.NoError(t, l.Acquire(context.Background()))

	done := make(chan error, 1)
	go func() { done <- l.Acquire(context.Background()) }()

	// allow the goroutine to observe the empty bucket and start waiting
	time.Sleep(20 * time.Millisecond)
	fc.Advance(1200 * time.Millisecond)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not unblock after refill")
	}
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	l := New(1, 0.001, fc)
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAvailableNeverExceedsCapacity(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	l := New(3, 10, fc)
	fc.Advance(10 * time.Second)
	assert.Equal(t, 3.0, l.Available())
}
