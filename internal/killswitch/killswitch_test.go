package killswitch

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckPassesWithoutStartingCapital(t *testing.T) {
	k := New(nil, zerolog.Nop())
	assert.True(t, k.Check(decimal.NewFromInt(1_000_000)))
}

func TestCheckPassesWhenWithinLimit(t *testing.T) {
	k := New(nil, zerolog.Nop())
	k.SetStartingCapital(decimal.NewFromInt(100_000_000))
	assert.True(t, k.Check(decimal.NewFromInt(98_000_000))) // -2% > -3% limit
}

func TestCheckTripsOnLimitBreach(t *testing.T) {
	k := New(nil, zerolog.Nop())
	k.SetStartingCapital(decimal.NewFromInt(100_000_000))

	var cancelled, notified bool
	done := make(chan struct{})
	k.SetCallbacks(
		func() error { cancelled = true; return nil },
		func(msg string) error { notified = true; close(done); return nil },
	)

	ok := k.Check(decimal.NewFromInt(96_000_000)) // -4% <= -3% limit
	assert.False(t, ok)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emergency shutdown callbacks never fired")
	}

	assert.True(t, cancelled)
	assert.True(t, notified)
	assert.True(t, k.IsKilled())
	assert.Contains(t, k.KillReason(), "daily loss 4.00%")
}

func TestCheckStaysKilledAfterTrip(t *testing.T) {
	k := New(nil, zerolog.Nop())
	k.SetStartingCapital(decimal.NewFromInt(100_000_000))
	k.SetCallbacks(func() error { return nil }, func(string) error { return nil })

	k.Check(decimal.NewFromInt(96_000_000))
	require.Eventually(t, k.IsKilled, time.Second, time.Millisecond)

	assert.False(t, k.Check(decimal.NewFromInt(150_000_000))) // recovering equity doesn't un-kill
}

func TestResetDailyClearsKillState(t *testing.T) {
	k := New(nil, zerolog.Nop())
	k.SetStartingCapital(decimal.NewFromInt(100_000_000))
	k.SetCallbacks(func() error { return nil }, func(string) error { return nil })

	k.Check(decimal.NewFromInt(96_000_000))
	require.Eventually(t, k.IsKilled, time.Second, time.Millisecond)

	k.ResetDaily(decimal.NewFromInt(50_000_000))
	assert.False(t, k.IsKilled())
	assert.Empty(t, k.KillReason())
	assert.True(t, k.Check(decimal.NewFromInt(49_000_000))) // -2% of new baseline, within limit
}
