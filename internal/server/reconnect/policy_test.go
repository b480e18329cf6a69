package reconnect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCauseFromStatus(t *testing.T) {
	tests := []struct {
		code     int
		want     Cause
		terminal bool
	}{
		{401, CauseLoggedOut, true},
		{403, CauseForbidden, true},
		{408, CauseConnectionLost, false},
		{428, CauseConnectionClosed, false},
		{440, CauseConnectionReplaced, true},
		{500, CauseBadSession, true},
		{515, CauseRestartRequired, false},
		{0, CauseUnknown, false},
		{599, CauseUnknown, false},
	}
	for _, tt := range tests {
		got := CauseFromStatus(tt.code)
		assert.Equal(t, tt.want, got, "code %d", tt.code)
		assert.Equal(t, tt.terminal, got.Terminal(), "code %d", tt.code)
	}
	assert.False(t, CauseTimedOut.Terminal())
}

func TestDecide_TerminalCausesPurgeWithoutDelay(t *testing.T) {
	p := DefaultPolicy()
	for _, c := range []Cause{CauseLoggedOut, CauseBadSession, CauseConnectionReplaced, CauseForbidden} {
		d := p.Decide(c, 1)
		assert.Equal(t, ActionPurge, d.Action, c.String())
		assert.Zero(t, d.Delay, c.String())
	}
}

func TestDecide_FirstRetryUsesBaseDelay(t *testing.T) {
	d := DefaultPolicy().Decide(CauseConnectionLost, 1)
	assert.Equal(t, ActionRetry, d.Action)
	assert.Equal(t, 5*time.Second, d.Delay)
	assert.Equal(t, 1, d.Attempt)
}

func TestDecide_UnknownCauseIsRetryable(t *testing.T) {
	d := DefaultPolicy().Decide(CauseUnknown, 3)
	assert.Equal(t, ActionRetry, d.Action)
	assert.Equal(t, 20*time.Second, d.Delay)
}

func TestDecide_GivesUpAfterMaxAttempts(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, ActionRetry, p.Decide(CauseTimedOut, 50).Action)

	d := p.Decide(CauseTimedOut, 51)
	assert.Equal(t, ActionGiveUp, d.Action)
	assert.Equal(t, 51, d.Attempt)
}

func TestDecide_DelaysNonDecreasingAndCapped(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 30 * time.Second, GrowthFactor: 1.7, MaxAttempts: 50}

	prev := time.Duration(0)
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		d := p.Decide(CauseConnectionClosed, attempt)
		require.Equal(t, ActionRetry, d.Action)
		assert.GreaterOrEqual(t, d.Delay, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d.Delay, p.MaxDelay, "attempt %d", attempt)
		prev = d.Delay
	}
	assert.Equal(t, p.MaxDelay, prev)
}

func TestDelay_GrowthBelowOneIsFlat(t *testing.T) {
	p := Policy{BaseDelay: 2 * time.Second, MaxDelay: time.Minute, GrowthFactor: 0.5}
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(10))
}

func TestDelay_HugeAttemptDoesNotOverflow(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, p.MaxDelay, p.Delay(10_000))
}

func TestDecide_NonPositiveAttemptTreatedAsFirst(t *testing.T) {
	d := DefaultPolicy().Decide(CauseConnectionLost, 0)
	assert.Equal(t, 1, d.Attempt)
	assert.Equal(t, DefaultBaseDelay, d.Delay)
}
