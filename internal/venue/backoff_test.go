package venue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff_DoublesPerAttempt(t *testing.T) {
	b := NewBackoff(time.Second, 0)
	b.Seed(1)

	for attempt, base := range []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
	} {
		d := b.Delay(attempt)
		assert.GreaterOrEqual(t, d, base, "attempt %d", attempt)
		assert.Less(t, d, base+base/10+time.Millisecond, "attempt %d jitter bound", attempt)
	}
}

func TestBackoff_CapsAtSixtySeconds(t *testing.T) {
	b := NewBackoff(time.Second, 0)
	b.Seed(7)

	d := b.Delay(20)
	require.GreaterOrEqual(t, d, 60*time.Second)
	require.Less(t, d, 66*time.Second+time.Millisecond)
}

func TestBackoff_LargeBaseStillCapped(t *testing.T) {
	b := NewBackoff(5 * time.Minute, 0)
	b.Seed(7)

	d := b.Delay(0)
	require.GreaterOrEqual(t, d, 60*time.Second)
	require.Less(t, d, 66*time.Second+time.Millisecond)
}

func TestBackoff_Exhausted(t *testing.T) {
	b := NewBackoff(time.Second, 3)

	assert.False(t, b.Exhausted(0))
	assert.False(t, b.Exhausted(2))
	assert.True(t, b.Exhausted(3))
	assert.True(t, b.Exhausted(4))
}

func TestBackoff_ZeroMaxAttemptsNeverExhausts(t *testing.T) {
	b := NewBackoff(time.Second, 0)
	assert.False(t, b.Exhausted(1000))
}
