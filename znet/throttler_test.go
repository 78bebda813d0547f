package znet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestThrottlerSaturation is spec.md §8 scenario 4: create(100), three
// successive 50-byte consumes saturate the bucket on the third.
func TestThrottlerSaturation(t *testing.T) {
	th := NewThrottler(100)

	require.False(t, th.Consume(50))
	require.False(t, th.Consume(50))

	needsWait := th.Consume(50)
	require.True(t, needsWait)

	wait := th.PendingWaitNS()
	require.InDelta(t, 5e8, float64(wait), 5e7, "expected wait_ns close to (50-0)*1e9/100")
}

func TestThrottlerZeroRateIsNoOp(t *testing.T) {
	th := NewThrottler(0)
	require.False(t, th.Consume(1<<30))
	require.Equal(t, int64(0), th.PendingWaitNS())
}

func TestThrottlerSetRateTruncatesTokens(t *testing.T) {
	th := NewThrottler(1000)
	require.False(t, th.Consume(10)) // tokens now ~990

	th.SetRate(100)
	require.LessOrEqual(t, th.tokens, th.maxTokens)
	require.Equal(t, uint64(100), th.maxTokens)
}

func TestThrottlerWaitClearsPendingWait(t *testing.T) {
	th := NewThrottler(1_000_000_000) // 1 GiB/s, so the test's wait is short
	require.False(t, th.Consume(th.maxTokens))
	require.True(t, th.Consume(1))
	require.Greater(t, th.PendingWaitNS(), int64(0))

	th.Wait()
	require.Equal(t, int64(0), th.PendingWaitNS())
}

func TestThrottlerIntegratedConsumptionBound(t *testing.T) {
	// Universal property (spec.md §8): integrated consumption over any
	// window obeys bytes_consumed <= rate_bps*T + max_tokens. With a
	// full bucket at t=0, a single large consume of exactly max_tokens
	// must never require a wait.
	th := NewThrottler(1000)
	require.False(t, th.Consume(1000))
}
