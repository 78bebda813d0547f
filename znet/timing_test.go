package znet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNowNSIsMonotonicallyNonDecreasing(t *testing.T) {
	prev := NowNS()
	for i := 0; i < 1000; i++ {
		next := NowNS()
		require.GreaterOrEqual(t, next, prev)
		prev = next
	}
}

func TestSleepNSBlocksAtLeastRequested(t *testing.T) {
	const sleepNS = int64(2_000_000) // 2ms
	start := NowNS()
	SleepNS(sleepNS)
	elapsed := NowNS() - start
	require.GreaterOrEqual(t, elapsed, sleepNS)
}

func TestSleepNSZeroOrNegativeIsNoOp(t *testing.T) {
	start := NowNS()
	SleepNS(0)
	SleepNS(-1)
	elapsed := NowNS() - start
	require.Less(t, elapsed, int64(1_000_000)) // well under 1ms
}

func TestCyclesIsMonotonicallyNonDecreasing(t *testing.T) {
	prev := Cycles()
	for i := 0; i < 1000; i++ {
		next := Cycles()
		require.GreaterOrEqual(t, next, prev)
		prev = next
	}
}
