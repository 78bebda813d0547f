package zcrypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestConstantTimeCompareCorrectness is spec.md §8's universal property:
// memcmp(x,x,n)=0, memcmp(x,y,n)!=0 whenever x!=y.
func TestConstantTimeCompareCorrectness(t *testing.T) {
	x := []byte("the quick brown fox")
	y := append([]byte{}, x...)
	require.True(t, ConstantTimeCompare(x, y))

	for i := range y {
		tampered := append([]byte{}, x...)
		tampered[i] ^= 0x01
		require.False(t, ConstantTimeCompare(x, tampered), "byte %d", i)
	}
}

func TestConstantTimeCompareLengthMismatch(t *testing.T) {
	require.False(t, ConstantTimeCompare([]byte("abc"), []byte("abcd")))
	require.False(t, ConstantTimeCompare(nil, []byte("a")))
	require.True(t, ConstantTimeCompare(nil, nil))
}

// TestZeroClearsBuffer is spec.md §8's universal property: memzero(buf,n)
// leaves every byte in [0,n) equal to zero.
func TestZeroClearsBuffer(t *testing.T) {
	buf := make([]byte, 64)
	for i := range buf {
		buf[i] = byte(i + 1)
	}
	Zero(buf)
	for i, b := range buf {
		require.Equal(t, byte(0), b, "byte %d not zeroed", i)
	}
}

func TestSelectMaskU64(t *testing.T) {
	require.Equal(t, uint64(0), selectMaskU64(0))
	require.Equal(t, ^uint64(0), selectMaskU64(1))
}
