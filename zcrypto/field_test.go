package zcrypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFeFromBytesToBytesRoundTrip(t *testing.T) {
	var in [32]byte
	for i := range in {
		in[i] = byte(i * 7)
	}
	in[31] &= 0x7f // bit 255 is ignored/undefined on the wire

	var f fieldElement
	feFromBytes(&f, &in)

	var out [32]byte
	feToBytes(&out, &f)

	require.Equal(t, in, out)
}

func TestFeMulByOneIsIdentity(t *testing.T) {
	var in [32]byte
	for i := range in {
		in[i] = byte(i*31 + 1)
	}
	in[31] &= 0x7f

	var f, one, got fieldElement
	feFromBytes(&f, &in)
	feOne(&one)
	feMul(&got, &f, &one)

	var want, gotBytes [32]byte
	feToBytes(&want, &f)
	feToBytes(&gotBytes, &got)
	require.Equal(t, want, gotBytes)
}

func TestFeInvertRoundTrip(t *testing.T) {
	var in [32]byte
	in[0] = 5 // a small, clearly non-zero, non-one field element

	var f, inv, product fieldElement
	feFromBytes(&f, &in)
	feInvert(&inv, &f)
	feMul(&product, &f, &inv)

	var one, got [32]byte
	var oneFE fieldElement
	feOne(&oneFE)
	feToBytes(&one, &oneFE)
	feToBytes(&got, &product)

	require.Equal(t, one, got)
}

func TestFeCSwapTogglesOnOneLeavesOnZero(t *testing.T) {
	var aBytes, bBytes [32]byte
	aBytes[0] = 1
	bBytes[0] = 2

	var a, b fieldElement
	feFromBytes(&a, &aBytes)
	feFromBytes(&b, &bBytes)

	feCSwap(0, &a, &b)
	var gotA, gotB [32]byte
	feToBytes(&gotA, &a)
	feToBytes(&gotB, &b)
	require.Equal(t, aBytes, gotA)
	require.Equal(t, bBytes, gotB)

	feCSwap(1, &a, &b)
	feToBytes(&gotA, &a)
	feToBytes(&gotB, &b)
	require.Equal(t, bBytes, gotA)
	require.Equal(t, aBytes, gotB)
}
