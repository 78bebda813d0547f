package zcrypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestSHA256KnownAnswer covers FIPS 180-4's two shortest one/two-block
// vectors: the empty message and "abc".
func TestSHA256KnownAnswer(t *testing.T) {
	cases := []struct {
		msg  string
		want string
	}{
		{"", "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		{"abc", "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"},
	}

	for _, c := range cases {
		got := SHA256([]byte(c.msg))
		require.Equal(t, mustHex(t, c.want), got[:])
	}
}

// TestSHA256MultiBlock exercises the streaming path across a block boundary
// (sha256State.update crossing multiple 64-byte blocks and a buffered
// remainder) without depending on a hand-transcribed hash value: it checks
// that one-shot SHA256 agrees with feeding the same bytes through update in
// arbitrary small chunks.
func TestSHA256MultiBlock(t *testing.T) {
	msg := make([]byte, 1000)
	for i := range msg {
		msg[i] = byte(i)
	}

	want := SHA256(msg)

	s := newSHA256State()
	for off := 0; off < len(msg); {
		n := 7
		if off+n > len(msg) {
			n = len(msg) - off
		}
		s.update(msg[off : off+n])
		off += n
	}
	got := s.final()

	require.Equal(t, want, got)
}

// TestHMACSHA256RFC4231Vector is RFC 4231's test case 2 (short key, short
// data), which exercises the key-padding path without the key-hashing path.
func TestHMACSHA256RFC4231Vector(t *testing.T) {
	key := []byte("Jefe")
	msg := []byte("what do ya want for nothing?")
	want := mustHex(t, "5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843")

	got := HMACSHA256(key, msg)
	require.Equal(t, want, got[:])
}

// TestHMACSHA256LongKeyIsHashed exercises the >block-size key-hashing path
// (RFC 4231 test case 6).
func TestHMACSHA256LongKeyIsHashed(t *testing.T) {
	key := make([]byte, 131)
	for i := range key {
		key[i] = 0xaa
	}
	msg := []byte("Test Using Larger Than Block-Size Key - Hash Key First")
	want := mustHex(t, "60e431591ee0b67f0d8a26aacbf5b77f8e0bc6213728c5140546040f0ee37f54")

	got := HMACSHA256(key, msg)
	require.Equal(t, want, got[:])
}

// TestHKDFRFC5869Test1 is spec.md §8 scenario 3: RFC 5869's basic test case
// with SHA-256.
func TestHKDFRFC5869Test1(t *testing.T) {
	ikm := mustHex(t, "0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b")
	salt := mustHex(t, "000102030405060708090a0b0c")
	info := mustHex(t, "f0f1f2f3f4f5f6f7f8f9")

	okm, err := HKDF(ikm, salt, info, 42)
	require.NoError(t, err)

	want := mustHex(t, "3cb25f25faacd57a90434f64d0362f2a2d2d0a90cf1a5a4c5db02d56ecc4c5bf34007208d5b887185865")
	require.Equal(t, want, okm)
}

func TestHKDFExpandRejectsTooLargeOutput(t *testing.T) {
	prk := make([]byte, sha256Size)
	_, err := HKDFExpand(prk, nil, hkdfMaxOutput+1)
	require.ErrorIs(t, err, ErrHKDFOutputTooLarge)
}

func TestHKDFExpandMaxOutputBoundary(t *testing.T) {
	prk := make([]byte, sha256Size)
	okm, err := HKDFExpand(prk, []byte("info"), hkdfMaxOutput)
	require.NoError(t, err)
	require.Len(t, okm, hkdfMaxOutput)
}
