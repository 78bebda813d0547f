package zcrypto

import "encoding/binary"

const (
	chachaKeySize   = 32
	chachaNonceSize = 12
	chachaBlockSize = 64
)

var chachaConstants = [4]uint32{0x61707865, 0x3320646e, 0x79622d32, 0x6b206574} // "expand 32-byte k"

func rotl32(x uint32, n uint) uint32 {
	return (x << n) | (x >> (32 - n))
}

func quarterRound(state *[16]uint32, a, b, c, d int) {
	state[a] += state[b]
	state[d] ^= state[a]
	state[d] = rotl32(state[d], 16)

	state[c] += state[d]
	state[b] ^= state[c]
	state[b] = rotl32(state[b], 12)

	state[a] += state[b]
	state[d] ^= state[a]
	state[d] = rotl32(state[d], 8)

	state[c] += state[d]
	state[b] ^= state[c]
	state[b] = rotl32(state[b], 7)
}

// chacha20InitState lays the 16 words of state out as constants(4) |
// key(8) | counter(1) | nonce(3), per spec §3.
func chacha20InitState(state *[16]uint32, key *[chachaKeySize]byte, nonce *[chachaNonceSize]byte, counter uint32) {
	state[0], state[1], state[2], state[3] = chachaConstants[0], chachaConstants[1], chachaConstants[2], chachaConstants[3]
	for i := 0; i < 8; i++ {
		state[4+i] = binary.LittleEndian.Uint32(key[i*4:])
	}
	state[12] = counter
	state[13] = binary.LittleEndian.Uint32(nonce[0:4])
	state[14] = binary.LittleEndian.Uint32(nonce[4:8])
	state[15] = binary.LittleEndian.Uint32(nonce[8:12])
}

// chacha20Block runs 20 rounds (10 column/diagonal alternations) over the
// initial state and writes the 64-byte keystream block = state +
// original-state to out. The working state and original state copy are
// zeroed before returning.
func chacha20Block(out *[chachaBlockSize]byte, initial *[16]uint32) {
	working := *initial

	for i := 0; i < 10; i++ {
		// column round
		quarterRound(&working, 0, 4, 8, 12)
		quarterRound(&working, 1, 5, 9, 13)
		quarterRound(&working, 2, 6, 10, 14)
		quarterRound(&working, 3, 7, 11, 15)
		// diagonal round
		quarterRound(&working, 0, 5, 10, 15)
		quarterRound(&working, 1, 6, 11, 12)
		quarterRound(&working, 2, 7, 8, 13)
		quarterRound(&working, 3, 4, 9, 14)
	}

	for i := 0; i < 16; i++ {
		binary.LittleEndian.PutUint32(out[i*4:], working[i]+initial[i])
	}

	for i := range working {
		working[i] = 0
	}
}

// ChaCha20XORKeyStream encrypts (or, symmetrically, decrypts) in into out
// using the ChaCha20 stream cipher keyed by key and nonce, with the block
// counter starting at startCounter. len(out) must be >= len(in).
func ChaCha20XORKeyStream(out, in []byte, key *[chachaKeySize]byte, nonce *[chachaNonceSize]byte, startCounter uint32) {
	var state [16]uint32
	chacha20InitState(&state, key, nonce, startCounter)

	counter := startCounter
	off := 0
	for off < len(in) {
		state[12] = counter

		var block [chachaBlockSize]byte
		chacha20Block(&block, &state)

		n := len(in) - off
		if n > chachaBlockSize {
			n = chachaBlockSize
		}
		for i := 0; i < n; i++ {
			out[off+i] = in[off+i] ^ block[i]
		}
		Zero(block[:])

		off += n
		counter++
	}

	for i := range state {
		state[i] = 0
	}
}
