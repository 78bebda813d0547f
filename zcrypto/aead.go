package zcrypto

import (
	"encoding/binary"

	"github.com/whoamikiddie/ztunnel/internal/errors"
)

// ErrAuthFailed is returned by Open on tag mismatch. Its stack frame is
// fixed at package-init time, identical on every call, so it carries no
// data-dependent information: per spec §7, cryptographic failures must
// never leak distinguishing timing or detail between tag mismatch and any
// other post-check path.
var ErrAuthFailed = errors.TraceNew("zcrypto: authentication failed")

// pad16 returns the number of zero bytes needed to round n up to the next
// multiple of 16 (zero when n is already aligned).
func pad16(n int) int {
	return (16 - (n % 16)) % 16
}

// deriveOneTimeKey returns the first 32 bytes of ChaCha20(key, nonce,
// counter=0) applied to a 64-byte zero buffer, per RFC 8439 §2.6.
func deriveOneTimeKey(key *[chachaKeySize]byte, nonce *[chachaNonceSize]byte) [poly1305KeySize]byte {
	var zeros [chachaBlockSize]byte
	var block [chachaBlockSize]byte
	ChaCha20XORKeyStream(block[:], zeros[:], key, nonce, 0)

	var otk [poly1305KeySize]byte
	copy(otk[:], block[:poly1305KeySize])
	Zero(block[:])
	return otk
}

// buildAuthMessage constructs AAD || pad16(AAD) || ciphertext ||
// pad16(ciphertext) || len(AAD) as u64-LE || len(ciphertext) as u64-LE,
// per spec §4.6.
func buildAuthMessage(aad, ciphertext []byte) []byte {
	total := len(aad) + pad16(len(aad)) + len(ciphertext) + pad16(len(ciphertext)) + 16
	msg := make([]byte, total)

	off := 0
	off += copy(msg[off:], aad)
	off += pad16(len(aad))
	off += copy(msg[off:], ciphertext)
	off += pad16(len(ciphertext))
	binary.LittleEndian.PutUint64(msg[off:off+8], uint64(len(aad)))
	off += 8
	binary.LittleEndian.PutUint64(msg[off:off+8], uint64(len(ciphertext)))

	return msg
}

// Seal encrypts plaintext with ChaCha20 (counter starting at 1) and
// authenticates AAD || ciphertext with Poly1305, writing the ciphertext to
// out (which must have len(plaintext) capacity) and returning the 16-byte
// tag. The one-time Poly1305 key and the scratch authentication message
// are zeroed before returning.
func Seal(out, plaintext []byte, key *[chachaKeySize]byte, nonce *[chachaNonceSize]byte, aad []byte) [poly1305TagSize]byte {
	otk := deriveOneTimeKey(key, nonce)
	defer Zero(otk[:])

	ChaCha20XORKeyStream(out, plaintext, key, nonce, 1)

	authMsg := buildAuthMessage(aad, out[:len(plaintext)])
	defer Zero(authMsg)

	return Poly1305(authMsg, &otk)
}

// Open verifies tag over AAD || ciphertext and, only on success, decrypts
// ciphertext into out (counter starting at 1). On tag mismatch it returns
// ErrAuthFailed and zeroes out — the destination buffer contents are
// undefined and MUST NOT be used by the caller on failure. The tag
// comparison is constant-time.
func Open(out, ciphertext []byte, tag [poly1305TagSize]byte, key *[chachaKeySize]byte, nonce *[chachaNonceSize]byte, aad []byte) error {
	otk := deriveOneTimeKey(key, nonce)
	defer Zero(otk[:])

	authMsg := buildAuthMessage(aad, ciphertext)
	defer Zero(authMsg)

	computed := Poly1305(authMsg, &otk)
	defer Zero(computed[:])

	if !ConstantTimeCompare(computed[:], tag[:]) {
		Zero(out[:len(ciphertext)])
		return ErrAuthFailed
	}

	ChaCha20XORKeyStream(out, ciphertext, key, nonce, 1)
	return nil
}
