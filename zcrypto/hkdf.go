package zcrypto

import "github.com/whoamikiddie/ztunnel/internal/errors"

// hkdfMaxOutput is the maximum number of bytes HKDF-Expand can produce with
// a 32-byte hash output: 255 * 32 = 8160, per RFC 5869 §2.3.
const hkdfMaxOutput = 255 * sha256Size

// ErrHKDFOutputTooLarge is returned by HKDF when the requested output
// length exceeds 255 hash lengths.
var ErrHKDFOutputTooLarge = errors.TraceNew("zcrypto: hkdf output length exceeds 255*HashLen")

// HKDFExtract implements RFC 5869's Extract step: PRK = HMAC-SHA256(salt,
// ikm). An empty salt is treated as 32 zero bytes, per RFC 5869 §2.2.
func HKDFExtract(salt, ikm []byte) [sha256Size]byte {
	if len(salt) == 0 {
		salt = make([]byte, sha256Size)
	}
	return HMACSHA256(salt, ikm)
}

// HKDFExpand implements RFC 5869's Expand step, producing length bytes of
// output key material from prk and info. Intermediate T(n) values are
// zeroed as they are consumed.
func HKDFExpand(prk []byte, info []byte, length int) ([]byte, error) {
	if length > hkdfMaxOutput {
		return nil, ErrHKDFOutputTooLarge
	}

	out := make([]byte, length)
	var prev [sha256Size]byte
	havePrev := false
	counter := byte(1)
	written := 0

	for written < length {
		data := make([]byte, 0, sha256Size+len(info)+1)
		if havePrev {
			data = append(data, prev[:]...)
		}
		data = append(data, info...)
		data = append(data, counter)

		t := HMACSHA256(prk, data)
		Zero(data)

		n := copy(out[written:], t[:])
		written += n

		Zero(prev[:])
		prev = t
		havePrev = true
		counter++
	}
	Zero(prev[:])
	return out, nil
}

// HKDF runs Extract followed by Expand, the common one-call form: PRK =
// Extract(salt, ikm); OKM = Expand(PRK, info, length).
func HKDF(ikm, salt, info []byte, length int) ([]byte, error) {
	prk := HKDFExtract(salt, ikm)
	defer Zero(prk[:])
	return HKDFExpand(prk[:], info, length)
}
