package zcrypto

// HMACSHA256 computes HMAC-SHA256(key, msg) per RFC 2104. Keys longer than
// the block size are first hashed down; shorter keys are right-zero-padded.
// The derived inner/outer pads and the normalised key are zeroed before
// returning.
func HMACSHA256(key, msg []byte) [sha256Size]byte {
	normKey := make([]byte, sha256BlockSize)
	if len(key) > sha256BlockSize {
		h := SHA256(key)
		copy(normKey, h[:])
	} else {
		copy(normKey, key)
	}
	defer Zero(normKey)

	ipad := make([]byte, sha256BlockSize)
	opad := make([]byte, sha256BlockSize)
	for i := 0; i < sha256BlockSize; i++ {
		ipad[i] = normKey[i] ^ 0x36
		opad[i] = normKey[i] ^ 0x5c
	}
	defer Zero(ipad)
	defer Zero(opad)

	inner := newSHA256State()
	inner.update(ipad)
	inner.update(msg)
	innerDigest := inner.final()

	outer := newSHA256State()
	outer.update(opad)
	outer.update(innerDigest[:])
	return outer.final()
}
