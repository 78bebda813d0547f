package zcrypto

// Zero overwrites every byte of b with zero. Callers use this to wipe key
// material and scratch buffers before returning; it is the Go equivalent of
// the teacher's memzero contract (psiphon/common/errors' scratch-wiping
// idiom, generalized to byte slices).
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ConstantTimeCompare reports whether x and y are equal, in time that does
// not depend on the position of the first differing byte. Unequal lengths
// are reported unequal without comparing any bytes (lengths are public in
// every call site in this package).
func ConstantTimeCompare(x, y []byte) bool {
	if len(x) != len(y) {
		return false
	}
	var v byte
	for i := range x {
		v |= x[i] ^ y[i]
	}
	return constantTimeByteEq(v, 0) == 1
}

// constantTimeByteEq returns 1 if a == b, 0 otherwise, without branching.
func constantTimeByteEq(a, b byte) int {
	x := uint32(a) ^ uint32(b)
	// x is 0 iff a == b. Fold bits down to a single 0/1 value.
	x |= x >> 4
	x |= x >> 2
	x |= x >> 1
	return int(1 & ^x)
}

// selectMaskU64 returns a 64-bit mask of all-ones when bit is 1 and
// all-zeros when bit is 0. bit must be 0 or 1; any other value is a caller
// bug, not a security property this function needs to defend.
func selectMaskU64(bit uint64) uint64 {
	return 0 - bit
}
