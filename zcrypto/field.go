package zcrypto

// fieldElement represents an element of GF(2^255-19) as 10 signed 64-bit
// limbs in a mixed radix: limbs at even indices carry 26 bits, limbs at odd
// indices carry 25 bits (2^26, 2^25, 2^26, 2^25, ...), exactly as spec'd.
// At a "normalised" state (the state every exported function returns to
// before handing a value back to its caller) limb i has magnitude below
// 2^26 (even i) or 2^25 (odd i); during multiplication and squaring limbs
// grow transiently past those bounds before being carry-propagated back
// down. No function in this file branches on a limb's value.
type fieldElement [10]int64

func load3(in []byte) int64 {
	var r int64
	r = int64(in[0])
	r |= int64(in[1]) << 8
	r |= int64(in[2]) << 16
	return r
}

func load4(in []byte) int64 {
	var r int64
	r = int64(in[0])
	r |= int64(in[1]) << 8
	r |= int64(in[2]) << 16
	r |= int64(in[3]) << 24
	return r
}

// feFromBytes parses the 32-byte little-endian encoding of a field element.
// Bit 255 (the top bit of the last byte) is ignored, per the X25519
// convention described in RFC 7748 §5.
func feFromBytes(dst *fieldElement, src *[32]byte) {
	h0 := load4(src[0:4])
	h1 := load3(src[4:7]) << 6
	h2 := load3(src[7:10]) << 5
	h3 := load3(src[10:13]) << 3
	h4 := load3(src[13:16]) << 2
	h5 := load4(src[16:20])
	h6 := load3(src[20:23]) << 7
	h7 := load3(src[23:26]) << 5
	h8 := load3(src[26:29]) << 4
	h9 := (load3(src[29:32]) & 0x7fffff) << 2

	var carry [10]int64

	carry[9] = (h9 + (1 << 24)) >> 25
	h0 += carry[9] * 19
	h9 -= carry[9] << 25
	carry[1] = (h1 + (1 << 24)) >> 25
	h2 += carry[1]
	h1 -= carry[1] << 25
	carry[3] = (h3 + (1 << 24)) >> 25
	h4 += carry[3]
	h3 -= carry[3] << 25
	carry[5] = (h5 + (1 << 24)) >> 25
	h6 += carry[5]
	h5 -= carry[5] << 25
	carry[7] = (h7 + (1 << 24)) >> 25
	h8 += carry[7]
	h7 -= carry[7] << 25

	carry[0] = (h0 + (1 << 25)) >> 26
	h1 += carry[0]
	h0 -= carry[0] << 26
	carry[2] = (h2 + (1 << 25)) >> 26
	h3 += carry[2]
	h2 -= carry[2] << 26
	carry[4] = (h4 + (1 << 25)) >> 26
	h5 += carry[4]
	h4 -= carry[4] << 26
	carry[6] = (h6 + (1 << 25)) >> 26
	h7 += carry[6]
	h6 -= carry[6] << 26
	carry[8] = (h8 + (1 << 25)) >> 26
	h9 += carry[8]
	h8 -= carry[8] << 26

	dst[0], dst[1], dst[2], dst[3], dst[4] = h0, h1, h2, h3, h4
	dst[5], dst[6], dst[7], dst[8], dst[9] = h5, h6, h7, h8, h9
}

// feToBytes serialises f as the unique fully-reduced 32-byte little-endian
// representative in [0, p).
func feToBytes(dst *[32]byte, f *fieldElement) {
	h0, h1, h2, h3, h4 := f[0], f[1], f[2], f[3], f[4]
	h5, h6, h7, h8, h9 := f[5], f[6], f[7], f[8], f[9]

	q := (19*h9 + (1 << 24)) >> 25
	q = (h0 + q) >> 26
	q = (h1 + q) >> 25
	q = (h2 + q) >> 26
	q = (h3 + q) >> 25
	q = (h4 + q) >> 26
	q = (h5 + q) >> 25
	q = (h6 + q) >> 26
	q = (h7 + q) >> 25
	q = (h8 + q) >> 26
	q = (h9 + q) >> 25

	// Goal: calculate h - p*q, knowing h ≡ p*q (mod 2^255-19).
	h0 += 19 * q

	var carry [10]int64
	carry[0] = h0 >> 26
	h1 += carry[0]
	h0 -= carry[0] << 26
	carry[1] = h1 >> 25
	h2 += carry[1]
	h1 -= carry[1] << 25
	carry[2] = h2 >> 26
	h3 += carry[2]
	h2 -= carry[2] << 26
	carry[3] = h3 >> 25
	h4 += carry[3]
	h3 -= carry[3] << 25
	carry[4] = h4 >> 26
	h5 += carry[4]
	h4 -= carry[4] << 26
	carry[5] = h5 >> 25
	h6 += carry[5]
	h5 -= carry[5] << 25
	carry[6] = h6 >> 26
	h7 += carry[6]
	h6 -= carry[6] << 26
	carry[7] = h7 >> 25
	h8 += carry[7]
	h7 -= carry[7] << 25
	carry[8] = h8 >> 26
	h9 += carry[8]
	h8 -= carry[8] << 26
	carry[9] = h9 >> 25
	h9 -= carry[9] << 25
	// h9's overflow was already folded into q above; this last carry[9]
	// only trims h9 back into range and is not propagated further.

	dst[0] = byte(h0)
	dst[1] = byte(h0 >> 8)
	dst[2] = byte(h0 >> 16)
	dst[3] = byte(h0>>24) | byte(h1<<2)
	dst[4] = byte(h1 >> 6)
	dst[5] = byte(h1 >> 14)
	dst[6] = byte(h1>>22) | byte(h2<<3)
	dst[7] = byte(h2 >> 5)
	dst[8] = byte(h2 >> 13)
	dst[9] = byte(h2>>21) | byte(h3<<5)
	dst[10] = byte(h3 >> 3)
	dst[11] = byte(h3 >> 11)
	dst[12] = byte(h3>>19) | byte(h4<<6)
	dst[13] = byte(h4 >> 2)
	dst[14] = byte(h4 >> 10)
	dst[15] = byte(h4 >> 18)
	dst[16] = byte(h5)
	dst[17] = byte(h5 >> 8)
	dst[18] = byte(h5 >> 16)
	dst[19] = byte(h5>>24) | byte(h6<<1)
	dst[20] = byte(h6 >> 7)
	dst[21] = byte(h6 >> 15)
	dst[22] = byte(h6>>23) | byte(h7<<3)
	dst[23] = byte(h7 >> 5)
	dst[24] = byte(h7 >> 13)
	dst[25] = byte(h7>>21) | byte(h8<<4)
	dst[26] = byte(h8 >> 4)
	dst[27] = byte(h8 >> 12)
	dst[28] = byte(h8>>20) | byte(h9<<6)
	dst[29] = byte(h9 >> 2)
	dst[30] = byte(h9 >> 10)
	dst[31] = byte(h9 >> 18)
}

func feZero(f *fieldElement) {
	for i := range f {
		f[i] = 0
	}
}

func feOne(f *fieldElement) {
	feZero(f)
	f[0] = 1
}

func feCopy(dst, src *fieldElement) {
	*dst = *src
}

func feAdd(dst, a, b *fieldElement) {
	for i := 0; i < 10; i++ {
		dst[i] = a[i] + b[i]
	}
}

func feSub(dst, a, b *fieldElement) {
	for i := 0; i < 10; i++ {
		dst[i] = a[i] - b[i]
	}
}

// feCSwap conditionally swaps a and b in constant time: when swap is 1 the
// two field elements are exchanged, when swap is 0 both are left untouched.
// swap must be 0 or 1. This is the masked conditional swap the Montgomery
// ladder relies on (spec §4.2: "mask = -swap").
func feCSwap(swap uint64, a, b *fieldElement) {
	mask := int64(selectMaskU64(swap))
	for i := 0; i < 10; i++ {
		t := mask & (a[i] ^ b[i])
		a[i] ^= t
		b[i] ^= t
	}
}

// feCarryPropagate reduces h0..h9 (which may be outside normal limb range
// after a multiply or square's raw sums) back to normalised limbs and
// stores the result into h, folding any overflow past limb 9 back in via
// the 2^255 ≡ 19 (mod p) identity.
func feCarryPropagate(h *fieldElement, h0, h1, h2, h3, h4, h5, h6, h7, h8, h9 int64) {
	var c0, c1, c2, c3, c4, c5, c6, c7, c8, c9 int64

	c0 = (h0 + (1 << 25)) >> 26
	h1 += c0
	h0 -= c0 << 26
	c4 = (h4 + (1 << 25)) >> 26
	h5 += c4
	h4 -= c4 << 26

	c1 = (h1 + (1 << 24)) >> 25
	h2 += c1
	h1 -= c1 << 25
	c5 = (h5 + (1 << 24)) >> 25
	h6 += c5
	h5 -= c5 << 25

	c2 = (h2 + (1 << 25)) >> 26
	h3 += c2
	h2 -= c2 << 26
	c6 = (h6 + (1 << 25)) >> 26
	h7 += c6
	h6 -= c6 << 26

	c3 = (h3 + (1 << 24)) >> 25
	h4 += c3
	h3 -= c3 << 25
	c7 = (h7 + (1 << 24)) >> 25
	h8 += c7
	h7 -= c7 << 25

	c4 = (h4 + (1 << 25)) >> 26
	h5 += c4
	h4 -= c4 << 26
	c8 = (h8 + (1 << 25)) >> 26
	h9 += c8
	h8 -= c8 << 26

	c9 = (h9 + (1 << 24)) >> 25
	h0 += c9 * 19
	h9 -= c9 << 25

	c0 = (h0 + (1 << 25)) >> 26
	h1 += c0
	h0 -= c0 << 26

	h[0], h[1], h[2], h[3], h[4] = h0, h1, h2, h3, h4
	h[5], h[6], h[7], h[8], h[9] = h5, h6, h7, h8, h9
}

// feMul computes dst = a*b (mod 2^255-19) via 10x10 schoolbook
// multiplication, folding cross terms whose combined limb index is >= 10
// back in with a factor of 19 (2^255 ≡ 19 mod p), then carry-propagating.
// Every term is computed unconditionally; there is no data-dependent
// control flow.
func feMul(dst, a, b *fieldElement) {
	f0, f1, f2, f3, f4 := a[0], a[1], a[2], a[3], a[4]
	f5, f6, f7, f8, f9 := a[5], a[6], a[7], a[8], a[9]
	g0, g1, g2, g3, g4 := b[0], b[1], b[2], b[3], b[4]
	g5, g6, g7, g8, g9 := b[5], b[6], b[7], b[8], b[9]

	g1_19 := 19 * g1
	g2_19 := 19 * g2
	g3_19 := 19 * g3
	g4_19 := 19 * g4
	g5_19 := 19 * g5
	g6_19 := 19 * g6
	g7_19 := 19 * g7
	g8_19 := 19 * g8
	g9_19 := 19 * g9
	f1_2 := 2 * f1
	f3_2 := 2 * f3
	f5_2 := 2 * f5
	f7_2 := 2 * f7
	f9_2 := 2 * f9

	f0g0 := f0 * g0
	f0g1 := f0 * g1
	f0g2 := f0 * g2
	f0g3 := f0 * g3
	f0g4 := f0 * g4
	f0g5 := f0 * g5
	f0g6 := f0 * g6
	f0g7 := f0 * g7
	f0g8 := f0 * g8
	f0g9 := f0 * g9
	f1g0 := f1 * g0
	f1g1_2 := f1_2 * g1
	f1g2 := f1 * g2
	f1g3_2 := f1_2 * g3
	f1g4 := f1 * g4
	f1g5_2 := f1_2 * g5
	f1g6 := f1 * g6
	f1g7_2 := f1_2 * g7
	f1g8 := f1 * g8
	f1g9_38 := f1_2 * g9_19
	f2g0 := f2 * g0
	f2g1 := f2 * g1
	f2g2 := f2 * g2
	f2g3 := f2 * g3
	f2g4 := f2 * g4
	f2g5 := f2 * g5
	f2g6 := f2 * g6
	f2g7 := f2 * g7
	f2g8_19 := f2 * g8_19
	f2g9_19 := f2 * g9_19
	f3g0 := f3 * g0
	f3g1_2 := f3_2 * g1
	f3g2 := f3 * g2
	f3g3_2 := f3_2 * g3
	f3g4 := f3 * g4
	f3g5_2 := f3_2 * g5
	f3g6 := f3 * g6
	f3g7_38 := f3_2 * g7_19
	f3g8_19 := f3 * g8_19
	f3g9_38 := f3_2 * g9_19
	f4g0 := f4 * g0
	f4g1 := f4 * g1
	f4g2 := f4 * g2
	f4g3 := f4 * g3
	f4g4 := f4 * g4
	f4g5 := f4 * g5
	f4g6_19 := f4 * g6_19
	f4g7_19 := f4 * g7_19
	f4g8_19 := f4 * g8_19
	f4g9_19 := f4 * g9_19
	f5g0 := f5 * g0
	f5g1_2 := f5_2 * g1
	f5g2 := f5 * g2
	f5g3_2 := f5_2 * g3
	f5g4 := f5 * g4
	f5g5_38 := f5_2 * g5_19
	f5g6_19 := f5 * g6_19
	f5g7_38 := f5_2 * g7_19
	f5g8_19 := f5 * g8_19
	f5g9_38 := f5_2 * g9_19
	f6g0 := f6 * g0
	f6g1 := f6 * g1
	f6g2 := f6 * g2
	f6g3 := f6 * g3
	f6g4_19 := f6 * g4_19
	f6g5_19 := f6 * g5_19
	f6g6_19 := f6 * g6_19
	f6g7_19 := f6 * g7_19
	f6g8_19 := f6 * g8_19
	f6g9_19 := f6 * g9_19
	f7g0 := f7 * g0
	f7g1_2 := f7_2 * g1
	f7g2 := f7 * g2
	f7g3_38 := f7_2 * g3_19
	f7g4_19 := f7 * g4_19
	f7g5_38 := f7_2 * g5_19
	f7g6_19 := f7 * g6_19
	f7g7_38 := f7_2 * g7_19
	f7g8_19 := f7 * g8_19
	f7g9_38 := f7_2 * g9_19
	f8g0 := f8 * g0
	f8g1 := f8 * g1
	f8g2_19 := f8 * g2_19
	f8g3_19 := f8 * g3_19
	f8g4_19 := f8 * g4_19
	f8g5_19 := f8 * g5_19
	f8g6_19 := f8 * g6_19
	f8g7_19 := f8 * g7_19
	f8g8_19 := f8 * g8_19
	f8g9_19 := f8 * g9_19
	f9g0 := f9 * g0
	f9g1_38 := f9_2 * g1_19
	f9g2_19 := f9 * g2_19
	f9g3_38 := f9_2 * g3_19
	f9g4_19 := f9 * g4_19
	f9g5_38 := f9_2 * g5_19
	f9g6_19 := f9 * g6_19
	f9g7_38 := f9_2 * g7_19
	f9g8_19 := f9 * g8_19
	f9g9_38 := f9_2 * g9_19

	h0 := f0g0 + f1g9_38 + f2g8_19 + f3g7_38 + f4g6_19 + f5g5_38 + f6g4_19 + f7g3_38 + f8g2_19 + f9g1_38
	h1 := f0g1 + f1g0 + f2g9_19 + f3g8_19 + f4g7_19 + f5g6_19 + f6g5_19 + f7g4_19 + f8g3_19 + f9g2_19
	h2 := f0g2 + f1g1_2 + f2g0 + f3g9_38 + f4g8_19 + f5g7_38 + f6g6_19 + f7g5_38 + f8g4_19 + f9g3_38
	h3 := f0g3 + f1g2 + f2g1 + f3g0 + f4g9_19 + f5g8_19 + f6g7_19 + f7g6_19 + f8g5_19 + f9g4_19
	h4 := f0g4 + f1g3_2 + f2g2 + f3g1_2 + f4g0 + f5g9_38 + f6g8_19 + f7g7_38 + f8g6_19 + f9g5_38
	h5 := f0g5 + f1g4 + f2g3 + f3g2 + f4g1 + f5g0 + f6g9_19 + f7g8_19 + f8g7_19 + f9g6_19
	h6 := f0g6 + f1g5_2 + f2g4 + f3g3_2 + f4g2 + f5g1_2 + f6g0 + f7g9_38 + f8g8_19 + f9g7_38
	h7 := f0g7 + f1g6 + f2g5 + f3g4 + f4g3 + f5g2 + f6g1 + f7g0 + f8g9_19 + f9g8_19
	h8 := f0g8 + f1g7_2 + f2g6 + f3g5_2 + f4g4 + f5g3_2 + f6g2 + f7g1_2 + f8g0 + f9g9_38
	h9 := f0g9 + f1g8 + f2g7 + f3g6 + f4g5 + f5g4 + f6g3 + f7g2 + f8g1 + f9g0

	feCarryPropagate(dst, h0, h1, h2, h3, h4, h5, h6, h7, h8, h9)
}

// feSquare computes dst = a*a. It is implemented in terms of feMul rather
// than a dedicated doubled-cross-term formula: the two are mathematically
// identical, feMul is already constant-time, and sharing one multiplication
// routine halves the surface that could hide a limb-factor mistake.
func feSquare(dst, a *fieldElement) {
	feMul(dst, a, a)
}

// feInvert computes dst = a^(p-2) = a^-1 (mod p) via the fixed addition
// chain matching the standard ref10 schedule: 254 squarings interleaved
// with specific multiplications, built up as successive runs of 1s in the
// exponent's binary representation.
func feInvert(dst, a *fieldElement) {
	var t0, t1, t2, t3 fieldElement

	feSquare(&t0, a)
	feSquare(&t1, &t0)
	feSquare(&t1, &t1)
	feMul(&t1, a, &t1)
	feMul(&t0, &t0, &t1)
	feSquare(&t2, &t0)
	feMul(&t1, &t1, &t2)
	feSquare(&t2, &t1)
	for i := 1; i < 5; i++ {
		feSquare(&t2, &t2)
	}
	feMul(&t1, &t2, &t1)
	feSquare(&t2, &t1)
	for i := 1; i < 10; i++ {
		feSquare(&t2, &t2)
	}
	feMul(&t2, &t2, &t1)
	feSquare(&t3, &t2)
	for i := 1; i < 20; i++ {
		feSquare(&t3, &t3)
	}
	feMul(&t2, &t3, &t2)
	feSquare(&t2, &t2)
	for i := 1; i < 10; i++ {
		feSquare(&t2, &t2)
	}
	feMul(&t1, &t2, &t1)
	feSquare(&t2, &t1)
	for i := 1; i < 50; i++ {
		feSquare(&t2, &t2)
	}
	feMul(&t2, &t2, &t1)
	feSquare(&t3, &t2)
	for i := 1; i < 100; i++ {
		feSquare(&t3, &t3)
	}
	feMul(&t2, &t3, &t2)
	feSquare(&t2, &t2)
	for i := 1; i < 50; i++ {
		feSquare(&t2, &t2)
	}
	feMul(&t1, &t2, &t1)
	feSquare(&t1, &t1)
	for i := 1; i < 5; i++ {
		feSquare(&t1, &t1)
	}
	feMul(dst, &t1, &t0)
}
