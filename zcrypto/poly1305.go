package zcrypto

import "encoding/binary"

const (
	poly1305KeySize = 32
	poly1305TagSize = 16
)

// poly1305State holds the clamped key-half r (5x26-bit limbs), the
// accumulator h (5x26-bit limbs), and the encryption pad (4x32-bit limbs
// from the second key-half), per spec §3.
type poly1305State struct {
	r   [5]uint32
	h   [5]uint32
	pad [4]uint32
}

// newPoly1305 clamps r per RFC 8439 §2.5 and splits the 32-byte one-time
// key into r and pad.
func newPoly1305(key *[poly1305KeySize]byte) *poly1305State {
	s := &poly1305State{}

	t0 := binary.LittleEndian.Uint32(key[0:4])
	t1 := binary.LittleEndian.Uint32(key[4:8])
	t2 := binary.LittleEndian.Uint32(key[8:12])
	t3 := binary.LittleEndian.Uint32(key[12:16])

	s.r[0] = t0 & 0x3ffffff
	s.r[1] = ((t0 >> 26) | (t1 << 6)) & 0x3ffff03
	s.r[2] = ((t1 >> 20) | (t2 << 12)) & 0x3ffc0ff
	s.r[3] = ((t2 >> 14) | (t3 << 18)) & 0x3f03fff
	s.r[4] = (t3 >> 8) & 0x00fffff

	s.pad[0] = binary.LittleEndian.Uint32(key[16:20])
	s.pad[1] = binary.LittleEndian.Uint32(key[20:24])
	s.pad[2] = binary.LittleEndian.Uint32(key[24:28])
	s.pad[3] = binary.LittleEndian.Uint32(key[28:32])

	return s
}

// processBlock absorbs a 16-byte (or, for the final partial block, padded)
// chunk into h: h = (h + block) * r (mod 2^130-5), via the 5-limb radix
// 2^26 schoolbook with the standard r*5 reduction trick. hibit is the value
// of bit 128 of the 130-bit framing (1 for full blocks, 0 for the padded
// final block, per RFC 8439's explicit trailing 0x01 byte convention).
func (s *poly1305State) processBlock(block []byte, hibit uint32) {
	t0 := binary.LittleEndian.Uint32(block[0:4])
	t1 := binary.LittleEndian.Uint32(block[4:8])
	t2 := binary.LittleEndian.Uint32(block[8:12])
	t3 := binary.LittleEndian.Uint32(block[12:16])

	h0 := s.h[0] + (t0 & 0x3ffffff)
	h1 := s.h[1] + (((t0 >> 26) | (t1 << 6)) & 0x3ffffff)
	h2 := s.h[2] + (((t1 >> 20) | (t2 << 12)) & 0x3ffffff)
	h3 := s.h[3] + (((t2 >> 14) | (t3 << 18)) & 0x3ffffff)
	h4 := s.h[4] + ((t3 >> 8) | (hibit << 24))

	r0, r1, r2, r3, r4 := uint64(s.r[0]), uint64(s.r[1]), uint64(s.r[2]), uint64(s.r[3]), uint64(s.r[4])
	s5_1, s5_2, s5_3, s5_4 := r1*5, r2*5, r3*5, r4*5

	d0 := uint64(h0)*r0 + uint64(h1)*s5_4 + uint64(h2)*s5_3 + uint64(h3)*s5_2 + uint64(h4)*s5_1
	d1 := uint64(h0)*r1 + uint64(h1)*r0 + uint64(h2)*s5_4 + uint64(h3)*s5_3 + uint64(h4)*s5_2
	d2 := uint64(h0)*r2 + uint64(h1)*r1 + uint64(h2)*r0 + uint64(h3)*s5_4 + uint64(h4)*s5_3
	d3 := uint64(h0)*r3 + uint64(h1)*r2 + uint64(h2)*r1 + uint64(h3)*r0 + uint64(h4)*s5_4
	d4 := uint64(h0)*r4 + uint64(h1)*r3 + uint64(h2)*r2 + uint64(h3)*r1 + uint64(h4)*r0

	// Carry propagate, folding overflow past limb 4 back in with *5
	// (2^130 ≡ 5 mod (2^130-5)).
	c := d0 >> 26
	d0 &= 0x3ffffff
	d1 += c
	c = d1 >> 26
	d1 &= 0x3ffffff
	d2 += c
	c = d2 >> 26
	d2 &= 0x3ffffff
	d3 += c
	c = d3 >> 26
	d3 &= 0x3ffffff
	d4 += c
	c = d4 >> 26
	d4 &= 0x3ffffff
	d0 += c * 5
	c = d0 >> 26
	d0 &= 0x3ffffff
	d1 += c

	s.h[0], s.h[1], s.h[2], s.h[3], s.h[4] = uint32(d0), uint32(d1), uint32(d2), uint32(d3), uint32(d4)
}

// finalize performs the full carry propagation, computes h-p in constant
// time, selects between h and h-p without branching, adds pad, and
// serialises the low 128 bits little-endian. The state is zeroed.
func (s *poly1305State) finalize() [poly1305TagSize]byte {
	// Full carry.
	c := s.h[1] >> 26
	s.h[1] &= 0x3ffffff
	s.h[2] += c
	c = s.h[2] >> 26
	s.h[2] &= 0x3ffffff
	s.h[3] += c
	c = s.h[3] >> 26
	s.h[3] &= 0x3ffffff
	s.h[4] += c
	c = s.h[4] >> 26
	s.h[4] &= 0x3ffffff
	s.h[0] += c * 5
	c = s.h[0] >> 26
	s.h[0] &= 0x3ffffff
	s.h[1] += c

	// Compute h - p, where p = 2^130-5, as 5 limbs of radix 2^26:
	// p = (0x3fffffb, 0x3ffffff, 0x3ffffff, 0x3ffffff, 0x3ffffff).
	g0 := s.h[0] + 5
	c = g0 >> 26
	g0 &= 0x3ffffff
	g1 := s.h[1] + c
	c = g1 >> 26
	g1 &= 0x3ffffff
	g2 := s.h[2] + c
	c = g2 >> 26
	g2 &= 0x3ffffff
	g3 := s.h[3] + c
	c = g3 >> 26
	g3 &= 0x3ffffff
	g4 := s.h[4] + c - (1 << 26)

	// mask is all-ones if h >= p (so g is the correct reduced value),
	// all-zeros otherwise. g4's top bit is set iff the subtraction of
	// 2^26 above underflowed, i.e. iff h < p.
	mask := (g4 >> 31) - 1
	notMask := ^mask

	h0 := (s.h[0] & notMask) | (g0 & mask)
	h1 := (s.h[1] & notMask) | (g1 & mask)
	h2 := (s.h[2] & notMask) | (g2 & mask)
	h3 := (s.h[3] & notMask) | (g3 & mask)
	h4 := (s.h[4] & notMask) | (g4 & mask)

	// h = h % (2^128) in 32-bit words, then add pad mod 2^128.
	f0 := uint64(h0) | (uint64(h1) << 26)
	f1 := (uint64(h1) >> 6) | (uint64(h2) << 20)
	f2 := (uint64(h2) >> 12) | (uint64(h3) << 14)
	f3 := (uint64(h3) >> 18) | (uint64(h4) << 8)

	var carry uint64
	f0 += uint64(s.pad[0])
	carry = f0 >> 32
	f1 += uint64(s.pad[1]) + carry
	carry = f1 >> 32
	f2 += uint64(s.pad[2]) + carry
	carry = f2 >> 32
	f3 += uint64(s.pad[3]) + carry

	var tag [poly1305TagSize]byte
	binary.LittleEndian.PutUint32(tag[0:4], uint32(f0))
	binary.LittleEndian.PutUint32(tag[4:8], uint32(f1))
	binary.LittleEndian.PutUint32(tag[8:12], uint32(f2))
	binary.LittleEndian.PutUint32(tag[12:16], uint32(f3))

	s.h = [5]uint32{}
	s.r = [5]uint32{}
	s.pad = [4]uint32{}

	return tag
}

// Poly1305 computes the one-time authenticator of msg under key, per RFC
// 8439 §2.5. The final short block is zero-padded with an explicit
// trailing 0x01 byte, not an implicit high bit.
func Poly1305(msg []byte, key *[poly1305KeySize]byte) [poly1305TagSize]byte {
	s := newPoly1305(key)

	for len(msg) >= 16 {
		s.processBlock(msg[:16], 1)
		msg = msg[16:]
	}

	if len(msg) > 0 {
		var last [16]byte
		copy(last[:], msg)
		last[len(msg)] = 0x01
		s.processBlock(last[:], 0)
	}

	return s.finalize()
}
