package zcrypto

import (
	"crypto/rand"
	"io"

	"github.com/whoamikiddie/ztunnel/internal/errors"
)

// X25519KeySize is the size, in bytes, of an X25519 scalar (private key)
// or u-coordinate (public key).
const X25519KeySize = 32

// X25519KeyPair holds an X25519 private scalar and its derived public key.
type X25519KeyPair struct {
	Public  [X25519KeySize]byte
	Private [X25519KeySize]byte
}

// basepoint is the X25519 base point u=9, little-endian encoded.
var basepoint = [X25519KeySize]byte{9}

// clampScalar applies the mandatory RFC 7748 clamping to a copy of scalar:
// clear bits 0-2 of byte 0, clear bit 7 of byte 31, set bit 6 of byte 31.
func clampScalar(scalar *[32]byte) (clamped [32]byte) {
	clamped = *scalar
	clamped[0] &= 248
	clamped[31] &= 127
	clamped[31] |= 64
	return clamped
}

// ScalarMult performs the X25519 Montgomery-ladder scalar multiplication
// dst = scalar * u, running bit 254 down to bit 0 of the clamped scalar.
// Each ladder step is constant-time: the running swap flag gates a
// limb-wise masked conditional swap, never a branch.
func ScalarMult(dst, scalar, u *[32]byte) {
	e := clampScalar(scalar)

	var x1, x2, z2, x3, z3 fieldElement
	feFromBytes(&x1, u)
	feOne(&x2)
	feZero(&z2)
	feCopy(&x3, &x1)
	feOne(&z3)

	var swap uint64
	for pos := 254; pos >= 0; pos-- {
		b := uint64((e[pos/8] >> uint(pos&7)) & 1)
		swap ^= b
		feCSwap(swap, &x2, &x3)
		feCSwap(swap, &z2, &z3)
		swap = b

		// A = x2+z2 ; AA = A^2
		var a, aa, bb, bSub, c, d, da, cb, e1 fieldElement
		feAdd(&a, &x2, &z2)
		feSquare(&aa, &a)
		// B = x2-z2 ; BB = B^2
		feSub(&bSub, &x2, &z2)
		feSquare(&bb, &bSub)
		// E = AA-BB
		feSub(&e1, &aa, &bb)
		// C = x3+z3 ; D = x3-z3
		feAdd(&c, &x3, &z3)
		feSub(&d, &x3, &z3)
		// DA = D*A ; CB = C*B
		feMul(&da, &d, &a)
		feMul(&cb, &c, &bSub)
		// x3 = (DA+CB)^2 ; z3 = x1*(DA-CB)^2
		var sum, diff, diffSq, newX2, newZ2, a24E, aaPlusA24E fieldElement
		feAdd(&sum, &da, &cb)
		feSquare(&newX2, &sum) // holds the new x3 value; assigned below
		feSub(&diff, &da, &cb)
		feSquare(&diffSq, &diff)
		feMul(&newZ2, &x1, &diffSq) // holds the new z3 value; assigned below

		// x2 = AA*BB ; z2 = E*(AA + a24*E), a24 = 121665 (RFC 7748 §5)
		var nextX2, nextZ2 fieldElement
		feMul(&nextX2, &aa, &bb)
		feScalarMulSmall(&a24E, &e1, 121665)
		feAdd(&aaPlusA24E, &aa, &a24E)
		feMul(&nextZ2, &e1, &aaPlusA24E)

		feCopy(&x3, &newX2)
		feCopy(&z3, &newZ2)
		feCopy(&x2, &nextX2)
		feCopy(&z2, &nextZ2)
	}
	feCSwap(swap, &x2, &x3)
	feCSwap(swap, &z2, &z3)

	var zInv, out fieldElement
	feInvert(&zInv, &z2)
	feMul(&out, &x2, &zInv)
	feToBytes(dst, &out)
}

// feScalarMulSmall computes dst = a*k for a small positive constant k
// (k=121665 in the ladder step, per spec's a24 = 121665). It is
// implemented as repeated addition-by-doubling rather than a general
// multiply to avoid widening feMul's already-large term count further;
// 121665 fits in 17 bits so this costs at most 17 squarings-worth of adds.
func feScalarMulSmall(dst, a *fieldElement, k int64) {
	var acc, term fieldElement
	feZero(&acc)
	feCopy(&term, a)
	for k > 0 {
		if k&1 == 1 {
			feAdd(&acc, &acc, &term)
		}
		feAdd(&term, &term, &term)
		k >>= 1
	}
	feCopy(dst, &acc)
}

// GenerateX25519KeyPair produces a fresh ephemeral keypair, reading the
// private scalar from crypto/rand — the CSPRNG this spec mandates in place
// of any deterministic placeholder. Entropy source failure is fatal and
// returned to the caller, never silently substituted.
func GenerateX25519KeyPair() (*X25519KeyPair, error) {
	kp := &X25519KeyPair{}
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return nil, errors.Trace(err)
	}
	ScalarMult(&kp.Public, &kp.Private, &basepoint)
	return kp, nil
}

// X25519SharedSecret computes the ECDH shared secret for priv and peerPub.
// Per spec §4.2 this performs no validation of peerPub beyond what
// ScalarMult itself does; callers deriving keys from the result should feed
// it through HKDF rather than using it directly.
func X25519SharedSecret(out *[32]byte, priv, peerPub *[32]byte) {
	ScalarMult(out, priv, peerPub)
}
