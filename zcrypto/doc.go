/*

Package zcrypto is a from-scratch implementation of the cryptographic
primitives consumed by the tunnel data plane: X25519 ECDH (RFC 7748),
ChaCha20-Poly1305 AEAD (RFC 8439), and HKDF-SHA256 (RFC 5869).

Every routine in this package that handles secret material is written
to run in constant time: no branch and no memory access may depend on
a secret value, only on public lengths. Conditional behaviour that
would naturally be an if/else in non-cryptographic code (the Montgomery
ladder's swap, Poly1305's final reduction, tag verification) is instead
expressed with masks derived from secret bits. Scratch buffers holding
keys, MAC state, or intermediate keystream are zeroed with Zero before
any function handling them returns, on every exit path.

This package does not use golang.org/x/crypto for any of the above:
the entire point of zcrypto is to be a self-contained, auditable
implementation, not a wrapper.

*/
package zcrypto
