package intent

import "crypto/ed25519"

// Signature and key sizes for the detached-signature envelope.
const (
	SignatureLen = ed25519.SignatureSize // 64
	PublicKeyLen = ed25519.PublicKeySize // 32
)

// Verify checks a detached ed25519 signature over a 32-byte digest.
// Malformed lengths verify as false rather than erroring, so a garbage
// credential is indistinguishable from a wrong one.
func Verify(digest [32]byte, sig, pub []byte) bool {
	if len(sig) != SignatureLen || len(pub) != PublicKeyLen {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), digest[:], sig)
}
