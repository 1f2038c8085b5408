package auth

import (
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// HashRequest constructs the prefixed request digest:
// keccak256("\x19Crosslane Signed Request:\n" + len(msg) + msg)
//
// The prefix keeps an API request signature from ever colliding with an
// order signature, which is scoped by the protocol domain separator instead.
func HashRequest(msg []byte) [32]byte {
	prefix := fmt.Sprintf("\x19Crosslane Signed Request:\n%d", len(msg))
	return crypto.Keccak256Hash([]byte(prefix), msg)
}
