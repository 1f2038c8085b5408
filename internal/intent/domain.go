package intent

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/crypto"
)

// Protocol identity mixed into every signed digest. Scoping signatures to a
// (name, version, chain, verifier) tuple prevents cross-protocol and
// cross-chain replay.
const (
	ProtocolName    = "Crosslane Order Protocol"
	ProtocolVersion = "1"
)

// Domain scopes signatures to one deployment on one chain.
type Domain struct {
	Name             string  `json:"name"`
	Version          string  `json:"version"`
	ChainID          uint64  `json:"chain_id"`
	VerifyingAddress Address `json:"verifying_address"`
}

// BuildDomain constructs the domain separator inputs for a deployment.
// Deterministic, no side effects.
func BuildDomain(chainID uint64, verifier Address) Domain {
	return Domain{
		Name:             ProtocolName,
		Version:          ProtocolVersion,
		ChainID:          chainID,
		VerifyingAddress: verifier,
	}
}

// Separator returns keccak256 over the canonical domain encoding.
func (d Domain) Separator() [32]byte {
	nameHash := crypto.Keccak256Hash([]byte(d.Name))
	versionHash := crypto.Keccak256Hash([]byte(d.Version))

	encoded := make([]byte, 0, 32+32+8+32)
	encoded = append(encoded, nameHash[:]...)
	encoded = append(encoded, versionHash[:]...)
	encoded = binary.BigEndian.AppendUint64(encoded, d.ChainID)
	encoded = append(encoded, d.VerifyingAddress[:]...)
	return crypto.Keccak256Hash(encoded)
}

// RequestDigest returns the 32-byte signing digest of an order request:
// keccak256(separator ‖ canonical_encoding(request)).
func RequestDigest(r OrderRequest, d Domain) [32]byte {
	sep := d.Separator()
	return crypto.Keccak256Hash(sep[:], EncodeRequest(r))
}

// OrderDigest returns the 32-byte digest of a bare order, used to derive
// order identifiers.
func OrderDigest(o Order, d Domain) [32]byte {
	sep := d.Separator()
	return crypto.Keccak256Hash(sep[:], EncodeOrder(o))
}

// OrderHash returns the domain-independent content hash of an order:
// keccak256 over the canonical encoding alone. Spokes and hubs on
// different domains compute the same hash for the same order, so fill
// notices can bind to order content across domains.
func OrderHash(o Order) [32]byte {
	return crypto.Keccak256Hash(EncodeOrder(o))
}
