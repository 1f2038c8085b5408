package messenger

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
)

// ProofVerifier attests that a message hash was really produced on the
// source domain.
type ProofVerifier interface {
	Verify(messageHash [32]byte, proof []byte) error
}

var ErrInvalidProof = errors.New("invalid proof")

// Proof version bytes.
const (
	proofVersionStatic = 1
	proofVersionQuorum = 2
)

// StaticVerifier is the development placeholder: it checks only length, a
// version byte, and that the message hash appears inside the proof bytes.
// It attests nothing cryptographically and must not guard real value.
type StaticVerifier struct{}

const staticProofMinLen = 100

func (StaticVerifier) Verify(messageHash [32]byte, proof []byte) error {
	if len(proof) < staticProofMinLen {
		return fmt.Errorf("%w: proof too short", ErrInvalidProof)
	}
	if proof[0] != proofVersionStatic {
		return fmt.Errorf("%w: unsupported proof version %d", ErrInvalidProof, proof[0])
	}
	if !bytes.Contains(proof, messageHash[:]) {
		return fmt.Errorf("%w: message hash not attested", ErrInvalidProof)
	}
	return nil
}

// QuorumVerifier checks a k-of-n guardian attestation: at least Threshold
// distinct guardians must have signed the message hash.
//
// Proof layout: version(1) ‖ count(1) ‖ count × (guardianIndex(1) ‖ sig(64)).
type QuorumVerifier struct {
	Guardians []ed25519.PublicKey
	Threshold int
}

const quorumEntryLen = 1 + ed25519.SignatureSize

func (q QuorumVerifier) Verify(messageHash [32]byte, proof []byte) error {
	if q.Threshold <= 0 || q.Threshold > len(q.Guardians) {
		return fmt.Errorf("%w: misconfigured guardian quorum", ErrInvalidProof)
	}
	if len(proof) < 2 {
		return fmt.Errorf("%w: proof too short", ErrInvalidProof)
	}
	if proof[0] != proofVersionQuorum {
		return fmt.Errorf("%w: unsupported proof version %d", ErrInvalidProof, proof[0])
	}
	count := int(proof[1])
	if len(proof) != 2+count*quorumEntryLen {
		return fmt.Errorf("%w: malformed proof length", ErrInvalidProof)
	}

	seen := make(map[int]bool, count)
	valid := 0
	for i := 0; i < count; i++ {
		entry := proof[2+i*quorumEntryLen:]
		idx := int(entry[0])
		if idx >= len(q.Guardians) || seen[idx] {
			continue
		}
		sig := entry[1 : 1+ed25519.SignatureSize]
		if !ed25519.Verify(q.Guardians[idx], messageHash[:], sig) {
			continue
		}
		seen[idx] = true
		valid++
	}
	if valid < q.Threshold {
		return fmt.Errorf("%w: %d of %d required guardian signatures", ErrInvalidProof, valid, q.Threshold)
	}
	return nil
}

// BuildQuorumProof assembles a proof from (guardianIndex, signature) pairs.
// Used by relayers and tests; the verifier side is QuorumVerifier.
func BuildQuorumProof(entries map[int][]byte) []byte {
	proof := []byte{proofVersionQuorum, byte(len(entries))}
	for idx, sig := range entries {
		proof = append(proof, byte(idx))
		proof = append(proof, sig...)
	}
	return proof
}
