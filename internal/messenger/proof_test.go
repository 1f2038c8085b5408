package messenger

import (
	"crypto/ed25519"
	"errors"
	"testing"
)

func newGuardians(t *testing.T, n int) ([]ed25519.PublicKey, []ed25519.PrivateKey) {
	t.Helper()
	pubs := make([]ed25519.PublicKey, n)
	privs := make([]ed25519.PrivateKey, n)
	for i := 0; i < n; i++ {
		pub, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			t.Fatal(err)
		}
		pubs[i], privs[i] = pub, priv
	}
	return pubs, privs
}

func TestQuorumVerifier(t *testing.T) {
	pubs, privs := newGuardians(t, 4)
	v := QuorumVerifier{Guardians: pubs, Threshold: 3}
	hash := Hash(2, TypeFill, []byte("payload"))

	sign := func(indices ...int) []byte {
		entries := map[int][]byte{}
		for _, i := range indices {
			entries[i] = ed25519.Sign(privs[i], hash[:])
		}
		return BuildQuorumProof(entries)
	}

	if err := v.Verify(hash, sign(0, 1, 2)); err != nil {
		t.Errorf("3-of-4 quorum rejected: %v", err)
	}
	if err := v.Verify(hash, sign(0, 1, 2, 3)); err != nil {
		t.Errorf("full quorum rejected: %v", err)
	}
	if err := v.Verify(hash, sign(0, 1)); !errors.Is(err, ErrInvalidProof) {
		t.Errorf("sub-threshold accepted: %v", err)
	}
}

func TestQuorumVerifier_DuplicateGuardianCountsOnce(t *testing.T) {
	pubs, privs := newGuardians(t, 3)
	v := QuorumVerifier{Guardians: pubs, Threshold: 2}
	hash := Hash(2, TypeFill, []byte("payload"))

	sig := ed25519.Sign(privs[0], hash[:])
	proof := []byte{proofVersionQuorum, 2, 0}
	proof = append(proof, sig...)
	proof = append(proof, 0)
	proof = append(proof, sig...)

	if err := v.Verify(hash, proof); !errors.Is(err, ErrInvalidProof) {
		t.Errorf("duplicate guardian satisfied quorum: %v", err)
	}
}

func TestQuorumVerifier_WrongMessage(t *testing.T) {
	pubs, privs := newGuardians(t, 2)
	v := QuorumVerifier{Guardians: pubs, Threshold: 2}

	signedHash := Hash(2, TypeFill, []byte("signed payload"))
	entries := map[int][]byte{
		0: ed25519.Sign(privs[0], signedHash[:]),
		1: ed25519.Sign(privs[1], signedHash[:]),
	}
	otherHash := Hash(2, TypeFill, []byte("different payload"))
	if err := v.Verify(otherHash, BuildQuorumProof(entries)); !errors.Is(err, ErrInvalidProof) {
		t.Errorf("signatures over a different hash accepted: %v", err)
	}
}

func TestQuorumVerifier_Malformed(t *testing.T) {
	pubs, _ := newGuardians(t, 2)
	v := QuorumVerifier{Guardians: pubs, Threshold: 1}
	hash := Hash(2, TypeFill, []byte("p"))

	cases := map[string][]byte{
		"empty":            {},
		"wrong version":    {proofVersionStatic, 1},
		"truncated entry":  {proofVersionQuorum, 1, 0, 1, 2},
		"count mismatch":   {proofVersionQuorum, 2, 0},
		"unknown guardian": append([]byte{proofVersionQuorum, 1, 9}, make([]byte, ed25519.SignatureSize)...),
	}
	for name, proof := range cases {
		if err := v.Verify(hash, proof); !errors.Is(err, ErrInvalidProof) {
			t.Errorf("%s: got %v want ErrInvalidProof", name, err)
		}
	}
}

func TestQuorumVerifier_Misconfigured(t *testing.T) {
	hash := Hash(1, TypeFill, nil)
	if err := (QuorumVerifier{Threshold: 0}).Verify(hash, []byte{proofVersionQuorum, 0}); !errors.Is(err, ErrInvalidProof) {
		t.Errorf("zero threshold: got %v", err)
	}
	pubs, _ := newGuardians(t, 1)
	if err := (QuorumVerifier{Guardians: pubs, Threshold: 2}).Verify(hash, []byte{proofVersionQuorum, 0}); !errors.Is(err, ErrInvalidProof) {
		t.Errorf("threshold above guardian count: got %v", err)
	}
}
