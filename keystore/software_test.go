package keystore

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"testing"
	"time"
)

func TestSoftwareKeyStore_CreateEmbedsChallenge(t *testing.T) {
	ks, err := NewSoftwareKeyStore("test-attestation-ca")
	if err != nil {
		t.Fatalf("Failed to create key store: %v", err)
	}

	challenge := make([]byte, 32)
	rand.Read(challenge)

	chain, err := ks.Create("device/binding", challenge, Policy{Purposes: PurposeSign})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("Expected [leaf, root] chain, got %d certificates", len(chain))
	}

	got, err := AttestationChallenge(chain[0])
	if err != nil {
		t.Fatalf("AttestationChallenge failed: %v", err)
	}
	if !bytes.Equal(got, challenge) {
		t.Errorf("Leaf challenge extension mismatch: got %x want %x", got, challenge)
	}

	// Leaf must verify against the root
	if err := chain[0].CheckSignatureFrom(chain[1]); err != nil {
		t.Errorf("Leaf does not verify against root: %v", err)
	}
}

func TestSoftwareKeyStore_SignVerifies(t *testing.T) {
	ks, _ := NewSoftwareKeyStore("ca")
	chain, err := ks.Create("k", []byte("c"), Policy{Purposes: PurposeSign})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	data := []byte("challenge bytes")
	sig, err := ks.Sign("k", AlgES256, data, nil)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	pub := chain[0].PublicKey.(*ecdsa.PublicKey)
	digest := sha256.Sum256(data)
	if !ecdsa.VerifyASN1(pub, digest[:], sig) {
		t.Error("Signature does not verify against attestation leaf key")
	}
}

func TestSoftwareKeyStore_UserAuthGate(t *testing.T) {
	ks, _ := NewSoftwareKeyStore("ca")
	ks.Create("guarded", []byte("c"), Policy{
		Purposes:         PurposeSign,
		UserAuthRequired: true,
		UserAuthTimeout:  time.Minute,
	})

	if _, err := ks.Sign("guarded", AlgES256, []byte("d"), nil); err != ErrUserNotAuthenticated {
		t.Errorf("Expected ErrUserNotAuthenticated without unlock, got %v", err)
	}

	token := ks.Unlock(time.Minute)
	if _, err := ks.Sign("guarded", AlgES256, []byte("d"), token); err != nil {
		t.Errorf("Sign with unlock token failed: %v", err)
	}
}

func TestSoftwareKeyStore_Invalidation(t *testing.T) {
	ks, _ := NewSoftwareKeyStore("ca")
	ks.Create("k", []byte("c"), Policy{Purposes: PurposeSign})

	if ks.IsInvalidated("k") {
		t.Error("Fresh key reported invalidated")
	}

	ks.Invalidate("k")
	if !ks.IsInvalidated("k") {
		t.Error("Key not reported invalidated after credential reset")
	}
	if _, err := ks.Sign("k", AlgES256, []byte("d"), nil); err != ErrKeyNotFound {
		t.Errorf("Expected ErrKeyNotFound after invalidation, got %v", err)
	}

	// Delete tolerates absence
	if err := ks.Delete("k"); err != nil {
		t.Errorf("Delete after invalidation failed: %v", err)
	}
}
