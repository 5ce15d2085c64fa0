package keystore

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.cbor")

	ks, err := NewSoftwareKeyStore("persist-ca")
	if err != nil {
		t.Fatalf("NewSoftwareKeyStore: %v", err)
	}
	chain, err := ks.Create("device", []byte("challenge"), Policy{Purposes: PurposeSign})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := ks.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadSoftwareKeyStore(path, "unused")
	if err != nil {
		t.Fatalf("LoadSoftwareKeyStore: %v", err)
	}
	if !loaded.Root().Equal(ks.Root()) {
		t.Error("CA certificate changed across save/load")
	}

	data := []byte("signed after reload")
	sig, err := loaded.Sign("device", AlgES256, data, nil)
	if err != nil {
		t.Fatalf("Sign after reload: %v", err)
	}
	digest := sha256.Sum256(data)
	if !ecdsa.VerifyASN1(chain[0].PublicKey.(*ecdsa.PublicKey), digest[:], sig) {
		t.Error("signature from reloaded key does not verify against the original leaf")
	}
}

func TestLoadMissingFileCreatesFreshStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.cbor")

	ks, err := LoadSoftwareKeyStore(path, "fresh-ca")
	if err != nil {
		t.Fatalf("LoadSoftwareKeyStore: %v", err)
	}
	if ks.Root() == nil {
		t.Fatal("fresh store has no CA")
	}
	if !ks.IsInvalidated("anything") {
		t.Error("fresh store claims to hold keys")
	}
}

func TestSavedPolicySurvivesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.cbor")

	ks, err := NewSoftwareKeyStore("persist-ca")
	if err != nil {
		t.Fatalf("NewSoftwareKeyStore: %v", err)
	}
	if _, err := ks.Create("guarded", []byte("c"), Policy{
		Purposes:         PurposeSign,
		UserAuthRequired: true,
		UserAuthTimeout:  time.Minute,
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := ks.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadSoftwareKeyStore(path, "unused")
	if err != nil {
		t.Fatalf("LoadSoftwareKeyStore: %v", err)
	}
	if _, err := loaded.Sign("guarded", AlgES256, []byte("x"), nil); err != ErrUserNotAuthenticated {
		t.Fatalf("Sign on reloaded guarded key: got %v, want ErrUserNotAuthenticated", err)
	}
	token := loaded.Unlock(time.Minute)
	if _, err := loaded.Sign("guarded", AlgES256, []byte("x"), token); err != nil {
		t.Fatalf("Sign with unlock after reload: %v", err)
	}
}
