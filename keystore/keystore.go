// Package keystore abstracts the local secure key store that backs
// device-bound keys. A real deployment bridges this to platform secure
// hardware; the software implementation in this package is used by tests
// and by platforms without a hardware bridge.
package keystore

import (
	"crypto/ecdh"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"time"
)

// KeyPurpose is a bit set of operations a key may perform.
type KeyPurpose uint32

const (
	PurposeSign KeyPurpose = 1 << iota
	PurposeAgreeKey
)

// Curve identifies the elliptic curve of a key.
type Curve uint32

const (
	CurveP256 Curve = 1
)

// Algorithm identifies a signature algorithm.
type Algorithm uint32

const (
	// AlgES256 is ECDSA over P-256 with SHA-256.
	AlgES256 Algorithm = 1
)

// Policy constrains how a created key may be used.
type Policy struct {
	Purposes KeyPurpose

	// UserAuthRequired gates every private-key operation on a fresh
	// user-authentication unlock token.
	UserAuthRequired bool
	UserAuthTimeout  time.Duration
}

// UnlockToken is an opaque proof of recent user authentication, obtained
// from the platform authentication prompt.
type UnlockToken []byte

var (
	// ErrUserNotAuthenticated is returned by Sign/KeyAgreement when the key
	// requires user authentication and no valid unlock token was supplied.
	ErrUserNotAuthenticated = errors.New("keystore: user authentication required")

	// ErrKeyNotFound is returned when the alias has no key, including keys
	// invalidated by a local credential reset.
	ErrKeyNotFound = errors.New("keystore: key not found")
)

// KeyStore is the local secure key store consumed by the protocol engine.
type KeyStore interface {
	// Create mints a fresh attested key under alias, embedding
	// attestationChallenge in the leaf certificate's challenge extension.
	// An existing key under the same alias is replaced.
	Create(alias string, attestationChallenge []byte, policy Policy) ([]*x509.Certificate, error)

	// Sign signs data with the key's private half. Fails with
	// ErrUserNotAuthenticated when the key's policy demands an unlock.
	Sign(alias string, alg Algorithm, data []byte, unlock UnlockToken) ([]byte, error)

	// KeyAgreement performs ECDH between the key and peer.
	KeyAgreement(alias string, peer *ecdh.PublicKey, unlock UnlockToken) ([]byte, error)

	// Delete removes the key. Deleting an absent alias is not an error.
	Delete(alias string) error

	// IsInvalidated reports whether the key for alias has vanished, e.g.
	// after a local credential reset.
	IsInvalidated(alias string) bool

	// HardwareBacked reports whether keys created by this store live in
	// dedicated secure hardware.
	HardwareBacked() bool
}

// ChallengeExtensionOID identifies the vendor attestation-challenge
// extension in attestation leaf certificates. Its value is the raw
// challenge bytes.
var ChallengeExtensionOID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 58252, 1, 1}

// AttestationChallenge extracts the challenge bytes from an attestation
// leaf certificate.
func AttestationChallenge(leaf *x509.Certificate) ([]byte, error) {
	for _, ext := range leaf.Extensions {
		if ext.Id.Equal(ChallengeExtensionOID) {
			return ext.Value, nil
		}
	}
	return nil, fmt.Errorf("keystore: certificate carries no attestation challenge extension")
}
