package keystore

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// SoftwareKeyStore is an in-memory KeyStore. Keys are P-256; attestation
// chains are [leaf, root] with the root acting as the vendor attestation CA.
type SoftwareKeyStore struct {
	caKey  *ecdsa.PrivateKey
	caCert *x509.Certificate

	mu      sync.Mutex
	keys    map[string]*softwareKey
	unlocks map[string]time.Time
}

type softwareKey struct {
	priv   *ecdsa.PrivateKey
	policy Policy
	chain  []*x509.Certificate
}

// NewSoftwareKeyStore creates a key store with a fresh attestation CA
// whose subject common name is caName.
func NewSoftwareKeyStore(caName string) (*SoftwareKeyStore, error) {
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keystore: failed to generate CA key: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:          randomSerial(),
		Subject:               pkix.Name{CommonName: caName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(20, 0, 0),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("keystore: failed to self-sign CA: %w", err)
	}
	caCert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("keystore: failed to parse CA certificate: %w", err)
	}

	return &SoftwareKeyStore{
		caKey:   caKey,
		caCert:  caCert,
		keys:    make(map[string]*softwareKey),
		unlocks: make(map[string]time.Time),
	}, nil
}

// Root returns the attestation CA certificate, for use in root
// authorization predicates.
func (s *SoftwareKeyStore) Root() *x509.Certificate {
	return s.caCert
}

// Create mints a fresh P-256 key and a [leaf, root] attestation chain whose
// leaf carries attestationChallenge in the challenge extension.
func (s *SoftwareKeyStore) Create(alias string, attestationChallenge []byte, policy Policy) ([]*x509.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keystore: failed to generate key: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: randomSerial(),
		Subject:      pkix.Name{CommonName: alias},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(10, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtraExtensions: []pkix.Extension{{
			Id:    ChallengeExtensionOID,
			Value: attestationChallenge,
		}},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, s.caCert, &priv.PublicKey, s.caKey)
	if err != nil {
		return nil, fmt.Errorf("keystore: failed to sign leaf: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("keystore: failed to parse leaf: %w", err)
	}

	chain := []*x509.Certificate{leaf, s.caCert}

	s.mu.Lock()
	s.keys[alias] = &softwareKey{priv: priv, policy: policy, chain: chain}
	s.mu.Unlock()

	return chain, nil
}

// Unlock mints a token proving user authentication, valid for ttl.
func (s *SoftwareKeyStore) Unlock(ttl time.Duration) UnlockToken {
	token := make([]byte, 16)
	rand.Read(token)

	s.mu.Lock()
	s.unlocks[hex.EncodeToString(token)] = time.Now().Add(ttl)
	s.mu.Unlock()

	return token
}

func (s *SoftwareKeyStore) Sign(alias string, alg Algorithm, data []byte, unlock UnlockToken) ([]byte, error) {
	if alg != AlgES256 {
		return nil, fmt.Errorf("keystore: unsupported algorithm %d", alg)
	}

	s.mu.Lock()
	key, err := s.checkedKey(alias, unlock)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	digest := sha256.Sum256(data)
	sig, err := ecdsa.SignASN1(rand.Reader, key.priv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("keystore: sign failed: %w", err)
	}
	return sig, nil
}

func (s *SoftwareKeyStore) KeyAgreement(alias string, peer *ecdh.PublicKey, unlock UnlockToken) ([]byte, error) {
	s.mu.Lock()
	key, err := s.checkedKey(alias, unlock)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	ecdhPriv, err := key.priv.ECDH()
	if err != nil {
		return nil, fmt.Errorf("keystore: key agreement unsupported: %w", err)
	}
	shared, err := ecdhPriv.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("keystore: key agreement failed: %w", err)
	}
	return shared, nil
}

func (s *SoftwareKeyStore) Delete(alias string) error {
	s.mu.Lock()
	delete(s.keys, alias)
	s.mu.Unlock()
	return nil
}

func (s *SoftwareKeyStore) IsInvalidated(alias string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[alias]
	return !ok
}

func (s *SoftwareKeyStore) HardwareBacked() bool {
	return false
}

// Invalidate drops the key material for alias without clearing the alias
// through Delete, simulating a platform credential reset.
func (s *SoftwareKeyStore) Invalidate(alias string) {
	s.mu.Lock()
	delete(s.keys, alias)
	s.mu.Unlock()
}

// checkedKey looks up the key and enforces its user-auth policy.
// Caller holds s.mu.
func (s *SoftwareKeyStore) checkedKey(alias string, unlock UnlockToken) (*softwareKey, error) {
	key, ok := s.keys[alias]
	if !ok {
		return nil, ErrKeyNotFound
	}
	if key.policy.UserAuthRequired {
		expiry, ok := s.unlocks[hex.EncodeToString(unlock)]
		if !ok || time.Now().After(expiry) {
			return nil, ErrUserNotAuthenticated
		}
	}
	return key, nil
}

func randomSerial() *big.Int {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		// crypto/rand only fails when the platform RNG is broken
		panic(err)
	}
	return serial
}
