package keystore

import (
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Serialized software key store. Private keys are SEC1 DER; this file is
// for platforms without a hardware bridge, so protect it with filesystem
// permissions (Save writes it 0600).

type persistedStore struct {
	CAKey  []byte         `cbor:"caKey"`
	CACert []byte         `cbor:"caCert"`
	Keys   []persistedKey `cbor:"keys"`
}

type persistedKey struct {
	Alias                 string   `cbor:"alias"`
	Key                   []byte   `cbor:"key"`
	Purposes              uint32   `cbor:"purposes"`
	UserAuthRequired      bool     `cbor:"userAuthRequired"`
	UserAuthTimeoutMillis int64    `cbor:"userAuthTimeoutMillis"`
	Chain                 [][]byte `cbor:"chain"`
}

// Save writes the store's CA and all keys to path. Unlock tokens are not
// persisted; they prove a recent authentication and must not outlive the
// process.
func (s *SoftwareKeyStore) Save(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	caKeyDER, err := x509.MarshalECPrivateKey(s.caKey)
	if err != nil {
		return fmt.Errorf("keystore: marshal CA key: %w", err)
	}
	p := persistedStore{
		CAKey:  caKeyDER,
		CACert: s.caCert.Raw,
	}
	for alias, key := range s.keys {
		keyDER, err := x509.MarshalECPrivateKey(key.priv)
		if err != nil {
			return fmt.Errorf("keystore: marshal key %q: %w", alias, err)
		}
		chain := make([][]byte, len(key.chain))
		for i, cert := range key.chain {
			chain[i] = cert.Raw
		}
		p.Keys = append(p.Keys, persistedKey{
			Alias:                 alias,
			Key:                   keyDER,
			Purposes:              uint32(key.policy.Purposes),
			UserAuthRequired:      key.policy.UserAuthRequired,
			UserAuthTimeoutMillis: key.policy.UserAuthTimeout.Milliseconds(),
			Chain:                 chain,
		})
	}

	data, err := cbor.Marshal(p)
	if err != nil {
		return fmt.Errorf("keystore: encode store: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("keystore: write store: %w", err)
	}
	return nil
}

// LoadSoftwareKeyStore reads a store Saved earlier. A missing file yields
// a fresh store with a new CA under caName.
func LoadSoftwareKeyStore(path, caName string) (*SoftwareKeyStore, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewSoftwareKeyStore(caName)
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: read store: %w", err)
	}

	var p persistedStore
	if err := cbor.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("keystore: decode store: %w", err)
	}
	caKey, err := x509.ParseECPrivateKey(p.CAKey)
	if err != nil {
		return nil, fmt.Errorf("keystore: parse CA key: %w", err)
	}
	caCert, err := x509.ParseCertificate(p.CACert)
	if err != nil {
		return nil, fmt.Errorf("keystore: parse CA certificate: %w", err)
	}

	s := &SoftwareKeyStore{
		caKey:   caKey,
		caCert:  caCert,
		keys:    make(map[string]*softwareKey),
		unlocks: make(map[string]time.Time),
	}
	for _, pk := range p.Keys {
		priv, err := x509.ParseECPrivateKey(pk.Key)
		if err != nil {
			return nil, fmt.Errorf("keystore: parse key %q: %w", pk.Alias, err)
		}
		chain := make([]*x509.Certificate, len(pk.Chain))
		for i, der := range pk.Chain {
			cert, err := x509.ParseCertificate(der)
			if err != nil {
				return nil, fmt.Errorf("keystore: parse chain of %q: %w", pk.Alias, err)
			}
			chain[i] = cert
		}
		s.keys[pk.Alias] = &softwareKey{
			priv: priv,
			policy: Policy{
				Purposes:         KeyPurpose(pk.Purposes),
				UserAuthRequired: pk.UserAuthRequired,
				UserAuthTimeout:  time.Duration(pk.UserAuthTimeoutMillis) * time.Millisecond,
			},
			chain: chain,
		}
	}
	return s, nil
}
