package cloudarea

import (
	"crypto/x509"
	"fmt"
	"time"
	"unicode"

	"github.com/mesmerverse/cloudarea/keystore"
)

// IdentifierPrefix is the required prefix for cloud secure area
// identifiers. The remainder of the identifier is opaque and names both
// the server-side registration and the local storage partition.
const IdentifierPrefix = "cloudarea:"

// PassphraseConstraints is the policy the application declared at
// registration time. It is persisted locally so passphrase entry UI can
// be rendered without a round trip.
type PassphraseConstraints struct {
	MinLength      int  `cbor:"minLength"`
	MaxLength      int  `cbor:"maxLength"`
	RequireNumeric bool `cbor:"requireNumeric"`
}

// Check reports whether a candidate passphrase satisfies the constraints.
func (pc PassphraseConstraints) Check(passphrase string) error {
	n := len([]rune(passphrase))
	if n < pc.MinLength {
		return fmt.Errorf("passphrase shorter than %d characters", pc.MinLength)
	}
	if pc.MaxLength > 0 && n > pc.MaxLength {
		return fmt.Errorf("passphrase longer than %d characters", pc.MaxLength)
	}
	if pc.RequireNumeric {
		for _, r := range passphrase {
			if !unicode.IsDigit(r) {
				return fmt.Errorf("passphrase must be numeric")
			}
		}
	}
	return nil
}

// CreateKeySettings describes the key to mint in the cloud secure area.
type CreateKeySettings struct {
	Purposes keystore.KeyPurpose
	Curve    keystore.Curve

	// ValidFrom and ValidUntil bound the key's validity period. Zero
	// values mean unbounded.
	ValidFrom  time.Time
	ValidUntil time.Time

	// PassphraseRequired gates every use of the key on the knowledge
	// factor established at registration.
	PassphraseRequired bool

	// UserAuthRequired gates every use on a fresh local user
	// authentication, enforced by the local key store on the proof key.
	UserAuthRequired bool
	UserAuthTimeout  time.Duration
}

// KeyUnlockData carries the unlock material for a gated key operation.
// An empty Passphrase means none was supplied.
type KeyUnlockData struct {
	Passphrase string
	LocalAuth  keystore.UnlockToken
}

// KeyInfo is the locally cached metadata for a key, available without
// any network traffic.
type KeyInfo struct {
	Name string

	Purposes keystore.KeyPurpose
	Curve    keystore.Curve

	ValidFrom  time.Time
	ValidUntil time.Time

	PassphraseRequired bool
	UserAuthRequired   bool
	UserAuthTimeout    time.Duration

	// HardwareBacked reports whether the local proof key lives in
	// dedicated hardware.
	HardwareBacked bool

	// LocalAttestation is the chain over the on-device proof key,
	// RemoteAttestation the chain over the cloud-held key. The remote
	// leaf carries the key's public half.
	LocalAttestation  []*x509.Certificate
	RemoteAttestation []*x509.Certificate
}

// bindingRecord is the persisted registration state, one per identifier.
type bindingRecord struct {
	// CloudBindingKey is the PKIX-encoded public key the server proved
	// possession of during registration. Handshake signatures are
	// verified against it.
	CloudBindingKey []byte `cbor:"cloudBindingKey"`

	// RegistrationContext is the opaque server continuation presented
	// when opening a secure channel.
	RegistrationContext []byte `cbor:"registrationContext"`

	Constraints PassphraseConstraints `cbor:"constraints"`
}

// keyRecord is the persisted per-key state.
type keyRecord struct {
	Alias         string `cbor:"alias"`
	RemoteContext []byte `cbor:"remoteContext"`

	Purposes uint32 `cbor:"purposes"`
	Curve    uint32 `cbor:"curve"`

	ValidFromMillis  int64 `cbor:"validFrom"`
	ValidUntilMillis int64 `cbor:"validUntil"`

	PassphraseRequired    bool  `cbor:"passphraseRequired"`
	UserAuthRequired      bool  `cbor:"userAuthRequired"`
	UserAuthTimeoutMillis int64 `cbor:"userAuthTimeoutMillis"`

	HardwareBacked bool `cbor:"hardwareBacked"`

	LocalChain  [][]byte `cbor:"localChain"`
	RemoteChain [][]byte `cbor:"remoteChain"`
}
