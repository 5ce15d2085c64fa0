package cloudarea

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"
	"io"

	"github.com/mesmerverse/cloudarea/keystore"
	"github.com/mesmerverse/cloudarea/protocol"
)

// Register performs the one-time registration handshake: mints a device
// binding key attested with a server challenge, validates the cloud
// attestation against the client-generated challenge and the supplied
// root predicate, persists the binding, then sets the passphrase and its
// constraints through a fresh secure channel. On any failure no
// registration state survives, locally or for future handshakes.
func (c *CloudArea) Register(ctx context.Context, passphrase string, constraints PassphraseConstraints, authorizeRoot func(*x509.Certificate) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.loadBinding(); err == nil {
		return ErrAlreadyRegistered
	} else if !errors.Is(err, ErrNotRegistered) {
		return err
	}
	if err := constraints.Check(passphrase); err != nil {
		return fmt.Errorf("cloudarea: %w", err)
	}

	var resp0 protocol.RegisterResponse0
	err := c.exchangePlain(ctx, &protocol.RegisterRequest0{
		ClientVersion: c.clientVersion,
	}, &resp0)
	if err != nil {
		return fmt.Errorf("cloudarea: registration: %w", err)
	}

	deviceChain, err := c.keys.Create(c.bindingKeyAlias(), resp0.AttestationChallenge, keystore.Policy{
		Purposes: keystore.PurposeSign,
	})
	if err != nil {
		return fmt.Errorf("cloudarea: mint device binding key: %w", err)
	}
	// Drop everything minted or persisted so far; a failed registration
	// must leave no trace.
	abort := func() {
		_ = c.keys.Delete(c.bindingKeyAlias())
		_ = c.store.Delete(c.identifier, bindingStorageKey)
	}

	deviceChallenge := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, deviceChallenge); err != nil {
		abort()
		return fmt.Errorf("cloudarea: generate registration challenge: %w", err)
	}

	var resp1 protocol.RegisterResponse1
	err = c.exchangePlain(ctx, &protocol.RegisterRequest1{
		DeviceAttestation: derChain(deviceChain),
		DeviceChallenge:   deviceChallenge,
		ServerState:       resp0.ServerState,
	}, &resp1)
	if err != nil {
		abort()
		return fmt.Errorf("cloudarea: registration: %w", err)
	}

	cloudChain, err := parseCertChain(resp1.CloudAttestation)
	if err != nil {
		abort()
		return err
	}
	if err := validateAttestationChain(cloudChain, deviceChallenge, authorizeRoot); err != nil {
		abort()
		return err
	}
	cloudPub, ok := cloudChain[0].PublicKey.(*ecdsa.PublicKey)
	if !ok {
		abort()
		return fmt.Errorf("cloudarea: cloud binding key has type %T", cloudChain[0].PublicKey)
	}
	cloudPubDER, err := x509.MarshalPKIXPublicKey(cloudPub)
	if err != nil {
		abort()
		return fmt.Errorf("cloudarea: encode cloud binding key: %w", err)
	}

	record := &bindingRecord{
		CloudBindingKey:     cloudPubDER,
		RegistrationContext: resp1.ServerState,
		Constraints:         constraints,
	}
	if err := c.storeBinding(record, false); err != nil {
		abort()
		return err
	}

	// Stage 2 rides a fresh secure channel so the passphrase never
	// crosses the wire in the clear.
	if err := c.setupE2EELocked(ctx, true); err != nil {
		abort()
		return fmt.Errorf("cloudarea: registration: %w", err)
	}
	var stage2 protocol.RegisterStage2Response
	err = c.exchangeEncrypted(ctx, &protocol.RegisterStage2Request{
		Passphrase:     passphrase,
		MinLength:      uint32(constraints.MinLength),
		MaxLength:      uint32(constraints.MaxLength),
		RequireNumeric: constraints.RequireNumeric,
	}, &stage2)
	if err != nil {
		abort()
		return fmt.Errorf("cloudarea: registration: %w", err)
	}

	record.RegistrationContext = stage2.ServerState
	if err := c.storeBinding(record, true); err != nil {
		abort()
		return err
	}
	c.log.Info().Msg("registered")
	return nil
}

// Unregister discards the local registration: the device binding key,
// the binding record, and any live session. Key records under the
// identifier are left behind; without a binding they are unusable and a
// later re-registration replaces them through CreateKey.
func (c *CloudArea) Unregister() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.keys.Delete(c.bindingKeyAlias()); err != nil {
		return fmt.Errorf("cloudarea: delete device binding key: %w", err)
	}
	if err := c.store.Delete(c.identifier, bindingStorageKey); err != nil {
		return fmt.Errorf("cloudarea: delete binding record: %w", err)
	}
	if c.session != nil {
		c.session.wipe()
		c.session = nil
	}
	c.log.Info().Msg("unregistered")
	return nil
}
