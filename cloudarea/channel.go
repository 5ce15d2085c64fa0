package cloudarea

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"golang.org/x/crypto/hkdf"

	"github.com/mesmerverse/cloudarea/keystore"
	"github.com/mesmerverse/cloudarea/protocol"
	"github.com/mesmerverse/cloudarea/transport"
)

const (
	// maxRehandshakeAttempts bounds the transparent retry loop for one
	// encrypted exchange.
	maxRehandshakeAttempts = 10

	sessionKeySize  = 16
	sessionNonceLen = 12

	skInfoDevice = "SKDevice"
	skInfoCloud  = "SKCloud"

	dirDeviceToCloud uint32 = 0
	dirCloudToDevice uint32 = 1
)

// session holds the keys and state of one established secure channel.
// Counters start at 1 and each direction uses a disjoint nonce space, so
// a (key, nonce) pair is never reused within a session.
type session struct {
	skDevice []byte // device-to-cloud AEAD key
	skCloud  []byte // cloud-to-device AEAD key
	context  []byte // opaque server continuation, updated per exchange

	encCounter uint32
	decCounter uint32
}

func (s *session) wipe() {
	zeroBytes(s.skDevice)
	zeroBytes(s.skCloud)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func sessionNonce(direction, counter uint32) []byte {
	nonce := make([]byte, sessionNonceLen)
	binary.BigEndian.PutUint32(nonce[4:8], direction)
	binary.BigEndian.PutUint32(nonce[8:12], counter)
	return nonce
}

func sessionAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cloudarea: session cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// SetupE2EE establishes the secure channel to the server enclave. With
// force false an already established channel is reused; with force true a
// fresh handshake replaces it. Idempotent in the non-forced case.
func (c *CloudArea) SetupE2EE(ctx context.Context, force bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setupE2EELocked(ctx, force)
}

func (c *CloudArea) setupE2EELocked(ctx context.Context, force bool) error {
	if c.session != nil && !force {
		return nil
	}
	binding, err := c.loadBinding()
	if err != nil {
		return err
	}

	var resp0 protocol.E2EESetupResponse0
	err = c.exchangePlain(ctx, &protocol.E2EESetupRequest0{
		RegistrationContext: binding.RegistrationContext,
	}, &resp0)
	if err != nil {
		return fmt.Errorf("cloudarea: channel setup: %w", err)
	}

	ephemeral, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("cloudarea: generate session key: %w", err)
	}
	deviceNonce := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, deviceNonce); err != nil {
		return fmt.Errorf("cloudarea: generate session nonce: %w", err)
	}

	deviceBinding := protocol.SessionBinding{
		EphemeralPublicKey: ephemeral.PublicKey().Bytes(),
		CloudNonce:         resp0.CloudNonce,
		DeviceNonce:        deviceNonce,
	}
	toSign, err := deviceBinding.Encode()
	if err != nil {
		return err
	}
	signature, err := c.keys.Sign(c.bindingKeyAlias(), keystore.AlgES256, toSign, nil)
	if err != nil {
		if errors.Is(err, keystore.ErrKeyNotFound) {
			return fmt.Errorf("%w: device binding key missing", ErrNotRegistered)
		}
		return fmt.Errorf("cloudarea: sign session binding: %w", err)
	}

	var resp1 protocol.E2EESetupResponse1
	err = c.exchangePlain(ctx, &protocol.E2EESetupRequest1{
		EphemeralPublicKey: deviceBinding.EphemeralPublicKey,
		DeviceNonce:        deviceNonce,
		Signature:          signature,
		ServerState:        resp0.ServerState,
	}, &resp1)
	if err != nil {
		return fmt.Errorf("cloudarea: channel setup: %w", err)
	}

	if err := c.verifyCloudBinding(binding, &resp1, resp0.CloudNonce, deviceNonce); err != nil {
		return err
	}

	cloudPub, err := ecdh.P256().NewPublicKey(resp1.EphemeralPublicKey)
	if err != nil {
		return fmt.Errorf("cloudarea: cloud ephemeral key: %w", err)
	}
	shared, err := ephemeral.ECDH(cloudPub)
	if err != nil {
		return fmt.Errorf("cloudarea: session agreement: %w", err)
	}
	defer zeroBytes(shared)

	salt := sha256.Sum256(append(append([]byte{}, resp0.CloudNonce...), deviceNonce...))
	skDevice, err := deriveSessionKey(shared, salt[:], skInfoDevice)
	if err != nil {
		return err
	}
	skCloud, err := deriveSessionKey(shared, salt[:], skInfoCloud)
	if err != nil {
		zeroBytes(skDevice)
		return err
	}

	if c.session != nil {
		c.session.wipe()
	}
	c.session = &session{
		skDevice:   skDevice,
		skCloud:    skCloud,
		context:    resp1.ServerState,
		encCounter: 1,
		decCounter: 1,
	}
	c.log.Debug().Msg("secure channel established")
	return nil
}

// verifyCloudBinding checks the server's handshake signature against the
// cloud binding key persisted at registration.
func (c *CloudArea) verifyCloudBinding(binding *bindingRecord, resp *protocol.E2EESetupResponse1, cloudNonce, deviceNonce []byte) error {
	pub, err := x509.ParsePKIXPublicKey(binding.CloudBindingKey)
	if err != nil {
		return fmt.Errorf("cloudarea: stored cloud binding key: %w", err)
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("cloudarea: stored cloud binding key has type %T", pub)
	}
	cloudBinding := protocol.SessionBinding{
		EphemeralPublicKey: resp.EphemeralPublicKey,
		CloudNonce:         cloudNonce,
		DeviceNonce:        deviceNonce,
	}
	signed, err := cloudBinding.Encode()
	if err != nil {
		return err
	}
	digest := sha256.Sum256(signed)
	if !ecdsa.VerifyASN1(ecPub, digest[:], resp.Signature) {
		return errors.New("cloudarea: cloud session binding signature mismatch")
	}
	return nil
}

func deriveSessionKey(secret, salt []byte, info string) ([]byte, error) {
	key := make([]byte, sessionKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("cloudarea: derive session key: %w", err)
	}
	return key, nil
}

func (c *CloudArea) encryptLocked(plaintext []byte) ([]byte, error) {
	if c.session.encCounter == math.MaxUint32 {
		return nil, errors.New("cloudarea: session send counter exhausted")
	}
	aead, err := sessionAEAD(c.session.skDevice)
	if err != nil {
		return nil, err
	}
	nonce := sessionNonce(dirDeviceToCloud, c.session.encCounter)
	c.session.encCounter++
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

func (c *CloudArea) decryptLocked(ciphertext []byte) ([]byte, error) {
	aead, err := sessionAEAD(c.session.skCloud)
	if err != nil {
		return nil, err
	}
	nonce := sessionNonce(dirCloudToDevice, c.session.decCounter)
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("cloudarea: decrypt response: %w", err)
	}
	c.session.decCounter++
	return plaintext, nil
}

// exchangePlain runs one unencrypted request/response over the envelope.
// Any non-OK status is fatal here; only encrypted exchanges recover from
// a stale-channel signal.
func (c *CloudArea) exchangePlain(ctx context.Context, req, resp protocol.Message) error {
	body, err := protocol.Marshal(req)
	if err != nil {
		return err
	}
	r, err := c.envelope.Exchange(ctx, body)
	if err != nil {
		return err
	}
	if r.Status != transport.StatusOK {
		return fmt.Errorf("cloudarea: server status %d for kind %d", r.Status, req.MessageKind())
	}
	return protocol.Unmarshal(r.Body, resp)
}

// exchangeEncrypted runs one request/response through the secure channel,
// establishing it on demand. A stale-channel signal from the server or a
// failed decrypt triggers a forced re-handshake and a resend of the same
// plaintext, up to maxRehandshakeAttempts times. Callers hold c.mu.
func (c *CloudArea) exchangeEncrypted(ctx context.Context, req, resp protocol.Message) error {
	plaintext, err := protocol.Marshal(req)
	if err != nil {
		return err
	}
	for attempt := 1; attempt <= maxRehandshakeAttempts; attempt++ {
		if err := c.setupE2EELocked(ctx, attempt > 1); err != nil {
			return err
		}
		ciphertext, err := c.encryptLocked(plaintext)
		if err != nil {
			return err
		}
		body, err := protocol.Marshal(&protocol.EncryptedRequest{
			Ciphertext:  ciphertext,
			E2EEContext: c.session.context,
		})
		if err != nil {
			return err
		}
		r, err := c.envelope.Exchange(ctx, body)
		if err != nil {
			return err
		}
		if r.Status == transport.StatusRehandshake {
			c.log.Debug().Int("attempt", attempt).Msg("server requested channel re-handshake")
			c.session.wipe()
			c.session = nil
			continue
		}
		if r.Status != transport.StatusOK {
			return fmt.Errorf("cloudarea: server status %d for kind %d", r.Status, req.MessageKind())
		}
		var env protocol.EncryptedResponse
		if err := protocol.Unmarshal(r.Body, &env); err != nil {
			return err
		}
		inner, err := c.decryptLocked(env.Ciphertext)
		if err != nil {
			c.log.Debug().Int("attempt", attempt).Err(err).Msg("response undecryptable, re-handshaking")
			c.session.wipe()
			c.session = nil
			continue
		}
		c.session.context = env.E2EEContext
		return protocol.Unmarshal(inner, resp)
	}
	return ErrRetriesExhausted
}
