package cloudarea

import (
	"context"
	"crypto/ecdh"
	"errors"
	"fmt"
	"time"

	"github.com/mesmerverse/cloudarea/keystore"
	"github.com/mesmerverse/cloudarea/protocol"
)

// maxThrottleRounds bounds how many server throttle responses one gated
// operation will wait out before giving up. In practice the loop ends
// much earlier: the server stops throttling or the context is cancelled
// during the mandated sleep.
const maxThrottleRounds = 32

// CreateKey mints a new key whose private half lives in the cloud secure
// area, with a local proof key of the same name gating its use. An
// existing key under the same name is replaced.
func (c *CloudArea) CreateKey(ctx context.Context, name string, settings CreateKeySettings) (*KeyInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.loadBinding(); err != nil {
		return nil, err
	}
	if settings.Curve == 0 {
		settings.Curve = keystore.CurveP256
	}

	var validFrom, validUntil int64
	if !settings.ValidFrom.IsZero() {
		validFrom = settings.ValidFrom.UnixMilli()
	}
	if !settings.ValidUntil.IsZero() {
		validUntil = settings.ValidUntil.UnixMilli()
	}

	var resp0 protocol.CreateKeyResponse0
	err := c.exchangeEncrypted(ctx, &protocol.CreateKeyRequest0{
		Purposes:              uint32(settings.Purposes),
		Curve:                 uint32(settings.Curve),
		ValidFrom:             validFrom,
		ValidUntil:            validUntil,
		PassphraseRequired:    settings.PassphraseRequired,
		UserAuthRequired:      settings.UserAuthRequired,
		UserAuthTimeoutMillis: settings.UserAuthTimeout.Milliseconds(),
	}, &resp0)
	if err != nil {
		return nil, fmt.Errorf("cloudarea: create key %q: %w", name, err)
	}

	// The local proof key always signs challenges, regardless of the
	// remote key's purposes.
	alias := c.keyAlias(name)
	localChain, err := c.keys.Create(alias, resp0.Challenge, keystore.Policy{
		Purposes:         keystore.PurposeSign,
		UserAuthRequired: settings.UserAuthRequired,
		UserAuthTimeout:  settings.UserAuthTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("cloudarea: mint proof key for %q: %w", name, err)
	}

	var resp1 protocol.CreateKeyResponse1
	err = c.exchangeEncrypted(ctx, &protocol.CreateKeyRequest1{
		LocalAttestation: derChain(localChain),
		ServerState:      resp0.ServerState,
	}, &resp1)
	if err != nil {
		_ = c.keys.Delete(alias)
		return nil, fmt.Errorf("cloudarea: create key %q: %w", name, err)
	}

	rec := &keyRecord{
		Alias:                 alias,
		RemoteContext:         resp1.RemoteContext,
		Purposes:              uint32(settings.Purposes),
		Curve:                 uint32(settings.Curve),
		ValidFromMillis:       validFrom,
		ValidUntilMillis:      validUntil,
		PassphraseRequired:    settings.PassphraseRequired,
		UserAuthRequired:      settings.UserAuthRequired,
		UserAuthTimeoutMillis: settings.UserAuthTimeout.Milliseconds(),
		HardwareBacked:        c.keys.HardwareBacked(),
		LocalChain:            derChain(localChain),
		RemoteChain:           resp1.RemoteAttestation,
	}
	if err := c.storeKeyRecord(name, rec); err != nil {
		_ = c.keys.Delete(alias)
		return nil, err
	}
	c.log.Debug().Str("key", name).Msg("key created")
	return keyInfoFromRecord(name, rec)
}

// Sign signs data with the cloud-held key. Gated keys need unlock
// material; a *KeyLockedError says what is missing, a
// *KeyInvalidatedError that the proof key is gone for good.
func (c *CloudArea) Sign(ctx context.Context, name string, alg keystore.Algorithm, data []byte, unlock *KeyUnlockData) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, passphrase, token, err := c.gatedKey(name, unlock)
	if err != nil {
		return nil, err
	}

	var resp0 protocol.SignResponse0
	err = c.exchangeEncrypted(ctx, &protocol.SignRequest0{
		RemoteContext: rec.RemoteContext,
		Algorithm:     uint32(alg),
		Data:          data,
	}, &resp0)
	if err != nil {
		return nil, fmt.Errorf("cloudarea: sign with %q: %w", name, err)
	}

	proof, err := c.proveChallenge(rec, resp0.Challenge, token)
	if err != nil {
		return nil, err
	}

	req1 := &protocol.SignRequest1{
		ProofSignature: proof,
		Passphrase:     passphrase,
		ServerState:    resp0.ServerState,
	}
	for round := 0; round < maxThrottleRounds; round++ {
		var resp1 protocol.SignResponse1
		if err := c.exchangeEncrypted(ctx, req1, &resp1); err != nil {
			return nil, fmt.Errorf("cloudarea: sign with %q: %w", name, err)
		}
		switch resp1.Result {
		case protocol.ResultOK:
			return resp1.Signature, nil
		case protocol.ResultWrongPassphrase:
			return nil, &KeyLockedError{Reason: LockedWrongPassphrase}
		case protocol.ResultTooManyAttempts:
			if err := c.throttleSleep(ctx, name, resp1.RetryDelayMillis); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("cloudarea: sign with %q: unknown result %d", name, resp1.Result)
		}
	}
	return nil, fmt.Errorf("cloudarea: sign with %q: %w", name, ErrRetriesExhausted)
}

// KeyAgreement computes an ECDH shared secret between the cloud-held key
// and peer. Gating behaves exactly as in Sign.
func (c *CloudArea) KeyAgreement(ctx context.Context, name string, peer *ecdh.PublicKey, unlock *KeyUnlockData) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, passphrase, token, err := c.gatedKey(name, unlock)
	if err != nil {
		return nil, err
	}

	var resp0 protocol.AgreeResponse0
	err = c.exchangeEncrypted(ctx, &protocol.AgreeRequest0{
		RemoteContext: rec.RemoteContext,
		PeerPublicKey: peer.Bytes(),
	}, &resp0)
	if err != nil {
		return nil, fmt.Errorf("cloudarea: key agreement with %q: %w", name, err)
	}

	proof, err := c.proveChallenge(rec, resp0.Challenge, token)
	if err != nil {
		return nil, err
	}

	req1 := &protocol.AgreeRequest1{
		ProofSignature: proof,
		Passphrase:     passphrase,
		ServerState:    resp0.ServerState,
	}
	for round := 0; round < maxThrottleRounds; round++ {
		var resp1 protocol.AgreeResponse1
		if err := c.exchangeEncrypted(ctx, req1, &resp1); err != nil {
			return nil, fmt.Errorf("cloudarea: key agreement with %q: %w", name, err)
		}
		switch resp1.Result {
		case protocol.ResultOK:
			return resp1.SharedSecret, nil
		case protocol.ResultWrongPassphrase:
			return nil, &KeyLockedError{Reason: LockedWrongPassphrase}
		case protocol.ResultTooManyAttempts:
			if err := c.throttleSleep(ctx, name, resp1.RetryDelayMillis); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("cloudarea: key agreement with %q: unknown result %d", name, resp1.Result)
		}
	}
	return nil, fmt.Errorf("cloudarea: key agreement with %q: %w", name, ErrRetriesExhausted)
}

// DeleteKey removes the key's local state: proof key and record. The
// server notices the missing context on a later CreateKey of the same
// name, so no round trip happens here. Deleting an absent key is a no-op.
func (c *CloudArea) DeleteKey(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.keys.Delete(c.keyAlias(name)); err != nil {
		return fmt.Errorf("cloudarea: delete proof key for %q: %w", name, err)
	}
	if err := c.store.Delete(c.identifier, keyStoragePrefix+name); err != nil {
		return fmt.Errorf("cloudarea: delete key record %q: %w", name, err)
	}
	return nil
}

// GetKeyInfo returns the locally cached metadata for name.
func (c *CloudArea) GetKeyInfo(name string) (*KeyInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.loadKeyRecord(name)
	if err != nil {
		return nil, err
	}
	return keyInfoFromRecord(name, rec)
}

// GetKeyInvalidated reports whether the local proof key for name has been
// invalidated underneath us, e.g. by a platform credential reset.
func (c *CloudArea) GetKeyInvalidated(name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.loadKeyRecord(name)
	if err != nil {
		return false, err
	}
	return c.keys.IsInvalidated(rec.Alias), nil
}

// gatedKey loads the key record and applies the passphrase gate: a
// passphrase-guarded key with no passphrase supplied fails locked before
// any network traffic.
func (c *CloudArea) gatedKey(name string, unlock *KeyUnlockData) (*keyRecord, string, keystore.UnlockToken, error) {
	rec, err := c.loadKeyRecord(name)
	if err != nil {
		return nil, "", nil, err
	}
	var passphrase string
	var token keystore.UnlockToken
	if unlock != nil {
		passphrase = unlock.Passphrase
		token = unlock.LocalAuth
	}
	if rec.PassphraseRequired && passphrase == "" {
		return nil, "", nil, &KeyLockedError{Reason: LockedWrongPassphrase}
	}
	return rec, passphrase, token, nil
}

// proveChallenge signs the server challenge with the local proof key and
// maps key store failures to the operation's error taxonomy.
func (c *CloudArea) proveChallenge(rec *keyRecord, challenge []byte, token keystore.UnlockToken) ([]byte, error) {
	proof, err := c.keys.Sign(rec.Alias, keystore.AlgES256, challenge, token)
	switch {
	case errors.Is(err, keystore.ErrUserNotAuthenticated):
		return nil, &KeyLockedError{Reason: LockedUserNotAuthenticated}
	case errors.Is(err, keystore.ErrKeyNotFound):
		return nil, &KeyInvalidatedError{Alias: rec.Alias}
	case err != nil:
		return nil, fmt.Errorf("cloudarea: prove key possession: %w", err)
	}
	return proof, nil
}

func (c *CloudArea) throttleSleep(ctx context.Context, name string, delayMillis int64) error {
	d := time.Duration(delayMillis) * time.Millisecond
	c.log.Debug().Str("key", name).Dur("delay", d).Msg("server throttled, backing off")
	if err := c.sleep(ctx, d); err != nil {
		return fmt.Errorf("cloudarea: throttle backoff: %w", err)
	}
	return nil
}

func keyInfoFromRecord(name string, rec *keyRecord) (*KeyInfo, error) {
	localChain, err := parseCertChain(rec.LocalChain)
	if err != nil {
		return nil, err
	}
	remoteChain, err := parseCertChain(rec.RemoteChain)
	if err != nil {
		return nil, err
	}
	info := &KeyInfo{
		Name:               name,
		Purposes:           keystore.KeyPurpose(rec.Purposes),
		Curve:              keystore.Curve(rec.Curve),
		PassphraseRequired: rec.PassphraseRequired,
		UserAuthRequired:   rec.UserAuthRequired,
		UserAuthTimeout:    time.Duration(rec.UserAuthTimeoutMillis) * time.Millisecond,
		HardwareBacked:     rec.HardwareBacked,
		LocalAttestation:   localChain,
		RemoteAttestation:  remoteChain,
	}
	if rec.ValidFromMillis != 0 {
		info.ValidFrom = time.UnixMilli(rec.ValidFromMillis)
	}
	if rec.ValidUntilMillis != 0 {
		info.ValidUntil = time.UnixMilli(rec.ValidUntilMillis)
	}
	return info, nil
}
