// Package cloudarea implements the device side of the cloud secure area
// protocol: a one-time mutually attested registration, a renewable
// end-to-end encrypted channel to the server enclave, and per-key
// lifecycle operations against keys whose private halves never leave
// that enclave.
package cloudarea

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/cloudarea/keystore"
	"github.com/mesmerverse/cloudarea/storage"
	"github.com/mesmerverse/cloudarea/transport"
)

const (
	bindingStorageKey = "binding"
	keyStoragePrefix  = "key/"

	defaultClientVersion = "1.0.0"
)

// CloudArea is the protocol engine for one cloud secure area identifier.
// All methods are safe for concurrent use; operations on the same
// instance are serialized.
type CloudArea struct {
	identifier    string
	envelope      transport.Envelope
	store         storage.Store
	keys          keystore.KeyStore
	clientVersion string
	log           zerolog.Logger

	mu      sync.Mutex
	session *session
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option configures a CloudArea.
type Option func(*CloudArea)

// WithClientVersion overrides the version string sent at registration.
func WithClientVersion(v string) Option {
	return func(c *CloudArea) { c.clientVersion = v }
}

// WithLogger replaces the package-global logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *CloudArea) { c.log = l }
}

// WithSleep replaces the backoff sleep. Tests use this to observe and
// skip server-mandated retry delays.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *CloudArea) { c.sleep = sleep }
}

// New builds an engine for identifier. The identifier names the storage
// partition as well as the server-side registration, so distinct
// identifiers never share state.
func New(identifier string, envelope transport.Envelope, store storage.Store, keys keystore.KeyStore, opts ...Option) (*CloudArea, error) {
	if !strings.HasPrefix(identifier, IdentifierPrefix) || len(identifier) == len(IdentifierPrefix) {
		return nil, fmt.Errorf("%w: got %q", ErrInvalidIdentifier, identifier)
	}
	c := &CloudArea{
		identifier:    identifier,
		envelope:      envelope,
		store:         store,
		keys:          keys,
		clientVersion: defaultClientVersion,
		log:           log.With().Str("identifier", identifier).Logger(),
		sleep:         defaultSleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Identifier returns the identifier this engine was built for.
func (c *CloudArea) Identifier() string {
	return c.identifier
}

// IsRegistered reports whether a registration binding is persisted.
func (c *CloudArea) IsRegistered() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.loadBinding()
	if errors.Is(err, ErrNotRegistered) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetPassphraseConstraints returns the constraints declared at
// registration, from local storage.
func (c *CloudArea) GetPassphraseConstraints() (PassphraseConstraints, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	binding, err := c.loadBinding()
	if err != nil {
		return PassphraseConstraints{}, err
	}
	return binding.Constraints, nil
}

// bindingKeyAlias is the local key store alias of the device binding key.
func (c *CloudArea) bindingKeyAlias() string {
	return c.identifier + "#binding"
}

// keyAlias is the local key store alias of the proof key for name.
func (c *CloudArea) keyAlias(name string) string {
	return c.identifier + "#key#" + name
}

func (c *CloudArea) loadBinding() (*bindingRecord, error) {
	raw, err := c.store.Get(c.identifier, bindingStorageKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotRegistered
	}
	if err != nil {
		return nil, fmt.Errorf("cloudarea: load binding: %w", err)
	}
	var rec bindingRecord
	if err := cbor.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("cloudarea: decode binding record: %w", err)
	}
	return &rec, nil
}

func (c *CloudArea) storeBinding(rec *bindingRecord, update bool) error {
	raw, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("cloudarea: encode binding record: %w", err)
	}
	if update {
		err = c.store.Update(c.identifier, bindingStorageKey, raw)
	} else {
		err = c.store.Put(c.identifier, bindingStorageKey, raw)
	}
	if err != nil {
		return fmt.Errorf("cloudarea: persist binding record: %w", err)
	}
	return nil
}

func (c *CloudArea) loadKeyRecord(name string) (*keyRecord, error) {
	raw, err := c.store.Get(c.identifier, keyStoragePrefix+name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("cloudarea: load key record %q: %w", name, err)
	}
	var rec keyRecord
	if err := cbor.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("cloudarea: decode key record %q: %w", name, err)
	}
	return &rec, nil
}

func (c *CloudArea) storeKeyRecord(name string, rec *keyRecord) error {
	raw, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("cloudarea: encode key record %q: %w", name, err)
	}
	// CreateKey has replace semantics for an existing name.
	if err := c.store.Delete(c.identifier, keyStoragePrefix+name); err != nil {
		return fmt.Errorf("cloudarea: replace key record %q: %w", name, err)
	}
	if err := c.store.Put(c.identifier, keyStoragePrefix+name, raw); err != nil {
		return fmt.Errorf("cloudarea: persist key record %q: %w", name, err)
	}
	return nil
}

func defaultSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
