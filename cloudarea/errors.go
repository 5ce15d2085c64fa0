package cloudarea

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidIdentifier is returned by New for identifiers without the
	// recognized prefix.
	ErrInvalidIdentifier = errors.New("cloudarea: identifier must start with " + IdentifierPrefix)

	// ErrNotRegistered is returned when an operation needs a registration
	// binding and none is persisted for the identifier.
	ErrNotRegistered = errors.New("cloudarea: instance is not registered")

	// ErrAlreadyRegistered is returned by Register when a binding exists.
	ErrAlreadyRegistered = errors.New("cloudarea: instance is already registered")

	// ErrKeyNotFound is returned when no record exists for a key name.
	ErrKeyNotFound = errors.New("cloudarea: no such key")

	// ErrRetriesExhausted is returned when the bounded secure channel
	// re-establishment loop ran out of attempts.
	ErrRetriesExhausted = errors.New("cloudarea: secure channel retries exhausted")
)

// LockReason says why a key operation is locked.
type LockReason int

const (
	// LockedWrongPassphrase: the passphrase was missing or rejected by the
	// server. Recover by retrying the identical call with the right one.
	LockedWrongPassphrase LockReason = iota + 1

	// LockedUserNotAuthenticated: the local attested key demands a fresh
	// user-authentication unlock token.
	LockedUserNotAuthenticated
)

func (r LockReason) String() string {
	switch r {
	case LockedWrongPassphrase:
		return "wrong passphrase"
	case LockedUserNotAuthenticated:
		return "user authentication required"
	default:
		return fmt.Sprintf("lock reason %d", int(r))
	}
}

// KeyLockedError is the recoverable locked-key condition: supply the
// missing material and retry the same call.
type KeyLockedError struct {
	Reason LockReason
}

func (e *KeyLockedError) Error() string {
	return "cloudarea: key locked: " + e.Reason.String()
}

// KeyInvalidatedError means the local attested key vanished independently
// of this protocol (e.g. a platform credential reset). No unlock recovers
// it; the key must be recreated.
type KeyInvalidatedError struct {
	Alias string
}

func (e *KeyInvalidatedError) Error() string {
	return fmt.Sprintf("cloudarea: key %q invalidated by local key store", e.Alias)
}
