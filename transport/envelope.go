// Package transport carries protocol bodies between the device and the
// cloud secure area. It is the only package that touches the network; the
// layers above see opaque request/response byte blobs plus a status code.
package transport

import (
	"context"
	"errors"
)

// Statuses reported by an exchange. Any status other than StatusOK and
// StatusRehandshake is a fatal transport error for the caller.
const (
	// StatusOK means a success body is present.
	StatusOK = 200

	// StatusRehandshake means the server could not use the supplied
	// continuation (e.g. stale E2EE context) and the client must re-run
	// the secure channel handshake.
	StatusRehandshake = 400
)

// ErrNotConnected is returned by envelopes whose underlying connection is
// gone.
var ErrNotConnected = errors.New("transport: not connected")

// Response is the raw outcome of one exchange.
type Response struct {
	Status int
	Body   []byte
}

// Envelope performs one request/response exchange with the cloud secure
// area. Implementations must be safe for use from a single goroutine at a
// time; serialization is the caller's job.
type Envelope interface {
	Exchange(ctx context.Context, body []byte) (*Response, error)
}
