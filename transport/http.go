package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

const contentTypeCBOR = "application/cbor"

// Reject absurd response bodies before reading them in
const maxResponseBytes = 10 * 1024 * 1024

// HTTPEnvelope exchanges bodies over a single POST endpoint.
type HTTPEnvelope struct {
	url    string
	client *http.Client
}

// HTTPOption customizes an HTTPEnvelope.
type HTTPOption func(*HTTPEnvelope)

// WithHTTPClient substitutes the underlying HTTP client, e.g. one whose
// transport dials over vsock.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(e *HTTPEnvelope) { e.client = client }
}

// NewHTTPEnvelope creates an envelope POSTing to url.
func NewHTTPEnvelope(url string, opts ...HTTPOption) *HTTPEnvelope {
	e := &HTTPEnvelope{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Exchange POSTs body and returns the status and response body verbatim.
func (e *HTTPEnvelope) Exchange(ctx context.Context, body []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeCBOR)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: exchange failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("transport: read response: %w", err)
	}
	if len(respBody) > maxResponseBytes {
		return nil, fmt.Errorf("transport: response too large")
	}

	log.Debug().
		Int("status", resp.StatusCode).
		Int("request_bytes", len(body)).
		Int("response_bytes", len(respBody)).
		Msg("Exchanged message with cloud secure area")

	return &Response{Status: resp.StatusCode, Body: respBody}, nil
}
