package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/mdlayher/vsock"
	"github.com/rs/zerolog/log"
)

// VsockHTTPClient builds an HTTP client whose connections are dialed over
// vsock to the given context ID and port. Devices use this when the cloud
// secure area is fronted by a host-local enclave proxy. In dev mode the
// dial falls back to TCP on localhost so the stack can run outside a VM.
func VsockHTTPClient(cid, port uint32, devMode bool) *http.Client {
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		if devMode {
			addr := fmt.Sprintf("localhost:%d", port)
			conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
			if err != nil {
				return nil, fmt.Errorf("transport: dev dial %s: %w", addr, err)
			}
			log.Debug().Str("addr", addr).Msg("Connected to development endpoint via TCP")
			return conn, nil
		}

		conn, err := vsock.Dial(cid, port, nil)
		if err != nil {
			return nil, fmt.Errorf("transport: vsock dial CID %d port %d: %w", cid, port, err)
		}
		log.Debug().Uint32("cid", cid).Uint32("port", port).Msg("Connected via vsock")
		return conn, nil
	}

	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: dial,
		},
	}
}

// NewVsockEnvelope is a convenience wrapper combining VsockHTTPClient with
// an HTTPEnvelope. The URL host is only used for the Host header; routing
// happens at the vsock level.
func NewVsockEnvelope(url string, cid, port uint32, devMode bool) *HTTPEnvelope {
	return NewHTTPEnvelope(url, WithHTTPClient(VsockHTTPClient(cid, port, devMode)))
}
