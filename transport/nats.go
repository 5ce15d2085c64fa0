package transport

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL             string `yaml:"url"`
	Subject         string `yaml:"subject"`
	CredentialsFile string `yaml:"credentials_file"`
	ReconnectWait   int    `yaml:"reconnect_wait_ms"`
	MaxReconnects   int    `yaml:"max_reconnects"`
	RequestTimeout  int    `yaml:"request_timeout_ms"`
}

// natsReply is the response framing on the wire: NATS has no status line,
// so replies carry [status, body].
type natsReply struct {
	_ struct{} `cbor:",toarray"`

	Status int
	Body   []byte
}

// NATSEnvelope exchanges bodies over NATS request/reply.
type NATSEnvelope struct {
	conn    *nats.Conn
	subject string
	timeout time.Duration
}

// NewNATSEnvelope connects to NATS and returns an envelope bound to
// cfg.Subject.
func NewNATSEnvelope(cfg NATSConfig) (*NATSEnvelope, error) {
	opts := []nats.Option{
		nats.Name("cloudarea-client"),
		nats.ReconnectWait(time.Duration(cfg.ReconnectWait) * time.Millisecond),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err == nil {
			opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
		}
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to connect to NATS: %w", err)
	}

	timeout := time.Duration(cfg.RequestTimeout) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &NATSEnvelope{conn: conn, subject: cfg.Subject, timeout: timeout}, nil
}

// Exchange sends body as a NATS request and unpacks the [status, body]
// reply.
func (e *NATSEnvelope) Exchange(ctx context.Context, body []byte) (*Response, error) {
	if e.conn == nil || !e.conn.IsConnected() {
		return nil, ErrNotConnected
	}

	reqCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	msg, err := e.conn.RequestWithContext(reqCtx, e.subject, body)
	if err != nil {
		return nil, fmt.Errorf("transport: NATS request failed: %w", err)
	}

	var reply natsReply
	if err := cbor.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("transport: malformed NATS reply: %w", err)
	}
	return &Response{Status: reply.Status, Body: reply.Body}, nil
}

// Close drains the NATS connection.
func (e *NATSEnvelope) Close() {
	if e.conn != nil {
		e.conn.Close()
	}
}
