// Package protocol defines the CBOR wire format spoken between a device
// and the cloud secure area. Every request/response body is one CBOR
// value: a flat positional array whose first element is the message kind.
// Encrypted payloads are the three-element array
// [kind, ciphertext, continuation].
package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Kind discriminates wire messages.
type Kind uint8

const (
	KindRegisterRequest0 Kind = iota + 1
	KindRegisterResponse0
	KindRegisterRequest1
	KindRegisterResponse1
	KindRegisterStage2Request
	KindRegisterStage2Response

	KindE2EESetupRequest0
	KindE2EESetupResponse0
	KindE2EESetupRequest1
	KindE2EESetupResponse1
	KindEncryptedRequest
	KindEncryptedResponse

	KindCreateKeyRequest0
	KindCreateKeyResponse0
	KindCreateKeyRequest1
	KindCreateKeyResponse1
	KindSignRequest0
	KindSignResponse0
	KindSignRequest1
	KindSignResponse1
	KindAgreeRequest0
	KindAgreeResponse0
	KindAgreeRequest1
	KindAgreeResponse1
)

// Result codes carried by SignResponse1 and AgreeResponse1.
const (
	ResultOK              uint8 = 0
	ResultWrongPassphrase uint8 = 1
	ResultTooManyAttempts uint8 = 2
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1024,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Message is a wire message with a fixed kind.
type Message interface {
	MessageKind() Kind

	// stamp writes the message's kind into its first field so composite
	// literals need not repeat it.
	stamp()
}

// Marshal encodes a message as a single CBOR value.
func Marshal(m Message) ([]byte, error) {
	m.stamp()
	data, err := encMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal kind %d: %w", m.MessageKind(), err)
	}
	return data, nil
}

// Unmarshal decodes data into m, failing if the wire kind does not match
// m's kind.
func Unmarshal(data []byte, m Message) error {
	kind, err := KindOf(data)
	if err != nil {
		return err
	}
	if kind != m.MessageKind() {
		return fmt.Errorf("protocol: unexpected message kind %d (want %d)", kind, m.MessageKind())
	}
	if err := decMode.Unmarshal(data, m); err != nil {
		return fmt.Errorf("protocol: unmarshal kind %d: %w", kind, err)
	}
	return nil
}

// KindOf peeks at the kind of an encoded message without decoding the rest.
func KindOf(data []byte) (Kind, error) {
	var fields []cbor.RawMessage
	if err := decMode.Unmarshal(data, &fields); err != nil {
		return 0, fmt.Errorf("protocol: body is not a CBOR array: %w", err)
	}
	if len(fields) == 0 {
		return 0, fmt.Errorf("protocol: empty message array")
	}
	var kind Kind
	if err := decMode.Unmarshal(fields[0], &kind); err != nil {
		return 0, fmt.Errorf("protocol: invalid message kind: %w", err)
	}
	return kind, nil
}

// SessionBinding is the structure signed during the E2EE handshake: the
// signer's ephemeral public key bound to both session nonces. It is not a
// wire message of its own; its encoding is the byte string under signature.
type SessionBinding struct {
	_ struct{} `cbor:",toarray"`

	EphemeralPublicKey []byte
	CloudNonce         []byte
	DeviceNonce        []byte
}

// Encode returns the canonical byte string to sign or verify.
func (b *SessionBinding) Encode() ([]byte, error) {
	data, err := encMode.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal session binding: %w", err)
	}
	return data, nil
}
