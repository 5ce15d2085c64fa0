package protocol

// Registration handshake (phase 0 rides the bare transport; stage 2 rides
// the established secure channel).

type RegisterRequest0 struct {
	_ struct{} `cbor:",toarray"`

	Kind          Kind
	ClientVersion string
}

type RegisterResponse0 struct {
	_ struct{} `cbor:",toarray"`

	Kind Kind

	// AttestationChallenge is used as the local attestation challenge for
	// the device-binding key, tying the attestation to this handshake.
	AttestationChallenge []byte
	ServerState          []byte
}

type RegisterRequest1 struct {
	_ struct{} `cbor:",toarray"`

	Kind              Kind
	DeviceAttestation [][]byte // DER certificates, leaf first

	// DeviceChallenge is the client-generated nonce the cloud attestation
	// must embed in its leaf challenge extension.
	DeviceChallenge []byte
	ServerState     []byte
}

type RegisterResponse1 struct {
	_ struct{} `cbor:",toarray"`

	Kind             Kind
	CloudAttestation [][]byte // DER certificates, leaf first
	ServerState      []byte
}

type RegisterStage2Request struct {
	_ struct{} `cbor:",toarray"`

	Kind       Kind
	Passphrase string

	// Passphrase policy recorded server-side and mirrored locally.
	MinLength      uint32
	MaxLength      uint32
	RequireNumeric bool
}

type RegisterStage2Response struct {
	_ struct{} `cbor:",toarray"`

	Kind        Kind
	ServerState []byte
}

// E2EE handshake.

type E2EESetupRequest0 struct {
	_ struct{} `cbor:",toarray"`

	Kind                Kind
	RegistrationContext []byte
}

type E2EESetupResponse0 struct {
	_ struct{} `cbor:",toarray"`

	Kind        Kind
	CloudNonce  []byte
	ServerState []byte
}

type E2EESetupRequest1 struct {
	_ struct{} `cbor:",toarray"`

	Kind               Kind
	EphemeralPublicKey []byte // uncompressed P-256 point
	DeviceNonce        []byte

	// Signature by the device-binding key over the encoded SessionBinding
	// [EphemeralPublicKey, CloudNonce, DeviceNonce].
	Signature   []byte
	ServerState []byte
}

type E2EESetupResponse1 struct {
	_ struct{} `cbor:",toarray"`

	Kind               Kind
	EphemeralPublicKey []byte

	// Signature by the registered cloud binding key over the encoded
	// SessionBinding [EphemeralPublicKey, CloudNonce, DeviceNonce].
	Signature   []byte
	ServerState []byte
}

// Encrypted envelope. The plaintext is itself an encoded protocol message.

type EncryptedRequest struct {
	_ struct{} `cbor:",toarray"`

	Kind        Kind
	Ciphertext  []byte
	E2EEContext []byte
}

type EncryptedResponse struct {
	_ struct{} `cbor:",toarray"`

	Kind        Kind
	Ciphertext  []byte
	E2EEContext []byte
}

// Key lifecycle operations. Every operation is two round trips: parameters
// out, challenge back; proof-of-possession out, result back.

type CreateKeyRequest0 struct {
	_ struct{} `cbor:",toarray"`

	Kind     Kind
	Purposes uint32
	Curve    uint32

	// Validity window in Unix milliseconds; zero means unbounded.
	ValidFrom  int64
	ValidUntil int64

	PassphraseRequired    bool
	UserAuthRequired      bool
	UserAuthTimeoutMillis int64
}

type CreateKeyResponse0 struct {
	_ struct{} `cbor:",toarray"`

	Kind        Kind
	Challenge   []byte
	ServerState []byte
}

type CreateKeyRequest1 struct {
	_ struct{} `cbor:",toarray"`

	Kind             Kind
	LocalAttestation [][]byte // DER certificates, leaf first
	ServerState      []byte
}

type CreateKeyResponse1 struct {
	_ struct{} `cbor:",toarray"`

	Kind              Kind
	RemoteContext     []byte
	RemoteAttestation [][]byte // DER certificates, leaf first
}

type SignRequest0 struct {
	_ struct{} `cbor:",toarray"`

	Kind          Kind
	RemoteContext []byte
	Algorithm     uint32
	Data          []byte
}

type SignResponse0 struct {
	_ struct{} `cbor:",toarray"`

	Kind        Kind
	Challenge   []byte
	ServerState []byte
}

type SignRequest1 struct {
	_ struct{} `cbor:",toarray"`

	Kind           Kind
	ProofSignature []byte
	Passphrase     string
	ServerState    []byte
}

type SignResponse1 struct {
	_ struct{} `cbor:",toarray"`

	Kind             Kind
	Result           uint8
	Signature        []byte
	RetryDelayMillis int64
}

type AgreeRequest0 struct {
	_ struct{} `cbor:",toarray"`

	Kind          Kind
	RemoteContext []byte
	PeerPublicKey []byte // uncompressed P-256 point
}

type AgreeResponse0 struct {
	_ struct{} `cbor:",toarray"`

	Kind        Kind
	Challenge   []byte
	ServerState []byte
}

type AgreeRequest1 struct {
	_ struct{} `cbor:",toarray"`

	Kind           Kind
	ProofSignature []byte
	Passphrase     string
	ServerState    []byte
}

type AgreeResponse1 struct {
	_ struct{} `cbor:",toarray"`

	Kind             Kind
	Result           uint8
	SharedSecret     []byte
	RetryDelayMillis int64
}

func (m *RegisterRequest0) MessageKind() Kind  { return KindRegisterRequest0 }
func (m *RegisterRequest0) stamp()             { m.Kind = KindRegisterRequest0 }
func (m *RegisterResponse0) MessageKind() Kind { return KindRegisterResponse0 }
func (m *RegisterResponse0) stamp()            { m.Kind = KindRegisterResponse0 }
func (m *RegisterRequest1) MessageKind() Kind  { return KindRegisterRequest1 }
func (m *RegisterRequest1) stamp()             { m.Kind = KindRegisterRequest1 }
func (m *RegisterResponse1) MessageKind() Kind { return KindRegisterResponse1 }
func (m *RegisterResponse1) stamp()            { m.Kind = KindRegisterResponse1 }

func (m *RegisterStage2Request) MessageKind() Kind  { return KindRegisterStage2Request }
func (m *RegisterStage2Request) stamp()             { m.Kind = KindRegisterStage2Request }
func (m *RegisterStage2Response) MessageKind() Kind { return KindRegisterStage2Response }
func (m *RegisterStage2Response) stamp()            { m.Kind = KindRegisterStage2Response }

func (m *E2EESetupRequest0) MessageKind() Kind  { return KindE2EESetupRequest0 }
func (m *E2EESetupRequest0) stamp()             { m.Kind = KindE2EESetupRequest0 }
func (m *E2EESetupResponse0) MessageKind() Kind { return KindE2EESetupResponse0 }
func (m *E2EESetupResponse0) stamp()            { m.Kind = KindE2EESetupResponse0 }
func (m *E2EESetupRequest1) MessageKind() Kind  { return KindE2EESetupRequest1 }
func (m *E2EESetupRequest1) stamp()             { m.Kind = KindE2EESetupRequest1 }
func (m *E2EESetupResponse1) MessageKind() Kind { return KindE2EESetupResponse1 }
func (m *E2EESetupResponse1) stamp()            { m.Kind = KindE2EESetupResponse1 }

func (m *EncryptedRequest) MessageKind() Kind  { return KindEncryptedRequest }
func (m *EncryptedRequest) stamp()             { m.Kind = KindEncryptedRequest }
func (m *EncryptedResponse) MessageKind() Kind { return KindEncryptedResponse }
func (m *EncryptedResponse) stamp()            { m.Kind = KindEncryptedResponse }

func (m *CreateKeyRequest0) MessageKind() Kind  { return KindCreateKeyRequest0 }
func (m *CreateKeyRequest0) stamp()             { m.Kind = KindCreateKeyRequest0 }
func (m *CreateKeyResponse0) MessageKind() Kind { return KindCreateKeyResponse0 }
func (m *CreateKeyResponse0) stamp()            { m.Kind = KindCreateKeyResponse0 }
func (m *CreateKeyRequest1) MessageKind() Kind  { return KindCreateKeyRequest1 }
func (m *CreateKeyRequest1) stamp()             { m.Kind = KindCreateKeyRequest1 }
func (m *CreateKeyResponse1) MessageKind() Kind { return KindCreateKeyResponse1 }
func (m *CreateKeyResponse1) stamp()            { m.Kind = KindCreateKeyResponse1 }

func (m *SignRequest0) MessageKind() Kind  { return KindSignRequest0 }
func (m *SignRequest0) stamp()             { m.Kind = KindSignRequest0 }
func (m *SignResponse0) MessageKind() Kind { return KindSignResponse0 }
func (m *SignResponse0) stamp()            { m.Kind = KindSignResponse0 }
func (m *SignRequest1) MessageKind() Kind  { return KindSignRequest1 }
func (m *SignRequest1) stamp()             { m.Kind = KindSignRequest1 }
func (m *SignResponse1) MessageKind() Kind { return KindSignResponse1 }
func (m *SignResponse1) stamp()            { m.Kind = KindSignResponse1 }

func (m *AgreeRequest0) MessageKind() Kind  { return KindAgreeRequest0 }
func (m *AgreeRequest0) stamp()             { m.Kind = KindAgreeRequest0 }
func (m *AgreeResponse0) MessageKind() Kind { return KindAgreeResponse0 }
func (m *AgreeResponse0) stamp()            { m.Kind = KindAgreeResponse0 }
func (m *AgreeRequest1) MessageKind() Kind  { return KindAgreeRequest1 }
func (m *AgreeRequest1) stamp()             { m.Kind = KindAgreeRequest1 }
func (m *AgreeResponse1) MessageKind() Kind { return KindAgreeResponse1 }
func (m *AgreeResponse1) stamp()            { m.Kind = KindAgreeResponse1 }
