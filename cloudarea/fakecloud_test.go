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
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/mesmerverse/cloudarea/keystore"
	"github.com/mesmerverse/cloudarea/protocol"
	"github.com/mesmerverse/cloudarea/transport"
)

// fakeCloud is an in-process server enclave speaking the full protocol
// over the transport.Envelope interface. It is deliberately single
// session: good enough for driving one CloudArea under test.
type fakeCloud struct {
	ks *keystore.SoftwareKeyStore

	// Counters and fault injection observed by tests.
	handshakes         int  // completed channel handshakes
	encryptedExchanges int  // encrypted exchanges answered
	failNextEncrypted  bool // answer next encrypted call with a stale-channel status
	throttleRounds     int  // answer this many gated rounds with tooManyAttempts
	tamperChallenge    bool // mint the cloud registration attestation with a wrong challenge

	// Registration state.
	registered   bool
	regChallenge []byte
	devicePub    *ecdsa.PublicKey
	passphrase   string

	// Channel state.
	cloudNonce []byte
	skDevice   []byte
	skCloud    []byte
	encCounter uint32
	decCounter uint32

	// Key state.
	nextKeyID     int
	remoteKeys    map[string]*fakeRemoteKey
	pendingCreate *pendingCreate
	pendingGated  *pendingGated
	throttleDelay int64
	lastServerCtx int
}

type fakeRemoteKey struct {
	alias              string
	proofPub           *ecdsa.PublicKey
	passphraseRequired bool
	attestation        [][]byte
}

type pendingCreate struct {
	challenge          []byte
	passphraseRequired bool
	purposes           uint32
}

type pendingGated struct {
	challenge []byte
	key       *fakeRemoteKey
	data      []byte // sign payload or peer public key
	agree     bool
}

func newFakeCloud() *fakeCloud {
	ks, err := keystore.NewSoftwareKeyStore("fake-cloud-enclave")
	if err != nil {
		panic(err)
	}
	return &fakeCloud{
		ks:            ks,
		remoteKeys:    make(map[string]*fakeRemoteKey),
		throttleDelay: 5,
	}
}

func (f *fakeCloud) root() *x509.Certificate {
	return f.ks.Root()
}

func (f *fakeCloud) serverState(tag string) []byte {
	f.lastServerCtx++
	return []byte(fmt.Sprintf("%s/%d", tag, f.lastServerCtx))
}

func randBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		panic(err)
	}
	return b
}

func ok(m protocol.Message) (*transport.Response, error) {
	body, err := protocol.Marshal(m)
	if err != nil {
		return nil, err
	}
	return &transport.Response{Status: transport.StatusOK, Body: body}, nil
}

func (f *fakeCloud) Exchange(_ context.Context, body []byte) (*transport.Response, error) {
	kind, err := protocol.KindOf(body)
	if err != nil {
		return nil, err
	}
	switch kind {
	case protocol.KindRegisterRequest0:
		return f.handleRegister0(body)
	case protocol.KindRegisterRequest1:
		return f.handleRegister1(body)
	case protocol.KindE2EESetupRequest0:
		return f.handleSetup0(body)
	case protocol.KindE2EESetupRequest1:
		return f.handleSetup1(body)
	case protocol.KindEncryptedRequest:
		return f.handleEncrypted(body)
	default:
		return &transport.Response{Status: 500}, nil
	}
}

func (f *fakeCloud) handleRegister0(body []byte) (*transport.Response, error) {
	var req protocol.RegisterRequest0
	if err := protocol.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	f.regChallenge = randBytes(32)
	return ok(&protocol.RegisterResponse0{
		AttestationChallenge: f.regChallenge,
		ServerState:          f.serverState("reg0"),
	})
}

func (f *fakeCloud) handleRegister1(body []byte) (*transport.Response, error) {
	var req protocol.RegisterRequest1
	if err := protocol.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	leaf, err := x509.ParseCertificate(req.DeviceAttestation[0])
	if err != nil {
		return nil, err
	}
	f.devicePub = leaf.PublicKey.(*ecdsa.PublicKey)

	challenge := req.DeviceChallenge
	if f.tamperChallenge {
		challenge = randBytes(32)
	}
	chain, err := f.ks.Create("binding", challenge, keystore.Policy{Purposes: keystore.PurposeSign})
	if err != nil {
		return nil, err
	}
	ders := make([][]byte, len(chain))
	for i, cert := range chain {
		ders[i] = cert.Raw
	}
	f.registered = true
	return ok(&protocol.RegisterResponse1{
		CloudAttestation: ders,
		ServerState:      f.serverState("reg1"),
	})
}

func (f *fakeCloud) handleSetup0(body []byte) (*transport.Response, error) {
	var req protocol.E2EESetupRequest0
	if err := protocol.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	if !f.registered {
		return &transport.Response{Status: 500}, nil
	}
	f.cloudNonce = randBytes(32)
	return ok(&protocol.E2EESetupResponse0{
		CloudNonce:  f.cloudNonce,
		ServerState: f.serverState("e2ee0"),
	})
}

func (f *fakeCloud) handleSetup1(body []byte) (*transport.Response, error) {
	var req protocol.E2EESetupRequest1
	if err := protocol.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	deviceBinding := protocol.SessionBinding{
		EphemeralPublicKey: req.EphemeralPublicKey,
		CloudNonce:         f.cloudNonce,
		DeviceNonce:        req.DeviceNonce,
	}
	signed, err := deviceBinding.Encode()
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(signed)
	if !ecdsa.VerifyASN1(f.devicePub, digest[:], req.Signature) {
		return &transport.Response{Status: 500}, nil
	}

	devicePub, err := ecdh.P256().NewPublicKey(req.EphemeralPublicKey)
	if err != nil {
		return nil, err
	}
	ephemeral, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	shared, err := ephemeral.ECDH(devicePub)
	if err != nil {
		return nil, err
	}
	salt := sha256.Sum256(append(append([]byte{}, f.cloudNonce...), req.DeviceNonce...))
	f.skDevice = hkdf16(shared, salt[:], "SKDevice")
	f.skCloud = hkdf16(shared, salt[:], "SKCloud")
	f.encCounter = 1
	f.decCounter = 1
	f.handshakes++

	cloudBinding := protocol.SessionBinding{
		EphemeralPublicKey: ephemeral.PublicKey().Bytes(),
		CloudNonce:         f.cloudNonce,
		DeviceNonce:        req.DeviceNonce,
	}
	toSign, err := cloudBinding.Encode()
	if err != nil {
		return nil, err
	}
	signature, err := f.ks.Sign("binding", keystore.AlgES256, toSign, nil)
	if err != nil {
		return nil, err
	}
	return ok(&protocol.E2EESetupResponse1{
		EphemeralPublicKey: cloudBinding.EphemeralPublicKey,
		Signature:          signature,
		ServerState:        f.serverState("e2ee1"),
	})
}

func hkdf16(secret, salt []byte, info string) []byte {
	key := make([]byte, 16)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(info)), key); err != nil {
		panic(err)
	}
	return key
}

func gcmSeal(key, nonce, plaintext []byte) []byte {
	block, err := aes.NewCipher(key)
	if err != nil {
		panic(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		panic(err)
	}
	return aead.Seal(nil, nonce, plaintext, nil)
}

func gcmOpen(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, nil)
}

func (f *fakeCloud) handleEncrypted(body []byte) (*transport.Response, error) {
	if f.failNextEncrypted {
		f.failNextEncrypted = false
		return &transport.Response{Status: transport.StatusRehandshake}, nil
	}
	f.encryptedExchanges++

	var env protocol.EncryptedRequest
	if err := protocol.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	plaintext, err := gcmOpen(f.skDevice, sessionNonce(dirDeviceToCloud, f.decCounter), env.Ciphertext)
	if err != nil {
		return &transport.Response{Status: transport.StatusRehandshake}, nil
	}
	f.decCounter++

	reply, err := f.dispatchInner(plaintext)
	if err != nil {
		return nil, err
	}
	inner, err := protocol.Marshal(reply)
	if err != nil {
		return nil, err
	}
	ciphertext := gcmSeal(f.skCloud, sessionNonce(dirCloudToDevice, f.encCounter), inner)
	f.encCounter++
	return ok(&protocol.EncryptedResponse{
		Ciphertext:  ciphertext,
		E2EEContext: f.serverState("e2ee-ctx"),
	})
}

func (f *fakeCloud) dispatchInner(plaintext []byte) (protocol.Message, error) {
	kind, err := protocol.KindOf(plaintext)
	if err != nil {
		return nil, err
	}
	switch kind {
	case protocol.KindRegisterStage2Request:
		var req protocol.RegisterStage2Request
		if err := protocol.Unmarshal(plaintext, &req); err != nil {
			return nil, err
		}
		f.passphrase = req.Passphrase
		return &protocol.RegisterStage2Response{ServerState: f.serverState("reg2")}, nil

	case protocol.KindCreateKeyRequest0:
		var req protocol.CreateKeyRequest0
		if err := protocol.Unmarshal(plaintext, &req); err != nil {
			return nil, err
		}
		f.pendingCreate = &pendingCreate{
			challenge:          randBytes(32),
			passphraseRequired: req.PassphraseRequired,
			purposes:           req.Purposes,
		}
		return &protocol.CreateKeyResponse0{
			Challenge:   f.pendingCreate.challenge,
			ServerState: f.serverState("create0"),
		}, nil

	case protocol.KindCreateKeyRequest1:
		return f.finishCreate(plaintext)

	case protocol.KindSignRequest0:
		var req protocol.SignRequest0
		if err := protocol.Unmarshal(plaintext, &req); err != nil {
			return nil, err
		}
		key, okKey := f.remoteKeys[string(req.RemoteContext)]
		if !okKey {
			return nil, fmt.Errorf("fakecloud: unknown remote context %q", req.RemoteContext)
		}
		f.pendingGated = &pendingGated{challenge: randBytes(32), key: key, data: req.Data}
		return &protocol.SignResponse0{
			Challenge:   f.pendingGated.challenge,
			ServerState: f.serverState("sign0"),
		}, nil

	case protocol.KindSignRequest1:
		var req protocol.SignRequest1
		if err := protocol.Unmarshal(plaintext, &req); err != nil {
			return nil, err
		}
		resp := &protocol.SignResponse1{}
		if done := f.gateRound(req.ProofSignature, req.Passphrase, &resp.Result, &resp.RetryDelayMillis); !done {
			return resp, nil
		}
		sig, err := f.ks.Sign(f.pendingGated.key.alias, keystore.AlgES256, f.pendingGated.data, nil)
		if err != nil {
			return nil, err
		}
		resp.Signature = sig
		return resp, nil

	case protocol.KindAgreeRequest0:
		var req protocol.AgreeRequest0
		if err := protocol.Unmarshal(plaintext, &req); err != nil {
			return nil, err
		}
		key, okKey := f.remoteKeys[string(req.RemoteContext)]
		if !okKey {
			return nil, fmt.Errorf("fakecloud: unknown remote context %q", req.RemoteContext)
		}
		f.pendingGated = &pendingGated{challenge: randBytes(32), key: key, data: req.PeerPublicKey, agree: true}
		return &protocol.AgreeResponse0{
			Challenge:   f.pendingGated.challenge,
			ServerState: f.serverState("agree0"),
		}, nil

	case protocol.KindAgreeRequest1:
		var req protocol.AgreeRequest1
		if err := protocol.Unmarshal(plaintext, &req); err != nil {
			return nil, err
		}
		resp := &protocol.AgreeResponse1{}
		if done := f.gateRound(req.ProofSignature, req.Passphrase, &resp.Result, &resp.RetryDelayMillis); !done {
			return resp, nil
		}
		peer, err := ecdh.P256().NewPublicKey(f.pendingGated.data)
		if err != nil {
			return nil, err
		}
		shared, err := f.ks.KeyAgreement(f.pendingGated.key.alias, peer, nil)
		if err != nil {
			return nil, err
		}
		resp.SharedSecret = shared
		return resp, nil

	default:
		return nil, fmt.Errorf("fakecloud: unexpected inner kind %d", kind)
	}
}

func (f *fakeCloud) finishCreate(plaintext []byte) (protocol.Message, error) {
	var req protocol.CreateKeyRequest1
	if err := protocol.Unmarshal(plaintext, &req); err != nil {
		return nil, err
	}
	leaf, err := x509.ParseCertificate(req.LocalAttestation[0])
	if err != nil {
		return nil, err
	}
	challenge, err := keystore.AttestationChallenge(leaf)
	if err != nil {
		return nil, err
	}
	if string(challenge) != string(f.pendingCreate.challenge) {
		return nil, fmt.Errorf("fakecloud: proof key attestation challenge mismatch")
	}

	f.nextKeyID++
	alias := fmt.Sprintf("remote/%d", f.nextKeyID)
	chain, err := f.ks.Create(alias, f.pendingCreate.challenge, keystore.Policy{
		Purposes: keystore.KeyPurpose(f.pendingCreate.purposes),
	})
	if err != nil {
		return nil, err
	}
	ders := make([][]byte, len(chain))
	for i, cert := range chain {
		ders[i] = cert.Raw
	}
	key := &fakeRemoteKey{
		alias:              alias,
		proofPub:           leaf.PublicKey.(*ecdsa.PublicKey),
		passphraseRequired: f.pendingCreate.passphraseRequired,
		attestation:        ders,
	}
	f.remoteKeys[alias] = key
	f.pendingCreate = nil
	return &protocol.CreateKeyResponse1{
		RemoteContext:     []byte(alias),
		RemoteAttestation: ders,
	}, nil
}

// gateRound validates the possession proof and applies the passphrase
// gate and throttle. It returns true when the operation may proceed.
func (f *fakeCloud) gateRound(proof []byte, passphrase string, result *uint8, retryDelay *int64) bool {
	digest := sha256.Sum256(f.pendingGated.challenge)
	if !ecdsa.VerifyASN1(f.pendingGated.key.proofPub, digest[:], proof) {
		*result = 99 // never produced by a correct client
		return false
	}
	if f.throttleRounds > 0 {
		f.throttleRounds--
		*result = protocol.ResultTooManyAttempts
		*retryDelay = f.throttleDelay
		return false
	}
	if f.pendingGated.key.passphraseRequired && passphrase != f.passphrase {
		*result = protocol.ResultWrongPassphrase
		return false
	}
	*result = protocol.ResultOK
	return true
}
