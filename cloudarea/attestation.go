package cloudarea

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/mesmerverse/cloudarea/keystore"
)

// validateAttestationChain checks a peer attestation: every certificate
// must be signed by its successor, the root must pass the
// application-supplied authorization predicate, and the leaf must carry
// exactly the challenge this side issued.
func validateAttestationChain(chain []*x509.Certificate, challenge []byte, authorizeRoot func(*x509.Certificate) error) error {
	if len(chain) == 0 {
		return errors.New("cloudarea: empty attestation chain")
	}
	if authorizeRoot == nil {
		return errors.New("cloudarea: no root authorization predicate supplied")
	}
	for i := 0; i < len(chain)-1; i++ {
		if err := chain[i].CheckSignatureFrom(chain[i+1]); err != nil {
			return fmt.Errorf("cloudarea: attestation chain link %d: %w", i, err)
		}
	}
	if err := authorizeRoot(chain[len(chain)-1]); err != nil {
		return fmt.Errorf("cloudarea: attestation root rejected: %w", err)
	}
	got, err := keystore.AttestationChallenge(chain[0])
	if err != nil {
		return fmt.Errorf("cloudarea: attestation leaf: %w", err)
	}
	if !bytes.Equal(got, challenge) {
		return errors.New("cloudarea: attestation challenge mismatch")
	}
	return nil
}

func parseCertChain(ders [][]byte) ([]*x509.Certificate, error) {
	chain := make([]*x509.Certificate, 0, len(ders))
	for i, der := range ders {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("cloudarea: parse chain certificate %d: %w", i, err)
		}
		chain = append(chain, cert)
	}
	return chain, nil
}

func derChain(chain []*x509.Certificate) [][]byte {
	ders := make([][]byte, len(chain))
	for i, cert := range chain {
		ders[i] = cert.Raw
	}
	return ders
}
