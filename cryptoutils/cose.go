package cryptoutils

import (
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// COSE_Sign1 header labels and algorithm identifiers (RFC 9052, RFC 9360).
const (
	coseHeaderAlg     = 1
	coseHeaderX5Chain = 33

	// CoseAlgES256 and CoseAlgES384 are the ECDSA algorithms accepted for
	// issuer authentication.
	CoseAlgES256 = -7
	CoseAlgES384 = -35

	coseSign1Tag = 18

	sign1Context = "Signature1"
)

// Sign1 is a COSE single-signer structure. The payload may be nil for
// detached-payload signing, which is how mdoc issuer authentication carries
// its signed data.
type Sign1 struct {
	_           struct{} `cbor:",toarray"`
	Protected   []byte
	Unprotected map[int64]cbor.RawMessage
	Payload     []byte
	Signature   []byte
}

// sigStructure is the canonical to-be-signed encoding for Sign1.
type sigStructure struct {
	_             struct{} `cbor:",toarray"`
	Context       string
	BodyProtected []byte
	ExternalAAD   []byte
	Payload       []byte
}

// NewSign1 assembles a detached-payload Sign1 with the given algorithm in
// the protected header and the signer certificate in the unprotected
// x5chain header.
func NewSign1(alg int64, certDER []byte) (*Sign1, error) {
	protected, err := cbor.Marshal(map[int64]int64{coseHeaderAlg: alg})
	if err != nil {
		return nil, fmt.Errorf("failed to encode protected header: %w", err)
	}

	unprotected := make(map[int64]cbor.RawMessage)
	if len(certDER) > 0 {
		rawCert, err := cbor.Marshal(certDER)
		if err != nil {
			return nil, fmt.Errorf("failed to encode x5chain: %w", err)
		}
		unprotected[coseHeaderX5Chain] = rawCert
	}

	return &Sign1{Protected: protected, Unprotected: unprotected}, nil
}

// SigStructureBytes returns the canonical Sig_structure encoding over the
// given payload. This is the exact byte string the signature covers.
func (s *Sign1) SigStructureBytes(payload []byte) ([]byte, error) {
	if payload == nil {
		payload = s.Payload
	}
	if payload == nil {
		return nil, errors.New("no payload for sig structure")
	}
	return cbor.Marshal(sigStructure{
		Context:       sign1Context,
		BodyProtected: s.Protected,
		ExternalAAD:   []byte{},
		Payload:       payload,
	})
}

// Algorithm extracts the signature algorithm from the protected header.
// An absent or non-integer algorithm is an error: an unauthenticated
// algorithm choice must never be guessed.
func (s *Sign1) Algorithm() (int64, error) {
	var header map[int64]cbor.RawMessage
	if err := cbor.Unmarshal(s.Protected, &header); err != nil {
		return 0, fmt.Errorf("failed to decode protected header: %w", err)
	}
	raw, ok := header[coseHeaderAlg]
	if !ok {
		return 0, errors.New("protected header has no algorithm")
	}
	var alg int64
	if err := cbor.Unmarshal(raw, &alg); err != nil {
		return 0, fmt.Errorf("protected algorithm is not an integer: %w", err)
	}
	return alg, nil
}

// CertificateChain extracts and parses the x5chain header. The header value
// is either a single certificate byte string or an array of them, leaf
// first.
func (s *Sign1) CertificateChain() ([]*x509.Certificate, error) {
	raw, ok := s.Unprotected[coseHeaderX5Chain]
	if !ok {
		// Some profiles put x5chain in the protected header instead.
		var protected map[int64]cbor.RawMessage
		if err := cbor.Unmarshal(s.Protected, &protected); err == nil {
			raw, ok = protected[coseHeaderX5Chain]
		}
		if !ok {
			return nil, errors.New("no x5chain header")
		}
	}

	var single []byte
	if err := cbor.Unmarshal(raw, &single); err == nil {
		cert, err := x509.ParseCertificate(single)
		if err != nil {
			return nil, fmt.Errorf("failed to parse signer certificate: %w", err)
		}
		return []*x509.Certificate{cert}, nil
	}

	var multi [][]byte
	if err := cbor.Unmarshal(raw, &multi); err != nil {
		return nil, fmt.Errorf("malformed x5chain header: %w", err)
	}
	if len(multi) == 0 {
		return nil, errors.New("empty x5chain header")
	}

	certs := make([]*x509.Certificate, 0, len(multi))
	for _, der := range multi {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("failed to parse x5chain certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// Encode serializes the Sign1 with its COSE tag.
func (s *Sign1) Encode() ([]byte, error) {
	return cbor.Marshal(cbor.Tag{Number: coseSign1Tag, Content: s})
}

// DecodeSign1 parses a COSE_Sign1, accepting both the tagged and the bare
// array form.
func DecodeSign1(data []byte) (*Sign1, error) {
	var tagged cbor.RawTag
	if err := cbor.Unmarshal(data, &tagged); err == nil && tagged.Number == coseSign1Tag {
		data = tagged.Content
	}

	var s Sign1
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("malformed COSE_Sign1: %w", err)
	}
	if len(s.Protected) == 0 || len(s.Signature) == 0 {
		return nil, errors.New("COSE_Sign1 missing protected header or signature")
	}
	return &s, nil
}
