// Package cryptoutils provides the envelope-level cryptographic helpers
// shared by credential issuance and verification: certificate chain
// handling, COSE_Sign1 encoding, and raw ECDSA signature conversion.
package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// ParseCertificatePEM parses a single PEM-encoded certificate.
func ParseCertificatePEM(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("failed to decode certificate PEM block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

// NewAnchorPool builds a certificate pool from one or more PEM-encoded
// trust anchor certificates. An empty input is rejected: verification
// without an anchor would be fail-open.
func NewAnchorPool(anchorsPEM []byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(anchorsPEM) {
		return nil, errors.New("no usable trust anchor certificates in PEM input")
	}
	return pool, nil
}

// VerifyChain validates a leaf certificate (plus optional intermediates)
// against a trust anchor pool at the given time. Signing certificates are
// accepted regardless of extended key usage since credential-signing EKUs
// vary across the supported standards.
func VerifyChain(leaf *x509.Certificate, intermediates []*x509.Certificate, anchors *x509.CertPool, at time.Time) error {
	if leaf == nil {
		return errors.New("no signer certificate")
	}
	if anchors == nil {
		return errors.New("no trust anchors configured")
	}

	interPool := x509.NewCertPool()
	for _, cert := range intermediates {
		interPool.AddCert(cert)
	}

	_, err := leaf.Verify(x509.VerifyOptions{
		Roots:         anchors,
		Intermediates: interPool,
		CurrentTime:   at,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return fmt.Errorf("certificate chain validation failed: %w", err)
	}
	return nil
}

// RawSignatureFromECDSA converts an (r, s) ECDSA signature to the raw
// fixed-width r||s form used by COSE and JOSE.
func RawSignatureFromECDSA(r, s *big.Int, curve elliptic.Curve) []byte {
	size := (curve.Params().BitSize + 7) / 8
	sig := make([]byte, 2*size)
	r.FillBytes(sig[:size])
	s.FillBytes(sig[size:])
	return sig
}

// VerifyRawECDSA verifies a raw r||s signature over a digest.
func VerifyRawECDSA(pub *ecdsa.PublicKey, digest, signature []byte) bool {
	size := (pub.Curve.Params().BitSize + 7) / 8
	if len(signature) != 2*size {
		return false
	}
	r := new(big.Int).SetBytes(signature[:size])
	s := new(big.Int).SetBytes(signature[size:])
	return ecdsa.Verify(pub, digest, r, s)
}
