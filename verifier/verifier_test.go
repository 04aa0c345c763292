package verifier

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/smallstep/pkcs7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portid/credential-issuance-backend/credential"
	"github.com/portid/credential-issuance-backend/cryptoutils"
	"github.com/portid/credential-issuance-backend/interfaces"
)

type localSigner struct {
	key *ecdsa.PrivateKey
}

func (s *localSigner) Sign(_ context.Context, digest []byte, _, _ string) ([]byte, error) {
	r, sv, err := ecdsa.Sign(rand.Reader, s.key, digest)
	if err != nil {
		return nil, err
	}
	return cryptoutils.RawSignatureFromECDSA(r, sv, s.key.Curve), nil
}

// testPKI is a one-CA trust setup with an issuer certificate chained to it.
type testPKI struct {
	caPEM     []byte
	issuerKey *ecdsa.PrivateKey
	issuer    *credential.Issuer
}

func newCertificate(t *testing.T, template, parent *x509.Certificate, pub *ecdsa.PublicKey, signer *ecdsa.PrivateKey) []byte {
	t.Helper()
	der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, signer)
	require.NoError(t, err)
	return der
}

func newTestPKI(t *testing.T) *testPKI {
	t.Helper()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Portable ID Root CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(48 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	caDER := newCertificate(t, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	caCert, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	issuerKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	issuerTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "issuer.example"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	issuerDER := newCertificate(t, issuerTemplate, caCert, &issuerKey.PublicKey, caKey)

	issuer, err := credential.NewIssuer(&localSigner{key: issuerKey}, credential.IssuerConfig{
		IssuerID:       "https://issuer.example",
		KeyID:          "issuing-key-1",
		Slot:           "0",
		KeyLabel:       "credential-signing",
		CertificatePEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: issuerDER}),
	}, testLogger())
	require.NoError(t, err)

	return &testPKI{
		caPEM:     pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caDER}),
		issuerKey: issuerKey,
		issuer:    issuer,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (p *testPKI) verifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := New(Config{
		AnchorsPEM: p.caPEM,
		IssuerKeys: map[string]crypto.PublicKey{"issuing-key-1": &p.issuerKey.PublicKey},
	}, testLogger())
	require.NoError(t, err)
	return v
}

func sampleRequest(docType interfaces.DocType) credential.IssueRequest {
	return credential.IssueRequest{
		DocType:   docType,
		SubjectID: "subject-1",
		Claims: map[string]map[string]string{
			"org.iso.18013.5.1": {
				"given_name":  "Anna",
				"family_name": "Doe",
			},
		},
		Validity: 48 * time.Hour,
	}
}

func TestVerifyMDocEndToEnd(t *testing.T) {
	pki := newTestPKI(t)
	v := pki.verifier(t)

	cred, err := pki.issuer.Issue(context.Background(), sampleRequest(interfaces.DocTypeMDoc))
	require.NoError(t, err)

	res := v.Verify(cred)
	assert.True(t, res.Verified)
	assert.Equal(t, ReasonOK, res.Reason)
	assert.Equal(t, "issuer.example", res.SignerIdentity)

	// Mutating a claim value breaks the commitment root.
	t.Run("mutated claim", func(t *testing.T) {
		tampered, err := pki.issuer.Issue(context.Background(), sampleRequest(interfaces.DocTypeMDoc))
		require.NoError(t, err)
		claim := tampered.Claims["org.iso.18013.5.1"]["family_name"]
		claim.Value = "Mallory"
		tampered.Claims["org.iso.18013.5.1"]["family_name"] = claim

		res := v.Verify(tampered)
		assert.False(t, res.Verified)
		assert.Equal(t, ReasonPayloadMismatch, res.Reason)
	})

	// Recomputing the root after tampering does not help: the envelope
	// payload no longer matches.
	t.Run("mutated claim with recomputed root", func(t *testing.T) {
		tampered, err := pki.issuer.Issue(context.Background(), sampleRequest(interfaces.DocTypeMDoc))
		require.NoError(t, err)
		claim := tampered.Claims["org.iso.18013.5.1"]["family_name"]
		claim.Value = "Mallory"
		tampered.Claims["org.iso.18013.5.1"]["family_name"] = claim
		root, err := tampered.ComputeRoot()
		require.NoError(t, err)
		tampered.CommitmentRoot = root

		res := v.Verify(tampered)
		assert.False(t, res.Verified)
		assert.Equal(t, ReasonPayloadMismatch, res.Reason)
	})

	t.Run("flipped signature byte", func(t *testing.T) {
		tampered, err := pki.issuer.Issue(context.Background(), sampleRequest(interfaces.DocTypeMDoc))
		require.NoError(t, err)
		tampered.IssuerAuth.Envelope[len(tampered.IssuerAuth.Envelope)-1] ^= 0x01

		res := v.Verify(tampered)
		assert.False(t, res.Verified)
		assert.Equal(t, ReasonSignatureInvalid, res.Reason)
	})

	t.Run("untrusted signer", func(t *testing.T) {
		other := newTestPKI(t)
		res := other.verifier(t).Verify(cred)
		assert.False(t, res.Verified)
		assert.Equal(t, ReasonUntrustedSigner, res.Reason)
	})

	t.Run("revoked", func(t *testing.T) {
		revoked, err := pki.issuer.Issue(context.Background(), sampleRequest(interfaces.DocTypeMDoc))
		require.NoError(t, err)
		revoked.Revoke()

		res := v.Verify(revoked)
		assert.False(t, res.Verified)
		assert.Equal(t, ReasonRevoked, res.Reason)
	})
}

func TestVerifyJWS(t *testing.T) {
	pki := newTestPKI(t)
	v := pki.verifier(t)

	for _, docType := range []interfaces.DocType{interfaces.DocTypePersonID, interfaces.DocTypeVerifiableCredential} {
		t.Run(docType.String(), func(t *testing.T) {
			cred, err := pki.issuer.Issue(context.Background(), sampleRequest(docType))
			require.NoError(t, err)

			res := v.Verify(cred)
			assert.True(t, res.Verified)
			assert.Equal(t, ReasonOK, res.Reason)
			assert.Equal(t, "https://issuer.example", res.SignerIdentity)
		})
	}

	t.Run("mutated claim", func(t *testing.T) {
		cred, err := pki.issuer.Issue(context.Background(), sampleRequest(interfaces.DocTypePersonID))
		require.NoError(t, err)
		claim := cred.Claims["org.iso.18013.5.1"]["given_name"]
		claim.Value = "Mallory"
		cred.Claims["org.iso.18013.5.1"]["given_name"] = claim

		res := v.Verify(cred)
		assert.False(t, res.Verified)
		assert.Equal(t, ReasonPayloadMismatch, res.Reason)
	})

	t.Run("flipped signature byte", func(t *testing.T) {
		cred, err := pki.issuer.Issue(context.Background(), sampleRequest(interfaces.DocTypePersonID))
		require.NoError(t, err)
		// Swap the last signature character for a different base64url one.
		last := len(cred.IssuerAuth.Envelope) - 1
		if cred.IssuerAuth.Envelope[last] == 'A' {
			cred.IssuerAuth.Envelope[last] = 'B'
		} else {
			cred.IssuerAuth.Envelope[last] = 'A'
		}

		res := v.Verify(cred)
		assert.False(t, res.Verified)
		assert.Equal(t, ReasonSignatureInvalid, res.Reason)
	})

	t.Run("unknown signing key", func(t *testing.T) {
		cred, err := pki.issuer.Issue(context.Background(), sampleRequest(interfaces.DocTypePersonID))
		require.NoError(t, err)

		stranger, err := New(Config{
			IssuerKeys: map[string]crypto.PublicKey{"some-other-key": &pki.issuerKey.PublicKey},
		}, testLogger())
		require.NoError(t, err)

		res := stranger.Verify(cred)
		assert.False(t, res.Verified)
		assert.Equal(t, ReasonUntrustedSigner, res.Reason)
	})

	t.Run("expired token", func(t *testing.T) {
		cred, err := pki.issuer.Issue(context.Background(), sampleRequest(interfaces.DocTypePersonID))
		require.NoError(t, err)

		expiredView := pki.verifier(t)
		expiredView.now = func() time.Time { return cred.ExpiryDate.Add(time.Hour) }

		res := expiredView.Verify(cred)
		assert.False(t, res.Verified)
		assert.Equal(t, ReasonExpired, res.Reason)
	})
}

// buildSecurityObject signs an LDS security object over the given data
// groups with a fresh document-signer certificate under a fresh CA.
func buildSecurityObject(t *testing.T, dataGroups map[int][]byte) (sod, caPEM []byte) {
	t.Helper()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(10),
		Subject:               pkix.Name{CommonName: "Country Signing CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(48 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	caDER := newCertificate(t, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	caCert, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	dsKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	dsTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(11),
		Subject:      pkix.Name{CommonName: "Document Signer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	dsDER := newCertificate(t, dsTemplate, caCert, &dsKey.PublicKey, caKey)
	dsCert, err := x509.ParseCertificate(dsDER)
	require.NoError(t, err)

	lds := ldsSecurityObject{
		Version:       0,
		HashAlgorithm: pkix.AlgorithmIdentifier{Algorithm: oidSHA256, Parameters: asn1.NullRawValue},
	}
	for number, content := range dataGroups {
		digest := sha256.Sum256(content)
		lds.DataGroupHashValues = append(lds.DataGroupHashValues, dataGroupHash{
			Number: number,
			Value:  digest[:],
		})
	}
	ldsDER, err := asn1.Marshal(lds)
	require.NoError(t, err)

	signedData, err := pkcs7.NewSignedData(ldsDER)
	require.NoError(t, err)
	signedData.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	require.NoError(t, signedData.AddSigner(dsCert, dsKey, pkcs7.SignerInfoConfig{}))
	sod, err = signedData.Finish()
	require.NoError(t, err)

	return sod, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caDER})
}

func TestVerifyTravelDocument(t *testing.T) {
	dataGroups := map[int][]byte{
		1: []byte("P<UTODOE<<ANNA<<<<<<<<<<<<<<<<<<<<<<<<<<<<<<"),
		2: []byte{0x01, 0x02, 0x03},
	}
	sod, caPEM := buildSecurityObject(t, dataGroups)

	cred, err := credential.NewTravelDocument(sod, dataGroups,
		time.Now().Add(-24*time.Hour), time.Now().Add(24*time.Hour))
	require.NoError(t, err)

	v, err := New(Config{AnchorsPEM: caPEM}, testLogger())
	require.NoError(t, err)

	res := v.Verify(cred)
	assert.True(t, res.Verified)
	assert.Equal(t, ReasonOK, res.Reason)
	assert.Equal(t, "Document Signer", res.SignerIdentity)

	t.Run("tampered data group", func(t *testing.T) {
		tampered, err := credential.NewTravelDocument(sod, map[int][]byte{
			1: []byte("P<UTODOE<<MALLORY<<<<<<<<<<<<<<<<<<<<<<<<<<<"),
			2: dataGroups[2],
		}, time.Now().Add(-24*time.Hour), time.Now().Add(24*time.Hour))
		require.NoError(t, err)

		res := v.Verify(tampered)
		assert.False(t, res.Verified)
		assert.Equal(t, ReasonPayloadMismatch, res.Reason)
	})

	t.Run("unknown data group", func(t *testing.T) {
		extra, err := credential.NewTravelDocument(sod, map[int][]byte{
			1: dataGroups[1],
			3: []byte("not signed"),
		}, time.Now().Add(-24*time.Hour), time.Now().Add(24*time.Hour))
		require.NoError(t, err)

		res := v.Verify(extra)
		assert.False(t, res.Verified)
		assert.Equal(t, ReasonPayloadMismatch, res.Reason)
	})

	t.Run("flipped envelope byte", func(t *testing.T) {
		mangled := append([]byte(nil), sod...)
		mangled[len(mangled)-4] ^= 0x01
		tampered, err := credential.NewTravelDocument(mangled, dataGroups,
			time.Now().Add(-24*time.Hour), time.Now().Add(24*time.Hour))
		require.NoError(t, err)

		res := v.Verify(tampered)
		assert.False(t, res.Verified)
	})

	t.Run("untrusted country CA", func(t *testing.T) {
		_, otherCA := buildSecurityObject(t, dataGroups)
		other, err := New(Config{AnchorsPEM: otherCA}, testLogger())
		require.NoError(t, err)

		res := other.Verify(cred)
		assert.False(t, res.Verified)
		assert.Equal(t, ReasonUntrustedSigner, res.Reason)
	})

	t.Run("garbage envelope", func(t *testing.T) {
		garbage, err := credential.NewTravelDocument([]byte("not a cms structure"), dataGroups,
			time.Now().Add(-24*time.Hour), time.Now().Add(24*time.Hour))
		require.NoError(t, err)

		res := v.Verify(garbage)
		assert.False(t, res.Verified)
		assert.Equal(t, ReasonMalformedEnvelope, res.Reason)
	})
}

func TestVerifierRequiresTrustMaterial(t *testing.T) {
	_, err := New(Config{}, testLogger())
	require.ErrorIs(t, err, interfaces.ErrInvalidInput)
}

func TestVerifyMissingEnvelope(t *testing.T) {
	pki := newTestPKI(t)
	v := pki.verifier(t)

	cred, err := pki.issuer.Issue(context.Background(), sampleRequest(interfaces.DocTypeMDoc))
	require.NoError(t, err)
	cred.IssuerAuth.Envelope = nil

	res := v.Verify(cred)
	assert.False(t, res.Verified)
	assert.Equal(t, ReasonMissingField, res.Reason)
}
