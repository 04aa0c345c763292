package verifier

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha256"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/portid/credential-issuance-backend/credential"
	"github.com/portid/credential-issuance-backend/cryptoutils"
)

// verifyCose validates an mdoc COSE_Sign1 envelope. The signed payload is
// rebuilt from the credential fields, never trusted from the envelope, so
// any drift between the two surfaces as a payload mismatch.
func (v *Verifier) verifyCose(cred *credential.Credential) Result {
	sign1, err := cryptoutils.DecodeSign1(cred.IssuerAuth.Envelope)
	if err != nil {
		return failure(ReasonMalformedEnvelope)
	}

	alg, err := sign1.Algorithm()
	if err != nil {
		return failure(ReasonMissingField)
	}
	if alg != cryptoutils.CoseAlgES256 {
		return failure(ReasonUnsupportedAlgorithm)
	}
	if cred.IssuerAuth.Algorithm != "ES256" {
		return failure(ReasonAlgorithmMismatch)
	}

	chain, err := sign1.CertificateChain()
	if err != nil || len(chain) == 0 {
		return failure(ReasonMissingField)
	}
	leaf := chain[0]
	pub, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return failure(ReasonAlgorithmMismatch)
	}
	if v.anchors == nil {
		return failure(ReasonUntrustedSigner)
	}
	if err := cryptoutils.VerifyChain(leaf, chain[1:], v.anchors, v.now()); err != nil {
		return failure(ReasonUntrustedSigner)
	}

	expected, err := credential.EncodeMobileSecurityObject(cred)
	if err != nil {
		return failure(ReasonMissingField)
	}
	if !bytes.Equal(expected, sign1.Payload) {
		return failure(ReasonPayloadMismatch)
	}

	tbs, err := sign1.SigStructureBytes(expected)
	if err != nil {
		return failure(ReasonMalformedEnvelope)
	}
	digest := sha256.Sum256(tbs)
	if !cryptoutils.VerifyRawECDSA(pub, digest[:], sign1.Signature) {
		return failure(ReasonSignatureInvalid)
	}

	signedAt := cred.IssueDate
	var mso credential.MobileSecurityObject
	if cbor.Unmarshal(sign1.Payload, &mso) == nil {
		if t, perr := time.Parse(time.RFC3339, mso.Signed); perr == nil {
			signedAt = t
		}
	}

	return Result{
		Verified:       true,
		Reason:         ReasonOK,
		SignerIdentity: leaf.Subject.CommonName,
		SignedAt:       signedAt,
	}
}
