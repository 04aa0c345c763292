package verifier

import (
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"strings"

	"github.com/smallstep/pkcs7"

	"github.com/portid/credential-issuance-backend/credential"
	"github.com/portid/credential-issuance-backend/cryptoutils"
)

var oidSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}

// ldsSecurityObject is the ASN.1 payload of a document security object: the
// per-data-group hashes the issuing state signed.
type ldsSecurityObject struct {
	Version             int
	HashAlgorithm       pkix.AlgorithmIdentifier
	DataGroupHashValues []dataGroupHash
}

type dataGroupHash struct {
	Number int
	Value  []byte
}

// verifyCMS validates an ICAO document security object: CMS signature over
// the LDS security object, document-signer trust chain, and a recompute of
// every presented data group's hash against the signed values.
func (v *Verifier) verifyCMS(cred *credential.Credential) Result {
	p7, err := pkcs7.Parse(cred.IssuerAuth.Envelope)
	if err != nil {
		return failure(ReasonMalformedEnvelope)
	}

	signer := p7.GetOnlySigner()
	if signer == nil {
		return failure(ReasonMissingField)
	}
	if err := p7.Verify(); err != nil {
		return failure(ReasonSignatureInvalid)
	}
	if v.anchors == nil {
		return failure(ReasonUntrustedSigner)
	}
	if err := cryptoutils.VerifyChain(signer, p7.Certificates, v.anchors, v.now()); err != nil {
		return failure(ReasonUntrustedSigner)
	}

	var lds ldsSecurityObject
	if _, err := asn1.Unmarshal(p7.Content, &lds); err != nil {
		return failure(ReasonMalformedEnvelope)
	}
	if !lds.HashAlgorithm.Algorithm.Equal(oidSHA256) {
		return failure(ReasonUnsupportedAlgorithm)
	}
	if len(lds.DataGroupHashValues) == 0 {
		return failure(ReasonMissingField)
	}

	signed := make(map[int][]byte, len(lds.DataGroupHashValues))
	for _, dg := range lds.DataGroupHashValues {
		signed[dg.Number] = dg.Value
	}

	groups := cred.Claims[credential.TravelDocNamespace]
	if len(groups) == 0 {
		return failure(ReasonMissingField)
	}
	for name, claim := range groups {
		number, err := parseDataGroupName(name)
		if err != nil {
			return failure(ReasonMissingField)
		}
		want, ok := signed[number]
		if !ok {
			return failure(ReasonPayloadMismatch)
		}
		got := sha256.Sum256([]byte(claim.Value))
		if subtle.ConstantTimeCompare(got[:], want) != 1 {
			return failure(ReasonPayloadMismatch)
		}
	}

	return Result{
		Verified:       true,
		Reason:         ReasonOK,
		SignerIdentity: signer.Subject.CommonName,
		SignedAt:       signer.NotBefore,
	}
}

func parseDataGroupName(name string) (int, error) {
	rest, ok := strings.CutPrefix(name, "dg")
	if !ok {
		return 0, fmt.Errorf("data group name %q must look like dg1", name)
	}
	var number int
	if _, err := fmt.Sscanf(rest, "%d", &number); err != nil || number < 1 || number > 16 {
		return 0, fmt.Errorf("invalid data group number %q", rest)
	}
	return number, nil
}
