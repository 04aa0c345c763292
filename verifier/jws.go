package verifier

import (
	"crypto/ecdsa"
	"encoding/json"
	"time"

	"github.com/go-jose/go-jose/v3"

	"github.com/portid/credential-issuance-backend/credential"
	"github.com/portid/credential-issuance-backend/interfaces"
)

// jwsClaims is the subset of JWT claims verification inspects.
type jwsClaims struct {
	Issuer         string          `json:"iss"`
	Subject        string          `json:"sub"`
	IssuedAt       *int64          `json:"iat"`
	NotBefore      *int64          `json:"nbf"`
	Expiry         *int64          `json:"exp"`
	DocType        string          `json:"doc_type"`
	CommitmentRoot string          `json:"commitment_root"`
	VC             json.RawMessage `json:"vc"`
}

type vcClaim struct {
	Proof struct {
		VerificationMethod string `json:"verificationMethod"`
	} `json:"proof"`
}

// verifyJWS validates a compact JWS envelope for person-ID attestations and
// verifiable credentials. The embedded header key is only an integrity hint;
// trust comes from the configured issuer key for the token's kid.
func (v *Verifier) verifyJWS(cred *credential.Credential) Result {
	token, err := jose.ParseSigned(string(cred.IssuerAuth.Envelope))
	if err != nil || len(token.Signatures) != 1 {
		return failure(ReasonMalformedEnvelope)
	}
	header := token.Signatures[0].Header

	if header.Algorithm != string(jose.ES256) {
		return failure(ReasonUnsupportedAlgorithm)
	}
	if cred.IssuerAuth.Algorithm != "ES256" {
		return failure(ReasonAlgorithmMismatch)
	}
	if header.KeyID == "" {
		return failure(ReasonMissingField)
	}

	trusted, ok := v.issuerKeys[header.KeyID]
	if !ok {
		return failure(ReasonUntrustedSigner)
	}
	trustedEC, ok := trusted.(*ecdsa.PublicKey)
	if !ok {
		return failure(ReasonAlgorithmMismatch)
	}
	if header.JSONWebKey != nil {
		embedded, ok := header.JSONWebKey.Key.(*ecdsa.PublicKey)
		if !ok || !embedded.Equal(trustedEC) {
			return failure(ReasonUntrustedSigner)
		}
	}

	payload, err := token.Verify(trustedEC)
	if err != nil {
		return failure(ReasonSignatureInvalid)
	}

	var claims jwsClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return failure(ReasonMalformedEnvelope)
	}
	if claims.Expiry == nil || claims.Issuer == "" {
		return failure(ReasonMissingField)
	}

	now := v.now()
	if claims.NotBefore != nil && now.Before(time.Unix(*claims.NotBefore, 0)) {
		return failure(ReasonNotYetValid)
	}
	if now.After(time.Unix(*claims.Expiry, 0)) {
		return failure(ReasonExpired)
	}

	// The signed commitment root must match what the presented claims hash
	// to. The top-level root was already recomputed; binding it to the
	// token closes the loop.
	if claims.CommitmentRoot != cred.CommitmentRoot.String() {
		return failure(ReasonPayloadMismatch)
	}
	if claims.DocType != cred.DocType.String() {
		return failure(ReasonPayloadMismatch)
	}

	if cred.DocType == interfaces.DocTypeVerifiableCredential {
		if len(claims.VC) == 0 {
			return failure(ReasonMissingField)
		}
		var vc vcClaim
		if err := json.Unmarshal(claims.VC, &vc); err != nil {
			return failure(ReasonMalformedEnvelope)
		}
		if vc.Proof.VerificationMethod != header.KeyID {
			return failure(ReasonUntrustedSigner)
		}
	}

	signedAt := cred.IssueDate
	if claims.IssuedAt != nil {
		signedAt = time.Unix(*claims.IssuedAt, 0).UTC()
	}

	return Result{
		Verified:       true,
		Reason:         ReasonOK,
		SignerIdentity: claims.Issuer,
		SignedAt:       signedAt,
	}
}
