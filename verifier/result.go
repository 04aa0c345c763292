// Package verifier checks issuer signatures, commitment roots, trust
// chains and validity windows for all four supported credential standards.
// Every check fails closed: a credential is unverified unless every layer
// passes.
package verifier

import "time"

// Reason explains a verification outcome. Exactly one reason is reported
// even when several checks would fail; checks run in a fixed order and the
// first failure wins.
type Reason string

const (
	ReasonOK                   Reason = "ok"
	ReasonMalformedEnvelope    Reason = "malformed-envelope"
	ReasonUnsupportedAlgorithm Reason = "unsupported-algorithm"
	ReasonAlgorithmMismatch    Reason = "algorithm-mismatch"
	ReasonUntrustedSigner      Reason = "untrusted-signer"
	ReasonPayloadMismatch      Reason = "payload-mismatch"
	ReasonSignatureInvalid     Reason = "signature-invalid"
	ReasonExpired              Reason = "expired"
	ReasonNotYetValid          Reason = "not-yet-valid"
	ReasonRevoked              Reason = "revoked"
	ReasonMissingField         Reason = "missing-field"
)

// Result is the uniform verification outcome across all envelope formats.
type Result struct {
	Verified       bool      `json:"verified"`
	Reason         Reason    `json:"reason"`
	SignerIdentity string    `json:"signerIdentity,omitempty"`
	SignedAt       time.Time `json:"signedAt,omitzero"`
}

func failure(reason Reason) Result {
	return Result{Verified: false, Reason: reason}
}
