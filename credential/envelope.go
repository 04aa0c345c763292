package credential

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Envelope format names carried in IssuerAuth.Format.
const (
	FormatCoseSign1 = "cose-sign1"
	FormatJWS       = "jws"
	FormatCMS       = "cms"
)

// JWT claim names used by the JWS-based envelopes.
const (
	JWTClaimCommitmentRoot = "commitment_root"
	JWTClaimDocType        = "doc_type"
	JWTClaimVC             = "vc"
)

// MobileSecurityObject is the CBOR payload signed inside the mdoc
// COSE_Sign1 envelope. Timestamps are RFC 3339 UTC strings truncated to
// seconds so verification can rebuild the exact signed bytes from the
// credential fields.
type MobileSecurityObject struct {
	Version        string `cbor:"version"`
	DocType        string `cbor:"docType"`
	CommitmentRoot []byte `cbor:"commitmentRoot"`
	Signed         string `cbor:"signed"`
	ValidFrom      string `cbor:"validFrom"`
	ValidUntil     string `cbor:"validUntil"`
}

const msoVersion = "1.0"

// EncodeMobileSecurityObject builds the canonical signed payload for an mdoc
// credential. The same function backs both issuance and verification, so a
// verifier recomputes the payload rather than trusting envelope contents.
func EncodeMobileSecurityObject(c *Credential) ([]byte, error) {
	root, err := c.ComputeRoot()
	if err != nil {
		return nil, err
	}
	mso := MobileSecurityObject{
		Version:        msoVersion,
		DocType:        c.DocType.String(),
		CommitmentRoot: root.Bytes(),
		Signed:         c.IssueDate.UTC().Format(time.RFC3339),
		ValidFrom:      c.IssueDate.UTC().Format(time.RFC3339),
		ValidUntil:     c.ExpiryDate.UTC().Format(time.RFC3339),
	}
	data, err := cbor.Marshal(mso)
	if err != nil {
		return nil, fmt.Errorf("failed to encode mobile security object: %w", err)
	}
	return data, nil
}
