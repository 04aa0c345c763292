// Package credential defines the credential model shared by all four
// supported standards, the issuance path that commits claims and signs the
// commitment root through the HSM gateway, and hash-commitment selective
// disclosure.
package credential

import (
	"encoding/base64"
	"fmt"
	"sort"
	"time"

	"github.com/portid/credential-issuance-backend/commitment"
	"github.com/portid/credential-issuance-backend/interfaces"
)

// Claim is one subject claim with its commitment material. The nonce is
// what lets the holder later prove the claim against the commitment root
// without disclosing sibling claims.
type Claim struct {
	Value      string
	Nonce      []byte
	Commitment interfaces.Digest
}

// Claims maps namespace -> claim name -> claim.
type Claims map[string]map[string]Claim

// IssuerAuth is the issuer signature envelope. Format and interpretation of
// Envelope depend on the credential's DocType.
type IssuerAuth struct {
	// Format names the envelope family: "cose-sign1", "jws" or "cms".
	Format string

	// Algorithm is the signature algorithm, e.g. "ES256".
	Algorithm string

	// Signature is the raw signature bytes extracted from the envelope.
	Signature []byte

	// Certificate is the signer certificate in DER form, when the envelope
	// family carries one.
	Certificate []byte

	// Envelope is the complete encoded envelope (tagged CBOR, compact JWS
	// bytes, or CMS SignedData).
	Envelope []byte
}

// Credential is the tagged union over the four supported standards. Claim
// content is immutable after signing; only Status may change, and any claim
// mutation invalidates the issuer signature by construction.
type Credential struct {
	ID             string
	DocType        interfaces.DocType
	SubjectID      string
	Claims         Claims
	IssuerAuth     IssuerAuth
	CommitmentRoot interfaces.Digest
	IssueDate      time.Time
	ExpiryDate     time.Time
	Status         interfaces.CredentialStatus
}

// claimType builds the leaf claim type for a namespaced claim name. It is
// part of the commitment contract shared with verification.
func claimType(namespace, name string) string {
	return namespace + ":" + name
}

// ComputeRoot recomputes the Merkle commitment root over all claims.
// Used by verification to detect any post-signature claim drift.
func (c *Credential) ComputeRoot() (interfaces.Digest, error) {
	leaves, err := c.leaves()
	if err != nil {
		return interfaces.Digest{}, err
	}
	return commitment.MerkleRoot(leaves)
}

func (c *Credential) leaves() ([]interfaces.Digest, error) {
	if len(c.Claims) == 0 {
		return nil, interfaces.NewInputError("claims", "credential has no claims")
	}

	var leaves []interfaces.Digest
	for namespace, byName := range c.Claims {
		for name, claim := range byName {
			if claim.Value == "" || len(claim.Nonce) == 0 {
				return nil, interfaces.NewInputError(claimType(namespace, name), "claim value or nonce missing")
			}
			leaves = append(leaves, commitment.MerkleLeaf(claimType(namespace, name), []byte(claim.Value), claim.Nonce))
		}
	}
	return leaves, nil
}

// Revoke transitions the credential to revoked. Revocation is terminal.
func (c *Credential) Revoke() {
	c.Status = interfaces.StatusRevoked
}

// ExpireIfDue transitions an active credential to expired once its validity
// window has passed. Revoked credentials stay revoked.
func (c *Credential) ExpireIfDue(now time.Time) {
	if c.Status == interfaces.StatusActive && now.After(c.ExpiryDate) {
		c.Status = interfaces.StatusExpired
	}
}

// ClaimProjection is the external JSON form of a single claim.
type ClaimProjection struct {
	Value      string `json:"value"`
	Nonce      string `json:"nonce"`
	Commitment string `json:"commitment"`
}

// IssuerAuthProjection is the external JSON form of the signature envelope.
type IssuerAuthProjection struct {
	Format      string `json:"format"`
	Signature   string `json:"signature"`
	Certificate string `json:"certificate,omitempty"`
	Algorithm   string `json:"algorithm,omitempty"`
	Envelope    string `json:"envelope"`
}

// Projection is the credential JSON shape consumed by external persistence
// and UI collaborators.
type Projection struct {
	CredentialID   string                                `json:"credentialId"`
	DocType        interfaces.DocType                    `json:"docType"`
	Claims         map[string]map[string]ClaimProjection `json:"claims"`
	IssuerAuth     IssuerAuthProjection                  `json:"issuerAuth"`
	CommitmentRoot string                                `json:"commitmentRoot"`
	Status         interfaces.CredentialStatus           `json:"status"`
	IssueDate      time.Time                             `json:"issueDate"`
	ExpiryDate     time.Time                             `json:"expiryDate"`
}

// Project returns the external JSON projection of the credential.
func (c *Credential) Project() Projection {
	claims := make(map[string]map[string]ClaimProjection, len(c.Claims))
	for namespace, byName := range c.Claims {
		claims[namespace] = make(map[string]ClaimProjection, len(byName))
		for name, claim := range byName {
			claims[namespace][name] = ClaimProjection{
				Value:      claim.Value,
				Nonce:      base64.RawURLEncoding.EncodeToString(claim.Nonce),
				Commitment: claim.Commitment.String(),
			}
		}
	}

	return Projection{
		CredentialID: c.ID,
		DocType:      c.DocType,
		Claims:       claims,
		IssuerAuth: IssuerAuthProjection{
			Format:      c.IssuerAuth.Format,
			Signature:   base64.RawURLEncoding.EncodeToString(c.IssuerAuth.Signature),
			Certificate: base64.RawURLEncoding.EncodeToString(c.IssuerAuth.Certificate),
			Algorithm:   c.IssuerAuth.Algorithm,
			Envelope:    base64.RawURLEncoding.EncodeToString(c.IssuerAuth.Envelope),
		},
		CommitmentRoot: c.CommitmentRoot.String(),
		Status:         c.Status,
		IssueDate:      c.IssueDate,
		ExpiryDate:     c.ExpiryDate,
	}
}

// FromProjection rebuilds a credential from its external JSON form, as
// presented to the verification API. Malformed encodings fail closed.
func FromProjection(p Projection) (*Credential, error) {
	if p.CredentialID == "" {
		return nil, interfaces.NewInputError("credentialId", "must not be empty")
	}

	root, err := interfaces.NewDigestFromHex(p.CommitmentRoot)
	if err != nil && p.CommitmentRoot != "" {
		return nil, interfaces.NewInputError("commitmentRoot", "invalid hex digest")
	}

	claims := make(Claims, len(p.Claims))
	for namespace, byName := range p.Claims {
		claims[namespace] = make(map[string]Claim, len(byName))
		for name, cp := range byName {
			nonce, err := base64.RawURLEncoding.DecodeString(cp.Nonce)
			if err != nil {
				return nil, interfaces.NewInputError(claimType(namespace, name), "invalid nonce encoding")
			}
			var commit interfaces.Digest
			if cp.Commitment != "" {
				commit, err = interfaces.NewDigestFromHex(cp.Commitment)
				if err != nil {
					return nil, interfaces.NewInputError(claimType(namespace, name), "invalid commitment digest")
				}
			}
			claims[namespace][name] = Claim{Value: cp.Value, Nonce: nonce, Commitment: commit}
		}
	}

	signature, err := base64.RawURLEncoding.DecodeString(p.IssuerAuth.Signature)
	if err != nil {
		return nil, interfaces.NewInputError("issuerAuth.signature", "invalid encoding")
	}
	certificate, err := base64.RawURLEncoding.DecodeString(p.IssuerAuth.Certificate)
	if err != nil {
		return nil, interfaces.NewInputError("issuerAuth.certificate", "invalid encoding")
	}
	envelope, err := base64.RawURLEncoding.DecodeString(p.IssuerAuth.Envelope)
	if err != nil {
		return nil, interfaces.NewInputError("issuerAuth.envelope", "invalid encoding")
	}

	status := p.Status
	if status == "" {
		status = interfaces.StatusActive
	}

	return &Credential{
		ID:      p.CredentialID,
		DocType: p.DocType,
		Claims:  claims,
		IssuerAuth: IssuerAuth{
			Format:      p.IssuerAuth.Format,
			Algorithm:   p.IssuerAuth.Algorithm,
			Signature:   signature,
			Certificate: certificate,
			Envelope:    envelope,
		},
		CommitmentRoot: root,
		IssueDate:      p.IssueDate,
		ExpiryDate:     p.ExpiryDate,
		Status:         status,
	}, nil
}

// Disclosure is a selective-disclosure bundle: the disclosed claims with
// their nonces, the leaf digests of every hidden claim, and the issuer-
// signed commitment root the whole set must hash back to.
type Disclosure struct {
	CredentialID   string
	DocType        interfaces.DocType
	Disclosed      Claims
	HiddenLeaves   []interfaces.Digest
	CommitmentRoot interfaces.Digest
	IssuerAuth     IssuerAuth
	IssueDate      time.Time
	ExpiryDate     time.Time
}

// Disclose produces a disclosure revealing only the named claims
// ("namespace:name"). All other claims contribute only their leaf digests,
// from which their values cannot be recovered without the nonces.
func (c *Credential) Disclose(names []string) (*Disclosure, error) {
	if len(names) == 0 {
		return nil, interfaces.NewInputError("names", "must disclose at least one claim")
	}

	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}

	disclosed := make(Claims)
	var hidden []interfaces.Digest
	found := 0

	for namespace, byName := range c.Claims {
		for name, claim := range byName {
			ct := claimType(namespace, name)
			if wanted[ct] {
				if disclosed[namespace] == nil {
					disclosed[namespace] = make(map[string]Claim)
				}
				disclosed[namespace][name] = claim
				found++
				continue
			}
			hidden = append(hidden, commitment.MerkleLeaf(ct, []byte(claim.Value), claim.Nonce))
		}
	}

	if found != len(wanted) {
		return nil, interfaces.NewInputError("names", "unknown claim requested for disclosure")
	}

	// Leaf order carries no information, but sort for a stable wire form.
	sort.Slice(hidden, func(i, j int) bool {
		return string(hidden[i][:]) < string(hidden[j][:])
	})

	return &Disclosure{
		CredentialID:   c.ID,
		DocType:        c.DocType,
		Disclosed:      disclosed,
		HiddenLeaves:   hidden,
		CommitmentRoot: c.CommitmentRoot,
		IssuerAuth:     c.IssuerAuth,
		IssueDate:      c.IssueDate,
		ExpiryDate:     c.ExpiryDate,
	}, nil
}

// DisclosureProjection is the external JSON form of a disclosure bundle.
type DisclosureProjection struct {
	CredentialID   string                                `json:"credentialId"`
	DocType        interfaces.DocType                    `json:"docType"`
	Disclosed      map[string]map[string]ClaimProjection `json:"disclosed"`
	HiddenLeaves   []string                              `json:"hiddenLeaves"`
	CommitmentRoot string                                `json:"commitmentRoot"`
}

// Project returns the external JSON form of the disclosure.
func (d *Disclosure) Project() DisclosureProjection {
	disclosed := make(map[string]map[string]ClaimProjection, len(d.Disclosed))
	for namespace, byName := range d.Disclosed {
		disclosed[namespace] = make(map[string]ClaimProjection, len(byName))
		for name, claim := range byName {
			disclosed[namespace][name] = ClaimProjection{
				Value:      claim.Value,
				Nonce:      base64.RawURLEncoding.EncodeToString(claim.Nonce),
				Commitment: claim.Commitment.String(),
			}
		}
	}
	hidden := make([]string, len(d.HiddenLeaves))
	for idx, leaf := range d.HiddenLeaves {
		hidden[idx] = leaf.String()
	}
	return DisclosureProjection{
		CredentialID:   d.CredentialID,
		DocType:        d.DocType,
		Disclosed:      disclosed,
		HiddenLeaves:   hidden,
		CommitmentRoot: d.CommitmentRoot.String(),
	}
}

// FromDisclosureProjection rebuilds a disclosure bundle from its JSON form.
func FromDisclosureProjection(p DisclosureProjection) (*Disclosure, error) {
	root, err := interfaces.NewDigestFromHex(p.CommitmentRoot)
	if err != nil {
		return nil, interfaces.NewInputError("commitmentRoot", "invalid hex digest")
	}

	disclosed := make(Claims, len(p.Disclosed))
	for namespace, byName := range p.Disclosed {
		disclosed[namespace] = make(map[string]Claim, len(byName))
		for name, cp := range byName {
			nonce, err := base64.RawURLEncoding.DecodeString(cp.Nonce)
			if err != nil {
				return nil, interfaces.NewInputError(claimType(namespace, name), "invalid nonce encoding")
			}
			commit, err := interfaces.NewDigestFromHex(cp.Commitment)
			if err != nil {
				return nil, interfaces.NewInputError(claimType(namespace, name), "invalid commitment digest")
			}
			disclosed[namespace][name] = Claim{Value: cp.Value, Nonce: nonce, Commitment: commit}
		}
	}

	hidden := make([]interfaces.Digest, len(p.HiddenLeaves))
	for idx, leaf := range p.HiddenLeaves {
		hidden[idx], err = interfaces.NewDigestFromHex(leaf)
		if err != nil {
			return nil, interfaces.NewInputError("hiddenLeaves", "invalid hex digest")
		}
	}

	return &Disclosure{
		CredentialID:   p.CredentialID,
		DocType:        p.DocType,
		Disclosed:      disclosed,
		HiddenLeaves:   hidden,
		CommitmentRoot: root,
	}, nil
}

// VerifyDisclosure recomputes the leaf set from the disclosed claims plus
// the hidden leaf digests and checks it hashes to the disclosed commitment
// root. Any altered value, nonce or leaf makes this fail.
func VerifyDisclosure(d *Disclosure) error {
	if d == nil {
		return interfaces.NewInputError("disclosure", "missing")
	}

	leaves := append([]interfaces.Digest(nil), d.HiddenLeaves...)
	for namespace, byName := range d.Disclosed {
		for name, claim := range byName {
			if !commitment.VerifyClaimCommitment([]byte(claim.Value), claim.Nonce, claim.Commitment) {
				return fmt.Errorf("claim %s commitment does not match its value", claimType(namespace, name))
			}
			leaves = append(leaves, commitment.MerkleLeaf(claimType(namespace, name), []byte(claim.Value), claim.Nonce))
		}
	}

	root, err := commitment.MerkleRoot(leaves)
	if err != nil {
		return err
	}
	if !root.Equal(d.CommitmentRoot) {
		return fmt.Errorf("disclosed claims do not hash to the signed commitment root")
	}
	return nil
}
