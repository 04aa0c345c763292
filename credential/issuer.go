package credential

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/portid/credential-issuance-backend/commitment"
	"github.com/portid/credential-issuance-backend/cryptoutils"
	"github.com/portid/credential-issuance-backend/interfaces"
)

// IssuerConfig carries the identity and key binding of the issuing party.
// The certificate is the public half of the HSM-resident signing key.
type IssuerConfig struct {
	// IssuerID is the issuer identifier embedded in issued envelopes, e.g.
	// an HTTPS URL or DID.
	IssuerID string

	// KeyID names the signing key in envelope headers.
	KeyID string

	// Slot and KeyLabel select the HSM key used for all signatures.
	Slot     string
	KeyLabel string

	// CertificatePEM is the signer certificate. Its public key must be
	// ECDSA P-256.
	CertificatePEM []byte
}

// Issuer signs credentials through the HSM gateway. It never sees private
// key material; every signature is a remote digest-signing call.
type Issuer struct {
	signer   interfaces.DigestSigner
	cfg      IssuerConfig
	cert     *x509Cert
	jwk      *jose.JSONWebKey
	log      *slog.Logger
	now      func() time.Time
	validity time.Duration
}

// x509Cert narrows the certificate fields the issuer needs.
type x509Cert struct {
	Raw    []byte
	Public *ecdsa.PublicKey
}

// defaultValidity bounds credentials whose request does not set one.
const defaultValidity = 365 * 24 * time.Hour

// NewIssuer validates the issuer configuration and certificate. It fails
// when the certificate key is not ECDSA P-256, since that is the only
// algorithm the signing slots hold keys for.
func NewIssuer(signer interfaces.DigestSigner, cfg IssuerConfig, log *slog.Logger) (*Issuer, error) {
	if signer == nil {
		return nil, interfaces.NewInputError("signer", "must not be nil")
	}
	if cfg.IssuerID == "" || cfg.KeyID == "" || cfg.KeyLabel == "" {
		return nil, interfaces.NewInputError("issuer", "issuer id, key id and key label are required")
	}

	cert, err := cryptoutils.ParseCertificatePEM(cfg.CertificatePEM)
	if err != nil {
		return nil, fmt.Errorf("invalid issuer certificate: %w", err)
	}
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, interfaces.NewInputError("certificate", "public key must be ECDSA")
	}

	return &Issuer{
		signer: signer,
		cfg:    cfg,
		cert:   &x509Cert{Raw: cert.Raw, Public: pub},
		jwk: &jose.JSONWebKey{
			Key:       pub,
			KeyID:     cfg.KeyID,
			Algorithm: string(jose.ES256),
			Use:       "sig",
		},
		log:      log,
		now:      time.Now,
		validity: defaultValidity,
	}, nil
}

// IssueRequest describes one credential to mint. Claims map namespace ->
// claim name -> value; every value becomes an individually disclosable
// commitment leaf.
type IssueRequest struct {
	DocType   interfaces.DocType
	SubjectID string
	Claims    map[string]map[string]string
	Validity  time.Duration
}

// Issue commits the request's claims, signs the commitment root through the
// HSM gateway in the envelope format the document type requires, and
// returns the active credential. Travel documents are state-issued and
// cannot be minted here; requests for them are rejected.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (*Credential, error) {
	if req.DocType == interfaces.DocTypeTravelDoc {
		return nil, interfaces.NewInputError("docType", "travel documents are verify-only")
	}
	if req.SubjectID == "" {
		return nil, interfaces.NewInputError("subjectId", "must not be empty")
	}
	if len(req.Claims) == 0 {
		return nil, interfaces.NewInputError("claims", "must not be empty")
	}

	validity := req.Validity
	if validity <= 0 {
		validity = i.validity
	}

	claims := make(Claims, len(req.Claims))
	for namespace, byName := range req.Claims {
		if namespace == "" || len(byName) == 0 {
			return nil, interfaces.NewInputError("claims", "empty namespace")
		}
		claims[namespace] = make(map[string]Claim, len(byName))
		for name, value := range byName {
			if name == "" || value == "" {
				return nil, interfaces.NewInputError("claims", "empty claim name or value")
			}
			committed, err := commitment.CommitClaim([]byte(value), nil)
			if err != nil {
				return nil, fmt.Errorf("failed to commit claim %s: %w", claimType(namespace, name), err)
			}
			claims[namespace][name] = Claim{
				Value:      value,
				Nonce:      committed.Nonce,
				Commitment: committed.Commitment,
			}
		}
	}

	issued := i.now().UTC().Truncate(time.Second)
	cred := &Credential{
		ID:         uuid.NewString(),
		DocType:    req.DocType,
		SubjectID:  req.SubjectID,
		Claims:     claims,
		IssueDate:  issued,
		ExpiryDate: issued.Add(validity).Truncate(time.Second),
		Status:     interfaces.StatusActive,
	}

	root, err := cred.ComputeRoot()
	if err != nil {
		return nil, err
	}
	cred.CommitmentRoot = root

	switch req.DocType {
	case interfaces.DocTypeMDoc:
		err = i.sealCose(ctx, cred)
	case interfaces.DocTypePersonID, interfaces.DocTypeVerifiableCredential:
		err = i.sealJWS(ctx, cred)
	default:
		err = interfaces.NewInputError("docType", "unknown document type")
	}
	if err != nil {
		return nil, err
	}

	i.log.Info("issued credential",
		"credentialId", cred.ID,
		"docType", cred.DocType.String(),
		"subjectId", cred.SubjectID,
		"expiry", cred.ExpiryDate,
	)
	return cred, nil
}

// sealCose wraps the mobile security object in a COSE_Sign1 envelope with
// the issuer certificate in the x5chain header.
func (i *Issuer) sealCose(ctx context.Context, cred *Credential) error {
	payload, err := EncodeMobileSecurityObject(cred)
	if err != nil {
		return err
	}

	sign1, err := cryptoutils.NewSign1(cryptoutils.CoseAlgES256, i.cert.Raw)
	if err != nil {
		return err
	}
	tbs, err := sign1.SigStructureBytes(payload)
	if err != nil {
		return err
	}

	digest := sha256.Sum256(tbs)
	signature, err := i.signer.Sign(ctx, digest[:], i.cfg.Slot, i.cfg.KeyLabel)
	if err != nil {
		return fmt.Errorf("failed to sign mdoc envelope: %w", err)
	}

	sign1.Payload = payload
	sign1.Signature = signature
	envelope, err := sign1.Encode()
	if err != nil {
		return err
	}

	cred.IssuerAuth = IssuerAuth{
		Format:      FormatCoseSign1,
		Algorithm:   "ES256",
		Signature:   signature,
		Certificate: i.cert.Raw,
		Envelope:    envelope,
	}
	return nil
}

// sealJWS mints a compact JWS with the public JWK embedded in the header.
// Person-ID attestations and verifiable credentials share the envelope and
// differ only in the claim set.
func (i *Issuer) sealJWS(ctx context.Context, cred *Credential) error {
	claims := jwt.MapClaims{
		"iss":                  i.cfg.IssuerID,
		"sub":                  cred.SubjectID,
		"jti":                  cred.ID,
		"iat":                  cred.IssueDate.Unix(),
		"nbf":                  cred.IssueDate.Unix(),
		"exp":                  cred.ExpiryDate.Unix(),
		JWTClaimDocType:        cred.DocType.String(),
		JWTClaimCommitmentRoot: cred.CommitmentRoot.String(),
	}
	if cred.DocType == interfaces.DocTypeVerifiableCredential {
		claims[JWTClaimVC] = map[string]any{
			"@context": []string{"https://www.w3.org/2018/credentials/v1"},
			"type":     []string{"VerifiableCredential"},
			"credentialSubject": map[string]any{
				"id":             cred.SubjectID,
				"commitmentRoot": cred.CommitmentRoot.String(),
			},
			"proof": map[string]any{
				"type":               "JsonWebSignature2020",
				"verificationMethod": i.cfg.KeyID,
			},
		}
	}

	token := jwt.NewWithClaims(gatewayES256{}, claims)
	token.Header["kid"] = i.cfg.KeyID
	token.Header["jwk"] = i.jwk

	compact, err := token.SignedString(&gatewaySigningKey{
		ctx:      ctx,
		signer:   i.signer,
		slot:     i.cfg.Slot,
		keyLabel: i.cfg.KeyLabel,
	})
	if err != nil {
		return fmt.Errorf("failed to sign jws envelope: %w", err)
	}

	parts := splitCompact(compact)
	cred.IssuerAuth = IssuerAuth{
		Format:    FormatJWS,
		Algorithm: "ES256",
		Signature: parts.signature,
		Envelope:  []byte(compact),
	}
	return nil
}

// gatewaySigningKey binds one signing call to its gateway routing. Passed
// as the opaque key to the custom signing method below.
type gatewaySigningKey struct {
	ctx      context.Context
	signer   interfaces.DigestSigner
	slot     string
	keyLabel string
}

// gatewayES256 is a jwt.SigningMethod whose private key never leaves the
// HSM. Sign hashes the signing string locally and ships only the digest.
type gatewayES256 struct{}

func (gatewayES256) Alg() string { return "ES256" }

func (gatewayES256) Sign(signingString string, key any) ([]byte, error) {
	k, ok := key.(*gatewaySigningKey)
	if !ok {
		return nil, jwt.ErrInvalidKeyType
	}
	digest := sha256.Sum256([]byte(signingString))
	return k.signer.Sign(k.ctx, digest[:], k.slot, k.keyLabel)
}

func (gatewayES256) Verify(signingString string, sig []byte, key any) error {
	pub, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return jwt.ErrInvalidKeyType
	}
	digest := sha256.Sum256([]byte(signingString))
	if !cryptoutils.VerifyRawECDSA(pub, digest[:], sig) {
		return jwt.ErrSignatureInvalid
	}
	return nil
}

type compactParts struct {
	signature []byte
}

// splitCompact extracts the raw signature from a compact JWS. The input
// was just produced locally, so a short form means a serialization bug and
// yields an empty signature rather than a panic.
func splitCompact(compact string) compactParts {
	last := -1
	for idx := len(compact) - 1; idx >= 0; idx-- {
		if compact[idx] == '.' {
			last = idx
			break
		}
	}
	if last < 0 || last == len(compact)-1 {
		return compactParts{}
	}
	sig, err := jwt.NewParser().DecodeSegment(compact[last+1:])
	if err != nil {
		return compactParts{}
	}
	return compactParts{signature: sig}
}
