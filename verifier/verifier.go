package verifier

import (
	"crypto"
	"crypto/x509"
	"log/slog"
	"time"

	"github.com/portid/credential-issuance-backend/credential"
	"github.com/portid/credential-issuance-backend/cryptoutils"
	"github.com/portid/credential-issuance-backend/interfaces"
)

// Config carries the trust material verification runs against. An empty
// config trusts nobody, so every credential fails with an untrusted signer.
type Config struct {
	// AnchorsPEM holds the trusted root certificates for certificate-
	// carrying envelopes (mdoc, travel documents).
	AnchorsPEM []byte

	// IssuerKeys maps key IDs to the public keys trusted for JWS envelopes.
	// Embedded header keys are only accepted when they match an entry here.
	IssuerKeys map[string]crypto.PublicKey
}

// Verifier validates credentials against configured trust anchors. Safe for
// concurrent use.
type Verifier struct {
	anchors    *x509.CertPool
	issuerKeys map[string]crypto.PublicKey
	log        *slog.Logger
	now        func() time.Time
}

// New builds a verifier. At least one anchor certificate or issuer key must
// be configured; verification without trust material would pass nothing and
// usually means a deployment mistake.
func New(cfg Config, log *slog.Logger) (*Verifier, error) {
	v := &Verifier{
		issuerKeys: cfg.IssuerKeys,
		log:        log,
		now:        time.Now,
	}

	if len(cfg.AnchorsPEM) > 0 {
		pool, err := cryptoutils.NewAnchorPool(cfg.AnchorsPEM)
		if err != nil {
			return nil, err
		}
		v.anchors = pool
	}
	if v.anchors == nil && len(v.issuerKeys) == 0 {
		return nil, interfaces.NewInputError("trust", "no trust anchors or issuer keys configured")
	}
	return v, nil
}

// Verify checks the credential end to end: commitment root, signature
// envelope, signer trust, validity window and status. It never returns an
// error; an unverifiable credential is a negative result with a reason.
func (v *Verifier) Verify(cred *credential.Credential) Result {
	if cred == nil || len(cred.IssuerAuth.Envelope) == 0 {
		return failure(ReasonMissingField)
	}

	// Claims must still hash to the root the issuer signed. Travel
	// documents are state-issued and carry no commitment root; for them the
	// signed data-group hashes play this role instead.
	if cred.DocType != interfaces.DocTypeTravelDoc {
		root, err := cred.ComputeRoot()
		if err != nil {
			return failure(ReasonMissingField)
		}
		if !root.Equal(cred.CommitmentRoot) {
			return failure(ReasonPayloadMismatch)
		}
	}

	var res Result
	switch cred.DocType {
	case interfaces.DocTypeMDoc:
		res = v.verifyCose(cred)
	case interfaces.DocTypePersonID, interfaces.DocTypeVerifiableCredential:
		res = v.verifyJWS(cred)
	case interfaces.DocTypeTravelDoc:
		res = v.verifyCMS(cred)
	default:
		res = failure(ReasonMalformedEnvelope)
	}
	if !res.Verified {
		v.log.Info("credential rejected",
			"credentialId", cred.ID,
			"docType", cred.DocType.String(),
			"reason", string(res.Reason),
		)
		return res
	}

	if cred.Status == interfaces.StatusRevoked {
		return failure(ReasonRevoked)
	}
	now := v.now()
	if now.Before(cred.IssueDate) {
		return failure(ReasonNotYetValid)
	}
	if now.After(cred.ExpiryDate) || cred.Status == interfaces.StatusExpired {
		return failure(ReasonExpired)
	}

	res.Reason = ReasonOK
	return res
}
