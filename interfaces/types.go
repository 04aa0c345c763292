// Package interfaces defines the core types and contracts shared by the
// credential issuance and verification components. It provides the contract
// between different components without implementation details.
package interfaces

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/mr-tron/base58"
)

// DigestSize is the size in bytes of all full-length digests in the system.
const DigestSize = 32

// Digest is a fixed-size SHA-256 output used for commitments, Merkle nodes
// and identity codes.
type Digest [DigestSize]byte

// NewDigestFromBytes creates a digest from a byte slice with length validation.
func NewDigestFromBytes(data []byte) (Digest, error) {
	if len(data) != DigestSize {
		return Digest{}, fmt.Errorf("invalid digest length: must be %d bytes, got %d", DigestSize, len(data))
	}

	var d Digest
	copy(d[:], data)
	return d, nil
}

// NewDigestFromHex creates a digest from a hex string with validation.
func NewDigestFromHex(s string) (Digest, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Digest{}, fmt.Errorf("invalid digest hex: %w", err)
	}
	return NewDigestFromBytes(raw)
}

// String returns the hex string representation of the digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Bytes returns the raw digest bytes.
func (d Digest) Bytes() []byte {
	return d[:]
}

// Equal compares two digests in constant time.
func (d Digest) Equal(other Digest) bool {
	return subtle.ConstantTimeCompare(d[:], other[:]) == 1
}

// IsZero reports whether the digest is the all-zero value.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// IdentityCode is a deterministic hash of a holder's normalized personal
// attributes. It is derived once during onboarding and consumed read-only
// by credential issuance; all derived trust tokens are bound to it.
type IdentityCode Digest

// String returns the hex string representation of the identity code.
func (c IdentityCode) String() string {
	return Digest(c).String()
}

// Bytes returns the raw identity code bytes.
func (c IdentityCode) Bytes() []byte {
	return c[:]
}

// DerivedTrustToken is a secondary code bound to an IdentityCode plus fresh
// entropy. It acts as a shareable, revocable proxy for the identity code:
// the token is valid only if it can be recomputed from the identity code
// and the stored entropy.
type DerivedTrustToken struct {
	// Token is the derived hash value.
	Token Digest

	// Entropy is the randomness the token was derived with.
	Entropy []byte
}

// String returns the base58 display encoding of the token value.
func (t DerivedTrustToken) String() string {
	return base58.Encode(t.Token[:])
}

// ClaimCommitment binds a single claim value to a nonce. The commitment is
// Hash(value || nonce) and cannot be reversed without the nonce.
type ClaimCommitment struct {
	Commitment Digest
	Nonce      []byte
}

// SecretVersion is one version of a rotating secret.
type SecretVersion struct {
	Version   int
	Value     string
	CreatedAt time.Time
}

// RotatingSecret holds the current version of a rotating secret and, when it
// exists, the immediately preceding version. Previous is only usable within
// the rotation grace period enforced by the secret lifecycle manager.
type RotatingSecret struct {
	Current  SecretVersion
	Previous *SecretVersion
}

// Secret is a single current-version secret read from the remote store.
type Secret struct {
	Value   string
	Version int
}

// KeyValidation is the outcome of checking a presented key against a
// rotating secret.
type KeyValidation int

const (
	// KeyRejected means the presented value matched neither the current nor a
	// grace-period-valid previous version.
	KeyRejected KeyValidation = iota

	// KeyAccepted means the presented value matched the current version.
	KeyAccepted

	// KeyAcceptedDeprecated means the presented value matched the previous
	// version within the grace period. Callers should surface a deprecation
	// signal to the key holder.
	KeyAcceptedDeprecated
)

// String returns a machine-readable name for the validation outcome.
func (v KeyValidation) String() string {
	switch v {
	case KeyAccepted:
		return "accepted"
	case KeyAcceptedDeprecated:
		return "accepted-deprecated"
	default:
		return "rejected"
	}
}

// SlotConfig describes the HSM slots the signing gateway is allowed to use.
// It is loaded once at startup from the secret lifecycle manager and is
// immutable for the process lifetime.
type SlotConfig struct {
	// Host is the address of the machine the HSM tooling talks to.
	Host string `json:"host"`

	// EnabledSlots is the ordered list of slot identifiers the gateway may use.
	EnabledSlots []string `json:"enabled_slots"`

	// DefaultSlot is used when a caller does not name a slot explicitly.
	DefaultSlot string `json:"default_slot"`

	// ToolPath is the filesystem path of the remote HSM command-line tool.
	ToolPath string `json:"tool_path"`

	// ModulePath is the PKCS#11 module path handed to the tool.
	ModulePath string `json:"module_path"`

	// SignTimeout bounds a single remote signing invocation. Zero means the
	// gateway default.
	SignTimeout time.Duration `json:"sign_timeout,omitempty"`
}

// Validate checks the slot configuration for completeness.
func (c *SlotConfig) Validate() error {
	if c.Host == "" {
		return errors.New("slot config: host is required")
	}
	if len(c.EnabledSlots) == 0 {
		return errors.New("slot config: at least one enabled slot is required")
	}
	if c.DefaultSlot == "" {
		return errors.New("slot config: default slot is required")
	}
	defaultEnabled := false
	for _, slot := range c.EnabledSlots {
		if slot == "" {
			return errors.New("slot config: empty slot identifier")
		}
		if slot == c.DefaultSlot {
			defaultEnabled = true
		}
	}
	if !defaultEnabled {
		return fmt.Errorf("slot config: default slot %q is not in enabled slots", c.DefaultSlot)
	}
	if c.ToolPath == "" {
		return errors.New("slot config: tool path is required")
	}
	return nil
}

// SlotCredentials holds the role-scoped PINs for a single HSM slot. The
// elevated security-officer PIN is deliberately not representable here:
// runtime signing paths may only ever see the operator role, and optionally
// the key-manager role.
type SlotCredentials struct {
	OperatorPIN   string
	KeyManagerPIN string
}

// CredentialStatus is the lifecycle status of an issued credential.
type CredentialStatus string

const (
	StatusActive  CredentialStatus = "active"
	StatusExpired CredentialStatus = "expired"
	StatusRevoked CredentialStatus = "revoked"
)

// DocType identifies which of the supported credential standards a
// credential belongs to. It is a closed set: adding a standard means adding
// a constant here and extending every switch over DocType, which the
// verifier dispatch keeps exhaustive.
type DocType int

const (
	// DocTypeMDoc is a mobile-document style credential with COSE_Sign1
	// issuer authentication.
	DocTypeMDoc DocType = iota

	// DocTypePersonID is an EU person-identification attestation carried as
	// a compact JWS.
	DocTypePersonID

	// DocTypeTravelDoc is ICAO travel-document signed data (CMS/SignedData).
	DocTypeTravelDoc

	// DocTypeVerifiableCredential is a W3C verifiable credential in JWT form.
	DocTypeVerifiableCredential
)

// String returns the wire name of the document type.
func (t DocType) String() string {
	switch t {
	case DocTypeMDoc:
		return "mdoc"
	case DocTypePersonID:
		return "person-id"
	case DocTypeTravelDoc:
		return "travel-document"
	case DocTypeVerifiableCredential:
		return "verifiable-credential"
	default:
		return fmt.Sprintf("doctype(%d)", int(t))
	}
}

// ParseDocType maps a wire name back to a DocType.
func ParseDocType(s string) (DocType, error) {
	switch s {
	case "mdoc":
		return DocTypeMDoc, nil
	case "person-id":
		return DocTypePersonID, nil
	case "travel-document":
		return DocTypeTravelDoc, nil
	case "verifiable-credential":
		return DocTypeVerifiableCredential, nil
	default:
		return 0, fmt.Errorf("unknown document type %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t DocType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *DocType) UnmarshalText(data []byte) error {
	parsed, err := ParseDocType(string(data))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
