package interfaces

import "context"

// SecretSource reads secrets from the remote key/value store. Implemented by
// the secret lifecycle manager; faked in tests.
type SecretSource interface {
	// ReadSecret returns the current version of the secret at path. The
	// well-known value field must be present and non-empty.
	ReadSecret(ctx context.Context, path string) (Secret, error)

	// ReadRotatingSecret returns the current version plus, when it exists,
	// the immediately preceding version of a rotating secret.
	ReadRotatingSecret(ctx context.Context, path string) (RotatingSecret, error)

	// ReadSlotCredentials returns the role-scoped PINs for an HSM slot.
	// Only the operator and key-manager roles are reachable through this
	// path; the security-officer PIN lives outside the runtime mount.
	ReadSlotCredentials(ctx context.Context, slot string) (SlotCredentials, error)
}

// RemoteTool is the narrow seam around the vendor HSM command-line tool.
// One implementation spawns the tool as a subprocess; tests substitute a
// fake. Only digests cross this boundary inbound and only signatures come
// back out - private key material never does.
type RemoteTool interface {
	// CheckBinaries verifies the configured tool binaries exist and are
	// executable.
	CheckBinaries() error

	// EnumerateSlots lists the slot identifiers the HSM reports.
	EnumerateSlots(ctx context.Context) ([]string, error)

	// Login performs a role-scoped login against a slot to validate the PIN.
	Login(ctx context.Context, slot, role, pin string) error

	// SignDigest signs a payload digest with the key identified by keyLabel
	// in the given slot, returning the raw signature bytes.
	SignDigest(ctx context.Context, slot, keyLabel, pin string, digest []byte) ([]byte, error)
}

// DigestSigner is what credential issuance needs from the signing gateway:
// digests in, signatures out.
type DigestSigner interface {
	Sign(ctx context.Context, digest []byte, slot, keyLabel string) ([]byte, error)
}
