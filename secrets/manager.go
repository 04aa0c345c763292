// Package secrets implements the secret lifecycle manager on top of a
// HashiCorp Vault KV v2 mount. It exposes single current-version reads,
// rotating reads that surface the current and immediately-previous version,
// and grace-period-bounded validation of presented keys.
//
// Every read is fail-closed: an unreachable store, a missing path or an
// empty value field all surface as ErrSecretUnavailable, never as a default
// value.
package secrets

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/vault/api"

	"github.com/portid/credential-issuance-backend/interfaces"
	"github.com/portid/credential-issuance-backend/metrics"
)

// valueField is the well-known field name secret payloads are stored under.
const valueField = "value"

// slotCredentialPrefix is the path prefix for per-slot role-scoped PINs.
// The security-officer PIN lives on a separate administrative mount and is
// not reachable through any path this package constructs.
const slotCredentialPrefix = "hsm/slots"

// Logical is the narrow slice of the Vault logical API the manager uses.
// *api.Logical satisfies it; tests substitute a fake.
type Logical interface {
	ReadWithContext(ctx context.Context, path string) (*api.Secret, error)
	ReadWithDataWithContext(ctx context.Context, path string, data map[string][]string) (*api.Secret, error)
}

// Manager reads versioned secrets from a Vault KV v2 mount.
type Manager struct {
	logical  Logical
	mount    string
	basePath string
	log      *slog.Logger

	// now is injectable for grace-period tests.
	now func() time.Time

	// maxRetries bounds the backoff retry loop for non-startup reads.
	maxRetries uint64
}

// NewManager creates a manager connected to the Vault server at address,
// authenticating with the given token.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - token: Vault token with read access to the runtime mount
//   - mount: KV v2 mount path (e.g. "secret")
//   - basePath: path prefix within the mount (e.g. "credential-backend")
//   - log: structured logger for operational insights
func NewManager(address, token, mount, basePath string, log *slog.Logger) (*Manager, error) {
	config := api.DefaultConfig()
	config.Address = address

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	client.SetToken(token)

	return NewManagerWithLogical(client.Logical(), mount, basePath, log), nil
}

// NewManagerWithLogical creates a manager over an existing logical reader.
// Used directly by tests.
func NewManagerWithLogical(logical Logical, mount, basePath string, log *slog.Logger) *Manager {
	mount = strings.Trim(mount, "/")
	basePath = strings.Trim(basePath, "/")

	return &Manager{
		logical:    logical,
		mount:      mount,
		basePath:   basePath,
		log:        log,
		now:        time.Now,
		maxRetries: 3,
	}
}

// dataPath returns the KV v2 data path for a secret.
func (m *Manager) dataPath(path string) string {
	return fmt.Sprintf("%s/data/%s/%s", m.mount, m.basePath, strings.Trim(path, "/"))
}

// metadataPath returns the KV v2 metadata path for a secret.
func (m *Manager) metadataPath(path string) string {
	return fmt.Sprintf("%s/metadata/%s/%s", m.mount, m.basePath, strings.Trim(path, "/"))
}

// ReadSecret reads the current version of the secret at path. The read is
// single-shot; startup callers treat any error as fatal. A missing path,
// a missing value field or an empty value all fail closed.
func (m *Manager) ReadSecret(ctx context.Context, path string) (interfaces.Secret, error) {
	if path == "" {
		return interfaces.Secret{}, interfaces.NewInputError("path", "must not be empty")
	}

	start := time.Now()
	vaultPath := m.dataPath(path)

	raw, err := m.logical.ReadWithContext(ctx, vaultPath)
	if err != nil {
		m.log.Error("Failed to read from Vault",
			slog.String("path", vaultPath),
			"err", err)
		return interfaces.Secret{}, fmt.Errorf("%w: %v", interfaces.ErrSecretUnavailable, err)
	}
	if raw == nil || raw.Data == nil {
		return interfaces.Secret{}, fmt.Errorf("%w: no secret at %s", interfaces.ErrSecretUnavailable, path)
	}

	value, version, _, err := parseKVv2(raw)
	if err != nil {
		return interfaces.Secret{}, fmt.Errorf("%w: %s: %v", interfaces.ErrSecretUnavailable, path, err)
	}

	m.log.Debug("Read secret from Vault",
		slog.String("path", path),
		slog.Int("version", version),
		slog.Duration("duration", time.Since(start)))

	return interfaces.Secret{Value: value, Version: version}, nil
}

// ReadSecretWithRetry reads a secret with capped exponential backoff. Meant
// for non-startup reads; a context timeout still fails closed.
func (m *Manager) ReadSecretWithRetry(ctx context.Context, path string) (interfaces.Secret, error) {
	var secret interfaces.Secret

	operation := func() error {
		var err error
		secret, err = m.ReadSecret(ctx, path)
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), m.maxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		metrics.SecretReadFailures.Inc()
		return interfaces.Secret{}, err
	}
	return secret, nil
}

// ReadRotatingSecret reads the current version of a rotating secret plus
// version N-1 when it exists. Previous is nil for a secret that has never
// rotated or whose previous version was destroyed.
func (m *Manager) ReadRotatingSecret(ctx context.Context, path string) (interfaces.RotatingSecret, error) {
	if path == "" {
		return interfaces.RotatingSecret{}, interfaces.NewInputError("path", "must not be empty")
	}

	metaPath := m.metadataPath(path)
	meta, err := m.logical.ReadWithContext(ctx, metaPath)
	if err != nil {
		m.log.Error("Failed to read secret metadata from Vault",
			slog.String("path", metaPath),
			"err", err)
		return interfaces.RotatingSecret{}, fmt.Errorf("%w: %v", interfaces.ErrSecretUnavailable, err)
	}
	if meta == nil || meta.Data == nil {
		return interfaces.RotatingSecret{}, fmt.Errorf("%w: no metadata at %s", interfaces.ErrSecretUnavailable, path)
	}

	currentVersion, err := asInt(meta.Data["current_version"])
	if err != nil || currentVersion < 1 {
		return interfaces.RotatingSecret{}, fmt.Errorf("%w: %s: invalid current_version", interfaces.ErrSecretUnavailable, path)
	}

	current, err := m.readVersion(ctx, path, currentVersion)
	if err != nil {
		return interfaces.RotatingSecret{}, err
	}

	rotating := interfaces.RotatingSecret{Current: current}
	if currentVersion > 1 {
		previous, err := m.readVersion(ctx, path, currentVersion-1)
		if err == nil {
			rotating.Previous = &previous
		} else {
			// A destroyed or deleted previous version is an expected state
			// after cleanup, not a failure of the rotating read.
			m.log.Debug("Previous secret version unavailable",
				slog.String("path", path),
				slog.Int("version", currentVersion-1),
				"err", err)
		}
	}

	return rotating, nil
}

// readVersion reads one specific version of a secret.
func (m *Manager) readVersion(ctx context.Context, path string, version int) (interfaces.SecretVersion, error) {
	raw, err := m.logical.ReadWithDataWithContext(ctx, m.dataPath(path), map[string][]string{
		"version": {strconv.Itoa(version)},
	})
	if err != nil {
		return interfaces.SecretVersion{}, fmt.Errorf("%w: %v", interfaces.ErrSecretUnavailable, err)
	}
	if raw == nil || raw.Data == nil {
		return interfaces.SecretVersion{}, fmt.Errorf("%w: %s version %d missing", interfaces.ErrSecretUnavailable, path, version)
	}

	value, gotVersion, createdAt, err := parseKVv2(raw)
	if err != nil {
		return interfaces.SecretVersion{}, fmt.Errorf("%w: %s version %d: %v", interfaces.ErrSecretUnavailable, path, version, err)
	}
	if gotVersion != 0 && gotVersion != version {
		return interfaces.SecretVersion{}, fmt.Errorf("%w: %s: requested version %d, got %d", interfaces.ErrSecretUnavailable, path, version, gotVersion)
	}

	return interfaces.SecretVersion{
		Version:   version,
		Value:     value,
		CreatedAt: createdAt,
	}, nil
}

// ValidatePresentedKey checks a presented key against a rotating secret.
// The comparison against both versions is constant-time. The previous
// version is accepted, tagged deprecated, strictly inside the grace period
// measured from its creation; outside it the key is rejected like any other
// mismatch. This keeps a rotation from causing an instantaneous outage for
// holders of the just-superseded key while bounding how long it stays usable.
func (m *Manager) ValidatePresentedKey(presented string, rotating interfaces.RotatingSecret, gracePeriod time.Duration) interfaces.KeyValidation {
	if presented == "" || rotating.Current.Value == "" {
		return interfaces.KeyRejected
	}

	if constantTimeEqual(presented, rotating.Current.Value) {
		return interfaces.KeyAccepted
	}

	if rotating.Previous == nil || rotating.Previous.Value == "" {
		return interfaces.KeyRejected
	}
	if !constantTimeEqual(presented, rotating.Previous.Value) {
		return interfaces.KeyRejected
	}
	if m.now().Sub(rotating.Previous.CreatedAt) < gracePeriod {
		m.log.Warn("Deprecated key version accepted within grace period",
			slog.Int("version", rotating.Previous.Version))
		return interfaces.KeyAcceptedDeprecated
	}
	return interfaces.KeyRejected
}

// ReadSlotCredentials reads the operator and optional key-manager PINs for
// an HSM slot. The security-officer role has no field here and no path
// under the runtime mount; it is never loadable through this manager.
func (m *Manager) ReadSlotCredentials(ctx context.Context, slot string) (interfaces.SlotCredentials, error) {
	if slot == "" {
		return interfaces.SlotCredentials{}, interfaces.NewInputError("slot", "must not be empty")
	}

	path := fmt.Sprintf("%s/%s", slotCredentialPrefix, slot)
	raw, err := m.logical.ReadWithContext(ctx, m.dataPath(path))
	if err != nil {
		return interfaces.SlotCredentials{}, fmt.Errorf("%w: slot %s: %v", interfaces.ErrSecretUnavailable, slot, err)
	}
	if raw == nil || raw.Data == nil {
		return interfaces.SlotCredentials{}, fmt.Errorf("%w: no credentials for slot %s", interfaces.ErrSecretUnavailable, slot)
	}

	data, ok := raw.Data["data"].(map[string]interface{})
	if !ok {
		return interfaces.SlotCredentials{}, fmt.Errorf("%w: slot %s: invalid data format", interfaces.ErrSecretUnavailable, slot)
	}

	operatorPIN, _ := data["operator_pin"].(string)
	if operatorPIN == "" {
		return interfaces.SlotCredentials{}, fmt.Errorf("%w: slot %s: operator_pin missing or empty", interfaces.ErrSecretUnavailable, slot)
	}
	keyManagerPIN, _ := data["key_manager_pin"].(string)

	return interfaces.SlotCredentials{
		OperatorPIN:   operatorPIN,
		KeyManagerPIN: keyManagerPIN,
	}, nil
}

// parseKVv2 extracts the value field and embedded metadata from a KV v2
// read response.
func parseKVv2(raw *api.Secret) (value string, version int, createdAt time.Time, err error) {
	data, ok := raw.Data["data"].(map[string]interface{})
	if !ok {
		return "", 0, time.Time{}, fmt.Errorf("invalid data format in response")
	}

	value, ok = data[valueField].(string)
	if !ok || value == "" {
		return "", 0, time.Time{}, fmt.Errorf("field %q missing or empty", valueField)
	}

	meta, ok := raw.Data["metadata"].(map[string]interface{})
	if ok {
		if v, verr := asInt(meta["version"]); verr == nil {
			version = v
		}
		if created, ok := meta["created_time"].(string); ok {
			if parsed, perr := time.Parse(time.RFC3339, created); perr == nil {
				createdAt = parsed
			}
		}
	}
	return value, version, createdAt, nil
}

// asInt converts the number representations Vault responses use.
func asInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case json.Number:
		parsed, err := n.Int64()
		return int(parsed), err
	case float64:
		return int(n), nil
	case int:
		return n, nil
	case int64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}

func constantTimeEqual(a, b string) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
