// Package hsm implements the signing gateway in front of the vendor HSM.
// The gateway validates the configured slots at process start, caches
// role-scoped slot credentials in memory, and exposes a sign/readiness
// contract. Private key material never crosses the gateway boundary: only
// payload digests go in and raw signatures come out.
package hsm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/atomic"

	"github.com/portid/credential-issuance-backend/interfaces"
)

// State is the gateway lifecycle state. Transitions are one-way within a
// process lifetime: Uninitialized -> Validating -> Ready -> (Degraded | ShutDown).
type State int32

const (
	StateUninitialized State = iota
	StateValidating
	StateReady
	StateDegraded
	StateShutDown
)

// String returns a machine-readable state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateValidating:
		return "validating"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateShutDown:
		return "shutdown"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	// operatorRole is the only role runtime signing paths log in with.
	operatorRole = "operator"

	// keyManagerRole is optionally validated at startup when a key-manager
	// PIN is provisioned for a slot.
	keyManagerRole = "key-manager"

	// degradeThreshold is the number of consecutive signing failures after
	// which the gateway stops attempting remote calls.
	degradeThreshold = 3

	// signRetries is the fixed per-call retry count for transient failures.
	signRetries = 2

	// defaultSignTimeout bounds one remote signing subprocess.
	defaultSignTimeout = 10 * time.Second
)

// Status is the read-only diagnostic projection of the gateway's cached
// startup state. It never contains PIN values.
type Status struct {
	State        string   `json:"state"`
	Host         string   `json:"host"`
	EnabledSlots []string `json:"enabled_slots"`
	DefaultSlot  string   `json:"default_slot"`
	ToolStatus   string   `json:"tool_status"`
	SlotsSeen    []string `json:"slots_seen"`
}

// Gateway fronts the remote HSM. Construct with New, then call
// StartupValidate exactly once before accepting any signing work.
type Gateway struct {
	cfg     interfaces.SlotConfig
	tool    interfaces.RemoteTool
	secrets interfaces.SecretSource
	log     *slog.Logger

	state        atomic.Int32
	consecutive  atomic.Int32
	signTimeout  time.Duration
	toolStatus   string
	slotsSeen    []string
	// creds is written only during StartupValidate and read-only afterwards,
	// so concurrent Sign calls need no lock.
	creds map[string]interfaces.SlotCredentials
}

// New creates an unvalidated gateway.
//
// Parameters:
//   - cfg: immutable slot configuration loaded from the secret lifecycle manager
//   - tool: remote HSM tool implementation (CLI in production, fake in tests)
//   - secrets: source for role-scoped slot PINs
//   - log: structured logger for operational insights
func New(cfg interfaces.SlotConfig, tool interfaces.RemoteTool, secrets interfaces.SecretSource, log *slog.Logger) *Gateway {
	timeout := cfg.SignTimeout
	if timeout <= 0 {
		timeout = defaultSignTimeout
	}

	return &Gateway{
		cfg:         cfg,
		tool:        tool,
		secrets:     secrets,
		log:         log,
		signTimeout: timeout,
		creds:       make(map[string]interfaces.SlotCredentials),
	}
}

// StartupValidate verifies the remote tooling and every enabled slot, then
// moves the gateway to Ready. Any failure is fatal: the gateway stays
// unusable and the process must not start accepting requests. There is no
// "start anyway" path.
func (g *Gateway) StartupValidate(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(StateUninitialized), int32(StateValidating)) {
		return fmt.Errorf("startup validation already ran (state %s)", g.currentState())
	}

	if err := g.cfg.Validate(); err != nil {
		return g.failValidation(fmt.Errorf("invalid slot config: %w", err))
	}

	if err := g.tool.CheckBinaries(); err != nil {
		return g.failValidation(fmt.Errorf("hsm tool unavailable: %w", err))
	}
	g.toolStatus = "ok"

	seen, err := g.tool.EnumerateSlots(ctx)
	if err != nil {
		return g.failValidation(fmt.Errorf("slot enumeration failed: %w", err))
	}
	g.slotsSeen = seen

	seenSet := make(map[string]struct{}, len(seen))
	for _, slot := range seen {
		seenSet[slot] = struct{}{}
	}
	for _, slot := range g.cfg.EnabledSlots {
		if _, ok := seenSet[slot]; !ok {
			return g.failValidation(fmt.Errorf("enabled slot %q not reported by HSM (seen: %v)", slot, seen))
		}
	}

	for _, slot := range g.cfg.EnabledSlots {
		creds, err := g.secrets.ReadSlotCredentials(ctx, slot)
		if err != nil {
			return g.failValidation(fmt.Errorf("loading credentials for slot %q: %w", slot, err))
		}

		if err := g.tool.Login(ctx, slot, operatorRole, creds.OperatorPIN); err != nil {
			return g.failValidation(fmt.Errorf("operator login for slot %q failed: %w", slot, err))
		}
		if creds.KeyManagerPIN != "" {
			if err := g.tool.Login(ctx, slot, keyManagerRole, creds.KeyManagerPIN); err != nil {
				return g.failValidation(fmt.Errorf("key-manager login for slot %q failed: %w", slot, err))
			}
		}

		g.creds[slot] = creds
		g.log.Info("HSM slot validated", slog.String("slot", slot))
	}

	g.state.Store(int32(StateReady))
	g.log.Info("HSM signing gateway ready",
		slog.String("host", g.cfg.Host),
		slog.Any("enabled_slots", g.cfg.EnabledSlots),
		slog.String("default_slot", g.cfg.DefaultSlot))
	return nil
}

func (g *Gateway) failValidation(err error) error {
	g.state.Store(int32(StateUninitialized))
	g.log.Error("HSM startup validation failed", "err", err)
	return err
}

// Sign signs a payload digest with the key identified by keyLabel in the
// given slot (the default slot when slot is empty). Transient failures are
// retried a small fixed number of times; after three consecutive failed
// calls the gateway degrades and short-circuits without spawning the remote
// tool, as backpressure against a failing HSM link.
func (g *Gateway) Sign(ctx context.Context, digest []byte, slot, keyLabel string) ([]byte, error) {
	switch g.currentState() {
	case StateReady:
	case StateDegraded:
		return nil, &interfaces.SigningError{Op: "sign", Slot: slot, Err: interfaces.ErrGatewayDegraded}
	default:
		return nil, &interfaces.SigningError{Op: "sign", Slot: slot, Err: interfaces.ErrNotReady}
	}

	switch len(digest) {
	case 32, 48, 64:
	default:
		return nil, interfaces.NewInputError("digest", fmt.Sprintf("unsupported digest length %d", len(digest)))
	}
	if keyLabel == "" {
		return nil, interfaces.NewInputError("key_label", "must not be empty")
	}

	if slot == "" {
		slot = g.cfg.DefaultSlot
	}
	creds, ok := g.creds[slot]
	if !ok {
		return nil, interfaces.NewInputError("slot", fmt.Sprintf("slot %q is not enabled", slot))
	}

	var signature []byte
	attempt := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, g.signTimeout)
		defer cancel()

		sig, err := g.tool.SignDigest(attemptCtx, slot, keyLabel, creds.OperatorPIN, digest)
		if err != nil {
			return err
		}
		if len(sig) == 0 {
			return fmt.Errorf("empty signature from tool")
		}
		signature = sig
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(200*time.Millisecond), signRetries), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		failures := g.consecutive.Inc()
		sigErr := &interfaces.SigningError{
			Op:      "sign",
			Slot:    slot,
			Timeout: errors.Is(err, context.DeadlineExceeded),
			Err:     err,
		}
		g.log.Error("Remote signing failed",
			slog.String("slot", slot),
			slog.String("key_label", keyLabel),
			slog.Int("consecutive_failures", int(failures)),
			"err", err)

		if failures >= degradeThreshold {
			if g.state.CompareAndSwap(int32(StateReady), int32(StateDegraded)) {
				g.log.Error("HSM signing gateway degraded after consecutive failures",
					slog.Int("failures", int(failures)))
			}
		}
		return nil, sigErr
	}

	g.consecutive.Store(0)
	return signature, nil
}

// Readiness returns the diagnostic projection of the cached startup state.
// It is safe for concurrent use and never exposes credential material.
func (g *Gateway) Readiness() Status {
	return Status{
		State:        g.currentState().String(),
		Host:         g.cfg.Host,
		EnabledSlots: append([]string(nil), g.cfg.EnabledSlots...),
		DefaultSlot:  g.cfg.DefaultSlot,
		ToolStatus:   g.toolStatus,
		SlotsSeen:    append([]string(nil), g.slotsSeen...),
	}
}

// Healthy reports whether the gateway is in the Ready state.
func (g *Gateway) Healthy() bool {
	return g.currentState() == StateReady
}

// Shutdown marks the gateway as shutting down; subsequent Sign calls fail.
func (g *Gateway) Shutdown() {
	g.state.Store(int32(StateShutDown))
}

func (g *Gateway) currentState() State {
	return State(g.state.Load())
}
