package hsm

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/portid/credential-issuance-backend/interfaces"
)

// CLITool drives the vendor HSM through its remote command-line tool. The
// tool is invoked with positional arguments; its exit code is the primary
// success signal and its stdout is line-oriented text.
//
// Invocation shapes:
//
//	hsmtool --host <host> --module <module> slots
//	hsmtool --host <host> --module <module> login <slot> <role>     (PIN on stdin)
//	hsmtool --host <host> --module <module> sign <slot> <label> <hex-digest>  (PIN on stdin)
//
// PINs are passed on stdin, never in argv, so they do not leak into the
// process table.
type CLITool struct {
	ToolPath   string
	ModulePath string
	Host       string
}

// NewCLITool creates a tool runner from a slot configuration.
func NewCLITool(cfg interfaces.SlotConfig) *CLITool {
	return &CLITool{
		ToolPath:   cfg.ToolPath,
		ModulePath: cfg.ModulePath,
		Host:       cfg.Host,
	}
}

// CheckBinaries verifies the tool binary exists and is executable.
func (t *CLITool) CheckBinaries() error {
	info, err := os.Stat(t.ToolPath)
	if err != nil {
		return fmt.Errorf("hsm tool %s: %w", t.ToolPath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("hsm tool %s is a directory", t.ToolPath)
	}
	if info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("hsm tool %s is not executable", t.ToolPath)
	}
	return nil
}

// EnumerateSlots runs the slot listing command and parses the reported slot
// identifiers from its output. Lines that do not describe a slot are
// ignored.
func (t *CLITool) EnumerateSlots(ctx context.Context) ([]string, error) {
	out, err := t.run(ctx, "", "slots")
	if err != nil {
		return nil, err
	}
	return parseSlotList(out), nil
}

// Login performs a role-scoped login against a slot. A zero exit code means
// the PIN is valid for the role.
func (t *CLITool) Login(ctx context.Context, slot, role, pin string) error {
	if pin == "" {
		return interfaces.NewInputError("pin", "must not be empty")
	}
	_, err := t.run(ctx, pin, "login", slot, role)
	return err
}

// SignDigest signs a digest with the key identified by keyLabel. The tool
// prints the signature as a single hex line on stdout.
func (t *CLITool) SignDigest(ctx context.Context, slot, keyLabel, pin string, digest []byte) ([]byte, error) {
	out, err := t.run(ctx, pin, "sign", slot, keyLabel, hex.EncodeToString(digest))
	if err != nil {
		return nil, err
	}

	line := strings.TrimSpace(string(out))
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = strings.TrimSpace(line[:idx])
	}
	signature, err := hex.DecodeString(line)
	if err != nil || len(signature) == 0 {
		return nil, fmt.Errorf("unparseable signature output from tool: %q", truncateForLog(line))
	}
	return signature, nil
}

// run spawns one tool invocation. The context deadline kills the subprocess
// rather than awaiting it.
func (t *CLITool) run(ctx context.Context, stdin string, args ...string) ([]byte, error) {
	full := append([]string{"--host", t.Host, "--module", t.ModulePath}, args...)

	cmd := exec.CommandContext(ctx, t.ToolPath, full...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin + "\n")
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("tool %s timed out: %w", args[0], ctx.Err())
		}
		return nil, fmt.Errorf("tool %s exited: %w (stderr: %s)", args[0], err, truncateForLog(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// parseSlotList extracts slot identifiers from line-oriented tool output.
// A slot line looks like "slot 0: token present" (case-insensitive).
func parseSlotList(out []byte) []string {
	var slots []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(strings.ToLower(line), "slot") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		id := strings.TrimSuffix(fields[1], ":")
		if id != "" {
			slots = append(slots, id)
		}
	}
	return slots
}

func truncateForLog(s string) string {
	const max = 200
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
