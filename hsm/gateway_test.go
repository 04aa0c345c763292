package hsm

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/portid/credential-issuance-backend/interfaces"
)

// MockRemoteTool mocks the interfaces.RemoteTool interface.
type MockRemoteTool struct {
	mock.Mock
}

func (m *MockRemoteTool) CheckBinaries() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockRemoteTool) EnumerateSlots(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	slots, _ := args.Get(0).([]string)
	return slots, args.Error(1)
}

func (m *MockRemoteTool) Login(ctx context.Context, slot, role, pin string) error {
	args := m.Called(ctx, slot, role, pin)
	return args.Error(0)
}

func (m *MockRemoteTool) SignDigest(ctx context.Context, slot, keyLabel, pin string, digest []byte) ([]byte, error) {
	args := m.Called(ctx, slot, keyLabel, pin, digest)
	sig, _ := args.Get(0).([]byte)
	return sig, args.Error(1)
}

// fakeSecretSource serves slot credentials from a map.
type fakeSecretSource struct {
	slots map[string]interfaces.SlotCredentials
}

func (f *fakeSecretSource) ReadSecret(context.Context, string) (interfaces.Secret, error) {
	return interfaces.Secret{}, errors.New("not implemented")
}

func (f *fakeSecretSource) ReadRotatingSecret(context.Context, string) (interfaces.RotatingSecret, error) {
	return interfaces.RotatingSecret{}, errors.New("not implemented")
}

func (f *fakeSecretSource) ReadSlotCredentials(_ context.Context, slot string) (interfaces.SlotCredentials, error) {
	creds, ok := f.slots[slot]
	if !ok {
		return interfaces.SlotCredentials{}, interfaces.ErrSecretUnavailable
	}
	return creds, nil
}

func testSlotConfig() interfaces.SlotConfig {
	return interfaces.SlotConfig{
		Host:         "hsm.internal:5657",
		EnabledSlots: []string{"0", "1"},
		DefaultSlot:  "0",
		ToolPath:     "/usr/local/bin/hsmtool",
		ModulePath:   "/usr/lib/hsm/pkcs11.so",
		SignTimeout:  time.Second,
	}
}

func testSecretSource() *fakeSecretSource {
	return &fakeSecretSource{slots: map[string]interfaces.SlotCredentials{
		"0": {OperatorPIN: "op-0"},
		"1": {OperatorPIN: "op-1", KeyManagerPIN: "km-1"},
	}}
}

func validatedGateway(t *testing.T, tool *MockRemoteTool) *Gateway {
	t.Helper()

	tool.On("CheckBinaries").Return(nil)
	tool.On("EnumerateSlots", mock.Anything).Return([]string{"0", "1", "2"}, nil)
	tool.On("Login", mock.Anything, "0", "operator", "op-0").Return(nil)
	tool.On("Login", mock.Anything, "1", "operator", "op-1").Return(nil)
	tool.On("Login", mock.Anything, "1", "key-manager", "km-1").Return(nil)

	g := New(testSlotConfig(), tool, testSecretSource(), slog.Default())
	require.NoError(t, g.StartupValidate(context.Background()))
	require.True(t, g.Healthy())
	return g
}

func TestStartupValidateHappyPath(t *testing.T) {
	tool := new(MockRemoteTool)
	g := validatedGateway(t, tool)

	status := g.Readiness()
	require.Equal(t, "ready", status.State)
	require.Equal(t, "hsm.internal:5657", status.Host)
	require.Equal(t, []string{"0", "1"}, status.EnabledSlots)
	require.Equal(t, "0", status.DefaultSlot)
	require.Equal(t, []string{"0", "1", "2"}, status.SlotsSeen)
	tool.AssertExpectations(t)
}

func TestStartupValidateFailsClosedOnMissingSlot(t *testing.T) {
	tool := new(MockRemoteTool)
	tool.On("CheckBinaries").Return(nil)
	// Slot 1 is enabled but the HSM only reports slot 0.
	tool.On("EnumerateSlots", mock.Anything).Return([]string{"0"}, nil)

	g := New(testSlotConfig(), tool, testSecretSource(), slog.Default())
	err := g.StartupValidate(context.Background())
	require.Error(t, err)
	require.False(t, g.Healthy())

	// The gateway never reaches Ready: signing is refused.
	_, err = g.Sign(context.Background(), make([]byte, 32), "", "issuer-key")
	require.ErrorIs(t, err, interfaces.ErrNotReady)
}

func TestStartupValidateFailsClosedOnToolMissing(t *testing.T) {
	tool := new(MockRemoteTool)
	tool.On("CheckBinaries").Return(errors.New("no such file"))

	g := New(testSlotConfig(), tool, testSecretSource(), slog.Default())
	require.Error(t, g.StartupValidate(context.Background()))
	require.False(t, g.Healthy())
}

func TestStartupValidateFailsClosedOnBadPIN(t *testing.T) {
	tool := new(MockRemoteTool)
	tool.On("CheckBinaries").Return(nil)
	tool.On("EnumerateSlots", mock.Anything).Return([]string{"0", "1"}, nil)
	tool.On("Login", mock.Anything, "0", "operator", "op-0").Return(errors.New("CKR_PIN_INCORRECT"))

	g := New(testSlotConfig(), tool, testSecretSource(), slog.Default())
	require.Error(t, g.StartupValidate(context.Background()))
	require.False(t, g.Healthy())
}

func TestStartupValidateFailsClosedOnMissingCredentials(t *testing.T) {
	tool := new(MockRemoteTool)
	tool.On("CheckBinaries").Return(nil)
	tool.On("EnumerateSlots", mock.Anything).Return([]string{"0", "1"}, nil)
	tool.On("Login", mock.Anything, "0", "operator", "op-0").Return(nil)

	source := &fakeSecretSource{slots: map[string]interfaces.SlotCredentials{
		"0": {OperatorPIN: "op-0"},
		// slot 1 credentials missing
	}}

	g := New(testSlotConfig(), tool, source, slog.Default())
	err := g.StartupValidate(context.Background())
	require.ErrorIs(t, err, interfaces.ErrSecretUnavailable)
	require.False(t, g.Healthy())
}

func TestSign(t *testing.T) {
	tool := new(MockRemoteTool)
	g := validatedGateway(t, tool)

	digest := make([]byte, 32)
	signature := []byte{0xde, 0xad, 0xbe, 0xef}
	tool.On("SignDigest", mock.Anything, "0", "issuer-key", "op-0", digest).Return(signature, nil)

	// Empty slot falls back to the default slot.
	sig, err := g.Sign(context.Background(), digest, "", "issuer-key")
	require.NoError(t, err)
	require.Equal(t, signature, sig)
}

func TestSignRejectsBadInput(t *testing.T) {
	tool := new(MockRemoteTool)
	g := validatedGateway(t, tool)

	_, err := g.Sign(context.Background(), make([]byte, 31), "", "issuer-key")
	require.ErrorIs(t, err, interfaces.ErrInvalidInput)

	_, err = g.Sign(context.Background(), make([]byte, 32), "", "")
	require.ErrorIs(t, err, interfaces.ErrInvalidInput)

	_, err = g.Sign(context.Background(), make([]byte, 32), "9", "issuer-key")
	require.ErrorIs(t, err, interfaces.ErrInvalidInput)
}

func TestSignDegradesAfterConsecutiveFailures(t *testing.T) {
	tool := new(MockRemoteTool)
	g := validatedGateway(t, tool)

	digest := make([]byte, 32)
	tool.On("SignDigest", mock.Anything, "0", "issuer-key", "op-0", digest).
		Return([]byte(nil), errors.New("CKR_DEVICE_ERROR"))

	for i := 0; i < 3; i++ {
		_, err := g.Sign(context.Background(), digest, "0", "issuer-key")
		var sigErr *interfaces.SigningError
		require.ErrorAs(t, err, &sigErr)
	}

	// Degraded: the remote tool is no longer invoked.
	require.False(t, g.Healthy())
	require.Equal(t, "degraded", g.Readiness().State)

	_, err := g.Sign(context.Background(), digest, "0", "issuer-key")
	require.ErrorIs(t, err, interfaces.ErrGatewayDegraded)
}

func TestSignSuccessResetsFailureCount(t *testing.T) {
	tool := new(MockRemoteTool)
	g := validatedGateway(t, tool)

	digest := make([]byte, 32)
	boom := errors.New("transient")

	tool.On("SignDigest", mock.Anything, "0", "issuer-key", "op-0", digest).
		Return([]byte(nil), boom).Times(3) // first call: 1 try + 2 retries, all fail
	tool.On("SignDigest", mock.Anything, "0", "issuer-key", "op-0", digest).
		Return([]byte{0x01}, nil)

	_, err := g.Sign(context.Background(), digest, "0", "issuer-key")
	require.Error(t, err)

	sig, err := g.Sign(context.Background(), digest, "0", "issuer-key")
	require.NoError(t, err)
	require.Equal(t, []byte{0x01}, sig)

	// One failure followed by a success must not accumulate toward the
	// degrade threshold.
	require.True(t, g.Healthy())
}

func TestReadinessNeverExposesPINs(t *testing.T) {
	tool := new(MockRemoteTool)
	g := validatedGateway(t, tool)

	raw, err := json.Marshal(g.Readiness())
	require.NoError(t, err)
	require.NotContains(t, string(raw), "op-0")
	require.NotContains(t, string(raw), "op-1")
	require.NotContains(t, string(raw), "km-1")
	require.NotContains(t, string(raw), "pin")
}

func TestParseSlotList(t *testing.T) {
	out := []byte("HSM tool v2.1\nSlot 0: token present\nslot 1: token present\nSlot 2: empty\nsomething else\n")
	require.Equal(t, []string{"0", "1", "2"}, parseSlotList(out))

	require.Empty(t, parseSlotList([]byte("no slots here\n")))
}
