package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portid/credential-issuance-backend/credential"
	"github.com/portid/credential-issuance-backend/hsm"
	"github.com/portid/credential-issuance-backend/interfaces"
	"github.com/portid/credential-issuance-backend/verifier"
)

type stubIssuer struct {
	cred *credential.Credential
	err  error
}

func (s *stubIssuer) Issue(_ context.Context, _ credential.IssueRequest) (*credential.Credential, error) {
	return s.cred, s.err
}

type stubVerifier struct {
	result verifier.Result
}

func (s *stubVerifier) Verify(_ *credential.Credential) verifier.Result {
	return s.result
}

type stubGateway struct {
	healthy bool
}

func (s *stubGateway) Readiness() hsm.Status {
	state := "Degraded"
	if s.healthy {
		state = "Ready"
	}
	return hsm.Status{State: state, Host: "hsm.internal"}
}

func (s *stubGateway) Healthy() bool { return s.healthy }

func testHandler(issuer *stubIssuer, v *stubVerifier, gw *stubGateway) *Handler {
	return NewHandler(issuer, v, gw, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func sampleCredential() *credential.Credential {
	nonce := bytes.Repeat([]byte{0x01}, 32)
	return &credential.Credential{
		ID:      "cred-1",
		DocType: interfaces.DocTypeMDoc,
		Claims: credential.Claims{
			"org.iso.18013.5.1": {
				"given_name": credential.Claim{Value: "Anna", Nonce: nonce},
			},
		},
		IssuerAuth: credential.IssuerAuth{
			Format:    credential.FormatCoseSign1,
			Algorithm: "ES256",
			Signature: []byte{0x01},
			Envelope:  []byte{0x02},
		},
		IssueDate:  time.Now().UTC().Truncate(time.Second),
		ExpiryDate: time.Now().UTC().Add(time.Hour).Truncate(time.Second),
		Status:     interfaces.StatusActive,
	}
}

func TestHandleIssue(t *testing.T) {
	h := testHandler(&stubIssuer{cred: sampleCredential()}, &stubVerifier{}, &stubGateway{healthy: true})

	body, err := json.Marshal(IssueRequestBody{
		DocType:   interfaces.DocTypeMDoc,
		SubjectID: "subject-1",
		Claims:    map[string]map[string]string{"ns": {"given_name": "Anna"}},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/credentials/issue", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.HandleIssue(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var projection credential.Projection
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &projection))
	assert.Equal(t, "cred-1", projection.CredentialID)
	assert.Equal(t, interfaces.DocTypeMDoc, projection.DocType)
	assert.NotEmpty(t, projection.Claims["org.iso.18013.5.1"]["given_name"].Nonce)
}

func TestHandleIssueErrors(t *testing.T) {
	cases := map[string]struct {
		err        error
		wantStatus int
	}{
		"bad input":    {interfaces.NewInputError("claims", "empty"), http.StatusBadRequest},
		"not ready":    {interfaces.ErrNotReady, http.StatusServiceUnavailable},
		"degraded":     {interfaces.ErrGatewayDegraded, http.StatusServiceUnavailable},
		"signing fail": {io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := testHandler(&stubIssuer{err: tc.err}, &stubVerifier{}, &stubGateway{healthy: true})

			body := `{"docType":"mdoc","subjectId":"s","claims":{"ns":{"a":"b"}}}`
			req := httptest.NewRequest(http.MethodPost, "/api/credentials/issue", bytes.NewReader([]byte(body)))
			rec := httptest.NewRecorder()
			h.HandleIssue(rec, req)

			assert.Equal(t, tc.wantStatus, rec.Code)
		})
	}
}

func TestHandleIssueMalformedBody(t *testing.T) {
	h := testHandler(&stubIssuer{}, &stubVerifier{}, &stubGateway{healthy: true})

	req := httptest.NewRequest(http.MethodPost, "/api/credentials/issue", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	h.HandleIssue(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleVerify(t *testing.T) {
	h := testHandler(&stubIssuer{}, &stubVerifier{result: verifier.Result{
		Verified:       true,
		Reason:         verifier.ReasonOK,
		SignerIdentity: "issuer.example",
	}}, &stubGateway{healthy: true})

	body, err := json.Marshal(sampleCredential().Project())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/credentials/verify", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.HandleVerify(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var result verifier.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Verified)
	assert.Equal(t, verifier.ReasonOK, result.Reason)
}

func TestHandleVerifyNegativeResultIsHTTP200(t *testing.T) {
	h := testHandler(&stubIssuer{}, &stubVerifier{result: verifier.Result{
		Verified: false,
		Reason:   verifier.ReasonSignatureInvalid,
	}}, &stubGateway{healthy: true})

	body, err := json.Marshal(sampleCredential().Project())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/credentials/verify", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.HandleVerify(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var result verifier.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.False(t, result.Verified)
	assert.Equal(t, verifier.ReasonSignatureInvalid, result.Reason)
}

func TestReadinessFollowsGateway(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	for _, healthy := range []bool{true, false} {
		h := testHandler(&stubIssuer{}, &stubVerifier{}, &stubGateway{healthy: healthy})
		srv, err := New(&HTTPServerConfig{ListenAddr: "127.0.0.1:0", Log: logger}, h)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
		rec := httptest.NewRecorder()
		srv.getRouter().ServeHTTP(rec, req)

		if healthy {
			assert.Equal(t, http.StatusOK, rec.Code)
		} else {
			assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		}
	}
}

func TestDrainUndrain(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := testHandler(&stubIssuer{}, &stubVerifier{}, &stubGateway{healthy: true})
	srv, err := New(&HTTPServerConfig{ListenAddr: "127.0.0.1:0", Log: logger}, h)
	require.NoError(t, err)
	router := srv.getRouter()

	do := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	assert.Equal(t, http.StatusOK, do("/readyz").Code)
	assert.Equal(t, http.StatusOK, do("/drain").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do("/readyz").Code)
	assert.Equal(t, http.StatusOK, do("/undrain").Code)
	assert.Equal(t, http.StatusOK, do("/readyz").Code)
}
