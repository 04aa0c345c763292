package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/portid/credential-issuance-backend/credential"
	"github.com/portid/credential-issuance-backend/hsm"
	"github.com/portid/credential-issuance-backend/interfaces"
	"github.com/portid/credential-issuance-backend/metrics"
	"github.com/portid/credential-issuance-backend/verifier"
)

// maxBodySize caps request bodies (1MB).
const maxBodySize = 1024 * 1024

// RequestError provides structured error information for HTTP responses.
type RequestError struct {
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	return e.Err.Error()
}

// CredentialIssuer is what the handler needs from the issuance pipeline.
type CredentialIssuer interface {
	Issue(ctx context.Context, req credential.IssueRequest) (*credential.Credential, error)
}

// CredentialVerifier is what the handler needs from the verification side.
type CredentialVerifier interface {
	Verify(cred *credential.Credential) verifier.Result
}

// GatewayReporter exposes the signing gateway's health to the readiness
// endpoint.
type GatewayReporter interface {
	Readiness() hsm.Status
	Healthy() bool
}

// Handler processes credential API requests.
type Handler struct {
	issuer   CredentialIssuer
	verifier CredentialVerifier
	gateway  GatewayReporter
	log      *slog.Logger
}

func NewHandler(issuer CredentialIssuer, v CredentialVerifier, gateway GatewayReporter, log *slog.Logger) *Handler {
	return &Handler{
		issuer:   issuer,
		verifier: v,
		gateway:  gateway,
		log:      log,
	}
}

func (h *Handler) GatewayStatus() hsm.Status {
	return h.gateway.Readiness()
}

func (h *Handler) GatewayHealthy() bool {
	return h.gateway.Healthy()
}

// IssueRequestBody is the JSON body for POST /api/credentials/issue.
type IssueRequestBody struct {
	DocType       interfaces.DocType           `json:"docType"`
	SubjectID     string                       `json:"subjectId"`
	Claims        map[string]map[string]string `json:"claims"`
	ValidityHours int                          `json:"validityHours,omitempty"`
}

// HandleIssue mints a credential and returns its JSON projection, nonces
// included; the caller is the holder-facing issuance service and needs them
// for later disclosures.
func (h *Handler) HandleIssue(w http.ResponseWriter, r *http.Request) {
	var body IssueRequestBody
	if err := decodeBody(r, &body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	req := credential.IssueRequest{
		DocType:   body.DocType,
		SubjectID: body.SubjectID,
		Claims:    body.Claims,
		Validity:  time.Duration(body.ValidityHours) * time.Hour,
	}

	cred, err := h.issuer.Issue(r.Context(), req)
	if err != nil {
		h.log.Error("Issuance failed", "err", err, "docType", body.DocType.String())
		if errors.Is(err, interfaces.ErrInvalidInput) {
			http.Error(w, err.Error(), http.StatusBadRequest)
		} else if errors.Is(err, interfaces.ErrNotReady) || errors.Is(err, interfaces.ErrGatewayDegraded) {
			metrics.SigningFailures.Inc()
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		} else {
			metrics.SigningFailures.Inc()
			http.Error(w, "issuance failed", http.StatusInternalServerError)
		}
		return
	}

	metrics.RecordIssued(cred.DocType)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, h.log, cred.Project())
}

// HandleVerify checks a presented credential and returns the uniform
// verification result. Unverifiable input is a negative result, not an
// HTTP error; only malformed JSON is a 400.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	var projection credential.Projection
	if err := decodeBody(r, &projection); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	cred, err := credential.FromProjection(projection)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result := h.verifier.Verify(cred)
	metrics.RecordVerification(string(result.Reason))

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, h.log, result)
}

// HandleVerifyDisclosure checks a selective-disclosure bundle: the
// disclosed claims plus hidden leaves must hash to the commitment root.
// Signature verification over that root is the credential verify call's
// job; this endpoint covers the holder-presented subset.
func (h *Handler) HandleVerifyDisclosure(w http.ResponseWriter, r *http.Request) {
	var projection credential.DisclosureProjection
	if err := decodeBody(r, &projection); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	disclosure, err := credential.FromDisclosureProjection(projection)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	response := map[string]any{"verified": true}
	if err := credential.VerifyDisclosure(disclosure); err != nil {
		response = map[string]any{"verified": false, "reason": err.Error()}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, h.log, response)
}

func decodeBody(r *http.Request, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodySize))
	if err := decoder.Decode(dst); err != nil {
		return &RequestError{StatusCode: http.StatusBadRequest, Err: err}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, log *slog.Logger, payload any) {
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error("Failed to encode response", "err", err)
	}
}
