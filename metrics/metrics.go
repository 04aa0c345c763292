// Package metrics exposes Prometheus counters for the issuance pipeline and
// a standalone metrics HTTP server.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/portid/credential-issuance-backend/interfaces"
)

var (
	// CredentialsIssued counts minted credentials by document type.
	CredentialsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credentials_issued_total",
		Help: "Credentials issued, labeled by document type.",
	}, []string{"doc_type"})

	// VerificationResults counts verification outcomes by reason.
	VerificationResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credential_verifications_total",
		Help: "Credential verification outcomes, labeled by reason.",
	}, []string{"reason"})

	// SigningFailures counts failed HSM signing calls.
	SigningFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hsm_signing_failures_total",
		Help: "Signing requests the HSM gateway failed to complete.",
	})

	// SecretReadFailures counts failed secret store reads.
	SecretReadFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "secret_read_failures_total",
		Help: "Secret store reads that failed after retries.",
	})
)

// RecordIssued bumps the issuance counter for one credential.
func RecordIssued(docType interfaces.DocType) {
	CredentialsIssued.WithLabelValues(docType.String()).Inc()
}

// RecordVerification bumps the verification counter for one outcome.
func RecordVerification(reason string) {
	VerificationResults.WithLabelValues(reason).Inc()
}

// MetricsServer serves the Prometheus scrape endpoint on its own listener,
// kept off the API port so scrapes survive API drain.
type MetricsServer struct {
	srv *http.Server
}

// New builds a metrics server on addr. An empty addr returns a server whose
// ListenAndServe is a no-op, so callers need no conditional wiring.
func New(addr string) *MetricsServer {
	if addr == "" {
		return &MetricsServer{}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &MetricsServer{srv: &http.Server{Addr: addr, Handler: mux}}
}

func (s *MetricsServer) ListenAndServe() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.ListenAndServe()
}

func (s *MetricsServer) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
