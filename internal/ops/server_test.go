package ops

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galatea-associates/ims-core/internal/resilience"
)

func TestServer_HealthzReturnsOK(t *testing.T) {
	s := NewServer(nil, resilience.NewRegistry(resilience.DefaultBreakerConfig(), nil), DefaultConfig(), zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_ReadyzOKWithNoReconciler(t *testing.T) {
	s := NewServer(nil, resilience.NewRegistry(resilience.DefaultBreakerConfig(), nil), DefaultConfig(), zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_MetricsServesPrometheusFormat(t *testing.T) {
	s := NewServer(nil, resilience.NewRegistry(resilience.DefaultBreakerConfig(), nil), DefaultConfig(), zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}

func TestServer_RequestIDEchoedInResponseHeader(t *testing.T) {
	s := NewServer(nil, resilience.NewRegistry(resilience.DefaultBreakerConfig(), nil), DefaultConfig(), zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "test-id-123")
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)

	assert.Equal(t, "test-id-123", rec.Header().Get("X-Request-ID"))
}
