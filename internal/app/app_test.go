package app

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-billing/internal/observability"
	"github.com/odyssey-erp/odyssey-billing/internal/reference"
	"github.com/odyssey-erp/odyssey-billing/jobs"
	_ "github.com/odyssey-erp/odyssey-billing/testing"
)

func TestInTestMode(t *testing.T) {
	RefreshTestMode()
	require.True(t, InTestMode())
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "secret")
	t.Setenv("REFERENCE_SCHEME", "QR")
	t.Setenv("BANK_REFERENCE", "210000")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, reference.Config{Scheme: reference.SchemeQR, BankRef: "210000"}, cfg.ReferenceConfig())
	require.Equal(t, "CHF", cfg.Currency)
	require.Equal(t, 4, cfg.RedistributeParallelism)
	require.Equal(t, "0 8 * * *", cfg.WatchdogCron)
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigRejectsBadReferenceSettings(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "secret")
	t.Setenv("REFERENCE_SCHEME", "qr")
	t.Setenv("BANK_REFERENCE", "")
	_, err := LoadConfig()
	require.ErrorIs(t, err, reference.ErrBankRef)

	t.Setenv("REFERENCE_SCHEME", "iban")
	_, err = LoadConfig()
	require.ErrorIs(t, err, reference.ErrUnknownScheme)

	t.Setenv("REFERENCE_SCHEME", "scor")
	t.Setenv("REDISTRIBUTE_PARALLELISM", "0")
	_, err = LoadConfig()
	require.Error(t, err)
}

func TestRouterRequiresAdminToken(t *testing.T) {
	router := NewRouter(RouterParams{
		Config:     &Config{AdminToken: "secret"},
		JobHandler: jobs.NewHandler(nil, nil),
		Metrics:    observability.NewMetrics(),
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/jobs/health", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	req.Header.Set("Authorization", "Bearer secret")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"queue":"default","pending":0}`, rr.Body.String())

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `odyssey_billing_http_requests_total{code="401"`)
}

func TestRequireBearerAcceptsToken(t *testing.T) {
	handler := RequireBearer("secret", nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/references", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNoContent, rr.Code)

	empty := RequireBearer("", nil)(handler)
	req.Header.Set("Authorization", "Bearer ")
	rr = httptest.NewRecorder()
	empty.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}
