package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/umodzi/rxledger/internal/domain/prescription"
	"github.com/umodzi/rxledger/internal/ledger/memory"
	"github.com/umodzi/rxledger/internal/observability/metrics"
)

func newServer(t *testing.T, ready func(context.Context) error) *httptest.Server {
	t.Helper()
	logger := zaptest.NewLogger(t)
	srv := httptest.NewServer(NewRouter(Options{
		ServiceName: "ledger-api",
		Version:     "test",
		Service:     prescription.NewService(memory.New(), logger),
		Metrics:     metrics.New(nil),
		Logger:      logger,
		APIKeys:     map[string]string{"k1": "clinic"},
		Ready:       ready,
	}))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, key, body string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(raw)
}

func TestRouterOpenEndpoints(t *testing.T) {
	srv := newServer(t, nil)

	resp, body := do(t, http.MethodGet, srv.URL+"/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"service":"ledger-api"`)

	resp, _ = do(t, http.MethodGet, srv.URL+"/ready", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRouterNotReady(t *testing.T) {
	srv := newServer(t, func(context.Context) error { return errors.New("postgres down") })

	resp, body := do(t, http.MethodGet, srv.URL+"/ready", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, body, "postgres down")
}

func TestRouterRequiresAPIKey(t *testing.T) {
	srv := newServer(t, nil)

	resp, _ := do(t, http.MethodGet, srv.URL+"/api/v1/prescriptions/rx1", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/v1/prescriptions/rx1", "k1", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestRouterExposesMetrics(t *testing.T) {
	srv := newServer(t, nil)

	issue := `{"prescriptionId":"rx1","doctorId":"d","patientId":"p","medication":"m","dosagePerDose":1,"dosesPerDay":1,"quantityDispensed":10}`
	resp, _ := do(t, http.MethodPost, srv.URL+"/api/v1/prescriptions", "k1", issue)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := do(t, http.MethodGet, srv.URL+"/metrics", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "prescriptions_issued_total 1")
	assert.Contains(t, body, `ledger_operation_duration_seconds_count{op="issue"} 1`)
}
