package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umodzi/rxledger/pkg/circuitbreaker"
)

func TestObserveOperation(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveOperation("dispense", time.Now(), "")
	m.ObserveOperation("dispense", time.Now(), "already_dispensed")
	m.ObserveOperation("dispense", time.Now(), "already_dispensed")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.OperationFailures.WithLabelValues("dispense", "already_dispensed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.OperationDuration))
}

func TestBreakerStateGauge(t *testing.T) {
	m := New(nil)
	m.SetBreakerState("ledger-store", circuitbreaker.StateOpen)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("ledger-store")))
	m.SetBreakerState("ledger-store", circuitbreaker.StateHalfOpen)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("ledger-store")))
	m.SetBreakerState("ledger-store", circuitbreaker.StateClosed)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("ledger-store")))
}

func TestHandlerServesOwnRegistry(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.PrescriptionsIssued.Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "prescriptions_issued_total 1")
}
