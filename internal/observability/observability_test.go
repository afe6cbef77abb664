package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/railzwaylabs/credits/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.UsageEvent("chat", "charged")
		m.Charged("chat", 10)
		m.Reservation("settled")
		m.Reconciliation("adjusted")
		m.LedgerDrift(1, 0)
		m.JobRun("ledger_drift", "success", time.Second)
		m.HTTPRequest("GET", "/healthz", "200")
	})
}

func TestMetricsCount(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)

	m.UsageEvent("chat", "charged")
	m.UsageEvent("chat", "charged")
	m.Charged("chat", 120)
	m.Charged("chat", 0)
	m.LedgerDrift(2, 1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `credits_usage_events_total{feature="chat",outcome="charged"} 2`)
	assert.Contains(t, body, `credits_charged_credits_total{feature="chat"} 120`)
	assert.Contains(t, body, `credits_ledger_drift_wallets{balance="reserved"} 1`)
}

func TestNewLogger(t *testing.T) {
	log, err := NewLogger(config.Config{Observability: config.ObservabilityConfig{LogLevel: "DEBUG", LogFormat: "json", ServiceName: "credits"}})
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(-1))

	_, err = NewLogger(config.Config{Observability: config.ObservabilityConfig{LogLevel: "loud"}})
	assert.Error(t, err)
}

func TestTracingDisabledIsNoop(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), config.ObservabilityConfig{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	_, span := Tracer().Start(context.Background(), "noop")
	span.End()
}
