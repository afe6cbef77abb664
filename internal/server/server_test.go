package server_test

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/railzwaylabs/credits/internal/observability"
	"github.com/railzwaylabs/credits/internal/server"
	"github.com/railzwaylabs/credits/internal/testutil"
	"github.com/railzwaylabs/credits/internal/testutil/stack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	*stack.Stack
	handler  http.Handler
	tenantID snowflake.ID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s := stack.New(t)
	metrics, err := observability.NewMetrics()
	require.NoError(t, err)
	srv := server.NewServer(server.Params{
		DB:             s.DB,
		Log:            s.Log,
		Config:         s.Cfg,
		Metrics:        metrics,
		Wallets:        s.Wallets,
		Ledger:         s.Ledger,
		Metering:       s.Metering,
		Reservations:   s.Reservation,
		Reconciliation: s.Recon,
	})
	tenantID, _ := s.Tenant()
	return &harness{Stack: s, handler: srv.Handler(), tenantID: tenantID}
}

type envelope struct {
	Data  map[string]any `json:"data"`
	Error struct {
		Code  string `json:"code"`
		Field string `json:"field"`
	} `json:"error"`
}

func (h *harness) do(t *testing.T, method, path string, body any, headers ...string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", h.tenantID.String())
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	var env envelope
	if rec.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec, env
}

func (h *harness) topUp(t *testing.T, amount int64, key string) envelope {
	t.Helper()
	rec, env := h.do(t, http.MethodPost, "/v1/wallets/topup", map[string]any{"amount": amount, "idempotency_key": key})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return env
}

func TestHealthzAndMetrics(t *testing.T) {
	h := newHarness(t)

	rec, _ := h.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	h.topUp(t, 10, "k")
	rec, _ = h.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "credits_")
}

func TestTenantHeaderRequired(t *testing.T) {
	h := newHarness(t)

	for _, raw := range []string{"", "abc", "-4"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/wallets/balance", nil)
		if raw != "" {
			req.Header.Set("X-Tenant-ID", raw)
		}
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "header %q", raw)
		assert.Contains(t, rec.Body.String(), "tenant_required")
	}
}

func TestTopUpAndBalance(t *testing.T) {
	h := newHarness(t)

	rec, env := h.do(t, http.MethodPost, "/v1/wallets/topup", map[string]any{"amount": 500}, "Idempotency-Key", "pay-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec, env = h.do(t, http.MethodPost, "/v1/wallets/topup", map[string]any{"amount": 500}, "Idempotency-Key", "pay-1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, env.Data["replayed"])

	rec, env = h.do(t, http.MethodGet, "/v1/wallets/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 500, env.Data["current_balance"])
	assert.EqualValues(t, 500, env.Data["available"])

	rec, env = h.do(t, http.MethodPost, "/v1/wallets/grant", map[string]any{"amount": -5, "idempotency_key": "g"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "invalid_amount", env.Error.Code)

	rec, _ = h.do(t, http.MethodGet, "/v1/wallets/balance?user_id=nope", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTopUpWithoutKeyIsRejected(t *testing.T) {
	h := newHarness(t)
	rec, env := h.do(t, http.MethodPost, "/v1/wallets/topup", map[string]any{"amount": 10})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "invalid_idempotency_key", env.Error.Code)
}

func TestSubmitUsageOverHTTP(t *testing.T) {
	h := newHarness(t)
	h.topUp(t, 500, "fund")
	h.Price(t, "llm", "openai", "gpt-4o", "input_tokens", "0.0008")

	body := map[string]any{
		"feature_key": "chat",
		"items": []map[string]any{{
			"category": "llm", "provider": "openai", "model": "gpt-4o", "unit": "input_tokens", "quantity": "150000",
		}},
		"occurred_at": testutil.Epoch,
	}

	rec, env := h.do(t, http.MethodPost, "/v1/usage-events", body, "Idempotency-Key", "req-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	balance := env.Data["balance"].(map[string]any)
	assert.EqualValues(t, 380, balance["current_balance"])

	rec, env = h.do(t, http.MethodPost, "/v1/usage-events", body, "Idempotency-Key", "req-1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, env.Data["replayed"])

	rec, env = h.do(t, http.MethodGet, "/v1/usage-events/req-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "charged", env.Data["status"])

	rec, env = h.do(t, http.MethodPost, "/v1/usage-events/req-1/void", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_usage_event_transition", env.Error.Code)

	rec, env = h.do(t, http.MethodPost, "/v1/usage-events/req-1/reconcile", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "unchanged", env.Data["outcome"])

	rec, _ = h.do(t, http.MethodGet, "/v1/usage-events/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	unpriced := map[string]any{
		"feature_key": "chat",
		"items":       []map[string]any{{"category": "llm", "provider": "x", "model": "y", "unit": "z", "quantity": "1"}},
		"occurred_at": testutil.Epoch,
	}
	rec, env = h.do(t, http.MethodPost, "/v1/usage-events", unpriced, "Idempotency-Key", "req-2")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "price_not_found", env.Error.Code)

	rec, env = h.do(t, http.MethodPost, "/v1/usage-events", map[string]any{"items": []any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", env.Error.Code)
}

func TestSubmitUsageInsufficientBalance(t *testing.T) {
	h := newHarness(t)
	h.topUp(t, 10, "fund")

	body := map[string]any{
		"feature_key": "chat",
		"items":       []map[string]any{{"category": "api", "unit": "call", "quantity": "1", "cost": 50}},
		"occurred_at": testutil.Epoch,
	}
	rec, env := h.do(t, http.MethodPost, "/v1/usage-events", body, "Idempotency-Key", "big")
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "insufficient_balance", env.Error.Code)

	// A retry of the failed key reports the same failure, not a charge.
	rec, env = h.do(t, http.MethodPost, "/v1/usage-events", body, "Idempotency-Key", "big")
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "insufficient_balance", env.Error.Code)
}

func TestReservationsOverHTTP(t *testing.T) {
	h := newHarness(t)
	h.topUp(t, 380, "fund")

	rec, env := h.do(t, http.MethodPost, "/v1/reservations", map[string]any{"estimated_cost": 200, "feature_key": "render"}, "Idempotency-Key", "job-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	reservation := env.Data["reservation"].(map[string]any)
	id := reservation["id"].(string)

	rec, env = h.do(t, http.MethodGet, "/v1/reservations/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "active", env.Data["status"])

	rec, _ = h.do(t, http.MethodPost, "/v1/reservations/"+id+"/settle", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env = h.do(t, http.MethodPost, "/v1/reservations/"+id+"/settle", map[string]any{"actual_cost": 150})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	balance := env.Data["balance"].(map[string]any)
	assert.EqualValues(t, 230, balance["current_balance"])
	assert.EqualValues(t, 0, balance["reserved_balance"])

	rec, env = h.do(t, http.MethodPost, "/v1/reservations/"+id+"/release", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "reservation_closed", env.Error.Code)

	rec, env = h.do(t, http.MethodGet, "/v1/reservations/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "id", env.Error.Field)

	rec, _ = h.do(t, http.MethodGet, "/v1/reservations/12345", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLedgerEndpoints(t *testing.T) {
	h := newHarness(t)
	env := h.topUp(t, 100, "a")
	h.topUp(t, 50, "b")
	walletID := env.Data["balance"].(map[string]any)["wallet_id"].(string)

	rec, _ := h.do(t, http.MethodGet, "/v1/wallets/"+walletID+"/ledger?page_size=1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var page struct {
		Data     []map[string]any `json:"data"`
		PageInfo map[string]any   `json:"page_info"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Len(t, page.Data, 1)
	assert.Equal(t, true, page.PageInfo["has_more"])

	rec, _ = h.do(t, http.MethodGet, "/v1/wallets/"+walletID+"/ledger?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = h.do(t, http.MethodGet, "/v1/wallets/"+walletID+"/ledger/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-Record-Count"))
	sum := sha256.Sum256(rec.Body.Bytes())
	assert.Equal(t, hex.EncodeToString(sum[:]), rec.Header().Get("X-Checksum-SHA256"))

	rec, env = h.do(t, http.MethodGet, "/v1/wallets/"+walletID+"/ledger/export?format=xml", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "invalid_export_format", env.Error.Code)

	rec, env = h.do(t, http.MethodGet, "/v1/wallets/"+walletID+"/drift", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, env.Data["current_drift"])
}
