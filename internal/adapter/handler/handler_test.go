package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rl1809/share-ledger/internal/adapter/storage"
	"github.com/rl1809/share-ledger/internal/core/domain"
	"github.com/rl1809/share-ledger/internal/core/service"
	"github.com/rl1809/share-ledger/internal/metrics"
)

type mockMonitor struct {
	score      service.HealthScore
	scoreErr   error
	scoreCalls int
	report     service.ReconciliationReport
	reportErr  error
}

func (m *mockMonitor) HealthScore(context.Context) (service.HealthScore, error) {
	m.scoreCalls++
	return m.score, m.scoreErr
}

func (m *mockMonitor) Reconcile(context.Context) (service.ReconciliationReport, error) {
	return m.report, m.reportErr
}

type mockScores struct {
	score service.HealthScore
	ok    bool
}

func (m mockScores) Latest() (service.HealthScore, bool) { return m.score, m.ok }

type mockWallets struct {
	wallets   map[string]*domain.Wallet
	verifyErr error
}

func (m *mockWallets) Balance(_ context.Context, id string) (*domain.Wallet, error) {
	w, ok := m.wallets[id]
	if !ok {
		return nil, domain.ErrWalletNotFound
	}
	return w, nil
}

func (m *mockWallets) VerifyHistory(context.Context, string) error { return m.verifyErr }

func serve(t *testing.T, h *HTTPHandler, path string) *httptest.ResponseRecorder {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics.New(reg)
	rec := httptest.NewRecorder()
	h.Routes(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHTTP_Health(t *testing.T) {
	rec := serve(t, NewHTTPHandler(mockScores{}, &mockMonitor{}, &mockWallets{}, zerolog.Nop()), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHTTP_Routing(t *testing.T) {
	h := NewHTTPHandler(mockScores{}, &mockMonitor{}, &mockWallets{}, zerolog.Nop())

	rec := serve(t, h, "/health/")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.Routes(prometheus.NewRegistry()).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHTTP_ConservationHealth(t *testing.T) {
	tests := []struct {
		name   string
		status service.HealthStatus
		code   int
	}{
		{"healthy", service.HealthHealthy, http.StatusOK},
		{"warning", service.HealthWarning, http.StatusOK},
		{"critical", service.HealthCritical, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scores := mockScores{score: service.HealthScore{Total: 10, Passing: 9, Ratio: 0.9, Status: tt.status}, ok: true}
			rec := serve(t, NewHTTPHandler(scores, &mockMonitor{}, &mockWallets{}, zerolog.Nop()), "/conservation/health")
			assert.Equal(t, tt.code, rec.Code)

			var got service.HealthScore
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			assert.Equal(t, tt.status, got.Status)
		})
	}
}

func TestHTTP_ConservationHealthServesLastRefresh(t *testing.T) {
	m := &mockMonitor{score: service.HealthScore{Total: 4, Passing: 4, Ratio: 1, Status: service.HealthHealthy}}
	reporter := NewHealthReporter(m, zerolog.Nop())
	h := NewHTTPHandler(reporter, m, &mockWallets{}, zerolog.Nop())

	rec := serve(t, h, "/conservation/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, 0, m.scoreCalls)

	reporter.Refresh(context.Background())
	for i := 0; i < 3; i++ {
		rec = serve(t, h, "/conservation/health")
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Equal(t, 1, m.scoreCalls)

	m.scoreErr = errors.New("db down")
	reporter.Refresh(context.Background())
	rec = serve(t, h, "/conservation/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHTTP_ConservationReport(t *testing.T) {
	m := &mockMonitor{report: service.ReconciliationReport{ProductsChecked: 3, Violations: []service.Violation{
		{Report: service.ConservationReport{ProductRef: "p1"}, Direction: service.DirectionOverReported},
	}}}
	rec := serve(t, NewHTTPHandler(mockScores{}, m, &mockWallets{}, zerolog.Nop()), "/conservation/report")
	require.Equal(t, http.StatusOK, rec.Code)

	var got service.ReconciliationReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 3, got.ProductsChecked)
	require.Len(t, got.Violations, 1)
	assert.Equal(t, service.DirectionOverReported, got.Violations[0].Direction)

	m.reportErr = storage.ErrLockHeld
	rec = serve(t, NewHTTPHandler(mockScores{}, m, &mockWallets{}, zerolog.Nop()), "/conservation/report")
	assert.Equal(t, http.StatusConflict, rec.Code)

	m.reportErr = errors.New("db down")
	rec = serve(t, NewHTTPHandler(mockScores{}, m, &mockWallets{}, zerolog.Nop()), "/conservation/report")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHTTP_Wallet(t *testing.T) {
	w := domain.NewWallet("u1")
	w.Balance = domain.MustMoney("7")
	wallets := &mockWallets{wallets: map[string]*domain.Wallet{w.ID: w}}
	h := NewHTTPHandler(mockScores{}, &mockMonitor{}, wallets, zerolog.Nop())

	rec := serve(t, h, "/wallets/"+w.ID)
	require.Equal(t, http.StatusOK, rec.Code)
	var got WalletResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "7.00", got.Balance)
	assert.True(t, got.HistoryVerified)

	wallets.verifyErr = errors.New("chain broken")
	rec = serve(t, h, "/wallets/"+w.ID)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.False(t, got.HistoryVerified)
	assert.Equal(t, "chain broken", got.HistoryError)

	rec = serve(t, h, "/wallets/wlt_missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTP_Metrics(t *testing.T) {
	rec := serve(t, NewHTTPHandler(mockScores{}, &mockMonitor{}, &mockWallets{}, zerolog.Nop()), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "share_ledger_conservation_health_ratio")
}

func TestHealthReporter_Refresh(t *testing.T) {
	m := &mockMonitor{score: service.HealthScore{Ratio: 1, Status: service.HealthHealthy}}
	h := NewHealthReporter(m, zerolog.Nop())
	check := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := h.server.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ConservationService})
		require.NoError(t, err)
		return resp.Status
	}

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, h.Refresh(context.Background()))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check())

	m.score.Status = service.HealthWarning
	h.Refresh(context.Background())
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check())

	m.score.Status = service.HealthCritical
	h.Refresh(context.Background())
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())

	m.score.Status = service.HealthHealthy
	m.scoreErr = errors.New("db down")
	h.Refresh(context.Background())
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())
}
