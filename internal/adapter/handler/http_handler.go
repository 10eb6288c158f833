package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi"
	chimiddleware "github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/rl1809/share-ledger/internal/adapter/storage"
	"github.com/rl1809/share-ledger/internal/core/domain"
	"github.com/rl1809/share-ledger/internal/core/service"
)

// ConservationMonitor runs a reconciliation sweep on demand.
type ConservationMonitor interface {
	Reconcile(ctx context.Context) (service.ReconciliationReport, error)
}

// ScoreCache serves the health score computed by the last background
// refresh, so reads never start a locking sweep.
type ScoreCache interface {
	Latest() (service.HealthScore, bool)
}

type WalletReader interface {
	Balance(ctx context.Context, walletRef string) (*domain.Wallet, error)
	VerifyHistory(ctx context.Context, walletRef string) error
}

// HTTPHandler serves the read-only operator surface.
type HTTPHandler struct {
	scores       ScoreCache
	conservation ConservationMonitor
	wallets      WalletReader
	logger       zerolog.Logger
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type WalletResponse struct {
	WalletID        string `json:"wallet_id"`
	UserID          string `json:"user_id"`
	Balance         string `json:"balance"`
	LockedBalance   string `json:"locked_balance"`
	HistoryVerified bool   `json:"history_verified"`
	HistoryError    string `json:"history_error,omitempty"`
}

func NewHTTPHandler(scores ScoreCache, conservation ConservationMonitor, wallets WalletReader, logger zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{
		scores:       scores,
		conservation: conservation,
		wallets:      wallets,
		logger:       logger.With().Str("component", "http").Logger(),
	}
}

// Routes registers every endpoint, including /metrics served from gatherer.
func (h *HTTPHandler) Routes(gatherer prometheus.Gatherer) *chi.Mux {
	router := chi.NewRouter()
	router.Use(chimiddleware.StripSlashes)
	router.Use(chimiddleware.Recoverer)

	router.Get("/health", h.HealthCheck)
	router.Get("/conservation/health", h.ConservationHealth)
	router.Get("/conservation/report", h.ConservationReport)
	router.Get("/wallets/{walletID}", h.Wallet)
	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return router
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ConservationHealth answers 503 when the score is critical or unknown so
// load balancers can act on it.
func (h *HTTPHandler) ConservationHealth(w http.ResponseWriter, r *http.Request) {
	score, ok := h.scores.Latest()
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "health score unavailable"})
		return
	}
	status := http.StatusOK
	if score.Status == service.HealthCritical {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, score)
}

func (h *HTTPHandler) ConservationReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.conservation.Reconcile(r.Context())
	if err != nil {
		if errors.Is(err, storage.ErrLockHeld) {
			writeJSON(w, http.StatusConflict, ErrorResponse{Error: "reconciliation already running"})
			return
		}
		h.logger.Error().Err(err).Msg("reconciliation report failed")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *HTTPHandler) Wallet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "walletID")
	wallet, err := h.wallets.Balance(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrWalletNotFound) {
			writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "wallet not found"})
			return
		}
		h.logger.Error().Err(err).Str("wallet_id", id).Msg("wallet lookup failed")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		return
	}

	resp := WalletResponse{
		WalletID:        wallet.ID,
		UserID:          wallet.UserRef,
		Balance:         wallet.Balance.StringFixed(domain.MoneyScale),
		LockedBalance:   wallet.LockedBalance.StringFixed(domain.MoneyScale),
		HistoryVerified: true,
	}
	if err := h.wallets.VerifyHistory(r.Context(), id); err != nil {
		resp.HistoryVerified = false
		resp.HistoryError = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
