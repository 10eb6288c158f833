package handler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rl1809/share-ledger/internal/core/service"
)

// ConservationService is the gRPC health service name fed by the
// conservation health score. The empty name reports the same status.
const ConservationService = "shareledger.Conservation"

type ScoreSource interface {
	HealthScore(ctx context.Context) (service.HealthScore, error)
}

// HealthReporter publishes the conservation health score through the
// standard gRPC health protocol and keeps the last score for HTTP readers.
type HealthReporter struct {
	server *health.Server
	scores ScoreSource
	logger zerolog.Logger

	mu     sync.RWMutex
	latest service.HealthScore
	valid  bool
}

func NewHealthReporter(scores ScoreSource, logger zerolog.Logger) *HealthReporter {
	return &HealthReporter{
		server: health.NewServer(),
		scores: scores,
		logger: logger.With().Str("component", "grpc_health").Logger(),
	}
}

func (h *HealthReporter) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.server)
}

// Refresh recomputes the score and updates the served status. A failed
// sweep reports NOT_SERVING.
func (h *HealthReporter) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	score, err := h.scores.HealthScore(ctx)
	switch {
	case err != nil:
		h.logger.Error().Err(err).Msg("health score failed")
		status = healthpb.HealthCheckResponse_NOT_SERVING
	case score.Status == service.HealthCritical:
		h.logger.Warn().Float64("ratio", score.Ratio).Msg("conservation health critical")
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.server.SetServingStatus(ConservationService, status)
	h.server.SetServingStatus("", status)

	h.mu.Lock()
	h.latest, h.valid = score, err == nil
	h.mu.Unlock()
	return status
}

// Latest returns the score of the last refresh. ok is false before the
// first refresh and after a failed one.
func (h *HealthReporter) Latest() (service.HealthScore, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.latest, h.valid
}

// Run refreshes every interval until ctx is done.
func (h *HealthReporter) Run(ctx context.Context, interval time.Duration) {
	h.Refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Refresh(ctx)
		}
	}
}

// Shutdown marks every service NOT_SERVING ahead of GracefulStop.
func (h *HealthReporter) Shutdown() {
	h.server.Shutdown()
}
