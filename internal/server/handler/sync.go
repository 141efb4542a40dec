package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// SyncService defines the on-demand venue refreshes.
type SyncService interface {
	SyncPositions(ctx context.Context, userID string) (domain.ActionResult, error)
	SyncOrders(ctx context.Context, userID string) (domain.ActionResult, error)
}

// SyncHandler serves the manual sync endpoints.
type SyncHandler struct {
	sync   SyncService
	logger *slog.Logger
}

func NewSyncHandler(sync SyncService, logger *slog.Logger) *SyncHandler {
	return &SyncHandler{sync: sync, logger: logger}
}

// SyncPositions POST /api/sync/positions
func (h *SyncHandler) SyncPositions(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	res, err := h.sync.SyncPositions(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, h.logger, "sync positions", err)
		return
	}
	writeResult(w, res)
}

// SyncOrders POST /api/sync/orders
func (h *SyncHandler) SyncOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	res, err := h.sync.SyncOrders(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, h.logger, "sync orders", err)
		return
	}
	writeResult(w, res)
}
