package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// PositionService defines the methods that the position handler requires.
type PositionService interface {
	Portfolio(ctx context.Context, userID string) (domain.Portfolio, error)
	SetStopLoss(ctx context.Context, userID, positionID string, price decimal.Decimal) (domain.ActionResult, error)
	RemoveStopLoss(ctx context.Context, userID, positionID string) (domain.ActionResult, error)
	SetTakeProfit(ctx context.Context, userID, positionID string, price decimal.Decimal) (domain.ActionResult, error)
	CancelTakeProfit(ctx context.Context, userID, positionID string) (domain.ActionResult, error)
	MarketSell(ctx context.Context, userID, positionID string) (domain.ActionResult, error)
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given service and logger.
func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logger,
	}
}

type stopLossView struct {
	TriggerPrice decimal.Decimal `json:"trigger_price"`
	State        string          `json:"state"`
	Unconfirmed  bool            `json:"unconfirmed,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
}

type takeProfitView struct {
	TargetPrice decimal.Decimal `json:"target_price"`
	OrderID     string          `json:"order_id"`
	State       string          `json:"state"`
}

type positionView struct {
	ID            string           `json:"id"`
	MarketID      string           `json:"market_id"`
	TokenID       string           `json:"token_id"`
	Outcome       string           `json:"outcome"`
	Title         string           `json:"title,omitempty"`
	Slug          string           `json:"slug,omitempty"`
	Icon          string           `json:"icon,omitempty"`
	Size          decimal.Decimal  `json:"size"`
	AvgPrice      decimal.Decimal  `json:"avg_price"`
	CurrentPrice  *decimal.Decimal `json:"current_price"`
	CostBasis     decimal.Decimal  `json:"cost_basis"`
	CurrentValue  decimal.Decimal  `json:"current_value"`
	UnrealizedPnL decimal.Decimal  `json:"unrealized_pnl"`
	PnLPercent    decimal.Decimal  `json:"pnl_percent"`
	RealizedPnL   decimal.Decimal  `json:"realized_pnl"`
	Redeemable    bool             `json:"redeemable"`
	StopLoss      *stopLossView    `json:"stop_loss,omitempty"`
	TakeProfit    *takeProfitView  `json:"take_profit,omitempty"`
	SyncedAt      *time.Time       `json:"synced_at,omitempty"`
}

type portfolioResponse struct {
	Positions          []positionView  `json:"positions"`
	TotalValue         decimal.Decimal `json:"total_value"`
	TotalCost          decimal.Decimal `json:"total_cost"`
	TotalUnrealizedPnL decimal.Decimal `json:"total_unrealized_pnl"`
	TotalRealizedPnL   decimal.Decimal `json:"total_realized_pnl"`
	TotalPnLPercent    decimal.Decimal `json:"total_pnl_percent"`
}

func newPositionView(p domain.Position) positionView {
	v := positionView{
		ID:            p.ID,
		MarketID:      p.MarketID,
		TokenID:       p.TokenID,
		Outcome:       p.Outcome,
		Title:         p.Title,
		Slug:          p.Slug,
		Icon:          p.Icon,
		Size:          p.Size,
		AvgPrice:      p.AvgPrice,
		CurrentPrice:  p.CurrentPrice,
		CostBasis:     p.CostBasis(),
		CurrentValue:  p.CurrentValue(),
		UnrealizedPnL: p.UnrealizedPnL(),
		PnLPercent:    p.PnLPercent().Round(2),
		RealizedPnL:   p.RealizedPnL,
		Redeemable:    p.Redeemable,
		SyncedAt:      p.SyncedAt,
	}
	if sl := p.StopLoss; sl != nil {
		v.StopLoss = &stopLossView{
			TriggerPrice: sl.TriggerPrice,
			State:        string(sl.State),
			Unconfirmed:  sl.Unconfirmed,
			LastError:    sl.LastError,
		}
	}
	if tp := p.TakeProfit; tp != nil {
		v.TakeProfit = &takeProfitView{
			TargetPrice: tp.TargetPrice,
			OrderID:     tp.OrderID,
			State:       string(tp.State),
		}
	}
	return v
}

// ListPositions returns the caller's portfolio with derived fields and totals.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}

	pf, err := h.positions.Portfolio(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, h.logger, "list positions", err)
		return
	}

	views := make([]positionView, 0, len(pf.Positions))
	for _, p := range pf.Positions {
		views = append(views, newPositionView(p))
	}
	writeJSON(w, http.StatusOK, portfolioResponse{
		Positions:          views,
		TotalValue:         pf.TotalValue,
		TotalCost:          pf.TotalCost,
		TotalUnrealizedPnL: pf.TotalUnrealizedPnL,
		TotalRealizedPnL:   pf.TotalRealizedPnL,
		TotalPnLPercent:    pf.TotalPnLPercent.Round(2),
	})
}

// SetStopLoss arms or moves the position's stop loss.
// POST /api/positions/{id}/stop-loss
func (h *PositionHandler) SetStopLoss(w http.ResponseWriter, r *http.Request) {
	h.withPrice(w, r, "set stop loss", h.positions.SetStopLoss)
}

// RemoveStopLoss disarms the position's stop loss.
// DELETE /api/positions/{id}/stop-loss
func (h *PositionHandler) RemoveStopLoss(w http.ResponseWriter, r *http.Request) {
	h.do(w, r, "remove stop loss", h.positions.RemoveStopLoss)
}

// SetTakeProfit places or moves the position's take-profit order.
// POST /api/positions/{id}/take-profit
func (h *PositionHandler) SetTakeProfit(w http.ResponseWriter, r *http.Request) {
	h.withPrice(w, r, "set take profit", h.positions.SetTakeProfit)
}

// CancelTakeProfit cancels the position's take-profit order.
// DELETE /api/positions/{id}/take-profit
func (h *PositionHandler) CancelTakeProfit(w http.ResponseWriter, r *http.Request) {
	h.do(w, r, "cancel take profit", h.positions.CancelTakeProfit)
}

// MarketSell sells the whole position at the best bid.
// POST /api/positions/{id}/sell
func (h *PositionHandler) MarketSell(w http.ResponseWriter, r *http.Request) {
	h.do(w, r, "market sell", h.positions.MarketSell)
}

func (h *PositionHandler) do(w http.ResponseWriter, r *http.Request, op string,
	fn func(ctx context.Context, userID, positionID string) (domain.ActionResult, error)) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	res, err := fn(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, op, err)
		return
	}
	writeResult(w, res)
}

func (h *PositionHandler) withPrice(w http.ResponseWriter, r *http.Request, op string,
	fn func(ctx context.Context, userID, positionID string, price decimal.Decimal) (domain.ActionResult, error)) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	price, err := decodePrice(r)
	if err != nil {
		writeServiceError(w, r, h.logger, op, err)
		return
	}
	res, err := fn(r.Context(), userID, r.PathValue("id"), price)
	if err != nil {
		writeServiceError(w, r, h.logger, op, err)
		return
	}
	writeResult(w, res)
}
