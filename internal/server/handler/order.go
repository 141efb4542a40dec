package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// OrderService defines the methods that the order handler requires from the
// service layer.
type OrderService interface {
	ListOrders(ctx context.Context, userID string, status domain.OrderStatus, opts domain.ListOpts) ([]domain.Order, error)
	EditOrder(ctx context.Context, userID, orderID string, price decimal.Decimal) (domain.ActionResult, error)
	CancelOrder(ctx context.Context, userID, orderID string) (domain.ActionResult, error)
}

// OrderHandler serves order-related HTTP endpoints.
type OrderHandler struct {
	orders OrderService
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler with the given service and logger.
func NewOrderHandler(orders OrderService, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{
		orders: orders,
		logger: logger,
	}
}

type orderView struct {
	ID             string          `json:"id"`
	ExternalID     string          `json:"order_id"`
	MarketID       string          `json:"market_id"`
	TokenID        string          `json:"token_id"`
	Side           string          `json:"side"`
	Outcome        string          `json:"outcome,omitempty"`
	Type           string          `json:"type"`
	Price          decimal.Decimal `json:"price"`
	Size           decimal.Decimal `json:"size"`
	SizeFilled     decimal.Decimal `json:"size_filled"`
	Remaining      decimal.Decimal `json:"remaining"`
	FillPercent    decimal.Decimal `json:"fill_percent"`
	Status         string          `json:"status"`
	MarketQuestion string          `json:"market_question,omitempty"`
	PositionID     *string         `json:"position_id,omitempty"`
	PlacedAt       *time.Time      `json:"placed_at,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// listOrdersResponse wraps the list orders response.
type listOrdersResponse struct {
	Orders []orderView `json:"orders"`
}

func newOrderView(o domain.Order) orderView {
	return orderView{
		ID:             o.ID,
		ExternalID:     o.ExternalID,
		MarketID:       o.MarketID,
		TokenID:        o.TokenID,
		Side:           string(o.Side),
		Outcome:        o.Outcome,
		Type:           string(o.Type),
		Price:          o.Price,
		Size:           o.Size,
		SizeFilled:     o.SizeFilled,
		Remaining:      o.Remaining(),
		FillPercent:    o.FillPercent().Round(2),
		Status:         string(o.Status),
		MarketQuestion: o.MarketQuestion,
		PositionID:     o.PositionID,
		PlacedAt:       o.PlacedAt,
		UpdatedAt:      o.UpdatedAt,
	}
}

// ListOrders returns the caller's order rows, newest first.
// GET /api/orders?status=LIVE&limit=50&offset=0
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}

	var status domain.OrderStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status = domain.NormalizeOrderStatus(raw)
		switch status {
		case domain.OrderStatusLive, domain.OrderStatusMatched, domain.OrderStatusCancelled:
		default:
			writeError(w, http.StatusBadRequest, "status must be LIVE, MATCHED or CANCELLED")
			return
		}
	}

	orders, err := h.orders.ListOrders(r.Context(), userID, status, parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "list orders", err)
		return
	}

	views := make([]orderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, newOrderView(o))
	}
	writeJSON(w, http.StatusOK, listOrdersResponse{Orders: views})
}

// EditOrder moves a resting order to a new price.
// PATCH /api/orders/{id}
func (h *OrderHandler) EditOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	price, err := decodePrice(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "edit order", err)
		return
	}
	res, err := h.orders.EditOrder(r.Context(), userID, r.PathValue("id"), price)
	if err != nil {
		writeServiceError(w, r, h.logger, "edit order", err)
		return
	}
	writeResult(w, res)
}

// CancelOrder cancels an existing order by its ID.
// DELETE /api/orders/{id}
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	res, err := h.orders.CancelOrder(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "cancel order", err)
		return
	}
	writeResult(w, res)
}
