package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/server/middleware"
)

// actionResponse is the envelope of every mutating endpoint.
type actionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	OrderID string `json:"order_id,omitempty"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// priceRequest is the body of every endpoint that takes a limit or trigger.
type priceRequest struct {
	Price *decimal.Decimal `json:"price"`
}

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"success":false,"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeResult(w http.ResponseWriter, res domain.ActionResult) {
	writeJSON(w, http.StatusOK, actionResponse{Success: true, Message: res.Message, OrderID: res.OrderID})
}

// writeServiceError maps a service error onto a status code and a message
// safe to show the caller. Unclassified errors are logged and hidden.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	status, msg := classify(err)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: "+op+" failed",
			slog.String("user_id", middleware.UserID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
	writeError(w, status, msg)
}

func classify(err error) (int, string) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, verr.Error()
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "invalid request"
	case errors.Is(err, domain.ErrUnmapped):
		return http.StatusNotFound, "market is not known yet, sync and retry"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, domain.ErrExecutionInProgress):
		return http.StatusConflict, "a stop loss is executing on this position"
	case errors.Is(err, domain.ErrOrderFilled):
		return http.StatusConflict, "order already filled"
	case errors.Is(err, domain.ErrConcurrentClaimLost), errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict, "another operation is in progress, retry"
	case errors.Is(err, domain.ErrCredential):
		return http.StatusPreconditionFailed, "trading credentials are missing or unusable"
	case errors.Is(err, domain.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "insufficient balance"
	case errors.Is(err, domain.ErrVenueRejected):
		return http.StatusUnprocessableEntity, "rejected by exchange"
	case errors.Is(err, domain.ErrPriceUnavailable):
		return http.StatusServiceUnavailable, "price unavailable"
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests, "exchange rate limit, retry shortly"
	case errors.Is(err, domain.ErrUnconfirmed):
		return http.StatusGatewayTimeout, "exchange did not confirm, sync orders before retrying"
	case errors.Is(err, domain.ErrNetwork):
		return http.StatusBadGateway, "exchange unreachable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// decodePrice reads a {"price": ...} body. The price may be a JSON number or
// a decimal string.
func decodePrice(r *http.Request) (decimal.Decimal, error) {
	var req priceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return decimal.Decimal{}, domain.Invalid("body", "%v", err)
	}
	if req.Price == nil {
		return decimal.Decimal{}, domain.Invalid("price", "is required")
	}
	return *req.Price, nil
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	limit = min(limit, 500)

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}

// caller returns the authenticated user or writes a 401.
func caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := middleware.UserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return "", false
	}
	return userID, true
}
