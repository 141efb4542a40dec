package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyguard/internal/crypto"
	"github.com/alanyoungcy/polyguard/internal/domain"
)

const zeroAddress = "0x0000000000000000000000000000000000000000"

// usdcUnits is the fixed-point scale of share and collateral amounts.
var usdcUnits = decimal.NewFromInt(1_000_000)

// Credentials is the decrypted material needed to sign one request. It is
// only valid inside a vault reveal scope.
type Credentials interface {
	Signer() (*crypto.Signer, error)
	Auth() (*crypto.HMACAuth, error)
	ProxyWallet() string
}

// SignedRequest is a fully authenticated CLOB request. Building one needs
// Credentials; sending one does not, so the network round trip happens after
// the key material has been wiped.
type SignedRequest struct {
	Method string
	Path   string
	Query  url.Values
	Body   []byte
	Header http.Header

	side    domain.OrderSide
	orderID string
}

// ClobClient is the REST client for the Polymarket CLOB (Central Limit
// Order Book) API. It handles order placement, cancellation, and queries.
type ClobClient struct {
	baseURL       string
	httpClient    *http.Client
	signatureType int
}

// NewClobClient creates a new CLOB REST client.
//
// baseURL is the CLOB API root, e.g. "https://clob.polymarket.com".
// signatureType is written into every signed order.
func NewClobClient(baseURL string, signatureType int, timeout time.Duration) *ClobClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ClobClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		signatureType: signatureType,
	}
}

// --------------------------------------------------------------------------
// Request preparation (inside a reveal scope)
// --------------------------------------------------------------------------

// PrepareOrder signs req and builds the POST /order request.
func (c *ClobClient) PrepareOrder(creds Credentials, req domain.OrderRequest) (SignedRequest, error) {
	signer, auth, err := unwrap(creds)
	if err != nil {
		return SignedRequest{}, err
	}

	makerAmt, takerAmt, err := orderAmounts(req)
	if err != nil {
		return SignedRequest{}, err
	}

	maker := creds.ProxyWallet()
	if c.signatureType == crypto.SignatureEOA || maker == "" {
		maker = signer.Address().Hex()
	}
	side := 0
	if req.Side == domain.OrderSideSell {
		side = 1
	}
	payload := crypto.OrderPayload{
		Salt:          strconv.FormatInt(rand.Int64N(1<<52), 10),
		Maker:         maker,
		Signer:        signer.Address().Hex(),
		Taker:         zeroAddress,
		TokenID:       req.TokenID,
		MakerAmount:   makerAmt,
		TakerAmount:   takerAmt,
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          side,
		SignatureType: c.signatureType,
	}
	sig, err := signer.SignOrder(payload, req.NegRisk)
	if err != nil {
		return SignedRequest{}, fmt.Errorf("polymarket/clob: sign order: %w", err)
	}

	salt, _ := strconv.ParseInt(payload.Salt, 10, 64)
	tif := req.TimeInForce
	if tif == "" {
		tif = domain.OrderTypeGTC
	}
	body, err := json.Marshal(postOrderBody{
		Order: signedOrderJSON{
			Salt:          salt,
			Maker:         payload.Maker,
			Signer:        payload.Signer,
			Taker:         payload.Taker,
			TokenID:       payload.TokenID,
			MakerAmount:   payload.MakerAmount,
			TakerAmount:   payload.TakerAmount,
			Expiration:    payload.Expiration,
			Nonce:         payload.Nonce,
			FeeRateBps:    payload.FeeRateBps,
			Side:          string(req.Side),
			SignatureType: payload.SignatureType,
			Signature:     sig,
		},
		Owner:     string(auth.Key),
		OrderType: string(tif.TimeInForce()),
	})
	if err != nil {
		return SignedRequest{}, fmt.Errorf("polymarket/clob: marshal order: %w", err)
	}

	sr, err := sign(signer, auth, http.MethodPost, "/order", body)
	sr.side = req.Side
	return sr, err
}

// PrepareCancel builds the DELETE /order request for orderID.
func (c *ClobClient) PrepareCancel(creds Credentials, orderID string) (SignedRequest, error) {
	signer, auth, err := unwrap(creds)
	if err != nil {
		return SignedRequest{}, err
	}
	body, _ := json.Marshal(map[string]string{"orderID": orderID})
	sr, err := sign(signer, auth, http.MethodDelete, "/order", body)
	sr.orderID = orderID
	return sr, err
}

// PrepareGetOrder builds the GET /data/order/{id} request.
func (c *ClobClient) PrepareGetOrder(creds Credentials, orderID string) (SignedRequest, error) {
	signer, auth, err := unwrap(creds)
	if err != nil {
		return SignedRequest{}, err
	}
	sr, err := sign(signer, auth, http.MethodGet, "/data/order/"+url.PathEscape(orderID), nil)
	sr.orderID = orderID
	return sr, err
}

// PrepareOpenOrders builds the GET /data/orders request. The L2 signature
// covers the path only, so the same headers serve every page.
func (c *ClobClient) PrepareOpenOrders(creds Credentials) (SignedRequest, error) {
	signer, auth, err := unwrap(creds)
	if err != nil {
		return SignedRequest{}, err
	}
	return sign(signer, auth, http.MethodGet, "/data/orders", nil)
}

// --------------------------------------------------------------------------
// Sending (outside the reveal scope)
// --------------------------------------------------------------------------

// PostOrder submits a signed order. A timeout is reported as ErrUnconfirmed
// since the venue may have accepted the order.
func (c *ClobClient) PostOrder(ctx context.Context, sr SignedRequest) (domain.PlacedOrder, error) {
	respBody, err := c.send(ctx, sr, nil, true)
	if err != nil {
		return domain.PlacedOrder{}, fmt.Errorf("polymarket/clob: post order: %w", err)
	}

	var res APIOrderResult
	if err := json.Unmarshal(respBody, &res); err != nil {
		return domain.PlacedOrder{}, fmt.Errorf("polymarket/clob: decode order result: %w", err)
	}
	if !res.Success || res.OrderID == "" {
		return domain.PlacedOrder{}, fmt.Errorf("polymarket/clob: order rejected: %w", rejection(res.ErrorMsg))
	}

	// Shares are what the maker gives on a sell and receives on a buy.
	filled := res.TakingAmount.Decimal()
	if sr.side == domain.OrderSideSell {
		filled = res.MakingAmount.Decimal()
	}
	status := domain.NormalizeOrderStatus(res.Status)
	if status == "" {
		status = domain.OrderStatusLive
	}
	return domain.PlacedOrder{OrderID: res.OrderID, Status: status, SizeFilled: filled}, nil
}

// Cancel cancels one order. An order the venue reports as already closed
// yields a no-op outcome instead of an error.
func (c *ClobClient) Cancel(ctx context.Context, sr SignedRequest) (domain.CancelOutcome, error) {
	respBody, err := c.send(ctx, sr, nil, false)
	if err != nil {
		return "", fmt.Errorf("polymarket/clob: cancel order %s: %w", sr.orderID, err)
	}

	var res cancelResponse
	if err := json.Unmarshal(respBody, &res); err != nil {
		return "", fmt.Errorf("polymarket/clob: decode cancel response: %w", err)
	}
	for _, id := range res.Canceled {
		if id == sr.orderID {
			return domain.CancelOutcomeCancelled, nil
		}
	}
	reason, ok := res.NotCanceled[sr.orderID]
	if !ok && len(res.Canceled) == 0 && len(res.NotCanceled) == 1 {
		for _, r := range res.NotCanceled {
			reason, ok = r, true
		}
	}
	if !ok {
		return "", fmt.Errorf("polymarket/clob: cancel order %s: %w: no outcome reported", sr.orderID, domain.ErrVenueRejected)
	}
	switch r := strings.ToLower(reason); {
	case strings.Contains(r, "matched"), strings.Contains(r, "filled"):
		return domain.CancelOutcomeAlreadyFilled, nil
	case strings.Contains(r, "already canceled"), strings.Contains(r, "already cancelled"):
		return domain.CancelOutcomeAlreadyCancelled, nil
	default:
		// Covers "not found": the caller resolves it with GetOrder.
		return "", fmt.Errorf("polymarket/clob: cancel order %s: %w: %s", sr.orderID, domain.ErrVenueRejected, reason)
	}
}

// GetOrder fetches a single order.
func (c *ClobClient) GetOrder(ctx context.Context, sr SignedRequest) (domain.Order, error) {
	respBody, err := c.send(ctx, sr, nil, false)
	if err != nil {
		return domain.Order{}, fmt.Errorf("polymarket/clob: get order %s: %w", sr.orderID, err)
	}
	trimmed := bytes.TrimSpace(respBody)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return domain.Order{}, fmt.Errorf("polymarket/clob: get order %s: %w", sr.orderID, domain.ErrNotFound)
	}

	var o APIOrder
	if err := json.Unmarshal(trimmed, &o); err != nil {
		return domain.Order{}, fmt.Errorf("polymarket/clob: decode order: %w", err)
	}
	if o.ID == "" {
		return domain.Order{}, fmt.Errorf("polymarket/clob: get order %s: %w", sr.orderID, domain.ErrNotFound)
	}
	return o.ToDomainOrder(), nil
}

// OpenOrders walks every page of the caller's open orders.
func (c *ClobClient) OpenOrders(ctx context.Context, sr SignedRequest) ([]domain.Order, error) {
	var out []domain.Order
	cursor := ""
	for page := 0; page < 100; page++ {
		q := url.Values{}
		if cursor != "" {
			q.Set("next_cursor", cursor)
		}
		respBody, err := c.send(ctx, sr, q, false)
		if err != nil {
			return nil, fmt.Errorf("polymarket/clob: open orders: %w", err)
		}

		var p openOrdersPage
		if err := json.Unmarshal(respBody, &p); err != nil {
			// Older deployments answer with a bare array.
			var arr []APIOrder
			if err2 := json.Unmarshal(respBody, &arr); err2 != nil {
				return nil, fmt.Errorf("polymarket/clob: decode orders: %w", err)
			}
			p.Data, p.NextCursor = arr, endCursor
		}
		for i := range p.Data {
			out = append(out, p.Data[i].ToDomainOrder())
		}
		if p.NextCursor == "" || p.NextCursor == endCursor || len(p.Data) == 0 {
			return out, nil
		}
		cursor = p.NextCursor
	}
	return out, nil
}

// --------------------------------------------------------------------------
// Public market data
// --------------------------------------------------------------------------

// BestBid returns the price a sell would receive right now. An empty book
// yields ErrPriceUnavailable.
func (c *ClobClient) BestBid(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	q := url.Values{"token_id": {tokenID}, "side": {"sell"}}
	var res priceResponse
	if err := c.getPublic(ctx, "/price", q, &res); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return decimal.Zero, fmt.Errorf("polymarket/clob: best bid %s: %w", tokenID, domain.ErrPriceUnavailable)
		}
		return decimal.Zero, fmt.Errorf("polymarket/clob: best bid %s: %w", tokenID, err)
	}
	p := res.Price.Decimal()
	if !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("polymarket/clob: best bid %s: %w", tokenID, domain.ErrPriceUnavailable)
	}
	return p, nil
}

// Midpoint returns the mid of the best bid and ask.
func (c *ClobClient) Midpoint(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	var res midpointResponse
	if err := c.getPublic(ctx, "/midpoint", url.Values{"token_id": {tokenID}}, &res); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return decimal.Zero, fmt.Errorf("polymarket/clob: midpoint %s: %w", tokenID, domain.ErrPriceUnavailable)
		}
		return decimal.Zero, fmt.Errorf("polymarket/clob: midpoint %s: %w", tokenID, err)
	}
	p := res.Mid.Decimal()
	if !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("polymarket/clob: midpoint %s: %w", tokenID, domain.ErrPriceUnavailable)
	}
	return p, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

func unwrap(creds Credentials) (*crypto.Signer, *crypto.HMACAuth, error) {
	signer, err := creds.Signer()
	if err != nil {
		return nil, nil, err
	}
	auth, err := creds.Auth()
	if err != nil {
		return nil, nil, err
	}
	return signer, auth, nil
}

func sign(signer *crypto.Signer, auth *crypto.HMACAuth, method, path string, body []byte) (SignedRequest, error) {
	h, err := auth.L2Headers(signer.Address().Hex(), method, path, string(body))
	if err != nil {
		return SignedRequest{}, fmt.Errorf("polymarket/clob: l2 headers: %w", err)
	}
	if body != nil {
		h.Set("Content-Type", "application/json")
	}
	return SignedRequest{Method: method, Path: path, Body: body, Header: h}, nil
}

// orderAmounts converts size and price to the exchange's 1e6 fixed-point
// maker and taker amounts. Size is truncated to cents so a sell never offers
// more than is held.
func orderAmounts(req domain.OrderRequest) (maker, taker string, err error) {
	size := req.Size.Truncate(2)
	if !size.IsPositive() {
		return "", "", domain.Invalid("size", "must be at least 0.01, got %s", req.Size.String())
	}
	price, err := domain.ValidateOutcomePrice("price", req.Price)
	if err != nil {
		return "", "", err
	}
	shares := size.Mul(usdcUnits).Floor()
	notional := size.Mul(price).Mul(usdcUnits).Floor()
	switch req.Side {
	case domain.OrderSideSell:
		return shares.String(), notional.String(), nil
	case domain.OrderSideBuy:
		return notional.String(), shares.String(), nil
	default:
		return "", "", domain.Invalid("side", "unknown side %q", req.Side)
	}
}

// send performs sr against the CLOB with optional extra query parameters.
func (c *ClobClient) send(ctx context.Context, sr SignedRequest, extra url.Values, mutating bool) ([]byte, error) {
	u := c.baseURL + sr.Path
	q := url.Values{}
	for k, v := range sr.Query {
		q[k] = v
	}
	for k, v := range extra {
		q[k] = v
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var body io.Reader
	if sr.Body != nil {
		body = bytes.NewReader(sr.Body)
	}
	req, err := http.NewRequestWithContext(ctx, sr.Method, u, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range sr.Header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")

	return doRequest(c.httpClient, req, mutating)
}

func (c *ClobClient) getPublic(ctx context.Context, path string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	respBody, err := doRequest(c.httpClient, req, false)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// doRequest sends req and maps transport and status failures to domain
// errors. When mutating is set, timeouts become ErrUnconfirmed.
func doRequest(client *http.Client, req *http.Request, mutating bool) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyTransport(err, mutating)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport(err, mutating)
	}
	if mutating && resp.StatusCode == http.StatusGatewayTimeout {
		return nil, fmt.Errorf("%w: HTTP 504", domain.ErrUnconfirmed)
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

func classifyTransport(err error, mutating bool) error {
	var ne net.Error
	timedOut := errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout())
	switch {
	case timedOut && mutating:
		return fmt.Errorf("%w: %v", domain.ErrUnconfirmed, err)
	case timedOut:
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%w: %v", domain.ErrNetwork, err)
	}
}

// checkHTTPStatus maps non-2xx status codes to appropriate domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	msg := errorMessage(body)
	switch {
	case statusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, msg)
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrCredential, statusCode, msg)
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, msg)
	case statusCode >= 500:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrNetwork, statusCode, msg)
	default:
		return fmt.Errorf("HTTP %d: %w", statusCode, rejection(msg))
	}
}

// rejection classifies a venue business error message.
func rejection(msg string) error {
	if msg == "" {
		msg = "no reason given"
	}
	if strings.Contains(strings.ToLower(msg), "balance") {
		return fmt.Errorf("%w: %s", domain.ErrInsufficientBalance, msg)
	}
	return fmt.Errorf("%w: %s", domain.ErrVenueRejected, msg)
}

// errorMessage extracts {"error": "..."} or {"errorMsg": "..."} from a body,
// falling back to the raw text.
func errorMessage(body []byte) string {
	var e struct {
		Error    string `json:"error"`
		ErrorMsg string `json:"errorMsg"`
	}
	if json.Unmarshal(body, &e) == nil {
		if e.Error != "" {
			return e.Error
		}
		if e.ErrorMsg != "" {
			return e.ErrorMsg
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
