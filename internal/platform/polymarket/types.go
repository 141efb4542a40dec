package polymarket

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// flexBool unmarshals from JSON bool or string ("true"/"false") so Gamma API
// responses work whether "active" is sent as bool or string.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// flexDecimal accepts a JSON number, a numeric string or an empty string.
type flexDecimal decimal.Decimal

func (f *flexDecimal) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = flexDecimal(decimal.Zero)
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return err
	}
	*f = flexDecimal(d)
	return nil
}

func (f flexDecimal) Decimal() decimal.Decimal { return decimal.Decimal(f) }

// flexTime accepts unix seconds (number or string) or RFC3339.
type flexTime time.Time

func (f *flexTime) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*f = flexTime(time.Unix(n, 0).UTC())
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil // unknown formats are ignored, not fatal
	}
	*f = flexTime(t)
	return nil
}

// --------------------------------------------------------------------------
// CLOB API DTOs
// --------------------------------------------------------------------------

// APIOrder represents an order as returned by the CLOB API.
type APIOrder struct {
	ID           string      `json:"id"`
	Status       string      `json:"status"`
	Market       string      `json:"market"`
	AssetID      string      `json:"asset_id"`
	Side         string      `json:"side"`
	OrderType    string      `json:"order_type"`
	OriginalSize flexDecimal `json:"original_size"`
	SizeMatched  flexDecimal `json:"size_matched"`
	Price        flexDecimal `json:"price"`
	Outcome      string      `json:"outcome"`
	CreatedAt    flexTime    `json:"created_at"`
}

// ToDomainOrder converts an APIOrder to a domain.Order mirror row. The local
// id and owner are filled in by the caller.
func (a *APIOrder) ToDomainOrder() domain.Order {
	o := domain.Order{
		MarketID:   a.Market,
		TokenID:    a.AssetID,
		ExternalID: a.ID,
		Side:       domain.OrderSide(strings.ToUpper(a.Side)),
		Outcome:    a.Outcome,
		Type:       domain.OrderType(strings.ToUpper(a.OrderType)),
		Size:       a.OriginalSize.Decimal(),
		Price:      a.Price.Decimal(),
		SizeFilled: a.SizeMatched.Decimal(),
		Status:     domain.NormalizeOrderStatus(a.Status),
	}
	if o.Type == "" {
		o.Type = domain.OrderTypeGTC
	}
	if t := time.Time(a.CreatedAt); !t.IsZero() {
		o.PlacedAt = &t
	}
	o.ClampFilled()
	return o
}

// openOrdersPage is one page of GET /data/orders.
type openOrdersPage struct {
	Data       []APIOrder `json:"data"`
	NextCursor string     `json:"next_cursor"`
}

// endCursor marks the last page of a cursor-paginated CLOB listing.
const endCursor = "LTE="

// APIOrderResult is the response from placing an order.
type APIOrderResult struct {
	Success      bool        `json:"success"`
	ErrorMsg     string      `json:"errorMsg,omitempty"`
	OrderID      string      `json:"orderID,omitempty"`
	Status       string      `json:"status,omitempty"`
	MakingAmount flexDecimal `json:"makingAmount,omitempty"`
	TakingAmount flexDecimal `json:"takingAmount,omitempty"`
}

// cancelResponse is the response from DELETE /order.
type cancelResponse struct {
	Canceled    []string          `json:"canceled"`
	NotCanceled map[string]string `json:"not_canceled"`
}

type priceResponse struct {
	Price flexDecimal `json:"price"`
}

type midpointResponse struct {
	Mid flexDecimal `json:"mid"`
}

// signedOrderJSON is the wire shape of a signed order inside POST /order.
type signedOrderJSON struct {
	Salt          int64  `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

type postOrderBody struct {
	Order     signedOrderJSON `json:"order"`
	Owner     string          `json:"owner"`
	OrderType string          `json:"orderType"`
}

// --------------------------------------------------------------------------
// Gamma API DTOs
// --------------------------------------------------------------------------

// APIMarket represents a market as returned by the Gamma API. Outcomes and
// token ids arrive as JSON-encoded strings.
type APIMarket struct {
	ID           string   `json:"id"`
	Question     string   `json:"question"`
	ConditionID  string   `json:"conditionId"`
	Slug         string   `json:"slug"`
	Active       flexBool `json:"active"`
	Closed       flexBool `json:"closed"`
	Outcomes     string   `json:"outcomes"`
	ClobTokenIDs string   `json:"clobTokenIds"`
	NegRisk      flexBool `json:"negRisk"`
}

// ToDomainMarketInfo converts an APIMarket to catalog metadata.
func (m *APIMarket) ToDomainMarketInfo() domain.MarketInfo {
	info := domain.MarketInfo{
		CatalogID: m.ID,
		HashID:    m.ConditionID,
		Question:  m.Question,
		Slug:      m.Slug,
		Active:    bool(m.Active),
		Closed:    bool(m.Closed),
		NegRisk:   bool(m.NegRisk),
	}
	_ = json.Unmarshal([]byte(m.Outcomes), &info.Outcomes)
	_ = json.Unmarshal([]byte(m.ClobTokenIDs), &info.TokenIDs)
	return info
}

// --------------------------------------------------------------------------
// Data API DTOs
// --------------------------------------------------------------------------

// APIPosition is a position as returned by the Data API /positions.
type APIPosition struct {
	ProxyWallet string      `json:"proxyWallet"`
	Asset       string      `json:"asset"`
	ConditionID string      `json:"conditionId"`
	Size        flexDecimal `json:"size"`
	AvgPrice    flexDecimal `json:"avgPrice"`
	CurPrice    flexDecimal `json:"curPrice"`
	RealizedPnl flexDecimal `json:"realizedPnl"`
	Outcome     string      `json:"outcome"`
	Title       string      `json:"title"`
	Slug        string      `json:"slug"`
	Icon        string      `json:"icon"`
	Redeemable  bool        `json:"redeemable"`
}

// ToDomainPosition converts an APIPosition into an unsaved position.
func (p *APIPosition) ToDomainPosition() domain.Position {
	cur := p.CurPrice.Decimal()
	return domain.Position{
		MarketID:     p.ConditionID,
		TokenID:      p.Asset,
		Outcome:      p.Outcome,
		Size:         p.Size.Decimal(),
		AvgPrice:     p.AvgPrice.Decimal(),
		CurrentPrice: &cur,
		RealizedPnL:  p.RealizedPnl.Decimal(),
		Title:        p.Title,
		Slug:         p.Slug,
		Icon:         p.Icon,
		Redeemable:   p.Redeemable,
	}
}

// --------------------------------------------------------------------------
// WebSocket DTOs
// --------------------------------------------------------------------------

// WSCommand is the subscription payload for the market channel.
type WSCommand struct {
	Type      string   `json:"type"`
	AssetsIDs []string `json:"assets_ids"`
}

// PriceLevel is a single bid/ask level in a book snapshot.
type PriceLevel struct {
	Price flexDecimal `json:"price"`
	Size  flexDecimal `json:"size"`
}

// BookMessage is a full orderbook snapshot.
type BookMessage struct {
	EventType string       `json:"event_type"`
	AssetID   string       `json:"asset_id"`
	Market    string       `json:"market"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp flexTimeMs   `json:"timestamp"`
}

// PriceChangeMessage carries best bid/ask changes for one or more assets.
type PriceChangeMessage struct {
	EventType    string `json:"event_type"`
	Market       string `json:"market"`
	PriceChanges []struct {
		AssetID string      `json:"asset_id"`
		BestBid flexDecimal `json:"best_bid"`
		BestAsk flexDecimal `json:"best_ask"`
	} `json:"price_changes"`
	Timestamp flexTimeMs `json:"timestamp"`
}

// LastTradeMessage is the most recent trade for an asset.
type LastTradeMessage struct {
	EventType string      `json:"event_type"`
	AssetID   string      `json:"asset_id"`
	Price     flexDecimal `json:"price"`
	Timestamp flexTimeMs  `json:"timestamp"`
}

// flexTimeMs accepts unix milliseconds as a number or string.
type flexTimeMs time.Time

func (f *flexTimeMs) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*f = flexTimeMs(time.UnixMilli(n).UTC())
	}
	return nil
}

// Time returns the timestamp or now when the feed omitted it.
func (f flexTimeMs) Time() time.Time {
	if t := time.Time(f); !t.IsZero() {
		return t
	}
	return time.Now().UTC()
}

// Tick is a price observation for one token from the market channel.
type Tick struct {
	TokenID string
	Price   decimal.Decimal
	At      time.Time
}

// BestBid returns the highest bid in the snapshot.
func (b *BookMessage) BestBid() (decimal.Decimal, bool) {
	var best decimal.Decimal
	found := false
	for _, lvl := range b.Bids {
		p := lvl.Price.Decimal()
		if lvl.Size.Decimal().IsPositive() && (!found || p.GreaterThan(best)) {
			best, found = p, true
		}
	}
	return best, found
}
