package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/ratelimit"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// GammaClient is the REST client for the Polymarket Gamma API, which
// provides market discovery and metadata. Requests are paced client-side.
type GammaClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    ratelimit.Limiter
}

// NewGammaClient creates a new Gamma API client.
//
// baseURL is the Gamma API root, e.g. "https://gamma-api.polymarket.com".
// rps caps outgoing requests per second; zero disables pacing.
func NewGammaClient(baseURL string, rps int, timeout time.Duration) *GammaClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limiter := ratelimit.NewUnlimited()
	if rps > 0 {
		limiter = ratelimit.New(rps, ratelimit.Per(time.Second))
	}
	return &GammaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: limiter,
	}
}

// ListMarkets returns one page of markets ordered by the catalog.
func (g *GammaClient) ListMarkets(ctx context.Context, limit, offset int) ([]domain.MarketInfo, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	params.Set("offset", strconv.Itoa(offset))

	markets, err := g.markets(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("polymarket/gamma: list markets: %w", err)
	}
	return markets, nil
}

// MarketByToken returns the market that lists tokenID as an outcome.
func (g *GammaClient) MarketByToken(ctx context.Context, tokenID string) (domain.MarketInfo, error) {
	markets, err := g.markets(ctx, url.Values{"clob_token_ids": {tokenID}})
	if err != nil {
		return domain.MarketInfo{}, fmt.Errorf("polymarket/gamma: market by token %s: %w", tokenID, err)
	}
	if len(markets) == 0 {
		return domain.MarketInfo{}, fmt.Errorf("polymarket/gamma: %w: token=%s", domain.ErrNotFound, tokenID)
	}
	return markets[0], nil
}

// MarketByConditionID returns the market with the given hash id.
func (g *GammaClient) MarketByConditionID(ctx context.Context, conditionID string) (domain.MarketInfo, error) {
	markets, err := g.markets(ctx, url.Values{"condition_ids": {conditionID}})
	if err != nil {
		return domain.MarketInfo{}, fmt.Errorf("polymarket/gamma: market by condition %s: %w", conditionID, err)
	}
	for _, m := range markets {
		if strings.EqualFold(m.HashID, conditionID) {
			return m, nil
		}
	}
	return domain.MarketInfo{}, fmt.Errorf("polymarket/gamma: %w: condition=%s", domain.ErrNotFound, conditionID)
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

func (g *GammaClient) markets(ctx context.Context, params url.Values) ([]domain.MarketInfo, error) {
	body, err := g.doGet(ctx, "/markets?"+params.Encode())
	if err != nil {
		return nil, err
	}

	var apiMarkets []APIMarket
	if err := json.Unmarshal(body, &apiMarkets); err != nil {
		return nil, fmt.Errorf("decode markets: %w", err)
	}

	markets := make([]domain.MarketInfo, 0, len(apiMarkets))
	for i := range apiMarkets {
		markets = append(markets, apiMarkets[i].ToDomainMarketInfo())
	}
	return markets, nil
}

// doGet sends an unauthenticated GET request to the Gamma API.
func (g *GammaClient) doGet(ctx context.Context, path string) ([]byte, error) {
	g.limiter.Take()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	return doRequest(g.httpClient, req, false)
}
