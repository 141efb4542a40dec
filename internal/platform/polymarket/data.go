package polymarket

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"resty.dev/v3"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

const (
	positionsPath     = "/positions"
	positionsPageSize = 500
	// maxPositionPages bounds a single wallet scan at 50k positions.
	maxPositionPages = 100
)

// DataClient reads wallet holdings from the Polymarket Data API.
type DataClient struct {
	c *resty.Client
}

type dataErrorResponse struct {
	Error string `json:"error"`
}

// NewDataClient creates a Data API client.
//
// baseURL is the Data API root, e.g. "https://data-api.polymarket.com".
func NewDataClient(baseURL string, timeout time.Duration) *DataClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	return &DataClient{c: client}
}

// Close releases idle connections.
func (d *DataClient) Close() error {
	return d.c.Close()
}

// Positions returns every position the wallet holds, walking pages of 500.
func (d *DataClient) Positions(ctx context.Context, wallet string) ([]domain.Position, error) {
	var out []domain.Position
	for page := 0; page < maxPositionPages; page++ {
		batch, err := d.positionsPage(ctx, wallet, page*positionsPageSize)
		if err != nil {
			return nil, err
		}
		for i := range batch {
			out = append(out, batch[i].ToDomainPosition())
		}
		if len(batch) < positionsPageSize {
			break
		}
	}
	return out, nil
}

// Position returns the wallet's current position in tokenID. A token the
// wallet no longer holds is returned with zero size.
func (d *DataClient) Position(ctx context.Context, wallet, tokenID string) (domain.Position, error) {
	all, err := d.Positions(ctx, wallet)
	if err != nil {
		return domain.Position{}, err
	}
	for _, p := range all {
		if p.TokenID == tokenID {
			return p, nil
		}
	}
	return domain.Position{TokenID: tokenID}, nil
}

func (d *DataClient) positionsPage(ctx context.Context, wallet string, offset int) ([]APIPosition, error) {
	var page []APIPosition
	req := d.c.R().
		SetQueryParams(map[string]string{
			"user":          wallet,
			"limit":         strconv.Itoa(positionsPageSize),
			"offset":        strconv.Itoa(offset),
			"sizeThreshold": "0",
		}).
		SetResult(&page).
		SetError(&dataErrorResponse{}).
		SetContext(ctx)

	resp, err := req.Get(positionsPath)
	if err != nil {
		return nil, fmt.Errorf("polymarket/data: positions offset=%d: %w", offset, classifyTransport(err, false))
	}
	defer resp.Body.Close()

	if resp.IsError() {
		return nil, fmt.Errorf("polymarket/data: positions offset=%d: %w", offset,
			checkHTTPStatus(resp.StatusCode(), []byte(resp.String())))
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("polymarket/data: positions unexpected status: %s", resp.Status())
	}
	return page, nil
}
