package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

const catalogPageSize = 100

// CatalogSync pages the market catalog into the reconciler so hash ids seen
// on positions and orders can be joined to catalog metadata.
type CatalogSync struct {
	catalog  CatalogSource
	markets  *Reconciler
	gate     Gate
	interval time.Duration
	pages    int
	logger   *slog.Logger
}

// NewCatalogSync creates a CatalogSync. gate may be nil.
func NewCatalogSync(catalog CatalogSource, markets *Reconciler, gate Gate, interval time.Duration, pages int, logger *slog.Logger) *CatalogSync {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if pages < 1 {
		pages = 50
	}
	return &CatalogSync{
		catalog:  catalog,
		markets:  markets,
		gate:     gate,
		interval: interval,
		pages:    pages,
		logger:   logger.With(slog.String("component", "catalog_sync")),
	}
}

// Run syncs once immediately and then every interval until ctx is done.
func (c *CatalogSync) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		if n, err := c.SyncOnce(ctx); err != nil && ctx.Err() == nil {
			c.logger.WarnContext(ctx, "catalog sync failed",
				slog.Int("observed", n),
				slog.String("error", err.Error()),
			)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SyncOnce walks the catalog and returns how many markets were observed.
func (c *CatalogSync) SyncOnce(ctx context.Context) (int, error) {
	observed := 0
	for page := 0; page < c.pages; page++ {
		batch, err := c.page(ctx, page*catalogPageSize)
		if err != nil {
			return observed, fmt.Errorf("catalog_sync: page %d: %w", page, err)
		}
		for _, info := range batch {
			if err := c.markets.Observe(ctx, info); err != nil {
				c.logger.WarnContext(ctx, "observe market failed",
					slog.String("catalog_id", info.CatalogID),
					slog.String("error", err.Error()),
				)
				continue
			}
			observed++
		}
		if len(batch) < catalogPageSize {
			break
		}
	}
	c.logger.InfoContext(ctx, "catalog synced", slog.Int("observed", observed))
	return observed, nil
}

func (c *CatalogSync) page(ctx context.Context, offset int) ([]domain.MarketInfo, error) {
	var batch []domain.MarketInfo
	read := func(ctx context.Context) error {
		var err error
		batch, err = c.catalog.ListMarkets(ctx, catalogPageSize, offset)
		return err
	}
	var err error
	if c.gate == nil {
		err = read(ctx)
	} else {
		err = c.gate.Catalog(ctx, read)
	}
	return batch, err
}
