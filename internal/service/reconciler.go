package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// CatalogSource is the catalog API in the numeric-id namespace.
// *polymarket.GammaClient implements it.
type CatalogSource interface {
	ListMarkets(ctx context.Context, limit, offset int) ([]domain.MarketInfo, error)
	MarketByToken(ctx context.Context, tokenID string) (domain.MarketInfo, error)
	MarketByConditionID(ctx context.Context, conditionID string) (domain.MarketInfo, error)
}

// Reconciler maps catalog ids to hash ids and back. Resolution is best
// effort: a miss is ErrUnmapped, and display paths degrade to raw ids.
type Reconciler struct {
	mappings       domain.MappingStore
	markets        domain.MarketCache
	catalog        CatalogSource
	defaultNegRisk bool
	logger         *slog.Logger
}

// NewReconciler creates a Reconciler. markets and catalog may be nil, in
// which case metadata lookups always miss.
func NewReconciler(mappings domain.MappingStore, markets domain.MarketCache, catalog CatalogSource, defaultNegRisk bool, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		mappings:       mappings,
		markets:        markets,
		catalog:        catalog,
		defaultNegRisk: defaultNegRisk,
		logger:         logger.With(slog.String("component", "reconciler")),
	}
}

// ResolveCatalog returns the hash id mapped to catalogID.
func (r *Reconciler) ResolveCatalog(ctx context.Context, catalogID string) (string, error) {
	m, err := r.mappings.ByCatalogID(ctx, catalogID)
	if errors.Is(err, domain.ErrNotFound) {
		return "", fmt.Errorf("reconciler: catalog %s: %w", catalogID, domain.ErrUnmapped)
	}
	if err != nil {
		return "", fmt.Errorf("reconciler: resolve catalog %s: %w", catalogID, err)
	}
	return m.HashID, nil
}

// ResolveHash returns the catalog id mapped to hashID.
func (r *Reconciler) ResolveHash(ctx context.Context, hashID string) (string, error) {
	m, err := r.mappings.ByHashID(ctx, hashID)
	if errors.Is(err, domain.ErrNotFound) {
		return "", fmt.Errorf("reconciler: hash %s: %w", hashID, domain.ErrUnmapped)
	}
	if err != nil {
		return "", fmt.Errorf("reconciler: resolve hash %s: %w", hashID, err)
	}
	return m.CatalogID, nil
}

// Upsert records catalogID <-> hashID, replacing any mapping that shares
// either id.
func (r *Reconciler) Upsert(ctx context.Context, catalogID, hashID string) error {
	if err := r.mappings.Upsert(ctx, domain.MarketMapping{CatalogID: catalogID, HashID: hashID}); err != nil {
		return fmt.Errorf("reconciler: upsert %s: %w", catalogID, err)
	}
	return nil
}

// Observe learns from a market fetched from either namespace: the mapping
// is upserted when both ids are known and the metadata is cached.
func (r *Reconciler) Observe(ctx context.Context, info domain.MarketInfo) error {
	if info.CatalogID != "" && info.HashID != "" {
		if err := r.Upsert(ctx, info.CatalogID, info.HashID); err != nil {
			return err
		}
	}
	if r.markets != nil && info.HashID != "" {
		if err := r.markets.Set(ctx, info); err != nil {
			return fmt.Errorf("reconciler: cache market %s: %w", info.HashID, err)
		}
	}
	return nil
}

// Ref joins hashID against what is known about it. It never fails.
func (r *Reconciler) Ref(ctx context.Context, hashID string) domain.MarketRef {
	ref := domain.MarketRef{HashID: hashID}
	if catalogID, err := r.ResolveHash(ctx, hashID); err == nil {
		ref.CatalogID = catalogID
		ref.Mapped = true
	}
	if r.markets != nil {
		if info, err := r.markets.Get(ctx, hashID); err == nil {
			ref.Question = info.Question
			ref.Slug = info.Slug
		}
	}
	return ref
}

// MarketForToken returns metadata for the market owning tokenID, from the
// cache or else from the catalog. A catalog hit is observed.
func (r *Reconciler) MarketForToken(ctx context.Context, tokenID string) (domain.MarketInfo, error) {
	if r.markets != nil {
		if info, err := r.markets.GetByToken(ctx, tokenID); err == nil {
			return info, nil
		}
	}
	if r.catalog == nil {
		return domain.MarketInfo{}, fmt.Errorf("reconciler: token %s: %w", tokenID, domain.ErrUnmapped)
	}
	info, err := r.catalog.MarketByToken(ctx, tokenID)
	if err != nil {
		return domain.MarketInfo{}, fmt.Errorf("reconciler: token %s: %w", tokenID, err)
	}
	if err := r.Observe(ctx, info); err != nil {
		r.logger.WarnContext(ctx, "observe market failed",
			slog.String("token_id", tokenID),
			slog.String("error", err.Error()),
		)
	}
	return info, nil
}

// NegRisk reports whether tokenID trades on the neg-risk exchange. Unknown
// markets fall back to the configured default.
func (r *Reconciler) NegRisk(ctx context.Context, tokenID string) bool {
	if r.markets != nil {
		if info, err := r.markets.GetByToken(ctx, tokenID); err == nil {
			return info.NegRisk
		}
	}
	return r.defaultNegRisk
}
