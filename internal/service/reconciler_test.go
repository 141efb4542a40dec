package service

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyguard/internal/cache/local"
	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/store/memory"
)

func newReconciler(catalog CatalogSource, negRisk bool) *Reconciler {
	return NewReconciler(memory.New().Mappings(), local.NewMarketCache(), catalog, negRisk, discard())
}

func TestReconcilerRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := newReconciler(nil, false)
	require.NoError(t, r.Upsert(ctx, "501", "0xabc"))

	hash, err := r.ResolveCatalog(ctx, "501")
	require.NoError(t, err)
	assert.Equal(t, "0xabc", hash)
	cat, err := r.ResolveHash(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "501", cat)

	// Rebinding the catalog id drops the old hash.
	require.NoError(t, r.Upsert(ctx, "501", "0xdef"))
	_, err = r.ResolveHash(ctx, "0xabc")
	assert.ErrorIs(t, err, domain.ErrUnmapped)
	hash, err = r.ResolveCatalog(ctx, "501")
	require.NoError(t, err)
	assert.Equal(t, "0xdef", hash)
}

func TestReconcilerUnmapped(t *testing.T) {
	ctx := context.Background()
	r := newReconciler(nil, false)

	_, err := r.ResolveCatalog(ctx, "404")
	assert.ErrorIs(t, err, domain.ErrUnmapped)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	ref := r.Ref(ctx, "0xfeedface")
	assert.False(t, ref.Mapped)
	assert.Equal(t, "0xfeedface", ref.HashID)
	assert.NotEmpty(t, ref.Label())
}

func TestReconcilerObserve(t *testing.T) {
	ctx := context.Background()
	r := newReconciler(nil, false)
	require.NoError(t, r.Observe(ctx, domain.MarketInfo{
		CatalogID: "7", HashID: "0x07", Question: "Will it rain?", Slug: "rain", TokenIDs: []string{"y", "n"}, NegRisk: true,
	}))

	ref := r.Ref(ctx, "0x07")
	assert.True(t, ref.Mapped)
	assert.Equal(t, "7", ref.CatalogID)
	assert.Equal(t, "Will it rain?", ref.Label())
	assert.True(t, r.NegRisk(ctx, "n"))
	assert.False(t, r.NegRisk(ctx, "unknown"))

	// Metadata without a catalog id is cached but not mapped.
	require.NoError(t, r.Observe(ctx, domain.MarketInfo{HashID: "0x08", Question: "Q8"}))
	assert.False(t, r.Ref(ctx, "0x08").Mapped)
	assert.Equal(t, "Q8", r.Ref(ctx, "0x08").Question)
}

func TestMarketForTokenObservesCatalogHit(t *testing.T) {
	ctx := context.Background()
	catalog := &fakeCatalog{markets: []domain.MarketInfo{{
		CatalogID: "9", HashID: "0x09", Question: "Q9", TokenIDs: []string{"t9"},
	}}}
	r := newReconciler(catalog, true)

	info, err := r.MarketForToken(ctx, "t9")
	require.NoError(t, err)
	assert.Equal(t, "Q9", info.Question)
	_, err = r.MarketForToken(ctx, "t9")
	require.NoError(t, err)
	assert.Equal(t, 1, catalog.calls, "second lookup served from cache")

	hash, err := r.ResolveCatalog(ctx, "9")
	require.NoError(t, err)
	assert.Equal(t, "0x09", hash)

	_, err = r.MarketForToken(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.True(t, r.NegRisk(ctx, "missing"), "unknown tokens use the default")
}

func TestCatalogSyncPages(t *testing.T) {
	ctx := context.Background()
	catalog := &fakeCatalog{}
	for i := range 250 {
		catalog.markets = append(catalog.markets, domain.MarketInfo{
			CatalogID: strconv.Itoa(i), HashID: "0x" + strconv.Itoa(i), Question: "Q" + strconv.Itoa(i),
		})
	}
	r := newReconciler(catalog, false)
	cs := NewCatalogSync(catalog, r, nil, 0, 0, discard())

	n, err := cs.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 250, n)
	assert.Equal(t, 3, catalog.calls)

	hash, err := r.ResolveCatalog(ctx, "249")
	require.NoError(t, err)
	assert.Equal(t, "0x249", hash)
}

func TestCatalogSyncStopsAtPageLimit(t *testing.T) {
	catalog := &fakeCatalog{}
	for i := range 250 {
		catalog.markets = append(catalog.markets, domain.MarketInfo{CatalogID: strconv.Itoa(i), HashID: "0x" + strconv.Itoa(i)})
	}
	cs := NewCatalogSync(catalog, newReconciler(catalog, false), nil, 0, 1, discard())
	n, err := cs.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100, n)
}
