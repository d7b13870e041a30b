package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/futarchyfi/condamm/internal/domain"
	"github.com/futarchyfi/condamm/internal/engine"
)

// ---------------------------------------------------------------------------
// In-memory fakes for the persistence and messaging interfaces.
// ---------------------------------------------------------------------------

type memMarketStore struct {
	mu      sync.Mutex
	markets map[string]domain.Market
}

func newMemMarketStore() *memMarketStore {
	return &memMarketStore{markets: make(map[string]domain.Market)}
}

func (m *memMarketStore) Upsert(_ context.Context, market domain.Market) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markets[market.ID] = market
	return nil
}

func (m *memMarketStore) GetByID(_ context.Context, id string) (domain.Market, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	market, ok := m.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return market, nil
}

func (m *memMarketStore) ListActive(_ context.Context, _ domain.ListOpts) ([]domain.Market, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Market
	for _, market := range m.markets {
		if market.Status == domain.MarketStatusActive {
			out = append(out, market)
		}
	}
	return out, nil
}

func (m *memMarketStore) MarkResolved(_ context.Context, id string, winner int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	market, ok := m.markets[id]
	if !ok {
		return domain.ErrNotFound
	}
	market.Status = domain.MarketStatusResolved
	market.Winner = &winner
	market.ResolvedAt = &at
	m.markets[id] = market
	return nil
}

func (m *memMarketStore) Count(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.markets)), nil
}

type memJournal struct {
	mu        sync.Mutex
	fills     []domain.SwapFill
	liquidity []domain.LiquidityChange
}

func (j *memJournal) InsertFill(_ context.Context, fill domain.SwapFill) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.fills = append(j.fills, fill)
	return nil
}

func (j *memJournal) InsertFillBatch(_ context.Context, fills []domain.SwapFill) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.fills = append(j.fills, fills...)
	return nil
}

func (j *memJournal) InsertLiquidityChange(_ context.Context, ch domain.LiquidityChange) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.liquidity = append(j.liquidity, ch)
	return nil
}

func (j *memJournal) ListFillsByMarket(_ context.Context, marketID string, _ domain.ListOpts) ([]domain.SwapFill, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []domain.SwapFill
	for _, f := range j.fills {
		if f.MarketID == marketID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (j *memJournal) ListFillsBefore(_ context.Context, before time.Time, limit int) ([]domain.SwapFill, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []domain.SwapFill
	for _, f := range j.fills {
		if f.CreatedAt.Before(before) && len(out) < limit {
			out = append(out, f)
		}
	}
	return out, nil
}

func (j *memJournal) DeleteFillsBefore(_ context.Context, before time.Time) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var kept []domain.SwapFill
	var deleted int64
	for _, f := range j.fills {
		if f.CreatedAt.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, f)
	}
	j.fills = kept
	return deleted, nil
}

type memPriceCache struct {
	mu     sync.Mutex
	prices map[string]uint64
}

func newMemPriceCache() *memPriceCache {
	return &memPriceCache{prices: make(map[string]uint64)}
}

func (c *memPriceCache) SetPrice(_ context.Context, key string, price uint64, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[key] = price
	return nil
}

func (c *memPriceCache) GetPrice(_ context.Context, key string) (uint64, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.prices[key]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return p, time.Time{}, nil
}

func (c *memPriceCache) GetPrices(_ context.Context, keys []string) (map[string]uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]uint64)
	for _, k := range keys {
		if p, ok := c.prices[k]; ok {
			out[k] = p
		}
	}
	return out, nil
}

type memBus struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func newMemBus() *memBus {
	return &memBus{messages: make(map[string][][]byte)}
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages[channel] = append(b.messages[channel], payload)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (b *memBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	return b.Publish(context.Background(), stream, payload)
}

func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *memBus) count(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages[channel])
}

type memAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (a *memAudit) Log(_ context.Context, event string, detail map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, domain.AuditEntry{Event: event, Detail: detail})
	return nil
}

func (a *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.AuditEntry(nil), a.entries...), nil
}

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

type fixture struct {
	engine  *engine.Engine
	markets *memMarketStore
	journal *memJournal
	prices  *memPriceCache
	bus     *memBus
	audit   *memAudit

	marketSvc *MarketService
	tradeSvc  *TradeService
}

func marketDefaults() engine.MarketConfig {
	return engine.MarketConfig{
		FeeBps: 30,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		engine:  engine.New(engine.Config{}, nil),
		markets: newMemMarketStore(),
		journal: &memJournal{},
		prices:  newMemPriceCache(),
		bus:     newMemBus(),
		audit:   &memAudit{},
	}

	f.marketSvc = NewMarketService(MarketServiceDeps{
		Engine:   f.engine,
		Defaults: marketDefaults(),
		Markets:  f.markets,
		Bus:      f.bus,
		Audit:    f.audit,
	})
	f.tradeSvc = NewTradeService(f.engine, f.journal, f.prices, f.bus, nil, nil)
	return f
}

func (f *fixture) createMarket(t *testing.T) domain.Market {
	t.Helper()
	m, err := f.marketSvc.CreateMarket(context.Background(), CreateMarketRequest{
		Question:   "adopt proposal 7?",
		Outcomes:   []string{"reject", "accept"},
		CondAsset:  10_000_000,
		CondStable: 10_000_000,
		SpotAsset:  1_000_000,
		SpotStable: 1_000_000,
	})
	require.NoError(t, err)
	return m
}

// ---------------------------------------------------------------------------
// MarketService
// ---------------------------------------------------------------------------

func TestCreateMarketPersistsAndAnnounces(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t)

	assert.NotEmpty(t, m.ID)
	assert.Equal(t, domain.MarketStatusActive, m.Status)
	assert.Equal(t, uint64(30), m.FeeBps)

	stored, err := f.markets.GetByID(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, stored.ID)

	// Engine holds the live market too.
	_, err = f.engine.Market(m.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, f.bus.count(domain.ChannelMarkets))
	require.Len(t, f.audit.entries, 1)
	assert.Equal(t, "market.created", f.audit.entries[0].Event)
}

func TestHaltAndResume(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t)
	ctx := context.Background()

	require.NoError(t, f.marketSvc.Halt(ctx, m.ID))
	stored, _ := f.markets.GetByID(ctx, m.ID)
	assert.Equal(t, domain.MarketStatusHalted, stored.Status)

	live, _ := f.engine.Market(m.ID)
	assert.False(t, live.TradingActive())

	require.NoError(t, f.marketSvc.Resume(ctx, m.ID))
	stored, _ = f.markets.GetByID(ctx, m.ID)
	assert.Equal(t, domain.MarketStatusActive, stored.Status)
	assert.True(t, live.TradingActive())
}

func TestResolveMarksStoreAndStopsTrading(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t)
	ctx := context.Background()

	_, err := f.marketSvc.Resolve(ctx, m.ID, 1)
	require.NoError(t, err)

	stored, err := f.markets.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusResolved, stored.Status)
	require.NotNil(t, stored.Winner)
	assert.Equal(t, 1, *stored.Winner)

	live, _ := f.engine.Market(m.ID)
	assert.False(t, live.TradingActive())

	// Resolving twice fails.
	_, err = f.marketSvc.Resolve(ctx, m.ID, 0)
	require.ErrorIs(t, err, domain.ErrAlreadyResolved)
}

// ---------------------------------------------------------------------------
// TradeService
// ---------------------------------------------------------------------------

func TestSessionLifecycleJournalsFills(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t)
	ctx := context.Background()

	sessionID, err := f.tradeSvc.OpenSession(ctx, m.ID)
	require.NoError(t, err)

	fill, err := f.tradeSvc.Swap(ctx, sessionID, 1, domain.SwapStableToAsset, 200_000, 1)
	require.NoError(t, err)
	assert.Equal(t, m.ID, fill.MarketID)
	assert.Positive(t, fill.AmountOut)

	summary, err := f.tradeSvc.CloseSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Len(t, summary.Fills, 1)

	// The fill is journaled and mirrored onto the bus; prices were pushed
	// for both conditional pools and the spot pool.
	require.Len(t, f.journal.fills, 1)
	assert.Equal(t, 1, f.bus.count(domain.ChannelFills))
	assert.Equal(t, 3, f.bus.count(domain.ChannelPrices))
	f.prices.mu.Lock()
	assert.Len(t, f.prices.prices, 3)
	f.prices.mu.Unlock()
}

func TestSwapUnknownSession(t *testing.T) {
	f := newFixture(t)
	f.createMarket(t)

	_, err := f.tradeSvc.Swap(context.Background(), "nope", 0, domain.SwapStableToAsset, 100, 1)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRedeemAfterResolution(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t)
	ctx := context.Background()

	sessionID, err := f.tradeSvc.OpenSession(ctx, m.ID)
	require.NoError(t, err)
	fill, err := f.tradeSvc.Swap(ctx, sessionID, 1, domain.SwapStableToAsset, 200_000, 1)
	require.NoError(t, err)
	_, err = f.tradeSvc.CloseSession(ctx, sessionID)
	require.NoError(t, err)

	// Redemption before resolution fails inside the engine.
	_, _, err = f.tradeSvc.Redeem(ctx, m.ID, sessionID)
	require.ErrorIs(t, err, domain.ErrNotResolved)

	_, err = f.marketSvc.Resolve(ctx, m.ID, 1)
	require.NoError(t, err)

	asset, stable, err := f.tradeSvc.Redeem(ctx, m.ID, sessionID)
	require.NoError(t, err)
	assert.Equal(t, fill.AmountOut, asset)
	assert.Zero(t, stable)

	// The balance is consumed; a second redeem finds nothing.
	_, _, err = f.tradeSvc.Redeem(ctx, m.ID, sessionID)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTradeSpotJournalsAndRebalances(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t)
	ctx := context.Background()

	// Move the conditional pools apart so the band has width, then trade
	// spot into it.
	sessionID, err := f.tradeSvc.OpenSession(ctx, m.ID)
	require.NoError(t, err)
	_, err = f.tradeSvc.Swap(ctx, sessionID, 1, domain.SwapStableToAsset, 200_000, 1)
	require.NoError(t, err)

	fill, err := f.tradeSvc.TradeSpot(ctx, m.ID, domain.SwapStableToAsset, 50_000, 1)
	require.NoError(t, err)
	assert.Equal(t, -1, fill.Outcome)

	require.Len(t, f.journal.fills, 2)
	assert.Equal(t, 2, f.bus.count(domain.ChannelFills))
}

func TestLiquidityOperationsJournaled(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t)
	ctx := context.Background()

	lpOut, addPos, err := f.tradeSvc.AddLiquidity(ctx, m.ID, 0, 1_000_000, 1_000_000, 1)
	require.NoError(t, err)
	assert.Positive(t, lpOut)
	assert.NotEmpty(t, addPos, "the residual legs of the deposit stay with the provider")

	assetOut, stableOut, removePos, err := f.tradeSvc.RemoveLiquidity(ctx, m.ID, 0, lpOut/2)
	require.NoError(t, err)
	assert.Positive(t, assetOut)
	assert.Positive(t, stableOut)
	assert.NotEmpty(t, removePos)

	require.Len(t, f.journal.liquidity, 2)
	assert.Positive(t, f.journal.liquidity[0].LPDelta)
	assert.Negative(t, f.journal.liquidity[1].LPDelta)
}

func TestLiquidityPositionsRedeem(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t)
	ctx := context.Background()

	lpOut, addPos, err := f.tradeSvc.AddLiquidity(ctx, m.ID, 0, 1_000_000, 1_000_000, 1)
	require.NoError(t, err)
	_, _, removePos, err := f.tradeSvc.RemoveLiquidity(ctx, m.ID, 0, lpOut/2)
	require.NoError(t, err)

	_, err = f.marketSvc.Resolve(ctx, m.ID, 0)
	require.NoError(t, err)

	asset, stable, err := f.tradeSvc.Redeem(ctx, m.ID, addPos)
	require.NoError(t, err)
	// Outcome 1 lost: the add position's residual legs were all outcome 1.
	assert.Zero(t, asset)
	assert.Zero(t, stable)

	asset, stable, err = f.tradeSvc.Redeem(ctx, m.ID, removePos)
	require.NoError(t, err)
	assert.Positive(t, asset)
	assert.Positive(t, stable)
}
