package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/futarchyfi/condamm/internal/domain"
	"github.com/futarchyfi/condamm/internal/engine/amm"
	"github.com/futarchyfi/condamm/internal/engine/escrow"
)

var t0 = time.Unix(1_700_000_000, 0)

func testMarketConfig() MarketConfig {
	return MarketConfig{
		Question:   "ship proposal 42?",
		Outcomes:   []string{"reject", "accept"},
		FeeBps:     30,
		CondAsset:  10_000_000,
		CondStable: 10_000_000,
		SpotAsset:  1_000_000,
		SpotStable: 1_000_000,
	}
}

func newTestEngine(t *testing.T) (*Engine, *Market) {
	t.Helper()
	e := New(Config{}, nil)
	m, err := e.CreateMarket("mkt-1", testMarketConfig(), t0)
	require.NoError(t, err)
	return e, m
}

func TestCreateMarket(t *testing.T) {
	e, m := newTestEngine(t)

	assert.Equal(t, "mkt-1", m.ID())
	assert.Equal(t, 2, m.OutcomeCount())
	assert.True(t, m.TradingActive())

	// Seeding is escrow-backed: supply matches the pooled reserves and the
	// invariant holds from the first block.
	for i := 0; i < 2; i++ {
		supply, err := m.Escrow().Supply(escrow.LegAsset, i)
		require.NoError(t, err)
		assert.Equal(t, uint64(10_000_000), supply)
	}
	assert.Equal(t, uint64(10_000_000), m.Escrow().SpotBalance(escrow.LegAsset))
	require.NoError(t, m.Escrow().CheckInvariant())

	_, err := e.CreateMarket("mkt-1", testMarketConfig(), t0)
	require.ErrorIs(t, err, domain.ErrAlreadyExists)

	got, err := e.Market("mkt-1")
	require.NoError(t, err)
	assert.Same(t, m, got)
	_, err = e.Market("missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreateMarketValidation(t *testing.T) {
	e := New(Config{}, nil)

	cfg := testMarketConfig()
	cfg.Outcomes = []string{"only"}
	_, err := e.CreateMarket("m", cfg, t0)
	require.ErrorIs(t, err, domain.ErrOutcomeOutOfRange)

	cfg = testMarketConfig()
	cfg.SpotStable = 0
	_, err = e.CreateMarket("m", cfg, t0)
	require.ErrorIs(t, err, domain.ErrZeroAmount)
}

func TestSessionTradeAndRedeem(t *testing.T) {
	_, m := newTestEngine(t)

	s, err := m.BeginSession(t0)
	require.NoError(t, err)
	fill, err := m.SwapInSession(s, 1, domain.SwapStableToAsset, 200_000, 0, t0)
	require.NoError(t, err)
	assert.Greater(t, fill.AmountOut, uint64(0))

	sum, err := m.FinishSession(s, t0.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, m.Escrow().CheckInvariant())

	require.NoError(t, m.Resolve(1, t0.Add(time.Hour)))

	asset, stable, err := m.RedeemBalance(sum.Balance)
	require.NoError(t, err)
	assert.Equal(t, fill.AmountOut, asset, "winning conditional asset redeems 1:1")
	assert.Zero(t, stable, "outcome 1 stable was fully swapped away")
}

func TestTradingGates(t *testing.T) {
	_, m := newTestEngine(t)

	m.Halt()
	_, err := m.BeginSession(t0)
	require.ErrorIs(t, err, domain.ErrTradingClosed)
	_, err = m.TradeSpot(domain.SwapStableToAsset, 1000, 0, t0)
	require.ErrorIs(t, err, domain.ErrTradingClosed)

	require.NoError(t, m.Resume())
	_, err = m.BeginSession(t0)
	require.NoError(t, err)

	require.NoError(t, m.Resolve(0, t0))
	_, err = m.BeginSession(t0)
	require.ErrorIs(t, err, domain.ErrAlreadyResolved)
	require.ErrorIs(t, m.Resume(), domain.ErrAlreadyResolved)
}

func TestResolveDrainsPools(t *testing.T) {
	_, m := newTestEngine(t)

	require.NoError(t, m.Resolve(0, t0))
	for i := 0; i < 2; i++ {
		p, err := m.Pool(i)
		require.NoError(t, err)
		a, s := p.Reserves()
		assert.Zero(t, a)
		assert.Zero(t, s)
	}

	// Losing supply was burned with the drained reserves.
	supply, err := m.Escrow().Supply(escrow.LegAsset, 1)
	require.NoError(t, err)
	assert.Zero(t, supply)
	supply, err = m.Escrow().Supply(escrow.LegAsset, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(10_000_000), supply)

	require.ErrorIs(t, m.Resolve(1, t0), domain.ErrAlreadyResolved)
}

func TestRedeemRequiresResolution(t *testing.T) {
	_, m := newTestEngine(t)
	bal, err := escrow.NewBalance("mkt-1", 2)
	require.NoError(t, err)
	_, _, err = m.RedeemBalance(bal)
	require.ErrorIs(t, err, domain.ErrNotResolved)
}

func TestAddRemoveLiquidity(t *testing.T) {
	_, m := newTestEngine(t)
	p, err := m.Pool(0)
	require.NoError(t, err)
	pos, err := escrow.NewBalance("mkt-1", 2)
	require.NoError(t, err)

	lp, err := m.AddLiquidity(pos, 0, 1_000_000, 1_000_000, 0, t0)
	require.NoError(t, err)
	assert.Greater(t, lp, uint64(0))

	a, s := p.Reserves()
	assert.Equal(t, uint64(11_000_000), a)
	assert.Equal(t, uint64(11_000_000), s)

	// The provider keeps the other outcome's legs of the split.
	got, err := pos.Get(escrow.LegAsset, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), got)
	got, err = pos.Get(escrow.LegStable, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), got)

	// The imbalance error surfaces before any LP units move, and the failed
	// deposit is handed back rather than kept.
	posBefore, _ := pos.Get(escrow.LegAsset, 1)
	_, err = m.AddLiquidity(pos, 0, 1_000_000, 2_000_000, 0, t0)
	require.ErrorIs(t, err, domain.ErrImbalancedDeposit)
	assert.Equal(t, lp, p.LPSupply())
	posAfter, _ := pos.Get(escrow.LegAsset, 1)
	assert.Equal(t, posBefore, posAfter)

	aOut, sOut, err := m.RemoveLiquidity(pos, 0, lp/2, t0)
	require.NoError(t, err)
	assert.Greater(t, aOut, uint64(0))
	assert.Greater(t, sOut, uint64(0))

	// The withdrawn legs are in the provider's position, not the market's.
	got, err = pos.Get(escrow.LegAsset, 0)
	require.NoError(t, err)
	assert.Equal(t, aOut, got)
	got, err = pos.Get(escrow.LegStable, 0)
	require.NoError(t, err)
	assert.Equal(t, sOut, got)
	require.NoError(t, m.Escrow().CheckInvariant())
}

func TestLiquidityPositionRedeemsAfterResolution(t *testing.T) {
	_, m := newTestEngine(t)
	pos, err := escrow.NewBalance("mkt-1", 2)
	require.NoError(t, err)

	lp, err := m.AddLiquidity(pos, 0, 1_000_000, 1_000_000, 0, t0)
	require.NoError(t, err)
	aOut, sOut, err := m.RemoveLiquidity(pos, 0, lp/2, t0)
	require.NoError(t, err)

	require.NoError(t, m.Resolve(0, t0.Add(time.Hour)))

	// Outcome 0 won: the withdrawn reserves plus the outcome-0 legs still
	// in the position pay out 1:1; the outcome-1 legs burn.
	asset, stable, err := m.RedeemBalance(pos)
	require.NoError(t, err)
	assert.Equal(t, aOut, asset)
	assert.Equal(t, sOut, stable)
	require.NoError(t, m.Escrow().CheckInvariant())
}

func TestRemoveLiquidityRejectsForeignBalance(t *testing.T) {
	_, m := newTestEngine(t)
	pos, err := escrow.NewBalance("mkt-1", 2)
	require.NoError(t, err)
	lp, err := m.AddLiquidity(pos, 0, 1_000_000, 1_000_000, 0, t0)
	require.NoError(t, err)

	other, err := escrow.NewBalance("mkt-2", 2)
	require.NoError(t, err)
	_, _, err = m.RemoveLiquidity(other, 0, lp, t0)
	require.ErrorIs(t, err, domain.ErrCoinMismatch)
}

func TestRemoveResolvedMarket(t *testing.T) {
	e, m := newTestEngine(t)

	require.ErrorIs(t, e.Remove("mkt-1"), domain.ErrNotResolved)
	require.NoError(t, m.Resolve(0, t0))
	require.NoError(t, e.Remove("mkt-1"))
	require.ErrorIs(t, e.Remove("mkt-1"), domain.ErrNotFound)
}

func TestSnapshot(t *testing.T) {
	_, m := newTestEngine(t)

	since := m.Observe(t0)
	snaps, err := m.Snapshot(since, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, snaps, 3)

	var sawSpot bool
	for _, snap := range snaps {
		if snap.Outcome == amm.SpotOutcome {
			sawSpot = true
		}
		assert.Equal(t, "mkt-1", snap.MarketID)
		assert.Greater(t, snap.SpotPrice, uint64(0))
		assert.Greater(t, snap.TWAP, uint64(0))
	}
	assert.True(t, sawSpot)
}
