package router

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/futarchyfi/condamm/internal/domain"
	"github.com/futarchyfi/condamm/internal/engine/amm"
	"github.com/futarchyfi/condamm/internal/engine/escrow"
	"github.com/futarchyfi/condamm/internal/engine/rebalance"
)

var t0 = time.Unix(1_700_000_000, 0)

type fixture struct {
	esc      *escrow.Escrow
	pools    []*amm.Pool
	spot     *amm.Pool
	treasury *escrow.Balance
	router   *Router
}

func newFixture(t *testing.T, condReserves [][2]uint64, spotAsset, spotStable uint64) *fixture {
	t.Helper()

	n := len(condReserves)
	esc, err := escrow.New("mkt-1", n)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		require.NoError(t, esc.RegisterOutcome(i,
			escrow.CoinTag(fmt.Sprintf("mkt-1/%d/asset", i)),
			escrow.CoinTag(fmt.Sprintf("mkt-1/%d/stable", i))))
	}

	var maxAsset, maxStable uint64
	for _, r := range condReserves {
		maxAsset = max(maxAsset, r[0])
		maxStable = max(maxStable, r[1])
	}
	treasury, err := escrow.NewBalance("mkt-1", n)
	require.NoError(t, err)
	require.NoError(t, esc.SplitToBalance(treasury, escrow.LegAsset, maxAsset))
	require.NoError(t, esc.SplitToBalance(treasury, escrow.LegStable, maxStable))

	pools := make([]*amm.Pool, n)
	for i, r := range condReserves {
		_, err = esc.UnwrapFromBalance(treasury, escrow.LegAsset, i, r[0])
		require.NoError(t, err)
		_, err = esc.UnwrapFromBalance(treasury, escrow.LegStable, i, r[1])
		require.NoError(t, err)
		pools[i], err = amm.NewPool("mkt-1", i, amm.Config{FeeBps: 30}, r[0], r[1], t0)
		require.NoError(t, err)
	}

	spot, err := amm.NewPool("mkt-1", amm.SpotOutcome, amm.Config{FeeBps: 30}, spotAsset, spotStable, t0)
	require.NoError(t, err)

	return &fixture{
		esc:      esc,
		pools:    pools,
		spot:     spot,
		treasury: treasury,
		router:   NewRouter(rebalance.New(rebalance.Config{})),
	}
}

func TestSessionSwapStableToAsset(t *testing.T) {
	f := newFixture(t, [][2]uint64{{10_000_000, 9_000_000}, {10_000_000, 12_000_000}}, 1_000_000, 1_000_000)

	s, err := f.router.Begin("mkt-1", f.pools, t0)
	require.NoError(t, err)
	require.NotEmpty(t, s.ID())

	fill, err := f.router.SwapInSession(s, f.pools, f.esc, 0, domain.SwapStableToAsset, 100_000, 0, t0)
	require.NoError(t, err)
	assert.Greater(t, fill.AmountOut, uint64(0))
	assert.Equal(t, 0, fill.Outcome)
	assert.Equal(t, s.ID(), fill.SessionID)
	assert.Equal(t, uint64(30), fill.FeeBps)

	sum, err := f.router.Finish(s, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, sum.Fills, 1)

	// The traded outcome holds the swap output; every other outcome keeps
	// its share of the split deposit.
	got, err := sum.Balance.Get(escrow.LegAsset, 0)
	require.NoError(t, err)
	assert.Equal(t, fill.AmountOut, got)
	got, err = sum.Balance.Get(escrow.LegStable, 0)
	require.NoError(t, err)
	assert.Zero(t, got)
	got, err = sum.Balance.Get(escrow.LegStable, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(100_000), got)

	require.NoError(t, f.esc.CheckInvariant())
}

func TestSessionTracksPriceFlips(t *testing.T) {
	f := newFixture(t, [][2]uint64{{10_000_000, 10_000_000}, {10_000_000, 10_100_000}}, 1_000_000, 1_000_000)

	s, err := f.router.Begin("mkt-1", f.pools, t0)
	require.NoError(t, err)

	// Pushing outcome 0 past outcome 1 flips the leader once; trading it
	// further up changes nothing.
	_, err = f.router.SwapInSession(s, f.pools, f.esc, 0, domain.SwapStableToAsset, 0, 0, t0)
	require.ErrorIs(t, err, domain.ErrZeroAmount)

	_, err = f.router.SwapInSession(s, f.pools, f.esc, 0, domain.SwapAssetToStable, 1_000_000, 0, t0)
	require.NoError(t, err)
	// Selling asset into outcome 0 lowers its price; leader stays 1.
	sumBefore := s.flips
	assert.Zero(t, sumBefore)

	_, err = f.router.SwapInSession(s, f.pools, f.esc, 1, domain.SwapAssetToStable, 3_000_000, 0, t0)
	require.NoError(t, err)
	// Outcome 1's price dropped below outcome 0's: one flip.
	assert.Equal(t, 1, s.flips)

	sum, err := f.router.Finish(s, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.PriceFlips)
	assert.Equal(t, 0, sum.Leading)
}

func TestSessionSlippage(t *testing.T) {
	f := newFixture(t, [][2]uint64{{10_000_000, 10_000_000}}, 1_000_000, 1_000_000)

	s, err := f.router.Begin("mkt-1", f.pools, t0)
	require.NoError(t, err)
	_, err = f.router.SwapInSession(s, f.pools, f.esc, 0, domain.SwapStableToAsset, 100_000, 200_000, t0)
	require.ErrorIs(t, err, domain.ErrSlippage)

	// Nothing committed: the session balance is still empty.
	sum, err := f.router.Finish(s, t0)
	require.NoError(t, err)
	assert.True(t, sum.Balance.IsEmpty())
	assert.Empty(t, sum.Fills)
}

func TestSessionSingleUse(t *testing.T) {
	f := newFixture(t, [][2]uint64{{10_000_000, 10_000_000}}, 1_000_000, 1_000_000)

	s, err := f.router.Begin("mkt-1", f.pools, t0)
	require.NoError(t, err)
	_, err = f.router.Finish(s, t0)
	require.NoError(t, err)

	_, err = f.router.SwapInSession(s, f.pools, f.esc, 0, domain.SwapStableToAsset, 100, 0, t0)
	require.ErrorIs(t, err, domain.ErrProgressConsumed)
	_, err = f.router.Finish(s, t0)
	require.ErrorIs(t, err, domain.ErrProgressConsumed)
}

func TestSessionOutcomeBounds(t *testing.T) {
	f := newFixture(t, [][2]uint64{{10_000_000, 10_000_000}}, 1_000_000, 1_000_000)
	s, err := f.router.Begin("mkt-1", f.pools, t0)
	require.NoError(t, err)
	_, err = f.router.SwapInSession(s, f.pools, f.esc, 1, domain.SwapStableToAsset, 100, 0, t0)
	require.ErrorIs(t, err, domain.ErrOutcomeOutOfRange)
}

func TestTradeSpotRebalances(t *testing.T) {
	f := newFixture(t, [][2]uint64{{10_000_000, 9_000_000}, {10_000_000, 12_000_000}}, 1_000_000, 1_000_000)

	// A large stable buy pushes the spot price above the conditional band;
	// the router must bring it back before returning.
	fill, err := f.router.TradeSpot(f.spot, f.pools, f.esc, f.treasury, domain.SwapStableToAsset, 500_000, 0, t0)
	require.NoError(t, err)
	assert.Greater(t, fill.AmountOut, uint64(0))
	assert.Equal(t, amm.SpotOutcome, fill.Outcome)

	price, err := f.spot.SpotPrice()
	require.NoError(t, err)
	low, high, err := rebalance.Band(f.pools)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, price, low)
	assert.LessOrEqual(t, price, high)
	require.NoError(t, f.esc.CheckInvariant())
}

func TestTradeSpotBandFailureRollsBack(t *testing.T) {
	f := newFixture(t, [][2]uint64{{10_000_000, 9_000_000}, {10_000_000, 12_000_000}}, 1_000_000, 1_000_000)

	// One arbitrage cycle is nowhere near enough to absorb a trade this
	// large, so the band check fails. The failed trade must leave no trace:
	// not the spot swap, not the partial cycles.
	r := NewRouter(rebalance.New(rebalance.Config{MaxIterations: 1}))

	spotAsset0, spotStable0 := f.spot.Reserves()
	condBefore := make([][2]uint64, len(f.pools))
	for i, p := range f.pools {
		a, s := p.Reserves()
		condBefore[i] = [2]uint64{a, s}
	}
	escAsset0 := f.esc.SpotBalance(escrow.LegAsset)
	escStable0 := f.esc.SpotBalance(escrow.LegStable)

	_, err := r.TradeSpot(f.spot, f.pools, f.esc, f.treasury, domain.SwapStableToAsset, 3_000_000, 0, t0)
	require.ErrorIs(t, err, domain.ErrRebalanceBand)

	a, s := f.spot.Reserves()
	assert.Equal(t, spotAsset0, a)
	assert.Equal(t, spotStable0, s)
	for i, p := range f.pools {
		a, s := p.Reserves()
		assert.Equal(t, condBefore[i][0], a, "outcome %d asset reserve", i)
		assert.Equal(t, condBefore[i][1], s, "outcome %d stable reserve", i)
	}
	assert.Equal(t, escAsset0, f.esc.SpotBalance(escrow.LegAsset))
	assert.Equal(t, escStable0, f.esc.SpotBalance(escrow.LegStable))
	require.NoError(t, f.esc.CheckInvariant())
}
