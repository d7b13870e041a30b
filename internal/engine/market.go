// Package engine assembles escrow, pools, router and rebalancer into whole
// conditional markets and owns their lifecycle: creation with seeded
// liquidity, trading, resolution and redemption. Each market serializes its
// composite operations behind one lock, so every public operation commits
// fully or not at all.
package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/futarchyfi/condamm/internal/domain"
	"github.com/futarchyfi/condamm/internal/engine/amm"
	"github.com/futarchyfi/condamm/internal/engine/escrow"
	"github.com/futarchyfi/condamm/internal/engine/feesched"
	"github.com/futarchyfi/condamm/internal/engine/router"
)

// MarketConfig describes a market to create. CondAsset/CondStable seed each
// conditional pool; SpotAsset/SpotStable seed the spot market.
type MarketConfig struct {
	Question string
	Outcomes []string

	FeeBps              uint64
	ProtocolFeeShareBps uint64
	Launch              feesched.Schedule
	MinLiquidity        uint64
	RatioToleranceBps   uint64
	PriceCeiling        uint64

	CondAsset  uint64
	CondStable uint64
	SpotAsset  uint64
	SpotStable uint64
}

func (c MarketConfig) poolConfig() amm.Config {
	return amm.Config{
		FeeBps:              c.FeeBps,
		ProtocolFeeShareBps: c.ProtocolFeeShareBps,
		Launch:              c.Launch,
		MinLiquidity:        c.MinLiquidity,
		RatioToleranceBps:   c.RatioToleranceBps,
		PriceCeiling:        c.PriceCeiling,
	}
}

// Market is one live decision market: N conditional pools sharing an escrow
// plus a spot market. All composite operations are serialized per market;
// markets never share locks, so distinct markets proceed in parallel.
type Market struct {
	mu sync.Mutex

	id        string
	cfg       MarketConfig
	esc       *escrow.Escrow
	pools     []*amm.Pool
	spot      *amm.Pool
	treasury  *escrow.Balance
	rt        *router.Router
	createdAt time.Time

	tradingActive bool
	winner        *int
}

func newMarket(id string, cfg MarketConfig, rt *router.Router, now time.Time) (*Market, error) {
	n := len(cfg.Outcomes)
	if n < 2 {
		return nil, fmt.Errorf("engine: market needs at least two outcomes, got %d: %w", n, domain.ErrOutcomeOutOfRange)
	}
	if cfg.CondAsset == 0 || cfg.CondStable == 0 || cfg.SpotAsset == 0 || cfg.SpotStable == 0 {
		return nil, fmt.Errorf("engine: bootstrap reserves: %w", domain.ErrZeroAmount)
	}

	esc, err := escrow.New(id, n)
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		err := esc.RegisterOutcome(i,
			escrow.CoinTag(fmt.Sprintf("%s/%d/asset", id, i)),
			escrow.CoinTag(fmt.Sprintf("%s/%d/stable", id, i)))
		if err != nil {
			return nil, err
		}
	}

	// Seed conditional pools through a split so escrow supply and pool
	// custody stay consistent: the deposited collateral backs every pool's
	// reserves simultaneously.
	treasury, err := escrow.NewBalance(id, n)
	if err != nil {
		return nil, err
	}
	if err := esc.SplitToBalance(treasury, escrow.LegAsset, cfg.CondAsset); err != nil {
		return nil, err
	}
	if err := esc.SplitToBalance(treasury, escrow.LegStable, cfg.CondStable); err != nil {
		return nil, err
	}

	pools := make([]*amm.Pool, n)
	for i := 0; i < n; i++ {
		if _, err := esc.UnwrapFromBalance(treasury, escrow.LegAsset, i, cfg.CondAsset); err != nil {
			return nil, err
		}
		if _, err := esc.UnwrapFromBalance(treasury, escrow.LegStable, i, cfg.CondStable); err != nil {
			return nil, err
		}
		pools[i], err = amm.NewPool(id, i, cfg.poolConfig(), cfg.CondAsset, cfg.CondStable, now)
		if err != nil {
			return nil, err
		}
	}

	spot, err := amm.NewPool(id, amm.SpotOutcome, cfg.poolConfig(), cfg.SpotAsset, cfg.SpotStable, now)
	if err != nil {
		return nil, err
	}

	return &Market{
		id:            id,
		cfg:           cfg,
		esc:           esc,
		pools:         pools,
		spot:          spot,
		treasury:      treasury,
		rt:            rt,
		createdAt:     now,
		tradingActive: true,
	}, nil
}

// ID returns the market id.
func (m *Market) ID() string { return m.id }

// OutcomeCount returns the number of outcomes.
func (m *Market) OutcomeCount() int { return len(m.pools) }

// Outcomes returns the outcome labels.
func (m *Market) Outcomes() []string { return m.cfg.Outcomes }

// Resolved reports whether a winner has been set, and which.
func (m *Market) Resolved() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.winner == nil {
		return 0, false
	}
	return *m.winner, true
}

// TradingActive reports whether the market accepts trades.
func (m *Market) TradingActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tradingActive
}

// Halt suspends trading without resolving.
func (m *Market) Halt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tradingActive = false
}

// Resume re-opens trading on an unresolved market.
func (m *Market) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.winner != nil {
		return fmt.Errorf("engine: resume %s: %w", m.id, domain.ErrAlreadyResolved)
	}
	m.tradingActive = true
	return nil
}

func (m *Market) requireTrading() error {
	if m.winner != nil {
		return fmt.Errorf("engine: market %s: %w", m.id, domain.ErrAlreadyResolved)
	}
	if !m.tradingActive {
		return fmt.Errorf("engine: market %s: %w", m.id, domain.ErrTradingClosed)
	}
	return nil
}

// BeginSession opens a swap session for a trader.
func (m *Market) BeginSession(now time.Time) (*router.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireTrading(); err != nil {
		return nil, err
	}
	return m.rt.Begin(m.id, m.pools, now)
}

// SwapInSession executes one conditional swap inside a session.
func (m *Market) SwapInSession(s *router.Session, outcome int, dir domain.SwapDirection, amountIn, minOut uint64, now time.Time) (domain.SwapFill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireTrading(); err != nil {
		return domain.SwapFill{}, err
	}
	return m.rt.SwapInSession(s, m.pools, m.esc, outcome, dir, amountIn, minOut, now)
}

// FinishSession retires a session and returns its summary.
func (m *Market) FinishSession(s *router.Session, now time.Time) (router.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rt.Finish(s, now)
}

// TradeSpot swaps against the spot market and restores the no-arb band.
func (m *Market) TradeSpot(dir domain.SwapDirection, amountIn, minOut uint64, now time.Time) (domain.SwapFill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireTrading(); err != nil {
		return domain.SwapFill{}, err
	}
	return m.rt.TradeSpot(m.spot, m.pools, m.esc, m.treasury, dir, amountIn, minOut, now)
}

// AddLiquidity adds proportional liquidity to one conditional pool. The
// deposit is split through the escrow so the new reserves stay backed. The
// other outcomes' legs of the split stay in bal, the provider's position,
// and settle through RedeemBalance once the market resolves.
func (m *Market) AddLiquidity(bal *escrow.Balance, outcome int, assetIn, stableIn, minLPOut uint64, now time.Time) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireTrading(); err != nil {
		return 0, err
	}
	if err := m.checkOutcome(outcome); err != nil {
		return 0, err
	}

	if err := m.esc.SplitToBalance(bal, escrow.LegAsset, assetIn); err != nil {
		return 0, err
	}
	if err := m.esc.SplitToBalance(bal, escrow.LegStable, stableIn); err != nil {
		if rbErr := m.esc.RecombineFromBalance(bal, escrow.LegAsset, assetIn); rbErr != nil {
			return 0, rbErr
		}
		return 0, err
	}

	lp, err := m.pools[outcome].AddLiquidity(assetIn, stableIn, minLPOut, now)
	if err != nil {
		// Give the deposit back rather than stranding it.
		if rbErr := m.unwind(bal, assetIn, stableIn); rbErr != nil {
			return 0, rbErr
		}
		return 0, err
	}
	if _, err := m.esc.UnwrapFromBalance(bal, escrow.LegAsset, outcome, assetIn); err != nil {
		return 0, err
	}
	if _, err := m.esc.UnwrapFromBalance(bal, escrow.LegStable, outcome, stableIn); err != nil {
		return 0, err
	}
	return lp, m.esc.CheckInvariant()
}

func (m *Market) unwind(bal *escrow.Balance, assetIn, stableIn uint64) error {
	if err := m.esc.RecombineFromBalance(bal, escrow.LegAsset, assetIn); err != nil {
		return err
	}
	return m.esc.RecombineFromBalance(bal, escrow.LegStable, stableIn)
}

// RemoveLiquidity burns LP units in one conditional pool. The withdrawn
// conditional reserves land in bal, the provider's position; turning them
// back into spot collateral takes a complete set, or resolution.
func (m *Market) RemoveLiquidity(bal *escrow.Balance, outcome int, lpIn uint64, now time.Time) (assetOut, stableOut uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOutcome(outcome); err != nil {
		return 0, 0, err
	}
	if m.winner != nil {
		return 0, 0, fmt.Errorf("engine: market %s: %w", m.id, domain.ErrAlreadyResolved)
	}
	// The balance is vetted before the burn so the withdrawn legs always
	// have somewhere to land.
	if bal == nil || bal.Destroyed() || bal.MarketID() != m.id || bal.OutcomeCount() != len(m.pools) {
		return 0, 0, fmt.Errorf("engine: market %s position balance: %w", m.id, domain.ErrCoinMismatch)
	}

	assetOut, stableOut, err = m.pools[outcome].RemoveLiquidity(lpIn, now)
	if err != nil {
		return 0, 0, err
	}
	if assetOut > 0 {
		coin, err := m.esc.Coin(escrow.LegAsset, outcome, assetOut)
		if err != nil {
			return 0, 0, err
		}
		if err := m.esc.WrapToBalance(bal, coin); err != nil {
			return 0, 0, err
		}
	}
	if stableOut > 0 {
		coin, err := m.esc.Coin(escrow.LegStable, outcome, stableOut)
		if err != nil {
			return 0, 0, err
		}
		if err := m.esc.WrapToBalance(bal, coin); err != nil {
			return 0, 0, err
		}
	}
	return assetOut, stableOut, m.esc.CheckInvariant()
}

func (m *Market) checkOutcome(outcome int) error {
	if outcome < 0 || outcome >= len(m.pools) {
		return fmt.Errorf("engine: outcome %d of %d: %w", outcome, len(m.pools), domain.ErrOutcomeOutOfRange)
	}
	return nil
}

// Resolve closes the market with the winning outcome. Conditional pool
// reserves are drained; losing reserves are burned, winning reserves accrue
// to the treasury for redemption bookkeeping.
func (m *Market) Resolve(winner int, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOutcome(winner); err != nil {
		return err
	}
	if m.winner != nil {
		return fmt.Errorf("engine: market %s: %w", m.id, domain.ErrAlreadyResolved)
	}

	for i, p := range m.pools {
		asset, stable := p.DrainReserves(now)
		if i == winner {
			if err := m.wrapDrained(i, asset, stable); err != nil {
				return err
			}
			continue
		}
		if err := m.burnDrained(i, asset, stable); err != nil {
			return err
		}
	}

	m.tradingActive = false
	m.winner = &winner
	return m.esc.CheckInvariant()
}

func (m *Market) wrapDrained(outcome int, asset, stable uint64) error {
	if asset > 0 {
		coin, err := m.esc.Coin(escrow.LegAsset, outcome, asset)
		if err != nil {
			return err
		}
		if err := m.esc.WrapToBalance(m.treasury, coin); err != nil {
			return err
		}
	}
	if stable > 0 {
		coin, err := m.esc.Coin(escrow.LegStable, outcome, stable)
		if err != nil {
			return err
		}
		if err := m.esc.WrapToBalance(m.treasury, coin); err != nil {
			return err
		}
	}
	return nil
}

func (m *Market) burnDrained(outcome int, asset, stable uint64) error {
	if asset > 0 {
		coin, err := m.esc.Coin(escrow.LegAsset, outcome, asset)
		if err != nil {
			return err
		}
		if err := m.esc.BurnConditional(coin); err != nil {
			return err
		}
	}
	if stable > 0 {
		coin, err := m.esc.Coin(escrow.LegStable, outcome, stable)
		if err != nil {
			return err
		}
		if err := m.esc.BurnConditional(coin); err != nil {
			return err
		}
	}
	return nil
}

// RedeemBalance settles a trader's balance after resolution: winning
// holdings pay out spot collateral 1:1, losing holdings are burned. The
// emptied balance is destroyed.
func (m *Market) RedeemBalance(bal *escrow.Balance) (asset, stable uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.winner == nil {
		return 0, 0, fmt.Errorf("engine: market %s: %w", m.id, domain.ErrNotResolved)
	}
	w := *m.winner

	for i := 0; i < len(m.pools); i++ {
		for _, leg := range []escrow.Leg{escrow.LegAsset, escrow.LegStable} {
			held, err := bal.Get(leg, i)
			if err != nil {
				return 0, 0, err
			}
			if held == 0 {
				continue
			}
			coin, err := m.esc.UnwrapFromBalance(bal, leg, i, held)
			if err != nil {
				return 0, 0, err
			}
			if i != w {
				if err := m.esc.BurnConditional(coin); err != nil {
					return 0, 0, err
				}
				continue
			}
			if err := m.esc.RedeemWinning(leg, w, held); err != nil {
				return 0, 0, err
			}
			if leg == escrow.LegAsset {
				asset += held
			} else {
				stable += held
			}
		}
	}
	return asset, stable, bal.Destroy()
}

// Prices returns every conditional pool price plus the spot price.
func (m *Market) Prices() (cond []uint64, spot uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cond = make([]uint64, len(m.pools))
	for i, p := range m.pools {
		cond[i], err = p.SpotPrice()
		if err != nil {
			return nil, 0, err
		}
	}
	spot, err = m.spot.SpotPrice()
	if err != nil {
		return nil, 0, err
	}
	return cond, spot, nil
}

// Snapshot captures every pool's reserves and oracle reading, spot market
// included, for persistence.
func (m *Market) Snapshot(since map[int]amm.Observation, now time.Time) ([]domain.PoolSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := make([]*amm.Pool, 0, len(m.pools)+1)
	all = append(all, m.pools...)
	all = append(all, m.spot)

	snaps := make([]domain.PoolSnapshot, 0, len(all))
	for _, p := range all {
		asset, stable := p.Reserves()
		snap := domain.PoolSnapshot{
			MarketID:      m.id,
			Outcome:       p.Outcome(),
			AssetReserve:  asset,
			StableReserve: stable,
			LPSupply:      p.LPSupply(),
			ObservedAt:    now,
		}
		if asset > 0 {
			price, err := p.SpotPrice()
			if err != nil {
				return nil, err
			}
			snap.SpotPrice = price
			if obs, ok := since[p.Outcome()]; ok {
				twap, err := p.TWAP(obs, now)
				if err == nil {
					snap.TWAP = twap
				}
			}
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// Observe reads every pool's oracle, keyed by outcome index with the spot
// market under amm.SpotOutcome.
func (m *Market) Observe(now time.Time) map[int]amm.Observation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]amm.Observation, len(m.pools)+1)
	for _, p := range m.pools {
		out[p.Outcome()] = p.Observe(now)
	}
	out[amm.SpotOutcome] = m.spot.Observe(now)
	return out
}

// Escrow exposes the market's escrow for read-only inspection.
func (m *Market) Escrow() *escrow.Escrow { return m.esc }

// Pool returns one conditional pool, or the spot pool for amm.SpotOutcome.
func (m *Market) Pool(outcome int) (*amm.Pool, error) {
	if outcome == amm.SpotOutcome {
		return m.spot, nil
	}
	if err := m.checkOutcome(outcome); err != nil {
		return nil, err
	}
	return m.pools[outcome], nil
}
