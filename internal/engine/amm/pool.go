// Package amm implements the per-outcome constant-product market. Each pool
// owns its reserves, LP supply, protocol-fee accruals and price oracle; the
// same type also serves as the spot market the rebalancer trades against.
package amm

import (
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/futarchyfi/condamm/internal/domain"
	"github.com/futarchyfi/condamm/internal/engine/feesched"
	"github.com/futarchyfi/condamm/internal/engine/fixedmath"
)

const (
	// MaxFeeBps is the fee denominator: 10000 bps = 100%.
	MaxFeeBps uint64 = 10_000

	// DefaultMinLiquidity is the floor on sqrt(assetReserve*stableReserve)
	// after any mutation. The first liquidity provider permanently burns
	// this many LP units.
	DefaultMinLiquidity uint64 = 1_000

	// DefaultRatioToleranceBps is how far a follow-on deposit may deviate
	// from the current reserve ratio (1%).
	DefaultRatioToleranceBps uint64 = 100
)

// DefaultPriceCeiling clamps observed prices at one million stable units per
// asset unit, keeping cumulative accumulators far from overflow and bounding
// single-observation oracle manipulation.
const DefaultPriceCeiling = 1_000_000 * fixedmath.PriceScale

// SpotOutcome is the Outcome() value of the spot-market pool.
const SpotOutcome = -1

// Config carries the policy parameters of a pool. Zero values fall back to
// the package defaults; these are product choices, not structural ones.
type Config struct {
	FeeBps              uint64
	ProtocolFeeShareBps uint64 // share of the swap fee diverted to protocol
	MinLiquidity        uint64
	RatioToleranceBps   uint64
	PriceCeiling        uint64
	Launch              feesched.Schedule
}

func (c Config) withDefaults() Config {
	if c.MinLiquidity == 0 {
		c.MinLiquidity = DefaultMinLiquidity
	}
	if c.RatioToleranceBps == 0 {
		c.RatioToleranceBps = DefaultRatioToleranceBps
	}
	if c.PriceCeiling == 0 {
		c.PriceCeiling = DefaultPriceCeiling
	}
	return c
}

// Pool is one constant-product market. All methods are safe for concurrent
// use; every mutation either commits fully or leaves the pool untouched.
type Pool struct {
	mu sync.Mutex

	marketID string
	outcome  int
	cfg      Config

	assetReserve  uint64
	stableReserve uint64
	lpSupply      uint64

	protocolFeesAsset  uint64
	protocolFeesStable uint64

	createdAt time.Time
	oracle    oracle
}

// NewPool creates a pool with bootstrap reserves. LP supply starts at zero
// and is seeded on the first AddLiquidity call.
func NewPool(marketID string, outcome int, cfg Config, asset0, stable0 uint64, now time.Time) (*Pool, error) {
	cfg = cfg.withDefaults()
	if asset0 == 0 || stable0 == 0 {
		return nil, fmt.Errorf("amm: bootstrap reserves: %w", domain.ErrZeroAmount)
	}
	if cfg.FeeBps > MaxFeeBps {
		return nil, fmt.Errorf("amm: fee %d bps: %w", cfg.FeeBps, domain.ErrFeeTooHigh)
	}
	if fixedmath.SqrtProduct(asset0, stable0) < cfg.MinLiquidity {
		return nil, fmt.Errorf("amm: bootstrap liquidity: %w", domain.ErrLiquidityFloor)
	}
	p := &Pool{
		marketID:      marketID,
		outcome:       outcome,
		cfg:           cfg,
		assetReserve:  asset0,
		stableReserve: stable0,
		createdAt:     now,
	}
	p.oracle.init(now)
	return p, nil
}

// MarketID returns the owning market's id.
func (p *Pool) MarketID() string { return p.marketID }

// Outcome returns the pool's outcome index (SpotOutcome for the spot market).
func (p *Pool) Outcome() int { return p.outcome }

// Reserves returns the current asset and stable reserves.
func (p *Pool) Reserves() (asset, stable uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.assetReserve, p.stableReserve
}

// LPSupply returns the outstanding LP units.
func (p *Pool) LPSupply() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lpSupply
}

// ProtocolFees returns accrued protocol fees per side.
func (p *Pool) ProtocolFees() (asset, stable uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.protocolFeesAsset, p.protocolFeesStable
}

// CollectProtocolFees drains and returns the accrued protocol fees.
func (p *Pool) CollectProtocolFees() (asset, stable uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	asset, stable = p.protocolFeesAsset, p.protocolFeesStable
	p.protocolFeesAsset, p.protocolFeesStable = 0, 0
	return asset, stable
}

// EffectiveFeeBps evaluates the launch fee schedule at time now.
func (p *Pool) EffectiveFeeBps(now time.Time) uint64 {
	return p.cfg.Launch.Current(p.cfg.FeeBps, p.createdAt, now)
}

// SpotPrice returns the instantaneous clamped pool price.
func (p *Pool) SpotPrice() (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.price()
}

func (p *Pool) price() (uint64, error) {
	if p.assetReserve == 0 {
		return 0, fmt.Errorf("amm: empty pool: %w", domain.ErrLiquidityFloor)
	}
	return fixedmath.Price(p.assetReserve, p.stableReserve, p.cfg.PriceCeiling)
}

// liquidity is the geometric mean of the reserves, the quantity the floor
// applies to.
func (p *Pool) liquidity() uint64 {
	return fixedmath.SqrtProduct(p.assetReserve, p.stableReserve)
}

// SwapAssetToStable swaps amountIn asset into the pool for stable out.
func (p *Pool) SwapAssetToStable(amountIn, minOut uint64, now time.Time) (uint64, error) {
	return p.swap(amountIn, minOut, now, true, true)
}

// SwapStableToAsset swaps amountIn stable into the pool for asset out.
func (p *Pool) SwapStableToAsset(amountIn, minOut uint64, now time.Time) (uint64, error) {
	return p.swap(amountIn, minOut, now, false, true)
}

// FeelessSwapAssetToStable is the fee-free variant used internally by the
// arbitrage rebalancer. It collects no fee and preserves k within rounding.
func (p *Pool) FeelessSwapAssetToStable(amountIn uint64, now time.Time) (uint64, error) {
	return p.swap(amountIn, 0, now, true, false)
}

// FeelessSwapStableToAsset is the fee-free mirror of FeelessSwapAssetToStable.
func (p *Pool) FeelessSwapStableToAsset(amountIn uint64, now time.Time) (uint64, error) {
	return p.swap(amountIn, 0, now, false, false)
}

func (p *Pool) swap(amountIn, minOut uint64, now time.Time, assetIn, charged bool) (uint64, error) {
	if amountIn == 0 {
		return 0, fmt.Errorf("amm: swap input: %w", domain.ErrZeroAmount)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	reserveIn, reserveOut := p.assetReserve, p.stableReserve
	if !assetIn {
		reserveIn, reserveOut = reserveOut, reserveIn
	}

	feeBps := uint64(0)
	if charged {
		feeBps = p.cfg.Launch.Current(p.cfg.FeeBps, p.createdAt, now)
	}

	amountOut, err := constantProductOut(amountIn, reserveIn, reserveOut, feeBps)
	if err != nil {
		return 0, err
	}
	if amountOut < minOut {
		return 0, fmt.Errorf("amm: swap out %d < min %d: %w", amountOut, minOut, domain.ErrSlippage)
	}
	if amountOut >= reserveOut {
		return 0, fmt.Errorf("amm: swap would drain pool: %w", domain.ErrLiquidityFloor)
	}

	var protocolCut uint64
	if charged && p.cfg.ProtocolFeeShareBps > 0 {
		fee, err := fixedmath.MulDiv(amountIn, feeBps, MaxFeeBps)
		if err != nil {
			return 0, err
		}
		protocolCut, err = fixedmath.MulDiv(fee, p.cfg.ProtocolFeeShareBps, MaxFeeBps)
		if err != nil {
			return 0, err
		}
	}

	p.oracle.advance(p.assetReserve, p.stableReserve, p.cfg.PriceCeiling, now)

	if assetIn {
		p.assetReserve += amountIn - protocolCut
		p.stableReserve -= amountOut
		p.protocolFeesAsset += protocolCut
	} else {
		p.stableReserve += amountIn - protocolCut
		p.assetReserve -= amountOut
		p.protocolFeesStable += protocolCut
	}

	if p.liquidity() < p.cfg.MinLiquidity {
		// Roll back; the operation must leave no partial state.
		if assetIn {
			p.assetReserve -= amountIn - protocolCut
			p.stableReserve += amountOut
			p.protocolFeesAsset -= protocolCut
		} else {
			p.stableReserve -= amountIn - protocolCut
			p.assetReserve += amountOut
			p.protocolFeesStable -= protocolCut
		}
		return 0, fmt.Errorf("amm: post-swap liquidity: %w", domain.ErrLiquidityFloor)
	}

	return amountOut, nil
}

// FeelessSwapForExactAssetOut computes and applies the stable input needed
// to withdraw exactly assetOut from the pool. Like the other FeelessSwap
// variants it collects no fee; the rebalancer uses it to assemble complete
// sets of a known size.
func (p *Pool) FeelessSwapForExactAssetOut(assetOut uint64, now time.Time) (stableIn uint64, err error) {
	return p.swapExactOut(assetOut, now, true)
}

// FeelessSwapForExactStableOut is the mirror of FeelessSwapForExactAssetOut.
func (p *Pool) FeelessSwapForExactStableOut(stableOut uint64, now time.Time) (assetIn uint64, err error) {
	return p.swapExactOut(stableOut, now, false)
}

func (p *Pool) swapExactOut(amountOut uint64, now time.Time, assetOut bool) (uint64, error) {
	if amountOut == 0 {
		return 0, fmt.Errorf("amm: swap output: %w", domain.ErrZeroAmount)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	reserveIn, reserveOut := p.stableReserve, p.assetReserve
	if !assetOut {
		reserveIn, reserveOut = reserveOut, reserveIn
	}
	if amountOut >= reserveOut {
		return 0, fmt.Errorf("amm: exact-out %d exceeds reserve %d: %w", amountOut, reserveOut, domain.ErrLiquidityFloor)
	}

	amountIn, err := constantProductIn(amountOut, reserveIn, reserveOut)
	if err != nil {
		return 0, err
	}

	p.oracle.advance(p.assetReserve, p.stableReserve, p.cfg.PriceCeiling, now)

	if assetOut {
		p.stableReserve += amountIn
		p.assetReserve -= amountOut
	} else {
		p.assetReserve += amountIn
		p.stableReserve -= amountOut
	}

	if p.liquidity() < p.cfg.MinLiquidity {
		if assetOut {
			p.stableReserve -= amountIn
			p.assetReserve += amountOut
		} else {
			p.assetReserve -= amountIn
			p.stableReserve += amountOut
		}
		return 0, fmt.Errorf("amm: post-swap liquidity: %w", domain.ErrLiquidityFloor)
	}

	return amountIn, nil
}

// QuoteSwapAssetToStable computes the fee-bearing output for amountIn asset
// at time now without touching the pool.
func (p *Pool) QuoteSwapAssetToStable(amountIn uint64, now time.Time) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return constantProductOut(amountIn, p.assetReserve, p.stableReserve, p.cfg.Launch.Current(p.cfg.FeeBps, p.createdAt, now))
}

// QuoteSwapStableToAsset is the mirror of QuoteSwapAssetToStable.
func (p *Pool) QuoteSwapStableToAsset(amountIn uint64, now time.Time) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return constantProductOut(amountIn, p.stableReserve, p.assetReserve, p.cfg.Launch.Current(p.cfg.FeeBps, p.createdAt, now))
}

// QuoteFeelessAssetToStable computes the feeless output for amountIn asset
// without touching the pool.
func (p *Pool) QuoteFeelessAssetToStable(amountIn uint64) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return constantProductOut(amountIn, p.assetReserve, p.stableReserve, 0)
}

// QuoteFeelessStableToAsset is the mirror of QuoteFeelessAssetToStable.
func (p *Pool) QuoteFeelessStableToAsset(amountIn uint64) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return constantProductOut(amountIn, p.stableReserve, p.assetReserve, 0)
}

// QuoteForExactAssetOut computes the stable input that
// FeelessSwapForExactAssetOut would charge, without touching the pool.
func (p *Pool) QuoteForExactAssetOut(assetOut uint64) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if assetOut >= p.assetReserve {
		return 0, fmt.Errorf("amm: exact-out %d exceeds reserve %d: %w", assetOut, p.assetReserve, domain.ErrLiquidityFloor)
	}
	return constantProductIn(assetOut, p.stableReserve, p.assetReserve)
}

// QuoteForExactStableOut is the mirror of QuoteForExactAssetOut.
func (p *Pool) QuoteForExactStableOut(stableOut uint64) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if stableOut >= p.stableReserve {
		return 0, fmt.Errorf("amm: exact-out %d exceeds reserve %d: %w", stableOut, p.stableReserve, domain.ErrLiquidityFloor)
	}
	return constantProductIn(stableOut, p.assetReserve, p.stableReserve)
}

// AddLiquidity deposits both sides and mints LP units. The first provider
// mints sqrt(assetIn*stableIn) minus the burned floor; later providers must
// match the current reserve ratio within the configured tolerance.
func (p *Pool) AddLiquidity(assetIn, stableIn, minLPOut uint64, now time.Time) (uint64, error) {
	if assetIn == 0 || stableIn == 0 {
		return 0, fmt.Errorf("amm: liquidity deposit: %w", domain.ErrZeroAmount)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var lpOut uint64
	if p.lpSupply == 0 {
		root := fixedmath.SqrtProduct(assetIn, stableIn)
		if root <= p.cfg.MinLiquidity {
			return 0, fmt.Errorf("amm: initial deposit below floor: %w", domain.ErrLiquidityFloor)
		}
		lpOut = root - p.cfg.MinLiquidity
	} else {
		if err := p.checkRatio(assetIn, stableIn); err != nil {
			return 0, err
		}
		byAsset, err := fixedmath.MulDiv(p.lpSupply, assetIn, p.assetReserve)
		if err != nil {
			return 0, err
		}
		byStable, err := fixedmath.MulDiv(p.lpSupply, stableIn, p.stableReserve)
		if err != nil {
			return 0, err
		}
		lpOut = min(byAsset, byStable)
		if lpOut == 0 {
			return 0, fmt.Errorf("amm: deposit too small: %w", domain.ErrZeroAmount)
		}
	}
	if lpOut < minLPOut {
		return 0, fmt.Errorf("amm: lp out %d < min %d: %w", lpOut, minLPOut, domain.ErrSlippage)
	}

	p.oracle.advance(p.assetReserve, p.stableReserve, p.cfg.PriceCeiling, now)
	p.assetReserve += assetIn
	p.stableReserve += stableIn
	p.lpSupply += lpOut
	return lpOut, nil
}

// checkRatio verifies assetIn/stableIn matches the reserve ratio within the
// configured tolerance, using cross products to avoid division.
func (p *Pool) checkRatio(assetIn, stableIn uint64) error {
	lhs := new(uint256.Int).Mul(uint256.NewInt(assetIn), uint256.NewInt(p.stableReserve))
	rhs := new(uint256.Int).Mul(uint256.NewInt(stableIn), uint256.NewInt(p.assetReserve))

	diff := new(uint256.Int)
	if lhs.Cmp(rhs) >= 0 {
		diff.Sub(lhs, rhs)
	} else {
		diff.Sub(rhs, lhs)
	}
	diff.Mul(diff, uint256.NewInt(MaxFeeBps))

	bound := new(uint256.Int).Mul(lhs, uint256.NewInt(p.cfg.RatioToleranceBps))
	if diff.Cmp(bound) > 0 {
		return fmt.Errorf("amm: deposit ratio: %w", domain.ErrImbalancedDeposit)
	}
	return nil
}

// RemoveLiquidity burns lpIn and pays out the proportional share of both
// reserves. It fails if the pool would fall below the liquidity floor.
func (p *Pool) RemoveLiquidity(lpIn uint64, now time.Time) (assetOut, stableOut uint64, err error) {
	if lpIn == 0 {
		return 0, 0, fmt.Errorf("amm: lp burn: %w", domain.ErrZeroAmount)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if lpIn > p.lpSupply {
		return 0, 0, fmt.Errorf("amm: burn %d > supply %d: %w", lpIn, p.lpSupply, domain.ErrInsufficientFunds)
	}
	assetOut, err = fixedmath.MulDiv(p.assetReserve, lpIn, p.lpSupply)
	if err != nil {
		return 0, 0, err
	}
	stableOut, err = fixedmath.MulDiv(p.stableReserve, lpIn, p.lpSupply)
	if err != nil {
		return 0, 0, err
	}
	if fixedmath.SqrtProduct(p.assetReserve-assetOut, p.stableReserve-stableOut) < p.cfg.MinLiquidity {
		return 0, 0, fmt.Errorf("amm: post-removal liquidity: %w", domain.ErrLiquidityFloor)
	}

	p.oracle.advance(p.assetReserve, p.stableReserve, p.cfg.PriceCeiling, now)
	p.assetReserve -= assetOut
	p.stableReserve -= stableOut
	p.lpSupply -= lpIn
	return assetOut, stableOut, nil
}

// Checkpoint is a copy of a pool's mutable state. Composite operations that
// span several pools capture one per pool and restore them all when a later
// leg fails, since a single pool's internal rollback cannot reach its peers.
type Checkpoint struct {
	pool *Pool

	assetReserve  uint64
	stableReserve uint64
	lpSupply      uint64

	protocolFeesAsset  uint64
	protocolFeesStable uint64

	oracle oracle
}

// Checkpoint captures the pool's current state for a later Restore.
func (p *Pool) Checkpoint() Checkpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Checkpoint{
		pool:               p,
		assetReserve:       p.assetReserve,
		stableReserve:      p.stableReserve,
		lpSupply:           p.lpSupply,
		protocolFeesAsset:  p.protocolFeesAsset,
		protocolFeesStable: p.protocolFeesStable,
		oracle:             p.oracle,
	}
}

// Restore puts the originating pool back into the captured state, oracle
// accumulator included.
func (c Checkpoint) Restore() {
	p := c.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	p.assetReserve = c.assetReserve
	p.stableReserve = c.stableReserve
	p.lpSupply = c.lpSupply
	p.protocolFeesAsset = c.protocolFeesAsset
	p.protocolFeesStable = c.protocolFeesStable
	p.oracle = c.oracle
}

// DrainReserves empties the pool at market resolution and returns what was
// held. The liquidity floor is deliberately not applied here.
func (p *Pool) DrainReserves(now time.Time) (asset, stable uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.oracle.advance(p.assetReserve, p.stableReserve, p.cfg.PriceCeiling, now)
	asset, stable = p.assetReserve, p.stableReserve
	p.assetReserve, p.stableReserve = 0, 0
	return asset, stable
}

// constantProductOut computes amountIn*(10000-fee)*reserveOut /
// (reserveIn*10000 + amountIn*(10000-fee)) with 256-bit intermediates.
func constantProductOut(amountIn, reserveIn, reserveOut, feeBps uint64) (uint64, error) {
	if feeBps > MaxFeeBps {
		return 0, fmt.Errorf("amm: fee %d bps: %w", feeBps, domain.ErrFeeTooHigh)
	}
	keep := MaxFeeBps - feeBps
	inKeep := new(uint256.Int).Mul(uint256.NewInt(amountIn), uint256.NewInt(keep))
	den := new(uint256.Int).Mul(uint256.NewInt(reserveIn), uint256.NewInt(MaxFeeBps))
	den.Add(den, inKeep)
	if den.IsZero() {
		return 0, fixedmath.ErrDivideByZero
	}
	num := inKeep.Mul(inKeep, uint256.NewInt(reserveOut))
	num.Div(num, den)
	if !num.IsUint64() {
		return 0, fixedmath.ErrOverflow
	}
	return num.Uint64(), nil
}

// constantProductIn computes the feeless exact-output input:
// ceil(amountOut*reserveIn / (reserveOut-amountOut)).
func constantProductIn(amountOut, reserveIn, reserveOut uint64) (uint64, error) {
	return fixedmath.MulDivCeil(amountOut, reserveIn, reserveOut-amountOut)
}
