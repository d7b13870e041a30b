// Package rebalance restores a spot market's price into the no-arb band
// implied by a set of conditional pools. It works only with reserves already
// inside the system: each cycle sells into one side of the spot pool and
// settles the other side through an escrow split/recombine across every
// conditional pool, so the spot proceeds always repay the escrow deposit.
// Gains accrue into whatever balance object was threaded through.
package rebalance

import (
	"fmt"
	"time"

	"github.com/futarchyfi/condamm/internal/domain"
	"github.com/futarchyfi/condamm/internal/engine/amm"
	"github.com/futarchyfi/condamm/internal/engine/escrow"
	"github.com/futarchyfi/condamm/internal/engine/fixedmath"
)

// DefaultMaxIterations bounds how many arbitrage cycles a single rebalance
// may apply before giving up.
const DefaultMaxIterations = 32

// Config tunes a Rebalancer.
type Config struct {
	MaxIterations int
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	return c
}

// Rebalancer drives spot-vs-conditional arbitrage cycles. It holds no state
// between calls; callers are responsible for serializing access to the
// pools and escrow it operates on.
type Rebalancer struct {
	cfg Config
}

// New creates a Rebalancer.
func New(cfg Config) *Rebalancer {
	return &Rebalancer{cfg: cfg.withDefaults()}
}

// Band returns the price range implied by the conditional pools: the lowest
// and highest instantaneous pool price.
func Band(pools []*amm.Pool) (low, high uint64, err error) {
	if len(pools) == 0 {
		return 0, 0, fmt.Errorf("rebalance: no conditional pools: %w", domain.ErrOutcomeOutOfRange)
	}
	for i, p := range pools {
		price, err := p.SpotPrice()
		if err != nil {
			return 0, 0, fmt.Errorf("rebalance: outcome %d price: %w", i, err)
		}
		if i == 0 || price < low {
			low = price
		}
		if i == 0 || price > high {
			high = price
		}
	}
	return low, high, nil
}

// Rebalance applies bounded arbitrage cycles until the spot pool's price
// lies inside the conditional band. Leftover value from each cycle accrues
// into bal. The band is re-asserted as a hard post-condition; if it cannot
// be restored within the iteration bound the whole operation must be
// treated as failed by the caller.
func (r *Rebalancer) Rebalance(spot *amm.Pool, pools []*amm.Pool, esc *escrow.Escrow, bal *escrow.Balance, now time.Time) error {
	if bal == nil {
		return fmt.Errorf("rebalance: nil balance: %w", domain.ErrCoinMismatch)
	}
	if len(pools) != esc.OutcomeCount() {
		return fmt.Errorf("rebalance: %d pools for %d outcomes: %w", len(pools), esc.OutcomeCount(), domain.ErrOutcomeOutOfRange)
	}

	for iter := 0; iter < r.cfg.MaxIterations; iter++ {
		spotPrice, err := spot.SpotPrice()
		if err != nil {
			return fmt.Errorf("rebalance: spot price: %w", err)
		}
		low, high, err := Band(pools)
		if err != nil {
			return err
		}
		if spotPrice >= low && spotPrice <= high {
			return nil
		}

		var applied bool
		if spotPrice > high {
			applied, err = r.sellSpotAsset(spot, pools, esc, bal, low, now)
		} else {
			applied, err = r.buySpotAsset(spot, pools, esc, bal, high, now)
		}
		if err != nil {
			return err
		}
		if !applied {
			break
		}
	}

	spotPrice, err := spot.SpotPrice()
	if err != nil {
		return fmt.Errorf("rebalance: spot price: %w", err)
	}
	low, high, err := Band(pools)
	if err != nil {
		return err
	}
	if spotPrice < low || spotPrice > high {
		return fmt.Errorf("rebalance: spot price %d outside [%d, %d]: %w", spotPrice, low, high, domain.ErrRebalanceBand)
	}
	return nil
}

// sellSpotAsset handles a spot price above the band: sell asset into the
// spot pool, then re-create that asset by buying a complete conditional set
// with the stable proceeds and recombining it. The cycle is planned with
// read-only quotes and applied only once every leg is known to fit.
func (r *Rebalancer) sellSpotAsset(spot *amm.Pool, pools []*amm.Pool, esc *escrow.Escrow, bal *escrow.Balance, bandLow uint64, now time.Time) (bool, error) {
	spotAsset, _ := spot.Reserves()
	needs := make([]uint64, len(pools))

	for amount := spotAsset / 8; amount > 0; amount /= 2 {
		proceeds, err := spot.QuoteFeelessAssetToStable(amount)
		if err != nil || proceeds == 0 {
			continue
		}
		a, s := spot.Reserves()
		postPrice, err := fixedmath.Price(a+amount, s-proceeds, 0)
		if err != nil || postPrice < bandLow {
			// Selling this much would overshoot below the band.
			continue
		}

		feasible := true
		for i, p := range pools {
			need, err := p.QuoteForExactAssetOut(amount)
			if err != nil || need > proceeds {
				feasible = false
				break
			}
			needs[i] = need
		}
		if !feasible {
			continue
		}

		return true, r.applySell(spot, pools, esc, bal, amount, needs, now)
	}
	return false, nil
}

func (r *Rebalancer) applySell(spot *amm.Pool, pools []*amm.Pool, esc *escrow.Escrow, bal *escrow.Balance, amount uint64, needs []uint64, now time.Time) error {
	proceeds, err := spot.FeelessSwapAssetToStable(amount, now)
	if err != nil {
		return fmt.Errorf("rebalance: spot leg: %w", err)
	}
	// All stable proceeds are split into conditional stable; whatever the
	// pools do not charge stays in the balance as the arbitrage gain.
	if err := esc.SplitToBalance(bal, escrow.LegStable, proceeds); err != nil {
		return fmt.Errorf("rebalance: split proceeds: %w", err)
	}
	for i, p := range pools {
		if _, err := p.FeelessSwapForExactAssetOut(amount, now); err != nil {
			return fmt.Errorf("rebalance: outcome %d buy: %w", i, err)
		}
		// The charged stable leaves the balance into pool custody.
		if _, err := esc.UnwrapFromBalance(bal, escrow.LegStable, i, needs[i]); err != nil {
			return fmt.Errorf("rebalance: outcome %d pay: %w", i, err)
		}
		coin, err := esc.Coin(escrow.LegAsset, i, amount)
		if err != nil {
			return fmt.Errorf("rebalance: outcome %d receive: %w", i, err)
		}
		if err := esc.WrapToBalance(bal, coin); err != nil {
			return fmt.Errorf("rebalance: outcome %d wrap: %w", i, err)
		}
	}
	// The recombined spot asset repays what the spot pool was promised.
	if err := esc.RecombineFromBalance(bal, escrow.LegAsset, amount); err != nil {
		return fmt.Errorf("rebalance: recombine asset: %w", err)
	}
	return nil
}

// buySpotAsset handles a spot price below the band: buy asset out of the
// spot pool, split it into a complete conditional set, sell one unit set
// into every conditional pool and recombine enough stable to repay the
// spot pool.
func (r *Rebalancer) buySpotAsset(spot *amm.Pool, pools []*amm.Pool, esc *escrow.Escrow, bal *escrow.Balance, bandHigh uint64, now time.Time) (bool, error) {
	spotAsset, _ := spot.Reserves()

	for amount := spotAsset / 8; amount > 0; amount /= 2 {
		cost, err := spot.QuoteForExactAssetOut(amount)
		if err != nil {
			continue
		}
		a, s := spot.Reserves()
		postPrice, err := fixedmath.Price(a-amount, s+cost, 0)
		if err != nil || postPrice > bandHigh {
			continue
		}

		feasible := true
		for _, p := range pools {
			gain, err := p.QuoteFeelessAssetToStable(amount)
			if err != nil || gain < cost {
				// Every outcome must yield enough stable to recombine the
				// repayment set.
				feasible = false
				break
			}
		}
		if !feasible {
			continue
		}

		return true, r.applyBuy(spot, pools, esc, bal, amount, cost, now)
	}
	return false, nil
}

func (r *Rebalancer) applyBuy(spot *amm.Pool, pools []*amm.Pool, esc *escrow.Escrow, bal *escrow.Balance, amount, cost uint64, now time.Time) error {
	if _, err := spot.FeelessSwapForExactAssetOut(amount, now); err != nil {
		return fmt.Errorf("rebalance: spot leg: %w", err)
	}
	if err := esc.SplitToBalance(bal, escrow.LegAsset, amount); err != nil {
		return fmt.Errorf("rebalance: split asset: %w", err)
	}
	for i, p := range pools {
		gain, err := p.FeelessSwapAssetToStable(amount, now)
		if err != nil {
			return fmt.Errorf("rebalance: outcome %d sell: %w", i, err)
		}
		if _, err := esc.UnwrapFromBalance(bal, escrow.LegAsset, i, amount); err != nil {
			return fmt.Errorf("rebalance: outcome %d pay: %w", i, err)
		}
		coin, err := esc.Coin(escrow.LegStable, i, gain)
		if err != nil {
			return fmt.Errorf("rebalance: outcome %d receive: %w", i, err)
		}
		if err := esc.WrapToBalance(bal, coin); err != nil {
			return fmt.Errorf("rebalance: outcome %d wrap: %w", i, err)
		}
	}
	// Recombine exactly the repayment; per-outcome surplus stays in bal.
	if err := esc.RecombineFromBalance(bal, escrow.LegStable, cost); err != nil {
		return fmt.Errorf("rebalance: recombine stable: %w", err)
	}
	return nil
}
