package router

import (
	"fmt"
	"time"

	"github.com/futarchyfi/condamm/internal/domain"
	"github.com/futarchyfi/condamm/internal/engine/amm"
	"github.com/futarchyfi/condamm/internal/engine/escrow"
	"github.com/futarchyfi/condamm/internal/engine/rebalance"
)

// Router executes swaps against a market's pools. Conditional swaps are
// funded with spot collateral split through the escrow and settle into the
// session balance; spot swaps trigger the arbitrage rebalancer afterwards.
// The router itself is stateless; callers serialize access per market.
type Router struct {
	reb *rebalance.Rebalancer
}

// NewRouter creates a Router using reb to restore the no-arb band after
// spot trades.
func NewRouter(reb *rebalance.Rebalancer) *Router {
	return &Router{reb: reb}
}

// SwapInSession executes one fee-bearing conditional swap. The trader
// deposits amountIn of spot collateral on the input leg; it is split into
// every outcome, the chosen outcome's share is swapped in that pool, and
// everything lands in the session balance. The whole step commits or
// nothing does.
func (r *Router) SwapInSession(s *Session, pools []*amm.Pool, esc *escrow.Escrow, outcome int, dir domain.SwapDirection, amountIn, minOut uint64, now time.Time) (domain.SwapFill, error) {
	if s == nil || s.finished {
		return domain.SwapFill{}, fmt.Errorf("router: session: %w", domain.ErrProgressConsumed)
	}
	if s.marketID != esc.MarketID() {
		return domain.SwapFill{}, fmt.Errorf("router: session market %q: %w", s.marketID, domain.ErrCoinMismatch)
	}
	if outcome < 0 || outcome >= len(pools) {
		return domain.SwapFill{}, fmt.Errorf("router: outcome %d of %d: %w", outcome, len(pools), domain.ErrOutcomeOutOfRange)
	}
	if amountIn == 0 {
		return domain.SwapFill{}, fmt.Errorf("router: swap input: %w", domain.ErrZeroAmount)
	}

	pool := pools[outcome]
	inLeg, outLeg := escrow.LegAsset, escrow.LegStable
	quote := pool.QuoteSwapAssetToStable
	swap := pool.SwapAssetToStable
	if dir == domain.SwapStableToAsset {
		inLeg, outLeg = escrow.LegStable, escrow.LegAsset
		quote = pool.QuoteSwapStableToAsset
		swap = pool.SwapStableToAsset
	}

	// Validate the full step before mutating anything.
	out, err := quote(amountIn, now)
	if err != nil {
		return domain.SwapFill{}, err
	}
	if out < minOut {
		return domain.SwapFill{}, fmt.Errorf("router: swap out %d < min %d: %w", out, minOut, domain.ErrSlippage)
	}

	if err := esc.SplitToBalance(s.bal, inLeg, amountIn); err != nil {
		return domain.SwapFill{}, err
	}
	if _, err := esc.UnwrapFromBalance(s.bal, inLeg, outcome, amountIn); err != nil {
		return domain.SwapFill{}, err
	}
	if _, err := swap(amountIn, minOut, now); err != nil {
		return domain.SwapFill{}, err
	}
	coin, err := esc.Coin(outLeg, outcome, out)
	if err != nil {
		return domain.SwapFill{}, err
	}
	if err := esc.WrapToBalance(s.bal, coin); err != nil {
		return domain.SwapFill{}, err
	}

	price, err := pool.SpotPrice()
	if err != nil {
		return domain.SwapFill{}, err
	}
	fill := domain.SwapFill{
		MarketID:  s.marketID,
		SessionID: s.id,
		Outcome:   outcome,
		Direction: dir,
		AmountIn:  amountIn,
		AmountOut: out,
		FeeBps:    pool.EffectiveFeeBps(now),
		PriceNano: price,
		CreatedAt: now,
	}
	s.fills = append(s.fills, fill)

	leading, err := leadingOutcome(pools)
	if err != nil {
		return domain.SwapFill{}, err
	}
	if leading != s.leading {
		s.leading = leading
		s.flips++
	}
	return fill, nil
}

// TradeSpot executes a fee-bearing swap against the spot market and then
// rebalances its price back into the conditional band, with gains accruing
// into treasury. The swap and the rebalance commit together: a band failure
// rolls every pool and the escrow back to their pre-trade state.
func (r *Router) TradeSpot(spot *amm.Pool, pools []*amm.Pool, esc *escrow.Escrow, treasury *escrow.Balance, dir domain.SwapDirection, amountIn, minOut uint64, now time.Time) (domain.SwapFill, error) {
	swap := spot.SwapAssetToStable
	if dir == domain.SwapStableToAsset {
		swap = spot.SwapStableToAsset
	}

	cps := make([]amm.Checkpoint, 0, len(pools)+1)
	cps = append(cps, spot.Checkpoint())
	for _, p := range pools {
		cps = append(cps, p.Checkpoint())
	}
	escCp := esc.Checkpoint()
	restore := func() {
		for _, cp := range cps {
			cp.Restore()
		}
		escCp.Restore()
	}

	// Gains land in a scratch balance and reach the treasury only once the
	// whole trade holds; a rollback abandons the scratch with everything
	// else.
	gains, err := escrow.NewBalance(esc.MarketID(), esc.OutcomeCount())
	if err != nil {
		return domain.SwapFill{}, err
	}

	out, err := swap(amountIn, minOut, now)
	if err != nil {
		return domain.SwapFill{}, err
	}
	if err := r.reb.Rebalance(spot, pools, esc, gains, now); err != nil {
		restore()
		return domain.SwapFill{}, err
	}
	if err := gains.TransferTo(treasury); err != nil {
		restore()
		return domain.SwapFill{}, err
	}
	if err := gains.Destroy(); err != nil {
		return domain.SwapFill{}, err
	}
	price, err := spot.SpotPrice()
	if err != nil {
		return domain.SwapFill{}, err
	}
	return domain.SwapFill{
		MarketID:  esc.MarketID(),
		Outcome:   amm.SpotOutcome,
		Direction: dir,
		AmountIn:  amountIn,
		AmountOut: out,
		FeeBps:    spot.EffectiveFeeBps(now),
		PriceNano: price,
		CreatedAt: now,
	}, nil
}
