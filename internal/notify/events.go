package notify

import (
	"context"
	"fmt"
	"time"
)

// Event types recognised by the notifier filter. These mirror the values
// accepted in the notify.events config list.
const (
	EventMarketCreated     = "market_created"
	EventMarketResolved    = "market_resolved"
	EventInvariantViolated = "invariant_violated"
	EventRebalanceFailed   = "rebalance_failed"
)

// MarketCreated announces a newly created market.
func (n *Notifier) MarketCreated(ctx context.Context, marketID, question string, outcomes int) error {
	return n.Notify(ctx, EventMarketCreated,
		"Market created",
		fmt.Sprintf("%s\n%q with %d outcomes", marketID, question, outcomes))
}

// MarketResolved announces a market settlement.
func (n *Notifier) MarketResolved(ctx context.Context, marketID string, winner int, at time.Time) error {
	return n.Notify(ctx, EventMarketResolved,
		"Market resolved",
		fmt.Sprintf("%s settled to outcome %d at %s", marketID, winner, at.Format(time.RFC3339)))
}

// InvariantViolated raises an alert for an aborted escrow operation. These
// always bypass the event filter.
func (n *Notifier) InvariantViolated(ctx context.Context, marketID, operation, detail string) error {
	return n.NotifyAll(ctx,
		"Escrow invariant violated",
		fmt.Sprintf("market %s, operation %s: %s", marketID, operation, detail))
}

// RebalanceFailed reports that arbitrage could not restore the spot price
// into the conditional band after a trade.
func (n *Notifier) RebalanceFailed(ctx context.Context, marketID string, spotPrice, bandLow, bandHigh uint64) error {
	return n.Notify(ctx, EventRebalanceFailed,
		"Rebalance failed",
		fmt.Sprintf("market %s: spot price %d outside band [%d, %d]", marketID, spotPrice, bandLow, bandHigh))
}
