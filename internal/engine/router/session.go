// Package router sequences swaps across a market's conditional pools and
// its spot market. Conditional swaps run inside a Session, which batches the
// caller's position in a single escrow balance and tracks which outcome is
// leading; the flip count feeds early-resolution heuristics downstream.
package router

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/futarchyfi/condamm/internal/domain"
	"github.com/futarchyfi/condamm/internal/engine/amm"
	"github.com/futarchyfi/condamm/internal/engine/escrow"
)

type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Session is a single trader's open batch of conditional swaps. It is a
// linear value: produced only by Router.Begin, threaded through each swap,
// and retired only by Router.Finish, which hands the accumulated balance
// back to the caller. A finished session rejects further use.
type Session struct {
	_ noCopy

	id        string
	marketID  string
	bal       *escrow.Balance
	fills     []domain.SwapFill
	leading   int
	flips     int
	startedAt time.Time
	finished  bool
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Summary is the session-level bookkeeping produced by Finish. PriceFlips
// counts how often the highest-priced outcome changed during the session.
type Summary struct {
	SessionID  string
	MarketID   string
	Fills      []domain.SwapFill
	PriceFlips int
	Leading    int
	StartedAt  time.Time
	FinishedAt time.Time
	Balance    *escrow.Balance
}

// leadingOutcome returns the index of the highest-priced pool.
func leadingOutcome(pools []*amm.Pool) (int, error) {
	best, bestPrice := -1, uint64(0)
	for i, p := range pools {
		price, err := p.SpotPrice()
		if err != nil {
			return 0, fmt.Errorf("router: outcome %d price: %w", i, err)
		}
		if best < 0 || price > bestPrice {
			best, bestPrice = i, price
		}
	}
	if best < 0 {
		return 0, fmt.Errorf("router: no pools: %w", domain.ErrOutcomeOutOfRange)
	}
	return best, nil
}

// Begin opens a session against a market.
func (r *Router) Begin(marketID string, pools []*amm.Pool, now time.Time) (*Session, error) {
	bal, err := escrow.NewBalance(marketID, len(pools))
	if err != nil {
		return nil, err
	}
	leading, err := leadingOutcome(pools)
	if err != nil {
		return nil, err
	}
	return &Session{
		id:        uuid.NewString(),
		marketID:  marketID,
		bal:       bal,
		leading:   leading,
		startedAt: now,
	}, nil
}

// Finish retires the session and returns its summary. The balance inside
// the summary still holds the trader's position and must be settled or
// transferred by the caller; it cannot be silently dropped.
func (r *Router) Finish(s *Session, now time.Time) (Summary, error) {
	if s == nil || s.finished {
		return Summary{}, fmt.Errorf("router: finish: %w", domain.ErrProgressConsumed)
	}
	s.finished = true
	return Summary{
		SessionID:  s.id,
		MarketID:   s.marketID,
		Fills:      s.fills,
		PriceFlips: s.flips,
		Leading:    s.leading,
		StartedAt:  s.startedAt,
		FinishedAt: now,
		Balance:    s.bal,
	}, nil
}
