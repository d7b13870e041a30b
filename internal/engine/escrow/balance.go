package escrow

import (
	"fmt"

	"github.com/futarchyfi/condamm/internal/domain"
)

// Balance is a caller-owned aggregate position: per-outcome asset and
// stable amounts batched up before settling. A Balance belongs to a single
// logical operation at a time and is not safe for concurrent use. It cannot
// be dropped while holding value: Destroy fails unless every entry is zero,
// so value must be recombined, unwrapped or transferred out first.
type Balance struct {
	marketID     string
	outcomeCount int

	asset  []uint64
	stable []uint64

	destroyed bool
}

// NewBalance creates an empty balance for a market with outcomeCount
// outcomes.
func NewBalance(marketID string, outcomeCount int) (*Balance, error) {
	if outcomeCount <= 0 {
		return nil, fmt.Errorf("escrow: balance outcome count %d: %w", outcomeCount, domain.ErrOutcomeOutOfRange)
	}
	return &Balance{
		marketID:     marketID,
		outcomeCount: outcomeCount,
		asset:        make([]uint64, outcomeCount),
		stable:       make([]uint64, outcomeCount),
	}, nil
}

// MarketID returns the market this balance belongs to.
func (b *Balance) MarketID() string { return b.marketID }

// OutcomeCount returns the number of outcomes.
func (b *Balance) OutcomeCount() int { return b.outcomeCount }

// Get returns the held amount for one leg and outcome.
func (b *Balance) Get(leg Leg, idx int) (uint64, error) {
	if idx < 0 || idx >= b.outcomeCount {
		return 0, fmt.Errorf("escrow: balance outcome %d of %d: %w", idx, b.outcomeCount, domain.ErrOutcomeOutOfRange)
	}
	return b.get(leg, idx), nil
}

func (b *Balance) get(leg Leg, idx int) uint64 {
	if leg == LegAsset {
		return b.asset[idx]
	}
	return b.stable[idx]
}

func (b *Balance) credit(leg Leg, idx int, amount uint64) {
	if leg == LegAsset {
		b.asset[idx] += amount
	} else {
		b.stable[idx] += amount
	}
}

func (b *Balance) debit(leg Leg, idx int, amount uint64) {
	if leg == LegAsset {
		b.asset[idx] -= amount
	} else {
		b.stable[idx] -= amount
	}
}

func (b *Balance) creditAll(leg Leg, amount uint64) {
	for i := 0; i < b.outcomeCount; i++ {
		b.credit(leg, i, amount)
	}
}

func (b *Balance) debitAll(leg Leg, amount uint64) {
	for i := 0; i < b.outcomeCount; i++ {
		b.debit(leg, i, amount)
	}
}

// Destroyed reports whether the balance has been retired.
func (b *Balance) Destroyed() bool { return b.destroyed }

// IsEmpty reports whether every entry is zero.
func (b *Balance) IsEmpty() bool {
	for i := 0; i < b.outcomeCount; i++ {
		if b.asset[i] != 0 || b.stable[i] != 0 {
			return false
		}
	}
	return true
}

// TransferTo moves the entire contents into dst, which must belong to the
// same market.
func (b *Balance) TransferTo(dst *Balance) error {
	if dst == nil || dst.marketID != b.marketID || dst.outcomeCount != b.outcomeCount {
		return fmt.Errorf("escrow: transfer across markets: %w", domain.ErrCoinMismatch)
	}
	if b.destroyed || dst.destroyed {
		return fmt.Errorf("escrow: transfer with destroyed balance: %w", domain.ErrProgressConsumed)
	}
	for i := 0; i < b.outcomeCount; i++ {
		dst.asset[i] += b.asset[i]
		dst.stable[i] += b.stable[i]
		b.asset[i] = 0
		b.stable[i] = 0
	}
	return nil
}

// Destroy retires the balance. It fails while any value remains, so a
// position cannot be silently lost.
func (b *Balance) Destroy() error {
	if b.destroyed {
		return fmt.Errorf("escrow: destroy: %w", domain.ErrProgressConsumed)
	}
	if !b.IsEmpty() {
		return fmt.Errorf("escrow: destroy: %w", domain.ErrBalanceNotEmpty)
	}
	b.destroyed = true
	return nil
}
