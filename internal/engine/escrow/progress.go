package escrow

import (
	"fmt"

	"github.com/futarchyfi/condamm/internal/domain"
)

// noCopy triggers go vet's copylocks check on types that must stay linear.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// SplitProgress assembles a typed complete set: one coin per outcome, in
// ascending order. The spot deposit and every outcome's mint are committed
// at BeginSplit, so each yielded coin is backed by live supply from the
// moment it exists. A progress value is single use: either step through
// every outcome and Finish, or Abort before the first Step to refund the
// deposit. Abandoning it mid-way strands the deposit with the escrow.
type SplitProgress struct {
	_ noCopy

	escrow *Escrow
	leg    Leg
	amount uint64
	next   int
	done   bool
}

// BeginSplit deposits amount of spot collateral, mints the same amount into
// every outcome, and starts handing out the typed coins. The deposit and
// mints land atomically or the escrow is left untouched.
func (e *Escrow) BeginSplit(leg Leg, amount uint64) (*SplitProgress, error) {
	if amount == 0 {
		return nil, fmt.Errorf("escrow: split: %w", domain.ErrZeroAmount)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.nextRegister != e.outcomeCount {
		return nil, fmt.Errorf("escrow: split before full registration: %w", domain.ErrOutOfSequence)
	}

	*e.spotRef(leg) += amount
	for i := range e.slots {
		*e.supplyRef(leg, i) += amount
	}
	if err := e.checkInvariant(); err != nil {
		*e.spotRef(leg) -= amount
		for i := range e.slots {
			*e.supplyRef(leg, i) -= amount
		}
		return nil, err
	}
	return &SplitProgress{escrow: e, leg: leg, amount: amount}, nil
}

// Step yields the coin for the next outcome in ascending order.
func (p *SplitProgress) Step() (ConditionalCoin, error) {
	if p.done {
		return ConditionalCoin{}, fmt.Errorf("escrow: split step: %w", domain.ErrProgressConsumed)
	}
	if p.next >= p.escrow.outcomeCount {
		return ConditionalCoin{}, fmt.Errorf("escrow: split step past outcome %d: %w", p.next, domain.ErrOutcomeOutOfRange)
	}
	p.escrow.mu.Lock()
	coin := p.escrow.coin(p.leg, p.next, p.amount)
	p.escrow.mu.Unlock()
	p.next++
	return coin, nil
}

// Abort refunds the deposit committed at BeginSplit and unmints every
// outcome's supply. It is only possible before the first Step: once a coin
// is out in the world its backing cannot be withdrawn, and the set must be
// driven through Finish instead.
func (p *SplitProgress) Abort() error {
	if p.done {
		return fmt.Errorf("escrow: split abort: %w", domain.ErrProgressConsumed)
	}
	if p.next != 0 {
		return fmt.Errorf("escrow: split abort after %d coins issued: %w", p.next, domain.ErrOutOfSequence)
	}
	p.done = true

	e := p.escrow
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.slots {
		if p.amount > *e.supplyRef(p.leg, i) {
			return fmt.Errorf("escrow: outcome %d supply underflow: %w", i, domain.ErrInvariantViolated)
		}
	}
	*e.spotRef(p.leg) -= p.amount
	for i := range e.slots {
		*e.supplyRef(p.leg, i) -= p.amount
	}
	if err := e.checkInvariant(); err != nil {
		*e.spotRef(p.leg) += p.amount
		for i := range e.slots {
			*e.supplyRef(p.leg, i) += p.amount
		}
		return err
	}
	return nil
}

// Finish retires the progress value. It fails unless every outcome was
// stepped through; the deposit itself was already committed at BeginSplit.
func (p *SplitProgress) Finish() error {
	if p.done {
		return fmt.Errorf("escrow: split finish: %w", domain.ErrProgressConsumed)
	}
	if p.next != p.escrow.outcomeCount {
		return fmt.Errorf("escrow: split visited %d of %d outcomes: %w", p.next, p.escrow.outcomeCount, domain.ErrIncompleteSet)
	}
	p.done = true
	return nil
}

// RecombineProgress consumes a typed complete set: one coin per outcome, in
// ascending order, releasing the spot collateral only at Finish. Like
// SplitProgress it is single use; abandoning it commits nothing.
type RecombineProgress struct {
	_ noCopy

	escrow *Escrow
	leg    Leg
	amount uint64
	next   int
	done   bool
}

// BeginRecombine starts consuming a complete set of size amount.
func (e *Escrow) BeginRecombine(leg Leg, amount uint64) (*RecombineProgress, error) {
	if amount == 0 {
		return nil, fmt.Errorf("escrow: recombine: %w", domain.ErrZeroAmount)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.nextRegister != e.outcomeCount {
		return nil, fmt.Errorf("escrow: recombine before full registration: %w", domain.ErrOutOfSequence)
	}
	return &RecombineProgress{escrow: e, leg: leg, amount: amount}, nil
}

// Step consumes the coin for the next outcome in ascending order. The coin
// must match the expected outcome, leg and amount exactly.
func (p *RecombineProgress) Step(coin ConditionalCoin) error {
	if p.done {
		return fmt.Errorf("escrow: recombine step: %w", domain.ErrProgressConsumed)
	}
	if p.next >= p.escrow.outcomeCount {
		return fmt.Errorf("escrow: recombine step past outcome %d: %w", p.next, domain.ErrOutcomeOutOfRange)
	}
	if coin.Outcome != p.next {
		return fmt.Errorf("escrow: recombine outcome %d, expected %d: %w", coin.Outcome, p.next, domain.ErrOutOfSequence)
	}
	if coin.Leg != p.leg || coin.Amount != p.amount {
		return fmt.Errorf("escrow: recombine coin leg=%s amount=%d: %w", coin.Leg, coin.Amount, domain.ErrCoinMismatch)
	}
	p.escrow.mu.Lock()
	err := p.escrow.checkCoin(coin)
	p.escrow.mu.Unlock()
	if err != nil {
		return err
	}
	p.next++
	return nil
}

// Finish commits the recombine: every outcome's burn and the spot release
// land atomically. It fails unless every outcome's coin was consumed, and
// returns the released spot amount.
func (p *RecombineProgress) Finish() (uint64, error) {
	if p.done {
		return 0, fmt.Errorf("escrow: recombine finish: %w", domain.ErrProgressConsumed)
	}
	if p.next != p.escrow.outcomeCount {
		return 0, fmt.Errorf("escrow: recombine visited %d of %d outcomes: %w", p.next, p.escrow.outcomeCount, domain.ErrIncompleteSet)
	}
	p.done = true

	e := p.escrow
	e.mu.Lock()
	defer e.mu.Unlock()

	spot := e.spotRef(p.leg)
	if p.amount > *spot {
		return 0, fmt.Errorf("escrow: recombine %d of spot %d: %w", p.amount, *spot, domain.ErrInvariantViolated)
	}
	for i := range e.slots {
		if p.amount > *e.supplyRef(p.leg, i) {
			return 0, fmt.Errorf("escrow: outcome %d supply underflow: %w", i, domain.ErrInvariantViolated)
		}
	}
	*spot -= p.amount
	for i := range e.slots {
		*e.supplyRef(p.leg, i) -= p.amount
	}
	if err := e.checkInvariant(); err != nil {
		*spot += p.amount
		for i := range e.slots {
			*e.supplyRef(p.leg, i) += p.amount
		}
		return 0, err
	}
	return p.amount, nil
}
