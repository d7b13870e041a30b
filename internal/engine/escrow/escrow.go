// Package escrow implements the shared collateral ledger behind a set of
// mutually exclusive conditional markets. One escrow holds the real ("spot")
// asset and stable collateral for a whole decision event, while each outcome
// carries its own conditional supply. The quantum invariant ties them
// together: for every outcome, the spot balance must cover that outcome's
// full conditional supply, because only one outcome is ever realized.
package escrow

import (
	"fmt"
	"sync"

	"github.com/futarchyfi/condamm/internal/domain"
)

// Leg selects the asset or stable side of the ledger.
type Leg int

const (
	LegAsset Leg = iota
	LegStable
)

func (l Leg) String() string {
	if l == LegAsset {
		return "asset"
	}
	return "stable"
}

// CoinTag identifies one conditional coin type. Tags are opaque to the
// escrow; they stand in for per-outcome static coin types.
type CoinTag string

// ConditionalCoin is a typed amount of one outcome's conditional collateral.
type ConditionalCoin struct {
	MarketID string
	Outcome  int
	Leg      Leg
	Tag      CoinTag
	Amount   uint64
}

// slot is the registered descriptor for one outcome: its coin tags plus
// minted-supply and wrapped-amount counters for both legs.
type slot struct {
	assetTag  CoinTag
	stableTag CoinTag

	assetSupply  uint64
	stableSupply uint64

	wrappedAsset  uint64
	wrappedStable uint64
}

// Escrow is the per-market collateral ledger. All methods are safe for
// concurrent use; composite operations commit fully or not at all.
type Escrow struct {
	mu sync.Mutex

	marketID     string
	outcomeCount int
	nextRegister int

	spotAsset  uint64
	spotStable uint64

	slots []slot
}

// New creates an empty escrow for a market with outcomeCount outcomes.
// Outcomes must then be registered in ascending order before use.
func New(marketID string, outcomeCount int) (*Escrow, error) {
	if outcomeCount <= 0 {
		return nil, fmt.Errorf("escrow: outcome count %d: %w", outcomeCount, domain.ErrOutcomeOutOfRange)
	}
	return &Escrow{
		marketID:     marketID,
		outcomeCount: outcomeCount,
		slots:        make([]slot, outcomeCount),
	}, nil
}

// MarketID returns the owning market's id.
func (e *Escrow) MarketID() string { return e.marketID }

// OutcomeCount returns the number of outcomes.
func (e *Escrow) OutcomeCount() int { return e.outcomeCount }

// RegisterOutcome registers the coin tags for one outcome. Registrations
// must arrive exactly once per outcome, strictly ascending from zero.
func (e *Escrow) RegisterOutcome(idx int, assetTag, stableTag CoinTag) error {
	if assetTag == "" || stableTag == "" {
		return fmt.Errorf("escrow: empty coin tag for outcome %d: %w", idx, domain.ErrCoinMismatch)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if idx < 0 || idx >= e.outcomeCount {
		return fmt.Errorf("escrow: register outcome %d of %d: %w", idx, e.outcomeCount, domain.ErrOutcomeOutOfRange)
	}
	if idx != e.nextRegister {
		return fmt.Errorf("escrow: register outcome %d, expected %d: %w", idx, e.nextRegister, domain.ErrOutOfSequence)
	}
	e.slots[idx].assetTag = assetTag
	e.slots[idx].stableTag = stableTag
	e.nextRegister++
	return nil
}

// Registered reports whether every outcome has been registered.
func (e *Escrow) Registered() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextRegister == e.outcomeCount
}

// SpotBalance returns the spot collateral held for one leg.
func (e *Escrow) SpotBalance(leg Leg) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if leg == LegAsset {
		return e.spotAsset
	}
	return e.spotStable
}

// Supply returns the conditional supply of one outcome and leg.
func (e *Escrow) Supply(leg Leg, idx int) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOutcome(idx); err != nil {
		return 0, err
	}
	if leg == LegAsset {
		return e.slots[idx].assetSupply, nil
	}
	return e.slots[idx].stableSupply, nil
}

// Wrapped returns the amount of one outcome's supply currently held inside
// balance objects rather than as typed coins.
func (e *Escrow) Wrapped(leg Leg, idx int) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOutcome(idx); err != nil {
		return 0, err
	}
	if leg == LegAsset {
		return e.slots[idx].wrappedAsset, nil
	}
	return e.slots[idx].wrappedStable, nil
}

func (e *Escrow) checkOutcome(idx int) error {
	if idx < 0 || idx >= e.outcomeCount {
		return fmt.Errorf("escrow: outcome %d of %d: %w", idx, e.outcomeCount, domain.ErrOutcomeOutOfRange)
	}
	if idx >= e.nextRegister {
		return fmt.Errorf("escrow: outcome %d not yet registered: %w", idx, domain.ErrOutOfSequence)
	}
	return nil
}

func (e *Escrow) tag(leg Leg, idx int) CoinTag {
	if leg == LegAsset {
		return e.slots[idx].assetTag
	}
	return e.slots[idx].stableTag
}

func (e *Escrow) supplyRef(leg Leg, idx int) *uint64 {
	if leg == LegAsset {
		return &e.slots[idx].assetSupply
	}
	return &e.slots[idx].stableSupply
}

func (e *Escrow) wrappedRef(leg Leg, idx int) *uint64 {
	if leg == LegAsset {
		return &e.slots[idx].wrappedAsset
	}
	return &e.slots[idx].wrappedStable
}

func (e *Escrow) spotRef(leg Leg) *uint64 {
	if leg == LegAsset {
		return &e.spotAsset
	}
	return &e.spotStable
}

// checkInvariant verifies the quantum invariant: spot collateral covers the
// conditional supply of every outcome, asset and stable independently, and
// no outcome's wrapped holdings exceed its minted supply.
func (e *Escrow) checkInvariant() error {
	for i := range e.slots {
		if e.slots[i].assetSupply > e.spotAsset {
			return fmt.Errorf("escrow: outcome %d asset supply %d > spot %d: %w",
				i, e.slots[i].assetSupply, e.spotAsset, domain.ErrInvariantViolated)
		}
		if e.slots[i].stableSupply > e.spotStable {
			return fmt.Errorf("escrow: outcome %d stable supply %d > spot %d: %w",
				i, e.slots[i].stableSupply, e.spotStable, domain.ErrInvariantViolated)
		}
		if e.slots[i].wrappedAsset > e.slots[i].assetSupply {
			return fmt.Errorf("escrow: outcome %d wrapped asset %d > supply %d: %w",
				i, e.slots[i].wrappedAsset, e.slots[i].assetSupply, domain.ErrInvariantViolated)
		}
		if e.slots[i].wrappedStable > e.slots[i].stableSupply {
			return fmt.Errorf("escrow: outcome %d wrapped stable %d > supply %d: %w",
				i, e.slots[i].wrappedStable, e.slots[i].stableSupply, domain.ErrInvariantViolated)
		}
	}
	return nil
}

// CheckInvariant re-verifies the quantum invariant on demand.
func (e *Escrow) CheckInvariant() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checkInvariant()
}

// Checkpoint is a copy of the escrow's counters. Composite operations that
// also mutate pools capture one alongside the pool checkpoints and restore
// everything together when a later leg fails. Balance objects credited
// after the capture are not tracked; a restore strands them without
// backing, so they must be abandoned with the failed operation.
type Checkpoint struct {
	escrow *Escrow

	spotAsset  uint64
	spotStable uint64
	slots      []slot
}

// Checkpoint captures the escrow's current counters for a later Restore.
func (e *Escrow) Checkpoint() Checkpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Checkpoint{
		escrow:     e,
		spotAsset:  e.spotAsset,
		spotStable: e.spotStable,
		slots:      append([]slot(nil), e.slots...),
	}
}

// Restore puts the originating escrow back into the captured state.
func (c Checkpoint) Restore() {
	e := c.escrow
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spotAsset = c.spotAsset
	e.spotStable = c.spotStable
	copy(e.slots, c.slots)
}

// Deposit adds spot collateral without minting conditional supply.
func (e *Escrow) Deposit(leg Leg, amount uint64) error {
	if amount == 0 {
		return fmt.Errorf("escrow: deposit: %w", domain.ErrZeroAmount)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	*e.spotRef(leg) += amount
	return nil
}

// Withdraw removes spot collateral. It fails if the remaining spot balance
// could no longer back every outcome's supply.
func (e *Escrow) Withdraw(leg Leg, amount uint64) error {
	if amount == 0 {
		return fmt.Errorf("escrow: withdraw: %w", domain.ErrZeroAmount)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	spot := e.spotRef(leg)
	if amount > *spot {
		return fmt.Errorf("escrow: withdraw %d of %d: %w", amount, *spot, domain.ErrInsufficientFunds)
	}
	*spot -= amount
	if err := e.checkInvariant(); err != nil {
		*spot += amount
		return err
	}
	return nil
}

// MintConditional mints conditional supply for one outcome and returns the
// typed coin. The mint fails if the new supply would exceed the spot balance.
func (e *Escrow) MintConditional(leg Leg, idx int, amount uint64) (ConditionalCoin, error) {
	if amount == 0 {
		return ConditionalCoin{}, fmt.Errorf("escrow: mint: %w", domain.ErrZeroAmount)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkOutcome(idx); err != nil {
		return ConditionalCoin{}, err
	}
	supply := e.supplyRef(leg, idx)
	*supply += amount
	if err := e.checkInvariant(); err != nil {
		*supply -= amount
		return ConditionalCoin{}, err
	}
	return e.coin(leg, idx, amount), nil
}

// BurnConditional burns a typed coin, reducing that outcome's supply. Only
// unwrapped supply can burn; holdings inside balances keep their backing.
func (e *Escrow) BurnConditional(coin ConditionalCoin) error {
	if coin.Amount == 0 {
		return fmt.Errorf("escrow: burn: %w", domain.ErrZeroAmount)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkCoin(coin); err != nil {
		return err
	}
	supply := e.supplyRef(coin.Leg, coin.Outcome)
	wrapped := *e.wrappedRef(coin.Leg, coin.Outcome)
	if coin.Amount > *supply || *supply-coin.Amount < wrapped {
		return fmt.Errorf("escrow: burn %d of supply %d with %d wrapped: %w",
			coin.Amount, *supply, wrapped, domain.ErrInsufficientFunds)
	}
	*supply -= coin.Amount
	return nil
}

func (e *Escrow) checkCoin(coin ConditionalCoin) error {
	if err := e.checkOutcome(coin.Outcome); err != nil {
		return err
	}
	if coin.MarketID != e.marketID || coin.Tag != e.tag(coin.Leg, coin.Outcome) {
		return fmt.Errorf("escrow: coin %q for outcome %d: %w", coin.Tag, coin.Outcome, domain.ErrCoinMismatch)
	}
	return nil
}

func (e *Escrow) coin(leg Leg, idx int, amount uint64) ConditionalCoin {
	return ConditionalCoin{
		MarketID: e.marketID,
		Outcome:  idx,
		Leg:      leg,
		Tag:      e.tag(leg, idx),
		Amount:   amount,
	}
}

// Coin builds the typed-coin descriptor for supply already minted and held
// in custody elsewhere, such as pool reserves changing hands. It creates no
// supply; every amount it describes must already be covered by a prior mint.
func (e *Escrow) Coin(leg Leg, idx int, amount uint64) (ConditionalCoin, error) {
	if amount == 0 {
		return ConditionalCoin{}, fmt.Errorf("escrow: coin: %w", domain.ErrZeroAmount)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOutcome(idx); err != nil {
		return ConditionalCoin{}, err
	}
	if amount > *e.supplyRef(leg, idx) {
		return ConditionalCoin{}, fmt.Errorf("escrow: coin %d of supply %d: %w", amount, *e.supplyRef(leg, idx), domain.ErrInsufficientFunds)
	}
	return e.coin(leg, idx, amount), nil
}

// DepositAndMint atomically deposits spot collateral and mints the same
// amount of conditional supply for one outcome. Deposits are deliberately
// not split across outcomes: each outcome's supply may independently rise
// up to the shared spot balance.
func (e *Escrow) DepositAndMint(leg Leg, idx int, amount uint64) (ConditionalCoin, error) {
	if amount == 0 {
		return ConditionalCoin{}, fmt.Errorf("escrow: deposit and mint: %w", domain.ErrZeroAmount)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkOutcome(idx); err != nil {
		return ConditionalCoin{}, err
	}
	spot := e.spotRef(leg)
	supply := e.supplyRef(leg, idx)
	*spot += amount
	*supply += amount
	if err := e.checkInvariant(); err != nil {
		*spot -= amount
		*supply -= amount
		return ConditionalCoin{}, err
	}
	return e.coin(leg, idx, amount), nil
}

// SplitToBalance deposits amount of spot collateral and mints the same
// amount into every outcome of the balance, recording it as wrapped. The
// spot balance grows by amount once, not once per outcome.
func (e *Escrow) SplitToBalance(bal *Balance, leg Leg, amount uint64) error {
	if amount == 0 {
		return fmt.Errorf("escrow: split: %w", domain.ErrZeroAmount)
	}
	if err := e.checkBalance(bal); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.nextRegister != e.outcomeCount {
		return fmt.Errorf("escrow: split before full registration: %w", domain.ErrOutOfSequence)
	}
	*e.spotRef(leg) += amount
	for i := range e.slots {
		*e.supplyRef(leg, i) += amount
		*e.wrappedRef(leg, i) += amount
	}
	if err := e.checkInvariant(); err != nil {
		*e.spotRef(leg) -= amount
		for i := range e.slots {
			*e.supplyRef(leg, i) -= amount
			*e.wrappedRef(leg, i) -= amount
		}
		return err
	}
	bal.creditAll(leg, amount)
	return nil
}

// RecombineFromBalance burns amount from every outcome of the balance and
// releases the same amount of spot collateral. The balance must hold at
// least amount in every outcome; anything less is an incomplete set.
func (e *Escrow) RecombineFromBalance(bal *Balance, leg Leg, amount uint64) error {
	if amount == 0 {
		return fmt.Errorf("escrow: recombine: %w", domain.ErrZeroAmount)
	}
	if err := e.checkBalance(bal); err != nil {
		return err
	}
	for i := 0; i < bal.outcomeCount; i++ {
		if bal.get(leg, i) < amount {
			return fmt.Errorf("escrow: outcome %d holds %d of %d: %w", i, bal.get(leg, i), amount, domain.ErrIncompleteSet)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	spot := e.spotRef(leg)
	if amount > *spot {
		return fmt.Errorf("escrow: recombine %d of spot %d: %w", amount, *spot, domain.ErrInvariantViolated)
	}
	for i := range e.slots {
		if amount > *e.supplyRef(leg, i) || amount > *e.wrappedRef(leg, i) {
			return fmt.Errorf("escrow: outcome %d supply underflow: %w", i, domain.ErrInvariantViolated)
		}
	}
	*spot -= amount
	for i := range e.slots {
		*e.supplyRef(leg, i) -= amount
		*e.wrappedRef(leg, i) -= amount
	}
	if err := e.checkInvariant(); err != nil {
		*spot += amount
		for i := range e.slots {
			*e.supplyRef(leg, i) += amount
			*e.wrappedRef(leg, i) += amount
		}
		return err
	}
	bal.debitAll(leg, amount)
	return nil
}

// WrapToBalance converts a typed coin into a balance entry. The coin must
// describe minted supply not already wrapped elsewhere: the outcome's
// wrapped total may never outrun its supply.
func (e *Escrow) WrapToBalance(bal *Balance, coin ConditionalCoin) error {
	if coin.Amount == 0 {
		return fmt.Errorf("escrow: wrap: %w", domain.ErrZeroAmount)
	}
	if err := e.checkBalance(bal); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkCoin(coin); err != nil {
		return err
	}
	supply := *e.supplyRef(coin.Leg, coin.Outcome)
	wrapped := e.wrappedRef(coin.Leg, coin.Outcome)
	if coin.Amount > supply || supply-coin.Amount < *wrapped {
		return fmt.Errorf("escrow: wrap %d over supply %d with %d wrapped: %w",
			coin.Amount, supply, *wrapped, domain.ErrInsufficientFunds)
	}
	*wrapped += coin.Amount
	bal.credit(coin.Leg, coin.Outcome, coin.Amount)
	return nil
}

// UnwrapFromBalance converts part of a balance entry back into a typed coin.
func (e *Escrow) UnwrapFromBalance(bal *Balance, leg Leg, idx int, amount uint64) (ConditionalCoin, error) {
	if amount == 0 {
		return ConditionalCoin{}, fmt.Errorf("escrow: unwrap: %w", domain.ErrZeroAmount)
	}
	if err := e.checkBalance(bal); err != nil {
		return ConditionalCoin{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkOutcome(idx); err != nil {
		return ConditionalCoin{}, err
	}
	if bal.get(leg, idx) < amount {
		return ConditionalCoin{}, fmt.Errorf("escrow: unwrap %d of %d: %w", amount, bal.get(leg, idx), domain.ErrInsufficientFunds)
	}
	wrapped := e.wrappedRef(leg, idx)
	if amount > *wrapped {
		return ConditionalCoin{}, fmt.Errorf("escrow: outcome %d wrapped underflow: %w", idx, domain.ErrInvariantViolated)
	}
	*wrapped -= amount
	bal.debit(leg, idx, amount)
	return e.coin(leg, idx, amount), nil
}

// RedeemWinning burns winning-outcome supply and releases the same amount
// of spot collateral. Resolution gating is the caller's responsibility.
func (e *Escrow) RedeemWinning(leg Leg, winner int, amount uint64) error {
	if amount == 0 {
		return fmt.Errorf("escrow: redeem: %w", domain.ErrZeroAmount)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkOutcome(winner); err != nil {
		return err
	}
	supply := e.supplyRef(leg, winner)
	spot := e.spotRef(leg)
	if amount > *supply {
		return fmt.Errorf("escrow: redeem %d of supply %d: %w", amount, *supply, domain.ErrInsufficientFunds)
	}
	if amount > *spot {
		return fmt.Errorf("escrow: redeem %d of spot %d: %w", amount, *spot, domain.ErrInvariantViolated)
	}
	*supply -= amount
	*spot -= amount
	return nil
}

func (e *Escrow) checkBalance(bal *Balance) error {
	if bal == nil {
		return fmt.Errorf("escrow: nil balance: %w", domain.ErrCoinMismatch)
	}
	if bal.marketID != e.marketID || bal.outcomeCount != e.outcomeCount {
		return fmt.Errorf("escrow: balance for market %q: %w", bal.marketID, domain.ErrCoinMismatch)
	}
	if bal.destroyed {
		return fmt.Errorf("escrow: destroyed balance: %w", domain.ErrProgressConsumed)
	}
	return nil
}
