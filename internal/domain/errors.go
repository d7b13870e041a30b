package domain

import "errors"

// Engine errors are grouped by how far an operation got before failing:
// input errors are detected before any mutation, slippage errors after
// computing but before committing, and invariant violations abort the
// whole enclosing operation.
var (
	// Input errors have zero side effects.
	ErrZeroAmount        = errors.New("zero amount")
	ErrOutcomeOutOfRange = errors.New("outcome index out of range")
	ErrOutOfSequence     = errors.New("outcome registered out of sequence")
	ErrFeeTooHigh        = errors.New("fee exceeds maximum")
	ErrImbalancedDeposit = errors.New("deposit ratio outside tolerance")
	ErrInsufficientFunds = errors.New("insufficient balance")
	ErrTradingClosed     = errors.New("market not open for trading")
	ErrAlreadyResolved   = errors.New("market already resolved")
	ErrNotResolved       = errors.New("market not resolved")

	// Slippage: result computed, caller bound violated, nothing committed.
	ErrSlippage = errors.New("output below minimum")

	// Fatal to the operation.
	ErrLiquidityFloor    = errors.New("liquidity below minimum")
	ErrInvariantViolated = errors.New("quantum invariant violated")
	ErrRebalanceBand     = errors.New("spot price outside conditional band")
	ErrIncompleteSet     = errors.New("complete set not fully assembled")
	ErrProgressConsumed  = errors.New("progress already finished")
	ErrBalanceNotEmpty   = errors.New("balance still holds value")
	ErrCoinMismatch      = errors.New("coin does not match registered outcome")

	// Service-level errors.
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrLockHeld      = errors.New("lock already held")
)
