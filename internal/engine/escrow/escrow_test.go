package escrow

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/futarchyfi/condamm/internal/domain"
)

func newTestEscrow(t *testing.T, outcomes int) *Escrow {
	t.Helper()
	e, err := New("mkt-1", outcomes)
	require.NoError(t, err)
	for i := 0; i < outcomes; i++ {
		require.NoError(t, e.RegisterOutcome(i,
			CoinTag(fmt.Sprintf("mkt-1/%d/asset", i)),
			CoinTag(fmt.Sprintf("mkt-1/%d/stable", i))))
	}
	return e
}

func TestRegistrationSequencing(t *testing.T) {
	e, err := New("mkt-1", 3)
	require.NoError(t, err)
	assert.False(t, e.Registered())

	require.NoError(t, e.RegisterOutcome(0, "a0", "s0"))

	// Skipping index 1 must fail.
	err = e.RegisterOutcome(2, "a2", "s2")
	require.ErrorIs(t, err, domain.ErrOutOfSequence)

	// Re-registering a filled slot must fail the same way.
	err = e.RegisterOutcome(0, "a0", "s0")
	require.ErrorIs(t, err, domain.ErrOutOfSequence)

	err = e.RegisterOutcome(3, "a3", "s3")
	require.ErrorIs(t, err, domain.ErrOutcomeOutOfRange)

	require.NoError(t, e.RegisterOutcome(1, "a1", "s1"))
	require.NoError(t, e.RegisterOutcome(2, "a2", "s2"))
	assert.True(t, e.Registered())
}

func TestDepositAndMint(t *testing.T) {
	e := newTestEscrow(t, 1)

	coin, err := e.DepositAndMint(LegAsset, 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), coin.Amount)
	assert.Equal(t, 0, coin.Outcome)

	supply, err := e.Supply(LegAsset, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), supply)
	assert.Equal(t, uint64(1000), e.SpotBalance(LegAsset))

	// Burning half leaves spot untouched and the invariant comfortable.
	coin.Amount = 500
	require.NoError(t, e.BurnConditional(coin))
	supply, err = e.Supply(LegAsset, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), supply)
	assert.Equal(t, uint64(1000), e.SpotBalance(LegAsset))
	require.NoError(t, e.CheckInvariant())
}

func TestDepositAndMintPerOutcomeIndependence(t *testing.T) {
	e := newTestEscrow(t, 3)

	// Each outcome's supply may independently reach the shared spot
	// balance; deposits are not split across outcomes.
	_, err := e.DepositAndMint(LegStable, 0, 1000)
	require.NoError(t, err)
	_, err = e.MintConditional(LegStable, 1, 1000)
	require.NoError(t, err)
	_, err = e.MintConditional(LegStable, 2, 1000)
	require.NoError(t, err)

	assert.Equal(t, uint64(1000), e.SpotBalance(LegStable))
	for i := 0; i < 3; i++ {
		supply, err := e.Supply(LegStable, i)
		require.NoError(t, err)
		assert.Equal(t, uint64(1000), supply)
	}

	// One more unit anywhere would outrun the spot balance.
	_, err = e.MintConditional(LegStable, 1, 1)
	require.ErrorIs(t, err, domain.ErrInvariantViolated)
}

func TestBurnUnderflow(t *testing.T) {
	e := newTestEscrow(t, 2)
	coin, err := e.DepositAndMint(LegAsset, 0, 100)
	require.NoError(t, err)

	coin.Amount = 101
	err = e.BurnConditional(coin)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
}

func TestBurnRejectsForeignCoin(t *testing.T) {
	e := newTestEscrow(t, 2)
	coin, err := e.DepositAndMint(LegAsset, 0, 100)
	require.NoError(t, err)

	forged := coin
	forged.Tag = "mkt-1/1/asset"
	err = e.BurnConditional(forged)
	require.ErrorIs(t, err, domain.ErrCoinMismatch)
}

func TestWithdrawGuardsInvariant(t *testing.T) {
	e := newTestEscrow(t, 2)
	_, err := e.DepositAndMint(LegAsset, 0, 600)
	require.NoError(t, err)
	require.NoError(t, e.Deposit(LegAsset, 400))

	// Spot 1000, max supply 600: only 400 is free.
	err = e.Withdraw(LegAsset, 500)
	require.ErrorIs(t, err, domain.ErrInvariantViolated)
	assert.Equal(t, uint64(1000), e.SpotBalance(LegAsset))

	require.NoError(t, e.Withdraw(LegAsset, 400))
	assert.Equal(t, uint64(600), e.SpotBalance(LegAsset))
}

func TestSplitToBalanceQuantum(t *testing.T) {
	e := newTestEscrow(t, 2)
	bal, err := NewBalance("mkt-1", 2)
	require.NoError(t, err)

	require.NoError(t, e.SplitToBalance(bal, LegAsset, 1000))

	// Both outcomes carry the full supply while spot holds 1000, not 2000.
	for i := 0; i < 2; i++ {
		supply, err := e.Supply(LegAsset, i)
		require.NoError(t, err)
		assert.Equal(t, uint64(1000), supply)
		held, err := bal.Get(LegAsset, i)
		require.NoError(t, err)
		assert.Equal(t, uint64(1000), held)
	}
	assert.Equal(t, uint64(1000), e.SpotBalance(LegAsset))
	require.NoError(t, e.CheckInvariant())
}

func TestSplitRecombineRoundTrip(t *testing.T) {
	e := newTestEscrow(t, 3)
	bal, err := NewBalance("mkt-1", 3)
	require.NoError(t, err)

	require.NoError(t, e.SplitToBalance(bal, LegStable, 750))
	require.NoError(t, e.RecombineFromBalance(bal, LegStable, 750))

	assert.Zero(t, e.SpotBalance(LegStable))
	for i := 0; i < 3; i++ {
		supply, err := e.Supply(LegStable, i)
		require.NoError(t, err)
		assert.Zero(t, supply)
	}
	assert.True(t, bal.IsEmpty())
	require.NoError(t, bal.Destroy())
}

func TestRecombineRequiresCompleteSet(t *testing.T) {
	e := newTestEscrow(t, 2)
	bal, err := NewBalance("mkt-1", 2)
	require.NoError(t, err)
	require.NoError(t, e.SplitToBalance(bal, LegAsset, 500))

	// Drain outcome 1 below the recombine amount.
	_, err = e.UnwrapFromBalance(bal, LegAsset, 1, 200)
	require.NoError(t, err)

	err = e.RecombineFromBalance(bal, LegAsset, 500)
	require.ErrorIs(t, err, domain.ErrIncompleteSet)

	// Everything under the amount held in all outcomes still works.
	require.NoError(t, e.RecombineFromBalance(bal, LegAsset, 300))
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	e := newTestEscrow(t, 2)
	bal, err := NewBalance("mkt-1", 2)
	require.NoError(t, err)

	coin, err := e.DepositAndMint(LegAsset, 1, 400)
	require.NoError(t, err)
	require.NoError(t, e.WrapToBalance(bal, coin))

	wrapped, err := e.Wrapped(LegAsset, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(400), wrapped)

	out, err := e.UnwrapFromBalance(bal, LegAsset, 1, 400)
	require.NoError(t, err)
	assert.Equal(t, coin, out)
	assert.True(t, bal.IsEmpty())

	wrapped, err = e.Wrapped(LegAsset, 1)
	require.NoError(t, err)
	assert.Zero(t, wrapped)
}

func TestWrapRejectsUncoveredCoin(t *testing.T) {
	e := newTestEscrow(t, 2)
	bal, err := NewBalance("mkt-1", 2)
	require.NoError(t, err)
	require.NoError(t, e.SplitToBalance(bal, LegAsset, 1000))

	// The whole supply is already wrapped; a well-formed coin with no
	// unwrapped supply behind it must not create a second claim on it.
	forged := ConditionalCoin{
		MarketID: "mkt-1",
		Outcome:  0,
		Leg:      LegAsset,
		Tag:      "mkt-1/0/asset",
		Amount:   1000,
	}
	grab, err := NewBalance("mkt-1", 2)
	require.NoError(t, err)
	err = e.WrapToBalance(grab, forged)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	// The real holder's complete set still recombines in full.
	require.NoError(t, e.RecombineFromBalance(bal, LegAsset, 1000))
	assert.Zero(t, e.SpotBalance(LegAsset))
}

func TestBurnLeavesWrappedBacking(t *testing.T) {
	e := newTestEscrow(t, 2)
	bal, err := NewBalance("mkt-1", 2)
	require.NoError(t, err)
	require.NoError(t, e.SplitToBalance(bal, LegStable, 500))

	// Supply 500, all of it wrapped: there is nothing loose to burn.
	coin := ConditionalCoin{
		MarketID: "mkt-1",
		Outcome:  1,
		Leg:      LegStable,
		Tag:      "mkt-1/1/stable",
		Amount:   1,
	}
	err = e.BurnConditional(coin)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
}

func TestBalanceCannotBeDroppedWithValue(t *testing.T) {
	e := newTestEscrow(t, 2)
	bal, err := NewBalance("mkt-1", 2)
	require.NoError(t, err)
	require.NoError(t, e.SplitToBalance(bal, LegAsset, 100))

	err = bal.Destroy()
	require.ErrorIs(t, err, domain.ErrBalanceNotEmpty)

	other, err := NewBalance("mkt-1", 2)
	require.NoError(t, err)
	require.NoError(t, bal.TransferTo(other))
	require.NoError(t, bal.Destroy())

	// A destroyed balance is rejected by the escrow.
	err = e.SplitToBalance(bal, LegAsset, 1)
	require.ErrorIs(t, err, domain.ErrProgressConsumed)
}

func TestBalanceTransferAcrossMarkets(t *testing.T) {
	a, err := NewBalance("mkt-1", 2)
	require.NoError(t, err)
	b, err := NewBalance("mkt-2", 2)
	require.NoError(t, err)
	err = a.TransferTo(b)
	require.ErrorIs(t, err, domain.ErrCoinMismatch)
}

func TestRedeemWinning(t *testing.T) {
	e := newTestEscrow(t, 2)
	_, err := e.DepositAndMint(LegStable, 1, 900)
	require.NoError(t, err)

	require.NoError(t, e.RedeemWinning(LegStable, 1, 400))
	supply, err := e.Supply(LegStable, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), supply)
	assert.Equal(t, uint64(500), e.SpotBalance(LegStable))

	err = e.RedeemWinning(LegStable, 1, 600)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
}
