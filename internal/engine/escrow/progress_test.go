package escrow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/futarchyfi/condamm/internal/domain"
)

func TestTypedSplitProducesWholeSet(t *testing.T) {
	e := newTestEscrow(t, 3)

	p, err := e.BeginSplit(LegAsset, 250)
	require.NoError(t, err)

	// The deposit and mints are live before any coin is handed out.
	assert.Equal(t, uint64(250), e.SpotBalance(LegAsset))

	coins := make([]ConditionalCoin, 0, 3)
	for i := 0; i < 3; i++ {
		coin, err := p.Step()
		require.NoError(t, err)
		assert.Equal(t, i, coin.Outcome)
		assert.Equal(t, uint64(250), coin.Amount)
		coins = append(coins, coin)
	}
	_, err = p.Step()
	require.ErrorIs(t, err, domain.ErrOutcomeOutOfRange)

	require.NoError(t, p.Finish())
	assert.Equal(t, uint64(250), e.SpotBalance(LegAsset))
	for i := 0; i < 3; i++ {
		supply, err := e.Supply(LegAsset, i)
		require.NoError(t, err)
		assert.Equal(t, uint64(250), supply)
	}

	// The burn path accepts each coin of the committed set.
	for _, coin := range coins[:1] {
		require.NoError(t, e.BurnConditional(coin))
	}
}

func TestTypedSplitIncompleteFinish(t *testing.T) {
	e := newTestEscrow(t, 3)

	p, err := e.BeginSplit(LegAsset, 100)
	require.NoError(t, err)
	_, err = p.Step()
	require.NoError(t, err)

	err = p.Finish()
	require.ErrorIs(t, err, domain.ErrIncompleteSet)

	// The deposit stays committed; the remaining coins can still be stepped
	// out and the set finished.
	assert.Equal(t, uint64(100), e.SpotBalance(LegAsset))
	for i := 0; i < 2; i++ {
		_, err = p.Step()
		require.NoError(t, err)
	}
	require.NoError(t, p.Finish())
}

func TestTypedSplitAbortRefunds(t *testing.T) {
	e := newTestEscrow(t, 2)

	p, err := e.BeginSplit(LegAsset, 400)
	require.NoError(t, err)
	assert.Equal(t, uint64(400), e.SpotBalance(LegAsset))

	require.NoError(t, p.Abort())
	assert.Zero(t, e.SpotBalance(LegAsset))
	for i := 0; i < 2; i++ {
		supply, err := e.Supply(LegAsset, i)
		require.NoError(t, err)
		assert.Zero(t, supply)
	}

	err = p.Abort()
	require.ErrorIs(t, err, domain.ErrProgressConsumed)
	_, err = p.Step()
	require.ErrorIs(t, err, domain.ErrProgressConsumed)
}

func TestTypedSplitAbortAfterStep(t *testing.T) {
	e := newTestEscrow(t, 2)

	p, err := e.BeginSplit(LegStable, 100)
	require.NoError(t, err)
	_, err = p.Step()
	require.NoError(t, err)

	// An issued coin cannot have its backing withdrawn.
	err = p.Abort()
	require.ErrorIs(t, err, domain.ErrOutOfSequence)
	assert.Equal(t, uint64(100), e.SpotBalance(LegStable))
}

func TestTypedSplitSingleUse(t *testing.T) {
	e := newTestEscrow(t, 1)

	p, err := e.BeginSplit(LegStable, 50)
	require.NoError(t, err)
	_, err = p.Step()
	require.NoError(t, err)
	require.NoError(t, p.Finish())

	err = p.Finish()
	require.ErrorIs(t, err, domain.ErrProgressConsumed)
	_, err = p.Step()
	require.ErrorIs(t, err, domain.ErrProgressConsumed)
}

func TestTypedRecombineRoundTrip(t *testing.T) {
	e := newTestEscrow(t, 2)

	sp, err := e.BeginSplit(LegStable, 600)
	require.NoError(t, err)
	var coins []ConditionalCoin
	for i := 0; i < 2; i++ {
		coin, err := sp.Step()
		require.NoError(t, err)
		coins = append(coins, coin)
	}
	require.NoError(t, sp.Finish())

	rp, err := e.BeginRecombine(LegStable, 600)
	require.NoError(t, err)
	for _, coin := range coins {
		require.NoError(t, rp.Step(coin))
	}
	released, err := rp.Finish()
	require.NoError(t, err)
	assert.Equal(t, uint64(600), released)

	assert.Zero(t, e.SpotBalance(LegStable))
	for i := 0; i < 2; i++ {
		supply, err := e.Supply(LegStable, i)
		require.NoError(t, err)
		assert.Zero(t, supply)
	}
}

func TestTypedRecombineOrderAndShape(t *testing.T) {
	e := newTestEscrow(t, 2)

	sp, err := e.BeginSplit(LegAsset, 300)
	require.NoError(t, err)
	c0, err := sp.Step()
	require.NoError(t, err)
	c1, err := sp.Step()
	require.NoError(t, err)
	require.NoError(t, sp.Finish())

	rp, err := e.BeginRecombine(LegAsset, 300)
	require.NoError(t, err)

	// Outcome 1 before outcome 0 is out of sequence.
	err = rp.Step(c1)
	require.ErrorIs(t, err, domain.ErrOutOfSequence)

	// Wrong amount is a shape mismatch.
	short := c0
	short.Amount = 299
	err = rp.Step(short)
	require.ErrorIs(t, err, domain.ErrCoinMismatch)

	require.NoError(t, rp.Step(c0))
	require.NoError(t, rp.Step(c1))
	_, err = rp.Finish()
	require.NoError(t, err)
}

func TestTypedRecombineIncompleteFinish(t *testing.T) {
	e := newTestEscrow(t, 2)

	sp, err := e.BeginSplit(LegAsset, 100)
	require.NoError(t, err)
	c0, err := sp.Step()
	require.NoError(t, err)
	_, err = sp.Step()
	require.NoError(t, err)
	require.NoError(t, sp.Finish())

	rp, err := e.BeginRecombine(LegAsset, 100)
	require.NoError(t, err)
	require.NoError(t, rp.Step(c0))
	_, err = rp.Finish()
	require.ErrorIs(t, err, domain.ErrIncompleteSet)

	// Escrow untouched by the abandoned recombine.
	assert.Equal(t, uint64(100), e.SpotBalance(LegAsset))
}

func TestSplitCoinsCarryTheirOwnBacking(t *testing.T) {
	e := newTestEscrow(t, 2)

	holder, err := NewBalance("mkt-1", 2)
	require.NoError(t, err)
	require.NoError(t, e.SplitToBalance(holder, LegAsset, 1000))

	// A second depositor wraps a typed set without ever calling Finish.
	// Their recombine releases only the collateral they put in at
	// BeginSplit; the first depositor's position is untouched.
	p, err := e.BeginSplit(LegAsset, 1000)
	require.NoError(t, err)
	other, err := NewBalance("mkt-1", 2)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		coin, err := p.Step()
		require.NoError(t, err)
		require.NoError(t, e.WrapToBalance(other, coin))
	}
	require.NoError(t, e.RecombineFromBalance(other, LegAsset, 1000))

	assert.Equal(t, uint64(1000), e.SpotBalance(LegAsset))
	require.NoError(t, e.RecombineFromBalance(holder, LegAsset, 1000))
	assert.Zero(t, e.SpotBalance(LegAsset))
	require.NoError(t, e.CheckInvariant())
}

func TestBeginBeforeRegistration(t *testing.T) {
	e, err := New("mkt-1", 2)
	require.NoError(t, err)
	require.NoError(t, e.RegisterOutcome(0, "a0", "s0"))

	_, err = e.BeginSplit(LegAsset, 10)
	require.ErrorIs(t, err, domain.ErrOutOfSequence)
	_, err = e.BeginRecombine(LegAsset, 10)
	require.ErrorIs(t, err, domain.ErrOutOfSequence)
}
