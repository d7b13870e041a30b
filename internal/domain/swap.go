package domain

import "time"

// SwapDirection identifies which leg enters the pool.
type SwapDirection string

const (
	SwapAssetToStable SwapDirection = "asset_to_stable"
	SwapStableToAsset SwapDirection = "stable_to_asset"
)

// SwapFill is one executed swap, journaled for audit and settlement reports.
// Outcome is -1 for fills against the spot market.
type SwapFill struct {
	ID        int64
	MarketID  string
	SessionID string
	Outcome   int
	Direction SwapDirection
	AmountIn  uint64
	AmountOut uint64
	FeeBps    uint64
	Feeless   bool
	PriceNano uint64 // post-swap pool price, scaled by PriceScale
	CreatedAt time.Time
}

// LiquidityChange is one add or remove of pool liquidity.
type LiquidityChange struct {
	ID          int64
	MarketID    string
	Outcome     int
	Provider    string
	LPDelta     int64 // positive = minted, negative = burned
	AssetDelta  int64
	StableDelta int64
	CreatedAt   time.Time
}

// PoolSnapshot is a point-in-time record of a pool's reserves and oracle
// state, persisted periodically and at resolution.
type PoolSnapshot struct {
	MarketID      string
	Outcome       int
	AssetReserve  uint64
	StableReserve uint64
	LPSupply      uint64
	SpotPrice     uint64 // scaled by PriceScale
	TWAP          uint64 // scaled by PriceScale, zero when window empty
	ObservedAt    time.Time
}
