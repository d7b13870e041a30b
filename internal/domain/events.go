package domain

import "time"

// Event channel names used on the signal bus and mirrored to WebSocket
// clients by the hub.
const (
	ChannelPrices     = "ch:prices"
	ChannelFills      = "ch:fills"
	ChannelMarkets    = "ch:markets"
	ChannelViolations = "ch:violations"
)

// PriceUpdate is published after every reserve-changing pool operation.
type PriceUpdate struct {
	MarketID  string    `json:"market_id"`
	Outcome   int       `json:"outcome"`
	SpotPrice uint64    `json:"spot_price"` // scaled by PriceScale
	TWAP      uint64    `json:"twap,omitempty"`
	At        time.Time `json:"at"`
}

// FillEvent mirrors a SwapFill onto the signal bus.
type FillEvent struct {
	MarketID  string        `json:"market_id"`
	SessionID string        `json:"session_id,omitempty"`
	Outcome   int           `json:"outcome"`
	Direction SwapDirection `json:"direction"`
	AmountIn  uint64        `json:"amount_in"`
	AmountOut uint64        `json:"amount_out"`
	At        time.Time     `json:"at"`
}

// MarketEvent announces lifecycle transitions (created, halted, resolved).
type MarketEvent struct {
	MarketID string    `json:"market_id"`
	Status   string    `json:"status"`
	Winner   *int      `json:"winner,omitempty"`
	At       time.Time `json:"at"`
}

// ViolationEvent is published when an invariant check aborts an operation.
// These must always surface; calling layers never suppress them.
type ViolationEvent struct {
	MarketID  string    `json:"market_id"`
	Operation string    `json:"operation"`
	Detail    string    `json:"detail"`
	At        time.Time `json:"at"`
}
