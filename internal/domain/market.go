package domain

import "time"

// MarketStatus represents the lifecycle state of a conditional market.
type MarketStatus string

const (
	MarketStatusActive   MarketStatus = "active"
	MarketStatusHalted   MarketStatus = "halted"
	MarketStatusResolved MarketStatus = "resolved"
)

// Market describes one decision event priced as a set of mutually-exclusive
// conditional outcomes backed by a shared collateral escrow.
type Market struct {
	ID           string
	Question     string
	Outcomes     []string // outcome labels, index-aligned with the pools
	OutcomeCount int
	FeeBps       uint64
	Status       MarketStatus
	Winner       *int // set once resolved
	CreatedAt    time.Time
	ResolvedAt   *time.Time
	UpdatedAt    time.Time
}

// Resolved reports whether the market has a final winning outcome.
func (m Market) Resolved() bool {
	return m.Status == MarketStatusResolved && m.Winner != nil
}

// ValidOutcome reports whether idx addresses one of the market's outcomes.
func (m Market) ValidOutcome(idx int) bool {
	return idx >= 0 && idx < m.OutcomeCount
}
