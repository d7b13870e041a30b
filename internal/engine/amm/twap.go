package amm

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"github.com/futarchyfi/condamm/internal/engine/fixedmath"
)

// oracle accumulates clamped price * elapsed milliseconds. It is advanced
// with the pre-mutation reserves on every pool mutation, so the cumulative
// value always reflects time-weighted historical prices.
type oracle struct {
	cum    uint256.Int
	lastAt time.Time
}

func (o *oracle) init(now time.Time) {
	o.lastAt = now
}

func (o *oracle) advance(assetReserve, stableReserve, ceiling uint64, now time.Time) {
	elapsed := now.Sub(o.lastAt).Milliseconds()
	if elapsed <= 0 {
		return
	}
	price, err := fixedmath.Price(assetReserve, stableReserve, ceiling)
	if err != nil {
		// Empty pool observes a zero price; time still passes.
		price = 0
	}
	step := new(uint256.Int).Mul(uint256.NewInt(price), uint256.NewInt(uint64(elapsed)))
	o.cum.Add(&o.cum, step)
	o.lastAt = now
}

// at returns the cumulative value projected to time now without mutating
// the oracle.
func (o *oracle) at(assetReserve, stableReserve, ceiling uint64, now time.Time) *uint256.Int {
	cum := new(uint256.Int).Set(&o.cum)
	elapsed := now.Sub(o.lastAt).Milliseconds()
	if elapsed <= 0 {
		return cum
	}
	price, err := fixedmath.Price(assetReserve, stableReserve, ceiling)
	if err != nil {
		price = 0
	}
	step := new(uint256.Int).Mul(uint256.NewInt(price), uint256.NewInt(uint64(elapsed)))
	return cum.Add(cum, step)
}

// Observation is a point-in-time oracle reading. Two observations bracket a
// TWAP window.
type Observation struct {
	Cumulative *uint256.Int
	At         time.Time
}

// Observe returns the oracle reading at time now.
func (p *Pool) Observe(now time.Time) Observation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Observation{
		Cumulative: p.oracle.at(p.assetReserve, p.stableReserve, p.cfg.PriceCeiling, now),
		At:         now,
	}
}

// TWAP returns the time-weighted average price between the start observation
// and time now, in fixedmath price units.
func (p *Pool) TWAP(start Observation, now time.Time) (uint64, error) {
	elapsed := now.Sub(start.At).Milliseconds()
	if elapsed <= 0 {
		return 0, fmt.Errorf("amm: twap window must span positive time")
	}

	p.mu.Lock()
	cum := p.oracle.at(p.assetReserve, p.stableReserve, p.cfg.PriceCeiling, now)
	p.mu.Unlock()

	if start.Cumulative == nil || cum.Cmp(start.Cumulative) < 0 {
		return 0, fmt.Errorf("amm: twap start observation is ahead of pool oracle")
	}
	avg := new(uint256.Int).Sub(cum, start.Cumulative)
	avg.Div(avg, uint256.NewInt(uint64(elapsed)))
	if !avg.IsUint64() {
		return 0, fixedmath.ErrOverflow
	}
	return avg.Uint64(), nil
}
