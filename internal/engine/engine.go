package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/futarchyfi/condamm/internal/domain"
	"github.com/futarchyfi/condamm/internal/engine/rebalance"
	"github.com/futarchyfi/condamm/internal/engine/router"
)

// Engine is the registry of live markets. Markets are independent: each one
// serializes its own operations, so the registry lock only guards the map.
type Engine struct {
	mu      sync.RWMutex
	markets map[string]*Market

	rt     *router.Router
	logger *slog.Logger
}

// Config tunes the engine.
type Config struct {
	RebalanceMaxIterations int
}

// New creates an Engine.
func New(cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	reb := rebalance.New(rebalance.Config{MaxIterations: cfg.RebalanceMaxIterations})
	return &Engine{
		markets: make(map[string]*Market),
		rt:      router.NewRouter(reb),
		logger:  logger.With("component", "engine"),
	}
}

// CreateMarket builds and registers a market.
func (e *Engine) CreateMarket(id string, cfg MarketConfig, now time.Time) (*Market, error) {
	if id == "" {
		return nil, fmt.Errorf("engine: empty market id: %w", domain.ErrZeroAmount)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.markets[id]; ok {
		return nil, fmt.Errorf("engine: market %s: %w", id, domain.ErrAlreadyExists)
	}

	m, err := newMarket(id, cfg, e.rt, now)
	if err != nil {
		return nil, err
	}
	e.markets[id] = m
	e.logger.Info("market created",
		"market_id", id,
		"outcomes", len(cfg.Outcomes),
		"fee_bps", cfg.FeeBps,
		"cond_asset", cfg.CondAsset,
		"cond_stable", cfg.CondStable)
	return m, nil
}

// Market returns a registered market.
func (e *Engine) Market(id string) (*Market, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.markets[id]
	if !ok {
		return nil, fmt.Errorf("engine: market %s: %w", id, domain.ErrNotFound)
	}
	return m, nil
}

// Markets returns every registered market.
func (e *Engine) Markets() []*Market {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Market, 0, len(e.markets))
	for _, m := range e.markets {
		out = append(out, m)
	}
	return out
}

// Remove drops a resolved market from the registry.
func (e *Engine) Remove(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.markets[id]
	if !ok {
		return fmt.Errorf("engine: market %s: %w", id, domain.ErrNotFound)
	}
	if _, resolved := m.Resolved(); !resolved {
		return fmt.Errorf("engine: market %s: %w", id, domain.ErrNotResolved)
	}
	delete(e.markets, id)
	e.logger.Info("market removed", "market_id", id)
	return nil
}
