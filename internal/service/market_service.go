// Package service coordinates the in-memory market engine with the
// persistence, cache, messaging and notification layers. Services own the
// cross-cutting flow of each operation; the engine owns the math.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/futarchyfi/condamm/internal/crypto"
	"github.com/futarchyfi/condamm/internal/domain"
	"github.com/futarchyfi/condamm/internal/engine"
	"github.com/futarchyfi/condamm/internal/engine/feesched"
	"github.com/futarchyfi/condamm/internal/notify"
)

// marketLockTTL bounds how long a resolve operation may hold the
// cross-process market lock.
const marketLockTTL = 30 * time.Second

// CreateMarketRequest carries the caller-supplied parameters for a new
// market. Zero-valued fee fields fall back to the engine defaults configured
// at startup.
type CreateMarketRequest struct {
	Question          string        `json:"question"`
	Outcomes          []string      `json:"outcomes"`
	FeeBps            uint64        `json:"fee_bps"`
	LaunchFeeBps      uint64        `json:"launch_fee_bps"`
	LaunchFeeDuration time.Duration `json:"launch_fee_duration"`
	CondAsset         uint64        `json:"cond_asset"`
	CondStable        uint64        `json:"cond_stable"`
	SpotAsset         uint64        `json:"spot_asset"`
	SpotStable        uint64        `json:"spot_stable"`
}

// MarketService handles market lifecycle: creation, halting, resolution and
// settlement reporting.
type MarketService struct {
	engine   *engine.Engine
	defaults engine.MarketConfig
	markets  domain.MarketStore
	bus      domain.SignalBus
	audit    domain.AuditStore
	locks    domain.LockManager
	notifier *notify.Notifier
	signer   *crypto.Signer
	archiver domain.Archiver
	logger   *slog.Logger
}

// MarketServiceDeps bundles the dependencies for NewMarketService. Locks,
// notifier, signer and archiver are optional; nil disables the
// corresponding step.
type MarketServiceDeps struct {
	Engine   *engine.Engine
	Defaults engine.MarketConfig
	Markets  domain.MarketStore
	Bus      domain.SignalBus
	Audit    domain.AuditStore
	Locks    domain.LockManager
	Notifier *notify.Notifier
	Signer   *crypto.Signer
	Archiver domain.Archiver
	Logger   *slog.Logger
}

// NewMarketService creates a MarketService.
func NewMarketService(deps MarketServiceDeps) *MarketService {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MarketService{
		engine:   deps.Engine,
		defaults: deps.Defaults,
		markets:  deps.Markets,
		bus:      deps.Bus,
		audit:    deps.Audit,
		locks:    deps.Locks,
		notifier: deps.Notifier,
		signer:   deps.Signer,
		archiver: deps.Archiver,
		logger:   logger.With(slog.String("component", "market_service")),
	}
}

// CreateMarket instantiates a market in the engine, persists its metadata,
// and announces it. The market ID is generated here.
func (s *MarketService) CreateMarket(ctx context.Context, req CreateMarketRequest) (domain.Market, error) {
	cfg := s.defaults
	cfg.Question = req.Question
	cfg.Outcomes = req.Outcomes
	if req.FeeBps > 0 {
		cfg.FeeBps = req.FeeBps
	}
	if req.LaunchFeeBps > 0 {
		launch, err := feesched.New(req.LaunchFeeBps, req.LaunchFeeDuration)
		if err != nil {
			return domain.Market{}, fmt.Errorf("market_service: create: %w", err)
		}
		cfg.Launch = launch
	}
	cfg.CondAsset = req.CondAsset
	cfg.CondStable = req.CondStable
	cfg.SpotAsset = req.SpotAsset
	cfg.SpotStable = req.SpotStable

	id := uuid.NewString()
	now := time.Now().UTC()

	if _, err := s.engine.CreateMarket(id, cfg, now); err != nil {
		return domain.Market{}, fmt.Errorf("market_service: create: %w", err)
	}

	market := domain.Market{
		ID:           id,
		Question:     req.Question,
		Outcomes:     req.Outcomes,
		OutcomeCount: len(req.Outcomes),
		FeeBps:       cfg.FeeBps,
		Status:       domain.MarketStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.markets.Upsert(ctx, market); err != nil {
		// Roll the engine back so store and engine stay in agreement.
		s.rollbackCreate(id)
		return domain.Market{}, fmt.Errorf("market_service: persist: %w", err)
	}

	s.publishMarketEvent(ctx, id, string(domain.MarketStatusActive), nil, now)

	if s.notifier != nil {
		if err := s.notifier.MarketCreated(ctx, id, req.Question, len(req.Outcomes)); err != nil {
			s.logger.WarnContext(ctx, "market created notification failed",
				slog.String("market_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := s.audit.Log(ctx, "market.created", map[string]any{
		"market_id": id,
		"outcomes":  len(req.Outcomes),
		"fee_bps":   cfg.FeeBps,
	}); err != nil {
		s.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
	}

	s.logger.InfoContext(ctx, "market created",
		slog.String("market_id", id),
		slog.Int("outcomes", len(req.Outcomes)),
	)

	return market, nil
}

// rollbackCreate removes a just-created market after a persistence failure.
func (s *MarketService) rollbackCreate(id string) {
	m, err := s.engine.Market(id)
	if err != nil {
		return
	}
	m.Halt()
	// Remove requires resolution; a freshly created market has no positions,
	// so resolving to outcome 0 is safe here.
	_ = m.Resolve(0, time.Now().UTC())
	_ = s.engine.Remove(id)
}

// GetMarket retrieves market metadata from the persistent store.
func (s *MarketService) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	m, err := s.markets.GetByID(ctx, id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: get by id %q: %w", id, err)
	}
	return m, nil
}

// ListActive returns active markets from the persistent store.
func (s *MarketService) ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	markets, err := s.markets.ListActive(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("market_service: list active: %w", err)
	}
	return markets, nil
}

// Count returns the total number of markets in the persistent store.
func (s *MarketService) Count(ctx context.Context) (int64, error) {
	count, err := s.markets.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("market_service: count: %w", err)
	}
	return count, nil
}

// Prices returns the live conditional pool prices and the spot pool price
// for a market, each scaled by the engine price scale.
func (s *MarketService) Prices(ctx context.Context, id string) (cond []uint64, spot uint64, err error) {
	m, err := s.engine.Market(id)
	if err != nil {
		return nil, 0, fmt.Errorf("market_service: prices %q: %w", id, err)
	}
	cond, spot, err = m.Prices()
	if err != nil {
		return nil, 0, fmt.Errorf("market_service: prices %q: %w", id, err)
	}
	return cond, spot, nil
}

// Halt suspends trading on a market.
func (s *MarketService) Halt(ctx context.Context, id string) error {
	m, err := s.engine.Market(id)
	if err != nil {
		return fmt.Errorf("market_service: halt %q: %w", id, err)
	}
	m.Halt()

	if err := s.updateStatus(ctx, id, domain.MarketStatusHalted); err != nil {
		return err
	}
	s.publishMarketEvent(ctx, id, string(domain.MarketStatusHalted), nil, time.Now().UTC())
	return nil
}

// Resume re-enables trading on a halted market.
func (s *MarketService) Resume(ctx context.Context, id string) error {
	m, err := s.engine.Market(id)
	if err != nil {
		return fmt.Errorf("market_service: resume %q: %w", id, err)
	}
	if err := m.Resume(); err != nil {
		return fmt.Errorf("market_service: resume %q: %w", id, err)
	}

	if err := s.updateStatus(ctx, id, domain.MarketStatusActive); err != nil {
		return err
	}
	s.publishMarketEvent(ctx, id, string(domain.MarketStatusActive), nil, time.Now().UTC())
	return nil
}

// Resolve settles a market to the winning outcome: the engine drains all
// conditional pools, the store records the winner, and (when configured) a
// signed settlement report lands in cold storage.
func (s *MarketService) Resolve(ctx context.Context, id string, winner int) (*crypto.Attestation, error) {
	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, "market:"+id, marketLockTTL)
		if err != nil {
			return nil, fmt.Errorf("market_service: resolve %q: %w", id, err)
		}
		defer unlock()
	}

	m, err := s.engine.Market(id)
	if err != nil {
		return nil, fmt.Errorf("market_service: resolve %q: %w", id, err)
	}

	now := time.Now().UTC()
	if err := m.Resolve(winner, now); err != nil {
		return nil, fmt.Errorf("market_service: resolve %q: %w", id, err)
	}

	if err := s.markets.MarkResolved(ctx, id, winner, now); err != nil {
		return nil, fmt.Errorf("market_service: mark resolved %q: %w", id, err)
	}

	s.publishMarketEvent(ctx, id, string(domain.MarketStatusResolved), &winner, now)

	if s.notifier != nil {
		if err := s.notifier.MarketResolved(ctx, id, winner, now); err != nil {
			s.logger.WarnContext(ctx, "resolution notification failed",
				slog.String("market_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	var att *crypto.Attestation
	if s.signer != nil {
		signed, err := s.signer.SignSettlement(id, winner, now)
		if err != nil {
			s.logger.ErrorContext(ctx, "settlement attestation failed",
				slog.String("market_id", id),
				slog.String("error", err.Error()),
			)
		} else {
			att = &signed
		}
	}

	if s.archiver != nil {
		path, err := s.archiver.ArchiveSettlement(ctx, id)
		if err != nil {
			s.logger.WarnContext(ctx, "settlement archive failed",
				slog.String("market_id", id),
				slog.String("error", err.Error()),
			)
		} else {
			s.logger.InfoContext(ctx, "settlement archived",
				slog.String("market_id", id),
				slog.String("path", path),
			)
		}
	}

	if err := s.audit.Log(ctx, "market.resolved", map[string]any{
		"market_id": id,
		"winner":    winner,
	}); err != nil {
		s.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
	}

	s.logger.InfoContext(ctx, "market resolved",
		slog.String("market_id", id),
		slog.Int("winner", winner),
	)

	return att, nil
}

// updateStatus rewrites a market's status in the persistent store.
func (s *MarketService) updateStatus(ctx context.Context, id string, status domain.MarketStatus) error {
	m, err := s.markets.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("market_service: update status %q: %w", id, err)
	}
	m.Status = status
	m.UpdatedAt = time.Now().UTC()
	if err := s.markets.Upsert(ctx, m); err != nil {
		return fmt.Errorf("market_service: update status %q: %w", id, err)
	}
	return nil
}

// publishMarketEvent emits a lifecycle event on the signal bus. Publish
// failures are logged, never propagated.
func (s *MarketService) publishMarketEvent(ctx context.Context, id, status string, winner *int, at time.Time) {
	evt, _ := json.Marshal(domain.MarketEvent{
		MarketID: id,
		Status:   status,
		Winner:   winner,
		At:       at,
	})
	if err := s.bus.Publish(ctx, domain.ChannelMarkets, evt); err != nil {
		s.logger.WarnContext(ctx, "publish market event failed",
			slog.String("market_id", id),
			slog.String("error", err.Error()),
		)
	}
}
