package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/futarchyfi/condamm/internal/domain"
	"github.com/futarchyfi/condamm/internal/engine"
	"github.com/futarchyfi/condamm/internal/engine/amm"
	"github.com/futarchyfi/condamm/internal/engine/escrow"
	"github.com/futarchyfi/condamm/internal/engine/router"
	"github.com/futarchyfi/condamm/internal/notify"
)

// openSession pairs a live trading session with the market it belongs to.
type openSession struct {
	market  *engine.Market
	session *router.Session
}

// TradeService executes swaps and liquidity operations, journals the
// results, and fans price updates out to the cache and signal bus.
type TradeService struct {
	engine   *engine.Engine
	journal  domain.SwapJournalStore
	prices   domain.PriceCache
	bus      domain.SignalBus
	notifier *notify.Notifier
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]openSession
	// balances holds conditional token balances pending redemption after
	// resolution: finished sessions keyed by session ID and liquidity
	// positions keyed by position ID.
	balances map[string]*escrow.Balance
}

// NewTradeService creates a TradeService. The notifier is optional.
func NewTradeService(
	eng *engine.Engine,
	journal domain.SwapJournalStore,
	prices domain.PriceCache,
	bus domain.SignalBus,
	notifier *notify.Notifier,
	logger *slog.Logger,
) *TradeService {
	if logger == nil {
		logger = slog.Default()
	}
	return &TradeService{
		engine:   eng,
		journal:  journal,
		prices:   prices,
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "trade_service")),
		sessions: make(map[string]openSession),
		balances: make(map[string]*escrow.Balance),
	}
}

// OpenSession begins a conditional trading session on a market and returns
// its ID. All swaps in the session accumulate into one balance object.
func (s *TradeService) OpenSession(ctx context.Context, marketID string) (string, error) {
	m, err := s.engine.Market(marketID)
	if err != nil {
		return "", fmt.Errorf("trade_service: open session: %w", err)
	}

	sess, err := m.BeginSession(time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("trade_service: open session: %w", err)
	}

	s.mu.Lock()
	s.sessions[sess.ID()] = openSession{market: m, session: sess}
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "session opened",
		slog.String("market_id", marketID),
		slog.String("session_id", sess.ID()),
	)
	return sess.ID(), nil
}

// Swap executes one conditional swap inside an open session.
func (s *TradeService) Swap(ctx context.Context, sessionID string, outcome int, dir domain.SwapDirection, amountIn, minOut uint64) (domain.SwapFill, error) {
	s.mu.Lock()
	open, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return domain.SwapFill{}, fmt.Errorf("trade_service: swap: session %q: %w", sessionID, domain.ErrNotFound)
	}

	fill, err := open.market.SwapInSession(open.session, outcome, dir, amountIn, minOut, time.Now().UTC())
	if err != nil {
		return domain.SwapFill{}, fmt.Errorf("trade_service: swap: %w", err)
	}

	s.recordFill(ctx, open.market, fill)
	return fill, nil
}

// CloseSession finishes a session and returns its summary. The session's
// conditional balance is retained for redemption once the market resolves.
func (s *TradeService) CloseSession(ctx context.Context, sessionID string) (router.Summary, error) {
	s.mu.Lock()
	open, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return router.Summary{}, fmt.Errorf("trade_service: close session %q: %w", sessionID, domain.ErrNotFound)
	}

	summary, err := open.market.FinishSession(open.session, time.Now().UTC())
	if err != nil {
		return router.Summary{}, fmt.Errorf("trade_service: close session: %w", err)
	}

	if summary.Balance != nil && !summary.Balance.IsEmpty() {
		s.mu.Lock()
		s.balances[sessionID] = summary.Balance
		s.mu.Unlock()
	} else if summary.Balance != nil {
		if err := summary.Balance.Destroy(); err != nil {
			s.logger.WarnContext(ctx, "destroy empty balance failed",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.InfoContext(ctx, "session closed",
		slog.String("session_id", sessionID),
		slog.Int("fills", len(summary.Fills)),
		slog.Int("price_flips", summary.PriceFlips),
	)
	return summary, nil
}

// Redeem converts a held balance's conditional holdings to spot collateral
// after the market resolves. Both finished sessions and liquidity positions
// redeem here: winning tokens pay out 1:1, losing tokens are burned.
func (s *TradeService) Redeem(ctx context.Context, marketID, balanceID string) (asset, stable uint64, err error) {
	s.mu.Lock()
	bal, ok := s.balances[balanceID]
	s.mu.Unlock()
	if !ok {
		return 0, 0, fmt.Errorf("trade_service: redeem balance %q: %w", balanceID, domain.ErrNotFound)
	}

	m, err := s.engine.Market(marketID)
	if err != nil {
		return 0, 0, fmt.Errorf("trade_service: redeem: %w", err)
	}

	asset, stable, err = m.RedeemBalance(bal)
	if err != nil {
		return 0, 0, fmt.Errorf("trade_service: redeem: %w", err)
	}

	s.mu.Lock()
	delete(s.balances, balanceID)
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "balance redeemed",
		slog.String("market_id", marketID),
		slog.String("balance_id", balanceID),
		slog.Uint64("asset", asset),
		slog.Uint64("stable", stable),
	)
	return asset, stable, nil
}

// TradeSpot executes a swap against a market's spot pool. The engine
// rebalances the spot price into the conditional band before returning; a
// band failure surfaces as an error after notifying operators.
func (s *TradeService) TradeSpot(ctx context.Context, marketID string, dir domain.SwapDirection, amountIn, minOut uint64) (domain.SwapFill, error) {
	m, err := s.engine.Market(marketID)
	if err != nil {
		return domain.SwapFill{}, fmt.Errorf("trade_service: trade spot: %w", err)
	}

	fill, err := m.TradeSpot(dir, amountIn, minOut, time.Now().UTC())
	if err != nil {
		if errors.Is(err, domain.ErrRebalanceBand) && s.notifier != nil {
			s.notifyBandFailure(ctx, m)
		}
		return domain.SwapFill{}, fmt.Errorf("trade_service: trade spot: %w", err)
	}

	s.recordFill(ctx, m, fill)
	return fill, nil
}

// AddLiquidity deposits into one conditional pool and journals the change.
// The deposit's residual legs stay with the provider: they land in a fresh
// position balance whose ID is returned, redeemable once the market
// resolves.
func (s *TradeService) AddLiquidity(ctx context.Context, marketID string, outcome int, assetIn, stableIn, minLPOut uint64) (lpOut uint64, positionID string, err error) {
	m, err := s.engine.Market(marketID)
	if err != nil {
		return 0, "", fmt.Errorf("trade_service: add liquidity: %w", err)
	}

	pos, err := escrow.NewBalance(m.ID(), m.OutcomeCount())
	if err != nil {
		return 0, "", fmt.Errorf("trade_service: add liquidity: %w", err)
	}
	lpOut, err = m.AddLiquidity(pos, outcome, assetIn, stableIn, minLPOut, time.Now().UTC())
	if err != nil {
		return 0, "", fmt.Errorf("trade_service: add liquidity: %w", err)
	}
	positionID = s.holdPosition(ctx, pos)

	s.recordLiquidity(ctx, marketID, outcome, int64(lpOut), int64(assetIn), int64(stableIn))
	s.publishPrices(ctx, m)
	return lpOut, positionID, nil
}

// RemoveLiquidity burns LP tokens against one pool and journals the change.
// The withdrawn conditional legs land in a fresh position balance whose ID
// is returned, redeemable once the market resolves.
func (s *TradeService) RemoveLiquidity(ctx context.Context, marketID string, outcome int, lpIn uint64) (assetOut, stableOut uint64, positionID string, err error) {
	m, err := s.engine.Market(marketID)
	if err != nil {
		return 0, 0, "", fmt.Errorf("trade_service: remove liquidity: %w", err)
	}

	pos, err := escrow.NewBalance(m.ID(), m.OutcomeCount())
	if err != nil {
		return 0, 0, "", fmt.Errorf("trade_service: remove liquidity: %w", err)
	}
	assetOut, stableOut, err = m.RemoveLiquidity(pos, outcome, lpIn, time.Now().UTC())
	if err != nil {
		return 0, 0, "", fmt.Errorf("trade_service: remove liquidity: %w", err)
	}
	positionID = s.holdPosition(ctx, pos)

	s.recordLiquidity(ctx, marketID, outcome, -int64(lpIn), -int64(assetOut), -int64(stableOut))
	s.publishPrices(ctx, m)
	return assetOut, stableOut, positionID, nil
}

// holdPosition stores a position balance for later redemption and returns
// its ID. An empty balance is destroyed instead; the empty string means
// there is nothing to redeem.
func (s *TradeService) holdPosition(ctx context.Context, pos *escrow.Balance) string {
	if pos.IsEmpty() {
		if err := pos.Destroy(); err != nil {
			s.logger.WarnContext(ctx, "destroy empty position failed",
				slog.String("error", err.Error()),
			)
		}
		return ""
	}
	id := uuid.NewString()
	s.mu.Lock()
	s.balances[id] = pos
	s.mu.Unlock()
	return id
}

// ListFills returns journaled fills for a market.
func (s *TradeService) ListFills(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.SwapFill, error) {
	fills, err := s.journal.ListFillsByMarket(ctx, marketID, opts)
	if err != nil {
		return nil, fmt.Errorf("trade_service: list fills: %w", err)
	}
	return fills, nil
}

// recordFill journals a fill, mirrors it to the signal bus, and refreshes
// the price cache. Persistence failure is fatal to operators' audit trail,
// so it is logged at error level, but the swap itself already committed.
func (s *TradeService) recordFill(ctx context.Context, m *engine.Market, fill domain.SwapFill) {
	if err := s.journal.InsertFill(ctx, fill); err != nil {
		s.logger.ErrorContext(ctx, "journal fill failed",
			slog.String("market_id", fill.MarketID),
			slog.String("error", err.Error()),
		)
	}

	evt, _ := json.Marshal(domain.FillEvent{
		MarketID:  fill.MarketID,
		SessionID: fill.SessionID,
		Outcome:   fill.Outcome,
		Direction: fill.Direction,
		AmountIn:  fill.AmountIn,
		AmountOut: fill.AmountOut,
		At:        fill.CreatedAt,
	})
	if err := s.bus.Publish(ctx, domain.ChannelFills, evt); err != nil {
		s.logger.WarnContext(ctx, "publish fill failed",
			slog.String("market_id", fill.MarketID),
			slog.String("error", err.Error()),
		)
	}

	s.publishPrices(ctx, m)
}

// recordLiquidity journals a liquidity change.
func (s *TradeService) recordLiquidity(ctx context.Context, marketID string, outcome int, lpDelta, assetDelta, stableDelta int64) {
	ch := domain.LiquidityChange{
		MarketID:    marketID,
		Outcome:     outcome,
		LPDelta:     lpDelta,
		AssetDelta:  assetDelta,
		StableDelta: stableDelta,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.journal.InsertLiquidityChange(ctx, ch); err != nil {
		s.logger.ErrorContext(ctx, "journal liquidity change failed",
			slog.String("market_id", marketID),
			slog.String("error", err.Error()),
		)
	}
}

// publishPrices pushes every pool's current price into the cache and onto
// the price channel.
func (s *TradeService) publishPrices(ctx context.Context, m *engine.Market) {
	cond, spot, err := m.Prices()
	if err != nil {
		s.logger.WarnContext(ctx, "read prices failed",
			slog.String("market_id", m.ID()),
			slog.String("error", err.Error()),
		)
		return
	}

	now := time.Now().UTC()
	push := func(outcome int, price uint64) {
		key := fmt.Sprintf("%s:%d", m.ID(), outcome)
		if err := s.prices.SetPrice(ctx, key, price, now); err != nil {
			s.logger.WarnContext(ctx, "price cache set failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		evt, _ := json.Marshal(domain.PriceUpdate{
			MarketID:  m.ID(),
			Outcome:   outcome,
			SpotPrice: price,
			At:        now,
		})
		if err := s.bus.Publish(ctx, domain.ChannelPrices, evt); err != nil {
			s.logger.WarnContext(ctx, "publish price failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}

	for i, price := range cond {
		push(i, price)
	}
	push(amm.SpotOutcome, spot)
}

// notifyBandFailure alerts operators that the rebalancer left the spot
// price outside the conditional band.
func (s *TradeService) notifyBandFailure(ctx context.Context, m *engine.Market) {
	cond, spot, err := m.Prices()
	if err != nil {
		return
	}
	low, high := cond[0], cond[0]
	for _, p := range cond[1:] {
		if p < low {
			low = p
		}
		if p > high {
			high = p
		}
	}
	if err := s.notifier.RebalanceFailed(ctx, m.ID(), spot, low, high); err != nil {
		s.logger.WarnContext(ctx, "rebalance notification failed",
			slog.String("market_id", m.ID()),
			slog.String("error", err.Error()),
		)
	}
}
