package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/futarchyfi/condamm/internal/domain"
	"github.com/futarchyfi/condamm/internal/engine/router"
)

// TradeService defines the methods the trade handler requires from the
// service layer.
type TradeService interface {
	OpenSession(ctx context.Context, marketID string) (string, error)
	Swap(ctx context.Context, sessionID string, outcome int, dir domain.SwapDirection, amountIn, minOut uint64) (domain.SwapFill, error)
	CloseSession(ctx context.Context, sessionID string) (router.Summary, error)
	Redeem(ctx context.Context, marketID, balanceID string) (asset, stable uint64, err error)
	TradeSpot(ctx context.Context, marketID string, dir domain.SwapDirection, amountIn, minOut uint64) (domain.SwapFill, error)
	AddLiquidity(ctx context.Context, marketID string, outcome int, assetIn, stableIn, minLPOut uint64) (lpOut uint64, positionID string, err error)
	RemoveLiquidity(ctx context.Context, marketID string, outcome int, lpIn uint64) (assetOut, stableOut uint64, positionID string, err error)
	ListFills(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.SwapFill, error)
}

// TradeHandler serves trading session, spot, and liquidity HTTP endpoints.
type TradeHandler struct {
	trades TradeService
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler with the given service and logger.
func NewTradeHandler(trades TradeService, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{
		trades: trades,
		logger: logger,
	}
}

// OpenSession starts an atomic multi-swap trading session on a market.
// POST /api/markets/{id}/sessions
func (h *TradeHandler) OpenSession(w http.ResponseWriter, r *http.Request) {
	marketID := pathParam(r, "id")
	if marketID == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	sessionID, err := h.trades.OpenSession(r.Context(), marketID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: open session failed",
			slog.String("market_id", marketID),
			slog.String("error", err.Error()),
		)
		writeError(w, statusForEngineErr(err), err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"session_id": sessionID,
		"market_id":  marketID,
	})
}

// swapRequest describes one conditional swap within a session.
type swapRequest struct {
	Outcome   int                  `json:"outcome"`
	Direction domain.SwapDirection `json:"direction"`
	AmountIn  uint64               `json:"amount_in"`
	MinOut    uint64               `json:"min_out"`
}

// Swap executes a conditional swap inside an open session.
// POST /api/sessions/{id}/swaps
func (h *TradeHandler) Swap(w http.ResponseWriter, r *http.Request) {
	sessionID := pathParam(r, "id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "missing session id")
		return
	}

	var req swapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !validDirection(req.Direction) {
		writeError(w, http.StatusBadRequest, "invalid swap direction")
		return
	}

	fill, err := h.trades.Swap(r.Context(), sessionID, req.Outcome, req.Direction, req.AmountIn, req.MinOut)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: swap failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		writeError(w, statusForEngineErr(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, fill)
}

// sessionSummary is the JSON projection of a finished session.
type sessionSummary struct {
	SessionID  string            `json:"session_id"`
	MarketID   string            `json:"market_id"`
	Fills      []domain.SwapFill `json:"fills"`
	PriceFlips int               `json:"price_flips"`
	Leading    int               `json:"leading"`
	Residual   bool              `json:"residual"` // true when the session left a redeemable balance
}

// CloseSession finishes a session, recombining complete sets back into
// collateral. Any residual single-outcome holdings stay redeemable after
// market resolution.
// DELETE /api/sessions/{id}
func (h *TradeHandler) CloseSession(w http.ResponseWriter, r *http.Request) {
	sessionID := pathParam(r, "id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "missing session id")
		return
	}

	summary, err := h.trades.CloseSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: close session failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		writeError(w, statusForEngineErr(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, sessionSummary{
		SessionID:  summary.SessionID,
		MarketID:   summary.MarketID,
		Fills:      summary.Fills,
		PriceFlips: summary.PriceFlips,
		Leading:    summary.Leading,
		Residual:   summary.Balance != nil && !summary.Balance.IsEmpty(),
	})
}

// redeemRequest identifies the redeemable balance: a closed session's ID or
// a liquidity position's ID.
type redeemRequest struct {
	BalanceID string `json:"balance_id"`
}

// Redeem converts a held balance's winning-outcome holdings into collateral
// after market resolution. Both closed sessions and liquidity positions
// redeem here.
// POST /api/markets/{id}/redeem
func (h *TradeHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	marketID := pathParam(r, "id")
	if marketID == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.BalanceID == "" {
		writeError(w, http.StatusBadRequest, "missing balance id")
		return
	}

	asset, stable, err := h.trades.Redeem(r.Context(), marketID, req.BalanceID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: redeem failed",
			slog.String("market_id", marketID),
			slog.String("balance_id", req.BalanceID),
			slog.String("error", err.Error()),
		)
		writeError(w, statusForEngineErr(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"market_id":  marketID,
		"balance_id": req.BalanceID,
		"asset":      asset,
		"stable":     stable,
	})
}

// spotTradeRequest describes a swap against the spot pool.
type spotTradeRequest struct {
	Direction domain.SwapDirection `json:"direction"`
	AmountIn  uint64               `json:"amount_in"`
	MinOut    uint64               `json:"min_out"`
}

// TradeSpot executes a swap against the market's spot pool. The engine
// rebalances the spot price back inside the conditional band afterwards.
// POST /api/markets/{id}/spot
func (h *TradeHandler) TradeSpot(w http.ResponseWriter, r *http.Request) {
	marketID := pathParam(r, "id")
	if marketID == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	var req spotTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !validDirection(req.Direction) {
		writeError(w, http.StatusBadRequest, "invalid swap direction")
		return
	}

	fill, err := h.trades.TradeSpot(r.Context(), marketID, req.Direction, req.AmountIn, req.MinOut)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: spot trade failed",
			slog.String("market_id", marketID),
			slog.String("error", err.Error()),
		)
		writeError(w, statusForEngineErr(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, fill)
}

// liquidityRequest describes an add-liquidity deposit into one pool.
// Outcome -1 addresses the spot pool.
type liquidityRequest struct {
	Outcome  int    `json:"outcome"`
	AssetIn  uint64 `json:"asset_in"`
	StableIn uint64 `json:"stable_in"`
	MinLPOut uint64 `json:"min_lp_out"`
}

// AddLiquidity deposits both legs into a pool and mints LP shares.
// POST /api/markets/{id}/liquidity
func (h *TradeHandler) AddLiquidity(w http.ResponseWriter, r *http.Request) {
	marketID := pathParam(r, "id")
	if marketID == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	var req liquidityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	lpOut, positionID, err := h.trades.AddLiquidity(r.Context(), marketID, req.Outcome, req.AssetIn, req.StableIn, req.MinLPOut)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: add liquidity failed",
			slog.String("market_id", marketID),
			slog.Int("outcome", req.Outcome),
			slog.String("error", err.Error()),
		)
		writeError(w, statusForEngineErr(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"market_id":   marketID,
		"outcome":     req.Outcome,
		"lp_out":      lpOut,
		"position_id": positionID,
	})
}

// removeLiquidityRequest describes an LP share burn against one pool.
type removeLiquidityRequest struct {
	Outcome int    `json:"outcome"`
	LPIn    uint64 `json:"lp_in"`
}

// RemoveLiquidity burns LP shares and withdraws both legs pro rata.
// DELETE /api/markets/{id}/liquidity
func (h *TradeHandler) RemoveLiquidity(w http.ResponseWriter, r *http.Request) {
	marketID := pathParam(r, "id")
	if marketID == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	var req removeLiquidityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	assetOut, stableOut, positionID, err := h.trades.RemoveLiquidity(r.Context(), marketID, req.Outcome, req.LPIn)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: remove liquidity failed",
			slog.String("market_id", marketID),
			slog.Int("outcome", req.Outcome),
			slog.String("error", err.Error()),
		)
		writeError(w, statusForEngineErr(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"market_id":   marketID,
		"outcome":     req.Outcome,
		"asset_out":   assetOut,
		"stable_out":  stableOut,
		"position_id": positionID,
	})
}

// ListFills returns the journaled fills for a market, newest first.
// GET /api/markets/{id}/fills?limit=50&offset=0
func (h *TradeHandler) ListFills(w http.ResponseWriter, r *http.Request) {
	marketID := pathParam(r, "id")
	if marketID == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	fills, err := h.trades.ListFills(r.Context(), marketID, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list fills failed",
			slog.String("market_id", marketID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list fills")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"market_id": marketID,
		"fills":     fills,
	})
}

func validDirection(dir domain.SwapDirection) bool {
	return dir == domain.SwapAssetToStable || dir == domain.SwapStableToAsset
}
