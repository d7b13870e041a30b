package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/futarchyfi/condamm/internal/crypto"
	"github.com/futarchyfi/condamm/internal/domain"
	"github.com/futarchyfi/condamm/internal/service"
)

// MarketService defines the methods that the market handler requires from the
// service layer. It is declared locally so the handler package does not depend
// on the concrete service implementation.
type MarketService interface {
	CreateMarket(ctx context.Context, req service.CreateMarketRequest) (domain.Market, error)
	GetMarket(ctx context.Context, id string) (domain.Market, error)
	ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error)
	Count(ctx context.Context) (int64, error)
	Prices(ctx context.Context, id string) (cond []uint64, spot uint64, err error)
	Halt(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Resolve(ctx context.Context, id string, winner int) (*crypto.Attestation, error)
}

// SnapshotStore reads historical pool snapshots for the snapshot endpoint.
type SnapshotStore interface {
	ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.PoolSnapshot, error)
}

// MarketHandler serves market lifecycle and price HTTP endpoints.
type MarketHandler struct {
	markets   MarketService
	snapshots SnapshotStore
	logger    *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given service and logger.
// snapshots may be nil, in which case the snapshot endpoint returns 404.
func NewMarketHandler(markets MarketService, snapshots SnapshotStore, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets:   markets,
		snapshots: snapshots,
		logger:    logger,
	}
}

// listMarketsResponse wraps the list endpoint output with metadata.
type listMarketsResponse struct {
	Markets []domain.Market `json:"markets"`
	Total   int64           `json:"total"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

// ListMarkets returns active markets with pagination.
// GET /api/markets?limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	markets, err := h.markets.ListActive(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list markets failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list markets")
		return
	}

	total, err := h.markets.Count(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: count markets failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to count markets")
		return
	}

	writeJSON(w, http.StatusOK, listMarketsResponse{
		Markets: markets,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	})
}

// GetMarket returns a single market by its ID.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	market, err := h.markets.GetMarket(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "market not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get market failed",
			slog.String("market_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get market")
		return
	}

	writeJSON(w, http.StatusOK, market)
}

// CreateMarket creates a new conditional market with its pools and escrow.
// POST /api/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req service.CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	market, err := h.markets.CreateMarket(r.Context(), req)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: create market failed",
			slog.String("error", err.Error()),
		)
		writeError(w, statusForEngineErr(err), err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, market)
}

// resolveRequest carries the winning outcome index for market resolution.
type resolveRequest struct {
	Winner int `json:"winner"`
}

// resolveResponse returns the resolved market ID plus the signed settlement
// attestation, when a signer is configured.
type resolveResponse struct {
	MarketID    string              `json:"market_id"`
	Winner      int                 `json:"winner"`
	Attestation *crypto.Attestation `json:"attestation,omitempty"`
}

// ResolveMarket finalizes a market to a winning outcome.
// POST /api/markets/{id}/resolve
func (h *MarketHandler) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	att, err := h.markets.Resolve(r.Context(), id, req.Winner)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: resolve market failed",
			slog.String("market_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, statusForEngineErr(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, resolveResponse{
		MarketID:    id,
		Winner:      req.Winner,
		Attestation: att,
	})
}

// HaltMarket suspends trading on a market.
// POST /api/markets/{id}/halt
func (h *MarketHandler) HaltMarket(w http.ResponseWriter, r *http.Request) {
	h.setMarketStatus(w, r, h.markets.Halt, "halted")
}

// ResumeMarket reopens trading on a halted market.
// POST /api/markets/{id}/resume
func (h *MarketHandler) ResumeMarket(w http.ResponseWriter, r *http.Request) {
	h.setMarketStatus(w, r, h.markets.Resume, "active")
}

func (h *MarketHandler) setMarketStatus(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error, status string) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	if err := op(r.Context(), id); err != nil {
		h.logger.ErrorContext(r.Context(), "handler: market status change failed",
			slog.String("market_id", id),
			slog.String("target", status),
			slog.String("error", err.Error()),
		)
		writeError(w, statusForEngineErr(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"market_id": id,
		"status":    status,
	})
}

// pricesResponse carries live pool prices, all scaled by the price scale.
type pricesResponse struct {
	MarketID    string   `json:"market_id"`
	Conditional []uint64 `json:"conditional"`
	Spot        uint64   `json:"spot"`
}

// GetPrices returns live conditional and spot pool prices for a market.
// GET /api/markets/{id}/prices
func (h *MarketHandler) GetPrices(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	cond, spot, err := h.markets.Prices(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "market not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get prices failed",
			slog.String("market_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get prices")
		return
	}

	writeJSON(w, http.StatusOK, pricesResponse{
		MarketID:    id,
		Conditional: cond,
		Spot:        spot,
	})
}

// ListSnapshots returns historical pool snapshots for a market.
// GET /api/markets/{id}/snapshots?limit=50&offset=0
func (h *MarketHandler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	if h.snapshots == nil {
		writeError(w, http.StatusNotFound, "snapshot history not available")
		return
	}

	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	snaps, err := h.snapshots.ListByMarket(r.Context(), id, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list snapshots failed",
			slog.String("market_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list snapshots")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"market_id": id,
		"snapshots": snaps,
	})
}

// statusForEngineErr maps engine and service sentinel errors to HTTP codes.
func statusForEngineErr(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, domain.ErrAlreadyResolved),
		errors.Is(err, domain.ErrTradingClosed),
		errors.Is(err, domain.ErrNotResolved),
		errors.Is(err, domain.ErrLockHeld):
		return http.StatusConflict
	case errors.Is(err, domain.ErrZeroAmount),
		errors.Is(err, domain.ErrOutcomeOutOfRange),
		errors.Is(err, domain.ErrFeeTooHigh),
		errors.Is(err, domain.ErrImbalancedDeposit),
		errors.Is(err, domain.ErrInsufficientFunds),
		errors.Is(err, domain.ErrLiquidityFloor):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrSlippage),
		errors.Is(err, domain.ErrRebalanceBand):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
