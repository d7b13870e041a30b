package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/futarchyfi/condamm/internal/crypto"
	"github.com/futarchyfi/condamm/internal/domain"
	"github.com/futarchyfi/condamm/internal/engine/amm"
	"github.com/futarchyfi/condamm/internal/engine/router"
	"github.com/futarchyfi/condamm/internal/service"
)

// fakeMarketService implements MarketService for handler tests.
type fakeMarketService struct {
	markets map[string]domain.Market
	halted  map[string]bool
	created []service.CreateMarketRequest
	err     error
}

func newFakeMarketService() *fakeMarketService {
	return &fakeMarketService{
		markets: make(map[string]domain.Market),
		halted:  make(map[string]bool),
	}
}

func (f *fakeMarketService) CreateMarket(_ context.Context, req service.CreateMarketRequest) (domain.Market, error) {
	if f.err != nil {
		return domain.Market{}, f.err
	}
	f.created = append(f.created, req)
	m := domain.Market{
		ID:           fmt.Sprintf("mkt-%d", len(f.created)),
		Question:     req.Question,
		Outcomes:     req.Outcomes,
		OutcomeCount: len(req.Outcomes),
		FeeBps:       req.FeeBps,
		Status:       domain.MarketStatusActive,
		CreatedAt:    time.Now().UTC(),
	}
	f.markets[m.ID] = m
	return m, nil
}

func (f *fakeMarketService) GetMarket(_ context.Context, id string) (domain.Market, error) {
	m, ok := f.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func (f *fakeMarketService) ListActive(_ context.Context, _ domain.ListOpts) ([]domain.Market, error) {
	out := make([]domain.Market, 0, len(f.markets))
	for _, m := range f.markets {
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeMarketService) Count(_ context.Context) (int64, error) {
	return int64(len(f.markets)), nil
}

func (f *fakeMarketService) Prices(_ context.Context, id string) ([]uint64, uint64, error) {
	if _, ok := f.markets[id]; !ok {
		return nil, 0, domain.ErrNotFound
	}
	return []uint64{1_000_000_000_000, 1_000_000_000_000}, 1_000_000_000_000, nil
}

func (f *fakeMarketService) Halt(_ context.Context, id string) error {
	if _, ok := f.markets[id]; !ok {
		return domain.ErrNotFound
	}
	f.halted[id] = true
	return nil
}

func (f *fakeMarketService) Resume(_ context.Context, id string) error {
	if _, ok := f.markets[id]; !ok {
		return domain.ErrNotFound
	}
	f.halted[id] = false
	return nil
}

func (f *fakeMarketService) Resolve(_ context.Context, id string, winner int) (*crypto.Attestation, error) {
	m, ok := f.markets[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if m.Status == domain.MarketStatusResolved {
		return nil, domain.ErrAlreadyResolved
	}
	m.Status = domain.MarketStatusResolved
	m.Winner = &winner
	f.markets[id] = m
	att := &crypto.Attestation{
		MarketID:   id,
		Winner:     winner,
		ResolvedAt: time.Now().UTC(),
		Attestor:   "0x0000000000000000000000000000000000000001",
		Signature:  "00",
	}
	return att, nil
}

// fakeTradeService implements TradeService for handler tests.
type fakeTradeService struct {
	sessions map[string]string // session ID -> market ID
	fills    []domain.SwapFill
	nextID   int
}

func newFakeTradeService() *fakeTradeService {
	return &fakeTradeService{sessions: make(map[string]string)}
}

func (f *fakeTradeService) OpenSession(_ context.Context, marketID string) (string, error) {
	f.nextID++
	id := fmt.Sprintf("sess-%d", f.nextID)
	f.sessions[id] = marketID
	return id, nil
}

func (f *fakeTradeService) Swap(_ context.Context, sessionID string, outcome int, dir domain.SwapDirection, amountIn, _ uint64) (domain.SwapFill, error) {
	marketID, ok := f.sessions[sessionID]
	if !ok {
		return domain.SwapFill{}, domain.ErrNotFound
	}
	fill := domain.SwapFill{
		MarketID:  marketID,
		SessionID: sessionID,
		Outcome:   outcome,
		Direction: dir,
		AmountIn:  amountIn,
		AmountOut: amountIn / 2,
		CreatedAt: time.Now().UTC(),
	}
	f.fills = append(f.fills, fill)
	return fill, nil
}

func (f *fakeTradeService) CloseSession(_ context.Context, sessionID string) (router.Summary, error) {
	marketID, ok := f.sessions[sessionID]
	if !ok {
		return router.Summary{}, domain.ErrNotFound
	}
	delete(f.sessions, sessionID)
	return router.Summary{SessionID: sessionID, MarketID: marketID}, nil
}

func (f *fakeTradeService) Redeem(_ context.Context, _, _ string) (uint64, uint64, error) {
	return 100, 0, nil
}

func (f *fakeTradeService) TradeSpot(_ context.Context, marketID string, dir domain.SwapDirection, amountIn, _ uint64) (domain.SwapFill, error) {
	return domain.SwapFill{
		MarketID:  marketID,
		Outcome:   amm.SpotOutcome,
		Direction: dir,
		AmountIn:  amountIn,
		AmountOut: amountIn / 2,
	}, nil
}

func (f *fakeTradeService) AddLiquidity(_ context.Context, _ string, _ int, _, _, _ uint64) (uint64, string, error) {
	return 999, "pos-1", nil
}

func (f *fakeTradeService) RemoveLiquidity(_ context.Context, _ string, _ int, _ uint64) (uint64, uint64, string, error) {
	return 10, 10, "pos-2", nil
}

func (f *fakeTradeService) ListFills(_ context.Context, marketID string, _ domain.ListOpts) ([]domain.SwapFill, error) {
	var out []domain.SwapFill
	for _, fill := range f.fills {
		if fill.MarketID == marketID {
			out = append(out, fill)
		}
	}
	return out, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestMux(markets *fakeMarketService, trades *fakeTradeService) *http.ServeMux {
	mh := NewMarketHandler(markets, nil, testLogger())
	th := NewTradeHandler(trades, testLogger())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/markets", mh.ListMarkets)
	mux.HandleFunc("POST /api/markets", mh.CreateMarket)
	mux.HandleFunc("GET /api/markets/{id}", mh.GetMarket)
	mux.HandleFunc("POST /api/markets/{id}/resolve", mh.ResolveMarket)
	mux.HandleFunc("POST /api/markets/{id}/halt", mh.HaltMarket)
	mux.HandleFunc("GET /api/markets/{id}/prices", mh.GetPrices)
	mux.HandleFunc("GET /api/markets/{id}/snapshots", mh.ListSnapshots)
	mux.HandleFunc("POST /api/markets/{id}/sessions", th.OpenSession)
	mux.HandleFunc("POST /api/sessions/{id}/swaps", th.Swap)
	mux.HandleFunc("DELETE /api/sessions/{id}", th.CloseSession)
	mux.HandleFunc("POST /api/markets/{id}/spot", th.TradeSpot)
	mux.HandleFunc("GET /api/markets/{id}/fills", th.ListFills)
	return mux
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestCreateAndGetMarket(t *testing.T) {
	markets := newFakeMarketService()
	mux := newTestMux(markets, newFakeTradeService())

	rec := doJSON(t, mux, http.MethodPost, "/api/markets", map[string]any{
		"question": "Does the proposal pass?",
		"outcomes": []string{"reject", "accept"},
		"fee_bps":  30,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created domain.Market
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, 2, created.OutcomeCount)

	rec = doJSON(t, mux, http.MethodGet, "/api/markets/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, mux, http.MethodGet, "/api/markets/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResolveMarketConflictOnSecondCall(t *testing.T) {
	markets := newFakeMarketService()
	mux := newTestMux(markets, newFakeTradeService())

	rec := doJSON(t, mux, http.MethodPost, "/api/markets", map[string]any{
		"question": "q",
		"outcomes": []string{"a", "b"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var m domain.Market
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))

	rec = doJSON(t, mux, http.MethodPost, "/api/markets/"+m.ID+"/resolve", map[string]int{"winner": 1})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp resolveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Winner)
	require.NotNil(t, resp.Attestation)
	assert.Equal(t, m.ID, resp.Attestation.MarketID)

	rec = doJSON(t, mux, http.MethodPost, "/api/markets/"+m.ID+"/resolve", map[string]int{"winner": 1})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetPrices(t *testing.T) {
	markets := newFakeMarketService()
	mux := newTestMux(markets, newFakeTradeService())

	rec := doJSON(t, mux, http.MethodPost, "/api/markets", map[string]any{
		"question": "q",
		"outcomes": []string{"a", "b"},
	})
	var m domain.Market
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))

	rec = doJSON(t, mux, http.MethodGet, "/api/markets/"+m.ID+"/prices", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var prices pricesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &prices))
	assert.Len(t, prices.Conditional, 2)
	assert.NotZero(t, prices.Spot)
}

func TestSnapshotsUnavailableWithoutStore(t *testing.T) {
	mux := newTestMux(newFakeMarketService(), newFakeTradeService())

	rec := doJSON(t, mux, http.MethodGet, "/api/markets/any/snapshots", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionSwapAndClose(t *testing.T) {
	trades := newFakeTradeService()
	mux := newTestMux(newFakeMarketService(), trades)

	rec := doJSON(t, mux, http.MethodPost, "/api/markets/mkt-1/sessions", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var open map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &open))
	sessionID := open["session_id"]
	require.NotEmpty(t, sessionID)

	rec = doJSON(t, mux, http.MethodPost, "/api/sessions/"+sessionID+"/swaps", map[string]any{
		"outcome":   1,
		"direction": "stable_to_asset",
		"amount_in": 1000,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// Unknown direction is rejected before reaching the service.
	rec = doJSON(t, mux, http.MethodPost, "/api/sessions/"+sessionID+"/swaps", map[string]any{
		"outcome":   1,
		"direction": "sideways",
		"amount_in": 1000,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, mux, http.MethodDelete, "/api/sessions/"+sessionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, mux, http.MethodDelete, "/api/sessions/"+sessionID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSpotTradeAndFills(t *testing.T) {
	trades := newFakeTradeService()
	mux := newTestMux(newFakeMarketService(), trades)

	rec := doJSON(t, mux, http.MethodPost, "/api/markets/mkt-1/spot", map[string]any{
		"direction": "asset_to_stable",
		"amount_in": 500,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var fill domain.SwapFill
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fill))
	assert.Equal(t, amm.SpotOutcome, fill.Outcome)

	rec = doJSON(t, mux, http.MethodGet, "/api/markets/mkt-1/fills", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
