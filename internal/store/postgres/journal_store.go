package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/futarchyfi/condamm/internal/domain"
)

// JournalStore implements domain.SwapJournalStore using PostgreSQL. Fills
// are append-only; old rows are pruned only after the archiver has copied
// them to blob storage.
type JournalStore struct {
	pool *pgxpool.Pool
}

// NewJournalStore creates a new JournalStore backed by the given pool.
func NewJournalStore(pool *pgxpool.Pool) *JournalStore {
	return &JournalStore{pool: pool}
}

const fillCols = `id, market_id, session_id, outcome, direction,
	amount_in, amount_out, fee_bps, feeless, price_nano, created_at`

const insertFillQuery = `
	INSERT INTO swap_fills (
		market_id, session_id, outcome, direction,
		amount_in, amount_out, fee_bps, feeless, price_nano, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

// InsertFill journals a single swap fill.
func (s *JournalStore) InsertFill(ctx context.Context, fill domain.SwapFill) error {
	_, err := s.pool.Exec(ctx, insertFillQuery,
		fill.MarketID, fill.SessionID, fill.Outcome, string(fill.Direction),
		fill.AmountIn, fill.AmountOut, int64(fill.FeeBps), fill.Feeless,
		fill.PriceNano, fill.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert fill %s: %w", fill.MarketID, err)
	}
	return nil
}

// InsertFillBatch journals multiple fills in a single batch.
func (s *JournalStore) InsertFillBatch(ctx context.Context, fills []domain.SwapFill) error {
	if len(fills) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, fill := range fills {
		batch.Queue(insertFillQuery,
			fill.MarketID, fill.SessionID, fill.Outcome, string(fill.Direction),
			fill.AmountIn, fill.AmountOut, int64(fill.FeeBps), fill.Feeless,
			fill.PriceNano, fill.CreatedAt,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range fills {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert fill batch item %d: %w", i, err)
		}
	}
	return nil
}

// InsertLiquidityChange journals one add or remove of pool liquidity.
func (s *JournalStore) InsertLiquidityChange(ctx context.Context, ch domain.LiquidityChange) error {
	const query = `
		INSERT INTO liquidity_changes (
			market_id, outcome, provider, lp_delta, asset_delta, stable_delta, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, query,
		ch.MarketID, ch.Outcome, ch.Provider,
		ch.LPDelta, ch.AssetDelta, ch.StableDelta, ch.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert liquidity change %s/%d: %w", ch.MarketID, ch.Outcome, err)
	}
	return nil
}

func scanFill(row pgx.Row) (domain.SwapFill, error) {
	var fill domain.SwapFill
	var direction string
	err := row.Scan(
		&fill.ID, &fill.MarketID, &fill.SessionID, &fill.Outcome, &direction,
		&fill.AmountIn, &fill.AmountOut, &fill.FeeBps, &fill.Feeless,
		&fill.PriceNano, &fill.CreatedAt,
	)
	if err != nil {
		return domain.SwapFill{}, err
	}
	fill.Direction = domain.SwapDirection(direction)
	return fill, nil
}

// ListFillsByMarket returns a market's fills, newest first.
func (s *JournalStore) ListFillsByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.SwapFill, error) {
	query := `SELECT ` + fillCols + ` FROM swap_fills WHERE market_id = $1`
	args := []any{marketID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills %s: %w", marketID, err)
	}
	defer rows.Close()

	var fills []domain.SwapFill
	for rows.Next() {
		fill, err := scanFill(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan fill: %w", err)
		}
		fills = append(fills, fill)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list fills rows: %w", err)
	}
	return fills, nil
}

// ListFillsBefore returns up to limit fills older than the cutoff, oldest
// first, for archival.
func (s *JournalStore) ListFillsBefore(ctx context.Context, before time.Time, limit int) ([]domain.SwapFill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+fillCols+` FROM swap_fills
		 WHERE created_at < $1
		 ORDER BY created_at ASC LIMIT $2`,
		before, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills before %s: %w", before.Format(time.RFC3339), err)
	}
	defer rows.Close()

	var fills []domain.SwapFill
	for rows.Next() {
		fill, err := scanFill(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan fill: %w", err)
		}
		fills = append(fills, fill)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list fills before rows: %w", err)
	}
	return fills, nil
}

// DeleteFillsBefore prunes fills older than the cutoff and reports how many
// rows were removed.
func (s *JournalStore) DeleteFillsBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM swap_fills WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete fills before %s: %w", before.Format(time.RFC3339), err)
	}
	return tag.RowsAffected(), nil
}
