package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/futarchyfi/condamm/internal/domain"
)

// SnapshotStore implements domain.PoolSnapshotStore using PostgreSQL.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

// NewSnapshotStore creates a new SnapshotStore backed by the given pool.
func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

const snapshotCols = `market_id, outcome, asset_reserve, stable_reserve,
	lp_supply, spot_price, twap, observed_at`

const insertSnapshotQuery = `
	INSERT INTO pool_snapshots (
		market_id, outcome, asset_reserve, stable_reserve,
		lp_supply, spot_price, twap, observed_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

// Insert stores a single pool snapshot.
func (s *SnapshotStore) Insert(ctx context.Context, snap domain.PoolSnapshot) error {
	_, err := s.pool.Exec(ctx, insertSnapshotQuery,
		snap.MarketID, snap.Outcome, snap.AssetReserve, snap.StableReserve,
		snap.LPSupply, snap.SpotPrice, snap.TWAP, snap.ObservedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert snapshot %s/%d: %w", snap.MarketID, snap.Outcome, err)
	}
	return nil
}

// InsertBatch stores multiple snapshots in a single batch.
func (s *SnapshotStore) InsertBatch(ctx context.Context, snaps []domain.PoolSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, snap := range snaps {
		batch.Queue(insertSnapshotQuery,
			snap.MarketID, snap.Outcome, snap.AssetReserve, snap.StableReserve,
			snap.LPSupply, snap.SpotPrice, snap.TWAP, snap.ObservedAt,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range snaps {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert snapshot batch item %d: %w", i, err)
		}
	}
	return nil
}

func scanSnapshot(row pgx.Row) (domain.PoolSnapshot, error) {
	var snap domain.PoolSnapshot
	err := row.Scan(
		&snap.MarketID, &snap.Outcome, &snap.AssetReserve, &snap.StableReserve,
		&snap.LPSupply, &snap.SpotPrice, &snap.TWAP, &snap.ObservedAt,
	)
	return snap, err
}

// Latest returns the most recent snapshot for one pool.
func (s *SnapshotStore) Latest(ctx context.Context, marketID string, outcome int) (domain.PoolSnapshot, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+snapshotCols+` FROM pool_snapshots
		 WHERE market_id = $1 AND outcome = $2
		 ORDER BY observed_at DESC LIMIT 1`,
		marketID, outcome)
	snap, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PoolSnapshot{}, domain.ErrNotFound
		}
		return domain.PoolSnapshot{}, fmt.Errorf("postgres: latest snapshot %s/%d: %w", marketID, outcome, err)
	}
	return snap, nil
}

// ListByMarket returns a market's snapshots, newest first.
func (s *SnapshotStore) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.PoolSnapshot, error) {
	query := `SELECT ` + snapshotCols + ` FROM pool_snapshots WHERE market_id = $1`
	args := []any{marketID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND observed_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND observed_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY observed_at DESC"

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
		return nil, fmt.Errorf("postgres: list snapshots %s: %w", marketID, err)
	}
	defer rows.Close()

	var snaps []domain.PoolSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list snapshots rows: %w", err)
	}
	return snaps, nil
}
