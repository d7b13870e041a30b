package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MarketStore persists market metadata.
type MarketStore interface {
	Upsert(ctx context.Context, market Market) error
	GetByID(ctx context.Context, id string) (Market, error)
	ListActive(ctx context.Context, opts ListOpts) ([]Market, error)
	MarkResolved(ctx context.Context, id string, winner int, at time.Time) error
	Count(ctx context.Context) (int64, error)
}

// PoolSnapshotStore persists pool reserve/oracle snapshots.
type PoolSnapshotStore interface {
	Insert(ctx context.Context, snap PoolSnapshot) error
	InsertBatch(ctx context.Context, snaps []PoolSnapshot) error
	Latest(ctx context.Context, marketID string, outcome int) (PoolSnapshot, error)
	ListByMarket(ctx context.Context, marketID string, opts ListOpts) ([]PoolSnapshot, error)
}

// SwapJournalStore persists swap fills and liquidity changes.
type SwapJournalStore interface {
	InsertFill(ctx context.Context, fill SwapFill) error
	InsertFillBatch(ctx context.Context, fills []SwapFill) error
	InsertLiquidityChange(ctx context.Context, ch LiquidityChange) error
	ListFillsByMarket(ctx context.Context, marketID string, opts ListOpts) ([]SwapFill, error)
	ListFillsBefore(ctx context.Context, before time.Time, limit int) ([]SwapFill, error)
	DeleteFillsBefore(ctx context.Context, before time.Time) (int64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
