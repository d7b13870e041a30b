package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/futarchyfi/condamm/internal/domain"
)

// ArchiveImpl implements domain.Archiver. Aged swap fills are serialized to
// JSONL and uploaded before being deleted from the primary store; resolved
// markets get a settlement report combining market metadata with the final
// pool snapshots.
type ArchiveImpl struct {
	writer    domain.BlobWriter
	journal   domain.SwapJournalStore
	markets   domain.MarketStore
	snapshots domain.PoolSnapshotStore
	audit     domain.AuditStore

	// batchSize bounds how many fills are pulled per round trip.
	batchSize int
}

// NewArchiver creates a new ArchiveImpl. batchSize bounds each journal query;
// values below 1 fall back to 5000.
func NewArchiver(
	writer domain.BlobWriter,
	journal domain.SwapJournalStore,
	markets domain.MarketStore,
	snapshots domain.PoolSnapshotStore,
	audit domain.AuditStore,
	batchSize int,
) *ArchiveImpl {
	if batchSize < 1 {
		batchSize = 5_000
	}
	return &ArchiveImpl{
		writer:    writer,
		journal:   journal,
		markets:   markets,
		snapshots: snapshots,
		audit:     audit,
		batchSize: batchSize,
	}
}

// ArchiveFills uploads all swap fills recorded strictly before the cutoff to
// S3 at archive/fills/YYYY-MM.jsonl, then deletes them from the journal. The
// upload happens first so a failed delete leaves the data in both places
// rather than neither. Returns the number of fills archived.
func (a *ArchiveImpl) ArchiveFills(ctx context.Context, before time.Time) (int64, error) {
	var all []domain.SwapFill
	for {
		batch, err := a.journal.ListFillsBefore(ctx, before, a.batchSize)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive fills query: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		all = append(all, batch...)
		if len(batch) < a.batchSize {
			break
		}
		// Advance the cursor past the last row seen.
		before = batch[len(batch)-1].CreatedAt
	}
	if len(all) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(all)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive fills marshal: %w", err)
	}

	cutoff := all[len(all)-1].CreatedAt
	path := archivePath("fills", cutoff)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive fills upload: %w", err)
	}

	deleted, err := a.journal.DeleteFillsBefore(ctx, cutoff.Add(time.Millisecond))
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive fills delete: %w", err)
	}

	if err := a.audit.Log(ctx, "archive.fills", map[string]any{
		"path":    path,
		"count":   len(all),
		"deleted": deleted,
		"before":  cutoff.Format(time.RFC3339),
	}); err != nil {
		return int64(len(all)), fmt.Errorf("s3blob: archive fills audit log: %w", err)
	}

	return int64(len(all)), nil
}

// settlementReport is the JSON document uploaded for a resolved market.
type settlementReport struct {
	Market      domain.Market         `json:"market"`
	Snapshots   []domain.PoolSnapshot `json:"snapshots"`
	GeneratedAt time.Time             `json:"generated_at"`
}

// ArchiveSettlement writes a settlement report for a resolved market to
// settlements/{marketID}.json and returns the object path. It fails with
// domain.ErrNotResolved when the market has no winner yet.
func (a *ArchiveImpl) ArchiveSettlement(ctx context.Context, marketID string) (string, error) {
	market, err := a.markets.GetByID(ctx, marketID)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive settlement market: %w", err)
	}
	if market.Winner == nil {
		return "", fmt.Errorf("s3blob: archive settlement %s: %w", marketID, domain.ErrNotResolved)
	}

	snaps, err := a.snapshots.ListByMarket(ctx, marketID, domain.ListOpts{Limit: len(market.Outcomes) + 1})
	if err != nil {
		return "", fmt.Errorf("s3blob: archive settlement snapshots: %w", err)
	}

	report := settlementReport{
		Market:      market,
		Snapshots:   snaps,
		GeneratedAt: time.Now().UTC(),
	}

	body, err := json.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive settlement marshal: %w", err)
	}

	path := fmt.Sprintf("settlements/%s.json", marketID)
	if err := a.writer.Put(ctx, path, bytes.NewReader(body), "application/json"); err != nil {
		return "", fmt.Errorf("s3blob: archive settlement upload: %w", err)
	}

	if err := a.audit.Log(ctx, "archive.settlement", map[string]any{
		"path":      path,
		"market_id": marketID,
	}); err != nil {
		return path, fmt.Errorf("s3blob: archive settlement audit log: %w", err)
	}

	return path, nil
}

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/fills/2025-01.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// Compile-time interface check.
var _ domain.Archiver = (*ArchiveImpl)(nil)
