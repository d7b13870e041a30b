package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/futarchyfi/condamm/internal/domain"
)

// ArchiveService periodically moves aged swap fills from the journal to cold
// storage.
type ArchiveService struct {
	archiver  domain.Archiver
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
}

// NewArchiveService creates an ArchiveService. retentionDays is how long
// fills stay in the hot journal before archival.
func NewArchiveService(archiver domain.Archiver, retentionDays int, interval time.Duration, logger *slog.Logger) *ArchiveService {
	if logger == nil {
		logger = slog.Default()
	}
	if retentionDays < 1 {
		retentionDays = 90
	}
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &ArchiveService{
		archiver:  archiver,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		interval:  interval,
		logger:    logger.With(slog.String("component", "archive_service")),
	}
}

// Run archives on a fixed interval until the context is cancelled. One pass
// runs immediately on start so restarts never postpone overdue archival.
func (s *ArchiveService) Run(ctx context.Context) error {
	s.archiveOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.archiveOnce(ctx)
		}
	}
}

func (s *ArchiveService) archiveOnce(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.retention)

	count, err := s.archiver.ArchiveFills(ctx, cutoff)
	if err != nil {
		s.logger.ErrorContext(ctx, "archive fills failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if count > 0 {
		s.logger.InfoContext(ctx, "archived fills",
			slog.Int64("count", count),
			slog.String("before", cutoff.Format(time.RFC3339)),
		)
	}
}
