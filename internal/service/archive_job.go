package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// ArchiveJob periodically moves closed records older than the retention
// window to cold storage.
type ArchiveJob struct {
	archiver   domain.Archiver
	retainDays int
	interval   time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewArchiveJob creates an ArchiveJob. Defaults: 30 days retention, daily runs.
func NewArchiveJob(archiver domain.Archiver, retainDays int, interval time.Duration, logger *slog.Logger) *ArchiveJob {
	if retainDays <= 0 {
		retainDays = 30
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &ArchiveJob{
		archiver:   archiver,
		retainDays: retainDays,
		interval:   interval,
		logger:     logger.With(slog.String("component", "archive_job")),
		now:        time.Now,
	}
}

// RunOnce archives everything closed before the retention cutoff.
func (j *ArchiveJob) RunOnce(ctx context.Context) (domain.ArchiveReport, error) {
	cutoff := j.now().UTC().AddDate(0, 0, -j.retainDays)
	j.logger.InfoContext(ctx, "starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retain_days", j.retainDays),
	)
	report, err := j.archiver.Archive(ctx, cutoff)
	if err != nil {
		return report, fmt.Errorf("archive: before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	j.logger.InfoContext(ctx, "archive run complete",
		slog.Int("stop_losses", report.StopLosses),
		slog.Int("take_profits", report.TakeProfits),
		slog.Int("orders", report.Orders),
		slog.Int("skipped", len(report.Skipped)),
	)
	return report, nil
}

// Run archives every interval until ctx is done.
func (j *ArchiveJob) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil {
				j.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}
