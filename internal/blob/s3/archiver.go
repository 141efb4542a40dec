package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// batchLimit caps the records of one kind archived per run. The remainder
// goes out with the next run.
const batchLimit = 10000

// ArchiveImpl implements domain.Archiver. Each kind is written to
// archive/{kind}/{date}.jsonl and the local rows are deleted only after the
// upload succeeded. A key that already exists is left alone along with its
// rows, so nothing is deleted that was not uploaded by this run.
type ArchiveImpl struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	store  domain.ArchiveStore
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewArchiver creates an ArchiveImpl. audit may be nil.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, store domain.ArchiveStore, audit domain.AuditStore, logger *slog.Logger) *ArchiveImpl {
	return &ArchiveImpl{
		writer: writer,
		reader: reader,
		store:  store,
		audit:  audit,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// Archive moves terminal stop losses, terminal take profits and closed
// orders last updated before the cutoff.
func (a *ArchiveImpl) Archive(ctx context.Context, before time.Time) (domain.ArchiveReport, error) {
	var report domain.ArchiveReport
	date := before.UTC().Format("2006-01-02")

	stops, err := a.store.TerminalStopLosses(ctx, before, batchLimit)
	if err != nil {
		return report, fmt.Errorf("s3blob: list stop losses: %w", err)
	}
	n, err := archiveKind(ctx, a, "stop_losses", date, stops,
		func(r domain.StopLossRule) string { return r.ID }, a.store.DeleteStopLosses, &report)
	report.StopLosses = n
	if err != nil {
		return report, err
	}

	tps, err := a.store.TerminalTakeProfits(ctx, before, batchLimit)
	if err != nil {
		return report, fmt.Errorf("s3blob: list take profits: %w", err)
	}
	n, err = archiveKind(ctx, a, "take_profits", date, tps,
		func(r domain.TakeProfitRule) string { return r.ID }, a.store.DeleteTakeProfits, &report)
	report.TakeProfits = n
	if err != nil {
		return report, err
	}

	orders, err := a.store.ClosedOrders(ctx, before, batchLimit)
	if err != nil {
		return report, fmt.Errorf("s3blob: list orders: %w", err)
	}
	n, err = archiveKind(ctx, a, "orders", date, orders,
		func(o domain.Order) string { return o.ID }, a.store.DeleteOrders, &report)
	report.Orders = n
	return report, err
}

func archiveKind[T any](
	ctx context.Context,
	a *ArchiveImpl,
	kind, date string,
	records []T,
	id func(T) string,
	purge func(context.Context, []string) error,
	report *domain.ArchiveReport,
) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	path := archivePath(kind, date)

	exists, err := a.reader.Exists(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s: %w", kind, err)
	}
	if exists {
		a.logger.WarnContext(ctx, "archive object exists, skipping",
			slog.String("path", path),
			slog.Int("pending", len(records)),
		)
		report.Skipped = append(report.Skipped, path)
		return 0, nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}

	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = id(r)
	}
	if err := purge(ctx, ids); err != nil {
		return len(records), fmt.Errorf("s3blob: archive %s delete local rows: %w", kind, err)
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
			"path":  path,
			"count": len(records),
		}); err != nil {
			a.logger.WarnContext(ctx, "archive audit failed", slog.String("error", err.Error()))
		}
	}
	a.logger.InfoContext(ctx, "archived",
		slog.String("kind", kind),
		slog.String("path", path),
		slog.Int("count", len(records)),
	)
	return len(records), nil
}

// archivePath builds the object key for one kind and day:
//
//	archive/stop_losses/2025-01-31.jsonl
func archivePath(kind, date string) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, date)
}

// marshalJSONL encodes records as newline-delimited JSON.
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

var _ domain.Archiver = (*ArchiveImpl)(nil)
