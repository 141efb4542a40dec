package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// ArchiveReport counts the records one archive run moved to cold storage.
type ArchiveReport struct {
	StopLosses  int
	TakeProfits int
	Orders      int
	Skipped     []string // object keys that already existed
}

// Archiver moves closed records older than a cutoff to cold storage.
type Archiver interface {
	Archive(ctx context.Context, before time.Time) (ArchiveReport, error)
}
