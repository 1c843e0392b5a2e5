package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a journal lookup matches nothing.
var ErrNotFound = errors.New("storage: not found")

// ReportRecord is one persisted admission event: a block, a bypass, an open,
// or a timeout cancellation. The journal is append-only and serves audit
// queries from the admin API.
type ReportRecord struct {
	ID          int64
	DownloadID  uint32
	GUID        string
	Kind        string
	DangerType  string
	Verdict     string
	Restriction string
	TargetPath  string
	CreatedAt   time.Time
}

// JournalWriteRepository appends admission events.
type JournalWriteRepository interface {
	AppendReport(ctx context.Context, rec ReportRecord) error
}

// JournalReadRepository serves audit queries.
type JournalReadRepository interface {
	ReportsByGUID(ctx context.Context, guid string) ([]ReportRecord, error)
	RecentReports(ctx context.Context, limit int) ([]ReportRecord, error)
}

// JournalRepository is the full journal contract.
type JournalRepository interface {
	JournalWriteRepository
	JournalReadRepository
}
