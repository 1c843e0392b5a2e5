package sqlite

import (
	"context"

	"github.com/italolelis/download_gatekeeper/internal/storage"
	"github.com/italolelis/download_gatekeeper/internal/telemetry"
)

// InstrumentedJournalRepository wraps a journal repository with tracing and
// db-operation metrics.
type InstrumentedJournalRepository struct {
	inner storage.JournalRepository
	tel   *telemetry.Telemetry
}

func NewInstrumentedJournalRepository(inner storage.JournalRepository, tel *telemetry.Telemetry) *InstrumentedJournalRepository {
	return &InstrumentedJournalRepository{inner: inner, tel: tel}
}

func (r *InstrumentedJournalRepository) AppendReport(ctx context.Context, rec storage.ReportRecord) error {
	return r.tel.InstrumentDBOperation(ctx, "append_report", func(ctx context.Context) error {
		return r.inner.AppendReport(ctx, rec)
	})
}

func (r *InstrumentedJournalRepository) ReportsByGUID(ctx context.Context, guid string) ([]storage.ReportRecord, error) {
	var reports []storage.ReportRecord

	err := r.tel.InstrumentDBOperation(ctx, "reports_by_guid", func(ctx context.Context) error {
		var err error
		reports, err = r.inner.ReportsByGUID(ctx, guid)

		return err
	})

	return reports, err
}

func (r *InstrumentedJournalRepository) RecentReports(ctx context.Context, limit int) ([]storage.ReportRecord, error) {
	var reports []storage.ReportRecord

	err := r.tel.InstrumentDBOperation(ctx, "recent_reports", func(ctx context.Context) error {
		var err error
		reports, err = r.inner.RecentReports(ctx, limit)

		return err
	})

	return reports, err
}
