package report

import (
	"context"
	"fmt"

	"github.com/italolelis/download_gatekeeper/internal/storage"
)

// JournalReporter persists every event to the audit journal.
type JournalReporter struct {
	repo storage.JournalWriteRepository
}

func NewJournalReporter(repo storage.JournalWriteRepository) *JournalReporter {
	return &JournalReporter{repo: repo}
}

func (j *JournalReporter) Report(ctx context.Context, ev Event) error {
	if err := j.repo.AppendReport(ctx, storage.ReportRecord{
		DownloadID:  ev.DownloadID,
		GUID:        ev.GUID,
		Kind:        string(ev.Kind),
		DangerType:  string(ev.DangerType),
		Verdict:     string(ev.Verdict),
		Restriction: ev.Restriction,
		TargetPath:  ev.TargetPath,
		CreatedAt:   ev.At,
	}); err != nil {
		return fmt.Errorf("failed to journal %s event: %w", ev.Kind, err)
	}

	return nil
}
