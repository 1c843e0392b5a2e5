package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/download_gatekeeper/internal/storage"
)

// JournalRepository persists admission events to SQLite.
type JournalRepository struct {
	db *sql.DB
}

func NewJournalRepository(dbConn *sql.DB) *JournalRepository {
	return &JournalRepository{db: dbConn}
}

// AppendReport inserts one admission event.
func (r *JournalRepository) AppendReport(ctx context.Context, rec storage.ReportRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO reports (download_id, guid, kind, danger_type, verdict, restriction, target_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.DownloadID, rec.GUID, rec.Kind, rec.DangerType, rec.Verdict, rec.Restriction, rec.TargetPath, createdAt.Format(time.RFC3339))

	return err
}

// ReportsByGUID returns every journaled event for one download.
func (r *JournalRepository) ReportsByGUID(ctx context.Context, guid string) ([]storage.ReportRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, download_id, guid, kind, danger_type, verdict, restriction, target_path, created_at
		FROM reports WHERE guid = ? ORDER BY id
	`, guid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanReports(rows)
}

// RecentReports returns the newest events across all downloads.
func (r *JournalRepository) RecentReports(ctx context.Context, limit int) ([]storage.ReportRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, download_id, guid, kind, danger_type, verdict, restriction, target_path, created_at
		FROM reports ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanReports(rows)
}

func scanReports(rows *sql.Rows) ([]storage.ReportRecord, error) {
	var reports []storage.ReportRecord

	for rows.Next() {
		var rec storage.ReportRecord

		var createdAt string

		var verdict sql.NullString

		if err := rows.Scan(&rec.ID, &rec.DownloadID, &rec.GUID, &rec.Kind,
			&rec.DangerType, &verdict, &rec.Restriction, &rec.TargetPath, &createdAt); err != nil {
			return nil, err
		}

		if verdict.Valid {
			rec.Verdict = verdict.String
		}

		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			rec.CreatedAt = t
		}

		reports = append(reports, rec)
	}

	return reports, rows.Err()
}
