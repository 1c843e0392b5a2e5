package sqlite

import (
	"database/sql"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite journal and creates the reports table if it
// doesn't exist.
func InitDB(dbFile string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbFile)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS reports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		download_id INTEGER,
		guid TEXT,
		kind TEXT,
		danger_type TEXT,
		verdict TEXT,
		restriction TEXT,
		target_path TEXT,
		created_at DATETIME
	)`)

	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_reports_guid ON reports(guid)`)
	if err != nil {
		return nil, err
	}

	return db, nil
}
