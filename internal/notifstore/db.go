package notifstore

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const maxHistoryEntries = 500

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	id TEXT PRIMARY KEY,
	token TEXT NOT NULL,
	token_kind TEXT NOT NULL,
	registered_at TEXT NOT NULL,
	last_seen TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	event_type TEXT NOT NULL,
	session_id TEXT,
	session_name TEXT,
	preview TEXT NOT NULL,
	tier TEXT NOT NULL,
	acknowledged INTEGER NOT NULL DEFAULT 0
);
`

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open notification database: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY under the file-level
	// locking modernc.org/sqlite uses; the daemon serializes store access
	// through Store's own mutex anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("open notification database: migrate: %w", err)
	}
	return db, nil
}
