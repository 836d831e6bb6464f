package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database at path and creates the downloads table if it doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// a single connection keeps :memory: databases coherent and serializes writers
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS downloads (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uri TEXT NOT NULL,
		path TEXT NOT NULL DEFAULT '',
		size INTEGER NOT NULL DEFAULT -1,
		downloaded INTEGER NOT NULL DEFAULT 0,
		paused BOOLEAN NOT NULL DEFAULT 0,
		complete BOOLEAN NOT NULL DEFAULT 0,
		insecure BOOLEAN NOT NULL DEFAULT 0,
		created_at TEXT
	)`)
	if err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create downloads table: %w", err)
	}

	return db, nil
}
