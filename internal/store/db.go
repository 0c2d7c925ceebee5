// Package store provides the durable coordination stores backed by SQLite.
//
// Each store lives in its own directory under the project state dir
// (sessions/, mail/, metrics/, merge-queue/) so observers can open a single
// store read-only without touching the others. The embedded driver needs no
// cgo; cross-process writers are serialized through WAL plus a busy timeout.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// openDB opens (creating if needed) a SQLite database at path and applies
// the schema. The parent directory is created with owner-only permissions.
func openDB(path, schema string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema for %s: %w", path, err)
	}
	return db, nil
}

// openReadOnly opens an existing database without write access. Used by the
// dashboard fetcher.
func openReadOnly(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening %s read-only: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging %s: %w", path, err)
	}
	return db, nil
}

// OpenSessionStoreReadOnly opens the session store without write access.
func OpenSessionStoreReadOnly(stateDir string) (*SessionStore, error) {
	db, err := openReadOnly(filepath.Join(stateDir, "sessions", "sessions.db"))
	if err != nil {
		return nil, err
	}
	return &SessionStore{db: db}, nil
}

// OpenMailStoreReadOnly opens the mail store without write access.
func OpenMailStoreReadOnly(stateDir string) (*MailStore, error) {
	db, err := openReadOnly(filepath.Join(stateDir, "mail", "mail.db"))
	if err != nil {
		return nil, err
	}
	return &MailStore{db: db}, nil
}

// OpenMergeQueueStoreReadOnly opens the merge queue without write access.
func OpenMergeQueueStoreReadOnly(stateDir string) (*MergeQueueStore, error) {
	db, err := openReadOnly(filepath.Join(stateDir, "merge-queue", "merge-queue.db"))
	if err != nil {
		return nil, err
	}
	return &MergeQueueStore{db: db}, nil
}
