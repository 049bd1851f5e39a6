// Package store persists session records, the package manifest, and the
// single-tab advisory lock table on sqlite, plus the package tar blob
// cache and quarantine directory on the filesystem beneath it. Uses the
// modernc.org/sqlite driver with WAL mode, an embed.FS migrations
// bootstrap, and a schema_migrations bookkeeping table.
//
// Session-delta durability relies on sqlite's own
// transaction atomicity rather than the write-temp-then-rename dance —
// sqlite already gives atomic commits, so a second rename layer
// underneath it would be redundant. The write-temp-then-rename
// discipline is kept for the *package tar* cache, which is large,
// infrequently written, and deliberately bypasses sqlite (see
// package.go).
package store

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/ehrlich-b/rvhost/internal/herr"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the sqlite handle and the data directory package blobs
// and quarantined deltas live under.
type Store struct {
	db *sql.DB
	dataDir string
}

// Open opens (creating if absent) the sqlite database at dsn and
// prepares dataDir's blob subdirectories.
func Open(dsn, dataDir string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, herr.NewStorageError("open", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, herr.NewStorageError("wal", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, herr.NewStorageError("foreign_keys", err)
	}
	s := &Store{db: db, dataDir: dataDir}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, herr.NewStorageError("migrate", err)
	}
	if err := s.ensureDirs(); err != nil {
		db.Close()
		return nil, herr.NewStorageError("ensure dirs", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}
