package store

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultRetention is how long finished requests stay in the ledger.
const DefaultRetention = 30 * 24 * time.Hour

// Store is the daemon's local ledger: which requests already reached a
// terminal state, plus a small per-job event log.
type Store struct {
	db        *sql.DB
	now       func() time.Time
	retention time.Duration
}

// Open opens the ledger at file, creating it owner-only, and drops rows older
// than the retention window. ":memory:" gives a private in-memory ledger.
// `wb status` reads the file while the daemon writes it, so writers wait on a
// busy lock instead of failing.
func Open(file string) (*Store, error) {
	if file != ":memory:" {
		f, err := os.OpenFile(file, os.O_RDWR|os.O_CREATE, 0600)
		if err != nil {
			return nil, fmt.Errorf("create db: %w", err)
		}
		f.Close()
	}
	db, err := sql.Open("sqlite", file)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection: sqlite has a single writer, and ":memory:" is per connection.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{db: db, now: time.Now, retention: DefaultRetention}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if _, err := s.PruneExpired(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// PruneExpired drops ledger and log rows older than the retention window.
func (s *Store) PruneExpired() (int64, error) {
	return s.Prune(s.now().Add(-s.retention))
}

// migrate applies the embedded migrations newer than the database's
// user_version, one transaction each. Files are numbered from 001.
func (s *Store) migrate() error {
	version, err := s.schemaVersion()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	for _, e := range entries {
		var n int
		if _, err := fmt.Sscanf(e.Name(), "%03d_", &n); err != nil || !strings.HasSuffix(e.Name(), ".sql") {
			return fmt.Errorf("bad migration name %q", e.Name())
		}
		if n <= version {
			continue
		}
		body, err := migrationsFS.ReadFile(path.Join("migrations", e.Name()))
		if err != nil {
			return err
		}
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(string(body)); err != nil {
			tx.Rollback()
			return fmt.Errorf("%s: %w", e.Name(), err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", n)); err != nil {
			tx.Rollback()
			return fmt.Errorf("%s: %w", e.Name(), err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%s: %w", e.Name(), err)
		}
		version = n
	}
	return nil
}

func (s *Store) schemaVersion() (int, error) {
	var v int
	err := s.db.QueryRow("PRAGMA user_version").Scan(&v)
	return v, err
}
