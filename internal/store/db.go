package store

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // sqlite driver
)

// Store owns the bytes of the primary embedded database. All durable
// state except the keychain payload and the analytical store lives here.
// Access is by parameterized query only.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if absent) the primary store with WAL journaling
// and runs all pending migrations before returning. No caller may touch
// the database before Open returns.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open primary store: %w", err)
	}

	// sqlite serializes writers itself; a small pool keeps concurrent
	// readers cheap without stacking up lock contention.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(1 * time.Hour)

	s := &Store{db: db}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenInMemory opens a private in-memory store, used by tests.
func OpenInMemory() (*Store, error) {
	db, err := sqlx.Connect("sqlite3", "file::memory:?cache=shared&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	// A shared-cache :memory: database disappears when its last
	// connection closes; pin a single connection.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for the rare caller that needs raw access
// (tests corrupting rows on purpose).
func (s *Store) DB() *sqlx.DB {
	return s.db
}
