// Package history is the analytical time-series store. It is independent
// from the primary store: a columnar embedded database opened lazily on
// first use, holding OHLCV bars only.
package history

import (
	"context"
	"fmt"
	"sync"

	"github.com/GoAlgoDesk/algodesk/internal/pkg/logger"
	"github.com/jmoiron/sqlx"
	_ "github.com/marcboeker/go-duckdb" // duckdb driver
)

// Bar is one OHLCV candle.
type Bar struct {
	Timestamp string  `db:"timestamp" json:"timestamp"`
	Open      float64 `db:"open" json:"open"`
	High      float64 `db:"high" json:"high"`
	Low       float64 `db:"low" json:"low"`
	Close     float64 `db:"close" json:"close"`
	Volume    int64   `db:"volume" json:"volume"`
}

// Store wraps the analytical database. The zero-cost constructor defers
// opening the file until the first query so a user who never touches
// historical data pays nothing.
type Store struct {
	path string

	mu  sync.Mutex
	db  *sqlx.DB
	err error
}

func New(path string) *Store {
	return &Store{path: path}
}

func (s *Store) handle() (*sqlx.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil || s.err != nil {
		return s.db, s.err
	}
	db, err := sqlx.Connect("duckdb", s.path)
	if err != nil {
		s.err = fmt.Errorf("failed to open analytical store: %w", err)
		return nil, s.err
	}
	if err := migrate(db); err != nil {
		db.Close()
		s.err = err
		return nil, s.err
	}
	logger.Info("Analytical store opened", "path", s.path)
	s.db = db
	return s.db, nil
}

func migrate(db *sqlx.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS migrations (
			name VARCHAR PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return applyMigration(db, "001_market_data", `
		CREATE TABLE IF NOT EXISTS market_data (
			symbol VARCHAR NOT NULL,
			exchange VARCHAR NOT NULL,
			timeframe VARCHAR NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			open DOUBLE NOT NULL,
			high DOUBLE NOT NULL,
			low DOUBLE NOT NULL,
			close DOUBLE NOT NULL,
			volume BIGINT NOT NULL,
			PRIMARY KEY (symbol, exchange, timeframe, timestamp)
		)`)
}

func applyMigration(db *sqlx.DB, name, sql string) error {
	var applied bool
	if err := db.Get(&applied, `SELECT COUNT(*) > 0 FROM migrations WHERE name = ?`, name); err != nil {
		return err
	}
	if applied {
		return nil
	}
	if _, err := db.Exec(sql); err != nil {
		return fmt.Errorf("analytical migration %s failed: %w", name, err)
	}
	_, err := db.Exec(`INSERT INTO migrations (name) VALUES (?)`, name)
	return err
}

// Insert upserts a batch of bars for one series inside a transaction.
func (s *Store) Insert(ctx context.Context, symbol, exchange, timeframe string, bars []Bar) (int, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO market_data (symbol, exchange, timeframe, timestamp, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol, exchange, timeframe, timestamp) DO UPDATE SET
			open = excluded.open, high = excluded.high, low = excluded.low,
			close = excluded.close, volume = excluded.volume`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	for i := range bars {
		b := &bars[i]
		if _, err := stmt.ExecContext(ctx, symbol, exchange, timeframe,
			b.Timestamp, b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(bars), nil
}

// Query returns bars for a series inside [from, to], oldest first.
func (s *Store) Query(ctx context.Context, symbol, exchange, timeframe, from, to string) ([]Bar, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var out []Bar
	err = db.SelectContext(ctx, &out, `
		SELECT strftime(timestamp, '%Y-%m-%dT%H:%M:%S') AS timestamp, open, high, low, close, volume
		FROM market_data
		WHERE symbol = ? AND exchange = ? AND timeframe = ?
		  AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC`,
		symbol, exchange, timeframe, from, to)
	return out, err
}

// Close shuts the analytical database if it was ever opened.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
