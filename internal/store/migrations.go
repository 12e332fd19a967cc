package store

import (
	"fmt"

	"github.com/GoAlgoDesk/algodesk/internal/pkg/logger"
)

// A migration is a forward-only schema step. Re-running an applied
// version is a no-op; downgrades are unsupported.
type migration struct {
	version int
	name    string
	sql     string
}

// migrations is the ordered, append-only chain. New releases append;
// existing entries are frozen.
var migrations = []migration{
	{1, "users", createUsersTable},
	{2, "auth", createAuthTable},
	{3, "api_keys", createAPIKeysTable},
	{4, "symtoken", createSymtokenTable},
	{5, "strategies", createStrategiesTable},
	{6, "strategy_mappings", createStrategyMappingsTable},
	{7, "settings", createSettingsTable},
	{8, "traffic", createTrafficTables},
	{9, "latency_logs", createLatencyLogsTable},
	{10, "analyzer_logs", createAnalyzerLogsTable},
	{11, "sandbox", createSandboxTables},
	{12, "auth_separate_nonces", alterAuthSeparateNonces},
	{13, "server_config", addServerConfig},
	{14, "broker_credentials", createBrokerCredentialsTable},
}

// Migrate applies every pending migration, each inside its own
// transaction. The migrations table records the highest applied version.
func (s *Store) Migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	current, err := s.SchemaVersion()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		logger.Info("Running migration", "version", m.version, "name", m.name)
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
		if _, err := tx.Exec(`INSERT INTO migrations (version, name) VALUES (?, ?)`, m.version, m.name); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s) bookkeeping failed: %w", m.version, m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration version.
func (s *Store) SchemaVersion() (int, error) {
	var version int
	if err := s.db.Get(&version, `SELECT COALESCE(MAX(version), 0) FROM migrations`); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

const createUsersTable = `
CREATE TABLE users (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    username TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);`

// The original single-nonce shape. Version 12 splits the nonces; the two
// steps stay separate so existing installs replay history faithfully.
const createAuthTable = `
CREATE TABLE auth (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    broker_id TEXT NOT NULL UNIQUE,
    user_id INTEGER REFERENCES users(id),
    auth_token TEXT NOT NULL,
    feed_token TEXT,
    nonce TEXT NOT NULL,
    authenticated_at TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);`

const createAPIKeysTable = `
CREATE TABLE api_keys (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    key_hash TEXT NOT NULL,
    encrypted_key TEXT NOT NULL,
    encrypted_key_nonce TEXT NOT NULL,
    permissions TEXT NOT NULL DEFAULT 'read',
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    last_used_at TEXT
);`

const createSymtokenTable = `
CREATE TABLE symtoken (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    symbol TEXT NOT NULL,
    token TEXT NOT NULL,
    exchange TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    lot_size INTEGER NOT NULL DEFAULT 1,
    tick_size REAL NOT NULL DEFAULT 0.05,
    instrument_type TEXT NOT NULL DEFAULT 'EQ',
    expiry TEXT,
    strike REAL,
    option_type TEXT,
    UNIQUE(exchange, symbol)
);
CREATE INDEX idx_symtoken_exchange ON symtoken(exchange);
CREATE INDEX idx_symtoken_token ON symtoken(token);
CREATE INDEX idx_symtoken_symbol ON symtoken(symbol);`

const createStrategiesTable = `
CREATE TABLE strategies (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    webhook_id TEXT NOT NULL UNIQUE,
    platform TEXT NOT NULL DEFAULT 'tradingview',
    exchange TEXT NOT NULL,
    symbol TEXT NOT NULL,
    product TEXT NOT NULL DEFAULT 'MIS',
    quantity INTEGER NOT NULL DEFAULT 1,
    enabled INTEGER NOT NULL DEFAULT 1,
    deleted INTEGER NOT NULL DEFAULT 0,
    window_start TEXT,
    window_end TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);`

const createStrategyMappingsTable = `
CREATE TABLE strategy_symbol_mappings (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    strategy_id INTEGER NOT NULL REFERENCES strategies(id) ON DELETE CASCADE,
    exchange TEXT NOT NULL,
    symbol TEXT NOT NULL,
    quantity INTEGER NOT NULL DEFAULT 1,
    product TEXT NOT NULL DEFAULT 'MIS',
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);`

const createSettingsTable = `
CREATE TABLE settings (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    theme TEXT NOT NULL DEFAULT 'system',
    default_broker TEXT,
    default_exchange TEXT NOT NULL DEFAULT 'NSE',
    default_product TEXT NOT NULL DEFAULT 'MIS',
    order_confirm INTEGER NOT NULL DEFAULT 1,
    sound_enabled INTEGER NOT NULL DEFAULT 1,
    analyze_mode INTEGER NOT NULL DEFAULT 0,
    updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);
INSERT INTO settings (id) VALUES (1);`

const createTrafficTables = `
CREATE TABLE traffic_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp TEXT NOT NULL DEFAULT (datetime('now')),
    client_ip TEXT NOT NULL,
    method TEXT NOT NULL,
    path TEXT NOT NULL,
    status_code INTEGER NOT NULL,
    duration_ms REAL NOT NULL,
    host TEXT,
    error TEXT
);
CREATE INDEX idx_traffic_logs_ts ON traffic_logs(timestamp);

CREATE TABLE ip_bans (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    ip_address TEXT NOT NULL UNIQUE,
    ban_reason TEXT,
    strike_count INTEGER NOT NULL DEFAULT 1,
    banned_at TEXT NOT NULL DEFAULT (datetime('now')),
    expires_at TEXT,
    is_permanent INTEGER NOT NULL DEFAULT 0,
    created_by TEXT NOT NULL DEFAULT 'system'
);

CREATE TABLE error_404_tracker (
    ip_address TEXT PRIMARY KEY,
    error_count INTEGER NOT NULL DEFAULT 0,
    first_error_at TEXT NOT NULL DEFAULT (datetime('now')),
    last_error_at TEXT NOT NULL DEFAULT (datetime('now')),
    paths_attempted TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE invalid_api_key_tracker (
    ip_address TEXT PRIMARY KEY,
    attempt_count INTEGER NOT NULL DEFAULT 0,
    first_attempt_at TEXT NOT NULL DEFAULT (datetime('now')),
    last_attempt_at TEXT NOT NULL DEFAULT (datetime('now'))
);`

const createLatencyLogsTable = `
CREATE TABLE latency_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp TEXT NOT NULL DEFAULT (datetime('now')),
    order_id TEXT NOT NULL DEFAULT '',
    broker TEXT NOT NULL DEFAULT '',
    symbol TEXT NOT NULL DEFAULT '',
    operation TEXT NOT NULL,
    rtt_ms REAL NOT NULL DEFAULT 0,
    validation_ms REAL NOT NULL DEFAULT 0,
    broker_response_ms REAL NOT NULL DEFAULT 0,
    overhead_ms REAL NOT NULL DEFAULT 0,
    total_ms REAL NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'SUCCESS',
    error TEXT
);
CREATE INDEX idx_latency_logs_ts ON latency_logs(timestamp);`

const createAnalyzerLogsTable = `
CREATE TABLE analyzer_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    strategy_id INTEGER,
    operation TEXT NOT NULL,
    request_payload TEXT NOT NULL,
    decision TEXT NOT NULL,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);`

const createSandboxTables = `
CREATE TABLE sandbox_orders (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id TEXT NOT NULL UNIQUE,
    symbol TEXT NOT NULL,
    exchange TEXT NOT NULL,
    side TEXT NOT NULL,
    quantity INTEGER NOT NULL,
    price REAL NOT NULL,
    order_type TEXT NOT NULL,
    product TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    filled_quantity INTEGER NOT NULL DEFAULT 0,
    average_price REAL NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE sandbox_trades (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id TEXT NOT NULL,
    trade_id TEXT NOT NULL UNIQUE,
    symbol TEXT NOT NULL,
    exchange TEXT NOT NULL,
    side TEXT NOT NULL,
    quantity INTEGER NOT NULL,
    price REAL NOT NULL,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE sandbox_positions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    symbol TEXT NOT NULL,
    exchange TEXT NOT NULL,
    product TEXT NOT NULL,
    quantity INTEGER NOT NULL DEFAULT 0,
    average_price REAL NOT NULL DEFAULT 0,
    ltp REAL NOT NULL DEFAULT 0,
    pnl REAL NOT NULL DEFAULT 0,
    updated_at TEXT NOT NULL DEFAULT (datetime('now')),
    UNIQUE(exchange, symbol, product)
);

CREATE TABLE sandbox_holdings (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    symbol TEXT NOT NULL,
    exchange TEXT NOT NULL,
    quantity INTEGER NOT NULL,
    average_price REAL NOT NULL,
    ltp REAL NOT NULL DEFAULT 0,
    pnl REAL NOT NULL DEFAULT 0,
    updated_at TEXT NOT NULL DEFAULT (datetime('now')),
    UNIQUE(exchange, symbol)
);

CREATE TABLE sandbox_funds (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    available_cash REAL NOT NULL DEFAULT 1000000,
    used_margin REAL NOT NULL DEFAULT 0,
    total_value REAL NOT NULL DEFAULT 1000000,
    updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);
INSERT INTO sandbox_funds (id) VALUES (1);

CREATE TABLE sandbox_daily_pnl (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    date TEXT NOT NULL UNIQUE,
    realized_pnl REAL NOT NULL DEFAULT 0,
    unrealized_pnl REAL NOT NULL DEFAULT 0,
    total_pnl REAL NOT NULL DEFAULT 0,
    portfolio_value REAL NOT NULL DEFAULT 1000000
);`

// A single nonce shared by two ciphertexts under the same GCM key is
// catastrophic. Legacy rows cannot be re-encrypted (both plaintexts would
// be needed), so they are cleared and the operator re-authenticates.
const alterAuthSeparateNonces = `
DELETE FROM auth;
ALTER TABLE auth RENAME COLUMN nonce TO auth_token_nonce;
ALTER TABLE auth ADD COLUMN feed_token_nonce TEXT;`

const addServerConfig = `
ALTER TABLE settings ADD COLUMN auto_logout_enabled INTEGER NOT NULL DEFAULT 1;
ALTER TABLE settings ADD COLUMN auto_logout_hour INTEGER NOT NULL DEFAULT 3;
ALTER TABLE settings ADD COLUMN auto_logout_minute INTEGER NOT NULL DEFAULT 0;
ALTER TABLE settings ADD COLUMN auto_logout_warnings TEXT NOT NULL DEFAULT '[30, 15, 5, 1]';

ALTER TABLE settings ADD COLUMN webhook_enabled INTEGER NOT NULL DEFAULT 0;
ALTER TABLE settings ADD COLUMN webhook_host TEXT NOT NULL DEFAULT '127.0.0.1';
ALTER TABLE settings ADD COLUMN webhook_port INTEGER NOT NULL DEFAULT 5000;
ALTER TABLE settings ADD COLUMN webhook_public_url TEXT;
ALTER TABLE settings ADD COLUMN webhook_secret TEXT;`

const createBrokerCredentialsTable = `
CREATE TABLE broker_credentials (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    broker_id TEXT NOT NULL UNIQUE,
    api_key TEXT NOT NULL,
    api_key_nonce TEXT NOT NULL,
    api_secret TEXT,
    api_secret_nonce TEXT,
    client_id TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);`
