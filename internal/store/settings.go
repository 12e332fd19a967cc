package store

import (
	"context"
	"encoding/json"
)

type settingsRow struct {
	Theme              string  `db:"theme"`
	DefaultBroker      *string `db:"default_broker"`
	DefaultExchange    string  `db:"default_exchange"`
	DefaultProduct     string  `db:"default_product"`
	OrderConfirm       bool    `db:"order_confirm"`
	SoundEnabled       bool    `db:"sound_enabled"`
	AnalyzeMode        bool    `db:"analyze_mode"`
	AutoLogoutEnabled  bool    `db:"auto_logout_enabled"`
	AutoLogoutHour     int     `db:"auto_logout_hour"`
	AutoLogoutMinute   int     `db:"auto_logout_minute"`
	AutoLogoutWarnings string  `db:"auto_logout_warnings"`
	WebhookEnabled     bool    `db:"webhook_enabled"`
	WebhookHost        string  `db:"webhook_host"`
	WebhookPort        int     `db:"webhook_port"`
	WebhookPublicURL   *string `db:"webhook_public_url"`
	WebhookSecret      *string `db:"webhook_secret"`
}

// GetSettings reads the singleton row.
func (s *Store) GetSettings(ctx context.Context) (*Settings, error) {
	var row settingsRow
	if err := s.db.GetContext(ctx, &row, `
		SELECT theme, default_broker, default_exchange, default_product,
		       order_confirm, sound_enabled, analyze_mode,
		       auto_logout_enabled, auto_logout_hour, auto_logout_minute, auto_logout_warnings,
		       webhook_enabled, webhook_host, webhook_port, webhook_public_url, webhook_secret
		FROM settings WHERE id = 1`); err != nil {
		return nil, err
	}

	var warnings []int
	if err := json.Unmarshal([]byte(row.AutoLogoutWarnings), &warnings); err != nil {
		warnings = []int{30, 15, 5, 1}
	}

	return &Settings{
		Theme:           row.Theme,
		DefaultBroker:   row.DefaultBroker,
		DefaultExchange: row.DefaultExchange,
		DefaultProduct:  row.DefaultProduct,
		OrderConfirm:    row.OrderConfirm,
		SoundEnabled:    row.SoundEnabled,
		AnalyzeMode:     row.AnalyzeMode,
		AutoLogout: AutoLogoutConfig{
			Enabled:  row.AutoLogoutEnabled,
			Hour:     row.AutoLogoutHour,
			Minute:   row.AutoLogoutMinute,
			Warnings: warnings,
		},
		WebhookServer: WebhookServerConfig{
			Enabled:   row.WebhookEnabled,
			Host:      row.WebhookHost,
			Port:      row.WebhookPort,
			PublicURL: row.WebhookPublicURL,
			Secret:    row.WebhookSecret,
		},
	}, nil
}

// UpdateSettings rewrites the singleton row.
func (s *Store) UpdateSettings(ctx context.Context, cfg *Settings) error {
	warnings, err := json.Marshal(cfg.AutoLogout.Warnings)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE settings SET
			theme = ?, default_broker = ?, default_exchange = ?, default_product = ?,
			order_confirm = ?, sound_enabled = ?, analyze_mode = ?,
			auto_logout_enabled = ?, auto_logout_hour = ?, auto_logout_minute = ?, auto_logout_warnings = ?,
			webhook_enabled = ?, webhook_host = ?, webhook_port = ?, webhook_public_url = ?, webhook_secret = ?,
			updated_at = datetime('now')
		WHERE id = 1`,
		cfg.Theme, cfg.DefaultBroker, cfg.DefaultExchange, cfg.DefaultProduct,
		cfg.OrderConfirm, cfg.SoundEnabled, cfg.AnalyzeMode,
		cfg.AutoLogout.Enabled, cfg.AutoLogout.Hour, cfg.AutoLogout.Minute, string(warnings),
		cfg.WebhookServer.Enabled, cfg.WebhookServer.Host, cfg.WebhookServer.Port,
		cfg.WebhookServer.PublicURL, cfg.WebhookServer.Secret)
	return err
}

// GetAnalyzeMode reads only the analyzer flag.
func (s *Store) GetAnalyzeMode(ctx context.Context) (bool, error) {
	var on bool
	err := s.db.GetContext(ctx, &on, `SELECT analyze_mode FROM settings WHERE id = 1`)
	return on, err
}

// SetAnalyzeMode flips the analyzer flag.
func (s *Store) SetAnalyzeMode(ctx context.Context, on bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE settings SET analyze_mode = ?, updated_at = datetime('now') WHERE id = 1`, on)
	return err
}
