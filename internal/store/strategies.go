package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
)

const strategyColumns = `
	id, name, webhook_id, platform, exchange, symbol, product, quantity,
	enabled, deleted, window_start, window_end, created_at, updated_at`

// CreateStrategy inserts a strategy and mints its webhook id.
func (s *Store) CreateStrategy(ctx context.Context, st *Strategy) error {
	if st.WebhookID == "" {
		st.WebhookID = uuid.New().String()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO strategies (name, webhook_id, platform, exchange, symbol, product, quantity, enabled, window_start, window_end)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.Name, st.WebhookID, st.Platform, st.Exchange, st.Symbol, st.Product,
		st.Quantity, st.Enabled, st.WindowStart, st.WindowEnd)
	if err != nil {
		return err
	}
	st.ID, err = res.LastInsertId()
	return err
}

// GetStrategyByWebhookID resolves the path parameter of an inbound
// webhook. Soft-deleted strategies are invisible here.
func (s *Store) GetStrategyByWebhookID(ctx context.Context, webhookID string) (*Strategy, error) {
	var st Strategy
	err := s.db.GetContext(ctx, &st, `
		SELECT `+strategyColumns+` FROM strategies
		WHERE webhook_id = ? AND deleted = 0`, webhookID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// GetStrategy fetches by primary key.
func (s *Store) GetStrategy(ctx context.Context, id int64) (*Strategy, error) {
	var st Strategy
	err := s.db.GetContext(ctx, &st, `
		SELECT `+strategyColumns+` FROM strategies
		WHERE id = ? AND deleted = 0`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// ListStrategies returns every live strategy.
func (s *Store) ListStrategies(ctx context.Context) ([]Strategy, error) {
	var out []Strategy
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+strategyColumns+` FROM strategies
		WHERE deleted = 0 ORDER BY created_at DESC`)
	return out, err
}

// UpdateStrategy rewrites the mutable fields.
func (s *Store) UpdateStrategy(ctx context.Context, st *Strategy) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE strategies SET
			name = ?, platform = ?, exchange = ?, symbol = ?, product = ?,
			quantity = ?, enabled = ?, window_start = ?, window_end = ?,
			updated_at = datetime('now')
		WHERE id = ?`,
		st.Name, st.Platform, st.Exchange, st.Symbol, st.Product,
		st.Quantity, st.Enabled, st.WindowStart, st.WindowEnd, st.ID)
	return err
}

// SetStrategyEnabled flips the enabled flag.
func (s *Store) SetStrategyEnabled(ctx context.Context, id int64, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE strategies SET enabled = ?, updated_at = datetime('now') WHERE id = ?`,
		enabled, id)
	return err
}

// DeleteStrategy soft-deletes; history referencing the id stays intact.
func (s *Store) DeleteStrategy(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE strategies SET deleted = 1, enabled = 0, updated_at = datetime('now') WHERE id = ?`, id)
	return err
}

// AddSymbolMapping attaches a per-leg override to a strategy.
func (s *Store) AddSymbolMapping(ctx context.Context, m *SymbolMapping) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO strategy_symbol_mappings (strategy_id, exchange, symbol, quantity, product)
		VALUES (?, ?, ?, ?, ?)`,
		m.StrategyID, m.Exchange, m.Symbol, m.Quantity, m.Product)
	if err != nil {
		return err
	}
	m.ID, err = res.LastInsertId()
	return err
}

// GetSymbolMapping finds the mapping of one symbol within a strategy.
func (s *Store) GetSymbolMapping(ctx context.Context, strategyID int64, symbol string) (*SymbolMapping, error) {
	var m SymbolMapping
	err := s.db.GetContext(ctx, &m, `
		SELECT id, strategy_id, exchange, symbol, quantity, product, created_at
		FROM strategy_symbol_mappings
		WHERE strategy_id = ? AND symbol = ?`, strategyID, symbol)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListSymbolMappings returns every leg of a strategy.
func (s *Store) ListSymbolMappings(ctx context.Context, strategyID int64) ([]SymbolMapping, error) {
	var out []SymbolMapping
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, strategy_id, exchange, symbol, quantity, product, created_at
		FROM strategy_symbol_mappings WHERE strategy_id = ?`, strategyID)
	return out, err
}

// DeleteSymbolMapping removes one leg.
func (s *Store) DeleteSymbolMapping(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM strategy_symbol_mappings WHERE id = ?`, id)
	return err
}
