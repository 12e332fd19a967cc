package store

import (
	"context"
	"database/sql"
	"errors"
)

// ReplaceSymbols swaps the whole symbol master inside one transaction.
// Master refreshes arrive as a complete download, so a wipe-and-load
// keeps the table consistent with the broker snapshot.
func (s *Store) ReplaceSymbols(ctx context.Context, records []SymbolRecord) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM symtoken`); err != nil {
		return err
	}

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO symtoken (symbol, token, exchange, name, lot_size, tick_size, instrument_type, expiry, strike, option_type)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(exchange, symbol) DO UPDATE SET
			token = excluded.token, name = excluded.name,
			lot_size = excluded.lot_size, tick_size = excluded.tick_size,
			instrument_type = excluded.instrument_type,
			expiry = excluded.expiry, strike = excluded.strike,
			option_type = excluded.option_type`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range records {
		r := &records[i]
		if _, err := stmt.ExecContext(ctx, r.Symbol, r.Token, r.Exchange, r.Name,
			r.LotSize, r.TickSize, r.InstrumentType, r.Expiry, r.Strike, r.OptionType); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetSymbol looks one instrument up by its natural key.
func (s *Store) GetSymbol(ctx context.Context, exchange, symbol string) (*SymbolRecord, error) {
	var r SymbolRecord
	err := s.db.GetContext(ctx, &r, `
		SELECT id, symbol, token, exchange, name, lot_size, tick_size, instrument_type, expiry, strike, option_type
		FROM symtoken WHERE exchange = ? AND symbol = ?`, exchange, symbol)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// SearchSymbols matches by symbol or name prefix/substring.
func (s *Store) SearchSymbols(ctx context.Context, query, exchange string, limit int) ([]SymbolRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	like := "%" + query + "%"
	var out []SymbolRecord
	var err error
	if exchange != "" {
		err = s.db.SelectContext(ctx, &out, `
			SELECT id, symbol, token, exchange, name, lot_size, tick_size, instrument_type, expiry, strike, option_type
			FROM symtoken
			WHERE exchange = ? AND (symbol LIKE ? OR name LIKE ?)
			ORDER BY symbol LIMIT ?`, exchange, like, like, limit)
	} else {
		err = s.db.SelectContext(ctx, &out, `
			SELECT id, symbol, token, exchange, name, lot_size, tick_size, instrument_type, expiry, strike, option_type
			FROM symtoken
			WHERE symbol LIKE ? OR name LIKE ?
			ORDER BY symbol LIMIT ?`, like, like, limit)
	}
	return out, err
}

// AllSymbols streams the whole master for index builds.
func (s *Store) AllSymbols(ctx context.Context) ([]SymbolRecord, error) {
	var out []SymbolRecord
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, symbol, token, exchange, name, lot_size, tick_size, instrument_type, expiry, strike, option_type
		FROM symtoken`)
	return out, err
}

// ListExpiries returns distinct expiry dates for an underlying.
func (s *Store) ListExpiries(ctx context.Context, exchange, underlying string) ([]string, error) {
	var out []string
	err := s.db.SelectContext(ctx, &out, `
		SELECT DISTINCT expiry FROM symtoken
		WHERE exchange = ? AND name = ? AND expiry IS NOT NULL
		ORDER BY expiry`, exchange, underlying)
	return out, err
}

// CountSymbols reports the size of the loaded master.
func (s *Store) CountSymbols(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM symtoken`)
	return n, err
}
