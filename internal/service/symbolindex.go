package service

import (
	"context"
	"sync/atomic"

	"github.com/GoAlgoDesk/algodesk/internal/pkg/logger"
	"github.com/GoAlgoDesk/algodesk/internal/store"
)

// SymbolIndex is the in-memory lookup over the symbol master. The map is
// immutable once published; a master refresh builds a fresh map and
// swaps it in whole, so readers never see a partial rebuild.
type SymbolIndex struct {
	current atomic.Value // map[string]store.SymbolRecord
}

func NewSymbolIndex() *SymbolIndex {
	idx := &SymbolIndex{}
	idx.current.Store(map[string]store.SymbolRecord{})
	return idx
}

func indexKey(exchange, symbol string) string {
	return exchange + ":" + symbol
}

// Build loads the whole master from the store and publishes it.
func (idx *SymbolIndex) Build(ctx context.Context, st *store.Store) error {
	records, err := st.AllSymbols(ctx)
	if err != nil {
		return err
	}
	next := make(map[string]store.SymbolRecord, len(records))
	for _, r := range records {
		next[indexKey(r.Exchange, r.Symbol)] = r
	}
	idx.current.Store(next)
	logger.Info("Symbol index rebuilt", "instruments", len(next))
	return nil
}

// Lookup resolves (exchange, symbol) in O(1) average.
func (idx *SymbolIndex) Lookup(exchange, symbol string) (store.SymbolRecord, bool) {
	m := idx.current.Load().(map[string]store.SymbolRecord)
	r, ok := m[indexKey(exchange, symbol)]
	return r, ok
}

// Size reports the number of indexed instruments.
func (idx *SymbolIndex) Size() int {
	return len(idx.current.Load().(map[string]store.SymbolRecord))
}
