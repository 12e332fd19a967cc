package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateStrategyMintsWebhookID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st := &Strategy{
		Name:     "ema-cross",
		Platform: "tradingview",
		Exchange: "NSE",
		Symbol:   "RELIANCE",
		Product:  "MIS",
		Quantity: 1,
		Enabled:  true,
	}
	require.NoError(t, s.CreateStrategy(ctx, st))
	assert.Positive(t, st.ID)

	// webhook id is UUID-shaped
	_, err := uuid.Parse(st.WebhookID)
	assert.NoError(t, err)
}

func TestGetStrategyByWebhookID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st := &Strategy{Name: "s1", Exchange: "NSE", Symbol: "TCS", Product: "MIS", Quantity: 5, Enabled: true}
	require.NoError(t, s.CreateStrategy(ctx, st))

	got, err := s.GetStrategyByWebhookID(ctx, st.WebhookID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "TCS", got.Symbol)

	missing, err := s.GetStrategyByWebhookID(ctx, uuid.New().String())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSoftDeleteHidesStrategy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st := &Strategy{Name: "s1", Exchange: "NSE", Symbol: "TCS", Product: "MIS", Quantity: 1, Enabled: true}
	require.NoError(t, s.CreateStrategy(ctx, st))
	require.NoError(t, s.DeleteStrategy(ctx, st.ID))

	got, err := s.GetStrategyByWebhookID(ctx, st.WebhookID)
	require.NoError(t, err)
	assert.Nil(t, got)

	list, err := s.ListStrategies(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	// The row itself survives for history.
	var rows int
	require.NoError(t, s.db.Get(&rows, `SELECT COUNT(*) FROM strategies`))
	assert.Equal(t, 1, rows)
}

func TestSymbolMappings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st := &Strategy{Name: "multi", Exchange: "NSE", Symbol: "RELIANCE", Product: "MIS", Quantity: 1, Enabled: true}
	require.NoError(t, s.CreateStrategy(ctx, st))

	m := &SymbolMapping{StrategyID: st.ID, Exchange: "NSE", Symbol: "INFY", Quantity: 3, Product: "CNC"}
	require.NoError(t, s.AddSymbolMapping(ctx, m))

	got, err := s.GetSymbolMapping(ctx, st.ID, "INFY")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 3, got.Quantity)
	assert.Equal(t, "CNC", got.Product)

	none, err := s.GetSymbolMapping(ctx, st.ID, "WIPRO")
	require.NoError(t, err)
	assert.Nil(t, none)

	all, err := s.ListSymbolMappings(ctx, st.ID)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSymbolMasterReplaceAndLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	records := []SymbolRecord{
		{Symbol: "RELIANCE", Token: "2885", Exchange: "NSE", Name: "RELIANCE INDUSTRIES", LotSize: 1, TickSize: 0.05, InstrumentType: "EQ"},
		{Symbol: "TCS", Token: "11536", Exchange: "NSE", Name: "TATA CONSULTANCY", LotSize: 1, TickSize: 0.05, InstrumentType: "EQ"},
	}
	require.NoError(t, s.ReplaceSymbols(ctx, records))

	n, err := s.CountSymbols(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	r, err := s.GetSymbol(ctx, "NSE", "RELIANCE")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "2885", r.Token)

	// Replace swaps the whole master.
	require.NoError(t, s.ReplaceSymbols(ctx, records[:1]))
	n, err = s.CountSymbols(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	found, err := s.SearchSymbols(ctx, "RELI", "NSE", 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "RELIANCE", found[0].Symbol)
}
