package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/GoAlgoDesk/algodesk/internal/broker"
	"github.com/GoAlgoDesk/algodesk/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSandboxFillUpdatesPositionAndFunds(t *testing.T) {
	f := newFixture(t)
	sb := f.svc.Sandbox()
	ctx := context.Background()

	resp, err := sb.PlaceOrder(ctx, broker.OrderRequest{
		Symbol: "TCS", Exchange: "NSE", Side: "BUY", Quantity: 10, Product: "MIS",
	}, 3500)
	require.NoError(t, err)
	assert.Contains(t, resp.OrderID, "SB-")

	positions, err := sb.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 10, positions[0].Quantity)
	assert.InDelta(t, 3500.0, positions[0].AveragePrice, 0.001)

	funds, err := sb.Funds(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1000000-35000, funds.AvailableCash, 0.001)
	assert.InDelta(t, 35000, funds.UsedMargin, 0.001)
}

func TestSandboxAveragesAdds(t *testing.T) {
	f := newFixture(t)
	sb := f.svc.Sandbox()
	ctx := context.Background()

	_, err := sb.PlaceOrder(ctx, broker.OrderRequest{Symbol: "TCS", Exchange: "NSE", Side: "BUY", Quantity: 10, Product: "MIS"}, 100)
	require.NoError(t, err)
	_, err = sb.PlaceOrder(ctx, broker.OrderRequest{Symbol: "TCS", Exchange: "NSE", Side: "BUY", Quantity: 10, Product: "MIS"}, 200)
	require.NoError(t, err)

	positions, err := sb.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 20, positions[0].Quantity)
	assert.InDelta(t, 150.0, positions[0].AveragePrice, 0.001)
}

func TestSandboxRealizesOnReduce(t *testing.T) {
	f := newFixture(t)
	sb := f.svc.Sandbox()
	ctx := context.Background()

	_, err := sb.PlaceOrder(ctx, broker.OrderRequest{Symbol: "TCS", Exchange: "NSE", Side: "BUY", Quantity: 10, Product: "MIS"}, 100)
	require.NoError(t, err)
	_, err = sb.PlaceOrder(ctx, broker.OrderRequest{Symbol: "TCS", Exchange: "NSE", Side: "SELL", Quantity: 10, Product: "MIS"}, 120)
	require.NoError(t, err)

	positions, err := sb.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 0, positions[0].Quantity)

	// Bought 1000, sold 1200: cash is up the 200 profit.
	funds, err := sb.Funds(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1000200.0, funds.AvailableCash, 0.001)
	assert.InDelta(t, 0.0, funds.UsedMargin, 0.001)

	pnl, err := f.store.ListDailyPnL(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pnl, 1)
	assert.InDelta(t, 200.0, pnl[0].RealizedPnL, 0.001)
}

func TestSandboxCNCMirrorsHoldings(t *testing.T) {
	f := newFixture(t)
	sb := f.svc.Sandbox()
	ctx := context.Background()

	_, err := sb.PlaceOrder(ctx, broker.OrderRequest{Symbol: "INFY", Exchange: "NSE", Side: "BUY", Quantity: 5, Product: "CNC"}, 1500)
	require.NoError(t, err)

	holdings, err := sb.Holdings(ctx)
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.Equal(t, 5, holdings[0].Quantity)
	assert.InDelta(t, 1500.0, holdings[0].AveragePrice, 0.001)
}

func TestSandboxRejectsOrderWithoutPrice(t *testing.T) {
	f := newFixture(t)
	sb := f.svc.Sandbox()

	_, err := sb.PlaceOrder(context.Background(), broker.OrderRequest{
		Symbol: "TCS", Exchange: "NSE", Side: "BUY", Quantity: 10, Product: "MIS",
	}, 0)
	require.Error(t, err)
}

func TestSandboxReset(t *testing.T) {
	f := newFixture(t)
	sb := f.svc.Sandbox()
	ctx := context.Background()

	_, err := sb.PlaceOrder(ctx, broker.OrderRequest{Symbol: "TCS", Exchange: "NSE", Side: "BUY", Quantity: 10, Product: "MIS"}, 100)
	require.NoError(t, err)
	require.NoError(t, sb.Reset(ctx))

	orders, err := sb.OrderBook(ctx)
	require.NoError(t, err)
	assert.Empty(t, orders)

	positions, err := sb.Positions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)

	funds, err := sb.Funds(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1000000.0, funds.AvailableCash, 0.001)
}

func testSymbols(n int) []store.SymbolRecord {
	out := make([]store.SymbolRecord, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, store.SymbolRecord{
			Symbol:         fmt.Sprintf("SYM%04d", i),
			Token:          fmt.Sprintf("T%04d", i),
			Exchange:       "NSE",
			Name:           fmt.Sprintf("COMPANY %04d", i),
			LotSize:        1,
			TickSize:       0.05,
			InstrumentType: "EQ",
		})
	}
	return out
}

func TestSymbolIndexLookup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.ReplaceSymbols(ctx, testSymbols(1000)))
	idx := NewSymbolIndex()
	require.NoError(t, idx.Build(ctx, f.store))
	assert.Equal(t, 1000, idx.Size())

	r, ok := idx.Lookup("NSE", "SYM0500")
	require.True(t, ok)
	assert.Equal(t, "T0500", r.Token)

	_, ok = idx.Lookup("BSE", "SYM0500")
	assert.False(t, ok)
}
