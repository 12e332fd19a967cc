package service

import (
	"context"
	"testing"

	"github.com/GoAlgoDesk/algodesk/internal/broker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSmartActionTable(t *testing.T) {
	cases := []struct {
		name     string
		current  int
		target   int
		action   string
		wantSide string
		wantQty  int
	}{
		{"flat to long", 0, 10, "BUY", "BUY", 10},
		{"add to long", 5, 10, "BUY", "BUY", 5},
		{"trim long", 10, 4, "BUY", "SELL", 6},
		{"already there", 10, 10, "BUY", "NONE", 0},
		{"flat to short", 0, 10, "SELL", "SELL", 10},
		{"add to short", -5, 10, "SELL", "SELL", 5},
		{"cover short", -10, 4, "SELL", "BUY", 6},
		{"long to short", 5, 5, "SELL", "SELL", 10},
		{"short to long", -5, 5, "BUY", "BUY", 10},
		{"flatten via zero target", 7, 0, "BUY", "SELL", 7},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			side, qty := smartAction(tc.current, tc.target, tc.action)
			assert.Equal(t, tc.wantSide, side)
			assert.Equal(t, tc.wantQty, qty)
		})
	}
}

func TestPlaceSmartOrderIssuesDelta(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.adapter.positions = []broker.Position{
		{Symbol: "RELIANCE", Exchange: "NSE", Product: "MIS", Quantity: 3},
	}

	result, err := f.svc.PlaceSmartOrder(context.Background(), SmartOrderRequest{
		Symbol: "RELIANCE", Exchange: "NSE", Action: "BUY", PositionSize: 10, Product: "MIS",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "BUY", result.ActionTaken)
	assert.Equal(t, 7, result.Quantity)

	placed := f.adapter.placed()
	require.Len(t, placed, 1)
	assert.Equal(t, 7, placed[0].Quantity)
}

func TestPlaceSmartOrderNoAction(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.adapter.positions = []broker.Position{
		{Symbol: "RELIANCE", Exchange: "NSE", Product: "MIS", Quantity: 10},
	}

	result, err := f.svc.PlaceSmartOrder(context.Background(), SmartOrderRequest{
		Symbol: "RELIANCE", Exchange: "NSE", Action: "BUY", PositionSize: 10, Product: "MIS",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "NONE", result.ActionTaken)
	assert.Empty(t, f.adapter.placed())
}

func TestSmartOrderTargetIsPerProduct(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	// CNC position must not net against an MIS target.
	f.adapter.positions = []broker.Position{
		{Symbol: "RELIANCE", Exchange: "NSE", Product: "CNC", Quantity: 50},
	}

	result, err := f.svc.PlaceSmartOrder(context.Background(), SmartOrderRequest{
		Symbol: "RELIANCE", Exchange: "NSE", Action: "BUY", PositionSize: 10, Product: "MIS",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "BUY", result.ActionTaken)
	assert.Equal(t, 10, result.Quantity)
}

func TestPlaceSplitOrderChunks(t *testing.T) {
	f := newFixture(t)
	f.login(t)

	result, err := f.svc.PlaceSplitOrder(context.Background(), SplitOrderRequest{
		Symbol: "RELIANCE", Exchange: "NSE", Action: "BUY", Quantity: 250, SplitSize: 100, Product: "MIS",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, result.NumOrders)
	assert.Len(t, result.OrderIDs, 3)
	assert.Empty(t, result.FailedOrders)

	placed := f.adapter.placed()
	require.Len(t, placed, 3)
	assert.Equal(t, 100, placed[0].Quantity)
	assert.Equal(t, 100, placed[1].Quantity)
	assert.Equal(t, 50, placed[2].Quantity)
}

func TestPlaceBasketOrderEmitsBatchEvents(t *testing.T) {
	f := newFixture(t)
	f.login(t)

	_, failed, err := f.svc.PlaceBasketOrder(context.Background(), []broker.OrderRequest{
		{Symbol: "RELIANCE", Exchange: "NSE", Side: "BUY", Quantity: 1, Product: "MIS"},
		{Symbol: "TCS", Exchange: "NSE", Side: "SELL", Quantity: 2, Product: "MIS"},
	})
	require.NoError(t, err)
	assert.Empty(t, failed)

	events := f.emitter.byName("order_event")
	require.Len(t, events, 2)
	first := events[0].payload.(OrderEvent)
	last := events[1].payload.(OrderEvent)
	assert.True(t, first.BatchOrder)
	assert.False(t, first.IsLastOrder)
	assert.True(t, last.BatchOrder)
	assert.True(t, last.IsLastOrder)
}
