package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/GoAlgoDesk/algodesk/internal/broker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedAdapter struct {
	broker.Adapter
	mu    sync.Mutex
	ticks chan broker.Tick
	opens int
}

func (s *scriptedAdapter) ID() string   { return "fyers" }
func (s *scriptedAdapter) Name() string { return "Fyers" }

func (s *scriptedAdapter) OpenMarketStream(ctx context.Context, feedToken string, symbols []broker.SymbolRef) (<-chan broker.Tick, error) {
	s.mu.Lock()
	s.opens++
	ticks := s.ticks
	s.mu.Unlock()
	out := make(chan broker.Tick)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case tick, ok := <-ticks:
				if !ok {
					return
				}
				select {
				case out <- tick:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

type chanEmitter struct {
	ch chan struct {
		name    string
		payload any
	}
}

func newChanEmitter() *chanEmitter {
	return &chanEmitter{ch: make(chan struct {
		name    string
		payload any
	}, 64)}
}

func (c *chanEmitter) Emit(name string, payload any) {
	c.ch <- struct {
		name    string
		payload any
	}{name, payload}
}

func (c *chanEmitter) next(t *testing.T) (string, any) {
	t.Helper()
	select {
	case e := <-c.ch:
		return e.name, e.payload
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
		return "", nil
	}
}

func TestStreamEmitsTicksAndLifecycleEvents(t *testing.T) {
	adapter := &scriptedAdapter{ticks: make(chan broker.Tick, 8)}
	emitter := newChanEmitter()

	mgr := NewManager(func(ctx context.Context) (broker.Adapter, string, error) {
		return adapter, "FEED", nil
	}, emitter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.Start(ctx)
	defer mgr.Stop()

	ref := broker.SymbolRef{Exchange: "NSE", Symbol: "RELIANCE"}
	mgr.Subscribe([]broker.SymbolRef{ref})

	name, _ := emitter.next(t)
	require.Equal(t, "websocket_connected", name)

	adapter.ticks <- broker.Tick{Symbol: "RELIANCE", Exchange: "NSE", LTP: 2500}
	name, payload := emitter.next(t)
	require.Equal(t, "market_tick", name)
	tick := payload.(broker.Tick)
	assert.Equal(t, 2500.0, tick.LTP)

	got, ok := mgr.LastTick(ref)
	require.True(t, ok)
	assert.Equal(t, 2500.0, got.LTP)
}

func TestStreamRecyclesOnResubscribe(t *testing.T) {
	adapter := &scriptedAdapter{ticks: make(chan broker.Tick)}
	emitter := newChanEmitter()

	mgr := NewManager(func(ctx context.Context) (broker.Adapter, string, error) {
		return adapter, "FEED", nil
	}, emitter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.Start(ctx)
	defer mgr.Stop()

	mgr.Subscribe([]broker.SymbolRef{{Exchange: "NSE", Symbol: "RELIANCE"}})
	name, _ := emitter.next(t)
	require.Equal(t, "websocket_connected", name)

	// A new subscription recycles the connection.
	mgr.Subscribe([]broker.SymbolRef{{Exchange: "NSE", Symbol: "TCS"}})

	name, _ = emitter.next(t)
	require.Equal(t, "websocket_disconnected", name)
	name, _ = emitter.next(t)
	require.Equal(t, "websocket_connected", name)

	adapter.mu.Lock()
	assert.Equal(t, 2, adapter.opens)
	adapter.mu.Unlock()
}

func TestStreamStops(t *testing.T) {
	adapter := &scriptedAdapter{ticks: make(chan broker.Tick)}
	emitter := newChanEmitter()

	mgr := NewManager(func(ctx context.Context) (broker.Adapter, string, error) {
		return adapter, "FEED", nil
	}, emitter)

	ctx := context.Background()
	mgr.Start(ctx)
	mgr.Subscribe([]broker.SymbolRef{{Exchange: "NSE", Symbol: "RELIANCE"}})

	name, _ := emitter.next(t)
	require.Equal(t, "websocket_connected", name)

	mgr.Stop()
	name, _ = emitter.next(t)
	assert.Equal(t, "websocket_disconnected", name)
}
