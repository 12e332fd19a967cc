// Package stream drives the broker market-data stream: it owns the
// reconnect loop and the subscription set, consumes ticks from the
// active adapter's stream and fans them out as IPC events. Parsing the
// broker's binary frames is the adapter's problem; by the time data
// reaches this package it is the uniform Tick.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/GoAlgoDesk/algodesk/internal/broker"
	"github.com/GoAlgoDesk/algodesk/internal/pkg/logger"
)

const (
	reconnBaseDelay = 1 * time.Second
	reconnMaxDelay  = 30 * time.Second
)

// Emitter pushes stream events to the IPC surface.
type Emitter interface {
	Emit(event string, payload any)
}

// SessionSource resolves the active broker session for each connection
// attempt, so a re-login mid-stream picks up the fresh feed token.
type SessionSource func(ctx context.Context) (adapter broker.Adapter, feedToken string, err error)

// Manager is the stream consumer daemon.
type Manager struct {
	source  SessionSource
	emitter Emitter

	mu       sync.Mutex
	subs     map[broker.SymbolRef]struct{}
	resub    chan struct{}
	running  bool
	cancel   context.CancelFunc
	lastTick map[broker.SymbolRef]broker.Tick
}

func NewManager(source SessionSource, emitter Emitter) *Manager {
	return &Manager{
		source:   source,
		emitter:  emitter,
		subs:     make(map[broker.SymbolRef]struct{}),
		resub:    make(chan struct{}, 1),
		lastTick: make(map[broker.SymbolRef]broker.Tick),
	}
}

// Subscribe adds instruments to the stream. An active connection is
// recycled so the new set takes effect.
func (m *Manager) Subscribe(refs []broker.SymbolRef) {
	m.mu.Lock()
	changed := false
	for _, ref := range refs {
		if _, ok := m.subs[ref]; !ok {
			m.subs[ref] = struct{}{}
			changed = true
		}
	}
	m.mu.Unlock()
	if changed {
		m.kick()
	}
}

// Unsubscribe drops instruments from the stream.
func (m *Manager) Unsubscribe(refs []broker.SymbolRef) {
	m.mu.Lock()
	for _, ref := range refs {
		delete(m.subs, ref)
		delete(m.lastTick, ref)
	}
	m.mu.Unlock()
	m.kick()
}

// LastTick returns the freshest tick seen for an instrument.
func (m *Manager) LastTick(ref broker.SymbolRef) (broker.Tick, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tick, ok := m.lastTick[ref]
	return tick, ok
}

func (m *Manager) kick() {
	select {
	case m.resub <- struct{}{}:
	default:
	}
}

// Start launches the connection loop.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.mu.Unlock()
	go m.runLoop(runCtx)
}

// Stop cancels the loop; the adapter's stream closes with the context.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (m *Manager) snapshot() []broker.SymbolRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]broker.SymbolRef, 0, len(m.subs))
	for ref := range m.subs {
		out = append(out, ref)
	}
	return out
}

// runLoop connects, consumes, and reconnects with exponential backoff.
func (m *Manager) runLoop(ctx context.Context) {
	delay := reconnBaseDelay
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// The snapshot below already reflects any pending subscription
		// change, so a kick left over from it must not recycle the new
		// connection.
		select {
		case <-m.resub:
		default:
		}
		refs := m.snapshot()
		if len(refs) == 0 {
			// Nothing to stream; wait for a subscription.
			select {
			case <-ctx.Done():
				return
			case <-m.resub:
				continue
			}
		}

		adapter, feedToken, err := m.source(ctx)
		if err != nil {
			m.emitter.Emit("websocket_error", map[string]string{"error": err.Error()})
			if !m.backoff(ctx, &delay) {
				return
			}
			continue
		}

		connCtx, cancelConn := context.WithCancel(ctx)
		ticks, err := adapter.OpenMarketStream(connCtx, feedToken, refs)
		if err != nil {
			cancelConn()
			logger.Error("Market stream failed to open", "broker", adapter.ID(), "error", err)
			m.emitter.Emit("websocket_error", map[string]string{"error": err.Error()})
			if !m.backoff(ctx, &delay) {
				return
			}
			continue
		}

		delay = reconnBaseDelay
		m.emitter.Emit("websocket_connected", map[string]string{"broker": adapter.ID()})
		logger.Info("Market stream connected", "broker", adapter.ID(), "instruments", len(refs))

		m.consume(ctx, cancelConn, ticks)

		m.emitter.Emit("websocket_disconnected", map[string]string{"broker": adapter.ID()})
		if ctx.Err() != nil {
			return
		}
	}
}

// consume drains ticks until the stream closes or the subscription set
// changes (which recycles the connection).
func (m *Manager) consume(ctx context.Context, cancelConn context.CancelFunc, ticks <-chan broker.Tick) {
	defer cancelConn()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.resub:
			return
		case tick, ok := <-ticks:
			if !ok {
				return
			}
			ref := broker.SymbolRef{Exchange: tick.Exchange, Symbol: tick.Symbol}
			m.mu.Lock()
			m.lastTick[ref] = tick
			m.mu.Unlock()
			m.emitter.Emit("market_tick", tick)
		}
	}
}

func (m *Manager) backoff(ctx context.Context, delay *time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(*delay):
	}
	*delay *= 2
	if *delay > reconnMaxDelay {
		*delay = reconnMaxDelay
	}
	return true
}
