package ipc

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"testing"
	"time"

	"github.com/GoAlgoDesk/algodesk/internal/broker"
	"github.com/GoAlgoDesk/algodesk/internal/custodian"
	"github.com/GoAlgoDesk/algodesk/internal/identity"
	"github.com/GoAlgoDesk/algodesk/internal/service"
	"github.com/GoAlgoDesk/algodesk/internal/store"
	"github.com/GoAlgoDesk/algodesk/internal/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *Hub) {
	t.Helper()
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	key := make([]byte, 32)
	pepper := make([]byte, 32)
	_, err = rand.Read(key)
	require.NoError(t, err)
	_, err = rand.Read(pepper)
	require.NoError(t, err)
	v, err := vault.NewWithSecrets(key, pepper)
	require.NoError(t, err)
	t.Cleanup(v.Close)

	hub := NewHub()
	t.Cleanup(hub.Close)

	cust := custodian.New(st, v)
	registry := broker.NewRegistry()
	svc := service.New(st, nil, cust, registry, service.NewSymbolIndex(),
		service.NewSandbox(st, 1000000), hub, 0, 0)
	id := identity.NewManager(st, v)
	return NewDispatcher(id, svc, st, v, nil), hub
}

func params(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestHubFanOut(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	ch1, cancel1 := hub.Subscribe()
	ch2, cancel2 := hub.Subscribe()
	defer cancel1()
	defer cancel2()

	hub.Emit("market_tick", map[string]any{"symbol": "RELIANCE"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			assert.Equal(t, "market_tick", e.Name)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestHubDropsOldestWhenSlow(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	ch, cancel := hub.Subscribe()
	defer cancel()

	for i := 0; i < 200; i++ {
		hub.Emit("market_tick", i)
	}

	// The subscriber kept the freshest events, not the first ones.
	var last int
	for {
		select {
		case e := <-ch:
			last = e.Payload.(int)
			continue
		default:
		}
		break
	}
	assert.Equal(t, 199, last)
}

func TestHubUnsubscribeIsIdempotentSafe(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	_, cancel := hub.Subscribe()
	cancel()
	cancel()
	hub.Emit("market_tick", 1)
}

func TestDispatchSetupLoginFlow(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	resp := d.Dispatch(ctx, Request{ID: "1", Command: "setup",
		Params: params(t, map[string]string{"username": "alice", "password": "password1"})})
	require.Equal(t, "success", resp.Status)

	resp = d.Dispatch(ctx, Request{ID: "2", Command: "login",
		Params: params(t, map[string]string{"username": "alice", "password": "password1"})})
	require.Equal(t, "success", resp.Status)

	resp = d.Dispatch(ctx, Request{ID: "3", Command: "check_session"})
	require.Equal(t, "success", resp.Status)
	state := resp.Data.(map[string]any)["state"]
	assert.Equal(t, identity.StateAuthenticated, state)
}

func TestDispatchUnknownCommand(t *testing.T) {
	d, _ := newTestDispatcher(t)

	resp := d.Dispatch(context.Background(), Request{ID: "1", Command: "no_such_command"})
	require.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
}

func TestDispatchCarriesErrorCodes(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	// No broker session: the discriminated error names the condition.
	resp := d.Dispatch(ctx, Request{ID: "1", Command: "funds"})
	require.Equal(t, "error", resp.Status)
	assert.Equal(t, "NO_ACTIVE_BROKER", resp.Error.Code)

	// Malformed params.
	resp = d.Dispatch(ctx, Request{ID: "2", Command: "place_order",
		Params: json.RawMessage(`{"symbol":`)})
	require.Equal(t, "error", resp.Status)
	assert.Equal(t, "PAYLOAD_INVALID", resp.Error.Code)
}

func TestDispatchStrategyLifecycle(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	resp := d.Dispatch(ctx, Request{ID: "1", Command: "create_strategy",
		Params: params(t, map[string]any{
			"name": "ema-cross", "exchange": "NSE", "symbol": "RELIANCE",
			"product": "MIS", "quantity": 1, "enabled": true,
		})})
	require.Equal(t, "success", resp.Status)
	created := resp.Data.(store.Strategy)
	assert.NotEmpty(t, created.WebhookID)

	resp = d.Dispatch(ctx, Request{ID: "2", Command: "list_strategies"})
	require.Equal(t, "success", resp.Status)
	assert.Len(t, resp.Data.([]store.Strategy), 1)

	resp = d.Dispatch(ctx, Request{ID: "3", Command: "delete_strategy",
		Params: params(t, map[string]int64{"id": created.ID})})
	require.Equal(t, "success", resp.Status)
}

func TestDispatchSettingsUpdateTriggersReschedule(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	called := make(chan struct{}, 1)
	d.scheduler = rescheduleFunc(func() { called <- struct{}{} })

	resp := d.Dispatch(ctx, Request{ID: "1", Command: "get_settings"})
	require.Equal(t, "success", resp.Status)
	settings := resp.Data.(*store.Settings)
	settings.AutoLogout.Hour = 4

	resp = d.Dispatch(ctx, Request{ID: "2", Command: "update_settings", Params: params(t, settings)})
	require.Equal(t, "success", resp.Status)

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("settings update did not reschedule the auto-logout daemon")
	}
}

type rescheduleFunc func()

func (f rescheduleFunc) Reschedule() { f() }

func TestDispatchAPIKeyLifecycle(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	resp := d.Dispatch(ctx, Request{ID: "1", Command: "create_api_key",
		Params: params(t, map[string]string{"name": "desktop"})})
	require.Equal(t, "success", resp.Status)
	key := resp.Data.(map[string]any)["api_key"].(string)
	assert.Len(t, key, 64)

	resp = d.Dispatch(ctx, Request{ID: "2", Command: "list_api_keys"})
	require.Equal(t, "success", resp.Status)
	listed := resp.Data.([]map[string]any)
	require.Len(t, listed, 1)
	assert.Contains(t, listed[0]["key_masked"], "...")
}
