package ipc

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/GoAlgoDesk/algodesk/internal/broker"
	"github.com/GoAlgoDesk/algodesk/internal/custodian"
	"github.com/GoAlgoDesk/algodesk/internal/history"
	"github.com/GoAlgoDesk/algodesk/internal/identity"
	"github.com/GoAlgoDesk/algodesk/internal/pkg/apperrors"
	"github.com/GoAlgoDesk/algodesk/internal/service"
	"github.com/GoAlgoDesk/algodesk/internal/store"
)

// Request is one typed command from the UI.
type Request struct {
	ID      string          `json:"id"`
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// ErrorBody is the discriminated error carried in a Response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response answers one Request.
type Response struct {
	ID     string     `json:"id"`
	Status string     `json:"status"` // success | error
	Data   any        `json:"data,omitempty"`
	Error  *ErrorBody `json:"error,omitempty"`
}

// Reschedulable is the scheduler slice the surface pokes after settings
// changes.
type Reschedulable interface {
	Reschedule()
}

// TickStream is the market-stream slice driven by subscribe commands.
type TickStream interface {
	Subscribe(refs []broker.SymbolRef)
	Unsubscribe(refs []broker.SymbolRef)
	LastTick(ref broker.SymbolRef) (broker.Tick, bool)
}

// Dispatcher maps command names to handlers over the services layer.
type Dispatcher struct {
	identity  *identity.Manager
	services  *service.Services
	store     *store.Store
	cipher    store.Cipher
	scheduler Reschedulable
	stream    TickStream
	handlers  map[string]func(ctx context.Context, params json.RawMessage) (any, error)
}

// AttachStream plugs the market-stream manager in after construction;
// the daemon is built later in the wiring order.
func (d *Dispatcher) AttachStream(s TickStream) {
	d.stream = s
}

func NewDispatcher(id *identity.Manager, svc *service.Services, st *store.Store, cipher store.Cipher, sched Reschedulable) *Dispatcher {
	d := &Dispatcher{identity: id, services: svc, store: st, cipher: cipher, scheduler: sched}
	d.register()
	return d
}

// Dispatch runs one command and shapes the response. Unknown commands
// and handler failures both come back as discriminated errors.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Response {
	handler, ok := d.handlers[req.Command]
	if !ok {
		return errorResponse(req.ID, apperrors.New(apperrors.ErrNotFound, "unknown command: "+req.Command, nil))
	}
	data, err := handler(ctx, req.Params)
	// A handler that returns apperrors.Wrap(nil) hands back a nil
	// *AppError inside a non-nil error interface; that is a success.
	if appErr, ok := err.(*apperrors.AppError); ok && appErr == nil {
		err = nil
	}
	if err != nil {
		return errorResponse(req.ID, err)
	}
	return Response{ID: req.ID, Status: "success", Data: data}
}

func errorResponse(id string, err error) Response {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.Wrap(err)
	}
	return Response{
		ID:     id,
		Status: "error",
		Error:  &ErrorBody{Code: string(appErr.Type), Message: appErr.Message},
	}
}

// Commands lists the registered command names.
func (d *Dispatcher) Commands() []string {
	out := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		out = append(out, name)
	}
	return out
}

func decode[T any](params json.RawMessage) (T, error) {
	var v T
	if len(params) == 0 {
		return v, apperrors.NewPayloadInvalid("missing parameters")
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return v, apperrors.NewPayloadInvalid("malformed parameters: " + err.Error())
	}
	return v, nil
}

func (d *Dispatcher) register() {
	d.handlers = map[string]func(ctx context.Context, params json.RawMessage) (any, error){}

	// Identity
	d.handlers["setup"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		p, err := decode[struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}](params)
		if err != nil {
			return nil, err
		}
		if err := d.identity.Setup(ctx, p.Username, p.Password); err != nil {
			return nil, err
		}
		return map[string]string{"username": p.Username}, nil
	}
	d.handlers["login"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		p, err := decode[struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}](params)
		if err != nil {
			return nil, err
		}
		return d.identity.Login(ctx, p.Username, p.Password)
	}
	d.handlers["logout"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		d.identity.Logout()
		return map[string]bool{"logged_out": true}, nil
	}
	d.handlers["check_session"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		state, session, err := d.identity.CheckSession(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"state": state, "session": session}, nil
	}

	// Broker session
	d.handlers["broker_login"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		p, err := decode[struct {
			BrokerID    string             `json:"broker_id"`
			Credentials broker.Credentials `json:"credentials"`
		}](params)
		if err != nil {
			return nil, err
		}
		if d.identity.Current() == nil {
			return nil, apperrors.New(apperrors.ErrNotAuthenticated, "log in before connecting a broker", nil)
		}
		return d.services.BrokerLogin(ctx, p.BrokerID, p.Credentials)
	}
	d.handlers["broker_logout"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		if err := d.services.BrokerLogout(ctx); err != nil {
			return nil, err
		}
		return map[string]bool{"revoked": true}, nil
	}
	d.handlers["active_broker"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		id, ok := d.services.Custodian().ActiveBroker()
		return map[string]any{"broker_id": id, "connected": ok}, nil
	}
	d.handlers["list_brokers"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		return d.services.Registry().IDs(), nil
	}
	d.handlers["save_broker_credential"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		p, err := decode[struct {
			BrokerID  string  `json:"broker_id"`
			APIKey    string  `json:"api_key"`
			APISecret *string `json:"api_secret"`
			ClientID  *string `json:"client_id"`
		}](params)
		if err != nil {
			return nil, err
		}
		err = d.services.Custodian().SaveCredential(ctx, custodian.Credential{
			BrokerID: p.BrokerID, APIKey: p.APIKey, APISecret: p.APISecret, ClientID: p.ClientID,
		})
		if err != nil {
			return nil, err
		}
		return map[string]bool{"saved": true}, nil
	}
	d.handlers["delete_broker_credential"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		p, err := decode[struct {
			BrokerID string `json:"broker_id"`
		}](params)
		if err != nil {
			return nil, err
		}
		if err := d.services.Custodian().DeleteCredential(ctx, p.BrokerID); err != nil {
			return nil, err
		}
		return map[string]bool{"deleted": true}, nil
	}

	// Orders
	d.handlers["place_order"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		p, err := decode[broker.OrderRequest](params)
		if err != nil {
			return nil, err
		}
		return d.services.PlaceOrder(ctx, p, nil)
	}
	d.handlers["place_smart_order"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		p, err := decode[service.SmartOrderRequest](params)
		if err != nil {
			return nil, err
		}
		return d.services.PlaceSmartOrder(ctx, p, nil)
	}
	d.handlers["place_split_order"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		p, err := decode[service.SplitOrderRequest](params)
		if err != nil {
			return nil, err
		}
		return d.services.PlaceSplitOrder(ctx, p)
	}
	d.handlers["place_basket_order"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		p, err := decode[struct {
			Orders []broker.OrderRequest `json:"orders"`
		}](params)
		if err != nil {
			return nil, err
		}
		placed, failed, err := d.services.PlaceBasketOrder(ctx, p.Orders)
		if err != nil {
			return nil, err
		}
		return map[string]any{"placed": placed, "failed": failed}, nil
	}
	d.handlers["modify_order"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		p, err := decode[struct {
			OrderID string                    `json:"order_id"`
			Changes broker.ModifyOrderRequest `json:"changes"`
		}](params)
		if err != nil {
			return nil, err
		}
		return d.services.ModifyOrder(ctx, p.OrderID, p.Changes)
	}
	d.handlers["cancel_order"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		p, err := decode[struct {
			OrderID string `json:"order_id"`
		}](params)
		if err != nil {
			return nil, err
		}
		if err := d.services.CancelOrder(ctx, p.OrderID); err != nil {
			return nil, err
		}
		return map[string]bool{"cancelled": true}, nil
	}
	d.handlers["cancel_all_orders"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		cancelled, failed, err := d.services.CancelAllOrders(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"cancelled": cancelled, "failed": failed}, nil
	}
	d.handlers["close_position"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		p, err := decode[struct {
			Exchange string `json:"exchange"`
			Symbol   string `json:"symbol"`
			Product  string `json:"product"`
		}](params)
		if err != nil {
			return nil, err
		}
		return d.services.ClosePosition(ctx, p.Exchange, p.Symbol, p.Product)
	}
	d.handlers["order_status"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		p, err := decode[struct {
			OrderID string `json:"order_id"`
		}](params)
		if err != nil {
			return nil, err
		}
		return d.services.OrderStatus(ctx, p.OrderID)
	}

	// Books and account
	d.handlers["orderbook"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		return d.services.OrderBook(ctx)
	}
	d.handlers["tradebook"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		return d.services.TradeBook(ctx)
	}
	d.handlers["positionbook"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		return d.services.Positions(ctx)
	}
	d.handlers["holdings"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		return d.services.Holdings(ctx)
	}
	d.handlers["funds"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		return d.services.Funds(ctx)
	}

	// Market data
	d.handlers["quotes"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		p, err := decode[struct {
			Symbols []broker.SymbolRef `json:"symbols"`
		}](params)
		if err != nil {
			return nil, err
		}
		return d.services.Quotes(ctx, p.Symbols)
	}
	d.handlers["depth"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		p, err := decode[broker.SymbolRef](params)
		if err != nil {
			return nil, err
		}
		return d.services.Depth(ctx, p.Exchange, p.Symbol)
	}
	d.handlers["history"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		p, err := decode[struct {
			Symbol    string `json:"symbol"`
			Exchange  string `json:"exchange"`
			Timeframe string `json:"timeframe"`
			From      string `json:"from"`
			To        string `json:"to"`
		}](params)
		if err != nil {
			return nil, err
		}
		return d.services.History(ctx, p.Symbol, p.Exchange, p.Timeframe, p.From, p.To)
	}
	d.handlers["ingest_history"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		p, err := decode[struct {
			Symbol    string        `json:"symbol"`
			Exchange  string        `json:"exchange"`
			Timeframe string        `json:"timeframe"`
			Bars      []history.Bar `json:"bars"`
		}](params)
		if err != nil {
			return nil, err
		}
		n, err := d.services.IngestHistory(ctx, p.Symbol, p.Exchange, p.Timeframe, p.Bars)
		if err != nil {
			return nil, err
		}
		return map[string]int{"inserted": n}, nil
	}

	// Symbols
	d.handlers["refresh_symbols"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		n, err := d.services.RefreshSymbolMaster(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]int{"instruments": n}, nil
	}
	d.handlers["search_symbols"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		p, err := decode[struct {
			Query    string `json:"query"`
			Exchange string `json:"exchange"`
			Limit    int    `json:"limit"`
		}](params)
		if err != nil {
			return nil, err
		}
		return d.services.SearchSymbols(ctx, p.Query, p.Exchange, p.Limit)
	}
	d.handlers["symbol"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		p, err := decode[broker.SymbolRef](params)
		if err != nil {
			return nil, err
		}
		return d.services.Symbol(ctx, p.Exchange, p.Symbol)
	}

	// Strategies
	d.handlers["create_strategy"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		p, err := decode[store.Strategy](params)
		if err != nil {
			return nil, err
		}
		if p.Platform == "" {
			p.Platform = "tradingview"
		}
		if err := d.store.CreateStrategy(ctx, &p); err != nil {
			return nil, apperrors.Wrap(err)
		}
		return p, nil
	}
	d.handlers["list_strategies"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		out, err := d.store.ListStrategies(ctx)
		return out, apperrors.Wrap(err)
	}
	d.handlers["update_strategy"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		p, err := decode[store.Strategy](params)
		if err != nil {
			return nil, err
		}
		if err := d.store.UpdateStrategy(ctx, &p); err != nil {
			return nil, apperrors.Wrap(err)
		}
		return p, nil
	}
	d.handlers["delete_strategy"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		p, err := decode[struct {
			ID int64 `json:"id"`
		}](params)
		if err != nil {
			return nil, err
		}
		if err := d.store.DeleteStrategy(ctx, p.ID); err != nil {
			return nil, apperrors.Wrap(err)
		}
		return map[string]bool{"deleted": true}, nil
	}
	d.handlers["add_symbol_mapping"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		p, err := decode[store.SymbolMapping](params)
		if err != nil {
			return nil, err
		}
		if err := d.store.AddSymbolMapping(ctx, &p); err != nil {
			return nil, apperrors.Wrap(err)
		}
		return p, nil
	}

	// Settings and scheduler
	d.handlers["get_settings"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		out, err := d.store.GetSettings(ctx)
		return out, apperrors.Wrap(err)
	}
	d.handlers["update_settings"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		p, err := decode[store.Settings](params)
		if err != nil {
			return nil, err
		}
		if err := d.store.UpdateSettings(ctx, &p); err != nil {
			return nil, apperrors.Wrap(err)
		}
		if d.scheduler != nil {
			d.scheduler.Reschedule()
		}
		return p, nil
	}

	// Analyzer
	d.handlers["analyzer_status"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		return d.services.AnalyzerStatus(ctx)
	}
	d.handlers["analyzer_toggle"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		p, err := decode[struct {
			Enable bool `json:"enable"`
		}](params)
		if err != nil {
			return nil, err
		}
		return d.services.ToggleAnalyzer(ctx, p.Enable)
	}
	d.handlers["reset_sandbox"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		if err := d.services.Sandbox().Reset(ctx); err != nil {
			return nil, err
		}
		return map[string]bool{"reset": true}, nil
	}

	// API keys for the admission surface
	d.handlers["create_api_key"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		p, err := decode[struct {
			Name        string `json:"name"`
			Permissions string `json:"permissions"`
		}](params)
		if err != nil {
			return nil, err
		}
		if p.Permissions == "" {
			p.Permissions = "read"
		}
		id, key, err := d.store.CreateAPIKey(ctx, p.Name, p.Permissions, d.cipher)
		if err != nil {
			return nil, err
		}
		// The plaintext is shown exactly once.
		return map[string]any{"id": id, "api_key": key}, nil
	}
	d.handlers["list_api_keys"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		keys, masked, err := d.store.ListAPIKeys(ctx, d.cipher)
		if err != nil {
			return nil, err
		}
		out := make([]map[string]any, len(keys))
		for i := range keys {
			out[i] = map[string]any{
				"id":           keys[i].ID,
				"name":         keys[i].Name,
				"key_masked":   masked[i],
				"permissions":  keys[i].Permissions,
				"created_at":   keys[i].CreatedAt,
				"last_used_at": keys[i].LastUsedAt,
			}
		}
		return out, nil
	}
	d.handlers["delete_api_key"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		p, err := decode[struct {
			Name string `json:"name"`
		}](params)
		if err != nil {
			return nil, err
		}
		removed, err := d.store.DeleteAPIKey(ctx, p.Name)
		if err != nil {
			return nil, apperrors.Wrap(err)
		}
		return map[string]bool{"deleted": removed}, nil
	}

	// Market stream
	d.handlers["subscribe_ticks"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		if d.stream == nil {
			return nil, apperrors.New(apperrors.ErrInternal, "market stream not available", nil)
		}
		p, err := decode[struct {
			Symbols []broker.SymbolRef `json:"symbols"`
		}](params)
		if err != nil {
			return nil, err
		}
		d.stream.Subscribe(p.Symbols)
		return map[string]bool{"subscribed": true}, nil
	}
	d.handlers["unsubscribe_ticks"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		if d.stream == nil {
			return nil, apperrors.New(apperrors.ErrInternal, "market stream not available", nil)
		}
		p, err := decode[struct {
			Symbols []broker.SymbolRef `json:"symbols"`
		}](params)
		if err != nil {
			return nil, err
		}
		d.stream.Unsubscribe(p.Symbols)
		return map[string]bool{"unsubscribed": true}, nil
	}
	d.handlers["last_tick"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		if d.stream == nil {
			return nil, apperrors.New(apperrors.ErrInternal, "market stream not available", nil)
		}
		p, err := decode[broker.SymbolRef](params)
		if err != nil {
			return nil, err
		}
		tick, ok := d.stream.LastTick(p)
		if !ok {
			return nil, apperrors.New(apperrors.ErrNotFound, "no tick seen for that symbol", nil)
		}
		return tick, nil
	}

	// Observability
	d.handlers["traffic_logs"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		out, err := d.store.RecentTraffic(ctx, 200)
		return out, apperrors.Wrap(err)
	}
	d.handlers["latency_stats"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		var broker string
		if len(params) > 0 {
			p, err := decode[struct {
				Broker string `json:"broker"`
			}](params)
			if err == nil {
				broker = p.Broker
			}
		}
		out, err := d.store.LatencyStats(ctx, broker)
		return out, apperrors.Wrap(err)
	}
	d.handlers["list_ip_bans"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		out, err := d.store.ListBans(ctx)
		return out, apperrors.Wrap(err)
	}
	d.handlers["unban_ip"] = func(ctx context.Context, params json.RawMessage) (any, error) {
		p, err := decode[struct {
			IP string `json:"ip"`
		}](params)
		if err != nil {
			return nil, err
		}
		removed, err := d.store.UnbanIP(ctx, p.IP)
		if err != nil {
			return nil, apperrors.Wrap(err)
		}
		return map[string]bool{"removed": removed}, nil
	}
}
