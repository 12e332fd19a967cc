package gateway

import (
	"strconv"
	"strings"

	"github.com/GoAlgoDesk/algodesk/internal/broker"
)

// APIResponse is the wire shape of every admission response.
type APIResponse struct {
	Status  string `json:"status"` // success | error
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	OrderID string `json:"orderid,omitempty"`
	Mode    string `json:"mode,omitempty"`
	Code    string `json:"code,omitempty"`
}

func success(data any) APIResponse {
	return APIResponse{Status: "success", Data: data}
}

func successOrder(orderID, mode string) APIResponse {
	return APIResponse{Status: "success", OrderID: orderID, Mode: mode}
}

func successMessage(msg string) APIResponse {
	return APIResponse{Status: "success", Message: msg}
}

// apiKeyed is embedded by every REST body; the key is the first field.
type apiKeyed struct {
	APIKey string `json:"apikey"`
}

// placeOrderBody is the /api/v1/placeorder request.
type placeOrderBody struct {
	apiKeyed
	Strategy     string      `json:"strategy"`
	Exchange     string      `json:"exchange"`
	Symbol       string      `json:"symbol"`
	Action       string      `json:"action"`
	Quantity     FlexibleInt `json:"quantity"`
	PriceType    string      `json:"pricetype"`
	Product      string      `json:"product"`
	Price        float64     `json:"price"`
	TriggerPrice float64     `json:"trigger_price"`
}

func (b *placeOrderBody) toOrderRequest() broker.OrderRequest {
	return broker.OrderRequest{
		Symbol:       b.Symbol,
		Exchange:     b.Exchange,
		Side:         strings.ToUpper(b.Action),
		Quantity:     int(b.Quantity),
		Price:        b.Price,
		TriggerPrice: b.TriggerPrice,
		OrderType:    strings.ToUpper(defaultStr(b.PriceType, "MARKET")),
		Product:      strings.ToUpper(defaultStr(b.Product, "MIS")),
		Validity:     "DAY",
	}
}

type smartOrderBody struct {
	apiKeyed
	Strategy     string      `json:"strategy"`
	Exchange     string      `json:"exchange"`
	Symbol       string      `json:"symbol"`
	Action       string      `json:"action"`
	PositionSize FlexibleInt `json:"position_size"`
	PriceType    string      `json:"pricetype"`
	Product      string      `json:"product"`
	Price        float64     `json:"price"`
}

type modifyOrderBody struct {
	apiKeyed
	OrderID      string   `json:"orderid"`
	Quantity     *int     `json:"quantity"`
	Price        *float64 `json:"price"`
	PriceType    *string  `json:"pricetype"`
	TriggerPrice *float64 `json:"trigger_price"`
}

type orderIDBody struct {
	apiKeyed
	OrderID string `json:"orderid"`
}

type positionBody struct {
	apiKeyed
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
	Product  string `json:"product"`
}

type quotesBody struct {
	apiKeyed
	Symbols []broker.SymbolRef `json:"symbols"`
	// Single-symbol convenience used by the SDK.
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
}

type historyBody struct {
	apiKeyed
	Symbol    string `json:"symbol"`
	Exchange  string `json:"exchange"`
	Interval  string `json:"interval"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

type searchBody struct {
	apiKeyed
	Query    string `json:"query"`
	Exchange string `json:"exchange"`
	Limit    int    `json:"limit"`
}

type expiryBody struct {
	apiKeyed
	Exchange   string `json:"exchange"`
	Underlying string `json:"symbol"`
}

type analyzerToggleBody struct {
	apiKeyed
	Mode bool `json:"mode"`
}

type basketBody struct {
	apiKeyed
	Orders []placeOrderBody `json:"orders"`
}

type splitBody struct {
	apiKeyed
	Exchange  string      `json:"exchange"`
	Symbol    string      `json:"symbol"`
	Action    string      `json:"action"`
	Quantity  FlexibleInt `json:"quantity"`
	SplitSize FlexibleInt `json:"splitsize"`
	PriceType string      `json:"pricetype"`
	Product   string      `json:"product"`
	Price     float64     `json:"price"`
}

type optionsLegBody struct {
	Exchange   string  `json:"exchange"`
	Underlying string  `json:"symbol"`
	Expiry     string  `json:"expiry"`
	Strike     float64 `json:"strike"`
	OptionType string  `json:"option_type"`
	Action     string  `json:"action"`
	Quantity   int     `json:"quantity"`
	Product    string  `json:"product"`
}

type optionsOrderBody struct {
	apiKeyed
	optionsLegBody
}

type optionsMultiBody struct {
	apiKeyed
	Legs []optionsLegBody `json:"legs"`
}

type optionChainBody struct {
	apiKeyed
	Exchange   string `json:"exchange"`
	Underlying string `json:"symbol"`
	Expiry     string `json:"expiry"`
	Width      int    `json:"width"`
}

type greeksBody struct {
	apiKeyed
	optionsLegBody
	Spot       float64 `json:"spot"`
	Rate       float64 `json:"rate"`
	Volatility float64 `json:"volatility"`
	TimeYears  float64 `json:"time_years"`
}

// webhookPayload accepts TradingView and Chartink alert shapes.
type webhookPayload struct {
	APIKey       string       `json:"apikey"`
	Action       string       `json:"action"`
	Symbol       string       `json:"symbol"`
	Exchange     string       `json:"exchange"`
	Quantity     *FlexibleInt `json:"quantity"`
	PositionSize *FlexibleInt `json:"position_size"`
	PriceType    string       `json:"pricetype"`
	Price        float64      `json:"price"`

	// Chartink scan fields: comma-separated symbol list plus a scan
	// name used as the action fallback.
	Stocks        string `json:"stocks"`
	ScanName      string `json:"scan_name"`
	TriggerPrices string `json:"trigger_prices"`
}

// action normalizes the alert's intent to BUY/SELL.
func (p *webhookPayload) action() string {
	if p.Action != "" {
		return strings.ToUpper(p.Action)
	}
	scan := strings.ToUpper(p.ScanName)
	switch {
	case strings.Contains(scan, "BUY"), strings.Contains(scan, "LONG"):
		return "BUY"
	case strings.Contains(scan, "SELL"), strings.Contains(scan, "SHORT"):
		return "SELL"
	default:
		return ""
	}
}

// symbols returns the per-leg symbols, empty when the strategy default
// applies.
func (p *webhookPayload) symbols() []string {
	if p.Stocks != "" {
		var out []string
		for _, s := range strings.Split(p.Stocks, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	if p.Symbol != "" {
		return []string{p.Symbol}
	}
	return nil
}

// FlexibleInt tolerates quoted numbers; alert platforms send both.
type FlexibleInt int

func (f *FlexibleInt) UnmarshalJSON(raw []byte) error {
	s := strings.Trim(string(raw), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		// Alerts sometimes carry decimal quantities; truncate.
		fl, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return err
		}
		n = int(fl)
	}
	*f = FlexibleInt(n)
	return nil
}

func defaultStr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
