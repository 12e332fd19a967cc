package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/GoAlgoDesk/algodesk/internal/broker"
	"github.com/GoAlgoDesk/algodesk/internal/pkg/apperrors"
	"github.com/GoAlgoDesk/algodesk/internal/store"
)

// OptionLeg addresses one option contract by its components.
type OptionLeg struct {
	Exchange   string  `json:"exchange"`
	Underlying string  `json:"underlying"`
	Expiry     string  `json:"expiry"`
	Strike     float64 `json:"strike"`
	OptionType string  `json:"option_type"` // CE or PE
	Action     string  `json:"action"`
	Quantity   int     `json:"quantity"`
	Product    string  `json:"product"`
}

// OptionChainRow pairs the call and put at one strike.
type OptionChainRow struct {
	Strike float64       `json:"strike"`
	Call   *broker.Quote `json:"call,omitempty"`
	Put    *broker.Quote `json:"put,omitempty"`
}

// Greeks are the Black-Scholes sensitivities for one contract.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
	IV    float64 `json:"iv"`
}

// OptionSymbol resolves one option contract to its master-contract
// symbol, e.g. NIFTY25JAN24000CE.
func (s *Services) OptionSymbol(ctx context.Context, leg OptionLeg) (*store.SymbolRecord, error) {
	optType := strings.ToUpper(leg.OptionType)
	if optType != "CE" && optType != "PE" {
		return nil, apperrors.NewPayloadInvalid("option_type must be CE or PE")
	}

	records, err := s.store.SearchSymbols(ctx, leg.Underlying, leg.Exchange, 500)
	if err != nil {
		return nil, apperrors.Wrap(err)
	}
	for i := range records {
		r := &records[i]
		if r.Name != leg.Underlying || r.OptionType == nil || *r.OptionType != optType {
			continue
		}
		if r.Expiry == nil || *r.Expiry != leg.Expiry {
			continue
		}
		if r.Strike == nil || math.Abs(*r.Strike-leg.Strike) > 1e-6 {
			continue
		}
		return r, nil
	}
	return nil, apperrors.New(apperrors.ErrNotFound,
		fmt.Sprintf("no %s %s %v %s contract in the symbol master", leg.Underlying, leg.Expiry, leg.Strike, optType), nil)
}

// OptionChain returns quotes for strikes around the underlying's spot,
// width rows either side of ATM.
func (s *Services) OptionChain(ctx context.Context, exchange, underlying, expiry string, width int) ([]OptionChainRow, error) {
	if width <= 0 || width > 25 {
		width = 10
	}
	records, err := s.store.SearchSymbols(ctx, underlying, exchange, 500)
	if err != nil {
		return nil, apperrors.Wrap(err)
	}

	type pair struct {
		call *store.SymbolRecord
		put  *store.SymbolRecord
	}
	strikes := map[float64]*pair{}
	for i := range records {
		r := &records[i]
		if r.Name != underlying || r.Expiry == nil || *r.Expiry != expiry || r.Strike == nil || r.OptionType == nil {
			continue
		}
		p := strikes[*r.Strike]
		if p == nil {
			p = &pair{}
			strikes[*r.Strike] = p
		}
		if *r.OptionType == "CE" {
			p.call = r
		} else {
			p.put = r
		}
	}
	if len(strikes) == 0 {
		return nil, apperrors.New(apperrors.ErrNotFound, "no contracts for that underlying and expiry", nil)
	}

	sorted := make([]float64, 0, len(strikes))
	for k := range strikes {
		sorted = append(sorted, k)
	}
	sort.Float64s(sorted)

	// Centre on ATM using the spot quote; without a session, use the
	// middle of the strike ladder.
	spot := s.referencePrice(ctx, exchange, underlying)
	atm := len(sorted) / 2
	if spot > 0 {
		for i, k := range sorted {
			if math.Abs(k-spot) < math.Abs(sorted[atm]-spot) {
				atm = i
			}
		}
	}
	lo := atm - width
	if lo < 0 {
		lo = 0
	}
	hi := atm + width + 1
	if hi > len(sorted) {
		hi = len(sorted)
	}

	var refs []broker.SymbolRef
	for _, k := range sorted[lo:hi] {
		p := strikes[k]
		if p.call != nil {
			refs = append(refs, broker.SymbolRef{Exchange: p.call.Exchange, Symbol: p.call.Symbol})
		}
		if p.put != nil {
			refs = append(refs, broker.SymbolRef{Exchange: p.put.Exchange, Symbol: p.put.Symbol})
		}
	}

	quotesBySymbol := map[string]*broker.Quote{}
	if quotes, err := s.Quotes(ctx, refs); err == nil {
		for i := range quotes {
			quotesBySymbol[quotes[i].Symbol] = &quotes[i]
		}
	}

	out := make([]OptionChainRow, 0, hi-lo)
	for _, k := range sorted[lo:hi] {
		p := strikes[k]
		row := OptionChainRow{Strike: k}
		if p.call != nil {
			row.Call = quotesBySymbol[p.call.Symbol]
		}
		if p.put != nil {
			row.Put = quotesBySymbol[p.put.Symbol]
		}
		out = append(out, row)
	}
	return out, nil
}

// SyntheticFuture prices the synthetic forward, strike + call - put, from
// the ATM strike and its immediate neighbours: the lowest of those strikes
// whose call and put both carry a positive LTP is used.
func (s *Services) SyntheticFuture(ctx context.Context, exchange, underlying, expiry string) (map[string]float64, error) {
	chain, err := s.OptionChain(ctx, exchange, underlying, expiry, 1)
	if err != nil {
		return nil, err
	}
	for _, row := range chain {
		if row.Call != nil && row.Put != nil && row.Call.LTP > 0 && row.Put.LTP > 0 {
			return map[string]float64{
				"strike":    row.Strike,
				"call_ltp":  row.Call.LTP,
				"put_ltp":   row.Put.LTP,
				"synthetic": row.Strike + row.Call.LTP - row.Put.LTP,
			}, nil
		}
	}
	return nil, apperrors.New(apperrors.ErrNotFound, "no quoted call/put pair to build a synthetic future", nil)
}

// OptionGreeks computes Black-Scholes sensitivities. spot and the
// contract come from the caller; rate and volatility are annualized
// fractions, tYears the time to expiry in years.
func (s *Services) OptionGreeks(ctx context.Context, leg OptionLeg, spot, rate, volatility, tYears float64) (*Greeks, error) {
	if spot <= 0 || volatility <= 0 || tYears <= 0 {
		return nil, apperrors.NewPayloadInvalid("spot, volatility and time to expiry must be positive")
	}
	optType := strings.ToUpper(leg.OptionType)
	if optType != "CE" && optType != "PE" {
		return nil, apperrors.NewPayloadInvalid("option_type must be CE or PE")
	}

	sqrtT := math.Sqrt(tYears)
	d1 := (math.Log(spot/leg.Strike) + (rate+volatility*volatility/2)*tYears) / (volatility * sqrtT)
	d2 := d1 - volatility*sqrtT

	nd1 := normPDF(d1)
	gamma := nd1 / (spot * volatility * sqrtT)
	vega := spot * nd1 * sqrtT / 100 // per 1% vol move

	var delta, theta float64
	if optType == "CE" {
		delta = normCDF(d1)
		theta = (-spot*nd1*volatility/(2*sqrtT) - rate*leg.Strike*math.Exp(-rate*tYears)*normCDF(d2)) / 365
	} else {
		delta = normCDF(d1) - 1
		theta = (-spot*nd1*volatility/(2*sqrtT) + rate*leg.Strike*math.Exp(-rate*tYears)*normCDF(-d2)) / 365
	}

	return &Greeks{Delta: delta, Gamma: gamma, Theta: theta, Vega: vega, IV: volatility}, nil
}

// PlaceOptionsOrder resolves the contract symbol and places the order.
func (s *Services) PlaceOptionsOrder(ctx context.Context, leg OptionLeg) (*broker.OrderResponse, error) {
	record, err := s.OptionSymbol(ctx, leg)
	if err != nil {
		return nil, err
	}
	qty := leg.Quantity
	if qty <= 0 {
		qty = record.LotSize
	}
	return s.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:    record.Symbol,
		Exchange:  record.Exchange,
		Side:      strings.ToUpper(leg.Action),
		Quantity:  qty,
		OrderType: "MARKET",
		Product:   strings.ToUpper(orDefault(leg.Product, "NRML")),
		Validity:  "DAY",
	}, nil)
}

// PlaceOptionsMultiOrder places a multi-leg options basket.
func (s *Services) PlaceOptionsMultiOrder(ctx context.Context, legs []OptionLeg) ([]broker.OrderResponse, []string, error) {
	if len(legs) == 0 {
		return nil, nil, apperrors.NewPayloadInvalid("no legs supplied")
	}
	orders := make([]broker.OrderRequest, 0, len(legs))
	for i, leg := range legs {
		record, err := s.OptionSymbol(ctx, leg)
		if err != nil {
			return nil, nil, apperrors.NewPayloadInvalid(fmt.Sprintf("leg %d: %v", i+1, err))
		}
		qty := leg.Quantity
		if qty <= 0 {
			qty = record.LotSize
		}
		orders = append(orders, broker.OrderRequest{
			Symbol:    record.Symbol,
			Exchange:  record.Exchange,
			Side:      strings.ToUpper(leg.Action),
			Quantity:  qty,
			OrderType: "MARKET",
			Product:   strings.ToUpper(orDefault(leg.Product, "NRML")),
			Validity:  "DAY",
		})
	}
	return s.PlaceBasketOrder(ctx, orders)
}

func normPDF(x float64) float64 {
	return math.Exp(-x*x/2) / math.Sqrt(2*math.Pi)
}

func normCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}
