package strategy

import (
	"context"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"hivebot/pkg/types"
)

// AvellanedaParams tunes the Avellaneda-Stoikov quoting model.
//
//   - Gamma: risk aversion. Higher = tighter spread, less inventory risk.
//   - Sigma: estimated price volatility (annualized std dev).
//   - K:     order arrival rate. Higher = more aggressive quotes.
//   - T:     time horizon in years.
//   - MinSpread: floor on the half-spread as a fraction of mid.
type AvellanedaParams struct {
	Gamma       float64
	Sigma       float64
	K           float64
	T           float64
	OrderAmount decimal.Decimal
	MinSpread   float64
	Leverage    int
}

func parseAvellanedaParams(raw map[string]any) (AvellanedaParams, error) {
	d := newParamDecoder(raw)
	p := AvellanedaParams{
		Gamma:       d.number("gamma", true, 0),
		Sigma:       d.number("sigma", true, 0),
		K:           d.number("k", true, 0),
		T:           d.number("t", false, 1),
		OrderAmount: d.decimal("order_amount", true, 0),
		MinSpread:   d.number("min_spread", false, 0.0001),
		Leverage:    d.integer("leverage", false, 1),
	}
	if err := d.finish(); err != nil {
		return p, err
	}
	if p.Gamma <= 0 {
		return p, fmt.Errorf("gamma must be > 0")
	}
	if p.Sigma <= 0 {
		return p, fmt.Errorf("sigma must be > 0")
	}
	if p.K <= 0 {
		return p, fmt.Errorf("k must be > 0")
	}
	if p.OrderAmount.Sign() <= 0 {
		return p, fmt.Errorf("order_amount must be > 0")
	}
	if p.Leverage < 1 {
		return p, fmt.Errorf("leverage must be >= 1")
	}
	return p, nil
}

// avellaneda quotes a bid below and an ask above a reservation price that
// accounts for inventory risk:
//
//	r = mid - q * γ * σ² * T
//	δ = γ * σ² * T + (2/γ) * ln(1 + γ/k)
//
// Net inventory q is tracked from this strategy's fills, approximated from
// the open-order set the scheduler maintains: orders that left the set as
// filled adjust q by their signed amount.
type avellaneda struct {
	pairs  []string
	params AvellanedaParams

	// inventory per pair, signed in base units.
	inventory map[string]decimal.Decimal
	// known tracks orders seen open on a prior tick, to detect fills.
	known map[string]types.Order
}

func newAvellaneda(cfg types.StrategyConfig) (*avellaneda, error) {
	params, err := parseAvellanedaParams(cfg.Parameters)
	if err != nil {
		return nil, err
	}
	return &avellaneda{
		pairs:     append([]string(nil), cfg.TradingPairs...),
		params:    params,
		inventory: make(map[string]decimal.Decimal),
		known:     make(map[string]types.Order),
	}, nil
}

func (s *avellaneda) Start(context.Context) error { return nil }
func (s *avellaneda) Stop(context.Context) error  { return nil }

func (s *avellaneda) Tick(ctx context.Context, env Env) error {
	open := env.OpenOrders()
	s.absorbFills(open)

	for _, order := range open {
		if order.State.Terminal() {
			continue
		}
		if err := env.Cancel(ctx, order.ExchangeID); err != nil {
			return fmt.Errorf("cancel %s: %w", order.ExchangeID, err)
		}
	}

	for _, pair := range s.pairs {
		snap, err := env.MarketSnapshot(ctx, pair)
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", pair, err)
		}
		mid, _ := snap.MidPrice.Float64()
		if mid <= 0 {
			continue
		}

		q, _ := s.inventory[pair].Float64()
		gammaSigmaT := s.params.Gamma * s.params.Sigma * s.params.Sigma * s.params.T
		reservation := mid - q*gammaSigmaT
		halfSpread := (gammaSigmaT + (2/s.params.Gamma)*math.Log(1+s.params.Gamma/s.params.K)) / 2
		if floor := mid * s.params.MinSpread; halfSpread < floor {
			halfSpread = floor
		}

		bid := decimal.NewFromFloat(reservation - halfSpread)
		ask := decimal.NewFromFloat(reservation + halfSpread)
		if bid.Sign() <= 0 {
			continue
		}

		bidOrder, err := env.Submit(ctx, types.OrderIntent{
			TradingPair:    pair,
			Side:           types.SideBuy,
			Type:           types.OrderTypeLimit,
			Amount:         s.params.OrderAmount,
			Price:          bid,
			PositionAction: types.PositionOpen,
		})
		if err != nil {
			return err
		}
		s.known[bidOrder.ExchangeID] = bidOrder

		askOrder, err := env.Submit(ctx, types.OrderIntent{
			TradingPair:    pair,
			Side:           types.SideSell,
			Type:           types.OrderTypeLimit,
			Amount:         s.params.OrderAmount,
			Price:          ask,
			PositionAction: types.PositionOpen,
		})
		if err != nil {
			return err
		}
		s.known[askOrder.ExchangeID] = askOrder
	}
	return nil
}

// absorbFills compares the current open set against orders placed on prior
// ticks and folds fills into per-pair inventory.
func (s *avellaneda) absorbFills(open []types.Order) {
	stillOpen := make(map[string]bool, len(open))
	for _, o := range open {
		stillOpen[o.ExchangeID] = true
		if o.State == types.OrderFilled {
			s.applyFill(o)
			delete(s.known, o.ExchangeID)
		}
	}
	for id, o := range s.known {
		if !stillOpen[id] {
			// Left the open set without a terminal update we saw: assume
			// filled, which keeps the skew conservative.
			s.applyFill(o)
			delete(s.known, id)
		}
	}
}

func (s *avellaneda) applyFill(o types.Order) {
	delta := o.Amount
	if o.Side == types.SideSell {
		delta = delta.Neg()
	}
	s.inventory[o.TradingPair] = s.inventory[o.TradingPair].Add(delta)
}

func (s *avellaneda) DescribeParameters() ParameterSchema {
	return ParameterSchema{
		"gamma":        {Type: "number", Required: true},
		"sigma":        {Type: "number", Required: true},
		"k":            {Type: "number", Required: true},
		"t":            {Type: "number"},
		"order_amount": {Type: "number", Required: true},
		"min_spread":   {Type: "number"},
		"leverage":     {Type: "integer"},
	}
}

// CanHotReload permits model retuning in place; leverage changes restart.
func (s *avellaneda) CanHotReload(newParams map[string]any) bool {
	next, err := parseAvellanedaParams(newParams)
	if err != nil {
		return false
	}
	return next.Leverage == s.params.Leverage
}
