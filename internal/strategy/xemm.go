package strategy

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"hivebot/pkg/types"
)

// CrossExchangeParams tunes hedged quoting against a reference market.
// Quotes are placed only when they clear MinProfitability against the
// reference pair's mid.
type CrossExchangeParams struct {
	MinProfitability decimal.Decimal // fractional edge required vs reference mid
	OrderAmount      decimal.Decimal
	Leverage         int
}

func parseCrossExchangeParams(raw map[string]any) (CrossExchangeParams, error) {
	d := newParamDecoder(raw)
	p := CrossExchangeParams{
		MinProfitability: d.decimal("min_profitability", true, 0),
		OrderAmount:      d.decimal("order_amount", true, 0),
		Leverage:         d.integer("leverage", false, 1),
	}
	if err := d.finish(); err != nil {
		return p, err
	}
	if p.MinProfitability.Sign() <= 0 {
		return p, fmt.Errorf("min_profitability must be > 0")
	}
	if p.OrderAmount.Sign() <= 0 {
		return p, fmt.Errorf("order_amount must be > 0")
	}
	if p.Leverage < 1 {
		return p, fmt.Errorf("leverage must be >= 1")
	}
	return p, nil
}

// crossExchange quotes each maker pair against the last pair in the config,
// which acts as the reference (taker) market. With a single pair it degrades
// to quoting around that pair's own mid at the profitability margin.
type crossExchange struct {
	makerPairs []string
	refPair    string
	params     CrossExchangeParams
}

func newCrossExchange(cfg types.StrategyConfig) (*crossExchange, error) {
	params, err := parseCrossExchangeParams(cfg.Parameters)
	if err != nil {
		return nil, err
	}
	pairs := append([]string(nil), cfg.TradingPairs...)
	s := &crossExchange{params: params, refPair: pairs[len(pairs)-1]}
	if len(pairs) > 1 {
		s.makerPairs = pairs[:len(pairs)-1]
	} else {
		s.makerPairs = pairs
	}
	return s, nil
}

func (s *crossExchange) Start(context.Context) error { return nil }
func (s *crossExchange) Stop(context.Context) error  { return nil }

func (s *crossExchange) Tick(ctx context.Context, env Env) error {
	for _, order := range env.OpenOrders() {
		if order.State.Terminal() {
			continue
		}
		if err := env.Cancel(ctx, order.ExchangeID); err != nil {
			return fmt.Errorf("cancel %s: %w", order.ExchangeID, err)
		}
	}

	ref, err := env.MarketSnapshot(ctx, s.refPair)
	if err != nil {
		return fmt.Errorf("reference snapshot %s: %w", s.refPair, err)
	}
	if ref.MidPrice.Sign() <= 0 {
		return nil
	}

	one := decimal.NewFromInt(1)
	for _, pair := range s.makerPairs {
		bid := ref.MidPrice.Mul(one.Sub(s.params.MinProfitability))
		ask := ref.MidPrice.Mul(one.Add(s.params.MinProfitability))

		if _, err := env.Submit(ctx, types.OrderIntent{
			TradingPair:    pair,
			Side:           types.SideBuy,
			Type:           types.OrderTypeLimit,
			Amount:         s.params.OrderAmount,
			Price:          bid,
			PositionAction: types.PositionOpen,
		}); err != nil {
			return err
		}
		if _, err := env.Submit(ctx, types.OrderIntent{
			TradingPair:    pair,
			Side:           types.SideSell,
			Type:           types.OrderTypeLimit,
			Amount:         s.params.OrderAmount,
			Price:          ask,
			PositionAction: types.PositionOpen,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *crossExchange) DescribeParameters() ParameterSchema {
	return ParameterSchema{
		"min_profitability": {Type: "number", Required: true},
		"order_amount":      {Type: "number", Required: true},
		"leverage":          {Type: "integer"},
	}
}

func (s *crossExchange) CanHotReload(newParams map[string]any) bool {
	next, err := parseCrossExchangeParams(newParams)
	if err != nil {
		return false
	}
	return next.Leverage == s.params.Leverage
}
