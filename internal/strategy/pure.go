package strategy

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"hivebot/pkg/types"
)

// PureMarketMakingParams tunes symmetric spread quoting.
type PureMarketMakingParams struct {
	BidSpread   decimal.Decimal // fractional distance below mid for level 1
	AskSpread   decimal.Decimal // fractional distance above mid for level 1
	OrderAmount decimal.Decimal // base-asset size per order
	OrderLevels int             // quote levels per side
	Leverage    int
}

func parsePureParams(raw map[string]any) (PureMarketMakingParams, error) {
	d := newParamDecoder(raw)
	p := PureMarketMakingParams{
		BidSpread:   d.decimal("bid_spread", true, 0),
		AskSpread:   d.decimal("ask_spread", true, 0),
		OrderAmount: d.decimal("order_amount", true, 0),
		OrderLevels: d.integer("order_levels", false, 1),
		Leverage:    d.integer("leverage", false, 1),
	}
	if err := d.finish(); err != nil {
		return p, err
	}
	if p.BidSpread.Sign() <= 0 || p.AskSpread.Sign() <= 0 {
		return p, fmt.Errorf("bid_spread and ask_spread must be > 0")
	}
	if p.OrderAmount.Sign() <= 0 {
		return p, fmt.Errorf("order_amount must be > 0")
	}
	if p.OrderLevels < 1 {
		return p, fmt.Errorf("order_levels must be >= 1")
	}
	if p.Leverage < 1 {
		return p, fmt.Errorf("leverage must be >= 1")
	}
	return p, nil
}

// pureMarketMaking posts symmetric limit quotes around mid on every pair,
// replacing its book each tick.
type pureMarketMaking struct {
	pairs  []string
	params PureMarketMakingParams
}

func newPureMarketMaking(cfg types.StrategyConfig) (*pureMarketMaking, error) {
	params, err := parsePureParams(cfg.Parameters)
	if err != nil {
		return nil, err
	}
	return &pureMarketMaking{pairs: append([]string(nil), cfg.TradingPairs...), params: params}, nil
}

func (s *pureMarketMaking) Start(context.Context) error { return nil }
func (s *pureMarketMaking) Stop(context.Context) error  { return nil }

func (s *pureMarketMaking) Tick(ctx context.Context, env Env) error {
	// Replace the previous tick's quotes wholesale. Cancels go out first so
	// exposure never doubles.
	for _, order := range env.OpenOrders() {
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
		if snap.MidPrice.Sign() <= 0 {
			continue
		}

		for level := 1; level <= s.params.OrderLevels; level++ {
			mult := decimal.NewFromInt(int64(level))
			bid := snap.MidPrice.Mul(decimal.NewFromInt(1).Sub(s.params.BidSpread.Mul(mult)))
			ask := snap.MidPrice.Mul(decimal.NewFromInt(1).Add(s.params.AskSpread.Mul(mult)))

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
	}
	return nil
}

func (s *pureMarketMaking) DescribeParameters() ParameterSchema {
	return ParameterSchema{
		"bid_spread":   {Type: "number", Required: true},
		"ask_spread":   {Type: "number", Required: true},
		"order_amount": {Type: "number", Required: true},
		"order_levels": {Type: "integer"},
		"leverage":     {Type: "integer"},
	}
}

// CanHotReload allows in-place swaps except for leverage changes, which
// require re-establishing margin settings on the exchange.
func (s *pureMarketMaking) CanHotReload(newParams map[string]any) bool {
	next, err := parsePureParams(newParams)
	if err != nil {
		return false
	}
	return next.Leverage == s.params.Leverage
}
