// Package strategy defines the capability set the orchestrator needs from a
// market-making algorithm and provides the three built-in kinds:
// pure_market_making, avellaneda_market_making, and
// cross_exchange_market_making.
//
// A strategy never touches the exchange directly: each tick receives a
// bounded Env through which it reads market data and its own open orders and
// emits submits/cancels. The connector attributes everything it does via the
// strategy's client-id prefix.
package strategy

import (
	"context"
	"fmt"
	"time"

	"hivebot/pkg/types"
)

// Env is the bounded tick context handed to a strategy by the scheduler.
type Env interface {
	// MarketSnapshot returns the latest top-of-book for a subscribed pair.
	MarketSnapshot(ctx context.Context, pair string) (types.MarketSnapshot, error)
	// OpenOrders returns the orders this strategy currently believes open.
	OpenOrders() []types.Order
	// Submit places one order. The returned order carries the assigned ids.
	Submit(ctx context.Context, intent types.OrderIntent) (types.Order, error)
	// Cancel cancels one of this strategy's orders by exchange id.
	Cancel(ctx context.Context, exchangeID string) error
	// Now is the scheduler's clock.
	Now() time.Time
}

// Strategy is one algorithm instance bound to a parsed parameter set.
type Strategy interface {
	Start(ctx context.Context) error
	Tick(ctx context.Context, env Env) error
	Stop(ctx context.Context) error

	// DescribeParameters returns the schema the kind accepts.
	DescribeParameters() ParameterSchema

	// CanHotReload reports whether swapping to newParams is safe without an
	// orderly restart.
	CanHotReload(newParams map[string]any) bool
}

// ParameterSchema documents a kind's accepted parameters.
type ParameterSchema map[string]ParameterSpec

// ParameterSpec describes one parameter.
type ParameterSpec struct {
	Type     string `json:"type"` // "number" or "integer"
	Required bool   `json:"required"`
}

// New builds a strategy for cfg's kind, parsing and validating cfg.Parameters
// under the kind's schema. Unknown keys are rejected.
func New(cfg types.StrategyConfig) (Strategy, error) {
	switch cfg.Kind {
	case types.KindPureMarketMaking:
		return newPureMarketMaking(cfg)
	case types.KindAvellaneda:
		return newAvellaneda(cfg)
	case types.KindCrossExchange:
		return newCrossExchange(cfg)
	default:
		return nil, fmt.Errorf("unknown strategy kind %q", cfg.Kind)
	}
}
