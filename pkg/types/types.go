// Package types defines the wire-level and domain types shared by every
// subsystem of the orchestrator: strategy configurations, orders, positions,
// exchange events, and the client-id scheme that attributes orders to the
// strategy that placed them.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// StrategyKind selects the algorithm a strategy instance runs.
type StrategyKind string

const (
	KindPureMarketMaking StrategyKind = "pure_market_making"
	KindAvellaneda       StrategyKind = "avellaneda_market_making"
	KindCrossExchange    StrategyKind = "cross_exchange_market_making"
)

// Valid reports whether the kind is one of the supported algorithms.
func (k StrategyKind) Valid() bool {
	switch k {
	case KindPureMarketMaking, KindAvellaneda, KindCrossExchange:
		return true
	}
	return false
}

// MinRefreshInterval is the smallest accepted strategy cadence.
const MinRefreshInterval = 100 * time.Millisecond

// MaxNameLength bounds strategy names so composed client ids stay within the
// 64-character limit the exchange tolerates.
const MaxNameLength = 32

// StrategyConfig is the declarative definition of one strategy. Name is the
// primary key across the registry, the config store, and the remote mirror.
type StrategyConfig struct {
	Name              string         `json:"name"`
	Kind              StrategyKind   `json:"kind"`
	TradingPairs      []string       `json:"trading_pairs"`
	Parameters        map[string]any `json:"parameters"`
	RefreshIntervalMs int64          `json:"refresh_interval_ms"`
	Enabled           bool           `json:"enabled"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// RefreshInterval returns the scheduler cadence as a duration.
func (c StrategyConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalMs) * time.Millisecond
}

// Validate checks the kind-independent invariants. Parameter schemas are
// validated by the strategy implementation for the config's kind.
func (c StrategyConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(c.Name) > MaxNameLength {
		return fmt.Errorf("name %q exceeds %d characters", c.Name, MaxNameLength)
	}
	if !c.Kind.Valid() {
		return fmt.Errorf("unknown kind %q", c.Kind)
	}
	if len(c.TradingPairs) == 0 {
		return fmt.Errorf("trading_pairs must be non-empty")
	}
	for _, pair := range c.TradingPairs {
		if err := ValidatePair(pair); err != nil {
			return err
		}
	}
	if c.RefreshInterval() < MinRefreshInterval {
		return fmt.Errorf("refresh_interval_ms must be >= %d", MinRefreshInterval.Milliseconds())
	}
	return nil
}

// Clone returns a deep copy so callers can hand out snapshots without
// sharing the pairs slice or parameter map.
func (c StrategyConfig) Clone() StrategyConfig {
	out := c
	out.TradingPairs = append([]string(nil), c.TradingPairs...)
	if c.Parameters != nil {
		out.Parameters = make(map[string]any, len(c.Parameters))
		for k, v := range c.Parameters {
			out.Parameters[k] = v
		}
	}
	return out
}

// ValidatePair checks the canonical BASE-QUOTE form.
func ValidatePair(pair string) error {
	base, quote, ok := strings.Cut(pair, "-")
	if !ok || base == "" || quote == "" {
		return fmt.Errorf("trading pair %q is not in BASE-QUOTE form", pair)
	}
	return nil
}

// BaseAsset returns the BASE component of a canonical pair ("" if malformed).
func BaseAsset(pair string) string {
	base, _, _ := strings.Cut(pair, "-")
	return base
}

// StrategyStatus is the lifecycle state of a live strategy instance.
type StrategyStatus string

const (
	StatusStarting StrategyStatus = "starting"
	StatusRunning  StrategyStatus = "running"
	StatusPaused   StrategyStatus = "paused"
	StatusStopping StrategyStatus = "stopping"
	StatusStopped  StrategyStatus = "stopped"
	StatusError    StrategyStatus = "error"
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other direction.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType distinguishes resting limit orders from immediate market orders.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// PositionAction marks whether an order opens or reduces a position.
type PositionAction string

const (
	PositionOpen  PositionAction = "open"
	PositionClose PositionAction = "close"
)

// OrderState is the exchange-side lifecycle of an order.
type OrderState string

const (
	OrderSubmitted       OrderState = "submitted"
	OrderOpen            OrderState = "open"
	OrderPartiallyFilled OrderState = "partially_filled"
	OrderFilled          OrderState = "filled"
	OrderCancelled       OrderState = "cancelled"
	OrderRejected        OrderState = "rejected"
)

// Terminal reports whether no further transitions can follow.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	}
	return false
}

// rank orders the progression submitted < open < partially_filled < filled;
// terminal cancelled/rejected rank highest so a monotonic filter never
// resurrects a dead order.
func (s OrderState) rank() int {
	switch s {
	case OrderSubmitted:
		return 0
	case OrderOpen:
		return 1
	case OrderPartiallyFilled:
		return 2
	case OrderFilled:
		return 3
	case OrderCancelled, OrderRejected:
		return 4
	}
	return -1
}

// Supersedes reports whether s is a valid successor of prev for the same
// exchange order id.
func (s OrderState) Supersedes(prev OrderState) bool {
	return s.rank() > prev.rank()
}

// Order is an exchange order originated by the orchestrator. ClientID encodes
// the owning strategy; ExchangeID is assigned once the exchange accepts it.
type Order struct {
	ClientID       string          `json:"client_id"`
	ExchangeID     string          `json:"exchange_id"`
	TradingPair    string          `json:"trading_pair"`
	Side           Side            `json:"side"`
	Type           OrderType       `json:"order_type"`
	Amount         decimal.Decimal `json:"amount"`
	Price          decimal.Decimal `json:"price"`
	PositionAction PositionAction  `json:"position_action"`
	State          OrderState      `json:"state"`
	CreatedAt      time.Time       `json:"created_at"`
}

// OrderIntent is a strategy's request for one order, before the connector
// assigns a client id. Price is ignored for market orders.
type OrderIntent struct {
	TradingPair    string          `json:"trading_pair"`
	Side           Side            `json:"side"`
	Type           OrderType       `json:"order_type"`
	Amount         decimal.Decimal `json:"amount"`
	Price          decimal.Decimal `json:"price"`
	PositionAction PositionAction  `json:"position_action"`
}

// OrderUpdate is one event on the adapter's ordered event stream.
type OrderUpdate struct {
	ExchangeID   string          `json:"exchange_id"`
	ClientID     string          `json:"client_id,omitempty"`
	State        OrderState      `json:"state"`
	FilledAmount decimal.Decimal `json:"filled_amount"`
	Timestamp    time.Time       `json:"ts"`
}

// PositionSide is the direction of a derivative position.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// AttributedUnknown is the first-class "no owning strategy" value.
const AttributedUnknown = "unknown"

// Position is a derivative position as reported by the exchange, plus the
// best-effort strategy attribution computed by the reconciler.
type Position struct {
	TradingPair        string          `json:"trading_pair"`
	Side               PositionSide    `json:"side"`
	Size               decimal.Decimal `json:"size"`
	EntryPrice         decimal.Decimal `json:"entry_price"`
	MarkPrice          decimal.Decimal `json:"mark_price"`
	UnrealizedPnL      decimal.Decimal `json:"unrealized_pnl"`
	Leverage           int             `json:"leverage"`
	AttributedStrategy string          `json:"attributed_strategy"`
}

// CloseSide returns the order side that reduces this position.
func (p Position) CloseSide() Side {
	if p.Side == PositionLong {
		return SideSell
	}
	return SideBuy
}

// PositionUpdate is a push event carrying a fresh position state.
type PositionUpdate struct {
	Position  Position  `json:"position"`
	Timestamp time.Time `json:"ts"`
}

// Balance is the account value as reported by the exchange.
type Balance struct {
	AccountValue decimal.Decimal `json:"account_value"`
	Withdrawable decimal.Decimal `json:"withdrawable"`
}

// CleanupReport summarizes a strategy delete: what was cancelled and closed,
// and which individual steps failed. Partial failures do not fail the delete.
type CleanupReport struct {
	OrdersCancelled int      `json:"orders_cancelled"`
	PositionsClosed int      `json:"positions_closed"`
	Errors          []string `json:"errors"`
}

// ForceCloseReport summarizes a force-close pass over attributed positions.
type ForceCloseReport struct {
	PositionsClosed int      `json:"positions_closed"`
	Errors          []string `json:"errors"`
}

// MarketSnapshot is the bounded market view handed to a strategy tick.
type MarketSnapshot struct {
	TradingPair string          `json:"trading_pair"`
	BestBid     decimal.Decimal `json:"best_bid"`
	BestAsk     decimal.Decimal `json:"best_ask"`
	MidPrice    decimal.Decimal `json:"mid_price"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Stale reports whether the snapshot is older than maxAge.
func (m MarketSnapshot) Stale(maxAge time.Duration) bool {
	return time.Since(m.UpdatedAt) > maxAge
}
