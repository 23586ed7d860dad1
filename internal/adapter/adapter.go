// Package adapter declares the exchange adapter contract the orchestrator
// core is written against, plus the typed errors adapters surface. The core
// never talks to an exchange directly; it holds exactly one Adapter inside
// the connector multiplexer.
package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"hivebot/pkg/types"
)

// Adapter is the authenticated exchange connection. Implementations must be
// safe for concurrent use; every call honors the deadline on ctx.
type Adapter interface {
	// Subscribe starts the market-data stream for a pair. Unsubscribe stops
	// it. The connector ref-counts pairs so each is called at most once per
	// 0→1 / 1→0 transition.
	Subscribe(ctx context.Context, pair string) error
	Unsubscribe(ctx context.Context, pair string) error

	// MarketSnapshot returns the latest known top-of-book for a subscribed pair.
	MarketSnapshot(ctx context.Context, pair string) (types.MarketSnapshot, error)

	// PlaceOrder submits an order and returns the exchange-assigned id.
	// Rejections surface as *OrderRejectedError.
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)

	// Cancel cancels by exchange id. Failures surface as *CancelFailedError.
	Cancel(ctx context.Context, exchangeID string) error

	// OpenOrders lists live orders known to the exchange.
	OpenOrders(ctx context.Context) ([]types.Order, error)

	// Positions lists derivative positions.
	Positions(ctx context.Context) ([]types.Position, error)

	// Balance returns account value and withdrawable.
	Balance(ctx context.Context) (types.Balance, error)

	// Events is the single ordered event stream. Per-exchange-id ordering is
	// preserved; cross-order ordering is not total. Closed on shutdown.
	Events() <-chan Event
}

// OrderRequest carries everything the exchange needs to place one order.
type OrderRequest struct {
	ClientID       string
	TradingPair    string
	Side           types.Side
	Type           types.OrderType
	Amount         decimal.Decimal
	Price          decimal.Decimal
	PositionAction types.PositionAction
}

// Event is one element of the adapter stream: exactly one field is set.
type Event struct {
	Order    *types.OrderUpdate
	Position *types.PositionUpdate
}

// Sentinel errors shared by all adapters.
var (
	// ErrTimeout is surfaced when an adapter call exceeds its deadline.
	ErrTimeout = errors.New("adapter timeout")
	// ErrAuthFailed marks the connection unusable until credentials change.
	ErrAuthFailed = errors.New("adapter authentication failed")
)

// OrderRejectedError is a definitive exchange rejection; never retried.
type OrderRejectedError struct {
	Reason string
}

func (e *OrderRejectedError) Error() string {
	return fmt.Sprintf("order rejected: %s", e.Reason)
}

// CancelFailedError is a definitive cancel failure; never retried.
type CancelFailedError struct {
	Reason string
}

func (e *CancelFailedError) Error() string {
	return fmt.Sprintf("cancel failed: %s", e.Reason)
}

// TransientError wraps a retryable failure (timeout, 5xx, 429).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried with bounded backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
