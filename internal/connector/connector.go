// Package connector multiplexes one authenticated exchange adapter across
// all strategy instances.
//
// Outbound, it composes every order's client id from the owning strategy's
// name and a per-strategy counter, so ownership survives restarts. Inbound,
// it demultiplexes the adapter's event stream by client-id prefix into
// bounded per-strategy inboxes; updates that carry no recognizable prefix
// (exchange-initiated or pre-existing orders) land in an orphan sink the
// position reconciler consumes.
//
// Pair subscriptions are ref-counted: the adapter sees subscribe only on the
// 0→1 transition and unsubscribe only on 1→0, serialized per pair.
//
// The connector never blocks the scheduler: every adapter call carries a 5s
// hard deadline, transient failures are retried on a bounded schedule
// (50ms, 200ms, 1s, give up), and inbox overflow drops the oldest update
// while flagging a gap so the strategy's next tick runs a full open-orders
// reconciliation.
package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"hivebot/internal/adapter"
	"hivebot/pkg/types"
)

const (
	inboxCapacity  = 256
	orphanCapacity = 256
	callDeadline   = 5 * time.Second
)

// retrySchedule bounds transient-error retries inside a single call deadline.
var retrySchedule = []time.Duration{50 * time.Millisecond, 200 * time.Millisecond, time.Second}

// Inbox is one strategy's bounded stream of order updates plus its client-id
// counter. push is called only by the connector's demux loop; Drain only by
// the strategy's scheduler task.
type Inbox struct {
	name    string
	ch      chan types.OrderUpdate
	gap     atomic.Bool
	dropped atomic.Uint64
	counter atomic.Uint64
}

// Drain returns all queued updates without blocking.
func (ib *Inbox) Drain() []types.OrderUpdate {
	var out []types.OrderUpdate
	for {
		select {
		case u := <-ib.ch:
			out = append(out, u)
		default:
			return out
		}
	}
}

// TakeGap reports and clears the overflow flag. A true return means updates
// were lost and the caller must reconcile against open_orders().
func (ib *Inbox) TakeGap() bool {
	return ib.gap.Swap(false)
}

func (ib *Inbox) push(u types.OrderUpdate) {
	for {
		select {
		case ib.ch <- u:
			return
		default:
		}
		select {
		case <-ib.ch:
			ib.gap.Store(true)
			ib.dropped.Add(1)
		default:
		}
	}
}

type pairSub struct {
	mu    sync.Mutex
	count int
}

// Connector is the shared multiplexer. It holds exactly one adapter.
type Connector struct {
	adapter adapter.Adapter
	logger  *slog.Logger

	pairsMu sync.Mutex
	pairs   map[string]*pairSub

	inboxMu sync.RWMutex
	inboxes map[string]*Inbox // keyed by sanitized strategy name

	orphans   chan types.OrderUpdate
	positions chan types.PositionUpdate

	degraded atomic.Bool
}

// New wraps the adapter. Call Run to start event demultiplexing.
func New(a adapter.Adapter, logger *slog.Logger) *Connector {
	return &Connector{
		adapter:   a,
		logger:    logger.With("component", "connector"),
		pairs:     make(map[string]*pairSub),
		inboxes:   make(map[string]*Inbox),
		orphans:   make(chan types.OrderUpdate, orphanCapacity),
		positions: make(chan types.PositionUpdate, orphanCapacity),
	}
}

// Register creates (or returns) the inbox for a strategy name.
func (c *Connector) Register(name string) *Inbox {
	key := types.SanitizeName(name)

	c.inboxMu.Lock()
	defer c.inboxMu.Unlock()
	if ib, ok := c.inboxes[key]; ok {
		return ib
	}
	ib := &Inbox{name: key, ch: make(chan types.OrderUpdate, inboxCapacity)}
	c.inboxes[key] = ib
	return ib
}

// Unregister drops a strategy's inbox. Subsequent updates for its orders
// route to the orphan sink.
func (c *Connector) Unregister(name string) {
	key := types.SanitizeName(name)
	c.inboxMu.Lock()
	delete(c.inboxes, key)
	c.inboxMu.Unlock()
}

// EnsurePair increments the pair's refcount, subscribing on 0→1.
func (c *Connector) EnsurePair(ctx context.Context, pair string) error {
	ps := c.pairEntry(pair)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.count == 0 {
		if err := c.call(ctx, func(ctx context.Context) error {
			return c.adapter.Subscribe(ctx, pair)
		}); err != nil {
			return fmt.Errorf("subscribe %s: %w", pair, err)
		}
	}
	ps.count++
	return nil
}

// ReleasePair decrements the refcount, unsubscribing on 1→0. Releasing an
// unreferenced pair is a no-op; the count never goes negative.
func (c *Connector) ReleasePair(ctx context.Context, pair string) error {
	ps := c.pairEntry(pair)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.count == 0 {
		return nil
	}
	ps.count--
	if ps.count == 0 {
		if err := c.call(ctx, func(ctx context.Context) error {
			return c.adapter.Unsubscribe(ctx, pair)
		}); err != nil {
			return fmt.Errorf("unsubscribe %s: %w", pair, err)
		}
	}
	return nil
}

func (c *Connector) pairEntry(pair string) *pairSub {
	c.pairsMu.Lock()
	defer c.pairsMu.Unlock()
	ps, ok := c.pairs[pair]
	if !ok {
		ps = &pairSub{}
		c.pairs[pair] = ps
	}
	return ps
}

// InboxGaps returns the cumulative dropped-update count per strategy inbox
// (diagnostics).
func (c *Connector) InboxGaps() map[string]uint64 {
	c.inboxMu.RLock()
	defer c.inboxMu.RUnlock()
	out := make(map[string]uint64, len(c.inboxes))
	for name, ib := range c.inboxes {
		out[name] = ib.dropped.Load()
	}
	return out
}

// Refcounts returns a copy of the subscription refcount map (diagnostics).
func (c *Connector) Refcounts() map[string]int {
	c.pairsMu.Lock()
	defer c.pairsMu.Unlock()
	out := make(map[string]int, len(c.pairs))
	for pair, ps := range c.pairs {
		out[pair] = ps.count
	}
	return out
}

// PlaceOrder composes the client id for the owning strategy and submits the
// order. Rejections come back as *adapter.OrderRejectedError.
func (c *Connector) PlaceOrder(ctx context.Context, strategyName string, intent types.OrderIntent) (types.Order, error) {
	if c.degraded.Load() {
		return types.Order{}, fmt.Errorf("adapter degraded: %w", adapter.ErrAuthFailed)
	}

	ib := c.Register(strategyName)
	counter := ib.counter.Add(1)
	clientID := types.ComposeClientID(strategyName, intent.TradingPair, intent.Side, counter)

	req := adapter.OrderRequest{
		ClientID:       clientID,
		TradingPair:    intent.TradingPair,
		Side:           intent.Side,
		Type:           intent.Type,
		Amount:         intent.Amount,
		Price:          intent.Price,
		PositionAction: intent.PositionAction,
	}

	var exchangeID string
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		exchangeID, err = c.adapter.PlaceOrder(ctx, req)
		return err
	})
	if err != nil {
		return types.Order{}, err
	}

	return types.Order{
		ClientID:       clientID,
		ExchangeID:     exchangeID,
		TradingPair:    intent.TradingPair,
		Side:           intent.Side,
		Type:           intent.Type,
		Amount:         intent.Amount,
		Price:          intent.Price,
		PositionAction: intent.PositionAction,
		State:          types.OrderSubmitted,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// Cancel cancels by exchange id.
func (c *Connector) Cancel(ctx context.Context, exchangeID string) error {
	return c.call(ctx, func(ctx context.Context) error {
		return c.adapter.Cancel(ctx, exchangeID)
	})
}

// OpenOrders lists live orders known to the exchange.
func (c *Connector) OpenOrders(ctx context.Context) ([]types.Order, error) {
	var out []types.Order
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		out, err = c.adapter.OpenOrders(ctx)
		return err
	})
	return out, err
}

// Positions lists derivative positions.
func (c *Connector) Positions(ctx context.Context) ([]types.Position, error) {
	var out []types.Position
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		out, err = c.adapter.Positions(ctx)
		return err
	})
	return out, err
}

// Balance returns the account value.
func (c *Connector) Balance(ctx context.Context) (types.Balance, error) {
	var out types.Balance
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		out, err = c.adapter.Balance(ctx)
		return err
	})
	return out, err
}

// MarketSnapshot returns the latest top-of-book for a subscribed pair.
func (c *Connector) MarketSnapshot(ctx context.Context, pair string) (types.MarketSnapshot, error) {
	var out types.MarketSnapshot
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		out, err = c.adapter.MarketSnapshot(ctx, pair)
		return err
	})
	return out, err
}

// Degraded reports whether the adapter hit an auth failure; all submits fail
// fast until the operator replaces credentials and restarts.
func (c *Connector) Degraded() bool { return c.degraded.Load() }

// Orphans is the sink of order updates with no owning strategy inbox.
func (c *Connector) Orphans() <-chan types.OrderUpdate { return c.orphans }

// PositionEvents streams adapter position pushes (best-effort, bounded).
func (c *Connector) PositionEvents() <-chan types.PositionUpdate { return c.positions }

// Run demultiplexes the adapter event stream until ctx is cancelled or the
// stream closes. Routing is a map lookup per event.
func (c *Connector) Run(ctx context.Context) {
	events := c.adapter.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Order != nil {
				c.routeOrderUpdate(*ev.Order)
			}
			if ev.Position != nil {
				select {
				case c.positions <- *ev.Position:
				default:
					// Reconciler polls positions anyway; pushes are advisory.
				}
			}
		}
	}
}

func (c *Connector) routeOrderUpdate(u types.OrderUpdate) {
	owner, ok := types.OwnerOfClientID(u.ClientID)
	if ok {
		c.inboxMu.RLock()
		ib, found := c.inboxes[owner]
		c.inboxMu.RUnlock()
		if found {
			ib.push(u)
			return
		}
	}
	select {
	case c.orphans <- u:
	default:
		c.logger.Warn("orphan sink full, dropping order update", "exchange_id", u.ExchangeID)
	}
}

// call runs fn under the 5s hard deadline, retrying transient failures on
// the bounded schedule. Deadline expiry surfaces as adapter.ErrTimeout; an
// auth failure marks the connector degraded.
func (c *Connector) call(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, callDeadline)
	defer cancel()

	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, adapter.ErrAuthFailed) {
			if c.degraded.CompareAndSwap(false, true) {
				c.logger.Error("adapter authentication failed, connector degraded")
			}
			return err
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", adapter.ErrTimeout, err)
		}
		if !adapter.IsTransient(err) || attempt >= len(retrySchedule) {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", adapter.ErrTimeout, err)
		case <-time.After(retrySchedule[attempt]):
		}
	}
}
