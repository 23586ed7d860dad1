package registry

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"hivebot/internal/connector"
	"hivebot/internal/scheduler"
	"hivebot/internal/strategy"
	"hivebot/pkg/types"
)

const (
	// errorThreshold is the consecutive-failure count that flips a running
	// instance to error status. The task keeps ticking so a later success
	// flips it back.
	errorThreshold = 3

	// ewmaWindow smooths actions_per_minute over roughly the last minute.
	ewmaWindow = 60 * time.Second
)

// Counters are the cumulative runtime stats of one instance.
type Counters struct {
	TotalActions     uint64  `json:"total_actions"`
	SuccessfulOrders uint64  `json:"successful_orders"`
	FailedOrders     uint64  `json:"failed_orders"`
	ActionsPerMinute float64 `json:"actions_per_minute"`
}

// Snapshot is a point-in-time copy of an instance's state, safe to hand out.
type Snapshot struct {
	Config     types.StrategyConfig `json:"config"`
	Status     types.StrategyStatus `json:"status"`
	OpenOrders []types.Order        `json:"open_orders"`
	Counters   Counters             `json:"counters"`
	LastTickAt time.Time            `json:"last_tick_at"`
	LastError  string               `json:"last_error,omitempty"`
}

// instance is one live strategy: its config, algorithm, scheduler task, and
// the order-flow bookkeeping the tick wrapper maintains.
type instance struct {
	mu    sync.Mutex
	cfg   types.StrategyConfig
	strat strategy.Strategy

	status         types.StrategyStatus
	lastError      string
	consecFailures int

	inbox      *connector.Inbox
	openOrders map[string]types.Order // keyed by exchange id

	counters      Counters
	lastTickAt    time.Time
	actionsAtTick uint64

	task   *scheduler.Task
	cancel context.CancelFunc
}

func newInstance(cfg types.StrategyConfig, strat strategy.Strategy, inbox *connector.Inbox) *instance {
	return &instance{
		cfg:        cfg,
		strat:      strat,
		status:     types.StatusStopped,
		inbox:      inbox,
		openOrders: make(map[string]types.Order),
	}
}

func (inst *instance) setStatus(s types.StrategyStatus) {
	inst.mu.Lock()
	inst.status = s
	inst.mu.Unlock()
}

func (inst *instance) snapshot() Snapshot {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return Snapshot{
		Config:     inst.cfg.Clone(),
		Status:     inst.status,
		OpenOrders: inst.openOrdersLocked(),
		Counters:   inst.counters,
		LastTickAt: inst.lastTickAt,
		LastError:  inst.lastError,
	}
}

// openOrdersLocked returns the open set sorted oldest-first so strategies see
// a deterministic order. Caller holds inst.mu.
func (inst *instance) openOrdersLocked() []types.Order {
	out := make([]types.Order, 0, len(inst.openOrders))
	for _, o := range inst.openOrders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ExchangeID < out[j].ExchangeID
	})
	return out
}

// applyUpdates folds drained inbox events into the open-order set. State
// transitions are monotonic: a stale update never resurrects a terminal order.
func (inst *instance) applyUpdates(updates []types.OrderUpdate) {
	if len(updates) == 0 {
		return
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	for _, u := range updates {
		order, ok := inst.openOrders[u.ExchangeID]
		if !ok {
			// Order from before a restart, or already removed. The gap
			// reconciliation path re-adopts anything still live.
			continue
		}
		if !u.State.Supersedes(order.State) {
			continue
		}
		order.State = u.State
		switch u.State {
		case types.OrderFilled:
			inst.counters.SuccessfulOrders++
			delete(inst.openOrders, u.ExchangeID)
		case types.OrderCancelled:
			delete(inst.openOrders, u.ExchangeID)
		case types.OrderRejected:
			inst.counters.FailedOrders++
			delete(inst.openOrders, u.ExchangeID)
		default:
			inst.openOrders[u.ExchangeID] = order
		}
	}
}

// reconcile replaces the open set with the exchange's view of this strategy's
// orders. Run after an inbox overflow, when intermediate updates were lost.
func (inst *instance) reconcile(exchangeOpen []types.Order) {
	owner := types.SanitizeName(inst.cfg.Name)

	inst.mu.Lock()
	defer inst.mu.Unlock()
	fresh := make(map[string]types.Order, len(inst.openOrders))
	for _, o := range exchangeOpen {
		if got, ok := types.OwnerOfClientID(o.ClientID); ok && got == owner {
			fresh[o.ExchangeID] = o
		}
	}
	inst.openOrders = fresh
}

// afterTick records the outcome of one tick: the failure streak, the status
// transition at the error threshold, and the actions-per-minute EWMA.
func (inst *instance) afterTick(err error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	now := time.Now()
	if !inst.lastTickAt.IsZero() {
		dt := now.Sub(inst.lastTickAt).Seconds()
		if dt > 0 {
			rate := float64(inst.counters.TotalActions-inst.actionsAtTick) * 60 / dt
			alpha := 1 - math.Exp(-dt/ewmaWindow.Seconds())
			inst.counters.ActionsPerMinute += (rate - inst.counters.ActionsPerMinute) * alpha
		}
	}
	inst.actionsAtTick = inst.counters.TotalActions
	inst.lastTickAt = now

	if err != nil {
		inst.lastError = err.Error()
		inst.consecFailures++
		if inst.consecFailures >= errorThreshold && inst.status == types.StatusRunning {
			inst.status = types.StatusError
		}
		return
	}
	inst.lastError = ""
	inst.consecFailures = 0
	if inst.status == types.StatusError {
		inst.status = types.StatusRunning
	}
}

// tickFn builds the scheduler tick for one instance: drain the inbox, repair
// after overflow gaps, then run the algorithm.
func (r *Registry) tickFn(inst *instance) scheduler.TickFunc {
	return func(ctx context.Context) error {
		err := r.runTick(ctx, inst)
		inst.afterTick(err)
		return err
	}
}

func (r *Registry) runTick(ctx context.Context, inst *instance) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = scheduler.Recovered(rec)
		}
	}()

	inst.applyUpdates(inst.inbox.Drain())
	if inst.inbox.TakeGap() {
		open, oerr := r.conn.OpenOrders(ctx)
		if oerr != nil {
			return fmt.Errorf("reconcile after update gap: %w", oerr)
		}
		inst.reconcile(open)
	}

	inst.mu.Lock()
	strat := inst.strat
	inst.mu.Unlock()
	if strat == nil {
		return nil
	}
	return strat.Tick(ctx, &tickEnv{r: r, inst: inst})
}

// tickEnv is the bounded view a strategy gets during one tick. Submits and
// cancels flow through the connector and feed the instance's counters.
type tickEnv struct {
	r    *Registry
	inst *instance
}

func (e *tickEnv) MarketSnapshot(ctx context.Context, pair string) (types.MarketSnapshot, error) {
	return e.r.conn.MarketSnapshot(ctx, pair)
}

func (e *tickEnv) OpenOrders() []types.Order {
	e.inst.mu.Lock()
	defer e.inst.mu.Unlock()
	return e.inst.openOrdersLocked()
}

func (e *tickEnv) Submit(ctx context.Context, intent types.OrderIntent) (types.Order, error) {
	e.inst.mu.Lock()
	name := e.inst.cfg.Name
	e.inst.counters.TotalActions++
	e.inst.mu.Unlock()

	order, err := e.r.conn.PlaceOrder(ctx, name, intent)

	e.inst.mu.Lock()
	defer e.inst.mu.Unlock()
	if err != nil {
		e.inst.counters.FailedOrders++
		return types.Order{}, err
	}
	e.inst.openOrders[order.ExchangeID] = order
	return order, nil
}

func (e *tickEnv) Cancel(ctx context.Context, exchangeID string) error {
	e.inst.mu.Lock()
	e.inst.counters.TotalActions++
	e.inst.mu.Unlock()
	return e.r.conn.Cancel(ctx, exchangeID)
}

func (e *tickEnv) Now() time.Time { return time.Now() }
