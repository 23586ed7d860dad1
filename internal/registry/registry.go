// Package registry owns the lifecycle of every strategy instance: create,
// hot-reload or restart on update, and orderly teardown on delete. It binds
// each instance to a scheduler task and keeps the per-strategy runtime state
// the status API reports.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"hivebot/internal/connector"
	"hivebot/internal/scheduler"
	"hivebot/internal/store"
	"hivebot/internal/strategy"
	"hivebot/pkg/types"
)

var (
	// ErrDuplicateName rejects a create for a name already registered.
	ErrDuplicateName = errors.New("strategy name already exists")
	// ErrUnknownStrategy is returned for operations on unregistered names.
	ErrUnknownStrategy = errors.New("unknown strategy")
)

const (
	// deleteDeadline bounds the whole delete cleanup sequence.
	deleteDeadline = 30 * time.Second
	// cancelAwait bounds the wait for cancelled orders to reach a terminal
	// state before delete proceeds.
	cancelAwait = 5 * time.Second
	// taskStopWait bounds how long a stop waits for the in-flight tick.
	taskStopWait = time.Second
	// startDeadline bounds a strategy's Start/Stop hooks.
	startDeadline = 5 * time.Second
)

// PositionCloser force-closes the positions attributed to one strategy. The
// reconciler implements it; the registry only needs it for delete's optional
// close_positions step.
type PositionCloser interface {
	ForceClose(ctx context.Context, strategyName string) (types.ForceCloseReport, error)
}

// ConfigFetcher pulls the mirrored config set for sync-from-remote.
type ConfigFetcher interface {
	FetchConfigs(ctx context.Context) ([]types.StrategyConfig, error)
}

// Registry is the instance table. All mutations for one name serialize on a
// per-name lock so a slow delete never blocks operations on other strategies.
type Registry struct {
	baseCtx context.Context
	store   *store.Store
	conn    *connector.Connector
	logger  *slog.Logger

	closerMu sync.RWMutex
	closer   PositionCloser

	mu        sync.RWMutex
	instances map[string]*instance
	order     []string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	wg sync.WaitGroup
}

// New builds an empty registry. baseCtx parents every scheduler task; when it
// is cancelled all tasks wind down.
func New(baseCtx context.Context, st *store.Store, conn *connector.Connector, logger *slog.Logger) *Registry {
	return &Registry{
		baseCtx:   baseCtx,
		store:     st,
		conn:      conn,
		logger:    logger.With("component", "registry"),
		instances: make(map[string]*instance),
		locks:     make(map[string]*sync.Mutex),
	}
}

// SetPositionCloser wires the reconciler in after construction; the two
// components reference each other.
func (r *Registry) SetPositionCloser(pc PositionCloser) {
	r.closerMu.Lock()
	r.closer = pc
	r.closerMu.Unlock()
}

func (r *Registry) positionCloser() PositionCloser {
	r.closerMu.RLock()
	defer r.closerMu.RUnlock()
	return r.closer
}

// nameLock serializes lifecycle operations per strategy. Keyed by sanitized
// name so two raw names sharing a client-id prefix contend on one lock.
func (r *Registry) nameLock(name string) *sync.Mutex {
	key := types.SanitizeName(name)
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l, ok := r.locks[key]
	if !ok {
		l = &sync.Mutex{}
		r.locks[key] = l
	}
	return l
}

func (r *Registry) lookup(name string) (*instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[name]
	return inst, ok
}

func (r *Registry) sanitizedCollision(name string) (string, bool) {
	key := types.SanitizeName(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for existing := range r.instances {
		if types.SanitizeName(existing) == key {
			return existing, true
		}
	}
	return "", false
}

// Create validates, persists, and starts a new strategy. The config reaches
// the store (and through it the mirror) only after the algorithm accepts its
// parameters.
func (r *Registry) Create(ctx context.Context, cfg types.StrategyConfig) (Snapshot, error) {
	lock := r.nameLock(cfg.Name)
	lock.Lock()
	defer lock.Unlock()

	if _, ok := r.lookup(cfg.Name); ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrDuplicateName, cfg.Name)
	}
	// Names demux order updates through their sanitized client-id prefix, so
	// two names that sanitize identically would share one inbox.
	if existing, ok := r.sanitizedCollision(cfg.Name); ok {
		return Snapshot{}, fmt.Errorf("%w: %s shares a client-id prefix with %s", ErrDuplicateName, cfg.Name, existing)
	}

	strat, err := strategy.New(cfg)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", store.ErrInvalidConfig, err)
	}
	if err := r.store.Upsert(cfg); err != nil {
		return Snapshot{}, err
	}
	stamped, err := r.store.Get(cfg.Name)
	if err != nil {
		return Snapshot{}, err
	}

	inst, err := r.spawn(ctx, stamped, strat)
	if err != nil {
		if derr := r.store.Delete(cfg.Name); derr != nil {
			r.logger.Warn("rollback delete failed", "strategy", cfg.Name, "error", derr)
		}
		return Snapshot{}, err
	}

	r.mu.Lock()
	r.instances[stamped.Name] = inst
	r.order = append(r.order, stamped.Name)
	r.mu.Unlock()

	r.logger.Info("strategy created",
		"strategy", stamped.Name, "kind", stamped.Kind, "enabled", stamped.Enabled)
	return inst.snapshot(), nil
}

// spawn subscribes the config's pairs, registers the inbox, and starts the
// task when enabled. On subscription failure everything is rolled back.
func (r *Registry) spawn(ctx context.Context, cfg types.StrategyConfig, strat strategy.Strategy) (*instance, error) {
	var ensured []string
	for _, pair := range cfg.TradingPairs {
		if err := r.conn.EnsurePair(ctx, pair); err != nil {
			for _, p := range ensured {
				if rerr := r.conn.ReleasePair(ctx, p); rerr != nil {
					r.logger.Warn("rollback unsubscribe failed", "pair", p, "error", rerr)
				}
			}
			return nil, err
		}
		ensured = append(ensured, pair)
	}

	inst := newInstance(cfg, strat, r.conn.Register(cfg.Name))
	if !cfg.Enabled {
		inst.setStatus(types.StatusPaused)
		return inst, nil
	}
	if err := r.startInstance(ctx, inst); err != nil {
		inst.mu.Lock()
		inst.status = types.StatusError
		inst.lastError = err.Error()
		inst.mu.Unlock()
		r.logger.Error("strategy failed to start", "strategy", cfg.Name, "error", err)
	}
	return inst, nil
}

// startInstance runs the Start hook and launches the scheduler task. Caller
// holds the name lock.
func (r *Registry) startInstance(ctx context.Context, inst *instance) error {
	inst.setStatus(types.StatusStarting)

	inst.mu.Lock()
	strat, cfg := inst.strat, inst.cfg
	inst.mu.Unlock()

	startCtx, cancel := context.WithTimeout(ctx, startDeadline)
	err := strat.Start(startCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("start %s: %w", cfg.Name, err)
	}

	taskCtx, taskCancel := context.WithCancel(r.baseCtx)
	task := scheduler.NewTask(cfg.Name, cfg.RefreshInterval(), r.tickFn(inst), r.logger)

	inst.mu.Lock()
	inst.task = task
	inst.cancel = taskCancel
	inst.status = types.StatusRunning
	inst.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		task.Run(taskCtx)
	}()
	return nil
}

// stopTask cancels the instance's task and waits briefly for the in-flight
// tick. Caller holds the name lock.
func (r *Registry) stopTask(inst *instance) {
	inst.mu.Lock()
	task, cancel := inst.task, inst.cancel
	inst.task, inst.cancel = nil, nil
	inst.mu.Unlock()

	if task == nil {
		return
	}
	cancel()
	select {
	case <-task.Done():
	case <-time.After(taskStopWait):
		r.logger.Warn("tick did not stop in time", "strategy", inst.cfg.Name)
	}
}

// Update applies a new config to a registered strategy. Parameter changes the
// algorithm accepts hot-reload in place; kind changes and parameters flagged
// by the algorithm force an orderly restart, cancelling open orders unless
// preserveOrders is set.
func (r *Registry) Update(ctx context.Context, name string, cfg types.StrategyConfig, preserveOrders bool) (Snapshot, error) {
	lock := r.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	inst, ok := r.lookup(name)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	cfg.Name = name

	newStrat, err := strategy.New(cfg)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", store.ErrInvalidConfig, err)
	}

	inst.mu.Lock()
	old := inst.cfg.Clone()
	canHotReload := inst.strat != nil && old.Kind == cfg.Kind && inst.strat.CanHotReload(cfg.Parameters)
	wasRunning := inst.task != nil
	inst.mu.Unlock()

	// Subscribe additions before releasing removals so a pair shared between
	// the old and new sets never flaps.
	added, removed := diffPairs(old.TradingPairs, cfg.TradingPairs)
	var ensured []string
	for _, pair := range added {
		if err := r.conn.EnsurePair(ctx, pair); err != nil {
			for _, p := range ensured {
				if rerr := r.conn.ReleasePair(ctx, p); rerr != nil {
					r.logger.Warn("rollback unsubscribe failed", "pair", p, "error", rerr)
				}
			}
			return Snapshot{}, err
		}
		ensured = append(ensured, pair)
	}

	if err := r.store.Upsert(cfg); err != nil {
		for _, p := range ensured {
			if rerr := r.conn.ReleasePair(ctx, p); rerr != nil {
				r.logger.Warn("rollback unsubscribe failed", "pair", p, "error", rerr)
			}
		}
		return Snapshot{}, err
	}
	stamped, err := r.store.Get(name)
	if err != nil {
		return Snapshot{}, err
	}

	for _, pair := range removed {
		if err := r.conn.ReleasePair(ctx, pair); err != nil {
			r.logger.Warn("unsubscribe failed", "pair", pair, "error", err)
		}
	}

	switch {
	case !stamped.Enabled:
		r.stopTask(inst)
		r.stopStrategy(ctx, inst)
		inst.mu.Lock()
		inst.cfg = stamped
		inst.strat = newStrat
		inst.status = types.StatusPaused
		inst.mu.Unlock()

	case canHotReload && wasRunning:
		inst.mu.Lock()
		inst.cfg = stamped
		inst.strat = newStrat
		if inst.task != nil {
			inst.task.SetInterval(stamped.RefreshInterval())
		}
		inst.mu.Unlock()
		r.logger.Info("strategy hot-reloaded", "strategy", name)

	default:
		inst.setStatus(types.StatusStopping)
		r.stopTask(inst)
		r.stopStrategy(ctx, inst)
		if !preserveOrders {
			r.cancelOpenOrders(ctx, inst, nil)
		}
		inst.mu.Lock()
		inst.cfg = stamped
		inst.strat = newStrat
		inst.mu.Unlock()
		if err := r.startInstance(ctx, inst); err != nil {
			inst.mu.Lock()
			inst.status = types.StatusError
			inst.lastError = err.Error()
			inst.mu.Unlock()
			return inst.snapshot(), nil
		}
		r.logger.Info("strategy restarted", "strategy", name, "preserve_orders", preserveOrders)
	}

	return inst.snapshot(), nil
}

func (r *Registry) stopStrategy(ctx context.Context, inst *instance) {
	inst.mu.Lock()
	strat, name := inst.strat, inst.cfg.Name
	inst.mu.Unlock()
	if strat == nil {
		return
	}
	stopCtx, cancel := context.WithTimeout(ctx, startDeadline)
	defer cancel()
	if err := strat.Stop(stopCtx); err != nil {
		r.logger.Warn("strategy stop hook failed", "strategy", name, "error", err)
	}
}

// cancelOpenOrders cancels every order in the instance's open set and waits
// up to cancelAwait for terminal confirmations. Failures accumulate into
// report when non-nil; the cleanup never aborts on a single order.
func (r *Registry) cancelOpenOrders(ctx context.Context, inst *instance, report *types.CleanupReport) {
	inst.mu.Lock()
	open := inst.openOrdersLocked()
	inst.mu.Unlock()
	if len(open) == 0 {
		return
	}

	for _, order := range open {
		if err := r.conn.Cancel(ctx, order.ExchangeID); err != nil {
			r.logger.Warn("cancel failed during cleanup",
				"strategy", inst.cfg.Name, "exchange_id", order.ExchangeID, "error", err)
			if report != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("cancel %s: %v", order.ExchangeID, err))
			}
			continue
		}
		if report != nil {
			report.OrdersCancelled++
		}
	}

	deadline := time.Now().Add(cancelAwait)
	for time.Now().Before(deadline) {
		inst.applyUpdates(inst.inbox.Drain())
		inst.mu.Lock()
		remaining := len(inst.openOrders)
		inst.mu.Unlock()
		if remaining == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
	r.logger.Warn("orders still unconfirmed after cancel wait", "strategy", inst.cfg.Name)
}

// Delete tears a strategy down: stop the task, optionally cancel its orders
// and close its positions, release pair subscriptions, and remove the config.
// Cleanup-step failures are reported, not fatal; the strategy always ends up
// deleted.
func (r *Registry) Delete(ctx context.Context, name string, cancelOrders, closePositions bool) (types.CleanupReport, error) {
	lock := r.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	inst, ok := r.lookup(name)
	if !ok {
		return types.CleanupReport{}, fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}

	ctx, cancel := context.WithTimeout(ctx, deleteDeadline)
	defer cancel()

	report := types.CleanupReport{Errors: []string{}}

	inst.setStatus(types.StatusStopping)
	r.stopTask(inst)
	r.stopStrategy(ctx, inst)

	if cancelOrders {
		r.cancelOpenOrders(ctx, inst, &report)
	}
	if closePositions {
		if pc := r.positionCloser(); pc != nil {
			closed, err := pc.ForceClose(ctx, name)
			report.PositionsClosed = closed.PositionsClosed
			report.Errors = append(report.Errors, closed.Errors...)
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("close positions: %v", err))
			}
		}
	}

	inst.mu.Lock()
	pairs := append([]string(nil), inst.cfg.TradingPairs...)
	inst.status = types.StatusStopped
	inst.mu.Unlock()
	for _, pair := range pairs {
		if err := r.conn.ReleasePair(ctx, pair); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("unsubscribe %s: %v", pair, err))
		}
	}
	r.conn.Unregister(name)

	r.mu.Lock()
	delete(r.instances, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	if err := r.store.Delete(name); err != nil && !errors.Is(err, store.ErrNotFound) {
		report.Errors = append(report.Errors, fmt.Sprintf("delete config: %v", err))
	}

	r.logger.Info("strategy deleted", "strategy", name,
		"orders_cancelled", report.OrdersCancelled,
		"positions_closed", report.PositionsClosed,
		"cleanup_errors", len(report.Errors))
	return report, nil
}

// Get returns a snapshot of one strategy.
func (r *Registry) Get(name string) (Snapshot, error) {
	inst, ok := r.lookup(name)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	return inst.snapshot(), nil
}

// List returns snapshots in creation order.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	names := append([]string(nil), r.order...)
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(names))
	for _, name := range names {
		if inst, ok := r.lookup(name); ok {
			out = append(out, inst.snapshot())
		}
	}
	return out
}

// Configs returns the registered configs in creation order. The reconciler
// uses them for position attribution.
func (r *Registry) Configs() []types.StrategyConfig {
	snaps := r.List()
	out := make([]types.StrategyConfig, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, s.Config)
	}
	return out
}

// LoadFromStore instantiates every persisted config at boot. A config whose
// parameters no longer parse is registered in error status so the operator
// sees it, rather than silently dropped.
func (r *Registry) LoadFromStore(ctx context.Context) error {
	for _, cfg := range r.store.LoadAll() {
		lock := r.nameLock(cfg.Name)
		lock.Lock()
		if _, ok := r.lookup(cfg.Name); ok {
			lock.Unlock()
			continue
		}

		strat, err := strategy.New(cfg)
		var inst *instance
		if err != nil {
			inst = newInstance(cfg, nil, r.conn.Register(cfg.Name))
			inst.mu.Lock()
			inst.status = types.StatusError
			inst.lastError = err.Error()
			inst.mu.Unlock()
			r.logger.Error("persisted config no longer valid", "strategy", cfg.Name, "error", err)
		} else {
			inst, err = r.spawn(ctx, cfg, strat)
			if err != nil {
				r.logger.Error("failed to start persisted strategy", "strategy", cfg.Name, "error", err)
				inst = newInstance(cfg, strat, r.conn.Register(cfg.Name))
				inst.mu.Lock()
				inst.status = types.StatusError
				inst.lastError = err.Error()
				inst.mu.Unlock()
			}
		}

		r.mu.Lock()
		r.instances[cfg.Name] = inst
		r.order = append(r.order, cfg.Name)
		r.mu.Unlock()
		lock.Unlock()
	}

	r.mu.RLock()
	n := len(r.order)
	r.mu.RUnlock()
	r.logger.Info("strategies loaded", "count", n)
	return nil
}

// SyncFromRemote pulls the mirrored config set and creates any strategy not
// registered locally. Existing local strategies are authoritative and never
// overwritten.
func (r *Registry) SyncFromRemote(ctx context.Context, fetcher ConfigFetcher) (added int, err error) {
	cfgs, err := fetcher.FetchConfigs(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch remote configs: %w", err)
	}

	var failures []string
	for _, cfg := range cfgs {
		if _, ok := r.lookup(cfg.Name); ok {
			continue
		}
		if _, err := r.Create(ctx, cfg); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", cfg.Name, err))
			continue
		}
		added++
	}
	if len(failures) > 0 {
		return added, fmt.Errorf("sync failures: %s", strings.Join(failures, "; "))
	}
	return added, nil
}

// Shutdown stops every task and strategy. Open orders are left on the book:
// client ids encode ownership, so a restarted process re-adopts them.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.RLock()
	names := append([]string(nil), r.order...)
	r.mu.RUnlock()

	for _, name := range names {
		inst, ok := r.lookup(name)
		if !ok {
			continue
		}
		lock := r.nameLock(name)
		lock.Lock()
		inst.setStatus(types.StatusStopping)
		r.stopTask(inst)
		r.stopStrategy(ctx, inst)
		inst.setStatus(types.StatusStopped)
		lock.Unlock()
	}
	r.wg.Wait()
	r.logger.Info("all strategies stopped", "count", len(names))
}

func diffPairs(old, new []string) (added, removed []string) {
	oldSet := make(map[string]bool, len(old))
	for _, p := range old {
		oldSet[p] = true
	}
	newSet := make(map[string]bool, len(new))
	for _, p := range new {
		newSet[p] = true
		if !oldSet[p] {
			added = append(added, p)
		}
	}
	for _, p := range old {
		if !newSet[p] {
			removed = append(removed, p)
		}
	}
	return added, removed
}
