// Package reconciler periodically pulls the exchange's derivative positions,
// attributes each one to the strategy that most plausibly opened it, and
// keeps a cached view the API serves when the exchange is unreachable. It is
// also the sink for orphaned order updates — events whose client id matches
// no registered strategy — and the executor of force-close requests.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"hivebot/pkg/types"
)

const (
	defaultInterval = 5 * time.Second
	// recentOrphanCap bounds the orphan ring kept for diagnostics.
	recentOrphanCap = 16
)

// Exchange is the slice of the connector the reconciler uses.
type Exchange interface {
	Positions(ctx context.Context) ([]types.Position, error)
	PlaceOrder(ctx context.Context, strategyName string, intent types.OrderIntent) (types.Order, error)
	Orphans() <-chan types.OrderUpdate
	PositionEvents() <-chan types.PositionUpdate
}

// StrategySource lists the registered configs; attribution matches positions
// against their names and trading pairs.
type StrategySource interface {
	Configs() []types.StrategyConfig
}

// PositionSink receives attributed snapshots for remote mirroring.
type PositionSink interface {
	PublishPositions(positions []types.Position)
}

// DebugInfo is the reconciler's diagnostic state.
type DebugInfo struct {
	LastRunAt     time.Time           `json:"last_run_at"`
	CachedAt      time.Time           `json:"cached_at"`
	OrphanUpdates uint64              `json:"orphan_updates"`
	RecentOrphans []types.OrderUpdate `json:"recent_orphans"`
}

// Reconciler runs the attribution sweep.
type Reconciler struct {
	exchange Exchange
	source   StrategySource
	sink     PositionSink // nil when mirroring is disabled
	interval time.Duration
	logger   *slog.Logger

	mu            sync.Mutex
	cached        []types.Position
	cachedAt      time.Time
	lastRun       time.Time
	orphanCount   uint64
	recentOrphans []types.OrderUpdate
}

// New builds a reconciler. interval <= 0 selects the 5s default.
func New(exchange Exchange, source StrategySource, sink PositionSink, interval time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Reconciler{
		exchange: exchange,
		source:   source,
		sink:     sink,
		interval: interval,
		logger:   logger.With("component", "reconciler"),
	}
}

// Run sweeps on the configured interval and consumes the orphan and position
// event streams between sweeps.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		case u := <-r.exchange.Orphans():
			r.recordOrphan(u)
		case p := <-r.exchange.PositionEvents():
			r.absorbPush(p)
		}
	}
}

// sweep refreshes the attributed cache from the exchange. Failures keep the
// previous cache; the API reports its age.
func (r *Reconciler) sweep(ctx context.Context) {
	if _, err := r.ForceSync(ctx); err != nil {
		r.logger.Warn("position fetch failed, serving cached view", "error", err)
		r.mu.Lock()
		r.lastRun = time.Now()
		r.mu.Unlock()
	}
}

// ForceSync runs one attribution cycle immediately, refreshing the cache and
// publishing the snapshot. Idempotent over a quiescent exchange.
func (r *Reconciler) ForceSync(ctx context.Context) ([]types.Position, error) {
	positions, err := r.exchange.Positions(ctx)
	if err != nil {
		return nil, err
	}

	attributed := r.attributeAll(positions)

	r.mu.Lock()
	r.cached = attributed
	now := time.Now()
	r.cachedAt = now
	r.lastRun = now
	r.mu.Unlock()

	if r.sink != nil && len(attributed) > 0 {
		r.sink.PublishPositions(attributed)
	}
	return attributed, nil
}

func (r *Reconciler) attributeAll(positions []types.Position) []types.Position {
	cfgs := r.source.Configs()
	out := make([]types.Position, len(positions))
	for i, p := range positions {
		p.AttributedStrategy = attribute(cfgs, p.TradingPair)
		out[i] = p
	}
	return out
}

// attribute picks the owning strategy for a position's pair. A strategy
// matches only when it trades the pair and its name contains the base asset
// (case-insensitive); ties go to the earliest created. Anything else is
// unknown, even when a single strategy trades the pair.
func attribute(cfgs []types.StrategyConfig, pair string) string {
	base := strings.ToLower(types.BaseAsset(pair))

	var best *types.StrategyConfig
	for i := range cfgs {
		cfg := &cfgs[i]
		if !tradesPair(cfg, pair) {
			continue
		}
		if base == "" || !strings.Contains(strings.ToLower(cfg.Name), base) {
			continue
		}
		if best == nil || cfg.CreatedAt.Before(best.CreatedAt) {
			best = cfg
		}
	}
	if best != nil {
		return best.Name
	}
	return types.AttributedUnknown
}

func tradesPair(cfg *types.StrategyConfig, pair string) bool {
	for _, p := range cfg.TradingPairs {
		if strings.EqualFold(p, pair) {
			return true
		}
	}
	return false
}

// Positions returns the attributed view: live when the exchange answers,
// otherwise the cached snapshot with stale=true.
func (r *Reconciler) Positions(ctx context.Context) (positions []types.Position, asOf time.Time, stale bool) {
	live, err := r.exchange.Positions(ctx)
	if err == nil {
		attributed := r.attributeAll(live)
		now := time.Now()
		r.mu.Lock()
		r.cached = attributed
		r.cachedAt = now
		r.mu.Unlock()
		return attributed, now, false
	}

	r.logger.Warn("live position fetch failed, serving cache", "error", err)
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Position(nil), r.cached...), r.cachedAt, true
}

// ForceClose submits reducing market orders for every position attributed to
// strategyName. Each close is attempted exactly once; failures are collected,
// never retried.
func (r *Reconciler) ForceClose(ctx context.Context, strategyName string) (types.ForceCloseReport, error) {
	return r.close(ctx, func(p types.Position) bool {
		return p.AttributedStrategy == strategyName
	})
}

// ForceCloseAll closes every open position regardless of attribution.
func (r *Reconciler) ForceCloseAll(ctx context.Context) (types.ForceCloseReport, error) {
	return r.close(ctx, func(types.Position) bool { return true })
}

func (r *Reconciler) close(ctx context.Context, match func(types.Position) bool) (types.ForceCloseReport, error) {
	live, err := r.exchange.Positions(ctx)
	if err != nil {
		return types.ForceCloseReport{}, fmt.Errorf("fetch positions: %w", err)
	}

	report := types.ForceCloseReport{Errors: []string{}}
	for _, p := range r.attributeAll(live) {
		if !match(p) || p.Size.IsZero() {
			continue
		}
		intent := types.OrderIntent{
			TradingPair:    p.TradingPair,
			Side:           p.CloseSide(),
			Type:           types.OrderTypeMarket,
			Amount:         p.Size.Abs(),
			PositionAction: types.PositionClose,
		}
		if _, err := r.exchange.PlaceOrder(ctx, p.AttributedStrategy, intent); err != nil {
			report.Errors = append(report.Errors,
				fmt.Sprintf("close %s %s: %v", p.TradingPair, p.Side, err))
			continue
		}
		report.PositionsClosed++
		r.logger.Info("position force-closed",
			"strategy", p.AttributedStrategy, "pair", p.TradingPair, "side", p.Side, "size", p.Size)
	}
	return report, nil
}

// recordOrphan counts an update that matched no registered strategy. These
// come from exchange-initiated orders or strategies deleted mid-flight.
func (r *Reconciler) recordOrphan(u types.OrderUpdate) {
	r.mu.Lock()
	r.orphanCount++
	r.recentOrphans = append(r.recentOrphans, u)
	if len(r.recentOrphans) > recentOrphanCap {
		r.recentOrphans = r.recentOrphans[1:]
	}
	r.mu.Unlock()
	r.logger.Debug("orphan order update",
		"exchange_id", u.ExchangeID, "client_id", u.ClientID, "state", u.State)
}

// absorbPush merges a pushed position into the cache between sweeps.
func (r *Reconciler) absorbPush(pu types.PositionUpdate) {
	p := pu.Position
	p.AttributedStrategy = attribute(r.source.Configs(), p.TradingPair)

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.cached {
		if strings.EqualFold(r.cached[i].TradingPair, p.TradingPair) {
			r.cached[i] = p
			return
		}
	}
	r.cached = append(r.cached, p)
}

// Debug returns the diagnostic state.
func (r *Reconciler) Debug() DebugInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return DebugInfo{
		LastRunAt:     r.lastRun,
		CachedAt:      r.cachedAt,
		OrphanUpdates: r.orphanCount,
		RecentOrphans: append([]types.OrderUpdate(nil), r.recentOrphans...),
	}
}
