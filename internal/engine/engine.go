// Package engine is the composition root of the orchestrator.
//
// It wires together all subsystems:
//
//  1. One Hyperliquid adapter carries every strategy's order flow and
//     market data over a single authenticated connection.
//  2. The connector multiplexes that connection: ref-counted market-data
//     subscriptions, client-id demux of order events, bounded retries.
//  3. The registry owns strategy instances and their scheduler tasks.
//  4. The reconciler attributes exchange positions back to strategies and
//     can force-close them.
//  5. The store persists configs locally; the mirror ships configs, stats,
//     and positions to Postgres best-effort; the supervisor registrar
//     heartbeats this instance into the fleet table.
//  6. The HTTP API is the control plane for all of the above.
//
// Lifecycle: New() → Start() → [runs until signal] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"hivebot/internal/adapter/hyperliquid"
	"hivebot/internal/api"
	"hivebot/internal/config"
	"hivebot/internal/connector"
	"hivebot/internal/mirror"
	"hivebot/internal/reconciler"
	"hivebot/internal/registry"
	"hivebot/internal/store"
	"hivebot/internal/supervisor"
	"hivebot/pkg/types"
)

// statsInterval is how often strategy runtime counters are shipped to the
// remote mirror.
const statsInterval = 30 * time.Second

// Engine owns the lifecycle of every subsystem and its goroutines.
type Engine struct {
	cfg        config.Config
	exchange   *hyperliquid.Hyperliquid
	conn       *connector.Connector
	store      *store.Store
	mirror     *mirror.Mirror
	registry   *registry.Registry
	reconciler *reconciler.Reconciler
	registrar  *supervisor.Registrar
	apiServer  *api.Server
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	apiErr chan error
}

// New creates and wires all engine components. Nothing runs until Start.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	exchange, err := hyperliquid.New(hyperliquid.Options{
		Domain:          cfg.ExchangeDomain,
		UserAddress:     cfg.UserAddress,
		AgentPrivateKey: cfg.AgentPrivateKey,
		DryRun:          cfg.DryRun,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("exchange adapter: %w", err)
	}

	m := mirror.New(cfg.RemoteMirrorDSN, cfg.Instance(), logger)

	st, err := store.Open(cfg.ConfigPath, m)
	if err != nil {
		return nil, fmt.Errorf("config store: %w", err)
	}

	conn := connector.New(exchange, logger)

	ctx, cancel := context.WithCancel(context.Background())

	reg := registry.New(ctx, st, conn, logger)
	rec := reconciler.New(conn, reg, m, cfg.Reconciler.Interval, logger)
	reg.SetPositionCloser(rec)

	e := &Engine{
		cfg:        cfg,
		exchange:   exchange,
		conn:       conn,
		store:      st,
		mirror:     m,
		registry:   reg,
		reconciler: rec,
		registrar:  supervisor.New(m, cfg.Instance(), cfg.APIPort, logger),
		logger:     logger.With("component", "engine"),
		ctx:        ctx,
		cancel:     cancel,
		apiErr:     make(chan error, 1),
	}

	var syncer api.RemoteSyncer
	if m.Enabled() {
		syncer = &remoteSyncer{registry: reg, mirror: m}
	}
	e.apiServer = api.New(cfg.APIPort, api.Deps{
		Strategies: reg,
		Positions:  rec,
		Status:     e,
		Connector:  conn,
		Syncer:     syncer,
	}, logger)

	return e, nil
}

// Start launches all background goroutines and loads persisted strategies.
// Returns an error only for failures that make the process useless.
func (e *Engine) Start() error {
	e.spawn(func() { e.mirror.Run(e.ctx) })
	e.spawn(func() { e.exchange.Run(e.ctx) })
	e.spawn(func() { e.conn.Run(e.ctx) })

	if err := e.registry.LoadFromStore(e.ctx); err != nil {
		e.logger.Error("restoring strategies from store", "error", err)
	}

	e.spawn(func() { e.reconciler.Run(e.ctx) })
	e.spawn(func() { e.registrar.Run(e.ctx) })
	e.spawn(func() { e.publishStatsLoop() })

	e.spawn(func() {
		if err := e.apiServer.Run(e.ctx); err != nil {
			e.logger.Error("api server stopped", "error", err)
			select {
			case e.apiErr <- err:
			default:
			}
		}
	})

	e.logger.Info("engine started",
		"instance", e.cfg.Instance(),
		"api_port", e.cfg.APIPort,
		"domain", e.cfg.ExchangeDomain,
		"remote_mirror", e.mirror.Enabled(),
		"dry_run", e.cfg.DryRun,
	)
	return nil
}

// APIFailed reports a fatal API server failure, e.g. the port already bound.
func (e *Engine) APIFailed() <-chan error { return e.apiErr }

// Stop shuts down in dependency order: stop strategy ticking first so no
// new orders are issued, flush fleet state, then cancel everything else.
// Open orders stay on the book; client ids encode ownership and survive
// restarts.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	e.registry.Shutdown(shutdownCtx)
	e.registrar.MarkStopped(shutdownCtx)

	e.cancel()
	e.wg.Wait()

	e.logger.Info("shutdown complete")
}

func (e *Engine) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// publishStatsLoop periodically ships per-strategy runtime counters to the
// remote mirror.
func (e *Engine) publishStatsLoop() {
	if !e.mirror.Enabled() {
		return
	}
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.mirror.PublishStats(e.statsRows())
		}
	}
}

func (e *Engine) statsRows() []mirror.StatsRow {
	snapshots := e.registry.List()
	rows := make([]mirror.StatsRow, 0, len(snapshots))
	for _, s := range snapshots {
		rows = append(rows, mirror.StatsRow{
			Name:             s.Config.Name,
			Status:           s.Status,
			TotalActions:     s.Counters.TotalActions,
			SuccessfulOrders: s.Counters.SuccessfulOrders,
			FailedOrders:     s.Counters.FailedOrders,
			ActionsPerMinute: s.Counters.ActionsPerMinute,
			LastTickAt:       s.LastTickAt,
		})
	}
	return rows
}

// Status builds the /api/status document from live subsystem state.
func (e *Engine) Status(ctx context.Context) api.StatusDoc {
	doc := api.StatusDoc{
		System: api.SystemStatus{
			ConnectorAvailable:  !e.conn.Degraded(),
			RemoteMirrorEnabled: e.mirror.Enabled(),
		},
		RemoteMirror: api.RemoteMirrorInfo{
			Connected: e.mirror.Connected(),
			LastSync:  e.mirror.LastSync(),
		},
	}

	for _, s := range e.registry.List() {
		doc.Strategies.Total++
		switch s.Status {
		case types.StatusRunning:
			doc.Strategies.Running++
		case types.StatusError:
			doc.Strategies.Errored++
		}
	}

	doc.Connector.Status = "ok"
	if e.conn.Degraded() {
		doc.Connector.Status = "degraded"
	}
	if bal, err := e.conn.Balance(ctx); err == nil {
		doc.Connector.Balance = bal.AccountValue.String()
	}
	if positions, _, _ := e.reconciler.Positions(ctx); positions != nil {
		doc.Connector.PositionsCount = len(positions)
	}

	return doc
}

// remoteSyncer adapts the registry pull-sync onto the API surface.
type remoteSyncer struct {
	registry *registry.Registry
	mirror   *mirror.Mirror
}

func (s *remoteSyncer) SyncFromRemote(ctx context.Context) (int, error) {
	return s.registry.SyncFromRemote(ctx, s.mirror)
}
