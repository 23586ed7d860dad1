// Package mirror ships local state to an external Postgres store for fleet
// dashboards: strategy config upserts/deletes, periodic per-strategy
// counters, position snapshots, and instance registration heartbeats.
//
// The mirror is strictly best-effort and one-way. Events are appended to a
// bounded in-memory queue (capacity 1024) that drops the oldest entry on
// overflow and never blocks callers; a background worker drains it with
// exponential backoff. A degraded or absent remote must never degrade
// trading, so no error ever propagates out of this package.
package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"hivebot/pkg/types"
)

const (
	queueCapacity     = 1024
	backoffInitial    = 100 * time.Millisecond
	backoffMax        = 30 * time.Second
	dropWarnInterval  = time.Minute
	snapshotRetention = 7 * 24 * time.Hour
)

type eventKind int

const (
	evConfigUpsert eventKind = iota
	evConfigDelete
	evStats
	evPositions
	evInstance
)

// InstanceRow registers this orchestrator instance with the supervisor fleet.
type InstanceRow struct {
	InstanceID string
	Hostname   string
	APIPort    int
	Status     string // "active" or "stopped"
	LastSeen   time.Time
}

// StatsRow is a periodic snapshot of one strategy's runtime counters.
type StatsRow struct {
	Name             string
	Status           types.StrategyStatus
	TotalActions     uint64
	SuccessfulOrders uint64
	FailedOrders     uint64
	ActionsPerMinute float64
	LastTickAt       time.Time
}

type event struct {
	id        uuid.UUID
	kind      eventKind
	config    types.StrategyConfig
	name      string
	stats     []StatsRow
	positions []types.Position
	instance  InstanceRow
	at        time.Time
}

// Mirror is the best-effort Postgres shipper. A Mirror built from an empty
// DSN is a no-op that reports disabled; callers never need to branch.
type Mirror struct {
	dsn        string
	instanceID string
	logger     *slog.Logger

	queue chan event

	dropped      atomic.Uint64
	lastDropWarn atomic.Int64 // unix nanos

	mu        sync.RWMutex
	pool      *pgxpool.Pool
	connected bool
	lastSync  time.Time
}

// New creates a mirror. dsn may be empty, which disables remote mirroring
// entirely (C2 off per HIVE_REMOTE_MIRROR_DSN being absent).
func New(dsn, instanceID string, logger *slog.Logger) *Mirror {
	return &Mirror{
		dsn:        dsn,
		instanceID: instanceID,
		logger:     logger.With("component", "mirror"),
		queue:      make(chan event, queueCapacity),
	}
}

// Enabled reports whether a remote DSN is configured.
func (m *Mirror) Enabled() bool { return m.dsn != "" }

// Connected reports whether the last shipment succeeded.
func (m *Mirror) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// LastSync returns the time of the last successful shipment.
func (m *Mirror) LastSync() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSync
}

// Dropped returns the total number of events lost to queue overflow.
func (m *Mirror) Dropped() uint64 { return m.dropped.Load() }

// ConfigUpserted implements store.Sink.
func (m *Mirror) ConfigUpserted(cfg types.StrategyConfig) {
	m.enqueue(event{kind: evConfigUpsert, config: cfg})
}

// ConfigDeleted implements store.Sink.
func (m *Mirror) ConfigDeleted(name string) {
	m.enqueue(event{kind: evConfigDelete, name: name})
}

// PublishStats enqueues a counters snapshot for all strategies.
func (m *Mirror) PublishStats(rows []StatsRow) {
	if len(rows) == 0 {
		return
	}
	m.enqueue(event{kind: evStats, stats: rows})
}

// PublishPositions enqueues a position snapshot (one row per non-zero position).
func (m *Mirror) PublishPositions(positions []types.Position) {
	m.enqueue(event{kind: evPositions, positions: positions})
}

// PublishInstance enqueues an instance registration/heartbeat row.
func (m *Mirror) PublishInstance(row InstanceRow) {
	m.enqueue(event{kind: evInstance, instance: row})
}

// enqueue appends without blocking; on overflow the oldest event is dropped
// and a warning emitted at most once per minute.
func (m *Mirror) enqueue(ev event) {
	if !m.Enabled() {
		return
	}
	ev.id = uuid.New()
	ev.at = time.Now().UTC()

	for {
		select {
		case m.queue <- ev:
			return
		default:
		}
		select {
		case <-m.queue:
			m.recordDrop()
		default:
		}
	}
}

func (m *Mirror) recordDrop() {
	total := m.dropped.Add(1)
	now := time.Now().UnixNano()
	last := m.lastDropWarn.Load()
	if now-last >= int64(dropWarnInterval) && m.lastDropWarn.CompareAndSwap(last, now) {
		m.logger.Warn("mirror queue overflow, dropping oldest events", "dropped_total", total)
	}
}

// Run drains the queue until ctx is cancelled. Each event is retried with
// exponential backoff (100ms → 30s) until shipped; the queue keeps absorbing
// and shedding behind it, so a long outage costs dashboard fidelity only.
func (m *Mirror) Run(ctx context.Context) {
	if !m.Enabled() {
		return
	}

	retention := time.NewTicker(time.Hour)
	defer retention.Stop()

	for {
		select {
		case <-ctx.Done():
			m.closePool()
			return
		case <-retention.C:
			if err := m.pruneSnapshots(ctx); err != nil {
				m.logger.Warn("snapshot retention prune failed", "error", err)
			}
		case ev := <-m.queue:
			m.shipWithBackoff(ctx, ev)
		}
	}
}

func (m *Mirror) shipWithBackoff(ctx context.Context, ev event) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = backoffInitial
	bo.MaxInterval = backoffMax

	for {
		err := m.ship(ctx, ev)
		if err == nil {
			m.mu.Lock()
			m.connected = true
			m.lastSync = time.Now().UTC()
			m.mu.Unlock()
			return
		}
		if ctx.Err() != nil {
			return
		}

		m.mu.Lock()
		m.connected = false
		m.mu.Unlock()
		m.logger.Debug("mirror ship failed, backing off", "event", ev.id, "error", err)

		sleep := bo.NextBackOff()
		if sleep == backoff.Stop {
			sleep = backoffMax
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

func (m *Mirror) ship(ctx context.Context, ev event) error {
	pool, err := m.ensurePool(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	switch ev.kind {
	case evConfigUpsert:
		return m.shipConfig(ctx, pool, ev.config)
	case evConfigDelete:
		_, err := pool.Exec(ctx, `DELETE FROM hive_strategy_configs WHERE name = $1`, ev.name)
		return err
	case evStats:
		return m.shipStats(ctx, pool, ev.stats)
	case evPositions:
		return m.shipPositions(ctx, pool, ev.positions, ev.at)
	case evInstance:
		return m.shipInstance(ctx, pool, ev.instance)
	}
	return nil
}

func (m *Mirror) shipConfig(ctx context.Context, pool *pgxpool.Pool, cfg types.StrategyConfig) error {
	pairs, err := json.Marshal(cfg.TradingPairs)
	if err != nil {
		return err
	}
	params, err := json.Marshal(cfg.Parameters)
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx, `
		INSERT INTO hive_strategy_configs
			(name, kind, trading_pairs, parameters, refresh_interval_ms, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (name) DO UPDATE SET
			kind = EXCLUDED.kind,
			trading_pairs = EXCLUDED.trading_pairs,
			parameters = EXCLUDED.parameters,
			refresh_interval_ms = EXCLUDED.refresh_interval_ms,
			enabled = EXCLUDED.enabled,
			updated_at = EXCLUDED.updated_at`,
		cfg.Name, string(cfg.Kind), pairs, params, cfg.RefreshIntervalMs, cfg.Enabled, cfg.CreatedAt, cfg.UpdatedAt)
	return err
}

func (m *Mirror) shipStats(ctx context.Context, pool *pgxpool.Pool, rows []StatsRow) error {
	for _, r := range rows {
		_, err := pool.Exec(ctx, `
			INSERT INTO hive_strategy_metrics
				(instance_id, name, status, total_actions, successful_orders, failed_orders, actions_per_minute, last_tick_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
			ON CONFLICT (instance_id, name) DO UPDATE SET
				status = EXCLUDED.status,
				total_actions = EXCLUDED.total_actions,
				successful_orders = EXCLUDED.successful_orders,
				failed_orders = EXCLUDED.failed_orders,
				actions_per_minute = EXCLUDED.actions_per_minute,
				last_tick_at = EXCLUDED.last_tick_at,
				updated_at = now()`,
			m.instanceID, r.Name, string(r.Status), int64(r.TotalActions), int64(r.SuccessfulOrders),
			int64(r.FailedOrders), r.ActionsPerMinute, r.LastTickAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *Mirror) shipPositions(ctx context.Context, pool *pgxpool.Pool, positions []types.Position, at time.Time) error {
	for _, p := range positions {
		if p.Size.IsZero() {
			continue
		}
		_, err := pool.Exec(ctx, `
			INSERT INTO hive_position_snapshots
				(instance_id, trading_pair, side, size, entry_price, mark_price, unrealized_pnl, leverage, attributed_strategy, taken_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			m.instanceID, p.TradingPair, string(p.Side), p.Size, p.EntryPrice, p.MarkPrice,
			p.UnrealizedPnL, p.Leverage, p.AttributedStrategy, at)
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *Mirror) shipInstance(ctx context.Context, pool *pgxpool.Pool, row InstanceRow) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO hive_instances (instance_id, hostname, api_port, status, last_seen)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (instance_id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			api_port = EXCLUDED.api_port,
			status = EXCLUDED.status,
			last_seen = EXCLUDED.last_seen`,
		row.InstanceID, row.Hostname, row.APIPort, row.Status, row.LastSeen)
	return err
}

// FetchConfigs reads all strategy configs from the remote store. Used by the
// control plane's sync-from-postgres endpoint; the local store stays
// authoritative, callers only create locally missing names.
func (m *Mirror) FetchConfigs(ctx context.Context) ([]types.StrategyConfig, error) {
	if !m.Enabled() {
		return nil, fmt.Errorf("remote mirror disabled")
	}
	pool, err := m.ensurePool(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, `
		SELECT name, kind, trading_pairs, parameters, refresh_interval_ms, enabled, created_at, updated_at
		FROM hive_strategy_configs ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.StrategyConfig
	for rows.Next() {
		var cfg types.StrategyConfig
		var kind string
		var pairs, params []byte
		if err := rows.Scan(&cfg.Name, &kind, &pairs, &params, &cfg.RefreshIntervalMs, &cfg.Enabled, &cfg.CreatedAt, &cfg.UpdatedAt); err != nil {
			return nil, err
		}
		cfg.Kind = types.StrategyKind(kind)
		if err := json.Unmarshal(pairs, &cfg.TradingPairs); err != nil {
			return nil, err
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &cfg.Parameters); err != nil {
				return nil, err
			}
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// MarkStopped synchronously flips this instance's row to "stopped". Called
// during graceful shutdown; best-effort like everything else here.
func (m *Mirror) MarkStopped(ctx context.Context) {
	if !m.Enabled() {
		return
	}
	pool, err := m.ensurePool(ctx)
	if err != nil {
		m.logger.Warn("cannot mark instance stopped", "error", err)
		return
	}
	_, err = pool.Exec(ctx, `
		UPDATE hive_instances SET status = 'stopped', last_seen = now() WHERE instance_id = $1`,
		m.instanceID)
	if err != nil {
		m.logger.Warn("cannot mark instance stopped", "error", err)
	}
}

func (m *Mirror) pruneSnapshots(ctx context.Context) error {
	pool, err := m.ensurePool(ctx)
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx, `DELETE FROM hive_position_snapshots WHERE taken_at < $1`,
		time.Now().UTC().Add(-snapshotRetention))
	return err
}

func (m *Mirror) ensurePool(ctx context.Context) (*pgxpool.Pool, error) {
	m.mu.RLock()
	pool := m.pool
	m.mu.RUnlock()
	if pool != nil {
		return pool, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pool != nil {
		return m.pool, nil
	}

	pool, err := pgxpool.New(ctx, m.dsn)
	if err != nil {
		return nil, fmt.Errorf("mirror pool: %w", err)
	}
	if err := ensureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("mirror schema: %w", err)
	}
	m.pool = pool
	return pool, nil
}

func (m *Mirror) closePool() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pool != nil {
		m.pool.Close()
		m.pool = nil
	}
	m.connected = false
}

func ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS hive_strategy_configs (
			name                text PRIMARY KEY,
			kind                text NOT NULL,
			trading_pairs       jsonb NOT NULL,
			parameters          jsonb,
			refresh_interval_ms bigint NOT NULL,
			enabled             boolean NOT NULL DEFAULT true,
			created_at          timestamptz NOT NULL,
			updated_at          timestamptz NOT NULL
		);
		CREATE TABLE IF NOT EXISTS hive_instances (
			instance_id text PRIMARY KEY,
			hostname    text NOT NULL,
			api_port    integer NOT NULL,
			status      text NOT NULL,
			last_seen   timestamptz NOT NULL
		);
		CREATE TABLE IF NOT EXISTS hive_strategy_metrics (
			instance_id        text NOT NULL,
			name               text NOT NULL,
			status             text NOT NULL,
			total_actions      bigint NOT NULL DEFAULT 0,
			successful_orders  bigint NOT NULL DEFAULT 0,
			failed_orders      bigint NOT NULL DEFAULT 0,
			actions_per_minute double precision NOT NULL DEFAULT 0,
			last_tick_at       timestamptz,
			updated_at         timestamptz NOT NULL,
			PRIMARY KEY (instance_id, name)
		);
		CREATE TABLE IF NOT EXISTS hive_position_snapshots (
			id                  bigserial PRIMARY KEY,
			instance_id         text NOT NULL,
			trading_pair        text NOT NULL,
			side                text NOT NULL,
			size                numeric NOT NULL,
			entry_price         numeric,
			mark_price          numeric,
			unrealized_pnl      numeric,
			leverage            integer,
			attributed_strategy text,
			taken_at            timestamptz NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_position_snapshots_taken_at
			ON hive_position_snapshots (taken_at);`)
	return err
}
