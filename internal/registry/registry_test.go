package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"hivebot/internal/adapter"
	"hivebot/internal/connector"
	"hivebot/internal/store"
	"hivebot/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeAdapter is a scriptable in-memory exchange. Cancels emit cancelled
// order events so cleanup paths see terminal confirmations.
type fakeAdapter struct {
	mu        sync.Mutex
	subs      map[string]int
	unsubs    map[string]int
	placed    []adapter.OrderRequest
	cancelled []string
	clientIDs map[string]string // exchange id -> client id
	nextID    int
	placeErr  error
	events    chan adapter.Event
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		subs:      make(map[string]int),
		unsubs:    make(map[string]int),
		clientIDs: make(map[string]string),
		events:    make(chan adapter.Event, 64),
	}
}

func (f *fakeAdapter) Subscribe(_ context.Context, pair string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[pair]++
	return nil
}

func (f *fakeAdapter) Unsubscribe(_ context.Context, pair string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubs[pair]++
	return nil
}

func (f *fakeAdapter) MarketSnapshot(_ context.Context, pair string) (types.MarketSnapshot, error) {
	mid := decimal.NewFromInt(100)
	return types.MarketSnapshot{
		TradingPair: pair,
		BestBid:     mid,
		BestAsk:     mid,
		MidPrice:    mid,
		UpdatedAt:   time.Now(),
	}, nil
}

func (f *fakeAdapter) PlaceOrder(_ context.Context, req adapter.OrderRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return "", f.placeErr
	}
	f.nextID++
	id := fmt.Sprintf("ex-%d", f.nextID)
	f.placed = append(f.placed, req)
	f.clientIDs[id] = req.ClientID
	return id, nil
}

func (f *fakeAdapter) Cancel(_ context.Context, exchangeID string) error {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, exchangeID)
	clientID := f.clientIDs[exchangeID]
	f.mu.Unlock()
	f.events <- adapter.Event{Order: &types.OrderUpdate{
		ExchangeID: exchangeID,
		ClientID:   clientID,
		State:      types.OrderCancelled,
		Timestamp:  time.Now(),
	}}
	return nil
}

func (f *fakeAdapter) OpenOrders(context.Context) ([]types.Order, error) { return nil, nil }
func (f *fakeAdapter) Positions(context.Context) ([]types.Position, error) {
	return nil, nil
}
func (f *fakeAdapter) Balance(context.Context) (types.Balance, error) {
	return types.Balance{}, nil
}
func (f *fakeAdapter) Events() <-chan adapter.Event { return f.events }

func (f *fakeAdapter) setPlaceErr(err error) {
	f.mu.Lock()
	f.placeErr = err
	f.mu.Unlock()
}

func (f *fakeAdapter) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cancelled)
}

func newTestRegistry(t *testing.T) (*Registry, *fakeAdapter, *connector.Connector) {
	t.Helper()
	fake := newFakeAdapter()
	conn := connector.New(fake, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go conn.Run(ctx)

	st, err := store.Open(filepath.Join(t.TempDir(), "strategies.json"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return New(ctx, st, conn, testLogger()), fake, conn
}

func mmConfig(name string, pairs ...string) types.StrategyConfig {
	if len(pairs) == 0 {
		pairs = []string{"BTC-USD"}
	}
	return types.StrategyConfig{
		Name:         name,
		Kind:         types.KindPureMarketMaking,
		TradingPairs: pairs,
		Parameters: map[string]any{
			"bid_spread":   0.002,
			"ask_spread":   0.002,
			"order_amount": 1.0,
		},
		RefreshIntervalMs: 10_000,
		Enabled:           true,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestCreateListAndDuplicate(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	snap, err := r.Create(ctx, mmConfig("btc_mm"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if snap.Status != types.StatusRunning {
		t.Errorf("status = %s, want running", snap.Status)
	}
	if snap.Config.CreatedAt.IsZero() {
		t.Error("created_at not stamped")
	}

	if _, err := r.Create(ctx, mmConfig("eth_mm", "ETH-USD")); err != nil {
		t.Fatalf("create second: %v", err)
	}

	if _, err := r.Create(ctx, mmConfig("btc_mm")); !errors.Is(err, ErrDuplicateName) {
		t.Errorf("duplicate create err = %v, want ErrDuplicateName", err)
	}

	list := r.List()
	if len(list) != 2 || list[0].Config.Name != "btc_mm" || list[1].Config.Name != "eth_mm" {
		t.Errorf("list order = %v", names(list))
	}
}

func TestCreateRejectsSanitizedNameCollision(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Create(ctx, mmConfig("btc_mm")); err != nil {
		t.Fatalf("create: %v", err)
	}
	// "btc-mm" sanitizes to the same client-id prefix as "btc_mm"; letting it
	// in would mingle both strategies' order updates in one inbox.
	if _, err := r.Create(ctx, mmConfig("btc-mm")); !errors.Is(err, ErrDuplicateName) {
		t.Errorf("colliding create err = %v, want ErrDuplicateName", err)
	}
	if list := r.List(); len(list) != 1 {
		t.Errorf("list has %d strategies, want 1", len(list))
	}
}

func names(snaps []Snapshot) []string {
	out := make([]string, len(snaps))
	for i, s := range snaps {
		out[i] = s.Config.Name
	}
	return out
}

func TestCreateRejectsBadParameters(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(t)

	cfg := mmConfig("btc_mm")
	cfg.Parameters["bogus_knob"] = 1.0
	if _, err := r.Create(context.Background(), cfg); !errors.Is(err, store.ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}
	if len(r.List()) != 0 {
		t.Error("rejected config must not register")
	}
}

func TestCreateSubscribesPairsOnce(t *testing.T) {
	t.Parallel()
	r, fake, conn := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Create(ctx, mmConfig("a_mm", "BTC-USD")); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Create(ctx, mmConfig("b_mm", "BTC-USD", "ETH-USD")); err != nil {
		t.Fatal(err)
	}

	fake.mu.Lock()
	btcSubs := fake.subs["BTC-USD"]
	fake.mu.Unlock()
	if btcSubs != 1 {
		t.Errorf("BTC-USD subscribed %d times, want 1", btcSubs)
	}
	if rc := conn.Refcounts(); rc["BTC-USD"] != 2 || rc["ETH-USD"] != 1 {
		t.Errorf("refcounts = %v", rc)
	}
}

func TestDisabledConfigIsPaused(t *testing.T) {
	t.Parallel()
	r, fake, _ := newTestRegistry(t)

	cfg := mmConfig("btc_mm")
	cfg.Enabled = false
	cfg.RefreshIntervalMs = 100
	snap, err := r.Create(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != types.StatusPaused {
		t.Errorf("status = %s, want paused", snap.Status)
	}

	time.Sleep(300 * time.Millisecond)
	fake.mu.Lock()
	placed := len(fake.placed)
	fake.mu.Unlock()
	if placed != 0 {
		t.Errorf("paused strategy placed %d orders", placed)
	}
}

func TestTicksPlaceOrdersAndCount(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(t)

	cfg := mmConfig("btc_mm")
	cfg.RefreshIntervalMs = 100
	if _, err := r.Create(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		snap, err := r.Get("btc_mm")
		return err == nil && len(snap.OpenOrders) >= 2
	}, "strategy never quoted")

	snap, _ := r.Get("btc_mm")
	if snap.Counters.TotalActions == 0 {
		t.Error("total_actions not counted")
	}
	if snap.LastTickAt.IsZero() {
		t.Error("last_tick_at not stamped")
	}
}

func TestThreeFailuresFlipToErrorAndRecover(t *testing.T) {
	t.Parallel()
	r, fake, _ := newTestRegistry(t)

	fake.setPlaceErr(&adapter.OrderRejectedError{Reason: "margin"})
	cfg := mmConfig("btc_mm")
	cfg.RefreshIntervalMs = 100
	if _, err := r.Create(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 3*time.Second, func() bool {
		snap, err := r.Get("btc_mm")
		return err == nil && snap.Status == types.StatusError
	}, "three consecutive failures never flipped status to error")

	snap, _ := r.Get("btc_mm")
	if snap.Counters.FailedOrders == 0 {
		t.Error("failed_orders not counted")
	}
	if snap.LastError == "" {
		t.Error("last_error empty in error status")
	}

	fake.setPlaceErr(nil)
	waitFor(t, 3*time.Second, func() bool {
		snap, err := r.Get("btc_mm")
		return err == nil && snap.Status == types.StatusRunning
	}, "status never recovered after a successful tick")
}

func TestUpdateHotReloadKeepsInstance(t *testing.T) {
	t.Parallel()
	r, fake, _ := newTestRegistry(t)
	ctx := context.Background()

	first, err := r.Create(ctx, mmConfig("btc_mm"))
	if err != nil {
		t.Fatal(err)
	}

	cfg := mmConfig("btc_mm")
	cfg.Parameters["bid_spread"] = 0.005
	snap, err := r.Update(ctx, "btc_mm", cfg, false)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if snap.Status != types.StatusRunning {
		t.Errorf("status = %s, want running", snap.Status)
	}
	if !snap.Config.CreatedAt.Equal(first.Config.CreatedAt) {
		t.Error("created_at changed on update")
	}
	if !snap.Config.UpdatedAt.After(first.Config.UpdatedAt) {
		t.Error("updated_at not advanced")
	}
	if fake.cancelCount() != 0 {
		t.Errorf("hot reload cancelled %d orders", fake.cancelCount())
	}
}

func TestUpdateLeverageForcesRestart(t *testing.T) {
	t.Parallel()
	r, fake, _ := newTestRegistry(t)
	ctx := context.Background()

	cfg := mmConfig("btc_mm")
	cfg.RefreshIntervalMs = 100
	if _, err := r.Create(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		snap, err := r.Get("btc_mm")
		return err == nil && len(snap.OpenOrders) >= 2
	}, "strategy never quoted")

	// Long interval stops the tick churn so cancels below come only from
	// the restart cleanup.
	calm := mmConfig("btc_mm")
	calm.RefreshIntervalMs = 60_000
	if _, err := r.Update(ctx, "btc_mm", calm, false); err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)
	before := fake.cancelCount()

	lev := mmConfig("btc_mm")
	lev.RefreshIntervalMs = 60_000
	lev.Parameters["leverage"] = 5
	snap, err := r.Update(ctx, "btc_mm", lev, false)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if snap.Status != types.StatusRunning {
		t.Errorf("status = %s, want running after restart", snap.Status)
	}
	if fake.cancelCount() <= before {
		t.Error("restart without preserve_orders must cancel open orders")
	}
}

func TestUpdatePreserveOrdersSkipsCancel(t *testing.T) {
	t.Parallel()
	r, fake, _ := newTestRegistry(t)
	ctx := context.Background()

	cfg := mmConfig("btc_mm")
	cfg.RefreshIntervalMs = 100
	if _, err := r.Create(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		snap, err := r.Get("btc_mm")
		return err == nil && len(snap.OpenOrders) >= 2
	}, "strategy never quoted")

	calm := mmConfig("btc_mm")
	calm.RefreshIntervalMs = 60_000
	if _, err := r.Update(ctx, "btc_mm", calm, false); err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)
	before := fake.cancelCount()

	lev := mmConfig("btc_mm")
	lev.RefreshIntervalMs = 60_000
	lev.Parameters["leverage"] = 5
	if _, err := r.Update(ctx, "btc_mm", lev, true); err != nil {
		t.Fatal(err)
	}
	if fake.cancelCount() != before {
		t.Error("preserve_orders restart must not cancel open orders")
	}
}

func TestUpdatePairDiff(t *testing.T) {
	t.Parallel()
	r, _, conn := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Create(ctx, mmConfig("btc_mm", "BTC-USD")); err != nil {
		t.Fatal(err)
	}

	both := mmConfig("btc_mm", "BTC-USD", "ETH-USD")
	if _, err := r.Update(ctx, "btc_mm", both, false); err != nil {
		t.Fatal(err)
	}
	if rc := conn.Refcounts(); rc["BTC-USD"] != 1 || rc["ETH-USD"] != 1 {
		t.Errorf("refcounts after add = %v", rc)
	}

	ethOnly := mmConfig("btc_mm", "ETH-USD")
	if _, err := r.Update(ctx, "btc_mm", ethOnly, false); err != nil {
		t.Fatal(err)
	}
	if rc := conn.Refcounts(); rc["BTC-USD"] != 0 || rc["ETH-USD"] != 1 {
		t.Errorf("refcounts after remove = %v", rc)
	}
}

func TestUpdateUnknownStrategy(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(t)
	if _, err := r.Update(context.Background(), "ghost", mmConfig("ghost"), false); !errors.Is(err, ErrUnknownStrategy) {
		t.Errorf("err = %v, want ErrUnknownStrategy", err)
	}
}

func TestUpdateDisableThenEnable(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Create(ctx, mmConfig("btc_mm")); err != nil {
		t.Fatal(err)
	}

	off := mmConfig("btc_mm")
	off.Enabled = false
	snap, err := r.Update(ctx, "btc_mm", off, false)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != types.StatusPaused {
		t.Errorf("status = %s, want paused", snap.Status)
	}

	snap, err = r.Update(ctx, "btc_mm", mmConfig("btc_mm"), false)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != types.StatusRunning {
		t.Errorf("status = %s, want running after re-enable", snap.Status)
	}
}

func TestDeleteCleansUp(t *testing.T) {
	t.Parallel()
	r, _, conn := newTestRegistry(t)
	ctx := context.Background()

	cfg := mmConfig("btc_mm")
	cfg.RefreshIntervalMs = 100
	if _, err := r.Create(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		snap, err := r.Get("btc_mm")
		return err == nil && len(snap.OpenOrders) >= 2
	}, "strategy never quoted")

	report, err := r.Delete(ctx, "btc_mm", true, false)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if report.OrdersCancelled == 0 {
		t.Error("delete cancelled no orders")
	}
	if len(report.Errors) != 0 {
		t.Errorf("cleanup errors: %v", report.Errors)
	}

	if _, err := r.Get("btc_mm"); !errors.Is(err, ErrUnknownStrategy) {
		t.Errorf("get after delete err = %v, want ErrUnknownStrategy", err)
	}
	if rc := conn.Refcounts(); rc["BTC-USD"] != 0 {
		t.Errorf("BTC-USD refcount = %d after delete, want 0", rc["BTC-USD"])
	}
}

func TestDeleteUnknownStrategy(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(t)
	if _, err := r.Delete(context.Background(), "ghost", true, true); !errors.Is(err, ErrUnknownStrategy) {
		t.Errorf("err = %v, want ErrUnknownStrategy", err)
	}
}

type fakeCloser struct {
	called string
	report types.ForceCloseReport
}

func (f *fakeCloser) ForceClose(_ context.Context, name string) (types.ForceCloseReport, error) {
	f.called = name
	return f.report, nil
}

func TestDeleteClosesPositions(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	closer := &fakeCloser{report: types.ForceCloseReport{PositionsClosed: 2}}
	r.SetPositionCloser(closer)

	if _, err := r.Create(ctx, mmConfig("btc_mm")); err != nil {
		t.Fatal(err)
	}
	report, err := r.Delete(ctx, "btc_mm", false, true)
	if err != nil {
		t.Fatal(err)
	}
	if closer.called != "btc_mm" {
		t.Errorf("closer called with %q", closer.called)
	}
	if report.PositionsClosed != 2 {
		t.Errorf("positions_closed = %d, want 2", report.PositionsClosed)
	}
}

func TestLoadFromStore(t *testing.T) {
	t.Parallel()
	fake := newFakeAdapter()
	conn := connector.New(fake, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go conn.Run(ctx)

	path := filepath.Join(t.TempDir(), "strategies.json")
	seed, err := store.Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := seed.Upsert(mmConfig("good_mm")); err != nil {
		t.Fatal(err)
	}
	broken := mmConfig("bad_mm")
	broken.Parameters["bogus_knob"] = 1.0 // passes store validation, fails parameter parse
	if err := seed.Upsert(broken); err != nil {
		t.Fatal(err)
	}

	st, err := store.Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	r := New(ctx, st, conn, testLogger())
	if err := r.LoadFromStore(ctx); err != nil {
		t.Fatal(err)
	}

	good, err := r.Get("good_mm")
	if err != nil || good.Status != types.StatusRunning {
		t.Errorf("good_mm = %v status %s, want running", err, good.Status)
	}
	bad, err := r.Get("bad_mm")
	if err != nil || bad.Status != types.StatusError {
		t.Errorf("bad_mm = %v status %s, want error", err, bad.Status)
	}
	if bad.LastError == "" {
		t.Error("bad_mm last_error empty")
	}
}

type fakeFetcher struct {
	cfgs []types.StrategyConfig
}

func (f *fakeFetcher) FetchConfigs(context.Context) ([]types.StrategyConfig, error) {
	return f.cfgs, nil
}

func TestSyncFromRemoteCreatesOnlyMissing(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Create(ctx, mmConfig("btc_mm")); err != nil {
		t.Fatal(err)
	}

	fetcher := &fakeFetcher{cfgs: []types.StrategyConfig{
		mmConfig("btc_mm"),             // exists locally: must not be touched
		mmConfig("eth_mm", "ETH-USD"), // new: created
	}}
	added, err := r.SyncFromRemote(ctx, fetcher)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if added != 1 {
		t.Errorf("added = %d, want 1", added)
	}
	if _, err := r.Get("eth_mm"); err != nil {
		t.Errorf("eth_mm not created: %v", err)
	}
}

func TestShutdownStopsEverything(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	cfg := mmConfig("btc_mm")
	cfg.RefreshIntervalMs = 100
	if _, err := r.Create(ctx, cfg); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		r.Shutdown(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown hung")
	}

	snap, err := r.Get("btc_mm")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != types.StatusStopped {
		t.Errorf("status = %s, want stopped", snap.Status)
	}
}
