package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"hivebot/pkg/types"
)

// fakeEnv records the order flow a strategy emits in one tick.
type fakeEnv struct {
	mids    map[string]float64
	open    []types.Order
	submits []types.OrderIntent
	cancels []string
}

func (e *fakeEnv) MarketSnapshot(_ context.Context, pair string) (types.MarketSnapshot, error) {
	mid := decimal.NewFromFloat(e.mids[pair])
	return types.MarketSnapshot{
		TradingPair: pair,
		BestBid:     mid.Mul(decimal.NewFromFloat(0.999)),
		BestAsk:     mid.Mul(decimal.NewFromFloat(1.001)),
		MidPrice:    mid,
		UpdatedAt:   time.Now(),
	}, nil
}

func (e *fakeEnv) OpenOrders() []types.Order { return e.open }

func (e *fakeEnv) Submit(_ context.Context, intent types.OrderIntent) (types.Order, error) {
	e.submits = append(e.submits, intent)
	return types.Order{
		ExchangeID:  time.Now().Format("150405.000000000"),
		TradingPair: intent.TradingPair,
		Side:        intent.Side,
		Amount:      intent.Amount,
		Price:       intent.Price,
		State:       types.OrderSubmitted,
	}, nil
}

func (e *fakeEnv) Cancel(_ context.Context, exchangeID string) error {
	e.cancels = append(e.cancels, exchangeID)
	return nil
}

func (e *fakeEnv) Now() time.Time { return time.Now() }

func pureConfig() types.StrategyConfig {
	return types.StrategyConfig{
		Name:         "btc_mm",
		Kind:         types.KindPureMarketMaking,
		TradingPairs: []string{"BTC-USD"},
		Parameters: map[string]any{
			"bid_spread":   0.002,
			"ask_spread":   0.002,
			"order_amount": 0.001,
			"order_levels": 1,
			"leverage":     1,
		},
		RefreshIntervalMs: 5000,
	}
}

func TestFactoryByKind(t *testing.T) {
	t.Parallel()

	if _, err := New(pureConfig()); err != nil {
		t.Errorf("pure_market_making: %v", err)
	}

	cfg := pureConfig()
	cfg.Kind = types.KindAvellaneda
	cfg.Parameters = map[string]any{"gamma": 0.1, "sigma": 0.5, "k": 1.5, "order_amount": 0.001}
	if _, err := New(cfg); err != nil {
		t.Errorf("avellaneda_market_making: %v", err)
	}

	cfg = pureConfig()
	cfg.Kind = types.KindCrossExchange
	cfg.Parameters = map[string]any{"min_profitability": 0.003, "order_amount": 0.001}
	if _, err := New(cfg); err != nil {
		t.Errorf("cross_exchange_market_making: %v", err)
	}
}

func TestUnknownParameterRejected(t *testing.T) {
	t.Parallel()
	cfg := pureConfig()
	cfg.Parameters["volatility_target"] = 0.5
	if _, err := New(cfg); err == nil {
		t.Error("unknown parameter key must reject the config")
	}
}

func TestMissingRequiredParameterRejected(t *testing.T) {
	t.Parallel()
	cfg := pureConfig()
	delete(cfg.Parameters, "order_amount")
	if _, err := New(cfg); err == nil {
		t.Error("missing order_amount must reject the config")
	}
}

func TestNonNumericParameterRejected(t *testing.T) {
	t.Parallel()
	cfg := pureConfig()
	cfg.Parameters["bid_spread"] = "wide"
	if _, err := New(cfg); err == nil {
		t.Error("string parameter must reject the config")
	}
}

func TestPureTickQuotesBothSides(t *testing.T) {
	t.Parallel()
	s, err := New(pureConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	env := &fakeEnv{mids: map[string]float64{"BTC-USD": 50000}}
	if err := s.Tick(context.Background(), env); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(env.submits) != 2 {
		t.Fatalf("submitted %d orders, want 2", len(env.submits))
	}
	bid, ask := env.submits[0], env.submits[1]
	if bid.Side != types.SideBuy || ask.Side != types.SideSell {
		t.Fatalf("sides = %s/%s, want buy first then sell", bid.Side, ask.Side)
	}
	// 0.2% spread around 50000.
	if want := decimal.NewFromInt(49900); !bid.Price.Equal(want) {
		t.Errorf("bid = %s, want %s", bid.Price, want)
	}
	if want := decimal.NewFromInt(50100); !ask.Price.Equal(want) {
		t.Errorf("ask = %s, want %s", ask.Price, want)
	}
}

func TestPureTickCancelsStaleQuotesFirst(t *testing.T) {
	t.Parallel()
	s, err := New(pureConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	env := &fakeEnv{
		mids: map[string]float64{"BTC-USD": 50000},
		open: []types.Order{
			{ExchangeID: "ex-1", State: types.OrderOpen},
			{ExchangeID: "ex-2", State: types.OrderFilled}, // terminal, skip
		},
	}
	if err := s.Tick(context.Background(), env); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(env.cancels) != 1 || env.cancels[0] != "ex-1" {
		t.Errorf("cancels = %v, want [ex-1]", env.cancels)
	}
}

func TestAvellanedaSkewsQuotesAgainstInventory(t *testing.T) {
	t.Parallel()
	cfg := pureConfig()
	cfg.Kind = types.KindAvellaneda
	cfg.Parameters = map[string]any{
		"gamma": 0.5, "sigma": 1.0, "k": 1.5, "t": 1.0, "order_amount": 1.0,
	}
	raw, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s := raw.(*avellaneda)

	env := &fakeEnv{mids: map[string]float64{"BTC-USD": 100}}
	if err := s.Tick(context.Background(), env); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	flatBid := env.submits[0].Price

	// Long inventory must lower the reservation price and with it the bid.
	s.inventory["BTC-USD"] = decimal.NewFromInt(10)
	env2 := &fakeEnv{mids: map[string]float64{"BTC-USD": 100}}
	if err := s.Tick(context.Background(), env2); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	longBid := env2.submits[0].Price

	if !longBid.LessThan(flatBid) {
		t.Errorf("long inventory bid %s not below flat bid %s", longBid, flatBid)
	}
}

func TestCrossExchangeQuotesAtMargin(t *testing.T) {
	t.Parallel()
	cfg := pureConfig()
	cfg.Kind = types.KindCrossExchange
	cfg.TradingPairs = []string{"BTC-USD"}
	cfg.Parameters = map[string]any{"min_profitability": 0.01, "order_amount": 1.0}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	env := &fakeEnv{mids: map[string]float64{"BTC-USD": 100}}
	if err := s.Tick(context.Background(), env); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(env.submits) != 2 {
		t.Fatalf("submitted %d, want 2", len(env.submits))
	}
	if want := decimal.NewFromInt(99); !env.submits[0].Price.Equal(want) {
		t.Errorf("bid = %s, want %s", env.submits[0].Price, want)
	}
	if want := decimal.NewFromInt(101); !env.submits[1].Price.Equal(want) {
		t.Errorf("ask = %s, want %s", env.submits[1].Price, want)
	}
}

func TestCanHotReload(t *testing.T) {
	t.Parallel()
	s, err := New(pureConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	same := pureConfig().Parameters
	same["bid_spread"] = 0.005
	if !s.CanHotReload(same) {
		t.Error("spread change should hot reload")
	}

	lev := pureConfig().Parameters
	lev["leverage"] = 5
	if s.CanHotReload(lev) {
		t.Error("leverage change must force a restart")
	}

	if s.CanHotReload(map[string]any{"bogus": 1}) {
		t.Error("invalid params must not hot reload")
	}
}
