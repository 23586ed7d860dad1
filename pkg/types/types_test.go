package types

import (
	"testing"
	"time"
)

func validConfig() StrategyConfig {
	return StrategyConfig{
		Name:              "btc_mm",
		Kind:              KindPureMarketMaking,
		TradingPairs:      []string{"BTC-USD"},
		Parameters:        map[string]any{"bid_spread": 0.002},
		RefreshIntervalMs: 5000,
		Enabled:           true,
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*StrategyConfig)
	}{
		{"empty name", func(c *StrategyConfig) { c.Name = "" }},
		{"long name", func(c *StrategyConfig) { c.Name = "this_name_is_way_too_long_for_a_client_id_prefix" }},
		{"bad kind", func(c *StrategyConfig) { c.Kind = "grid_trading" }},
		{"no pairs", func(c *StrategyConfig) { c.TradingPairs = nil }},
		{"bad pair", func(c *StrategyConfig) { c.TradingPairs = []string{"BTCUSD"} }},
		{"interval too small", func(c *StrategyConfig) { c.RefreshIntervalMs = 50 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error for %s", tc.name)
			}
		})
	}
}

func TestConfigValidateBoundaryInterval(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.RefreshIntervalMs = 100
	if err := cfg.Validate(); err != nil {
		t.Errorf("100ms interval should be accepted: %v", err)
	}
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cp := cfg.Clone()
	cp.TradingPairs[0] = "ETH-USD"
	cp.Parameters["bid_spread"] = 1.0
	if cfg.TradingPairs[0] != "BTC-USD" {
		t.Error("Clone shares trading pairs slice")
	}
	if cfg.Parameters["bid_spread"] != 0.002 {
		t.Error("Clone shares parameter map")
	}
}

func TestComposeClientID(t *testing.T) {
	t.Parallel()

	got := ComposeClientID("eth_mm", "ETH-USD", SideBuy, 1)
	if got != "eth_mm-eth-usd-buy-1" {
		t.Errorf("ComposeClientID = %q, want eth_mm-eth-usd-buy-1", got)
	}

	// Hyphenated names escape to underscores so the prefix stays unambiguous.
	got = ComposeClientID("BTC-Scalper", "BTC-USD", SideSell, 42)
	if got != "btc_scalper-btc-usd-sell-42" {
		t.Errorf("ComposeClientID = %q", got)
	}
}

func TestOwnerOfClientID(t *testing.T) {
	t.Parallel()

	id := ComposeClientID("eth_mm", "ETH-USD", SideBuy, 7)
	owner, ok := OwnerOfClientID(id)
	if !ok || owner != "eth_mm" {
		t.Errorf("OwnerOfClientID(%q) = %q, %v", id, owner, ok)
	}

	if _, ok := OwnerOfClientID(""); ok {
		t.Error("empty id should have no owner")
	}
	if _, ok := OwnerOfClientID("bareword"); ok {
		t.Error("id without separator should have no owner")
	}
}

func TestOrderStateOrdering(t *testing.T) {
	t.Parallel()

	seq := []OrderState{OrderSubmitted, OrderOpen, OrderPartiallyFilled, OrderFilled}
	for i := 1; i < len(seq); i++ {
		if !seq[i].Supersedes(seq[i-1]) {
			t.Errorf("%s should supersede %s", seq[i], seq[i-1])
		}
		if seq[i-1].Supersedes(seq[i]) {
			t.Errorf("%s should not supersede %s", seq[i-1], seq[i])
		}
	}
	if OrderOpen.Supersedes(OrderCancelled) {
		t.Error("no state supersedes a terminal state")
	}
	if !OrderCancelled.Terminal() || !OrderRejected.Terminal() || !OrderFilled.Terminal() {
		t.Error("terminal states misreported")
	}
	if OrderPartiallyFilled.Terminal() {
		t.Error("partially_filled is not terminal")
	}
}

func TestPositionCloseSide(t *testing.T) {
	t.Parallel()
	if (Position{Side: PositionLong}).CloseSide() != SideSell {
		t.Error("long closes with sell")
	}
	if (Position{Side: PositionShort}).CloseSide() != SideBuy {
		t.Error("short closes with buy")
	}
}

func TestMarketSnapshotStale(t *testing.T) {
	t.Parallel()
	snap := MarketSnapshot{UpdatedAt: time.Now().Add(-10 * time.Second)}
	if !snap.Stale(5 * time.Second) {
		t.Error("10s old snapshot should be stale at 5s")
	}
	snap.UpdatedAt = time.Now()
	if snap.Stale(5 * time.Second) {
		t.Error("fresh snapshot should not be stale")
	}
}
