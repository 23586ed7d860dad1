package hyperliquid

import (
	"testing"

	"github.com/shopspring/decimal"

	"hivebot/pkg/types"
)

func TestOrderStateMapping(t *testing.T) {
	t.Parallel()
	d := decimal.NewFromInt

	cases := []struct {
		status    string
		remaining decimal.Decimal
		orig      decimal.Decimal
		want      types.OrderState
	}{
		{"filled", d(0), d(2), types.OrderFilled},
		{"canceled", d(2), d(2), types.OrderCancelled},
		{"marginCanceled", d(2), d(2), types.OrderCancelled},
		{"liquidatedCanceled", d(2), d(2), types.OrderCancelled},
		{"rejected", d(2), d(2), types.OrderRejected},
		{"open", d(2), d(2), types.OrderOpen},
		{"open", d(1), d(2), types.OrderPartiallyFilled},
	}
	for _, tc := range cases {
		if got := orderState(tc.status, tc.remaining, tc.orig); got != tc.want {
			t.Errorf("orderState(%q, %s/%s) = %s, want %s",
				tc.status, tc.remaining, tc.orig, got, tc.want)
		}
	}
}

func TestAbsorbBookMid(t *testing.T) {
	t.Parallel()
	f := NewFeed("ws://localhost", "0xuser", testLogger())

	f.absorbBook("BTC", [][]bookLevel{
		{{Px: "49990", Sz: "1.5"}, {Px: "49980", Sz: "2.0"}},
		{{Px: "50010", Sz: "0.8"}, {Px: "50020", Sz: "1.1"}},
	}, 1700000000000)

	snap, ok := f.Snapshot("BTC")
	if !ok {
		t.Fatal("no snapshot cached")
	}
	if want := decimal.NewFromInt(49990); !snap.BestBid.Equal(want) {
		t.Errorf("best bid = %s, want %s", snap.BestBid, want)
	}
	if want := decimal.NewFromInt(50010); !snap.BestAsk.Equal(want) {
		t.Errorf("best ask = %s, want %s", snap.BestAsk, want)
	}
	if want := decimal.NewFromInt(50000); !snap.MidPrice.Equal(want) {
		t.Errorf("mid = %s, want %s", snap.MidPrice, want)
	}
}

func TestAbsorbBookOneSided(t *testing.T) {
	t.Parallel()
	f := NewFeed("ws://localhost", "0xuser", testLogger())

	f.absorbBook("ETH", [][]bookLevel{
		{{Px: "3000", Sz: "10"}},
		{},
	}, 1700000000000)

	snap, _ := f.Snapshot("ETH")
	if want := decimal.NewFromInt(3000); !snap.MidPrice.Equal(want) {
		t.Errorf("one-sided mid = %s, want best bid %s", snap.MidPrice, want)
	}
}

func TestSubscribeBeforeConnectIsRecorded(t *testing.T) {
	t.Parallel()
	f := NewFeed("ws://localhost", "0xuser", testLogger())

	if err := f.Subscribe("BTC"); err != nil {
		t.Fatalf("Subscribe before connect: %v", err)
	}
	f.subscribedMu.RLock()
	recorded := f.subscribed["BTC"]
	f.subscribedMu.RUnlock()
	if !recorded {
		t.Error("subscription not recorded for replay on connect")
	}

	if err := f.Unsubscribe("BTC"); err != nil {
		t.Fatalf("Unsubscribe before connect: %v", err)
	}
}

func TestUnsubscribeDropsCachedBook(t *testing.T) {
	t.Parallel()
	f := NewFeed("ws://localhost", "0xuser", testLogger())

	f.absorbBook("SOL", [][]bookLevel{
		{{Px: "150", Sz: "5"}},
		{{Px: "151", Sz: "5"}},
	}, 1700000000000)
	if _, ok := f.Snapshot("SOL"); !ok {
		t.Fatal("book not cached")
	}

	_ = f.Unsubscribe("SOL")
	if _, ok := f.Snapshot("SOL"); ok {
		t.Error("book survived unsubscribe")
	}
}

func TestCoinOf(t *testing.T) {
	t.Parallel()
	if got := coinOf("btc-usd"); got != "BTC" {
		t.Errorf("coinOf(btc-usd) = %q", got)
	}
	if got := coinOf("ETH-USD"); got != "ETH" {
		t.Errorf("coinOf(ETH-USD) = %q", got)
	}
}
