package hyperliquid

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"hivebot/internal/adapter"
	"hivebot/pkg/types"
)

// snapshotMaxAge is how old a cached book may be before MarketSnapshot falls
// back to a REST mid-price read.
const snapshotMaxAge = 10 * time.Second

// Hyperliquid glues the REST client and the WebSocket feed into the Adapter
// contract. Call Run once; it owns the feed lifecycle and the event stream.
type Hyperliquid struct {
	client *Client
	feed   *Feed
	events chan adapter.Event
	dryRun bool
	logger *slog.Logger

	coinsMu sync.RWMutex
	coins   map[string]string // exchange id -> coin, needed for cancels
}

// Options configure the adapter.
type Options struct {
	Domain          string // "mainnet" or "testnet"
	UserAddress     string
	AgentPrivateKey string
	DryRun          bool
}

// New builds the adapter. The agent key may be empty in dry-run mode.
func New(opts Options, logger *slog.Logger) (*Hyperliquid, error) {
	var signer *Signer
	if opts.AgentPrivateKey != "" {
		var err error
		signer, err = NewSigner(opts.AgentPrivateKey, opts.Domain == "testnet")
		if err != nil {
			return nil, err
		}
	} else if !opts.DryRun {
		return nil, fmt.Errorf("agent private key required outside dry-run")
	}

	return &Hyperliquid{
		client: NewClient(BaseURL(opts.Domain), opts.UserAddress, signer, opts.DryRun, logger),
		feed:   NewFeed(WSURL(opts.Domain), opts.UserAddress, logger),
		events: make(chan adapter.Event, orderBufferSize),
		dryRun: opts.DryRun,
		logger: logger.With("component", "hyperliquid"),
		coins:  make(map[string]string),
	}, nil
}

// Run drives the WebSocket feed and pumps its order updates onto the adapter
// event stream. Blocks until ctx is cancelled; Events is closed on return.
func (h *Hyperliquid) Run(ctx context.Context) {
	go func() {
		if err := h.feed.Run(ctx); err != nil && ctx.Err() == nil {
			h.logger.Error("websocket feed stopped", "error", err)
		}
	}()

	defer close(h.events)
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-h.feed.OrderUpdates():
			if !ok {
				return
			}
			update := u
			select {
			case h.events <- adapter.Event{Order: &update}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Events is the ordered order/position event stream.
func (h *Hyperliquid) Events() <-chan adapter.Event { return h.events }

// Subscribe starts market data for a pair's coin.
func (h *Hyperliquid) Subscribe(_ context.Context, pair string) error {
	return h.feed.Subscribe(coinOf(pair))
}

// Unsubscribe stops market data for a pair's coin.
func (h *Hyperliquid) Unsubscribe(_ context.Context, pair string) error {
	return h.feed.Unsubscribe(coinOf(pair))
}

// MarketSnapshot serves from the WS book cache, falling back to a REST mid
// read when the cache is missing or stale.
func (h *Hyperliquid) MarketSnapshot(ctx context.Context, pair string) (types.MarketSnapshot, error) {
	coin := coinOf(pair)
	if snap, ok := h.feed.Snapshot(coin); ok && !snap.Stale(snapshotMaxAge) {
		snap.TradingPair = pair
		return snap, nil
	}

	mids, err := h.client.AllMids(ctx)
	if err != nil {
		return types.MarketSnapshot{}, err
	}
	mid, ok := mids[coin]
	if !ok {
		return types.MarketSnapshot{}, fmt.Errorf("no market data for %s", pair)
	}
	return types.MarketSnapshot{
		TradingPair: pair,
		BestBid:     mid,
		BestAsk:     mid,
		MidPrice:    mid,
		UpdatedAt:   time.Now(),
	}, nil
}

// PlaceOrder submits the order and remembers its coin for later cancels.
func (h *Hyperliquid) PlaceOrder(ctx context.Context, req adapter.OrderRequest) (string, error) {
	exchangeID, err := h.client.PlaceOrder(ctx, req)
	if err != nil {
		return "", err
	}
	h.coinsMu.Lock()
	h.coins[exchangeID] = coinOf(req.TradingPair)
	h.coinsMu.Unlock()
	return exchangeID, nil
}

// Cancel cancels by exchange id, resolving the coin from the local map and
// falling back to an open-orders lookup for orders placed before a restart.
func (h *Hyperliquid) Cancel(ctx context.Context, exchangeID string) error {
	if h.dryRun {
		h.logger.Info("DRY-RUN: would cancel order", "exchange_id", exchangeID)
		return nil
	}

	coin, ok := h.coinFor(exchangeID)
	if !ok {
		if _, err := h.OpenOrders(ctx); err != nil {
			return err
		}
		if coin, ok = h.coinFor(exchangeID); !ok {
			return &adapter.CancelFailedError{Reason: fmt.Sprintf("unknown order %s", exchangeID)}
		}
	}

	oid, err := strconv.ParseInt(exchangeID, 10, 64)
	if err != nil {
		return &adapter.CancelFailedError{Reason: fmt.Sprintf("malformed exchange id %s", exchangeID)}
	}
	return h.client.Cancel(ctx, coin, oid)
}

func (h *Hyperliquid) coinFor(exchangeID string) (string, bool) {
	h.coinsMu.RLock()
	defer h.coinsMu.RUnlock()
	coin, ok := h.coins[exchangeID]
	return coin, ok
}

// OpenOrders lists resting orders and refreshes the id -> coin map.
func (h *Hyperliquid) OpenOrders(ctx context.Context) ([]types.Order, error) {
	orders, err := h.client.OpenOrders(ctx)
	if err != nil {
		return nil, err
	}
	h.coinsMu.Lock()
	for _, o := range orders {
		h.coins[o.ExchangeID] = coinOf(o.TradingPair)
	}
	h.coinsMu.Unlock()
	return orders, nil
}

// Positions lists open perp positions.
func (h *Hyperliquid) Positions(ctx context.Context) ([]types.Position, error) {
	return h.client.Positions(ctx)
}

// Balance returns the account value and withdrawable margin.
func (h *Hyperliquid) Balance(ctx context.Context) (types.Balance, error) {
	return h.client.Balance(ctx)
}
