// ws.go implements the Hyperliquid WebSocket feed.
//
// One connection carries everything: l2Book subscriptions per coin for
// market data, plus the authenticated orderUpdates stream for the user's
// order lifecycle. The feed auto-reconnects with exponential backoff
// (1s → 30s max) and re-subscribes to all tracked coins on reconnection.
// A read deadline detects silent server failures within ~2 missed pings.
package hyperliquid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"hivebot/pkg/types"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	orderBufferSize  = 256
)

// Feed manages the WebSocket connection: subscription tracking, book cache
// maintenance, and order update routing.
type Feed struct {
	url         string
	userAddress string

	conn   *websocket.Conn
	connMu sync.Mutex

	subscribedMu sync.RWMutex
	subscribed   map[string]bool // coins with a live l2Book subscription

	booksMu sync.RWMutex
	books   map[string]types.MarketSnapshot // latest top-of-book per coin

	orderCh chan types.OrderUpdate

	logger *slog.Logger
}

// NewFeed creates a feed for the given WS endpoint and user address.
func NewFeed(wsURL, userAddress string, logger *slog.Logger) *Feed {
	return &Feed{
		url:         wsURL,
		userAddress: userAddress,
		subscribed:  make(map[string]bool),
		books:       make(map[string]types.MarketSnapshot),
		orderCh:     make(chan types.OrderUpdate, orderBufferSize),
		logger:      logger.With("component", "hyperliquid_ws"),
	}
}

// OrderUpdates returns the stream of order lifecycle events.
func (f *Feed) OrderUpdates() <-chan types.OrderUpdate { return f.orderCh }

// Snapshot returns the cached top-of-book for a coin.
func (f *Feed) Snapshot(coin string) (types.MarketSnapshot, bool) {
	f.booksMu.RLock()
	defer f.booksMu.RUnlock()
	snap, ok := f.books[coin]
	return snap, ok
}

// Subscribe starts the l2Book stream for a coin. Called before the socket is
// up, it only records the subscription; connect replays the full set.
func (f *Feed) Subscribe(coin string) error {
	f.subscribedMu.Lock()
	f.subscribed[coin] = true
	f.subscribedMu.Unlock()

	err := f.send(subscribeMsg("subscribe", map[string]any{"type": "l2Book", "coin": coin}))
	if errors.Is(err, errNotConnected) {
		return nil
	}
	return err
}

// Unsubscribe stops the l2Book stream and drops the cached book.
func (f *Feed) Unsubscribe(coin string) error {
	f.subscribedMu.Lock()
	delete(f.subscribed, coin)
	f.subscribedMu.Unlock()

	f.booksMu.Lock()
	delete(f.books, coin)
	f.booksMu.Unlock()

	err := f.send(subscribeMsg("unsubscribe", map[string]any{"type": "l2Book", "coin": coin}))
	if errors.Is(err, errNotConnected) {
		return nil
	}
	return err
}

func subscribeMsg(method string, subscription map[string]any) map[string]any {
	return map[string]any{"method": method, "subscription": subscription}
}

// Run connects and maintains the connection with auto-reconnect. Blocks
// until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			close(f.orderCh)
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			close(f.orderCh)
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.resubscribe(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	f.logger.Info("websocket connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatchMessage(msg)
	}
}

// resubscribe replays every tracked subscription plus the user's order
// stream on a fresh connection.
func (f *Feed) resubscribe() error {
	if f.userAddress != "" {
		sub := map[string]any{"type": "orderUpdates", "user": f.userAddress}
		if err := f.send(subscribeMsg("subscribe", sub)); err != nil {
			return err
		}
	}

	f.subscribedMu.RLock()
	coins := make([]string, 0, len(f.subscribed))
	for coin := range f.subscribed {
		coins = append(coins, coin)
	}
	f.subscribedMu.RUnlock()

	for _, coin := range coins {
		sub := map[string]any{"type": "l2Book", "coin": coin}
		if err := f.send(subscribeMsg("subscribe", sub)); err != nil {
			return err
		}
	}
	return nil
}

type bookLevel struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
}

func (f *Feed) dispatchMessage(data []byte) {
	var envelope struct {
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.Channel {
	case "l2Book":
		var book struct {
			Coin   string        `json:"coin"`
			Levels [][]bookLevel `json:"levels"`
			Time   int64         `json:"time"`
		}
		if err := json.Unmarshal(envelope.Data, &book); err != nil {
			f.logger.Error("unmarshal l2Book", "error", err)
			return
		}
		f.absorbBook(book.Coin, book.Levels, book.Time)

	case "orderUpdates":
		var updates []struct {
			Order struct {
				Oid    int64  `json:"oid"`
				Cloid  string `json:"cloid"`
				Sz     string `json:"sz"`
				OrigSz string `json:"origSz"`
			} `json:"order"`
			Status          string `json:"status"`
			StatusTimestamp int64  `json:"statusTimestamp"`
		}
		if err := json.Unmarshal(envelope.Data, &updates); err != nil {
			f.logger.Error("unmarshal orderUpdates", "error", err)
			return
		}
		for _, u := range updates {
			remaining, _ := decimal.NewFromString(u.Order.Sz)
			orig, _ := decimal.NewFromString(u.Order.OrigSz)
			update := types.OrderUpdate{
				ExchangeID:   fmt.Sprintf("%d", u.Order.Oid),
				ClientID:     u.Order.Cloid,
				State:        orderState(u.Status, remaining, orig),
				FilledAmount: orig.Sub(remaining),
				Timestamp:    time.UnixMilli(u.StatusTimestamp),
			}
			select {
			case f.orderCh <- update:
			default:
				f.logger.Warn("order channel full, dropping update", "oid", u.Order.Oid)
			}
		}

	case "subscriptionResponse", "pong":
		// Acknowledgements; nothing to route.

	default:
		f.logger.Debug("unknown ws channel", "channel", envelope.Channel)
	}
}

func orderState(status string, remaining, orig decimal.Decimal) types.OrderState {
	switch strings.ToLower(status) {
	case "filled":
		return types.OrderFilled
	case "canceled", "margincanceled", "liquidatedcanceled":
		return types.OrderCancelled
	case "rejected":
		return types.OrderRejected
	default:
		if remaining.LessThan(orig) && remaining.Sign() > 0 {
			return types.OrderPartiallyFilled
		}
		return types.OrderOpen
	}
}

// absorbBook folds an l2Book snapshot into the cache. Levels come as
// [bids, asks], best first.
func (f *Feed) absorbBook(coin string, levels [][]bookLevel, ts int64) {
	snap := types.MarketSnapshot{
		TradingPair: coin + "-USD",
		UpdatedAt:   time.UnixMilli(ts),
	}
	if len(levels) >= 1 && len(levels[0]) > 0 {
		snap.BestBid, _ = decimal.NewFromString(levels[0][0].Px)
	}
	if len(levels) >= 2 && len(levels[1]) > 0 {
		snap.BestAsk, _ = decimal.NewFromString(levels[1][0].Px)
	}
	if snap.BestBid.Sign() > 0 && snap.BestAsk.Sign() > 0 {
		snap.MidPrice = snap.BestBid.Add(snap.BestAsk).Div(decimal.NewFromInt(2))
	} else if snap.BestBid.Sign() > 0 {
		snap.MidPrice = snap.BestBid
	} else {
		snap.MidPrice = snap.BestAsk
	}

	f.booksMu.Lock()
	f.books[coin] = snap
	f.booksMu.Unlock()
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.send(map[string]any{"method": "ping"}); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

var errNotConnected = errors.New("websocket not connected")

func (f *Feed) send(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return errNotConnected
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}
