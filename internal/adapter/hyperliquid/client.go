// Package hyperliquid implements the exchange adapter for Hyperliquid
// perpetuals.
//
// The REST client talks to two endpoints:
//   - POST /info      — mids, open orders, clearinghouse state, perp metadata
//   - POST /exchange  — signed order placement and cancels (agent wallet)
//
// Market data flows over the WebSocket feed (ws.go); the adapter glue that
// satisfies the orchestrator's Adapter interface lives in adapter.go. Every
// request is rate-limited through per-category token buckets. In dry-run
// mode mutating methods log and return synthetic success without touching
// the exchange.
package hyperliquid

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"hivebot/internal/adapter"
	"hivebot/pkg/types"
)

const (
	mainnetBaseURL = "https://api.hyperliquid.xyz"
	testnetBaseURL = "https://api.hyperliquid-testnet.xyz"
	mainnetWSURL   = "wss://api.hyperliquid.xyz/ws"
	testnetWSURL   = "wss://api.hyperliquid-testnet.xyz/ws"

	// marketSlippage prices IOC orders far enough through the book to fill
	// immediately while bounding the worst-case execution.
	marketSlippage = 0.05
)

// BaseURL returns the REST base for a domain ("mainnet" or "testnet").
func BaseURL(domain string) string {
	if domain == "testnet" {
		return testnetBaseURL
	}
	return mainnetBaseURL
}

// WSURL returns the WebSocket endpoint for a domain.
func WSURL(domain string) string {
	if domain == "testnet" {
		return testnetWSURL
	}
	return mainnetWSURL
}

// Client is the Hyperliquid REST client.
type Client struct {
	http        *resty.Client
	signer      *Signer
	rl          *RateLimiter
	userAddress string
	dryRun      bool
	logger      *slog.Logger

	metaMu sync.RWMutex
	assets map[string]assetInfo // coin -> index and size precision

	dryMu  sync.Mutex
	dryIDs uint64
}

type assetInfo struct {
	index      int
	szDecimals int
}

// NewClient creates a REST client. signer may be nil only in dry-run mode.
func NewClient(baseURL, userAddress string, signer *Signer, dryRun bool, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:        httpClient,
		signer:      signer,
		rl:          NewRateLimiter(),
		userAddress: userAddress,
		dryRun:      dryRun,
		logger:      logger.With("component", "hyperliquid"),
		assets:      make(map[string]assetInfo),
	}
}

// info posts one query to /info, decoding the result into out.
func (c *Client) info(ctx context.Context, payload, out any) error {
	if err := c.rl.Info.Wait(ctx); err != nil {
		return err
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(out).
		Post("/info")
	if err != nil {
		return &adapter.TransientError{Err: fmt.Errorf("info: %w", err)}
	}
	return checkStatus(resp, "info")
}

// checkStatus maps HTTP failures onto the adapter error taxonomy.
func checkStatus(resp *resty.Response, op string) error {
	code := resp.StatusCode()
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%s: %w: status %d: %s", op, adapter.ErrAuthFailed, code, resp.String())
	case code == http.StatusTooManyRequests || code >= 500:
		return &adapter.TransientError{Err: fmt.Errorf("%s: status %d: %s", op, code, resp.String())}
	default:
		return fmt.Errorf("%s: status %d: %s", op, code, resp.String())
	}
}

// loadMeta fetches the perp universe once and caches coin -> asset index.
func (c *Client) loadMeta(ctx context.Context) error {
	c.metaMu.RLock()
	loaded := len(c.assets) > 0
	c.metaMu.RUnlock()
	if loaded {
		return nil
	}

	var meta struct {
		Universe []struct {
			Name       string `json:"name"`
			SzDecimals int    `json:"szDecimals"`
		} `json:"universe"`
	}
	if err := c.info(ctx, map[string]any{"type": "meta"}, &meta); err != nil {
		return err
	}

	c.metaMu.Lock()
	for i, u := range meta.Universe {
		c.assets[u.Name] = assetInfo{index: i, szDecimals: u.SzDecimals}
	}
	c.metaMu.Unlock()
	c.logger.Debug("perp metadata loaded", "assets", len(meta.Universe))
	return nil
}

func (c *Client) asset(ctx context.Context, coin string) (assetInfo, error) {
	if err := c.loadMeta(ctx); err != nil {
		return assetInfo{}, err
	}
	c.metaMu.RLock()
	defer c.metaMu.RUnlock()
	info, ok := c.assets[coin]
	if !ok {
		return assetInfo{}, fmt.Errorf("unknown coin %q", coin)
	}
	return info, nil
}

// coinOf maps the canonical BASE-QUOTE pair onto Hyperliquid's coin symbol.
func coinOf(pair string) string {
	return strings.ToUpper(types.BaseAsset(pair))
}

// AllMids returns the exchange-wide mid prices keyed by coin.
func (c *Client) AllMids(ctx context.Context) (map[string]decimal.Decimal, error) {
	var raw map[string]string
	if err := c.info(ctx, map[string]any{"type": "allMids"}, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(raw))
	for coin, px := range raw {
		d, err := decimal.NewFromString(px)
		if err != nil {
			continue
		}
		out[coin] = d
	}
	return out, nil
}

type openOrderRow struct {
	Coin      string `json:"coin"`
	Oid       int64  `json:"oid"`
	Side      string `json:"side"` // "B" or "A"
	LimitPx   string `json:"limitPx"`
	Sz        string `json:"sz"`
	OrigSz    string `json:"origSz"`
	Cloid     string `json:"cloid"`
	Timestamp int64  `json:"timestamp"`
}

// OpenOrders lists the user's resting orders across all coins.
func (c *Client) OpenOrders(ctx context.Context) ([]types.Order, error) {
	var rows []openOrderRow
	payload := map[string]any{"type": "frontendOpenOrders", "user": c.userAddress}
	if err := c.info(ctx, payload, &rows); err != nil {
		return nil, err
	}

	out := make([]types.Order, 0, len(rows))
	for _, row := range rows {
		side := types.SideSell
		if row.Side == "B" {
			side = types.SideBuy
		}
		remaining, _ := decimal.NewFromString(row.Sz)
		orig, _ := decimal.NewFromString(row.OrigSz)
		price, _ := decimal.NewFromString(row.LimitPx)
		state := types.OrderOpen
		if remaining.LessThan(orig) {
			state = types.OrderPartiallyFilled
		}
		out = append(out, types.Order{
			ClientID:    row.Cloid,
			ExchangeID:  fmt.Sprintf("%d", row.Oid),
			TradingPair: row.Coin + "-USD",
			Side:        side,
			Type:        types.OrderTypeLimit,
			Amount:      orig,
			Price:       price,
			State:       state,
			CreatedAt:   time.UnixMilli(row.Timestamp),
		})
	}
	return out, nil
}

// Positions lists the user's open perp positions, marked at the current mid.
func (c *Client) Positions(ctx context.Context) ([]types.Position, error) {
	state, err := c.clearinghouseState(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]types.Position, 0, len(state.AssetPositions))
	for _, ap := range state.AssetPositions {
		p := ap.Position
		size, _ := decimal.NewFromString(p.Szi)
		if size.IsZero() {
			continue
		}
		side := types.PositionLong
		if size.Sign() < 0 {
			side = types.PositionShort
		}
		entry, _ := decimal.NewFromString(p.EntryPx)
		pnl, _ := decimal.NewFromString(p.UnrealizedPnl)
		out = append(out, types.Position{
			TradingPair:        p.Coin + "-USD",
			Side:               side,
			Size:               size,
			EntryPrice:         entry,
			UnrealizedPnL:      pnl,
			Leverage:           p.Leverage.Value,
			AttributedStrategy: types.AttributedUnknown,
		})
	}

	if len(out) > 0 {
		mids, err := c.AllMids(ctx)
		if err != nil {
			c.logger.Warn("mark prices unavailable", "error", err)
		} else {
			for i := range out {
				out[i].MarkPrice = mids[coinOf(out[i].TradingPair)]
			}
		}
	}
	return out, nil
}

// Balance returns the account value and withdrawable margin.
func (c *Client) Balance(ctx context.Context) (types.Balance, error) {
	state, err := c.clearinghouseState(ctx)
	if err != nil {
		return types.Balance{}, err
	}
	account, _ := decimal.NewFromString(state.MarginSummary.AccountValue)
	withdrawable, _ := decimal.NewFromString(state.Withdrawable)
	return types.Balance{AccountValue: account, Withdrawable: withdrawable}, nil
}

type clearinghouse struct {
	MarginSummary struct {
		AccountValue string `json:"accountValue"`
	} `json:"marginSummary"`
	Withdrawable   string `json:"withdrawable"`
	AssetPositions []struct {
		Position struct {
			Coin          string `json:"coin"`
			Szi           string `json:"szi"`
			EntryPx       string `json:"entryPx"`
			UnrealizedPnl string `json:"unrealizedPnl"`
			Leverage      struct {
				Value int `json:"value"`
			} `json:"leverage"`
		} `json:"position"`
	} `json:"assetPositions"`
}

func (c *Client) clearinghouseState(ctx context.Context) (*clearinghouse, error) {
	var state clearinghouse
	payload := map[string]any{"type": "clearinghouseState", "user": c.userAddress}
	if err := c.info(ctx, payload, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// orderWire is one order inside an exchange action.
type orderWire struct {
	Asset      int      `json:"a"`
	IsBuy      bool     `json:"b"`
	Price      string   `json:"p"`
	Size       string   `json:"s"`
	ReduceOnly bool     `json:"r"`
	Type       typeWire `json:"t"`
	Cloid      string   `json:"c,omitempty"`
}

type typeWire struct {
	Limit limitWire `json:"limit"`
}

type limitWire struct {
	Tif string `json:"tif"` // "Gtc" resting, "Ioc" immediate
}

// exchangeResponse is the /exchange result envelope.
type exchangeResponse struct {
	Status   string `json:"status"`
	Response struct {
		Type string `json:"type"`
		Data struct {
			Statuses []struct {
				Resting *struct {
					Oid int64 `json:"oid"`
				} `json:"resting"`
				Filled *struct {
					Oid int64 `json:"oid"`
				} `json:"filled"`
				Error string `json:"error"`
			} `json:"statuses"`
		} `json:"data"`
	} `json:"response"`
}

// PlaceOrder submits one order and returns the exchange order id. Market
// orders become IOC limit orders priced through the book by marketSlippage.
func (c *Client) PlaceOrder(ctx context.Context, req adapter.OrderRequest) (string, error) {
	if c.dryRun {
		c.dryMu.Lock()
		c.dryIDs++
		id := fmt.Sprintf("dry-%d", c.dryIDs)
		c.dryMu.Unlock()
		c.logger.Info("DRY-RUN: would place order",
			"client_id", req.ClientID, "pair", req.TradingPair,
			"side", req.Side, "amount", req.Amount, "price", req.Price)
		return id, nil
	}

	coin := coinOf(req.TradingPair)
	info, err := c.asset(ctx, coin)
	if err != nil {
		return "", err
	}

	price := req.Price
	tif := "Gtc"
	if req.Type == types.OrderTypeMarket {
		mids, err := c.AllMids(ctx)
		if err != nil {
			return "", err
		}
		mid, ok := mids[coin]
		if !ok || mid.Sign() <= 0 {
			return "", fmt.Errorf("no mid price for %s", coin)
		}
		slip := decimal.NewFromFloat(marketSlippage)
		if req.Side == types.SideBuy {
			price = mid.Mul(decimal.NewFromInt(1).Add(slip))
		} else {
			price = mid.Mul(decimal.NewFromInt(1).Sub(slip))
		}
		tif = "Ioc"
	}

	action := map[string]any{
		"type": "order",
		"orders": []orderWire{{
			Asset:      info.index,
			IsBuy:      req.Side == types.SideBuy,
			Price:      price.String(),
			Size:       req.Amount.Round(int32(info.szDecimals)).String(),
			ReduceOnly: req.PositionAction == types.PositionClose,
			Type:       typeWire{Limit: limitWire{Tif: tif}},
			Cloid:      req.ClientID,
		}},
		"grouping": "na",
	}

	var result exchangeResponse
	if err := c.exchange(ctx, action, &result); err != nil {
		return "", err
	}

	statuses := result.Response.Data.Statuses
	if len(statuses) == 0 {
		return "", fmt.Errorf("place order: empty status list")
	}
	st := statuses[0]
	switch {
	case st.Error != "":
		return "", &adapter.OrderRejectedError{Reason: st.Error}
	case st.Resting != nil:
		return fmt.Sprintf("%d", st.Resting.Oid), nil
	case st.Filled != nil:
		return fmt.Sprintf("%d", st.Filled.Oid), nil
	default:
		return "", fmt.Errorf("place order: unrecognized status")
	}
}

// Cancel cancels one order by exchange id on the given coin.
func (c *Client) Cancel(ctx context.Context, coin string, oid int64) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "coin", coin, "oid", oid)
		return nil
	}

	info, err := c.asset(ctx, coin)
	if err != nil {
		return err
	}

	action := map[string]any{
		"type": "cancel",
		"cancels": []map[string]any{
			{"a": info.index, "o": oid},
		},
	}

	var result exchangeResponse
	if err := c.exchange(ctx, action, &result); err != nil {
		return err
	}
	for _, st := range result.Response.Data.Statuses {
		if st.Error != "" {
			return &adapter.CancelFailedError{Reason: st.Error}
		}
	}
	return nil
}

// exchange signs and posts one action to /exchange.
func (c *Client) exchange(ctx context.Context, action any, out *exchangeResponse) error {
	if c.signer == nil {
		return fmt.Errorf("exchange: %w: no agent key configured", adapter.ErrAuthFailed)
	}
	if err := c.rl.Exchange.Wait(ctx); err != nil {
		return err
	}

	nonce := uint64(time.Now().UnixMilli())
	sig, err := c.signer.SignAction(action, nonce)
	if err != nil {
		return fmt.Errorf("exchange: %w", err)
	}

	body := map[string]any{
		"action":    action,
		"nonce":     nonce,
		"signature": sig,
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		Post("/exchange")
	if err != nil {
		return &adapter.TransientError{Err: fmt.Errorf("exchange: %w", err)}
	}
	if err := checkStatus(resp, "exchange"); err != nil {
		return err
	}

	// Error responses come back 200 with status != "ok" and a string payload,
	// so the envelope is probed before decoding the full shape.
	var probe struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(resp.Body(), &probe); err != nil {
		return fmt.Errorf("exchange: decode: %w", err)
	}
	if probe.Status != "ok" {
		var errResp struct {
			Response string `json:"response"`
		}
		_ = json.Unmarshal(resp.Body(), &errResp)
		detail := errResp.Response
		if detail == "" {
			detail = probe.Status
		}
		low := strings.ToLower(detail)
		if strings.Contains(low, "signature") || strings.Contains(low, "does not exist") {
			return fmt.Errorf("exchange: %w: %s", adapter.ErrAuthFailed, detail)
		}
		return fmt.Errorf("exchange: %s", detail)
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("exchange: decode: %w", err)
	}
	return nil
}
