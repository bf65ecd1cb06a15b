// Package bitget implements the exchange.Adapter contract against the
// Bitget USDT-FUTURES v2 REST API.
package bitget

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"hedging-core/pkg/exchange"
	"hedging-core/pkg/logger"
)

const (
	productType = "USDT-FUTURES"
	marginCoin  = "USDT"
)

// Config holds Bitget credentials and mode.
type Config struct {
	APIKey     string
	APISecret  string
	Passphrase string
	Demo       bool // paper trading account
	BaseURL    string
	MaxRetries int
}

// Client is a signed Bitget REST client. It implements exchange.Adapter.
type Client struct {
	cfg        Config
	httpClient *http.Client
	timeSync   *timeSync
	limiter    *rate.Limiter
}

// NewClient creates a Bitget USDT-futures client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.bitget.com"
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(10), 20), // self-throttle below venue limits
	}
	c.timeSync = newTimeSync(c.getServerTime)
	return c
}

// GetCandles returns up to limit bars ascending by timestamp.
func (c *Client) GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]exchange.Candle, error) {
	params := map[string]string{
		"symbol":      symbol,
		"productType": productType,
		"granularity": timeframe,
		"limit":       strconv.Itoa(limit),
	}
	var rows [][]string
	if err := c.get(ctx, "/api/v2/mix/market/candles", params, &rows); err != nil {
		return nil, err
	}
	candles := make([]exchange.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		ts, _ := strconv.ParseInt(row[0], 10, 64)
		open, _ := strconv.ParseFloat(row[1], 64)
		high, _ := strconv.ParseFloat(row[2], 64)
		low, _ := strconv.ParseFloat(row[3], 64)
		cls, _ := strconv.ParseFloat(row[4], 64)
		vol, _ := strconv.ParseFloat(row[5], 64)
		candles = append(candles, exchange.Candle{Timestamp: ts, Open: open, High: high, Low: low, Close: cls, Volume: vol})
	}
	sort.Slice(candles, func(i, j int) bool { return candles[i].Timestamp < candles[j].Timestamp })
	return candles, nil
}

// GetTicker returns the last traded price.
func (c *Client) GetTicker(ctx context.Context, symbol string) (float64, error) {
	params := map[string]string{"symbol": symbol, "productType": productType}
	var tickers []tickerData
	if err := c.get(ctx, "/api/v2/mix/market/ticker", params, &tickers); err != nil {
		return 0, err
	}
	if len(tickers) == 0 {
		return 0, exchange.NewAPIError(exchange.KindNotFound, "TICKER_EMPTY", "no ticker for "+symbol)
	}
	price, err := strconv.ParseFloat(tickers[0].LastPr, 64)
	if err != nil || price <= 0 {
		return 0, exchange.NewAPIError(exchange.KindInternal, "TICKER_PARSE", "bad last price: "+tickers[0].LastPr)
	}
	return price, nil
}

// GetBalance returns available USDT margin.
func (c *Client) GetBalance(ctx context.Context) (float64, error) {
	params := map[string]string{"productType": productType}
	var accounts []accountData
	if err := c.get(ctx, "/api/v2/mix/account/accounts", params, &accounts); err != nil {
		return 0, err
	}
	for _, acct := range accounts {
		if acct.MarginCoin == marginCoin {
			available, _ := strconv.ParseFloat(acct.Available, 64)
			return available, nil
		}
	}
	return 0, nil
}

// GetPositions returns open positions for symbol, one per hold side.
func (c *Client) GetPositions(ctx context.Context, symbol string) ([]exchange.Position, error) {
	params := map[string]string{"productType": productType, "marginCoin": marginCoin}
	if symbol != "" {
		params["symbol"] = symbol
	}
	var rows []positionData
	if err := c.get(ctx, "/api/v2/mix/position/all-position", params, &rows); err != nil {
		return nil, err
	}
	positions := make([]exchange.Position, 0, len(rows))
	for _, row := range rows {
		qty, _ := strconv.ParseFloat(row.Total, 64)
		if qty <= 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(row.OpenPriceAvg, 64)
		upl, _ := strconv.ParseFloat(row.UnrealizedPL, 64)
		lev, _ := strconv.Atoi(row.Leverage)
		side := exchange.SideLong
		if strings.EqualFold(row.HoldSide, "short") {
			side = exchange.SideShort
		}
		positions = append(positions, exchange.Position{
			ID:            fmt.Sprintf("%s-%s", row.Symbol, strings.ToLower(row.HoldSide)),
			Symbol:        row.Symbol,
			Side:          side,
			AvgEntryPrice: entry,
			Qty:           qty,
			UnrealizedPnL: upl,
			Leverage:      lev,
		})
	}
	return positions, nil
}

// OpenPosition opens lot on side with a market order.
func (c *Client) OpenPosition(ctx context.Context, symbol string, side exchange.Side, lot float64) (exchange.OrderAck, error) {
	return c.placeOrder(ctx, symbol, side, "open", lot)
}

// ClosePosition closes lot on side with a market order.
func (c *Client) ClosePosition(ctx context.Context, symbol string, side exchange.Side, lot float64) (exchange.OrderAck, error) {
	return c.placeOrder(ctx, symbol, side, "close", lot)
}

func (c *Client) placeOrder(ctx context.Context, symbol string, side exchange.Side, tradeSide string, lot float64) (exchange.OrderAck, error) {
	// Hedge mode: for open, buy=long and sell=short; for close the venue
	// wants the side of the position being closed.
	orderSide := "buy"
	if side == exchange.SideShort {
		orderSide = "sell"
	}
	body := map[string]string{
		"symbol":      symbol,
		"productType": productType,
		"marginMode":  "crossed",
		"marginCoin":  marginCoin,
		"side":        orderSide,
		"tradeSide":   tradeSide,
		"orderType":   "market",
		"size":        strconv.FormatFloat(lot, 'f', -1, 64),
		"force":       "GTC",
		"clientOid":   uuid.NewString(),
	}
	var ack orderData
	if err := c.post(ctx, "/api/v2/mix/order/place-order", body, &ack); err != nil {
		return exchange.OrderAck{}, err
	}
	return exchange.OrderAck{OrderID: ack.OrderID}, nil
}

// CancelAllOrders cancels every pending order on symbol.
func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	body := map[string]string{"symbol": symbol, "productType": productType}
	return c.post(ctx, "/api/v2/mix/order/cancel-all-orders", body, nil)
}

// SetLeverage sets symbol leverage for both hold sides.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	body := map[string]string{
		"symbol":      symbol,
		"productType": productType,
		"marginCoin":  marginCoin,
		"leverage":    strconv.Itoa(leverage),
	}
	return c.post(ctx, "/api/v2/mix/account/set-leverage", body, nil)
}

func (c *Client) getServerTime() (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/v2/public/time", nil)
	if err != nil {
		return 0, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()

	var env struct {
		envelope
		Data serverTimeData `json:"data"`
	}
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		return 0, err
	}
	return strconv.ParseInt(env.Data.ServerTime, 10, 64)
}

func (c *Client) get(ctx context.Context, path string, params map[string]string, out any) error {
	return c.request(ctx, http.MethodGet, path, params, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body map[string]string, out any) error {
	return c.request(ctx, http.MethodPost, path, nil, body, out)
}

// request signs and sends one API call, retrying transient failures with
// jittered exponential backoff. The signature covers a fresh timestamp on
// every attempt.
func (c *Client) request(ctx context.Context, method, path string, params, body map[string]string, out any) error {
	requestPath := path
	if len(params) > 0 {
		// Query params must be sorted; the signature covers them.
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		values := url.Values{}
		for _, k := range keys {
			values.Set(k, params[k])
		}
		requestPath = path + "?" + values.Encode()
	}

	var bodyStr string
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
		bodyStr = string(raw)
	}

	retry := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: true}
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retry.Duration()):
			case <-ctx.Done():
				return exchange.NewAPIError(exchange.KindTransient, "CANCELLED", ctx.Err().Error())
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return exchange.NewAPIError(exchange.KindTransient, "CANCELLED", err.Error())
		}

		err := c.do(ctx, method, requestPath, bodyStr, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !exchange.IsTransient(err) {
			return err
		}
		logger.S().Warnf("bitget %s %s attempt %d: %v", method, path, attempt+1, err)
	}
	return lastErr
}

func (c *Client) do(ctx context.Context, method, requestPath, bodyStr string, out any) error {
	timestamp := strconv.FormatInt(c.timeSync.Now(), 10)
	sign := c.sign(timestamp, method, requestPath, bodyStr)

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+requestPath, strings.NewReader(bodyStr))
	if err != nil {
		return exchange.NewAPIError(exchange.KindInternal, "REQUEST", err.Error())
	}
	req.Header.Set("ACCESS-KEY", c.cfg.APIKey)
	req.Header.Set("ACCESS-SIGN", sign)
	req.Header.Set("ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("ACCESS-PASSPHRASE", c.cfg.Passphrase)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("locale", "en-US")
	if c.cfg.Demo {
		req.Header.Set("paptrading", "1")
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return exchange.NewAPIError(exchange.KindTransient, "NETWORK", err.Error())
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusTooManyRequests {
		if wait, err := strconv.Atoi(res.Header.Get("Retry-After")); err == nil && wait > 0 {
			select {
			case <-time.After(time.Duration(wait) * time.Second):
			case <-ctx.Done():
			}
		}
		return exchange.NewAPIError(exchange.KindTransient, "429", "rate limited")
	}

	var raw struct {
		envelope
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(res.Body).Decode(&raw); err != nil {
		return exchange.NewAPIError(exchange.KindInternal, "PARSE", err.Error())
	}
	if raw.Code != "00000" {
		return mapAPIError(raw.Code, raw.Msg)
	}
	if out != nil && len(raw.Data) > 0 {
		if err := json.Unmarshal(raw.Data, out); err != nil {
			return exchange.NewAPIError(exchange.KindInternal, "PARSE", err.Error())
		}
	}
	return nil
}

func (c *Client) sign(timestamp, method, requestPath, body string) string {
	// sign = base64(hmac_sha256(secret, timestamp + METHOD + path + body))
	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(timestamp + strings.ToUpper(method) + requestPath + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// mapAPIError classifies venue error codes into the adapter taxonomy.
func mapAPIError(code, msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "signature") || strings.Contains(lower, "passphrase") ||
		strings.Contains(lower, "apikey") || strings.Contains(lower, "api key") ||
		code == "40012" || code == "40037":
		return exchange.NewAPIError(exchange.KindAuth, code, msg)
	case code == "50000" || code == "40034" || code == "40001":
		// System busy / too frequent: worth retrying.
		return exchange.NewAPIError(exchange.KindTransient, code, msg)
	case code == "22002" || strings.Contains(lower, "no position"):
		return exchange.NewAPIError(exchange.KindNotFound, code, msg)
	case strings.Contains(lower, "not exist") || strings.Contains(lower, "not found"):
		return exchange.NewAPIError(exchange.KindNotFound, code, msg)
	case strings.Contains(lower, "insufficient") || strings.Contains(lower, "exceed") ||
		strings.Contains(lower, "size") || strings.Contains(lower, "amount"):
		return exchange.NewAPIError(exchange.KindRejected, code, msg)
	default:
		return exchange.NewAPIError(exchange.KindInternal, code, msg)
	}
}
