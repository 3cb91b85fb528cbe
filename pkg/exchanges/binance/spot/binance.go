package spot

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tradeguard/pkg/exchanges/common"
)

// Config holds Binance credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64   // ms
	RPS        float64 // local request pacing
	BaseURL    string  // overrides the production/testnet host (tests)
}

// Client is a Binance spot trading client.
type Client struct {
	cfg         Config
	baseURL     string
	httpClient  *http.Client
	timeSync    *common.TimeSync
	rateLimiter *common.RateLimiter
}

var _ common.Exchange = (*Client)(nil)

// errMissingCredentials is returned by signed endpoints without keys.
var errMissingCredentials = errors.New("binance: API key/secret required")

// APIError is a non-2xx response from the venue.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance %s %s status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

func New(cfg Config) *Client {
	base := "https://api.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binance.vision"
	}
	if cfg.BaseURL != "" {
		base = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 10
	}
	client := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	client.timeSync = common.NewTimeSync(client.GetServerTime)
	// 1200 weight/min for spot
	client.rateLimiter = common.NewRateLimiter(cfg.RPS, int(cfg.RPS), 1200, time.Minute)
	return client
}

// StartTimeSync keeps the signing clock aligned with the venue.
func (c *Client) StartTimeSync(ctx context.Context) {
	c.timeSync.Start(ctx)
}

// PlaceOrder submits a new order and returns the FULL acknowledgement,
// including any immediate fills.
func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	ordType := strings.ToUpper(string(req.Type))
	if ordType == "" {
		ordType = string(common.OrderTypeMarket)
	}
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", ordType)
	params.Set("newOrderRespType", "FULL")
	if req.QuoteQty > 0 && req.Type == common.OrderTypeMarket {
		params.Set("quoteOrderQty", formatFloat(req.QuoteQty))
	} else {
		params.Set("quantity", formatFloat(req.Qty))
	}
	if req.Type == common.OrderTypeLimit {
		params.Set("price", formatFloat(req.Price))
		params.Set("timeInForce", string(toBinanceTIF(req.TimeInForce)))
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}

	body, err := c.doSigned(ctx, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		return common.OrderResult{}, err
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order response: %w", err)
	}
	res := resp.toResult()
	_, quote, _ := common.SplitSymbol(req.Symbol)
	base := common.BaseAsset(req.Symbol)
	for _, f := range resp.Fills {
		price := parseFloat(f.Price)
		commission := parseFloat(f.Commission)
		res.Fee += feeInQuote(commission, f.CommissionAsset, base, quote, price)
		if strings.EqualFold(f.CommissionAsset, base) {
			res.BaseFee += commission
		}
	}
	return res, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	if exchangeOrderID != "" {
		params.Set("orderId", exchangeOrderID)
	}
	_, err := c.doSigned(ctx, http.MethodDelete, "/api/v3/order", params)
	return err
}

// GetOrder fetches a single order by symbol and orderId. Fee is not part of
// the order view and is left at zero.
func (c *Client) GetOrder(ctx context.Context, symbol, orderID string) (common.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/order", params)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && strings.Contains(apiErr.Body, "-2013") {
			return common.OrderResult{}, fmt.Errorf("%s %s: %w", symbol, orderID, common.ErrOrderNotFound)
		}
		return common.OrderResult{}, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order: %w", err)
	}
	return resp.toResult(), nil
}

// GetBalances returns all non-zero asset balances.
func (c *Client) GetBalances(ctx context.Context) ([]common.Balance, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/account", url.Values{})
	if err != nil {
		return nil, err
	}
	var info accountInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode account info: %w", err)
	}
	out := make([]common.Balance, 0, len(info.Balances))
	for _, b := range info.Balances {
		bal := common.Balance{Asset: b.Asset, Free: parseFloat(b.Free), Locked: parseFloat(b.Locked)}
		if bal.Total() == 0 {
			continue
		}
		out = append(out, bal)
	}
	return out, nil
}

// ListOpenOrders returns current open orders; if symbol is empty, all symbols.
func (c *Client) ListOpenOrders(ctx context.Context, symbol string) ([]common.OpenOrder, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/openOrders", params)
	if err != nil {
		return nil, err
	}
	var orders []orderResponse
	if err := json.Unmarshal(body, &orders); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	out := make([]common.OpenOrder, 0, len(orders))
	for _, o := range orders {
		out = append(out, common.OpenOrder{
			ExchangeOrderID: strconv.FormatInt(o.OrderID, 10),
			Symbol:          o.Symbol,
			Side:            common.Side(strings.ToUpper(o.Side)),
			Price:           parseFloat(o.Price),
			OrigQty:         parseFloat(o.OrigQty),
			ExecutedQty:     parseFloat(o.ExecQty),
		})
	}
	return out, nil
}

// GetRecentFills returns the account's most recent executions for a symbol
// with commissions converted to the quote currency.
func (c *Client) GetRecentFills(ctx context.Context, symbol string, limit int) ([]common.Fill, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/myTrades", params)
	if err != nil {
		return nil, err
	}
	var trades []myTrade
	if err := json.Unmarshal(body, &trades); err != nil {
		return nil, fmt.Errorf("decode my trades: %w", err)
	}
	base, quote, _ := common.SplitSymbol(symbol)
	out := make([]common.Fill, 0, len(trades))
	for _, t := range trades {
		price := parseFloat(t.Price)
		side := common.SideSell
		if t.IsBuyer {
			side = common.SideBuy
		}
		out = append(out, common.Fill{
			ExchangeOrderID: strconv.FormatInt(t.OrderID, 10),
			TradeID:         strconv.FormatInt(t.ID, 10),
			Symbol:          t.Symbol,
			Side:            side,
			Qty:             parseFloat(t.Qty),
			Price:           price,
			Fee:             feeInQuote(parseFloat(t.Commission), t.CommissionAsset, base, quote, price),
			Time:            time.UnixMilli(t.Time).UTC(),
		})
	}
	return out, nil
}

// GetTicker combines the 24h stats and book ticker endpoints.
func (c *Client) GetTicker(ctx context.Context, symbol string) (common.Ticker, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doPublic(ctx, "/api/v3/ticker/24hr", params)
	if err != nil {
		return common.Ticker{}, err
	}
	var raw struct {
		Symbol      string `json:"symbol"`
		BidPrice    string `json:"bidPrice"`
		AskPrice    string `json:"askPrice"`
		LastPrice   string `json:"lastPrice"`
		QuoteVolume string `json:"quoteVolume"`
		CloseTime   int64  `json:"closeTime"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return common.Ticker{}, fmt.Errorf("decode ticker: %w", err)
	}
	ts := time.Now().UTC()
	if raw.CloseTime > 0 {
		ts = time.UnixMilli(raw.CloseTime).UTC()
	}
	return common.Ticker{
		Symbol:    raw.Symbol,
		Bid:       parseFloat(raw.BidPrice),
		Ask:       parseFloat(raw.AskPrice),
		Last:      parseFloat(raw.LastPrice),
		Volume24h: parseFloat(raw.QuoteVolume),
		Time:      ts,
	}, nil
}

// GetCandles fetches the most recent klines using the public endpoint.
func (c *Client) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]common.Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.doPublic(ctx, "/api/v3/klines", params)
	if err != nil {
		return nil, err
	}
	var raw [][]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}
	candles := make([]common.Candle, 0, len(raw))
	for _, item := range raw {
		// Binance returns 12 fields per kline
		if len(item) < 6 {
			continue
		}
		candles = append(candles, common.Candle{
			Time:   time.UnixMilli(toInt64(item[0])).UTC(),
			Open:   toFloat(item[1]),
			High:   toFloat(item[2]),
			Low:    toFloat(item[3]),
			Close:  toFloat(item[4]),
			Volume: toFloat(item[5]),
		})
	}
	return candles, nil
}

// GetServerTime fetches server time (ms).
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	body, err := c.doPublic(ctx, "/api/v3/time", nil)
	if err != nil {
		return 0, err
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, err
	}
	return res.ServerTime, nil
}

func (c *Client) doPublic(ctx context.Context, path string, params url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, req, path)
}

// doSigned stamps, signs and performs a private request.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return nil, errMissingCredentials
	}
	// Use synchronized time to avoid timestamp errors
	timestamp := time.Now().UnixMilli()
	if c.timeSync != nil && c.timeSync.Offset() != 0 {
		timestamp = c.timeSync.Now()
	}
	params.Set("timestamp", strconv.FormatInt(timestamp, 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	params.Set("signature", sign(params.Encode(), c.cfg.APISecret))

	var (
		req *http.Request
		err error
	)
	encoded := params.Encode()
	endpoint := c.baseURL + path
	switch method {
	case http.MethodGet, http.MethodDelete:
		// For GET/DELETE Binance expects signed params in query string.
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	return c.do(ctx, req, path)
}

func (c *Client) do(ctx context.Context, req *http.Request, path string) ([]byte, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	c.rateLimiter.UpdateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if res.StatusCode >= 300 {
		return nil, &APIError{Method: req.Method, Path: path, StatusCode: res.StatusCode, Body: string(body)}
	}
	return body, nil
}

type accountInfo struct {
	CanTrade bool `json:"canTrade"`
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

type orderResponse struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Side          string `json:"side"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecQty       string `json:"executedQty"`
	CumQuote      string `json:"cummulativeQuoteQty"`
	Status        string `json:"status"`
	Fills         []struct {
		Price           string `json:"price"`
		Qty             string `json:"qty"`
		Commission      string `json:"commission"`
		CommissionAsset string `json:"commissionAsset"`
	} `json:"fills"`
}

func (o orderResponse) toResult() common.OrderResult {
	exec := parseFloat(o.ExecQty)
	avg := 0.0
	if exec > 0 {
		avg = parseFloat(o.CumQuote) / exec
	}
	return common.OrderResult{
		ExchangeOrderID: strconv.FormatInt(o.OrderID, 10),
		ClientID:        o.ClientOrderID,
		Symbol:          o.Symbol,
		Side:            common.Side(strings.ToUpper(o.Side)),
		Status:          mapStatus(o.Status),
		OrigQty:         parseFloat(o.OrigQty),
		ExecutedQty:     exec,
		AvgPrice:        avg,
	}
}

type myTrade struct {
	ID              int64  `json:"id"`
	Symbol          string `json:"symbol"`
	OrderID         int64  `json:"orderId"`
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	Time            int64  `json:"time"`
	IsBuyer         bool   `json:"isBuyer"`
}

// feeInQuote converts a commission to quote currency. Commissions charged in
// a third asset (e.g. BNB) cannot be priced here and count as zero.
func feeInQuote(commission float64, asset, base, quote string, price float64) float64 {
	switch strings.ToUpper(asset) {
	case quote:
		return commission
	case base:
		return commission * price
	default:
		return 0
	}
}

func mapStatus(s string) common.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW":
		return common.StatusNew
	case "PARTIALLY_FILLED":
		return common.StatusPartial
	case "FILLED":
		return common.StatusFilled
	case "CANCELED", "PENDING_CANCEL":
		return common.StatusCanceled
	case "REJECTED":
		return common.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
}

func toBinanceTIF(tif common.TimeInForce) common.TimeInForce {
	if tif == "" {
		return common.TIFGTC
	}
	return tif
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case string:
		return parseFloat(t)
	case json.Number:
		f, _ := t.Float64()
		return f
	case float64:
		return t
	default:
		return 0
	}
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case json.Number:
		i, _ := t.Int64()
		return i
	default:
		return 0
	}
}
