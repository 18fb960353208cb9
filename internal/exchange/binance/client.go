package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"arb-executor/internal/core"
	"arb-executor/internal/exchange"
)

type AuthType int

const (
	AuthNone AuthType = iota
	AuthAPIKey
	AuthSigned
)

// ReconnectGuard gates user stream reconnects. safety.Breaker satisfies it.
type ReconnectGuard interface {
	AllowReconnect() error
	RecordReconnect(err error) error
}

type Client struct {
	name      string
	apiKey    string
	apiSecret string
	baseURL   string
	wsBaseURL string
	keepalive time.Duration
	guard     ReconnectGuard

	recvWindow time.Duration
	httpClient *http.Client

	mu          sync.Mutex
	symbolCache map[string]symbolInfo

	hub          *exchange.Hub
	streamOnce   sync.Once
	streamCtx    context.Context
	streamCancel context.CancelFunc
	streamDone   chan struct{}
}

type Options struct {
	Name                   string
	APIKey                 string
	APISecret              string
	RestBaseURL            string
	WSBaseURL              string
	RecvWindowMs           int64
	HTTPTimeoutSec         int64
	UserStreamKeepaliveSec int64
	ReconnectGuard         ReconnectGuard
}

func NewClient(opts Options) (*Client, error) {
	if opts.APIKey == "" || opts.APISecret == "" {
		return nil, errors.New("api_key/api_secret required")
	}
	if strings.TrimSpace(opts.RestBaseURL) == "" {
		return nil, errors.New("rest base url required")
	}
	timeout := 15 * time.Second
	if opts.HTTPTimeoutSec > 0 {
		timeout = time.Duration(opts.HTTPTimeoutSec) * time.Second
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = "binance"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		name:         name,
		apiKey:       opts.APIKey,
		apiSecret:    opts.APISecret,
		baseURL:      strings.TrimRight(opts.RestBaseURL, "/"),
		wsBaseURL:    strings.TrimRight(opts.WSBaseURL, "/"),
		keepalive:    time.Duration(opts.UserStreamKeepaliveSec) * time.Second,
		guard:        opts.ReconnectGuard,
		recvWindow:   time.Duration(opts.RecvWindowMs) * time.Millisecond,
		httpClient:   &http.Client{Timeout: timeout},
		symbolCache:  make(map[string]symbolInfo),
		hub:          exchange.NewHub(),
		streamCtx:    ctx,
		streamCancel: cancel,
		streamDone:   make(chan struct{}),
	}, nil
}

func (c *Client) Name() string { return c.name }

// Close stops the user stream and waits for its goroutine when one was
// started.
func (c *Client) Close() error {
	c.streamCancel()
	started := true
	c.streamOnce.Do(func() {
		started = false
		close(c.streamDone)
	})
	if started {
		<-c.streamDone
	}
	return nil
}

func (c *Client) GetSymbolConstraints(ctx context.Context, symbol string) (core.Rules, error) {
	info, err := c.getSymbolInfo(ctx, symbol)
	if err != nil {
		return core.Rules{}, err
	}
	return info.rules, nil
}

func (c *Client) GetTopOfBook(ctx context.Context, symbol string) (core.TopOfBook, error) {
	resp, err := call[bookTickerResponse](ctx, c, http.MethodGet, "/api/v3/ticker/bookTicker", url.Values{"symbol": {symbol}}, AuthNone)
	if err != nil {
		return core.TopOfBook{}, err
	}
	return core.TopOfBook{
		Symbol:   resp.Symbol,
		BidPrice: parseDecimal(resp.BidPrice),
		BidQty:   parseDecimal(resp.BidQty),
		AskPrice: parseDecimal(resp.AskPrice),
		AskQty:   parseDecimal(resp.AskQty),
		Time:     time.Now().UTC(),
	}, nil
}

// PlaceLimitOrder submits a GTC limit order. A duplicate client id resolves
// to the order already resting under it.
func (c *Client) PlaceLimitOrder(ctx context.Context, order core.Order) (core.Order, error) {
	params := url.Values{
		"symbol":           {order.Symbol},
		"side":             {string(order.Side)},
		"type":             {string(core.Limit)},
		"timeInForce":      {"GTC"},
		"quantity":         {order.Qty.String()},
		"price":            {order.Price.String()},
		"newOrderRespType": {"RESULT"},
	}
	if order.ClientID != "" {
		params.Set("newClientOrderId", order.ClientID)
	}
	resp, err := call[orderResponse](ctx, c, http.MethodPost, "/api/v3/order", params, AuthSigned)
	if errors.Is(err, core.ErrDuplicateOrder) && order.ClientID != "" {
		existing, qerr := c.queryOrder(ctx, order.Symbol, url.Values{"origClientOrderId": {order.ClientID}})
		if qerr == nil {
			log.Printf("level=INFO event=duplicate_order_resolved exchange=%s client_id=%q order_id=%s", c.name, order.ClientID, existing.ID)
			return existing, nil
		}
	}
	if err != nil {
		return core.Order{}, err
	}
	placed := resp.toOrder(c.name)
	if placed.ClientID == "" {
		placed.ClientID = order.ClientID
	}
	if placed.Status == "" {
		placed.Status = core.OrderNew
	}
	return placed, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) (core.Order, error) {
	resp, err := call[orderResponse](ctx, c, http.MethodDelete, "/api/v3/order", url.Values{"symbol": {symbol}, "orderId": {orderID}}, AuthSigned)
	if err != nil {
		return core.Order{}, err
	}
	return resp.toOrder(c.name), nil
}

// OpenOrders lists every open order on symbol. Qty is the original size and
// FilledQty what has executed so far.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]core.Order, error) {
	resp, err := call[[]orderResponse](ctx, c, http.MethodGet, "/api/v3/openOrders", url.Values{"symbol": {symbol}}, AuthSigned)
	if err != nil {
		return nil, err
	}
	orders := make([]core.Order, 0, len(resp))
	for _, ord := range resp {
		orders = append(orders, ord.toOrder(c.name))
	}
	return orders, nil
}

func (c *Client) QueryOrder(ctx context.Context, symbol, orderID string) (core.Order, error) {
	if orderID == "" {
		return core.Order{}, fmt.Errorf("%w: order id required", core.ErrInvalidRequest)
	}
	return c.queryOrder(ctx, symbol, url.Values{"orderId": {orderID}})
}

func (c *Client) queryOrder(ctx context.Context, symbol string, by url.Values) (core.Order, error) {
	if symbol == "" {
		return core.Order{}, fmt.Errorf("%w: symbol required", core.ErrInvalidRequest)
	}
	by.Set("symbol", symbol)
	resp, err := call[orderResponse](ctx, c, http.MethodGet, "/api/v3/order", by, AuthSigned)
	if err != nil {
		return core.Order{}, err
	}
	return resp.toOrder(c.name), nil
}

// call performs one REST request and decodes a 2xx body into T.
func call[T any](ctx context.Context, c *Client, method, path string, params url.Values, auth AuthType) (T, error) {
	var out T
	body, err := c.doRequest(ctx, method, path, params, auth)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("binance %s %s: decode: %w", method, path, err)
	}
	return out, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, params url.Values, auth AuthType) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	if auth == AuthSigned {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		if c.recvWindow > 0 {
			params.Set("recvWindow", strconv.FormatInt(c.recvWindow.Milliseconds(), 10))
		}
		params.Set("signature", sign(c.apiSecret, params.Encode()))
	}
	encoded := params.Encode()
	target := c.baseURL + path
	var payload io.Reader
	inBody := method == http.MethodPost || method == http.MethodPut
	if inBody {
		payload = strings.NewReader(encoded)
	} else if encoded != "" {
		target += "?" + encoded
	}
	req, err := http.NewRequestWithContext(ctx, method, target, payload)
	if err != nil {
		return nil, err
	}
	if inBody {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if auth != AuthNone {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, parseAPIError(resp.StatusCode, body)
	}
	return body, nil
}

func parseAPIError(status int, body []byte) error {
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Msg != "" {
		return wrapAPIError(status, apiErr.Code, apiErr.Msg)
	}
	err := fmt.Errorf("binance http error %d: %s", status, strings.TrimSpace(string(body)))
	if status == http.StatusTooManyRequests || status == http.StatusTeapot {
		return errors.Join(err, core.ErrRateLimited)
	}
	return err
}

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) getSymbolInfo(ctx context.Context, symbol string) (symbolInfo, error) {
	if symbol == "" {
		return symbolInfo{}, fmt.Errorf("%w: symbol is required", core.ErrInvalidSymbol)
	}
	c.mu.Lock()
	if info, ok := c.symbolCache[symbol]; ok {
		c.mu.Unlock()
		return info, nil
	}
	c.mu.Unlock()

	resp, err := call[exchangeInfoResponse](ctx, c, http.MethodGet, "/api/v3/exchangeInfo", url.Values{"symbol": {symbol}}, AuthNone)
	if err != nil {
		return symbolInfo{}, err
	}
	if len(resp.Symbols) == 0 {
		return symbolInfo{}, fmt.Errorf("%w: %s", core.ErrInvalidSymbol, symbol)
	}
	info := parseSymbolInfo(resp.Symbols[0])
	if !info.tradable() {
		return symbolInfo{}, fmt.Errorf("%w: %s status %s", core.ErrInvalidSymbol, symbol, info.status)
	}
	c.mu.Lock()
	c.symbolCache[symbol] = info
	c.mu.Unlock()
	return info, nil
}
