package binance

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"arb-executor/internal/core"
)

const (
	streamBackoffMin = time.Second
	streamBackoffMax = 30 * time.Second
)

type UserStream struct {
	client         *Client
	conn           *websocket.Conn
	keepalive      time.Duration
	subscriptionID int64
}

type executionReport struct {
	EventType         string `json:"e"`
	EventTime         int64  `json:"E"`
	Symbol            string `json:"s"`
	ClientOrderID     string `json:"c"`
	OrigClientOrderID string `json:"C"`
	OrderID           int64  `json:"i"`
	Side              string `json:"S"`
	ExecutionType     string `json:"x"`
	OrderStatus       string `json:"X"`
	OrderPrice        string `json:"p"`
	OrderQty          string `json:"q"`
	LastExecPrice     string `json:"L"`
	LastExecQty       string `json:"l"`
	CumulativeQty     string `json:"z"`
	CumulativeQuote   string `json:"Z"`
	TransactionTime   int64  `json:"T"`
	TradeID           int64  `json:"t"`
}

// streamEnvelope wraps events delivered over the WebSocket API.
type streamEnvelope struct {
	SubscriptionID *int64          `json:"subscriptionId"`
	Event          json.RawMessage `json:"event"`
}

// SubscribeOrders registers fn for order updates on symbol. The first call
// starts the shared user stream.
func (c *Client) SubscribeOrders(symbol string, fn func(core.OrderUpdate)) (func(), error) {
	if c.wsBaseURL == "" {
		return nil, errors.New("ws base url required")
	}
	unsubscribe := c.hub.Subscribe(symbol, fn)
	c.streamOnce.Do(func() {
		go c.runStream(c.streamCtx)
	})
	return unsubscribe, nil
}

// runStream keeps the user stream connected until ctx ends. Updates missed
// while disconnected are recovered by the tasks' own syncs.
func (c *Client) runStream(ctx context.Context) {
	defer close(c.streamDone)
	backoff := streamBackoffMin
	for ctx.Err() == nil {
		if c.guard != nil {
			if err := c.guard.AllowReconnect(); err != nil {
				log.Printf("level=WARN event=user_stream_reconnect_blocked exchange=%s err=%q", c.name, err.Error())
				if !sleepCtx(ctx, backoff) {
					return
				}
				continue
			}
		}
		stream, err := c.NewUserStream(ctx, c.keepalive)
		if c.guard != nil {
			_ = c.guard.RecordReconnect(err)
		}
		if err != nil {
			log.Printf("level=WARN event=user_stream_connect_failed exchange=%s backoff=%s err=%q", c.name, backoff, err.Error())
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > streamBackoffMax {
				backoff = streamBackoffMax
			}
			continue
		}
		backoff = streamBackoffMin
		log.Printf("level=INFO event=user_stream_connected exchange=%s", c.name)
		updates, errCh := stream.Updates(ctx)
		for u := range updates {
			c.hub.Publish(u)
		}
		select {
		case err := <-errCh:
			if ctx.Err() == nil {
				log.Printf("level=WARN event=user_stream_closed exchange=%s err=%q", c.name, err.Error())
			}
		default:
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Client) NewUserStream(ctx context.Context, keepalive time.Duration) (*UserStream, error) {
	if c.wsBaseURL == "" {
		return nil, errors.New("ws base url required")
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsBaseURL, nil)
	if err != nil {
		return nil, err
	}
	subID, err := subscribeUserData(ctx, conn, c.userStreamParams())
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	log.Printf("level=INFO event=user_stream_subscribed exchange=%s subscription_id=%d", c.name, subID)
	return &UserStream{client: c, conn: conn, keepalive: keepalive, subscriptionID: subID}, nil
}

func (c *Client) userStreamParams() map[string]any {
	ts := time.Now().UnixMilli()
	values := url.Values{}
	values.Set("apiKey", c.apiKey)
	values.Set("timestamp", strconv.FormatInt(ts, 10))
	if c.recvWindow > 0 {
		values.Set("recvWindow", strconv.FormatInt(c.recvWindow.Milliseconds(), 10))
	}
	params := map[string]any{
		"apiKey":    c.apiKey,
		"timestamp": ts,
		"signature": sign(c.apiSecret, values.Encode()),
	}
	if c.recvWindow > 0 {
		params["recvWindow"] = c.recvWindow.Milliseconds()
	}
	return params
}

// Updates decodes executionReport events until the connection drops or ctx
// ends. The error channel carries the read error that ended the stream.
func (u *UserStream) Updates(ctx context.Context) (<-chan core.OrderUpdate, <-chan error) {
	updates := make(chan core.OrderUpdate)
	errCh := make(chan error, 4)
	done := make(chan struct{})

	reportErr := func(err error) {
		if err == nil {
			return
		}
		select {
		case errCh <- err:
		default:
		}
	}

	readTimeout := 45 * time.Second
	if u.keepalive > 0 {
		readTimeout = u.keepalive * 3
		if readTimeout < 30*time.Second {
			readTimeout = 30 * time.Second
		}
	}
	u.conn.SetPongHandler(func(string) error {
		return u.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go func() {
		defer close(done)
		defer close(updates)
		defer u.conn.Close()

		for {
			_ = u.conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, data, err := u.conn.ReadMessage()
			if err != nil {
				reportErr(err)
				return
			}
			update, ok := u.decode(data)
			if !ok {
				continue
			}
			select {
			case updates <- update:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		var tick <-chan time.Time
		if u.keepalive > 0 {
			ticker := time.NewTicker(u.keepalive)
			defer ticker.Stop()
			tick = ticker.C
		}
		for {
			select {
			case <-tick:
				if err := u.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					reportErr(err)
					_ = u.conn.Close()
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				_ = u.conn.Close()
				return
			}
		}
	}()

	return updates, errCh
}

func (u *UserStream) decode(data []byte) (core.OrderUpdate, bool) {
	if len(data) == 0 {
		return core.OrderUpdate{}, false
	}
	if _, ok := decodeReply(data); ok {
		return core.OrderUpdate{}, false
	}
	var env streamEnvelope
	if err := json.Unmarshal(data, &env); err == nil && env.SubscriptionID != nil && len(env.Event) > 0 {
		if *env.SubscriptionID != u.subscriptionID {
			return core.OrderUpdate{}, false
		}
		data = env.Event
	}
	var msg executionReport
	if err := json.Unmarshal(data, &msg); err != nil {
		return core.OrderUpdate{}, false
	}
	if msg.EventType != "executionReport" || msg.OrderID == 0 {
		return core.OrderUpdate{}, false
	}
	clientID := msg.ClientOrderID
	if msg.OrigClientOrderID != "" {
		clientID = msg.OrigClientOrderID
	}
	ts := msg.TransactionTime
	if ts == 0 {
		ts = msg.EventTime
	}
	update := core.OrderUpdate{
		Exchange:     u.client.name,
		Symbol:       msg.Symbol,
		OrderID:      strconv.FormatInt(msg.OrderID, 10),
		ClientID:     clientID,
		Side:         core.Side(msg.Side),
		Status:       core.OrderStatus(msg.OrderStatus),
		OrderPrice:   parseDecimal(msg.OrderPrice),
		OrderQty:     parseDecimal(msg.OrderQty),
		CumFilledQty: parseDecimal(msg.CumulativeQty),
		CumQuoteQty:  parseDecimal(msg.CumulativeQuote),
	}
	if msg.ExecutionType == "TRADE" {
		update.LastQty = parseDecimal(msg.LastExecQty)
		update.LastPrice = parseDecimal(msg.LastExecPrice)
		if msg.TradeID > 0 {
			update.TradeID = strconv.FormatInt(msg.TradeID, 10)
		}
	}
	if ts > 0 {
		update.Time = time.UnixMilli(ts)
	}
	return update, true
}
