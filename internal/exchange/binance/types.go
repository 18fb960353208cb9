package binance

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"arb-executor/internal/core"
)

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type APIError struct {
	Status int
	Code   int
	Msg    string
}

func (e APIError) Error() string {
	return "binance api error " + strconv.Itoa(e.Code) + ": " + e.Msg
}

// orderResponse covers the order payload shared by new-order (RESULT),
// cancel, query and openOrders replies.
type orderResponse struct {
	Symbol             string `json:"symbol"`
	OrderID            int64  `json:"orderId"`
	ClientOrderID      string `json:"clientOrderId"`
	OrigClientOrderID  string `json:"origClientOrderId"`
	Price              string `json:"price"`
	OrigQty            string `json:"origQty"`
	ExecutedQty        string `json:"executedQty"`
	CumulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status             string `json:"status"`
	Side               string `json:"side"`
	Type               string `json:"type"`
	Time               int64  `json:"time"`
	TransactTime       int64  `json:"transactTime"`
	UpdateTime         int64  `json:"updateTime"`
}

func (r orderResponse) toOrder(exchange string) core.Order {
	clientID := r.ClientOrderID
	if r.OrigClientOrderID != "" {
		// Cancel replies carry the cancel request's id in clientOrderId.
		clientID = r.OrigClientOrderID
	}
	order := core.Order{
		ID:        strconv.FormatInt(r.OrderID, 10),
		ClientID:  clientID,
		Exchange:  exchange,
		Symbol:    r.Symbol,
		Side:      core.Side(r.Side),
		Type:      core.OrderType(r.Type),
		Price:     parseDecimal(r.Price),
		Qty:       parseDecimal(r.OrigQty),
		FilledQty: parseDecimal(r.ExecutedQty),
		Status:    core.OrderStatus(r.Status),
	}
	order.AvgPrice = avgPrice(parseDecimal(r.CumulativeQuoteQty), order.FilledQty)
	if r.Time > 0 {
		order.CreatedAt = time.UnixMilli(r.Time)
	} else if r.TransactTime > 0 {
		order.CreatedAt = time.UnixMilli(r.TransactTime)
	}
	switch {
	case r.UpdateTime > 0:
		order.UpdatedAt = time.UnixMilli(r.UpdateTime)
	case r.TransactTime > 0:
		order.UpdatedAt = time.UnixMilli(r.TransactTime)
	}
	return order
}

type bookTickerResponse struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	BidQty   string `json:"bidQty"`
	AskPrice string `json:"askPrice"`
	AskQty   string `json:"askQty"`
}

type exchangeInfoResponse struct {
	Symbols []symbolInfoResponse `json:"symbols"`
}

type symbolFilter struct {
	FilterType  string `json:"filterType"`
	MinQty      string `json:"minQty"`
	StepSize    string `json:"stepSize"`
	MinNotional string `json:"minNotional"`
	TickSize    string `json:"tickSize"`
}

type symbolInfoResponse struct {
	Symbol  string         `json:"symbol"`
	Status  string         `json:"status"`
	Filters []symbolFilter `json:"filters"`
}

type symbolInfo struct {
	status string
	rules  core.Rules
}

// tradable is false only when the venue reports a non-TRADING status.
func (s symbolInfo) tradable() bool {
	return s.status == "" || s.status == "TRADING"
}

func parseSymbolInfo(src symbolInfoResponse) symbolInfo {
	info := symbolInfo{status: src.Status}
	r := &info.rules
	for _, f := range src.Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			r.MinQty = parseDecimal(f.MinQty)
			r.QtyStep = parseDecimal(f.StepSize)
		case "PRICE_FILTER":
			r.PriceTick = parseDecimal(f.TickSize)
		case "MIN_NOTIONAL", "NOTIONAL":
			// Both filters can be present; the stricter one applies.
			r.MinNotional = decimal.Max(r.MinNotional, parseDecimal(f.MinNotional))
		}
	}
	return info
}

func parseDecimal(v string) decimal.Decimal {
	if v == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func avgPrice(quote, qty decimal.Decimal) decimal.Decimal {
	if qty.Cmp(decimal.Zero) <= 0 || quote.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero
	}
	return quote.DivRound(qty, 12)
}
