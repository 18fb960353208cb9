package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type OrderType string

type OrderStatus string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

const (
	Limit  OrderType = "LIMIT"
	Market OrderType = "MARKET"
)

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

// Opposite returns the other side of a two-leg position.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// Terminal reports whether no further fills can happen for the order.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected, OrderExpired:
		return true
	default:
		return false
	}
}

type Order struct {
	ID        string
	ClientID  string
	Exchange  string
	Symbol    string
	Side      Side
	Type      OrderType
	Price     decimal.Decimal
	Qty       decimal.Decimal
	FilledQty decimal.Decimal
	// AvgPrice is the volume-weighted fill price; zero when nothing filled.
	AvgPrice  decimal.Decimal
	Status    OrderStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OrderUpdate is an order-status or fill event pushed by an exchange stream.
// CumFilledQty is cumulative for the order, LastQty/LastPrice describe the
// execution that produced the event (zero for pure status changes).
type OrderUpdate struct {
	Exchange     string
	Symbol       string
	OrderID      string
	ClientID     string
	TradeID      string
	Side         Side
	Status       OrderStatus
	OrderPrice   decimal.Decimal
	OrderQty     decimal.Decimal
	LastQty      decimal.Decimal
	LastPrice    decimal.Decimal
	CumFilledQty decimal.Decimal
	CumQuoteQty  decimal.Decimal
	Time         time.Time
}

type Rules struct {
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
	PriceTick   decimal.Decimal
	QtyStep     decimal.Decimal
}

// MinUnit is the smallest quantity difference the venue can express.
func (r Rules) MinUnit() decimal.Decimal {
	if r.MinQty.Cmp(r.QtyStep) > 0 {
		return r.MinQty
	}
	return r.QtyStep
}

type TopOfBook struct {
	Symbol   string
	BidPrice decimal.Decimal
	BidQty   decimal.Decimal
	AskPrice decimal.Decimal
	AskQty   decimal.Decimal
	Time     time.Time
}

func (b TopOfBook) Valid() bool {
	return b.BidPrice.Cmp(decimal.Zero) > 0 && b.AskPrice.Cmp(decimal.Zero) > 0
}

// Price returns the passive side of the book for an order on side.
func (b TopOfBook) Price(side Side) decimal.Decimal {
	if side == Buy {
		return b.BidPrice
	}
	return b.AskPrice
}
