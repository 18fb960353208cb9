package paper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"arb-executor/internal/core"
	"arb-executor/internal/exchange"
)

// Operation names accepted by FailNext.
const (
	OpPlace      = "place"
	OpCancel     = "cancel"
	OpOpenOrders = "open_orders"
	OpTopOfBook  = "top_of_book"
	OpQuery      = "query"
	OpRules      = "rules"
)

// QuoteSource supplies live top-of-book prices, typically another venue.
type QuoteSource interface {
	GetTopOfBook(ctx context.Context, symbol string) (core.TopOfBook, error)
}

// Exchange is an in-memory venue that rests limit orders and fills them when
// the book crosses their price. It is safe for concurrent use.
type Exchange struct {
	name   string
	quotes QuoteSource
	hub    *exchange.Hub
	now    func() time.Time

	mu         sync.Mutex
	rules      map[string]core.Rules
	books      map[string]core.TopOfBook
	openOrders map[string]*core.Order
	history    map[string]*core.Order
	quoteQty   map[string]decimal.Decimal
	positions  map[string]decimal.Decimal
	failures   map[string][]error
	orderSeq   int
	tradeSeq   int
	mute       bool
	makerFee   decimal.Decimal
	feePaid    decimal.Decimal
}

type Option func(*Exchange)

func WithQuoteSource(src QuoteSource) Option {
	return func(e *Exchange) { e.quotes = src }
}

func WithClock(now func() time.Time) Option {
	return func(e *Exchange) { e.now = now }
}

func New(name string, opts ...Option) *Exchange {
	if name == "" {
		name = "paper"
	}
	e := &Exchange{
		name:       name,
		hub:        exchange.NewHub(),
		now:        func() time.Time { return time.Now().UTC() },
		rules:      make(map[string]core.Rules),
		books:      make(map[string]core.TopOfBook),
		openOrders: make(map[string]*core.Order),
		history:    make(map[string]*core.Order),
		quoteQty:   make(map[string]decimal.Decimal),
		positions:  make(map[string]decimal.Decimal),
		failures:   make(map[string][]error),
		makerFee:   decimal.Zero,
		feePaid:    decimal.Zero,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Exchange) Name() string { return e.name }

func (e *Exchange) SetRules(symbol string, rules core.Rules) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[symbol] = rules
}

func (e *Exchange) SetFees(makerRate decimal.Decimal) error {
	if makerRate.Cmp(decimal.Zero) < 0 {
		return errors.New("fee rate must be >= 0")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.makerFee = makerRate
	return nil
}

// FailNext makes the next call of op return err.
func (e *Exchange) FailNext(op string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[op] = append(e.failures[op], err)
}

// Mute stops order updates from reaching subscribers, simulating a dropped
// user stream. Fills still happen and are visible through queries.
func (e *Exchange) Mute(muted bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mute = muted
}

// SetTopOfBook updates the book and fills every resting order it crosses.
func (e *Exchange) SetTopOfBook(book core.TopOfBook) {
	if book.Time.IsZero() {
		book.Time = e.now()
	}
	e.mu.Lock()
	e.books[book.Symbol] = book
	updates := e.matchLocked(book)
	muted := e.mute
	e.mu.Unlock()
	e.publish(updates, muted)
}

// Fill executes qty of a resting order at its limit price.
func (e *Exchange) Fill(orderID string, qty decimal.Decimal) error {
	e.mu.Lock()
	ord, ok := e.openOrders[orderID]
	if !ok {
		e.mu.Unlock()
		return core.ErrOrderNotFound
	}
	remaining := ord.Qty.Sub(ord.FilledQty)
	if qty.Cmp(remaining) > 0 {
		qty = remaining
	}
	update := e.fillLocked(ord, qty, ord.Price)
	muted := e.mute
	e.mu.Unlock()
	e.publish([]core.OrderUpdate{update}, muted)
	return nil
}

// Position returns the net base quantity bought minus sold on symbol.
func (e *Exchange) Position(symbol string) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positions[symbol]
}

func (e *Exchange) FeePaid() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.feePaid
}

func (e *Exchange) GetSymbolConstraints(ctx context.Context, symbol string) (core.Rules, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.takeFailureLocked(OpRules); err != nil {
		return core.Rules{}, err
	}
	rules, ok := e.rules[symbol]
	if !ok {
		return core.Rules{}, fmt.Errorf("%w: %s", core.ErrInvalidSymbol, symbol)
	}
	return rules, nil
}

func (e *Exchange) GetTopOfBook(ctx context.Context, symbol string) (core.TopOfBook, error) {
	e.mu.Lock()
	if err := e.takeFailureLocked(OpTopOfBook); err != nil {
		e.mu.Unlock()
		return core.TopOfBook{}, err
	}
	_, known := e.rules[symbol]
	book, ok := e.books[symbol]
	e.mu.Unlock()
	if !known {
		return core.TopOfBook{}, fmt.Errorf("%w: %s", core.ErrInvalidSymbol, symbol)
	}
	if e.quotes != nil {
		live, err := e.quotes.GetTopOfBook(ctx, symbol)
		if err != nil {
			return core.TopOfBook{}, err
		}
		live.Symbol = symbol
		e.SetTopOfBook(live)
		return live, nil
	}
	if !ok || !book.Valid() {
		return core.TopOfBook{}, fmt.Errorf("no book for %s", symbol)
	}
	return book, nil
}

func (e *Exchange) PlaceLimitOrder(ctx context.Context, order core.Order) (core.Order, error) {
	e.mu.Lock()
	if err := e.takeFailureLocked(OpPlace); err != nil {
		e.mu.Unlock()
		return core.Order{}, err
	}
	rules, ok := e.rules[order.Symbol]
	if !ok {
		e.mu.Unlock()
		return core.Order{}, fmt.Errorf("%w: %s", core.ErrInvalidSymbol, order.Symbol)
	}
	if !order.Side.Valid() {
		e.mu.Unlock()
		return core.Order{}, fmt.Errorf("%w: side %q", core.ErrInvalidRequest, order.Side)
	}
	order.Type = core.Limit
	normalized, err := core.NormalizeOrder(order, rules)
	if err != nil {
		e.mu.Unlock()
		return core.Order{}, errors.Join(core.ErrOrderRejected, core.ErrInvalidRequest, err)
	}
	if !normalized.Qty.Equal(order.Qty) || !normalized.Price.Equal(order.Price) {
		e.mu.Unlock()
		return core.Order{}, errors.Join(core.ErrOrderRejected, core.ErrInvalidRequest, errors.New("price or qty off the symbol grid"))
	}
	if order.ClientID != "" {
		for _, open := range e.openOrders {
			if open.ClientID == order.ClientID {
				e.mu.Unlock()
				return core.Order{}, core.ErrDuplicateOrder
			}
		}
	}
	e.orderSeq++
	now := e.now()
	order.ID = e.name + "-" + strconv.Itoa(e.orderSeq)
	order.Exchange = e.name
	order.Status = core.OrderNew
	order.FilledQty = decimal.Zero
	order.AvgPrice = decimal.Zero
	order.CreatedAt = now
	order.UpdatedAt = now
	stored := order
	e.openOrders[order.ID] = &stored
	e.history[order.ID] = &stored
	updates := []core.OrderUpdate{e.updateLocked(&stored, "", decimal.Zero, decimal.Zero)}
	if book, ok := e.books[order.Symbol]; ok && book.Valid() {
		updates = append(updates, e.matchOrderLocked(&stored, book, false)...)
	}
	placed := stored
	muted := e.mute
	e.mu.Unlock()
	e.publish(updates, muted)
	return placed, nil
}

func (e *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) (core.Order, error) {
	e.mu.Lock()
	if err := e.takeFailureLocked(OpCancel); err != nil {
		e.mu.Unlock()
		return core.Order{}, err
	}
	ord, ok := e.openOrders[orderID]
	if !ok || ord.Symbol != symbol {
		e.mu.Unlock()
		return core.Order{}, core.ErrOrderNotFound
	}
	ord.Status = core.OrderCanceled
	ord.UpdatedAt = e.now()
	delete(e.openOrders, orderID)
	update := e.updateLocked(ord, "", decimal.Zero, decimal.Zero)
	canceled := *ord
	muted := e.mute
	e.mu.Unlock()
	e.publish([]core.OrderUpdate{update}, muted)
	return canceled, nil
}

func (e *Exchange) OpenOrders(ctx context.Context, symbol string) ([]core.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.takeFailureLocked(OpOpenOrders); err != nil {
		return nil, err
	}
	orders := make([]core.Order, 0, len(e.openOrders))
	for _, ord := range e.openOrders {
		if ord.Symbol == symbol {
			orders = append(orders, *ord)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.Before(orders[j].CreatedAt) })
	return orders, nil
}

func (e *Exchange) QueryOrder(ctx context.Context, symbol, orderID string) (core.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.takeFailureLocked(OpQuery); err != nil {
		return core.Order{}, err
	}
	ord, ok := e.history[orderID]
	if !ok || ord.Symbol != symbol {
		return core.Order{}, core.ErrOrderNotFound
	}
	return *ord, nil
}

func (e *Exchange) SubscribeOrders(symbol string, fn func(core.OrderUpdate)) (func(), error) {
	if fn == nil {
		return nil, errors.New("subscriber required")
	}
	return e.hub.Subscribe(symbol, fn), nil
}

func (e *Exchange) takeFailureLocked(op string) error {
	queue := e.failures[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	e.failures[op] = queue[1:]
	return err
}

func (e *Exchange) matchLocked(book core.TopOfBook) []core.OrderUpdate {
	ids := make([]string, 0, len(e.openOrders))
	for id, ord := range e.openOrders {
		if ord.Symbol == book.Symbol {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	var updates []core.OrderUpdate
	for _, id := range ids {
		updates = append(updates, e.matchOrderLocked(e.openOrders[id], book, true)...)
	}
	return updates
}

// matchOrderLocked fills ord completely if book crosses it. Resting orders
// fill at their limit, incoming ones at the opposite touch.
func (e *Exchange) matchOrderLocked(ord *core.Order, book core.TopOfBook, resting bool) []core.OrderUpdate {
	if !book.Valid() {
		return nil
	}
	var price decimal.Decimal
	switch ord.Side {
	case core.Buy:
		if book.AskPrice.Cmp(ord.Price) > 0 {
			return nil
		}
		price = book.AskPrice
	case core.Sell:
		if book.BidPrice.Cmp(ord.Price) < 0 {
			return nil
		}
		price = book.BidPrice
	default:
		return nil
	}
	if resting {
		price = ord.Price
	}
	return []core.OrderUpdate{e.fillLocked(ord, ord.Qty.Sub(ord.FilledQty), price)}
}

func (e *Exchange) fillLocked(ord *core.Order, qty, price decimal.Decimal) core.OrderUpdate {
	if qty.Cmp(decimal.Zero) <= 0 {
		return e.updateLocked(ord, "", decimal.Zero, decimal.Zero)
	}
	e.tradeSeq++
	quote := e.quoteQty[ord.ID].Add(qty.Mul(price))
	e.quoteQty[ord.ID] = quote
	ord.FilledQty = ord.FilledQty.Add(qty)
	ord.AvgPrice = quote.Div(ord.FilledQty)
	ord.UpdatedAt = e.now()
	if ord.FilledQty.Cmp(ord.Qty) >= 0 {
		ord.Status = core.OrderFilled
		delete(e.openOrders, ord.ID)
	} else {
		ord.Status = core.OrderPartiallyFilled
	}
	fee := qty.Mul(price).Mul(e.makerFee)
	e.feePaid = e.feePaid.Add(fee)
	if ord.Side == core.Buy {
		e.positions[ord.Symbol] = e.positions[ord.Symbol].Add(qty)
	} else {
		e.positions[ord.Symbol] = e.positions[ord.Symbol].Sub(qty)
	}
	return e.updateLocked(ord, strconv.Itoa(e.tradeSeq), qty, price)
}

func (e *Exchange) updateLocked(ord *core.Order, tradeID string, lastQty, lastPrice decimal.Decimal) core.OrderUpdate {
	return core.OrderUpdate{
		Exchange:     e.name,
		Symbol:       ord.Symbol,
		OrderID:      ord.ID,
		ClientID:     ord.ClientID,
		TradeID:      tradeID,
		Side:         ord.Side,
		Status:       ord.Status,
		OrderPrice:   ord.Price,
		OrderQty:     ord.Qty,
		LastQty:      lastQty,
		LastPrice:    lastPrice,
		CumFilledQty: ord.FilledQty,
		CumQuoteQty:  e.quoteQty[ord.ID],
		Time:         ord.UpdatedAt,
	}
}

func (e *Exchange) publish(updates []core.OrderUpdate, muted bool) {
	if muted {
		return
	}
	for _, u := range updates {
		e.hub.Publish(u)
	}
}
