package safety

import (
	"context"
	"io"

	"arb-executor/internal/core"
	"arb-executor/internal/exchange"
)

// GuardedExchange routes order placement and cancellation through a Breaker.
// Reads pass straight through.
type GuardedExchange struct {
	inner   exchange.Exchange
	breaker *Breaker
}

func NewGuardedExchange(inner exchange.Exchange, breaker *Breaker) *GuardedExchange {
	return &GuardedExchange{inner: inner, breaker: breaker}
}

func (g *GuardedExchange) Name() string { return g.inner.Name() }

func (g *GuardedExchange) Unwrap() exchange.Exchange { return g.inner }

func (g *GuardedExchange) GetSymbolConstraints(ctx context.Context, symbol string) (core.Rules, error) {
	return g.inner.GetSymbolConstraints(ctx, symbol)
}

func (g *GuardedExchange) GetTopOfBook(ctx context.Context, symbol string) (core.TopOfBook, error) {
	return g.inner.GetTopOfBook(ctx, symbol)
}

func (g *GuardedExchange) PlaceLimitOrder(ctx context.Context, order core.Order) (core.Order, error) {
	if err := g.breaker.Allow(ActionPlace); err != nil {
		return core.Order{}, err
	}
	placed, err := g.inner.PlaceLimitOrder(ctx, order)
	if trip := g.breaker.Record(ActionPlace, err); trip != nil && err != nil {
		return placed, trip
	}
	return placed, err
}

func (g *GuardedExchange) CancelOrder(ctx context.Context, symbol, orderID string) (core.Order, error) {
	if err := g.breaker.Allow(ActionCancel); err != nil {
		return core.Order{}, err
	}
	canceled, err := g.inner.CancelOrder(ctx, symbol, orderID)
	if trip := g.breaker.Record(ActionCancel, err); trip != nil && err != nil {
		return canceled, trip
	}
	return canceled, err
}

func (g *GuardedExchange) OpenOrders(ctx context.Context, symbol string) ([]core.Order, error) {
	return g.inner.OpenOrders(ctx, symbol)
}

func (g *GuardedExchange) QueryOrder(ctx context.Context, symbol, orderID string) (core.Order, error) {
	return exchange.QueryOrder(ctx, g.inner, symbol, orderID)
}

func (g *GuardedExchange) SubscribeOrders(symbol string, fn func(core.OrderUpdate)) (func(), error) {
	return g.inner.SubscribeOrders(symbol, fn)
}

func (g *GuardedExchange) Close() error {
	if c, ok := g.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
