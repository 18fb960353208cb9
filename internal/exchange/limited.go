package exchange

import (
	"context"
	"io"

	"golang.org/x/time/rate"

	"arb-executor/internal/core"
)

// Limited throttles the REST surface of a shared adapter so that all tasks
// together stay under the venue's request budget. Subscriptions pass through.
type Limited struct {
	inner   Exchange
	limiter *rate.Limiter
}

// NewLimited allows perSecond requests with the given burst. A non-positive
// rate disables throttling.
func NewLimited(inner Exchange, perSecond float64, burst int) *Limited {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst < 1 {
		burst = 1
	}
	return &Limited{inner: inner, limiter: rate.NewLimiter(limit, burst)}
}

func (l *Limited) Name() string { return l.inner.Name() }

func (l *Limited) Unwrap() Exchange { return l.inner }

func (l *Limited) GetSymbolConstraints(ctx context.Context, symbol string) (core.Rules, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return core.Rules{}, err
	}
	return l.inner.GetSymbolConstraints(ctx, symbol)
}

func (l *Limited) GetTopOfBook(ctx context.Context, symbol string) (core.TopOfBook, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return core.TopOfBook{}, err
	}
	return l.inner.GetTopOfBook(ctx, symbol)
}

func (l *Limited) PlaceLimitOrder(ctx context.Context, order core.Order) (core.Order, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return core.Order{}, err
	}
	return l.inner.PlaceLimitOrder(ctx, order)
}

func (l *Limited) CancelOrder(ctx context.Context, symbol, orderID string) (core.Order, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return core.Order{}, err
	}
	return l.inner.CancelOrder(ctx, symbol, orderID)
}

func (l *Limited) OpenOrders(ctx context.Context, symbol string) ([]core.Order, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return l.inner.OpenOrders(ctx, symbol)
}

func (l *Limited) QueryOrder(ctx context.Context, symbol, orderID string) (core.Order, error) {
	if _, ok := l.inner.(OrderQuerier); !ok {
		return core.Order{}, ErrQueryUnsupported
	}
	if err := l.limiter.Wait(ctx); err != nil {
		return core.Order{}, err
	}
	return QueryOrder(ctx, l.inner, symbol, orderID)
}

func (l *Limited) SubscribeOrders(symbol string, fn func(core.OrderUpdate)) (func(), error) {
	return l.inner.SubscribeOrders(symbol, fn)
}

func (l *Limited) Close() error {
	if c, ok := l.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
