package exchange

import (
	"context"
	"errors"

	"arb-executor/internal/core"
)

// ErrQueryUnsupported is returned by decorators whose inner adapter cannot
// look up a single order.
var ErrQueryUnsupported = errors.New("order query unsupported")

// Exchange is the capability set the execution layer needs from a venue.
// Implementations must be safe for concurrent use by many tasks.
type Exchange interface {
	Name() string
	GetSymbolConstraints(ctx context.Context, symbol string) (core.Rules, error)
	GetTopOfBook(ctx context.Context, symbol string) (core.TopOfBook, error)
	// PlaceLimitOrder submits a good-till-cancel limit order.
	PlaceLimitOrder(ctx context.Context, order core.Order) (core.Order, error)
	// CancelOrder returns the order as the venue last saw it, including
	// the filled quantity at cancel time.
	CancelOrder(ctx context.Context, symbol, orderID string) (core.Order, error)
	OpenOrders(ctx context.Context, symbol string) ([]core.Order, error)
	// SubscribeOrders registers fn for order updates on symbol. fn runs on an
	// adapter goroutine and must not block.
	SubscribeOrders(symbol string, fn func(core.OrderUpdate)) (func(), error)
}

type OrderQuerier interface {
	QueryOrder(ctx context.Context, symbol, orderID string) (core.Order, error)
}

// QueryOrder looks up a single order when ex supports it.
func QueryOrder(ctx context.Context, ex Exchange, symbol, orderID string) (core.Order, error) {
	q, ok := ex.(OrderQuerier)
	if !ok {
		return core.Order{}, ErrQueryUnsupported
	}
	return q.QueryOrder(ctx, symbol, orderID)
}
