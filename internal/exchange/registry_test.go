package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"arb-executor/internal/core"
)

type stubExchange struct {
	name   string
	calls  int
	closed bool
}

func (s *stubExchange) Name() string { return s.name }
func (s *stubExchange) GetSymbolConstraints(ctx context.Context, symbol string) (core.Rules, error) {
	s.calls++
	return core.Rules{}, nil
}
func (s *stubExchange) GetTopOfBook(ctx context.Context, symbol string) (core.TopOfBook, error) {
	s.calls++
	return core.TopOfBook{Symbol: symbol}, nil
}
func (s *stubExchange) PlaceLimitOrder(ctx context.Context, order core.Order) (core.Order, error) {
	s.calls++
	return order, nil
}
func (s *stubExchange) CancelOrder(ctx context.Context, symbol, orderID string) (core.Order, error) {
	s.calls++
	return core.Order{ID: orderID}, nil
}
func (s *stubExchange) OpenOrders(ctx context.Context, symbol string) ([]core.Order, error) {
	s.calls++
	return nil, nil
}
func (s *stubExchange) SubscribeOrders(symbol string, fn func(core.OrderUpdate)) (func(), error) {
	return func() {}, nil
}
func (s *stubExchange) Close() error {
	s.closed = true
	return nil
}

func TestRegistryGetUnknown(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register("a", &stubExchange{name: "a"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := reg.Register("a", &stubExchange{name: "a"}); err == nil {
		t.Fatalf("Register() duplicate error = nil")
	}
	if _, err := reg.Get("b"); !errors.Is(err, core.ErrUnknownExchange) {
		t.Fatalf("Get() error = %v, want %v", err, core.ErrUnknownExchange)
	}
	if !core.IsStructural(func() error { _, err := reg.Get("b"); return err }()) {
		t.Fatalf("unknown exchange should be structural")
	}
}

func TestRegistryCloseReachesWrappedAdapters(t *testing.T) {
	inner := &stubExchange{name: "a"}
	reg := NewRegistry()
	if err := reg.Register("a", NewLimited(inner, 0, 1)); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := reg.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !inner.closed {
		t.Fatalf("inner adapter not closed")
	}
}

func TestLimitedThrottlesRequests(t *testing.T) {
	inner := &stubExchange{name: "a"}
	limited := NewLimited(inner, 1, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := limited.OpenOrders(ctx, "BTCUSDT"); err != nil {
		t.Fatalf("OpenOrders() error = %v", err)
	}
	if _, err := limited.OpenOrders(ctx, "BTCUSDT"); err == nil {
		t.Fatalf("second OpenOrders() error = nil, want limiter wait error")
	}
	if inner.calls != 1 {
		t.Fatalf("inner calls = %d, want 1", inner.calls)
	}
}

func TestLimitedQueryOrderUnsupported(t *testing.T) {
	limited := NewLimited(&stubExchange{name: "a"}, 0, 1)
	if _, err := limited.QueryOrder(context.Background(), "BTCUSDT", "1"); !errors.Is(err, ErrQueryUnsupported) {
		t.Fatalf("QueryOrder() error = %v, want %v", err, ErrQueryUnsupported)
	}
	if _, err := QueryOrder(context.Background(), &stubExchange{}, "BTCUSDT", "1"); !errors.Is(err, ErrQueryUnsupported) {
		t.Fatalf("QueryOrder() error = %v, want %v", err, ErrQueryUnsupported)
	}
}
