package execution

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arb-executor/internal/core"
	"arb-executor/internal/exchange"
	"arb-executor/internal/exchange/paper"
)

const testSymbol = "BTCUSDT"

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newVenue(t *testing.T, name string, clock *fakeClock) *paper.Exchange {
	t.Helper()
	ex := paper.New(name, paper.WithClock(clock.Now))
	ex.SetRules(testSymbol, core.Rules{
		MinQty:      d("0.01"),
		MinNotional: d("0.5"),
		PriceTick:   d("0.1"),
		QtyStep:     d("0.01"),
	})
	ex.SetTopOfBook(core.TopOfBook{Symbol: testSymbol, BidPrice: d("100"), AskPrice: d("100.1")})
	return ex
}

func newEnv(t *testing.T, clock *fakeClock, venues ...*paper.Exchange) Env {
	t.Helper()
	reg := exchange.NewRegistry()
	for _, v := range venues {
		require.NoError(t, reg.Register(v.Name(), v))
	}
	return Env{Exchanges: reg, Now: clock.Now}
}

func TestLegCreditIsIdempotentAndMonotonic(t *testing.T) {
	leg := Leg{Exchange: "a", Side: core.Buy}
	ref := &OrderRef{OrderID: "1", Price: d("100"), Qty: d("1")}

	assert.True(t, leg.credit(ref, d("0.4"), d("40"), d("100")))
	assert.False(t, leg.credit(ref, d("0.4"), d("40"), d("100")), "same cumulative fill twice")
	assert.False(t, leg.credit(ref, d("0.2"), d("20"), d("100")), "stale cumulative fill")
	assert.True(t, leg.credit(ref, d("1"), d("106"), d("100")))

	assert.True(t, leg.Filled.Equal(d("1")), "filled = %s", leg.Filled)
	assert.True(t, leg.FilledQuote.Equal(d("106")), "quote = %s", leg.FilledQuote)
	assert.True(t, leg.AvgPrice.Equal(d("106")), "avg = %s", leg.AvgPrice)
}

func TestLegApplyUpdateCreditsOrphans(t *testing.T) {
	leg := Leg{Exchange: "a", Side: core.Sell, Order: &OrderRef{OrderID: "1", Price: d("100"), Qty: d("1")}}
	leg.orphanLive()
	require.Nil(t, leg.Order)
	require.Len(t, leg.Orphans, 1)

	changed := leg.applyUpdate(core.OrderUpdate{
		Exchange: "a", OrderID: "1", Status: core.OrderFilled,
		CumFilledQty: d("1"), CumQuoteQty: d("100"),
	})
	assert.True(t, changed)
	assert.Empty(t, leg.Orphans)
	assert.True(t, leg.Filled.Equal(d("1")))

	assert.False(t, leg.applyUpdate(core.OrderUpdate{Exchange: "b", OrderID: "1", CumFilledQty: d("2")}), "other venue")
}

func TestLegSyncSettlesMissingOrderAndAdoptsStray(t *testing.T) {
	clock := newFakeClock()
	ex := newVenue(t, "a", clock)
	ctx := context.Background()

	gone, err := ex.PlaceLimitOrder(ctx, core.Order{Symbol: testSymbol, Side: core.Buy, Price: d("99"), Qty: d("0.5"), ClientID: "task_x-b1"})
	require.NoError(t, err)
	require.NoError(t, ex.Fill(gone.ID, d("0.5")))
	stray, err := ex.PlaceLimitOrder(ctx, core.Order{Symbol: testSymbol, Side: core.Buy, Price: d("99"), Qty: d("0.2"), ClientID: "task_x-b7"})
	require.NoError(t, err)
	_, err = ex.PlaceLimitOrder(ctx, core.Order{Symbol: testSymbol, Side: core.Buy, Price: d("99"), Qty: d("0.2"), ClientID: "someone-else"})
	require.NoError(t, err)

	leg := Leg{Exchange: "a", Side: core.Buy, Order: refFor(gone), NeedsSync: true}
	changed, err := leg.sync(ctx, ex, testSymbol, "task_x")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.False(t, leg.NeedsSync)
	assert.True(t, leg.Filled.Equal(d("0.5")), "filled = %s", leg.Filled)
	require.NotNil(t, leg.Order)
	assert.Equal(t, stray.ID, leg.Order.OrderID)
	assert.Equal(t, int64(7), leg.ClientSeq)
	assert.Equal(t, "task_x-b8", leg.nextClientID("task_x"))
}

func TestLegSyncAdoptsNewestStrayByNumericSequence(t *testing.T) {
	clock := newFakeClock()
	ex := newVenue(t, "a", clock)
	ctx := context.Background()

	older, err := ex.PlaceLimitOrder(ctx, core.Order{Symbol: testSymbol, Side: core.Buy, Price: d("99"), Qty: d("0.2"), ClientID: "task_x-b9"})
	require.NoError(t, err)
	newer, err := ex.PlaceLimitOrder(ctx, core.Order{Symbol: testSymbol, Side: core.Buy, Price: d("99"), Qty: d("0.2"), ClientID: "task_x-b10"})
	require.NoError(t, err)

	leg := Leg{Exchange: "a", Side: core.Buy, NeedsSync: true}
	_, err = leg.sync(ctx, ex, testSymbol, "task_x")
	require.NoError(t, err)

	require.NotNil(t, leg.Order)
	assert.Equal(t, newer.ID, leg.Order.OrderID)
	assert.Equal(t, int64(10), leg.ClientSeq)
	open := openOrders(t, ex)
	require.Len(t, open, 1)
	assert.Equal(t, newer.ID, open[0].ID)
	assert.NotEqual(t, older.ID, open[0].ID)
}

func TestLegSyncIsIdempotent(t *testing.T) {
	clock := newFakeClock()
	ex := newVenue(t, "a", clock)
	ctx := context.Background()

	live, err := ex.PlaceLimitOrder(ctx, core.Order{Symbol: testSymbol, Side: core.Buy, Price: d("99"), Qty: d("1"), ClientID: "task_x-b3"})
	require.NoError(t, err)
	require.NoError(t, ex.Fill(live.ID, d("0.3")))
	done, err := ex.PlaceLimitOrder(ctx, core.Order{Symbol: testSymbol, Side: core.Buy, Price: d("99"), Qty: d("0.2"), ClientID: "task_x-b2"})
	require.NoError(t, err)
	require.NoError(t, ex.Fill(done.ID, d("0.2")))

	leg := Leg{
		Exchange: "a", Side: core.Buy, ClientSeq: 3, NeedsSync: true,
		Order:   refFor(live),
		Orphans: []OrderRef{*refFor(done)},
	}
	changed, err := leg.sync(ctx, ex, testSymbol, "task_x")
	require.NoError(t, err)
	assert.True(t, changed)
	first := cloneLeg(leg)

	for i := 0; i < 2; i++ {
		leg.NeedsSync = true
		_, err := leg.sync(ctx, ex, testSymbol, "task_x")
		require.NoError(t, err)
		assertSameLeg(t, first, leg)
	}
	assert.True(t, leg.Filled.Equal(d("0.5")), "filled = %s", leg.Filled)
	assert.Empty(t, leg.Orphans)
	assert.Len(t, openOrders(t, ex), 1)
}

func cloneLeg(l Leg) Leg {
	out := l
	if l.Order != nil {
		ref := *l.Order
		out.Order = &ref
	}
	out.Orphans = append([]OrderRef(nil), l.Orphans...)
	return out
}

func assertDecimal(t *testing.T, name string, want, got decimal.Decimal) {
	t.Helper()
	assert.True(t, want.Equal(got), "%s: want %s, got %s", name, want, got)
}

func assertSameRef(t *testing.T, name string, want, got OrderRef) {
	t.Helper()
	assert.Equal(t, want.OrderID, got.OrderID, name+".order_id")
	assert.Equal(t, want.ClientID, got.ClientID, name+".client_id")
	assertDecimal(t, name+".price", want.Price, got.Price)
	assertDecimal(t, name+".qty", want.Qty, got.Qty)
	assertDecimal(t, name+".credited_qty", want.CreditedQty, got.CreditedQty)
	assertDecimal(t, name+".credited_quote", want.CreditedQuote, got.CreditedQuote)
}

func assertSameLeg(t *testing.T, want, got Leg) {
	t.Helper()
	name := string(want.Side)
	assert.Equal(t, want.Exchange, got.Exchange, name+".exchange")
	assert.Equal(t, want.Side, got.Side)
	assert.Equal(t, want.OffsetTicks, got.OffsetTicks, name+".offset_ticks")
	assert.Equal(t, want.ToleranceTicks, got.ToleranceTicks, name+".tolerance_ticks")
	assertDecimal(t, name+".filled", want.Filled, got.Filled)
	assertDecimal(t, name+".filled_quote", want.FilledQuote, got.FilledQuote)
	assertDecimal(t, name+".avg_price", want.AvgPrice, got.AvgPrice)
	assert.Equal(t, want.ClientSeq, got.ClientSeq, name+".client_seq")
	assert.Equal(t, want.NeedsSync, got.NeedsSync, name+".needs_sync")
	if want.Order == nil || got.Order == nil {
		assert.Equal(t, want.Order == nil, got.Order == nil, name+".order presence")
	} else {
		assertSameRef(t, name+".order", *want.Order, *got.Order)
	}
	require.Len(t, got.Orphans, len(want.Orphans), name+".orphans")
	for i := range want.Orphans {
		assertSameRef(t, name+".orphan", want.Orphans[i], got.Orphans[i])
	}
}
