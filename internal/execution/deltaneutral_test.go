package execution

import (
	"context"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arb-executor/internal/core"
	"arb-executor/internal/exchange/paper"
)

type dnFixture struct {
	m     *DeltaNeutral
	buy   *paper.Exchange
	sell  *paper.Exchange
	env   Env
	clock *fakeClock
}

func newDeltaNeutralFixture(t *testing.T, p DeltaNeutralParams) *dnFixture {
	t.Helper()
	clock := newFakeClock()
	buy := newVenue(t, "a", clock)
	sell := newVenue(t, "b", clock)
	env := newEnv(t, clock, buy, sell)
	p.Symbol = testSymbol
	p.Buy.Exchange = "a"
	p.Sell.Exchange = "b"
	m, err := NewDeltaNeutral(p, env)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return &dnFixture{m: m, buy: buy, sell: sell, env: env, clock: clock}
}

// restoreWithFills simulates a restart after the given fills were recorded.
func (f *dnFixture) restoreWithFills(t *testing.T, buyFilled, sellFilled string) *DeltaNeutral {
	t.Helper()
	f.m.c.Buy.Filled = d(buyFilled)
	f.m.c.Sell.Filled = d(sellFilled)
	rec, err := f.m.Snapshot()
	require.NoError(t, err)
	f.m.Close()
	restored, err := Restore(rec, f.env)
	require.NoError(t, err)
	m := restored.(*DeltaNeutral)
	t.Cleanup(m.Close)
	return m
}

func TestDeltaNeutralCompletesInLockstep(t *testing.T) {
	f := newDeltaNeutralFixture(t, DeltaNeutralParams{TargetQty: d("0.2"), SliceQty: d("0.1")})
	ctx := context.Background()

	for i := 0; i < 50 && !f.m.Status().Terminal(); i++ {
		f.m.Step(ctx)
		c := f.m.Context()
		if c.Buy.Order != nil {
			require.NoError(t, f.buy.Fill(c.Buy.Order.OrderID, c.Buy.Order.Qty))
		}
		if c.Sell.Order != nil {
			require.NoError(t, f.sell.Fill(c.Sell.Order.OrderID, c.Sell.Order.Qty))
		}
	}

	c := f.m.Context()
	assert.Equal(t, StatusCompleted, c.Status)
	assert.Equal(t, DeltaCompleted, c.Phase)
	assert.True(t, c.Buy.Filled.Equal(d("0.2")), "buy filled = %s", c.Buy.Filled)
	assert.True(t, c.Sell.Filled.Equal(d("0.2")), "sell filled = %s", c.Sell.Filled)
	assert.True(t, f.buy.Position(testSymbol).Equal(d("0.2")))
	assert.True(t, f.sell.Position(testSymbol).Equal(d("-0.2")))
	assert.True(t, c.Sell.AvgPrice.Equal(d("100.1")), "sell avg = %s", c.Sell.AvgPrice)
}

func TestDeltaNeutralLaggingSideActsAfterRestart(t *testing.T) {
	f := newDeltaNeutralFixture(t, DeltaNeutralParams{TargetQty: d("10"), SliceQty: d("1"), MinUnit: d("0.01")})
	m := f.restoreWithFills(t, "6", "4")
	assert.Equal(t, DirectionBuyAhead, m.Context().Direction)

	stepUntil(t, m, 10, func() bool { return m.Context().Sell.Order != nil })

	assert.Nil(t, m.Context().Buy.Order)
	assert.Empty(t, openOrders(t, f.buy))
	open := openOrders(t, f.sell)
	require.Len(t, open, 1)
	assert.Equal(t, core.Sell, open[0].Side)
	assert.True(t, open[0].Qty.Equal(d("1")), "qty = %s", open[0].Qty)
}

func TestDeltaNeutralCapsLaggingOrderAtImbalance(t *testing.T) {
	f := newDeltaNeutralFixture(t, DeltaNeutralParams{TargetQty: d("10"), SliceQty: d("1"), MinUnit: d("0.01")})
	m := f.restoreWithFills(t, "6.5", "6")

	stepUntil(t, m, 10, func() bool { return m.Context().Sell.Order != nil })
	assert.True(t, m.Context().Sell.Order.Qty.Equal(d("0.5")), "qty = %s", m.Context().Sell.Order.Qty)
	assert.Empty(t, openOrders(t, f.buy))
}

func TestDeltaNeutralCorrectionNeverOvershootsImbalance(t *testing.T) {
	rules := core.Rules{MinQty: d("0.01"), MinNotional: d("10"), PriceTick: d("0.1"), QtyStep: d("0.01")}
	cases := []struct {
		name      string
		buyFilled string
		wantQty   string
	}{
		{name: "min order would flip the imbalance", buyFilled: "0.5"},
		{name: "min order still shrinks the imbalance", buyFilled: "0.56", wantQty: "0.11"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newDeltaNeutralFixture(t, DeltaNeutralParams{TargetQty: d("10"), SliceQty: d("1"), MinUnit: d("0.01")})
			f.buy.SetRules(testSymbol, rules)
			f.sell.SetRules(testSymbol, rules)
			m := f.restoreWithFills(t, tc.buyFilled, "0.48")
			before := m.Context().Buy.Filled.Sub(m.Context().Sell.Filled)

			for i := 0; i < 8; i++ {
				m.Step(context.Background())
			}
			assert.Empty(t, openOrders(t, f.buy), "leading leg stays idle")

			if tc.wantQty == "" {
				assert.Nil(t, m.Context().Sell.Order)
				assert.Empty(t, openOrders(t, f.sell))
				require.NotNil(t, m.LastError())
				assert.Equal(t, core.KindReconcile, m.LastError().Kind)
				assert.False(t, m.Status().Terminal())
				return
			}
			require.NotNil(t, m.Context().Sell.Order)
			qty := m.Context().Sell.Order.Qty
			assert.True(t, qty.Equal(d(tc.wantQty)), "qty = %s", qty)
			after := m.Context().Buy.Filled.Sub(m.Context().Sell.Filled.Add(qty)).Abs()
			assert.True(t, after.LessThan(before), "imbalance %s -> %s", before, after)
		})
	}
}

func TestDeltaNeutralCompletionRoundsToUnit(t *testing.T) {
	f := newDeltaNeutralFixture(t, DeltaNeutralParams{TargetQty: d("10"), SliceQty: d("1"), MinUnit: d("0.01")})

	f.m.c.Buy.Filled = d("9.995")
	f.m.c.Sell.Filled = d("9.992")
	assert.False(t, f.m.complete())

	f.m.c.Buy.Filled = d("9.999")
	f.m.c.Sell.Filled = d("9.998")
	assert.True(t, f.m.complete())

	stepUntil(t, f.m, 5, func() bool { return f.m.Status().Terminal() })
	assert.Equal(t, StatusCompleted, f.m.Status())
	assert.Empty(t, openOrders(t, f.buy))
	assert.Empty(t, openOrders(t, f.sell))
}

func TestDeltaNeutralLeadingSideCancels(t *testing.T) {
	f := newDeltaNeutralFixture(t, DeltaNeutralParams{TargetQty: d("1"), SliceQty: d("0.1")})
	m := f.m
	stepUntil(t, m, 10, func() bool { return m.Context().Buy.Order != nil && m.Context().Sell.Order != nil })

	require.NoError(t, f.buy.Fill(m.Context().Buy.Order.OrderID, d("0.05")))
	stepUntil(t, m, 5, func() bool { return m.Context().Buy.Order == nil })

	assert.Equal(t, DirectionBuyAhead, m.Context().Direction)
	assert.True(t, m.Context().Buy.Filled.Equal(d("0.05")))
	assert.Empty(t, openOrders(t, f.buy))
	assert.Len(t, openOrders(t, f.sell), 1, "lagging side keeps working")
}

func TestDeltaNeutralRecoveryResetsAfterCleanTick(t *testing.T) {
	f := newDeltaNeutralFixture(t, DeltaNeutralParams{TargetQty: d("1"), SliceQty: d("0.1"), MaxRecoveries: 1})
	f.buy.FailNext(paper.OpPlace, core.ErrInvalidSymbol)
	m := f.m

	stepUntil(t, m, 10, func() bool { return m.Context().Phase == DeltaRecovery })
	stepUntil(t, m, 10, func() bool { return m.Context().Buy.Order != nil && m.Context().Sell.Order != nil })

	assert.Equal(t, 0, m.Context().Recoveries)
	assert.False(t, m.Status().Terminal())
	assert.Len(t, openOrders(t, f.buy), 1)
	assert.Len(t, openOrders(t, f.sell), 1)
}

func TestDeltaNeutralRecoveryLimitIsTerminal(t *testing.T) {
	f := newDeltaNeutralFixture(t, DeltaNeutralParams{TargetQty: d("1"), SliceQty: d("0.1"), MaxRecoveries: 1})
	for i := 0; i < 5; i++ {
		f.buy.FailNext(paper.OpPlace, core.ErrInvalidSymbol)
	}
	m := f.m

	stepUntil(t, m, 20, func() bool { return m.Status().Terminal() })

	assert.Equal(t, StatusError, m.Status())
	assert.Equal(t, DeltaError, m.Context().Phase)
	assert.Equal(t, 2, m.Context().Recoveries)
	require.NotNil(t, m.LastError())
	assert.Equal(t, core.KindStructural, m.LastError().Kind)
	assert.Empty(t, openOrders(t, f.sell))
}

func TestDeltaNeutralImbalanceStaysBounded(t *testing.T) {
	slice := d("0.1")
	f := newDeltaNeutralFixture(t, DeltaNeutralParams{TargetQty: d("1"), SliceQty: slice})
	m := f.m
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	unit := d("0.01")
	bound := slice.Add(unit)

	fillSome := func(ex *paper.Exchange, ref *OrderRef) {
		if ref == nil || rng.Intn(2) == 0 {
			return
		}
		o, err := ex.QueryOrder(ctx, testSymbol, ref.OrderID)
		require.NoError(t, err)
		units := o.Qty.Sub(o.FilledQty).Div(unit).IntPart()
		if units <= 0 || o.Status.Terminal() {
			return
		}
		qty := unit.Mul(decimal.NewFromInt(rng.Int63n(units) + 1))
		require.NoError(t, ex.Fill(ref.OrderID, qty))
	}

	for i := 0; i < 3000 && !m.Status().Terminal(); i++ {
		m.Step(ctx)
		c := m.Context()
		fillSome(f.buy, c.Buy.Order)
		fillSome(f.sell, c.Sell.Order)

		imbalance := f.buy.Position(testSymbol).Add(f.sell.Position(testSymbol)).Abs()
		require.True(t, imbalance.LessThanOrEqual(bound), "tick %d: imbalance %s exceeds %s", i, imbalance, bound)
		require.True(t, f.buy.Position(testSymbol).LessThanOrEqual(d("1")))
		require.True(t, f.sell.Position(testSymbol).Neg().LessThanOrEqual(d("1")))
	}

	assert.Equal(t, StatusCompleted, m.Status())
	assert.True(t, m.Context().Buy.Filled.Equal(d("1")))
	assert.True(t, m.Context().Sell.Filled.Equal(d("1")))
}

func TestDirection(t *testing.T) {
	unit := d("0.01")
	assert.Equal(t, DirectionBuyAhead, direction(d("6"), d("4"), unit))
	assert.Equal(t, DirectionSellAhead, direction(d("4"), d("6"), unit))
	assert.Equal(t, DirectionNone, direction(d("5.005"), d("5"), unit))
	assert.Equal(t, DirectionBuyAhead, direction(d("5.01"), d("5"), unit))
	assert.Equal(t, DirectionNone, direction(d("1"), d("1"), decimal.Zero))
}

func TestActingSides(t *testing.T) {
	assert.Equal(t, []core.Side{core.Sell}, ActingSides(DirectionBuyAhead))
	assert.Equal(t, []core.Side{core.Buy}, ActingSides(DirectionSellAhead))
	assert.Equal(t, []core.Side{core.Buy, core.Sell}, ActingSides(DirectionNone))
}
