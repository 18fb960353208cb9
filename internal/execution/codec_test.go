package execution

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arb-executor/internal/core"
	"arb-executor/internal/taskstore"
)

func TestRestoreIcebergKeepsContext(t *testing.T) {
	clock := newFakeClock()
	env := newEnv(t, clock, newVenue(t, "a", clock))
	m, err := NewIceberg(IcebergParams{
		Exchange: "a", Symbol: testSymbol, Side: core.Sell,
		TargetQty: d("1"), SliceQty: d("0.1"), Metadata: map[string]string{"desk": "x"},
	}, env)
	require.NoError(t, err)

	rec, err := m.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, KindIceberg, rec.ContextType)
	assert.Equal(t, SchemaVersion, rec.SchemaVersion)
	assert.Equal(t, string(StatusNotStarted), rec.State)

	restored, err := Restore(rec, env)
	require.NoError(t, err)
	ice, ok := restored.(*Iceberg)
	require.True(t, ok)
	assert.Equal(t, m.Context().TaskID, ice.Context().TaskID)
	assert.Equal(t, "x", ice.Context().Metadata["desk"])
	assert.True(t, ice.Context().TargetQty.Equal(d("1")))

	meta, err := RecordMetadata(rec)
	require.NoError(t, err)
	assert.Equal(t, "x", meta["desk"])
}

func TestRestoreDeltaNeutralRecomputesDirection(t *testing.T) {
	clock := newFakeClock()
	env := newEnv(t, clock, newVenue(t, "a", clock), newVenue(t, "b", clock))
	m, err := NewDeltaNeutral(DeltaNeutralParams{
		Symbol: testSymbol, Buy: LegParams{Exchange: "a"}, Sell: LegParams{Exchange: "b"},
		TargetQty: d("10"), SliceQty: d("1"), MinUnit: d("0.01"),
	}, env)
	require.NoError(t, err)
	m.c.Buy.Filled = d("6")
	m.c.Sell.Filled = d("4")
	m.c.Direction = DirectionNone

	rec, err := m.Snapshot()
	require.NoError(t, err)
	restored, err := Restore(rec, env)
	require.NoError(t, err)
	dn := restored.(*DeltaNeutral)
	assert.Equal(t, DirectionBuyAhead, dn.Context().Direction)
}

func TestRestoreRejectsBadRecords(t *testing.T) {
	clock := newFakeClock()
	env := newEnv(t, clock, newVenue(t, "a", clock))

	_, err := Restore(taskstore.Record{TaskID: "t", ContextType: "twap", SchemaVersion: 1, Payload: json.RawMessage(`{}`)}, env)
	assert.ErrorIs(t, err, ErrUnknownContextType)

	_, err = Restore(taskstore.Record{TaskID: "t", ContextType: KindIceberg, SchemaVersion: 99, Payload: json.RawMessage(`{}`)}, env)
	assert.Error(t, err)

	payload := json.RawMessage(`{"task_id":"other","symbol":"BTCUSDT","leg":{"exchange":"a","side":"BUY"}}`)
	_, err = Restore(taskstore.Record{TaskID: "t", ContextType: KindIceberg, SchemaVersion: 1, Payload: payload}, env)
	assert.Error(t, err)

	payload = json.RawMessage(`{"task_id":"t","symbol":"BTCUSDT","buy":{"exchange":"a","side":"SELL"},"sell":{"exchange":"a","side":"SELL"}}`)
	_, err = Restore(taskstore.Record{TaskID: "t", ContextType: KindDeltaNeutral, SchemaVersion: 1, Payload: payload}, env)
	assert.Error(t, err)
}

func assertSameTime(t *testing.T, name string, want, got *time.Time) {
	t.Helper()
	if want == nil || got == nil {
		assert.Equal(t, want == nil, got == nil, name+" presence")
		return
	}
	assert.True(t, want.Equal(*got), "%s: want %s, got %s", name, want, got)
}

func assertSameTaskContext(t *testing.T, want, got TaskContext) {
	t.Helper()
	assert.Equal(t, want.TaskID, got.TaskID)
	assert.Equal(t, want.Status, got.Status)
	assert.Equal(t, want.Metadata, got.Metadata)
	assertSameTime(t, "created_at", &want.CreatedAt, &got.CreatedAt)
	assertSameTime(t, "updated_at", &want.UpdatedAt, &got.UpdatedAt)
	if want.LastError == nil || got.LastError == nil {
		assert.Equal(t, want.LastError == nil, got.LastError == nil, "last_error presence")
		return
	}
	assert.Equal(t, want.LastError.Kind, got.LastError.Kind)
	assert.Equal(t, want.LastError.Message, got.LastError.Message)
	assertSameTime(t, "last_error.at", &want.LastError.At, &got.LastError.At)
}

func assertSameIceberg(t *testing.T, want, got IcebergContext) {
	t.Helper()
	assertSameTaskContext(t, want.TaskContext, got.TaskContext)
	assert.Equal(t, want.Symbol, got.Symbol)
	assertSameLeg(t, want.Leg, got.Leg)
	assertDecimal(t, "target_qty", want.TargetQty, got.TargetQty)
	assertDecimal(t, "slice_qty", want.SliceQty, got.SliceQty)
	assertDecimal(t, "min_unit", want.MinUnit, got.MinUnit)
	assert.Equal(t, want.Phase, got.Phase)
	assertSameTime(t, "deadline", want.Deadline, got.Deadline)
}

func assertSameDeltaNeutral(t *testing.T, want, got DeltaNeutralContext) {
	t.Helper()
	assertSameTaskContext(t, want.TaskContext, got.TaskContext)
	assert.Equal(t, want.Symbol, got.Symbol)
	assertSameLeg(t, want.Buy, got.Buy)
	assertSameLeg(t, want.Sell, got.Sell)
	assertDecimal(t, "target_qty", want.TargetQty, got.TargetQty)
	assertDecimal(t, "slice_qty", want.SliceQty, got.SliceQty)
	assertDecimal(t, "min_unit", want.MinUnit, got.MinUnit)
	assert.Equal(t, want.Direction, got.Direction, "direction")
	assert.Equal(t, want.Phase, got.Phase)
	assert.Equal(t, want.Recoveries, got.Recoveries)
	assert.Equal(t, want.MaxRecoveries, got.MaxRecoveries)
	assertSameTime(t, "deadline", want.Deadline, got.Deadline)
}

func roundTripIceberg(t *testing.T, m *Iceberg, env Env) {
	t.Helper()
	rec, err := m.Snapshot()
	require.NoError(t, err)
	restored, err := Restore(rec, env)
	require.NoError(t, err)
	defer restored.Close()
	assertSameIceberg(t, m.Context(), restored.(*Iceberg).Context())
}

func roundTripDeltaNeutral(t *testing.T, m *DeltaNeutral, env Env) {
	t.Helper()
	rec, err := m.Snapshot()
	require.NoError(t, err)
	restored, err := Restore(rec, env)
	require.NoError(t, err)
	defer restored.Close()
	assertSameDeltaNeutral(t, m.Context(), restored.(*DeltaNeutral).Context())
}

func TestIcebergContextRoundTrip(t *testing.T) {
	clock := newFakeClock()
	ex := newVenue(t, "a", clock)
	env := newEnv(t, clock, ex)
	m, err := NewIceberg(IcebergParams{
		Exchange: "a", Symbol: testSymbol, Side: core.Buy,
		TargetQty: d("0.3"), SliceQty: d("0.2"), Timeout: time.Hour,
		Metadata: map[string]string{"desk": "x"},
	}, env)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	ctx := context.Background()

	roundTripIceberg(t, m, env)

	stepUntil(t, m, 10, func() bool { return m.Context().Leg.Order != nil })
	require.NoError(t, ex.Fill(m.Context().Leg.Order.OrderID, d("0.05")))
	m.Step(ctx)
	require.True(t, m.Context().Leg.Filled.Equal(d("0.05")), "filled = %s", m.Context().Leg.Filled)
	roundTripIceberg(t, m, env)

	for i := 0; i < 30 && !m.Status().Terminal(); i++ {
		if live := m.Context().Leg.Order; live != nil {
			require.NoError(t, ex.Fill(live.OrderID, live.Qty))
		}
		m.Step(ctx)
	}
	require.Equal(t, StatusCompleted, m.Status())
	roundTripIceberg(t, m, env)
}

func TestDeltaNeutralContextRoundTrip(t *testing.T) {
	f := newDeltaNeutralFixture(t, DeltaNeutralParams{TargetQty: d("0.2"), SliceQty: d("0.1"), Timeout: time.Hour})
	m := f.m
	ctx := context.Background()

	roundTripDeltaNeutral(t, m, f.env)

	stepUntil(t, m, 10, func() bool { return m.Context().Buy.Order != nil && m.Context().Sell.Order != nil })
	m.RequestPause()
	m.Step(ctx)
	require.NoError(t, f.buy.Fill(m.Context().Buy.Order.OrderID, d("0.05")))
	m.RequestResume()
	for i := 0; i < 4; i++ {
		m.Step(ctx)
		roundTripDeltaNeutral(t, m, f.env)
	}
	assert.True(t, m.Context().Buy.Filled.Equal(d("0.05")), "buy filled = %s", m.Context().Buy.Filled)
	assert.Equal(t, DirectionBuyAhead, m.Context().Direction)

	for i := 0; i < 50 && !m.Status().Terminal(); i++ {
		c := m.Context()
		if c.Buy.Order != nil {
			require.NoError(t, f.buy.Fill(c.Buy.Order.OrderID, c.Buy.Order.Qty))
		}
		if c.Sell.Order != nil {
			require.NoError(t, f.sell.Fill(c.Sell.Order.OrderID, c.Sell.Order.Qty))
		}
		m.Step(ctx)
	}
	require.Equal(t, StatusCompleted, m.Status())
	roundTripDeltaNeutral(t, m, f.env)
}

func TestDeltaNeutralSyncingIsIdempotent(t *testing.T) {
	f := newDeltaNeutralFixture(t, DeltaNeutralParams{TargetQty: d("1"), SliceQty: d("0.2")})
	m := f.m
	ctx := context.Background()
	stepUntil(t, m, 10, func() bool { return m.Context().Buy.Order != nil && m.Context().Sell.Order != nil })
	require.NoError(t, f.buy.Fill(m.Context().Buy.Order.OrderID, d("0.05")))

	m.markNeedsSync()
	m.syncing(ctx)
	first := m.Context()
	first.Buy, first.Sell = cloneLeg(first.Buy), cloneLeg(first.Sell)

	m.markNeedsSync()
	m.syncing(ctx)
	assertSameDeltaNeutral(t, first, m.Context())
	assert.True(t, m.Context().Buy.Filled.Equal(d("0.05")), "buy filled = %s", m.Context().Buy.Filled)
}
