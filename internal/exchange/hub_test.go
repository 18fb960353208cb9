package exchange

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"arb-executor/internal/core"
)

func TestHubDeliversBySymbolAndDropsDuplicates(t *testing.T) {
	hub := NewHub()
	var btc, eth []core.OrderUpdate
	unsubBTC := hub.Subscribe("BTCUSDT", func(u core.OrderUpdate) { btc = append(btc, u) })
	hub.Subscribe("ETHUSDT", func(u core.OrderUpdate) { eth = append(eth, u) })

	update := core.OrderUpdate{
		Exchange:     "paper",
		Symbol:       "BTCUSDT",
		OrderID:      "1",
		TradeID:      "7",
		Status:       core.OrderPartiallyFilled,
		CumFilledQty: decimal.RequireFromString("0.5"),
	}
	if !hub.Publish(update) {
		t.Fatalf("Publish() = false on first delivery")
	}
	if hub.Publish(update) {
		t.Fatalf("Publish() = true on duplicate delivery")
	}
	if len(btc) != 1 || len(eth) != 0 {
		t.Fatalf("deliveries btc=%d eth=%d, want 1/0", len(btc), len(eth))
	}

	unsubBTC()
	unsubBTC()
	update.TradeID = "8"
	update.CumFilledQty = decimal.RequireFromString("1")
	hub.Publish(update)
	if len(btc) != 1 {
		t.Fatalf("delivered after unsubscribe: %d", len(btc))
	}
	if hub.Subscribers("BTCUSDT") != 0 {
		t.Fatalf("Subscribers() = %d, want 0", hub.Subscribers("BTCUSDT"))
	}
}

func TestSeenTrackerEvictsOldestWhenFull(t *testing.T) {
	seen := newSeenTracker(2, time.Hour)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seen.Seen("a", now)
	seen.Seen("b", now.Add(time.Second))
	seen.Seen("c", now.Add(2*time.Second))
	if seen.Seen("a", now.Add(3*time.Second)) {
		t.Fatalf("Seen(a) = true after eviction")
	}
	if !seen.Seen("c", now.Add(4*time.Second)) {
		t.Fatalf("Seen(c) = false, want true")
	}
}

func TestSeenTrackerExpiresByTTL(t *testing.T) {
	seen := newSeenTracker(10, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seen.Seen("a", now)
	if seen.Seen("a", now.Add(2*time.Minute)) {
		t.Fatalf("Seen(a) = true after ttl")
	}
}
