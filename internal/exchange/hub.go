package exchange

import (
	"sync"
	"time"

	"arb-executor/internal/core"
)

const hubSeenMaxEntries = 10000

// Hub fans order updates out to per-symbol subscribers. Adapters embed it to
// implement SubscribeOrders; duplicate deliveries (stream replays after a
// reconnect) are dropped.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]func(core.OrderUpdate)
	seen   *seenTracker
}

func NewHub() *Hub {
	return &Hub{
		subs: make(map[string]map[int]func(core.OrderUpdate)),
		seen: newSeenTracker(hubSeenMaxEntries, 24*time.Hour),
	}
}

func (h *Hub) Subscribe(symbol string, fn func(core.OrderUpdate)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	bySymbol, ok := h.subs[symbol]
	if !ok {
		bySymbol = make(map[int]func(core.OrderUpdate))
		h.subs[symbol] = bySymbol
	}
	bySymbol[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[symbol], id)
			if len(h.subs[symbol]) == 0 {
				delete(h.subs, symbol)
			}
		})
	}
}

// Publish delivers u to the symbol's subscribers. It reports false when the
// update was a duplicate.
func (h *Hub) Publish(u core.OrderUpdate) bool {
	h.mu.Lock()
	if h.seen.Seen(updateKey(u), time.Now().UTC()) {
		h.mu.Unlock()
		return false
	}
	targets := make([]func(core.OrderUpdate), 0, len(h.subs[u.Symbol]))
	for _, fn := range h.subs[u.Symbol] {
		targets = append(targets, fn)
	}
	h.mu.Unlock()
	for _, fn := range targets {
		fn(u)
	}
	return true
}

func (h *Hub) Subscribers(symbol string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[symbol])
}

func updateKey(u core.OrderUpdate) string {
	if u.OrderID == "" {
		return ""
	}
	return u.Exchange + "|" + u.OrderID + "|" + u.TradeID + "|" + string(u.Status) + "|" + u.CumFilledQty.String()
}

type seenTracker struct {
	items map[string]time.Time
	queue []seenEntry
	max   int
	ttl   time.Duration
}

type seenEntry struct {
	key string
	at  time.Time
}

func newSeenTracker(max int, ttl time.Duration) *seenTracker {
	if max < 1 {
		max = 1
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &seenTracker{
		items: make(map[string]time.Time, max),
		max:   max,
		ttl:   ttl,
	}
}

// Seen records key and reports whether it was already present.
func (s *seenTracker) Seen(key string, now time.Time) bool {
	if s == nil || key == "" {
		return false
	}
	s.prune(now)
	if _, ok := s.items[key]; ok {
		return true
	}
	s.items[key] = now
	s.queue = append(s.queue, seenEntry{key: key, at: now})
	s.prune(now)
	return false
}

func (s *seenTracker) prune(now time.Time) {
	expireBefore := now.Add(-s.ttl)
	for len(s.queue) > 0 {
		head := s.queue[0]
		ts, ok := s.items[head.key]
		if !ok || !ts.Equal(head.at) {
			s.queue = s.queue[1:]
			continue
		}
		if ts.Before(expireBefore) || len(s.items) > s.max {
			delete(s.items, head.key)
			s.queue = s.queue[1:]
			continue
		}
		break
	}
}
