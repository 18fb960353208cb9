package execution

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"arb-executor/internal/core"
	"arb-executor/internal/exchange"
	"arb-executor/internal/orders"
)

// OrderRef points at an order a task placed. CreditedQty/CreditedQuote are
// the cumulative fill already added to the leg, which makes crediting
// idempotent however often the same fill is observed.
type OrderRef struct {
	OrderID       string          `json:"order_id"`
	ClientID      string          `json:"client_id"`
	Price         decimal.Decimal `json:"price"`
	Qty           decimal.Decimal `json:"qty"`
	CreditedQty   decimal.Decimal `json:"credited_qty"`
	CreditedQuote decimal.Decimal `json:"credited_quote"`
}

// Leg is one side of a position on one venue.
type Leg struct {
	Exchange       string          `json:"exchange"`
	Side           core.Side       `json:"side"`
	OffsetTicks    int64           `json:"offset_ticks"`
	ToleranceTicks int64           `json:"tolerance_ticks"`
	Filled         decimal.Decimal `json:"filled"`
	FilledQuote    decimal.Decimal `json:"filled_quote"`
	AvgPrice       decimal.Decimal `json:"avg_price"`
	Order          *OrderRef       `json:"order,omitempty"`
	// Orphans are orders whose reference was dropped without knowing their
	// final fill; reconciliation settles them.
	Orphans   []OrderRef `json:"orphans,omitempty"`
	ClientSeq int64      `json:"client_seq"`
	NeedsSync bool       `json:"needs_sync,omitempty"`
}

// credit adds the part of a cumulative fill not yet credited. Fill totals
// never decrease.
func (l *Leg) credit(ref *OrderRef, cumQty, cumQuote, fallbackPrice decimal.Decimal) bool {
	if cumQty.Cmp(ref.CreditedQty) <= 0 {
		return false
	}
	deltaQty := cumQty.Sub(ref.CreditedQty)
	var deltaQuote decimal.Decimal
	if cumQuote.Cmp(ref.CreditedQuote) > 0 {
		deltaQuote = cumQuote.Sub(ref.CreditedQuote)
	} else {
		deltaQuote = deltaQty.Mul(fallbackPrice)
	}
	ref.CreditedQty = cumQty
	ref.CreditedQuote = ref.CreditedQuote.Add(deltaQuote)
	l.Filled = l.Filled.Add(deltaQty)
	l.FilledQuote = l.FilledQuote.Add(deltaQuote)
	if l.Filled.Cmp(decimal.Zero) > 0 {
		l.AvgPrice = l.FilledQuote.Div(l.Filled)
	}
	return true
}

// creditOrder credits from an order snapshot returned by the venue.
func (l *Leg) creditOrder(ref *OrderRef, o core.Order) bool {
	cumQuote := decimal.Zero
	if o.AvgPrice.Cmp(decimal.Zero) > 0 {
		cumQuote = o.FilledQty.Mul(o.AvgPrice)
	}
	return l.credit(ref, o.FilledQty, cumQuote, ref.Price)
}

// applyUpdate credits a streamed update for the live order or an orphan.
func (l *Leg) applyUpdate(u core.OrderUpdate) bool {
	if u.Exchange != "" && u.Exchange != l.Exchange {
		return false
	}
	fallback := u.LastPrice
	if fallback.Cmp(decimal.Zero) <= 0 {
		fallback = u.OrderPrice
	}
	if l.Order != nil && l.Order.OrderID == u.OrderID {
		if fallback.Cmp(decimal.Zero) <= 0 {
			fallback = l.Order.Price
		}
		changed := l.credit(l.Order, u.CumFilledQty, u.CumQuoteQty, fallback)
		if u.Status.Terminal() {
			l.Order = nil
			changed = true
		}
		return changed
	}
	for i := range l.Orphans {
		ref := &l.Orphans[i]
		if ref.OrderID != u.OrderID {
			continue
		}
		if fallback.Cmp(decimal.Zero) <= 0 {
			fallback = ref.Price
		}
		changed := l.credit(ref, u.CumFilledQty, u.CumQuoteQty, fallback)
		if u.Status.Terminal() {
			l.Orphans = append(l.Orphans[:i], l.Orphans[i+1:]...)
			changed = true
		}
		return changed
	}
	return false
}

// orphanLive drops the live reference without any exchange call.
func (l *Leg) orphanLive() {
	if l.Order == nil {
		return
	}
	l.Orphans = append(l.Orphans, *l.Order)
	l.Order = nil
}

func (l *Leg) nextClientID(taskID string) string {
	l.ClientSeq++
	return clientPrefix(taskID) + sideCode(l.Side) + strconv.FormatInt(l.ClientSeq, 10)
}

func clientPrefix(taskID string) string {
	return taskID + "-"
}

func sideCode(side core.Side) string {
	if side == core.Sell {
		return "s"
	}
	return "b"
}

// ownsClientID reports whether clientID was issued by this task for side.
func ownsClientID(taskID string, side core.Side, clientID string) bool {
	return strings.HasPrefix(clientID, clientPrefix(taskID)+sideCode(side))
}

func clientSeq(taskID string, side core.Side, clientID string) int64 {
	rest := strings.TrimPrefix(clientID, clientPrefix(taskID)+sideCode(side))
	seq, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0
	}
	return seq
}

// cancelLive cancels the live order and credits the fill reported by the
// cancel reply. The reference is kept when the cancel did not go through.
func (l *Leg) cancelLive(ctx context.Context, ex exchange.Exchange, symbol string) (bool, error) {
	if l.Order == nil {
		return true, nil
	}
	canceled, err := orders.CancelOrderSafely(ctx, ex, symbol, l.Order.OrderID)
	if canceled == nil {
		return false, err
	}
	l.creditOrder(l.Order, *canceled)
	l.Order = nil
	return true, nil
}

// sync reconciles the leg with the venue's open orders. A referenced order
// missing from the list is terminal; its fill is read back when the adapter
// can query single orders.
func (l *Leg) sync(ctx context.Context, ex exchange.Exchange, symbol, taskID string) (bool, error) {
	open, err := ex.OpenOrders(ctx, symbol)
	if err != nil {
		return false, fmt.Errorf("open orders %s/%s: %w", l.Exchange, symbol, err)
	}
	owned := make(map[string]core.Order)
	for _, o := range open {
		if ownsClientID(taskID, l.Side, o.ClientID) {
			owned[o.ID] = o
		}
	}
	changed := false
	if l.Order != nil {
		if o, ok := owned[l.Order.OrderID]; ok {
			delete(owned, o.ID)
			if l.creditOrder(l.Order, o) {
				changed = true
			}
		} else {
			ref := *l.Order
			l.Order = nil
			changed = true
			log.Printf("level=INFO event=order_ref_missing task_id=%q exchange=%q symbol=%q order_id=%q", taskID, l.Exchange, symbol, ref.OrderID)
			if !l.settle(ctx, ex, symbol, taskID, &ref) {
				l.Orphans = append(l.Orphans, ref)
			}
		}
	}

	kept := l.Orphans[:0]
	for _, ref := range l.Orphans {
		ref := ref
		if o, ok := owned[ref.OrderID]; ok {
			delete(owned, o.ID)
			l.creditOrder(&ref, o)
			changed = true
			if !l.adoptOrCancel(ctx, ex, symbol, taskID, ref) {
				kept = append(kept, ref)
			}
			continue
		}
		if l.settle(ctx, ex, symbol, taskID, &ref) {
			changed = true
			continue
		}
		kept = append(kept, ref)
	}
	l.Orphans = kept
	if len(l.Orphans) == 0 {
		l.Orphans = nil
	}

	strays := make([]core.Order, 0, len(owned))
	for _, o := range owned {
		strays = append(strays, o)
	}
	// Newest first: the highest sequence is adopted, older strays are cancelled.
	sort.Slice(strays, func(i, j int) bool {
		si, sj := clientSeq(taskID, l.Side, strays[i].ClientID), clientSeq(taskID, l.Side, strays[j].ClientID)
		if si != sj {
			return si > sj
		}
		return strays[i].ClientID > strays[j].ClientID
	})
	for _, o := range strays {
		ref := OrderRef{OrderID: o.ID, ClientID: o.ClientID, Price: o.Price, Qty: o.Qty}
		l.creditOrder(&ref, o)
		if seq := clientSeq(taskID, l.Side, o.ClientID); seq > l.ClientSeq {
			l.ClientSeq = seq
		}
		changed = true
		if !l.adoptOrCancel(ctx, ex, symbol, taskID, ref) {
			l.Orphans = append(l.Orphans, ref)
		}
	}
	if l.NeedsSync {
		l.NeedsSync = false
		changed = true
	}
	return changed, nil
}

// adoptOrCancel takes ref as the live order when none is held and cancels it
// otherwise. It reports false when ref could not be settled.
func (l *Leg) adoptOrCancel(ctx context.Context, ex exchange.Exchange, symbol, taskID string, ref OrderRef) bool {
	if l.Order == nil {
		adopted := ref
		l.Order = &adopted
		log.Printf("level=INFO event=order_adopted task_id=%q exchange=%q symbol=%q order_id=%q client_id=%q", taskID, l.Exchange, symbol, ref.OrderID, ref.ClientID)
		return true
	}
	canceled, err := orders.CancelOrderSafely(ctx, ex, symbol, ref.OrderID)
	if canceled == nil {
		if errors.Is(err, core.ErrOrderNotFound) {
			return l.settle(ctx, ex, symbol, taskID, &ref)
		}
		return false
	}
	l.creditOrder(&ref, *canceled)
	return true
}

// settle credits the final fill of an order that is no longer open. It
// reports false when the outcome is unknown and should be retried.
func (l *Leg) settle(ctx context.Context, ex exchange.Exchange, symbol, taskID string, ref *OrderRef) bool {
	o, err := exchange.QueryOrder(ctx, ex, symbol, ref.OrderID)
	switch {
	case errors.Is(err, exchange.ErrQueryUnsupported), errors.Is(err, core.ErrOrderNotFound):
		log.Printf("level=WARN event=order_settled_unverified task_id=%q exchange=%q order_id=%q credited_qty=%s", taskID, l.Exchange, ref.OrderID, ref.CreditedQty)
		return true
	case err != nil:
		log.Printf("level=WARN event=order_query_failed task_id=%q exchange=%q order_id=%q err=%q", taskID, l.Exchange, ref.OrderID, err)
		return false
	}
	l.creditOrder(ref, o)
	return o.Status.Terminal()
}
