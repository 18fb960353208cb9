package orders

import (
	"context"
	"errors"
	"log"

	"github.com/shopspring/decimal"

	"arb-executor/internal/core"
	"arb-executor/internal/exchange"
)

// SizeBuffer is added on top of the minimum notional so that a bumped order
// stays above the venue minimum after price rounding.
var SizeBuffer = decimal.RequireFromString("0.01")

// ValidateSize returns a quantity the venue will accept at price. A quantity
// below the minimum notional (or minimum quantity) is raised to it plus
// SizeBuffer, rounded up to the step; otherwise qty is returned rounded down
// to the step.
func ValidateSize(rules core.Rules, qty, price decimal.Decimal) decimal.Decimal {
	if qty.Cmp(decimal.Zero) <= 0 {
		return qty
	}
	out := core.RoundDown(qty, rules.QtyStep)
	if out.Cmp(decimal.Zero) <= 0 {
		out = qty
	}
	if rules.MinNotional.Cmp(decimal.Zero) > 0 && price.Cmp(decimal.Zero) > 0 {
		if out.Mul(price).Cmp(rules.MinNotional) < 0 {
			bumped := rules.MinNotional.Div(price).Mul(decimal.NewFromInt(1).Add(SizeBuffer))
			out = core.RoundUp(bumped, rules.QtyStep)
		}
	}
	if rules.MinQty.Cmp(decimal.Zero) > 0 && out.Cmp(rules.MinQty) < 0 {
		out = core.RoundUp(rules.MinQty, rules.QtyStep)
	}
	return out
}

// PlaceLimitOrderSafely submits a GTC limit order. A nil order means nothing
// was placed this tick; the error is already logged and only returned so the
// caller can classify it.
func PlaceLimitOrderSafely(ctx context.Context, ex exchange.Exchange, rules core.Rules, order core.Order) (placed *core.Order, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("level=ERROR event=order_place_panic exchange=%q symbol=%q client_id=%q panic=%q", ex.Name(), order.Symbol, order.ClientID, r)
			placed = nil
			err = errors.New("order placement panicked")
		}
	}()
	order.Type = core.Limit
	if rules.PriceTick.Cmp(decimal.Zero) > 0 {
		order.Price = core.RoundToTick(order.Price, rules.PriceTick, order.Side)
	}
	order.Qty = ValidateSize(rules, order.Qty, order.Price)
	order, err = core.NormalizeOrder(order, rules)
	if err != nil {
		log.Printf("level=ERROR event=order_invalid exchange=%q symbol=%q side=%s qty=%s price=%s err=%q", ex.Name(), order.Symbol, order.Side, order.Qty, order.Price, err)
		return nil, errors.Join(core.ErrInvalidRequest, err)
	}
	res, err := ex.PlaceLimitOrder(ctx, order)
	if err != nil {
		level := "WARN"
		if core.IsStructural(err) {
			level = "ERROR"
		}
		log.Printf("level=%s event=order_place_failed exchange=%q symbol=%q side=%s qty=%s price=%s client_id=%q err=%q", level, ex.Name(), order.Symbol, order.Side, order.Qty, order.Price, order.ClientID, err)
		return nil, err
	}
	if res.Exchange == "" {
		res.Exchange = ex.Name()
	}
	log.Printf("level=INFO event=order_placed exchange=%q symbol=%q side=%s qty=%s price=%s order_id=%q client_id=%q", res.Exchange, res.Symbol, res.Side, res.Qty, res.Price, res.ID, res.ClientID)
	return &res, nil
}

// CancelOrderSafely cancels an order. A nil order means the cancel did not
// go through and the caller must re-read order state.
func CancelOrderSafely(ctx context.Context, ex exchange.Exchange, symbol, orderID string) (canceled *core.Order, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("level=ERROR event=order_cancel_panic exchange=%q symbol=%q order_id=%q panic=%q", ex.Name(), symbol, orderID, r)
			canceled = nil
			err = errors.New("order cancel panicked")
		}
	}()
	res, err := ex.CancelOrder(ctx, symbol, orderID)
	if err != nil {
		if errors.Is(err, core.ErrOrderNotFound) {
			log.Printf("level=INFO event=order_cancel_not_found exchange=%q symbol=%q order_id=%q", ex.Name(), symbol, orderID)
		} else {
			log.Printf("level=WARN event=order_cancel_failed exchange=%q symbol=%q order_id=%q err=%q", ex.Name(), symbol, orderID, err)
		}
		return nil, err
	}
	if res.ID == "" {
		res.ID = orderID
	}
	log.Printf("level=INFO event=order_canceled exchange=%q symbol=%q order_id=%q filled_qty=%s", ex.Name(), symbol, orderID, res.FilledQty)
	return &res, nil
}

// LimitPrice prices a passive order offsetTicks away from the touch: buys
// below the bid and sells above the ask.
func LimitPrice(book core.TopOfBook, side core.Side, offsetTicks int64, tick decimal.Decimal) decimal.Decimal {
	base := book.Price(side)
	offset := tick.Mul(decimal.NewFromInt(offsetTicks))
	if side == core.Buy {
		base = base.Sub(offset)
	} else {
		base = base.Add(offset)
	}
	if tick.Cmp(decimal.Zero) > 0 {
		base = core.RoundToTick(base, tick, side)
	}
	return base
}

// Drifted reports whether a live price has moved more than toleranceTicks
// away from the desired price.
func Drifted(live, desired decimal.Decimal, toleranceTicks int64, tick decimal.Decimal) bool {
	diff := live.Sub(desired).Abs()
	return diff.Cmp(tick.Mul(decimal.NewFromInt(toleranceTicks))) > 0
}
