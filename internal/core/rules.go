package core

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidOrder     = errors.New("invalid order")
	ErrBelowMinQty      = errors.New("qty below min")
	ErrBelowMinNotional = errors.New("notional below min")
)

// NormalizeOrder snaps qty down to the step grid and a limit price to the
// tick grid, then checks the venue minimums against the snapped values.
func NormalizeOrder(order Order, rules Rules) (Order, error) {
	order.Qty = RoundDown(order.Qty, rules.QtyStep)
	if order.Qty.Sign() <= 0 {
		return order, fmt.Errorf("%w: qty %s rounds to zero on step %s", ErrInvalidOrder, order.Qty, rules.QtyStep)
	}
	if rules.MinQty.Sign() > 0 && order.Qty.LessThan(rules.MinQty) {
		return order, fmt.Errorf("%w: %s < %s", ErrBelowMinQty, order.Qty, rules.MinQty)
	}
	if order.Type == Market {
		return order, nil
	}

	order.Price = RoundToTick(order.Price, rules.PriceTick, order.Side)
	if order.Price.Sign() <= 0 {
		return order, fmt.Errorf("%w: price %s", ErrInvalidOrder, order.Price)
	}
	if rules.MinNotional.Sign() > 0 {
		if notional := order.Price.Mul(order.Qty); notional.LessThan(rules.MinNotional) {
			return order, fmt.Errorf("%w: %s < %s", ErrBelowMinNotional, notional, rules.MinNotional)
		}
	}
	return order, nil
}

// RoundDown floors value to a multiple of step. A non-positive step leaves
// value unchanged.
func RoundDown(value, step decimal.Decimal) decimal.Decimal {
	return snap(value, step, decimal.Decimal.Floor)
}

// RoundUp is RoundDown's ceiling counterpart.
func RoundUp(value, step decimal.Decimal) decimal.Decimal {
	return snap(value, step, decimal.Decimal.Ceil)
}

func snap(value, step decimal.Decimal, round func(decimal.Decimal) decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return value
	}
	return round(value.Div(step)).Mul(step)
}

// RoundToTick rounds a limit price on the passive side: buys down, sells up.
func RoundToTick(price, tick decimal.Decimal, side Side) decimal.Decimal {
	if side == Sell {
		return RoundUp(price, tick)
	}
	return RoundDown(price, tick)
}
