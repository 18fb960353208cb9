package execution

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"arb-executor/internal/core"
	"arb-executor/internal/exchange"
	"arb-executor/internal/orders"
	"arb-executor/internal/taskstore"
)

const KindIceberg = "iceberg"

type IcebergPhase string

const (
	IcebergNotStarted IcebergPhase = "NOT_STARTED"
	IcebergSyncing    IcebergPhase = "SYNCING"
	IcebergPlacing    IcebergPhase = "PLACING_ORDER"
	IcebergRepricing  IcebergPhase = "REPRICING"
	IcebergWaiting    IcebergPhase = "WAITING_FILL"
	IcebergCompleted  IcebergPhase = "COMPLETED"
	IcebergError      IcebergPhase = "ERROR"
	IcebergCancelled  IcebergPhase = "CANCELLED"
)

// SingleLegContext is a task working one side of one symbol on one venue.
type SingleLegContext struct {
	TaskContext
	Symbol string `json:"symbol"`
	Leg    Leg    `json:"leg"`
}

// IcebergContext slices TargetQty into passive orders of at most SliceQty.
type IcebergContext struct {
	SingleLegContext
	TargetQty decimal.Decimal `json:"target_qty"`
	SliceQty  decimal.Decimal `json:"slice_qty"`
	MinUnit   decimal.Decimal `json:"min_unit"`
	Phase     IcebergPhase    `json:"phase"`
	Deadline  *time.Time      `json:"deadline,omitempty"`
}

type IcebergParams struct {
	Exchange       string
	Symbol         string
	Side           core.Side
	TargetQty      decimal.Decimal
	SliceQty       decimal.Decimal
	OffsetTicks    int64
	ToleranceTicks int64
	// MinUnit overrides the venue's minimum tradable unit when positive.
	MinUnit  decimal.Decimal
	Timeout  time.Duration
	Metadata map[string]string
}

func (p IcebergParams) validate() error {
	switch {
	case p.Exchange == "":
		return errors.New("exchange required")
	case p.Symbol == "":
		return errors.New("symbol required")
	case !p.Side.Valid():
		return fmt.Errorf("invalid side %q", p.Side)
	case p.TargetQty.Cmp(decimal.Zero) <= 0:
		return errors.New("target_qty must be > 0")
	case p.SliceQty.Cmp(decimal.Zero) <= 0:
		return errors.New("slice_qty must be > 0")
	case p.OffsetTicks < 0 || p.ToleranceTicks < 0:
		return errors.New("tick offsets must be >= 0")
	}
	return nil
}

// Iceberg executes a single-leg order in slices, repricing when the book
// moves away from the live slice.
type Iceberg struct {
	c     IcebergContext
	env   Env
	ex    exchange.Exchange
	rules *core.Rules
	inbox inbox
	subs  subscriptions
	dirty bool
}

func NewIceberg(p IcebergParams, env Env) (*Iceberg, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	now := env.now()
	c := IcebergContext{
		SingleLegContext: SingleLegContext{
			TaskContext: newTaskContext(now, p.Metadata),
			Symbol:      p.Symbol,
			Leg: Leg{
				Exchange:       p.Exchange,
				Side:           p.Side,
				OffsetTicks:    p.OffsetTicks,
				ToleranceTicks: p.ToleranceTicks,
			},
		},
		TargetQty: p.TargetQty,
		SliceQty:  p.SliceQty,
		MinUnit:   p.MinUnit,
		Phase:     IcebergNotStarted,
	}
	if p.Timeout > 0 {
		deadline := now.Add(p.Timeout)
		c.Deadline = &deadline
	}
	return restoreIceberg(c, env)
}

func restoreIceberg(c IcebergContext, env Env) (*Iceberg, error) {
	if env.Exchanges == nil {
		return nil, errors.New("exchange resolver required")
	}
	ex, err := env.Exchanges.Get(c.Leg.Exchange)
	if err != nil {
		return nil, err
	}
	return &Iceberg{c: c, env: env, ex: ex}, nil
}

func (m *Iceberg) TaskID() string          { return m.c.TaskID }
func (m *Iceberg) Kind() string            { return KindIceberg }
func (m *Iceberg) Status() Status          { return m.c.Status }
func (m *Iceberg) Phase() string           { return string(m.c.Phase) }
func (m *Iceberg) LastError() *ErrorInfo   { return m.c.LastError }
func (m *Iceberg) Context() IcebergContext { return m.c }
func (m *Iceberg) RequestCancel()          { m.inbox.requestCancel() }
func (m *Iceberg) RequestPause()           { m.inbox.requestPause() }
func (m *Iceberg) RequestResume()          { m.inbox.requestResume() }
func (m *Iceberg) Close()                  { m.subs.close() }

func (m *Iceberg) Fail(ctx context.Context, err error) {
	if m.c.Status.Terminal() {
		return
	}
	m.finish(ctx, StatusError, &ErrorInfo{Kind: core.KindInternal, Message: errString(err), At: m.env.now()})
}

func (m *Iceberg) Snapshot() (taskstore.Record, error) {
	return encodeRecord(m.c.TaskID, KindIceberg, m.c.Status, m.c, m.env.now())
}

func (m *Iceberg) Step(ctx context.Context) StepResult {
	m.dirty = false
	if m.c.Status.Terminal() {
		return StepResult{}
	}
	if err := m.subs.ensure(m.ex, m.c.Leg.Exchange, m.c.Symbol, m.inbox.push); err != nil {
		m.recordError(core.KindTransient, fmt.Errorf("subscribe orders: %w", err))
	}
	updates, ctl := m.inbox.drain()
	for _, u := range updates {
		if m.c.Leg.applyUpdate(u) {
			m.dirty = true
		}
	}
	immediate := m.step(ctx, ctl)
	if m.dirty {
		m.c.UpdatedAt = m.env.now()
	}
	return StepResult{Changed: m.dirty, Immediate: immediate && !m.c.Status.Terminal()}
}

func (m *Iceberg) step(ctx context.Context, ctl control) bool {
	if ctl.cancel {
		m.finish(ctx, StatusCancelled, nil)
		return false
	}
	if m.c.Deadline != nil && !m.env.now().Before(*m.c.Deadline) {
		m.finish(ctx, StatusError, &ErrorInfo{Kind: core.KindTimeout, Message: "deadline exceeded", At: m.env.now()})
		return false
	}
	if ctl.pause && m.c.Status != StatusPaused {
		m.setStatus(StatusPaused)
	}
	if ctl.resume && m.c.Status == StatusPaused {
		m.setStatus(StatusExecuting)
		m.setPhase(IcebergSyncing)
	}
	if m.c.Status == StatusPaused {
		return false
	}
	if _, err := m.loadRules(ctx); err != nil {
		m.handleError(ctx, err)
		return false
	}
	if m.complete() {
		if ok, _ := m.c.Leg.cancelLive(ctx, m.ex, m.c.Symbol); !ok {
			if _, err := m.c.Leg.sync(ctx, m.ex, m.c.Symbol, m.c.TaskID); err != nil {
				m.recordError(core.Classify(err), err)
			}
			m.dirty = true
			return false
		}
		m.finish(ctx, StatusCompleted, nil)
		return false
	}

	switch m.c.Phase {
	case IcebergNotStarted, "":
		m.setStatus(StatusExecuting)
		m.setPhase(IcebergSyncing)
		return true
	case IcebergSyncing:
		return m.syncing(ctx)
	case IcebergPlacing:
		return m.placing(ctx)
	case IcebergWaiting:
		return m.waiting(ctx)
	case IcebergRepricing:
		return m.repricing(ctx)
	default:
		m.finish(ctx, StatusError, &ErrorInfo{Kind: core.KindInternal, Message: fmt.Sprintf("unknown phase %q", m.c.Phase), At: m.env.now()})
		return false
	}
}

func (m *Iceberg) syncing(ctx context.Context) bool {
	m.setStatus(StatusExecuting)
	changed, err := m.c.Leg.sync(ctx, m.ex, m.c.Symbol, m.c.TaskID)
	if changed {
		m.dirty = true
	}
	if err != nil {
		m.handleError(ctx, err)
		return false
	}
	if m.c.Leg.Order != nil {
		m.setPhase(IcebergWaiting)
	} else {
		m.setPhase(IcebergPlacing)
	}
	return true
}

func (m *Iceberg) placing(ctx context.Context) bool {
	m.setStatus(StatusExecuting)
	if m.c.Leg.Order != nil {
		m.setPhase(IcebergWaiting)
		return true
	}
	book, err := m.ex.GetTopOfBook(ctx, m.c.Symbol)
	if err != nil {
		m.handleError(ctx, err)
		return false
	}
	if !book.Valid() {
		m.recordError(core.KindTransient, fmt.Errorf("empty book for %s", m.c.Symbol))
		return false
	}
	qty := sliceQty(m.c.SliceQty, m.remaining(), m.c.MinUnit)
	order := core.Order{
		Symbol:   m.c.Symbol,
		Side:     m.c.Leg.Side,
		Price:    orders.LimitPrice(book, m.c.Leg.Side, m.c.Leg.OffsetTicks, m.rules.PriceTick),
		Qty:      qty,
		ClientID: m.c.Leg.nextClientID(m.c.TaskID),
	}
	m.dirty = true
	placed, err := orders.PlaceLimitOrderSafely(ctx, m.ex, *m.rules, order)
	if placed == nil {
		if errors.Is(err, core.ErrDuplicateOrder) {
			m.recordError(core.KindReconcile, err)
			m.setPhase(IcebergSyncing)
			return false
		}
		m.handleError(ctx, err)
		return false
	}
	m.c.Leg.Order = refFor(*placed)
	m.c.Leg.creditOrder(m.c.Leg.Order, *placed)
	if placed.Status.Terminal() {
		m.c.Leg.Order = nil
	}
	m.setPhase(IcebergWaiting)
	return false
}

func (m *Iceberg) waiting(ctx context.Context) bool {
	if m.c.Leg.Order == nil {
		m.setPhase(IcebergPlacing)
		return true
	}
	book, err := m.ex.GetTopOfBook(ctx, m.c.Symbol)
	if err != nil {
		m.handleError(ctx, err)
		return false
	}
	if !book.Valid() {
		return false
	}
	desired := orders.LimitPrice(book, m.c.Leg.Side, m.c.Leg.OffsetTicks, m.rules.PriceTick)
	if orders.Drifted(m.c.Leg.Order.Price, desired, m.c.Leg.ToleranceTicks, m.rules.PriceTick) {
		log.Printf("level=INFO event=order_drifted task_id=%q order_id=%q live=%s desired=%s", m.c.TaskID, m.c.Leg.Order.OrderID, m.c.Leg.Order.Price, desired)
		m.setStatus(StatusExecuting)
		m.setPhase(IcebergRepricing)
		return true
	}
	m.setStatus(StatusIdle)
	return false
}

func (m *Iceberg) repricing(ctx context.Context) bool {
	m.setStatus(StatusExecuting)
	ok, err := m.c.Leg.cancelLive(ctx, m.ex, m.c.Symbol)
	m.dirty = true
	if !ok {
		if err != nil && !errors.Is(err, core.ErrOrderNotFound) {
			m.recordError(core.Classify(err), err)
		}
		m.setPhase(IcebergSyncing)
		return false
	}
	m.setPhase(IcebergPlacing)
	return false
}

func (m *Iceberg) loadRules(ctx context.Context) (core.Rules, error) {
	if m.rules != nil {
		return *m.rules, nil
	}
	rules, err := m.ex.GetSymbolConstraints(ctx, m.c.Symbol)
	if err != nil {
		return core.Rules{}, err
	}
	m.rules = &rules
	if m.c.MinUnit.Cmp(decimal.Zero) <= 0 {
		m.c.MinUnit = rules.MinUnit()
		m.dirty = true
	}
	return rules, nil
}

func (m *Iceberg) remaining() decimal.Decimal {
	return m.c.TargetQty.Sub(m.c.Leg.Filled)
}

// complete applies the rounding rule while an order is live. Without one,
// a remainder below one unit cannot be placed and also ends the task.
func (m *Iceberg) complete() bool {
	remaining := m.remaining()
	if roundsToZero(remaining, m.c.MinUnit) {
		return true
	}
	return m.c.Leg.Order == nil && m.c.MinUnit.Sign() > 0 && remaining.Cmp(m.c.MinUnit) < 0
}

func (m *Iceberg) handleError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	kind := core.Classify(err)
	if kind == core.KindStructural {
		m.finish(ctx, StatusError, &ErrorInfo{Kind: kind, Message: err.Error(), At: m.env.now()})
		return
	}
	m.recordError(kind, err)
}

func (m *Iceberg) recordError(kind core.ErrorKind, err error) {
	m.c.LastError = &ErrorInfo{Kind: kind, Message: err.Error(), At: m.env.now()}
	m.dirty = true
	log.Printf("level=WARN event=task_error task_id=%q kind=%s phase=%s err=%q", m.c.TaskID, kind, m.c.Phase, err)
}

// finish cancels the live order best-effort and seals the task.
func (m *Iceberg) finish(ctx context.Context, status Status, info *ErrorInfo) {
	if m.c.Leg.Order != nil {
		if ok, err := m.c.Leg.cancelLive(ctx, m.ex, m.c.Symbol); !ok {
			log.Printf("level=WARN event=final_cancel_failed task_id=%q err=%q", m.c.TaskID, errString(err))
		}
	}
	if info != nil {
		m.c.LastError = info
	}
	m.setStatus(status)
	switch status {
	case StatusCompleted:
		m.setPhase(IcebergCompleted)
	case StatusCancelled:
		m.setPhase(IcebergCancelled)
	default:
		m.setPhase(IcebergError)
	}
	m.dirty = true
	m.subs.close()
	log.Printf("level=INFO event=task_finished task_id=%q kind=%s status=%s filled=%s avg_price=%s", m.c.TaskID, KindIceberg, status, m.c.Leg.Filled, m.c.Leg.AvgPrice)
}

func (m *Iceberg) setPhase(p IcebergPhase) {
	if m.c.Phase == p {
		return
	}
	log.Printf("level=INFO event=task_phase task_id=%q from=%s to=%s", m.c.TaskID, m.c.Phase, p)
	m.c.Phase = p
	m.dirty = true
}

func (m *Iceberg) setStatus(s Status) {
	if m.c.Status == s {
		return
	}
	m.c.Status = s
	m.dirty = true
}

func refFor(o core.Order) *OrderRef {
	return &OrderRef{OrderID: o.ID, ClientID: o.ClientID, Price: o.Price, Qty: o.Qty}
}

// roundsToZero reports whether remaining is less than half a tradable unit,
// i.e. it would round to zero units.
func roundsToZero(remaining, unit decimal.Decimal) bool {
	if unit.Cmp(decimal.Zero) <= 0 {
		return remaining.Cmp(decimal.Zero) <= 0
	}
	return remaining.Mul(decimal.NewFromInt(2)).Cmp(unit) < 0
}

// sliceQty is min(slice, remaining), never below one unit.
func sliceQty(slice, remaining, unit decimal.Decimal) decimal.Decimal {
	qty := slice
	if remaining.Cmp(qty) < 0 {
		qty = remaining
	}
	if unit.Cmp(decimal.Zero) > 0 && qty.Cmp(unit) < 0 {
		qty = unit
	}
	return qty
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
