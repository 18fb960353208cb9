package execution

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"arb-executor/internal/core"
	"arb-executor/internal/exchange"
	"arb-executor/internal/orders"
	"arb-executor/internal/taskstore"
)

const KindDeltaNeutral = "delta_neutral"

type DeltaPhase string

const (
	DeltaNotStarted DeltaPhase = "NOT_STARTED"
	DeltaSyncing    DeltaPhase = "SYNCING"
	DeltaAnalyzing  DeltaPhase = "ANALYZING"
	DeltaManaging   DeltaPhase = "MANAGING_ORDERS"
	DeltaRecovery   DeltaPhase = "ERROR_RECOVERY"
	DeltaCompleted  DeltaPhase = "COMPLETED"
	DeltaError      DeltaPhase = "ERROR"
	DeltaCancelled  DeltaPhase = "CANCELLED"
)

// Direction names the leg that has filled more.
type Direction string

const (
	DirectionNone      Direction = "NONE"
	DirectionBuyAhead  Direction = "BUY_AHEAD"
	DirectionSellAhead Direction = "SELL_AHEAD"
)

const DefaultMaxRecoveries = 5

// DeltaNeutralContext buys TargetQty on one venue and sells it on another,
// keeping both legs within one unit of each other where possible.
type DeltaNeutralContext struct {
	TaskContext
	Symbol        string          `json:"symbol"`
	Buy           Leg             `json:"buy"`
	Sell          Leg             `json:"sell"`
	TargetQty     decimal.Decimal `json:"target_qty"`
	SliceQty      decimal.Decimal `json:"slice_qty"`
	MinUnit       decimal.Decimal `json:"min_unit"`
	Direction     Direction       `json:"direction"`
	Phase         DeltaPhase      `json:"phase"`
	Recoveries    int             `json:"recoveries"`
	MaxRecoveries int             `json:"max_recoveries"`
	Deadline      *time.Time      `json:"deadline,omitempty"`
}

type LegParams struct {
	Exchange       string
	OffsetTicks    int64
	ToleranceTicks int64
}

type DeltaNeutralParams struct {
	Symbol        string
	Buy           LegParams
	Sell          LegParams
	TargetQty     decimal.Decimal
	SliceQty      decimal.Decimal
	MinUnit       decimal.Decimal
	MaxRecoveries int
	Timeout       time.Duration
	Metadata      map[string]string
}

func (p DeltaNeutralParams) validate() error {
	switch {
	case p.Symbol == "":
		return errors.New("symbol required")
	case p.Buy.Exchange == "" || p.Sell.Exchange == "":
		return errors.New("buy and sell exchanges required")
	case p.TargetQty.Cmp(decimal.Zero) <= 0:
		return errors.New("target_qty must be > 0")
	case p.SliceQty.Cmp(decimal.Zero) <= 0:
		return errors.New("slice_qty must be > 0")
	case p.Buy.OffsetTicks < 0 || p.Buy.ToleranceTicks < 0 || p.Sell.OffsetTicks < 0 || p.Sell.ToleranceTicks < 0:
		return errors.New("tick offsets must be >= 0")
	case p.MaxRecoveries < 0:
		return errors.New("max_recoveries must be >= 0")
	}
	return nil
}

// DeltaNeutral drives two opposite legs toward the target while correcting
// any imbalance between them first.
type DeltaNeutral struct {
	c         DeltaNeutralContext
	env       Env
	buyEx     exchange.Exchange
	sellEx    exchange.Exchange
	buyRules  *core.Rules
	sellRules *core.Rules
	inbox     inbox
	subs      subscriptions
	dirty     bool
	tickErr   bool
}

func NewDeltaNeutral(p DeltaNeutralParams, env Env) (*DeltaNeutral, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if p.MaxRecoveries == 0 {
		p.MaxRecoveries = DefaultMaxRecoveries
	}
	now := env.now()
	c := DeltaNeutralContext{
		TaskContext: newTaskContext(now, p.Metadata),
		Symbol:      p.Symbol,
		Buy: Leg{
			Exchange:       p.Buy.Exchange,
			Side:           core.Buy,
			OffsetTicks:    p.Buy.OffsetTicks,
			ToleranceTicks: p.Buy.ToleranceTicks,
		},
		Sell: Leg{
			Exchange:       p.Sell.Exchange,
			Side:           core.Sell,
			OffsetTicks:    p.Sell.OffsetTicks,
			ToleranceTicks: p.Sell.ToleranceTicks,
		},
		TargetQty:     p.TargetQty,
		SliceQty:      p.SliceQty,
		MinUnit:       p.MinUnit,
		Direction:     DirectionNone,
		Phase:         DeltaNotStarted,
		MaxRecoveries: p.MaxRecoveries,
	}
	if p.Timeout > 0 {
		deadline := now.Add(p.Timeout)
		c.Deadline = &deadline
	}
	return restoreDeltaNeutral(c, env)
}

func restoreDeltaNeutral(c DeltaNeutralContext, env Env) (*DeltaNeutral, error) {
	if env.Exchanges == nil {
		return nil, errors.New("exchange resolver required")
	}
	buyEx, err := env.Exchanges.Get(c.Buy.Exchange)
	if err != nil {
		return nil, err
	}
	sellEx, err := env.Exchanges.Get(c.Sell.Exchange)
	if err != nil {
		return nil, err
	}
	return &DeltaNeutral{c: c, env: env, buyEx: buyEx, sellEx: sellEx}, nil
}

func (m *DeltaNeutral) TaskID() string               { return m.c.TaskID }
func (m *DeltaNeutral) Kind() string                 { return KindDeltaNeutral }
func (m *DeltaNeutral) Status() Status               { return m.c.Status }
func (m *DeltaNeutral) Phase() string                { return string(m.c.Phase) }
func (m *DeltaNeutral) LastError() *ErrorInfo        { return m.c.LastError }
func (m *DeltaNeutral) Context() DeltaNeutralContext { return m.c }
func (m *DeltaNeutral) RequestCancel()               { m.inbox.requestCancel() }
func (m *DeltaNeutral) RequestPause()                { m.inbox.requestPause() }
func (m *DeltaNeutral) RequestResume()               { m.inbox.requestResume() }
func (m *DeltaNeutral) Close()                       { m.subs.close() }

func (m *DeltaNeutral) Fail(ctx context.Context, err error) {
	if m.c.Status.Terminal() {
		return
	}
	m.finish(ctx, StatusError, &ErrorInfo{Kind: core.KindInternal, Message: errString(err), At: m.env.now()})
}

func (m *DeltaNeutral) Snapshot() (taskstore.Record, error) {
	return encodeRecord(m.c.TaskID, KindDeltaNeutral, m.c.Status, m.c, m.env.now())
}

func (m *DeltaNeutral) leg(side core.Side) *Leg {
	if side == core.Buy {
		return &m.c.Buy
	}
	return &m.c.Sell
}

func (m *DeltaNeutral) exchangeFor(side core.Side) exchange.Exchange {
	if side == core.Buy {
		return m.buyEx
	}
	return m.sellEx
}

func (m *DeltaNeutral) rulesFor(side core.Side) *core.Rules {
	if side == core.Buy {
		return m.buyRules
	}
	return m.sellRules
}

func (m *DeltaNeutral) Step(ctx context.Context) StepResult {
	m.dirty = false
	m.tickErr = false
	if m.c.Status.Terminal() {
		return StepResult{}
	}
	for _, side := range []core.Side{core.Buy, core.Sell} {
		leg := m.leg(side)
		if err := m.subs.ensure(m.exchangeFor(side), leg.Exchange, m.c.Symbol, m.inbox.push); err != nil {
			m.recordError(core.KindTransient, fmt.Errorf("subscribe orders on %s: %w", leg.Exchange, err))
		}
	}
	updates, ctl := m.inbox.drain()
	for _, u := range updates {
		if m.c.Buy.applyUpdate(u) || m.c.Sell.applyUpdate(u) {
			m.dirty = true
		}
	}
	immediate := m.step(ctx, ctl)
	// Fills credited in any phase move the balance.
	m.refreshDirection()
	if m.dirty {
		m.c.UpdatedAt = m.env.now()
	}
	return StepResult{Changed: m.dirty, Immediate: immediate && !m.c.Status.Terminal()}
}

func (m *DeltaNeutral) step(ctx context.Context, ctl control) bool {
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
		m.markNeedsSync()
		m.setPhase(DeltaSyncing)
	}
	if m.c.Status == StatusPaused {
		return false
	}

	switch m.c.Phase {
	case DeltaNotStarted, "":
		m.setStatus(StatusExecuting)
		m.markNeedsSync()
		m.setPhase(DeltaSyncing)
		return true
	case DeltaRecovery:
		m.recover(ctx)
		return true
	}

	if err := m.loadRules(ctx); err != nil {
		m.handleError(err)
		return false
	}
	if m.complete() {
		m.completeTask(ctx)
		return false
	}

	switch m.c.Phase {
	case DeltaSyncing:
		return m.syncing(ctx)
	case DeltaAnalyzing:
		m.analyzing()
		return true
	case DeltaManaging:
		m.managing(ctx)
		if !m.tickErr && m.c.Recoveries > 0 {
			m.c.Recoveries = 0
			m.dirty = true
		}
		return false
	default:
		m.finish(ctx, StatusError, &ErrorInfo{Kind: core.KindInternal, Message: fmt.Sprintf("unknown phase %q", m.c.Phase), At: m.env.now()})
		return false
	}
}

func (m *DeltaNeutral) syncing(ctx context.Context) bool {
	m.setStatus(StatusExecuting)
	type result struct {
		changed bool
		err     error
	}
	sides := []core.Side{core.Buy, core.Sell}
	results := make([]result, len(sides))
	var g errgroup.Group
	for i, side := range sides {
		leg := m.leg(side)
		if !leg.NeedsSync {
			continue
		}
		ex := m.exchangeFor(side)
		g.Go(func() error {
			changed, err := leg.sync(ctx, ex, m.c.Symbol, m.c.TaskID)
			results[i] = result{changed: changed, err: err}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		log.Printf("level=WARN event=leg_sync_partial task_id=%q err=%q", m.c.TaskID, err)
	}
	for _, r := range results {
		if r.changed {
			m.dirty = true
		}
	}
	for _, r := range results {
		if r.err == nil {
			continue
		}
		if core.IsStructural(r.err) {
			m.enterRecovery(r.err)
			return true
		}
		m.recordError(core.Classify(r.err), r.err)
	}
	m.setPhase(DeltaAnalyzing)
	return true
}

func (m *DeltaNeutral) analyzing() {
	m.refreshDirection()
	m.setPhase(DeltaManaging)
}

func (m *DeltaNeutral) refreshDirection() {
	dir := direction(m.c.Buy.Filled, m.c.Sell.Filled, m.c.MinUnit)
	if dir == m.c.Direction {
		return
	}
	log.Printf("level=INFO event=imbalance_direction task_id=%q from=%s to=%s buy_filled=%s sell_filled=%s", m.c.TaskID, m.c.Direction, dir, m.c.Buy.Filled, m.c.Sell.Filled)
	m.c.Direction = dir
	m.dirty = true
}

// ActingSides returns the legs allowed to advance: the lagging leg under
// imbalance, otherwise both.
func ActingSides(dir Direction) []core.Side {
	switch dir {
	case DirectionBuyAhead:
		return []core.Side{core.Sell}
	case DirectionSellAhead:
		return []core.Side{core.Buy}
	default:
		return []core.Side{core.Buy, core.Sell}
	}
}

func (m *DeltaNeutral) managing(ctx context.Context) {
	// fills drained at the start of this tick may have moved the balance
	m.refreshDirection()
	acting := make(map[core.Side]bool, 2)
	for _, side := range ActingSides(m.c.Direction) {
		acting[side] = true
	}
	imbalance := m.c.Buy.Filled.Sub(m.c.Sell.Filled).Abs()
	acted := false
	for _, side := range []core.Side{core.Buy, core.Sell} {
		leg := m.leg(side)
		if leg.NeedsSync {
			continue
		}
		ex := m.exchangeFor(side)
		if !acting[side] || roundsToZero(m.c.TargetQty.Sub(leg.Filled), m.c.MinUnit) {
			if leg.Order != nil {
				acted = true
				m.cancelLeg(ctx, leg, ex)
			}
			continue
		}
		did, err := m.manageLeg(ctx, leg, ex, side, imbalance)
		if did {
			acted = true
		}
		if err != nil {
			if core.IsStructural(err) {
				m.enterRecovery(err)
				return
			}
			m.recordError(core.Classify(err), err)
		}
	}
	if acted {
		m.setStatus(StatusExecuting)
	} else {
		m.setStatus(StatusIdle)
	}
	if m.c.Buy.NeedsSync || m.c.Sell.NeedsSync {
		m.setPhase(DeltaSyncing)
	} else {
		m.setPhase(DeltaAnalyzing)
	}
}

// manageLeg reprices a drifted live order or places the next slice. A
// cancel and a placement for the same leg never happen in one tick.
func (m *DeltaNeutral) manageLeg(ctx context.Context, leg *Leg, ex exchange.Exchange, side core.Side, imbalance decimal.Decimal) (bool, error) {
	rules := m.rulesFor(side)
	book, err := ex.GetTopOfBook(ctx, m.c.Symbol)
	if err != nil {
		return false, err
	}
	if !book.Valid() {
		return false, fmt.Errorf("empty book for %s on %s", m.c.Symbol, leg.Exchange)
	}
	desired := orders.LimitPrice(book, side, leg.OffsetTicks, rules.PriceTick)
	if leg.Order != nil {
		if !orders.Drifted(leg.Order.Price, desired, leg.ToleranceTicks, rules.PriceTick) {
			return false, nil
		}
		log.Printf("level=INFO event=order_drifted task_id=%q side=%s order_id=%q live=%s desired=%s", m.c.TaskID, side, leg.Order.OrderID, leg.Order.Price, desired)
		m.cancelLeg(ctx, leg, ex)
		return true, nil
	}
	qty := sliceQty(m.c.SliceQty, m.c.TargetQty.Sub(leg.Filled), m.c.MinUnit)
	if m.c.Direction != DirectionNone {
		if imbalance.Cmp(qty) < 0 {
			qty = imbalance
		}
		// A correction must leave a smaller imbalance once filled.
		if sized := orders.ValidateSize(*rules, qty, desired); sized.Cmp(imbalance.Mul(decimal.NewFromInt(2))) >= 0 {
			m.noteUncorrectable(leg, imbalance, sized)
			return false, nil
		}
	}
	order := core.Order{
		Symbol:   m.c.Symbol,
		Side:     side,
		Price:    desired,
		Qty:      qty,
		ClientID: leg.nextClientID(m.c.TaskID),
	}
	m.dirty = true
	placed, err := orders.PlaceLimitOrderSafely(ctx, ex, *rules, order)
	if placed == nil {
		if errors.Is(err, core.ErrDuplicateOrder) {
			leg.NeedsSync = true
			return true, nil
		}
		return true, err
	}
	leg.Order = refFor(*placed)
	leg.creditOrder(leg.Order, *placed)
	if placed.Status.Terminal() {
		leg.Order = nil
	}
	return true, nil
}

// noteUncorrectable records once that the venue minimum exceeds what the
// imbalance allows; the leg waits for the deadline or an operator.
func (m *DeltaNeutral) noteUncorrectable(leg *Leg, imbalance, minOrder decimal.Decimal) {
	msg := fmt.Sprintf("imbalance %s cannot be corrected on %s: minimum order is %s", imbalance, leg.Exchange, minOrder)
	if m.c.LastError != nil && m.c.LastError.Message == msg {
		return
	}
	m.c.LastError = &ErrorInfo{Kind: core.KindReconcile, Message: msg, At: m.env.now()}
	m.dirty = true
	log.Printf("level=WARN event=imbalance_uncorrectable task_id=%q exchange=%q imbalance=%s min_order=%s", m.c.TaskID, leg.Exchange, imbalance, minOrder)
}

func (m *DeltaNeutral) cancelLeg(ctx context.Context, leg *Leg, ex exchange.Exchange) {
	ok, err := leg.cancelLive(ctx, ex, m.c.Symbol)
	m.dirty = true
	if ok {
		return
	}
	leg.NeedsSync = true
	if err != nil && !errors.Is(err, core.ErrOrderNotFound) {
		m.recordError(core.Classify(err), err)
	}
}

func (m *DeltaNeutral) completeTask(ctx context.Context) {
	done := true
	for _, side := range []core.Side{core.Buy, core.Sell} {
		leg := m.leg(side)
		if leg.Order == nil {
			continue
		}
		ex := m.exchangeFor(side)
		if ok, _ := leg.cancelLive(ctx, ex, m.c.Symbol); !ok {
			done = false
			if _, err := leg.sync(ctx, ex, m.c.Symbol, m.c.TaskID); err != nil {
				m.recordError(core.Classify(err), err)
			}
		}
		m.dirty = true
	}
	if done {
		m.finish(ctx, StatusCompleted, nil)
	}
}

func (m *DeltaNeutral) enterRecovery(err error) {
	m.recordError(core.KindStructural, err)
	m.setPhase(DeltaRecovery)
}

// recover drops both live references without exchange calls and starts
// over from reconciliation.
func (m *DeltaNeutral) recover(ctx context.Context) {
	m.c.Recoveries++
	m.dirty = true
	if m.c.Recoveries > m.c.MaxRecoveries {
		info := m.c.LastError
		if info == nil {
			info = &ErrorInfo{Kind: core.KindStructural, Message: "recovery limit reached", At: m.env.now()}
		}
		m.finish(ctx, StatusError, info)
		return
	}
	log.Printf("level=WARN event=task_recovery task_id=%q attempt=%d max=%d", m.c.TaskID, m.c.Recoveries, m.c.MaxRecoveries)
	m.c.Buy.orphanLive()
	m.c.Sell.orphanLive()
	m.markNeedsSync()
	m.setPhase(DeltaSyncing)
}

func (m *DeltaNeutral) loadRules(ctx context.Context) error {
	for _, side := range []core.Side{core.Buy, core.Sell} {
		if m.rulesFor(side) != nil {
			continue
		}
		rules, err := m.exchangeFor(side).GetSymbolConstraints(ctx, m.c.Symbol)
		if err != nil {
			return fmt.Errorf("symbol constraints on %s: %w", m.leg(side).Exchange, err)
		}
		if side == core.Buy {
			m.buyRules = &rules
		} else {
			m.sellRules = &rules
		}
	}
	if m.c.MinUnit.Cmp(decimal.Zero) <= 0 {
		unit := m.buyRules.MinUnit()
		if other := m.sellRules.MinUnit(); other.Cmp(unit) > 0 {
			unit = other
		}
		m.c.MinUnit = unit
		m.dirty = true
	}
	return nil
}

func (m *DeltaNeutral) complete() bool {
	return roundsToZero(m.c.TargetQty.Sub(m.c.Buy.Filled), m.c.MinUnit) &&
		roundsToZero(m.c.TargetQty.Sub(m.c.Sell.Filled), m.c.MinUnit)
}

func (m *DeltaNeutral) markNeedsSync() {
	m.c.Buy.NeedsSync = true
	m.c.Sell.NeedsSync = true
	m.dirty = true
}

func (m *DeltaNeutral) handleError(err error) {
	if core.IsStructural(err) {
		m.enterRecovery(err)
		return
	}
	m.recordError(core.Classify(err), err)
}

func (m *DeltaNeutral) recordError(kind core.ErrorKind, err error) {
	m.c.LastError = &ErrorInfo{Kind: kind, Message: err.Error(), At: m.env.now()}
	m.dirty = true
	m.tickErr = true
	log.Printf("level=WARN event=task_error task_id=%q kind=%s phase=%s err=%q", m.c.TaskID, kind, m.c.Phase, err)
}

func (m *DeltaNeutral) finish(ctx context.Context, status Status, info *ErrorInfo) {
	for _, side := range []core.Side{core.Buy, core.Sell} {
		leg := m.leg(side)
		if leg.Order == nil {
			continue
		}
		if ok, err := leg.cancelLive(ctx, m.exchangeFor(side), m.c.Symbol); !ok {
			log.Printf("level=WARN event=final_cancel_failed task_id=%q side=%s err=%q", m.c.TaskID, side, errString(err))
		}
	}
	if info != nil {
		m.c.LastError = info
	}
	m.setStatus(status)
	switch status {
	case StatusCompleted:
		m.setPhase(DeltaCompleted)
	case StatusCancelled:
		m.setPhase(DeltaCancelled)
	default:
		m.setPhase(DeltaError)
	}
	m.dirty = true
	m.subs.close()
	log.Printf("level=INFO event=task_finished task_id=%q kind=%s status=%s buy_filled=%s sell_filled=%s", m.c.TaskID, KindDeltaNeutral, status, m.c.Buy.Filled, m.c.Sell.Filled)
}

func (m *DeltaNeutral) setPhase(p DeltaPhase) {
	if m.c.Phase == p {
		return
	}
	log.Printf("level=INFO event=task_phase task_id=%q from=%s to=%s", m.c.TaskID, m.c.Phase, p)
	m.c.Phase = p
	m.dirty = true
}

func (m *DeltaNeutral) setStatus(s Status) {
	if m.c.Status == s {
		return
	}
	m.c.Status = s
	m.dirty = true
}

// direction classifies the fill difference; differences below one unit do
// not count as imbalance.
func direction(buyFilled, sellFilled, unit decimal.Decimal) Direction {
	diff := buyFilled.Sub(sellFilled)
	threshold := unit
	if threshold.Cmp(decimal.Zero) <= 0 {
		if diff.Sign() > 0 {
			return DirectionBuyAhead
		}
		if diff.Sign() < 0 {
			return DirectionSellAhead
		}
		return DirectionNone
	}
	switch {
	case diff.Cmp(threshold) >= 0:
		return DirectionBuyAhead
	case diff.Neg().Cmp(threshold) >= 0:
		return DirectionSellAhead
	default:
		return DirectionNone
	}
}
