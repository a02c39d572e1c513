package execengine

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"futuresbridge/internal/broker"
	"futuresbridge/internal/models"
	"futuresbridge/internal/orderbuild"
	"futuresbridge/pkg/utils"
)

var (
	errNoQty                  = errors.New("execengine: no configured quantity and webhook supplied none")
	errBreakEvenWithTrailing  = errors.New("execengine: break-even cannot be combined with a trailing stop")
)

// decide implements the decision table of spec.md §4.7: the first matching
// precondition against broker truth wins. Every branch ends by reconciling
// the Position Mirror and Trade Ledger against what was actually sent.
func (e *Engine) decide(ctx context.Context, t Task, root string) error {
	positions, err := e.listPositionsRetrying(ctx, t.Account)
	if err != nil {
		return err
	}
	brokerPos, hasBrokerPos := e.findPosition(positions, root)

	switch {
	case t.Action == models.ActionClose:
		return e.flatten(ctx, t, root, brokerPos, hasBrokerPos)

	case t.Action == models.ActionTrim:
		return e.trimReduce(ctx, t, root, brokerPos, hasBrokerPos)

	case hasBrokerPos && t.Action.IsEntry() && oppositeSide(t.Action, brokerPos.Side):
		if err := e.flipClose(ctx, t, root, brokerPos); err != nil {
			return err
		}
		return e.bracketEntry(ctx, t, root)

	// A copy-trade follower's ADD (spec.md §4.11) always takes the DCA-add
	// path regardless of its own DCA setting — the leader's add delta is
	// authoritative, not the follower's config.
	case hasBrokerPos && t.Action.IsEntry() && (t.Settings.DCAEnabled || t.IsCopyFollower):
		return e.dcaAdd(ctx, t, root, brokerPos)

	case hasBrokerPos && t.Action.IsEntry() && !t.Settings.DCAEnabled:
		if err := e.sameDirectionReset(ctx, t, root, brokerPos); err != nil {
			return err
		}
		return e.bracketEntry(ctx, t, root)

	case !hasBrokerPos && t.Action.IsEntry():
		return e.bracketEntry(ctx, t, root)

	// tp_hit/sl_hit never reach here — the webhook dispatcher treats them as
	// chart-side notifications and doesn't enqueue a task for them at all
	// (spec.md §6). Every other valid Action is covered by a case above;
	// this default is an unreachable safety net, not a real branch.
	default:
		return nil
	}
}

func oppositeSide(action models.Action, brokerSide models.Side) bool {
	wantSide := models.SideLong
	if action == models.ActionSell {
		wantSide = models.SideShort
	}
	return wantSide != brokerSide
}

func actionSide(action models.Action) models.Side {
	if action == models.ActionSell {
		return models.SideShort
	}
	return models.SideLong
}

// flatten implements the close/flatten/exit path: cancel every working
// order and market-close the broker position, then reconcile local state.
func (e *Engine) flatten(ctx context.Context, t Task, root string, brokerPos broker.Position, hasBrokerPos bool) error {
	if err := e.cancelAllWorking(ctx, t, root); err != nil {
		return err
	}
	if hasBrokerPos {
		closeSide := brokerPos.Side.Opposite()
		if _, err := e.broker.PlaceMarket(ctx, t.Account, closeSide, brokerPos.Qty, t.Symbol, t.ClientOrderID); err != nil {
			return err
		}
	}
	return e.reconcileClose(ctx, t, root, t.ReferencePrice, models.ExitSignal)
}

// flipClose closes the opposing broker position before an opposite-side
// entry signal is allowed to open a fresh one (spec.md §4.7's flip-close
// precondition).
func (e *Engine) flipClose(ctx context.Context, t Task, root string, brokerPos broker.Position) error {
	if err := e.cancelAllWorking(ctx, t, root); err != nil {
		return err
	}
	closeSide := brokerPos.Side.Opposite()
	if _, err := e.broker.PlaceMarket(ctx, t.Account, closeSide, brokerPos.Qty, t.Symbol, t.ClientOrderID); err != nil {
		return err
	}
	return e.reconcileClose(ctx, t, root, t.ReferencePrice, models.ExitFlip)
}

// sameDirectionReset closes and replaces the position when a same-direction
// entry arrives with DCA disabled — the existing position is reset rather
// than added to.
func (e *Engine) sameDirectionReset(ctx context.Context, t Task, root string, brokerPos broker.Position) error {
	if err := e.cancelAllWorking(ctx, t, root); err != nil {
		return err
	}
	closeSide := brokerPos.Side.Opposite()
	if _, err := e.broker.PlaceMarket(ctx, t.Account, closeSide, brokerPos.Qty, t.Symbol, t.ClientOrderID); err != nil {
		return err
	}
	return e.reconcileClose(ctx, t, root, t.ReferencePrice, models.ExitSignal)
}

// cancelAllWorking cancels every broker-reported working/accepted order on
// this account for root, regardless of side — used before any close/reset
// so no stale TP/SL survives against the new state.
func (e *Engine) cancelAllWorking(ctx context.Context, t Task, root string) error {
	orders, err := e.listOrdersRetrying(ctx, t.Account, broker.OrderFilter{Symbol: t.Symbol})
	if err != nil {
		return err
	}
	for _, o := range orders {
		or, err := e.registry.RootOf(o.Symbol)
		if err != nil || or != root {
			continue
		}
		if o.Status != models.OrderWorking && o.Status != models.OrderAccepted {
			continue
		}
		if err := e.cancelRetrying(ctx, t.Account, o.BrokerOrderID); err != nil {
			return err
		}
	}
	return nil
}

// reconcileClose closes the Position Mirror entry and the open Trade rows,
// if one exists locally. A missing local entry against a broker truth that
// just got closed is logged, not failed — the close itself already
// succeeded at the broker.
func (e *Engine) reconcileClose(ctx context.Context, t Task, root string, exitPrice decimal.Decimal, reason models.ExitReason) error {
	pos, ok := e.mirror.Get(t.StrategyID, root)
	if !ok {
		e.log.Warn("closed a broker position with no local mirror entry",
			utils.Int64("strategy_id", t.StrategyID), utils.String("root", root))
		return nil
	}
	if err := e.ledger.CloseAll(ctx, pos.ID, exitPrice, reason, e.clock.Now()); err != nil {
		return err
	}
	return e.mirror.Close(ctx, t.StrategyID, root, exitPrice, e.clock.Now())
}

// dcaAdd implements the DCA-add path: places a market add, replaces every
// TP leg (enumerated fresh from broker truth, never from the local cache)
// against the new aggregated quantity, and appends the fill to the mirror.
func (e *Engine) dcaAdd(ctx context.Context, t Task, root string, brokerPos broker.Position) error {
	qty, err := resolveQty(t.Settings, t.Multiplier, t.WebhookQty, true, t.IsCopyFollower)
	if err != nil {
		return err
	}
	side := actionSide(t.Action)

	if _, err := e.broker.PlaceMarket(ctx, t.Account, side, qty, t.Symbol, t.ClientOrderID); err != nil {
		return err
	}

	if err := e.mirror.AddEntry(ctx, t.StrategyID, root, t.ReferencePrice, qty, e.clock.Now()); err != nil {
		return err
	}
	pos, ok := e.mirror.Get(t.StrategyID, root)
	if !ok {
		return nil
	}
	if _, err := e.ledger.OpenTrade(ctx, t.StrategyID, pos.ID, t.Symbol, side, qty, t.ReferencePrice, e.clock.Now()); err != nil {
		return err
	}

	newTotalQty := brokerPos.Qty.Add(qty)
	return e.replaceTPLegs(ctx, t, root, side, newTotalQty, pos.AvgEntry)
}

// replaceTPLegs cancels every working TP leg for (account, root, side) and
// places a fresh set sized against totalQty — the TP-replacement-on-DCA
// contract of spec.md §4.7.
func (e *Engine) replaceTPLegs(ctx context.Context, t Task, root string, side models.Side, totalQty, avgEntry decimal.Decimal) error {
	orders, err := e.listOrdersRetrying(ctx, t.Account, broker.OrderFilter{Symbol: t.Symbol})
	if err != nil {
		return err
	}
	for _, o := range e.findWorkingTPs(orders, root, side) {
		if err := e.cancelRetrying(ctx, t.Account, o.BrokerOrderID); err != nil {
			return err
		}
	}
	if len(t.Settings.TPTargets) == 0 {
		return nil
	}
	tickSize, err := e.registry.TickSize(root)
	if err != nil {
		return err
	}
	legs, err := orderbuild.BuildTPLegs(t.Settings.TPTargets, totalQty, t.Multiplier, avgEntry, side, root, e.registry, tickSize)
	if err != nil {
		return err
	}
	for _, leg := range legs {
		legSide := side.Opposite()
		if _, err := e.broker.PlaceLimit(ctx, t.Account, legSide, leg.Qty, t.Symbol, leg.Price, t.ClientOrderID); err != nil {
			return err
		}
	}
	return nil
}

// bracketEntry places a fresh entry + TP legs + SL as one atomic bracket
// (spec.md §4.7's bracket-entry path), then installs the new Position in
// the mirror and opens its first Trade row.
func (e *Engine) bracketEntry(ctx context.Context, t Task, root string) error {
	qty, err := resolveQty(t.Settings, t.Multiplier, t.WebhookQty, false, t.IsCopyFollower)
	if err != nil {
		return err
	}
	side := actionSide(t.Action)
	entry := t.ReferencePrice

	tickSize, err := e.registry.TickSize(root)
	if err != nil {
		return err
	}

	var legs []broker.TPLeg
	if len(t.Settings.TPTargets) > 0 {
		legs, err = orderbuild.BuildTPLegs(t.Settings.TPTargets, qty, t.Multiplier, entry, side, root, e.registry, tickSize)
		if err != nil {
			return err
		}
	}

	var sl *broker.StopLossOrder
	if t.Settings.StopLoss.Enabled {
		sl, err = orderbuild.BuildSL(t.Settings.StopLoss, entry, side, root, e.registry, tickSize)
		if err != nil {
			return err
		}
	}

	var opts broker.BracketOptions
	if t.Settings.BreakEven.Enabled {
		if sl != nil && sl.Kind == models.SLTrailing {
			return &broker.Error{Kind: broker.KindInvariantViolation, Op: "bracket_entry", Err: errBreakEvenWithTrailing}
		}
		opts.BreakEven = &broker.BreakEvenOptions{Ticks: t.Settings.BreakEven.Ticks, Offset: t.Settings.BreakEven.Offset}
	}

	result, err := e.broker.PlaceBracketOrder(ctx, t.Account, side, qty, t.Symbol, legs, sl, opts)
	if err != nil {
		return err
	}

	pos := &models.Position{
		StrategyID: t.StrategyID,
		AccountID:  t.AccountDBID,
		Symbol:     t.Symbol,
		SymbolRoot: root,
		Side:       side,
		Status:     models.PositionOpen,
		OpenedAt:   e.clock.Now(),
	}
	pos.AddEntry(entry, qty, e.clock.Now())
	if err := e.mirror.Open(ctx, pos); err != nil {
		return err
	}
	if _, err := e.ledger.OpenTrade(ctx, t.StrategyID, pos.ID, t.Symbol, side, qty, entry, e.clock.Now()); err != nil {
		return err
	}
	if e.orderRefs != nil {
		e.persistOrderRefs(ctx, t, pos.ID, result)
	}
	return nil
}

func (e *Engine) persistOrderRefs(ctx context.Context, t Task, positionID int64, result broker.BracketResult) {
	refs := []*models.OrderReference{
		{BrokerOrderID: result.EntryOrderID, BrokerAccountID: t.AccountDBID, Kind: models.OrderEntryBracket, PositionID: positionID, Status: models.OrderAccepted},
	}
	for _, legID := range result.LegOrderIDs {
		refs = append(refs, &models.OrderReference{BrokerOrderID: legID, BrokerAccountID: t.AccountDBID, Kind: models.OrderTPLimit, PositionID: positionID, Status: models.OrderWorking})
	}
	if result.SLOrderID != "" {
		refs = append(refs, &models.OrderReference{BrokerOrderID: result.SLOrderID, BrokerAccountID: t.AccountDBID, Kind: models.OrderSLStop, PositionID: positionID, Status: models.OrderWorking})
	}
	for _, r := range refs {
		if _, err := e.orderRefs.Insert(ctx, r); err != nil {
			e.log.Warn("failed to persist order reference",
				utils.String("broker_order_id", r.BrokerOrderID), utils.Err(err))
		}
	}
}

// resolveQty resolves the truthy-zero quantity hazard for the initial-entry
// path (dca=false) and the DCA-add path (dca=true): a positive configured
// quantity overrides the webhook; otherwise the webhook-supplied quantity
// is required. For a copy-trade follower task, the configured quantity
// never applies — the propagator already computed the exact leader-scaled
// delta, and the follower's own initial/DCA size has no bearing on it.
func resolveQty(s models.Strategy, multiplier decimal.Decimal, webhookQty *decimal.Decimal, dca bool, copyFollower bool) (decimal.Decimal, error) {
	if copyFollower {
		if webhookQty == nil {
			return decimal.Zero, &broker.Error{Kind: broker.KindConfigMissing, Op: "resolve_qty", Err: errNoQty}
		}
		return webhookQty.Mul(multiplier), nil
	}

	var base decimal.Decimal
	var has bool
	if dca {
		has = s.HasDCAQty()
		base = s.DCAQty
	} else {
		has = s.HasInitialQty()
		base = s.InitialQty
	}
	if !has {
		if webhookQty == nil {
			return decimal.Zero, &broker.Error{Kind: broker.KindConfigMissing, Op: "resolve_qty", Err: errNoQty}
		}
		base = *webhookQty
	}
	return base.Mul(multiplier), nil
}

// trimReduce implements the copy-trade partial-reduce path (spec.md
// §4.11): market-close exactly the leader's scaled trim delta and shrink
// the local mirror to match, without touching TP/SL legs — a trim is not
// a close, so the existing brackets stay working.
func (e *Engine) trimReduce(ctx context.Context, t Task, root string, brokerPos broker.Position, hasBrokerPos bool) error {
	if !hasBrokerPos {
		e.log.Warn("trim signal for account with no broker position, ignoring",
			utils.Int64("account_id", t.AccountDBID), utils.Symbol(t.Symbol))
		return nil
	}
	if t.WebhookQty == nil {
		return &broker.Error{Kind: broker.KindConfigMissing, Op: "trim_reduce", Err: errNoQty}
	}
	qty := t.WebhookQty.Mul(t.Multiplier)
	if qty.GreaterThan(brokerPos.Qty) {
		qty = brokerPos.Qty
	}
	if !qty.IsPositive() {
		return nil
	}

	closeSide := brokerPos.Side.Opposite()
	if _, err := e.broker.PlaceMarket(ctx, t.Account, closeSide, qty, t.Symbol, t.ClientOrderID); err != nil {
		return err
	}
	return e.mirror.ReduceQty(ctx, t.StrategyID, root, qty)
}
