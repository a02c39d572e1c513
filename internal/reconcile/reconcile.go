// Package reconcile is the Reconciliation Loop (C13, spec.md §4.9): a
// fixed-interval sweep over every enabled Account Link that corrects
// Position Mirror drift against broker truth, enforces each strategy's
// auto-flat cutoff, and repairs missing or duplicate take-profit orders —
// generalizing the teacher's scheduler.go ticker-loop shape, same as the
// Token Refresh Daemon.
package reconcile

import (
	"context"
	"time"

	"futuresbridge/internal/broker"
	"futuresbridge/internal/brokerws"
	"futuresbridge/internal/clockid"
	"futuresbridge/internal/instrument"
	"futuresbridge/internal/models"
	"futuresbridge/internal/orderbuild"
	"futuresbridge/internal/positionmirror"
	"futuresbridge/internal/repository"
	"futuresbridge/internal/tradeledger"
	"futuresbridge/pkg/utils"
)

type Loop struct {
	traders    *repository.TraderRepository
	strategies *repository.StrategyRepository
	accounts   *repository.AccountRepository
	mirror     *positionmirror.Mirror
	ledger     *tradeledger.Ledger
	registry   *instrument.Registry
	client     broker.Client
	wsManager  *brokerws.Manager
	clock      clockid.Clock
	log        *utils.Logger

	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func New(traders *repository.TraderRepository, strategies *repository.StrategyRepository, accounts *repository.AccountRepository, mirror *positionmirror.Mirror, ledger *tradeledger.Ledger, registry *instrument.Registry, client broker.Client, wsManager *brokerws.Manager, clock clockid.Clock, interval time.Duration, log *utils.Logger) *Loop {
	return &Loop{
		traders:    traders,
		strategies: strategies,
		accounts:   accounts,
		mirror:     mirror,
		ledger:     ledger,
		registry:   registry,
		client:     client,
		wsManager:  wsManager,
		clock:      clock,
		log:        log.WithComponent("reconcile"),
		interval:   interval,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

func (l *Loop) Start(ctx context.Context) {
	go func() {
		defer close(l.doneCh)
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stopCh:
				return
			case <-ticker.C:
				l.sweep(ctx)
			}
		}
	}()
}

func (l *Loop) Stop() {
	close(l.stopCh)
	<-l.doneCh
}

// sweep walks every enabled Account Link once. Each link's failure is
// logged and skipped — one broken account must never stall the rest of
// the sweep.
func (l *Loop) sweep(ctx context.Context) {
	traders, err := l.traders.ListAllEnabled(ctx)
	if err != nil {
		l.log.Error("failed to list enabled traders", utils.Err(err))
		return
	}
	for _, trader := range traders {
		l.reconcileOne(ctx, trader)
	}
}

func (l *Loop) reconcileOne(ctx context.Context, trader *models.Trader) {
	log := l.log.WithAccount(trader.BrokerAccountID).WithStrategy(trader.StrategyID)

	strategy, err := l.strategies.Get(ctx, trader.StrategyID)
	if err != nil {
		log.Error("failed to load strategy", utils.Err(err))
		return
	}
	account, err := l.accounts.Get(ctx, trader.BrokerAccountID)
	if err != nil {
		log.Error("failed to load broker account", utils.Err(err))
		return
	}
	if account.NeedsReauth {
		log.Warn("skipping reconcile for account pending reauth")
		return
	}

	acctRef := broker.RefFor(trader.BrokerAccountID)
	root := strategy.SymbolRoot

	positions, err := l.client.ListPositions(ctx, acctRef)
	if err != nil {
		log.Error("failed to list broker positions", utils.Err(err))
		return
	}
	brokerPos, hasBrokerPos := findPosition(positions, l.registry, root)

	if err := l.alignMirror(ctx, trader, strategy, brokerPos, hasBrokerPos, root, log); err != nil {
		log.Error("failed to align position mirror", utils.Err(err))
	}

	if hasBrokerPos {
		if err := l.enforceAutoFlat(ctx, trader, strategy, acctRef, brokerPos, log); err != nil {
			log.Error("failed to enforce auto-flat cutoff", utils.Err(err))
		}
	}

	if hasBrokerPos {
		if err := l.repairTPs(ctx, trader, strategy, account, acctRef, brokerPos, log); err != nil {
			log.Error("failed to repair take-profit orders", utils.Err(err))
		}
	}
}

func findPosition(positions []broker.Position, registry *instrument.Registry, root string) (broker.Position, bool) {
	for _, p := range positions {
		r, err := registry.RootOf(p.Symbol)
		if err != nil || r != root {
			continue
		}
		if p.Qty.IsZero() {
			continue
		}
		return p, true
	}
	return broker.Position{}, false
}

// alignMirror implements spec.md §4.9 step 1: a broker position with no
// local mirror entry is opened from broker truth; a mirror entry the
// broker no longer carries is closed; a mirror entry whose qty/avg-entry
// has drifted is overwritten, never treated as a new fill.
func (l *Loop) alignMirror(ctx context.Context, trader *models.Trader, strategy *models.Strategy, brokerPos broker.Position, hasBrokerPos bool, root string, log *utils.Logger) error {
	mirrorPos, hasMirror := l.mirror.Get(strategy.ID, root)
	now := l.clock.Now()

	switch {
	case hasBrokerPos && !hasMirror:
		log.Warn("broker position has no local mirror entry, opening from broker truth")
		return l.mirror.Align(ctx, strategy.ID, trader.BrokerAccountID, brokerPos.Symbol, root, brokerPos.Side, brokerPos.Qty, brokerPos.AvgEntry, now)

	case hasBrokerPos && hasMirror:
		if !mirrorPos.TotalQty.Equal(brokerPos.Qty) || !mirrorPos.AvgEntry.Equal(brokerPos.AvgEntry) || mirrorPos.Side != brokerPos.Side {
			log.Warn("position mirror drifted from broker truth, aligning",
				utils.String("mirror_qty", mirrorPos.TotalQty.String()), utils.String("broker_qty", brokerPos.Qty.String()))
			return l.mirror.Align(ctx, strategy.ID, trader.BrokerAccountID, brokerPos.Symbol, root, brokerPos.Side, brokerPos.Qty, brokerPos.AvgEntry, now)
		}
		return nil

	case !hasBrokerPos && hasMirror:
		log.Warn("local mirror shows an open position the broker no longer has, closing")
		if err := l.ledger.CloseAll(ctx, mirrorPos.ID, mirrorPos.CurrentPrice, models.ExitReconcile, now); err != nil {
			return err
		}
		return l.mirror.Close(ctx, strategy.ID, root, mirrorPos.CurrentPrice, now)

	default:
		return nil
	}
}

// enforceAutoFlat implements spec.md §4.9 step 2: past the configured
// cutoff minute-of-day (UTC), any still-open broker position is market
// closed. A nil AutoFlatMinuteOfDay disables this strategy's auto-flat
// entirely. Pending entries that have not yet reached the broker are out
// of scope — this only acts on positions the broker already reports.
func (l *Loop) enforceAutoFlat(ctx context.Context, trader *models.Trader, strategy *models.Strategy, acctRef broker.AccountRef, brokerPos broker.Position, log *utils.Logger) error {
	if strategy.AutoFlatMinuteOfDay == nil {
		return nil
	}
	now := l.clock.Now().UTC()
	minuteOfDay := now.Hour()*60 + now.Minute()
	if minuteOfDay < *strategy.AutoFlatMinuteOfDay {
		return nil
	}

	closeSide := brokerPos.Side.Opposite()
	if _, err := l.client.PlaceMarket(ctx, acctRef, closeSide, brokerPos.Qty, brokerPos.Symbol, ""); err != nil {
		return err
	}
	log.Info("auto-flat cutoff reached, market closed position", utils.String("symbol", brokerPos.Symbol))

	mirrorPos, hasMirror := l.mirror.Get(strategy.ID, strategy.SymbolRoot)
	if !hasMirror {
		return nil
	}
	if err := l.ledger.CloseAll(ctx, mirrorPos.ID, brokerPos.AvgEntry, models.ExitAutoFlat, l.clock.Now()); err != nil {
		return err
	}
	return l.mirror.Close(ctx, strategy.ID, strategy.SymbolRoot, brokerPos.AvgEntry, l.clock.Now())
}

// repairTPs implements spec.md §4.9 steps 3-4: when the live listener owns
// this token's connection it is the authoritative source for TP state, so
// repair is skipped entirely; otherwise a position with zero working TPs
// gets a fresh set built from current strategy config, and a position
// with more than one working TP per leg has every duplicate but the first
// canceled.
func (l *Loop) repairTPs(ctx context.Context, trader *models.Trader, strategy *models.Strategy, account *models.BrokerAccount, acctRef broker.AccountRef, brokerPos broker.Position, log *utils.Logger) error {
	if l.wsManager.Connected(account.TokenKey) {
		return nil
	}
	if len(strategy.TPTargets) == 0 {
		return nil
	}

	orders, err := l.client.ListOrders(ctx, acctRef, broker.OrderFilter{Symbol: brokerPos.Symbol})
	if err != nil {
		return err
	}
	working := workingTPs(orders, l.registry, strategy.SymbolRoot, brokerPos.Side)

	if len(working) == 0 {
		tickSize, err := l.registry.TickSize(strategy.SymbolRoot)
		if err != nil {
			return err
		}
		legs, err := orderbuild.BuildTPLegs(strategy.TPTargets, brokerPos.Qty, trader.Multiplier, brokerPos.AvgEntry, brokerPos.Side, strategy.SymbolRoot, l.registry, tickSize)
		if err != nil {
			return err
		}
		log.Warn("no working take-profit orders found, placing fresh set", utils.String("symbol", brokerPos.Symbol))
		for _, leg := range legs {
			if _, err := l.client.PlaceLimit(ctx, acctRef, brokerPos.Side.Opposite(), leg.Qty, brokerPos.Symbol, leg.Price, ""); err != nil {
				return err
			}
		}
		return nil
	}

	// Legs are told apart by limit price: the first working TP at a price
	// is kept and every later one at the same price is canceled.
	seen := make(map[string]bool, len(working))
	for _, o := range working {
		if key := o.Price.String(); !seen[key] {
			seen[key] = true
			continue
		}
		log.Warn("duplicate take-profit order found, canceling", utils.String("symbol", brokerPos.Symbol))
		if err := l.client.Cancel(ctx, acctRef, o.BrokerOrderID); err != nil {
			return err
		}
	}
	return nil
}

func workingTPs(orders []broker.Order, registry *instrument.Registry, root string, side models.Side) []broker.Order {
	var out []broker.Order
	for _, o := range orders {
		if o.Kind != models.OrderTPLimit {
			continue
		}
		if o.Status != models.OrderWorking && o.Status != models.OrderAccepted {
			continue
		}
		if o.Side != side.Opposite() {
			continue
		}
		r, err := registry.RootOf(o.Symbol)
		if err != nil || r != root {
			continue
		}
		out = append(out, o)
	}
	return out
}
