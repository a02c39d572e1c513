// Package copytrade is the Copy-Trade Propagator (C15, spec.md §4.11): it
// turns one classified leader delta into a bounded set of follower
// execution tasks, fanned out in parallel via structured concurrency, the
// same shape the teacher's bot/order.go uses for its multi-exchange
// ExecuteParallel fan-out.
package copytrade

import (
	"context"
	"sync"
	"time"

	"futuresbridge/internal/broker"
	"futuresbridge/internal/clockid"
	"futuresbridge/internal/execengine"
	"futuresbridge/internal/listeners"
	"futuresbridge/internal/models"
	"futuresbridge/internal/repository"
	"futuresbridge/pkg/utils"
)

// FollowerFailure is one follower's propagation error, collected rather
// than raised — a slow or failing follower must never cancel its siblings
// (spec.md §4.11 / §5).
type FollowerFailure struct {
	FollowerAccountID int64
	Err               error
}

// Propagator is C15.
type Propagator struct {
	traders    *repository.TraderRepository
	strategies *repository.StrategyRepository
	engine     *execengine.Engine
	guard      *listeners.LeaderListener
	clock      clockid.Clock
	log        *utils.Logger
}

func New(traders *repository.TraderRepository, strategies *repository.StrategyRepository, engine *execengine.Engine, guard *listeners.LeaderListener, clock clockid.Clock, log *utils.Logger) *Propagator {
	return &Propagator{
		traders:    traders,
		strategies: strategies,
		engine:     engine,
		guard:      guard,
		clock:      clock,
		log:        log.WithComponent("copytrade"),
	}
}

// OnLeaderDelta is the callback the Leader Listener (C9) invokes for every
// classified, non-suppressed delta. It resolves the leader's own Trader
// row, the follower set, and fans out — all at event time, never cached,
// per spec.md §4.11.
func (p *Propagator) OnLeaderDelta(leaderAccountID int64, d listeners.LeaderDelta) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	leader, err := p.traders.GetLeaderByAccount(ctx, leaderAccountID)
	if err != nil {
		p.log.Error("failed to resolve leader trader for copy delta",
			utils.Int64("account_id", leaderAccountID), utils.Err(err))
		return
	}

	followers, err := p.traders.ListFollowersOf(ctx, leader.ID)
	if err != nil {
		p.log.Error("failed to list followers", utils.Int64("leader_trader_id", leader.ID), utils.Err(err))
		return
	}
	if len(followers) == 0 {
		return
	}

	action := actionFor(d.Kind, d.Side)
	if action == "" {
		return
	}

	failures := p.fanOut(ctx, followers, d, action)
	for _, f := range failures {
		p.log.Error("copy-trade propagation failed for follower",
			utils.Int64("account_id", f.FollowerAccountID),
			utils.Symbol(d.Symbol), utils.Err(f.Err))
	}
}

// actionFor maps a leader delta kind onto the execution action the
// decision table (spec.md §4.7) already knows how to resolve against
// broker truth.
func actionFor(kind listeners.DeltaKind, side models.Side) models.Action {
	switch kind {
	case listeners.DeltaEntry, listeners.DeltaAdd, listeners.DeltaReversal:
		if side == models.SideShort {
			return models.ActionSell
		}
		return models.ActionBuy
	case listeners.DeltaTrim:
		return models.ActionTrim
	case listeners.DeltaClose:
		return models.ActionClose
	default:
		return ""
	}
}

// fanOut propagates d to every follower concurrently — started together,
// joined together, per-follower failures collected without cancelling
// siblings (spec.md §4.11 / §5's structured-concurrency contract).
func (p *Propagator) fanOut(ctx context.Context, followers []*models.Trader, d listeners.LeaderDelta, action models.Action) []FollowerFailure {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var failures []FollowerFailure

	for _, f := range followers {
		wg.Add(1)
		go func(follower *models.Trader) {
			defer wg.Done()
			if err := p.propagateOne(ctx, follower, d, action); err != nil {
				mu.Lock()
				failures = append(failures, FollowerFailure{FollowerAccountID: follower.BrokerAccountID, Err: err})
				mu.Unlock()
			}
		}(f)
	}
	wg.Wait()
	return failures
}

func (p *Propagator) propagateOne(ctx context.Context, follower *models.Trader, d listeners.LeaderDelta, action models.Action) error {
	active, err := p.traders.IsAccountActiveForSymbolRoot(ctx, follower.BrokerAccountID, d.SymbolRoot)
	if err != nil {
		return err
	}
	if active {
		// Already webhook-driven on this instrument — the webhook dispatcher
		// (C11) already delivers this signal to this account directly.
		// Propagating the leader's copy of it would double the fill.
		return nil
	}

	strategy, err := p.strategies.Get(ctx, follower.StrategyID)
	if err != nil {
		return err
	}

	qty := d.Qty
	qtyPtr := &qty

	tag := clockid.NewOrderTag("CPY_")
	task := execengine.Task{
		Account:        broker.RefFor(follower.BrokerAccountID),
		AccountDBID:    follower.BrokerAccountID,
		StrategyID:     follower.StrategyID,
		Symbol:         d.Symbol,
		Settings:       follower.EffectiveSettings(strategy),
		Multiplier:     follower.Multiplier,
		Action:         action,
		ReferencePrice: d.Price,
		WebhookQty:     qtyPtr,
		IsCopyFollower: true,
		ClientOrderID:  tag,
		IdempotencyKey: tag,
		EnqueuedAt:     p.clock.Now(),
	}

	if !p.engine.TrySubmit(ctx, task) {
		return errQueueFull
	}

	followerDelta := qty.Mul(follower.Multiplier)
	p.guard.TagCopyFill(follower.BrokerAccountID, d.SymbolRoot, d.Side, followerDelta)
	return nil
}

var errQueueFull = &broker.Error{Kind: broker.KindQueueFull, Op: "copy_propagate"}
