// Package execengine is the Broker Execution Engine (C12, spec.md §4.7):
// a worker pool draining a bounded task queue, generalizing the teacher's
// bot/engine.go shard-worker-pool and PairState per-key locking. Each task
// is resolved against broker truth through the decision table of spec.md
// §4.7 — the first matching precondition wins.
package execengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"futuresbridge/internal/broker"
	"futuresbridge/internal/clockid"
	"futuresbridge/internal/instrument"
	"futuresbridge/internal/models"
	"futuresbridge/internal/positionmirror"
	"futuresbridge/internal/repository"
	"futuresbridge/internal/tradeledger"
	"futuresbridge/pkg/retry"
	"futuresbridge/pkg/utils"
)

// Task carries everything a worker needs to resolve one account's reaction
// to one signal (spec.md §4.7's task shape).
type Task struct {
	Account        broker.AccountRef
	AccountDBID    int64
	StrategyID     int64
	Symbol         string
	Settings       models.Strategy // already overlaid trader-over-strategy (spec.md §3)
	Multiplier     decimal.Decimal
	Action         models.Action
	ReferencePrice decimal.Decimal
	WebhookQty     *decimal.Decimal // nil when the webhook omitted qty entirely
	IsCopyFollower bool
	ClientOrderID  string // set by the copy-trade propagator (C15) for CPY_-tagged orders; "" otherwise
	IdempotencyKey string
	EnqueuedAt     time.Time
}

// FailureRecord is one entry in the operator-visible failures feed
// (spec.md §7): nothing is silently swallowed.
type FailureRecord struct {
	TaskID      string
	AccountID   int64
	Symbol      string
	Action      models.Action
	ElapsedMS   int64
	Kind        broker.Kind
	Body        string
	Err         string
	Ts          time.Time
}

// failureRing is a fixed-capacity ring buffer, newest-last, guarded by a
// mutex — the teacher has no direct equivalent; this is sized the way its
// in-memory blacklist/dedup structures are (bounded, never grows).
type failureRing struct {
	mu  sync.Mutex
	buf []FailureRecord
	cap int
}

func newFailureRing(capacity int) *failureRing {
	if capacity <= 0 {
		capacity = 500
	}
	return &failureRing{cap: capacity}
}

func (r *failureRing) Add(f FailureRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, f)
	if len(r.buf) > r.cap {
		r.buf = r.buf[len(r.buf)-r.cap:]
	}
}

// Tail returns the most recent n records for an account, newest-last.
func (r *failureRing) Tail(accountID int64, n int) []FailureRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []FailureRecord
	for _, f := range r.buf {
		if f.AccountID == accountID {
			out = append(out, f)
		}
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// keyedMutex hands out one *sync.Mutex per string key, matching the
// positionmirror package's own lockFor pattern (spec.md §5's per-
// (account,symbol) serialization requirement).
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Config tunes the engine's worker pool and per-call deadlines.
type Config struct {
	Workers      int
	TaskDeadline time.Duration
	QueueCapacity int
}

// Engine is C12.
type Engine struct {
	cfg      Config
	broker   broker.Client
	registry *instrument.Registry
	mirror   *positionmirror.Mirror
	ledger   *tradeledger.Ledger
	orderRefs *repository.OrderRefRepository
	clock    clockid.Clock
	log      *utils.Logger

	queue    chan Task
	locks    *keyedMutex
	failures *failureRing

	onAuthExpired func(accountID int64)

	disabledMu sync.RWMutex
	disabled   map[int64]struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(cfg Config, client broker.Client, registry *instrument.Registry, mirror *positionmirror.Mirror, ledger *tradeledger.Ledger, orderRefs *repository.OrderRefRepository, clock clockid.Clock, onAuthExpired func(accountID int64), log *utils.Logger) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.TaskDeadline <= 0 {
		cfg.TaskDeadline = 60 * time.Second
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1000
	}
	return &Engine{
		cfg:           cfg,
		broker:        client,
		registry:      registry,
		mirror:        mirror,
		ledger:        ledger,
		orderRefs:     orderRefs,
		clock:         clock,
		log:           log.WithComponent("execengine"),
		queue:         make(chan Task, cfg.QueueCapacity),
		locks:         newKeyedMutex(),
		failures:      newFailureRing(2000),
		onAuthExpired: onAuthExpired,
		disabled:      make(map[int64]struct{}),
		stopCh:        make(chan struct{}),
	}
}

// DisableAccountForSession stops the engine from acting on accountID until
// process restart — the C10 max-loss breach reaction (spec.md §4.12):
// once an account's daily loss cap trips, it stays out of the rotation for
// the rest of the session rather than being re-armed automatically.
func (e *Engine) DisableAccountForSession(accountID int64) {
	e.disabledMu.Lock()
	e.disabled[accountID] = struct{}{}
	e.disabledMu.Unlock()
}

// IsAccountDisabled reports whether DisableAccountForSession has been
// called for accountID.
func (e *Engine) IsAccountDisabled(accountID int64) bool {
	e.disabledMu.RLock()
	defer e.disabledMu.RUnlock()
	_, ok := e.disabled[accountID]
	return ok
}

// Start launches the worker pool (spec.md §5's executor pool, N=10).
func (e *Engine) Start() {
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
}

// Stop signals workers to stop accepting new tasks and waits (bounded) for
// in-flight work to drain.
func (e *Engine) Stop(drain time.Duration) {
	close(e.stopCh)
	done := make(chan struct{})
	go func() { e.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(drain):
	}
}

// TrySubmit enqueues t, honoring ctx's deadline as the enqueue budget
// (spec.md §4.8 step 8: 50ms budget, backpressure not buffering). Returns
// false when the queue is full within the budget.
func (e *Engine) TrySubmit(ctx context.Context, t Task) bool {
	select {
	case e.queue <- t:
		return true
	case <-ctx.Done():
		return false
	}
}

// Failures returns the tail of the failures feed for an account (the
// operator surface's /failures endpoint).
func (e *Engine) Failures(accountID int64, n int) []FailureRecord {
	return e.failures.Tail(accountID, n)
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case t, ok := <-e.queue:
			if !ok {
				return
			}
			e.runTask(t)
		}
	}
}

func (e *Engine) runTask(t Task) {
	if e.IsAccountDisabled(t.AccountDBID) {
		e.log.Warn("dropping task for session-disabled account",
			utils.Int64("account_id", t.AccountDBID), utils.Symbol(t.Symbol))
		return
	}

	start := e.clock.Now()
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.TaskDeadline)
	defer cancel()

	root, err := e.registry.RootOf(t.Symbol)
	if err != nil {
		e.recordFailure(t, start, broker.KindUnknownSymbol, "", err)
		return
	}

	unlock := e.locks.Lock(fmt.Sprintf("%d|%s", t.AccountDBID, root))
	defer unlock()

	if err := e.decide(ctx, t, root); err != nil {
		kind := broker.KindBrokerRejected
		var be *broker.Error
		if ok := asBrokerError(err, &be); ok {
			kind = be.Kind
			if kind == broker.KindAuthExpired && e.onAuthExpired != nil {
				e.onAuthExpired(t.AccountDBID)
			}
		}
		e.recordFailure(t, start, kind, errBody(err), err)
		return
	}
}

func asBrokerError(err error, target **broker.Error) bool {
	be, ok := err.(*broker.Error)
	if ok {
		*target = be
		return true
	}
	return false
}

func errBody(err error) string {
	var be *broker.Error
	if asBrokerError(err, &be) {
		return be.Body
	}
	return ""
}

func (e *Engine) recordFailure(t Task, start time.Time, kind broker.Kind, body string, err error) {
	elapsed := e.clock.Now().Sub(start)
	e.failures.Add(FailureRecord{
		TaskID:    t.IdempotencyKey,
		AccountID: t.AccountDBID,
		Symbol:    t.Symbol,
		Action:    t.Action,
		ElapsedMS: elapsed.Milliseconds(),
		Kind:      kind,
		Body:      body,
		Err:       err.Error(),
		Ts:        e.clock.Now(),
	})
	e.log.Error("execution task failed",
		utils.String("task_id", t.IdempotencyKey),
		utils.Int64("account_id", t.AccountDBID),
		utils.Symbol(t.Symbol),
		utils.String("action", string(t.Action)),
		utils.Int64("elapsed_ms", elapsed.Milliseconds()),
		utils.String("kind", string(kind)),
		utils.Err(err))
}

// listPositionsRetrying wraps ListPositions with the idempotent-operation
// retry policy (spec.md §4.7: 10 attempts, exponential backoff).
func (e *Engine) listPositionsRetrying(ctx context.Context, acct broker.AccountRef) ([]broker.Position, error) {
	var out []broker.Position
	cfg := retry.Config{MaxRetries: 10, InitialDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second, Multiplier: 2, JitterFactor: 0.1, RetryIf: retryableBrokerErr}
	err := retry.Do(ctx, func() error {
		var err error
		out, err = e.broker.ListPositions(ctx, acct)
		return err
	}, cfg)
	return out, err
}

func (e *Engine) listOrdersRetrying(ctx context.Context, acct broker.AccountRef, filter broker.OrderFilter) ([]broker.Order, error) {
	var out []broker.Order
	cfg := retry.Config{MaxRetries: 10, InitialDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second, Multiplier: 2, JitterFactor: 0.1, RetryIf: retryableBrokerErr}
	err := retry.Do(ctx, func() error {
		var err error
		out, err = e.broker.ListOrders(ctx, acct, filter)
		return err
	}, cfg)
	return out, err
}

func (e *Engine) cancelRetrying(ctx context.Context, acct broker.AccountRef, orderID string) error {
	cfg := retry.Config{MaxRetries: 10, InitialDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second, Multiplier: 2, JitterFactor: 0.1, RetryIf: retryableBrokerErr}
	return retry.Do(ctx, func() error { return e.broker.Cancel(ctx, acct, orderID) }, cfg)
}

func retryableBrokerErr(err error) bool {
	return broker.IsKind(err, broker.KindTransient) || broker.IsKind(err, broker.KindRateLimited)
}

// findPosition returns the broker position whose symbol resolves to root,
// if any.
func (e *Engine) findPosition(positions []broker.Position, root string) (broker.Position, bool) {
	for _, p := range positions {
		pr, err := e.registry.RootOf(p.Symbol)
		if err == nil && pr == root && !p.Qty.IsZero() {
			return p, true
		}
	}
	return broker.Position{}, false
}

// FlattenAccount cancels every working order and market-closes every open
// position on accountID, across all symbols — the C10 max-loss breach
// reaction (spec.md §4.12). It does not consult the Position Mirror or
// acquire the per-(account,symbol) lock up front since it must act on
// every symbol at once; each symbol's close still serializes through the
// keyed mutex so it can never race a concurrently running task.
func (e *Engine) FlattenAccount(ctx context.Context, accountID int64) error {
	acct := broker.RefFor(accountID)

	orders, err := e.listOrdersRetrying(ctx, acct, broker.OrderFilter{})
	if err != nil {
		return err
	}
	for _, o := range orders {
		if o.Status != models.OrderWorking && o.Status != models.OrderAccepted {
			continue
		}
		if err := e.cancelRetrying(ctx, acct, o.BrokerOrderID); err != nil {
			return err
		}
	}

	positions, err := e.listPositionsRetrying(ctx, acct)
	if err != nil {
		return err
	}
	for _, p := range positions {
		if p.Qty.IsZero() {
			continue
		}
		root, err := e.registry.RootOf(p.Symbol)
		if err != nil {
			e.log.Warn("flatten: unknown symbol, closing anyway", utils.Symbol(p.Symbol), utils.Err(err))
			root = p.Symbol
		}
		unlock := e.locks.Lock(fmt.Sprintf("%d|%s", accountID, root))
		closeSide := p.Side.Opposite()
		_, err = e.broker.PlaceMarket(ctx, acct, closeSide, p.Qty, p.Symbol, "")
		unlock()
		if err != nil {
			return err
		}
	}
	// Position Mirror entries are keyed by (strategy_id, symbol_root), not by
	// account, so this leaves local state to the next reconciliation sweep
	// (C13), which aligns every strategy's mirror against broker truth and
	// will observe these positions are now flat.
	return nil
}

// findWorkingTPs returns every working/accepted TP order on this account
// whose symbol resolves to root, matched against the position's side —
// the account-scoped, broker-sourced enumeration spec.md §4.7 requires
// (never DB-sourced). A TP leg is always placed on the opposite side of
// the position (a long's TPs are sell-limits), so it's matched here by
// side.Opposite(), not side.
func (e *Engine) findWorkingTPs(orders []broker.Order, root string, side models.Side) []broker.Order {
	var out []broker.Order
	for _, o := range orders {
		if o.Kind != models.OrderTPLimit {
			continue
		}
		if o.Status != models.OrderWorking && o.Status != models.OrderAccepted {
			continue
		}
		or, err := e.registry.RootOf(o.Symbol)
		if err != nil || or != root {
			continue
		}
		if o.Side != side.Opposite() {
			continue
		}
		out = append(out, o)
	}
	return out
}
