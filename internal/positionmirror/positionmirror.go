// Package positionmirror is the Position Mirror (C4, spec.md §4.3): an
// in-memory index of open positions keyed by (strategy_id, symbol_root),
// rebuilt from the repository on startup and kept current by price
// updates and fills, mirroring the teacher's engine.go pairsBySymbol
// sync.Map shape but with per-entity locking instead of a global mutex.
package positionmirror

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"futuresbridge/internal/instrument"
	"futuresbridge/internal/models"
	"futuresbridge/internal/repository"
)

func key(strategyID int64, symbolRoot string) string {
	return fmt.Sprintf("%d:%s", strategyID, symbolRoot)
}

// Mirror holds at most one open Position per (strategy, symbol_root),
// guarded by a per-key lock so unrelated positions never contend.
type Mirror struct {
	repo     *repository.PositionRepository
	registry *instrument.Registry

	mu        sync.RWMutex
	locks     map[string]*sync.Mutex
	positions map[string]*models.Position
}

func New(repo *repository.PositionRepository, registry *instrument.Registry) *Mirror {
	return &Mirror{
		repo:      repo,
		registry:  registry,
		locks:     make(map[string]*sync.Mutex),
		positions: make(map[string]*models.Position),
	}
}

// Load rebuilds the mirror from the repository's open positions — called
// once at startup before any listener is registered.
func (m *Mirror) Load(ctx context.Context) error {
	open, err := m.repo.ListOpen(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range open {
		m.positions[key(p.StrategyID, p.SymbolRoot)] = p
	}
	return nil
}

func (m *Mirror) lockFor(k string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[k]
	if !ok {
		l = &sync.Mutex{}
		m.locks[k] = l
	}
	return l
}

// Get returns the currently open position for (strategyID, symbolRoot), if
// any.
func (m *Mirror) Get(strategyID int64, symbolRoot string) (*models.Position, bool) {
	k := key(strategyID, symbolRoot)
	l := m.lockFor(k)
	l.Lock()
	defer l.Unlock()
	m.mu.RLock()
	p, ok := m.positions[k]
	m.mu.RUnlock()
	return p, ok
}

// ByStrategy returns every currently open position for strategyID, across
// all symbol roots — the operator surface's read of a strategy's live
// book (SPEC_FULL.md's OPERATOR SURFACE). Snapshot only: callers must not
// mutate the returned positions.
func (m *Mirror) ByStrategy(strategyID int64) []*models.Position {
	prefix := fmt.Sprintf("%d:", strategyID)
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Position, 0, len(m.positions))
	for k, p := range m.positions {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, p)
		}
	}
	return out
}

// Open creates a new open Position, persists it, and installs it in the
// mirror. Caller must have already confirmed no open position exists for
// the same key (the execution engine's per-(account,symbol) mutex
// guarantees this, per spec.md §5).
func (m *Mirror) Open(ctx context.Context, p *models.Position) error {
	k := key(p.StrategyID, p.SymbolRoot)
	l := m.lockFor(k)
	l.Lock()
	defer l.Unlock()

	id, err := m.repo.Insert(ctx, p)
	if err != nil {
		return err
	}
	p.ID = id
	m.mu.Lock()
	m.positions[k] = p
	m.mu.Unlock()
	return nil
}

// AddEntry appends a DCA fill to the open position and persists it.
func (m *Mirror) AddEntry(ctx context.Context, strategyID int64, symbolRoot string, price, qty decimal.Decimal, now time.Time) error {
	k := key(strategyID, symbolRoot)
	l := m.lockFor(k)
	l.Lock()
	defer l.Unlock()

	m.mu.RLock()
	p, ok := m.positions[k]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("positionmirror: no open position for %s", k)
	}
	p.AddEntry(price, qty, now)
	return m.repo.Upsert(ctx, p)
}

// ApplyPriceUpdate updates the open position's unrealized excursion and
// persists only when the worst/best moved, per spec.md §4.3's
// coalesced-write contract.
func (m *Mirror) ApplyPriceUpdate(ctx context.Context, strategyID int64, symbolRoot string, price decimal.Decimal) error {
	k := key(strategyID, symbolRoot)
	l := m.lockFor(k)
	l.Lock()
	defer l.Unlock()

	m.mu.RLock()
	p, ok := m.positions[k]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	tickSize, err := m.registry.TickSize(symbolRoot)
	if err != nil {
		return err
	}
	tickValue, err := m.registry.TickValue(symbolRoot)
	if err != nil {
		return err
	}
	if p.ApplyPriceUpdate(price, tickValue, tickSize) {
		return m.repo.Upsert(ctx, p)
	}
	return nil
}

// Align overwrites qty/avg-entry/side against broker-reported truth without
// treating the write as a fill — the reconciliation loop's (C13, spec.md
// §4.9 step 1) correction path for a mirror that drifted from the broker.
// If no local position exists yet, one is opened from broker truth.
func (m *Mirror) Align(ctx context.Context, strategyID, accountID int64, symbol, symbolRoot string, side models.Side, qty, avgEntry decimal.Decimal, now time.Time) error {
	k := key(strategyID, symbolRoot)
	l := m.lockFor(k)
	l.Lock()
	defer l.Unlock()

	m.mu.RLock()
	p, ok := m.positions[k]
	m.mu.RUnlock()

	if !ok {
		p = &models.Position{
			StrategyID: strategyID,
			AccountID:  accountID,
			Symbol:     symbol,
			SymbolRoot: symbolRoot,
			Side:       side,
			Status:     models.PositionOpen,
			OpenedAt:   now,
		}
		p.AddEntry(avgEntry, qty, now)
		id, err := m.repo.Insert(ctx, p)
		if err != nil {
			return err
		}
		p.ID = id
		m.mu.Lock()
		m.positions[k] = p
		m.mu.Unlock()
		return nil
	}

	p.Side = side
	p.TotalQty = qty
	p.AvgEntry = avgEntry
	return m.repo.Upsert(ctx, p)
}

// ReduceQty shrinks the open position's TotalQty by qty without realizing
// PnL or closing it — the copy-trade trim path's mirror update (spec.md
// §4.11). A no-op if no local position is open.
func (m *Mirror) ReduceQty(ctx context.Context, strategyID int64, symbolRoot string, qty decimal.Decimal) error {
	k := key(strategyID, symbolRoot)
	l := m.lockFor(k)
	l.Lock()
	defer l.Unlock()

	m.mu.RLock()
	p, ok := m.positions[k]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	p.ReduceQty(qty)
	return m.repo.Upsert(ctx, p)
}

// Close realizes PnL against exitPrice, persists, and removes the position
// from the open set.
func (m *Mirror) Close(ctx context.Context, strategyID int64, symbolRoot string, exitPrice decimal.Decimal, now time.Time) error {
	k := key(strategyID, symbolRoot)
	l := m.lockFor(k)
	l.Lock()
	defer l.Unlock()

	m.mu.RLock()
	p, ok := m.positions[k]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	tickSize, err := m.registry.TickSize(symbolRoot)
	if err != nil {
		return err
	}
	tickValue, err := m.registry.TickValue(symbolRoot)
	if err != nil {
		return err
	}
	p.Close(exitPrice, tickValue, tickSize, now)
	if err := m.repo.Upsert(ctx, p); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.positions, k)
	m.mu.Unlock()
	return nil
}
