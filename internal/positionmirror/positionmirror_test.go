package positionmirror

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"

	"futuresbridge/internal/instrument"
	"futuresbridge/internal/models"
	"futuresbridge/internal/repository"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var testRegistry = instrument.NewRegistry([]instrument.Spec{
	{Root: "MNQ", TickSize: dec("0.25"), TickValue: dec("5")},
})

func newTestMirror(t *testing.T) (*Mirror, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	repo := repository.NewPositionRepository(db)
	return New(repo, testRegistry), mock, func() { db.Close() }
}

func TestMirrorGetMissing(t *testing.T) {
	m, _, closeFn := newTestMirror(t)
	defer closeFn()
	if _, ok := m.Get(1, "MNQ"); ok {
		t.Fatalf("expected no position for an empty mirror")
	}
}

// TestMirrorOpenAndGet checks that Open persists the row (assigning the
// RETURNING id) and installs it under (strategy_id, symbol_root).
func TestMirrorOpenAndGet(t *testing.T) {
	m, mock, closeFn := newTestMirror(t)
	defer closeFn()

	mock.ExpectQuery(`INSERT INTO positions`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

	p := &models.Position{StrategyID: 1, SymbolRoot: "MNQ", Side: models.SideLong}
	p.AddEntry(dec("21500"), dec("2"), time.Now())

	if err := m.Open(context.Background(), p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID != 42 {
		t.Fatalf("position id = %d, want 42", p.ID)
	}

	got, ok := m.Get(1, "MNQ")
	if !ok {
		t.Fatalf("expected position to be present after Open")
	}
	if got.ID != 42 {
		t.Fatalf("got id = %d, want 42", got.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

// TestMirrorAddEntryMissingPosition checks the error contract when no
// position is open for the key.
func TestMirrorAddEntryMissingPosition(t *testing.T) {
	m, _, closeFn := newTestMirror(t)
	defer closeFn()

	if err := m.AddEntry(context.Background(), 1, "MNQ", dec("21500"), dec("1"), time.Now()); err == nil {
		t.Fatalf("expected error adding an entry with no open position")
	}
}

// TestMirrorAddEntryAggregates pre-seeds a position via Load and checks
// that AddEntry blends the average and upserts.
func TestMirrorAddEntryAggregates(t *testing.T) {
	m, mock, closeFn := newTestMirror(t)
	defer closeFn()

	now := time.Now()
	m.mu.Lock()
	p := &models.Position{ID: 1, StrategyID: 1, SymbolRoot: "MNQ", Side: models.SideLong}
	p.AddEntry(dec("21500"), dec("2"), now)
	m.positions[key(1, "MNQ")] = p
	m.mu.Unlock()

	mock.ExpectExec(`INSERT INTO positions`).WillReturnResult(sqlmock.NewResult(0, 1))

	if err := m.AddEntry(context.Background(), 1, "MNQ", dec("21490"), dec("2"), now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := m.Get(1, "MNQ")
	if !got.TotalQty.Equal(dec("4")) {
		t.Fatalf("total qty = %s, want 4", got.TotalQty)
	}
	if !got.AvgEntry.Equal(dec("21495")) {
		t.Fatalf("avg entry = %s, want 21495", got.AvgEntry)
	}
}

// TestMirrorApplyPriceUpdateCoalescesWrites checks that an interior price
// tick (one that moves neither the worst nor best excursion) skips the
// persistence round-trip entirely, per spec.md §4.3's coalesced-write
// contract.
func TestMirrorApplyPriceUpdateCoalescesWrites(t *testing.T) {
	m, mock, closeFn := newTestMirror(t)
	defer closeFn()

	now := time.Now()
	m.mu.Lock()
	p := &models.Position{ID: 1, StrategyID: 1, SymbolRoot: "MNQ", Side: models.SideLong}
	p.AddEntry(dec("21500"), dec("1"), now)
	m.positions[key(1, "MNQ")] = p
	m.mu.Unlock()

	mock.ExpectExec(`INSERT INTO positions`).WillReturnResult(sqlmock.NewResult(0, 1))
	if err := m.ApplyPriceUpdate(context.Background(), 1, "MNQ", dec("21510")); err != nil {
		t.Fatalf("unexpected error on favorable move: %v", err)
	}

	// An interior tick must not issue a second upsert — no expectation is
	// queued for it, so sqlmock fails the test if one is attempted.
	if err := m.ApplyPriceUpdate(context.Background(), 1, "MNQ", dec("21505")); err != nil {
		t.Fatalf("unexpected error on interior move: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet or unexpected expectations: %v", err)
	}
}

// TestMirrorAlignOpensFromBrokerTruthWhenMissing checks Align's
// "no local position" branch opens one from broker-reported state.
func TestMirrorAlignOpensFromBrokerTruthWhenMissing(t *testing.T) {
	m, mock, closeFn := newTestMirror(t)
	defer closeFn()

	mock.ExpectQuery(`INSERT INTO positions`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(9))

	err := m.Align(context.Background(), 1, 100, "MNQZ5", "MNQ", models.SideLong, dec("3"), dec("21500"), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, ok := m.Get(1, "MNQ")
	if !ok {
		t.Fatalf("expected Align to open a mirror position from broker truth")
	}
	if !got.TotalQty.Equal(dec("3")) || !got.AvgEntry.Equal(dec("21500")) {
		t.Fatalf("aligned position = (%s,%s), want (3,21500)", got.TotalQty, got.AvgEntry)
	}
}

// TestMirrorAlignOverwritesExisting checks Align's broker-is-truth
// overwrite branch when a mirror position already exists but disagrees.
func TestMirrorAlignOverwritesExisting(t *testing.T) {
	m, mock, closeFn := newTestMirror(t)
	defer closeFn()

	now := time.Now()
	m.mu.Lock()
	p := &models.Position{ID: 1, StrategyID: 1, SymbolRoot: "MNQ", Side: models.SideLong}
	p.AddEntry(dec("21500"), dec("2"), now)
	m.positions[key(1, "MNQ")] = p
	m.mu.Unlock()

	mock.ExpectExec(`INSERT INTO positions`).WillReturnResult(sqlmock.NewResult(0, 1))

	if err := m.Align(context.Background(), 1, 100, "MNQZ5", "MNQ", models.SideLong, dec("5"), dec("21480"), now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := m.Get(1, "MNQ")
	if !got.TotalQty.Equal(dec("5")) || !got.AvgEntry.Equal(dec("21480")) {
		t.Fatalf("aligned position = (%s,%s), want (5,21480)", got.TotalQty, got.AvgEntry)
	}
}

// TestMirrorReduceQtyNoop checks ReduceQty is a no-op when nothing is open.
func TestMirrorReduceQtyNoop(t *testing.T) {
	m, _, closeFn := newTestMirror(t)
	defer closeFn()
	if err := m.ReduceQty(context.Background(), 1, "MNQ", dec("1")); err != nil {
		t.Fatalf("unexpected error reducing a missing position: %v", err)
	}
}

// TestMirrorCloseRemovesFromIndex checks Close realizes PnL, persists, and
// deletes the key so a subsequent Get reports absent.
func TestMirrorCloseRemovesFromIndex(t *testing.T) {
	m, mock, closeFn := newTestMirror(t)
	defer closeFn()

	now := time.Now()
	m.mu.Lock()
	p := &models.Position{ID: 1, StrategyID: 1, SymbolRoot: "MNQ", Side: models.SideLong}
	p.AddEntry(dec("21500"), dec("1"), now)
	m.positions[key(1, "MNQ")] = p
	m.mu.Unlock()

	mock.ExpectExec(`INSERT INTO positions`).WillReturnResult(sqlmock.NewResult(0, 1))

	if err := m.Close(context.Background(), 1, "MNQ", dec("21505"), now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := m.Get(1, "MNQ"); ok {
		t.Fatalf("expected position removed from the mirror after Close")
	}
}

func TestMirrorByStrategyFiltersByPrefix(t *testing.T) {
	m, _, closeFn := newTestMirror(t)
	defer closeFn()

	m.mu.Lock()
	m.positions[key(1, "MNQ")] = &models.Position{StrategyID: 1, SymbolRoot: "MNQ"}
	m.positions[key(2, "MNQ")] = &models.Position{StrategyID: 2, SymbolRoot: "MNQ"}
	m.mu.Unlock()

	out := m.ByStrategy(1)
	if len(out) != 1 || out[0].StrategyID != 1 {
		t.Fatalf("ByStrategy(1) returned %d positions, want 1 for strategy 1", len(out))
	}
}
