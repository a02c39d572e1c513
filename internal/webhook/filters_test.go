package webhook

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"

	"futuresbridge/internal/models"
	"futuresbridge/internal/repository"
)

// fakeClock is a fixed-time clockid.Clock for deterministic filter tests.
type fakeClock struct{ now time.Time }

func (f fakeClock) Now() time.Time                  { return f.now }
func (f fakeClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (f fakeClock) Sleep(d time.Duration)            {}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestTimeWindowFilterNoWindowsPasses(t *testing.T) {
	if r := timeWindowFilter(models.FilterSet{}, time.Now()); !r.pass {
		t.Fatalf("expected pass with no configured windows")
	}
}

func TestTimeWindowFilterInsideWindow(t *testing.T) {
	filters := models.FilterSet{TimeWindows: []models.TimeWindow{{StartMinuteOfDay: 9 * 60, EndMinuteOfDay: 17 * 60}}}
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	if r := timeWindowFilter(filters, now); !r.pass {
		t.Fatalf("expected pass inside window, got reason %q", r.reason)
	}
}

func TestTimeWindowFilterOutsideWindow(t *testing.T) {
	filters := models.FilterSet{TimeWindows: []models.TimeWindow{{StartMinuteOfDay: 9 * 60, EndMinuteOfDay: 17 * 60}}}
	now := time.Date(2026, 7, 31, 20, 0, 0, 0, time.UTC)
	r := timeWindowFilter(filters, now)
	if r.pass {
		t.Fatalf("expected fail outside window")
	}
	if r.reason != "outside_time_window" {
		t.Fatalf("reason = %q, want outside_time_window", r.reason)
	}
}

func TestCooldownFilterFirstSignalPasses(t *testing.T) {
	filters := models.FilterSet{Cooldown: time.Minute}
	c := &strategyCounters{}
	if r := cooldownFilter(filters, c, time.Now()); !r.pass {
		t.Fatalf("expected pass on first signal with zero lastAcceptedAt")
	}
}

func TestCooldownFilterRejectsWithinWindow(t *testing.T) {
	filters := models.FilterSet{Cooldown: time.Minute}
	now := time.Now()
	c := &strategyCounters{lastAcceptedAt: now}
	if r := cooldownFilter(filters, c, now.Add(30*time.Second)); r.pass {
		t.Fatalf("expected fail within cooldown window")
	}
	if r := cooldownFilter(filters, c, now.Add(61*time.Second)); !r.pass {
		t.Fatalf("expected pass once cooldown has elapsed")
	}
}

func TestSessionCapFilter(t *testing.T) {
	filters := models.FilterSet{SessionCap: 2}
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	c := &strategyCounters{sessionDay: now.YearDay(), sessionCount: 2}
	if r := sessionCapFilter(filters, c, now); r.pass {
		t.Fatalf("expected fail at session cap")
	}

	// A new day resets the count even though sessionCount is still stale.
	tomorrow := now.AddDate(0, 0, 1)
	if r := sessionCapFilter(filters, c, tomorrow); !r.pass {
		t.Fatalf("expected pass on a new session day")
	}
}

func TestContractCapFilter(t *testing.T) {
	filters := models.FilterSet{ContractCap: 5}
	qty := dec("6")
	if r := contractCapFilter(filters, &qty); r.pass {
		t.Fatalf("expected fail over contract cap")
	}
	ok := dec("5")
	if r := contractCapFilter(filters, &ok); !r.pass {
		t.Fatalf("expected pass at exactly the cap")
	}
	if r := contractCapFilter(filters, nil); !r.pass {
		t.Fatalf("expected pass when qty is nil (close action carries no size)")
	}
}

func TestEveryNthFilter(t *testing.T) {
	filters := models.FilterSet{EveryNth: 3}
	c := &strategyCounters{}
	got := []bool{}
	for i := 0; i < 6; i++ {
		got = append(got, everyNthFilter(filters, c).pass)
	}
	want := []bool{false, false, true, false, false, true}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("signal %d: pass = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestEveryNthFilterDisabled(t *testing.T) {
	filters := models.FilterSet{EveryNth: 1}
	c := &strategyCounters{}
	if r := everyNthFilter(filters, c); !r.pass {
		t.Fatalf("expected pass when every_nth is 1 (disabled)")
	}
}

// TestDailyLossCapFilter exercises the repository-backed filter against
// the exact SQL SumRealizedPnLSince issues, grounded in the teacher's
// sqlmock-based repository test style.
func TestDailyLossCapFilter(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	repo := repository.NewPositionRepository(db)
	fc := newFilterChain(repo, fakeClock{now: time.Date(2026, 7, 31, 15, 0, 0, 0, time.UTC)})

	filters := models.FilterSet{DailyLossCap: dec("500")}

	mock.ExpectQuery(`SELECT COALESCE\(SUM\(realized_pnl\), 0\) FROM positions`).
		WithArgs(int64(7), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("-500"))

	r, err := fc.dailyLossCapFilter(context.Background(), filters, 7, fc.clock.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.pass {
		t.Fatalf("expected fail at daily loss cap")
	}
	if r.reason != "daily_loss_cap" {
		t.Fatalf("reason = %q, want daily_loss_cap", r.reason)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDailyLossCapFilterUnderCapPasses(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	repo := repository.NewPositionRepository(db)
	fc := newFilterChain(repo, fakeClock{now: time.Date(2026, 7, 31, 15, 0, 0, 0, time.UTC)})
	filters := models.FilterSet{DailyLossCap: dec("500")}

	mock.ExpectQuery(`SELECT COALESCE\(SUM\(realized_pnl\), 0\) FROM positions`).
		WithArgs(int64(7), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("-200"))

	r, err := fc.dailyLossCapFilter(context.Background(), filters, 7, fc.clock.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.pass {
		t.Fatalf("expected pass when realized loss is under the cap")
	}
}

func TestDailyLossCapFilterDisabledSkipsQuery(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	repo := repository.NewPositionRepository(db)
	fc := newFilterChain(repo, fakeClock{now: time.Now()})

	r, err := fc.dailyLossCapFilter(context.Background(), models.FilterSet{}, 7, fc.clock.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.pass {
		t.Fatalf("expected pass when daily_loss_cap is not configured")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("query should not run when cap is unset: %v", err)
	}
}

// TestEvaluateAdvancesCountersOnAccept checks that evaluate() only
// advances cooldown/session/every-Nth state on a passing run.
func TestEvaluateAdvancesCountersOnAccept(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	repo := repository.NewPositionRepository(db)
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	fc := newFilterChain(repo, fakeClock{now: now})

	strategy := &models.Strategy{ID: 1, Filters: models.FilterSet{SessionCap: 10}}
	qty := dec("1")

	r, err := fc.evaluate(context.Background(), strategy, models.ActionBuy, &qty)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.pass {
		t.Fatalf("expected pass, got reason %q", r.reason)
	}

	c := fc.countersFor(1)
	if c.sessionCount != 1 {
		t.Fatalf("session count = %d, want 1 after one accepted signal", c.sessionCount)
	}
	if !c.lastAcceptedAt.Equal(now) {
		t.Fatalf("lastAcceptedAt = %v, want %v", c.lastAcceptedAt, now)
	}
}
