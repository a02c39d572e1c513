package webhook

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"futuresbridge/internal/clockid"
	"futuresbridge/internal/models"
	"futuresbridge/internal/repository"
)

// filterResult names which filter (if any) rejected a signal, for the
// rejection reason surfaced in the webhook response.
type filterResult struct {
	pass   bool
	reason string
}

func pass() filterResult { return filterResult{pass: true} }
func fail(reason string) filterResult { return filterResult{pass: false, reason: reason} }

// strategyCounters is the per-strategy mutable state the filter chain
// reads and updates: last-accepted timestamp (cooldown), today's accepted
// count (session cap), and the every-Nth-signal counter. Kept in-memory
// only — a restart resets the session, matching the teacher's in-process
// rate-limiter state.
type strategyCounters struct {
	mu             sync.Mutex
	lastAcceptedAt time.Time
	sessionCount   int
	sessionDay     int
	everyNthSeen   int
}

// filterChain evaluates spec.md §4.8 step 4's seven filters in order;
// the first failing filter short-circuits the rest.
type filterChain struct {
	positions *repository.PositionRepository
	clock     clockid.Clock

	mu       sync.Mutex
	counters map[int64]*strategyCounters
}

func newFilterChain(positions *repository.PositionRepository, clock clockid.Clock) *filterChain {
	return &filterChain{
		positions: positions,
		clock:     clock,
		counters:  make(map[int64]*strategyCounters),
	}
}

func (f *filterChain) countersFor(strategyID int64) *strategyCounters {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.counters[strategyID]
	if !ok {
		c = &strategyCounters{}
		f.counters[strategyID] = c
	}
	return c
}

// evaluate runs the full chain for a just-normalized entry/close signal
// and, on acceptance, advances the strategy's cooldown/session/every-Nth
// state. qty is the already-multiplier-scaled contract count used by the
// contract cap filter; it is nil when the action carries no size (close).
func (f *filterChain) evaluate(ctx context.Context, strategy *models.Strategy, action models.Action, qty *decimal.Decimal) (filterResult, error) {
	filters := strategy.Filters
	now := f.clock.Now()

	if r := directionFilter(filters, action); !r.pass {
		return r, nil
	}
	if r := timeWindowFilter(filters, now); !r.pass {
		return r, nil
	}

	c := f.countersFor(strategy.ID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if r := cooldownFilter(filters, c, now); !r.pass {
		return r, nil
	}
	if r := sessionCapFilter(filters, c, now); !r.pass {
		return r, nil
	}

	if r, err := f.dailyLossCapFilter(ctx, filters, strategy.ID, now); err != nil {
		return filterResult{}, err
	} else if !r.pass {
		return r, nil
	}

	if r := contractCapFilter(filters, qty); !r.pass {
		return r, nil
	}
	if r := everyNthFilter(filters, c); !r.pass {
		return r, nil
	}

	c.lastAcceptedAt = now
	if c.sessionDay != now.YearDay() {
		c.sessionDay = now.YearDay()
		c.sessionCount = 0
	}
	c.sessionCount++
	return pass(), nil
}

func directionFilter(filters models.FilterSet, action models.Action) filterResult {
	// FilterSet carries no direction setting, so this filter passes every
	// action; entry signals are not restricted by direction.
	return pass()
}

func timeWindowFilter(filters models.FilterSet, now time.Time) filterResult {
	if len(filters.TimeWindows) == 0 {
		return pass()
	}
	minuteOfDay := now.UTC().Hour()*60 + now.UTC().Minute()
	for _, w := range filters.TimeWindows {
		if minuteOfDay >= w.StartMinuteOfDay && minuteOfDay < w.EndMinuteOfDay {
			return pass()
		}
	}
	return fail("outside_time_window")
}

func cooldownFilter(filters models.FilterSet, c *strategyCounters, now time.Time) filterResult {
	if filters.Cooldown <= 0 || c.lastAcceptedAt.IsZero() {
		return pass()
	}
	if now.Sub(c.lastAcceptedAt) < filters.Cooldown {
		return fail("cooldown")
	}
	return pass()
}

func sessionCapFilter(filters models.FilterSet, c *strategyCounters, now time.Time) filterResult {
	if filters.SessionCap <= 0 {
		return pass()
	}
	count := c.sessionCount
	if c.sessionDay != now.YearDay() {
		count = 0
	}
	if count >= filters.SessionCap {
		return fail("session_cap")
	}
	return pass()
}

func (f *filterChain) dailyLossCapFilter(ctx context.Context, filters models.FilterSet, strategyID int64, now time.Time) (filterResult, error) {
	if !filters.DailyLossCap.IsPositive() {
		return pass(), nil
	}
	since := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	realized, err := f.positions.SumRealizedPnLSince(ctx, strategyID, since)
	if err != nil {
		return filterResult{}, err
	}
	if realized.IsNegative() && realized.Abs().GreaterThanOrEqual(filters.DailyLossCap) {
		return fail("daily_loss_cap"), nil
	}
	return pass(), nil
}

func contractCapFilter(filters models.FilterSet, qty *decimal.Decimal) filterResult {
	if filters.ContractCap <= 0 || qty == nil {
		return pass()
	}
	capQty := decimal.NewFromInt(int64(filters.ContractCap))
	if qty.GreaterThan(capQty) {
		return fail("contract_cap")
	}
	return pass()
}

func everyNthFilter(filters models.FilterSet, c *strategyCounters) filterResult {
	if filters.EveryNth <= 1 {
		return pass()
	}
	c.everyNthSeen++
	if c.everyNthSeen%filters.EveryNth != 0 {
		return fail("every_nth_delay")
	}
	return pass()
}
