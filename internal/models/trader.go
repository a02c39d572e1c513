package models

import "github.com/shopspring/decimal"

// Trader is the Account Link (spec.md §3): a strategy bound to a broker
// account, with per-account overrides. A nil override field means
// "inherit from Strategy" — this is the Option<T> wrapper the spec's
// truthy-zero hazard note requires; never collapse it to a zero value.
type Trader struct {
	ID             int64
	StrategyID     int64
	BrokerAccountID int64
	Multiplier     decimal.Decimal
	Enabled        bool
	IsLeader       bool
	FollowerOf     *int64

	OverrideInitialQty *decimal.Decimal
	OverrideDCAQty     *decimal.Decimal
	OverrideDCAEnabled *bool
	OverrideTPTargets  []TPTarget
	OverrideStopLoss   *StopLoss
	OverrideBreakEven  *BreakEven
	OverrideFilters    *FilterSet
}

// EffectiveSettings overlays the trader's overrides onto the strategy
// defaults. NULL overrides fall through to the strategy; the result is a
// fully resolved Strategy the execution engine can use directly — NULL
// never reaches the engine, per spec.md §3's Account Link invariant.
func (t *Trader) EffectiveSettings(s *Strategy) Strategy {
	eff := *s
	if t.OverrideInitialQty != nil {
		eff.InitialQty = *t.OverrideInitialQty
	}
	if t.OverrideDCAQty != nil {
		eff.DCAQty = *t.OverrideDCAQty
	}
	if t.OverrideDCAEnabled != nil {
		eff.DCAEnabled = *t.OverrideDCAEnabled
	}
	if t.OverrideTPTargets != nil {
		eff.TPTargets = t.OverrideTPTargets
	}
	if t.OverrideStopLoss != nil {
		eff.StopLoss = *t.OverrideStopLoss
	}
	if t.OverrideBreakEven != nil {
		eff.BreakEven = *t.OverrideBreakEven
	}
	if t.OverrideFilters != nil {
		eff.Filters = *t.OverrideFilters
	}
	return eff
}

// Valid enforces the Account Link invariant: multiplier>0 when enabled.
func (t *Trader) Valid() bool {
	if !t.Enabled {
		return true
	}
	return t.Multiplier.IsPositive()
}
