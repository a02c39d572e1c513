package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DistanceUnit is the unit a TP/SL distance is expressed in.
type DistanceUnit string

const (
	UnitTicks   DistanceUnit = "ticks"
	UnitPoints  DistanceUnit = "points"
	UnitPercent DistanceUnit = "percent"
)

// TrimUnit is the unit a TP leg's size is expressed in.
type TrimUnit string

const (
	TrimPercent   TrimUnit = "percent"
	TrimContracts TrimUnit = "contracts"
)

// TPTarget is one take-profit leg: how far from entry, and how much to trim.
// DistanceUnit and TrimUnit are independent fields on purpose — see
// DESIGN.md's Open Question decision on tp_units vs trim_unit.
type TPTarget struct {
	Distance     decimal.Decimal
	DistanceUnit DistanceUnit
	Trim         decimal.Decimal
	TrimUnit     TrimUnit
}

type SLKind string

const (
	SLFixed    SLKind = "fixed"
	SLTrailing SLKind = "trailing"
)

type StopLoss struct {
	Enabled       bool
	Distance      decimal.Decimal
	Unit          DistanceUnit
	Kind          SLKind
	TrailTrigger  decimal.Decimal
	TrailFrequency time.Duration
}

type BreakEven struct {
	Enabled bool
	Ticks   decimal.Decimal
	Offset  decimal.Decimal
}

// FilterSet gates which incoming signals a strategy accepts.
type FilterSet struct {
	Cooldown        time.Duration
	SessionCap      int
	DailyLossCap    decimal.Decimal
	ContractCap     int
	TimeWindows     []TimeWindow
	EveryNth        int
}

type TimeWindow struct {
	StartMinuteOfDay int
	EndMinuteOfDay   int
}

// Strategy is the C4/C5 configuration parent (spec.md §3).
type Strategy struct {
	ID            int64
	OwnerID       int64
	Name          string
	WebhookToken  string
	SymbolRoot    string
	InitialQty    decimal.Decimal
	DCAQty        decimal.Decimal
	DCAEnabled    bool
	TPTargets     []TPTarget
	StopLoss      StopLoss
	BreakEven     BreakEven
	Filters       FilterSet
	AutoFlatMinuteOfDay *int // nil disables auto-flat; spec.md §4.9 step 2
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasInitialQty resolves spec.md §4.7's truthy-zero hazard: InitialQty==0
// is the user's deliberate choice of "always use whatever the webhook
// supplied", indistinguishable on the wire from "never configured" — both
// cases resolve the same way, to the webhook quantity. Callers must test
// this explicit predicate, never InitialQty.IsZero(), so a positive
// override is never mistaken for absence.
func (s *Strategy) HasInitialQty() bool {
	return s.InitialQty.IsPositive()
}

// HasDCAQty mirrors HasInitialQty's truthy-zero resolution for the DCA-add
// path: a configured, positive DCAQty overrides the webhook-supplied
// quantity; otherwise the webhook quantity is used.
func (s *Strategy) HasDCAQty() bool {
	return s.DCAQty.IsPositive()
}
