// Package orderbuild resolves strategy-level TP/SL configuration into
// wire-ready broker order shapes: tick-rounded prices and integer leg
// quantities. Shared by the execution engine (C12) and the reconciliation
// loop (C13, spec.md §4.9 step 3) so missing-TP repair sizes legs exactly
// the way a fresh bracket entry would.
package orderbuild

import (
	"github.com/shopspring/decimal"

	"futuresbridge/internal/broker"
	"futuresbridge/internal/instrument"
	"futuresbridge/internal/models"
)

// ConvertDistance resolves a TP/SL distance expressed in ticks, points, or
// percent into an absolute price delta, per spec.md §4.1/§4.4.
func ConvertDistance(distance decimal.Decimal, unit models.DistanceUnit, tickSize, entry decimal.Decimal) decimal.Decimal {
	switch unit {
	case models.UnitTicks:
		return distance.Mul(tickSize)
	case models.UnitPercent:
		return entry.Mul(distance).Div(decimal.NewFromInt(100))
	default: // points: already expressed in price units
		return distance
	}
}

// BuildTPLegs implements spec.md §4.7's leg sizing: percent-of-total or
// contracts-times-multiplier, the last leg absorbing whatever quantity
// remains so legs always sum to exactly totalQty.
func BuildTPLegs(targets []models.TPTarget, totalQty, multiplier, entry decimal.Decimal, side models.Side, root string, registry *instrument.Registry, tickSize decimal.Decimal) ([]broker.TPLeg, error) {
	legs := make([]broker.TPLeg, 0, len(targets))
	remaining := totalQty
	one := decimal.NewFromInt(1)

	for i, target := range targets {
		last := i == len(targets)-1
		var qty decimal.Decimal
		if last {
			qty = remaining
		} else {
			switch target.TrimUnit {
			case models.TrimPercent:
				qty = totalQty.Mul(target.Trim).Div(decimal.NewFromInt(100)).Round(0)
				if qty.LessThan(one) {
					qty = one
				}
			default: // contracts
				qty = target.Trim.Mul(multiplier).Round(0)
				if qty.LessThan(one) {
					qty = one
				}
				if qty.GreaterThan(remaining) {
					qty = remaining
				}
			}
		}
		remaining = remaining.Sub(qty)

		delta := ConvertDistance(target.Distance, target.DistanceUnit, tickSize, entry)
		var price decimal.Decimal
		if side == models.SideLong {
			price = entry.Add(delta)
		} else {
			price = entry.Sub(delta)
		}
		rounded, err := registry.RoundToTick(price, root)
		if err != nil {
			return nil, err
		}
		legs = append(legs, broker.TPLeg{Price: rounded, Qty: qty})
	}
	return legs, nil
}

// BuildSL resolves a configured StopLoss into a wire-ready
// broker.StopLossOrder. Trailing stops carry a trigger distance, never an
// absolute price; fixed stops carry a tick-rounded absolute price.
func BuildSL(sl models.StopLoss, entry decimal.Decimal, side models.Side, root string, registry *instrument.Registry, tickSize decimal.Decimal) (*broker.StopLossOrder, error) {
	delta := ConvertDistance(sl.Distance, sl.Unit, tickSize, entry)
	out := &broker.StopLossOrder{Kind: sl.Kind}
	if sl.Kind == models.SLTrailing {
		out.TriggerDistance = delta
		out.Frequency = int64(sl.TrailFrequency)
		return out, nil
	}
	var price decimal.Decimal
	if side == models.SideLong {
		price = entry.Sub(delta)
	} else {
		price = entry.Add(delta)
	}
	rounded, err := registry.RoundToTick(price, root)
	if err != nil {
		return nil, err
	}
	out.Price = rounded
	return out, nil
}
