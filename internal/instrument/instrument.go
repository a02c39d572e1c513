// Package instrument is the Instrument Registry (C2): resolves a raw
// ticker to a canonical symbol root and looks up its tick size/value from
// a static table shipped with the binary. See spec.md §4.1.
package instrument

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrUnknownSymbol is returned when neither a 3-char nor a 2-char root
// match is found for a ticker's alphabetic prefix.
var ErrUnknownSymbol = errors.New("instrument: unknown symbol")

// contractMonths are the single-letter month codes a futures ticker's
// contract suffix is built from (spec.md §4.1).
var contractMonths = map[byte]bool{
	'H': true, 'J': true, 'K': true, 'M': true,
	'N': true, 'Q': true, 'U': true, 'V': true,
	'X': true, 'Z': true,
}

// Spec holds the trading constants for one symbol root.
type Spec struct {
	Root      string
	TickSize  decimal.Decimal
	TickValue decimal.Decimal
}

// Registry is the static root table. Zero value has no entries; use
// DefaultRegistry for the shipped table.
type Registry struct {
	roots map[string]Spec
}

// NewRegistry builds a registry from an explicit spec list, for tests or
// alternate instrument sets.
func NewRegistry(specs []Spec) *Registry {
	r := &Registry{roots: make(map[string]Spec, len(specs))}
	for _, s := range specs {
		r.roots[s.Root] = s
	}
	return r
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic("instrument: bad static constant " + s)
	}
	return d
}

// DefaultRegistry ships common CME/CBOT/COMEX/NYMEX futures roots. This is
// not an exhaustive market-data feed; it is the static constant table
// spec.md §4.1 calls for ("no default fallback; a missing root is a hard
// error").
var DefaultRegistry = NewRegistry([]Spec{
	{Root: "GC", TickSize: dec("0.10"), TickValue: dec("10")},
	{Root: "MGC", TickSize: dec("0.10"), TickValue: dec("1")},
	{Root: "SI", TickSize: dec("0.005"), TickValue: dec("25")},
	{Root: "CL", TickSize: dec("0.01"), TickValue: dec("10")},
	{Root: "MCL", TickSize: dec("0.01"), TickValue: dec("1")},
	{Root: "ZB", TickSize: dec("0.03125"), TickValue: dec("31.25")},
	{Root: "NQ", TickSize: dec("0.25"), TickValue: dec("5")},
	{Root: "MNQ", TickSize: dec("0.25"), TickValue: dec("0.5")},
	{Root: "ES", TickSize: dec("0.25"), TickValue: dec("12.5")},
	{Root: "MES", TickSize: dec("0.25"), TickValue: dec("1.25")},
	{Root: "YM", TickSize: dec("1"), TickValue: dec("5")},
	{Root: "MYM", TickSize: dec("1"), TickValue: dec("0.5")},
	{Root: "RTY", TickSize: dec("0.10"), TickValue: dec("5")},
	{Root: "M2K", TickSize: dec("0.10"), TickValue: dec("0.5")},
})

// alphaPrefix returns the leading alphabetic run of ticker, uppercased.
func alphaPrefix(ticker string) string {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	i := 0
	for i < len(ticker) {
		c := ticker[i]
		if c < 'A' || c > 'Z' {
			break
		}
		i++
	}
	return ticker[:i]
}

// RootOf resolves a raw ticker (e.g. GCJ6, MNQZ5, MNQ1!) to its canonical
// root. It tries a 3-character match first, then 2-character, so that
// two-letter roots (GC, CL, SI, ZB, ...) don't swallow a trailing month
// letter and resolve to the wrong tick size. See spec.md §4.1.
func (r *Registry) RootOf(ticker string) (string, error) {
	prefix := alphaPrefix(ticker)
	if len(prefix) >= 3 {
		if _, ok := r.roots[prefix[:3]]; ok {
			return prefix[:3], nil
		}
	}
	if len(prefix) >= 2 {
		if _, ok := r.roots[prefix[:2]]; ok {
			return prefix[:2], nil
		}
	}
	return "", ErrUnknownSymbol
}

func (r *Registry) spec(root string) (Spec, error) {
	s, ok := r.roots[root]
	if !ok {
		return Spec{}, ErrUnknownSymbol
	}
	return s, nil
}

// TickSize looks up the tick size for a root. No fallback: a missing root
// is a hard error.
func (r *Registry) TickSize(root string) (decimal.Decimal, error) {
	s, err := r.spec(root)
	if err != nil {
		return decimal.Zero, err
	}
	return s.TickSize, nil
}

// TickValue looks up the tick value for a root.
func (r *Registry) TickValue(root string) (decimal.Decimal, error) {
	s, err := r.spec(root)
	if err != nil {
		return decimal.Zero, err
	}
	return s.TickValue, nil
}

// RoundToTick implements spec.md §4.1's double-round: round(round(price/
// tick)*tick, 10). The double round collapses floating residues from
// weighted-average arithmetic that would otherwise trip broker increment
// validation; every price sent over the wire MUST pass through this.
func (r *Registry) RoundToTick(price decimal.Decimal, root string) (decimal.Decimal, error) {
	tick, err := r.TickSize(root)
	if err != nil {
		return decimal.Zero, err
	}
	if tick.IsZero() {
		return decimal.Zero, errors.New("instrument: zero tick size for root " + root)
	}
	steps := price.DivRound(tick, 0)
	return steps.Mul(tick).Round(10), nil
}
