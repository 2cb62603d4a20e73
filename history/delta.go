package history

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// DeltaPrecision matches the margin/rate semantics of the pricing domain.
const DeltaPrecision = 3

// maxLiteralExponent bounds the decimal exponent of a literal. Aligning two
// literals whose exponents are far apart costs time proportional to the gap,
// so "1e-50000000" is treated as unparseable rather than computed.
const maxLiteralExponent = 64

// DeltaCalculator computes fixed-point deltas between consecutive values.
// Only fields whose name ends in one of Suffixes are numeric-eligible.
type DeltaCalculator struct {
	Suffixes []string
}

func NewDeltaCalculator(suffixes []string) DeltaCalculator {
	lower := make([]string, 0, len(suffixes))
	for _, s := range suffixes {
		if s != "" {
			lower = append(lower, strings.ToLower(s))
		}
	}
	return DeltaCalculator{Suffixes: lower}
}

// IsNumeric reports whether the field is eligible for delta arithmetic.
func (c DeltaCalculator) IsNumeric(field string) bool {
	name := strings.ToLower(field)
	for _, s := range c.Suffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}

// Calculate never fails. A nil oldValue means there is no predecessor.
func (c DeltaCalculator) Calculate(field string, oldValue *string, newValue string) Delta {
	if !c.IsNumeric(field) {
		return Delta{Skipped: SkipNotNumeric}
	}
	if oldValue == nil {
		return Delta{Skipped: SkipNoPrevious}
	}
	prev, err := parseLiteral(*oldValue)
	if err != nil {
		return Delta{Skipped: SkipUnparseable}
	}
	next, err := parseLiteral(newValue)
	if err != nil {
		return Delta{Skipped: SkipUnparseable}
	}
	return Delta{Value: decimal.NewNullDecimal(next.Sub(prev).Round(DeltaPrecision))}
}

func parseLiteral(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Decimal{}, err
	}
	if exp := d.Exponent(); exp > maxLiteralExponent || exp < -maxLiteralExponent {
		return decimal.Decimal{}, fmt.Errorf("literal %q: exponent %d out of range", s, exp)
	}
	return d, nil
}
