package observer

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tolerance decides whether an observed amount is close enough to the expected one.
type Tolerance struct {
	// Absolute is a fixed margin in whole units. Used when Fraction is zero.
	Absolute decimal.Decimal
	// Fraction is a margin relative to the expected amount, e.g. 0.02 for 2%.
	Fraction decimal.Decimal
}

// AbsoluteTolerance accepts |actual-expected| <= margin.
func AbsoluteTolerance(margin decimal.Decimal) Tolerance {
	return Tolerance{Absolute: margin}
}

// FractionalTolerance accepts |actual-expected| <= expected*fraction.
func FractionalTolerance(fraction decimal.Decimal) Tolerance {
	return Tolerance{Fraction: fraction}
}

// Margin returns the allowed deviation for expected.
func (t Tolerance) Margin(expected decimal.Decimal) decimal.Decimal {
	if t.Fraction.IsPositive() {
		return expected.Abs().Mul(t.Fraction)
	}
	return t.Absolute
}

// Within reports whether actual is within tolerance of expected.
func (t Tolerance) Within(expected, actual decimal.Decimal) bool {
	return actual.Sub(expected).Abs().LessThanOrEqual(t.Margin(expected))
}

// Transfer is one incoming transfer reported by an indexer.
type Transfer struct {
	TxHash        string
	Amount        decimal.Decimal
	Confirmations Confirmations
	Spent         bool
	// Timestamp is zero when the indexer does not report one.
	Timestamp time.Time
}

// Matcher selects the transfer that satisfies a deposit expectation.
type Matcher struct {
	Tolerance Tolerance
	// Recency rejects transfers older than this window when non-zero.
	Recency time.Duration
	Now     func() time.Time
}

// Select returns the first transfer, in indexer order, that is unspent, not
// skipped, recent enough and within tolerance of expected.
func (m Matcher) Select(transfers []Transfer, expected decimal.Decimal, skip func(string) bool) (Transfer, bool) {
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}

	for _, t := range transfers {
		if t.Spent || t.TxHash == "" {
			continue
		}
		if skip != nil && skip(t.TxHash) {
			continue
		}
		if m.Recency > 0 && !t.Timestamp.IsZero() && now().Sub(t.Timestamp) > m.Recency {
			continue
		}
		if !m.Tolerance.Within(expected, t.Amount) {
			continue
		}
		return t, true
	}
	return Transfer{}, false
}
