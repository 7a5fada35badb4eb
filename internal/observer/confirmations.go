package observer

import (
	"github.com/ashureev/shsh-deposits/internal/domain"
	"github.com/shopspring/decimal"
)

// Confirmations is the observed depth of a transaction.
type Confirmations struct {
	Count int64
	// Estimated is set when the depth could not be looked up. Estimated
	// counts never satisfy a threshold.
	Estimated bool
}

// estimatedConfirmations is reported when a confirmation lookup fails.
var estimatedConfirmations = Confirmations{Count: 1, Estimated: true}

// ConfirmationPolicy holds the per-chain settlement thresholds.
type ConfirmationPolicy struct {
	BitcoinMin      int64
	TokenSmallMin   int64
	TokenLargeMin   int64
	TokenLargeFloor decimal.Decimal
}

// DefaultConfirmationPolicy returns BTC >= 1, USDT 10 below 1000 and 20 at or above.
func DefaultConfirmationPolicy() ConfirmationPolicy {
	return ConfirmationPolicy{
		BitcoinMin:      1,
		TokenSmallMin:   10,
		TokenLargeMin:   20,
		TokenLargeFloor: decimal.NewFromInt(1000),
	}
}

// Required returns the depth needed to settle amount on chain.
func (p ConfirmationPolicy) Required(chain domain.Chain, amount decimal.Decimal) int64 {
	switch chain {
	case domain.ChainBitcoin:
		return p.BitcoinMin
	case domain.ChainUSDT:
		if amount.GreaterThanOrEqual(p.TokenLargeFloor) {
			return p.TokenLargeMin
		}
		return p.TokenSmallMin
	default:
		return 0
	}
}

// Satisfied reports whether c meets the threshold for amount on chain.
func (p ConfirmationPolicy) Satisfied(chain domain.Chain, amount decimal.Decimal, c Confirmations) bool {
	required := p.Required(chain, amount)
	if required <= 0 || c.Estimated {
		return false
	}
	return c.Count >= required
}
