package domain

import (
	"fmt"
	"strings"
)

// Chain identifies the ledger a deposit session is watched on.
type Chain string

const (
	// ChainBitcoin is the UTXO chain; amounts are in BTC.
	ChainBitcoin Chain = "btc"
	// ChainUSDT is the ERC-20 USDT token on the account chain; amounts are in USDT.
	ChainUSDT Chain = "usdt"
)

// Decimals returns the number of fractional digits the chain's unit supports.
func (c Chain) Decimals() int32 {
	switch c {
	case ChainBitcoin:
		return 8
	case ChainUSDT:
		return 6
	default:
		return 0
	}
}

// Symbol returns the display ticker of the chain's asset.
func (c Chain) Symbol() string {
	return strings.ToUpper(string(c))
}

// IsUTXO returns true for chains whose transfers are unspent outputs.
func (c Chain) IsUTXO() bool {
	return c == ChainBitcoin
}

// ParseChain normalizes user input into a supported chain.
func ParseChain(raw string) (Chain, error) {
	switch Chain(strings.ToLower(strings.TrimSpace(raw))) {
	case ChainBitcoin:
		return ChainBitcoin, nil
	case ChainUSDT:
		return ChainUSDT, nil
	default:
		return "", fmt.Errorf("unsupported chain %q", raw)
	}
}
