// Package observer watches chain indexers for transfers into receiving
// addresses and reports their confirmation depth.
//
// Observers never return errors to the caller. Upstream failures are logged
// and reported as "not found" so the next scheduler tick retries them.
package observer

import (
	"context"
	"errors"

	"github.com/ashureev/shsh-deposits/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	// ErrTransient covers network failures, timeouts, 5xx responses and malformed payloads.
	ErrTransient = errors.New("indexer unavailable")
	// ErrRateLimited is returned while the indexer client is backing off after a 429.
	ErrRateLimited = errors.New("indexer rate limited")
)

// DepositCheck is the result of scanning an address for a matching transfer.
type DepositCheck struct {
	Found         bool
	TxHash        string
	ActualAmount  decimal.Decimal
	Confirmations Confirmations
}

// Observer checks one chain for deposits.
type Observer interface {
	Chain() domain.Chain
	// CheckAddressForDeposit returns the first recent transfer into address
	// within tolerance of expected whose hash skip does not reject.
	CheckAddressForDeposit(ctx context.Context, address string, expected decimal.Decimal, skip func(txHash string) bool) DepositCheck
	// GetConfirmations reports the current depth of txHash.
	GetConfirmations(ctx context.Context, txHash string) Confirmations
}

func notFound() DepositCheck {
	return DepositCheck{}
}
