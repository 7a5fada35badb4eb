package observer

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/shsh-deposits/internal/domain"
	"github.com/shopspring/decimal"
)

const (
	// TokenScanLimit is how many recent token transfers are scanned per check.
	TokenScanLimit = 20
	// DefaultTokenRecency bounds how old a matching token transfer may be.
	DefaultTokenRecency = 2 * time.Hour
)

// TokenObserver watches ERC-20 transfers of one contract through Etherscan.
type TokenObserver struct {
	api      *Etherscan
	contract string
	matcher  Matcher
	logger   *slog.Logger
}

// NewTokenObserver creates an observer accepting transfers within fraction of
// the expected amount and no older than recency.
func NewTokenObserver(api *Etherscan, contract string, fraction decimal.Decimal, recency time.Duration, logger *slog.Logger) *TokenObserver {
	if logger == nil {
		logger = slog.Default()
	}
	if recency <= 0 {
		recency = DefaultTokenRecency
	}
	return &TokenObserver{
		api:      api,
		contract: contract,
		matcher:  Matcher{Tolerance: FractionalTolerance(fraction), Recency: recency},
		logger:   logger.With("chain", string(domain.ChainUSDT)),
	}
}

// Chain returns domain.ChainUSDT.
func (o *TokenObserver) Chain() domain.Chain {
	return domain.ChainUSDT
}

// CheckAddressForDeposit scans the most recent token transfers into address.
func (o *TokenObserver) CheckAddressForDeposit(ctx context.Context, address string, expected decimal.Decimal, skip func(string) bool) DepositCheck {
	transfers, err := o.api.TokenTransfers(ctx, o.contract, address, TokenScanLimit)
	if err != nil {
		logUpstream(o.logger, "token transfer lookup failed", err, "address", address)
		return notFound()
	}

	match, ok := o.matcher.Select(transfers, expected, skip)
	if !ok {
		o.logger.Debug("No matching transfer", "address", address, "scanned", len(transfers))
		return notFound()
	}
	return DepositCheck{
		Found:         true,
		TxHash:        match.TxHash,
		ActualAmount:  match.Amount,
		Confirmations: o.GetConfirmations(ctx, match.TxHash),
	}
}

// GetConfirmations derives depth from the receipt block and the current height.
func (o *TokenObserver) GetConfirmations(ctx context.Context, txHash string) Confirmations {
	receipt, err := o.api.TransactionReceipt(ctx, txHash)
	if err != nil {
		logUpstream(o.logger, "receipt lookup failed", err, "tx_hash", txHash)
		return estimatedConfirmations
	}
	if receipt == nil {
		return Confirmations{}
	}
	if !receipt.Succeeded {
		o.logger.Warn("Token transfer reverted", "tx_hash", txHash)
		return Confirmations{}
	}

	height, err := o.api.BlockNumber(ctx)
	if err != nil {
		logUpstream(o.logger, "block number lookup failed", err, "tx_hash", txHash)
		return estimatedConfirmations
	}
	depth := height - receipt.BlockNumber
	if depth < 0 {
		depth = 0
	}
	return Confirmations{Count: depth}
}
