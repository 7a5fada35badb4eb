package observer

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ashureev/shsh-deposits/internal/domain"
	"github.com/shopspring/decimal"
)

// BitcoinScanLimit is how many recent received outputs are scanned per check.
const BitcoinScanLimit = 10

// BitcoinObserver watches receiving addresses through BlockCypher.
type BitcoinObserver struct {
	api     *BlockCypher
	matcher Matcher
	logger  *slog.Logger
}

// NewBitcoinObserver creates an observer accepting outputs within tolerance BTC of the expected amount.
func NewBitcoinObserver(api *BlockCypher, tolerance decimal.Decimal, logger *slog.Logger) *BitcoinObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &BitcoinObserver{
		api:     api,
		matcher: Matcher{Tolerance: AbsoluteTolerance(tolerance)},
		logger:  logger.With("chain", string(domain.ChainBitcoin)),
	}
}

// Chain returns domain.ChainBitcoin.
func (o *BitcoinObserver) Chain() domain.Chain {
	return domain.ChainBitcoin
}

// CheckAddressForDeposit scans the most recent received outputs of address.
func (o *BitcoinObserver) CheckAddressForDeposit(ctx context.Context, address string, expected decimal.Decimal, skip func(string) bool) DepositCheck {
	transfers, err := o.api.AddressTransfers(ctx, address, BitcoinScanLimit)
	if err != nil {
		logUpstream(o.logger, "address lookup failed", err, "address", address)
		return notFound()
	}

	match, ok := o.matcher.Select(transfers, expected, skip)
	if !ok {
		o.logger.Debug("No matching output", "address", address, "scanned", len(transfers))
		return notFound()
	}
	return DepositCheck{
		Found:         true,
		TxHash:        match.TxHash,
		ActualAmount:  match.Amount,
		Confirmations: match.Confirmations,
	}
}

// GetConfirmations returns the indexer-reported depth of txHash.
func (o *BitcoinObserver) GetConfirmations(ctx context.Context, txHash string) Confirmations {
	count, err := o.api.TxConfirmations(ctx, txHash)
	if err != nil {
		logUpstream(o.logger, "confirmation lookup failed", err, "tx_hash", txHash)
		return estimatedConfirmations
	}
	return Confirmations{Count: count}
}

func logUpstream(logger *slog.Logger, msg string, err error, args ...any) {
	args = append(args, "error", err)
	if errors.Is(err, ErrRateLimited) {
		logger.Info("Indexer "+msg+" (rate limited)", args...)
		return
	}
	logger.Warn("Indexer "+msg, args...)
}
