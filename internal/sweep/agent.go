// Package sweep moves settled deposits from per-user receiving addresses to
// the central vault.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/shsh-deposits/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientFee means the receiving address cannot pay the network
	// fee for the sweep. It is retried on a later tick.
	ErrInsufficientFee = errors.New("insufficient balance to pay sweep fee")
	// ErrNothingToSweep means the receiving address holds no spendable funds.
	ErrNothingToSweep = errors.New("nothing to sweep")
	// ErrNoSweeper means no sweeper is configured for the chain.
	ErrNoSweeper = errors.New("no sweeper configured for chain")
	// ErrNoObservation means the session has no settled transfer to sweep.
	ErrNoObservation = errors.New("session has no observed transfer")
)

// SweepResult reports the outcome of a sweep. Sweeps never fail loudly:
// Err is informational and the caller retries on the next tick.
type SweepResult struct {
	Success     bool
	VaultTxHash string
	Err         error
}

// Soft reports whether the failure is expected to clear on its own.
func (r SweepResult) Soft() bool {
	return errors.Is(r.Err, ErrInsufficientFee) ||
		errors.Is(r.Err, ErrNothingToSweep) ||
		errors.Is(r.Err, context.DeadlineExceeded)
}

// Request names the settled transfer to move. Receiving addresses are shared
// by every session of a user on a chain, so a sweep only touches the funds
// of the transfer that was credited.
type Request struct {
	Address string
	Index   uint32
	TxHash  string
	Amount  decimal.Decimal
}

// Sweeper moves one settled transfer from a receiving address to the vault.
type Sweeper interface {
	Chain() domain.Chain
	Sweep(ctx context.Context, req Request) (string, error)
}

// Agent dispatches sweeps to the sweeper for each chain.
type Agent struct {
	sweepers map[domain.Chain]Sweeper
	timeout  time.Duration
	logger   *slog.Logger
}

// NewAgent creates an agent over the given sweepers. Nil sweepers are ignored.
// Each sweep is bounded by timeout; zero leaves it to the caller's context.
func NewAgent(logger *slog.Logger, timeout time.Duration, sweepers ...Sweeper) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Agent{sweepers: make(map[domain.Chain]Sweeper), timeout: timeout, logger: logger}
	for _, s := range sweepers {
		if s != nil {
			a.sweepers[s.Chain()] = s
		}
	}
	return a
}

// SweepToVault sweeps the session's receiving address. It never touches the
// session status or the user's balance.
func (a *Agent) SweepToVault(ctx context.Context, session *domain.DepositSession, amount decimal.Decimal, derivationIndex uint32) SweepResult {
	sweeper, ok := a.sweepers[session.Chain]
	if !ok {
		return SweepResult{Err: fmt.Errorf("%w: %s", ErrNoSweeper, session.Chain)}
	}
	if session.ObservedTxHash == "" {
		return SweepResult{Err: fmt.Errorf("%w: %s", ErrNoObservation, session.Token)}
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	txHash, err := sweeper.Sweep(ctx, Request{
		Address: session.ReceivingAddress,
		Index:   derivationIndex,
		TxHash:  session.ObservedTxHash,
		Amount:  amount,
	})
	if err != nil {
		result := SweepResult{Err: err}
		if result.Soft() {
			a.logger.Info("Sweep deferred", "session_token", session.Token, "chain", string(session.Chain), "reason", err)
		} else {
			a.logger.Error("Sweep failed", "session_token", session.Token, "chain", string(session.Chain), "error", err)
		}
		return result
	}

	a.logger.Info("Swept deposit to vault",
		"session_token", session.Token,
		"chain", string(session.Chain),
		"amount", amount.String(),
		"vault_tx_hash", txHash,
	)
	return SweepResult{Success: true, VaultTxHash: txHash}
}
