// Package settlement credits confirmed deposits to internal balances.
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/shsh-deposits/internal/domain"
	"github.com/ashureev/shsh-deposits/internal/notify"
	"github.com/ashureev/shsh-deposits/internal/store"
)

// Ledger is the store surface used to settle a session.
type Ledger interface {
	SettleSession(ctx context.Context, s store.Settlement) (bool, error)
}

// Processor confirms sessions and credits their observed amount exactly once.
type Processor struct {
	ledger   Ledger
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewProcessor creates a settlement processor.
func NewProcessor(ledger Ledger, notifier notify.Notifier, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{ledger: ledger, notifier: notifier, logger: logger, now: time.Now}
}

// Settle credits session.ObservedAmount to the session owner. It returns false
// without error when the session was already settled or closed. On success the
// session is updated in place and a settlement notification is sent.
func (p *Processor) Settle(ctx context.Context, session *domain.DepositSession) (bool, error) {
	if !session.HasObservation() {
		return false, fmt.Errorf("settle %s: no observed transfer", session.Token)
	}

	at := p.now()
	credited, err := p.ledger.SettleSession(ctx, store.Settlement{
		Token:         session.Token,
		UserID:        session.UserID,
		Chain:         session.Chain,
		TxHash:        session.ObservedTxHash,
		Confirmations: session.ObservedConfirmations,
		Amount:        session.ObservedAmount,
		At:            at,
	})
	if err != nil {
		return false, fmt.Errorf("settle %s: %w", session.Token, err)
	}
	if !credited {
		p.logger.Info("Session already settled or closed; skipping credit", "session_token", session.Token)
		return false, nil
	}

	session.Status = domain.StatusConfirmed
	session.CompletedAt = &at
	p.logger.Info("Deposit credited",
		"session_token", session.Token,
		"user_id", session.UserID,
		"chain", string(session.Chain),
		"amount", session.ObservedAmount.String(),
		"tx_hash", session.ObservedTxHash,
	)

	if p.notifier != nil {
		if err := p.notifier.Notify(ctx, notify.Settled(session, at)); err != nil {
			p.logger.Warn("Settlement notification failed", "session_token", session.Token, "error", err)
		}
	}
	return true, nil
}
