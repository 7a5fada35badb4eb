// Package notify delivers deposit lifecycle events to users and downstream systems.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/shsh-deposits/internal/domain"
	"github.com/shopspring/decimal"
)

// Kind classifies a notification.
type Kind string

const (
	KindObserved Kind = "deposit.observed"
	KindSettled  Kind = "deposit.settled"
	KindDeclined Kind = "deposit.declined"
	KindExpired  Kind = "deposit.expired"
)

// User-facing messages. Decline reasons are never exposed.
const (
	MessageSecurityDecline = "Your deposit could not be verified for security reasons. Please contact support."
	MessageNotDetected     = "We did not detect your payment before the session expired. Please start a new deposit session."
	MessageExpired         = "Your deposit session expired. Please start a new deposit session."
)

// Notification is one lifecycle event for a deposit session.
type Notification struct {
	Kind          Kind             `json:"kind"`
	SessionToken  string           `json:"session_token"`
	UserID        string           `json:"user_id"`
	Chain         domain.Chain     `json:"chain"`
	Status        domain.Status    `json:"status"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	TxHash        string           `json:"tx_hash,omitempty"`
	Confirmations int64            `json:"confirmations,omitempty"`
	Message       string           `json:"message,omitempty"`
	At            time.Time        `json:"at"`
}

// Notifier delivers notifications. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Settled builds the notification emitted after a successful credit.
func Settled(s *domain.DepositSession, at time.Time) Notification {
	amount := s.ObservedAmount
	return Notification{
		Kind:          KindSettled,
		SessionToken:  s.Token,
		UserID:        s.UserID,
		Chain:         s.Chain,
		Status:        domain.StatusConfirmed,
		Amount:        &amount,
		TxHash:        s.ObservedTxHash,
		Confirmations: s.ObservedConfirmations,
		Message:       fmt.Sprintf("Your deposit of %s %s has been credited.", amount.String(), s.Chain.Symbol()),
		At:            at,
	}
}

// Observed builds the notification emitted when a matching transfer is first seen.
func Observed(s *domain.DepositSession, at time.Time) Notification {
	amount := s.ObservedAmount
	return Notification{
		Kind:          KindObserved,
		SessionToken:  s.Token,
		UserID:        s.UserID,
		Chain:         s.Chain,
		Status:        s.Status,
		Amount:        &amount,
		TxHash:        s.ObservedTxHash,
		Confirmations: s.ObservedConfirmations,
		At:            at,
	}
}

// Closed builds the notification for a session that ended without a credit.
func Closed(s *domain.DepositSession, status domain.Status, message string, at time.Time) Notification {
	kind := KindDeclined
	if status == domain.StatusExpired {
		kind = KindExpired
	}
	return Notification{
		Kind:         kind,
		SessionToken: s.Token,
		UserID:       s.UserID,
		Chain:        s.Chain,
		Status:       status,
		Message:      message,
		At:           at,
	}
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if notifier == nil {
			continue
		}
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Bounded caps each delivery of Notifier at Timeout.
type Bounded struct {
	Notifier Notifier
	Timeout  time.Duration
}

func (b Bounded) Notify(ctx context.Context, n Notification) error {
	if b.Notifier == nil {
		return nil
	}
	if b.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.Timeout)
		defer cancel()
	}
	return b.Notifier.Notify(ctx, n)
}

// LogNotifier writes notifications to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier. A nil logger uses slog.Default.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	l.logger.InfoContext(ctx, "Deposit notification",
		"kind", string(n.Kind),
		"session_token", n.SessionToken,
		"user_id", n.UserID,
		"chain", string(n.Chain),
		"status", string(n.Status),
	)
	return nil
}
