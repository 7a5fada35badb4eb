package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a deposit session.
type Status string

const (
	StatusPending           Status = "pending"
	StatusUserConfirmedSent Status = "user_confirmed_sent"
	StatusConfirmed         Status = "confirmed"
	StatusDeclined          Status = "declined"
	StatusExpired           Status = "expired"
)

// rank orders statuses so transitions can only move forward.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusUserConfirmedSent:
		return 1
	case StatusConfirmed, StatusDeclined, StatusExpired:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.rank() >= 0
}

// IsTerminal returns true for statuses that never transition further.
func (s Status) IsTerminal() bool {
	return s.rank() == 2
}

// CanTransitionTo reports whether moving from s to next keeps the lifecycle monotonic.
func (s Status) CanTransitionTo(next Status) bool {
	if !s.Valid() || !next.Valid() || s.IsTerminal() {
		return false
	}
	return next.rank() > s.rank()
}

// OpenStatuses lists the statuses the scheduler still polls.
func OpenStatuses() []Status {
	return []Status{StatusPending, StatusUserConfirmedSent}
}

// DepositSession pairs a deposit intention with a receiving address and a time window.
type DepositSession struct {
	Token            string          `json:"session_token"`
	UserID           string          `json:"user_id"`
	Chain            Chain           `json:"chain"`
	ReceivingAddress string          `json:"receiving_address"`
	DerivationIndex  uint32          `json:"-"`
	ExpectedAmount   decimal.Decimal `json:"expected_amount"`
	Status           Status          `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
	ExpiresAt        time.Time       `json:"expires_at"`
	SentAt           *time.Time      `json:"sent_at,omitempty"`

	ObservedTxHash        string          `json:"observed_tx_hash,omitempty"`
	ObservedConfirmations int64           `json:"observed_confirmations"`
	ObservedAmount        decimal.Decimal `json:"observed_amount"`

	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	VaultTxHash   string     `json:"-"`
	DeclineReason string     `json:"-"`
}

// IsExpired returns true once now has passed ExpiresAt.
func (s *DepositSession) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// HasObservation returns true once a matching chain transfer has been recorded.
func (s *DepositSession) HasObservation() bool {
	return s.ObservedTxHash != ""
}

// NeedsSweep returns true for settled sessions whose funds still sit at the receiving address.
func (s *DepositSession) NeedsSweep() bool {
	return s.Status == StatusConfirmed && s.VaultTxHash == ""
}

// Snapshot is the client-facing view of a session used by status polling.
type Snapshot struct {
	Token                 string           `json:"session_token"`
	Chain                 Chain            `json:"chain"`
	ReceivingAddress      string           `json:"receiving_address"`
	ExpectedAmount        decimal.Decimal  `json:"expected_amount"`
	Status                Status           `json:"status"`
	ExpiresAt             time.Time        `json:"expires_at"`
	SecondsRemaining      int64            `json:"seconds_remaining"`
	ObservedTxHash        string           `json:"observed_tx_hash,omitempty"`
	ObservedConfirmations int64            `json:"observed_confirmations"`
	ObservedAmount        *decimal.Decimal `json:"observed_amount,omitempty"`
	CompletedAt           *time.Time       `json:"completed_at,omitempty"`
}

// Snapshot builds the polling view of the session at the given time.
func (s *DepositSession) Snapshot(now time.Time) Snapshot {
	snap := Snapshot{
		Token:                 s.Token,
		Chain:                 s.Chain,
		ReceivingAddress:      s.ReceivingAddress,
		ExpectedAmount:        s.ExpectedAmount,
		Status:                s.Status,
		ExpiresAt:             s.ExpiresAt,
		ObservedTxHash:        s.ObservedTxHash,
		ObservedConfirmations: s.ObservedConfirmations,
		CompletedAt:           s.CompletedAt,
	}
	if !s.Status.IsTerminal() {
		if remaining := s.ExpiresAt.Sub(now); remaining > 0 {
			snap.SecondsRemaining = int64(remaining.Seconds())
		}
	}
	if s.HasObservation() {
		amount := s.ObservedAmount
		snap.ObservedAmount = &amount
	}
	return snap
}
