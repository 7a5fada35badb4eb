// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/shsh-deposits/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a session does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrStaleStatus is returned when a status-guarded update finds the session
	// in a status other than the one the caller expected.
	ErrStaleStatus = errors.New("session status changed concurrently")
	// ErrTxHashBound is returned when a transaction hash is already bound to
	// another confirmed session.
	ErrTxHashBound = errors.New("transaction already bound to a confirmed session")
)

// Observation is the chain data recorded against a session on each tick.
type Observation struct {
	TxHash        string
	Confirmations int64
	Amount        decimal.Decimal
}

// Settlement carries everything needed to confirm a session and credit the
// observed amount in one unit of work.
type Settlement struct {
	Token         string
	UserID        string
	Chain         domain.Chain
	TxHash        string
	Confirmations int64
	Amount        decimal.Decimal
	At            time.Time
}

// Repository defines the persistence collaborator used by the deposit engine.
type Repository interface {
	// EnsureUser returns the user record, allocating a derivation index on first use.
	EnsureUser(ctx context.Context, userID string) (*domain.User, error)

	// CreateSession inserts a new pending session.
	CreateSession(ctx context.Context, session *domain.DepositSession) error

	// GetSession retrieves a session by token. Returns ErrNotFound if absent.
	GetSession(ctx context.Context, token string) (*domain.DepositSession, error)

	// ListPending returns sessions in pending or user_confirmed_sent status, oldest first.
	ListPending(ctx context.Context) ([]*domain.DepositSession, error)

	// ListUnswept returns confirmed sessions whose funds have not reached the vault.
	ListUnswept(ctx context.Context, limit int) ([]*domain.DepositSession, error)

	// UpdateBlockchainInfo records the latest observation for an open session.
	UpdateBlockchainInfo(ctx context.Context, token string, obs Observation) error

	// UpdateStatus moves a session from one of the open statuses to next.
	// Returns ErrStaleStatus if the session is no longer open or the transition
	// would not be monotonic.
	UpdateStatus(ctx context.Context, token string, next domain.Status, at time.Time, reason string) error

	// MarkSent records the user's assertion that payment was sent.
	MarkSent(ctx context.Context, token string, at time.Time) error

	// ExpireStale transitions every open session past its expiry. Pending
	// sessions become expired; user_confirmed_sent sessions become declined.
	// The affected sessions are returned with their new status.
	ExpireStale(ctx context.Context, now time.Time) ([]*domain.DepositSession, error)

	// SettleSession confirms a session and credits its user in one transaction.
	// Returns false without crediting when the session is no longer open.
	SettleSession(ctx context.Context, s Settlement) (bool, error)

	// RecordSweep stores the vault transaction hash for a settled session.
	RecordSweep(ctx context.Context, token, vaultTxHash string) error

	// FindConfirmedByTxHash returns the confirmed session bound to txHash, or nil.
	FindConfirmedByTxHash(ctx context.Context, txHash string) (*domain.DepositSession, error)

	// IsTxHashBound reports whether txHash is observed on any other non-declined session.
	IsTxHashBound(ctx context.Context, txHash, exceptToken string) (bool, error)

	// CountConfirmedSince counts a user's sessions confirmed at or after since.
	CountConfirmedSince(ctx context.Context, userID string, since time.Time) (int, error)

	// GetBalances returns a user's credited balances.
	GetBalances(ctx context.Context, userID string) ([]domain.Balance, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
