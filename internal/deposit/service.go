// Package deposit implements the user-facing deposit session operations.
package deposit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/shsh-deposits/internal/domain"
	"github.com/ashureev/shsh-deposits/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned for unknown sessions and sessions owned by another user.
	ErrNotFound = errors.New("deposit session not found")
	// ErrInvalidAmount is returned for non-positive or over-precise amounts.
	ErrInvalidAmount = errors.New("invalid deposit amount")
	// ErrInvalidTransition is returned when the session can no longer move to the requested status.
	ErrInvalidTransition = errors.New("invalid session status transition")
	// ErrSessionExpired is returned when the session window has passed.
	ErrSessionExpired = errors.New("deposit session expired")
)

// AddressDeriver derives receiving addresses by user index.
type AddressDeriver interface {
	DeriveAddress(chain domain.Chain, index uint32) (string, error)
}

// Service creates deposit sessions and serves their status.
type Service struct {
	repo    store.Repository
	deriver AddressDeriver
	ttl     time.Duration
	now     func() time.Time
}

// NewService creates a deposit service issuing sessions that live for ttl.
func NewService(repo store.Repository, deriver AddressDeriver, ttl time.Duration) *Service {
	return &Service{repo: repo, deriver: deriver, ttl: ttl, now: time.Now}
}

// CreateDepositSession opens a pending session for userID expecting amount on chain.
func (s *Service) CreateDepositSession(ctx context.Context, userID string, chain domain.Chain, amount decimal.Decimal) (*domain.DepositSession, error) {
	if !amount.IsPositive() || !amount.Equal(amount.Truncate(chain.Decimals())) {
		return nil, fmt.Errorf("%w: %s %s", ErrInvalidAmount, amount.String(), chain.Symbol())
	}

	user, err := s.repo.EnsureUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}
	address, err := s.deriver.DeriveAddress(chain, user.DerivationIndex)
	if err != nil {
		return nil, fmt.Errorf("derive address: %w", err)
	}

	now := s.now()
	session := &domain.DepositSession{
		Token:            uuid.NewString(),
		UserID:           userID,
		Chain:            chain,
		ReceivingAddress: address,
		DerivationIndex:  user.DerivationIndex,
		ExpectedAmount:   amount,
		Status:           domain.StatusPending,
		CreatedAt:        now,
		ExpiresAt:        now.Add(s.ttl),
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	slog.Info("Deposit session created",
		"session_token", session.Token,
		"user_id", userID,
		"chain", string(chain),
		"expected_amount", amount.String(),
	)
	return session, nil
}

// ConfirmUserSentPayment records the user's assertion that payment was sent.
// Repeating the call on a session already in user_confirmed_sent is a no-op.
func (s *Service) ConfirmUserSentPayment(ctx context.Context, userID, token string) (*domain.DepositSession, error) {
	session, err := s.owned(ctx, userID, token)
	if err != nil {
		return nil, err
	}

	now := s.now()
	switch {
	case session.Status == domain.StatusUserConfirmedSent:
		return session, nil
	case session.Status != domain.StatusPending:
		return nil, fmt.Errorf("%w: session is %s", ErrInvalidTransition, session.Status)
	case session.IsExpired(now):
		return nil, ErrSessionExpired
	}

	if err := s.repo.MarkSent(ctx, token, now); err != nil {
		if errors.Is(err, store.ErrStaleStatus) {
			// Raced with the scheduler; report whatever state won.
			latest, getErr := s.repo.GetSession(ctx, token)
			if getErr != nil {
				return nil, fmt.Errorf("reload session: %w", getErr)
			}
			if latest.Status == domain.StatusUserConfirmedSent {
				return latest, nil
			}
			return nil, fmt.Errorf("%w: session is %s", ErrInvalidTransition, latest.Status)
		}
		return nil, fmt.Errorf("mark sent: %w", err)
	}

	session.Status = domain.StatusUserConfirmedSent
	session.SentAt = &now
	slog.Info("User confirmed payment sent", "session_token", token, "user_id", userID)
	return session, nil
}

// GetSessionStatus returns the polling view of a session.
func (s *Service) GetSessionStatus(ctx context.Context, userID, token string) (domain.Snapshot, error) {
	session, err := s.owned(ctx, userID, token)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return session.Snapshot(s.now()), nil
}

// Balances returns the user's credited balances.
func (s *Service) Balances(ctx context.Context, userID string) ([]domain.Balance, error) {
	balances, err := s.repo.GetBalances(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get balances: %w", err)
	}
	return balances, nil
}

func (s *Service) owned(ctx context.Context, userID, token string) (*domain.DepositSession, error) {
	session, err := s.repo.GetSession(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if session.UserID != userID {
		return nil, ErrNotFound
	}
	return session, nil
}
