// Package fraud runs the last checks a matched deposit must pass before it is credited.
package fraud

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/shsh-deposits/internal/domain"
	"github.com/ashureev/shsh-deposits/internal/observer"
	"github.com/ashureev/shsh-deposits/internal/store"
)

// Rejection reasons recorded on declined sessions.
const (
	ReasonTxReplay        = "tx_replay"
	ReasonOutOfTolerance  = "amount_out_of_tolerance"
	ReasonSessionExpired  = "session_expired"
	ReasonVelocityLimited = "velocity_exceeded"
)

// Rejection is returned when a session fails a fraud check. Rejections are
// terminal and never retried.
type Rejection struct {
	Reason string
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return "fraud check failed: " + r.Reason
	}
	return fmt.Sprintf("fraud check failed: %s (%s)", r.Reason, r.Detail)
}

// History is the read-only store surface the guard needs.
type History interface {
	FindConfirmedByTxHash(ctx context.Context, txHash string) (*domain.DepositSession, error)
	CountConfirmedSince(ctx context.Context, userID string, since time.Time) (int, error)
}

var _ History = (store.Repository)(nil)

// Config holds the guard thresholds.
type Config struct {
	Tolerances     map[domain.Chain]observer.Tolerance
	VelocityLimit  int
	VelocityWindow time.Duration
}

// Guard validates a matched session immediately before settlement.
type Guard struct {
	history History
	cfg     Config
	now     func() time.Time
}

// NewGuard creates a guard backed by history.
func NewGuard(history History, cfg Config) *Guard {
	if cfg.VelocityLimit <= 0 {
		cfg.VelocityLimit = 5
	}
	if cfg.VelocityWindow <= 0 {
		cfg.VelocityWindow = time.Hour
	}
	return &Guard{history: history, cfg: cfg, now: time.Now}
}

// Check returns nil when session may be settled, a *Rejection when it must be
// declined, or another error when a lookup failed and the check should be retried.
func (g *Guard) Check(ctx context.Context, session *domain.DepositSession) error {
	if !session.HasObservation() {
		return &Rejection{Reason: ReasonOutOfTolerance, Detail: "no observed transfer"}
	}

	bound, err := g.history.FindConfirmedByTxHash(ctx, session.ObservedTxHash)
	if err != nil {
		return fmt.Errorf("lookup tx hash: %w", err)
	}
	if bound != nil && bound.Token != session.Token {
		return &Rejection{Reason: ReasonTxReplay, Detail: "tx already credited"}
	}

	tolerance, ok := g.cfg.Tolerances[session.Chain]
	if !ok || !tolerance.Within(session.ExpectedAmount, session.ObservedAmount) {
		return &Rejection{
			Reason: ReasonOutOfTolerance,
			Detail: fmt.Sprintf("expected %s observed %s", session.ExpectedAmount, session.ObservedAmount),
		}
	}

	now := g.now()
	if session.IsExpired(now) {
		return &Rejection{Reason: ReasonSessionExpired}
	}

	count, err := g.history.CountConfirmedSince(ctx, session.UserID, now.Add(-g.cfg.VelocityWindow))
	if err != nil {
		return fmt.Errorf("count recent confirmations: %w", err)
	}
	if count >= g.cfg.VelocityLimit {
		return &Rejection{Reason: ReasonVelocityLimited, Detail: fmt.Sprintf("%d confirmed in %s", count, g.cfg.VelocityWindow)}
	}
	return nil
}
