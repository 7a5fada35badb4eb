// Package scheduler drives the deposit pipeline and the expiry sweep on timers.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ashureev/shsh-deposits/internal/domain"
	"github.com/ashureev/shsh-deposits/internal/fraud"
	"github.com/ashureev/shsh-deposits/internal/metrics"
	"github.com/ashureev/shsh-deposits/internal/notify"
	"github.com/ashureev/shsh-deposits/internal/observer"
	"github.com/ashureev/shsh-deposits/internal/store"
	"github.com/ashureev/shsh-deposits/internal/sweep"
	"github.com/shopspring/decimal"
)

// ReasonSentClaimUnmatched is recorded when a user's sent claim finds no transfer in time.
const ReasonSentClaimUnmatched = "sent_claim_unmatched"

const (
	defaultSweepBatch    = 20
	defaultNotifyTimeout = 10 * time.Second
)

// Repository defines the store operations needed by the jobs.
type Repository interface {
	ListPending(ctx context.Context) ([]*domain.DepositSession, error)
	ListUnswept(ctx context.Context, limit int) ([]*domain.DepositSession, error)
	UpdateBlockchainInfo(ctx context.Context, token string, obs store.Observation) error
	UpdateStatus(ctx context.Context, token string, next domain.Status, at time.Time, reason string) error
	ExpireStale(ctx context.Context, now time.Time) ([]*domain.DepositSession, error)
	IsTxHashBound(ctx context.Context, txHash, exceptToken string) (bool, error)
	RecordSweep(ctx context.Context, token, vaultTxHash string) error
}

// FraudChecker validates a matched session before settlement.
type FraudChecker interface {
	Check(ctx context.Context, session *domain.DepositSession) error
}

// Settler credits a session.
type Settler interface {
	Settle(ctx context.Context, session *domain.DepositSession) (bool, error)
}

// VaultSweeper moves settled funds to the vault.
type VaultSweeper interface {
	SweepToVault(ctx context.Context, session *domain.DepositSession, amount decimal.Decimal, derivationIndex uint32) sweep.SweepResult
}

// Config tunes the jobs.
type Config struct {
	SentClaimTimeout  time.Duration
	NotifyTimeout     time.Duration
	InterSessionDelay time.Duration
	SweepBatch        int
}

// Jobs holds the pipeline stages run on each tick.
type Jobs struct {
	repo      Repository
	observers map[domain.Chain]observer.Observer
	policy    observer.ConfirmationPolicy
	guard     FraudChecker
	settler   Settler
	sweeper   VaultSweeper
	notifier  notify.Notifier
	metrics   *metrics.Metrics
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time
}

// Deps bundles the collaborators of Jobs.
type Deps struct {
	Repo      Repository
	Observers []observer.Observer
	Policy    observer.ConfirmationPolicy
	Guard     FraudChecker
	Settler   Settler
	Sweeper   VaultSweeper
	Notifier  notify.Notifier
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// NewJobs creates a new Jobs runner.
func NewJobs(deps Deps, cfg Config) *Jobs {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.SentClaimTimeout <= 0 {
		cfg.SentClaimTimeout = 15 * time.Minute
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = defaultSweepBatch
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = defaultNotifyTimeout
	}
	observers := make(map[domain.Chain]observer.Observer, len(deps.Observers))
	for _, o := range deps.Observers {
		observers[o.Chain()] = o
	}
	return &Jobs{
		repo:      deps.Repo,
		observers: observers,
		policy:    deps.Policy,
		guard:     deps.Guard,
		settler:   deps.Settler,
		sweeper:   deps.Sweeper,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// RunPipeline processes every open session once, serially, then retries
// pending sweeps. Per-session failures are logged and the batch continues.
func (j *Jobs) RunPipeline(ctx context.Context) {
	start := j.now()
	sessions, err := j.repo.ListPending(ctx)
	if err != nil {
		j.logger.Error("Pipeline failed to list open sessions", "error", err)
		return
	}

	swept := make(map[string]bool)
	for i, session := range sessions {
		if i > 0 && j.cfg.InterSessionDelay > 0 {
			select {
			case <-ctx.Done():
				j.logger.Info("Pipeline interrupted", "reason", ctx.Err(), "processed", i)
				return
			case <-time.After(j.cfg.InterSessionDelay):
			}
		}
		if j.processSession(ctx, session) {
			swept[session.Token] = true
		}
	}

	j.retrySweeps(ctx, swept)
	j.metrics.PipelineRun(len(sessions), j.now().Sub(start))
}

// processSession runs one session through observe, confirm, guard, settle
// and sweep. It reports whether a sweep was attempted.
func (j *Jobs) processSession(ctx context.Context, session *domain.DepositSession) bool {
	log := j.logger.With("session_token", session.Token, "chain", string(session.Chain))
	now := j.now()
	if session.IsExpired(now) {
		// Closed by the expiry job.
		return false
	}

	obs, ok := j.observers[session.Chain]
	if !ok {
		log.Error("No observer configured for chain")
		return false
	}

	skip := func(txHash string) bool {
		bound, err := j.repo.IsTxHashBound(ctx, txHash, session.Token)
		if err != nil {
			log.Warn("Bound tx lookup failed; skipping candidate", "tx_hash", txHash, "error", err)
			return true
		}
		return bound
	}

	check := obs.CheckAddressForDeposit(ctx, session.ReceivingAddress, session.ExpectedAmount, skip)
	var conf observer.Confirmations
	switch {
	case check.Found:
		firstSeen := session.ObservedTxHash != check.TxHash
		err := j.repo.UpdateBlockchainInfo(ctx, session.Token, store.Observation{
			TxHash:        check.TxHash,
			Confirmations: check.Confirmations.Count,
			Amount:        check.ActualAmount,
		})
		if errors.Is(err, store.ErrStaleStatus) {
			return false
		}
		if err != nil {
			log.Error("Failed to record observation", "error", err)
			return false
		}
		session.ObservedTxHash = check.TxHash
		session.ObservedAmount = check.ActualAmount
		session.ObservedConfirmations = check.Confirmations.Count
		conf = check.Confirmations
		if firstSeen {
			log.Info("Matching transfer observed", "tx_hash", check.TxHash, "amount", check.ActualAmount.String())
			j.metrics.Observed(string(session.Chain))
			j.notify(ctx, notify.Observed(session, now))
		}
	case session.HasObservation():
		// The scan window moved past a transfer we already matched.
		conf = obs.GetConfirmations(ctx, session.ObservedTxHash)
		if !conf.Estimated && conf.Count != session.ObservedConfirmations {
			err := j.repo.UpdateBlockchainInfo(ctx, session.Token, store.Observation{
				TxHash:        session.ObservedTxHash,
				Confirmations: conf.Count,
				Amount:        session.ObservedAmount,
			})
			if err != nil {
				log.Warn("Failed to refresh confirmations", "error", err)
				return false
			}
			session.ObservedConfirmations = conf.Count
		}
	default:
		j.checkSentClaimTimeout(ctx, session, now)
		return false
	}

	if !j.policy.Satisfied(session.Chain, session.ObservedAmount, conf) {
		log.Debug("Awaiting confirmations",
			"tx_hash", session.ObservedTxHash,
			"confirmations", conf.Count,
			"estimated", conf.Estimated,
			"required", j.policy.Required(session.Chain, session.ObservedAmount),
		)
		return false
	}

	if err := j.guard.Check(ctx, session); err != nil {
		var rejection *fraud.Rejection
		if errors.As(err, &rejection) {
			log.Warn("Fraud check rejected session", "reason", rejection.Reason, "detail", rejection.Detail)
			j.decline(ctx, session, rejection.Reason, notify.MessageSecurityDecline)
			return false
		}
		log.Error("Fraud check failed", "error", err)
		return false
	}

	credited, err := j.settler.Settle(ctx, session)
	if errors.Is(err, store.ErrTxHashBound) {
		log.Warn("Transaction bound to another session during settlement", "tx_hash", session.ObservedTxHash)
		j.decline(ctx, session, fraud.ReasonTxReplay, notify.MessageSecurityDecline)
		return false
	}
	if err != nil {
		log.Error("Settlement failed", "error", err)
		return false
	}
	if !credited {
		return false
	}
	j.metrics.Settled(string(session.Chain))

	j.sweep(ctx, session)
	return true
}

func (j *Jobs) checkSentClaimTimeout(ctx context.Context, session *domain.DepositSession, now time.Time) {
	if session.Status != domain.StatusUserConfirmedSent || session.SentAt == nil {
		return
	}
	if now.Sub(*session.SentAt) < j.cfg.SentClaimTimeout {
		return
	}
	j.logger.Info("Sent claim unmatched; declining",
		"session_token", session.Token,
		"sent_at", session.SentAt.UTC(),
		"timeout", j.cfg.SentClaimTimeout,
	)
	j.decline(ctx, session, ReasonSentClaimUnmatched, notify.MessageNotDetected)
}

func (j *Jobs) decline(ctx context.Context, session *domain.DepositSession, reason, message string) {
	now := j.now()
	err := j.repo.UpdateStatus(ctx, session.Token, domain.StatusDeclined, now, reason)
	if errors.Is(err, store.ErrStaleStatus) {
		return
	}
	if err != nil {
		j.logger.Error("Failed to decline session", "session_token", session.Token, "error", err)
		return
	}
	session.Status = domain.StatusDeclined
	session.DeclineReason = reason
	j.metrics.Declined(string(session.Chain), reason)
	j.notify(ctx, notify.Closed(session, domain.StatusDeclined, message, now))
}

func (j *Jobs) sweep(ctx context.Context, session *domain.DepositSession) {
	if j.sweeper == nil {
		return
	}
	result := j.sweeper.SweepToVault(ctx, session, session.ObservedAmount, session.DerivationIndex)
	switch {
	case result.Success:
		j.metrics.Sweep(string(session.Chain), metrics.SweepSucceeded)
		if err := j.repo.RecordSweep(ctx, session.Token, result.VaultTxHash); err != nil {
			j.logger.Error("Failed to record sweep", "session_token", session.Token, "vault_tx_hash", result.VaultTxHash, "error", err)
			return
		}
		session.VaultTxHash = result.VaultTxHash
	case errors.Is(result.Err, sweep.ErrNoSweeper):
		// Chain has no vault configured; funds stay on the receiving address.
	case result.Soft():
		j.metrics.Sweep(string(session.Chain), metrics.SweepDeferred)
	default:
		j.metrics.Sweep(string(session.Chain), metrics.SweepFailed)
	}
}

func (j *Jobs) retrySweeps(ctx context.Context, skip map[string]bool) {
	if j.sweeper == nil {
		return
	}
	unswept, err := j.repo.ListUnswept(ctx, j.cfg.SweepBatch)
	if err != nil {
		j.logger.Error("Failed to list unswept sessions", "error", err)
		return
	}
	for _, session := range unswept {
		if skip[session.Token] {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		j.sweep(ctx, session)
	}
}

// RunExpiry closes open sessions past their expiry and notifies their users.
func (j *Jobs) RunExpiry(ctx context.Context) {
	now := j.now()
	closed, err := j.repo.ExpireStale(ctx, now)
	if err != nil {
		j.logger.Error("Expiry job failed", "error", err, "closed", len(closed))
	}
	if len(closed) == 0 {
		return
	}

	for _, session := range closed {
		message := notify.MessageExpired
		if session.Status == domain.StatusDeclined {
			message = notify.MessageNotDetected
		}
		j.metrics.Expired(string(session.Chain), string(session.Status))
		j.notify(ctx, notify.Closed(session, session.Status, message, now))
	}
	j.logger.Info("Expiry job closed sessions", "count", len(closed))
}

func (j *Jobs) notify(ctx context.Context, n notify.Notification) {
	if j.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, j.cfg.NotifyTimeout)
	defer cancel()
	if err := j.notifier.Notify(ctx, n); err != nil {
		j.logger.Warn("Notification failed", "session_token", n.SessionToken, "kind", string(n.Kind), "error", err)
	}
}
