package settlement

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/shsh-deposits/internal/domain"
	"github.com/ashureev/shsh-deposits/internal/notify"
	"github.com/ashureev/shsh-deposits/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	got []notify.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notification) error {
	r.got = append(r.got, n)
	return nil
}

func observedSession(token string) *domain.DepositSession {
	now := time.Now()
	return &domain.DepositSession{
		Token:                 token,
		UserID:                "alice",
		Chain:                 domain.ChainBitcoin,
		ReceivingAddress:      "bc1qtest",
		ExpectedAmount:        decimal.RequireFromString("0.005"),
		Status:                domain.StatusUserConfirmedSent,
		CreatedAt:             now,
		ExpiresAt:             now.Add(30 * time.Minute),
		ObservedTxHash:        "tx-" + token,
		ObservedConfirmations: 1,
		ObservedAmount:        decimal.RequireFromString("0.004995"),
	}
}

func TestSettleCreditsObservedAmountOnce(t *testing.T) {
	ctx := context.Background()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "settle.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	session := observedSession("tok-1")
	require.NoError(t, repo.CreateSession(ctx, session))

	notifier := &recordingNotifier{}
	p := NewProcessor(repo, notifier, nil)

	credited, err := p.Settle(ctx, session)
	require.NoError(t, err)
	assert.True(t, credited)
	assert.Equal(t, domain.StatusConfirmed, session.Status)

	credited, err = p.Settle(ctx, observedSession("tok-1"))
	require.NoError(t, err)
	assert.False(t, credited)

	balances, err := repo.GetBalances(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.True(t, balances[0].Amount.Equal(decimal.RequireFromString("0.004995")))

	require.Len(t, notifier.got, 1)
	assert.Equal(t, notify.KindSettled, notifier.got[0].Kind)
}

type failingLedger struct{ err error }

func (f failingLedger) SettleSession(context.Context, store.Settlement) (bool, error) {
	return false, f.err
}

func TestSettlePropagatesLedgerErrors(t *testing.T) {
	notifier := &recordingNotifier{}
	p := NewProcessor(failingLedger{err: store.ErrTxHashBound}, notifier, nil)

	session := observedSession("tok-1")
	credited, err := p.Settle(context.Background(), session)
	assert.False(t, credited)
	assert.True(t, errors.Is(err, store.ErrTxHashBound))
	assert.Equal(t, domain.StatusUserConfirmedSent, session.Status)
	assert.Empty(t, notifier.got)
}

func TestSettleRequiresObservation(t *testing.T) {
	p := NewProcessor(failingLedger{}, nil, nil)
	session := observedSession("tok-1")
	session.ObservedTxHash = ""

	_, err := p.Settle(context.Background(), session)
	assert.Error(t, err)
}
