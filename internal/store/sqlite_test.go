package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/shsh-deposits/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "deposits.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func newTestSession(token, userID string, chain domain.Chain, expected string, now time.Time) *domain.DepositSession {
	return &domain.DepositSession{
		Token:            token,
		UserID:           userID,
		Chain:            chain,
		ReceivingAddress: "addr-" + userID,
		ExpectedAmount:   decimal.RequireFromString(expected),
		Status:           domain.StatusPending,
		CreatedAt:        now,
		ExpiresAt:        now.Add(30 * time.Minute),
	}
}

func TestSQLiteConnectionPragmas(t *testing.T) {
	repo := newTestStore(t)
	db := repo.(*SQLiteStore).db

	var mode string
	require.NoError(t, db.QueryRow(`PRAGMA journal_mode`).Scan(&mode))
	assert.Equal(t, "wal", mode)

	var busy int
	require.NoError(t, db.QueryRow(`PRAGMA busy_timeout`).Scan(&busy))
	assert.Equal(t, 5000, busy)

	var sync int
	require.NoError(t, db.QueryRow(`PRAGMA synchronous`).Scan(&sync))
	assert.Equal(t, 1, sync, "NORMAL")
}

func TestEnsureUserAllocatesIndexOnce(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t)

	alice, err := repo.EnsureUser(ctx, "alice")
	require.NoError(t, err)
	bob, err := repo.EnsureUser(ctx, "bob")
	require.NoError(t, err)
	again, err := repo.EnsureUser(ctx, "alice")
	require.NoError(t, err)

	assert.Equal(t, uint32(0), alice.DerivationIndex)
	assert.Equal(t, uint32(1), bob.DerivationIndex)
	assert.Equal(t, alice.DerivationIndex, again.DerivationIndex)
}

func TestCreateAndGetSession(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t)
	now := time.Unix(1_700_000_000, 0)

	require.NoError(t, repo.CreateSession(ctx, newTestSession("tok-1", "alice", domain.ChainBitcoin, "0.005", now)))

	got, err := repo.GetSession(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.True(t, got.ExpectedAmount.Equal(decimal.RequireFromString("0.005")))
	assert.Equal(t, now.Add(30*time.Minute).Unix(), got.ExpiresAt.Unix())
	assert.Nil(t, got.SentAt)

	_, err = repo.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkSentOnlyFromPending(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t)
	now := time.Now()

	require.NoError(t, repo.CreateSession(ctx, newTestSession("tok-1", "alice", domain.ChainBitcoin, "0.005", now)))
	require.NoError(t, repo.MarkSent(ctx, "tok-1", now))
	assert.ErrorIs(t, repo.MarkSent(ctx, "tok-1", now), ErrStaleStatus)

	got, err := repo.GetSession(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUserConfirmedSent, got.Status)
	require.NotNil(t, got.SentAt)
}

func TestSettleSessionCreditsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t)
	now := time.Now()

	require.NoError(t, repo.CreateSession(ctx, newTestSession("tok-1", "alice", domain.ChainUSDT, "100", now)))

	settlement := Settlement{
		Token:         "tok-1",
		UserID:        "alice",
		Chain:         domain.ChainUSDT,
		TxHash:        "0xabc",
		Confirmations: 12,
		Amount:        decimal.RequireFromString("99.5"),
		At:            now,
	}

	credited, err := repo.SettleSession(ctx, settlement)
	require.NoError(t, err)
	assert.True(t, credited)

	credited, err = repo.SettleSession(ctx, settlement)
	require.NoError(t, err)
	assert.False(t, credited)

	balances, err := repo.GetBalances(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.True(t, balances[0].Amount.Equal(decimal.RequireFromString("99.5")))

	got, err := repo.GetSession(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, got.Status)
	assert.Equal(t, "0xabc", got.ObservedTxHash)
	require.NotNil(t, got.CompletedAt)
}

func TestSettleSessionAccumulatesBalance(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t)
	now := time.Now()

	for i, tok := range []string{"tok-1", "tok-2"} {
		require.NoError(t, repo.CreateSession(ctx, newTestSession(tok, "alice", domain.ChainBitcoin, "0.01", now)))
		_, err := repo.SettleSession(ctx, Settlement{
			Token: tok, UserID: "alice", Chain: domain.ChainBitcoin,
			TxHash: []string{"h1", "h2"}[i], Confirmations: 1,
			Amount: decimal.RequireFromString("0.01"), At: now,
		})
		require.NoError(t, err)
	}

	balances, err := repo.GetBalances(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.True(t, balances[0].Amount.Equal(decimal.RequireFromString("0.02")))
}

func TestSettleSessionRejectsReusedTxHash(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t)
	now := time.Now()

	require.NoError(t, repo.CreateSession(ctx, newTestSession("tok-1", "alice", domain.ChainBitcoin, "0.01", now)))
	require.NoError(t, repo.CreateSession(ctx, newTestSession("tok-2", "bob", domain.ChainBitcoin, "0.01", now)))

	base := Settlement{Chain: domain.ChainBitcoin, TxHash: "shared", Confirmations: 1,
		Amount: decimal.RequireFromString("0.01"), At: now}

	first := base
	first.Token, first.UserID = "tok-1", "alice"
	credited, err := repo.SettleSession(ctx, first)
	require.NoError(t, err)
	require.True(t, credited)

	second := base
	second.Token, second.UserID = "tok-2", "bob"
	credited, err = repo.SettleSession(ctx, second)
	assert.ErrorIs(t, err, ErrTxHashBound)
	assert.False(t, credited)

	balances, err := repo.GetBalances(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, balances)

	got, err := repo.GetSession(ctx, "tok-2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
}

func TestTerminalStatusNeverRegresses(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t)
	now := time.Now()

	require.NoError(t, repo.CreateSession(ctx, newTestSession("tok-1", "alice", domain.ChainBitcoin, "0.01", now)))
	require.NoError(t, repo.UpdateStatus(ctx, "tok-1", domain.StatusDeclined, now, "tx_replay"))

	assert.ErrorIs(t, repo.UpdateStatus(ctx, "tok-1", domain.StatusExpired, now, ""), ErrStaleStatus)
	assert.ErrorIs(t, repo.MarkSent(ctx, "tok-1", now), ErrStaleStatus)

	credited, err := repo.SettleSession(ctx, Settlement{Token: "tok-1", UserID: "alice",
		Chain: domain.ChainBitcoin, TxHash: "h", Amount: decimal.RequireFromString("0.01"), At: now})
	require.NoError(t, err)
	assert.False(t, credited)

	got, err := repo.GetSession(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeclined, got.Status)
	assert.Equal(t, "tx_replay", got.DeclineReason)
}

func TestExpireStale(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t)
	created := time.Now().Add(-time.Hour)

	require.NoError(t, repo.CreateSession(ctx, newTestSession("pending", "alice", domain.ChainBitcoin, "0.01", created)))
	require.NoError(t, repo.CreateSession(ctx, newTestSession("sent", "alice", domain.ChainUSDT, "10", created)))
	require.NoError(t, repo.MarkSent(ctx, "sent", created.Add(time.Minute)))
	require.NoError(t, repo.CreateSession(ctx, newTestSession("fresh", "alice", domain.ChainBitcoin, "0.01", time.Now())))

	closed, err := repo.ExpireStale(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, closed, 2)

	byToken := map[string]*domain.DepositSession{}
	for _, s := range closed {
		byToken[s.Token] = s
	}
	assert.Equal(t, domain.StatusExpired, byToken["pending"].Status)
	assert.Equal(t, domain.StatusDeclined, byToken["sent"].Status)
	assert.Equal(t, declineReasonExpired, byToken["sent"].DeclineReason)

	fresh, err := repo.GetSession(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, fresh.Status)

	open, err := repo.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "fresh", open[0].Token)
}

func TestTxHashQueries(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t)
	now := time.Now()

	require.NoError(t, repo.CreateSession(ctx, newTestSession("tok-1", "alice", domain.ChainBitcoin, "0.01", now)))
	require.NoError(t, repo.CreateSession(ctx, newTestSession("tok-2", "alice", domain.ChainBitcoin, "0.01", now)))
	require.NoError(t, repo.UpdateBlockchainInfo(ctx, "tok-1", Observation{
		TxHash: "h1", Confirmations: 0, Amount: decimal.RequireFromString("0.01"),
	}))

	bound, err := repo.IsTxHashBound(ctx, "h1", "tok-2")
	require.NoError(t, err)
	assert.True(t, bound)

	bound, err = repo.IsTxHashBound(ctx, "h1", "tok-1")
	require.NoError(t, err)
	assert.False(t, bound)

	found, err := repo.FindConfirmedByTxHash(ctx, "h1")
	require.NoError(t, err)
	assert.Nil(t, found)

	_, err = repo.SettleSession(ctx, Settlement{Token: "tok-1", UserID: "alice", Chain: domain.ChainBitcoin,
		TxHash: "h1", Confirmations: 1, Amount: decimal.RequireFromString("0.01"), At: now})
	require.NoError(t, err)

	found, err = repo.FindConfirmedByTxHash(ctx, "h1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "tok-1", found.Token)

	n, err := repo.CountConfirmedSince(ctx, "alice", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecordSweep(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t)
	now := time.Now()

	require.NoError(t, repo.CreateSession(ctx, newTestSession("tok-1", "alice", domain.ChainBitcoin, "0.01", now)))
	assert.ErrorIs(t, repo.RecordSweep(ctx, "tok-1", "vault"), ErrStaleStatus)

	_, err := repo.SettleSession(ctx, Settlement{Token: "tok-1", UserID: "alice", Chain: domain.ChainBitcoin,
		TxHash: "h1", Confirmations: 1, Amount: decimal.RequireFromString("0.01"), At: now})
	require.NoError(t, err)

	unswept, err := repo.ListUnswept(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unswept, 1)

	require.NoError(t, repo.RecordSweep(ctx, "tok-1", "vault"))

	unswept, err = repo.ListUnswept(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, unswept)
}
