package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/shsh-deposits/internal/domain"
	"github.com/ashureev/shsh-deposits/internal/shared"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const pgSessionColumns = `token, user_id, chain, receiving_address, derivation_index,
	expected_amount::text, status, created_at, expires_at, sent_at,
	COALESCE(observed_tx_hash, ''), observed_confirmations, COALESCE(observed_amount::text, ''),
	completed_at, COALESCE(vault_tx_hash, ''), COALESCE(decline_reason, '')`

const pgSchema = `
CREATE SEQUENCE IF NOT EXISTS user_derivation_index_seq MINVALUE 0 START 0;

CREATE TABLE IF NOT EXISTS users (
	user_id TEXT PRIMARY KEY,
	derivation_index BIGINT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS deposit_sessions (
	token TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	chain TEXT NOT NULL,
	receiving_address TEXT NOT NULL,
	derivation_index BIGINT NOT NULL,
	expected_amount NUMERIC(38, 18) NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	sent_at TIMESTAMPTZ,
	observed_tx_hash TEXT,
	observed_confirmations BIGINT NOT NULL DEFAULT 0,
	observed_amount NUMERIC(38, 18),
	completed_at TIMESTAMPTZ,
	vault_tx_hash TEXT,
	decline_reason TEXT,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON deposit_sessions(status, created_at);
CREATE INDEX IF NOT EXISTS idx_sessions_user_completed ON deposit_sessions(user_id, completed_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_confirmed_tx
	ON deposit_sessions(observed_tx_hash) WHERE status = 'confirmed';

CREATE TABLE IF NOT EXISTS balances (
	user_id TEXT NOT NULL,
	chain TEXT NOT NULL,
	amount NUMERIC(38, 18) NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, chain)
);

CREATE TABLE IF NOT EXISTS balance_credits (
	session_token TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	chain TEXT NOT NULL,
	amount NUMERIC(38, 18) NOT NULL,
	tx_hash TEXT NOT NULL,
	credited_at TIMESTAMPTZ NOT NULL
);
`

// PostgresStore implements Repository using a pgx connection pool.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgres connects to databaseURL and prepares the schema.
func NewPostgres(ctx context.Context, databaseURL string) (Repository, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &PostgresStore{db: pool}, nil
}

// Ping verifies database connectivity.
func (r *PostgresStore) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

// Close releases the pool.
func (r *PostgresStore) Close() error {
	r.db.Close()
	return nil
}

func (r *PostgresStore) EnsureUser(ctx context.Context, userID string) (*domain.User, error) {
	user, err := r.getUser(ctx, userID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO users (user_id, derivation_index, created_at)
		VALUES ($1, nextval('user_derivation_index_seq'), NOW())
		ON CONFLICT (user_id) DO NOTHING`, userID)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return r.getUser(ctx, userID)
}

func (r *PostgresStore) getUser(ctx context.Context, userID string) (*domain.User, error) {
	var user domain.User
	var index int64
	err := r.db.QueryRow(ctx,
		`SELECT user_id, derivation_index, created_at FROM users WHERE user_id = $1`, userID,
	).Scan(&user.UserID, &index, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	user.DerivationIndex = uint32(index)
	return &user, nil
}

func (r *PostgresStore) CreateSession(ctx context.Context, session *domain.DepositSession) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO deposit_sessions (
			token, user_id, chain, receiving_address, derivation_index,
			expected_amount, status, created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9)`,
		session.Token, session.UserID, string(session.Chain), session.ReceivingAddress,
		int64(session.DerivationIndex), session.ExpectedAmount.String(), string(session.Status),
		session.CreatedAt, session.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *PostgresStore) GetSession(ctx context.Context, token string) (*domain.DepositSession, error) {
	row := r.db.QueryRow(ctx, `SELECT `+pgSessionColumns+` FROM deposit_sessions WHERE token = $1`, token)
	session, err := scanPgSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return session, err
}

func (r *PostgresStore) ListPending(ctx context.Context) ([]*domain.DepositSession, error) {
	return r.querySessions(ctx, `SELECT `+pgSessionColumns+` FROM deposit_sessions
		WHERE status IN ($1, $2) ORDER BY created_at, token`,
		string(domain.StatusPending), string(domain.StatusUserConfirmedSent))
}

func (r *PostgresStore) ListUnswept(ctx context.Context, limit int) ([]*domain.DepositSession, error) {
	return r.querySessions(ctx, `SELECT `+pgSessionColumns+` FROM deposit_sessions
		WHERE status = $1 AND COALESCE(vault_tx_hash, '') = ''
		ORDER BY completed_at LIMIT $2`,
		string(domain.StatusConfirmed), limit)
}

func (r *PostgresStore) UpdateBlockchainInfo(ctx context.Context, token string, obs Observation) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE deposit_sessions
		SET observed_tx_hash = $1, observed_confirmations = $2, observed_amount = $3::numeric, updated_at = NOW()
		WHERE token = $4 AND status IN ($5, $6)`,
		obs.TxHash, obs.Confirmations, obs.Amount.String(),
		token, string(domain.StatusPending), string(domain.StatusUserConfirmedSent),
	)
	if err != nil {
		return fmt.Errorf("update blockchain info: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleStatus
	}
	return nil
}

func (r *PostgresStore) UpdateStatus(ctx context.Context, token string, next domain.Status, at time.Time, reason string) error {
	from := statusesBefore(next)
	if len(from) == 0 {
		return fmt.Errorf("%w: no open status can move to %s", ErrStaleStatus, next)
	}
	fromText := make([]string, len(from))
	for i, st := range from {
		fromText[i] = string(st)
	}

	var completedAt *time.Time
	if next.IsTerminal() {
		completedAt = &at
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE deposit_sessions
		SET status = $1, decline_reason = NULLIF($2, ''), completed_at = COALESCE($3, completed_at), updated_at = $4
		WHERE token = $5 AND status = ANY($6)`,
		string(next), reason, completedAt, at, token, fromText,
	)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleStatus
	}
	return nil
}

func (r *PostgresStore) MarkSent(ctx context.Context, token string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE deposit_sessions SET status = $1, sent_at = $2, updated_at = $2
		WHERE token = $3 AND status = $4`,
		string(domain.StatusUserConfirmedSent), at, token, string(domain.StatusPending),
	)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleStatus
	}
	return nil
}

func (r *PostgresStore) ExpireStale(ctx context.Context, now time.Time) ([]*domain.DepositSession, error) {
	stale, err := r.querySessions(ctx, `SELECT `+pgSessionColumns+` FROM deposit_sessions
		WHERE status IN ($1, $2) AND expires_at < $3 ORDER BY expires_at`,
		string(domain.StatusPending), string(domain.StatusUserConfirmedSent), now)
	if err != nil {
		return nil, err
	}

	var closed []*domain.DepositSession
	for _, session := range stale {
		next, reason := expiryOutcome(session.Status)
		err := r.UpdateStatus(ctx, session.Token, next, now, reason)
		if errors.Is(err, ErrStaleStatus) {
			continue
		}
		if err != nil {
			return closed, err
		}
		session.Status = next
		session.DeclineReason = reason
		completed := now
		session.CompletedAt = &completed
		closed = append(closed, session)
	}
	return closed, nil
}

func (r *PostgresStore) SettleSession(ctx context.Context, st Settlement) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin settlement: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE deposit_sessions
		SET status = $1, observed_tx_hash = $2, observed_confirmations = $3, observed_amount = $4::numeric,
		    completed_at = $5, updated_at = $5
		WHERE token = $6 AND status IN ($7, $8)`,
		string(domain.StatusConfirmed), st.TxHash, st.Confirmations, st.Amount.String(), st.At,
		st.Token, string(domain.StatusPending), string(domain.StatusUserConfirmedSent),
	)
	if err != nil {
		if shared.IsUniqueViolation(err) {
			return false, ErrTxHashBound
		}
		return false, fmt.Errorf("confirm session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	// Additive upsert; concurrent first credits serialize on the row.
	_, err = tx.Exec(ctx, `
		INSERT INTO balances (user_id, chain, amount, updated_at) VALUES ($1, $2, $3::numeric, $4)
		ON CONFLICT (user_id, chain) DO UPDATE
		SET amount = balances.amount + EXCLUDED.amount, updated_at = EXCLUDED.updated_at`,
		st.UserID, string(st.Chain), st.Amount.String(), st.At,
	)
	if err != nil {
		return false, fmt.Errorf("write balance: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO balance_credits (session_token, user_id, chain, amount, tx_hash, credited_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6)`,
		st.Token, st.UserID, string(st.Chain), st.Amount.String(), st.TxHash, st.At,
	)
	if err != nil {
		return false, fmt.Errorf("record credit: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit settlement: %w", err)
	}
	return true, nil
}

func (r *PostgresStore) RecordSweep(ctx context.Context, token, vaultTxHash string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE deposit_sessions SET vault_tx_hash = $1, updated_at = NOW() WHERE token = $2 AND status = $3`,
		vaultTxHash, token, string(domain.StatusConfirmed))
	if err != nil {
		return fmt.Errorf("record sweep: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleStatus
	}
	return nil
}

func (r *PostgresStore) FindConfirmedByTxHash(ctx context.Context, txHash string) (*domain.DepositSession, error) {
	row := r.db.QueryRow(ctx, `SELECT `+pgSessionColumns+` FROM deposit_sessions
		WHERE observed_tx_hash = $1 AND status = $2`, txHash, string(domain.StatusConfirmed))
	session, err := scanPgSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return session, err
}

func (r *PostgresStore) IsTxHashBound(ctx context.Context, txHash, exceptToken string) (bool, error) {
	var bound bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (
		SELECT 1 FROM deposit_sessions
		WHERE observed_tx_hash = $1 AND token <> $2 AND status IN ($3, $4, $5))`,
		txHash, exceptToken,
		string(domain.StatusPending), string(domain.StatusUserConfirmedSent), string(domain.StatusConfirmed),
	).Scan(&bound)
	if err != nil {
		return false, fmt.Errorf("check bound tx: %w", err)
	}
	return bound, nil
}

func (r *PostgresStore) CountConfirmedSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `SELECT COUNT(1) FROM deposit_sessions
		WHERE user_id = $1 AND status = $2 AND completed_at >= $3`,
		userID, string(domain.StatusConfirmed), since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count confirmed: %w", err)
	}
	return n, nil
}

func (r *PostgresStore) GetBalances(ctx context.Context, userID string) ([]domain.Balance, error) {
	rows, err := r.db.Query(ctx,
		`SELECT user_id, chain, amount::text, updated_at FROM balances WHERE user_id = $1 ORDER BY chain`, userID)
	if err != nil {
		return nil, fmt.Errorf("query balances: %w", err)
	}
	defer rows.Close()

	var balances []domain.Balance
	for rows.Next() {
		var b domain.Balance
		var chain, amount string
		if err := rows.Scan(&b.UserID, &chain, &amount, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan balance row: %w", err)
		}
		if b.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse balance %q: %w", amount, err)
		}
		b.Chain = domain.Chain(chain)
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

func (r *PostgresStore) querySessions(ctx context.Context, query string, args ...any) ([]*domain.DepositSession, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*domain.DepositSession
	for rows.Next() {
		session, err := scanPgSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

func scanPgSession(row pgx.Row) (*domain.DepositSession, error) {
	var session domain.DepositSession
	var chain, status, expected, observed string
	var index int64

	err := row.Scan(
		&session.Token, &session.UserID, &chain, &session.ReceivingAddress, &index,
		&expected, &status, &session.CreatedAt, &session.ExpiresAt, &session.SentAt,
		&session.ObservedTxHash, &session.ObservedConfirmations, &observed,
		&session.CompletedAt, &session.VaultTxHash, &session.DeclineReason,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	session.Chain = domain.Chain(chain)
	session.Status = domain.Status(status)
	session.DerivationIndex = uint32(index)
	if session.ExpectedAmount, err = decimal.NewFromString(expected); err != nil {
		return nil, fmt.Errorf("parse expected amount %q: %w", expected, err)
	}
	if observed != "" {
		if session.ObservedAmount, err = decimal.NewFromString(observed); err != nil {
			return nil, fmt.Errorf("parse observed amount %q: %w", observed, err)
		}
	}
	return &session, nil
}
