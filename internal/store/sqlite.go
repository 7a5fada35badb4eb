package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/shsh-deposits/internal/domain"
	"github.com/ashureev/shsh-deposits/internal/shared"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// declineReasonExpired is recorded when a session expires with an unresolved sent claim.
const declineReasonExpired = "payment not detected before expiry"

const sessionColumns = `token, user_id, chain, receiving_address, derivation_index,
	expected_amount, status, created_at, expires_at, sent_at,
	observed_tx_hash, observed_confirmations, observed_amount,
	completed_at, vault_tx_hash, decline_reason`

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	retry shared.RetryPolicy
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", sqliteDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := newSQLiteWithDB(db)
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

// sqliteDSN applies pragmas on every pooled connection, using the
// modernc.org/sqlite _pragma query syntax.
func sqliteDSN(dbPath string) string {
	return "file:" + dbPath +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)"
}

func newSQLiteWithDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, retry: shared.DefaultRetryPolicy}
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		derivation_index INTEGER NOT NULL UNIQUE,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS deposit_sessions (
		token TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		chain TEXT NOT NULL,
		receiving_address TEXT NOT NULL,
		derivation_index INTEGER NOT NULL,
		expected_amount TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		sent_at INTEGER,
		observed_tx_hash TEXT,
		observed_confirmations INTEGER NOT NULL DEFAULT 0,
		observed_amount TEXT,
		completed_at INTEGER,
		vault_tx_hash TEXT,
		decline_reason TEXT,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON deposit_sessions(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_user_completed ON deposit_sessions(user_id, completed_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_confirmed_tx
		ON deposit_sessions(observed_tx_hash) WHERE status = 'confirmed';

	CREATE TABLE IF NOT EXISTS balances (
		user_id TEXT NOT NULL,
		chain TEXT NOT NULL,
		amount TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, chain)
	);

	CREATE TABLE IF NOT EXISTS balance_credits (
		session_token TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		chain TEXT NOT NULL,
		amount TEXT NOT NULL,
		tx_hash TEXT NOT NULL,
		credited_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// EnsureUser returns the user record, allocating the next derivation index on first use.
func (s *SQLiteStore) EnsureUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
	INSERT INTO users (user_id, derivation_index, created_at)
	VALUES (?, (SELECT COALESCE(MAX(derivation_index), -1) + 1 FROM users), ?)
	ON CONFLICT(user_id) DO NOTHING`

	err := shared.WithConflictRetry(ctx, s.retry, "ensure_user", func() error {
		_, err := s.db.ExecContext(ctx, query, userID, time.Now().Unix())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}

	var user domain.User
	var index, createdAt int64
	err = s.db.QueryRowContext(ctx,
		`SELECT user_id, derivation_index, created_at FROM users WHERE user_id = ?`, userID,
	).Scan(&user.UserID, &index, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	user.DerivationIndex = uint32(index)
	user.CreatedAt = time.Unix(createdAt, 0)
	return &user, nil
}

// CreateSession inserts a new pending session.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.DepositSession) error {
	query := `
	INSERT INTO deposit_sessions (
		token, user_id, chain, receiving_address, derivation_index,
		expected_amount, status, created_at, expires_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	err := shared.WithConflictRetry(ctx, s.retry, "create_session", func() error {
		_, err := s.db.ExecContext(ctx, query,
			session.Token, session.UserID, string(session.Chain), session.ReceivingAddress,
			int64(session.DerivationIndex), session.ExpectedAmount.String(), string(session.Status),
			session.CreatedAt.Unix(), session.ExpiresAt.Unix(), time.Now().Unix(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by token.
func (s *SQLiteStore) GetSession(ctx context.Context, token string) (*domain.DepositSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM deposit_sessions WHERE token = ?`, token)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// ListPending returns open sessions in creation order.
func (s *SQLiteStore) ListPending(ctx context.Context) ([]*domain.DepositSession, error) {
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM deposit_sessions
		WHERE status IN (?, ?) ORDER BY created_at, token`,
		string(domain.StatusPending), string(domain.StatusUserConfirmedSent))
}

// ListUnswept returns confirmed sessions without a vault transaction.
func (s *SQLiteStore) ListUnswept(ctx context.Context, limit int) ([]*domain.DepositSession, error) {
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM deposit_sessions
		WHERE status = ? AND (vault_tx_hash IS NULL OR vault_tx_hash = '')
		ORDER BY completed_at LIMIT ?`,
		string(domain.StatusConfirmed), limit)
}

// UpdateBlockchainInfo records the latest observation for an open session.
func (s *SQLiteStore) UpdateBlockchainInfo(ctx context.Context, token string, obs Observation) error {
	query := `
	UPDATE deposit_sessions
	SET observed_tx_hash = ?, observed_confirmations = ?, observed_amount = ?, updated_at = ?
	WHERE token = ? AND status IN (?, ?)`

	var result sql.Result
	err := shared.WithConflictRetry(ctx, s.retry, "update_blockchain_info", func() error {
		var err error
		result, err = s.db.ExecContext(ctx, query,
			obs.TxHash, obs.Confirmations, obs.Amount.String(), time.Now().Unix(),
			token, string(domain.StatusPending), string(domain.StatusUserConfirmedSent),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("update blockchain info: %w", err)
	}
	return requireOneRow(result, "UpdateBlockchainInfo", token)
}

// UpdateStatus moves an open session to next.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, token string, next domain.Status, at time.Time, reason string) error {
	from := statusesBefore(next)
	if len(from) == 0 {
		return fmt.Errorf("%w: no open status can move to %s", ErrStaleStatus, next)
	}

	query := `UPDATE deposit_sessions SET status = ?, decline_reason = ?, updated_at = ?`
	args := []interface{}{string(next), nullString(reason), at.Unix()}
	if next.IsTerminal() {
		query += `, completed_at = ?`
		args = append(args, at.Unix())
	}
	query += ` WHERE token = ? AND status IN (` + placeholders(len(from)) + `)`
	args = append(args, token)
	for _, st := range from {
		args = append(args, string(st))
	}

	var result sql.Result
	err := shared.WithConflictRetry(ctx, s.retry, "update_status", func() error {
		var err error
		result, err = s.db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return requireOneRow(result, "UpdateStatus", token)
}

// MarkSent records the user's sent assertion on a pending session.
func (s *SQLiteStore) MarkSent(ctx context.Context, token string, at time.Time) error {
	query := `UPDATE deposit_sessions SET status = ?, sent_at = ?, updated_at = ? WHERE token = ? AND status = ?`

	var result sql.Result
	err := shared.WithConflictRetry(ctx, s.retry, "mark_sent", func() error {
		var err error
		result, err = s.db.ExecContext(ctx, query,
			string(domain.StatusUserConfirmedSent), at.Unix(), at.Unix(), token, string(domain.StatusPending))
		return err
	})
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	return requireOneRow(result, "MarkSent", token)
}

// ExpireStale closes every open session past its expiry.
func (s *SQLiteStore) ExpireStale(ctx context.Context, now time.Time) ([]*domain.DepositSession, error) {
	stale, err := s.querySessions(ctx, `SELECT `+sessionColumns+` FROM deposit_sessions
		WHERE status IN (?, ?) AND expires_at < ? ORDER BY expires_at`,
		string(domain.StatusPending), string(domain.StatusUserConfirmedSent), now.Unix())
	if err != nil {
		return nil, err
	}

	var closed []*domain.DepositSession
	for _, session := range stale {
		next, reason := expiryOutcome(session.Status)
		err := s.UpdateStatus(ctx, session.Token, next, now, reason)
		if errors.Is(err, ErrStaleStatus) {
			// Settled or closed by another worker between the read and the update.
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

// SettleSession confirms the session and credits the observed amount atomically.
func (s *SQLiteStore) SettleSession(ctx context.Context, st Settlement) (bool, error) {
	var credited bool
	err := shared.WithConflictRetry(ctx, s.retry, "settle_session", func() error {
		var err error
		credited, err = s.settleOnce(ctx, st)
		return err
	})
	return credited, err
}

func (s *SQLiteStore) settleOnce(ctx context.Context, st Settlement) (credited bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin settlement: %w", err)
	}
	defer func() {
		if err != nil || !credited {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("Settlement rollback failed", "session_token", st.Token, "error", rbErr)
			}
		}
	}()

	result, err := tx.ExecContext(ctx, `
		UPDATE deposit_sessions
		SET status = ?, observed_tx_hash = ?, observed_confirmations = ?, observed_amount = ?,
		    completed_at = ?, updated_at = ?
		WHERE token = ? AND status IN (?, ?)`,
		string(domain.StatusConfirmed), st.TxHash, st.Confirmations, st.Amount.String(),
		st.At.Unix(), st.At.Unix(),
		st.Token, string(domain.StatusPending), string(domain.StatusUserConfirmedSent),
	)
	if err != nil {
		if shared.IsUniqueViolation(err) {
			return false, ErrTxHashBound
		}
		return false, fmt.Errorf("confirm session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return false, nil
	}

	current := decimal.Zero
	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT amount FROM balances WHERE user_id = ? AND chain = ?`, st.UserID, string(st.Chain),
	).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return false, fmt.Errorf("read balance: %w", err)
	default:
		if current, err = decimal.NewFromString(raw); err != nil {
			return false, fmt.Errorf("parse balance %q: %w", raw, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO balances (user_id, chain, amount, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, chain) DO UPDATE SET amount = excluded.amount, updated_at = excluded.updated_at`,
		st.UserID, string(st.Chain), current.Add(st.Amount).String(), st.At.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("write balance: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO balance_credits (session_token, user_id, chain, amount, tx_hash, credited_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		st.Token, st.UserID, string(st.Chain), st.Amount.String(), st.TxHash, st.At.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("record credit: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit settlement: %w", err)
	}
	return true, nil
}

// RecordSweep stores the vault transaction hash for a settled session.
func (s *SQLiteStore) RecordSweep(ctx context.Context, token, vaultTxHash string) error {
	var result sql.Result
	err := shared.WithConflictRetry(ctx, s.retry, "record_sweep", func() error {
		var err error
		result, err = s.db.ExecContext(ctx,
			`UPDATE deposit_sessions SET vault_tx_hash = ?, updated_at = ? WHERE token = ? AND status = ?`,
			vaultTxHash, time.Now().Unix(), token, string(domain.StatusConfirmed))
		return err
	})
	if err != nil {
		return fmt.Errorf("record sweep: %w", err)
	}
	return requireOneRow(result, "RecordSweep", token)
}

// FindConfirmedByTxHash returns the confirmed session bound to txHash, or nil.
func (s *SQLiteStore) FindConfirmedByTxHash(ctx context.Context, txHash string) (*domain.DepositSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM deposit_sessions
		WHERE observed_tx_hash = ? AND status = ?`, txHash, string(domain.StatusConfirmed))
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return session, err
}

// IsTxHashBound reports whether txHash is observed on any other live or confirmed session.
func (s *SQLiteStore) IsTxHashBound(ctx context.Context, txHash, exceptToken string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM deposit_sessions
		WHERE observed_tx_hash = ? AND token <> ? AND status IN (?, ?, ?)`,
		txHash, exceptToken,
		string(domain.StatusPending), string(domain.StatusUserConfirmedSent), string(domain.StatusConfirmed),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count bound tx: %w", err)
	}
	return n > 0, nil
}

// CountConfirmedSince counts a user's sessions confirmed at or after since.
func (s *SQLiteStore) CountConfirmedSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM deposit_sessions
		WHERE user_id = ? AND status = ? AND completed_at >= ?`,
		userID, string(domain.StatusConfirmed), since.Unix(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count confirmed: %w", err)
	}
	return n, nil
}

// GetBalances returns a user's credited balances.
func (s *SQLiteStore) GetBalances(ctx context.Context, userID string) ([]domain.Balance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, chain, amount, updated_at FROM balances WHERE user_id = ? ORDER BY chain`, userID)
	if err != nil {
		return nil, fmt.Errorf("query balances: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close balance rows", "error", closeErr)
		}
	}()

	var balances []domain.Balance
	for rows.Next() {
		var b domain.Balance
		var chain, amount string
		var updatedAt int64
		if err := rows.Scan(&b.UserID, &chain, &amount, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan balance row: %w", err)
		}
		if b.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse balance %q: %w", amount, err)
		}
		b.Chain = domain.Chain(chain)
		b.UpdatedAt = time.Unix(updatedAt, 0)
		balances = append(balances, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate balances: %w", err)
	}
	return balances, nil
}

func (s *SQLiteStore) querySessions(ctx context.Context, query string, args ...interface{}) ([]*domain.DepositSession, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.DepositSession
	for rows.Next() {
		session, err := scanSession(rows)
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

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*domain.DepositSession, error) {
	var session domain.DepositSession
	var chain, status, expected string
	var index, createdAt, expiresAt, confirmations int64
	var sentAt, completedAt sql.NullInt64
	var txHash, observed, vaultTx, reason sql.NullString

	err := row.Scan(
		&session.Token, &session.UserID, &chain, &session.ReceivingAddress, &index,
		&expected, &status, &createdAt, &expiresAt, &sentAt,
		&txHash, &confirmations, &observed,
		&completedAt, &vaultTx, &reason,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	session.Chain = domain.Chain(chain)
	session.Status = domain.Status(status)
	session.DerivationIndex = uint32(index)
	session.CreatedAt = time.Unix(createdAt, 0)
	session.ExpiresAt = time.Unix(expiresAt, 0)
	session.ObservedTxHash = txHash.String
	session.ObservedConfirmations = confirmations
	session.VaultTxHash = vaultTx.String
	session.DeclineReason = reason.String

	if session.ExpectedAmount, err = decimal.NewFromString(expected); err != nil {
		return nil, fmt.Errorf("parse expected amount %q: %w", expected, err)
	}
	if observed.Valid && observed.String != "" {
		if session.ObservedAmount, err = decimal.NewFromString(observed.String); err != nil {
			return nil, fmt.Errorf("parse observed amount %q: %w", observed.String, err)
		}
	}
	if sentAt.Valid {
		ts := time.Unix(sentAt.Int64, 0)
		session.SentAt = &ts
	}
	if completedAt.Valid {
		ts := time.Unix(completedAt.Int64, 0)
		session.CompletedAt = &ts
	}
	return &session, nil
}

func requireOneRow(result sql.Result, op, token string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn(op+" affected 0 rows", "session_token", token)
		return ErrStaleStatus
	}
	return nil
}

// statusesBefore returns the open statuses from which next is reachable.
func statusesBefore(next domain.Status) []domain.Status {
	var from []domain.Status
	for _, st := range domain.OpenStatuses() {
		if st.CanTransitionTo(next) {
			from = append(from, st)
		}
	}
	return from
}

// expiryOutcome maps an open status to its terminal status on expiry.
func expiryOutcome(status domain.Status) (domain.Status, string) {
	if status == domain.StatusUserConfirmedSent {
		return domain.StatusDeclined, declineReasonExpired
	}
	return domain.StatusExpired, ""
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
