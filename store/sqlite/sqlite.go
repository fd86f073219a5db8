/*
Package sqlite provides a SQLite-backed implementation of the wallet storage interfaces.

PURPOSE:
  Implements wallet.Store and wallet.RunStore using SQLite. The PostgreSQL
  store (store/postgres) follows the same schema with row locks instead of
  a single writer.

INTERFACES IMPLEMENTED:
  wallet.Store:    Wallets, transactions, holds + WithWallet unit of work
  wallet.RunStore: Reconciliation run history

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on wallet_transactions
  - No DELETE statements on wallet_transactions
  - Corrections are new adjustment transactions

KEY TABLES:
  wallets:              One row per user (balance, held_balance, tier)
  wallet_transactions:  Immutable ledger
  wallet_holds:         Two-phase reservations
  reconciliation_runs:  Scheduler sweeps

CONSTRAINTS:
  - CHECK (balance >= 0 AND held_balance >= 0 AND held_balance <= balance)
  - UNIQUE idempotency_key (NULL when absent)

CONCURRENCY:
  SQLite has a single writer. WithWallet holds the store mutex for the whole
  unit of work and the pool is capped at one connection, so ":memory:"
  databases are shared by every query.

USAGE:
  store, err := sqlite.New("./data/wallet.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := wallet.NewService(store)

SEE ALSO:
  - wallet/store.go: Interface definitions
  - wallet/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/coin-ledger/wallet"
)

// Store implements the wallet storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS wallets (
		user_id TEXT PRIMARY KEY,
		balance INTEGER NOT NULL DEFAULT 0,
		held_balance INTEGER NOT NULL DEFAULT 0,
		lifetime_spent INTEGER NOT NULL DEFAULT 0,
		tier TEXT NOT NULL DEFAULT 'bronze',
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (balance >= 0),
		CHECK (held_balance >= 0 AND held_balance <= balance)
	);

	-- Append-only ledger
	CREATE TABLE IF NOT EXISTS wallet_transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		amount INTEGER NOT NULL,
		tx_type TEXT NOT NULL,
		status TEXT NOT NULL,
		description TEXT,
		idempotency_key TEXT UNIQUE,
		related_transaction_id TEXT,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_wallet_transactions_user
		ON wallet_transactions(user_id, seq DESC);
	CREATE INDEX IF NOT EXISTS idx_wallet_transactions_related
		ON wallet_transactions(related_transaction_id) WHERE related_transaction_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS wallet_holds (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		amount INTEGER NOT NULL CHECK (amount > 0),
		purpose TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		settlement_transaction_id TEXT,
		created_at TEXT NOT NULL,
		resolved_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_wallet_holds_user_status
		ON wallet_holds(user_id, status);

	CREATE TABLE IF NOT EXISTS reconciliation_runs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		wallets_checked INTEGER NOT NULL DEFAULT 0,
		discrepancies_json TEXT,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_reconciliation_runs_started
		ON reconciliation_runs(started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// READER (wallet.Reader interface)
// =============================================================================

func (s *Store) GetWallet(ctx context.Context, userID wallet.UserID) (*wallet.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getWallet(ctx, s.db, userID)
}

func (s *Store) GetHold(ctx context.Context, id wallet.HoldID) (*wallet.Hold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getHold(ctx, s.db, id)
}

func (s *Store) TransactionByKey(ctx context.Context, idempotencyKey string) (*wallet.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return transactionByKey(ctx, s.db, idempotencyKey)
}

// Transactions returns the newest transactions first.
func (s *Store) Transactions(ctx context.Context, userID wallet.UserID, limit int) ([]wallet.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, user_id, amount, tx_type, status, description, idempotency_key,
		       related_transaction_id, metadata_json, created_at
		FROM wallet_transactions
		WHERE user_id = ?
		ORDER BY seq DESC
	`
	args := []any{userID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []wallet.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func (s *Store) SumTransactions(ctx context.Context, userID wallet.UserID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(amount), 0) FROM wallet_transactions WHERE user_id = ? AND status = ?",
		userID, wallet.StatusCompleted,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum transactions: %w", err)
	}
	return sum, nil
}

func (s *Store) ListUserIDs(ctx context.Context) ([]wallet.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT user_id FROM wallets ORDER BY user_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}
	defer rows.Close()

	var ids []wallet.UserID
	for rows.Next() {
		var id wallet.UserID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// =============================================================================
// UNIT OF WORK (wallet.Store interface)
// =============================================================================

// WithWallet executes fn within a database transaction that owns userID's
// wallet row. The wallet is inserted with zero balances if missing.
func (s *Store) WithWallet(ctx context.Context, userID wallet.UserID, fn func(wallet.WalletTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	now := formatTime(time.Now().UTC())
	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO wallets (user_id, created_at, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO NOTHING
	`, userID, now, now)
	if err != nil {
		return fmt.Errorf("failed to ensure wallet: %w", err)
	}

	if err := fn(&txStore{tx: sqlTx, userID: userID}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

type txStore struct {
	tx     *sql.Tx
	userID wallet.UserID
}

func (ts *txStore) Wallet(ctx context.Context) (wallet.Wallet, error) {
	w, err := getWallet(ctx, ts.tx, ts.userID)
	if err != nil {
		return wallet.Wallet{}, err
	}
	if w == nil {
		return wallet.Wallet{}, fmt.Errorf("wallet %s missing inside unit of work", ts.userID)
	}
	return *w, nil
}

func (ts *txStore) SaveWallet(ctx context.Context, w wallet.Wallet) error {
	if w.UserID != ts.userID {
		return fmt.Errorf("save wallet %s inside unit of work for %s", w.UserID, ts.userID)
	}
	if err := w.CheckInvariants(); err != nil {
		return err
	}
	_, err := ts.tx.ExecContext(ctx, `
		UPDATE wallets
		SET balance = ?, held_balance = ?, lifetime_spent = ?, tier = ?, version = ?, updated_at = ?
		WHERE user_id = ?
	`, w.Balance, w.HeldBalance, w.LifetimeSpent, string(w.Tier), w.Version, formatTime(w.UpdatedAt), w.UserID)
	if err != nil {
		return fmt.Errorf("failed to save wallet: %w", err)
	}
	return nil
}

func (ts *txStore) InsertTransaction(ctx context.Context, tx wallet.Transaction) error {
	metadataJSON, err := json.Marshal(tx.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	_, err = ts.tx.ExecContext(ctx, `
		INSERT INTO wallet_transactions
		(id, user_id, amount, tx_type, status, description, idempotency_key,
		 related_transaction_id, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tx.ID,
		tx.UserID,
		tx.Amount,
		tx.Type,
		tx.Status,
		tx.Description,
		nullString(tx.IdempotencyKey),
		nullString(string(tx.RelatedTransactionID)),
		string(metadataJSON),
		formatTime(tx.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err, "wallet_transactions.idempotency_key") {
			return wallet.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (ts *txStore) TransactionByKey(ctx context.Context, idempotencyKey string) (*wallet.Transaction, error) {
	return transactionByKey(ctx, ts.tx, idempotencyKey)
}

func (ts *txStore) InsertHold(ctx context.Context, h wallet.Hold) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO wallet_holds (id, user_id, amount, purpose, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, h.ID, h.UserID, h.Amount, h.Purpose, h.Status, formatTime(h.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert hold: %w", err)
	}
	return nil
}

func (ts *txStore) Hold(ctx context.Context, id wallet.HoldID) (*wallet.Hold, error) {
	return getHold(ctx, ts.tx, id)
}

func (ts *txStore) SaveHold(ctx context.Context, h wallet.Hold) error {
	var resolvedAt sql.NullString
	if h.ResolvedAt != nil {
		resolvedAt = sql.NullString{String: formatTime(*h.ResolvedAt), Valid: true}
	}
	_, err := ts.tx.ExecContext(ctx, `
		UPDATE wallet_holds
		SET status = ?, settlement_transaction_id = ?, resolved_at = ?
		WHERE id = ? AND user_id = ?
	`, h.Status, nullString(string(h.SettlementTransactionID)), resolvedAt, h.ID, ts.userID)
	if err != nil {
		return fmt.Errorf("failed to save hold: %w", err)
	}
	return nil
}

// =============================================================================
// RECONCILIATION RUNS (wallet.RunStore interface)
// =============================================================================

func (s *Store) SaveReconciliationRun(ctx context.Context, r wallet.ReconciliationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	discrepanciesJSON, err := json.Marshal(r.Discrepancies)
	if err != nil {
		return err
	}

	var completedAt sql.NullString
	if !r.CompletedAt.IsZero() {
		completedAt = sql.NullString{String: formatTime(r.CompletedAt), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reconciliation_runs (id, status, wallets_checked, discrepancies_json, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			wallets_checked = excluded.wallets_checked,
			discrepancies_json = excluded.discrepancies_json,
			error = excluded.error,
			completed_at = excluded.completed_at
	`, r.ID, r.Status, r.WalletsChecked, string(discrepanciesJSON), nullString(r.Error), formatTime(r.StartedAt), completedAt)
	return err
}

// ListReconciliationRuns returns the newest runs first.
func (s *Store) ListReconciliationRuns(ctx context.Context, limit int) ([]wallet.ReconciliationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, status, wallets_checked, discrepancies_json, error, started_at, completed_at
		FROM reconciliation_runs
		ORDER BY started_at DESC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []wallet.ReconciliationRun
	for rows.Next() {
		var (
			r                 wallet.ReconciliationRun
			discrepanciesJSON sql.NullString
			errMsg            sql.NullString
			startedAt         string
			completedAt       sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Status, &r.WalletsChecked, &discrepanciesJSON, &errMsg, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		if discrepanciesJSON.Valid && discrepanciesJSON.String != "" {
			if err := json.Unmarshal([]byte(discrepanciesJSON.String), &r.Discrepancies); err != nil {
				return nil, fmt.Errorf("failed to decode discrepancies of run %s: %w", r.ID, err)
			}
		}
		r.Error = errMsg.String
		r.StartedAt = parseTime(startedAt)
		if completedAt.Valid {
			r.CompletedAt = parseTime(completedAt.String)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// SHARED QUERIES
// =============================================================================

func getWallet(ctx context.Context, q queryer, userID wallet.UserID) (*wallet.Wallet, error) {
	var (
		w         wallet.Wallet
		tier      string
		createdAt string
		updatedAt string
	)
	err := q.QueryRowContext(ctx, `
		SELECT user_id, balance, held_balance, lifetime_spent, tier, version, created_at, updated_at
		FROM wallets WHERE user_id = ?
	`, userID).Scan(&w.UserID, &w.Balance, &w.HeldBalance, &w.LifetimeSpent, &tier, &w.Version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	w.Tier = wallet.Tier(tier)
	w.CreatedAt = parseTime(createdAt)
	w.UpdatedAt = parseTime(updatedAt)
	return &w, nil
}

func getHold(ctx context.Context, q queryer, id wallet.HoldID) (*wallet.Hold, error) {
	var (
		h            wallet.Hold
		purpose      sql.NullString
		settlementID sql.NullString
		createdAt    string
		resolvedAt   sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, user_id, amount, purpose, status, settlement_transaction_id, created_at, resolved_at
		FROM wallet_holds WHERE id = ?
	`, id).Scan(&h.ID, &h.UserID, &h.Amount, &purpose, &h.Status, &settlementID, &createdAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get hold: %w", err)
	}
	h.Purpose = purpose.String
	h.SettlementTransactionID = wallet.TransactionID(settlementID.String)
	h.CreatedAt = parseTime(createdAt)
	if resolvedAt.Valid {
		t := parseTime(resolvedAt.String)
		h.ResolvedAt = &t
	}
	return &h, nil
}

func transactionByKey(ctx context.Context, q queryer, idempotencyKey string) (*wallet.Transaction, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, user_id, amount, tx_type, status, description, idempotency_key,
		       related_transaction_id, metadata_json, created_at
		FROM wallet_transactions
		WHERE idempotency_key = ?
	`, idempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query transaction by key: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	tx, err := scanTransaction(rows)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func scanTransaction(rows *sql.Rows) (wallet.Transaction, error) {
	var (
		tx             wallet.Transaction
		description    sql.NullString
		idempotencyKey sql.NullString
		relatedID      sql.NullString
		metadataJSON   sql.NullString
		createdAt      string
	)

	err := rows.Scan(
		&tx.ID, &tx.UserID, &tx.Amount, &tx.Type, &tx.Status,
		&description, &idempotencyKey, &relatedID, &metadataJSON, &createdAt,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	tx.Description = description.String
	tx.IdempotencyKey = idempotencyKey.String
	tx.RelatedTransactionID = wallet.TransactionID(relatedID.String)
	tx.CreatedAt = parseTime(createdAt)

	if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
		metadata, err := wallet.DecodeMetadata([]byte(metadataJSON.String))
		if err != nil {
			return tx, fmt.Errorf("failed to decode metadata of %s: %w", tx.ID, err)
		}
		tx.Metadata = metadata
	}
	return tx, nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func isUniqueConstraintError(err error, column string) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") &&
		strings.Contains(err.Error(), column)
}

var (
	_ wallet.Store    = (*Store)(nil)
	_ wallet.RunStore = (*Store)(nil)
)
