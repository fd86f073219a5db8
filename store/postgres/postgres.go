/*
Package postgres provides a PostgreSQL-backed implementation of the wallet storage interfaces.

PURPOSE:
  Production store. Same schema as store/sqlite, but concurrency comes from
  row locks instead of a single writer, so different users' wallets are
  updated in parallel.

UNIT OF WORK:
  BEGIN
  INSERT INTO wallets ... ON CONFLICT DO NOTHING   (lazy creation)
  SELECT ... FROM wallets WHERE user_id = $1 FOR UPDATE
  ... fn(tx) ...
  COMMIT

ERROR MAPPING:
  23505 on idempotency_key   -> wallet.ErrDuplicateIdempotencyKey
  40001 / 40P01              -> wallet.ErrConcurrentModification (retried by the engine)
  23514 (CHECK constraint)   -> wallet.ErrInvariantViolation

SEE ALSO:
  - store/sqlite/sqlite.go: Single-node equivalent
  - wallet/store.go: Interface definitions
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warp/coin-ledger/wallet"
)

const schema = `
CREATE TABLE IF NOT EXISTS wallets (
	user_id        TEXT PRIMARY KEY,
	balance        BIGINT NOT NULL DEFAULT 0,
	held_balance   BIGINT NOT NULL DEFAULT 0,
	lifetime_spent BIGINT NOT NULL DEFAULT 0,
	tier           TEXT NOT NULL DEFAULT 'bronze',
	version        BIGINT NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT wallets_balance_non_negative CHECK (balance >= 0),
	CONSTRAINT wallets_held_within_balance CHECK (held_balance >= 0 AND held_balance <= balance)
);

CREATE TABLE IF NOT EXISTS wallet_transactions (
	seq                    BIGSERIAL PRIMARY KEY,
	id                     TEXT NOT NULL UNIQUE,
	user_id                TEXT NOT NULL REFERENCES wallets(user_id),
	amount                 BIGINT NOT NULL,
	tx_type                TEXT NOT NULL,
	status                 TEXT NOT NULL,
	description            TEXT,
	idempotency_key        TEXT,
	related_transaction_id TEXT,
	metadata               JSONB,
	created_at             TIMESTAMPTZ NOT NULL,
	CONSTRAINT wallet_transactions_idempotency_key_key UNIQUE (idempotency_key)
);

CREATE INDEX IF NOT EXISTS idx_wallet_transactions_user ON wallet_transactions(user_id, seq DESC);

CREATE TABLE IF NOT EXISTS wallet_holds (
	id                        TEXT PRIMARY KEY,
	user_id                   TEXT NOT NULL REFERENCES wallets(user_id),
	amount                    BIGINT NOT NULL CHECK (amount > 0),
	purpose                   TEXT,
	status                    TEXT NOT NULL DEFAULT 'active',
	settlement_transaction_id TEXT,
	created_at                TIMESTAMPTZ NOT NULL,
	resolved_at               TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_wallet_holds_user_status ON wallet_holds(user_id, status);

CREATE TABLE IF NOT EXISTS reconciliation_runs (
	id              TEXT PRIMARY KEY,
	status          TEXT NOT NULL,
	wallets_checked INTEGER NOT NULL DEFAULT 0,
	discrepancies   JSONB,
	error           TEXT,
	started_at      TIMESTAMPTZ NOT NULL,
	completed_at    TIMESTAMPTZ
);
`

// Store implements wallet.Store and wallet.RunStore on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pool for databaseURL and applies the schema.
func Connect(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	s := New(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// =============================================================================
// READER
// =============================================================================

func (s *Store) GetWallet(ctx context.Context, userID wallet.UserID) (*wallet.Wallet, error) {
	return getWallet(ctx, s.pool, userID, false)
}

func (s *Store) GetHold(ctx context.Context, id wallet.HoldID) (*wallet.Hold, error) {
	return getHold(ctx, s.pool, id)
}

func (s *Store) TransactionByKey(ctx context.Context, idempotencyKey string) (*wallet.Transaction, error) {
	return transactionByKey(ctx, s.pool, idempotencyKey)
}

func (s *Store) Transactions(ctx context.Context, userID wallet.UserID, limit int) ([]wallet.Transaction, error) {
	query := `
		SELECT id, user_id, amount, tx_type, status, description, idempotency_key,
		       related_transaction_id, metadata, created_at
		FROM wallet_transactions
		WHERE user_id = $1
		ORDER BY seq DESC`
	args := []any{string(userID)}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var txs []wallet.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func (s *Store) SumTransactions(ctx context.Context, userID wallet.UserID) (int64, error) {
	var sum int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::BIGINT FROM wallet_transactions WHERE user_id = $1 AND status = $2`,
		string(userID), string(wallet.StatusCompleted),
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum transactions: %w", err)
	}
	return sum, nil
}

func (s *Store) ListUserIDs(ctx context.Context) ([]wallet.UserID, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id FROM wallets ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	defer rows.Close()

	var ids []wallet.UserID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, wallet.UserID(id))
	}
	return ids, rows.Err()
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

func (s *Store) WithWallet(ctx context.Context, userID wallet.UserID, fn func(wallet.WalletTx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return mapError(err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx,
		`INSERT INTO wallets (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`,
		string(userID),
	); err != nil {
		return mapError(err)
	}

	locked, err := getWallet(ctx, tx, userID, true)
	if err != nil {
		return mapError(err)
	}
	if locked == nil {
		return fmt.Errorf("wallet %s vanished after insert", userID)
	}

	if err := fn(&txStore{tx: tx, userID: userID, wallet: *locked}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return mapError(err)
	}
	return nil
}

type txStore struct {
	tx     pgx.Tx
	userID wallet.UserID
	wallet wallet.Wallet
}

// Wallet returns the row locked when the unit of work began, plus any
// changes saved since.
func (ts *txStore) Wallet(context.Context) (wallet.Wallet, error) {
	return ts.wallet, nil
}

func (ts *txStore) SaveWallet(ctx context.Context, w wallet.Wallet) error {
	if w.UserID != ts.userID {
		return fmt.Errorf("save wallet %s inside unit of work for %s", w.UserID, ts.userID)
	}
	if err := w.CheckInvariants(); err != nil {
		return err
	}
	_, err := ts.tx.Exec(ctx, `
		UPDATE wallets
		SET balance = $2, held_balance = $3, lifetime_spent = $4, tier = $5, version = $6, updated_at = $7
		WHERE user_id = $1`,
		string(w.UserID), w.Balance, w.HeldBalance, w.LifetimeSpent, string(w.Tier), w.Version, w.UpdatedAt,
	)
	if err != nil {
		return mapError(err)
	}
	ts.wallet = w
	return nil
}

func (ts *txStore) InsertTransaction(ctx context.Context, t wallet.Transaction) error {
	var metadata []byte
	if t.Metadata != nil {
		var err error
		if metadata, err = json.Marshal(t.Metadata); err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
	}
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO wallet_transactions
			(id, user_id, amount, tx_type, status, description, idempotency_key,
			 related_transaction_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10)`,
		string(t.ID), string(t.UserID), t.Amount, string(t.Type), string(t.Status), t.Description,
		nullable(t.IdempotencyKey), nullable(string(t.RelatedTransactionID)), nullableJSON(metadata), t.CreatedAt,
	)
	return mapError(err)
}

func (ts *txStore) TransactionByKey(ctx context.Context, idempotencyKey string) (*wallet.Transaction, error) {
	return transactionByKey(ctx, ts.tx, idempotencyKey)
}

func (ts *txStore) InsertHold(ctx context.Context, h wallet.Hold) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO wallet_holds (id, user_id, amount, purpose, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		string(h.ID), string(h.UserID), h.Amount, h.Purpose, string(h.Status), h.CreatedAt,
	)
	return mapError(err)
}

func (ts *txStore) Hold(ctx context.Context, id wallet.HoldID) (*wallet.Hold, error) {
	return getHold(ctx, ts.tx, id)
}

func (ts *txStore) SaveHold(ctx context.Context, h wallet.Hold) error {
	_, err := ts.tx.Exec(ctx, `
		UPDATE wallet_holds
		SET status = $3, settlement_transaction_id = $4, resolved_at = $5
		WHERE id = $1 AND user_id = $2`,
		string(h.ID), string(ts.userID), string(h.Status), nullable(string(h.SettlementTransactionID)), h.ResolvedAt,
	)
	return mapError(err)
}

// =============================================================================
// RECONCILIATION RUNS
// =============================================================================

func (s *Store) SaveReconciliationRun(ctx context.Context, r wallet.ReconciliationRun) error {
	discrepancies, err := json.Marshal(r.Discrepancies)
	if err != nil {
		return err
	}
	var completedAt any
	if !r.CompletedAt.IsZero() {
		completedAt = r.CompletedAt
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO reconciliation_runs (id, status, wallets_checked, discrepancies, error, started_at, completed_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			wallets_checked = EXCLUDED.wallets_checked,
			discrepancies = EXCLUDED.discrepancies,
			error = EXCLUDED.error,
			completed_at = EXCLUDED.completed_at`,
		r.ID, r.Status, r.WalletsChecked, string(discrepancies), nullable(r.Error), r.StartedAt, completedAt,
	)
	return err
}

func (s *Store) ListReconciliationRuns(ctx context.Context, limit int) ([]wallet.ReconciliationRun, error) {
	query := `
		SELECT id, status, wallets_checked, discrepancies, error, started_at, completed_at
		FROM reconciliation_runs
		ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []wallet.ReconciliationRun
	for rows.Next() {
		var (
			r             wallet.ReconciliationRun
			discrepancies []byte
			errMsg        *string
			completedAt   *time.Time
		)
		if err := rows.Scan(&r.ID, &r.Status, &r.WalletsChecked, &discrepancies, &errMsg, &r.StartedAt, &completedAt); err != nil {
			return nil, err
		}
		if len(discrepancies) > 0 {
			if err := json.Unmarshal(discrepancies, &r.Discrepancies); err != nil {
				return nil, fmt.Errorf("decode discrepancies of run %s: %w", r.ID, err)
			}
		}
		if errMsg != nil {
			r.Error = *errMsg
		}
		if completedAt != nil {
			r.CompletedAt = *completedAt
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// SHARED QUERIES
// =============================================================================

func getWallet(ctx context.Context, q querier, userID wallet.UserID, forUpdate bool) (*wallet.Wallet, error) {
	query := `
		SELECT user_id, balance, held_balance, lifetime_spent, tier, version, created_at, updated_at
		FROM wallets WHERE user_id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}

	var (
		w    wallet.Wallet
		id   string
		tier string
	)
	err := q.QueryRow(ctx, query, string(userID)).Scan(
		&id, &w.Balance, &w.HeldBalance, &w.LifetimeSpent, &tier, &w.Version, &w.CreatedAt, &w.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	w.UserID = wallet.UserID(id)
	w.Tier = wallet.Tier(tier)
	return &w, nil
}

func getHold(ctx context.Context, q querier, id wallet.HoldID) (*wallet.Hold, error) {
	var (
		h            wallet.Hold
		holdID       string
		userID       string
		purpose      *string
		status       string
		settlementID *string
	)
	err := q.QueryRow(ctx, `
		SELECT id, user_id, amount, purpose, status, settlement_transaction_id, created_at, resolved_at
		FROM wallet_holds WHERE id = $1`, string(id),
	).Scan(&holdID, &userID, &h.Amount, &purpose, &status, &settlementID, &h.CreatedAt, &h.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get hold: %w", err)
	}
	h.ID = wallet.HoldID(holdID)
	h.UserID = wallet.UserID(userID)
	h.Status = wallet.HoldStatus(status)
	if purpose != nil {
		h.Purpose = *purpose
	}
	if settlementID != nil {
		h.SettlementTransactionID = wallet.TransactionID(*settlementID)
	}
	return &h, nil
}

func transactionByKey(ctx context.Context, q querier, idempotencyKey string) (*wallet.Transaction, error) {
	rows, err := q.Query(ctx, `
		SELECT id, user_id, amount, tx_type, status, description, idempotency_key,
		       related_transaction_id, metadata, created_at
		FROM wallet_transactions
		WHERE idempotency_key = $1`, idempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("query transaction by key: %w", err)
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

func scanTransaction(rows pgx.Rows) (wallet.Transaction, error) {
	var (
		tx                         wallet.Transaction
		id, userID, txType, status string
		description, key, related  *string
		metadata                   []byte
	)
	if err := rows.Scan(&id, &userID, &tx.Amount, &txType, &status, &description, &key, &related, &metadata, &tx.CreatedAt); err != nil {
		return tx, fmt.Errorf("scan transaction: %w", err)
	}
	tx.ID = wallet.TransactionID(id)
	tx.UserID = wallet.UserID(userID)
	tx.Type = wallet.TransactionType(txType)
	tx.Status = wallet.TransactionStatus(status)
	if description != nil {
		tx.Description = *description
	}
	if key != nil {
		tx.IdempotencyKey = *key
	}
	if related != nil {
		tx.RelatedTransactionID = wallet.TransactionID(*related)
	}
	if len(metadata) > 0 {
		decoded, err := wallet.DecodeMetadata(metadata)
		if err != nil {
			return tx, fmt.Errorf("decode metadata of %s: %w", id, err)
		}
		tx.Metadata = decoded
	}
	return tx, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableJSON(b []byte) *string {
	if len(b) == 0 {
		return nil
	}
	s := string(b)
	return &s
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505":
		if pgErr.ConstraintName == "wallet_transactions_idempotency_key_key" {
			return wallet.ErrDuplicateIdempotencyKey
		}
	case "40001", "40P01":
		return fmt.Errorf("%w: %s", wallet.ErrConcurrentModification, pgErr.Message)
	case "23514":
		return fmt.Errorf("%w: %s", wallet.ErrInvariantViolation, pgErr.ConstraintName)
	}
	return err
}

var (
	_ wallet.Store    = (*Store)(nil)
	_ wallet.RunStore = (*Store)(nil)
)
