/*
store.go - Persistence contract for wallets, transactions and holds

PURPOSE:
  Defines the interface between the engine and the database. Every write
  happens inside WithWallet, which is the atomic unit of work scoped to one
  wallet row.

KEY INTERFACES:
  Reader:   Plain reads outside any unit of work
  WalletTx: The view handed to a unit of work (locked wallet row)
  Store:    Reader + WithWallet
  RunStore: Reconciliation run history (optional capability)

UNIT OF WORK CONTRACT:
  WithWallet(ctx, userID, fn):
  - locks the user's wallet row for the duration of fn
    (Postgres: SELECT ... FOR UPDATE; SQLite: single writer transaction;
     memory: per-user mutex + staged writes)
  - creates the wallet with zero balances if it does not exist
  - commits everything fn wrote if fn returns nil, otherwise rolls back
  - different users never wait on each other (except SQLite, which has a
    single writer by construction)

APPEND-ONLY CONTRACT:
  Transactions have Insert and nothing else. No Update, no Delete.

IDEMPOTENCY:
  idempotency_key is UNIQUE when present. InsertTransaction returns
  ErrDuplicateIdempotencyKey on violation. The engine's pre-check is an
  optimization; this constraint is the guarantee.

IMPLEMENTATIONS:
  - wallet/store/memory.go: In-memory for testing and dev
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL via pgx
*/
package wallet

import "context"

// Reader serves reads that do not need the wallet lock.
type Reader interface {
	// GetWallet returns nil, nil if the user has no wallet yet.
	GetWallet(ctx context.Context, userID UserID) (*Wallet, error)

	// GetHold returns nil, nil if the hold does not exist.
	GetHold(ctx context.Context, id HoldID) (*Hold, error)

	// TransactionByKey returns nil, nil if no transaction carries the key.
	TransactionByKey(ctx context.Context, idempotencyKey string) (*Transaction, error)

	// Transactions returns the newest transactions first. limit <= 0 means all.
	Transactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error)

	// SumTransactions sums the amounts of all completed transactions.
	SumTransactions(ctx context.Context, userID UserID) (int64, error)

	// ListUserIDs returns every user that has a wallet.
	ListUserIDs(ctx context.Context) ([]UserID, error)
}

// WalletTx is the transactional view inside WithWallet.
type WalletTx interface {
	// Wallet returns the locked wallet row.
	Wallet(ctx context.Context) (Wallet, error)
	SaveWallet(ctx context.Context, w Wallet) error

	InsertTransaction(ctx context.Context, tx Transaction) error
	TransactionByKey(ctx context.Context, idempotencyKey string) (*Transaction, error)

	InsertHold(ctx context.Context, h Hold) error
	Hold(ctx context.Context, id HoldID) (*Hold, error)
	SaveHold(ctx context.Context, h Hold) error
}

// Store is the full persistence contract the engine needs.
type Store interface {
	Reader

	// WithWallet executes fn within one atomic unit of work on userID's wallet.
	// If fn returns error, everything is rolled back.
	WithWallet(ctx context.Context, userID UserID, fn func(tx WalletTx) error) error
}

// RunStore keeps the history of reconciliation sweeps.
type RunStore interface {
	SaveReconciliationRun(ctx context.Context, run ReconciliationRun) error
	ListReconciliationRuns(ctx context.Context, limit int) ([]ReconciliationRun, error)
}
