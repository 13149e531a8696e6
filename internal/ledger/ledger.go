package ledger

import (
	"context"
	"errors"
)

var (
	// ErrInsufficientFunds occurs when the debited wallet lacks available balance
	// to cover a requested posting.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrWalletNotFound is returned when a user wallet that must already exist does not.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrSystemWalletMissing means a SYSTEM wallet required by an operation is absent.
	// It indicates bootstrap was not run or the asset type is misconfigured.
	ErrSystemWalletMissing = errors.New("system wallet missing")

	// ErrTransactionNotFound is returned by idempotency key lookups that match nothing.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrAssetTypeNotFound is returned when an asset type id is not in the catalog.
	ErrAssetTypeNotFound = errors.New("asset type not found")

	// ErrTransient marks lock timeouts, deadlock victims and connectivity failures.
	// Retrying with the same idempotency key is always safe.
	ErrTransient = errors.New("transient persistence failure")

	ErrInvalidAmount         = errors.New("amount must be positive")
	ErrInvalidUser           = errors.New("user id must be positive")
	ErrInvalidAssetType      = errors.New("asset type id must be positive")
	ErrMissingIdempotencyKey = errors.New("idempotency key is required")
	ErrBalanceOverflow       = errors.New("balance overflow")

	// ErrStaleWallet means a compare-and-set balance update found a different balance
	// than the locked snapshot. It cannot happen while the row lock is held.
	ErrStaleWallet = errors.New("wallet balance changed under lock")
)

// InsertStatus distinguishes a fresh transaction row from one already recorded under
// the same idempotency key.
type InsertStatus int

const (
	InsertCreated InsertStatus = iota + 1
	InsertAlreadyExists
)

// InsertOutcome is the result of an attempt to record a transaction. When Status is
// InsertAlreadyExists, Transaction holds the row that won the key.
type InsertOutcome struct {
	Status      InsertStatus
	Transaction Transaction
}

// Store is the persistence contract the coordinator relies on. Reads on Store run
// outside any unit of work and never block on wallet locks.
type Store interface {
	Begin(ctx context.Context) (UnitOfWork, error)

	ListAssetTypes(ctx context.Context) ([]AssetType, error)
	AssetType(ctx context.Context, id int64) (AssetType, error)

	UserWallet(ctx context.Context, userID, assetTypeID int64) (Wallet, error)
	UserWallets(ctx context.Context, userID int64) ([]Wallet, error)
	EnsureSystemWallet(ctx context.Context, name string, assetTypeID, seed int64) (Wallet, bool, error)

	TransactionByKey(ctx context.Context, key string) (Transaction, error)
	EntriesForTransaction(ctx context.Context, transactionID int64) ([]LedgerEntry, error)
}

// UnitOfWork is one atomic operation. Row locks taken by LockWallets are held until
// Commit or Rollback. Rollback after Commit is a no-op so callers can defer it.
type UnitOfWork interface {
	TransactionByKey(ctx context.Context, key string) (Transaction, error)

	UserWallet(ctx context.Context, userID, assetTypeID int64) (Wallet, error)
	FindOrCreateUserWallet(ctx context.Context, userID, assetTypeID int64) (Wallet, error)
	SystemWallet(ctx context.Context, name string, assetTypeID int64) (Wallet, error)

	// LockWallets acquires exclusive row locks in the order given and returns the
	// locked rows keyed by id.
	LockWallets(ctx context.Context, ids []int64) (map[int64]Wallet, error)
	UpdateBalance(ctx context.Context, walletID, expected, next int64) (Wallet, error)

	InsertTransaction(ctx context.Context, tx Transaction) (InsertOutcome, error)
	AppendEntry(ctx context.Context, entry LedgerEntry) (LedgerEntry, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// transientError carries both ErrTransient and the underlying driver error.
type transientError struct {
	err error
}

func (e *transientError) Error() string {
	return ErrTransient.Error() + ": " + e.err.Error()
}

func (e *transientError) Unwrap() []error {
	return []error{ErrTransient, e.err}
}

func transient(err error) error {
	if err == nil || errors.Is(err, ErrTransient) {
		return err
	}
	return &transientError{err: err}
}
