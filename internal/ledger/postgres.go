package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SQLSTATE codes the store reacts to.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
	pgSerializationFail   = "40001"
	pgDeadlockDetected    = "40P01"
	pgLockNotAvailable    = "55P03"
	pgQueryCanceled       = "57014"
)

const walletColumns = `id, owner_user_id, asset_type_id, kind, display_name, balance, created_at, updated_at`

// PostgresStore persists wallets, transactions and ledger entries in PostgreSQL.
type PostgresStore struct {
	db          *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresStore constructs a Postgres-backed store. lockTimeout bounds every row lock
// wait inside a unit of work; zero keeps the server default.
func NewPostgresStore(db *pgxpool.Pool, lockTimeout time.Duration) *PostgresStore {
	return &PostgresStore{db: db, lockTimeout: lockTimeout}
}

func (s *PostgresStore) Begin(ctx context.Context) (UnitOfWork, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, classify(err)
	}
	if s.lockTimeout > 0 {
		ms := fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, ms); err != nil {
			_ = tx.Rollback(ctx)
			return nil, classify(err)
		}
	}
	return &pgUnit{tx: tx}, nil
}

func (s *PostgresStore) ListAssetTypes(ctx context.Context) ([]AssetType, error) {
	rows, err := s.db.Query(ctx, `SELECT id, code, name FROM asset_types ORDER BY id`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []AssetType
	for rows.Next() {
		var a AssetType
		if err := rows.Scan(&a.ID, &a.Code, &a.Name); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, classify(rows.Err())
}

func (s *PostgresStore) AssetType(ctx context.Context, id int64) (AssetType, error) {
	var a AssetType
	err := s.db.QueryRow(ctx, `SELECT id, code, name FROM asset_types WHERE id = $1`, id).Scan(&a.ID, &a.Code, &a.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return AssetType{}, fmt.Errorf("%w: %d", ErrAssetTypeNotFound, id)
	}
	return a, classify(err)
}

func (s *PostgresStore) UserWallet(ctx context.Context, userID, assetTypeID int64) (Wallet, error) {
	return userWallet(ctx, s.db, userID, assetTypeID)
}

func (s *PostgresStore) UserWallets(ctx context.Context, userID int64) ([]Wallet, error) {
	rows, err := s.db.Query(ctx, `SELECT `+walletColumns+` FROM wallets
        WHERE kind = 'USER' AND owner_user_id = $1 ORDER BY asset_type_id`, userID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, classify(rows.Err())
}

func (s *PostgresStore) EnsureSystemWallet(ctx context.Context, name string, assetTypeID, seed int64) (Wallet, bool, error) {
	row := s.db.QueryRow(ctx, `INSERT INTO wallets (owner_user_id, asset_type_id, kind, display_name, balance)
        VALUES (NULL, $1, 'SYSTEM', $2, $3)
        ON CONFLICT (display_name, asset_type_id) WHERE kind = 'SYSTEM' DO NOTHING
        RETURNING `+walletColumns, assetTypeID, name, seed)
	w, err := scanWallet(row)
	switch {
	case err == nil:
		return w, true, nil
	case errors.Is(err, pgx.ErrNoRows):
		w, err = systemWallet(ctx, s.db, name, assetTypeID)
		return w, false, err
	default:
		return Wallet{}, false, classify(err)
	}
}

func (s *PostgresStore) TransactionByKey(ctx context.Context, key string) (Transaction, error) {
	return transactionByKey(ctx, s.db, key)
}

func (s *PostgresStore) EntriesForTransaction(ctx context.Context, transactionID int64) ([]LedgerEntry, error) {
	rows, err := s.db.Query(ctx, `SELECT id, transaction_id, wallet_id, direction, amount, balance_after, created_at
        FROM ledger_entries WHERE transaction_id = $1 ORDER BY id`, transactionID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.WalletID, &e.Direction, &e.Amount, &e.BalanceAfter, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, classify(rows.Err())
}

type pgUnit struct {
	tx pgx.Tx
}

func (u *pgUnit) TransactionByKey(ctx context.Context, key string) (Transaction, error) {
	return transactionByKey(ctx, u.tx, key)
}

func (u *pgUnit) UserWallet(ctx context.Context, userID, assetTypeID int64) (Wallet, error) {
	return userWallet(ctx, u.tx, userID, assetTypeID)
}

// FindOrCreateUserWallet inserts the wallet if absent. A concurrent creator makes the
// insert wait on the unique index and then do nothing, after which the winner's row is read.
func (u *pgUnit) FindOrCreateUserWallet(ctx context.Context, userID, assetTypeID int64) (Wallet, error) {
	row := u.tx.QueryRow(ctx, `INSERT INTO wallets (owner_user_id, asset_type_id, kind, display_name, balance)
        VALUES ($1, $2, 'USER', $3, 0)
        ON CONFLICT (owner_user_id, asset_type_id) WHERE kind = 'USER' DO NOTHING
        RETURNING `+walletColumns, userID, assetTypeID, UserWalletName)
	w, err := scanWallet(row)
	switch {
	case err == nil:
		return w, nil
	case errors.Is(err, pgx.ErrNoRows):
		return userWallet(ctx, u.tx, userID, assetTypeID)
	default:
		return Wallet{}, classify(err)
	}
}

func (u *pgUnit) SystemWallet(ctx context.Context, name string, assetTypeID int64) (Wallet, error) {
	return systemWallet(ctx, u.tx, name, assetTypeID)
}

func (u *pgUnit) LockWallets(ctx context.Context, ids []int64) (map[int64]Wallet, error) {
	out := make(map[int64]Wallet, len(ids))
	for _, id := range ids {
		w, err := scanWallet(u.tx.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %d", ErrWalletNotFound, id)
		}
		if err != nil {
			return nil, fmt.Errorf("lock wallet %d: %w", id, classify(err))
		}
		out[id] = w
	}
	return out, nil
}

func (u *pgUnit) UpdateBalance(ctx context.Context, walletID, expected, next int64) (Wallet, error) {
	w, err := scanWallet(u.tx.QueryRow(ctx, `UPDATE wallets SET balance = $3, updated_at = NOW()
        WHERE id = $1 AND balance = $2
        RETURNING `+walletColumns, walletID, expected, next))
	if errors.Is(err, pgx.ErrNoRows) {
		return Wallet{}, fmt.Errorf("%w: wallet %d", ErrStaleWallet, walletID)
	}
	if err != nil {
		return Wallet{}, classify(err)
	}
	return w, nil
}

func (u *pgUnit) InsertTransaction(ctx context.Context, tx Transaction) (InsertOutcome, error) {
	var created Transaction
	err := u.tx.QueryRow(ctx, `INSERT INTO transactions (user_id, type, idempotency_key, created_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (idempotency_key) DO NOTHING
        RETURNING id, user_id, type, idempotency_key, created_at`,
		tx.UserID, tx.Type, tx.IdempotencyKey, tx.CreatedAt,
	).Scan(&created.ID, &created.UserID, &created.Type, &created.IdempotencyKey, &created.CreatedAt)
	switch {
	case err == nil:
		return InsertOutcome{Status: InsertCreated, Transaction: created}, nil
	case errors.Is(err, pgx.ErrNoRows):
		existing, err := transactionByKey(ctx, u.tx, tx.IdempotencyKey)
		if err != nil {
			return InsertOutcome{}, err
		}
		return InsertOutcome{Status: InsertAlreadyExists, Transaction: existing}, nil
	default:
		return InsertOutcome{}, classify(err)
	}
}

func (u *pgUnit) AppendEntry(ctx context.Context, entry LedgerEntry) (LedgerEntry, error) {
	err := u.tx.QueryRow(ctx, `INSERT INTO ledger_entries (transaction_id, wallet_id, direction, amount, balance_after, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING id, created_at`,
		entry.TransactionID, entry.WalletID, entry.Direction, entry.Amount, entry.BalanceAfter, entry.CreatedAt,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return LedgerEntry{}, classify(err)
	}
	return entry, nil
}

func (u *pgUnit) Commit(ctx context.Context) error {
	return classify(u.tx.Commit(ctx))
}

func (u *pgUnit) Rollback(ctx context.Context) error {
	err := u.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func userWallet(ctx context.Context, q querier, userID, assetTypeID int64) (Wallet, error) {
	w, err := scanWallet(q.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets
        WHERE kind = 'USER' AND owner_user_id = $1 AND asset_type_id = $2`, userID, assetTypeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Wallet{}, ErrWalletNotFound
	}
	return w, classify(err)
}

func systemWallet(ctx context.Context, q querier, name string, assetTypeID int64) (Wallet, error) {
	w, err := scanWallet(q.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets
        WHERE kind = 'SYSTEM' AND display_name = $1 AND asset_type_id = $2`, name, assetTypeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Wallet{}, ErrWalletNotFound
	}
	return w, classify(err)
}

func transactionByKey(ctx context.Context, q querier, key string) (Transaction, error) {
	var t Transaction
	err := q.QueryRow(ctx, `SELECT id, user_id, type, idempotency_key, created_at
        FROM transactions WHERE idempotency_key = $1`, key,
	).Scan(&t.ID, &t.UserID, &t.Type, &t.IdempotencyKey, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, ErrTransactionNotFound
	}
	return t, classify(err)
}

func scanWallet(row pgx.Row) (Wallet, error) {
	var w Wallet
	err := row.Scan(&w.ID, &w.OwnerUserID, &w.AssetTypeID, &w.Kind, &w.DisplayName, &w.Balance, &w.CreatedAt, &w.UpdatedAt)
	return w, err
}

// classify maps driver errors onto the ledger's sentinel errors. Lock waits, deadlock
// victims, cancellations and dropped connections become ErrTransient.
func classify(err error) error {
	if err == nil || errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgLockNotAvailable, pgDeadlockDetected, pgSerializationFail, pgQueryCanceled:
			return transient(err)
		case pgCheckViolation:
			if pgErr.ConstraintName == "wallets_balance_non_negative" {
				return fmt.Errorf("%w: %s", ErrInsufficientFunds, pgErr.ConstraintName)
			}
		case pgForeignKeyViolation:
			if pgErr.ConstraintName == "wallets_asset_type_id_fkey" {
				return fmt.Errorf("%w: %s", ErrAssetTypeNotFound, pgErr.Detail)
			}
		case pgUniqueViolation:
			// ON CONFLICT clauses cover every expected race; reaching here means a
			// concurrent writer slipped past them and a retry will observe its row.
			return transient(err)
		}
		return err
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return transient(err)
	}
	return err
}
