package ledger

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/ledgerworks/wallet_ledger/internal/clock"
)

// Request describes one balance-moving operation. AssetTypeID must already carry the
// caller's default; the coordinator never substitutes one.
type Request struct {
	UserID         int64
	Amount         int64
	IdempotencyKey string
	AssetTypeID    int64
}

// Result is the outcome of an operation. Replayed is set when the idempotency key had
// already been applied, in which case Entries is empty.
type Result struct {
	Transaction Transaction
	Entries     []LedgerEntry
	Replayed    bool
}

// binding ties the generic protocol to one operation's wallet roles.
type binding struct {
	txType       TransactionType
	systemWallet string
	userIsSource bool
}

var (
	topUpBinding = binding{txType: TransactionTopUp, systemWallet: SystemTreasury}
	bonusBinding = binding{txType: TransactionBonus, systemWallet: SystemRewards}
	spendBinding = binding{txType: TransactionSpend, systemWallet: SystemRevenue, userIsSource: true}
)

// Coordinator runs every balance mutation as a single unit of work over a Store.
type Coordinator struct {
	store  Store
	clock  clock.Clock
	logger *slog.Logger
	seed   int64
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the timestamp source.
func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(co *Coordinator) { co.logger = l }
}

// WithSystemSeed sets the opening balance for TREASURY and REWARDS wallets.
func WithSystemSeed(seed int64) Option {
	return func(co *Coordinator) { co.seed = seed }
}

// NewCoordinator builds a coordinator over the given store.
func NewCoordinator(store Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:  store,
		clock:  clock.Real{},
		logger: slog.New(slog.DiscardHandler),
		seed:   DefaultSystemSeed,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Store exposes the backing store for read-only lookups.
func (c *Coordinator) Store() Store {
	return c.store
}

// TopUp moves funds from the TREASURY wallet into the user's wallet.
func (c *Coordinator) TopUp(ctx context.Context, req Request) (Result, error) {
	return c.execute(ctx, req, topUpBinding)
}

// Bonus grants funds from the REWARDS wallet to the user's wallet.
func (c *Coordinator) Bonus(ctx context.Context, req Request) (Result, error) {
	return c.execute(ctx, req, bonusBinding)
}

// Spend moves funds from the user's wallet into the REVENUE wallet.
func (c *Coordinator) Spend(ctx context.Context, req Request) (Result, error) {
	return c.execute(ctx, req, spendBinding)
}

func (c *Coordinator) execute(ctx context.Context, req Request, b binding) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{}, err
	}

	uow, err := c.store.Begin(ctx)
	if err != nil {
		return Result{}, err
	}
	defer uow.Rollback(ctx) // nolint:errcheck

	existing, err := uow.TransactionByKey(ctx, req.IdempotencyKey)
	switch {
	case err == nil:
		c.logger.DebugContext(ctx, "ledger operation replayed",
			slog.String("type", string(b.txType)),
			slog.String("idempotency_key", req.IdempotencyKey),
			slog.Int64("transaction_id", existing.ID))
		return Result{Transaction: existing, Replayed: true}, nil
	case !errors.Is(err, ErrTransactionNotFound):
		return Result{}, err
	}

	var user Wallet
	if b.userIsSource {
		user, err = uow.UserWallet(ctx, req.UserID, req.AssetTypeID)
		if errors.Is(err, ErrWalletNotFound) {
			return Result{}, fmt.Errorf("%w: user %d asset type %d", ErrWalletNotFound, req.UserID, req.AssetTypeID)
		}
	} else {
		user, err = uow.FindOrCreateUserWallet(ctx, req.UserID, req.AssetTypeID)
	}
	if err != nil {
		return Result{}, err
	}

	system, err := uow.SystemWallet(ctx, b.systemWallet, req.AssetTypeID)
	if err != nil {
		if errors.Is(err, ErrWalletNotFound) {
			c.logger.ErrorContext(ctx, "system wallet missing",
				slog.String("wallet", b.systemWallet),
				slog.Int64("asset_type_id", req.AssetTypeID))
			return Result{}, fmt.Errorf("%w: %s for asset type %d", ErrSystemWalletMissing, b.systemWallet, req.AssetTypeID)
		}
		return Result{}, err
	}

	locked, err := uow.LockWallets(ctx, lockOrder(user.ID, system.ID))
	if err != nil {
		return Result{}, err
	}
	source, destination := locked[system.ID], locked[user.ID]
	if b.userIsSource {
		source, destination = destination, source
	}

	now := c.clock.Now()
	outcome, err := uow.InsertTransaction(ctx, Transaction{
		UserID:         req.UserID,
		Type:           b.txType,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
	})
	if err != nil {
		return Result{}, err
	}
	if outcome.Status == InsertAlreadyExists {
		c.logger.InfoContext(ctx, "idempotency key won by concurrent request",
			slog.String("idempotency_key", req.IdempotencyKey),
			slog.Int64("transaction_id", outcome.Transaction.ID))
		return Result{Transaction: outcome.Transaction, Replayed: true}, nil
	}
	txn := outcome.Transaction

	if source.Balance < req.Amount {
		return Result{}, fmt.Errorf("%w: wallet %d holds %d, needs %d", ErrInsufficientFunds, source.ID, source.Balance, req.Amount)
	}
	if destination.Balance > math.MaxInt64-req.Amount {
		return Result{}, fmt.Errorf("%w: wallet %d", ErrBalanceOverflow, destination.ID)
	}

	debited, err := uow.UpdateBalance(ctx, source.ID, source.Balance, source.Balance-req.Amount)
	if err != nil {
		return Result{}, err
	}
	out, err := uow.AppendEntry(ctx, LedgerEntry{
		TransactionID: txn.ID,
		WalletID:      debited.ID,
		Direction:     DirectionOut,
		Amount:        req.Amount,
		BalanceAfter:  debited.Balance,
		CreatedAt:     now,
	})
	if err != nil {
		return Result{}, err
	}

	credited, err := uow.UpdateBalance(ctx, destination.ID, destination.Balance, destination.Balance+req.Amount)
	if err != nil {
		return Result{}, err
	}
	in, err := uow.AppendEntry(ctx, LedgerEntry{
		TransactionID: txn.ID,
		WalletID:      credited.ID,
		Direction:     DirectionIn,
		Amount:        req.Amount,
		BalanceAfter:  credited.Balance,
		CreatedAt:     now,
	})
	if err != nil {
		return Result{}, err
	}

	if err := uow.Commit(ctx); err != nil {
		return Result{}, err
	}

	c.logger.InfoContext(ctx, "ledger operation applied",
		slog.String("type", string(b.txType)),
		slog.Int64("transaction_id", txn.ID),
		slog.Int64("user_id", req.UserID),
		slog.Int64("asset_type_id", req.AssetTypeID),
		slog.Int64("amount", req.Amount))

	return Result{Transaction: txn, Entries: []LedgerEntry{out, in}}, nil
}

// Balance returns the user's balance in one asset type, or zero when the user has
// never held it. It never creates a wallet.
func (c *Coordinator) Balance(ctx context.Context, userID, assetTypeID int64) (int64, error) {
	if userID <= 0 {
		return 0, ErrInvalidUser
	}
	if assetTypeID <= 0 {
		return 0, ErrInvalidAssetType
	}
	w, err := c.store.UserWallet(ctx, userID, assetTypeID)
	if errors.Is(err, ErrWalletNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return w.Balance, nil
}

// AllBalances returns one entry per catalog asset type ordered by id, zero-filled for
// asset types the user has never transacted in.
func (c *Coordinator) AllBalances(ctx context.Context, userID int64) ([]AssetBalance, error) {
	if userID <= 0 {
		return nil, ErrInvalidUser
	}
	assets, err := c.store.ListAssetTypes(ctx)
	if err != nil {
		return nil, err
	}
	wallets, err := c.store.UserWallets(ctx, userID)
	if err != nil {
		return nil, err
	}

	byAsset := make(map[int64]int64, len(wallets))
	for _, w := range wallets {
		byAsset[w.AssetTypeID] = w.Balance
	}

	slices.SortFunc(assets, func(a, b AssetType) int { return cmp.Compare(a.ID, b.ID) })

	out := make([]AssetBalance, 0, len(assets))
	for _, a := range assets {
		out = append(out, AssetBalance{
			AssetTypeID: a.ID,
			AssetCode:   a.Code,
			AssetName:   a.Name,
			Balance:     byAsset[a.ID],
		})
	}
	return out, nil
}

func (r Request) validate() error {
	switch {
	case r.UserID <= 0:
		return ErrInvalidUser
	case r.Amount <= 0:
		return ErrInvalidAmount
	case r.AssetTypeID <= 0:
		return ErrInvalidAssetType
	case r.IdempotencyKey == "":
		return ErrMissingIdempotencyKey
	}
	return nil
}

// lockOrder returns the distinct wallet ids in ascending order. Every unit of work
// locks through it, which makes the lock order global and rules out deadlock.
func lockOrder(ids ...int64) []int64 {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
