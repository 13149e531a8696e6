package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ledgerworks/wallet_ledger/internal/clock"
)

func newTestCoordinator(t *testing.T, opts ...Option) (*Coordinator, Store) {
	t.Helper()
	store := NewInMemory()
	c := NewCoordinator(store, opts...)
	if _, err := c.InitializeSystemWallets(context.Background()); err != nil {
		t.Fatalf("initialize system wallets: %v", err)
	}
	return c, store
}

func systemBalance(t *testing.T, s Store, name string, assetTypeID int64) int64 {
	t.Helper()
	uow, err := s.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer uow.Rollback(context.Background()) // nolint:errcheck
	w, err := uow.SystemWallet(context.Background(), name, assetTypeID)
	if err != nil {
		t.Fatalf("system wallet %s/%d: %v", name, assetTypeID, err)
	}
	return w.Balance
}

func TestTopUpCreditsUserAndDebitsTreasury(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c, store := newTestCoordinator(t, WithClock(clock.Fixed(at)))
	ctx := context.Background()

	res, err := c.TopUp(ctx, Request{UserID: 7, Amount: 100, IdempotencyKey: "k1", AssetTypeID: 1})
	if err != nil {
		t.Fatalf("top up: %v", err)
	}
	if res.Replayed {
		t.Fatalf("first application reported as replay")
	}
	if res.Transaction.Type != TransactionTopUp || res.Transaction.UserID != 7 {
		t.Fatalf("unexpected transaction %+v", res.Transaction)
	}
	if !res.Transaction.CreatedAt.Equal(at) {
		t.Fatalf("expected created at %s got %s", at, res.Transaction.CreatedAt)
	}

	bal, err := c.Balance(ctx, 7, 1)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal != 100 {
		t.Fatalf("expected balance 100 got %d", bal)
	}
	if got := systemBalance(t, store, SystemTreasury, 1); got != DefaultSystemSeed-100 {
		t.Fatalf("expected treasury %d got %d", DefaultSystemSeed-100, got)
	}

	entries, err := store.EntriesForTransaction(ctx, res.Transaction.ID)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries got %d", len(entries))
	}
	var in, out int64
	for _, e := range entries {
		switch e.Direction {
		case DirectionIn:
			in += e.Amount
			if e.BalanceAfter != 100 {
				t.Fatalf("expected IN balance_after 100 got %d", e.BalanceAfter)
			}
		case DirectionOut:
			out += e.Amount
			if e.BalanceAfter != DefaultSystemSeed-100 {
				t.Fatalf("expected OUT balance_after %d got %d", DefaultSystemSeed-100, e.BalanceAfter)
			}
		}
	}
	if in != out || in != 100 {
		t.Fatalf("entries not balanced: in=%d out=%d", in, out)
	}
}

func TestReplaySameKeyIsNoOp(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()

	first, err := c.TopUp(ctx, Request{UserID: 7, Amount: 100, IdempotencyKey: "k1", AssetTypeID: 1})
	if err != nil {
		t.Fatalf("top up: %v", err)
	}
	second, err := c.TopUp(ctx, Request{UserID: 7, Amount: 100, IdempotencyKey: "k1", AssetTypeID: 1})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !second.Replayed {
		t.Fatalf("expected replay")
	}
	if second.Transaction.ID != first.Transaction.ID {
		t.Fatalf("replay returned transaction %d, want %d", second.Transaction.ID, first.Transaction.ID)
	}

	bal, _ := c.Balance(ctx, 7, 1)
	if bal != 100 {
		t.Fatalf("expected balance 100 after replay got %d", bal)
	}
	if got := systemBalance(t, store, SystemTreasury, 1); got != DefaultSystemSeed-100 {
		t.Fatalf("treasury moved on replay: %d", got)
	}
}

func TestReplayAcrossOperationTypesReturnsOriginal(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	if _, err := c.TopUp(ctx, Request{UserID: 7, Amount: 100, IdempotencyKey: "shared", AssetTypeID: 1}); err != nil {
		t.Fatalf("top up: %v", err)
	}
	res, err := c.Spend(ctx, Request{UserID: 7, Amount: 40, IdempotencyKey: "shared", AssetTypeID: 1})
	if err != nil {
		t.Fatalf("spend: %v", err)
	}
	if !res.Replayed || res.Transaction.Type != TransactionTopUp {
		t.Fatalf("expected replay of the top-up, got %+v", res)
	}
	if bal, _ := c.Balance(ctx, 7, 1); bal != 100 {
		t.Fatalf("expected balance 100 got %d", bal)
	}
}

func TestSpendMovesFundsToRevenue(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()

	if _, err := c.TopUp(ctx, Request{UserID: 7, Amount: 100, IdempotencyKey: "k1", AssetTypeID: 1}); err != nil {
		t.Fatalf("top up: %v", err)
	}
	if _, err := c.Spend(ctx, Request{UserID: 7, Amount: 30, IdempotencyKey: "k2", AssetTypeID: 1}); err != nil {
		t.Fatalf("spend: %v", err)
	}
	if bal, _ := c.Balance(ctx, 7, 1); bal != 70 {
		t.Fatalf("expected balance 70 got %d", bal)
	}
	if got := systemBalance(t, store, SystemRevenue, 1); got != 30 {
		t.Fatalf("expected revenue 30 got %d", got)
	}
}

func TestSpendInsufficientFundsRollsBack(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()

	if _, err := c.TopUp(ctx, Request{UserID: 7, Amount: 50, IdempotencyKey: "k1", AssetTypeID: 1}); err != nil {
		t.Fatalf("top up: %v", err)
	}
	_, err := c.Spend(ctx, Request{UserID: 7, Amount: 80, IdempotencyKey: "k2", AssetTypeID: 1})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if bal, _ := c.Balance(ctx, 7, 1); bal != 50 {
		t.Fatalf("expected balance 50 got %d", bal)
	}
	if _, err := store.TransactionByKey(ctx, "k2"); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("failed spend left a transaction behind: %v", err)
	}

	// The key was never consumed, so it can be reused for a request that fits.
	res, err := c.Spend(ctx, Request{UserID: 7, Amount: 20, IdempotencyKey: "k2", AssetTypeID: 1})
	if err != nil {
		t.Fatalf("spend after failure: %v", err)
	}
	if res.Replayed {
		t.Fatalf("expected fresh application")
	}
	if bal, _ := c.Balance(ctx, 7, 1); bal != 30 {
		t.Fatalf("expected balance 30 got %d", bal)
	}
}

func TestSpendWithoutWalletDoesNotCreateOne(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.Spend(ctx, Request{UserID: 42, Amount: 10, IdempotencyKey: "s1", AssetTypeID: 2})
	if !errors.Is(err, ErrWalletNotFound) {
		t.Fatalf("expected wallet not found, got %v", err)
	}
	wallets, err := store.UserWallets(ctx, 42)
	if err != nil {
		t.Fatalf("user wallets: %v", err)
	}
	if len(wallets) != 0 {
		t.Fatalf("spend created %d wallets", len(wallets))
	}
}

func TestMissingSystemWallet(t *testing.T) {
	store := NewInMemory()
	c := NewCoordinator(store)
	ctx := context.Background()

	_, err := c.Bonus(ctx, Request{UserID: 7, Amount: 10, IdempotencyKey: "b1", AssetTypeID: 1})
	if !errors.Is(err, ErrSystemWalletMissing) {
		t.Fatalf("expected system wallet missing, got %v", err)
	}
	wallets, _ := store.UserWallets(ctx, 7)
	if len(wallets) != 0 {
		t.Fatalf("failed bonus left a user wallet behind")
	}
}

func TestUnknownAssetType(t *testing.T) {
	c, _ := newTestCoordinator(t)
	_, err := c.TopUp(context.Background(), Request{UserID: 7, Amount: 10, IdempotencyKey: "x", AssetTypeID: 99})
	if !errors.Is(err, ErrAssetTypeNotFound) {
		t.Fatalf("expected asset type not found, got %v", err)
	}
}

func TestRequestValidation(t *testing.T) {
	c, _ := newTestCoordinator(t)
	cases := []struct {
		name string
		req  Request
		want error
	}{
		{"zero amount", Request{UserID: 1, Amount: 0, IdempotencyKey: "a", AssetTypeID: 1}, ErrInvalidAmount},
		{"negative amount", Request{UserID: 1, Amount: -5, IdempotencyKey: "a", AssetTypeID: 1}, ErrInvalidAmount},
		{"zero user", Request{UserID: 0, Amount: 5, IdempotencyKey: "a", AssetTypeID: 1}, ErrInvalidUser},
		{"zero asset", Request{UserID: 1, Amount: 5, IdempotencyKey: "a", AssetTypeID: 0}, ErrInvalidAssetType},
		{"empty key", Request{UserID: 1, Amount: 5, AssetTypeID: 1}, ErrMissingIdempotencyKey},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := c.TopUp(context.Background(), tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v got %v", tc.want, err)
			}
		})
	}
}

func TestAllBalancesZeroFillsCatalog(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	if _, err := c.Bonus(ctx, Request{UserID: 9, Amount: 25, IdempotencyKey: "g1", AssetTypeID: 2}); err != nil {
		t.Fatalf("bonus: %v", err)
	}
	balances, err := c.AllBalances(ctx, 9)
	if err != nil {
		t.Fatalf("all balances: %v", err)
	}
	want := []AssetBalance{
		{AssetTypeID: 1, AssetCode: "CREDITS", AssetName: "Credits", Balance: 0},
		{AssetTypeID: 2, AssetCode: "GOLD", AssetName: "Gold Coins", Balance: 25},
		{AssetTypeID: 3, AssetCode: "DIAMOND", AssetName: "Diamonds", Balance: 0},
		{AssetTypeID: 4, AssetCode: "LOYALTY", AssetName: "Loyalty Points", Balance: 0},
	}
	if len(balances) != len(want) {
		t.Fatalf("expected %d balances got %d", len(want), len(balances))
	}
	for i := range want {
		if balances[i] != want[i] {
			t.Fatalf("balance %d: expected %+v got %+v", i, want[i], balances[i])
		}
	}
}

func TestBalanceForUnknownUserIsZero(t *testing.T) {
	c, store := newTestCoordinator(t)
	bal, err := c.Balance(context.Background(), 1234, 3)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal != 0 {
		t.Fatalf("expected zero got %d", bal)
	}
	if wallets, _ := store.UserWallets(context.Background(), 1234); len(wallets) != 0 {
		t.Fatalf("balance read created a wallet")
	}
}

func TestInitializeSystemWalletsIsIdempotent(t *testing.T) {
	store := NewInMemory()
	c := NewCoordinator(store, WithSystemSeed(500))
	ctx := context.Background()

	created, err := c.InitializeSystemWallets(ctx)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if want := len(DefaultAssetTypes()) * len(SystemWalletNames); created != want {
		t.Fatalf("expected %d wallets created got %d", want, created)
	}
	if got := systemBalance(t, store, SystemRevenue, 1); got != 0 {
		t.Fatalf("revenue should start empty, got %d", got)
	}

	if _, err := c.TopUp(ctx, Request{UserID: 1, Amount: 200, IdempotencyKey: "t", AssetTypeID: 1}); err != nil {
		t.Fatalf("top up: %v", err)
	}

	created, err = c.InitializeSystemWallets(ctx)
	if err != nil {
		t.Fatalf("second initialize: %v", err)
	}
	if created != 0 {
		t.Fatalf("second run created %d wallets", created)
	}
	if got := systemBalance(t, store, SystemTreasury, 1); got != 300 {
		t.Fatalf("re-initialization reset treasury to %d", got)
	}
}

func TestTopUpBeyondTreasuryFails(t *testing.T) {
	store := NewInMemory()
	c := NewCoordinator(store, WithSystemSeed(10))
	ctx := context.Background()
	if _, err := c.InitializeSystemWallets(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	_, err := c.TopUp(ctx, Request{UserID: 1, Amount: 11, IdempotencyKey: "big", AssetTypeID: 1})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
}

func TestLockOrderSortsAndDeduplicates(t *testing.T) {
	got := lockOrder(9, 3, 9)
	if len(got) != 2 || got[0] != 3 || got[1] != 9 {
		t.Fatalf("unexpected lock order %v", got)
	}
}
