package ledger

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

const defaultLockTimeout = 5 * time.Second

type userKey struct {
	userID      int64
	assetTypeID int64
}

type systemKey struct {
	name        string
	assetTypeID int64
}

// inMemoryStore mirrors the Postgres store's concurrency contract: row locks held until
// commit, inserts on a unique key wait for the in-flight holder, and nothing a unit of
// work writes is visible before Commit.
type inMemoryStore struct {
	mu          sync.Mutex
	cond        *sync.Cond
	lockTimeout time.Duration

	assets    []AssetType
	wallets   map[int64]Wallet
	userIdx   map[userKey]int64
	systemIdx map[systemKey]int64
	txByKey   map[string]Transaction
	entries   []LedgerEntry

	nextWalletID int64
	nextTxID     int64
	nextEntryID  int64

	rowLocks map[int64]*inMemoryUnit
	reserved map[string]*inMemoryUnit
}

// InMemoryOption configures the in-memory store.
type InMemoryOption func(*inMemoryStore)

// WithAssetTypes replaces the default asset catalog.
func WithAssetTypes(assets ...AssetType) InMemoryOption {
	return func(s *inMemoryStore) { s.assets = slices.Clone(assets) }
}

// WithLockTimeout bounds how long a unit of work waits for a row lock or unique key.
func WithLockTimeout(d time.Duration) InMemoryOption {
	return func(s *inMemoryStore) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// NewInMemory creates a concurrency-safe in-memory store useful for unit tests and the
// development profile.
func NewInMemory(opts ...InMemoryOption) Store {
	s := &inMemoryStore{
		lockTimeout: defaultLockTimeout,
		assets:      DefaultAssetTypes(),
		wallets:     make(map[int64]Wallet),
		userIdx:     make(map[userKey]int64),
		systemIdx:   make(map[systemKey]int64),
		txByKey:     make(map[string]Transaction),
		rowLocks:    make(map[int64]*inMemoryUnit),
		reserved:    make(map[string]*inMemoryUnit),
	}
	s.cond = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}
	slices.SortFunc(s.assets, func(a, b AssetType) int { return cmp.Compare(a.ID, b.ID) })
	return s
}

func (s *inMemoryStore) Begin(ctx context.Context) (UnitOfWork, error) {
	if err := ctx.Err(); err != nil {
		return nil, transient(err)
	}
	return &inMemoryUnit{s: s, wallets: make(map[int64]Wallet)}, nil
}

func (s *inMemoryStore) ListAssetTypes(_ context.Context) ([]AssetType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.assets), nil
}

func (s *inMemoryStore) AssetType(_ context.Context, id int64) (AssetType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assetLocked(id)
	if !ok {
		return AssetType{}, fmt.Errorf("%w: %d", ErrAssetTypeNotFound, id)
	}
	return a, nil
}

func (s *inMemoryStore) UserWallet(_ context.Context, userID, assetTypeID int64) (Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.userIdx[userKey{userID, assetTypeID}]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	return s.wallets[id], nil
}

func (s *inMemoryStore) UserWallets(_ context.Context, userID int64) ([]Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Wallet
	for key, id := range s.userIdx {
		if key.userID == userID {
			out = append(out, s.wallets[id])
		}
	}
	slices.SortFunc(out, func(a, b Wallet) int { return cmp.Compare(a.AssetTypeID, b.AssetTypeID) })
	return out, nil
}

func (s *inMemoryStore) EnsureSystemWallet(_ context.Context, name string, assetTypeID, seed int64) (Wallet, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := systemKey{name, assetTypeID}
	if id, ok := s.systemIdx[key]; ok {
		return s.wallets[id], false, nil
	}
	if _, ok := s.assetLocked(assetTypeID); !ok {
		return Wallet{}, false, fmt.Errorf("%w: %d", ErrAssetTypeNotFound, assetTypeID)
	}
	now := time.Now().UTC()
	s.nextWalletID++
	w := Wallet{
		ID:          s.nextWalletID,
		AssetTypeID: assetTypeID,
		Kind:        WalletKindSystem,
		DisplayName: name,
		Balance:     seed,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.wallets[w.ID] = w
	s.systemIdx[key] = w.ID
	return w, true, nil
}

func (s *inMemoryStore) TransactionByKey(_ context.Context, key string) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txByKey[key]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return tx, nil
}

func (s *inMemoryStore) EntriesForTransaction(_ context.Context, transactionID int64) ([]LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []LedgerEntry
	for _, e := range s.entries {
		if e.TransactionID == transactionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *inMemoryStore) assetLocked(id int64) (AssetType, bool) {
	for _, a := range s.assets {
		if a.ID == id {
			return a, true
		}
	}
	return AssetType{}, false
}

// wait blocks until another unit of work finishes or ctx ends. Caller holds s.mu.
func (s *inMemoryStore) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return transient(err)
	}
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	s.cond.Wait()
	stop()
	if err := ctx.Err(); err != nil {
		return transient(err)
	}
	return nil
}

// reserve claims a unique key for u, waiting while another unit of work holds it.
// taken reports whether the key is already committed; it is re-checked after each wait.
func (s *inMemoryStore) reserve(ctx context.Context, u *inMemoryUnit, key string, taken func() bool) (bool, error) {
	for {
		if taken() {
			return true, nil
		}
		holder := s.reserved[key]
		if holder == nil || holder == u {
			break
		}
		if err := s.wait(ctx); err != nil {
			return false, err
		}
	}
	if s.reserved[key] != u {
		s.reserved[key] = u
		u.reservations = append(u.reservations, key)
	}
	return false, nil
}

type inMemoryUnit struct {
	s    *inMemoryStore
	done bool

	wallets      map[int64]Wallet
	newWallets   []int64
	txs          []Transaction
	entries      []LedgerEntry
	locks        []int64
	reservations []string
}

func (u *inMemoryUnit) lockContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, u.s.lockTimeout)
}

func (u *inMemoryUnit) wallet(id int64) (Wallet, bool) {
	if w, ok := u.wallets[id]; ok {
		return w, true
	}
	w, ok := u.s.wallets[id]
	return w, ok
}

func (u *inMemoryUnit) findUser(userID, assetTypeID int64) (Wallet, bool) {
	if id, ok := u.s.userIdx[userKey{userID, assetTypeID}]; ok {
		return u.wallet(id)
	}
	for _, id := range u.newWallets {
		w := u.wallets[id]
		if *w.OwnerUserID == userID && w.AssetTypeID == assetTypeID {
			return w, true
		}
	}
	return Wallet{}, false
}

func (u *inMemoryUnit) finished() error {
	if u.done {
		return errors.New("unit of work already finished")
	}
	return nil
}

func (u *inMemoryUnit) TransactionByKey(_ context.Context, key string) (Transaction, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	for _, tx := range u.txs {
		if tx.IdempotencyKey == key {
			return tx, nil
		}
	}
	if tx, ok := u.s.txByKey[key]; ok {
		return tx, nil
	}
	return Transaction{}, ErrTransactionNotFound
}

func (u *inMemoryUnit) UserWallet(_ context.Context, userID, assetTypeID int64) (Wallet, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	w, ok := u.findUser(userID, assetTypeID)
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	return w, nil
}

func (u *inMemoryUnit) FindOrCreateUserWallet(ctx context.Context, userID, assetTypeID int64) (Wallet, error) {
	ctx, cancel := u.lockContext(ctx)
	defer cancel()

	s := u.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := u.finished(); err != nil {
		return Wallet{}, err
	}
	if _, ok := s.assetLocked(assetTypeID); !ok {
		return Wallet{}, fmt.Errorf("%w: %d", ErrAssetTypeNotFound, assetTypeID)
	}

	key := fmt.Sprintf("wallet:%d:%d", userID, assetTypeID)
	exists, err := s.reserve(ctx, u, key, func() bool {
		_, ok := u.findUser(userID, assetTypeID)
		return ok
	})
	if err != nil {
		return Wallet{}, fmt.Errorf("create wallet for user %d: %w", userID, err)
	}
	if exists {
		w, _ := u.findUser(userID, assetTypeID)
		return w, nil
	}

	now := time.Now().UTC()
	owner := userID
	s.nextWalletID++
	w := Wallet{
		ID:          s.nextWalletID,
		OwnerUserID: &owner,
		AssetTypeID: assetTypeID,
		Kind:        WalletKindUser,
		DisplayName: UserWalletName,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	u.wallets[w.ID] = w
	u.newWallets = append(u.newWallets, w.ID)
	return w, nil
}

func (u *inMemoryUnit) SystemWallet(_ context.Context, name string, assetTypeID int64) (Wallet, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	id, ok := u.s.systemIdx[systemKey{name, assetTypeID}]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	w, _ := u.wallet(id)
	return w, nil
}

func (u *inMemoryUnit) LockWallets(ctx context.Context, ids []int64) (map[int64]Wallet, error) {
	ctx, cancel := u.lockContext(ctx)
	defer cancel()

	s := u.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := u.finished(); err != nil {
		return nil, err
	}

	out := make(map[int64]Wallet, len(ids))
	for _, id := range ids {
		for {
			holder := s.rowLocks[id]
			if holder == nil || holder == u {
				break
			}
			if err := s.wait(ctx); err != nil {
				return nil, fmt.Errorf("lock wallet %d: %w", id, err)
			}
		}
		w, ok := u.wallet(id)
		if !ok {
			return nil, fmt.Errorf("%w: id %d", ErrWalletNotFound, id)
		}
		if s.rowLocks[id] != u {
			s.rowLocks[id] = u
			u.locks = append(u.locks, id)
		}
		out[id] = w
	}
	return out, nil
}

func (u *inMemoryUnit) UpdateBalance(_ context.Context, walletID, expected, next int64) (Wallet, error) {
	s := u.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := u.finished(); err != nil {
		return Wallet{}, err
	}
	if s.rowLocks[walletID] != u {
		return Wallet{}, fmt.Errorf("wallet %d is not locked by this unit of work", walletID)
	}
	w, ok := u.wallet(walletID)
	if !ok {
		return Wallet{}, fmt.Errorf("%w: id %d", ErrWalletNotFound, walletID)
	}
	if w.Balance != expected {
		return Wallet{}, fmt.Errorf("%w: wallet %d", ErrStaleWallet, walletID)
	}
	if next < 0 {
		return Wallet{}, fmt.Errorf("%w: wallet %d would hold %d", ErrInsufficientFunds, walletID, next)
	}
	w.Balance = next
	w.UpdatedAt = time.Now().UTC()
	u.wallets[walletID] = w
	return w, nil
}

func (u *inMemoryUnit) InsertTransaction(ctx context.Context, tx Transaction) (InsertOutcome, error) {
	ctx, cancel := u.lockContext(ctx)
	defer cancel()

	s := u.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := u.finished(); err != nil {
		return InsertOutcome{}, err
	}

	exists, err := s.reserve(ctx, u, "txn:"+tx.IdempotencyKey, func() bool {
		_, ok := s.txByKey[tx.IdempotencyKey]
		return ok
	})
	if err != nil {
		return InsertOutcome{}, fmt.Errorf("insert transaction: %w", err)
	}
	if exists {
		return InsertOutcome{Status: InsertAlreadyExists, Transaction: s.txByKey[tx.IdempotencyKey]}, nil
	}
	for _, staged := range u.txs {
		if staged.IdempotencyKey == tx.IdempotencyKey {
			return InsertOutcome{Status: InsertAlreadyExists, Transaction: staged}, nil
		}
	}

	s.nextTxID++
	tx.ID = s.nextTxID
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	u.txs = append(u.txs, tx)
	return InsertOutcome{Status: InsertCreated, Transaction: tx}, nil
}

func (u *inMemoryUnit) AppendEntry(_ context.Context, entry LedgerEntry) (LedgerEntry, error) {
	s := u.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := u.finished(); err != nil {
		return LedgerEntry{}, err
	}
	if entry.Amount <= 0 {
		return LedgerEntry{}, ErrInvalidAmount
	}
	s.nextEntryID++
	entry.ID = s.nextEntryID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	u.entries = append(u.entries, entry)
	return entry, nil
}

func (u *inMemoryUnit) Commit(ctx context.Context) error {
	s := u.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := u.finished(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		u.releaseLocked()
		return transient(err)
	}

	for id, w := range u.wallets {
		s.wallets[id] = w
	}
	for _, id := range u.newWallets {
		w := u.wallets[id]
		s.userIdx[userKey{*w.OwnerUserID, w.AssetTypeID}] = id
	}
	for _, tx := range u.txs {
		s.txByKey[tx.IdempotencyKey] = tx
	}
	s.entries = append(s.entries, u.entries...)
	u.releaseLocked()
	return nil
}

func (u *inMemoryUnit) Rollback(_ context.Context) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	if u.done {
		return nil
	}
	u.releaseLocked()
	return nil
}

// releaseLocked drops every lock and reservation held by u and wakes waiters.
func (u *inMemoryUnit) releaseLocked() {
	s := u.s
	for _, id := range u.locks {
		if s.rowLocks[id] == u {
			delete(s.rowLocks, id)
		}
	}
	for _, key := range u.reservations {
		if s.reserved[key] == u {
			delete(s.reserved, key)
		}
	}
	u.done = true
	u.locks, u.reservations = nil, nil
	s.cond.Broadcast()
}
