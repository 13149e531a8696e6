package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/ledgerworks/wallet_ledger/internal/ledger"
	"github.com/ledgerworks/wallet_ledger/internal/metrics"
	"github.com/ledgerworks/wallet_ledger/internal/notification"
)

// Options configures a Service. Zero values select no cache, no notifier, no metrics
// and asset type 1 as the default.
type Options struct {
	DefaultAssetTypeID    int64
	RequireIdempotencyKey bool
	Cache                 BalanceCache
	Notifier              notification.Notifier
	Metrics               *metrics.Metrics
	Logger                *slog.Logger
}

// Service is the API boundary over the ledger coordinator. It applies the default
// asset type, handles missing idempotency keys, and keeps the balance cache and
// event stream in step with committed operations.
type Service struct {
	coord        *ledger.Coordinator
	cache        BalanceCache
	notifier     notification.Notifier
	metrics      *metrics.Metrics
	logger       *slog.Logger
	defaultAsset int64
	requireKey   bool
}

// NewService builds a wallet service instance.
func NewService(coord *ledger.Coordinator, opts Options) *Service {
	s := &Service{
		coord:        coord,
		cache:        opts.Cache,
		notifier:     opts.Notifier,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		defaultAsset: opts.DefaultAssetTypeID,
		requireKey:   opts.RequireIdempotencyKey,
	}
	if s.cache == nil {
		s.cache = NoopCache{}
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	if s.defaultAsset <= 0 {
		s.defaultAsset = ledger.DefaultAssetTypeID
	}
	return s
}

func (s *Service) TopUp(ctx context.Context, in OperationInput) (OperationOutput, error) {
	return s.apply(ctx, OperationTopUp, in, s.coord.TopUp)
}

func (s *Service) Bonus(ctx context.Context, in OperationInput) (OperationOutput, error) {
	return s.apply(ctx, OperationBonus, in, s.coord.Bonus)
}

func (s *Service) Spend(ctx context.Context, in OperationInput) (OperationOutput, error) {
	return s.apply(ctx, OperationSpend, in, s.coord.Spend)
}

type ledgerOp func(context.Context, ledger.Request) (ledger.Result, error)

func (s *Service) apply(ctx context.Context, op Operation, in OperationInput, run ledgerOp) (OperationOutput, error) {
	assetTypeID := s.defaultAsset
	if in.AssetTypeID != nil {
		assetTypeID = *in.AssetTypeID
	}

	key := strings.TrimSpace(in.IdempotencyKey)
	generated := false
	if key == "" {
		var err error
		if key, err = s.generateKey(ctx, op, assetTypeID); err != nil {
			return OperationOutput{}, err
		}
		generated = true
		s.logger.WarnContext(ctx, "idempotency key generated; retries of this request will not be deduplicated",
			slog.String("operation", string(op)),
			slog.Int64("user_id", in.UserID),
			slog.String("idempotency_key", key))
	}

	done := s.metrics.StartOperation(string(op))
	res, err := run(ctx, ledger.Request{
		UserID:         in.UserID,
		Amount:         in.Amount,
		IdempotencyKey: key,
		AssetTypeID:    assetTypeID,
	})
	if err != nil {
		done(outcome(err))
		return OperationOutput{}, err
	}
	if res.Replayed {
		done("replayed")
	} else {
		done("ok")
		s.afterCommit(ctx, res, in.Amount, assetTypeID)
	}

	return OperationOutput{
		Transaction:    res.Transaction,
		AssetTypeID:    assetTypeID,
		IdempotencyKey: key,
		KeyGenerated:   generated,
		Replayed:       res.Replayed,
	}, nil
}

// generateKey builds {operation}_{assetcode}-{uuid}. Such a key only protects the
// single request it was made for.
func (s *Service) generateKey(ctx context.Context, op Operation, assetTypeID int64) (string, error) {
	if s.requireKey {
		return "", ledger.ErrMissingIdempotencyKey
	}
	if assetTypeID <= 0 {
		return "", ledger.ErrInvalidAssetType
	}
	asset, err := s.coord.Store().AssetType(ctx, assetTypeID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s_%s-%s", op, strings.ToLower(asset.Code), uuid.NewString()), nil
}

func (s *Service) afterCommit(ctx context.Context, res ledger.Result, amount, assetTypeID int64) {
	userID := res.Transaction.UserID
	if err := s.cache.Invalidate(ctx, userID); err != nil {
		s.logger.WarnContext(ctx, "balance cache invalidation failed",
			slog.Int64("user_id", userID), slog.Any("error", err))
	}
	if s.notifier == nil {
		return
	}
	err := s.notifier.Publish(ctx, notification.Event{
		Type:           string(res.Transaction.Type),
		TransactionID:  res.Transaction.ID,
		UserID:         userID,
		AssetTypeID:    assetTypeID,
		Amount:         amount,
		IdempotencyKey: res.Transaction.IdempotencyKey,
		OccurredAt:     res.Transaction.CreatedAt,
	})
	s.metrics.ObserveEventPublished(err)
	if err != nil {
		s.logger.WarnContext(ctx, "ledger event publish failed",
			slog.Int64("transaction_id", res.Transaction.ID), slog.Any("error", err))
	}
}

// Balance returns the user's balance in one asset type; unknown users read as zero.
func (s *Service) Balance(ctx context.Context, userID, assetTypeID int64) (Balance, error) {
	if userID <= 0 {
		return Balance{}, ledger.ErrInvalidUser
	}
	if assetTypeID <= 0 {
		return Balance{}, ledger.ErrInvalidAssetType
	}
	asset, err := s.coord.Store().AssetType(ctx, assetTypeID)
	if err != nil {
		return Balance{}, err
	}

	sheet, _, hit, err := s.cache.Get(ctx, userID)
	if err != nil {
		s.logger.WarnContext(ctx, "balance cache read failed", slog.Int64("user_id", userID), slog.Any("error", err))
	}
	s.metrics.ObserveCache("balance", hit)
	if hit {
		for _, b := range sheet {
			if b.AssetTypeID == assetTypeID {
				return Balance{UserID: userID, Asset: asset, Amount: b.Balance}, nil
			}
		}
	}

	amount, err := s.coord.Balance(ctx, userID, assetTypeID)
	if err != nil {
		return Balance{}, err
	}
	return Balance{UserID: userID, Asset: asset, Amount: amount}, nil
}

// AllBalances returns the user's zero-filled balance sheet, served from the cache when
// a current copy exists.
func (s *Service) AllBalances(ctx context.Context, userID int64) ([]ledger.AssetBalance, error) {
	if userID <= 0 {
		return nil, ledger.ErrInvalidUser
	}

	sheet, generation, hit, err := s.cache.Get(ctx, userID)
	if err != nil {
		s.logger.WarnContext(ctx, "balance cache read failed", slog.Int64("user_id", userID), slog.Any("error", err))
	}
	s.metrics.ObserveCache("balance", hit)
	if hit {
		return sheet, nil
	}

	sheet, err = s.coord.AllBalances(ctx, userID)
	if err != nil {
		return nil, err
	}
	if generation != "" {
		if err := s.cache.Set(ctx, userID, generation, sheet); err != nil {
			s.logger.WarnContext(ctx, "balance cache write failed", slog.Int64("user_id", userID), slog.Any("error", err))
		}
	}
	return sheet, nil
}

// Transaction looks up a committed transaction and its entries by idempotency key.
func (s *Service) Transaction(ctx context.Context, key string) (TransactionDetail, error) {
	store := s.coord.Store()
	txn, err := store.TransactionByKey(ctx, key)
	if err != nil {
		return TransactionDetail{}, err
	}
	entries, err := store.EntriesForTransaction(ctx, txn.ID)
	if err != nil {
		return TransactionDetail{}, err
	}
	return TransactionDetail{Transaction: txn, Entries: entries}, nil
}

// AssetTypes lists the catalog.
func (s *Service) AssetTypes(ctx context.Context) ([]ledger.AssetType, error) {
	return s.coord.Store().ListAssetTypes(ctx)
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ledger.ErrWalletNotFound):
		return "wallet_not_found"
	case errors.Is(err, ledger.ErrSystemWalletMissing):
		return "system_wallet_missing"
	case errors.Is(err, ledger.ErrTransient):
		return "transient"
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidUser),
		errors.Is(err, ledger.ErrInvalidAssetType), errors.Is(err, ledger.ErrMissingIdempotencyKey),
		errors.Is(err, ledger.ErrAssetTypeNotFound):
		return "invalid"
	default:
		return "error"
	}
}
