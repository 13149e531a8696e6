package wallet

import "github.com/ledgerworks/wallet_ledger/internal/ledger"

// Operation names the balance-moving operations exposed by the service.
type Operation string

const (
	OperationTopUp Operation = "topup"
	OperationBonus Operation = "bonus"
	OperationSpend Operation = "spend"
)

// OperationInput is an API-level request. A nil AssetTypeID selects the configured
// default; an empty IdempotencyKey is either generated or rejected depending on config.
type OperationInput struct {
	UserID         int64
	Amount         int64
	IdempotencyKey string
	AssetTypeID    *int64
}

// OperationOutput reports what the ledger did with a request.
type OperationOutput struct {
	Transaction    ledger.Transaction
	AssetTypeID    int64
	IdempotencyKey string
	KeyGenerated   bool
	Replayed       bool
}

// Balance is one user's holding in a single asset type.
type Balance struct {
	UserID int64
	Asset  ledger.AssetType
	Amount int64
}

// TransactionDetail is a committed transaction with its two postings.
type TransactionDetail struct {
	Transaction ledger.Transaction   `json:"transaction"`
	Entries     []ledger.LedgerEntry `json:"entries"`
}
