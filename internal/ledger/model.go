package ledger

import "time"

// WalletKind tells user-owned wallets apart from the system's own accounts.
type WalletKind string

const (
	WalletKindUser   WalletKind = "USER"
	WalletKindSystem WalletKind = "SYSTEM"
)

// TransactionType is the logical operation a transaction records.
type TransactionType string

const (
	TransactionTopUp TransactionType = "TOPUP"
	TransactionBonus TransactionType = "BONUS"
	TransactionSpend TransactionType = "SPEND"
)

// Direction of a ledger posting relative to its wallet.
type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

const (
	// SystemTreasury funds top-ups.
	SystemTreasury = "TREASURY"
	// SystemRewards funds bonus grants.
	SystemRewards = "REWARDS"
	// SystemRevenue collects spends. It starts empty.
	SystemRevenue = "REVENUE"

	// UserWalletName is the display name given to lazily created user wallets.
	UserWalletName = "Main Wallet"

	// DefaultAssetTypeID is the base "Credits" asset.
	DefaultAssetTypeID int64 = 1

	// DefaultSystemSeed is the opening balance of TREASURY and REWARDS wallets.
	DefaultSystemSeed int64 = 1_000_000
)

// SystemWalletNames lists every system wallet bootstrapped per asset type.
var SystemWalletNames = []string{SystemTreasury, SystemRewards, SystemRevenue}

// AssetType is a read-only catalog row.
type AssetType struct {
	ID   int64  `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
}

// Wallet holds a balance of one asset type in its smallest unit. OwnerUserID is nil
// for SYSTEM wallets.
type Wallet struct {
	ID          int64      `json:"id"`
	OwnerUserID *int64     `json:"ownerUserId,omitempty"`
	AssetTypeID int64      `json:"assetTypeId"`
	Kind        WalletKind `json:"kind"`
	DisplayName string     `json:"displayName"`
	Balance     int64      `json:"balance"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Transaction is the immutable record of one logical operation.
type Transaction struct {
	ID             int64           `json:"id"`
	UserID         int64           `json:"userId"`
	Type           TransactionType `json:"type"`
	IdempotencyKey string          `json:"idempotencyKey"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// LedgerEntry is one side of a double-entry posting.
type LedgerEntry struct {
	ID            int64     `json:"id"`
	TransactionID int64     `json:"transactionId"`
	WalletID      int64     `json:"walletId"`
	Direction     Direction `json:"direction"`
	Amount        int64     `json:"amount"`
	BalanceAfter  int64     `json:"balanceAfter"`
	CreatedAt     time.Time `json:"createdAt"`
}

// AssetBalance pairs a catalog entry with a user's balance in it.
type AssetBalance struct {
	AssetTypeID int64  `json:"assetTypeId"`
	AssetCode   string `json:"asset"`
	AssetName   string `json:"name"`
	Balance     int64  `json:"balance"`
}

// DefaultAssetTypes is the catalog seeded by migrations and by the in-memory store.
func DefaultAssetTypes() []AssetType {
	return []AssetType{
		{ID: 1, Code: "CREDITS", Name: "Credits"},
		{ID: 2, Code: "GOLD", Name: "Gold Coins"},
		{ID: 3, Code: "DIAMOND", Name: "Diamonds"},
		{ID: 4, Code: "LOYALTY", Name: "Loyalty Points"},
	}
}
