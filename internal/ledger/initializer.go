package ledger

import (
	"context"
	"fmt"
	"log/slog"
)

// InitializeSystemWallets ensures TREASURY, REWARDS and REVENUE exist for every asset
// type in the catalog. Missing wallets are created with the configured seed (REVENUE
// with zero); existing rows are left untouched, so running it on every start never
// double-funds anything. It reports how many wallets were created.
func (c *Coordinator) InitializeSystemWallets(ctx context.Context) (int, error) {
	assets, err := c.store.ListAssetTypes(ctx)
	if err != nil {
		return 0, fmt.Errorf("list asset types: %w", err)
	}

	created := 0
	for _, asset := range assets {
		for _, name := range SystemWalletNames {
			seed := c.seed
			if name == SystemRevenue {
				seed = 0
			}
			w, isNew, err := c.store.EnsureSystemWallet(ctx, name, asset.ID, seed)
			if err != nil {
				return created, fmt.Errorf("ensure %s wallet for %s: %w", name, asset.Code, err)
			}
			if isNew {
				created++
				c.logger.InfoContext(ctx, "system wallet created",
					slog.String("wallet", name),
					slog.String("asset", asset.Code),
					slog.Int64("wallet_id", w.ID),
					slog.Int64("balance", w.Balance))
			}
		}
	}
	return created, nil
}
