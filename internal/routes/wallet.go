package routes

import (
	"slices"

	"github.com/gofiber/fiber/v2"

	"github.com/ledgerworks/wallet_ledger/internal/wallet"
)

// RegisterWalletRoutes wires wallet-related endpoints. guards run in front of every
// balance-moving route.
func RegisterWalletRoutes(r fiber.Router, h *wallet.Handler, guards ...fiber.Handler) {
	wallets := r.Group("/wallets")
	wallets.Post("/topup", chain(guards, h.TopUp)...)
	wallets.Post("/bonus", chain(guards, h.Bonus)...)
	wallets.Post("/spend", chain(guards, h.Spend)...)
	wallets.Get("/:userId", h.Balances)
	wallets.Get("/:userId/balance", h.Balances)

	r.Get("/transactions/:idempotencyKey", h.Transaction)
	r.Get("/asset-types", h.AssetTypes)
}

func chain(guards []fiber.Handler, h fiber.Handler) []fiber.Handler {
	return append(slices.Clone(guards), h)
}
