package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ledgerworks/wallet_ledger/internal/infra"
)

// RegisterHealthRoutes adds liveness/readiness style endpoints.
func RegisterHealthRoutes(app *fiber.App, d Deps) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()

		status, healthy := infra.Check(ctx, d.DB, d.Cache)
		code := http.StatusOK
		if !healthy {
			code = http.StatusServiceUnavailable
		}
		return c.Status(code).JSON(fiber.Map{
			"status":    status,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
}

// RegisterInfoRoutes describes the API at GET /api.
func RegisterInfoRoutes(app *fiber.App) {
	app.Get("/api", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"message": "Wallet Service API",
			"version": "1.0.0",
			"endpoints": fiber.Map{
				"GET /api/wallets/:userId":              "All balances; ?assetId=N for one asset",
				"POST /api/wallets/topup":               "Top-up wallet from TREASURY",
				"POST /api/wallets/bonus":               "Grant bonus from REWARDS",
				"POST /api/wallets/spend":               "Spend into REVENUE",
				"GET /api/transactions/:idempotencyKey": "Transaction and its ledger entries",
				"GET /api/asset-types":                  "Asset catalog",
			},
		})
	})
}
