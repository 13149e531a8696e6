package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/ledgerworks/wallet_ledger/internal/ledger"
)

const idempotencyKeyHeader = "Idempotency-Key"

// Handler exposes wallet HTTP endpoints.
type Handler struct {
	service  *Service
	validate *validator.Validate
	logger   *slog.Logger
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{service: service, validate: v, logger: logger}
}

type operationRequest struct {
	UserID         int64  `json:"userId" validate:"required,gt=0"`
	Amount         int64  `json:"amount" validate:"required,gt=0"`
	IdempotencyKey string `json:"idempotencyKey" validate:"omitempty,max=255"`
	AssetTypeID    *int64 `json:"assetTypeId" validate:"omitempty,gt=0"`
}

type operationResponse struct {
	Success                 bool   `json:"success"`
	TransactionID           int64  `json:"transactionId"`
	Message                 string `json:"message"`
	AssetTypeID             int64  `json:"assetTypeId"`
	IdempotencyKey          string `json:"idempotencyKey"`
	IdempotencyKeyGenerated bool   `json:"idempotencyKeyGenerated,omitempty"`
	Replayed                bool   `json:"replayed"`
}

type balanceResponse struct {
	UserID  int64  `json:"userId"`
	Asset   string `json:"asset"`
	Balance int64  `json:"balance"`
}

type balancesResponse struct {
	UserID   int64                 `json:"userId"`
	Balances []ledger.AssetBalance `json:"balances"`
}

// TopUp credits the user from the TREASURY wallet.
func (h *Handler) TopUp(c *fiber.Ctx) error {
	return h.operation(c, "Top-up successful", h.service.TopUp)
}

// Bonus credits the user from the REWARDS wallet.
func (h *Handler) Bonus(c *fiber.Ctx) error {
	return h.operation(c, "Bonus credited successfully", h.service.Bonus)
}

// Spend debits the user into the REVENUE wallet.
func (h *Handler) Spend(c *fiber.Ctx) error {
	return h.operation(c, "Spend successful", h.service.Spend)
}

func (h *Handler) operation(c *fiber.Ctx, message string, run func(context.Context, OperationInput) (OperationOutput, error)) error {
	var req operationRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return fiber.NewError(http.StatusBadRequest, validationMessage(err))
	}

	key := req.IdempotencyKey
	if key == "" {
		key = c.Get(idempotencyKeyHeader)
	}

	out, err := run(c.UserContext(), OperationInput{
		UserID:         req.UserID,
		Amount:         req.Amount,
		IdempotencyKey: key,
		AssetTypeID:    req.AssetTypeID,
	})
	if err != nil {
		return h.httpError(c, err)
	}

	status := http.StatusCreated
	if out.Replayed {
		status = http.StatusOK
		message = "Operation already processed"
	}
	return c.Status(status).JSON(operationResponse{
		Success:                 true,
		TransactionID:           out.Transaction.ID,
		Message:                 message,
		AssetTypeID:             out.AssetTypeID,
		IdempotencyKey:          out.IdempotencyKey,
		IdempotencyKeyGenerated: out.KeyGenerated,
		Replayed:                out.Replayed,
	})
}

// Balances returns every balance for the user, or a single one with ?assetId=N.
func (h *Handler) Balances(c *fiber.Ctx) error {
	userID, err := strconv.ParseInt(c.Params("userId"), 10, 64)
	if err != nil || userID <= 0 {
		return fiber.NewError(http.StatusBadRequest, "userId must be a positive integer")
	}

	if raw := c.Query("assetId"); raw != "" {
		assetTypeID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || assetTypeID <= 0 {
			return fiber.NewError(http.StatusBadRequest, "assetId must be a positive integer")
		}
		bal, err := h.service.Balance(c.UserContext(), userID, assetTypeID)
		if err != nil {
			return h.httpError(c, err)
		}
		return c.JSON(balanceResponse{UserID: userID, Asset: bal.Asset.Code, Balance: bal.Amount})
	}

	sheet, err := h.service.AllBalances(c.UserContext(), userID)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(balancesResponse{UserID: userID, Balances: sheet})
}

// Transaction returns the transaction recorded under an idempotency key.
func (h *Handler) Transaction(c *fiber.Ctx) error {
	key := strings.TrimSpace(c.Params("idempotencyKey"))
	if key == "" {
		return fiber.NewError(http.StatusBadRequest, "idempotency key is required")
	}
	detail, err := h.service.Transaction(c.UserContext(), key)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(detail)
}

// AssetTypes lists the asset catalog.
func (h *Handler) AssetTypes(c *fiber.Ctx) error {
	assets, err := h.service.AssetTypes(c.UserContext())
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(fiber.Map{"assetTypes": assets})
}

// httpError maps ledger errors onto HTTP statuses.
func (h *Handler) httpError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidUser),
		errors.Is(err, ledger.ErrInvalidAssetType),
		errors.Is(err, ledger.ErrMissingIdempotencyKey):
		return fiber.NewError(http.StatusBadRequest, rootMessage(err))
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return fiber.NewError(http.StatusBadRequest, ledger.ErrInsufficientFunds.Error())
	case errors.Is(err, ledger.ErrBalanceOverflow):
		return fiber.NewError(http.StatusUnprocessableEntity, ledger.ErrBalanceOverflow.Error())
	case errors.Is(err, ledger.ErrWalletNotFound):
		return fiber.NewError(http.StatusNotFound, ledger.ErrWalletNotFound.Error())
	case errors.Is(err, ledger.ErrAssetTypeNotFound):
		return fiber.NewError(http.StatusNotFound, ledger.ErrAssetTypeNotFound.Error())
	case errors.Is(err, ledger.ErrTransactionNotFound):
		return fiber.NewError(http.StatusNotFound, ledger.ErrTransactionNotFound.Error())
	case errors.Is(err, ledger.ErrTransient):
		h.logger.WarnContext(c.UserContext(), "transient ledger failure", slog.Any("error", err))
		c.Set(fiber.HeaderRetryAfter, "1")
		return fiber.NewError(http.StatusServiceUnavailable, "temporarily unavailable, retry with the same idempotency key")
	case errors.Is(err, ledger.ErrSystemWalletMissing):
		return fiber.NewError(http.StatusInternalServerError, "system wallet not configured")
	default:
		h.logger.ErrorContext(c.UserContext(), "wallet request failed", slog.Any("error", err))
		return fiber.NewError(http.StatusInternalServerError, "internal error")
	}
}

func rootMessage(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, ": "); i > 0 {
		return msg[:i]
	}
	return msg
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}
