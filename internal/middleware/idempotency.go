package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ledgerworks/wallet_ledger/internal/metrics"
)

const (
	// IdempotencyKeyHeader carries the client's idempotency key.
	IdempotencyKeyHeader = "Idempotency-Key"
	// ReplayedHeader is set on responses served from the replay cache.
	ReplayedHeader = "Idempotent-Replayed"

	idempotencyPrefix = "idempotency:v1:"
	inProgressMarker  = "__in_progress__"
	cacheTimeout      = 2 * time.Second

	replayMessage = "Operation already processed"
)

type storedResponse struct {
	Status  int               `json:"status"`
	Body    string            `json:"body"`
	Headers map[string]string `json:"headers"`
}

// Idempotency replays stored HTTP responses for unsafe methods carrying an
// idempotency key, taken from the JSON body's idempotencyKey or else the
// Idempotency-Key header, the same precedence the wallet handlers use. It is a fast
// path in front of the ledger, which enforces idempotency on its own: requests without
// a key, and requests racing one still in flight, go straight through to it. Only
// successful responses are stored, so a failed attempt can be retried.
func Idempotency(cache *redis.Client, ttl time.Duration, logger *slog.Logger, m *metrics.Metrics) fiber.Handler {
	return func(c *fiber.Ctx) error {
		switch strings.ToUpper(c.Method()) {
		case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
			return c.Next()
		}

		key := requestKey(c)
		if key == "" || cache == nil {
			return c.Next()
		}

		ctx, cancel := context.WithTimeout(c.UserContext(), cacheTimeout)
		defer cancel()

		cacheKey := idempotencyPrefix + key

		cached, err := cache.Get(ctx, cacheKey).Result()
		if err == nil {
			m.ObserveCache("idempotency", true)
			if cached == inProgressMarker {
				// The ledger serializes on the key and hands back the winner's result.
				return c.Next()
			}

			var stored storedResponse
			if err := json.Unmarshal([]byte(cached), &stored); err != nil {
				logger.WarnContext(ctx, "failed to decode stored idempotent response", slog.String("key", key), slog.Any("error", err))
				return c.Next()
			}
			return replay(c, stored)
		}

		if err != redis.Nil {
			// The ledger still guarantees exactly-once application, so fail open.
			logger.WarnContext(ctx, "idempotency lookup failed", slog.String("key", key), slog.Any("error", err))
			return c.Next()
		}
		m.ObserveCache("idempotency", false)

		reserved, err := cache.SetNX(ctx, cacheKey, inProgressMarker, ttl).Result()
		if err != nil {
			logger.WarnContext(ctx, "idempotency reservation failed", slog.String("key", key), slog.Any("error", err))
			return c.Next()
		}
		if !reserved {
			return c.Next()
		}

		release := func() {
			cleanupCtx, cancel := context.WithTimeout(context.Background(), cacheTimeout)
			defer cancel()
			cache.Del(cleanupCtx, cacheKey) // best effort cleanup
		}

		if err := c.Next(); err != nil {
			release()
			return err
		}

		status := c.Response().StatusCode()
		if status < fiber.StatusOK || status >= fiber.StatusMultipleChoices {
			release()
			return nil
		}

		stored := storedResponse{
			Status:  status,
			Body:    string(c.Response().Body()),
			Headers: map[string]string{},
		}
		c.Response().Header.VisitAll(func(k, v []byte) {
			stored.Headers[string(k)] = string(v)
		})

		payload, err := json.Marshal(stored)
		if err != nil {
			logger.ErrorContext(ctx, "failed to encode idempotent response", slog.String("key", key), slog.Any("error", err))
			release()
			return nil
		}

		persistCtx, persistCancel := context.WithTimeout(context.Background(), cacheTimeout)
		defer persistCancel()
		if err := cache.Set(persistCtx, cacheKey, payload, ttl).Err(); err != nil {
			logger.WarnContext(ctx, "failed to persist idempotent response", slog.String("key", key), slog.Any("error", err))
			cache.Del(persistCtx, cacheKey)
		}
		return nil
	}
}

// requestKey prefers the body's idempotencyKey over the header.
func requestKey(c *fiber.Ctx) string {
	var body struct {
		IdempotencyKey string `json:"idempotencyKey"`
	}
	if err := json.Unmarshal(c.Body(), &body); err == nil {
		if key := strings.TrimSpace(body.IdempotencyKey); key != "" {
			return key
		}
	}
	return strings.TrimSpace(c.Get(IdempotencyKeyHeader))
}

// replay writes a stored response. Bodies that report a "replayed" flag are marked
// as replays and a 201 becomes 200, matching a replay detected by the ledger itself.
func replay(c *fiber.Ctx, stored storedResponse) error {
	for header, value := range stored.Headers {
		if strings.EqualFold(header, fiber.HeaderContentLength) {
			continue
		}
		c.Set(header, value)
	}
	c.Set(ReplayedHeader, "true")

	status, body := stored.Status, stored.Body
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &fields); err == nil {
		if _, ok := fields["replayed"]; ok {
			fields["replayed"] = json.RawMessage("true")
			if _, ok := fields["message"]; ok {
				msg, _ := json.Marshal(replayMessage)
				fields["message"] = msg
			}
			if rewritten, err := json.Marshal(fields); err == nil {
				body = string(rewritten)
			}
			if status == fiber.StatusCreated {
				status = fiber.StatusOK
			}
		}
	}
	return c.Status(status).SendString(body)
}
