package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ledgerworks/wallet_ledger/internal/metrics"
)

const rateWindow = time.Minute

// RateLimit caps mutating wallet requests per user per minute using a fixed Redis
// window. The user is read from the JSON body's userId, falling back to the client IP.
// It is a no-op without Redis and fails open on cache errors.
func RateLimit(cache *redis.Client, maxPerMin int, m *metrics.Metrics) fiber.Handler {
	if maxPerMin <= 0 {
		maxPerMin = 120
	}
	return func(c *fiber.Ctx) error {
		if cache == nil {
			return c.Next()
		}

		var req struct {
			UserID int64 `json:"userId"`
		}
		// A body without a readable userId is limited per client IP; the handler
		// rejects it with 400 afterwards, so those attempts still count.
		_ = c.BodyParser(&req)
		subject := c.IP()
		if req.UserID > 0 {
			subject = strconv.FormatInt(req.UserID, 10)
		}

		now := time.Now()
		window := now.Unix() / int64(rateWindow.Seconds())
		key := fmt.Sprintf("rl:wallet:%s:%d", subject, window)

		ctx := c.UserContext()
		cnt, err := cache.Incr(ctx, key).Result()
		if err != nil {
			return c.Next()
		}
		if cnt == 1 {
			cache.Expire(ctx, key, rateWindow)
		}
		if cnt > int64(maxPerMin) {
			m.ObserveRateLimited()
			retry := rateWindow - now.Sub(time.Unix(window*int64(rateWindow.Seconds()), 0))
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(retry.Seconds())+1))
			return fiber.NewError(http.StatusTooManyRequests, "too many requests, try again later")
		}
		return c.Next()
	}
}
