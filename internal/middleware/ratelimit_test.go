package middleware

import (
	"net/http/httptest"
	"strings"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

func TestRateLimitIsPerUser(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cache.Close() })

	app := fiber.New()
	app.Use(RateLimit(cache, 2, nil))
	app.Post("/wallets/topup", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusCreated) })

	send := func(body string) int {
		req := httptest.NewRequest(fiber.MethodPost, "/wallets/topup", strings.NewReader(body))
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	for i := 0; i < 2; i++ {
		if got := send(`{"userId":1}`); got != fiber.StatusCreated {
			t.Fatalf("request %d: expected %d got %d", i, fiber.StatusCreated, got)
		}
	}
	if got := send(`{"userId":1}`); got != fiber.StatusTooManyRequests {
		t.Fatalf("expected %d got %d", fiber.StatusTooManyRequests, got)
	}
	if got := send(`{"userId":2}`); got != fiber.StatusCreated {
		t.Fatalf("other user should not be limited, got %d", got)
	}
}

func TestRateLimitCountsMalformedBodiesAgainstClientIP(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cache.Close() })

	app := fiber.New()
	app.Use(RateLimit(cache, 1, nil))
	app.Post("/wallets/spend", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusCreated) })

	send := func(body string) int {
		req := httptest.NewRequest(fiber.MethodPost, "/wallets/spend", strings.NewReader(body))
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if got := send(`{not json`); got != fiber.StatusCreated {
		t.Fatalf("first malformed body: expected %d got %d", fiber.StatusCreated, got)
	}
	if got := send(`{"userId":"seven"}`); got != fiber.StatusTooManyRequests {
		t.Fatalf("second unreadable body shares the client IP window, got %d", got)
	}
	if got := send(`{"userId":7}`); got != fiber.StatusCreated {
		t.Fatalf("a readable user id has its own window, got %d", got)
	}
}

func TestRateLimitWithoutRedisIsNoop(t *testing.T) {
	app := fiber.New()
	app.Use(RateLimit(nil, 1, nil))
	app.Post("/x", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest(fiber.MethodPost, "/x", nil))
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("expected %d got %d", fiber.StatusOK, resp.StatusCode)
		}
	}
}
