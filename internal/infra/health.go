package infra

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Check reports the reachability of each configured backend. Backends that are not
// configured are reported as "disabled".
func Check(ctx context.Context, db *pgxpool.Pool, cache *redis.Client) (map[string]string, bool) {
	status := map[string]string{"postgres": "disabled", "redis": "disabled"}
	healthy := true

	if db != nil {
		status["postgres"] = "ok"
		if err := db.Ping(ctx); err != nil {
			status["postgres"] = err.Error()
			healthy = false
		}
	}
	if cache != nil {
		status["redis"] = "ok"
		if err := cache.Ping(ctx).Err(); err != nil {
			status["redis"] = err.Error()
			healthy = false
		}
	}
	return status, healthy
}
