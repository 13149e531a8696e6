package notification

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStreamNotifier appends events to a Redis stream with XADD, trimming it
// approximately to maxLen entries.
type RedisStreamNotifier struct {
	rdb    redis.UniversalClient
	stream string
	maxLen int64
}

func NewRedisStreamNotifier(rdb redis.UniversalClient, stream string, maxLen int64) *RedisStreamNotifier {
	if stream == "" {
		stream = "stream:ledger"
	}
	return &RedisStreamNotifier{rdb: rdb, stream: stream, maxLen: maxLen}
}

func (n *RedisStreamNotifier) Publish(ctx context.Context, event Event) error {
	args := &redis.XAddArgs{
		Stream: n.stream,
		Values: map[string]any{
			"type":            event.Type,
			"transaction_id":  strconv.FormatInt(event.TransactionID, 10),
			"user_id":         strconv.FormatInt(event.UserID, 10),
			"asset_type_id":   strconv.FormatInt(event.AssetTypeID, 10),
			"amount":          strconv.FormatInt(event.Amount, 10),
			"idempotency_key": event.IdempotencyKey,
			"ts":              strconv.FormatInt(event.OccurredAt.UnixMilli(), 10),
		},
	}
	if n.maxLen > 0 {
		args.MaxLen = n.maxLen
		args.Approx = true
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := n.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", n.stream, err)
	}
	return nil
}
