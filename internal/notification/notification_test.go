package notification

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ledgerworks/wallet_ledger/internal/logging"
)

func TestRedisStreamNotifierAppendsEvent(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	n := NewRedisStreamNotifier(rdb, "stream:test", 100)
	event := Event{
		Type:           "TOPUP",
		TransactionID:  42,
		UserID:         7,
		AssetTypeID:    1,
		Amount:         100,
		IdempotencyKey: "k1",
		OccurredAt:     time.UnixMilli(1_700_000_000_000),
	}
	if err := n.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msgs, err := rdb.XRange(context.Background(), "stream:test", "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 stream entry got %d", len(msgs))
	}
	values := msgs[0].Values
	if values["type"] != "TOPUP" || values["transaction_id"] != "42" || values["amount"] != "100" {
		t.Fatalf("unexpected stream entry %v", values)
	}
	if values["ts"] != "1700000000000" {
		t.Fatalf("unexpected timestamp %v", values["ts"])
	}
}

func TestRedisStreamNotifierReportsFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	mr.Close()

	n := NewRedisStreamNotifier(rdb, "", 0)
	if err := n.Publish(context.Background(), Event{Type: "SPEND"}); err == nil {
		t.Fatalf("expected error with redis down")
	}
}

type failingNotifier struct{ err error }

func (f failingNotifier) Publish(context.Context, Event) error { return f.err }

func TestFanoutJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	f := Fanout{NewLoggerNotifier(logging.Discard()), nil, failingNotifier{boom}}
	if err := f.Publish(context.Background(), Event{Type: "BONUS"}); !errors.Is(err, boom) {
		t.Fatalf("expected joined error to contain boom, got %v", err)
	}
	if err := (Fanout{NewLoggerNotifier(nil)}).Publish(context.Background(), Event{}); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}
