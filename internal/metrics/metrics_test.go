package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestOperationCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	done := m.StartOperation("topup")
	if got := testutil.ToFloat64(m.operationsInFlight); got != 1 {
		t.Fatalf("expected one operation in flight, got %v", got)
	}
	done("ok")
	m.StartOperation("topup")("insufficient_funds")

	if got := testutil.ToFloat64(m.operationsInFlight); got != 0 {
		t.Fatalf("expected nothing in flight, got %v", got)
	}
	if got := testutil.ToFloat64(m.operationsTotal.WithLabelValues("topup", "ok")); got != 1 {
		t.Fatalf("expected 1 ok topup, got %v", got)
	}
	if got := testutil.ToFloat64(m.operationsTotal.WithLabelValues("topup", "insufficient_funds")); got != 1 {
		t.Fatalf("expected 1 rejected topup, got %v", got)
	}
}

func TestCacheAndEventCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveCache("balance", true)
	m.ObserveCache("balance", false)
	m.ObserveCache("balance", false)
	m.ObserveEventPublished(nil)
	m.ObserveEventPublished(errors.New("down"))
	m.ObserveSystemWalletsCreated(12)
	m.ObserveSystemWalletsCreated(0)
	m.ObserveRateLimited()

	if got := testutil.ToFloat64(m.cacheRequestsTotal.WithLabelValues("balance", "miss")); got != 2 {
		t.Fatalf("expected 2 misses, got %v", got)
	}
	if got := testutil.ToFloat64(m.eventsPublished.WithLabelValues("error")); got != 1 {
		t.Fatalf("expected 1 failed publish, got %v", got)
	}
	if got := testutil.ToFloat64(m.systemWalletsCreated); got != 12 {
		t.Fatalf("expected 12 system wallets, got %v", got)
	}
	if got := testutil.ToFloat64(m.rateLimitedTotal); got != 1 {
		t.Fatalf("expected 1 rate limited request, got %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.StartOperation("spend")("ok")
	m.ObserveCache("balance", true)
	m.ObserveSystemWalletsCreated(3)
	m.ObserveRateLimited()
	m.ObserveEventPublished(nil)
}
