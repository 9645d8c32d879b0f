package meter

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/mohammed-shakir/geoproduct-cache/internal/cache/redisstore"
)

func newTestMeter(t *testing.T) (*Meter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	cli, err := redisstore.New(context.Background(), mr.Addr())
	if err != nil {
		t.Fatalf("redisstore.New: %v", err)
	}
	t.Cleanup(func() { _ = cli.Close() })

	m := New(cli, "", time.Second)
	m.now = func() time.Time { return time.Date(2026, 3, 14, 23, 30, 0, 0, time.UTC) }
	return m, mr
}

func TestRecord_AccumulatesUsage(t *testing.T) {
	m, mr := newTestMeter(t)
	ctx := context.Background()

	if err := m.Record(ctx, "monthly_mean", 2*time.Second, false); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := m.Record(ctx, "monthly_mean", 500*time.Millisecond, true); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := m.Record(ctx, "classification", time.Second, false); err != nil {
		t.Fatalf("Record: %v", err)
	}

	u, err := m.Usage(ctx, "monthly_mean")
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	want := Usage{Calls: 2, Failures: 1, Seconds: 2.5, Today: 2}
	if u != want {
		t.Fatalf("usage=%+v want %+v", u, want)
	}

	if got, _ := mr.Get("meter:monthly_mean:day:2026-03-14"); got != "2" {
		t.Fatalf("daily bucket=%q want 2", got)
	}
	if ttl := mr.TTL("meter:monthly_mean:day:2026-03-14"); ttl != dailyTTL {
		t.Fatalf("daily ttl=%v want %v", ttl, dailyTTL)
	}
	if mr.TTL("meter:monthly_mean:calls") != 0 {
		t.Fatalf("lifetime counters must not expire")
	}
}

func TestUsage_UnknownProductIsZero(t *testing.T) {
	m, _ := newTestMeter(t)
	u, err := m.Usage(context.Background(), "never_called")
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if u != (Usage{}) {
		t.Fatalf("usage=%+v want zero", u)
	}
}

func TestRecord_IgnoresCallerCancellation(t *testing.T) {
	m, _ := newTestMeter(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := m.Record(ctx, "ndvi", time.Second, false); err != nil {
		t.Fatalf("Record with canceled parent: %v", err)
	}
}

func TestKey_SanitizesProduct(t *testing.T) {
	m := New(nil, "usage", 0)
	if got := m.key("Class Stats/v2", "calls"); got != "usage:class-stats-v2:calls" {
		t.Fatalf("key=%q", got)
	}
}
