// Package meter keeps per-product usage counters for the metered engine in Redis.
package meter

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mohammed-shakir/geoproduct-cache/internal/cache/redisstore"
)

// daily buckets are kept long enough to reconcile a monthly invoice
const dailyTTL = 40 * 24 * time.Hour

type Usage struct {
	Calls    int64   `json:"calls"`
	Failures int64   `json:"failures"`
	Seconds  float64 `json:"seconds"`
	Today    int64   `json:"today"`
}

type Meter struct {
	cli     *redisstore.Client
	prefix  string
	timeout time.Duration
	now     func() time.Time
}

func New(cli *redisstore.Client, prefix string, timeout time.Duration) *Meter {
	if prefix == "" {
		prefix = "meter"
	}
	return &Meter{cli: cli, prefix: prefix, timeout: timeout, now: time.Now}
}

func (m *Meter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if m.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.timeout)
}

// Record counts one engine invocation for product.
func (m *Meter) Record(ctx context.Context, product string, took time.Duration, failed bool) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	day := m.dayKey(product, m.now())
	ints := map[string]int64{
		m.key(product, "calls"): 1,
		day:                     1,
	}
	if failed {
		ints[m.key(product, "failures")] = 1
	}
	floats := map[string]float64{m.key(product, "seconds"): took.Seconds()}

	if err := m.cli.Add(ctx, ints, floats, map[string]time.Duration{day: dailyTTL}); err != nil {
		return fmt.Errorf("meter record %s: %w", product, err)
	}
	return nil
}

func (m *Meter) Usage(ctx context.Context, product string) (Usage, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	calls, failures, seconds := m.key(product, "calls"), m.key(product, "failures"), m.key(product, "seconds")
	day := m.dayKey(product, m.now())

	raw, err := m.cli.MGet(ctx, []string{calls, failures, seconds, day})
	if err != nil {
		return Usage{}, fmt.Errorf("meter usage %s: %w", product, err)
	}
	u := Usage{
		Calls:    parseInt(raw[calls]),
		Failures: parseInt(raw[failures]),
		Today:    parseInt(raw[day]),
	}
	if b, ok := raw[seconds]; ok {
		u.Seconds, _ = strconv.ParseFloat(string(b), 64)
	}
	return u, nil
}

func (m *Meter) key(product, field string) string {
	return m.prefix + ":" + sanitize(product) + ":" + field
}

func (m *Meter) dayKey(product string, t time.Time) string {
	return m.key(product, "day:"+t.UTC().Format("2006-01-02"))
}

func parseInt(b []byte) int64 {
	if len(b) == 0 {
		return 0
	}
	n, _ := strconv.ParseInt(string(b), 10, 64)
	return n
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, strings.TrimSpace(s))
}
