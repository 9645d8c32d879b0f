// Package memo implements a compute-once cache that coalesces concurrent
// requests for the same key onto a single producer call.
//
// Each key is in one of three states: absent, pending (a singleflight call is
// running and every caller for the key waits on its result) or done (the
// value is stored in the sharded map for the lifetime of the cache). Failures
// are never stored: the singleflight call ends and the key can be computed
// again by the next caller. There is no expiry, eviction or cancellation; a
// producer that never returns stalls every waiter for its key.
package memo

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"

	"github.com/mohammed-shakir/geoproduct-cache/internal/core/observability"
)

const numShards = 64

// Producer computes the value for a key. It receives a context that is not
// canceled when the calling request goes away, since other callers may be
// waiting on the same result.
type Producer[V any] func(ctx context.Context) (V, error)

type shard[V any] struct {
	mu       sync.RWMutex
	done     map[string]V
	attached map[string]int // callers waiting on the key's singleflight call
}

type Cache[V any] struct {
	name    string
	logger  *slog.Logger
	group   singleflight.Group
	entries atomic.Int64
	shards  [numShards]shard[V]
}

// PanicError is returned to every waiter when a producer panics.
type PanicError struct {
	Key   string
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("memo: producer for %q panicked: %v", e.Key, e.Value)
}

func New[V any](name string, logger *slog.Logger) *Cache[V] {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache[V]{name: name, logger: logger}
	for i := range c.shards {
		c.shards[i].done = make(map[string]V)
		c.shards[i].attached = make(map[string]int)
	}
	return c
}

// GetOrCompute returns the stored value for key, joins the pending
// computation for key, or runs produce exactly once. The producer's error is
// returned unchanged to every caller attached to that computation.
func (c *Cache[V]) GetOrCompute(ctx context.Context, key string, produce Producer[V]) (V, error) {
	if v, ok := c.Peek(key); ok {
		observability.IncMemoLookup(c.name, "hit")
		return v, nil
	}

	s := c.pick(key)
	var ran bool
	ch := c.group.DoChan(key, func() (any, error) {
		// a call that finished between Peek and DoChan has already stored the value
		if v, ok := c.Peek(key); ok {
			return v, nil
		}
		ran = true
		return c.run(ctx, key, s, produce)
	})
	s.attach(key, 1)
	res := <-ch
	s.attach(key, -1)

	switch {
	case ran:
		observability.IncMemoLookup(c.name, "miss")
	case res.Shared:
		observability.IncMemoLookup(c.name, "coalesced")
	default:
		observability.IncMemoLookup(c.name, "hit")
	}

	if res.Err != nil {
		var zero V
		return zero, res.Err
	}
	return res.Val.(V), nil
}

// run executes produce inside the singleflight call and stores a success
// before the call ends, so no later caller can start a second computation.
func (c *Cache[V]) run(ctx context.Context, key string, s *shard[V], produce Producer[V]) (v V, err error) {
	observability.AddMemoInflight(c.name, 1)
	c.logger.DebugContext(ctx, "memo miss, computing", "cache", c.name, "key", key)
	defer observability.AddMemoInflight(c.name, -1)

	func() {
		defer func() {
			if r := recover(); r != nil {
				err = &PanicError{Key: key, Value: r}
			}
		}()
		v, err = produce(context.WithoutCancel(ctx))
	}()

	if err != nil {
		observability.IncMemoFailure(c.name)
		c.logger.WarnContext(ctx, "memo computation failed", "cache", c.name, "key", key, "err", err)
		return v, err
	}

	s.mu.Lock()
	s.done[key] = v
	s.mu.Unlock()
	c.entries.Add(1)
	observability.SetMemoEntries(c.name, c.Len())
	c.logger.DebugContext(ctx, "memo computation stored", "cache", c.name, "key", key)
	return v, nil
}

func (s *shard[V]) attach(key string, delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := s.attached[key] + delta; n > 0 {
		s.attached[key] = n
	} else {
		delete(s.attached, key)
	}
}

// Peek returns a completed value without computing anything.
func (c *Cache[V]) Peek(key string) (V, bool) {
	s := c.pick(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.done[key]
	return v, ok
}

// Pending reports whether callers are waiting on a computation for key.
func (c *Cache[V]) Pending(key string) bool {
	s := c.pick(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, done := s.done[key]
	return !done && s.attached[key] > 0
}

// Len is the number of completed entries.
func (c *Cache[V]) Len() int {
	return int(c.entries.Load())
}

// number of callers, producer included, attached to key's computation
func (c *Cache[V]) waiting(key string) int {
	s := c.pick(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attached[key]
}

func (c *Cache[V]) pick(key string) *shard[V] {
	h := xxhash.Sum64String(key)
	return &c.shards[h&(numShards-1)]
}
