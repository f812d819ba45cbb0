package relay

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Dedup reports whether a hash has already been seen, remembering it
// for future calls. Implementations must be safe for concurrent use.
type Dedup interface {
	Seen(hash string) bool
}

// memoryDedup is a bounded FIFO ring buffer of the last N hashes, the
// default backing per spec section 4.G.
type memoryDedup struct {
	mu    sync.Mutex
	cap   int
	order []string
	set   map[string]struct{}
}

// NewMemoryDedup returns an in-memory Dedup bounded to capacity
// entries (spec section 4.G: "bounded FIFO of the last 1000 hashes").
func NewMemoryDedup(capacity int) Dedup {
	if capacity <= 0 {
		capacity = 1000
	}
	return &memoryDedup{cap: capacity, set: make(map[string]struct{}, capacity)}
}

func (d *memoryDedup) Seen(hash string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.set[hash]; ok {
		return true
	}
	d.order = append(d.order, hash)
	d.set[hash] = struct{}{}
	if len(d.order) > d.cap {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.set, oldest)
	}
	return false
}

// redisDedup backs the dedup window with a Redis SET NX, letting
// multiple bridge instances (a hot-standby pair) share one window, per
// DESIGN.md's grounding on the teacher's dedup/storm integration tests.
type redisDedup struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisDedup returns a Dedup backed by a Redis client. Entries
// expire after ttl, bounding the window by time rather than count.
func NewRedisDedup(client *redis.Client, ttl time.Duration) Dedup {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &redisDedup{client: client, ttl: ttl, prefix: "meshbridge:relay:dedup:"}
}

func (d *redisDedup) Seen(hash string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := d.client.SetNX(ctx, d.prefix+hash, 1, d.ttl).Result()
	if err != nil {
		// Redis unavailable: fail open rather than drop messages, the
		// dedup window degrading to "effectively no dedup" is safer for
		// an alerting path than silently discarding deliveries.
		return false
	}
	return !ok
}
