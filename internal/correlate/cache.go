// Package correlate implements the per-event join of asynchronous detection
// producers. Records for one event accumulate in a group until every expected
// producer has answered; the completed group is handed back exactly once.
// Groups that never complete are evicted after an idle timeout so lost
// producer messages cannot grow memory without bound.
package correlate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quakeflow/quakeflow/internal/schema"
)

// DefaultTTL matches the five-minute correlation window of the upstream
// producers: a waveform window is processed by every model well within it.
const DefaultTTL = 5 * time.Minute

// Group is a completed or evicted correlation group. Members maps producer
// name to that producer's record.
type Group struct {
	EventID   string
	Members   map[string]schema.DetectionRecord
	CreatedAt time.Time
}

// entry is the live, mutable state of one pending event. Its mutex scopes all
// synchronisation to the single event; there is no cache-wide lock on the
// observe path.
type entry struct {
	mu        sync.Mutex
	members   map[string]schema.DetectionRecord
	createdAt time.Time

	// dead marks an entry that has been completed or evicted and must no
	// longer accept records. Observers that race with removal retry against a
	// fresh entry.
	dead bool
}

// EvictFunc is invoked for every group removed by the idle sweep.
type EvictFunc func(Group)

// Cache correlates detection records by event identifier.
type Cache struct {
	groups   sync.Map // event_id -> *entry
	expected map[string]struct{}
	size     int
	ttl      time.Duration
	onEvict  EvictFunc
	now      func() time.Time
}

// Option customises cache construction.
type Option func(*Cache)

// WithEvictFunc registers a callback for idle-evicted groups.
func WithEvictFunc(fn EvictFunc) Option {
	return func(c *Cache) { c.onEvict = fn }
}

// WithClock overrides the cache clock. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// NewCache builds a cache expecting one record from each named producer.
// The producer set is the closed set validated at configuration time; ttl
// bounds how long an incomplete group may live.
func NewCache(producers []string, ttl time.Duration, opts ...Option) (*Cache, error) {
	if len(producers) < 2 {
		return nil, fmt.Errorf("correlate: at least 2 producers required, got %d", len(producers))
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("correlate: ttl must be positive, got %v", ttl)
	}

	expected := make(map[string]struct{}, len(producers))
	for _, name := range producers {
		if name == "" {
			return nil, fmt.Errorf("correlate: empty producer name")
		}
		if _, dup := expected[name]; dup {
			return nil, fmt.Errorf("correlate: duplicate producer name %q", name)
		}
		expected[name] = struct{}{}
	}

	c := &Cache{
		expected: expected,
		size:     len(expected),
		ttl:      ttl,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Observe folds one record into its event's group. It returns the completed
// group and true on the record that makes the group complete; the group is
// removed from the cache in the same step, so exactly one caller observes
// completion for a given event. A duplicate record from the same producer
// overwrites its previous entry.
//
// Observe is safe for concurrent use; synchronisation is per event.
func (c *Cache) Observe(rec schema.DetectionRecord) (Group, bool, error) {
	if _, ok := c.expected[rec.ModelName]; !ok {
		return Group{}, false, fmt.Errorf("correlate: unknown producer %q for event %s", rec.ModelName, rec.EventID)
	}

	for {
		actual, _ := c.groups.LoadOrStore(rec.EventID, &entry{
			members:   make(map[string]schema.DetectionRecord, c.size),
			createdAt: c.now(),
		})
		e := actual.(*entry)

		e.mu.Lock()
		if e.dead {
			// Lost a race with completion or eviction; start over with a
			// fresh entry for this event.
			e.mu.Unlock()
			continue
		}

		e.members[rec.ModelName] = rec
		if len(e.members) < c.size {
			e.mu.Unlock()
			return Group{}, false, nil
		}

		e.dead = true
		c.groups.Delete(rec.EventID)
		completed := Group{
			EventID:   rec.EventID,
			Members:   e.members,
			CreatedAt: e.createdAt,
		}
		e.mu.Unlock()
		return completed, true, nil
	}
}

// Len reports the number of pending groups.
func (c *Cache) Len() int {
	n := 0
	c.groups.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Sweep removes every group older than the idle timeout and reports the
// evicted groups via the eviction callback. It returns the number evicted.
func (c *Cache) Sweep() int {
	cutoff := c.now().Add(-c.ttl)
	var evicted []Group

	c.groups.Range(func(key, value any) bool {
		e := value.(*entry)
		e.mu.Lock()
		if !e.dead && e.createdAt.Before(cutoff) {
			e.dead = true
			c.groups.Delete(key)
			evicted = append(evicted, Group{
				EventID:   key.(string),
				Members:   e.members,
				CreatedAt: e.createdAt,
			})
		}
		e.mu.Unlock()
		return true
	})

	if c.onEvict != nil {
		for _, g := range evicted {
			c.onEvict(g)
		}
	}
	return len(evicted)
}

// RunSweeper sweeps at the given interval until ctx is cancelled. Interval
// defaults to a fifth of the TTL, floored at one second.
func (c *Cache) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.ttl / 5
		if interval < time.Second {
			interval = time.Second
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}
