// Package counter implements the process-wide monotonic sequence used to
// timestamp every local mutation (PDUs, account-data updates, device-list
// updates, typing notifications, read receipts).
//
// The reserve/release discipline (Next/Release) replaces a single global
// lock around "write then notify" with a narrower one around the sequence
// itself: a permit keeps its number in the pending range until the holder
// has finished the side effects keyed by that number, so sync waiters never
// observe a count whose writes are incomplete.
package counter

import (
	"context"
	"sort"
	"sync"
)

// Counter is safe for concurrent use.
type Counter struct {
	mu      sync.Mutex
	cond    *sync.Cond
	current uint64
	pending []uint64 // sorted ascending; numbers reserved but not yet released
}

// New returns a Counter starting at the given value (0 for a fresh room
// server; the persisted high-water mark on restart).
func New(start uint64) *Counter {
	c := &Counter{current: start}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Permit is returned by Next. The holder must call Release once every
// side effect keyed by Value() is durable and externally visible.
type Permit struct {
	c        *Counter
	value    uint64
	released bool
}

// Value returns the reserved count.
func (p *Permit) Value() uint64 { return p.value }

// Release marks the reserved count's side effects as visible. Idempotent.
func (p *Permit) Release() {
	if p.released {
		return
	}
	p.released = true
	p.c.release(p.value)
}

// Next atomically reserves the next integer in the sequence and returns a
// permit holding it pending.
func (c *Counter) Next() *Permit {
	c.mu.Lock()
	c.current++
	v := c.current
	c.insertPendingLocked(v)
	c.mu.Unlock()
	return &Permit{c: c, value: v}
}

func (c *Counter) insertPendingLocked(v uint64) {
	i := sort.Search(len(c.pending), func(i int) bool { return c.pending[i] >= v })
	c.pending = append(c.pending, 0)
	copy(c.pending[i+1:], c.pending[i:])
	c.pending[i] = v
}

func (c *Counter) release(v uint64) {
	c.mu.Lock()
	i := sort.Search(len(c.pending), func(i int) bool { return c.pending[i] >= v })
	if i < len(c.pending) && c.pending[i] == v {
		c.pending = append(c.pending[:i], c.pending[i+1:]...)
	}
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Current returns the highest reserved count, pending or not.
func (c *Counter) Current() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Pending returns the inclusive range of counts currently reserved but not
// yet released. If nothing is pending, lo > hi.
func (c *Counter) Pending() (lo, hi uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return 1, 0
	}
	return c.pending[0], c.pending[len(c.pending)-1]
}

// WaitPending resolves to the highest count whose permit has been
// released: the highest count whose side effects are externally visible.
// It never returns a value greater than the count of a permit that has
// not been released, since it only advances past the lowest still-pending
// reservation.
func (c *Counter) WaitPending(ctx context.Context) (uint64, error) {
	return c.waitUntil(ctx, func() (uint64, bool) {
		if len(c.pending) == 0 {
			return c.current, true
		}
		return c.pending[0] - 1, true
	})
}

// WaitCount resolves once target is no longer in the pending range.
func (c *Counter) WaitCount(ctx context.Context, target uint64) (uint64, error) {
	return c.waitUntil(ctx, func() (uint64, bool) {
		for _, p := range c.pending {
			if p <= target {
				return 0, false
			}
		}
		return c.current, true
	})
}

// waitUntil polls cond under the counter's own lock; check must be called
// with mu held and report (value, ready).
func (c *Counter) waitUntil(ctx context.Context, check func() (uint64, bool)) (uint64, error) {
	done := make(chan struct{})
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				c.cond.Broadcast()
			case <-done:
			}
		}()
		defer close(done)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if v, ok := check(); ok {
			return v, nil
		}
		if ctx != nil {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			default:
			}
		}
		c.cond.Wait()
	}
}
