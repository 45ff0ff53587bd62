package counter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonotonicity(t *testing.T) {
	c := New(0)
	a := c.Next()
	b := c.Next()
	assert.Less(t, a.Value(), b.Value())
	a.Release()
	b.Release()
}

func TestWaitPendingNeverOutrunsUnreleasedPermit(t *testing.T) {
	c := New(0)
	a := c.Next()
	b := c.Next()
	b.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	v, err := c.WaitPending(ctx)
	require.NoError(t, err)
	assert.Less(t, v, a.Value(), "must not observe b's count while a is still pending")

	a.Release()
	v2, err := c.WaitPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, b.Value(), v2)
}

func TestWaitCountResolvesAfterRelease(t *testing.T) {
	c := New(0)
	p := c.Next()
	done := make(chan struct{})
	go func() {
		_, _ = c.WaitCount(context.Background(), p.Value())
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("WaitCount resolved before Release")
	case <-time.After(20 * time.Millisecond):
	}
	p.Release()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitCount did not resolve after Release")
	}
}

func TestConcurrentReservationsAreUnique(t *testing.T) {
	c := New(0)
	const n = 200
	seen := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := c.Next()
			seen <- p.Value()
			p.Release()
		}()
	}
	wg.Wait()
	close(seen)
	set := make(map[uint64]bool, n)
	for v := range seen {
		assert.False(t, set[v], "duplicate reservation %d", v)
		set[v] = true
	}
	assert.Len(t, set, n)
}
