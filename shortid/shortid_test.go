package shortid

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matrixcore/homeservercore/internal/counter"
	"github.com/matrixcore/homeservercore/storage/kv"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	store, err := kv.Open("file::memory:?cache=shared&_test=shortid", "shortid_test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store, counter.New(0))
}

func TestBijection(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	short, existed, err := s.GetOrCreateShortEvent(ctx, "$abc:example.org")
	require.NoError(t, err)
	require.False(t, existed)

	back, err := s.ShortToEventID(ctx, short)
	require.NoError(t, err)
	require.Equal(t, "$abc:example.org", back)
}

func TestIdempotentAllocation(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	short1, _, err := s.GetOrCreateShortRoom(ctx, "!room:example.org")
	require.NoError(t, err)
	short2, existed2, err := s.GetOrCreateShortRoom(ctx, "!room:example.org")
	require.NoError(t, err)
	require.True(t, existed2)
	require.Equal(t, short1, short2)
}

func TestConcurrentAllocationConverges(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	const n = 50
	results := make([]uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, _, err := s.GetOrCreateShortEvent(ctx, "$racer:example.org")
			require.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()
	for i := 1; i < n; i++ {
		require.Equal(t, results[0], results[i], "all concurrent callers for the same preimage must observe the same short")
	}
}

func TestReverseLookupNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)
	_, err := s.ShortToEventID(ctx, 99999)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStateKeyRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)
	short, _, err := s.GetOrCreateShortStateKey(ctx, "m.room.member", "@bob:example.org")
	require.NoError(t, err)
	typ, key, err := s.ShortToStateKey(ctx, short)
	require.NoError(t, err)
	require.Equal(t, "m.room.member", typ)
	require.Equal(t, "@bob:example.org", key)
}
