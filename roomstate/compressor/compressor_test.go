package compressor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matrixcore/homeservercore/internal/counter"
	"github.com/matrixcore/homeservercore/shortid"
	"github.com/matrixcore/homeservercore/storage/kv"
)

func newTestCompressor(t *testing.T) *Compressor {
	t.Helper()
	store, err := kv.Open("file::memory:?cache=shared&_test=compressor", "compressor_test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	sid := shortid.New(store, counter.New(0))
	return New(store, sid)
}

func TestSaveStateIdempotent(t *testing.T) {
	ctx := context.Background()
	c := newTestCompressor(t)

	state := []Entry{{StateKeyNID: 1, EventNID: 10}, {StateKeyNID: 2, EventNID: 20}}
	h1, _, _, err := c.SaveState(ctx, nil, state)
	require.NoError(t, err)
	h2, _, _, err := c.SaveState(ctx, nil, state)
	require.NoError(t, err)
	require.Equal(t, h1, h2, "save_state(S) == save_state(S) must yield the same short-state-hash")
}

func TestSaveStateAndLoadFull(t *testing.T) {
	ctx := context.Background()
	c := newTestCompressor(t)

	base := []Entry{{StateKeyNID: 1, EventNID: 10}}
	baseHash, _, _, err := c.SaveState(ctx, nil, base)
	require.NoError(t, err)

	next := []Entry{{StateKeyNID: 1, EventNID: 11}, {StateKeyNID: 2, EventNID: 20}}
	nextHash, added, removed, err := c.SaveState(ctx, &baseHash, next)
	require.NoError(t, err)
	require.ElementsMatch(t, []Entry{{1, 11}, {2, 20}}, added)
	require.ElementsMatch(t, []Entry{{1, 10}}, removed)

	full, err := c.LoadFull(ctx, nextHash)
	require.NoError(t, err)
	require.ElementsMatch(t, next, full)
}

func TestDiff(t *testing.T) {
	ctx := context.Background()
	c := newTestCompressor(t)

	a, _, _, err := c.SaveState(ctx, nil, []Entry{{1, 1}, {2, 2}})
	require.NoError(t, err)
	b, _, _, err := c.SaveState(ctx, &a, []Entry{{1, 1}, {2, 3}, {3, 4}})
	require.NoError(t, err)

	added, removed, err := c.Diff(ctx, a, b)
	require.NoError(t, err)
	require.ElementsMatch(t, []Entry{{2, 3}, {3, 4}}, added)
	require.ElementsMatch(t, []Entry{{2, 2}}, removed)
}

func TestRebaseAtDepthCap(t *testing.T) {
	ctx := context.Background()
	c := newTestCompressor(t)

	prev, _, _, err := c.SaveState(ctx, nil, []Entry{{1, 1}})
	require.NoError(t, err)

	for i := 0; i < MaxChainDepth+5; i++ {
		state := []Entry{{1, 1}, {2, uint64(i)}}
		next, _, _, err := c.SaveState(ctx, &prev, state)
		require.NoError(t, err)
		prev = next
	}

	full, err := c.LoadFull(ctx, prev)
	require.NoError(t, err)
	require.Len(t, full, 2)
}
