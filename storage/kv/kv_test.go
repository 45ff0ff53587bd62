package kv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open("file::memory:?cache=shared", "kv_test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	_, ok, err := s.Get(ctx, []byte("a"))
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Put(ctx, []byte("a"), []byte("1")))
	v, ok, err := s.Get(ctx, []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)

	require.NoError(t, s.Put(ctx, []byte("a"), []byte("2")))
	v, _, _ = s.Get(ctx, []byte("a"))
	require.Equal(t, []byte("2"), v)

	require.NoError(t, s.Delete(ctx, []byte("a")))
	_, ok, _ = s.Get(ctx, []byte("a"))
	require.False(t, ok)
}

func TestScanPrefixOrdering(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	for _, k := range []string{"room!a/3", "room!a/1", "room!a/2", "room!b/1"} {
		require.NoError(t, s.Put(ctx, []byte(k), []byte("v")))
	}

	entries, err := s.ScanPrefix(ctx, []byte("room!a/"))
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "room!a/1", string(entries[0].Key))
	require.Equal(t, "room!a/2", string(entries[1].Key))
	require.Equal(t, "room!a/3", string(entries[2].Key))
}

func TestCorkIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	err := s.Cork(ctx, func(b *Batch) error {
		require.NoError(t, b.Put([]byte("x"), []byte("1")))
		require.NoError(t, b.Put([]byte("y"), []byte("2")))
		return nil
	})
	require.NoError(t, err)

	_, ok, _ := s.Get(ctx, []byte("x"))
	require.True(t, ok)
	_, ok, _ = s.Get(ctx, []byte("y"))
	require.True(t, ok)
}

func TestScanRangeReverse(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	for _, k := range []string{"k1", "k2", "k3"} {
		require.NoError(t, s.Put(ctx, []byte(k), []byte("v")))
	}
	entries, err := s.ScanRange(ctx, []byte("k1"), nil, true)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "k3", string(entries[0].Key))
}
