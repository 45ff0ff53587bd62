package pdustore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matrixcore/homeservercore/pdu"
	"github.com/matrixcore/homeservercore/storage/kv"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	kvs, err := kv.Open("file::memory:?cache=shared&_test=pdustore", "pdustore_test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kvs.Close() })
	return New(kvs)
}

func TestAppendAndLookup(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Append(ctx, 1, pdu.NewNormal(1), "$e1:x", []byte(`{"a":1}`)))

	data, outlier, err := s.Lookup(ctx, "$e1:x")
	require.NoError(t, err)
	require.False(t, outlier)
	require.JSONEq(t, `{"a":1}`, string(data))
}

func TestOutlierTimelineDisjoint(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.PutOutlier(ctx, "$out:x", []byte(`{"b":1}`)))
	data, outlier, err := s.Lookup(ctx, "$out:x")
	require.NoError(t, err)
	require.True(t, outlier)
	require.JSONEq(t, `{"b":1}`, string(data))

	require.NoError(t, s.PromoteOutlier(ctx, 1, pdu.NewNormal(1), "$out:x", []byte(`{"b":1,"promoted":true}`)))
	data, outlier, err = s.Lookup(ctx, "$out:x")
	require.NoError(t, err)
	require.False(t, outlier, "a promoted event must no longer be an outlier")
	require.JSONEq(t, `{"b":1,"promoted":true}`, string(data))
}

func TestRangeOrderingAndSnapshot(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, s.Append(ctx, 7, pdu.NewNormal(i), "$ev"+string(rune('0'+i)), []byte(`{}`)))
	}

	entries, err := s.Range(ctx, 7, nil, false)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for i, e := range entries {
		require.Equal(t, int64(i+1), e.Count.N())
	}

	// New appends after the scan was taken aren't retroactively mixed in;
	// re-running Range picks them up since it is a fresh snapshot each call.
	require.NoError(t, s.Append(ctx, 7, pdu.NewNormal(6), "$ev6", []byte(`{}`)))
	entries2, err := s.Range(ctx, 7, nil, false)
	require.NoError(t, err)
	require.Len(t, entries2, 6)
}

func TestDeleteAllInRoom(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Append(ctx, 9, pdu.NewNormal(1), "$d1:x", []byte(`{}`)))
	require.NoError(t, s.DeleteAllInRoom(ctx, 9))

	exists, err := s.Exists(ctx, "$d1:x")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestReplaceInPlace(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id := ID{ShortRoomID: 3, Count: pdu.NewNormal(1)}
	require.NoError(t, s.Append(ctx, id.ShortRoomID, id.Count, "$e:x", []byte(`{"unsigned":{}}`)))

	// Simulates the routing layer stamping server-computed fields
	// (event_id, hashes, signatures) onto a locally-created PDU after the
	// server's own signature has been added, without touching its
	// (shortroomid, count) position or event_id mapping.
	require.NoError(t, s.ReplaceInPlace(ctx, id, []byte(`{"unsigned":{},"signatures":{"origin.example":{"ed25519:1":"sig"}}}`)))

	data, outlier, err := s.Lookup(ctx, "$e:x")
	require.NoError(t, err)
	require.False(t, outlier)
	require.JSONEq(t, `{"unsigned":{},"signatures":{"origin.example":{"ed25519:1":"sig"}}}`, string(data))
}

func TestExistsFalseForUnknown(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ok, err := s.Exists(ctx, "$nope:x")
	require.NoError(t, err)
	require.False(t, ok)
}
