package accessor

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/stretchr/testify/require"

	"github.com/matrixcore/homeservercore/internal/counter"
	"github.com/matrixcore/homeservercore/roomstate/compressor"
	"github.com/matrixcore/homeservercore/shortid"
	"github.com/matrixcore/homeservercore/storage/kv"
	"github.com/matrixcore/homeservercore/storage/pdustore"
)

type testHarness struct {
	ctx    context.Context
	kv     *kv.Store
	sid    *shortid.Service
	comp   *compressor.Compressor
	pdus   *pdustore.Store
	acc    *Accessor
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	store, err := kv.Open("file::memory:?cache=shared&_test=accessor", "accessor_test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	sid := shortid.New(store, counter.New(0))
	comp := compressor.New(store, sid)
	pdus := pdustore.New(store)
	acc, err := New(comp, sid, pdus)
	require.NoError(t, err)
	return &testHarness{ctx: context.Background(), kv: store, sid: sid, comp: comp, pdus: pdus, acc: acc}
}

// storeStateEvent persists a minimal, well-formed state event and returns
// its short-event-id, suitable for inclusion in a compressor.Entry.
func (h *testHarness) storeStateEvent(t *testing.T, eventID, roomID, sender, evType, stateKey string, content map[string]any) uint64 {
	t.Helper()
	contentBytes, err := json.Marshal(content)
	require.NoError(t, err)
	raw := fmt.Sprintf(`{
		"type": %q,
		"room_id": %q,
		"sender": %q,
		"event_id": %q,
		"state_key": %q,
		"origin_server_ts": 1000,
		"content": %s,
		"prev_events": [],
		"auth_events": [],
		"depth": 1
	}`, evType, roomID, sender, eventID, stateKey, string(contentBytes))

	envelope, err := json.Marshal(struct {
		RoomVersion string          `json:"room_version"`
		Event       json.RawMessage `json:"event"`
	}{RoomVersion: string(gomatrixserverlib.RoomVersionV10), Event: json.RawMessage(raw)})
	require.NoError(t, err)

	require.NoError(t, h.pdus.PutOutlier(h.ctx, eventID, envelope))
	short, _, err := h.sid.GetOrCreateShortEvent(h.ctx, eventID)
	require.NoError(t, err)
	return short
}

func (h *testHarness) stateKeyShort(t *testing.T, evType, key string) uint64 {
	t.Helper()
	s, _, err := h.sid.GetOrCreateShortStateKey(h.ctx, evType, key)
	require.NoError(t, err)
	return s
}

func TestStateGetAndMembership(t *testing.T) {
	h := newHarness(t)
	roomID := "!r:x"

	memberShort := h.storeStateEvent(t, "$m1:x", roomID, "@alice:x", "m.room.member", "@alice:x", map[string]any{"membership": "join"})
	skShort := h.stateKeyShort(t, "m.room.member", "@alice:x")

	hash, _, _, err := h.comp.SaveState(h.ctx, nil, []compressor.Entry{{StateKeyNID: skShort, EventNID: memberShort}})
	require.NoError(t, err)

	ev, err := h.acc.StateGet(h.ctx, hash, "m.room.member", "@alice:x")
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.Equal(t, "$m1:x", ev.EventID())

	joined, err := h.acc.IsJoined(h.ctx, hash, "@alice:x")
	require.NoError(t, err)
	require.True(t, joined)

	invited, err := h.acc.IsInvited(h.ctx, hash, "@alice:x")
	require.NoError(t, err)
	require.False(t, invited)
}

func TestStateGetMissingReturnsNil(t *testing.T) {
	h := newHarness(t)
	hash, _, _, err := h.comp.SaveState(h.ctx, nil, nil)
	require.NoError(t, err)
	ev, err := h.acc.StateGet(h.ctx, hash, "m.room.topic", "")
	require.NoError(t, err)
	require.Nil(t, ev)
}

func TestHistoryVisibilityDefaultsShared(t *testing.T) {
	h := newHarness(t)
	hash, _, _, err := h.comp.SaveState(h.ctx, nil, nil)
	require.NoError(t, err)
	vis, err := h.acc.GetHistoryVisibility(h.ctx, hash)
	require.NoError(t, err)
	require.Equal(t, VisibilityShared, vis)
}

func TestUserCanSeeEventJoinedVisibility(t *testing.T) {
	h := newHarness(t)
	roomID := "!r:x"

	visShort := h.storeStateEvent(t, "$v1:x", roomID, "@alice:x", "m.room.history_visibility", "", map[string]any{"history_visibility": "joined"})
	visKeyShort := h.stateKeyShort(t, "m.room.history_visibility", "")
	memberShort := h.storeStateEvent(t, "$m2:x", roomID, "@bob:x", "m.room.member", "@bob:x", map[string]any{"membership": "join"})
	memberKeyShort := h.stateKeyShort(t, "m.room.member", "@bob:x")

	hash, _, _, err := h.comp.SaveState(h.ctx, nil, []compressor.Entry{
		{StateKeyNID: visKeyShort, EventNID: visShort},
		{StateKeyNID: memberKeyShort, EventNID: memberShort},
	})
	require.NoError(t, err)

	canSee, err := h.acc.UserCanSeeEvent(h.ctx, hash, "@bob:x", nil)
	require.NoError(t, err)
	require.True(t, canSee)

	canSee, err = h.acc.UserCanSeeEvent(h.ctx, hash, "@carol:x", nil)
	require.NoError(t, err)
	require.False(t, canSee)
}
