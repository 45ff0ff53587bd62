package sliding

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/matrixcore/homeservercore/internal/counter"
	"github.com/matrixcore/homeservercore/pdu"
	"github.com/matrixcore/homeservercore/roomstate/accessor"
	"github.com/matrixcore/homeservercore/roomstate/compressor"
	"github.com/matrixcore/homeservercore/shortid"
	"github.com/matrixcore/homeservercore/storage/kv"
	"github.com/matrixcore/homeservercore/storage/pdustore"
	"github.com/matrixcore/homeservercore/syncapi/notifier"
	"github.com/matrixcore/homeservercore/syncapi/storage"
	"github.com/matrixcore/homeservercore/syncapi/sync"
	"github.com/matrixcore/homeservercore/syncapi/types"
	"github.com/matrixcore/homeservercore/timeline"
)

type stubPublisher struct{}

func (s *stubPublisher) PublishMsg(msg *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error) {
	return &nats.PubAck{}, nil
}

func newTestEngine(t *testing.T, name string) (*Engine, *shortid.Service, *timeline.Timeline, *storage.Database) {
	t.Helper()
	store, err := kv.Open(fmt.Sprintf("file::memory:?cache=shared&_test=%s", name), name)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	c := counter.New(0)
	sid := shortid.New(store, c)
	comp := compressor.New(store, sid)
	pdus := pdustore.New(store)
	acc, err := accessor.New(comp, sid, pdus)
	require.NoError(t, err)
	tl := timeline.New(timeline.Deps{
		KV:         store,
		Counter:    c,
		ShortID:    sid,
		PDUs:       pdus,
		Compressor: comp,
		Publisher:  &stubPublisher{},
	})
	syncDB := storage.New(store)

	conns := NewStore(time.Minute, time.Hour)
	t.Cleanup(conns.Close)

	return &Engine{
		Core: &sync.Engine{
			Counter:  c,
			Notifier: notifier.New(),
			Accessor: acc,
			PDUs:     pdus,
			Timeline: tl,
			ShortID:  sid,
			SyncDB:   syncDB,
		},
		Conns: conns,
	}, sid, tl, syncDB
}

func rawEvent(raw string) *pdu.Headered {
	ev, err := pdu.Parse(gomatrixserverlib.RoomVersionV10, []byte(raw))
	if err != nil {
		panic(err)
	}
	return ev
}

func mustShort(t *testing.T, ctx context.Context, sid *shortid.Service, eventID string) uint64 {
	t.Helper()
	short, _, err := sid.GetOrCreateShortEvent(ctx, eventID)
	require.NoError(t, err)
	return short
}

func TestRequestSyncInitialWindowReturnsRoomAsInitial(t *testing.T) {
	e, sid, tl, syncDB := newTestEngine(t, "slide-initial")
	ctx := context.Background()
	roomID, alice := "!r:x", "@alice:x"

	create := rawEvent(fmt.Sprintf(`{
		"type": "m.room.create", "room_id": %q, "sender": %q, "event_id": "$create:x",
		"state_key": "", "origin_server_ts": 100, "content": {"creator": %q},
		"prev_events": [], "auth_events": [], "depth": 1
	}`, roomID, alice, alice))
	createKeyNID, _, err := sid.GetOrCreateShortStateKey(ctx, "m.room.create", "")
	require.NoError(t, err)
	createState := []compressor.Entry{{StateKeyNID: createKeyNID, EventNID: mustShort(t, ctx, sid, "$create:x")}}
	_, err = tl.Append(ctx, create, timeline.StateMutation{NewFullState: createState}, nil)
	require.NoError(t, err)

	memberRaw, _ := json.Marshal([]string{"$create:x"})
	join := rawEvent(fmt.Sprintf(`{
		"type": "m.room.member", "room_id": %q, "sender": %q, "event_id": "$join:x",
		"state_key": %q, "origin_server_ts": 101, "content": {"membership": "join"},
		"prev_events": %s, "auth_events": [], "depth": 2
	}`, roomID, alice, alice, string(memberRaw)))
	memberKeyNID, _, err := sid.GetOrCreateShortStateKey(ctx, "m.room.member", alice)
	require.NoError(t, err)
	joinRes, err := tl.Append(ctx, join, timeline.StateMutation{
		NewFullState: append(createState, compressor.Entry{StateKeyNID: memberKeyNID, EventNID: mustShort(t, ctx, sid, "$join:x")}),
	}, nil)
	require.NoError(t, err)
	require.NoError(t, syncDB.SetMembership(ctx, alice, roomID, "join", alice, uint64(joinRes.ID.Count.N())))
	require.NoError(t, syncDB.SetRoomLastCount(ctx, roomID, uint64(joinRes.ID.Count.N())))

	resp, err := e.RequestSync(ctx, types.SlidingRequest{
		UserID:   alice,
		DeviceID: "DEV",
		ConnID:   "conn1",
		Lists: map[string]types.SlidingListConfig{
			"rooms": {TimelineLimit: 10, Range: [2]int{0, 9}},
		},
	})
	require.NoError(t, err)
	require.Contains(t, resp.Lists, "rooms")
	require.Equal(t, 1, resp.Lists["rooms"].Count)
	require.Len(t, resp.Lists["rooms"].Ops, 1)
	require.Equal(t, "SYNC", resp.Lists["rooms"].Ops[0].Op)
	require.Equal(t, []string{roomID}, resp.Lists["rooms"].Ops[0].RoomIDs)

	room, ok := resp.Rooms[roomID]
	require.True(t, ok)
	require.True(t, room.Initial)
	require.Len(t, room.Timeline, 2)
	require.Equal(t, 1, room.JoinedCount)
}

func TestRequestSyncSecondRequestOnSameConnectionIsNotInitial(t *testing.T) {
	e, sid, tl, syncDB := newTestEngine(t, "slide-repeat")
	ctx := context.Background()
	roomID, alice := "!r:x", "@alice:x"

	create := rawEvent(fmt.Sprintf(`{
		"type": "m.room.create", "room_id": %q, "sender": %q, "event_id": "$create:x",
		"state_key": "", "origin_server_ts": 100, "content": {"creator": %q},
		"prev_events": [], "auth_events": [], "depth": 1
	}`, roomID, alice, alice))
	createKeyNID, _, err := sid.GetOrCreateShortStateKey(ctx, "m.room.create", "")
	require.NoError(t, err)
	createState := []compressor.Entry{{StateKeyNID: createKeyNID, EventNID: mustShort(t, ctx, sid, "$create:x")}}
	_, err = tl.Append(ctx, create, timeline.StateMutation{NewFullState: createState}, nil)
	require.NoError(t, err)

	memberRaw, _ := json.Marshal([]string{"$create:x"})
	join := rawEvent(fmt.Sprintf(`{
		"type": "m.room.member", "room_id": %q, "sender": %q, "event_id": "$join:x",
		"state_key": %q, "origin_server_ts": 101, "content": {"membership": "join"},
		"prev_events": %s, "auth_events": [], "depth": 2
	}`, roomID, alice, alice, string(memberRaw)))
	memberKeyNID, _, err := sid.GetOrCreateShortStateKey(ctx, "m.room.member", alice)
	require.NoError(t, err)
	joinState := append(createState, compressor.Entry{StateKeyNID: memberKeyNID, EventNID: mustShort(t, ctx, sid, "$join:x")})
	joinRes, err := tl.Append(ctx, join, timeline.StateMutation{NewFullState: joinState}, nil)
	require.NoError(t, err)
	require.NoError(t, syncDB.SetMembership(ctx, alice, roomID, "join", alice, uint64(joinRes.ID.Count.N())))
	require.NoError(t, syncDB.SetRoomLastCount(ctx, roomID, uint64(joinRes.ID.Count.N())))

	listCfg := map[string]types.SlidingListConfig{"rooms": {TimelineLimit: 10, Range: [2]int{0, 9}}}

	first, err := e.RequestSync(ctx, types.SlidingRequest{UserID: alice, DeviceID: "DEV", ConnID: "conn1", Lists: listCfg})
	require.NoError(t, err)
	require.True(t, first.Rooms[roomID].Initial)

	second, err := e.RequestSync(ctx, types.SlidingRequest{UserID: alice, DeviceID: "DEV", ConnID: "conn1", Pos: first.Pos, Lists: listCfg})
	require.NoError(t, err)
	room, ok := second.Rooms[roomID]
	if ok {
		require.False(t, room.Initial)
	}
}
