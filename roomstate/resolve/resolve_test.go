package resolve

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/stretchr/testify/require"

	"github.com/matrixcore/homeservercore/internal/counter"
	"github.com/matrixcore/homeservercore/pdu"
	"github.com/matrixcore/homeservercore/roomstate/compressor"
	"github.com/matrixcore/homeservercore/shortid"
	"github.com/matrixcore/homeservercore/storage/kv"
	"github.com/matrixcore/homeservercore/storage/pdustore"
)

// harness wires the real shortid/compressor/pdustore stack together and
// implements Loader directly over it, mirroring how package eventinput
// wires Resolve in production.
type harness struct {
	ctx  context.Context
	sid  *shortid.Service
	comp *compressor.Compressor
	pdus *pdustore.Store
}

func newHarness(t *testing.T, name string) *harness {
	t.Helper()
	store, err := kv.Open(fmt.Sprintf("file::memory:?cache=shared&_test=%s", name), name)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	sid := shortid.New(store, counter.New(0))
	comp := compressor.New(store, sid)
	pdus := pdustore.New(store)
	return &harness{ctx: context.Background(), sid: sid, comp: comp, pdus: pdus}
}

func (h *harness) LoadFull(ctx context.Context, shortHash uint64) ([]compressor.Entry, error) {
	return h.comp.LoadFull(ctx, shortHash)
}

func (h *harness) LoadEvent(ctx context.Context, eventNID uint64) (*pdu.Headered, error) {
	eventID, err := h.sid.ShortToEventID(ctx, eventNID)
	if err != nil {
		return nil, err
	}
	return h.resolveEvent(ctx, eventID)
}

func (h *harness) resolveEvent(ctx context.Context, eventID string) (*pdu.Headered, error) {
	raw, _, err := h.pdus.Lookup(ctx, eventID)
	if err == pdustore.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var env struct {
		RoomVersion string          `json:"room_version"`
		Event       json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	return pdu.Parse(gomatrixserverlib.RoomVersion(env.RoomVersion), env.Event)
}

func (h *harness) ShortEventID(ctx context.Context, eventID string) (uint64, error) {
	short, _, err := h.sid.GetOrCreateShortEvent(ctx, eventID)
	return short, err
}

func (h *harness) ShortStateKey(ctx context.Context, eventType, stateKey string) (uint64, error) {
	short, _, err := h.sid.GetOrCreateShortStateKey(ctx, eventType, stateKey)
	return short, err
}

// put persists ev (as an outlier, since these tests only exercise
// resolution logic, not the timeline) and returns its short-event-id plus
// the short-state-key for its (type, state_key).
func (h *harness) put(t *testing.T, ev string, roomVersion gomatrixserverlib.RoomVersion) (eventNID, stateKeyNID uint64) {
	t.Helper()
	var parsed struct {
		EventID  string  `json:"event_id"`
		Type     string  `json:"type"`
		StateKey *string `json:"state_key"`
	}
	require.NoError(t, json.Unmarshal([]byte(ev), &parsed))

	envelope, err := json.Marshal(struct {
		RoomVersion string          `json:"room_version"`
		Event       json.RawMessage `json:"event"`
	}{RoomVersion: string(roomVersion), Event: json.RawMessage(ev)})
	require.NoError(t, err)
	require.NoError(t, h.pdus.PutOutlier(h.ctx, parsed.EventID, envelope))

	eventNID, err = h.ShortEventID(h.ctx, parsed.EventID)
	require.NoError(t, err)
	if parsed.StateKey != nil {
		stateKeyNID, err = h.ShortStateKey(h.ctx, parsed.Type, *parsed.StateKey)
		require.NoError(t, err)
	}
	return eventNID, stateKeyNID
}

func memberEvent(eventID, roomID, sender, stateKey, membership string, ts int64, authEvents ...string) string {
	if authEvents == nil {
		authEvents = []string{}
	}
	authJSON, _ := json.Marshal(authEvents)
	return fmt.Sprintf(`{
		"type": "m.room.member",
		"room_id": %q,
		"sender": %q,
		"event_id": %q,
		"state_key": %q,
		"origin_server_ts": %d,
		"content": {"membership": %q},
		"prev_events": [],
		"auth_events": %s,
		"depth": 1
	}`, roomID, sender, eventID, stateKey, ts, membership, string(authJSON))
}

func createEvent(eventID, roomID, sender string) string {
	return fmt.Sprintf(`{
		"type": "m.room.create",
		"room_id": %q,
		"sender": %q,
		"event_id": %q,
		"state_key": "",
		"origin_server_ts": 100,
		"content": {"creator": %q, "room_version": "10"},
		"prev_events": [],
		"auth_events": [],
		"depth": 1
	}`, roomID, sender, eventID, sender)
}

func TestResolveSingleForkReturnsItsStateUnchanged(t *testing.T) {
	h := newHarness(t, "resolve_single")
	roomID := "!r:x"

	createNID, createKeyNID := h.put(t, createEvent("$create:x", roomID, "@alice:x"), gomatrixserverlib.RoomVersionV10)
	hash, _, _, err := h.comp.SaveState(h.ctx, nil, []compressor.Entry{{StateKeyNID: createKeyNID, EventNID: createNID}})
	require.NoError(t, err)

	out, err := Resolve(h.ctx, h, []uint64{hash}, h.resolveEvent)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, createNID, out[0].EventNID)
}

func TestResolveConflictingMembershipPicksHigherPowerSender(t *testing.T) {
	h := newHarness(t, "resolve_conflict")
	roomID := "!r:x"

	createNID, createKeyNID := h.put(t, createEvent("$create:x", roomID, "@alice:x"), gomatrixserverlib.RoomVersionV10)
	createEntry := compressor.Entry{StateKeyNID: createKeyNID, EventNID: createNID}

	aliceJoinNID, aliceJoinKeyNID := h.put(t, memberEvent("$alicejoin:x", roomID, "@alice:x", "@alice:x", "join", 101, "$create:x"), gomatrixserverlib.RoomVersionV10)
	aliceJoinEntry := compressor.Entry{StateKeyNID: aliceJoinKeyNID, EventNID: aliceJoinNID}

	// Two conflicting values for bob's membership, reached via different
	// forks: bob's own join, and a ban issued by alice, the room's
	// creator. (No fork carries a power_levels event, so sortByPower ranks
	// both senders equally; the outcome comes from the auth checks run
	// against the state resolved so far.)
	bobJoinNID, bobKeyNID := h.put(t, memberEvent("$bobjoin:x", roomID, "@bob:x", "@bob:x", "join", 102, "$create:x"), gomatrixserverlib.RoomVersionV10)
	bobBanNID, _ := h.put(t, memberEvent("$bobban:x", roomID, "@alice:x", "@bob:x", "ban", 103, "$create:x"), gomatrixserverlib.RoomVersionV10)

	forkA := []compressor.Entry{createEntry, aliceJoinEntry, {StateKeyNID: bobKeyNID, EventNID: bobJoinNID}}
	forkB := []compressor.Entry{createEntry, aliceJoinEntry, {StateKeyNID: bobKeyNID, EventNID: bobBanNID}}

	hashA, _, _, err := h.comp.SaveState(h.ctx, nil, forkA)
	require.NoError(t, err)
	hashB, _, _, err := h.comp.SaveState(h.ctx, nil, forkB)
	require.NoError(t, err)

	out, err := Resolve(h.ctx, h, []uint64{hashA, hashB}, h.resolveEvent)
	require.NoError(t, err)

	byKey := map[uint64]uint64{}
	for _, e := range out {
		byKey[e.StateKeyNID] = e.EventNID
	}
	// ban is power-relevant and is admitted first, in the power-ordered
	// pass (alice is joined and is the creator); bob's join is checked in
	// the later pass against state that already has him banned, fails
	// auth, and so the ban keeps the bob slot.
	require.Equal(t, bobBanNID, byKey[bobKeyNID])
	require.Equal(t, createNID, byKey[createKeyNID])
	require.Equal(t, aliceJoinNID, byKey[aliceJoinKeyNID])
}

func TestResolveOrderIndependence(t *testing.T) {
	h := newHarness(t, "resolve_order")
	roomID := "!r:x"

	createNID, createKeyNID := h.put(t, createEvent("$create:x", roomID, "@alice:x"), gomatrixserverlib.RoomVersionV10)
	createEntry := compressor.Entry{StateKeyNID: createKeyNID, EventNID: createNID}

	bobJoinNID, bobKeyNID := h.put(t, memberEvent("$bobjoin:x", roomID, "@bob:x", "@bob:x", "join", 102, "$create:x"), gomatrixserverlib.RoomVersionV10)
	bobBanNID, _ := h.put(t, memberEvent("$bobban:x", roomID, "@alice:x", "@bob:x", "ban", 103, "$create:x"), gomatrixserverlib.RoomVersionV10)

	forkA := []compressor.Entry{createEntry, {StateKeyNID: bobKeyNID, EventNID: bobJoinNID}}
	forkB := []compressor.Entry{createEntry, {StateKeyNID: bobKeyNID, EventNID: bobBanNID}}

	hashA, _, _, err := h.comp.SaveState(h.ctx, nil, forkA)
	require.NoError(t, err)
	hashB, _, _, err := h.comp.SaveState(h.ctx, nil, forkB)
	require.NoError(t, err)

	outAB, err := Resolve(h.ctx, h, []uint64{hashA, hashB}, h.resolveEvent)
	require.NoError(t, err)
	outBA, err := Resolve(h.ctx, h, []uint64{hashB, hashA}, h.resolveEvent)
	require.NoError(t, err)

	toMap := func(entries []compressor.Entry) map[uint64]uint64 {
		m := map[uint64]uint64{}
		for _, e := range entries {
			m[e.StateKeyNID] = e.EventNID
		}
		return m
	}
	require.Equal(t, toMap(outAB), toMap(outBA))
}

func TestAuthChainDedupesDiamond(t *testing.T) {
	h := newHarness(t, "resolve_authchain")
	roomID := "!r:x"

	h.put(t, createEvent("$create:x", roomID, "@alice:x"), gomatrixserverlib.RoomVersionV10)
	h.put(t, memberEvent("$a:x", roomID, "@alice:x", "@alice:x", "join", 101, "$create:x"), gomatrixserverlib.RoomVersionV10)
	h.put(t, memberEvent("$b:x", roomID, "@alice:x", "@alice:x", "join", 102, "$create:x", "$a:x"), gomatrixserverlib.RoomVersionV10)
	_, _ = h.put(t, memberEvent("$c:x", roomID, "@alice:x", "@alice:x", "join", 103, "$create:x", "$a:x", "$b:x"), gomatrixserverlib.RoomVersionV10)

	evC, err := h.resolveEvent(h.ctx, "$c:x")
	require.NoError(t, err)

	chain, err := AuthChain(h.ctx, evC, h.resolveEvent)
	require.NoError(t, err)

	seen := map[string]int{}
	for _, e := range chain {
		seen[e.EventID()]++
	}
	for id, n := range seen {
		require.Equalf(t, 1, n, "event %s appeared %d times in the auth chain, expected exactly once", id, n)
	}
	require.Contains(t, seen, "$create:x")
	require.Contains(t, seen, "$a:x")
	require.Contains(t, seen, "$b:x")
}
