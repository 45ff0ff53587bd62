// Package accessor is the single place where "what was the state at
// event X" is answered, so that every authorization and visibility
// decision routes through one room-version-aware place. It layers typed
// queries over package roomstate/compressor's snapshot materialization,
// with hot lookups cached via dgraph-io/ristretto.
package accessor

import (
	"context"
	"encoding/json"

	"github.com/dgraph-io/ristretto"
	"github.com/matrix-org/gomatrixserverlib"

	"github.com/matrixcore/homeservercore/pdu"
	"github.com/matrixcore/homeservercore/roomstate/compressor"
	"github.com/matrixcore/homeservercore/shortid"
	"github.com/matrixcore/homeservercore/storage/pdustore"
)

// defaultRoomVersion is used only when a persisted event envelope is
// missing its room_version stamp, which should not happen for events this
// core wrote itself; kept as a safety net rather than a panic.
const defaultRoomVersion = gomatrixserverlib.RoomVersionV10

// HistoryVisibility mirrors the m.room.history_visibility values.
type HistoryVisibility string

const (
	VisibilityWorldReadable HistoryVisibility = "world_readable"
	VisibilityShared        HistoryVisibility = "shared"
	VisibilityInvited       HistoryVisibility = "invited"
	VisibilityJoined        HistoryVisibility = "joined"
)

// Membership mirrors m.room.member's membership values.
type Membership string

const (
	MembershipJoin   Membership = "join"
	MembershipInvite Membership = "invite"
	MembershipKnock  Membership = "knock"
	MembershipLeave  Membership = "leave"
	MembershipBan    Membership = "ban"
	MembershipNone   Membership = ""
)

// Accessor answers state queries against compressed snapshots.
type Accessor struct {
	compressor *compressor.Compressor
	shortID    *shortid.Service
	pdus       *pdustore.Store
	cache      *ristretto.Cache
}

func New(c *compressor.Compressor, sid *shortid.Service, pdus *pdustore.Store) (*Accessor, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     1 << 26, // 64MiB of cached (hash,type,key)->event lookups
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Accessor{compressor: c, shortID: sid, pdus: pdus, cache: cache}, nil
}

type cacheKey struct {
	hash uint64
	typ  string
	key  string
}

// StateGet returns the PDU for (type, key) in the snapshot at shortHash,
// or nil if unset.
func (a *Accessor) StateGet(ctx context.Context, shortHash uint64, eventType, stateKey string) (*pdu.Headered, error) {
	ck := cacheKey{shortHash, eventType, stateKey}
	if v, ok := a.cache.Get(ck); ok {
		if v == nil {
			return nil, nil
		}
		return v.(*pdu.Headered), nil
	}

	skShort, existed, err := a.shortID.GetOrCreateShortStateKey(ctx, eventType, stateKey)
	if err != nil {
		return nil, err
	}
	if !existed {
		// a state-key short was just minted: it cannot appear in any
		// already-materialized snapshot.
		a.cache.Set(ck, nil, 1)
		return nil, nil
	}

	full, err := a.compressor.LoadFull(ctx, shortHash)
	if err != nil {
		return nil, err
	}
	var eventNID uint64
	found := false
	for _, e := range full {
		if e.StateKeyNID == skShort {
			eventNID = e.EventNID
			found = true
			break
		}
	}
	if !found {
		a.cache.Set(ck, nil, 1)
		return nil, nil
	}

	ev, err := a.loadEventByShort(ctx, eventNID)
	if err != nil {
		return nil, err
	}
	a.cache.Set(ck, ev, 1)
	return ev, nil
}

func (a *Accessor) loadEventByShort(ctx context.Context, eventNID uint64) (*pdu.Headered, error) {
	eventID, err := a.shortID.ShortToEventID(ctx, eventNID)
	if err != nil {
		return nil, err
	}
	raw, _, err := a.pdus.Lookup(ctx, eventID)
	if err != nil {
		return nil, err
	}
	var header struct {
		RoomVersion string `json:"room_version"`
	}
	// room_version is stamped alongside the canonical event JSON by the
	// event handler when it first persists the PDU, so the accessor does
	// not need a separate room->version lookup for every state read.
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, err
	}
	return pdu.Parse(roomVersionOrDefault(header.RoomVersion), stripRoomVersion(raw))
}

// StateFull returns every PDU in the snapshot at shortHash.
func (a *Accessor) StateFull(ctx context.Context, shortHash uint64) ([]*pdu.Headered, error) {
	full, err := a.compressor.LoadFull(ctx, shortHash)
	if err != nil {
		return nil, err
	}
	out := make([]*pdu.Headered, 0, len(full))
	for _, e := range full {
		ev, err := a.loadEventByShort(ctx, e.EventNID)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// StateAdded returns the PDUs newly present at to relative to from.
func (a *Accessor) StateAdded(ctx context.Context, from, to uint64) ([]*pdu.Headered, error) {
	added, _, err := a.compressor.Diff(ctx, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]*pdu.Headered, 0, len(added))
	for _, e := range added {
		ev, err := a.loadEventByShort(ctx, e.EventNID)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// membership returns the membership value for userID in the snapshot at
// shortHash, or MembershipNone if there is no m.room.member event.
func (a *Accessor) membership(ctx context.Context, shortHash uint64, userID string) (Membership, error) {
	ev, err := a.StateGet(ctx, shortHash, "m.room.member", userID)
	if err != nil || ev == nil {
		return MembershipNone, err
	}
	var content struct {
		Membership string `json:"membership"`
	}
	if err := json.Unmarshal(ev.Content(), &content); err != nil {
		return MembershipNone, err
	}
	return Membership(content.Membership), nil
}

func (a *Accessor) IsJoined(ctx context.Context, shortHash uint64, userID string) (bool, error) {
	m, err := a.membership(ctx, shortHash, userID)
	return m == MembershipJoin, err
}

func (a *Accessor) IsInvited(ctx context.Context, shortHash uint64, userID string) (bool, error) {
	m, err := a.membership(ctx, shortHash, userID)
	return m == MembershipInvite, err
}

func (a *Accessor) IsKnocked(ctx context.Context, shortHash uint64, userID string) (bool, error) {
	m, err := a.membership(ctx, shortHash, userID)
	return m == MembershipKnock, err
}

func (a *Accessor) IsLeft(ctx context.Context, shortHash uint64, userID string) (bool, error) {
	m, err := a.membership(ctx, shortHash, userID)
	return m == MembershipLeave || m == MembershipNone, err
}

// GetHistoryVisibility returns the room's m.room.history_visibility
// setting at shortHash, defaulting to "shared" per the Matrix spec when
// unset.
func (a *Accessor) GetHistoryVisibility(ctx context.Context, shortHash uint64) (HistoryVisibility, error) {
	ev, err := a.StateGet(ctx, shortHash, "m.room.history_visibility", "")
	if err != nil {
		return "", err
	}
	if ev == nil {
		return VisibilityShared, nil
	}
	var content struct {
		Visibility string `json:"history_visibility"`
	}
	if err := json.Unmarshal(ev.Content(), &content); err != nil {
		return "", err
	}
	return HistoryVisibility(content.Visibility), nil
}

// UserCanSeeEvent applies history-visibility rules to decide whether
// userID may see the event's PDU, evaluated against the state
// immediately before the event.
func (a *Accessor) UserCanSeeEvent(ctx context.Context, shortHashBeforeEvent uint64, userID string, event *pdu.Headered) (bool, error) {
	vis, err := a.GetHistoryVisibility(ctx, shortHashBeforeEvent)
	if err != nil {
		return false, err
	}
	switch vis {
	case VisibilityWorldReadable:
		return true, nil
	case VisibilityInvited:
		m, err := a.membership(ctx, shortHashBeforeEvent, userID)
		if err != nil {
			return false, err
		}
		return m == MembershipJoin || m == MembershipInvite, nil
	case VisibilityJoined:
		joined, err := a.IsJoined(ctx, shortHashBeforeEvent, userID)
		return joined, err
	case VisibilityShared:
		fallthrough
	default:
		joined, err := a.IsJoined(ctx, shortHashBeforeEvent, userID)
		if err != nil {
			return false, err
		}
		if joined {
			return true, nil
		}
		m, err := a.membership(ctx, shortHashBeforeEvent, userID)
		return m == MembershipInvite, err
	}
}

// GetPowerLevels returns the current m.room.power_levels content as raw JSON, or a
// default-permissive structure if the room carries none.
func (a *Accessor) GetPowerLevels(ctx context.Context, shortHash uint64) (json.RawMessage, error) {
	ev, err := a.StateGet(ctx, shortHash, "m.room.power_levels", "")
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return json.RawMessage(`{}`), nil
	}
	return json.RawMessage(ev.Content()), nil
}

// GetJoinRules unmarshals the join_rule value ("public" if unset, per the
// Matrix spec default).
func (a *Accessor) GetJoinRules(ctx context.Context, shortHash uint64) (string, error) {
	ev, err := a.StateGet(ctx, shortHash, "m.room.join_rules", "")
	if err != nil {
		return "", err
	}
	if ev == nil {
		return "public", nil
	}
	var content struct {
		JoinRule string `json:"join_rule"`
	}
	if err := json.Unmarshal(ev.Content(), &content); err != nil {
		return "", err
	}
	return content.JoinRule, nil
}

func roomVersionOrDefault(v string) gomatrixserverlib.RoomVersion {
	if v == "" {
		return defaultRoomVersion
	}
	return gomatrixserverlib.RoomVersion(v)
}

func stripRoomVersion(raw []byte) []byte {
	// The stored envelope is {"room_version": "...", "event": {...}}; the
	// event handler writes events this way (see package timeline) so the
	// accessor can recover the room version without a side lookup.
	var env struct {
		Event json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && env.Event != nil {
		return env.Event
	}
	return raw
}
