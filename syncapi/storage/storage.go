// Package storage is the sync engine's own materialized view over room
// membership and per-room notification counters, kept current by
// package consumers as it drains the timeline's JetStream fan-out. The
// view holds a per-(room, user) membership snapshot carrying the
// membership value, the stream position it was set at, and the few room
// metadata fields list filters key off (name, is_encrypted), built
// directly on storage/kv.
package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/matrixcore/homeservercore/storage/kv"
)

const (
	prefixMembership     = "sy:mem:"   // user_id || 0x00 || room_id -> Membership JSON
	prefixRoomMembership = "sy:rmem:"  // room_id || 0x00 || user_id -> Membership JSON (reverse index of prefixMembership)
	prefixRoomLastCount  = "sy:rlc:"   // room_id -> count (8 bytes big-endian), last event's stream position
	prefixRoomMeta       = "sy:rmeta:" // room_id -> RoomMeta JSON
	prefixNotifCounts    = "sy:notif:" // user_id || 0x00 || room_id -> Counts JSON
)

// Membership is one user's relationship to one room, as last observed
// from the timeline fan-out.
type Membership struct {
	Membership string `json:"membership"` // join, invite, knock, leave, ban
	AtCount    uint64 `json:"at_count"`   // stream position the membership event was appended at
	SenderID   string `json:"sender_id"`
}

// RoomMeta is the handful of room-level fields sliding sync reads: the
// is_encrypted list filter and the room name in room payloads. RoomType is
// recorded but no list filter reads it. The fields are refreshed whenever
// the corresponding state event passes through the consumer.
type RoomMeta struct {
	Name        string `json:"name,omitempty"`
	IsEncrypted bool   `json:"is_encrypted,omitempty"`
	RoomType    string `json:"room_type,omitempty"`
}

// Counts is the room-level and per-thread unread/highlight counters.
type Counts struct {
	Notification int                    `json:"notification"`
	Highlight    int                    `json:"highlight"`
	Threads      map[string]ThreadCount `json:"threads,omitempty"`
}

type ThreadCount struct {
	Notification int `json:"notification"`
	Highlight    int `json:"highlight"`
}

// Database is the sync engine's membership/notification view.
type Database struct {
	kv *kv.Store
}

func New(store *kv.Store) *Database { return &Database{kv: store} }

func membershipKey(userID, roomID string) []byte {
	return []byte(prefixMembership + userID + "\x00" + roomID)
}

func membershipUserPrefix(userID string) []byte {
	return []byte(prefixMembership + userID + "\x00")
}

func roomMembershipKey(roomID, userID string) []byte {
	return []byte(prefixRoomMembership + roomID + "\x00" + userID)
}

func roomMembershipPrefix(roomID string) []byte {
	return []byte(prefixRoomMembership + roomID + "\x00")
}

func notifKey(userID, roomID string) []byte {
	return []byte(prefixNotifCounts + userID + "\x00" + roomID)
}

// SetMembership records userID's membership in roomID as of atCount,
// maintaining both the per-user (RoomsForUser) and per-room
// (RoomMembers) indices in one cork so neither ever observes the other
// mid-update.
func (d *Database) SetMembership(ctx context.Context, userID, roomID, membership, senderID string, atCount uint64) error {
	v, err := json.Marshal(Membership{Membership: membership, AtCount: atCount, SenderID: senderID})
	if err != nil {
		return err
	}
	return d.kv.Cork(ctx, func(b *kv.Batch) error {
		if err := b.Put(membershipKey(userID, roomID), v); err != nil {
			return err
		}
		return b.Put(roomMembershipKey(roomID, userID), v)
	})
}

// GetMembership returns userID's last-known membership in roomID.
func (d *Database) GetMembership(ctx context.Context, userID, roomID string) (Membership, bool, error) {
	v, ok, err := d.kv.Get(ctx, membershipKey(userID, roomID))
	if err != nil || !ok {
		return Membership{}, ok, err
	}
	var m Membership
	if err := json.Unmarshal(v, &m); err != nil {
		return Membership{}, false, fmt.Errorf("storage: decode membership: %w", err)
	}
	return m, true, nil
}

// RoomsForUser returns every room userID has a membership record for,
// filtered to the given set of membership values (e.g. "join", "invite").
func (d *Database) RoomsForUser(ctx context.Context, userID string, memberships ...string) (map[string]Membership, error) {
	want := make(map[string]bool, len(memberships))
	for _, m := range memberships {
		want[m] = true
	}
	entries, err := d.kv.ScanPrefix(ctx, membershipUserPrefix(userID))
	if err != nil {
		return nil, err
	}
	prefixLen := len(membershipUserPrefix(userID))
	out := make(map[string]Membership, len(entries))
	for _, e := range entries {
		roomID := string(e.Key[prefixLen:])
		var m Membership
		if err := json.Unmarshal(e.Value, &m); err != nil {
			return nil, fmt.Errorf("storage: decode membership for %s: %w", roomID, err)
		}
		if len(want) == 0 || want[m.Membership] {
			out[roomID] = m
		}
	}
	return out, nil
}

// RoomMembers returns every (user -> membership) record known for
// roomID, filtered to the given membership values if any are given. Used
// by package consumers to compute who to wake on a new event without
// scanning every user in the homeserver.
func (d *Database) RoomMembers(ctx context.Context, roomID string, memberships ...string) (map[string]Membership, error) {
	want := make(map[string]bool, len(memberships))
	for _, m := range memberships {
		want[m] = true
	}
	entries, err := d.kv.ScanPrefix(ctx, roomMembershipPrefix(roomID))
	if err != nil {
		return nil, err
	}
	prefixLen := len(roomMembershipPrefix(roomID))
	out := make(map[string]Membership, len(entries))
	for _, e := range entries {
		userID := string(e.Key[prefixLen:])
		var m Membership
		if err := json.Unmarshal(e.Value, &m); err != nil {
			return nil, fmt.Errorf("storage: decode membership for %s: %w", userID, err)
		}
		if len(want) == 0 || want[m.Membership] {
			out[userID] = m
		}
	}
	return out, nil
}

// SetRoomLastCount records the stream position of the most recent event
// appended to roomID, which the sliding-sync variant reads to order a
// user's rooms by recency (whether a room has moved past a connection's
// roomsince is decided by sync.Engine.RoomDelta, not by this value).
func (d *Database) SetRoomLastCount(ctx context.Context, roomID string, count uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], count)
	return d.kv.Put(ctx, []byte(prefixRoomLastCount+roomID), b[:])
}

func (d *Database) RoomLastCount(ctx context.Context, roomID string) (uint64, bool, error) {
	v, ok, err := d.kv.Get(ctx, []byte(prefixRoomLastCount+roomID))
	if err != nil || !ok || len(v) != 8 {
		return 0, ok, err
	}
	return binary.BigEndian.Uint64(v), true, nil
}

func (d *Database) SetRoomMeta(ctx context.Context, roomID string, meta RoomMeta) error {
	v, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return d.kv.Put(ctx, []byte(prefixRoomMeta+roomID), v)
}

func (d *Database) RoomMeta(ctx context.Context, roomID string) (RoomMeta, error) {
	v, ok, err := d.kv.Get(ctx, []byte(prefixRoomMeta+roomID))
	if err != nil || !ok {
		return RoomMeta{}, err
	}
	var m RoomMeta
	if err := json.Unmarshal(v, &m); err != nil {
		return RoomMeta{}, fmt.Errorf("storage: decode room meta: %w", err)
	}
	return m, nil
}

// AddNotification increments userID's unread counters for roomID,
// optionally attributing the increment to threadRoot ("" is the room's
// main timeline).
func (d *Database) AddNotification(ctx context.Context, userID, roomID, threadRoot string, notify, highlight bool) error {
	key := notifKey(userID, roomID)
	v, ok, err := d.kv.Get(ctx, key)
	if err != nil {
		return err
	}
	var c Counts
	if ok {
		if err := json.Unmarshal(v, &c); err != nil {
			return fmt.Errorf("storage: decode counts: %w", err)
		}
	}
	if notify {
		c.Notification++
	}
	if highlight {
		c.Highlight++
	}
	if threadRoot != "" {
		if c.Threads == nil {
			c.Threads = map[string]ThreadCount{}
		}
		t := c.Threads[threadRoot]
		if notify {
			t.Notification++
		}
		if highlight {
			t.Highlight++
		}
		c.Threads[threadRoot] = t
	}
	out, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return d.kv.Put(ctx, key, out)
}

// ClearNotifications zeroes userID's counters for roomID, the reset for a
// read receipt up to the room's current tail. No receipt handling in this
// module calls it.
func (d *Database) ClearNotifications(ctx context.Context, userID, roomID string) error {
	return d.kv.Delete(ctx, notifKey(userID, roomID))
}

func (d *Database) NotificationCounts(ctx context.Context, userID, roomID string) (Counts, error) {
	v, ok, err := d.kv.Get(ctx, notifKey(userID, roomID))
	if err != nil || !ok {
		return Counts{}, err
	}
	var c Counts
	if err := json.Unmarshal(v, &c); err != nil {
		return Counts{}, fmt.Errorf("storage: decode counts: %w", err)
	}
	return c, nil
}
