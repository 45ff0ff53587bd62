// Package pdustore implements the PDU store: the maps from event-id to
// storage position and back, the outlier map, and range iteration over a
// room's timeline. The maps are backed directly by storage/kv, the
// core's one storage primitive, with a Store struct adding the
// cross-cutting invariants (timeline/outlier disjointness, promotion as
// delete-then-insert) on top of the raw maps.
package pdustore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/matrixcore/homeservercore/pdu"
	"github.com/matrixcore/homeservercore/storage/kv"
)

const (
	prefixEventToPduID  = "p:e2p:" // event_id -> pdu_id bytes
	prefixPduIDToJSON   = "p:pid:" // pdu_id bytes -> canonical json
	prefixOutlierJSON   = "p:out:" // event_id -> canonical json (outliers only)
	prefixRoomTimeline  = "p:tl:"  // shortroomid || count packed -> event_id (for range scans keyed by room)
)

// ID is the storage position of a timeline PDU: (shortroomid, count).
type ID struct {
	ShortRoomID uint64
	Count       pdu.Count
}

// Encode packs an ID into its sortable byte key tail (8-byte shortroomid
// + 9-byte packed count, per pdu.Count.PackedKey).
func (id ID) Encode() []byte {
	out := make([]byte, 0, 17)
	var room [8]byte
	binary.BigEndian.PutUint64(room[:], id.ShortRoomID)
	out = append(out, room[:]...)
	packed := id.Count.PackedKey()
	out = append(out, packed[:]...)
	return out
}

// Decode is the inverse of Encode.
func Decode(b []byte) (ID, error) {
	if len(b) != 17 {
		return ID{}, fmt.Errorf("pdustore: malformed pdu id (%d bytes)", len(b))
	}
	var packed [9]byte
	copy(packed[:], b[8:])
	return ID{
		ShortRoomID: binary.BigEndian.Uint64(b[:8]),
		Count:       pdu.ParsePackedKey(packed),
	}, nil
}

// Store is the PDU store.
type Store struct {
	kv *kv.Store
}

func New(store *kv.Store) *Store { return &Store{kv: store} }

// ErrNotFound is returned when a lookup finds nothing.
var ErrNotFound = fmt.Errorf("pdustore: not found")

// Append persists a PDU at (room, count). The caller must hold a counter
// permit for count.
func (s *Store) Append(ctx context.Context, shortRoomID uint64, count pdu.Count, eventID string, canonicalJSON []byte) error {
	id := ID{ShortRoomID: shortRoomID, Count: count}
	idBytes := id.Encode()
	return s.kv.Cork(ctx, func(b *kv.Batch) error {
		if err := b.Put([]byte(prefixEventToPduID+eventID), idBytes); err != nil {
			return err
		}
		if err := b.Put(append([]byte(prefixPduIDToJSON), idBytes...), canonicalJSON); err != nil {
			return err
		}
		return b.Put(append([]byte(prefixRoomTimeline), idBytes...), []byte(eventID))
	})
}

// Lookup returns a PDU's canonical JSON by event id, checking the
// timeline first, then the outlier map.
func (s *Store) Lookup(ctx context.Context, eventID string) (canonicalJSON []byte, isOutlier bool, err error) {
	if idBytes, ok, err := s.kv.Get(ctx, []byte(prefixEventToPduID+eventID)); err != nil {
		return nil, false, err
	} else if ok {
		v, ok, err := s.kv.Get(ctx, append([]byte(prefixPduIDToJSON), idBytes...))
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, fmt.Errorf("pdustore: dangling pdu_id for %s (invariant violated)", eventID)
		}
		return v, false, nil
	}
	v, ok, err := s.kv.Get(ctx, []byte(prefixOutlierJSON+eventID))
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, ErrNotFound
	}
	return v, true, nil
}

// Exists reports whether an event id is known at all (timeline or
// outlier).
func (s *Store) Exists(ctx context.Context, eventID string) (bool, error) {
	_, _, err := s.Lookup(ctx, eventID)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PutOutlier stores a PDU known to the server but not linked into the
// timeline. An outlier has no (shortroomid, count) position.
func (s *Store) PutOutlier(ctx context.Context, eventID string, canonicalJSON []byte) error {
	return s.kv.Put(ctx, []byte(prefixOutlierJSON+eventID), canonicalJSON)
}

// PromoteOutlier deletes eventID from the outlier map and inserts it into
// the timeline at (shortRoomID, count) in a single cork so the two maps
// are never simultaneously inconsistent: the maps stay strictly
// disjoint, promotion is delete-then-insert, never a dual write.
func (s *Store) PromoteOutlier(ctx context.Context, shortRoomID uint64, count pdu.Count, eventID string, canonicalJSON []byte) error {
	id := ID{ShortRoomID: shortRoomID, Count: count}
	idBytes := id.Encode()
	return s.kv.Cork(ctx, func(b *kv.Batch) error {
		if err := b.Delete([]byte(prefixOutlierJSON + eventID)); err != nil {
			return err
		}
		if err := b.Put([]byte(prefixEventToPduID+eventID), idBytes); err != nil {
			return err
		}
		if err := b.Put(append([]byte(prefixPduIDToJSON), idBytes...), canonicalJSON); err != nil {
			return err
		}
		return b.Put(append([]byte(prefixRoomTimeline), idBytes...), []byte(eventID))
	})
}

// ReplaceInPlace overwrites the JSON stored for an existing timeline
// pdu_id, for injecting server-computed fields (event_id, hashes,
// signatures) into a locally created PDU after the server's own signature
// has been added. No code in this module calls it.
func (s *Store) ReplaceInPlace(ctx context.Context, id ID, canonicalJSON []byte) error {
	return s.kv.Put(ctx, append([]byte(prefixPduIDToJSON), id.Encode()...), canonicalJSON)
}

// RangeEntry is one item from a timeline range scan.
type RangeEntry struct {
	Count         pdu.Count
	EventID       string
	CanonicalJSON []byte
}

// Range yields (count, pdu) pairs for a room starting at from (inclusive)
// in the given direction. A nil from scans the whole room. The scan is a
// snapshot as of call time: later Appends are not observed, so a reader
// cannot loop unboundedly under write pressure.
func (s *Store) Range(ctx context.Context, shortRoomID uint64, from *pdu.Count, reverse bool) ([]RangeEntry, error) {
	var room [8]byte
	binary.BigEndian.PutUint64(room[:], shortRoomID)
	prefix := append([]byte(prefixRoomTimeline), room[:]...)

	var lower, upper []byte
	if from != nil {
		packed := from.PackedKey()
		key := append(append([]byte{}, prefix...), packed[:]...)
		if reverse {
			upper = nextKey(key)
		} else {
			lower = key
		}
	}
	if lower == nil {
		lower = prefix
	}
	if upper == nil {
		upper = nextPrefix(prefix)
	}

	entries, err := s.kv.ScanRange(ctx, lower, upper, reverse)
	if err != nil {
		return nil, err
	}
	out := make([]RangeEntry, 0, len(entries))
	for _, e := range entries {
		idBytes := e.Key[len(prefixRoomTimeline):]
		id, err := Decode(idBytes)
		if err != nil {
			return nil, err
		}
		eventID := string(e.Value)
		jsonBytes, ok, err := s.kv.Get(ctx, append([]byte(prefixPduIDToJSON), idBytes...))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("pdustore: dangling timeline entry at %v", id)
		}
		out = append(out, RangeEntry{Count: id.Count, EventID: eventID, CanonicalJSON: jsonBytes})
	}
	return out, nil
}

func nextKey(b []byte) []byte {
	out := make([]byte, len(b)+1)
	copy(out, b)
	out[len(b)] = 0
	return out
}

func nextPrefix(prefix []byte) []byte {
	out := make([]byte, len(prefix))
	copy(out, prefix)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}

// DeleteAllInRoom forgets a room: removes every timeline entry, its JSON,
// and its event_id->pdu_id mapping. Outliers are left untouched (they
// carry no room position and may be shared state-only facts).
func (s *Store) DeleteAllInRoom(ctx context.Context, shortRoomID uint64) error {
	var room [8]byte
	binary.BigEndian.PutUint64(room[:], shortRoomID)
	prefix := append([]byte(prefixRoomTimeline), room[:]...)

	entries, err := s.kv.ScanPrefix(ctx, prefix)
	if err != nil {
		return err
	}
	return s.kv.Cork(ctx, func(b *kv.Batch) error {
		if err := b.DeletePrefix(prefix); err != nil {
			return err
		}
		for _, e := range entries {
			idBytes := e.Key[len(prefixRoomTimeline):]
			eventID := string(e.Value)
			if err := b.Delete([]byte(prefixEventToPduID + eventID)); err != nil {
				return err
			}
			if err := b.Delete(append([]byte(prefixPduIDToJSON), idBytes...)); err != nil {
				return err
			}
		}
		return nil
	})
}

// UnmarshalCanonical is a small helper so callers don't reach for
// encoding/json directly at every call site.
func UnmarshalCanonical(raw []byte, v any) error {
	return json.Unmarshal(raw, v)
}
