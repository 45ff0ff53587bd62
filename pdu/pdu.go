// Package pdu defines the Persistent Data Unit (PDU), the unit of Matrix
// room replication, and the content-addressed identifier scheme used to
// name it.
//
// Rather than re-deriving event parsing, canonical-JSON hashing, and
// room-version-specific event-id formats from scratch, a PDU here wraps
// gomatrixserverlib's PDU interface (the same type the auth engine in
// package roomauth is driven by via gomatrixserverlib.Allowed) with the
// room-version header the rest of the core needs to interpret it.
package pdu

import (
	"encoding/json"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
)

// MaxSize is the canonical-JSON size bound from the Matrix spec: a PDU
// larger than this after canonicalization is rejected at parse time.
const MaxSize = 65535

// MaxPrevEvents and MaxAuthEvents bound the prev_events/auth_events arrays.
const (
	MaxPrevEvents = 20
	MaxAuthEvents = 10
)

// Headered wraps a parsed event together with the room version used to
// interpret it (event-id format, redaction algorithm, state-res variant).
type Headered struct {
	gomatrixserverlib.PDU
	RoomVersion gomatrixserverlib.RoomVersion
}

// ID is a convenience accessor for the event's event_id.
func (h *Headered) ID() string { return h.PDU.EventID() }

// IsState reports whether this PDU carries a state_key, i.e. is a state
// event rather than a message/other event.
func (h *Headered) IsState() bool { return h.PDU.StateKey() != nil }

// ErrTooLarge is returned by Parse when the raw event JSON exceeds
// MaxSize; Size is that raw length.
type ErrTooLarge struct{ Size int }

func (e ErrTooLarge) Error() string {
	return fmt.Sprintf("pdu: event is %d bytes, exceeds max %d", e.Size, MaxSize)
}

// ErrTooManyRefs is returned when prev_events or auth_events exceed their
// bound.
type ErrTooManyRefs struct {
	Field string
	Got   int
	Max   int
}

func (e ErrTooManyRefs) Error() string {
	return fmt.Sprintf("pdu: %s has %d entries, exceeds max %d", e.Field, e.Got, e.Max)
}

// Parse validates and parses a raw event under the given room version. It
// trusts neither signatures nor hashes (redactedVerify=false); verification
// is a separate step performed by package serverkeys against the result.
func Parse(roomVersion gomatrixserverlib.RoomVersion, rawJSON []byte) (*Headered, error) {
	if len(rawJSON) > MaxSize {
		// gomatrixserverlib checks canonical-form size itself during
		// verification, but we bound the raw form early to avoid doing
		// any parse work on a grossly oversized payload.
		return nil, ErrTooLarge{Size: len(rawJSON)}
	}
	verImpl, err := gomatrixserverlib.GetRoomVersion(roomVersion)
	if err != nil {
		return nil, fmt.Errorf("pdu: unsupported room version %q: %w", roomVersion, err)
	}
	ev, err := verImpl.NewEventFromUntrustedJSON(rawJSON)
	if err != nil {
		return nil, fmt.Errorf("pdu: parse failed: %w", err)
	}
	if n := len(ev.PrevEventIDs()); n > MaxPrevEvents {
		return nil, ErrTooManyRefs{Field: "prev_events", Got: n, Max: MaxPrevEvents}
	}
	if n := len(ev.AuthEventIDs()); n > MaxAuthEvents {
		return nil, ErrTooManyRefs{Field: "auth_events", Got: n, Max: MaxAuthEvents}
	}
	return &Headered{PDU: ev, RoomVersion: roomVersion}, nil
}

// envelope is the on-disk shape every persisted PDU takes: the raw event
// JSON alongside the room version needed to reparse it, so readers never
// need a side lookup to know how to interpret an event (written by
// package timeline, and by package eventinput for outliers).
type envelope struct {
	RoomVersion string          `json:"room_version"`
	Event       json.RawMessage `json:"event"`
}

// Envelope returns h's on-disk representation: its raw event JSON stamped
// with its room version.
func Envelope(h *Headered) ([]byte, error) {
	return json.Marshal(envelope{RoomVersion: string(h.RoomVersion), Event: h.PDU.JSON()})
}

// ParseEnvelope is the inverse of Envelope: given a persisted record, it
// recovers the room version and reparses the event, so callers that only
// hold the raw on-disk bytes (package syncapi's storage readers) do not
// need to re-derive the envelope shape themselves.
func ParseEnvelope(raw []byte) (*Headered, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("pdu: parse envelope: %w", err)
	}
	verImpl, err := gomatrixserverlib.GetRoomVersion(gomatrixserverlib.RoomVersion(env.RoomVersion))
	if err != nil {
		return nil, fmt.Errorf("pdu: unsupported room version %q: %w", env.RoomVersion, err)
	}
	ev, err := verImpl.NewEventFromTrustedJSON(env.Event, false)
	if err != nil {
		return nil, fmt.Errorf("pdu: reparse stored event: %w", err)
	}
	return &Headered{PDU: ev, RoomVersion: gomatrixserverlib.RoomVersion(env.RoomVersion)}, nil
}

// SenderUserID resolves a PDU's sender to a full Matrix user id, accounting
// for room versions (v9+) where sender is a pseudo-id resolved via room
// state rather than a literal user id.
func SenderUserID(h *Headered, resolve func(roomID spec.RoomID, sender spec.SenderID) (*spec.UserID, error)) (*spec.UserID, error) {
	roomID, err := spec.NewRoomID(h.RoomID().String())
	if err != nil {
		return nil, err
	}
	return resolve(*roomID, spec.SenderID(h.SenderID()))
}
