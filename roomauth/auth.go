// Package roomauth implements per-room-version event authorization.
//
// The room-version rule table (create/member/power_levels/join_rules/
// third_party_invite/generic state/message, across v1..v12 including
// restricted and knock_restricted joins) lives in gomatrixserverlib;
// this package's job is only to drive gomatrixserverlib.Allowed against
// whichever snapshot the caller wants (current state, state-before-event,
// or a state-resolution candidate) via the FetchState callback.
package roomauth

import (
	"context"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrixcore/homeservercore/pdu"
)

// FetchState resolves the current value, if any, of a (type, state_key)
// tuple in whatever snapshot the caller is checking against.
type FetchState func(ctx context.Context, eventType, stateKey string) (*pdu.Headered, error)

// RejectedError is returned when Check rejects an event; it preserves the
// underlying gomatrixserverlib reason for logging and debug endpoints.
type RejectedError struct {
	EventID string
	Reason  error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("roomauth: %s rejected: %v", e.EventID, e.Reason)
}

func (e *RejectedError) Unwrap() error { return e.Reason }

// neededAuthTuples lists the (type, state_key) shapes gomatrixserverlib's
// StateNeededForAuth can ask for; we resolve exactly these via fetch
// rather than materializing the whole snapshot, keeping Check cheap
// against large rooms.
func neededAuthTuples(ev gomatrixserverlib.PDU) []gomatrixserverlib.StateKeyTuple {
	needed := gomatrixserverlib.StateNeededForAuth([]gomatrixserverlib.PDU{ev})
	return needed.Tuples()
}

// Check runs the room-version-appropriate auth rule for ev against the
// snapshot fetch exposes. It is stateless and can be
// driven against current state, state-before-event, or a state-resolution
// candidate by passing a different fetch.
func Check(ctx context.Context, ev *pdu.Headered, fetch FetchState) error {
	authEvents, _ := gomatrixserverlib.NewAuthEvents(nil)
	for _, tuple := range neededAuthTuples(ev.PDU) {
		existing, err := fetch(ctx, tuple.EventType, tuple.StateKey)
		if err != nil {
			return fmt.Errorf("roomauth: fetching %s/%s: %w", tuple.EventType, tuple.StateKey, err)
		}
		if existing == nil {
			continue
		}
		if err := authEvents.AddEvent(existing.PDU); err != nil {
			return fmt.Errorf("roomauth: adding auth event %s: %w", existing.EventID(), err)
		}
	}

	err := gomatrixserverlib.Allowed(ev.PDU, authEvents, func(roomID spec.RoomID, senderID spec.SenderID) (*spec.UserID, error) {
		return spec.NewUserID(string(senderID), true)
	})
	if err != nil {
		return &RejectedError{EventID: ev.EventID(), Reason: err}
	}
	return nil
}

// CheckAgainstAuthEvents runs the admission check using the event's own
// declared auth_events as the candidate state, the outlier-admission
// step of the event handler pipeline.
func CheckAgainstAuthEvents(ctx context.Context, ev *pdu.Headered, resolveAuthEvent func(ctx context.Context, eventID string) (*pdu.Headered, error)) error {
	authEvents, _ := gomatrixserverlib.NewAuthEvents(nil)
	for _, eventID := range ev.AuthEventIDs() {
		existing, err := resolveAuthEvent(ctx, eventID)
		if err != nil {
			return fmt.Errorf("roomauth: resolving declared auth event %s: %w", eventID, err)
		}
		if existing == nil {
			return fmt.Errorf("roomauth: declared auth event %s is missing", eventID)
		}
		if err := authEvents.AddEvent(existing.PDU); err != nil {
			return fmt.Errorf("roomauth: adding auth event %s: %w", eventID, err)
		}
	}
	err := gomatrixserverlib.Allowed(ev.PDU, authEvents, func(roomID spec.RoomID, senderID spec.SenderID) (*spec.UserID, error) {
		return spec.NewUserID(string(senderID), true)
	})
	if err != nil {
		return &RejectedError{EventID: ev.EventID(), Reason: err}
	}
	return nil
}
