// Package sync implements the long-poll sync variant: given
// (user, device, since_token), produce room deltas (joined and invited
// rooms) plus a new token, blocking until something changes or a timeout
// elapses. The account-data, to-device, device-list and presence sections
// of the response are always left empty.
//
// The engine is built over internal/counter.Counter.WaitPending for
// next_batch, package roomstate/accessor for state deltas, package
// storage/pdustore for timeline ranges (Normal(n) counts share the same
// global sequence as the counter, so a room's PDU range can be sliced
// directly by since/next_batch without a second position mapping), and
// package syncapi/notifier for the watch-set wakeup.
package sync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"

	"github.com/matrixcore/homeservercore/internal/boundary"
	"github.com/matrixcore/homeservercore/internal/counter"
	"github.com/matrixcore/homeservercore/pdu"
	"github.com/matrixcore/homeservercore/roomstate/accessor"
	"github.com/matrixcore/homeservercore/shortid"
	"github.com/matrixcore/homeservercore/storage/pdustore"
	"github.com/matrixcore/homeservercore/syncapi/notifier"
	"github.com/matrixcore/homeservercore/syncapi/storage"
	"github.com/matrixcore/homeservercore/syncapi/types"
	"github.com/matrixcore/homeservercore/timeline"
)

// DefaultTimelineLimit is used when a caller's filter does not specify
// one, matching the Matrix spec's commonly-deployed default.
const DefaultTimelineLimit = 20

// Engine bundles the collaborators a /sync request is driven against.
type Engine struct {
	Counter     *counter.Counter
	Notifier    *notifier.Notifier
	Accessor    *accessor.Accessor
	PDUs        *pdustore.Store
	Timeline    *timeline.Timeline
	ShortID     *shortid.Service
	SyncDB      *storage.Database
	AccountData boundary.AccountDataStore
}

// Request is one /sync call's parameters.
type Request struct {
	UserID        string
	DeviceID      string
	Since         types.StreamingToken
	Timeout       context.Context // caller-supplied deadline; RequestSync blocks until this or wake
	FullState     bool
	TimelineLimit int
	IgnoredUsers  map[string]bool
}

// RequestSync answers one sync request: compute
// next_batch, and either answer immediately (since already behind the
// committed counter, or a full-state request) or block on the caller's
// watch set until woken or the timeout context ends.
func (e *Engine) RequestSync(ctx context.Context, req Request) (*types.Response, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "syncapi.RequestSync")
	ext.SpanKindRPCServer.Set(span)
	span.SetTag("user_id", req.UserID)
	span.SetTag("device_id", req.DeviceID)
	span.SetTag("full_state", req.FullState)
	defer span.Finish()

	for {
		next, err := e.Counter.WaitPending(ctx)
		if err != nil {
			return nil, err
		}
		if req.FullState || req.Since.Position < next {
			resp, err := e.buildResponse(ctx, req, next)
			if err != nil {
				return nil, err
			}
			if req.FullState || !resp.IsEmpty() || req.Since.Position == 0 {
				return resp, nil
			}
			// a since behind next_batch with nothing this user can see
			// (e.g. another user's room activity) falls through to the
			// wait below rather than returning an empty response early,
			// so long-poll callers do not busy-loop.
		}

		baseline := e.Notifier.Baseline(req.UserID)
		waitCtx := req.Timeout
		if waitCtx == nil {
			waitCtx = ctx
		}
		if _, err := e.Notifier.Wait(waitCtx, req.UserID, baseline); err != nil {
			// timed out or cancelled: return an empty response at a
			// fresh position.
			final, buildErr := e.Counter.WaitPending(ctx)
			if buildErr != nil {
				return nil, buildErr
			}
			return types.NewResponse(types.StreamingToken{Position: final}), nil
		}
	}
}

func (e *Engine) buildResponse(ctx context.Context, req Request, next uint64) (*types.Response, error) {
	resp := types.NewResponse(types.StreamingToken{Position: next})

	limit := req.TimelineLimit
	if limit <= 0 {
		limit = DefaultTimelineLimit
	}

	joined, err := e.SyncDB.RoomsForUser(ctx, req.UserID, "join")
	if err != nil {
		return nil, fmt.Errorf("sync: rooms for user: %w", err)
	}
	for roomID := range joined {
		jr, err := e.joinedRoomDelta(ctx, req, roomID, next, limit)
		if err != nil {
			return nil, fmt.Errorf("sync: room %s: %w", roomID, err)
		}
		if jr != nil {
			resp.Rooms.Join[roomID] = *jr
		}
	}

	invited, err := e.SyncDB.RoomsForUser(ctx, req.UserID, "invite")
	if err != nil {
		return nil, fmt.Errorf("sync: invited rooms: %w", err)
	}
	for roomID, m := range invited {
		if req.Since.Position > 0 && m.AtCount > 0 && m.AtCount <= req.Since.Position && !req.FullState {
			continue // already delivered in an earlier sync
		}
		inv, err := e.invitedRoomDelta(ctx, roomID)
		if err != nil {
			return nil, fmt.Errorf("sync: invited room %s: %w", roomID, err)
		}
		resp.Rooms.Invite[roomID] = *inv
	}

	return resp, nil
}

func (e *Engine) joinedRoomDelta(ctx context.Context, req Request, roomID string, next uint64, limit int) (*types.JoinedRoom, error) {
	shortRoomID, existed, err := e.ShortID.GetOrCreateShortRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !existed {
		return nil, nil
	}

	timelineEvents, limited, err := e.roomTimelineSince(ctx, req.UserID, shortRoomID, req.Since.Position, next, limit, req.IgnoredUsers)
	if err != nil {
		return nil, err
	}

	stateEvents, err := e.roomStateDelta(ctx, shortRoomID, req.Since.Position, req.FullState)
	if err != nil {
		return nil, err
	}

	counts, err := e.SyncDB.NotificationCounts(ctx, req.UserID, roomID)
	if err != nil {
		return nil, err
	}

	if len(timelineEvents) == 0 && len(stateEvents) == 0 && !req.FullState {
		return nil, nil
	}

	return &types.JoinedRoom{
		State:    types.State{Events: stateEvents},
		Timeline: types.Timeline{Events: timelineEvents, Limited: limited},
		UnreadNotifications: types.UnreadNotificationCounts{
			NotificationCount: counts.Notification,
			HighlightCount:    counts.Highlight,
			Threads:           convertThreads(counts.Threads),
		},
	}, nil
}

// RoomDelta exports joinedRoomDelta for package sliding's reuse: sliding
// sync answers "what changed in this room" the same way the long-poll
// path does, only the list/window/ops layer around it differs.
func (e *Engine) RoomDelta(ctx context.Context, req Request, roomID string, next uint64, limit int) (*types.JoinedRoom, error) {
	return e.joinedRoomDelta(ctx, req, roomID, next, limit)
}

// InviteDelta exports invitedRoomDelta for package sliding's reuse.
func (e *Engine) InviteDelta(ctx context.Context, roomID string) (*types.InvitedRoom, error) {
	return e.invitedRoomDelta(ctx, roomID)
}

func convertThreads(in map[string]storage.ThreadCount) map[string]types.ThreadCount {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]types.ThreadCount, len(in))
	for k, v := range in {
		out[k] = types.ThreadCount{NotificationCount: v.Notification, HighlightCount: v.Highlight}
	}
	return out
}

// roomTimelineSince returns events strictly after since up to next,
// newest-window-limited to limit entries, with events from ignored
// senders dropped and events the caller cannot see dropped via package
// accessor's history-visibility rules, evaluated against the state
// immediately before each event.
func (e *Engine) roomTimelineSince(ctx context.Context, userID string, shortRoomID uint64, since, next uint64, limit int, ignored map[string]bool) ([]json.RawMessage, bool, error) {
	from := pdu.NewNormal(int64(since) + 1)
	entries, err := e.PDUs.Range(ctx, shortRoomID, &from, false)
	if err != nil {
		return nil, false, err
	}
	// Range has no upper bound; drop entries committed after next.
	kept := entries[:0]
	for _, en := range entries {
		if en.Count.N() <= int64(next) {
			kept = append(kept, en)
		}
	}
	entries = kept
	limited := false
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
		limited = true
	}
	out := make([]json.RawMessage, 0, len(entries))
	for _, en := range entries {
		ev, err := pdu.ParseEnvelope(en.CanonicalJSON)
		if err != nil {
			return nil, false, err
		}
		if ignored[string(ev.SenderID())] {
			continue
		}
		visible, err := e.visibleToUser(ctx, userID, ev)
		if err != nil {
			return nil, false, err
		}
		if !visible {
			continue
		}
		body, err := e.formatEvent(ctx, ev)
		if err != nil {
			return nil, false, err
		}
		out = append(out, body)
	}
	return out, limited, nil
}

// formatEvent returns ev's client-facing JSON, applying the
// redaction-formatting rule when a redaction of ev has been recorded: the
// stored bytes are never rewritten (package timeline.Redact only records
// the target->redaction mapping), only the view served here changes.
func (e *Engine) formatEvent(ctx context.Context, ev *pdu.Headered) (json.RawMessage, error) {
	if _, redacted, err := e.Timeline.RedactionOf(ctx, ev.EventID()); err != nil {
		return nil, err
	} else if redacted {
		body, err := pdu.Redacted(ev)
		if err != nil {
			return nil, fmt.Errorf("format redacted event %s: %w", ev.EventID(), err)
		}
		return json.RawMessage(body), nil
	}
	return json.RawMessage(ev.JSON()), nil
}

// visibleToUser applies history-visibility at the state immediately
// before ev (its first prev_event's recorded state-after); an event
// with no prev_events (the room's creation event) is always visible to
// a joined member.
func (e *Engine) visibleToUser(ctx context.Context, userID string, ev *pdu.Headered) (bool, error) {
	prevs := ev.PrevEventIDs()
	if len(prevs) == 0 {
		return true, nil
	}
	hash, ok, err := e.Timeline.StateAfter(ctx, prevs[0])
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return e.Accessor.UserCanSeeEvent(ctx, hash, userID, ev)
}

// roomStateDelta returns the state events that changed between the
// state hash as of since and the room's current state hash. A since of
// 0 (initial sync) or fullState
// requests the complete current state instead of a delta.
func (e *Engine) roomStateDelta(ctx context.Context, shortRoomID uint64, since uint64, fullState bool) ([]json.RawMessage, error) {
	currentHash, ok, err := e.roomCurrentStateHash(ctx, shortRoomID)
	if err != nil || !ok {
		return nil, err
	}

	if since == 0 || fullState {
		events, err := e.Accessor.StateFull(ctx, currentHash)
		if err != nil {
			return nil, err
		}
		return e.formatEvents(ctx, events)
	}

	priorHash, ok, err := e.roomStateHashAtOrBefore(ctx, shortRoomID, since)
	if err != nil {
		return nil, err
	}
	if !ok || priorHash == currentHash {
		return nil, nil
	}
	events, err := e.Accessor.StateAdded(ctx, priorHash, currentHash)
	if err != nil {
		return nil, err
	}
	return e.formatEvents(ctx, events)
}

func (e *Engine) roomCurrentStateHash(ctx context.Context, shortRoomID uint64) (uint64, bool, error) {
	return e.Timeline.CurrentStateHash(ctx, shortRoomID)
}

// roomStateHashAtOrBefore finds the state hash in effect at the last
// event in the room at or before the since position, by walking the
// timeline backwards from since and reading that event's recorded
// state-after hash (package timeline.StateAfter).
func (e *Engine) roomStateHashAtOrBefore(ctx context.Context, shortRoomID uint64, since uint64) (uint64, bool, error) {
	from := pdu.NewNormal(int64(since))
	entries, err := e.PDUs.Range(ctx, shortRoomID, &from, true)
	if err != nil || len(entries) == 0 {
		return 0, false, err
	}
	return e.Timeline.StateAfter(ctx, entries[0].EventID)
}

func (e *Engine) invitedRoomDelta(ctx context.Context, roomID string) (*types.InvitedRoom, error) {
	shortRoomID, existed, err := e.ShortID.GetOrCreateShortRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !existed {
		return &types.InvitedRoom{}, nil
	}
	hash, ok, err := e.Timeline.CurrentStateHash(ctx, shortRoomID)
	if err != nil || !ok {
		return &types.InvitedRoom{}, err
	}
	// Matrix only discloses a handful of state events to an invitee who
	// is not yet a room member; this keeps the events of those types but
	// serves each one whole (StateFull applies no per-user gating).
	events, err := e.Accessor.StateFull(ctx, hash)
	if err != nil {
		return nil, err
	}
	stripped := make([]json.RawMessage, 0, len(events))
	for _, ev := range events {
		switch ev.Type() {
		case "m.room.create", "m.room.join_rules", "m.room.canonical_alias",
			"m.room.name", "m.room.avatar", "m.room.topic", "m.room.member":
			stripped = append(stripped, json.RawMessage(ev.JSON()))
		}
	}
	return &types.InvitedRoom{InviteState: types.State{Events: stripped}}, nil
}

// formatEvents applies formatEvent across a batch of state events, used by
// roomStateDelta: state events are redactable too (e.g. a redacted
// m.room.topic), so the same format-time redaction rule used for timeline
// events applies here.
func (e *Engine) formatEvents(ctx context.Context, events []*pdu.Headered) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(events))
	for _, ev := range events {
		body, err := e.formatEvent(ctx, ev)
		if err != nil {
			return nil, err
		}
		out = append(out, body)
	}
	return out, nil
}
