package eventinput

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/matrixcore/homeservercore/pdu"
	"github.com/matrixcore/homeservercore/roomauth"
	"github.com/matrixcore/homeservercore/roomstate/compressor"
	"github.com/matrixcore/homeservercore/roomstate/resolve"
	"github.com/matrixcore/homeservercore/timeline"
)

// loaderAdapter satisfies resolve.Loader over this package's
// collaborators, the same materialization package accessor's
// loadEventByShort performs, duplicated here rather than imported so
// this package does not need a direct dependency on roomstate/accessor
// (accessor depends on compressor and pdustore the same way this
// adapter does, and pulling in the whole accessor just for its private
// loader would be a heavier and less honest dependency than writing the
// dozen lines directly).
type loaderAdapter struct {
	i *Inputer
}

func (l loaderAdapter) LoadFull(ctx context.Context, shortHash uint64) ([]compressor.Entry, error) {
	return l.i.compressor.LoadFull(ctx, shortHash)
}

func (l loaderAdapter) LoadEvent(ctx context.Context, eventNID uint64) (*pdu.Headered, error) {
	eventID, err := l.i.shortID.ShortToEventID(ctx, eventNID)
	if err != nil {
		return nil, err
	}
	return l.i.loadByID(ctx, eventID)
}

func (l loaderAdapter) ShortEventID(ctx context.Context, eventID string) (uint64, error) {
	short, _, err := l.i.shortID.GetOrCreateShortEvent(ctx, eventID)
	return short, err
}

func (l loaderAdapter) ShortStateKey(ctx context.Context, eventType, stateKey string) (uint64, error) {
	short, _, err := l.i.shortID.GetOrCreateShortStateKey(ctx, eventType, stateKey)
	return short, err
}

// integrateTimeline merges the state after each of
// ev's prev_events (via state resolution if there is more than one
// fork), re-run auth against that computed state, and either append to
// the timeline, mark the event soft-failed, or reject it outright.
// Called with the room's stripe already held.
func (i *Inputer) integrateTimeline(ctx context.Context, ev *pdu.Headered, logger *logrus.Entry) (Verdict, error) {
	eventID := ev.EventID()
	loader := loaderAdapter{i}

	var resolveEvent = i.loadByID

	stateBefore, prevShortHash, err := i.resolveStateForIDs(ctx, loader, resolveEvent, ev.PrevEventIDs())
	if err != nil {
		return Verdict{}, err
	}

	// Step 7b: re-run auth against the computed state-before.
	if err := roomauth.Check(ctx, ev, fetchStateFunc(i, loader, stateBefore)); err != nil {
		// Fails even against the state its own declared prev_events
		// imply: not merely stale relative to the rest of the room, but
		// genuinely inadmissible. Reject outright, same as a step-6
		// outlier-admission failure.
		i.backoff.RecordFailure(eventID)
		_ = i.setStatus(ctx, eventID, OutcomeRejected)
		logger.WithError(err).Info("eventinput: rejected against prev_events state")
		return Verdict{EventID: eventID, Outcome: OutcomeRejected, Reason: err}, nil
	}

	// Step 7d: re-run auth against the room's resolved current state,
	// which is the merge across *every* live forward extremity, not just
	// the ones ev itself declares as prev_events. This is the check that
	// catches the stale-fork case: an event whose own fork never saw a
	// concurrently-accepted sibling (e.g. a power-level demotion on a
	// different branch) can pass 7b against its stale fork and still be
	// inadmissible against what the room actually resolved to.
	shortRoomID, _, err := i.shortID.GetOrCreateShortRoom(ctx, ev.RoomID().String())
	if err != nil {
		return Verdict{}, err
	}
	extremities, err := i.timeline.ForwardExtremities(ctx, shortRoomID)
	if err != nil {
		return Verdict{}, err
	}
	currentIDs := mergeEventIDs(ev.PrevEventIDs(), extremities)
	stateCurrent, _, err := i.resolveStateForIDs(ctx, loader, resolveEvent, currentIDs)
	if err != nil {
		return Verdict{}, err
	}
	if err := roomauth.Check(ctx, ev, fetchStateFunc(i, loader, stateCurrent)); err != nil {
		// Passed step 6 (against its own declared auth_events) and 7b
		// (against its own fork) but fails here: soft-fail. It stays
		// exactly where outlier admission already put it (the outlier
		// map, status Outlier): never promoted to the timeline, never
		// fanned out, never a forward extremity: stored, but not
		// forwarded to clients and excluded from future prev_events
		// selection.
		_ = i.setStatus(ctx, eventID, OutcomeSoftFailed)
		logger.WithError(err).Info("eventinput: soft-failed against resolved current state")
		return Verdict{EventID: eventID, Outcome: OutcomeSoftFailed, Reason: err}, nil
	}

	// Step 7c: compute state after (overlay if this is a state event),
	// append to timeline, and fan out.
	newFullState := stateBefore
	if ev.IsState() {
		short, _, err := i.shortID.GetOrCreateShortEvent(ctx, eventID)
		if err != nil {
			return Verdict{}, err
		}
		skShort, err := i.shortID.GetOrCreateShortStateKey(ctx, ev.Type(), *ev.StateKey())
		if err != nil {
			return Verdict{}, err
		}
		newFullState = overlay(stateBefore, compressor.Entry{StateKeyNID: skShort, EventNID: short})
	}

	mutation := timeline.StateMutation{PrevShortHash: prevShortHash, NewFullState: newFullState}
	// Push-rule evaluation and recipient fan-out targeting are out of
	// scope here (push formatting is the gateway's job); the boundary
	// interfaces still receive every event via Timeline's fan-out, just
	// with no per-recipient unread/highlight counts attached.
	if _, err := i.timeline.Append(ctx, ev, mutation, nil); err != nil {
		return Verdict{}, err
	}
	if err := i.setStatus(ctx, eventID, OutcomeAccepted); err != nil {
		return Verdict{}, err
	}
	i.backoff.Clear(eventID)
	return Verdict{EventID: eventID, Outcome: OutcomeAccepted}, nil
}

// resolveStateForIDs computes the state after the given set of event ids,
// merging via state resolution when more than one distinct state-hash is
// reachable from them (also reused for the resolved-current-state
// check). prevShortHash is non-nil only when a
// single fork contributed the result, matching the compressor's
// single-parent-layer chaining (see the case below).
func (i *Inputer) resolveStateForIDs(ctx context.Context, loader loaderAdapter, resolveEvent func(ctx context.Context, eventID string) (*pdu.Headered, error), ids []string) ([]compressor.Entry, *uint64, error) {
	forkHashes := make([]uint64, 0, len(ids))
	seenHash := map[uint64]bool{}
	for _, id := range ids {
		hash, ok, err := i.timeline.StateAfter(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			// An id with no recorded state-after is itself an outlier or
			// soft-failed event; it contributes no state.
			continue
		}
		if !seenHash[hash] {
			seenHash[hash] = true
			forkHashes = append(forkHashes, hash)
		}
	}

	switch len(forkHashes) {
	case 0:
		// Create event, or every id was itself unrecognized state-wise
		// (e.g. the room's very first event): empty state.
		return nil, nil, nil
	case 1:
		entries, err := loader.LoadFull(ctx, forkHashes[0])
		if err != nil {
			return nil, nil, err
		}
		h := forkHashes[0]
		return entries, &h, nil
	default:
		entries, err := resolve.Resolve(ctx, loader, forkHashes, resolveEvent)
		if err != nil {
			return nil, nil, err
		}
		// The compressor only chains off a single parent layer; the
		// first fork is as good a compression parent as any other once
		// multiple forks have been merged (see roomstate/resolve.Resolve
		// doc comment: the result is already order-independent, this
		// choice only affects how much of it is stored as a fresh diff
		// versus inherited from a layer).
		h := forkHashes[0]
		return entries, &h, nil
	}
}

// fetchStateFunc adapts a materialized state slice into the
// roomauth.Check fetch-state callback.
func fetchStateFunc(i *Inputer, loader loaderAdapter, state []compressor.Entry) func(ctx context.Context, eventType, stateKey string) (*pdu.Headered, error) {
	byKey := make(map[uint64]compressor.Entry, len(state))
	for _, e := range state {
		byKey[e.StateKeyNID] = e
	}
	return func(ctx context.Context, eventType, stateKey string) (*pdu.Headered, error) {
		skShort, err := i.shortID.GetOrCreateShortStateKey(ctx, eventType, stateKey)
		if err != nil {
			return nil, err
		}
		entry, ok := byKey[skShort]
		if !ok {
			return nil, nil
		}
		return loader.LoadEvent(ctx, entry.EventNID)
	}
}

// mergeEventIDs dedupes b into a, preserving a's order and appending any
// of b's ids not already present.
func mergeEventIDs(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	out := make([]string, 0, len(a)+len(b))
	for _, id := range a {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range b {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func overlay(base []compressor.Entry, e compressor.Entry) []compressor.Entry {
	out := make([]compressor.Entry, 0, len(base)+1)
	replaced := false
	for _, existing := range base {
		if existing.StateKeyNID == e.StateKeyNID {
			out = append(out, e)
			replaced = true
			continue
		}
		out = append(out, existing)
	}
	if !replaced {
		out = append(out, e)
	}
	return out
}
