// Package resolve implements state resolution: merging conflicting state
// snapshots from forked heads into one accepted state. The procedure
// partitions state into unconflicted and conflicted sets, orders the
// power-relevant conflicted events by reverse mainline power ordering,
// and applies them through iterative auth passes; gomatrixserverlib
// supplies only the per-event Allowed() auth primitive used at each
// iterative step. Deterministic given identical inputs regardless of
// the order forks are presented in.
package resolve

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/matrixcore/homeservercore/pdu"
	"github.com/matrixcore/homeservercore/roomauth"
	"github.com/matrixcore/homeservercore/roomstate/compressor"
)

// Loader is the minimal surface Resolve needs from the concrete wiring
// (package eventinput's loaderAdapter, over compressor, shortid and
// pdustore, in practice).
type Loader interface {
	LoadFull(ctx context.Context, shortHash uint64) ([]compressor.Entry, error)
	LoadEvent(ctx context.Context, eventNID uint64) (*pdu.Headered, error)
	// ShortEventID returns the short-event-id for an already-known event,
	// creating one if the event has never been seen (auth-chain-only
	// events reached for the first time during resolution still need a
	// short so they can be referenced from a resolved compressor.Entry).
	ShortEventID(ctx context.Context, eventID string) (uint64, error)
	// ShortStateKey returns the short-state-key for (type, key), creating
	// one if absent, mirroring shortid.Service.GetOrCreateShortStateKey.
	ShortStateKey(ctx context.Context, eventType, stateKey string) (uint64, error)
}

// AuthChain returns the transitive closure of ev's auth_events,
// materialized into a set deduped by event id during traversal; naive
// recursion is exponential in the worst case.
func AuthChain(ctx context.Context, ev *pdu.Headered, resolveEvent func(ctx context.Context, eventID string) (*pdu.Headered, error)) ([]*pdu.Headered, error) {
	seen := map[string]bool{}
	var chain []*pdu.Headered
	var walk func(e *pdu.Headered) error
	walk = func(e *pdu.Headered) error {
		for _, id := range e.AuthEventIDs() {
			if seen[id] {
				continue
			}
			seen[id] = true
			parent, err := resolveEvent(ctx, id)
			if err != nil {
				return err
			}
			if parent == nil {
				continue // unresolvable auth event: caller's pipeline should already have fetched it
			}
			chain = append(chain, parent)
			if err := walk(parent); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(ev); err != nil {
		return nil, err
	}
	return chain, nil
}

// powerLevel extracts a sender's effective power level from a
// power_levels event's content, falling back to the room's users_default
// (0 if absent).
func powerLevel(plEvent *pdu.Headered, sender string) int {
	if plEvent == nil {
		return 0
	}
	var content struct {
		Users        map[string]int `json:"users"`
		UsersDefault int            `json:"users_default"`
	}
	if err := json.Unmarshal(plEvent.Content(), &content); err != nil {
		return 0
	}
	if lvl, ok := content.Users[sender]; ok {
		return lvl
	}
	return content.UsersDefault
}

// isPowerRelevant identifies the event types the first iterative pass
// sorts by reverse mainline power ordering: power_levels, join_rules,
// and member-with-membership=ban.
func isPowerRelevant(ev *pdu.Headered) bool {
	switch ev.Type() {
	case "m.room.power_levels", "m.room.join_rules":
		return true
	case "m.room.member":
		var content struct {
			Membership string `json:"membership"`
		}
		if err := json.Unmarshal(ev.Content(), &content); err != nil {
			return false
		}
		return content.Membership == "ban"
	}
	return false
}

// sortByPower orders events by descending sender power level (as of
// powerLevelsEvent), with ties broken by (origin_server_ts, event_id)
// ascending.
func sortByPower(events []*pdu.Headered, powerLevelsEvent *pdu.Headered) {
	sort.SliceStable(events, func(i, j int) bool {
		pi := powerLevel(powerLevelsEvent, string(events[i].SenderID()))
		pj := powerLevel(powerLevelsEvent, string(events[j].SenderID()))
		if pi != pj {
			return pi > pj // higher power sorts first ("reverse mainline power ordering")
		}
		if events[i].OriginServerTS() != events[j].OriginServerTS() {
			return events[i].OriginServerTS() < events[j].OriginServerTS()
		}
		return events[i].EventID() < events[j].EventID()
	})
}

// Resolve merges the state at multiple forked heads into one accepted
// state and returns the winning entries (caller persists them via
// compressor.SaveState).
//
// Deterministic and order-independent: both iterative passes sort by
// (power, origin_server_ts, event_id) rather than by fork-presentation
// order, so the result is the same regardless of the order in which
// forks are presented.
func Resolve(ctx context.Context, loader Loader, forkShortHashes []uint64, resolveEvent func(ctx context.Context, eventID string) (*pdu.Headered, error)) ([]compressor.Entry, error) {
	if len(forkShortHashes) == 0 {
		return nil, fmt.Errorf("resolve: no forks given")
	}
	if len(forkShortHashes) == 1 {
		return loader.LoadFull(ctx, forkShortHashes[0])
	}

	forkStates := make([][]compressor.Entry, len(forkShortHashes))
	for i, h := range forkShortHashes {
		s, err := loader.LoadFull(ctx, h)
		if err != nil {
			return nil, err
		}
		forkStates[i] = s
	}

	// Step 1: partition unconflicted vs conflicted by state key.
	byKey := map[uint64]map[uint64]bool{} // stateKeyNID -> set of distinct eventNIDs seen across forks
	for _, s := range forkStates {
		for _, e := range s {
			if byKey[e.StateKeyNID] == nil {
				byKey[e.StateKeyNID] = map[uint64]bool{}
			}
			byKey[e.StateKeyNID][e.EventNID] = true
		}
	}

	var unconflicted, conflicted []compressor.Entry
	conflictedSeen := map[compressor.Entry]bool{}
	for _, s := range forkStates {
		for _, e := range s {
			if len(byKey[e.StateKeyNID]) == 1 {
				unconflicted = append(unconflicted, e)
			} else if !conflictedSeen[e] {
				conflictedSeen[e] = true
				conflicted = append(conflicted, e)
			}
		}
	}
	unconflicted = dedupeEntries(unconflicted)

	// Step 2: full conflicted set = conflicted events + symmetric diff of
	// their auth chains.
	conflictedEvents := make([]*pdu.Headered, 0, len(conflicted))
	for _, e := range conflicted {
		ev, err := loader.LoadEvent(ctx, e.EventNID)
		if err != nil {
			return nil, err
		}
		conflictedEvents = append(conflictedEvents, ev)
	}
	chainCount := map[string]int{}
	for _, ev := range conflictedEvents {
		chain, err := AuthChain(ctx, ev, resolveEvent)
		if err != nil {
			return nil, err
		}
		for _, a := range chain {
			chainCount[a.EventID()]++
		}
	}
	var authOnly []*pdu.Headered
	seenAuthOnly := map[string]bool{}
	for _, ev := range conflictedEvents {
		for _, id := range ev.AuthEventIDs() {
			if seenAuthOnly[id] {
				continue
			}
			// symmetric difference: appears in some but not every fork's
			// conflicted event's auth chain.
			if n := chainCount[id]; n > 0 && n < len(conflictedEvents) {
				parent, err := resolveEvent(ctx, id)
				if err != nil {
					return nil, err
				}
				if parent != nil {
					seenAuthOnly[id] = true
					authOnly = append(authOnly, parent)
				}
			}
		}
	}
	fullConflicted := append(append([]*pdu.Headered{}, conflictedEvents...), authOnly...)

	// Resolved-state-so-far, seeded with the unconflicted entries; the
	// iterative auth pass (steps 3-5) adds to this as events pass.
	resolvedByKey := map[uint64]compressor.Entry{}
	for _, e := range unconflicted {
		resolvedByKey[e.StateKeyNID] = e
	}

	fetch := func(ctx context.Context, eventType, stateKey string) (*pdu.Headered, error) {
		skShort, err := loader.ShortStateKey(ctx, eventType, stateKey)
		if err != nil {
			return nil, err
		}
		if e, ok := resolvedByKey[skShort]; ok {
			return loader.LoadEvent(ctx, e.EventNID)
		}
		return nil, nil
	}

	admit := func(ev *pdu.Headered) error {
		if err := roomauth.Check(ctx, ev, fetch); err != nil {
			return err // dropped: failing events simply don't join resolvedByKey
		}
		if ev.StateKey() == nil {
			return nil
		}
		skShort, err := loader.ShortStateKey(ctx, ev.Type(), *ev.StateKey())
		if err != nil {
			return err
		}
		evShort, err := loader.ShortEventID(ctx, ev.EventID())
		if err != nil {
			return err
		}
		resolvedByKey[skShort] = compressor.Entry{StateKeyNID: skShort, EventNID: evShort}
		return nil
	}

	var powerLevelsEvent *pdu.Headered
	for _, ev := range fullConflicted {
		if ev.Type() != "m.room.power_levels" {
			continue
		}
		// latest by (origin_server_ts, event_id), so the choice does not
		// depend on the order forks were presented in.
		if powerLevelsEvent == nil || ev.OriginServerTS() > powerLevelsEvent.OriginServerTS() ||
			(ev.OriginServerTS() == powerLevelsEvent.OriginServerTS() && ev.EventID() > powerLevelsEvent.EventID()) {
			powerLevelsEvent = ev
		}
	}

	// Step 3-4: power-relevant events first, by reverse mainline power
	// order, with an iterative auth pass.
	var powerRelevant, rest []*pdu.Headered
	for _, ev := range fullConflicted {
		if isPowerRelevant(ev) {
			powerRelevant = append(powerRelevant, ev)
		} else {
			rest = append(rest, ev)
		}
	}
	sortByPower(powerRelevant, powerLevelsEvent)
	for _, ev := range powerRelevant {
		_ = admit(ev) // a rejection here just means this event does not win its slot
	}

	// Step 5: remaining conflicted events, sorted by mainline-of-power,
	// repeat the iterative auth pass (fetch now also sees step 4's
	// winners, e.g. a fresh power_levels event).
	sortByPower(rest, powerLevelsEvent)
	for _, ev := range rest {
		_ = admit(ev)
	}

	// Step 6: overlay is implicit; unconflicted entries were seeded first
	// and only conflicted state keys are ever (re)written by admit.
	out := make([]compressor.Entry, 0, len(resolvedByKey))
	for _, e := range resolvedByKey {
		out = append(out, e)
	}
	return out, nil
}

func dedupeEntries(in []compressor.Entry) []compressor.Entry {
	seen := map[compressor.Entry]bool{}
	out := make([]compressor.Entry, 0, len(in))
	for _, e := range in {
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	return out
}
