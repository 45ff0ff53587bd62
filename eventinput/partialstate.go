package eventinput

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/matrixcore/homeservercore/storage/kv"
)

const (
	prefixPartialStateRoom   = "ei:ps:r:" // room_id -> joined_via server name (marker of membership)
	prefixPartialStateServer = "ei:ps:s:" // room_id || "\x00" || server_name -> "" (servers known present at join time)
)

// PartialStateTracker tracks partial-state ("faster join") rooms: a room
// joined via a restricted `/send_join` (`omit_members=true`) is marked
// partial-stated (MarkPartial) until ClearPartial is called. The tracker
// only records and signals that status: Inputer holds one but does not
// call it, roomstate/accessor does not consult it, and no background
// membership resync exists in this module.
//
// "Is this room partial-stated" is durable in storage/kv (the room
// marker plus the set of servers known joined at /send_join time), so a
// restart does not forget which rooms are still catching up; the
// wake-on-complete mechanism (AwaitFullState, woken by ClearPartial via
// notifyUnPartialStated) is an in-memory channel per waiter.
type PartialStateTracker struct {
	kv *kv.Store

	mu            sync.Mutex
	roomObservers map[string][]chan struct{}
}

func NewPartialStateTracker(store *kv.Store) *PartialStateTracker {
	return &PartialStateTracker{kv: store, roomObservers: make(map[string][]chan struct{})}
}

// MarkPartial records roomID as joined via a restricted /send_join,
// remembering which servers were known present so resync can target
// them for the missing membership fetch.
func (t *PartialStateTracker) MarkPartial(ctx context.Context, roomID, joinedVia string, knownServers []string) error {
	if err := t.kv.Put(ctx, []byte(prefixPartialStateRoom+roomID), []byte(joinedVia)); err != nil {
		return err
	}
	return t.kv.Cork(ctx, func(b *kv.Batch) error {
		for _, server := range knownServers {
			if err := b.Put([]byte(prefixPartialStateServer+roomID+"\x00"+server), []byte{}); err != nil {
				return err
			}
		}
		return nil
	})
}

// IsPartial reports whether roomID is still awaiting full-state resync.
func (t *PartialStateTracker) IsPartial(ctx context.Context, roomID string) (bool, error) {
	_, ok, err := t.kv.Get(ctx, []byte(prefixPartialStateRoom+roomID))
	return ok, err
}

// KnownServers returns the servers recorded present in roomID at join time.
func (t *PartialStateTracker) KnownServers(ctx context.Context, roomID string) ([]string, error) {
	entries, err := t.kv.ScanPrefix(ctx, []byte(prefixPartialStateServer+roomID+"\x00"))
	if err != nil {
		return nil, err
	}
	prefixLen := len(prefixPartialStateServer + roomID + "\x00")
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, string(e.Key[prefixLen:]))
	}
	return out, nil
}

// ClearPartial marks roomID fully resynced and wakes any AwaitFullState
// callers blocked on it.
func (t *PartialStateTracker) ClearPartial(ctx context.Context, roomID string) error {
	if err := t.kv.Delete(ctx, []byte(prefixPartialStateRoom+roomID)); err != nil {
		return err
	}
	t.notifyUnPartialStated(roomID)
	return nil
}

// AwaitFullState blocks until roomID is no longer partial-stated or ctx is
// done. Returns immediately if the room is not currently partial-stated.
func (t *PartialStateTracker) AwaitFullState(ctx context.Context, roomID string) error {
	if partial, err := t.IsPartial(ctx, roomID); err != nil {
		return err
	} else if !partial {
		return nil
	}

	ch := make(chan struct{})
	t.mu.Lock()
	t.roomObservers[roomID] = append(t.roomObservers[roomID], ch)
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		observers := t.roomObservers[roomID]
		for i, o := range observers {
			if o == ch {
				t.roomObservers[roomID] = append(observers[:i], observers[i+1:]...)
				break
			}
		}
		if len(t.roomObservers[roomID]) == 0 {
			delete(t.roomObservers, roomID)
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

func (t *PartialStateTracker) notifyUnPartialStated(roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	observers, ok := t.roomObservers[roomID]
	if !ok {
		return
	}
	logrus.WithField("room_id", roomID).Debug("eventinput: room resync complete, waking observers")
	for _, ch := range observers {
		close(ch)
	}
	delete(t.roomObservers, roomID)
}
