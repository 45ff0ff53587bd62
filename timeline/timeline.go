// Package timeline appends admitted PDUs to a room's persisted history,
// updates its compressed state snapshot, and fans the event out to the
// downstream consumers (federation sender queue, push gateway,
// appservice notifier).
//
// One room's events are processed strictly in order behind a per-room
// lock; once the durable write has happened, the fan-out is a single
// JetStream publish on the OutputRoomEvent subject (drained by both the
// federation sender's and the sync engine's consumers), with room_id and
// event_id carried as message headers (setup/jetstream.RoomID/EventID),
// followed by direct calls to the appservice notifier and push gateway.
package timeline

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/matrixcore/homeservercore/internal/boundary"
	"github.com/matrixcore/homeservercore/internal/counter"
	"github.com/matrixcore/homeservercore/pdu"
	"github.com/matrixcore/homeservercore/roomstate/compressor"
	"github.com/matrixcore/homeservercore/setup/jetstream"
	"github.com/matrixcore/homeservercore/shortid"
	"github.com/matrixcore/homeservercore/storage/kv"
	"github.com/matrixcore/homeservercore/storage/pdustore"
)

const (
	prefixCurrentStateHash = "tl:css:" // shortroomid (8 bytes) -> short-state-hash (8 bytes)
	prefixForwardExtrem    = "tl:fwd:" // shortroomid || event_id -> "" (set membership)
	prefixEventStateAfter  = "tl:esa:" // event_id -> short-state-hash (8 bytes), state immediately after that event
	prefixRedactionOf      = "tl:rdx:" // target event_id -> redaction event_id
)

// Publisher is the narrow slice of a JetStream context this package
// needs, so tests can fake it without standing up NATS.
type Publisher interface {
	PublishMsg(*nats.Msg, ...nats.PubOpt) (*nats.PubAck, error)
}

// Timeline owns room append/backfill/redact and the bookkeeping that
// keeps current-state-hash, forward-extremities, and per-event
// state-after lookups consistent with what has actually been persisted.
type Timeline struct {
	kv         *kv.Store
	counter    *counter.Counter
	shortID    *shortid.Service
	pdus       *pdustore.Store
	compressor *compressor.Compressor

	js     Publisher
	prefix jetstream.TopicPrefix

	appservice boundary.AppserviceNotifier
	push       boundary.PushGateway

	stripes [256]sync.Mutex
}

// Deps bundles Timeline's collaborators; boundary fan-out targets default
// to no-ops (see internal/boundary) when left nil, so a monolith can run
// with optional subsystems unwired.
type Deps struct {
	KV         *kv.Store
	Counter    *counter.Counter
	ShortID    *shortid.Service
	PDUs       *pdustore.Store
	Compressor *compressor.Compressor
	Publisher  Publisher
	Prefix     jetstream.TopicPrefix
	Appservice boundary.AppserviceNotifier
	Push       boundary.PushGateway
}

func New(d Deps) *Timeline {
	if d.Appservice == nil {
		d.Appservice = boundary.NoopAppserviceNotifier{}
	}
	if d.Push == nil {
		d.Push = boundary.NoopPushGateway{}
	}
	return &Timeline{
		kv:         d.KV,
		counter:    d.Counter,
		shortID:    d.ShortID,
		pdus:       d.PDUs,
		compressor: d.Compressor,
		js:         d.Publisher,
		prefix:     d.Prefix,
		appservice: d.Appservice,
		push:       d.Push,
	}
}

func roomStripe(stripes *[256]sync.Mutex, roomID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(roomID))
	return &stripes[h.Sum32()%uint32(len(stripes))]
}

// StateMutation is the result of merging a candidate event into a room's
// state: the new current short-state-hash plus what changed, as returned
// by the caller's state-resolution step before Append is invoked.
// Append does not itself run state resolution (that is the event
// handler's job); it only persists the outcome.
type StateMutation struct {
	PrevShortHash *uint64
	NewFullState  []compressor.Entry
}

// Result is everything a caller needs after a successful Append: the
// PDU's storage position and the resulting state-hash, for threading
// into the next event on the same fork.
type Result struct {
	ID             pdustore.ID
	ShortStateHash uint64
	Added, Removed []compressor.Entry
}

// Recipient is one local user whose unread/highlight counters must
// advance because of this event, with counts already evaluated against
// their push rules by the caller.
type Recipient struct {
	UserID    string
	Unread    int
	Highlight int
}

// Append acquires a counter permit, persists the PDU and its updated
// state snapshot, records forward-extremity bookkeeping, and enqueues
// the downstream fan-out before releasing the permit. The per-room mutex
// serializing state mutations is striped, acquired and released entirely
// inside this call so callers never hold it across federation I/O.
func (t *Timeline) Append(ctx context.Context, ev *pdu.Headered, mutation StateMutation, recipients []Recipient) (Result, error) {
	mu := roomStripe(&t.stripes, ev.RoomID().String())
	mu.Lock()
	defer mu.Unlock()

	permit := t.counter.Next()
	defer permit.Release()

	shortRoomID, _, err := t.shortID.GetOrCreateShortRoom(ctx, ev.RoomID().String())
	if err != nil {
		return Result{}, fmt.Errorf("timeline: short room id: %w", err)
	}

	count := pdu.NewNormal(int64(permit.Value()))
	envelope, err := pdu.Envelope(ev)
	if err != nil {
		return Result{}, fmt.Errorf("timeline: envelope: %w", err)
	}
	if err := t.pdus.Append(ctx, shortRoomID, count, ev.EventID(), envelope); err != nil {
		return Result{}, fmt.Errorf("timeline: persist pdu: %w", err)
	}

	shortHash, added, removed, err := t.compressor.SaveState(ctx, mutation.PrevShortHash, mutation.NewFullState)
	if err != nil {
		return Result{}, fmt.Errorf("timeline: save state: %w", err)
	}
	if err := t.recordStateAfter(ctx, ev.EventID(), shortHash); err != nil {
		return Result{}, err
	}
	if err := t.advanceForwardExtremities(ctx, shortRoomID, ev); err != nil {
		return Result{}, err
	}

	id := pdustore.ID{ShortRoomID: shortRoomID, Count: count}
	if err := t.fanOut(ctx, ev, recipients); err != nil {
		// Fan-out failure does not roll back the append: the PDU is
		// durable and correct; downstream consumers are retried
		// independently (the federation sender's own retry
		// policy), so a delivery hiccup here must not make a
		// well-formed, authorized event vanish from the timeline.
		return Result{ID: id, ShortStateHash: shortHash, Added: added, Removed: removed}, fmt.Errorf("timeline: fan-out: %w", err)
	}
	return Result{ID: id, ShortStateHash: shortHash, Added: added, Removed: removed}, nil
}

// Backfill persists a historically-fetched event: same persistence
// path as Append but numbered with Backfilled(n) counts and without any
// fan-out, since historically-fetched events were already seen (or never
// relevant to) every live subscriber.
func (t *Timeline) Backfill(ctx context.Context, ev *pdu.Headered, n int64, mutation StateMutation) (Result, error) {
	mu := roomStripe(&t.stripes, ev.RoomID().String())
	mu.Lock()
	defer mu.Unlock()

	shortRoomID, _, err := t.shortID.GetOrCreateShortRoom(ctx, ev.RoomID().String())
	if err != nil {
		return Result{}, fmt.Errorf("timeline: short room id: %w", err)
	}

	count := pdu.NewBackfilled(n)
	envelope, err := pdu.Envelope(ev)
	if err != nil {
		return Result{}, fmt.Errorf("timeline: envelope: %w", err)
	}
	if err := t.pdus.Append(ctx, shortRoomID, count, ev.EventID(), envelope); err != nil {
		return Result{}, fmt.Errorf("timeline: persist pdu: %w", err)
	}

	shortHash, added, removed, err := t.compressor.SaveState(ctx, mutation.PrevShortHash, mutation.NewFullState)
	if err != nil {
		return Result{}, fmt.Errorf("timeline: save state: %w", err)
	}
	if err := t.recordStateAfter(ctx, ev.EventID(), shortHash); err != nil {
		return Result{}, err
	}

	return Result{ID: pdustore.ID{ShortRoomID: shortRoomID, Count: count}, ShortStateHash: shortHash, Added: added, Removed: removed}, nil
}

// Redact appends a redaction: the redaction event is itself a normal
// PDU, and the target->redaction mapping is recorded so read paths that
// format the target event can apply the redaction algorithm
// (pdu.Redacted); the algorithm itself lives where events are formatted for
// callers, not here.
func (t *Timeline) Redact(ctx context.Context, targetEventID string, redaction *pdu.Headered, mutation StateMutation, recipients []Recipient) (Result, error) {
	res, err := t.Append(ctx, redaction, mutation, recipients)
	if err != nil {
		return res, err
	}
	if err := t.kv.Put(ctx, []byte(prefixRedactionOf+targetEventID), []byte(redaction.EventID())); err != nil {
		return res, fmt.Errorf("timeline: record redaction: %w", err)
	}
	return res, nil
}

// RedactionOf returns the event id of the redaction applied to target,
// if any.
func (t *Timeline) RedactionOf(ctx context.Context, targetEventID string) (string, bool, error) {
	v, ok, err := t.kv.Get(ctx, []byte(prefixRedactionOf+targetEventID))
	if err != nil || !ok {
		return "", false, err
	}
	return string(v), true, nil
}

// CurrentStateHash returns the room's current short-state-hash, or
// (0, false) if the room has no persisted state yet.
func (t *Timeline) CurrentStateHash(ctx context.Context, shortRoomID uint64) (uint64, bool, error) {
	v, ok, err := t.kv.Get(ctx, currentStateKey(shortRoomID))
	if err != nil || !ok {
		return 0, false, err
	}
	return decodeShortHash(v), true, nil
}

// StateAfter returns the short-state-hash of the state immediately after
// eventID, used by the event handler to merge states across multiple
// prev_events.
func (t *Timeline) StateAfter(ctx context.Context, eventID string) (uint64, bool, error) {
	v, ok, err := t.kv.Get(ctx, []byte(prefixEventStateAfter+eventID))
	if err != nil || !ok {
		return 0, false, err
	}
	return decodeShortHash(v), true, nil
}

// ForwardExtremities returns a room's current forward extremities: event
// ids with no known child, the set prev_events points at for the next
// locally-created event.
func (t *Timeline) ForwardExtremities(ctx context.Context, shortRoomID uint64) ([]string, error) {
	entries, err := t.kv.ScanPrefix(ctx, forwardExtremPrefix(shortRoomID))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	prefixLen := len(forwardExtremPrefix(shortRoomID))
	for _, e := range entries {
		out = append(out, string(e.Key[prefixLen:]))
	}
	return out, nil
}

func (t *Timeline) recordStateAfter(ctx context.Context, eventID string, shortHash uint64) error {
	return t.kv.Put(ctx, []byte(prefixEventStateAfter+eventID), encodeShortHash(shortHash))
}

// advanceForwardExtremities retires ev's prev_events as extremities (they
// now have a known child) and adds ev itself, then updates the room's
// current-state-hash to the state recorded for ev. This assumes the
// caller has already resolved ev to be on the room's live timeline, which
// holds for every call from Append (backfilled events never call this).
func (t *Timeline) advanceForwardExtremities(ctx context.Context, shortRoomID uint64, ev *pdu.Headered) error {
	shortHash, _, err := t.StateAfter(ctx, ev.EventID())
	if err != nil {
		return err
	}
	return t.kv.Cork(ctx, func(b *kv.Batch) error {
		for _, prevID := range ev.PrevEventIDs() {
			if err := b.Delete(forwardExtremKey(shortRoomID, prevID)); err != nil {
				return err
			}
		}
		if err := b.Put(forwardExtremKey(shortRoomID, ev.EventID()), []byte{}); err != nil {
			return err
		}
		return b.Put(currentStateKey(shortRoomID), encodeShortHash(shortHash))
	})
}

func (t *Timeline) fanOut(ctx context.Context, ev *pdu.Headered, recipients []Recipient) error {
	if t.js != nil {
		subject := t.prefix.Prefixed(jetstream.OutputRoomEvent)
		headers := map[string]string{
			jetstream.RoomID:  ev.RoomID().String(),
			jetstream.EventID: ev.EventID(),
		}
		envelope, err := pdu.Envelope(ev)
		if err != nil {
			return err
		}
		msg := &nats.Msg{Subject: subject, Data: envelope, Header: make(nats.Header, len(headers))}
		for k, v := range headers {
			msg.Header.Set(k, v)
		}
		if _, err := t.js.PublishMsg(msg); err != nil {
			return fmt.Errorf("publish %s: %w", subject, err)
		}
	}
	if err := t.appservice.NotifyNewEvent(ctx, ev.RoomID().String(), ev); err != nil {
		return fmt.Errorf("appservice notify: %w", err)
	}
	for _, r := range recipients {
		if err := t.push.NotifyPush(ctx, r.UserID, ev, r.Unread, r.Highlight); err != nil {
			return fmt.Errorf("push notify %s: %w", r.UserID, err)
		}
	}
	return nil
}

func currentStateKey(shortRoomID uint64) []byte {
	return append([]byte(prefixCurrentStateHash), encodeShortHash(shortRoomID)...)
}

func forwardExtremPrefix(shortRoomID uint64) []byte {
	return append([]byte(prefixForwardExtrem), encodeShortHash(shortRoomID)...)
}

func forwardExtremKey(shortRoomID uint64, eventID string) []byte {
	return append(forwardExtremPrefix(shortRoomID), []byte(eventID)...)
}

func encodeShortHash(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func decodeShortHash(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
