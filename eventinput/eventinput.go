// Package eventinput implements the incoming-event handler: the
// pipeline that takes a single incoming PDU (local or remote) through
// parsing, deduplication, backoff, key verification, auth-chain
// completion, outlier admission, timeline integration (state resolution
// plus a second auth pass), prev-event completion, and fan-out.
//
// The shape is an Inputer struct wired against its collaborators, with
// admission serialized behind a per-room lock and a PartialStateTracker
// for rooms joined through a restricted `/send_join`. The auth and
// state-resolution steps themselves are package roomauth and package
// roomstate/resolve, both built against gomatrixserverlib's admission
// primitive; this package sequences them and owns backoff, outlier
// promotion, and the fetch-then-retry shape for missing graph ancestors.
package eventinput

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/matrixcore/homeservercore/pdu"
	"github.com/matrixcore/homeservercore/roomauth"
	"github.com/matrixcore/homeservercore/roomstate/compressor"
	"github.com/matrixcore/homeservercore/serverkeys"
	"github.com/matrixcore/homeservercore/shortid"
	"github.com/matrixcore/homeservercore/storage/kv"
	"github.com/matrixcore/homeservercore/storage/pdustore"
	"github.com/matrixcore/homeservercore/timeline"
)

// Kind selects whether the caller only wants this event admitted as an
// outlier (used when fetching auth-chain/prev-event ancestors) or fully
// processed onto the timeline.
type Kind int

const (
	KindNew Kind = iota
	KindOutlier
)

// Outcome is the terminal classification of one ProcessInboundEvent call.
type Outcome int

const (
	OutcomeAccepted Outcome = iota
	OutcomeOutlier
	OutcomeSoftFailed
	OutcomeRejected
	OutcomeDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeOutlier:
		return "outlier"
	case OutcomeSoftFailed:
		return "soft_failed"
	case OutcomeRejected:
		return "rejected"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Verdict is the result of processing one PDU.
type Verdict struct {
	EventID string
	Outcome Outcome
	Reason  error
}

// Fetcher resolves a missing event's raw JSON from federation, trying
// servers in the given order: the peer that offered the original event
// first, then fallbacks.
type Fetcher interface {
	FetchEvent(ctx context.Context, roomVersion gomatrixserverlib.RoomVersion, servers []spec.ServerName, eventID string) (rawJSON []byte, err error)
}

// Verifier is the narrow slice of *serverkeys.Keys this package needs,
// following the same narrow-interface-over-a-heavy-collaborator idiom
// as Fetcher above and package timeline's Publisher: tests fake key
// verification instead of standing up a signing identity and a real
// federation key fetcher.
type Verifier interface {
	VerifyEvent(ctx context.Context, ev *pdu.Headered) (serverkeys.Verified, error)
}

const (
	prefixStatus = "ei:status:" // event_id -> one status byte (Outcome)

	maxPrevEventFetchDepth = 10 // how far back a prev-events gap is chased before giving up
)

// Deps bundles eventinput's collaborators.
type Deps struct {
	KV           *kv.Store
	ShortID      *shortid.Service
	PDUs         *pdustore.Store
	Compressor   *compressor.Compressor
	Timeline     *timeline.Timeline
	Keys         Verifier
	Fetch        Fetcher
	PartialState *PartialStateTracker

	// BackoffBase/BackoffMax parameterize the per-event exponential
	// backoff; both default to sensible values if left zero.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// MaxConcurrentFetchesPerPeer bounds how many ancestor fetches (auth
	// events, prev events) run concurrently. One semaphore of this size is
	// shared by every peer and every ProcessInboundEvent call, so the cap
	// is Inputer-wide, not counted separately per peer.
	// Defaults to 4 if left zero.
	MaxConcurrentFetchesPerPeer int64
}

// New constructs an Inputer. PartialState may be nil if partial-state
// faster joins are not in use.
func New(d Deps) *Inputer {
	base := d.BackoffBase
	if base <= 0 {
		base = 2 * time.Second
	}
	max := d.BackoffMax
	if max <= 0 {
		max = time.Hour
	}
	fanout := d.MaxConcurrentFetchesPerPeer
	if fanout <= 0 {
		fanout = 4
	}
	return &Inputer{
		kv:           d.KV,
		shortID:      d.ShortID,
		pdus:         d.PDUs,
		compressor:   d.Compressor,
		timeline:     d.Timeline,
		keys:         d.Keys,
		fetch:        d.Fetch,
		partialState: d.PartialState,
		backoff:      newBackoffTracker(base, max),
		fetchSem:     semaphore.NewWeighted(fanout),
	}
}

// Inputer processes inbound PDUs through the full admission pipeline.
type Inputer struct {
	kv         *kv.Store
	shortID    *shortid.Service
	pdus       *pdustore.Store
	compressor *compressor.Compressor
	timeline   *timeline.Timeline
	keys       Verifier
	fetch      Fetcher

	partialState *PartialStateTracker
	backoff      *backoffTracker

	// fetchSem caps concurrent ancestor fetches across the whole Inputer
	// (all peers, all ProcessInboundEvent calls), shared by the
	// auth-events and prev-events fetch loops.
	fetchSem *semaphore.Weighted

	// stripes serializes outlier admission and timeline integration per
	// room; federation fetches happen outside the mutex.
	stripes [256]sync.Mutex
}

func roomStripe(stripes *[256]sync.Mutex, roomID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(roomID))
	return &stripes[h.Sum32()%uint32(len(stripes))]
}

func (i *Inputer) status(ctx context.Context, eventID string) (Outcome, bool, error) {
	v, ok, err := i.kv.Get(ctx, []byte(prefixStatus+eventID))
	if err != nil || !ok {
		return 0, false, err
	}
	return Outcome(v[0]), true, nil
}

func (i *Inputer) setStatus(ctx context.Context, eventID string, o Outcome) error {
	return i.kv.Put(ctx, []byte(prefixStatus+eventID), []byte{byte(o)})
}

func (i *Inputer) loadByID(ctx context.Context, eventID string) (*pdu.Headered, error) {
	raw, _, err := i.pdus.Lookup(ctx, eventID)
	if err == pdustore.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return parseEnvelope(raw)
}

func parseEnvelope(raw []byte) (*pdu.Headered, error) {
	var env struct {
		RoomVersion string          `json:"room_version"`
		Event       json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("eventinput: corrupt stored envelope: %w", err)
	}
	return pdu.Parse(gomatrixserverlib.RoomVersion(env.RoomVersion), env.Event)
}

// ProcessInboundEvent runs rawJSON through the full admission pipeline.
// origin is the server that offered this event (used
// as the first fetch target for any missing ancestor); servers is the
// fallback fetch order for recursive ancestor resolution.
func (i *Inputer) ProcessInboundEvent(ctx context.Context, roomVersion gomatrixserverlib.RoomVersion, rawJSON []byte, origin spec.ServerName, servers []spec.ServerName, kind Kind) (Verdict, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "eventinput.ProcessInboundEvent")
	span.SetTag("room_version", string(roomVersion))
	span.SetTag("origin", string(origin))
	span.SetTag("kind", int(kind))
	defer span.Finish()

	// Step 1: parse & basic checks.
	ev, err := pdu.Parse(roomVersion, rawJSON)
	if err != nil {
		return Verdict{Outcome: OutcomeRejected, Reason: err}, err
	}
	eventID := ev.EventID()
	span.SetTag("event_id", eventID)
	span.SetTag("room_id", ev.RoomID().String())
	logger := logrus.WithFields(logrus.Fields{"event_id": eventID, "room_id": ev.RoomID().String(), "kind": kind})

	// Step 2: deduplicate.
	if existing, known, err := i.status(ctx, eventID); err != nil {
		return Verdict{}, err
	} else if known {
		return Verdict{EventID: eventID, Outcome: OutcomeDuplicate, Reason: fmt.Errorf("eventinput: already processed as %s", existing)}, nil
	}

	// Step 3: back-off gate.
	if i.backoff.Blocked(eventID) {
		return Verdict{EventID: eventID, Outcome: OutcomeRejected, Reason: fmt.Errorf("eventinput: %s is in backoff", eventID)}, nil
	}

	// Step 4: signature & hash verification.
	verified, err := i.keys.VerifyEvent(ctx, ev)
	if err != nil {
		i.backoff.RecordFailure(eventID)
		logger.WithError(err).Warn("eventinput: verification failed")
		return Verdict{EventID: eventID, Outcome: OutcomeRejected, Reason: err}, nil
	}
	if verified == serverkeys.VerifiedSignatures {
		// Hash mismatch: content is treated as its redacted form for
		// every downstream step. gomatrixserverlib's
		// per-room-version redaction algorithm already governs how
		// readers format a redacted event; admission logic itself only
		// needs signatures to have checked out, which they have.
		logger.Debug("eventinput: verified signatures only, event is redaction-equivalent")
	}

	// Step 5: auth-events fetch (recursive, outlier-promotion mode,
	// outside the room mutex), fanned out with bounded
	// concurrency (i.fetchSem, one cap shared by all peers, acquired inside fetchAndAdmit) via
	// errgroup rather than one-at-a-time.
	fetchServers := fetchOrder(origin, servers)
	g, gctx := errgroup.WithContext(ctx)
	for _, authID := range ev.AuthEventIDs() {
		authID := authID
		if exists, err := i.pdus.Exists(ctx, authID); err != nil {
			return Verdict{}, err
		} else if exists {
			continue
		}
		g.Go(func() error {
			if err := i.fetchAndAdmit(gctx, ev.RoomVersion, authID, fetchServers); err != nil {
				logger.WithError(err).WithField("auth_event_id", authID).Warn("eventinput: could not resolve auth event")
			}
			return nil // individual fetch failures do not abort the group; step 6's auth check is the real gate.
		})
	}
	_ = g.Wait()

	mu := roomStripe(&i.stripes, ev.RoomID().String())
	mu.Lock()
	defer mu.Unlock()

	// Step 6: outlier admission, against the event's own declared auth_events.
	if err := roomauth.CheckAgainstAuthEvents(ctx, ev, i.loadByID); err != nil {
		i.backoff.RecordFailure(eventID)
		_ = i.setStatus(ctx, eventID, OutcomeRejected)
		logger.WithError(err).Info("eventinput: rejected at outlier admission")
		return Verdict{EventID: eventID, Outcome: OutcomeRejected, Reason: err}, nil
	}
	envelope, err := pdu.Envelope(ev)
	if err != nil {
		return Verdict{}, err
	}
	if err := i.pdus.PutOutlier(ctx, eventID, envelope); err != nil {
		return Verdict{}, err
	}
	if err := i.setStatus(ctx, eventID, OutcomeOutlier); err != nil {
		return Verdict{}, err
	}
	i.backoff.Clear(eventID)

	if kind == KindOutlier {
		return Verdict{EventID: eventID, Outcome: OutcomeOutlier}, nil
	}

	// Step 7: timeline integration, only if every prev_event is known.
	prevIDs := ev.PrevEventIDs()
	allKnown := true
	for _, id := range prevIDs {
		if exists, err := i.pdus.Exists(ctx, id); err != nil {
			return Verdict{}, err
		} else if !exists {
			allKnown = false
			break
		}
	}

	if !allKnown {
		// Step 8: prev-events fetch, bounded depth, outside the mutex in
		// spirit (already released once we return); stored as outlier
		// only if still unresolvable.
		mu.Unlock()
		resolvedAll := i.fetchPrevEvents(ctx, ev.RoomVersion, prevIDs, fetchServers, maxPrevEventFetchDepth)
		mu.Lock()
		if !resolvedAll {
			logger.Info("eventinput: prev_events unresolvable, leaving as outlier")
			return Verdict{EventID: eventID, Outcome: OutcomeOutlier}, nil
		}
	}

	return i.integrateTimeline(ctx, ev, logger)
}

// fetchOrder puts origin first (the peer that offered the event), then
// the configured fallback servers, deduped.
func fetchOrder(origin spec.ServerName, servers []spec.ServerName) []spec.ServerName {
	out := make([]spec.ServerName, 0, len(servers)+1)
	seen := map[spec.ServerName]bool{}
	if origin != "" {
		out = append(out, origin)
		seen[origin] = true
	}
	for _, s := range servers {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// fetchAndAdmit fetches a single missing event and runs it back through
// the pipeline in outlier-promotion mode.
//
// The semaphore permit (the Inputer-wide fetch concurrency cap) is
// held only around the network round-trip, not around the recursive
// ProcessInboundEvent call below: that call runs its own step-5 fetch
// fan-out against the same i.fetchSem, and holding a permit across it
// would self-deadlock once recursion depth exceeds the semaphore's
// weight (an outer permit can't free until an inner one is granted).
func (i *Inputer) fetchAndAdmit(ctx context.Context, roomVersion gomatrixserverlib.RoomVersion, eventID string, servers []spec.ServerName) error {
	if err := i.fetchSem.Acquire(ctx, 1); err != nil {
		return err
	}
	raw, err := i.fetch.FetchEvent(ctx, roomVersion, servers, eventID)
	i.fetchSem.Release(1)
	if err != nil {
		return err
	}
	var origin spec.ServerName
	if len(servers) > 0 {
		origin = servers[0]
	}
	_, err = i.ProcessInboundEvent(ctx, roomVersion, raw, origin, servers, KindOutlier)
	return err
}

// fetchPrevEvents attempts to resolve every id in prevIDs (recursively,
// up to maxDepth hops of the graph) via federation, returning whether all
// were ultimately resolved. Siblings at each depth fan out concurrently,
// capped by i.fetchSem; depth
// itself stays sequential since each level's fetch must complete before
// its own prev_events are known.
func (i *Inputer) fetchPrevEvents(ctx context.Context, roomVersion gomatrixserverlib.RoomVersion, prevIDs []string, servers []spec.ServerName, maxDepth int) bool {
	if maxDepth <= 0 {
		return false
	}
	var mu sync.Mutex
	allOK := true
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range prevIDs {
		id := id
		if exists, err := i.pdus.Exists(ctx, id); err == nil && exists {
			continue
		}
		g.Go(func() error {
			ok := i.resolveOnePrevEvent(gctx, roomVersion, id, servers, maxDepth)
			if !ok {
				mu.Lock()
				allOK = false
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return allOK
}

// resolveOnePrevEvent fetches a single prev_event (itself concurrency-
// capped by i.fetchSem inside fetchAndAdmit) and recurses into its own
// ancestors.
func (i *Inputer) resolveOnePrevEvent(ctx context.Context, roomVersion gomatrixserverlib.RoomVersion, id string, servers []spec.ServerName, maxDepth int) bool {
	if err := i.fetchAndAdmit(ctx, roomVersion, id, servers); err != nil {
		return false
	}
	ev, loadErr := i.loadByID(ctx, id)
	if loadErr != nil || ev == nil {
		return false
	}
	return i.fetchPrevEvents(ctx, roomVersion, ev.PrevEventIDs(), servers, maxDepth-1)
}
