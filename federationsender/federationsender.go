// Package federationsender implements the outgoing federation sender: a
// per-destination queue and retry state machine, transaction batching of
// PDUs and EDUs, and at-least-once delivery. Queue items and
// (server_name, failure_count, retry_until) retry state are durable in
// storage/kv rather than in memory, so pending deliveries survive a
// restart and queues cannot grow without bound in the heap.
package federationsender

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/matrixcore/homeservercore/storage/kv"
)

// Kind distinguishes the three Destination variants.
type Kind int

const (
	KindFederation Kind = iota
	KindAppservice
	KindPush
)

// Destination identifies one outbound queue.
type Destination struct {
	Kind   Kind
	Server spec.ServerName // set when Kind == KindFederation
	ID     string          // appservice id, or push user id
	PushKey string         // set when Kind == KindPush
}

func (d Destination) key() string {
	switch d.Kind {
	case KindFederation:
		return "fed:" + string(d.Server)
	case KindAppservice:
		return "as:" + d.ID
	default:
		return "push:" + d.ID + ":" + d.PushKey
	}
}

// ItemKind distinguishes the three queue item variants.
type ItemKind int

const (
	ItemPDU ItemKind = iota
	ItemEDU
	ItemFlush
)

// Item is one durable queue entry.
type Item struct {
	QueueID string          `json:"queue_id"`
	Kind    ItemKind        `json:"kind"`
	PDUID   string          `json:"pdu_id,omitempty"` // event id; passed to Transport as-is (see pduBodies)
	EDU     json.RawMessage `json:"edu,omitempty"`
}

// State is a destination's retry state machine: Running, Retrying(n),
// or Failed(n, last_failure_time).
type State int

const (
	StateRunning State = iota
	StateRetrying
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRetrying:
		return "retrying"
	case StateFailed:
		return "failed"
	default:
		return "running"
	}
}

type retryRecord struct {
	State        State          `json:"state"`
	FailureCount uint32         `json:"failure_count"`
	LastFailure  spec.Timestamp `json:"last_failure,omitempty"`
	Blacklisted  bool           `json:"blacklisted"`
}

// Limits are the transaction-formation caps and retry/pacing knobs.
type Limits struct {
	PDU           int
	EDU           int
	Presence      int
	MaxRetries    int
	BaseTimeout   time.Duration
	BackoffLimit  time.Duration
	ShutdownGrace time.Duration

	// PacePerSecond caps the steady-state rate of transaction attempts
	// across all destinations (separate from a single destination's own
	// exponential retry backoff), so a burst of newly-enqueued
	// destinations cannot all hammer their peers in the same instant.
	// Zero disables pacing (every ready destination sends immediately).
	PacePerSecond float64
	PaceBurst     int
}

// DefaultLimits: at most 50 PDUs and 100 EDUs per transaction. Presence
// is set to 256, but splitTransaction does not read it: presence EDUs
// count against the EDU cap like any other EDU.
func DefaultLimits() Limits {
	return Limits{
		PDU: 50, EDU: 100, Presence: 256,
		MaxRetries: 16, BaseTimeout: 2 * time.Second, BackoffLimit: time.Hour,
		ShutdownGrace: 30 * time.Second,
		PacePerSecond: 50, PaceBurst: 10,
	}
}

// Transport is the narrow outbound surface this package needs; one
// implementation receives the sends for all three Destination kinds.
// cmd/homeservercore wires a stub whose sends always fail; no
// federation-HTTP implementation is part of this module.
type Transport interface {
	// SendTransaction delivers a batch to dest and reports success. The
	// transaction id is included so peers can dedupe retried
	// transactions.
	SendTransaction(ctx context.Context, dest Destination, txnID string, pdus [][]byte, edus []json.RawMessage) error
}

const (
	prefixQueueItem  = "fs:q:"  // dest_key || queue_id -> Item JSON, ordered by insertion (queue_id is a ksuid-like monotonic string)
	prefixRetryState = "fs:rs:" // dest_key -> retryRecord JSON
)

// Sender owns every destination's durable queue and retry state, and the
// per-destination workers that drain them.
type Sender struct {
	kv        *kv.Store
	transport Transport
	limits    Limits
	pacer     *rate.Limiter // nil if Limits.PacePerSecond == 0

	shards    int
	mu        sync.Mutex
	running   map[string]context.CancelFunc
	wg        sync.WaitGroup
	seq       uint64 // monotonic counter for queue-id ordering, seeded from the wall clock so ids keep increasing across restarts
}

// New constructs a Sender. shards is the modulus shardFor applies to a
// destination's key hash; queues are drained by one goroutine per
// destination with pending items (see ensureWorker), not by one worker
// per shard.
func New(store *kv.Store, transport Transport, limits Limits, shards int) *Sender {
	if shards <= 0 {
		shards = 4
	}
	var pacer *rate.Limiter
	if limits.PacePerSecond > 0 {
		burst := limits.PaceBurst
		if burst <= 0 {
			burst = 1
		}
		pacer = rate.NewLimiter(rate.Limit(limits.PacePerSecond), burst)
	}
	return &Sender{kv: store, transport: transport, limits: limits, pacer: pacer, shards: shards, running: make(map[string]context.CancelFunc), seq: uint64(time.Now().UnixNano())}
}

// Enqueue durably appends item to dest's queue and ensures a worker is
// running for it. Enqueue is at-least-once: an item is only removed once
// SendTransaction succeeds.
func (s *Sender) Enqueue(ctx context.Context, dest Destination, item Item) error {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()
	item.QueueID = fmt.Sprintf("%020d-%s", seq, uuid.NewString())

	b, err := json.Marshal(item)
	if err != nil {
		return err
	}
	if err := s.kv.Put(ctx, queueItemKey(dest, item.QueueID), b); err != nil {
		return err
	}
	observeSendQueueDepth(1)
	s.ensureWorker(dest)
	return nil
}

// pendingItems returns dest's queue in insertion order; per destination,
// transactions are attempted in queue order.
func (s *Sender) pendingItems(ctx context.Context, dest Destination, limit int) ([]Item, error) {
	entries, err := s.kv.ScanPrefix(ctx, []byte(prefixQueueItem+dest.key()+":"))
	if err != nil {
		return nil, err
	}
	out := make([]Item, 0, limit)
	for _, e := range entries {
		var it Item
		if err := json.Unmarshal(e.Value, &it); err != nil {
			logrus.WithError(err).Warn("federationsender: dropping corrupt queue item")
			continue
		}
		out = append(out, it)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Sender) removeItems(ctx context.Context, dest Destination, items []Item) error {
	return s.kv.Cork(ctx, func(b *kv.Batch) error {
		for _, it := range items {
			if err := b.Delete(queueItemKey(dest, it.QueueID)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Sender) getRetryState(ctx context.Context, dest Destination) (retryRecord, error) {
	v, ok, err := s.kv.Get(ctx, []byte(prefixRetryState+dest.key()))
	if err != nil || !ok {
		return retryRecord{}, err
	}
	var rec retryRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return retryRecord{}, err
	}
	return rec, nil
}

func (s *Sender) putRetryState(ctx context.Context, dest Destination, rec retryRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.kv.Put(ctx, []byte(prefixRetryState+dest.key()), b)
}

// nextRetryAllowed implements the retry policy: a
// transaction may be retried once elapsed since LastFailure exceeds
// clamp(base_timeout*2^n, base_timeout, backoff_limit).
func (s *Sender) nextRetryAllowed(rec retryRecord) (time.Time, bool) {
	if rec.State != StateFailed {
		return time.Time{}, true
	}
	backoff := s.limits.BaseTimeout << rec.FailureCount
	if backoff > s.limits.BackoffLimit || backoff <= 0 {
		backoff = s.limits.BackoffLimit
	}
	if backoff < s.limits.BaseTimeout {
		backoff = s.limits.BaseTimeout
	}
	lastFailure := time.UnixMilli(int64(rec.LastFailure))
	readyAt := lastFailure.Add(backoff)
	return readyAt, !timeNow().Before(readyAt)
}

var timeNow = time.Now

func (s *Sender) shardFor(dest Destination) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(dest.key()))
	return int(h.Sum32()) % s.shards
}

// ensureWorker starts a goroutine draining dest's queue if one is not
// already running. Workers exit once the queue is empty and are
// restarted by the next Enqueue, rather than polling idle destinations
// forever.
func (s *Sender) ensureWorker(dest Destination) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[dest.key()]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.running[dest.key()] = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, dest.key())
			s.mu.Unlock()
		}()
		s.drain(ctx, dest)
	}()
}

// drain forms and attempts transactions until dest's queue is empty or
// the destination enters a not-yet-ready backoff.
func (s *Sender) drain(ctx context.Context, dest Destination) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		rec, err := s.getRetryState(ctx, dest)
		if err != nil {
			logrus.WithError(err).WithField("dest", dest.key()).Warn("federationsender: reading retry state")
			return
		}
		if rec.Blacklisted {
			return
		}
		if readyAt, ok := s.nextRetryAllowed(rec); !ok {
			time.AfterFunc(timeUntil(readyAt), func() { s.ensureWorker(dest) })
			return
		}

		items, err := s.pendingItems(ctx, dest, s.limits.PDU+s.limits.EDU)
		if err != nil {
			logrus.WithError(err).Warn("federationsender: reading pending items")
			return
		}
		if len(items) == 0 {
			return
		}

		pdus, edus := splitTransaction(items, s.limits)
		txnID := transactionID(items)

		if s.pacer != nil {
			if err := s.pacer.Wait(ctx); err != nil {
				return // shutdown context cancelled while waiting for a pacing slot.
			}
		}
		if rec.State == StateFailed {
			rec.State = StateRetrying
			if err := s.putRetryState(ctx, dest, rec); err != nil {
				logrus.WithError(err).Warn("federationsender: persisting retry state")
			}
		}
		sendErr := s.transport.SendTransaction(ctx, dest, txnID, pduBodies(pdus), eduBodies(edus))
		if sendErr != nil {
			rec.State = StateFailed
			rec.FailureCount++
			rec.LastFailure = spec.AsTimestamp(timeNow())
			if int(rec.FailureCount) >= s.limits.MaxRetries {
				rec.Blacklisted = true
				logrus.WithField("dest", dest.key()).Warn("federationsender: destination blacklisted after max retries")
			}
			_ = s.putRetryState(ctx, dest, rec)
			logrus.WithError(sendErr).WithField("dest", dest.key()).Warn("federationsender: transaction failed")
			return
		}

		rec.State = StateRunning
		rec.FailureCount = 0
		rec.Blacklisted = false
		if err := s.putRetryState(ctx, dest, rec); err != nil {
			logrus.WithError(err).Warn("federationsender: persisting retry state")
		}
		sent := append(pdus, edus...)
		for _, it := range items {
			if it.Kind == ItemFlush {
				sent = append(sent, it)
			}
		}
		if err := s.removeItems(ctx, dest, sent); err != nil {
			logrus.WithError(err).Warn("federationsender: removing sent items")
		}
		observeSendQueueDepth(-float64(len(sent)))
	}
}

func timeUntil(t time.Time) time.Duration {
	d := time.Until(t)
	if d < 0 {
		return 0
	}
	return d
}

// splitTransaction partitions a batch into its PDU and EDU items, keeping
// at most limits.PDU PDUs and limits.EDU EDUs; there is no separate cap
// per EDU type. Flush items go into neither list.
func splitTransaction(items []Item, limits Limits) (pdus, edus []Item) {
	for _, it := range items {
		switch it.Kind {
		case ItemPDU:
			if len(pdus) < limits.PDU {
				pdus = append(pdus, it)
			}
		case ItemEDU:
			if len(edus) < limits.EDU {
				edus = append(edus, it)
			}
		}
	}
	return pdus, edus
}

func pduBodies(items []Item) [][]byte {
	// Each PDU item's event id is passed through as-is: this package has
	// no dependency on storage/pdustore and does not look up PDU JSON, so
	// Transport receives event ids rather than event bodies.
	out := make([][]byte, 0, len(items))
	for _, it := range items {
		out = append(out, []byte(it.PDUID))
	}
	return out
}

func eduBodies(items []Item) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(items))
	for _, it := range items {
		out = append(out, it.EDU)
	}
	return out
}

// transactionID derives a deterministic, content-addressed id from the
// batch so retries of the same batch are idempotent from the peer's
// point of view.
func transactionID(items []Item) string {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.QueueID)
	}
	sort.Strings(ids)
	h := fnv.New64a()
	for _, id := range ids {
		_, _ = h.Write([]byte(id))
	}
	return fmt.Sprintf("txn%x", h.Sum64())
}

// NetBurst re-enqueues up to maxPerDestination pending events per
// destination on process start, logging and dropping any excess.
func (s *Sender) NetBurst(ctx context.Context, destinations []Destination, maxPerDestination int) error {
	for _, dest := range destinations {
		entries, err := s.kv.ScanPrefix(ctx, []byte(prefixQueueItem+dest.key()+":"))
		if err != nil {
			return err
		}
		if len(entries) > maxPerDestination {
			excess := entries[maxPerDestination:]
			if err := s.kv.Cork(ctx, func(b *kv.Batch) error {
				for _, e := range excess {
					if err := b.Delete(e.Key); err != nil {
						return err
					}
				}
				return nil
			}); err != nil {
				return err
			}
			logrus.WithFields(logrus.Fields{
				"dest":    dest.key(),
				"dropped": len(excess),
			}).Warn("federationsender: net-burst exceeded per-destination cap, dropping excess")
			observeSendQueueDepth(-float64(len(excess)))
		}
		s.ensureWorker(dest)
	}
	return nil
}

// Shutdown cancels every running worker after waiting up to
// limits.ShutdownGrace for in-flight transactions to finish; unfinished
// items remain queued durably.
func (s *Sender) Shutdown() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.limits.ShutdownGrace):
		s.mu.Lock()
		for _, cancel := range s.running {
			cancel()
		}
		s.mu.Unlock()
		<-done
	}
}

func queueItemKey(dest Destination, queueID string) []byte {
	return []byte(prefixQueueItem + dest.key() + ":" + queueID)
}
