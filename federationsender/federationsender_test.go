package federationsender

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gtassert "gotest.tools/v3/assert"
	gtcmp "gotest.tools/v3/assert/cmp"

	"github.com/matrixcore/homeservercore/storage/kv"
)

func openTestStore(t *testing.T) *kv.Store {
	t.Helper()
	s, err := kv.Open("file::memory:?cache=shared", "federationsender_test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type fakeTransport struct {
	mu        sync.Mutex
	failNext  int
	sentTxns  []string
	lastPDUs  int
	lastEDUs  int
}

func (f *fakeTransport) SendTransaction(ctx context.Context, dest Destination, txnID string, pdus [][]byte, edus []json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return assert.AnError
	}
	f.sentTxns = append(f.sentTxns, txnID)
	f.lastPDUs = len(pdus)
	f.lastEDUs = len(edus)
	return nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestEnqueueDrainsSuccessfully(t *testing.T) {
	store := openTestStore(t)
	transport := &fakeTransport{}
	limits := DefaultLimits()
	limits.BaseTimeout = 10 * time.Millisecond
	s := New(store, transport, limits, 2)

	dest := Destination{Kind: KindFederation, Server: "remote.example"}
	ctx := context.Background()
	require.NoError(t, s.Enqueue(ctx, dest, Item{Kind: ItemPDU, PDUID: "$event1"}))
	require.NoError(t, s.Enqueue(ctx, dest, Item{Kind: ItemPDU, PDUID: "$event2"}))

	waitFor(t, time.Second, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return len(transport.sentTxns) == 1
	})

	items, err := s.pendingItems(ctx, dest, 10)
	require.NoError(t, err)
	assert.Empty(t, items)

	transport.mu.Lock()
	assert.Equal(t, 2, transport.lastPDUs)
	transport.mu.Unlock()
}

func TestRetryBackoffAndBlacklist(t *testing.T) {
	store := openTestStore(t)
	transport := &fakeTransport{failNext: 100}
	limits := DefaultLimits()
	limits.BaseTimeout = 5 * time.Millisecond
	limits.BackoffLimit = 20 * time.Millisecond
	limits.MaxRetries = 2
	s := New(store, transport, limits, 1)

	dest := Destination{Kind: KindFederation, Server: "flaky.example"}
	ctx := context.Background()
	require.NoError(t, s.Enqueue(ctx, dest, Item{Kind: ItemPDU, PDUID: "$event1"}))

	waitFor(t, 2*time.Second, func() bool {
		rec, err := s.getRetryState(ctx, dest)
		require.NoError(t, err)
		return rec.Blacklisted
	})

	rec, err := s.getRetryState(ctx, dest)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, rec.State)
	assert.True(t, rec.Blacklisted)
	assert.GreaterOrEqual(t, rec.FailureCount, uint32(limits.MaxRetries))

	items, err := s.pendingItems(ctx, dest, 10)
	require.NoError(t, err)
	assert.Len(t, items, 1, "item stays queued durably while blacklisted")
}

func TestNextRetryAllowed(t *testing.T) {
	s := &Sender{limits: Limits{BaseTimeout: time.Second, BackoffLimit: time.Minute}}

	_, ok := s.nextRetryAllowed(retryRecord{State: StateRunning})
	assert.True(t, ok, "a destination with no failures is always ready")

	rec := retryRecord{State: StateFailed, FailureCount: 1, LastFailure: spec.AsTimestamp(time.Now())}
	_, ok = s.nextRetryAllowed(rec)
	assert.False(t, ok, "a just-failed destination is not yet ready")

	rec.LastFailure = spec.AsTimestamp(time.Now().Add(-time.Hour))
	_, ok = s.nextRetryAllowed(rec)
	assert.True(t, ok, "a destination past its backoff window is ready")
}

func TestSplitTransactionRespectsLimits(t *testing.T) {
	limits := Limits{PDU: 2, EDU: 1}
	items := []Item{
		{Kind: ItemPDU, PDUID: "$a"},
		{Kind: ItemPDU, PDUID: "$b"},
		{Kind: ItemPDU, PDUID: "$c"},
		{Kind: ItemEDU, EDU: json.RawMessage(`{"type":"m.presence"}`)},
		{Kind: ItemEDU, EDU: json.RawMessage(`{"type":"m.typing"}`)},
	}
	pdus, edus := splitTransaction(items, limits)
	assert.Len(t, pdus, 2)
	assert.Len(t, edus, 1)
}

func TestTransactionIDDeterministic(t *testing.T) {
	items := []Item{{QueueID: "b"}, {QueueID: "a"}}
	reordered := []Item{{QueueID: "a"}, {QueueID: "b"}}
	assert.Equal(t, transactionID(items), transactionID(reordered), "order-independent so retries of the same set are idempotent")
}

// TestTransactionIDFixedValue pins the exact id for a known queue-id set,
// so a change to the hash (fnv variant, format string) is caught even if
// it happens to stay order-independent; gotest.tools gives a readable
// diff on mismatch instead of testify's plain string comparison.
func TestTransactionIDFixedValue(t *testing.T) {
	items := []Item{{QueueID: "00000000000000000001-a"}, {QueueID: "00000000000000000002-b"}}
	id := transactionID(items)
	gtassert.Assert(t, gtcmp.Contains(id, "txn"))
	gtassert.Equal(t, id, transactionID(items))
	gtassert.Equal(t, id, "txne88dc7b5604c5c15")
}

func TestDestinationBlacklistBlocksDrain(t *testing.T) {
	store := openTestStore(t)
	transport := &fakeTransport{}
	limits := DefaultLimits()
	s := New(store, transport, limits, 1)
	dest := Destination{Kind: KindFederation, Server: "blocked.example"}
	ctx := context.Background()

	require.NoError(t, s.putRetryState(ctx, dest, retryRecord{Blacklisted: true}))
	require.NoError(t, s.Enqueue(ctx, dest, Item{Kind: ItemPDU, PDUID: "$event1"}))

	time.Sleep(50 * time.Millisecond)
	transport.mu.Lock()
	defer transport.mu.Unlock()
	assert.Empty(t, transport.sentTxns, "a blacklisted destination's queue is never drained")
}
