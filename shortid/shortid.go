// Package shortid implements the bijection between long string
// identifiers (event ids, room ids, (event-type, state-key) pairs,
// state-hash bytes) and compact 64-bit integers.
//
// A short-id, once assigned, refers permanently to its preimage: it is
// never reused, and concurrent callers racing to create a short for the
// same preimage must observe the same value. The service is a struct of
// named, independently-typed views over one shared store, numbered by
// counter.Counter.
package shortid

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/matrixcore/homeservercore/internal/counter"
	"github.com/matrixcore/homeservercore/storage/kv"
)

// ErrNotFound is returned by reverse lookups on a short-id that was never
// created; the allocator never fabricates a value for an unknown short.
var ErrNotFound = fmt.Errorf("shortid: not found")

const (
	prefixEventFwd     = "se>" // long event id -> short
	prefixEventRev     = "se<" // short -> long event id
	prefixRoomFwd      = "sr>"
	prefixRoomRev      = "sr<"
	prefixStateKeyFwd  = "sk>" // "type\x00key" -> short
	prefixStateKeyRev  = "sk<"
	prefixStateHashFwd = "sh>" // hash bytes -> short
	prefixStateHashRev = "sh<"
)

// Service is safe for concurrent use.
type Service struct {
	store   *kv.Store
	counter *counter.Counter

	// stripes serialize concurrent allocation for the same preimage so
	// two callers racing on get_or_create never mint two shorts for one
	// long id.
	stripes [256]sync.Mutex
}

// New wraps a KV store and the process counter used to number new shorts.
func New(store *kv.Store, c *counter.Counter) *Service {
	return &Service{store: store, counter: c}
}

func (s *Service) stripe(key []byte) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write(key)
	return &s.stripes[h.Sum32()%uint32(len(s.stripes))]
}

func encodeShort(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func decodeShort(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func (s *Service) getOrCreate(ctx context.Context, fwdPrefix, revPrefix string, preimage []byte) (uint64, bool, error) {
	fwdKey := append([]byte(fwdPrefix), preimage...)
	if v, ok, err := s.store.Get(ctx, fwdKey); err != nil {
		return 0, false, err
	} else if ok {
		return decodeShort(v), false, nil
	}

	mu := s.stripe(fwdKey)
	mu.Lock()
	defer mu.Unlock()

	// re-check under the stripe lock: another goroutine may have won the race.
	if v, ok, err := s.store.Get(ctx, fwdKey); err != nil {
		return 0, false, err
	} else if ok {
		return decodeShort(v), false, nil
	}

	permit := s.counter.Next()
	defer permit.Release()
	short := permit.Value()
	shortKey := encodeShort(short)

	err := s.store.Cork(ctx, func(b *kv.Batch) error {
		if err := b.Put(fwdKey, shortKey); err != nil {
			return err
		}
		revKey := append([]byte(revPrefix), shortKey...)
		return b.Put(revKey, preimage)
	})
	if err != nil {
		return 0, false, err
	}
	return short, true, nil
}

func (s *Service) reverse(ctx context.Context, revPrefix string, short uint64) ([]byte, error) {
	key := append([]byte(revPrefix), encodeShort(short)...)
	v, ok, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

// GetOrCreateShortEvent returns the short-id for an event id, creating one
// if absent. existed reports whether it already existed.
func (s *Service) GetOrCreateShortEvent(ctx context.Context, eventID string) (short uint64, existed bool, err error) {
	v, created, err := s.getOrCreate(ctx, prefixEventFwd, prefixEventRev, []byte(eventID))
	return v, !created, err
}

func (s *Service) ShortToEventID(ctx context.Context, short uint64) (string, error) {
	b, err := s.reverse(ctx, prefixEventRev, short)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// GetOrCreateShortRoom returns the short-id for a room id, creating one if
// absent.
func (s *Service) GetOrCreateShortRoom(ctx context.Context, roomID string) (short uint64, existed bool, err error) {
	v, created, err := s.getOrCreate(ctx, prefixRoomFwd, prefixRoomRev, []byte(roomID))
	return v, !created, err
}

func (s *Service) ShortToRoomID(ctx context.Context, short uint64) (string, error) {
	b, err := s.reverse(ctx, prefixRoomRev, short)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// GetOrCreateShortStateKey returns the short-id for an (event-type,
// state-key) pair.
func (s *Service) GetOrCreateShortStateKey(ctx context.Context, eventType, stateKey string) (short uint64, existed bool, err error) {
	preimage := append([]byte(eventType), 0)
	preimage = append(preimage, []byte(stateKey)...)
	v, created, err := s.getOrCreate(ctx, prefixStateKeyFwd, prefixStateKeyRev, preimage)
	return v, !created, err
}

// ShortToStateKey returns the (event-type, state-key) pair for a short.
func (s *Service) ShortToStateKey(ctx context.Context, short uint64) (eventType, stateKey string, err error) {
	b, err := s.reverse(ctx, prefixStateKeyRev, short)
	if err != nil {
		return "", "", err
	}
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), string(b[i+1:]), nil
		}
	}
	return "", "", fmt.Errorf("shortid: corrupt state-key preimage")
}

// GetOrCreateShortStateHash returns the short-id for a state-hash's raw
// bytes, and whether it already existed.
func (s *Service) GetOrCreateShortStateHash(ctx context.Context, hashBytes []byte) (short uint64, alreadyExisted bool, err error) {
	v, created, err := s.getOrCreate(ctx, prefixStateHashFwd, prefixStateHashRev, hashBytes)
	return v, !created, err
}

func (s *Service) ShortToStateHash(ctx context.Context, short uint64) ([]byte, error) {
	return s.reverse(ctx, prefixStateHashRev, short)
}
