// Package compressor stores compressed room-state snapshots: a room's
// state is represented as a short-state-hash pointing to a layer record
// (parent + added/removed diff), with re-basing once the chain grows
// past a configured depth. Materialization walks up the parent chain and
// applies diffs leaf-wards.
package compressor

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/matrixcore/homeservercore/shortid"
	"github.com/matrixcore/homeservercore/storage/kv"
)

// MaxChainDepth caps the layer chain; save re-bases above it. The cap
// trades read amplification for write amplification.
const MaxChainDepth = 100

// Entry is a (short-state-key, short-event-id) pair: one slot in a state
// snapshot.
type Entry struct {
	StateKeyNID uint64
	EventNID    uint64
}

// layer is the persisted diff record one short-state-hash points to.
type layer struct {
	Parent  *uint64 `json:"parent,omitempty"`
	Added   []Entry `json:"added"`
	Removed []Entry `json:"removed"`
	Depth   int     `json:"depth"`
}

const prefixLayer = "sc:layer:"

// Compressor computes and persists compressed state snapshots.
type Compressor struct {
	kv      *kv.Store
	shortID *shortid.Service
}

func New(store *kv.Store, sid *shortid.Service) *Compressor {
	return &Compressor{kv: store, shortID: sid}
}

func layerKey(shortHash uint64) []byte {
	var b [8 + len(prefixLayer)]byte
	copy(b[:], prefixLayer)
	binary.BigEndian.PutUint64(b[len(prefixLayer):], shortHash)
	return b[:]
}

func sortEntries(e []Entry) {
	sort.Slice(e, func(i, j int) bool {
		if e[i].StateKeyNID != e[j].StateKeyNID {
			return e[i].StateKeyNID < e[j].StateKeyNID
		}
		return e[i].EventNID < e[j].EventNID
	})
}

// contentHash is deterministic: the same full state set always hashes to
// the same bytes, which is what makes SaveState idempotent.
func contentHash(full []Entry) []byte {
	sortEntries(full)
	h := sha256.New()
	for _, e := range full {
		var b [16]byte
		binary.BigEndian.PutUint64(b[:8], e.StateKeyNID)
		binary.BigEndian.PutUint64(b[8:], e.EventNID)
		h.Write(b[:])
	}
	return h.Sum(nil)
}

func (c *Compressor) getLayer(ctx context.Context, shortHash uint64) (*layer, error) {
	v, ok, err := c.kv.Get(ctx, layerKey(shortHash))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("compressor: no layer for short-state-hash %d", shortHash)
	}
	var l layer
	if err := json.Unmarshal(v, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func (c *Compressor) putLayer(ctx context.Context, shortHash uint64, l layer) error {
	b, err := json.Marshal(l)
	if err != nil {
		return err
	}
	return c.kv.Put(ctx, layerKey(shortHash), b)
}

// LoadFull materializes the full state at a short-state-hash by walking
// the parent chain and applying diffs leaf-wards (base first, then each
// child's added/removed on top).
func (c *Compressor) LoadFull(ctx context.Context, shortHash uint64) ([]Entry, error) {
	var chain []*layer
	cur := shortHash
	for {
		l, err := c.getLayer(ctx, cur)
		if err != nil {
			return nil, err
		}
		chain = append(chain, l)
		if l.Parent == nil {
			break
		}
		cur = *l.Parent
	}
	// chain is leaf-to-root; apply root-to-leaf.
	state := map[Entry]struct{}{}
	for i := len(chain) - 1; i >= 0; i-- {
		l := chain[i]
		for _, e := range l.Removed {
			delete(state, e)
		}
		for _, e := range l.Added {
			state[e] = struct{}{}
		}
	}
	out := make([]Entry, 0, len(state))
	for e := range state {
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

// Diff returns the entries added and removed going from the full state at
// a to the full state at b.
func (c *Compressor) Diff(ctx context.Context, a, b uint64) (added, removed []Entry, err error) {
	sa, err := c.LoadFull(ctx, a)
	if err != nil {
		return nil, nil, err
	}
	sb, err := c.LoadFull(ctx, b)
	if err != nil {
		return nil, nil, err
	}
	return diffSets(sa, sb)
}

func diffSets(from, to []Entry) (added, removed []Entry, err error) {
	fromSet := make(map[Entry]struct{}, len(from))
	for _, e := range from {
		fromSet[e] = struct{}{}
	}
	toSet := make(map[Entry]struct{}, len(to))
	for _, e := range to {
		toSet[e] = struct{}{}
		if _, ok := fromSet[e]; !ok {
			added = append(added, e)
		}
	}
	for _, e := range from {
		if _, ok := toSet[e]; !ok {
			removed = append(removed, e)
		}
	}
	sortEntries(added)
	sortEntries(removed)
	return added, removed, nil
}

// SaveState persists newFullState as a compressed snapshot relative to
// prevShortHash (the room's previous current-state; pass nil for a room's
// first snapshot). It returns the new short-state-hash plus the
// added/removed entries relative to prevShortHash.
//
// SaveState is deterministic and idempotent: an identical newFullState
// passed again (even after a restart) hashes to, and is assigned, the
// same short-state-hash, since short-state-hash allocation itself is
// content-addressed (shortid.GetOrCreateShortStateHash).
func (c *Compressor) SaveState(ctx context.Context, prevShortHash *uint64, newFullState []Entry) (shortHash uint64, added, removed []Entry, err error) {
	hashBytes := contentHash(newFullState)
	shortHash, alreadyExisted, err := c.shortID.GetOrCreateShortStateHash(ctx, hashBytes)
	if err != nil {
		return 0, nil, nil, err
	}

	if prevShortHash != nil {
		prevFull, err := c.LoadFull(ctx, *prevShortHash)
		if err != nil {
			return 0, nil, nil, err
		}
		added, removed, err = diffSets(prevFull, newFullState)
		if err != nil {
			return 0, nil, nil, err
		}
	} else {
		added = append(added, newFullState...)
		sortEntries(added)
	}

	if alreadyExisted {
		// Idempotent: the layer for this content already exists, do not
		// write it again (and in particular do not re-parent it to a
		// different prevShortHash, which would corrupt other snapshots
		// sharing this hash).
		return shortHash, added, removed, nil
	}

	depth := 0
	var parent *uint64
	if prevShortHash != nil {
		prevLayer, err := c.getLayer(ctx, *prevShortHash)
		if err != nil {
			return 0, nil, nil, err
		}
		depth = prevLayer.Depth + 1
		p := *prevShortHash
		parent = &p
	}

	if depth >= MaxChainDepth {
		// Re-base: materialize the full new state as a parentless base
		// layer instead of diffing against prevShortHash, trading write
		// amplification now for bounded read amplification later.
		full := append([]Entry{}, newFullState...)
		sortEntries(full)
		if err := c.putLayer(ctx, shortHash, layer{Added: full, Depth: 0}); err != nil {
			return 0, nil, nil, err
		}
		return shortHash, added, removed, nil
	}

	if err := c.putLayer(ctx, shortHash, layer{Parent: parent, Added: added, Removed: removed, Depth: depth}); err != nil {
		return 0, nil, nil, err
	}
	return shortHash, added, removed, nil
}
