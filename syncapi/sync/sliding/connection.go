// Package sliding implements the sliding-sync (v5, MSC4186) variant,
// layered on top of package sync's room-delta machinery rather than
// duplicating it: a connection here tracks which lists/subscriptions a
// client has configured and which rooms it already knows about, and
// package sync answers "what changed in room X since count N" the same
// way it does for the long-poll path.
//
// Connections idle past a TTL are evicted by a background goroutine.
package sliding

import (
	"sync"
	"time"
)

// Connection is one sliding-sync connection's accumulated state: its list
// configurations, the rooms it has already been sent ("known"), and any
// explicit room subscriptions, kept across requests so each response can
// be computed as a delta against what the client already has.
type Connection struct {
	mu            sync.Mutex
	Lists         map[string]ListState
	Subscriptions map[string]bool
	lastSeen      time.Time
	requestCount  int64
}

// NextPosition increments and returns this connection's request counter,
// the ConnPos half of a SlidingToken.
func (c *Connection) NextPosition() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestCount++
	return c.requestCount
}

// ListState is one named list's last-requested window and per-room
// delivery positions. It keeps no room ordering, so each response resends
// the list's whole window as one SYNC op rather than INSERT/DELETE ops.
type ListState struct {
	Range [2]int
	// RoomSince records, per room this list has already sent at least
	// once, the stream position delivered up to so far; a room absent
	// from this map has never been sent on this connection and gets a
	// full-state initial payload.
	RoomSince map[string]uint64
}

func newConnection() *Connection {
	return &Connection{
		Lists:         make(map[string]ListState),
		Subscriptions: make(map[string]bool),
		lastSeen:      time.Now(),
	}
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *Connection) idleSince() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastSeen)
}

// Store holds every active connection, keyed by (user, device, conn_id) so
// the same device can run multiple independent sliding-sync connections
// (conn_id multiplexing), and evicts connections idle past
// its TTL in a background goroutine.
type Store struct {
	mu    sync.Mutex
	conns map[string]*Connection
	ttl   time.Duration

	stop chan struct{}
	once sync.Once
}

// NewStore starts a Store whose idle connections are evicted every
// sweepInterval once they have been idle longer than ttl. Callers must
// call Close when done to stop the background goroutine.
func NewStore(ttl, sweepInterval time.Duration) *Store {
	s := &Store{
		conns: make(map[string]*Connection),
		ttl:   ttl,
		stop:  make(chan struct{}),
	}
	go s.evictLoop(sweepInterval)
	return s
}

func connKey(userID, deviceID, connID string) string {
	return userID + "\x00" + deviceID + "\x00" + connID
}

// Get returns the connection for (userID, deviceID, connID), creating one
// on first use (an empty connection behaves as an initial sliding sync).
func (s *Store) Get(userID, deviceID, connID string) *Connection {
	key := connKey(userID, deviceID, connID)
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[key]
	if !ok {
		c = newConnection()
		s.conns[key] = c
	}
	c.touch()
	return c
}

// Reset discards a connection's cached state, forcing the next request on
// it to behave as an initial sync (used when a client sends pos="" on an
// existing conn_id, signalling it has lost its local cache).
func (s *Store) Reset(userID, deviceID, connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, connKey(userID, deviceID, connID))
}

func (s *Store) evictLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.evictIdle()
		}
	}
}

func (s *Store) evictIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, c := range s.conns {
		if c.idleSince() > s.ttl {
			delete(s.conns, key)
		}
	}
}

// Close stops the eviction goroutine. Safe to call more than once.
func (s *Store) Close() {
	s.once.Do(func() { close(s.stop) })
}
