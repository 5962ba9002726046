package client

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
)

const correlatorShards = 16

// NewCorrelationID produces a globally-unique correlation token.
func NewCorrelationID() string {
	return uuid.NewString()
}

// correlationEntry maps a correlation id to the local ledger record it
// belongs to. resolved entries linger for a short window so a duplicate
// broadcast delivery can still be matched to the confirmed record.
type correlationEntry struct {
	localID   int64
	expiresAt time.Time
	resolved  bool
}

type correlatorShard struct {
	mu      sync.Mutex
	entries map[string]*correlationEntry
}

// Correlator tracks in-flight correlation ids process-wide. Sends and
// broadcasts for different conversations race on real threads, so the
// table is sharded. Purely in-memory, never persisted.
type Correlator struct {
	shards     [correlatorShards]correlatorShard
	pendingTTL time.Duration
	lingerTTL  time.Duration

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewCorrelator creates a correlator with the given expiry windows.
// pendingTTL bounds memory growth from abandoned sends whose network
// call never returns; lingerTTL is how long a resolved id stays around
// to absorb duplicate deliveries.
func NewCorrelator(pendingTTL, lingerTTL time.Duration) *Correlator {
	c := &Correlator{
		pendingTTL: pendingTTL,
		lingerTTL:  lingerTTL,
		shutdown:   make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i].entries = make(map[string]*correlationEntry)
	}

	c.wg.Add(1)
	go c.sweepLoop()

	return c
}

// DefaultCorrelator returns a correlator with the standard windows:
// 60s for pending sends, 30s linger after resolution.
func DefaultCorrelator() *Correlator {
	return NewCorrelator(60*time.Second, 30*time.Second)
}

func (c *Correlator) shard(correlationID string) *correlatorShard {
	h := fnv.New32a()
	h.Write([]byte(correlationID))
	return &c.shards[h.Sum32()%correlatorShards]
}

// Register stores a correlation id -> local record mapping with a timeout.
func (c *Correlator) Register(correlationID string, localID int64) {
	s := c.shard(correlationID)
	s.mu.Lock()
	s.entries[correlationID] = &correlationEntry{
		localID:   localID,
		expiresAt: time.Now().Add(c.pendingTTL),
	}
	s.mu.Unlock()
}

// Resolve looks up a correlation id without removing it. Both the
// network-response path and the broadcast path must be able to consult
// the mapping; removal is explicit via Forget or expiry.
func (c *Correlator) Resolve(correlationID string) (int64, bool) {
	s := c.shard(correlationID)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[correlationID]
	if !ok || time.Now().After(entry.expiresAt) {
		return 0, false
	}
	return entry.localID, true
}

// MarkResolved shortens an entry's expiry to the linger window. The
// entry stays resolvable so a second duplicate delivery of the same
// record is still recognized and absorbed.
func (c *Correlator) MarkResolved(correlationID string) {
	s := c.shard(correlationID)
	s.mu.Lock()
	if entry, ok := s.entries[correlationID]; ok && !entry.resolved {
		entry.resolved = true
		entry.expiresAt = time.Now().Add(c.lingerTTL)
	}
	s.mu.Unlock()
}

// Forget removes a mapping immediately.
func (c *Correlator) Forget(correlationID string) {
	s := c.shard(correlationID)
	s.mu.Lock()
	delete(s.entries, correlationID)
	s.mu.Unlock()
}

// Len returns the number of live entries across all shards.
func (c *Correlator) Len() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// sweepLoop periodically removes expired entries.
func (c *Correlator) sweepLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.sweep(time.Now())
		}
	}
}

func (c *Correlator) sweep(now time.Time) {
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for id, entry := range s.entries {
			if now.After(entry.expiresAt) {
				delete(s.entries, id)
			}
		}
		s.mu.Unlock()
	}
}

// Close stops the sweep goroutine.
func (c *Correlator) Close() {
	close(c.shutdown)
	c.wg.Wait()
}
