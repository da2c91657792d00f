package dht

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Pinger probes a contact's liveness during bucket maintenance.
type Pinger interface {
	Ping(ctx context.Context, c Contact) error
}

// Table is the 160-bucket routing table. It is single-owner: all mutations
// funnel through Observe/Remove under one lock, and queries return snapshot
// copies.
type Table struct {
	self    NodeID
	mu      sync.Mutex
	buckets [IDBytes * 8]*bucket
	pinger  Pinger
}

// NewTable creates a routing table centered on self.
func NewTable(self NodeID, pinger Pinger) *Table {
	t := &Table{self: self, pinger: pinger}
	for i := range t.buckets {
		t.buckets[i] = newBucket()
	}
	return t
}

// Self returns the local NodeID.
func (t *Table) Self() NodeID {
	return t.self
}

// Observe records evidence that a contact is alive. Known contacts move to
// the bucket tail; new ones are inserted, or probed-and-deferred when the
// bucket is full: the oldest entry is pinged, and only an unresponsive
// oldest is evicted. Its slot goes to the first waiting replacement, if
// any; the newcomer is admitted only when a slot is still free after that.
func (t *Table) Observe(ctx context.Context, c Contact) {
	if c.ID == t.self {
		return
	}
	idx := t.self.BucketIndex(c.ID)
	if idx < 0 {
		return
	}

	t.mu.Lock()
	b := t.buckets[idx]
	if b.touch(c) || b.add(c) {
		t.mu.Unlock()
		return
	}
	oldest, _ := b.oldest()
	t.mu.Unlock()

	// Probe outside the lock; the table stays responsive during the ping.
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	err := t.ping(probeCtx, oldest)
	cancel()

	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		// Oldest answered: it stays, the candidate waits in the
		// replacement cache.
		b.touch(oldest)
		b.deferCandidate(c)
		return
	}
	b.remove(oldest.ID)
	b.add(c)
}

func (t *Table) ping(ctx context.Context, c Contact) error {
	if t.pinger == nil {
		return nil
	}
	return t.pinger.Ping(ctx, c)
}

// Remove drops a contact whose RPC failed.
func (t *Table) Remove(id NodeID) {
	idx := t.self.BucketIndex(id)
	if idx < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buckets[idx].remove(id)
}

// Closest returns up to n contacts nearest to target, by XOR distance.
func (t *Table) Closest(target NodeID, n int) []Contact {
	t.mu.Lock()
	var all []Contact
	for _, b := range t.buckets {
		all = append(all, b.contacts()...)
	}
	t.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		return Less(all[i].ID, all[j].ID, target)
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// Size counts live contacts.
func (t *Table) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, b := range t.buckets {
		n += b.len()
	}
	return n
}
