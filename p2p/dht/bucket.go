package dht

import (
	"container/list"
	"time"
)

// Bucket constants.
const (
	// K is the bucket capacity.
	K = 20
	// replacementCacheSize bounds the per-bucket standby list.
	replacementCacheSize = 8
)

// Contact is one routing-table entry.
type Contact struct {
	ID       NodeID
	DID      string
	Addr     string
	LastSeen time.Time
}

// bucket holds up to K contacts in least-recently-seen order (front =
// oldest) plus a replacement cache of candidates that arrived while full.
type bucket struct {
	entries      *list.List // of Contact
	replacements []Contact
}

func newBucket() *bucket {
	return &bucket{entries: list.New()}
}

func (b *bucket) len() int {
	return b.entries.Len()
}

func (b *bucket) find(id NodeID) *list.Element {
	for e := b.entries.Front(); e != nil; e = e.Next() {
		if e.Value.(Contact).ID == id {
			return e
		}
	}
	return nil
}

// touch moves a known contact to the tail (most recently seen) and updates
// its metadata. Returns false if unknown.
func (b *bucket) touch(c Contact) bool {
	e := b.find(c.ID)
	if e == nil {
		return false
	}
	c.LastSeen = time.Now()
	e.Value = c
	b.entries.MoveToBack(e)
	return true
}

// add inserts a new contact if the bucket has room. Returns false when
// full; the caller runs the liveness-probe protocol.
func (b *bucket) add(c Contact) bool {
	if b.entries.Len() >= K {
		return false
	}
	c.LastSeen = time.Now()
	b.entries.PushBack(c)
	return true
}

// oldest returns the least-recently-seen contact.
func (b *bucket) oldest() (Contact, bool) {
	front := b.entries.Front()
	if front == nil {
		return Contact{}, false
	}
	return front.Value.(Contact), true
}

// evictOldest removes the least-recently-seen entry and promotes a
// replacement if one is waiting.
func (b *bucket) evictOldest() {
	if front := b.entries.Front(); front != nil {
		b.entries.Remove(front)
	}
	if len(b.replacements) > 0 {
		c := b.replacements[0]
		b.replacements = b.replacements[1:]
		b.add(c)
	}
}

// deferCandidate parks a candidate in the replacement cache; a live bucket
// never evicts a responsive node for an unknown one.
func (b *bucket) deferCandidate(c Contact) {
	for _, r := range b.replacements {
		if r.ID == c.ID {
			return
		}
	}
	if len(b.replacements) >= replacementCacheSize {
		b.replacements = b.replacements[1:]
	}
	b.replacements = append(b.replacements, c)
}

// remove drops a contact (failed liveness) and backfills from the
// replacement cache.
func (b *bucket) remove(id NodeID) bool {
	e := b.find(id)
	if e == nil {
		return false
	}
	b.entries.Remove(e)
	if len(b.replacements) > 0 {
		c := b.replacements[0]
		b.replacements = b.replacements[1:]
		b.add(c)
	}
	return true
}

// contacts snapshots the bucket's entries.
func (b *bucket) contacts() []Contact {
	out := make([]Contact, 0, b.entries.Len())
	for e := b.entries.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(Contact))
	}
	return out
}
