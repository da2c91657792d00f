package dht

import (
	"context"
	"crypto/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomID(t *testing.T) NodeID {
	t.Helper()
	var id NodeID
	_, err := rand.Read(id[:])
	require.NoError(t, err)
	return id
}

func TestNodeIDDerivation(t *testing.T) {
	pub := make([]byte, 32)
	_, err := rand.Read(pub)
	require.NoError(t, err)

	a := FromPublicKey(pub)
	b := FromPublicKey(pub)
	assert.Equal(t, a, b, "derivation is deterministic")

	parsed, err := ParseNodeID(a.String())
	require.NoError(t, err)
	assert.Equal(t, a, parsed)

	_, err = ParseNodeID("zz")
	assert.Error(t, err)
}

func TestBucketIndex(t *testing.T) {
	var zero NodeID
	assert.Equal(t, -1, zero.BucketIndex(zero))

	var far NodeID
	far[0] = 0x80
	assert.Equal(t, 159, zero.BucketIndex(far))

	var near NodeID
	near[IDBytes-1] = 0x01
	assert.Equal(t, 0, zero.BucketIndex(near))
}

func TestXORMetricSymmetry(t *testing.T) {
	a, b := randomID(t), randomID(t)
	assert.Equal(t, a.XOR(b), b.XOR(a))
	assert.Equal(t, NodeID{}, a.XOR(a))
}

type stubPinger struct {
	mu    sync.Mutex
	alive map[NodeID]bool
	pings []NodeID
}

func (p *stubPinger) Ping(_ context.Context, c Contact) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pings = append(p.pings, c.ID)
	if p.alive[c.ID] {
		return nil
	}
	return errors.New("dead")
}

func TestTableObserveAndClosest(t *testing.T) {
	self := randomID(t)
	table := NewTable(self, nil)

	var contacts []Contact
	for i := 0; i < 15; i++ {
		c := Contact{ID: randomID(t), DID: "did:cis:n:0011223344556677"}
		contacts = append(contacts, c)
		table.Observe(context.Background(), c)
	}
	assert.Equal(t, 15, table.Size())

	target := randomID(t)
	closest := table.Closest(target, 10)
	require.Len(t, closest, 10)
	for i := 1; i < len(closest); i++ {
		assert.True(t, Less(closest[i-1].ID, closest[i].ID, target) ||
			closest[i-1].ID == closest[i].ID, "closest list sorted by distance")
	}
	_ = contacts
}

func TestTableIgnoresSelf(t *testing.T) {
	self := randomID(t)
	table := NewTable(self, nil)
	table.Observe(context.Background(), Contact{ID: self})
	assert.Zero(t, table.Size())
}

func TestBucketFullLiveOldestIsKept(t *testing.T) {
	// Fill one bucket: ids sharing the same prefix-distance from self.
	var self NodeID
	pinger := &stubPinger{alive: map[NodeID]bool{}}
	table := NewTable(self, pinger)

	makeInBucket := func(b byte) Contact {
		var id NodeID
		id[0] = 0x80 // bucket 159
		id[IDBytes-1] = b
		return Contact{ID: id}
	}

	var oldest Contact
	for i := 0; i < K; i++ {
		c := makeInBucket(byte(i + 1))
		if i == 0 {
			oldest = c
		}
		pinger.alive[c.ID] = true
		table.Observe(context.Background(), c)
	}

	// Bucket full; candidate arrives; live oldest must survive.
	candidate := makeInBucket(200)
	table.Observe(context.Background(), candidate)

	ids := table.Closest(self, K+5)
	assert.True(t, containsContact(ids, oldest.ID), "live oldest kept")
	assert.False(t, containsContact(ids, candidate.ID), "candidate deferred to replacement cache")
	assert.NotEmpty(t, pinger.pings, "oldest was probed")
}

func TestBucketFullDeadOldestIsEvicted(t *testing.T) {
	var self NodeID
	pinger := &stubPinger{alive: map[NodeID]bool{}}
	table := NewTable(self, pinger)

	makeInBucket := func(b byte) Contact {
		var id NodeID
		id[0] = 0x80
		id[IDBytes-1] = b
		return Contact{ID: id}
	}

	var oldest Contact
	for i := 0; i < K; i++ {
		c := makeInBucket(byte(i + 1))
		if i == 0 {
			oldest = c
		}
		table.Observe(context.Background(), c)
	}
	// every ping fails: oldest is dead
	candidate := makeInBucket(200)
	table.Observe(context.Background(), candidate)

	ids := table.Closest(self, K+5)
	assert.False(t, containsContact(ids, oldest.ID), "dead oldest evicted")
	assert.True(t, containsContact(ids, candidate.ID), "candidate admitted")
}

func TestStoragePutGetTTL(t *testing.T) {
	s, err := OpenStorage(filepath.Join(t.TempDir(), "dht.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put("k", []byte("v"), time.Hour))
	value, ok, err := s.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), value)

	// Expired entries are reaped lazily on read.
	require.NoError(t, s.Put("short", []byte("v"), time.Millisecond))
	time.Sleep(10 * time.Millisecond)
	_, ok, err = s.Get("short")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStorageRejectsOversizedValue(t *testing.T) {
	s, err := OpenStorage(filepath.Join(t.TempDir(), "dht.db"))
	require.NoError(t, err)
	defer s.Close()

	err = s.Put("big", make([]byte, maxStoredValueBytes+1), time.Hour)
	assert.ErrorIs(t, err, ErrValueTooLarge)
}

func TestStorageSweep(t *testing.T) {
	s, err := OpenStorage(filepath.Join(t.TempDir(), "dht.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put("live", []byte("v"), time.Hour))
	require.NoError(t, s.Put("dead", []byte("v"), time.Millisecond))
	time.Sleep(10 * time.Millisecond)

	removed, err := s.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

// stubClient simulates a remote cluster in-process.
type stubClient struct {
	mu     sync.Mutex
	nodes  map[NodeID][]Contact // FindNode answers per contact
	values map[NodeID]map[string][]byte
	stores map[string][]byte
	probes int
}

func newStubClient() *stubClient {
	return &stubClient{
		nodes:  make(map[NodeID][]Contact),
		values: make(map[NodeID]map[string][]byte),
		stores: make(map[string][]byte),
	}
}

func (s *stubClient) Ping(context.Context, Contact) error { return nil }

func (s *stubClient) FindNode(_ context.Context, c Contact, _ NodeID) ([]Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes++
	return s.nodes[c.ID], nil
}

func (s *stubClient) FindValue(_ context.Context, c Contact, key string) ([]byte, []Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes++
	if vals, ok := s.values[c.ID]; ok {
		if v, ok := vals[key]; ok {
			return v, nil, nil
		}
	}
	return nil, s.nodes[c.ID], nil
}

func (s *stubClient) Store(_ context.Context, c Contact, key string, value []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stores[c.DID+"/"+key] = value
	return nil
}

func TestIterativeLookupConverges(t *testing.T) {
	self := Contact{ID: randomID(t), DID: "did:cis:self:0011223344556677"}
	client := newStubClient()
	d := New(Config{Self: self, Client: client})

	// Seed peers who each know more peers.
	target := randomID(t)
	var tier2 []Contact
	for i := 0; i < 5; i++ {
		tier2 = append(tier2, Contact{ID: randomID(t)})
	}
	for i := 0; i < 3; i++ {
		c := Contact{ID: randomID(t)}
		client.nodes[c.ID] = tier2
		d.AddPeer(context.Background(), c)
	}

	result := d.Lookup(context.Background(), target)
	assert.NotEmpty(t, result)
	// All discovered nodes made it into the routing table.
	assert.GreaterOrEqual(t, d.Table().Size(), 3)
}

func TestFindValueShortCircuits(t *testing.T) {
	self := Contact{ID: randomID(t), DID: "did:cis:self:0011223344556677"}
	client := newStubClient()
	d := New(Config{Self: self, Client: client})

	holder := Contact{ID: randomID(t), DID: "did:cis:holder:0011223344556677"}
	client.values[holder.ID] = map[string][]byte{"memory:public:k": []byte("v")}
	d.AddPeer(context.Background(), holder)
	for i := 0; i < 5; i++ {
		d.AddPeer(context.Background(), Contact{ID: randomID(t)})
	}

	value, err := d.GetValue(context.Background(), "memory:public:k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)
}

func TestGetValueNotFound(t *testing.T) {
	self := Contact{ID: randomID(t)}
	d := New(Config{Self: self, Client: newStubClient()})

	_, err := d.GetValue(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutValueReplicates(t *testing.T) {
	dir := t.TempDir()
	storage, err := OpenStorage(filepath.Join(dir, "dht.db"))
	require.NoError(t, err)
	defer storage.Close()

	self := Contact{ID: randomID(t), DID: "did:cis:self:0011223344556677"}
	client := newStubClient()
	d := New(Config{Self: self, Client: client, Storage: storage})

	for i := 0; i < 4; i++ {
		d.AddPeer(context.Background(), Contact{ID: randomID(t), DID: "did:cis:p:0011223344556677"})
	}

	require.NoError(t, d.PutValue(context.Background(), "memory:public:k", []byte("v"), time.Hour))

	// Local copy plus replicas on the closest peers.
	local, ok, err := storage.Get("memory:public:k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), local)
	assert.NotEmpty(t, client.stores)
}
