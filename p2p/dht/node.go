package dht

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/MoSiYuan/cis/p2p"
)

// Lookup parameters.
const (
	// Alpha is the lookup parallelism.
	Alpha = 3
	// maxLookupRounds bounds a lookup to O(log N) rounds with margin.
	maxLookupRounds = 20

	rpcTimeout = 5 * time.Second
)

// ErrNotFound means no responder held the value.
var ErrNotFound = errors.New("dht: value not found")

// DHT is the node-local Kademlia participant.
type DHT struct {
	self    Contact
	table   *Table
	storage *Storage
	client  Client
	logger  *slog.Logger
}

// Config configures a DHT node.
type Config struct {
	Self    Contact
	Storage *Storage
	Client  Client
	Logger  *slog.Logger
}

// New creates the DHT node.
func New(cfg Config) *DHT {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	d := &DHT{
		self:    cfg.Self,
		storage: cfg.Storage,
		client:  cfg.Client,
		logger:  cfg.Logger,
	}
	d.table = NewTable(cfg.Self.ID, pingAdapter{cfg.Client})
	return d
}

type pingAdapter struct{ c Client }

func (p pingAdapter) Ping(ctx context.Context, c Contact) error {
	if p.c == nil {
		return nil
	}
	return p.c.Ping(ctx, c)
}

// Table exposes the routing table.
func (d *DHT) Table() *Table {
	return d.table
}

// AddPeer seeds the routing table with a known contact.
func (d *DHT) AddPeer(ctx context.Context, c Contact) {
	d.table.Observe(ctx, c)
}

// Lookup runs an iterative FIND_NODE toward target with α parallel probes,
// returning the K closest contacts found.
func (d *DHT) Lookup(ctx context.Context, target NodeID) []Contact {
	result, _ := d.iterate(ctx, target, "", nil)
	return result
}

// GetValue runs an iterative FIND_VALUE; it short-circuits the moment any
// responder returns the value. The local store is consulted first.
func (d *DHT) GetValue(ctx context.Context, key string) ([]byte, error) {
	if d.storage != nil {
		if value, ok, err := d.storage.Get(key); err == nil && ok {
			return value, nil
		}
	}

	var value []byte
	_, found := d.iterate(ctx, FromKey(key), key, &value)
	if !found {
		return nil, ErrNotFound
	}
	return value, nil
}

// PutValue stores locally, then replicates to the K closest nodes to the
// key.
func (d *DHT) PutValue(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if d.storage != nil {
		if err := d.storage.Put(key, value, ttl); err != nil {
			return err
		}
	}

	closest := d.Lookup(ctx, FromKey(key))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	for _, c := range closest {
		wg.Add(1)
		go func(c Contact) {
			defer wg.Done()
			rpcCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
			defer cancel()
			if err := d.client.Store(rpcCtx, c, key, value, ttl); err != nil {
				d.logger.Debug("dht store replica failed", "peer", c.DID, "error", err)
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()
	if len(closest) == 0 {
		return nil // single-node cluster: local store is the replica set
	}
	return firstErr
}

// iterate is the shared lookup engine. With key != "" it issues FIND_VALUE
// and short-circuits into *valueOut on the first responder holding the
// value; otherwise it issues FIND_NODE.
func (d *DHT) iterate(ctx context.Context, target NodeID, key string, valueOut *[]byte) ([]Contact, bool) {
	shortlist := d.table.Closest(target, K)
	queried := map[NodeID]bool{d.self.ID: true}

	for round := 0; round < maxLookupRounds; round++ {
		// Pick the α closest unqueried candidates.
		var batch []Contact
		for _, c := range shortlist {
			if len(batch) == Alpha {
				break
			}
			if !queried[c.ID] {
				batch = append(batch, c)
			}
		}
		if len(batch) == 0 {
			break
		}

		type probeResult struct {
			from  Contact
			nodes []Contact
			value []byte
			found bool
			err   error
		}
		results := make(chan probeResult, len(batch))
		for _, c := range batch {
			queried[c.ID] = true
			go func(c Contact) {
				rpcCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
				defer cancel()
				if key != "" {
					value, nodes, err := d.client.FindValue(rpcCtx, c, key)
					results <- probeResult{from: c, nodes: nodes, value: value, found: err == nil && value != nil, err: err}
					return
				}
				nodes, err := d.client.FindNode(rpcCtx, c, target)
				results <- probeResult{from: c, nodes: nodes, err: err}
			}(c)
		}

		for range batch {
			r := <-results
			if r.err != nil {
				d.table.Remove(r.from.ID)
				continue
			}
			d.table.Observe(ctx, r.from)
			if r.found {
				if valueOut != nil {
					*valueOut = r.value
				}
				return shortlist, true
			}
			for _, n := range r.nodes {
				if n.ID == d.self.ID || containsContact(shortlist, n.ID) {
					continue
				}
				shortlist = append(shortlist, n)
			}
		}

		sort.Slice(shortlist, func(i, j int) bool {
			return Less(shortlist[i].ID, shortlist[j].ID, target)
		})
		if len(shortlist) > K {
			shortlist = shortlist[:K]
		}
		// The lookup ends once every shortlisted contact has been queried
		// (empty batch above) or the round budget is spent.
	}
	return shortlist, false
}

func containsContact(cs []Contact, id NodeID) bool {
	for _, c := range cs {
		if c.ID == id {
			return true
		}
	}
	return false
}

// HandleRPC serves the Kademlia message set; wired into the transport's
// handler. Returns true when the envelope was a DHT message.
func (d *DHT) HandleRPC(conn *p2p.Conn, env *p2p.Envelope) bool {
	switch env.Type {
	case p2p.TypeFindNode:
		var req findNodeReq
		if err := env.Decode(&req); err != nil {
			return true
		}
		target, err := ParseNodeID(req.Target)
		if err != nil {
			return true
		}
		nodes := d.table.Closest(target, K)
		dtos := make([]contactDTO, 0, len(nodes))
		for _, n := range nodes {
			dtos = append(dtos, toDTO(n))
		}
		d.reply(conn, env, p2p.TypeFindNodeReply, findNodeReply{Nodes: dtos})
		return true

	case p2p.TypeStore:
		var req storeReq
		if err := env.Decode(&req); err != nil {
			return true
		}
		reply := storeReply{OK: true}
		if d.storage != nil {
			if err := d.storage.Put(req.Key, req.Value, time.Duration(req.TTLSeconds)*time.Second); err != nil {
				reply = storeReply{OK: false, Error: err.Error()}
			}
		}
		d.reply(conn, env, p2p.TypeStoreReply, reply)
		return true

	case p2p.TypeFindValue:
		var req findValueReq
		if err := env.Decode(&req); err != nil {
			return true
		}
		if d.storage != nil {
			if value, ok, err := d.storage.Get(req.Key); err == nil && ok {
				d.reply(conn, env, p2p.TypeFindValueReply, findValueReply{Value: value, Found: true})
				return true
			}
		}
		nodes := d.table.Closest(FromKey(req.Key), K)
		dtos := make([]contactDTO, 0, len(nodes))
		for _, n := range nodes {
			dtos = append(dtos, toDTO(n))
		}
		d.reply(conn, env, p2p.TypeFindValueReply, findValueReply{Nodes: dtos})
		return true
	}
	return false
}

func (d *DHT) reply(conn *p2p.Conn, req *p2p.Envelope, msgType string, payload any) {
	env, err := req.Reply(msgType, payload)
	if err != nil {
		d.logger.Warn("dht reply marshal failed", "type", msgType, "error", err)
		return
	}
	if err := conn.Send(env); err != nil {
		d.logger.Debug("dht reply send failed", "type", msgType, "error", err)
	}
}

// SweepExpired reaps expired store entries; called from runtime
// maintenance.
func (d *DHT) SweepExpired() (int, error) {
	if d.storage == nil {
		return 0, nil
	}
	return d.storage.Sweep()
}
