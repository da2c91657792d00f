package dht

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/MoSiYuan/cis/p2p"
)

// Wire payloads for Kademlia RPCs. Every request rides an envelope with a
// random request id; responses are matched to pending oneshots by the
// transport.
type contactDTO struct {
	NodeID string `json:"node_id"`
	DID    string `json:"did"`
	Addr   string `json:"addr"`
}

type findNodeReq struct {
	Target string `json:"target"`
}

type findNodeReply struct {
	Nodes []contactDTO `json:"nodes"`
}

type storeReq struct {
	Key        string `json:"key"`
	Value      []byte `json:"value"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

type storeReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type findValueReq struct {
	Key string `json:"key"`
}

type findValueReply struct {
	Value []byte       `json:"value,omitempty"`
	Found bool         `json:"found"`
	Nodes []contactDTO `json:"nodes,omitempty"`
}

func toDTO(c Contact) contactDTO {
	return contactDTO{NodeID: c.ID.String(), DID: c.DID, Addr: c.Addr}
}

func fromDTO(d contactDTO) (Contact, error) {
	id, err := ParseNodeID(d.NodeID)
	if err != nil {
		return Contact{}, err
	}
	return Contact{ID: id, DID: d.DID, Addr: d.Addr}, nil
}

func fromDTOs(ds []contactDTO) []Contact {
	out := make([]Contact, 0, len(ds))
	for _, d := range ds {
		if c, err := fromDTO(d); err == nil {
			out = append(out, c)
		}
	}
	return out
}

// Client issues Kademlia RPCs to remote contacts.
type Client interface {
	Ping(ctx context.Context, c Contact) error
	FindNode(ctx context.Context, c Contact, target NodeID) ([]Contact, error)
	FindValue(ctx context.Context, c Contact, key string) ([]byte, []Contact, error)
	Store(ctx context.Context, c Contact, key string, value []byte, ttl time.Duration) error
}

// transportClient runs RPCs over the authenticated QUIC transport,
// dialing the contact's address when no connection exists yet.
type transportClient struct {
	transport *p2p.Transport
	logger    *slog.Logger
}

// NewClient builds a Client over the transport.
func NewClient(transport *p2p.Transport, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &transportClient{transport: transport, logger: logger}
}

func (tc *transportClient) ensureConn(ctx context.Context, c Contact) error {
	if _, ok := tc.transport.Conn(c.DID); ok {
		return nil
	}
	if c.Addr == "" {
		return errors.Errorf("dht: no address for %s", c.DID)
	}
	_, err := tc.transport.Dial(ctx, c.Addr)
	return err
}

func (tc *transportClient) request(ctx context.Context, c Contact, msgType string, payload any) (*p2p.Envelope, error) {
	if err := tc.ensureConn(ctx, c); err != nil {
		return nil, err
	}
	env, err := p2p.NewEnvelope(msgType, payload)
	if err != nil {
		return nil, err
	}
	return tc.transport.Request(ctx, c.DID, env)
}

func (tc *transportClient) Ping(ctx context.Context, c Contact) error {
	_, err := tc.request(ctx, c, p2p.TypePing, nil)
	return err
}

func (tc *transportClient) FindNode(ctx context.Context, c Contact, target NodeID) ([]Contact, error) {
	resp, err := tc.request(ctx, c, p2p.TypeFindNode, findNodeReq{Target: target.String()})
	if err != nil {
		return nil, err
	}
	var reply findNodeReply
	if err := resp.Decode(&reply); err != nil {
		return nil, err
	}
	return fromDTOs(reply.Nodes), nil
}

func (tc *transportClient) FindValue(ctx context.Context, c Contact, key string) ([]byte, []Contact, error) {
	resp, err := tc.request(ctx, c, p2p.TypeFindValue, findValueReq{Key: key})
	if err != nil {
		return nil, nil, err
	}
	var reply findValueReply
	if err := resp.Decode(&reply); err != nil {
		return nil, nil, err
	}
	if reply.Found {
		return reply.Value, nil, nil
	}
	return nil, fromDTOs(reply.Nodes), nil
}

func (tc *transportClient) Store(ctx context.Context, c Contact, key string, value []byte, ttl time.Duration) error {
	resp, err := tc.request(ctx, c, p2p.TypeStore, storeReq{
		Key: key, Value: value, TTLSeconds: int64(ttl / time.Second),
	})
	if err != nil {
		return err
	}
	var reply storeReply
	if err := resp.Decode(&reply); err != nil {
		return err
	}
	if !reply.OK {
		return errors.Errorf("dht: store rejected by %s: %s", c.DID, reply.Error)
	}
	return nil
}
