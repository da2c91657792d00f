// Package p2p implements the node's overlay transport: QUIC connections
// with DID challenge/response authentication, length-prefixed frames,
// heartbeats and an ACL gate on every admission.
// p2p 实现节点间基于 QUIC 的认证互联层。
package p2p

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"
)

// Frame limits.
const (
	// MaxFrameBytes is the per-connection frame ceiling; oversized frames
	// drop the connection.
	MaxFrameBytes = 1 << 20

	lengthPrefixBytes = 4
)

// Message types.
const (
	TypeHello        = "hello"
	TypeDidChallenge = "did_challenge"
	TypeDidResponse  = "did_response"
	TypeHandshakeOK  = "handshake_ok"
	TypePing         = "ping"
	TypePong         = "pong"

	TypeFindNode       = "find_node"
	TypeFindNodeReply  = "find_node_reply"
	TypeStore          = "store"
	TypeStoreReply     = "store_reply"
	TypeFindValue      = "find_value"
	TypeFindValueReply = "find_value_reply"
)

// FrameTooLargeError reports an oversized frame; the connection owning it
// must be closed.
type FrameTooLargeError struct {
	Size int
}

func (e *FrameTooLargeError) Error() string {
	return fmt.Sprintf("p2p: frame of %d bytes exceeds ceiling %d", e.Size, MaxFrameBytes)
}

// Envelope is the unit of exchange on a connection: a type tag, a random
// request id for response correlation, and an opaque payload.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope wraps a payload value, assigning a fresh request id.
func NewEnvelope(msgType string, payload any) (*Envelope, error) {
	env := &Envelope{Type: msgType, RequestID: shortuuid.New()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrap(err, "p2p: marshal payload")
		}
		env.Payload = raw
	}
	return env, nil
}

// Reply builds a response envelope correlated to this request.
func (e *Envelope) Reply(msgType string, payload any) (*Envelope, error) {
	reply, err := NewEnvelope(msgType, payload)
	if err != nil {
		return nil, err
	}
	reply.RequestID = e.RequestID
	return reply, nil
}

// Decode unmarshals the payload into out.
func (e *Envelope) Decode(out any) error {
	return errors.Wrapf(json.Unmarshal(e.Payload, out), "p2p: decode %s payload", e.Type)
}

// WriteFrame writes one length-prefixed envelope.
func WriteFrame(w io.Writer, env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "p2p: marshal envelope")
	}
	if len(body) > MaxFrameBytes {
		return &FrameTooLargeError{Size: len(body)}
	}
	var prefix [lengthPrefixBytes]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return errors.Wrap(err, "p2p: write frame prefix")
	}
	_, err = w.Write(body)
	return errors.Wrap(err, "p2p: write frame body")
}

// ReadFrame reads one length-prefixed envelope, rejecting oversized frames
// before buffering them.
func ReadFrame(r io.Reader) (*Envelope, error) {
	var prefix [lengthPrefixBytes]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > MaxFrameBytes {
		return nil, &FrameTooLargeError{Size: int(size)}
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errors.Wrap(err, "p2p: read frame body")
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errors.Wrap(err, "p2p: parse envelope")
	}
	return &env, nil
}
