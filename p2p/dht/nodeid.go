// Package dht implements the Kademlia overlay: 160-bit XOR routing,
// K-buckets with liveness-probed LRU, iterative α-parallel lookups and a
// TTL-bounded local store.
// dht 实现 Kademlia 覆盖网络。
package dht

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha1"
	"encoding/hex"
	"math/bits"

	"github.com/pkg/errors"
)

// IDBytes is the NodeId width: 160 bits.
const IDBytes = 20

// NodeID is the 160-bit routing identity, derived deterministically from a
// DID's public key. Distinct from the application-level DID: the two are
// linked but have independent lifecycles.
type NodeID [IDBytes]byte

// FromPublicKey derives the NodeID for an Ed25519 public key.
func FromPublicKey(pub ed25519.PublicKey) NodeID {
	return NodeID(sha1.Sum(pub))
}

// FromKey derives the NodeID a value key hashes to.
func FromKey(key string) NodeID {
	return NodeID(sha1.Sum([]byte(key)))
}

// ParseNodeID decodes a 40-char hex NodeID.
func ParseNodeID(s string) (NodeID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != IDBytes {
		return NodeID{}, errors.Errorf("dht: malformed node id %q", s)
	}
	var id NodeID
	copy(id[:], raw)
	return id, nil
}

func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// XOR returns the Kademlia distance between two ids.
func (id NodeID) XOR(other NodeID) NodeID {
	var out NodeID
	for i := range id {
		out[i] = id[i] ^ other[i]
	}
	return out
}

// BucketIndex is the index of the K-bucket other falls into relative to id:
// 159 for the most distant half of the space, 0 for the nearest non-equal
// id. Equal ids return -1.
func (id NodeID) BucketIndex(other NodeID) int {
	d := id.XOR(other)
	for i, b := range d {
		if b != 0 {
			return (IDBytes-1-i)*8 + (7 - bits.LeadingZeros8(b))
		}
	}
	return -1
}

// Less orders ids by distance to a target; used to sort candidate lists.
func Less(a, b, target NodeID) bool {
	da, db := a.XOR(target), b.XOR(target)
	return bytes.Compare(da[:], db[:]) < 0
}
