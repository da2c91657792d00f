// Package memory implements the node's scoped memory service: a typed,
// domain-partitioned key-value store with private-domain encryption, an LRU
// cache, hybrid lexical+vector retrieval and a bounded batch writer.
// memory 实现节点的作用域记忆服务。
package memory

import (
	"time"

	"github.com/MoSiYuan/cis/store"
)

// Domain and category aliases; the storage layer owns the enum values.
type (
	Domain   = store.Domain
	Category = store.Category
)

const (
	DomainPrivate = store.DomainPrivate
	DomainPublic  = store.DomainPublic

	CategoryContext          = store.CategoryContext
	CategorySkill            = store.CategorySkill
	CategoryResult           = store.CategoryResult
	CategoryError            = store.CategoryError
	CategoryConversationTurn = store.CategoryConversationTurn
)

// Entry is a decrypted memory entry as seen by callers. For private entries
// Value is plaintext in process memory only; at rest and on the wire the
// value is ciphertext.
type Entry struct {
	Key          string
	Value        []byte
	Domain       Domain
	Category     Category
	Source       string
	Verified     bool
	Embedding    []float32
	CreatedAt    time.Time
	LastAccessed time.Time
	TTL          time.Duration
}

// Hit is a retrieval result with its combined relevance score.
type Hit struct {
	Entry      Entry
	FinalScore float32
	// Confidence is populated by the hallucination-reduction filter.
	Confidence float32
}

// SetOptions carries the optional attributes of a write.
type SetOptions struct {
	Category  Category
	Source    string
	Verified  bool
	TTL       time.Duration
	Embedding []float32
}
