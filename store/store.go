// Package store provides database access to all persisted objects.
package store

import (
	"context"
	"time"

	"github.com/MoSiYuan/cis/internal/profile"
)

// Domain partitions memory entries. Private entries are encrypted at rest
// and never leave the node; Public entries may be published to peers.
type Domain string

const (
	DomainPrivate Domain = "private"
	DomainPublic  Domain = "public"
)

// Category classifies what a memory entry holds.
type Category string

const (
	CategoryContext          Category = "context"
	CategorySkill            Category = "skill"
	CategoryResult           Category = "result"
	CategoryError            Category = "error"
	CategoryConversationTurn Category = "conversation_turn"
)

// MemoryRow is the storage representation of a memory entry. For private
// entries Value holds ciphertext; the store never sees plaintext.
type MemoryRow struct {
	Namespace    string
	Key          string
	Value        []byte
	Domain       Domain
	Category     Category
	Source       string
	Verified     bool
	Embedding    []float32 // nil when not embedded
	CreatedAt    time.Time
	LastAccessed time.Time
	ExpiresAt    time.Time // zero = no TTL
}

// MemoryHit is a search result with its relevance score.
type MemoryHit struct {
	Row   MemoryRow
	Score float32
}

// Driver is an interface for store driver.
// Driver 是存储驱动接口。
type Driver interface {
	UpsertMemory(ctx context.Context, row *MemoryRow) error
	// UpsertMemoryBatch writes rows in one transaction on a dedicated
	// connection; used by the batch writer.
	UpsertMemoryBatch(ctx context.Context, rows []*MemoryRow) error
	GetMemory(ctx context.Context, namespace, key string) (*MemoryRow, error)
	DeleteMemory(ctx context.Context, namespace, key string) (bool, error)
	ListMemoryKeys(ctx context.Context, namespace, prefix string, domain Domain) ([]string, error)
	TouchMemory(ctx context.Context, namespace, key string, at time.Time) error

	// SearchMemoryLexical runs a full-text query scoped to namespace.
	SearchMemoryLexical(ctx context.Context, namespace, query string, limit int) ([]MemoryHit, error)
	// SearchMemoryVector returns the nearest entries to the query embedding.
	SearchMemoryVector(ctx context.Context, namespace string, embedding []float32, limit int) ([]MemoryHit, error)

	// DeleteExpiredMemory removes entries whose TTL elapsed before now.
	DeleteExpiredMemory(ctx context.Context, now time.Time) (int64, error)

	Close() error
}

// Store wraps a driver with profile context.
type Store struct {
	profile *profile.Profile
	driver  Driver
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{driver: driver, profile: profile}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Close() error {
	return s.driver.Close()
}
