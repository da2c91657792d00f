package memory

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/MoSiYuan/cis/internal/cryptoutil"
	"github.com/MoSiYuan/cis/store"
)

// Embedder turns text into a fixed-dimension vector. Implemented by the
// vector package; optional — without it hybrid search degrades to lexical.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Publisher receives committed public entries for opportunistic propagation.
// The P2P layer implements it; the handle carries only this one capability.
type Publisher interface {
	PublishPublic(ctx context.Context, key string, value []byte) error
}

// entryCache is satisfied by both Cache[string, Entry] and ShardedCache.
type entryCache interface {
	Get(key string) (Entry, bool)
	Set(key string, value Entry, ttl time.Duration)
	Invalidate(key string) bool
	Purge() int
	Metrics() *Metrics
}

// Config configures the memory service.
type Config struct {
	// Key is the AEAD key protecting the private domain, derived from the
	// node identity. Required.
	Key []byte
	// CacheCapacity in entries; CacheBytes optional byte budget.
	CacheCapacity int
	CacheBytes    int64
	CacheTTL      time.Duration
	// Sharded switches the cache to hash(key)%N shards.
	Sharded    bool
	ShardCount int

	Embedder  Embedder
	Publisher Publisher
	Logger    *slog.Logger

	// Hybrid search weights; defaults 0.7 vector / 0.3 lexical.
	VectorWeight  float32
	LexicalWeight float32
}

// Service is the scoped memory service.
type Service struct {
	driver    store.Driver
	key       []byte
	cache     entryCache
	embedder  Embedder
	publisher Publisher
	logger    *slog.Logger
	batch     *BatchWriter

	vectorWeight  float32
	lexicalWeight float32
}

// NewService builds the service over a storage driver.
func NewService(driver store.Driver, cfg Config) (*Service, error) {
	if len(cfg.Key) != cryptoutil.KeySize {
		return nil, errors.Errorf("memory: key must be %d bytes", cryptoutil.KeySize)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.VectorWeight == 0 && cfg.LexicalWeight == 0 {
		cfg.VectorWeight, cfg.LexicalWeight = 0.7, 0.3
	}

	cacheCfg := CacheConfig[Entry]{
		Capacity:   cfg.CacheCapacity,
		ByteBudget: cfg.CacheBytes,
		DefaultTTL: cfg.CacheTTL,
		SizeOf:     func(e Entry) int64 { return int64(len(e.Value) + len(e.Key)) },
	}
	var cache entryCache
	if cfg.Sharded {
		cache = NewShardedCache[Entry](cfg.ShardCount, cacheCfg)
	} else {
		cache = NewCache[string, Entry](cacheCfg)
	}

	s := &Service{
		driver:        driver,
		key:           cfg.Key,
		cache:         cache,
		embedder:      cfg.Embedder,
		publisher:     cfg.Publisher,
		logger:        cfg.Logger,
		vectorWeight:  cfg.VectorWeight,
		lexicalWeight: cfg.LexicalWeight,
	}
	s.batch = NewBatchWriter(driver, BatchConfig{Logger: cfg.Logger})
	return s, nil
}

// SetPublisher wires the public-commit capability after construction; the
// runtime calls it once during startup wiring, before any traffic.
func (s *Service) SetPublisher(p Publisher) {
	s.publisher = p
}

// Set writes an entry under the caller's namespace. Private values are
// encrypted before they reach the storage layer; the plaintext only ever
// lives in this process.
func (s *Service) Set(ctx context.Context, ns Namespace, key string, value []byte, domain Domain, opts SetOptions) error {
	row, err := s.buildRow(ns, key, value, domain, opts)
	if err != nil {
		return err
	}
	if err := s.driver.UpsertMemory(ctx, row); err != nil {
		return err
	}

	qualified := ns.Qualify(key)
	entry := entryFromRow(row, value)
	if domain == DomainPublic {
		// Write-through for public, write-invalidate for private: a stale
		// ciphertext-derived entry must never linger after a key rotation.
		s.cache.Set(qualified, entry, opts.TTL)
	} else {
		s.cache.Invalidate(qualified)
	}

	if domain == DomainPublic && s.publisher != nil {
		if err := s.publisher.PublishPublic(ctx, qualified, value); err != nil {
			s.logger.Warn("public memory publication failed", "key", qualified, "error", err)
		}
	}
	return nil
}

// Get reads an entry. The cache dominates the disk copy until a write,
// delete or expiry invalidates it; misses read through and fill the cache.
func (s *Service) Get(ctx context.Context, ns Namespace, key string) (*Entry, error) {
	qualified := ns.Qualify(key)
	if entry, ok := s.cache.Get(qualified); ok {
		return &entry, nil
	}

	row, err := s.driver.GetMemory(ctx, ns.String(), key)
	if err != nil || row == nil {
		return nil, err
	}

	// Lazy TTL check on access.
	if !row.ExpiresAt.IsZero() && time.Now().After(row.ExpiresAt) {
		if _, err := s.driver.DeleteMemory(ctx, ns.String(), key); err != nil {
			s.logger.Warn("failed to reap expired entry", "key", qualified, "error", err)
		}
		return nil, nil
	}

	value := row.Value
	if row.Domain == DomainPrivate {
		value, err = cryptoutil.Decrypt(s.key, row.Value)
		if err != nil {
			return nil, errors.Wrapf(err, "decrypt %s", qualified)
		}
	}

	now := time.Now()
	if err := s.driver.TouchMemory(ctx, ns.String(), key, now); err != nil {
		s.logger.Warn("failed to touch entry", "key", qualified, "error", err)
	}

	entry := entryFromRow(row, value)
	entry.LastAccessed = now
	s.cache.Set(qualified, entry, ttlRemaining(row.ExpiresAt))
	return &entry, nil
}

// Delete removes an entry from store and cache atomically with respect to
// subsequent reads: the cache entry goes first, so no reader can refill from
// a row that is about to disappear and then observe the delete.
func (s *Service) Delete(ctx context.Context, ns Namespace, key string) (bool, error) {
	s.cache.Invalidate(ns.Qualify(key))
	return s.driver.DeleteMemory(ctx, ns.String(), key)
}

// Search is a lexical search confined to the caller's namespace unless
// publicScope widens it to every public entry on the node.
func (s *Service) Search(ctx context.Context, ns Namespace, query string, limit int, publicScope bool) ([]Hit, error) {
	scope := ns.String()
	if publicScope {
		scope = ""
	}
	hits, err := s.driver.SearchMemoryLexical(ctx, scope, query, limit)
	if err != nil {
		return nil, err
	}
	return s.decryptHits(hits)
}

// ListKeys lists user keys under the namespace with the given prefix.
func (s *Service) ListKeys(ctx context.Context, ns Namespace, prefix string, domain Domain) ([]string, error) {
	return s.driver.ListMemoryKeys(ctx, ns.String(), prefix, domain)
}

// BatchGet reads many keys; missing keys are skipped.
func (s *Service) BatchGet(ctx context.Context, ns Namespace, keys []string) (map[string]*Entry, error) {
	out := make(map[string]*Entry, len(keys))
	for _, key := range keys {
		entry, err := s.Get(ctx, ns, key)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			out[key] = entry
		}
	}
	return out, nil
}

// BatchSet submits writes to the bounded batch writer. Returns
// ErrQueueFull when the queue ceiling would be exceeded.
func (s *Service) BatchSet(ctx context.Context, ns Namespace, entries map[string][]byte, domain Domain, opts SetOptions) error {
	rows := make([]*store.MemoryRow, 0, len(entries))
	for key, value := range entries {
		row, err := s.buildRow(ns, key, value, domain, opts)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	if err := s.batch.Submit(rows); err != nil {
		return err
	}
	// Batch writes bypass the synchronous path; drop any cached copies so
	// readers refill from the store after the drain.
	for key := range entries {
		s.cache.Invalidate(ns.Qualify(key))
	}
	return nil
}

// SweepExpired reaps TTL-expired rows and purges the cache. Called from the
// runtime's periodic maintenance job.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	purged := s.cache.Purge()
	n, err := s.driver.DeleteExpiredMemory(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 || purged > 0 {
		s.logger.Debug("memory sweep", "rows", n, "cache_entries", purged)
	}
	return n, nil
}

// CacheMetrics exposes the cache counters.
func (s *Service) CacheMetrics() *Metrics {
	return s.cache.Metrics()
}

// Close stops the batch writer after draining it.
func (s *Service) Close() error {
	return s.batch.Close()
}

func (s *Service) buildRow(ns Namespace, key string, value []byte, domain Domain, opts SetOptions) (*store.MemoryRow, error) {
	if key == "" {
		return nil, errors.New("memory: key required")
	}
	if domain != DomainPrivate && domain != DomainPublic {
		return nil, errors.Errorf("memory: invalid domain %q", domain)
	}
	category := opts.Category
	if category == "" {
		category = CategoryContext
	}

	stored := value
	if domain == DomainPrivate {
		var err error
		stored, err = cryptoutil.Encrypt(s.key, value)
		if err != nil {
			return nil, errors.Wrap(err, "encrypt private entry")
		}
	}

	now := time.Now()
	row := &store.MemoryRow{
		Namespace:    ns.String(),
		Key:          key,
		Value:        stored,
		Domain:       domain,
		Category:     category,
		Source:       opts.Source,
		Verified:     opts.Verified,
		Embedding:    opts.Embedding,
		CreatedAt:    now,
		LastAccessed: now,
	}
	if opts.TTL > 0 {
		row.ExpiresAt = now.Add(opts.TTL)
	}
	return row, nil
}

func (s *Service) decryptHits(hits []store.MemoryHit) ([]Hit, error) {
	out := make([]Hit, 0, len(hits))
	for _, h := range hits {
		value := h.Row.Value
		if h.Row.Domain == DomainPrivate {
			var err error
			value, err = cryptoutil.Decrypt(s.key, h.Row.Value)
			if err != nil {
				return nil, errors.Wrapf(err, "decrypt hit %s/%s", h.Row.Namespace, h.Row.Key)
			}
		}
		out = append(out, Hit{Entry: entryFromRow(&h.Row, value), FinalScore: h.Score})
	}
	return out, nil
}

func entryFromRow(row *store.MemoryRow, plaintext []byte) Entry {
	return Entry{
		Key:          row.Key,
		Value:        plaintext,
		Domain:       row.Domain,
		Category:     row.Category,
		Source:       row.Source,
		Verified:     row.Verified,
		Embedding:    row.Embedding,
		CreatedAt:    row.CreatedAt,
		LastAccessed: row.LastAccessed,
		TTL:          ttlRemaining(row.ExpiresAt),
	}
}

func ttlRemaining(expiresAt time.Time) time.Duration {
	if expiresAt.IsZero() {
		return 0
	}
	return time.Until(expiresAt)
}
