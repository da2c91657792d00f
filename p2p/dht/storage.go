package dht

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// Local store limits.
const (
	// DefaultEntryTTL applies when a STORE carries no TTL.
	DefaultEntryTTL = 24 * time.Hour
	// maxStoredValueBytes bounds a single entry.
	maxStoredValueBytes = 256 << 10
	// maxStoreBytes is the store-wide size ceiling.
	maxStoreBytes = 64 << 20
)

var storeBucket = []byte("dht_store")

// ErrValueTooLarge rejects oversized STORE values.
var ErrValueTooLarge = errors.New("dht: value exceeds size ceiling")

// ErrStoreFull rejects writes past the store-wide ceiling.
var ErrStoreFull = errors.New("dht: local store full")

// Storage is the bbolt-backed local key-value store behind STORE /
// FIND_VALUE. Expiry is lazy on read plus a periodic sweeper.
type Storage struct {
	db *bolt.DB
}

// OpenStorage opens (or creates) the store file at mode 0600.
func OpenStorage(path string) (*Storage, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "dht: open store %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(storeBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "dht: init store bucket")
	}
	return &Storage{db: db}, nil
}

// Put stores value under key with a TTL.
func (s *Storage) Put(key string, value []byte, ttl time.Duration) error {
	if len(value) > maxStoredValueBytes {
		return ErrValueTooLarge
	}
	if ttl <= 0 {
		ttl = DefaultEntryTTL
	}

	record := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(record, uint64(time.Now().Add(ttl).UnixMilli()))
	copy(record[8:], value)

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(storeBucket)
		if used := usedBytes(b); used+int64(len(record)) > maxStoreBytes {
			return ErrStoreFull
		}
		return b.Put([]byte(key), record)
	})
}

// Get returns the value for key, reaping it lazily when expired.
func (s *Storage) Get(key string) ([]byte, bool, error) {
	var value []byte
	var found, expired bool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(storeBucket).Get([]byte(key))
		if raw == nil {
			return nil
		}
		if recordExpired(raw, time.Now()) {
			expired = true
			return nil
		}
		found = true
		value = append([]byte(nil), raw[8:]...)
		return nil
	})
	if err != nil {
		return nil, false, errors.Wrap(err, "dht: get")
	}
	if expired {
		_ = s.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(storeBucket).Delete([]byte(key))
		})
	}
	return value, found, nil
}

// Sweep removes every expired entry; returns the count.
func (s *Storage) Sweep() (int, error) {
	now := time.Now()
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(storeBucket)
		c := b.Cursor()
		var dead [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if recordExpired(v, now) {
				dead = append(dead, append([]byte(nil), k...))
			}
		}
		for _, k := range dead {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, errors.Wrap(err, "dht: sweep")
}

// Close closes the backing file.
func (s *Storage) Close() error {
	return s.db.Close()
}

func recordExpired(raw []byte, now time.Time) bool {
	if len(raw) < 8 {
		return true
	}
	return now.UnixMilli() > int64(binary.BigEndian.Uint64(raw[:8]))
}

func usedBytes(b *bolt.Bucket) int64 {
	stats := b.Stats()
	return int64(stats.LeafInuse)
}
