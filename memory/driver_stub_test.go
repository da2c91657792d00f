package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MoSiYuan/cis/store"
)

// stubDriver is an in-memory store.Driver for tests.
type stubDriver struct {
	mu      sync.Mutex
	rows    map[string]*store.MemoryRow // namespace + "\x00" + key
	batches [][]*store.MemoryRow
	failing bool
}

func newStubDriver() *stubDriver {
	return &stubDriver{rows: make(map[string]*store.MemoryRow)}
}

func (d *stubDriver) key(ns, key string) string { return ns + "\x00" + key }

func (d *stubDriver) UpsertMemory(_ context.Context, row *store.MemoryRow) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *row
	d.rows[d.key(row.Namespace, row.Key)] = &cp
	return nil
}

func (d *stubDriver) UpsertMemoryBatch(ctx context.Context, rows []*store.MemoryRow) error {
	d.mu.Lock()
	failing := d.failing
	d.mu.Unlock()
	if failing {
		return errStubFailing
	}
	for _, row := range rows {
		if err := d.UpsertMemory(ctx, row); err != nil {
			return err
		}
	}
	d.mu.Lock()
	d.batches = append(d.batches, rows)
	d.mu.Unlock()
	return nil
}

func (d *stubDriver) GetMemory(_ context.Context, ns, key string) (*store.MemoryRow, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	row, ok := d.rows[d.key(ns, key)]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (d *stubDriver) DeleteMemory(_ context.Context, ns, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := d.key(ns, key)
	_, ok := d.rows[k]
	delete(d.rows, k)
	return ok, nil
}

func (d *stubDriver) ListMemoryKeys(_ context.Context, ns, prefix string, domain store.Domain) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var keys []string
	for _, row := range d.rows {
		if row.Namespace != ns || !strings.HasPrefix(row.Key, prefix) {
			continue
		}
		if domain != "" && row.Domain != domain {
			continue
		}
		keys = append(keys, row.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (d *stubDriver) TouchMemory(_ context.Context, ns, key string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if row, ok := d.rows[d.key(ns, key)]; ok {
		row.LastAccessed = at
	}
	return nil
}

func (d *stubDriver) SearchMemoryLexical(_ context.Context, ns, query string, limit int) ([]store.MemoryHit, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var hits []store.MemoryHit
	for _, row := range d.rows {
		if ns != "" && row.Namespace != ns {
			continue
		}
		if row.Domain != store.DomainPublic {
			continue
		}
		if strings.Contains(string(row.Value), query) {
			hits = append(hits, store.MemoryHit{Row: *row, Score: 1.0})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Row.Key < hits[j].Row.Key })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (d *stubDriver) SearchMemoryVector(_ context.Context, ns string, embedding []float32, limit int) ([]store.MemoryHit, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var hits []store.MemoryHit
	for _, row := range d.rows {
		if row.Namespace != ns || len(row.Embedding) == 0 {
			continue
		}
		var dot float32
		for i := range embedding {
			if i < len(row.Embedding) {
				dot += embedding[i] * row.Embedding[i]
			}
		}
		hits = append(hits, store.MemoryHit{Row: *row, Score: dot})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (d *stubDriver) DeleteExpiredMemory(_ context.Context, now time.Time) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var n int64
	for k, row := range d.rows {
		if !row.ExpiresAt.IsZero() && row.ExpiresAt.Before(now) {
			delete(d.rows, k)
			n++
		}
	}
	return n, nil
}

func (d *stubDriver) Close() error { return nil }

var errStubFailing = &stubError{"stub driver failing"}

type stubError struct{ msg string }

func (e *stubError) Error() string { return e.msg }
