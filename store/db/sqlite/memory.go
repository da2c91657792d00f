package sqlite

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/MoSiYuan/cis/store"
)

const memoryColumns = `namespace, key, value, domain, category, source, verified, embedding, created_at, last_accessed, expires_at`

func (d *DB) UpsertMemory(ctx context.Context, row *store.MemoryRow) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback()

	if err := upsertMemoryTx(ctx, tx, row); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit")
}

// UpsertMemoryBatch writes rows in one transaction on the dedicated batch
// connection, keeping bulk drains off the read pool.
func (d *DB) UpsertMemoryBatch(ctx context.Context, rows []*store.MemoryRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := d.batchConn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin batch")
	}
	defer tx.Rollback()

	for _, row := range rows {
		if err := upsertMemoryTx(ctx, tx, row); err != nil {
			return err
		}
	}
	return errors.Wrap(tx.Commit(), "commit batch")
}

func upsertMemoryTx(ctx context.Context, tx *sql.Tx, row *store.MemoryRow) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO memory_entry (`+memoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (namespace, key) DO UPDATE SET
			value = excluded.value,
			domain = excluded.domain,
			category = excluded.category,
			source = excluded.source,
			verified = excluded.verified,
			embedding = excluded.embedding,
			last_accessed = excluded.last_accessed,
			expires_at = excluded.expires_at`,
		row.Namespace, row.Key, row.Value, string(row.Domain), string(row.Category),
		row.Source, boolToInt(row.Verified), encodeEmbedding(row.Embedding),
		row.CreatedAt.UnixMilli(), row.LastAccessed.UnixMilli(), expiryMilli(row.ExpiresAt),
	)
	if err != nil {
		return errors.Wrapf(err, "upsert memory %s/%s", row.Namespace, row.Key)
	}

	// Mirror public plaintext into the lexical index. Delete-then-insert keeps
	// the FTS row in step with the entry on overwrite.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM memory_fts WHERE namespace = ? AND key = ?`, row.Namespace, row.Key); err != nil {
		return errors.Wrap(err, "clear fts row")
	}
	if row.Domain == store.DomainPublic {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO memory_fts (namespace, key, content) VALUES (?, ?, ?)`,
			row.Namespace, row.Key, string(row.Value)); err != nil {
			return errors.Wrap(err, "index fts row")
		}
	}
	return nil
}

func (d *DB) GetMemory(ctx context.Context, namespace, key string) (*store.MemoryRow, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memory_entry WHERE namespace = ? AND key = ?`,
		namespace, key)
	entry, err := scanMemoryRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return entry, err
}

func (d *DB) DeleteMemory(ctx context.Context, namespace, key string) (bool, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "begin")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM memory_entry WHERE namespace = ? AND key = ?`, namespace, key)
	if err != nil {
		return false, errors.Wrap(err, "delete memory")
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM memory_fts WHERE namespace = ? AND key = ?`, namespace, key); err != nil {
		return false, errors.Wrap(err, "delete fts row")
	}
	n, _ := res.RowsAffected()
	return n > 0, errors.Wrap(tx.Commit(), "commit")
}

func (d *DB) ListMemoryKeys(ctx context.Context, namespace, prefix string, domain store.Domain) ([]string, error) {
	query := `SELECT key FROM memory_entry WHERE namespace = ? AND key LIKE ? ESCAPE '\'`
	args := []any{namespace, escapeLike(prefix) + "%"}
	if domain != "" {
		query += ` AND domain = ?`
		args = append(args, string(domain))
	}
	query += ` ORDER BY key`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list keys")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, errors.Wrap(err, "scan key")
		}
		keys = append(keys, k)
	}
	return keys, errors.Wrap(rows.Err(), "iterate keys")
}

func (d *DB) TouchMemory(ctx context.Context, namespace, key string, at time.Time) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE memory_entry SET last_accessed = ? WHERE namespace = ? AND key = ?`,
		at.UnixMilli(), namespace, key)
	return errors.Wrap(err, "touch memory")
}

func (d *DB) SearchMemoryLexical(ctx context.Context, namespace, query string, limit int) ([]store.MemoryHit, error) {
	if limit <= 0 {
		limit = 10
	}
	// An empty namespace widens the search to every public entry; the FTS
	// table only ever indexes public plaintext.
	nsFilter := ` AND f.namespace = ?`
	args := []any{ftsQuery(query), namespace, limit}
	if namespace == "" {
		nsFilter = ``
		args = []any{ftsQuery(query), limit}
	}
	// bm25 returns lower-is-better; negate into a descending score.
	rows, err := d.db.QueryContext(ctx, `
		SELECT m.namespace, m.key, m.value, m.domain, m.category, m.source, m.verified,
		       m.embedding, m.created_at, m.last_accessed, m.expires_at,
		       -bm25(memory_fts) AS score
		FROM memory_fts f
		JOIN memory_entry m ON m.namespace = f.namespace AND m.key = f.key
		WHERE memory_fts MATCH ?`+nsFilter+`
		ORDER BY score DESC
		LIMIT ?`, args...)
	if err != nil {
		// FTS MATCH syntax errors degrade to a LIKE scan rather than failing
		// the caller's search outright.
		return d.searchMemoryLike(ctx, namespace, query, limit)
	}
	defer rows.Close()

	var hits []store.MemoryHit
	for rows.Next() {
		hit, err := scanMemoryHit(rows)
		if err != nil {
			return nil, err
		}
		hits = append(hits, hit)
	}
	return hits, errors.Wrap(rows.Err(), "iterate lexical hits")
}

func (d *DB) searchMemoryLike(ctx context.Context, namespace, query string, limit int) ([]store.MemoryHit, error) {
	nsFilter := `namespace = ? AND `
	args := []any{namespace, "%" + escapeLike(query) + "%", limit}
	if namespace == "" {
		nsFilter = ``
		args = args[1:]
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+memoryColumns+` FROM memory_entry
		WHERE `+nsFilter+`domain = 'public' AND value LIKE ?
		LIMIT ?`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "like search")
	}
	defer rows.Close()

	var hits []store.MemoryHit
	for rows.Next() {
		entry, err := scanMemoryRow(rows)
		if err != nil {
			return nil, err
		}
		hits = append(hits, store.MemoryHit{Row: *entry, Score: 0.5})
	}
	return hits, errors.Wrap(rows.Err(), "iterate like hits")
}

// SearchMemoryVector ranks stored embeddings by similarity to the query.
// With vec0 loaded SQLite scores each row as 1/(1+L2 distance); the
// fallback decodes blobs and scores cosine similarity in Go.
func (d *DB) SearchMemoryVector(ctx context.Context, namespace string, embedding []float32, limit int) ([]store.MemoryHit, error) {
	if limit <= 0 {
		limit = 10
	}
	if len(embedding) == 0 {
		return nil, nil
	}

	if VecAvailable() {
		rows, err := d.db.QueryContext(ctx, `
			SELECT `+memoryColumns+`,
			       1.0 / (1.0 + vec_distance_L2(embedding, ?)) AS score
			FROM memory_entry
			WHERE namespace = ? AND embedding IS NOT NULL
			ORDER BY score DESC
			LIMIT ?`, encodeEmbedding(embedding), namespace, limit)
		if err == nil {
			defer rows.Close()
			var hits []store.MemoryHit
			for rows.Next() {
				hit, err := scanMemoryHit(rows)
				if err != nil {
					return nil, err
				}
				hits = append(hits, hit)
			}
			return hits, errors.Wrap(rows.Err(), "iterate vector hits")
		}
		// fall through to the Go-side scan
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT `+memoryColumns+` FROM memory_entry
		WHERE namespace = ? AND embedding IS NOT NULL`, namespace)
	if err != nil {
		return nil, errors.Wrap(err, "vector scan")
	}
	defer rows.Close()

	var hits []store.MemoryHit
	for rows.Next() {
		entry, err := scanMemoryRow(rows)
		if err != nil {
			return nil, err
		}
		score := cosineSimilarity(embedding, entry.Embedding)
		hits = append(hits, store.MemoryHit{Row: *entry, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate vector scan")
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (d *DB) DeleteExpiredMemory(ctx context.Context, now time.Time) (int64, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM memory_fts WHERE (namespace, key) IN (
			SELECT namespace, key FROM memory_entry
			WHERE expires_at > 0 AND expires_at <= ?
		)`, now.UnixMilli()); err != nil {
		return 0, errors.Wrap(err, "sweep fts")
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM memory_entry WHERE expires_at > 0 AND expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, "sweep memory")
	}
	n, _ := res.RowsAffected()
	return n, errors.Wrap(tx.Commit(), "commit sweep")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemoryRow(r rowScanner) (*store.MemoryRow, error) {
	var (
		entry                             store.MemoryRow
		domain, category                  string
		verified                          int
		embedding                         []byte
		createdAt, lastAccessed, expireAt int64
	)
	if err := r.Scan(&entry.Namespace, &entry.Key, &entry.Value, &domain, &category,
		&entry.Source, &verified, &embedding, &createdAt, &lastAccessed, &expireAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, errors.Wrap(err, "scan memory row")
	}
	entry.Domain = store.Domain(domain)
	entry.Category = store.Category(category)
	entry.Verified = verified != 0
	entry.Embedding = decodeEmbedding(embedding)
	entry.CreatedAt = time.UnixMilli(createdAt)
	entry.LastAccessed = time.UnixMilli(lastAccessed)
	if expireAt > 0 {
		entry.ExpiresAt = time.UnixMilli(expireAt)
	}
	return &entry, nil
}

func scanMemoryHit(r rowScanner) (store.MemoryHit, error) {
	var (
		entry                             store.MemoryRow
		domain, category                  string
		verified                          int
		embedding                         []byte
		createdAt, lastAccessed, expireAt int64
		score                             float64
	)
	if err := r.Scan(&entry.Namespace, &entry.Key, &entry.Value, &domain, &category,
		&entry.Source, &verified, &embedding, &createdAt, &lastAccessed, &expireAt, &score); err != nil {
		return store.MemoryHit{}, errors.Wrap(err, "scan memory hit")
	}
	entry.Domain = store.Domain(domain)
	entry.Category = store.Category(category)
	entry.Verified = verified != 0
	entry.Embedding = decodeEmbedding(embedding)
	entry.CreatedAt = time.UnixMilli(createdAt)
	entry.LastAccessed = time.UnixMilli(lastAccessed)
	if expireAt > 0 {
		entry.ExpiresAt = time.UnixMilli(expireAt)
	}
	return store.MemoryHit{Row: entry, Score: float32(score)}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func expiryMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}

// ftsQuery quotes each term so user input cannot inject MATCH operators.
func ftsQuery(q string) string {
	terms := strings.Fields(q)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, ``) + `"`
	}
	return strings.Join(terms, " ")
}
