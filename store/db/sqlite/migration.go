package sqlite

import (
	"context"

	"github.com/pkg/errors"
)

// Schema. FTS5 indexes the plaintext of public entries only; private values
// are ciphertext and meaningless to a lexical index.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS memory_entry (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		domain TEXT NOT NULL CHECK (domain IN ('private', 'public')),
		category TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		verified INTEGER NOT NULL DEFAULT 0,
		embedding BLOB,
		created_at INTEGER NOT NULL,
		last_accessed INTEGER NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0,
		UNIQUE (namespace, key)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_memory_entry_ns ON memory_entry (namespace)`,
	`CREATE INDEX IF NOT EXISTS idx_memory_entry_expiry ON memory_entry (expires_at) WHERE expires_at > 0`,
	`CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(
		namespace UNINDEXED,
		key UNINDEXED,
		content
	)`,
}

func (d *DB) migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "apply migration: %.60s", stmt)
		}
	}
	return nil
}
