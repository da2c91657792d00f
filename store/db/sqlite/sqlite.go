package sqlite

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/MoSiYuan/cis/internal/profile"
	"github.com/MoSiYuan/cis/store"
)

// Connection pool limits. The database serializes writes; the pool exists
// for concurrent reads.
const (
	maxOpenConns   = 10
	minIdleConns   = 1
	acquireTimeout = 30 * time.Second

	secretFileMode = os.FileMode(0o600)
)

// Pragmas applied to every new database. cache_size is negative: KiB.
var pragmas = []string{
	"PRAGMA foreign_keys = ON",
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA wal_autocheckpoint = 1000",
	"PRAGMA journal_size_limit = 104857600",
	"PRAGMA mmap_size = 268435456",
	"PRAGMA temp_store = MEMORY",
	"PRAGMA cache_size = -32768",
	"PRAGMA busy_timeout = 10000",
}

// DB implements store.Driver on an embedded SQLite database.
type DB struct {
	db      *sql.DB
	profile *profile.Profile

	// batchConn is the dedicated connection the batch writer drains through.
	batchConn *sql.Conn
}

// NewDB opens the node database, applies pragmas, runs migrations and
// enforces 0600 on the created file.
func NewDB(p *profile.Profile) (store.Driver, error) {
	if p.DSN == "" {
		return nil, errors.New("dsn required")
	}

	// The vec driver is registered process-wide exactly once; see vec.go.
	sqliteDB, err := sql.Open(registerVecDriver(), p.DSN)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", p.DSN)
	}

	sqliteDB.SetMaxOpenConns(maxOpenConns)
	sqliteDB.SetMaxIdleConns(minIdleConns)
	sqliteDB.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), acquireTimeout)
	defer cancel()

	for _, pragma := range pragmas {
		if _, err := sqliteDB.ExecContext(ctx, pragma); err != nil {
			return nil, errors.Wrapf(err, "failed to set pragma: %s", pragma)
		}
	}

	driver := &DB{db: sqliteDB, profile: p}
	if err := driver.migrate(ctx); err != nil {
		return nil, errors.Wrap(err, "migrate")
	}

	if err := enforceSecretMode(p.DSN); err != nil {
		return nil, err
	}

	batchConn, err := sqliteDB.Conn(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "acquire batch connection")
	}
	driver.batchConn = batchConn

	slog.Info("sqlite store opened", "dsn", p.DSN, "vec", VecAvailable())
	return driver, nil
}

// enforceSecretMode clamps the database files to 0600 and fails hard when
// the resulting bits do not match. Secrets must never be group-readable.
func enforceSecretMode(dsn string) error {
	path := dsn
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		f := path + suffix
		if _, err := os.Stat(f); os.IsNotExist(err) {
			continue
		}
		if err := os.Chmod(f, secretFileMode); err != nil {
			return errors.Wrapf(err, "chmod %s", f)
		}
		info, err := os.Stat(f)
		if err != nil {
			return errors.Wrapf(err, "stat %s", f)
		}
		if info.Mode().Perm() != secretFileMode {
			return errors.Errorf("database file %s has mode %o, want %o", f, info.Mode().Perm(), secretFileMode)
		}
	}
	return nil
}

func (d *DB) Close() error {
	if d.batchConn != nil {
		_ = d.batchConn.Close()
	}
	return d.db.Close()
}
