package sqlite

import (
	"database/sql"
	"encoding/binary"
	"log/slog"
	"math"
	"sync"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// Vector extension registration. sql.Register panics on duplicate names, so
// registration is a process-wide one-shot; every DB handle in the process
// shares the same driver.
var (
	vecOnce      sync.Once
	vecAvailable bool
)

const vecDriverName = "sqlite3_with_vec"

// registerVecDriver registers the SQLite driver with the vec0 extension
// hooked into every new connection. Returns the driver name to open with.
func registerVecDriver() string {
	vecOnce.Do(func() {
		sql3 := &sqlite3.SQLiteDriver{
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				// vec0 is optional: without it vector search falls back to a
				// Go-side scan over stored embeddings.
				if err := conn.LoadExtension("vec0", "sqlite3_vec_init"); err != nil {
					slog.Debug("sqlite-vec extension unavailable", "error", err)
					return nil
				}
				vecAvailable = true
				return nil
			},
		}
		sql.Register(vecDriverName, sql3)
	})
	return vecDriverName
}

// VecAvailable reports whether the vec0 extension loaded on any connection.
func VecAvailable() bool {
	return vecAvailable
}

// encodeEmbedding packs a float32 vector into the little-endian blob layout
// shared with vec0.
func encodeEmbedding(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	out := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func decodeEmbedding(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// cosineSimilarity is the fallback scorer when vec0 is not loaded.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
