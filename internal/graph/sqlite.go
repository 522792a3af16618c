package graph

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/saaga0h/adaptive-core/internal/embedding"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists the graph in SQLite.
// Vectors are stored as little-endian float32 BLOBs and similarity search
// runs in application memory.
type SQLiteStore struct {
	*sqlStore
}

// NewSQLiteStore opens (or creates) the database at path. Use ":memory:" for tests.
func NewSQLiteStore(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps :memory: databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{&sqlStore{db: db, d: sqliteDialect{}, logger: logger}}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

type sqliteDialect struct{}

func (sqliteDialect) name() string { return "sqlite" }

func (sqliteDialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS graph_nodes (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			embedding BLOB,
			confidence REAL NOT NULL DEFAULT 0,
			importance REAL NOT NULL DEFAULT 0,
			attrs TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_graph_nodes_kind ON graph_nodes(kind, created_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_graph_nodes_dedup ON graph_nodes(kind, content_hash)
			WHERE kind IN ('experience', 'belief')`,
		`CREATE TABLE IF NOT EXISTS graph_edges (
			id TEXT PRIMARY KEY,
			from_id TEXT NOT NULL REFERENCES graph_nodes(id) ON DELETE CASCADE,
			to_id TEXT NOT NULL REFERENCES graph_nodes(id) ON DELETE CASCADE,
			relation TEXT NOT NULL,
			strength REAL NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_graph_edges_from ON graph_edges(from_id)`,
		`CREATE INDEX IF NOT EXISTS idx_graph_edges_to ON graph_edges(to_id)`,
	}
}

func (sqliteDialect) rebind(query string) string { return query }

func (sqliteDialect) vectorArg(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	return encodeVector(v)
}

func (sqliteDialect) vectorDest() any { return new([]byte) }

func (sqliteDialect) vectorValue(dest any) []float32 {
	return decodeVector(*dest.(*[]byte))
}

func (sqliteDialect) isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (d sqliteDialect) similar(ctx context.Context, q querier, kind NodeKind, vec []float32, limit int) ([]Scored, error) {
	query := `SELECT ` + nodeColumns + ` FROM graph_nodes WHERE embedding IS NOT NULL`
	var args []any
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(kind))
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer rows.Close()

	s := &sqlStore{d: d}
	var results []Scored
	for rows.Next() {
		n, err := s.scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		if len(n.Vector) != len(vec) {
			continue
		}
		results = append(results, Scored{Node: n, Similarity: embedding.Cosine(vec, n.Vector)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating embeddings: %w", err)
	}
	return topK(results, limit), nil
}

// encodeVector converts a float32 slice to a little-endian byte slice
func encodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector converts a little-endian byte slice back to float32
func decodeVector(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
