package graph

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pgvector/pgvector-go"
	"github.com/saaga0h/adaptive-core/pkg/postgres"
)

// PostgresStore persists the graph in PostgreSQL with pgvector similarity search
type PostgresStore struct {
	*sqlStore
	client postgres.Client
}

// NewPostgresStore wraps a connected client and ensures the schema exists
func NewPostgresStore(ctx context.Context, client postgres.Client, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db := client.DB()
	if db == nil {
		return nil, fmt.Errorf("postgres client not connected")
	}

	store := &PostgresStore{
		sqlStore: &sqlStore{db: db, d: postgresDialect{}, logger: logger},
		client:   client,
	}
	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// Close disconnects the underlying client
func (s *PostgresStore) Close() error {
	return s.client.Disconnect()
}

type postgresDialect struct{}

func (postgresDialect) name() string { return "postgres" }

func (postgresDialect) schema() []string {
	return []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS graph_nodes (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			embedding vector,
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			importance DOUBLE PRECISION NOT NULL DEFAULT 0,
			attrs TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '',
			version BIGINT NOT NULL DEFAULT 1,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_graph_nodes_kind ON graph_nodes(kind, created_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_graph_nodes_dedup ON graph_nodes(kind, content_hash)
			WHERE kind IN ('experience', 'belief')`,
		`CREATE TABLE IF NOT EXISTS graph_edges (
			id TEXT PRIMARY KEY,
			from_id TEXT NOT NULL REFERENCES graph_nodes(id) ON DELETE CASCADE,
			to_id TEXT NOT NULL REFERENCES graph_nodes(id) ON DELETE CASCADE,
			relation TEXT NOT NULL,
			strength DOUBLE PRECISION NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_graph_edges_from ON graph_edges(from_id)`,
		`CREATE INDEX IF NOT EXISTS idx_graph_edges_to ON graph_edges(to_id)`,
	}
}

func (postgresDialect) rebind(query string) string { return rebindDollar(query) }

func (postgresDialect) vectorArg(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	return pgvector.NewVector(v)
}

func (postgresDialect) vectorDest() any { return new(*pgvector.Vector) }

func (postgresDialect) vectorValue(dest any) []float32 {
	v := *dest.(**pgvector.Vector)
	if v == nil {
		return nil
	}
	return v.Slice()
}

func (postgresDialect) isUniqueViolation(err error) bool {
	return postgres.IsUniqueViolation(err)
}

func (d postgresDialect) similar(ctx context.Context, q querier, kind NodeKind, vec []float32, limit int) ([]Scored, error) {
	query := `SELECT ` + nodeColumns + `, 1 - (embedding <=> ?) AS similarity
		FROM graph_nodes
		WHERE embedding IS NOT NULL AND vector_dims(embedding) = ?`
	args := []any{pgvector.NewVector(vec), len(vec)}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY embedding <=> ?, id`
	args = append(args, pgvector.NewVector(vec))
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := q.QueryContext(ctx, rebindDollar(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query similar nodes: %w", err)
	}
	defer rows.Close()

	s := &sqlStore{d: d}
	var results []Scored
	for rows.Next() {
		var similarity float64
		n, err := s.scanNode(rows, &similarity)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		results = append(results, Scored{Node: n, Similarity: similarity})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating similar nodes: %w", err)
	}
	return results, nil
}
