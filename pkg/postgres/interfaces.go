package postgres

import (
	"context"
	"database/sql"
)

// Client owns the Postgres connection pool used by the graph store
type Client interface {
	Connect(ctx context.Context) error
	Disconnect() error

	// DB returns the pool, nil when disconnected
	DB() *sql.DB

	Ping(ctx context.Context) error

	// HealthCheck reports connectivity and whether pgvector is installed
	HealthCheck(ctx context.Context) (*HealthStatus, error)
}
