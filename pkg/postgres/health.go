package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// HealthStatus describes the pool and the pgvector extension
type HealthStatus struct {
	Connected     bool      `json:"connected"`
	Database      string    `json:"database"`
	VectorVersion string    `json:"vector_version,omitempty"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Healthy reports whether the graph store can run on this database
func (s *HealthStatus) Healthy() bool {
	return s.Connected && s.VectorVersion != "" && s.Error == ""
}

// HealthCheck pings the pool and looks up the installed pgvector version.
// Failures are reported in the status, not as an error.
func (c *PostgresClient) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	status := &HealthStatus{Database: c.config.PostgresDB, Timestamp: time.Now()}
	if c.db == nil {
		status.Error = ErrNotConnected.Error()
		return status, nil
	}
	if err := c.db.PingContext(ctx); err != nil {
		status.Error = fmt.Sprintf("ping failed: %v", err)
		return status, nil
	}
	status.Connected = true

	err := c.db.QueryRowContext(ctx,
		`SELECT extversion FROM pg_extension WHERE extname = 'vector'`).Scan(&status.VectorVersion)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		status.Error = "pgvector extension is not installed"
	case err != nil:
		status.Error = fmt.Sprintf("failed to read extensions: %v", err)
	}
	return status, nil
}

// Probe adapts HealthCheck to a health checker probe
func Probe(client Client) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		status, err := client.HealthCheck(ctx)
		if err != nil {
			return err
		}
		if !status.Healthy() {
			return errors.New(status.Error)
		}
		return nil
	}
}
