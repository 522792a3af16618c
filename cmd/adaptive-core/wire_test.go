package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/saaga0h/adaptive-core/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func offlineConfig(t *testing.T) *config.Config {
	t.Helper()
	c := config.NewConfig()
	c.OracleBackend = "mock"
	c.EmbeddingBackend = "hash"
	c.StoreBackend = "memory"
	c.CheckpointDir = t.TempDir()
	require.NoError(t, c.Validate())
	return c
}

func TestBuildWiresOfflineEngine(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := build(ctx, offlineConfig(t), logger)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.engine.Start(ctx))
	snap, err := a.engine.MetricsSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Sequence)
	assert.Equal(t, "ok", a.health.Check(ctx)["oracle"])

	manifests, err := a.engine.Checkpoints()
	require.NoError(t, err)
	assert.Len(t, manifests, 1)
}

func TestBuildWithSQLiteStore(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := offlineConfig(t)
	c.StoreBackend = "sqlite"
	c.SQLitePath = t.TempDir() + "/graph.db"

	a, err := build(ctx, c, logger)
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.engine.Start(ctx))
	assert.NotEmpty(t, a.engine.Patterns())
}

func TestNewLoggerLevels(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			l := newLogger(tt.level)
			assert.True(t, l.Enabled(context.Background(), tt.want))
			assert.False(t, l.Enabled(context.Background(), tt.want-1))
		})
	}
}
