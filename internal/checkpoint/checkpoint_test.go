package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/saaga0h/adaptive-core/internal/events"
	"github.com/saaga0h/adaptive-core/internal/evolver"
	"github.com/saaga0h/adaptive-core/internal/faults"
	"github.com/saaga0h/adaptive-core/internal/graph"
	"github.com/saaga0h/adaptive-core/internal/patterns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func snapshot(t *testing.T, contents ...string) *graph.Snapshot {
	t.Helper()
	ctx := context.Background()
	store := graph.NewMemoryStore()
	var prev string
	for _, c := range contents {
		n, _, err := store.Insert(ctx, &graph.Node{Kind: graph.KindExperience, Content: c, Vector: []float32{0.25, 0.5}, Importance: 0.5})
		require.NoError(t, err)
		if prev != "" {
			require.NoError(t, store.AddEdge(ctx, &graph.Edge{From: prev, To: n.ID, Relation: graph.RelContext, Strength: 0.9}))
		}
		prev = n.ID
	}
	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	return snap
}

func write(t *testing.T, s *Store, at time.Time, snap *graph.Snapshot) *Manifest {
	t.Helper()
	h, err := snap.Hash()
	require.NoError(t, err)
	m, err := s.Write(context.Background(), &Checkpoint{
		Mode:      "dreaming",
		Timestamp: at,
		Graph:     snap,
		Patterns:  patterns.State{Threshold: 0.55},
		Goals:     evolver.State{Generation: 3, Exploration: 0.2},
	}, Hashes{Graph: h, Pattern: "p", Goal: "g"})
	require.NoError(t, err)
	return m
}

func TestWriteAndLoadPreservesHashes(t *testing.T) {
	s, err := NewStore(t.TempDir(), 0, nil, quietLogger())
	require.NoError(t, err)

	snap := snapshot(t, "query: slow join", "answer: add an index")
	m := write(t, s, base, snap)
	assert.Equal(t, Version, m.Version)
	assert.Equal(t, "ckpt-20260301T120000.000000Z-dreaming", m.Name)

	cp, loaded, err := s.Load(m.Name)
	require.NoError(t, err)
	assert.Equal(t, *m, *loaded)
	assert.Equal(t, "dreaming", cp.Mode)
	assert.Equal(t, 0.55, cp.Patterns.Threshold)
	assert.Equal(t, 3, cp.Goals.Generation)

	want, err := snap.Hash()
	require.NoError(t, err)
	got, err := cp.Graph.Hash()
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Len(t, cp.Graph.Edges, 1)
}

func TestLoadLatestFallsBackPastCorruptCheckpoint(t *testing.T) {
	ctx := context.Background()
	em := events.NewEmitter(quietLogger(), nil)
	s, err := NewStore(t.TempDir(), 0, em, quietLogger())
	require.NoError(t, err)

	older := write(t, s, base, snapshot(t, "first"))
	newer := write(t, s, base.Add(time.Minute), snapshot(t, "first", "second"))

	path := filepath.Join(s.Dir(), newer.Name, payloadFile)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, _, err = s.Load(newer.Name)
	assert.ErrorIs(t, err, faults.ErrCheckpointCorrupt)

	cp, m, err := s.LoadLatest(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, older.Name, m.Name)
	assert.Len(t, cp.Graph.Nodes, 1)
	assert.Equal(t, int64(1), em.Counts()[events.CheckpointCorrupt])
}

func TestLoadLatestSkipsRejectedCheckpoint(t *testing.T) {
	ctx := context.Background()
	em := events.NewEmitter(quietLogger(), nil)
	s, err := NewStore(t.TempDir(), 0, em, quietLogger())
	require.NoError(t, err)

	older := write(t, s, base, snapshot(t, "first"))
	newer := write(t, s, base.Add(time.Minute), snapshot(t, "first", "second"))

	var seen []string
	_, m, err := s.LoadLatest(ctx, func(cp *Checkpoint, m *Manifest) error {
		seen = append(seen, m.Name)
		if m.Name == newer.Name {
			return fmt.Errorf("%w: rejected", faults.ErrCheckpointCorrupt)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, older.Name, m.Name)
	assert.Equal(t, []string{newer.Name, older.Name}, seen)
	assert.Equal(t, int64(1), em.Counts()[events.CheckpointCorrupt])

	_, _, err = s.LoadLatest(ctx, func(*Checkpoint, *Manifest) error { return errors.New("disk gone") })
	assert.EqualError(t, err, "disk gone")
}

func TestLoadRejectsGraphHashMismatch(t *testing.T) {
	s, err := NewStore(t.TempDir(), 0, nil, quietLogger())
	require.NoError(t, err)

	m, err := s.Write(context.Background(), &Checkpoint{Name: "manual", Timestamp: base, Graph: snapshot(t, "a")},
		Hashes{Graph: "not-the-hash"})
	require.NoError(t, err)

	_, _, err = s.Load(m.Name)
	assert.ErrorIs(t, err, faults.ErrCheckpointCorrupt)
}

func TestLoadLatestWithoutCheckpoints(t *testing.T) {
	s, err := NewStore(t.TempDir(), 0, nil, quietLogger())
	require.NoError(t, err)

	_, _, err = s.LoadLatest(context.Background(), nil)
	assert.ErrorIs(t, err, faults.ErrNotFound)

	_, _, err = s.Load("missing")
	assert.ErrorIs(t, err, faults.ErrNotFound)
}

func TestWritePrunesBeyondKeep(t *testing.T) {
	s, err := NewStore(t.TempDir(), 2, nil, quietLogger())
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		write(t, s, base.Add(time.Duration(i)*time.Minute), snapshot(t, "x"))
	}
	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, list[0].CreatedAt.Equal(base.Add(3*time.Minute)))
	assert.True(t, list[1].CreatedAt.Equal(base.Add(2*time.Minute)))
}

func TestWriteNamesAreUniqueAndValidated(t *testing.T) {
	s, err := NewStore(t.TempDir(), 0, nil, quietLogger())
	require.NoError(t, err)

	a := write(t, s, base, snapshot(t, "x"))
	b := write(t, s, base, snapshot(t, "x"))
	assert.NotEqual(t, a.Name, b.Name)
	assert.True(t, b.CreatedAt.After(a.CreatedAt))

	list, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, b.Name, list[0].Name)

	_, err = s.Write(context.Background(), &Checkpoint{Name: "../escape", Graph: snapshot(t, "x")}, Hashes{})
	assert.Error(t, err)
	_, err = s.Write(context.Background(), &Checkpoint{Name: "nograph"}, Hashes{})
	assert.Error(t, err)
}
