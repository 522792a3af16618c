// Package checkpoint persists complete engine snapshots as a payload file plus
// a manifest of content hashes. A checkpoint is immutable once written.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/saaga0h/adaptive-core/internal/coupling"
	"github.com/saaga0h/adaptive-core/internal/events"
	"github.com/saaga0h/adaptive-core/internal/evolver"
	"github.com/saaga0h/adaptive-core/internal/faults"
	"github.com/saaga0h/adaptive-core/internal/graph"
	"github.com/saaga0h/adaptive-core/internal/patterns"
)

// Version is the manifest format version
const Version = 1

const (
	payloadFile  = "payload.json"
	manifestFile = "manifest.json"
)

// Checkpoint is the full engine state at one instant
type Checkpoint struct {
	Name      string          `json:"name"`
	Mode      string          `json:"mode"`
	Timestamp time.Time       `json:"timestamp"`
	Graph     *graph.Snapshot `json:"graph"`
	Patterns  patterns.State  `json:"patterns"`
	Goals     evolver.State   `json:"goals"`
	Monitor   coupling.State  `json:"monitor"`
	Metrics   json.RawMessage `json:"metrics,omitempty"`
}

// Hashes are the state hashes recorded in the manifest
type Hashes struct {
	Graph   string `json:"graph_hash"`
	Pattern string `json:"pattern_hash"`
	Goal    string `json:"goal_hash"`
}

// Manifest describes one checkpoint on disk
type Manifest struct {
	Version     int       `json:"version"`
	Name        string    `json:"name"`
	Mode        string    `json:"mode"`
	CreatedAt   time.Time `json:"created_at"`
	ContentHash string    `json:"content_hash"` // sha256 of the payload file
	Hashes
}

// Store writes checkpoints under one directory, one subdirectory each
type Store struct {
	dir    string
	keep   int
	events *events.Emitter
	logger *slog.Logger

	mu   sync.Mutex
	last time.Time // newest checkpoint timestamp; writes are strictly later
}

// NewStore creates the directory if needed. keep <= 0 keeps every checkpoint.
func NewStore(dir string, keep int, emitter *events.Emitter, logger *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("checkpoint directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{dir: dir, keep: keep, events: emitter, logger: logger}
	existing, err := s.List()
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		s.last = existing[0].CreatedAt
	}
	return s, nil
}

// Dir returns the checkpoint directory
func (s *Store) Dir() string { return s.dir }

// Write persists cp and returns its manifest. Timestamps are made strictly
// increasing across writes. An empty cp.Name is derived from the timestamp
// and mode.
func (s *Store) Write(ctx context.Context, cp *Checkpoint, hashes Hashes) (*Manifest, error) {
	if cp.Graph == nil {
		return nil, fmt.Errorf("checkpoint requires a graph snapshot")
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now()
	}
	cp.Timestamp = cp.Timestamp.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !cp.Timestamp.After(s.last) {
		cp.Timestamp = s.last.Add(time.Microsecond)
	}

	if cp.Name == "" {
		cp.Name = s.uniqueName(cp.Timestamp, cp.Mode)
	}
	if err := validName(cp.Name); err != nil {
		return nil, err
	}
	target := filepath.Join(s.dir, cp.Name)
	if _, err := os.Stat(target); err == nil {
		return nil, fmt.Errorf("checkpoint %s already exists", cp.Name)
	}

	payload, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	m := &Manifest{
		Version:     Version,
		Name:        cp.Name,
		Mode:        cp.Mode,
		CreatedAt:   cp.Timestamp,
		ContentHash: digest(payload),
		Hashes:      hashes,
	}
	manifest, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}

	// Assemble in a hidden directory, then rename into place.
	staging, err := os.MkdirTemp(s.dir, ".staging-")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	success := false
	defer func() {
		if !success {
			_ = os.RemoveAll(staging)
		}
	}()

	if err := atomicWrite(filepath.Join(staging, payloadFile), payload); err != nil {
		return nil, err
	}
	if err := atomicWrite(filepath.Join(staging, manifestFile), manifest); err != nil {
		return nil, err
	}
	if err := os.Rename(staging, target); err != nil {
		return nil, fmt.Errorf("failed to publish checkpoint: %w", err)
	}
	success = true
	s.last = cp.Timestamp

	s.logger.Info("Checkpoint written",
		"name", m.Name,
		"mode", m.Mode,
		"nodes", len(cp.Graph.Nodes),
		"edges", len(cp.Graph.Edges),
		"bytes", len(payload))
	s.events.Emit(ctx, events.Event{
		Kind:      events.CheckpointWritten,
		Component: "checkpoint",
		Attrs:     map[string]any{"name": m.Name, "mode": m.Mode},
	})

	s.prune()
	return m, nil
}

func (s *Store) uniqueName(ts time.Time, mode string) string {
	base := "ckpt-" + ts.Format("20060102T150405.000000Z")
	if mode != "" {
		base += "-" + strings.ToLower(mode)
	}
	name := base
	for i := 1; ; i++ {
		if _, err := os.Stat(filepath.Join(s.dir, name)); errors.Is(err, os.ErrNotExist) {
			return name
		}
		name = fmt.Sprintf("%s-%d", base, i)
	}
}

func validName(name string) error {
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid checkpoint name %q", name)
	}
	return nil
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// atomicWrite writes to a temp file in the same directory and renames it
func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename %s: %w", filepath.Base(path), err)
	}
	success = true
	return nil
}

// List returns the manifests of readable checkpoints, newest first.
// Directories without a readable manifest are skipped.
func (s *Store) List() ([]Manifest, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}
	var out []Manifest
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		m, err := s.readManifest(e.Name())
		if err != nil {
			s.logger.Debug("Skipping checkpoint without manifest", "name", e.Name(), "error", err)
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Name > out[j].Name
	})
	return out, nil
}

func (s *Store) readManifest(name string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name, manifestFile))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return &m, nil
}

// Load reads and verifies the named checkpoint. Any integrity failure is
// reported as faults.ErrCheckpointCorrupt.
func (s *Store) Load(name string) (*Checkpoint, *Manifest, error) {
	if err := validName(name); err != nil {
		return nil, nil, err
	}
	dir := filepath.Join(s.dir, name)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return nil, nil, fmt.Errorf("%w: checkpoint %s", faults.ErrNotFound, name)
	}

	m, err := s.readManifest(name)
	if err != nil {
		return nil, nil, corrupt(name, "unreadable manifest: %v", err)
	}
	if m.Version != Version {
		return nil, nil, corrupt(name, "unsupported manifest version %d", m.Version)
	}

	f, err := os.Open(filepath.Join(dir, payloadFile))
	if err != nil {
		return nil, nil, corrupt(name, "unreadable payload: %v", err)
	}
	defer f.Close()
	payload, err := io.ReadAll(f)
	if err != nil {
		return nil, nil, corrupt(name, "unreadable payload: %v", err)
	}
	if got := digest(payload); got != m.ContentHash {
		return nil, nil, corrupt(name, "content hash %s does not match manifest %s", got, m.ContentHash)
	}

	var cp Checkpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		return nil, nil, corrupt(name, "undecodable payload: %v", err)
	}
	if cp.Graph == nil {
		return nil, nil, corrupt(name, "payload has no graph")
	}
	if err := cp.Graph.Validate(); err != nil {
		return nil, nil, corrupt(name, "invalid graph: %v", err)
	}
	if m.Graph != "" {
		got, err := cp.Graph.Hash()
		if err != nil {
			return nil, nil, corrupt(name, "unhashable graph: %v", err)
		}
		if got != m.Graph {
			return nil, nil, corrupt(name, "graph hash %s does not match manifest %s", got, m.Graph)
		}
	}
	return &cp, m, nil
}

func corrupt(name, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", faults.ErrCheckpointCorrupt, name, fmt.Sprintf(format, args...))
}

// LoadLatest returns the newest checkpoint that verifies and that accept
// takes. Checkpoints failing either with ErrCheckpointCorrupt are reported
// and skipped; any other error stops the walk. A nil accept takes every
// verified checkpoint.
func (s *Store) LoadLatest(ctx context.Context, accept func(*Checkpoint, *Manifest) error) (*Checkpoint, *Manifest, error) {
	manifests, err := s.List()
	if err != nil {
		return nil, nil, err
	}
	for _, m := range manifests {
		cp, man, err := s.Load(m.Name)
		if err == nil && accept != nil {
			err = accept(cp, man)
		}
		if err == nil {
			return cp, man, nil
		}
		if !errors.Is(err, faults.ErrCheckpointCorrupt) {
			return nil, nil, err
		}
		s.Report(ctx, m.Name, err)
	}
	return nil, nil, fmt.Errorf("%w: no valid checkpoint in %s", faults.ErrNotFound, s.dir)
}

// Report logs and emits a corrupt checkpoint
func (s *Store) Report(ctx context.Context, name string, err error) {
	s.logger.Warn("Skipping corrupt checkpoint", "name", name, "error", err)
	s.events.Emit(ctx, events.Event{
		Kind:      events.CheckpointCorrupt,
		Component: "checkpoint",
		Reason:    err.Error(),
		Attrs:     map[string]any{"name": name},
	})
}

// prune removes the oldest checkpoints beyond keep. Caller holds s.mu.
func (s *Store) prune() {
	if s.keep <= 0 {
		return
	}
	manifests, err := s.List()
	if err != nil {
		s.logger.Warn("Failed to list checkpoints for pruning", "error", err)
		return
	}
	for _, m := range manifests[min(s.keep, len(manifests)):] {
		if err := os.RemoveAll(filepath.Join(s.dir, m.Name)); err != nil {
			s.logger.Warn("Failed to prune checkpoint", "name", m.Name, "error", err)
			continue
		}
		s.logger.Debug("Pruned checkpoint", "name", m.Name)
	}
}
