package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/saaga0h/adaptive-core/internal/faults"
)

// dialect isolates what differs between SQL backends
type dialect interface {
	name() string
	schema() []string
	rebind(query string) string
	vectorArg(v []float32) any
	vectorDest() any
	vectorValue(dest any) []float32
	isUniqueViolation(err error) bool
	similar(ctx context.Context, q querier, kind NodeKind, vec []float32, limit int) ([]Scored, error)
}

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const nodeColumns = `id, kind, content, content_hash, embedding, confidence, importance, attrs, payload, version, created_at`

const edgeColumns = `id, from_id, to_id, relation, strength, created_at`

// sqlStore implements Store over database/sql
type sqlStore struct {
	db     *sql.DB
	d      dialect
	logger *slog.Logger
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *sqlStore) initSchema(ctx context.Context) error {
	for _, stmt := range s.d.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize %s schema: %w", s.d.name(), err)
		}
	}
	return nil
}

func (s *sqlStore) scanNode(row rowScanner, extra ...any) (*Node, error) {
	var n Node
	var kind, attrs, payload string
	var created int64
	vec := s.d.vectorDest()

	dest := []any{&n.ID, &kind, &n.Content, &n.ContentHash, vec, &n.Confidence, &n.Importance, &attrs, &payload, &n.Version, &created}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	n.Kind = NodeKind(kind)
	n.Vector = s.d.vectorValue(vec)
	n.CreatedAt = time.UnixMicro(created).UTC()
	if attrs != "" {
		if err := json.Unmarshal([]byte(attrs), &n.Attrs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attrs of %s: %w", n.ID, err)
		}
	}
	if payload != "" {
		n.Payload = json.RawMessage(payload)
	}
	return &n, nil
}

func (s *sqlStore) nodeArgs(n *Node) ([]any, error) {
	attrs := ""
	if len(n.Attrs) > 0 {
		data, err := json.Marshal(n.Attrs)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal attrs: %w", err)
		}
		attrs = string(data)
	}
	return []any{
		n.ID, string(n.Kind), n.Content, n.ContentHash, s.d.vectorArg(n.Vector),
		n.Confidence, n.Importance, attrs, string(n.Payload), n.Version, n.CreatedAt.UnixMicro(),
	}, nil
}

func (s *sqlStore) insertNode(ctx context.Context, q querier, node *Node) error {
	args, err := s.nodeArgs(node)
	if err != nil {
		return err
	}
	query := s.d.rebind(`INSERT INTO graph_nodes (` + nodeColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = q.ExecContext(ctx, query, args...)
	return err
}

func (s *sqlStore) insertEdge(ctx context.Context, q querier, e *Edge) error {
	query := s.d.rebind(`INSERT INTO graph_edges (` + edgeColumns + `) VALUES (?, ?, ?, ?, ?, ?)`)
	_, err := q.ExecContext(ctx, query, e.ID, e.From, e.To, string(e.Relation), e.Strength, e.CreatedAt.UnixMicro())
	return err
}

// Insert implements Store
func (s *sqlStore) Insert(ctx context.Context, n *Node) (*Node, bool, error) {
	if err := n.Validate(); err != nil {
		return nil, false, err
	}
	node := prepareNode(n)

	if Deduplicated(node.Kind) {
		existing, err := s.FindByHash(ctx, node.Kind, node.ContentHash)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, faults.ErrNotFound) {
			return nil, false, err
		}
	}

	if err := s.insertNode(ctx, s.db, node); err != nil {
		if Deduplicated(node.Kind) && s.d.isUniqueViolation(err) {
			existing, ferr := s.FindByHash(ctx, node.Kind, node.ContentHash)
			if ferr == nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("failed to insert node: %w", err)
	}

	s.logger.Debug("Inserted graph node", "backend", s.d.name(), "id", node.ID, "kind", node.Kind)
	return node.Clone(), true, nil
}

// Get implements Store
func (s *sqlStore) Get(ctx context.Context, id string) (*Node, error) {
	return s.getWith(ctx, s.db, id)
}

func (s *sqlStore) getWith(ctx context.Context, q querier, id string) (*Node, error) {
	row := q.QueryRowContext(ctx, s.d.rebind(`SELECT `+nodeColumns+` FROM graph_nodes WHERE id = ?`), id)
	n, err := s.scanNode(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("node %s: %w", id, faults.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query node: %w", err)
	}
	return n, nil
}

// FindByHash implements Store
func (s *sqlStore) FindByHash(ctx context.Context, kind NodeKind, hash string) (*Node, error) {
	query := s.d.rebind(`SELECT ` + nodeColumns + ` FROM graph_nodes WHERE kind = ? AND content_hash = ? ORDER BY created_at, id LIMIT 1`)
	n, err := s.scanNode(s.db.QueryRowContext(ctx, query, string(kind), hash))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s with hash %s: %w", kind, hash, faults.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query node by hash: %w", err)
	}
	return n, nil
}

// List implements Store
func (s *sqlStore) List(ctx context.Context, kind NodeKind) ([]*Node, error) {
	return s.listWith(ctx, s.db, kind)
}

func (s *sqlStore) listWith(ctx context.Context, q querier, kind NodeKind) ([]*Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM graph_nodes`
	var args []any
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY created_at, id`

	rows, err := q.QueryContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		n, err := s.scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating nodes: %w", err)
	}
	return nodes, nil
}

// Update implements Store with a version-checked UPDATE
func (s *sqlStore) Update(ctx context.Context, id string, fn func(*Node) error) (*Node, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		before, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		after := before.Clone()
		if err := fn(after); err != nil {
			return nil, err
		}
		if err := checkUpdate(before, after); err != nil {
			return nil, err
		}
		after.Version = before.Version + 1

		args, err := s.nodeArgs(after)
		if err != nil {
			return nil, err
		}
		query := s.d.rebind(`UPDATE graph_nodes
			SET content = ?, content_hash = ?, embedding = ?, confidence = ?, importance = ?, attrs = ?, payload = ?, version = ?
			WHERE id = ? AND version = ?`)
		res, err := s.db.ExecContext(ctx, query,
			args[2], args[3], args[4], args[5], args[6], args[7], args[8], after.Version,
			id, before.Version)
		if err != nil {
			return nil, fmt.Errorf("failed to update node: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to read update result: %w", err)
		}
		if affected == 1 {
			return after, nil
		}
		s.logger.Debug("Optimistic update conflict", "id", id, "attempt", attempt+1)
	}
	return nil, fmt.Errorf("node %s: %w", id, faults.ErrConflict)
}

// AddEdge implements Store
func (s *sqlStore) AddEdge(ctx context.Context, e *Edge) error {
	if err := e.Validate(); err != nil {
		return err
	}
	edge := prepareEdge(e)

	for _, id := range []string{edge.From, edge.To} {
		if _, err := s.Get(ctx, id); err != nil {
			return fmt.Errorf("edge endpoint: %w", err)
		}
	}
	if err := s.insertEdge(ctx, s.db, edge); err != nil {
		return fmt.Errorf("failed to insert edge: %w", err)
	}
	*e = *edge
	return nil
}

// Edges implements Store
func (s *sqlStore) Edges(ctx context.Context, nodeID string, dir Direction) ([]*Edge, error) {
	column := "from_id"
	if dir == Incoming {
		column = "to_id"
	}
	query := s.d.rebind(`SELECT ` + edgeColumns + ` FROM graph_edges WHERE ` + column + ` = ? ORDER BY created_at, id`)
	return s.queryEdges(ctx, s.db, query, nodeID)
}

func (s *sqlStore) queryEdges(ctx context.Context, q querier, query string, args ...any) ([]*Edge, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query edges: %w", err)
	}
	defer rows.Close()

	var edges []*Edge
	for rows.Next() {
		var e Edge
		var relation string
		var created int64
		if err := rows.Scan(&e.ID, &e.From, &e.To, &relation, &e.Strength, &created); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		e.Relation = Relation(relation)
		e.CreatedAt = time.UnixMicro(created).UTC()
		edges = append(edges, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating edges: %w", err)
	}
	return edges, nil
}

// Similar implements Store
func (s *sqlStore) Similar(ctx context.Context, kind NodeKind, vec []float32, limit int) ([]Scored, error) {
	if len(vec) == 0 {
		return nil, nil
	}
	return s.d.similar(ctx, s.db, kind, vec, limit)
}

// Snapshot implements Store inside a read transaction
func (s *sqlStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	nodes, err := s.listWith(ctx, tx, "")
	if err != nil {
		return nil, err
	}
	edges, err := s.queryEdges(ctx, tx, `SELECT `+edgeColumns+` FROM graph_edges ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{Nodes: nodes, Edges: edges}
	if snap.Nodes == nil {
		snap.Nodes = []*Node{}
	}
	if snap.Edges == nil {
		snap.Edges = []*Edge{}
	}
	snap.Sort()
	return snap, nil
}

// Restore implements Store, replacing all contents in one transaction
func (s *sqlStore) Restore(ctx context.Context, snap *Snapshot) error {
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("invalid snapshot: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin restore transaction: %w", err)
	}

	if err := s.restoreWith(ctx, tx, snap); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("failed to rollback restore: %v (original error: %w)", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit restore: %w", err)
	}

	s.logger.Info("Graph restored", "backend", s.d.name(), "nodes", len(snap.Nodes), "edges", len(snap.Edges))
	return nil
}

func (s *sqlStore) restoreWith(ctx context.Context, tx *sql.Tx, snap *Snapshot) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM graph_edges`); err != nil {
		return fmt.Errorf("failed to clear edges: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM graph_nodes`); err != nil {
		return fmt.Errorf("failed to clear nodes: %w", err)
	}
	for _, n := range snap.Nodes {
		c := n.Clone()
		c.CreatedAt = normalizeTime(c.CreatedAt)
		if err := s.insertNode(ctx, tx, c); err != nil {
			return fmt.Errorf("failed to restore node %s: %w", n.ID, err)
		}
	}
	for _, e := range snap.Edges {
		c := *e
		c.CreatedAt = normalizeTime(c.CreatedAt)
		if err := s.insertEdge(ctx, tx, &c); err != nil {
			return fmt.Errorf("failed to restore edge %s: %w", e.ID, err)
		}
	}
	return nil
}

// Close implements Store
func (s *sqlStore) Close() error {
	return s.db.Close()
}

// rebindDollar rewrites ? placeholders to $1, $2, ...
func rebindDollar(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
