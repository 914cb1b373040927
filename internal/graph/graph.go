// Package graph holds the group membership graph: the SQLite-backed store
// used to persist and query direct membership, and the resolver that
// flattens nested membership into per-user role grants.
package graph

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/azenumrbac/azenumrbac/internal/core"
	"github.com/google/uuid"
)

// Store provides membership graph read/write operations backed by SQLite.
type Store struct {
	db            *sql.DB
	workspaceUUID string
}

// NewStore creates a graph store for the given workspace.
func NewStore(db *sql.DB, workspaceUUID string) *Store {
	return &Store{db: db, workspaceUUID: workspaceUUID}
}

// AddNode inserts or updates a principal node.
func (s *Store) AddNode(p core.Principal, metadata map[string]any) error {
	metadataJSON, _ := json.Marshal(metadata)
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO graph_nodes (id, workspace_uuid, node_type, label, metadata, discovered_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, s.workspaceUUID, string(p.Kind), p.DisplayName, string(metadataJSON),
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// AddEdge records that memberID is a direct member of groupID. Re-adding an
// existing membership refreshes its kind and discovery time.
func (s *Store) AddEdge(edge core.MembershipEdge) (string, error) {
	if edge.UUID == "" {
		edge.UUID = uuid.New().String()
	}
	if edge.DiscoveredAt.IsZero() {
		edge.DiscoveredAt = time.Now().UTC()
	}
	if edge.MemberKind == "" {
		edge.MemberKind = core.KindUnknown
	}

	var existing string
	err := s.db.QueryRow(
		`SELECT uuid FROM graph_edges WHERE workspace_uuid = ? AND group_id = ? AND member_id = ?`,
		s.workspaceUUID, edge.GroupID, edge.MemberID,
	).Scan(&existing)
	if err == nil {
		_, err = s.db.Exec(
			`UPDATE graph_edges SET member_kind = ?, discovered_at = ? WHERE uuid = ?`,
			string(edge.MemberKind), edge.DiscoveredAt.Format(time.RFC3339), existing,
		)
		return existing, err
	}

	_, err = s.db.Exec(
		`INSERT INTO graph_edges (uuid, workspace_uuid, group_id, member_id, member_kind, discovered_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		edge.UUID, s.workspaceUUID, edge.GroupID, edge.MemberID,
		string(edge.MemberKind), edge.DiscoveredAt.Format(time.RFC3339),
	)
	return edge.UUID, err
}

// Replace swaps the stored graph for the given inventory in one
// transaction. Member kinds come from the inventory principals; members
// that are not in the inventory are stored with kind unknown.
func (s *Store) Replace(inv Inventory) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning graph transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM graph_edges WHERE workspace_uuid = ?", s.workspaceUUID); err != nil {
		return fmt.Errorf("clearing edges: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM graph_nodes WHERE workspace_uuid = ?", s.workspaceUUID); err != nil {
		return fmt.Errorf("clearing nodes: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)

	nodeStmt, err := tx.Prepare(
		`INSERT OR REPLACE INTO graph_nodes (id, workspace_uuid, node_type, label, metadata, discovered_at)
		 VALUES (?, ?, ?, ?, '{}', ?)`)
	if err != nil {
		return err
	}
	defer nodeStmt.Close()

	for _, id := range sortedKeys(inv.Principals) {
		p := inv.Principals[id]
		if _, err := nodeStmt.Exec(p.ID, s.workspaceUUID, string(p.Kind), p.DisplayName, now); err != nil {
			return fmt.Errorf("inserting node %s: %w", p.ID, err)
		}
	}

	edgeStmt, err := tx.Prepare(
		`INSERT OR IGNORE INTO graph_edges (uuid, workspace_uuid, group_id, member_id, member_kind, discovered_at)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer edgeStmt.Close()

	for _, gid := range sortedKeys(inv.Groups) {
		for _, mid := range inv.Groups[gid].Members {
			kind := core.KindUnknown
			if p, ok := inv.Principals[mid]; ok {
				kind = p.Kind
			}
			if _, err := edgeStmt.Exec(uuid.New().String(), s.workspaceUUID, gid, mid, string(kind), now); err != nil {
				return fmt.Errorf("inserting edge %s -> %s: %w", gid, mid, err)
			}
		}
	}

	return tx.Commit()
}

// Members returns the direct members of a group.
func (s *Store) Members(groupID string) ([]core.MembershipEdge, error) {
	return s.queryEdges("AND group_id = ?", groupID)
}

// Parents returns the edges of every group that directly contains memberID.
func (s *Store) Parents(memberID string) ([]core.MembershipEdge, error) {
	return s.queryEdges("AND member_id = ?", memberID)
}

// AllEdges returns all membership edges in the workspace.
func (s *Store) AllEdges() ([]core.MembershipEdge, error) {
	return s.queryEdges("")
}

// Node returns a stored principal node.
func (s *Store) Node(id string) (core.Principal, error) {
	var p core.Principal
	var kind string
	err := s.db.QueryRow(
		"SELECT id, node_type, label FROM graph_nodes WHERE workspace_uuid = ? AND id = ?",
		s.workspaceUUID, id,
	).Scan(&p.ID, &kind, &p.DisplayName)
	if err != nil {
		return p, fmt.Errorf("node %s: %w", id, err)
	}
	p.Kind = core.PrincipalKind(kind)
	return p, nil
}

// FindPath uses BFS to find the shortest membership chain from a group down
// to one of its transitive members. The returned edges start at groupID.
func (s *Store) FindPath(groupID, memberID string) ([]core.MembershipEdge, error) {
	edges, err := s.AllEdges()
	if err != nil {
		return nil, err
	}

	adj := make(map[string][]core.MembershipEdge)
	for _, e := range edges {
		adj[e.GroupID] = append(adj[e.GroupID], e)
	}

	type queueItem struct {
		nodeID string
		path   []core.MembershipEdge
	}

	visited := map[string]bool{groupID: true}
	queue := []queueItem{{nodeID: groupID}}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, edge := range adj[current.nodeID] {
			if visited[edge.MemberID] {
				continue
			}
			visited[edge.MemberID] = true

			path := make([]core.MembershipEdge, len(current.path)+1)
			copy(path, current.path)
			path[len(current.path)] = edge

			if edge.MemberID == memberID {
				return path, nil
			}
			queue = append(queue, queueItem{nodeID: edge.MemberID, path: path})
		}
	}

	return nil, fmt.Errorf("no membership path from %s to %s", groupID, memberID)
}

// Stats returns node, edge and group counts.
func (s *Store) Stats() (nodes, edges, groups int, err error) {
	if err = s.db.QueryRow("SELECT COUNT(*) FROM graph_nodes WHERE workspace_uuid = ?", s.workspaceUUID).Scan(&nodes); err != nil {
		return
	}
	if err = s.db.QueryRow("SELECT COUNT(*) FROM graph_edges WHERE workspace_uuid = ?", s.workspaceUUID).Scan(&edges); err != nil {
		return
	}
	err = s.db.QueryRow("SELECT COUNT(DISTINCT group_id) FROM graph_edges WHERE workspace_uuid = ?", s.workspaceUUID).Scan(&groups)
	return
}

// Snapshot exports the complete graph state as JSON.
func (s *Store) Snapshot() ([]byte, error) {
	edges, err := s.AllEdges()
	if err != nil {
		return nil, err
	}

	nodeRows, err := s.db.Query(
		"SELECT id, node_type, label FROM graph_nodes WHERE workspace_uuid = ? ORDER BY id",
		s.workspaceUUID,
	)
	if err != nil {
		return nil, err
	}
	defer nodeRows.Close()

	type nodeInfo struct {
		ID    string `json:"id"`
		Type  string `json:"type"`
		Label string `json:"label,omitempty"`
	}

	var nodes []nodeInfo
	for nodeRows.Next() {
		var n nodeInfo
		if err := nodeRows.Scan(&n.ID, &n.Type, &n.Label); err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}

	snapshot := map[string]any{
		"workspace_uuid": s.workspaceUUID,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"nodes":          nodes,
		"edges":          edges,
	}
	return json.MarshalIndent(snapshot, "", "  ")
}

func (s *Store) queryEdges(filter string, args ...any) ([]core.MembershipEdge, error) {
	rows, err := s.db.Query(
		`SELECT uuid, workspace_uuid, group_id, member_id, member_kind, discovered_at
		 FROM graph_edges WHERE workspace_uuid = ? `+filter+` ORDER BY group_id, member_id`,
		append([]any{s.workspaceUUID}, args...)...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []core.MembershipEdge
	for rows.Next() {
		var e core.MembershipEdge
		var kind, discoveredAt string
		if err := rows.Scan(&e.UUID, &e.WorkspaceUUID, &e.GroupID, &e.MemberID, &kind, &discoveredAt); err != nil {
			return nil, err
		}
		e.MemberKind = core.PrincipalKind(kind)
		e.DiscoveredAt, _ = time.Parse(time.RFC3339, discoveredAt)
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
