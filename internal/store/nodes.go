package store

import (
	"context"
	"fmt"
	"time"
)

// Node is one mesh node's directory entry.
type Node struct {
	ID        string
	ShortName string
	LongName  string
	UpdatedAt time.Time
}

// UpsertNode records a node's names. Empty incoming names never overwrite
// known ones; NODEINFO broadcasts are not always complete.
func (s *Store) UpsertNode(ctx context.Context, node Node) error {
	if node.UpdatedAt.IsZero() {
		node.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (node_id, short_name, long_name, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			short_name = CASE WHEN excluded.short_name != '' THEN excluded.short_name ELSE nodes.short_name END,
			long_name  = CASE WHEN excluded.long_name  != '' THEN excluded.long_name  ELSE nodes.long_name  END,
			updated_at = excluded.updated_at
	`, node.ID, node.ShortName, node.LongName, node.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert node %s: %w", node.ID, err)
	}
	return nil
}

// LoadNodes returns the whole directory.
func (s *Store) LoadNodes(ctx context.Context) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT node_id, short_name, long_name, updated_at
		FROM nodes
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load nodes: %w", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		var n Node
		if err := rows.Scan(&n.ID, &n.ShortName, &n.LongName, &n.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating nodes: %w", err)
	}
	return nodes, nil
}
