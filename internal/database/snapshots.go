package database

import (
	"context"
	"fmt"

	"fsledger/internal/model"
)

func (s *SQLiteStore) GetSnapshot(ctx context.Context, id string) (*model.Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, mount_id, node_count, total_size, created_at FROM snapshots WHERE id = ?`, id)
	var snap model.Snapshot
	if err := row.Scan(&snap.ID, &snap.MountID, &snap.NodeCount, &snap.TotalSize, &snap.CreatedAt); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning snapshot: %w", err)
	}
	return &snap, nil
}

func (s *SQLiteStore) ListSnapshots(ctx context.Context, mountID string) ([]*model.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, mount_id, node_count, total_size, created_at
		 FROM snapshots WHERE mount_id = ? ORDER BY created_at DESC`,
		mountID)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*model.Snapshot
	for rows.Next() {
		var snap model.Snapshot
		if err := rows.Scan(&snap.ID, &snap.MountID, &snap.NodeCount, &snap.TotalSize, &snap.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}
		snaps = append(snaps, &snap)
	}
	return snaps, rows.Err()
}

func (s *SQLiteStore) ListSnapshotNodes(ctx context.Context, snapshotID string) ([]*model.SnapshotNode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT snapshot_id, node_id, path, kind, size, version
		 FROM snapshot_nodes WHERE snapshot_id = ? ORDER BY path`,
		snapshotID)
	if err != nil {
		return nil, fmt.Errorf("listing snapshot nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*model.SnapshotNode
	for rows.Next() {
		var n model.SnapshotNode
		if err := rows.Scan(&n.SnapshotID, &n.NodeID, &n.Path, &n.Kind, &n.Size, &n.Version); err != nil {
			return nil, fmt.Errorf("scanning snapshot node: %w", err)
		}
		nodes = append(nodes, &n)
	}
	return nodes, rows.Err()
}

func (t *sqliteTx) InsertSnapshot(ctx context.Context, snap *model.Snapshot) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO snapshots (id, mount_id, node_count, total_size, created_at) VALUES (?, ?, ?, ?, ?)`,
		snap.ID, snap.MountID, snap.NodeCount, snap.TotalSize, snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting snapshot: %w", err)
	}
	return nil
}

func (t *sqliteTx) InsertSnapshotNodes(ctx context.Context, snapshotID string, nodes []*model.Node) error {
	stmt, err := t.tx.PrepareContext(ctx,
		`INSERT INTO snapshot_nodes (snapshot_id, node_id, path, kind, size, version) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing snapshot node insert: %w", err)
	}
	defer stmt.Close()

	for _, n := range nodes {
		if _, err := stmt.ExecContext(ctx, snapshotID, n.ID, n.Path, n.Kind, n.Size, n.Version); err != nil {
			return fmt.Errorf("inserting snapshot node %s: %w", n.Path, err)
		}
	}
	return nil
}
