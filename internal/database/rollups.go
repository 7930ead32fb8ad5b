package database

import (
	"context"
	"database/sql"
	"fmt"

	"fsledger/internal/engine"
	"fsledger/internal/model"
)

const rollupColumns = `node_id, size, state, last_calculated_at`

func scanRollup(row rowScanner) (*model.Rollup, error) {
	var r model.Rollup
	var calculatedAt sql.NullTime
	err := row.Scan(&r.NodeID, &r.Size, &r.State, &calculatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning rollup: %w", err)
	}
	if calculatedAt.Valid {
		t := calculatedAt.Time
		r.LastCalculatedAt = &t
	}
	return &r, nil
}

func (s *SQLiteStore) GetRollup(ctx context.Context, nodeID string) (*model.Rollup, error) {
	return scanRollup(s.db.QueryRowContext(ctx,
		`SELECT `+rollupColumns+` FROM rollups WHERE node_id = ?`, nodeID))
}

// ListStaleRollupNodes returns active directory nodes whose rollup needs
// recomputation, deepest first so sweeps refresh children before parents.
func (s *SQLiteStore) ListStaleRollupNodes(ctx context.Context, mountID string) ([]*model.Node, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT n.id, n.mount_id, n.path, n.name, n.depth, n.kind, n.size, n.version,
		        n.state, n.deleted_at, n.created_at, n.updated_at
		 FROM active_nodes n
		 JOIN rollups r ON r.node_id = n.id
		 WHERE n.mount_id = ? AND r.state != 'up_to_date'
		 ORDER BY n.depth DESC, n.path`,
		mountID)
	if err != nil {
		return nil, fmt.Errorf("listing stale rollups: %w", err)
	}
	return scanNodes(rows)
}

func (t *sqliteTx) GetRollup(ctx context.Context, nodeID string) (*model.Rollup, error) {
	return scanRollup(t.tx.QueryRowContext(ctx,
		`SELECT `+rollupColumns+` FROM rollups WHERE node_id = ?`, nodeID))
}

func (t *sqliteTx) InsertRollup(ctx context.Context, r *model.Rollup) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO rollups (`+rollupColumns+`) VALUES (?, ?, ?, ?)`,
		r.NodeID, r.Size, r.State, r.LastCalculatedAt)
	if err != nil {
		return fmt.Errorf("inserting rollup: %w", err)
	}
	return nil
}

// MarkRollupStale is idempotent: re-marking a stale rollup changes nothing.
// A rollup never regresses from up_to_date except through this call, which
// only mutation transactions reach.
func (t *sqliteTx) MarkRollupStale(ctx context.Context, nodeID string) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE rollups SET state = ? WHERE node_id = ?`,
		model.RollupStateStale, nodeID)
	if err != nil {
		return fmt.Errorf("marking rollup stale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: no rollup for node %s", engine.ErrNotFound, nodeID)
	}
	return nil
}

func (t *sqliteTx) SetRollup(ctx context.Context, r *model.Rollup) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE rollups SET size = ?, state = ?, last_calculated_at = ? WHERE node_id = ?`,
		r.Size, r.State, r.LastCalculatedAt, r.NodeID)
	if err != nil {
		return fmt.Errorf("storing rollup: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: no rollup for node %s", engine.ErrNotFound, r.NodeID)
	}
	return nil
}
