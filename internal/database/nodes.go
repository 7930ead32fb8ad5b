package database

import (
	"context"
	"database/sql"
	"fmt"

	"fsledger/internal/engine"
	"fsledger/internal/model"
)

const nodeColumns = `id, mount_id, path, name, depth, kind, size, version, state, deleted_at, created_at, updated_at`

func scanNode(row rowScanner) (*model.Node, error) {
	var n model.Node
	var deletedAt sql.NullTime
	err := row.Scan(&n.ID, &n.MountID, &n.Path, &n.Name, &n.Depth, &n.Kind, &n.Size,
		&n.Version, &n.State, &deletedAt, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning node: %w", err)
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		n.DeletedAt = &t
	}
	return &n, nil
}

func scanNodes(rows *sql.Rows) ([]*model.Node, error) {
	defer rows.Close()
	var nodes []*model.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func getActiveNodeByPath(ctx context.Context, q querier, mountID, path string) (*model.Node, error) {
	return scanNode(q.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM active_nodes WHERE mount_id = ? AND path = ?`,
		mountID, path))
}

func getNodeByID(ctx context.Context, q querier, id string) (*model.Node, error) {
	return scanNode(q.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id))
}

// childPrefix is the prefix every direct or indirect child path of
// parentPath starts with.
func childPrefix(parentPath string) string {
	if parentPath == engine.RootPath {
		return "/"
	}
	return parentPath + "/"
}

func listChildren(ctx context.Context, q querier, mountID, parentPath string, includeDeleted bool) ([]*model.Node, error) {
	table := "active_nodes"
	if includeDeleted {
		table = "nodes"
	}
	prefix := childPrefix(parentPath)
	// substr comparison instead of LIKE: paths may contain LIKE wildcards.
	rows, err := q.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM `+table+`
		 WHERE mount_id = ? AND depth = ? AND substr(path, 1, ?) = ?
		 ORDER BY path`,
		mountID, engine.Depth(parentPath)+1, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("listing children: %w", err)
	}
	return scanNodes(rows)
}

// Store-level reads (no transaction held).

func (s *SQLiteStore) GetNodeByID(ctx context.Context, id string) (*model.Node, error) {
	return getNodeByID(ctx, s.db, id)
}

func (s *SQLiteStore) GetNodeByPath(ctx context.Context, mountID, path string, includeDeleted bool) (*model.Node, error) {
	if !includeDeleted {
		return getActiveNodeByPath(ctx, s.db, mountID, path)
	}
	// Most recent occupant of the path; an active row wins over deleted
	// predecessors.
	return scanNode(s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes
		 WHERE mount_id = ? AND path = ?
		 ORDER BY (state = 'active') DESC, created_at DESC, id DESC
		 LIMIT 1`,
		mountID, path))
}

func (s *SQLiteStore) ListChildren(ctx context.Context, mountID, parentPath string, includeDeleted bool) ([]*model.Node, error) {
	return listChildren(ctx, s.db, mountID, parentPath, includeDeleted)
}

// Transactional node operations.

func (t *sqliteTx) GetActiveNodeByPath(ctx context.Context, mountID, path string) (*model.Node, error) {
	return getActiveNodeByPath(ctx, t.tx, mountID, path)
}

func (t *sqliteTx) GetNodeByID(ctx context.Context, id string) (*model.Node, error) {
	return getNodeByID(ctx, t.tx, id)
}

func (t *sqliteTx) InsertNode(ctx context.Context, n *model.Node) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO nodes (`+nodeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.MountID, n.Path, n.Name, n.Depth, n.Kind, n.Size,
		n.Version, n.State, n.DeletedAt, n.CreatedAt, n.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", engine.ErrAlreadyExists, n.Path)
		}
		return fmt.Errorf("inserting node: %w", err)
	}
	return nil
}

// UpdateNode writes a node whose Version the caller already bumped. The
// guard on the previous version makes version numbers strictly increasing
// even across concurrent retries: a lost race surfaces as a conflict
// instead of a silent double bump.
func (t *sqliteTx) UpdateNode(ctx context.Context, n *model.Node) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE nodes SET size = ?, version = ?, state = ?, deleted_at = ?, updated_at = ?
		 WHERE id = ? AND version = ?`,
		n.Size, n.Version, n.State, n.DeletedAt, n.UpdatedAt, n.ID, n.Version-1)
	if err != nil {
		return fmt.Errorf("updating node: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: node %s at version %d", engine.ErrVersionConflict, n.Path, n.Version-1)
	}
	return nil
}

func (t *sqliteTx) ListActiveChildren(ctx context.Context, mountID, parentPath string) ([]*model.Node, error) {
	return listChildren(ctx, t.tx, mountID, parentPath, false)
}

func (t *sqliteTx) ListActiveSubtree(ctx context.Context, mountID, rootPath string) ([]*model.Node, error) {
	prefix := childPrefix(rootPath)
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM active_nodes
		 WHERE mount_id = ? AND (path = ? OR substr(path, 1, ?) = ?)
		 ORDER BY depth, path`,
		mountID, rootPath, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("listing subtree: %w", err)
	}
	return scanNodes(rows)
}

func (t *sqliteTx) CountActiveChildren(ctx context.Context, mountID, parentPath string) (int64, error) {
	prefix := childPrefix(parentPath)
	var count int64
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM active_nodes
		 WHERE mount_id = ? AND depth = ? AND substr(path, 1, ?) = ?`,
		mountID, engine.Depth(parentPath)+1, len(prefix), prefix).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting children: %w", err)
	}
	return count, nil
}

func (t *sqliteTx) ListActiveNodes(ctx context.Context, mountID string) ([]*model.Node, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM active_nodes WHERE mount_id = ? ORDER BY depth, path`,
		mountID)
	if err != nil {
		return nil, fmt.Errorf("listing active nodes: %w", err)
	}
	return scanNodes(rows)
}
