package database

import (
	"context"
	"fmt"
	"time"

	"fsledger/internal/engine"
	"fsledger/internal/model"
)

const mountColumns = `id, mount_key, kind, root, config, state, created_at, updated_at`

// CreateMount inserts the mount, its root directory node, and the root
// rollup in one transaction, so a mount never exists without a namespace
// root to hang nodes from.
func (s *SQLiteStore) CreateMount(ctx context.Context, mount *model.BackendMount, root *model.Node) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO backend_mounts (`+mountColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		mount.ID, mount.Key, mount.Kind, mount.Root, mount.Config, mount.State, mount.CreatedAt, mount.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: mount key %s", engine.ErrAlreadyExists, mount.Key)
		}
		return fmt.Errorf("inserting mount: %w", err)
	}

	qtx := &sqliteTx{tx: tx}
	if err := qtx.InsertNode(ctx, root); err != nil {
		return fmt.Errorf("inserting root node: %w", err)
	}
	if err := qtx.InsertRollup(ctx, &model.Rollup{NodeID: root.ID, State: model.RollupStateUpToDate}); err != nil {
		return fmt.Errorf("inserting root rollup: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetMount(ctx context.Context, id string) (*model.BackendMount, error) {
	return scanMount(s.db.QueryRowContext(ctx,
		`SELECT `+mountColumns+` FROM backend_mounts WHERE id = ?`, id))
}

func (s *SQLiteStore) GetMountByKey(ctx context.Context, key string) (*model.BackendMount, error) {
	return scanMount(s.db.QueryRowContext(ctx,
		`SELECT `+mountColumns+` FROM backend_mounts WHERE mount_key = ?`, key))
}

func (s *SQLiteStore) ListMounts(ctx context.Context) ([]*model.BackendMount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+mountColumns+` FROM backend_mounts ORDER BY mount_key`)
	if err != nil {
		return nil, fmt.Errorf("listing mounts: %w", err)
	}
	defer rows.Close()

	var mounts []*model.BackendMount
	for rows.Next() {
		m, err := scanMount(rows)
		if err != nil {
			return nil, err
		}
		mounts = append(mounts, m)
	}
	return mounts, rows.Err()
}

func (s *SQLiteStore) SetMountState(ctx context.Context, id string, state model.MountState, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE backend_mounts SET state = ?, updated_at = ? WHERE id = ?`, state, now, id)
	if err != nil {
		return fmt.Errorf("updating mount state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: mount %s", engine.ErrNotFound, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMount(row rowScanner) (*model.BackendMount, error) {
	var m model.BackendMount
	err := row.Scan(&m.ID, &m.Key, &m.Kind, &m.Root, &m.Config, &m.State, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning mount: %w", err)
	}
	return &m, nil
}
