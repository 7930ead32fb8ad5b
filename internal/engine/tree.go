package engine

import (
	"context"
	"fmt"

	"fsledger/internal/model"
)

// Tree owns node rows: the hierarchical namespace with versioning and soft
// delete. Its methods run inside a caller-provided mutation transaction so
// tree changes commit together with rollup staleness marking and journal
// completion.
//
// Version discipline: every mutation that changes a tracked column bumps
// Version by exactly one, inside the same write, via the guarded
// Tx.UpdateNode. There are no triggers; the invariant lives here.
type Tree struct {
	clock Clock
	idgen IDGenerator
}

func NewTree(clock Clock, idgen IDGenerator) *Tree {
	return &Tree{clock: clock, idgen: idgen}
}

// NewRootNode builds the implicit directory node every mount starts with.
func (t *Tree) NewRootNode(mountID string) *model.Node {
	now := t.clock.Now()
	return &model.Node{
		ID:        t.idgen.New(),
		MountID:   mountID,
		Path:      RootPath,
		Name:      "/",
		Depth:     0,
		Kind:      model.NodeKindDirectory,
		Version:   1,
		State:     model.NodeStateActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// requireParentDirectory checks that the parent of path exists as an active
// directory. Missing or non-directory parents are invalid paths: parents
// are never auto-created.
func (t *Tree) requireParentDirectory(ctx context.Context, tx Tx, mountID, path string) error {
	parent, err := tx.GetActiveNodeByPath(ctx, mountID, ParentPath(path))
	if err != nil {
		return fmt.Errorf("loading parent: %w", err)
	}
	if parent == nil {
		return fmt.Errorf("%w: parent of %s does not exist", ErrInvalidPath, path)
	}
	if parent.Kind != model.NodeKindDirectory {
		return fmt.Errorf("%w: parent of %s is not a directory", ErrInvalidPath, path)
	}
	return nil
}

// Create inserts a node at path, or with overwrite updates the existing
// file's size as a versioned mutation. Returns the node and whether a new
// row was created.
func (t *Tree) Create(ctx context.Context, tx Tx, mountID, path string, kind model.NodeKind, size int64, overwrite bool) (*model.Node, bool, error) {
	if path == RootPath {
		return nil, false, fmt.Errorf("%w: mount root already exists", ErrAlreadyExists)
	}
	if err := t.requireParentDirectory(ctx, tx, mountID, path); err != nil {
		return nil, false, err
	}

	existing, err := tx.GetActiveNodeByPath(ctx, mountID, path)
	if err != nil {
		return nil, false, fmt.Errorf("loading node: %w", err)
	}
	if existing != nil {
		if !overwrite || existing.Kind != model.NodeKindFile || kind != model.NodeKindFile {
			return nil, false, fmt.Errorf("%w: %s", ErrAlreadyExists, path)
		}
		// Overwrite semantics: the slot keeps its node, the content
		// changed, so the row takes one version bump.
		existing.Size = size
		existing.Version++
		existing.UpdatedAt = t.clock.Now()
		if err := tx.UpdateNode(ctx, existing); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	now := t.clock.Now()
	node := &model.Node{
		ID:        t.idgen.New(),
		MountID:   mountID,
		Path:      path,
		Name:      BaseName(path),
		Depth:     Depth(path),
		Kind:      kind,
		Size:      size,
		Version:   1,
		State:     model.NodeStateActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.InsertNode(ctx, node); err != nil {
		return nil, false, err
	}
	if kind == model.NodeKindDirectory {
		// A rollup exists from the moment its directory does.
		err := tx.InsertRollup(ctx, &model.Rollup{NodeID: node.ID, State: model.RollupStateUpToDate})
		if err != nil {
			return nil, false, fmt.Errorf("creating rollup: %w", err)
		}
	}
	return node, true, nil
}

// SoftDelete marks the node at path deleted. Directories with active
// children are rejected unless recursive, in which case the whole active
// subtree is deleted, each node taking its own version bump. Returns every
// deleted node, the target first.
func (t *Tree) SoftDelete(ctx context.Context, tx Tx, mountID, path string, recursive bool) ([]*model.Node, error) {
	if path == RootPath {
		return nil, fmt.Errorf("%w: cannot delete mount root", ErrInvalidPath)
	}
	node, err := tx.GetActiveNodeByPath(ctx, mountID, path)
	if err != nil {
		return nil, fmt.Errorf("loading node: %w", err)
	}
	if node == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	targets := []*model.Node{node}
	if node.Kind == model.NodeKindDirectory {
		children, err := tx.CountActiveChildren(ctx, mountID, path)
		if err != nil {
			return nil, fmt.Errorf("counting children: %w", err)
		}
		if children > 0 {
			if !recursive {
				return nil, fmt.Errorf("%w: %s", ErrNotEmpty, path)
			}
			subtree, err := tx.ListActiveSubtree(ctx, mountID, path)
			if err != nil {
				return nil, fmt.Errorf("listing subtree: %w", err)
			}
			targets = subtree
		}
	}

	now := t.clock.Now()
	for _, n := range targets {
		n.State = model.NodeStateDeleted
		deletedAt := now
		n.DeletedAt = &deletedAt
		n.Version++
		n.UpdatedAt = now
		if err := tx.UpdateNode(ctx, n); err != nil {
			return nil, err
		}
	}

	// Put the requested node first for callers that report one result.
	for i, n := range targets {
		if n.Path == path {
			targets[0], targets[i] = targets[i], targets[0]
			break
		}
	}
	return targets, nil
}

// Move relocates the subtree at src to dst: every destination node is a new
// row at version 1 and every source node is soft-deleted with its own
// version bump, all in this one transaction. With copyOnly the sources stay
// untouched. Returns the new node at dst and, for moves, the soft-deleted
// source node.
func (t *Tree) Move(ctx context.Context, tx Tx, mountID, src, dst string, copyOnly bool) (*model.Node, *model.Node, error) {
	if src == RootPath {
		return nil, nil, fmt.Errorf("%w: cannot move mount root", ErrInvalidPath)
	}
	if dst == RootPath || src == dst {
		return nil, nil, fmt.Errorf("%w: destination %s", ErrInvalidPath, dst)
	}
	if IsPathWithin(dst, src) {
		return nil, nil, fmt.Errorf("%w: destination %s is inside source %s", ErrInvalidPath, dst, src)
	}

	srcNode, err := tx.GetActiveNodeByPath(ctx, mountID, src)
	if err != nil {
		return nil, nil, fmt.Errorf("loading source: %w", err)
	}
	if srcNode == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, src)
	}
	if err := t.requireParentDirectory(ctx, tx, mountID, dst); err != nil {
		return nil, nil, err
	}
	dstExisting, err := tx.GetActiveNodeByPath(ctx, mountID, dst)
	if err != nil {
		return nil, nil, fmt.Errorf("loading destination: %w", err)
	}
	if dstExisting != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrAlreadyExists, dst)
	}

	sources := []*model.Node{srcNode}
	if srcNode.Kind == model.NodeKindDirectory {
		sources, err = tx.ListActiveSubtree(ctx, mountID, src)
		if err != nil {
			return nil, nil, fmt.Errorf("listing subtree: %w", err)
		}
	}

	now := t.clock.Now()
	var dstNode *model.Node
	for _, s := range sources {
		mapped := RebasePath(s.Path, src, dst)
		n := &model.Node{
			ID:        t.idgen.New(),
			MountID:   mountID,
			Path:      mapped,
			Name:      BaseName(mapped),
			Depth:     Depth(mapped),
			Kind:      s.Kind,
			Size:      s.Size,
			Version:   1,
			State:     model.NodeStateActive,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.InsertNode(ctx, n); err != nil {
			return nil, nil, err
		}
		if n.Kind == model.NodeKindDirectory {
			// Copied directories start stale: their aggregate is
			// unknown until the first recompute.
			err := tx.InsertRollup(ctx, &model.Rollup{NodeID: n.ID, State: model.RollupStateStale})
			if err != nil {
				return nil, nil, fmt.Errorf("creating rollup: %w", err)
			}
		}
		if s.Path == src {
			dstNode = n
		}
	}

	if copyOnly {
		return dstNode, nil, nil
	}

	for _, s := range sources {
		s.State = model.NodeStateDeleted
		deletedAt := now
		s.DeletedAt = &deletedAt
		s.Version++
		s.UpdatedAt = now
		if err := tx.UpdateNode(ctx, s); err != nil {
			return nil, nil, err
		}
	}
	return dstNode, srcNode, nil
}
