package engine

import (
	"context"
	"fmt"

	"fsledger/internal/model"
)

// Rollups is the aggregator that keeps per-directory size aggregates
// eventually consistent. Staleness marking happens inside the mutation
// transaction that changed the children; recomputation runs later in its
// own transaction, safe to run concurrently with new mutations because it
// only reads active children and always starts from current row contents.
type Rollups struct {
	store Store
	clock Clock
	log   Logger
}

func NewRollups(store Store, clock Clock, log Logger) *Rollups {
	return &Rollups{store: store, clock: clock, log: log}
}

// MarkAncestorsStale flags the rollup of every strict ancestor directory of
// path, up to and including the mount root. Idempotent: marking a stale
// rollup stale again is a no-op write.
func (r *Rollups) MarkAncestorsStale(ctx context.Context, tx Tx, mountID, path string) error {
	for _, ancestor := range AncestorPaths(path) {
		dir, err := tx.GetActiveNodeByPath(ctx, mountID, ancestor)
		if err != nil {
			return fmt.Errorf("loading ancestor %s: %w", ancestor, err)
		}
		if dir == nil {
			return &InternalError{Msg: "ancestor chain broken at " + ancestor}
		}
		if err := tx.MarkRollupStale(ctx, dir.ID); err != nil {
			return fmt.Errorf("marking %s stale: %w", ancestor, err)
		}
	}
	return nil
}

// Get returns the rollup for a directory node, recomputing it first when it
// is not up to date. This is the lazy policy: readers pay the recompute
// cost, leaf mutations never fan out.
func (r *Rollups) Get(ctx context.Context, nodeID string) (*model.Rollup, error) {
	rollup, err := r.store.GetRollup(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("loading rollup: %w", err)
	}
	if rollup == nil {
		return nil, fmt.Errorf("%w: rollup for node %s", ErrNotFound, nodeID)
	}
	if rollup.State == model.RollupStateUpToDate {
		return rollup, nil
	}
	return r.Recompute(ctx, nodeID)
}

// Recompute recalculates a directory's aggregate from its direct children:
// files contribute their size, child directories contribute their own
// rollup (refreshed first if stale). Cost is O(children) per level rather
// than O(subtree), because up-to-date child rollups are trusted.
func (r *Rollups) Recompute(ctx context.Context, nodeID string) (*model.Rollup, error) {
	var result *model.Rollup
	err := r.store.Mutate(ctx, func(tx Tx) error {
		rollup, err := r.recomputeInTx(ctx, tx, nodeID)
		if err != nil {
			return err
		}
		result = rollup
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.log.Debug("rollup recomputed", "node", nodeID, "size", result.Size)
	return result, nil
}

func (r *Rollups) recomputeInTx(ctx context.Context, tx Tx, nodeID string) (*model.Rollup, error) {
	node, err := tx.GetNodeByID(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("loading node: %w", err)
	}
	if node == nil {
		return nil, fmt.Errorf("%w: node %s", ErrNotFound, nodeID)
	}
	if node.Kind != model.NodeKindDirectory {
		return nil, fmt.Errorf("%w: node %s is not a directory", ErrInvalidPath, nodeID)
	}

	children, err := tx.ListActiveChildren(ctx, node.MountID, node.Path)
	if err != nil {
		return nil, fmt.Errorf("listing children: %w", err)
	}

	var total int64
	for _, child := range children {
		switch child.Kind {
		case model.NodeKindFile:
			total += child.Size
		case model.NodeKindDirectory:
			childRollup, err := tx.GetRollup(ctx, child.ID)
			if err != nil {
				return nil, fmt.Errorf("loading child rollup: %w", err)
			}
			if childRollup == nil {
				return nil, &InternalError{Msg: "directory " + child.Path + " has no rollup"}
			}
			if childRollup.State != model.RollupStateUpToDate {
				childRollup, err = r.recomputeInTx(ctx, tx, child.ID)
				if err != nil {
					return nil, err
				}
			}
			total += childRollup.Size
		}
	}

	now := r.clock.Now()
	rollup := &model.Rollup{
		NodeID:           nodeID,
		Size:             total,
		State:            model.RollupStateUpToDate,
		LastCalculatedAt: &now,
	}
	if err := tx.SetRollup(ctx, rollup); err != nil {
		return nil, fmt.Errorf("storing rollup: %w", err)
	}
	return rollup, nil
}

// SweepMount recomputes every stale rollup in a mount, deepest directories
// first so parents see fresh child aggregates. Returns the number of
// rollups recomputed.
func (r *Rollups) SweepMount(ctx context.Context, mountID string) (int, error) {
	stale, err := r.store.ListStaleRollupNodes(ctx, mountID)
	if err != nil {
		return 0, fmt.Errorf("listing stale rollups: %w", err)
	}
	swept := 0
	for _, node := range stale {
		if _, err := r.Recompute(ctx, node.ID); err != nil {
			return swept, fmt.Errorf("recomputing %s: %w", node.Path, err)
		}
		swept++
	}
	return swept, nil
}
