package engine

import (
	"context"
	"time"

	"fsledger/internal/model"
)

// Store is the persistence contract for the engine, implemented by the
// database package. Read methods return (nil, nil) when the row does not
// exist; the engine decides which absences are errors.
type Store interface {
	// Mounts

	// CreateMount inserts a mount together with its root directory node
	// and that node's rollup, atomically. Returns ErrAlreadyExists when
	// the mount key is taken.
	CreateMount(ctx context.Context, mount *model.BackendMount, root *model.Node) error
	GetMount(ctx context.Context, id string) (*model.BackendMount, error)
	GetMountByKey(ctx context.Context, key string) (*model.BackendMount, error)
	ListMounts(ctx context.Context) ([]*model.BackendMount, error)
	SetMountState(ctx context.Context, id string, state model.MountState, now time.Time) error

	// Journal

	// InsertJournalEntry inserts a pending entry. Returns the
	// duplicate-key signal (see IsDuplicateKey) when the idempotency key
	// is already taken.
	InsertJournalEntry(ctx context.Context, e *model.JournalEntry) error
	GetJournalEntry(ctx context.Context, id string) (*model.JournalEntry, error)
	GetJournalEntryByKey(ctx context.Context, key string) (*model.JournalEntry, error)
	// ReclaimJournalEntry flips one failed retryable entry back to pending
	// for a new attempt. Returns false when the entry is no longer in that
	// state (a concurrent reclaim won).
	ReclaimJournalEntry(ctx context.Context, id string, now time.Time) (bool, error)
	// CompleteJournalEntry transitions pending to a terminal status.
	// Returns ErrVersionConflict if the entry is not pending.
	CompleteJournalEntry(ctx context.Context, id string, status model.JournalStatus, affectedNodeIDs []string, errorKind, errMsg string, retryable bool, completedAt time.Time) error
	ListPendingJournalEntriesBefore(ctx context.Context, cutoff time.Time) ([]*model.JournalEntry, error)
	ListRecentJournalEntries(ctx context.Context, limit int) ([]*model.JournalEntry, error)

	// Node reads outside a mutation transaction.

	GetNodeByID(ctx context.Context, id string) (*model.Node, error)
	// GetNodeByPath returns the active node at the path, or with
	// includeDeleted the most recent node regardless of state (active
	// rows win over deleted ones).
	GetNodeByPath(ctx context.Context, mountID, path string, includeDeleted bool) (*model.Node, error)
	ListChildren(ctx context.Context, mountID, parentPath string, includeDeleted bool) ([]*model.Node, error)

	// Rollup reads outside a mutation transaction.

	GetRollup(ctx context.Context, nodeID string) (*model.Rollup, error)
	// ListStaleRollupNodes returns directory nodes with stale or pending
	// rollups for a mount, deepest first, so a sweep can recompute
	// children before parents.
	ListStaleRollupNodes(ctx context.Context, mountID string) ([]*model.Node, error)

	// Snapshots

	GetSnapshot(ctx context.Context, id string) (*model.Snapshot, error)
	ListSnapshots(ctx context.Context, mountID string) ([]*model.Snapshot, error)
	ListSnapshotNodes(ctx context.Context, snapshotID string) ([]*model.SnapshotNode, error)

	// Mutate runs fn inside one database transaction. Everything a logical
	// operation persists — tree change, rollup staleness, journal
	// completion — happens through the Tx so a reader never observes a
	// node change without its ancestor chain marked stale.
	Mutate(ctx context.Context, fn func(tx Tx) error) error

	Close() error
}

// Tx is the set of row operations available inside one mutation transaction.
type Tx interface {
	GetActiveNodeByPath(ctx context.Context, mountID, path string) (*model.Node, error)
	GetNodeByID(ctx context.Context, id string) (*model.Node, error)
	// InsertNode inserts a node. Returns ErrAlreadyExists when an active
	// node occupies the path: the partial unique index on active rows is
	// what serializes racing creates at one path.
	InsertNode(ctx context.Context, n *model.Node) error
	// UpdateNode persists a node whose Version was already bumped by the
	// caller. The write is guarded on Version-1 still being the stored
	// version; ErrVersionConflict reports a lost race.
	UpdateNode(ctx context.Context, n *model.Node) error
	ListActiveChildren(ctx context.Context, mountID, parentPath string) ([]*model.Node, error)
	// ListActiveSubtree returns the node at rootPath and every active
	// descendant, shallowest first.
	ListActiveSubtree(ctx context.Context, mountID, rootPath string) ([]*model.Node, error)
	CountActiveChildren(ctx context.Context, mountID, parentPath string) (int64, error)
	ListActiveNodes(ctx context.Context, mountID string) ([]*model.Node, error)

	InsertRollup(ctx context.Context, r *model.Rollup) error
	MarkRollupStale(ctx context.Context, nodeID string) error
	GetRollup(ctx context.Context, nodeID string) (*model.Rollup, error)
	SetRollup(ctx context.Context, r *model.Rollup) error

	CompleteJournalEntry(ctx context.Context, id string, status model.JournalStatus, affectedNodeIDs []string, errorKind, errMsg string, retryable bool, completedAt time.Time) error

	InsertSnapshot(ctx context.Context, s *model.Snapshot) error
	InsertSnapshotNodes(ctx context.Context, snapshotID string, nodes []*model.Node) error
}
