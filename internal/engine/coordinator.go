package engine

import (
	"context"
	"fmt"
	"io"

	"fsledger/internal/model"
)

// Coordinator is the single entry point for logical operations against the
// namespace. Each operation is one saga: reserve a journal entry, resolve
// the backend, drive the physical I/O outside any database transaction,
// then commit the tree mutation, ancestor staleness, and journal completion
// as one unit of work. Nothing mutates the node tree or journal except
// through here.
type Coordinator struct {
	store    Store
	journal  *Journal
	registry *Registry
	tree     *Tree
	rollups  *Rollups
	drivers  DriverFactory
	log      Logger
}

func NewCoordinator(store Store, journal *Journal, registry *Registry, tree *Tree, rollups *Rollups, drivers DriverFactory, log Logger) *Coordinator {
	return &Coordinator{
		store:    store,
		journal:  journal,
		registry: registry,
		tree:     tree,
		rollups:  rollups,
		drivers:  drivers,
		log:      log,
	}
}

// MoveResult carries both sides of a move: the new node at the destination
// and the soft-deleted source.
type MoveResult struct {
	Dest   *model.Node
	Source *model.Node
}

// Command parameter payloads, persisted as canonical JSON on journal
// entries so key reuse with different parameters is detectable.

type createDirectoryParams struct {
	MountID string `json:"mount_id"`
	Path    string `json:"path"`
}

type uploadFileParams struct {
	MountID   string `json:"mount_id"`
	Path      string `json:"path"`
	Length    int64  `json:"length"`
	Overwrite bool   `json:"overwrite"`
}

type moveParams struct {
	MountID string `json:"mount_id"`
	Source  string `json:"source"`
	Dest    string `json:"dest"`
}

type deleteParams struct {
	MountID   string `json:"mount_id"`
	Path      string `json:"path"`
	Recursive bool   `json:"recursive"`
}

// execOutcome is what an operation's mutation step produced: the node to
// return, the full affected set for the journal, and the paths whose
// ancestor rollups went stale.
type execOutcome struct {
	primary      *model.Node
	affected     []*model.Node
	changedPaths []string
}

// execute runs the saga shared by every mutating operation.
//
// precheck runs after reservation with no transaction held; it exists to
// fail obvious conflicts before paying for physical I/O. Its checks are
// advisory: the mutate step re-validates under the transaction.
func (c *Coordinator) execute(
	ctx context.Context,
	command, mountID, idempotencyKey, principal string,
	params any,
	precheck func(ctx context.Context) error,
	physical func(ctx context.Context, drv Driver) error,
	mutate func(ctx context.Context, tx Tx) (*execOutcome, error),
) (*model.Node, []*model.Node, error) {
	// A disabled mount rejects the mutation before the journal sees it, so
	// the idempotency key stays unconsumed and works once the mount is
	// re-enabled.
	desc, err := c.registry.ResolveForMutation(ctx, mountID)
	if err != nil {
		return nil, nil, err
	}

	sub, err := c.journal.Submit(ctx, command, desc.Kind, idempotencyKey, principal, params)
	if err != nil {
		return nil, nil, err
	}
	if !sub.Reserved {
		return c.replay(ctx, sub)
	}

	// From here the reservation is ours: every exit path must reach a
	// terminal journal status so the key is never left dangling.
	if precheck != nil {
		if err := precheck(ctx); err != nil {
			return nil, nil, c.terminate(ctx, sub.Entry.ID, err)
		}
	}

	drv, err := c.drivers.DriverFor(ctx, desc)
	if err != nil {
		return nil, nil, c.terminate(ctx, sub.Entry.ID, &BackendError{Op: "driver", Path: desc.Key, Err: err})
	}
	if err := physical(ctx, drv); err != nil {
		if !IsRetryable(err) {
			err = &BackendError{Op: command, Path: desc.Key, Err: err}
		}
		return nil, nil, c.terminate(ctx, sub.Entry.ID, err)
	}

	var outcome *execOutcome
	err = c.store.Mutate(ctx, func(tx Tx) error {
		out, err := mutate(ctx, tx)
		if err != nil {
			return err
		}
		for _, p := range out.changedPaths {
			if err := c.rollups.MarkAncestorsStale(ctx, tx, mountID, p); err != nil {
				return err
			}
		}
		ids := make([]string, len(out.affected))
		for i, n := range out.affected {
			ids[i] = n.ID
		}
		if err := c.journal.Succeed(ctx, tx, sub.Entry.ID, ids); err != nil {
			return err
		}
		outcome = out
		return nil
	})
	if err != nil {
		return nil, nil, c.terminate(ctx, sub.Entry.ID, err)
	}

	c.log.Info("operation succeeded", "command", command, "mount", desc.Key, "key", idempotencyKey)
	return outcome.primary, outcome.affected, nil
}

// terminate records a failed execution and hands the cause back unchanged.
// The coordinator is the only layer that translates failures into terminal
// journal statuses.
func (c *Coordinator) terminate(ctx context.Context, entryID string, cause error) error {
	if err := c.journal.Fail(ctx, entryID, cause); err != nil {
		// The failure itself is what the caller must see; the bookkeeping
		// error is for the operator.
		c.log.Error("journal completion failed", "entry", entryID, "error", err)
	}
	return cause
}

// replay reproduces the outcome of a previous execution for the same
// idempotency key, without side effects.
func (c *Coordinator) replay(ctx context.Context, sub *Submission) (*model.Node, []*model.Node, error) {
	ids, err := c.journal.Replay(sub)
	if err != nil {
		return nil, nil, err
	}
	nodes := make([]*model.Node, 0, len(ids))
	for _, id := range ids {
		n, err := c.store.GetNodeByID(ctx, id)
		if err != nil {
			return nil, nil, fmt.Errorf("loading affected node: %w", err)
		}
		if n == nil {
			return nil, nil, &InternalError{Msg: "journal references missing node " + id}
		}
		nodes = append(nodes, n)
	}
	if len(nodes) == 0 {
		return nil, nil, &InternalError{Msg: "succeeded journal entry " + sub.Entry.ID + " has no affected nodes"}
	}
	c.log.Debug("replayed journal outcome", "key", sub.Entry.IdempotencyKey, "command", sub.Entry.Command)
	return nodes[0], nodes, nil
}

// CreateDirectory creates a directory node at path and ensures it exists on
// the backend.
func (c *Coordinator) CreateDirectory(ctx context.Context, mountID, path, idempotencyKey, principal string) (*model.Node, error) {
	npath, err := NormalizePath(path)
	if err != nil {
		return nil, err
	}
	params := createDirectoryParams{MountID: mountID, Path: npath}

	node, _, err := c.execute(ctx, CommandCreateDirectory, mountID, idempotencyKey, principal, params,
		func(ctx context.Context) error {
			return c.precheckCreate(ctx, mountID, npath, false)
		},
		func(ctx context.Context, drv Driver) error {
			return drv.EnsureDirectory(ctx, npath)
		},
		func(ctx context.Context, tx Tx) (*execOutcome, error) {
			n, _, err := c.tree.Create(ctx, tx, mountID, npath, model.NodeKindDirectory, 0, false)
			if err != nil {
				return nil, err
			}
			return &execOutcome{primary: n, affected: []*model.Node{n}, changedPaths: []string{npath}}, nil
		},
	)
	return node, err
}

// UploadRequest carries the inputs of an UploadFile operation. Content is
// streamed straight to the backend driver; the tree records the byte count
// the driver reports.
type UploadRequest struct {
	MountID        string
	Path           string
	Content        io.Reader
	ContentLength  int64
	Overwrite      bool
	IdempotencyKey string
	Principal      string
}

// UploadFile stores a file's content on the backend and records the node.
// With Overwrite an existing file at the path takes a version bump instead
// of failing AlreadyExists.
func (c *Coordinator) UploadFile(ctx context.Context, req UploadRequest) (*model.Node, error) {
	npath, err := NormalizePath(req.Path)
	if err != nil {
		return nil, err
	}
	params := uploadFileParams{MountID: req.MountID, Path: npath, Length: req.ContentLength, Overwrite: req.Overwrite}

	var written int64
	node, _, err := c.execute(ctx, CommandUploadFile, req.MountID, req.IdempotencyKey, req.Principal, params,
		func(ctx context.Context) error {
			return c.precheckCreate(ctx, req.MountID, npath, req.Overwrite)
		},
		func(ctx context.Context, drv Driver) error {
			n, err := drv.Write(ctx, npath, req.Content, req.ContentLength)
			if err != nil {
				return err
			}
			written = n
			return nil
		},
		func(ctx context.Context, tx Tx) (*execOutcome, error) {
			n, _, err := c.tree.Create(ctx, tx, req.MountID, npath, model.NodeKindFile, written, req.Overwrite)
			if err != nil {
				return nil, err
			}
			return &execOutcome{primary: n, affected: []*model.Node{n}, changedPaths: []string{npath}}, nil
		},
	)
	return node, err
}

// Move relocates src to dst: the destination is a new node and the source
// is soft-deleted, atomically.
func (c *Coordinator) Move(ctx context.Context, mountID, sourcePath, destPath, idempotencyKey, principal string) (*MoveResult, error) {
	return c.moveOrCopy(ctx, mountID, sourcePath, destPath, idempotencyKey, principal, false)
}

// Copy replicates src at dst, leaving the source untouched.
func (c *Coordinator) Copy(ctx context.Context, mountID, sourcePath, destPath, idempotencyKey, principal string) (*model.Node, error) {
	res, err := c.moveOrCopy(ctx, mountID, sourcePath, destPath, idempotencyKey, principal, true)
	if err != nil {
		return nil, err
	}
	return res.Dest, nil
}

func (c *Coordinator) moveOrCopy(ctx context.Context, mountID, sourcePath, destPath, idempotencyKey, principal string, copyOnly bool) (*MoveResult, error) {
	src, err := NormalizePath(sourcePath)
	if err != nil {
		return nil, err
	}
	dst, err := NormalizePath(destPath)
	if err != nil {
		return nil, err
	}
	command := CommandMove
	if copyOnly {
		command = CommandCopy
	}
	params := moveParams{MountID: mountID, Source: src, Dest: dst}

	var result MoveResult
	_, affected, err := c.execute(ctx, command, mountID, idempotencyKey, principal, params,
		func(ctx context.Context) error {
			srcNode, err := c.store.GetNodeByPath(ctx, mountID, src, false)
			if err != nil {
				return fmt.Errorf("loading source: %w", err)
			}
			if srcNode == nil {
				return fmt.Errorf("%w: %s", ErrNotFound, src)
			}
			return c.precheckCreate(ctx, mountID, dst, false)
		},
		func(ctx context.Context, drv Driver) error {
			return drv.MoveOrCopy(ctx, src, dst, !copyOnly)
		},
		func(ctx context.Context, tx Tx) (*execOutcome, error) {
			dstNode, srcNode, err := c.tree.Move(ctx, tx, mountID, src, dst, copyOnly)
			if err != nil {
				return nil, err
			}
			out := &execOutcome{primary: dstNode, affected: []*model.Node{dstNode}, changedPaths: []string{dst}}
			if srcNode != nil {
				out.affected = append(out.affected, srcNode)
				out.changedPaths = append(out.changedPaths, src)
			}
			return out, nil
		},
	)
	if err != nil {
		return nil, err
	}
	result.Dest = affected[0]
	if len(affected) > 1 {
		result.Source = affected[1]
	}
	return &result, nil
}

// Delete soft-deletes the node at path and removes its bytes from the
// backend. Directories with active children require recursive.
func (c *Coordinator) Delete(ctx context.Context, mountID, path string, recursive bool, idempotencyKey, principal string) (*model.Node, error) {
	npath, err := NormalizePath(path)
	if err != nil {
		return nil, err
	}
	params := deleteParams{MountID: mountID, Path: npath, Recursive: recursive}

	node, _, err := c.execute(ctx, CommandDelete, mountID, idempotencyKey, principal, params,
		func(ctx context.Context) error {
			n, err := c.store.GetNodeByPath(ctx, mountID, npath, false)
			if err != nil {
				return fmt.Errorf("loading node: %w", err)
			}
			if n == nil {
				return fmt.Errorf("%w: %s", ErrNotFound, npath)
			}
			return nil
		},
		func(ctx context.Context, drv Driver) error {
			return drv.Remove(ctx, npath)
		},
		func(ctx context.Context, tx Tx) (*execOutcome, error) {
			deleted, err := c.tree.SoftDelete(ctx, tx, mountID, npath, recursive)
			if err != nil {
				return nil, err
			}
			return &execOutcome{primary: deleted[0], affected: deleted, changedPaths: []string{npath}}, nil
		},
	)
	return node, err
}

// precheckCreate fails fast on conflicts a create-like operation would hit,
// so no bytes move for a doomed request. The transaction re-checks.
func (c *Coordinator) precheckCreate(ctx context.Context, mountID, path string, overwrite bool) error {
	if path == RootPath {
		return fmt.Errorf("%w: mount root already exists", ErrAlreadyExists)
	}
	parent, err := c.store.GetNodeByPath(ctx, mountID, ParentPath(path), false)
	if err != nil {
		return fmt.Errorf("loading parent: %w", err)
	}
	if parent == nil || parent.Kind != model.NodeKindDirectory {
		return fmt.Errorf("%w: parent of %s is not an active directory", ErrInvalidPath, path)
	}
	if overwrite {
		return nil
	}
	existing, err := c.store.GetNodeByPath(ctx, mountID, path, false)
	if err != nil {
		return fmt.Errorf("loading node: %w", err)
	}
	if existing != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, path)
	}
	return nil
}

// Stat returns the node at path. Directory nodes report their rollup
// aggregate as Size, recomputing it first when stale. With includeDeleted
// the most recent node at the path is returned even if soft-deleted.
func (c *Coordinator) Stat(ctx context.Context, mountID, path string, includeDeleted bool) (*model.Node, error) {
	npath, err := NormalizePath(path)
	if err != nil {
		return nil, err
	}
	if _, err := c.registry.Resolve(ctx, mountID); err != nil {
		return nil, err
	}
	node, err := c.store.GetNodeByPath(ctx, mountID, npath, includeDeleted)
	if err != nil {
		return nil, fmt.Errorf("loading node: %w", err)
	}
	if node == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, npath)
	}
	if node.Kind == model.NodeKindDirectory && node.State == model.NodeStateActive {
		rollup, err := c.rollups.Get(ctx, node.ID)
		if err != nil {
			return nil, err
		}
		node.Size = rollup.Size
	}
	return node, nil
}

// List returns the direct children of the directory at path, active only
// unless includeDeleted. Child directory sizes are the raw node values;
// Stat the child for its rollup-backed aggregate.
func (c *Coordinator) List(ctx context.Context, mountID, path string, includeDeleted bool) ([]*model.Node, error) {
	npath, err := NormalizePath(path)
	if err != nil {
		return nil, err
	}
	if _, err := c.registry.Resolve(ctx, mountID); err != nil {
		return nil, err
	}
	dir, err := c.store.GetNodeByPath(ctx, mountID, npath, false)
	if err != nil {
		return nil, fmt.Errorf("loading directory: %w", err)
	}
	if dir == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, npath)
	}
	if dir.Kind != model.NodeKindDirectory {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrInvalidPath, npath)
	}
	children, err := c.store.ListChildren(ctx, mountID, npath, includeDeleted)
	if err != nil {
		return nil, fmt.Errorf("listing children: %w", err)
	}
	return children, nil
}
