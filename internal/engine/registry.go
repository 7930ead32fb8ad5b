package engine

import (
	"context"
	"fmt"

	"github.com/puzpuzpuz/xsync/v4"

	"fsledger/internal/model"
)

// BackendDescriptor is what the coordinator needs to drive a backend:
// which driver to use and where its data lives. It carries no I/O handles.
type BackendDescriptor struct {
	MountID string
	Key     string
	Kind    model.MountKind
	Root    string
	Config  string
	Active  bool
}

// Registry resolves mount ids to backend descriptors. Pure configuration
// lookup over the mounts table with a small cache, invalidated whenever a
// mount's lifecycle state changes through this registry.
type Registry struct {
	store Store
	tree  *Tree
	clock Clock
	log   Logger
	cache *xsync.Map[string, *BackendDescriptor]
}

func NewRegistry(store Store, tree *Tree, clock Clock, log Logger) *Registry {
	return &Registry{
		store: store,
		tree:  tree,
		clock: clock,
		log:   log,
		cache: xsync.NewMap[string, *BackendDescriptor](),
	}
}

// Register creates a mount together with its root directory node and
// rollup, atomically. The mount key must be globally unique.
func (r *Registry) Register(ctx context.Context, id, key string, kind model.MountKind, root, config string) (*model.BackendMount, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: empty mount key", ErrInvalidPath)
	}
	now := r.clock.Now()
	mount := &model.BackendMount{
		ID:        id,
		Key:       key,
		Kind:      kind,
		Root:      root,
		Config:    config,
		State:     model.MountStateActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.CreateMount(ctx, mount, r.tree.NewRootNode(mount.ID)); err != nil {
		return nil, err
	}
	r.log.Info("mount registered", "key", key, "kind", kind)
	return mount, nil
}

// Resolve returns the descriptor for a mount id, serving from cache when
// possible. Unknown mounts are ErrNotFound.
func (r *Registry) Resolve(ctx context.Context, mountID string) (*BackendDescriptor, error) {
	if desc, ok := r.cache.Load(mountID); ok {
		return desc, nil
	}
	mount, err := r.store.GetMount(ctx, mountID)
	if err != nil {
		return nil, fmt.Errorf("loading mount: %w", err)
	}
	if mount == nil {
		return nil, fmt.Errorf("%w: mount %s", ErrNotFound, mountID)
	}
	desc := descriptorFor(mount)
	r.cache.Store(mountID, desc)
	return desc, nil
}

// ResolveForMutation is Resolve plus the fail-fast check mutating
// operations need: disabled mounts reject new mutations.
func (r *Registry) ResolveForMutation(ctx context.Context, mountID string) (*BackendDescriptor, error) {
	desc, err := r.Resolve(ctx, mountID)
	if err != nil {
		return nil, err
	}
	if !desc.Active {
		return nil, fmt.Errorf("%w: mount %s is disabled", ErrBackendUnavailable, desc.Key)
	}
	return desc, nil
}

// SetState enables or disables a mount and invalidates its cache entry.
// Disabling never deletes nodes; it only blocks new mutations.
func (r *Registry) SetState(ctx context.Context, mountID string, state model.MountState) error {
	if err := r.store.SetMountState(ctx, mountID, state, r.clock.Now()); err != nil {
		return err
	}
	r.cache.Delete(mountID)
	r.log.Info("mount state changed", "mount", mountID, "state", state)
	return nil
}

func descriptorFor(m *model.BackendMount) *BackendDescriptor {
	return &BackendDescriptor{
		MountID: m.ID,
		Key:     m.Key,
		Kind:    m.Kind,
		Root:    m.Root,
		Config:  m.Config,
		Active:  m.State == model.MountStateActive,
	}
}
