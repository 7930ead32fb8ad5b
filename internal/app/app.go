package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"fsledger/internal/config"
	"fsledger/internal/database"
	"fsledger/internal/driver"
	"fsledger/internal/encryption"
	"fsledger/internal/engine"
	"fsledger/internal/model"
	"fsledger/internal/snapshot"
)

// LedgerApp is the application layer between the CLI and the engine.
// It constructs all dependencies from config, exposes high-level operations
// that accept mount keys instead of internal IDs, and manages the store
// lifecycle on Close.
type LedgerApp struct {
	cfg         *config.Config
	store       engine.Store
	registry    *engine.Registry
	journal     *engine.Journal
	rollups     *engine.Rollups
	coordinator *engine.Coordinator
	snapshots   *snapshot.Service
	idgen       engine.IDGenerator
	logFile     *os.File
}

// NewLedgerApp creates a fully wired LedgerApp from the given config.
// operation identifies the CLI command being run (e.g. "mkdir", "upload");
// it tags every log line of this invocation. The caller must call Close
// when done.
func NewLedgerApp(cfg *config.Config, operation string) (*LedgerApp, error) {
	store, err := database.NewStoreFromConfig(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}

	encryptor, err := encryption.NewEncryptorFromConfig(cfg.Export)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	runID := time.Now().UTC().Format("20060102T150405Z") + "-" + operation
	logger, logFile, err := newLogger(cfg.LogDir, runID, cfg.LogLevel)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	log := &slogAdapter{l: logger}
	clock := engine.RealClock{}
	idgen := engine.UUIDGenerator{}

	tree := engine.NewTree(clock, idgen)
	journal := engine.NewJournal(store, clock, idgen, log)
	rollups := engine.NewRollups(store, clock, log)
	registry := engine.NewRegistry(store, tree, clock, log)
	coordinator := engine.NewCoordinator(store, journal, registry, tree, rollups, driver.NewFactory(), log)
	snapshots := snapshot.NewService(store, clock, idgen, log, encryptor)

	return &LedgerApp{
		cfg:         cfg,
		store:       store,
		registry:    registry,
		journal:     journal,
		rollups:     rollups,
		coordinator: coordinator,
		snapshots:   snapshots,
		idgen:       idgen,
		logFile:     logFile,
	}, nil
}

// resolveMount translates a user-facing mount key into the mount record.
func (a *LedgerApp) resolveMount(ctx context.Context, key string) (*model.BackendMount, error) {
	m, err := a.store.GetMountByKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("looking up mount %q: %w", key, err)
	}
	if m == nil {
		return nil, fmt.Errorf("mount %q: %w", key, engine.ErrNotFound)
	}
	return m, nil
}

// idempotencyKey returns the caller-supplied key, or a fresh one when the
// caller did not pass --key. A generated key still makes the command safe
// to replay within the journal, it just cannot be reused across
// invocations.
func (a *LedgerApp) idempotencyKey(supplied string) string {
	if supplied != "" {
		return supplied
	}
	return a.idgen.New()
}

// AddMount registers a new backend mount and creates its root directory.
func (a *LedgerApp) AddMount(ctx context.Context, key string, kind model.MountKind, root, configJSON string) (*model.BackendMount, error) {
	return a.registry.Register(ctx, a.idgen.New(), key, kind, root, configJSON)
}

// ListMounts returns all registered mounts.
func (a *LedgerApp) ListMounts(ctx context.Context) ([]*model.BackendMount, error) {
	return a.store.ListMounts(ctx)
}

// SetMountState enables or disables the mount with the given key.
func (a *LedgerApp) SetMountState(ctx context.Context, key string, state model.MountState) error {
	m, err := a.resolveMount(ctx, key)
	if err != nil {
		return err
	}
	return a.registry.SetState(ctx, m.ID, state)
}

// Mkdir creates a directory at path on the given mount.
func (a *LedgerApp) Mkdir(ctx context.Context, mountKey, path, key, principal string) (*model.Node, error) {
	m, err := a.resolveMount(ctx, mountKey)
	if err != nil {
		return nil, err
	}
	return a.coordinator.CreateDirectory(ctx, m.ID, path, a.idempotencyKey(key), principal)
}

// Upload writes content to path on the given mount.
func (a *LedgerApp) Upload(ctx context.Context, mountKey, path string, content io.Reader, size int64, overwrite bool, key, principal string) (*model.Node, error) {
	m, err := a.resolveMount(ctx, mountKey)
	if err != nil {
		return nil, err
	}
	return a.coordinator.UploadFile(ctx, engine.UploadRequest{
		MountID:        m.ID,
		Path:           path,
		Content:        content,
		ContentLength:  size,
		Overwrite:      overwrite,
		IdempotencyKey: a.idempotencyKey(key),
		Principal:      principal,
	})
}

// UploadLocalFile opens a file on the local filesystem and uploads it.
func (a *LedgerApp) UploadLocalFile(ctx context.Context, mountKey, localPath, destPath string, overwrite bool, key, principal string) (*model.Node, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", localPath, err)
	}
	return a.Upload(ctx, mountKey, destPath, f, info.Size(), overwrite, key, principal)
}

// Move relocates a node (and its subtree) to a new path on the same mount.
func (a *LedgerApp) Move(ctx context.Context, mountKey, sourcePath, destPath, key, principal string) (*engine.MoveResult, error) {
	m, err := a.resolveMount(ctx, mountKey)
	if err != nil {
		return nil, err
	}
	return a.coordinator.Move(ctx, m.ID, sourcePath, destPath, a.idempotencyKey(key), principal)
}

// Copy duplicates a node (and its subtree) at a new path on the same mount.
func (a *LedgerApp) Copy(ctx context.Context, mountKey, sourcePath, destPath, key, principal string) (*model.Node, error) {
	m, err := a.resolveMount(ctx, mountKey)
	if err != nil {
		return nil, err
	}
	return a.coordinator.Copy(ctx, m.ID, sourcePath, destPath, a.idempotencyKey(key), principal)
}

// Delete soft-deletes the node at path. Non-empty directories require
// recursive.
func (a *LedgerApp) Delete(ctx context.Context, mountKey, path string, recursive bool, key, principal string) (*model.Node, error) {
	m, err := a.resolveMount(ctx, mountKey)
	if err != nil {
		return nil, err
	}
	return a.coordinator.Delete(ctx, m.ID, path, recursive, a.idempotencyKey(key), principal)
}

// Stat returns the node at path. Directory sizes come from the rollup and
// may trigger a recompute.
func (a *LedgerApp) Stat(ctx context.Context, mountKey, path string, includeDeleted bool) (*model.Node, error) {
	m, err := a.resolveMount(ctx, mountKey)
	if err != nil {
		return nil, err
	}
	return a.coordinator.Stat(ctx, m.ID, path, includeDeleted)
}

// List returns the children of the directory at path.
func (a *LedgerApp) List(ctx context.Context, mountKey, path string, includeDeleted bool) ([]*model.Node, error) {
	m, err := a.resolveMount(ctx, mountKey)
	if err != nil {
		return nil, err
	}
	return a.coordinator.List(ctx, m.ID, path, includeDeleted)
}

// SweepJournal marks journal entries that have been pending longer than the
// configured timeout as failed, releasing their idempotency keys for retry.
// Returns the number of entries swept.
func (a *LedgerApp) SweepJournal(ctx context.Context) (int, error) {
	maxAge := time.Duration(a.cfg.Journal.PendingTimeoutMinutes) * time.Minute
	return a.journal.SweepStuck(ctx, maxAge)
}

// RecentJournal returns the most recent journal entries, newest first.
func (a *LedgerApp) RecentJournal(ctx context.Context, limit int) ([]*model.JournalEntry, error) {
	return a.store.ListRecentJournalEntries(ctx, limit)
}

// SweepRollups recomputes every stale rollup on the given mount, deepest
// directories first. Returns the number recomputed.
func (a *LedgerApp) SweepRollups(ctx context.Context, mountKey string) (int, error) {
	m, err := a.resolveMount(ctx, mountKey)
	if err != nil {
		return 0, err
	}
	return a.rollups.SweepMount(ctx, m.ID)
}

// CreateSnapshot captures the current active tree of the mount.
func (a *LedgerApp) CreateSnapshot(ctx context.Context, mountKey string) (*model.Snapshot, error) {
	m, err := a.resolveMount(ctx, mountKey)
	if err != nil {
		return nil, err
	}
	return a.snapshots.Create(ctx, m.ID)
}

// ListSnapshots returns the snapshots taken of the given mount.
func (a *LedgerApp) ListSnapshots(ctx context.Context, mountKey string) ([]*model.Snapshot, error) {
	m, err := a.resolveMount(ctx, mountKey)
	if err != nil {
		return nil, err
	}
	return a.snapshots.List(ctx, m.ID)
}

// ExportSnapshot writes a snapshot document to w, encrypted when the
// export key pair is configured and encrypt is true.
func (a *LedgerApp) ExportSnapshot(ctx context.Context, snapshotID string, w io.Writer, encrypt bool) error {
	return a.snapshots.Export(ctx, snapshotID, w, encrypt)
}

// Close releases the store and the log file.
func (a *LedgerApp) Close() error {
	var firstErr error
	if err := a.store.Close(); err != nil {
		firstErr = fmt.Errorf("closing store: %w", err)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}
