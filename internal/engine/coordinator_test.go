package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"fsledger/internal/engine"
	"fsledger/internal/model"
	"fsledger/internal/testutil"
)

func upload(t *testing.T, h *testutil.Harness, mountID, path, content, key string, overwrite bool) *model.Node {
	t.Helper()
	n, err := h.Coordinator.UploadFile(context.Background(), engine.UploadRequest{
		MountID:        mountID,
		Path:           path,
		Content:        strings.NewReader(content),
		ContentLength:  int64(len(content)),
		Overwrite:      overwrite,
		IdempotencyKey: key,
		Principal:      "alice",
	})
	if err != nil {
		t.Fatalf("UploadFile(%s) error = %v", path, err)
	}
	return n
}

func mkdir(t *testing.T, h *testutil.Harness, mountID, path, key string) *model.Node {
	t.Helper()
	n, err := h.Coordinator.CreateDirectory(context.Background(), mountID, path, key, "alice")
	if err != nil {
		t.Fatalf("CreateDirectory(%s) error = %v", path, err)
	}
	return n
}

func TestCoordinator_CreateDirectory(t *testing.T) {
	ctx := context.Background()

	t.Run("creates a directory under the root", func(t *testing.T) {
		h := testutil.NewHarness(t)
		mount, drv := h.AddMemoryMount(t, "primary")

		n := mkdir(t, h, mount.ID, "/docs", "k1")
		if n.Version != 1 {
			t.Errorf("version = %d, want 1", n.Version)
		}
		if n.Kind != model.NodeKindDirectory {
			t.Errorf("kind = %s, want directory", n.Kind)
		}
		if !drv.HasDirectory("/docs") {
			t.Error("backend directory was not created")
		}
	})

	t.Run("rejects a missing parent", func(t *testing.T) {
		h := testutil.NewHarness(t)
		mount, _ := h.AddMemoryMount(t, "primary")

		_, err := h.Coordinator.CreateDirectory(ctx, mount.ID, "/missing/docs", "k1", "alice")
		if !errors.Is(err, engine.ErrInvalidPath) {
			t.Errorf("CreateDirectory() error = %v, want ErrInvalidPath", err)
		}
	})

	t.Run("rejects an occupied path", func(t *testing.T) {
		h := testutil.NewHarness(t)
		mount, _ := h.AddMemoryMount(t, "primary")

		mkdir(t, h, mount.ID, "/docs", "k1")
		_, err := h.Coordinator.CreateDirectory(ctx, mount.ID, "/docs", "k2", "alice")
		if !errors.Is(err, engine.ErrAlreadyExists) {
			t.Errorf("CreateDirectory() error = %v, want ErrAlreadyExists", err)
		}
	})

	t.Run("rejects the mount root", func(t *testing.T) {
		h := testutil.NewHarness(t)
		mount, _ := h.AddMemoryMount(t, "primary")

		_, err := h.Coordinator.CreateDirectory(ctx, mount.ID, "/", "k1", "alice")
		if !errors.Is(err, engine.ErrAlreadyExists) {
			t.Errorf("CreateDirectory(/) error = %v, want ErrAlreadyExists", err)
		}
	})
}

func TestCoordinator_UploadFile(t *testing.T) {
	ctx := context.Background()

	t.Run("stores content and records the size", func(t *testing.T) {
		h := testutil.NewHarness(t)
		mount, drv := h.AddMemoryMount(t, "primary")

		n := upload(t, h, mount.ID, "/report.txt", strings.Repeat("x", 100), "k1", false)
		if n.Size != 100 {
			t.Errorf("size = %d, want 100", n.Size)
		}
		if n.Version != 1 {
			t.Errorf("version = %d, want 1", n.Version)
		}
		if data, ok := drv.Content("/report.txt"); !ok || len(data) != 100 {
			t.Errorf("backend content = %d bytes, exists=%t, want 100 bytes", len(data), ok)
		}
	})

	t.Run("overwrite bumps the version in place", func(t *testing.T) {
		h := testutil.NewHarness(t)
		mount, _ := h.AddMemoryMount(t, "primary")

		first := upload(t, h, mount.ID, "/report.txt", strings.Repeat("x", 100), "k1", false)
		second := upload(t, h, mount.ID, "/report.txt", strings.Repeat("y", 150), "k2", true)

		if second.ID != first.ID {
			t.Errorf("overwrite created a new node: %s != %s", second.ID, first.ID)
		}
		if second.Size != 150 {
			t.Errorf("size = %d, want 150", second.Size)
		}
		if second.Version != 2 {
			t.Errorf("version = %d, want 2", second.Version)
		}
	})

	t.Run("without overwrite an occupied path fails", func(t *testing.T) {
		h := testutil.NewHarness(t)
		mount, drv := h.AddMemoryMount(t, "primary")

		upload(t, h, mount.ID, "/report.txt", "aaa", "k1", false)
		_, err := h.Coordinator.UploadFile(ctx, engine.UploadRequest{
			MountID:        mount.ID,
			Path:           "/report.txt",
			Content:        strings.NewReader("bbb"),
			ContentLength:  3,
			IdempotencyKey: "k2",
			Principal:      "alice",
		})
		if !errors.Is(err, engine.ErrAlreadyExists) {
			t.Errorf("UploadFile() error = %v, want ErrAlreadyExists", err)
		}
		// The precheck failed before any bytes moved.
		if drv.WriteCalls() != 1 {
			t.Errorf("WriteCalls = %d, want 1", drv.WriteCalls())
		}
	})
}

func TestCoordinator_Idempotency(t *testing.T) {
	ctx := context.Background()

	t.Run("replayed success has exactly one physical side effect", func(t *testing.T) {
		h := testutil.NewHarness(t)
		mount, drv := h.AddMemoryMount(t, "primary")

		first := upload(t, h, mount.ID, "/report.txt", "content", "k1", false)
		second := upload(t, h, mount.ID, "/report.txt", "content", "k1", false)

		if second.ID != first.ID {
			t.Errorf("replay returned a different node: %s != %s", second.ID, first.ID)
		}
		if second.Version != first.Version {
			t.Errorf("replay changed the version: %d != %d", second.Version, first.Version)
		}
		if drv.WriteCalls() != 1 {
			t.Errorf("WriteCalls = %d, want 1", drv.WriteCalls())
		}
	})

	t.Run("replayed failure reproduces the error without side effects", func(t *testing.T) {
		h := testutil.NewHarness(t)
		mount, drv := h.AddMemoryMount(t, "primary")

		mkdir(t, h, mount.ID, "/docs", "k1")

		_, err := h.Coordinator.CreateDirectory(ctx, mount.ID, "/docs", "k2", "alice")
		if !errors.Is(err, engine.ErrAlreadyExists) {
			t.Fatalf("CreateDirectory() error = %v, want ErrAlreadyExists", err)
		}
		ensures := drv.EnsureCalls()

		_, err = h.Coordinator.CreateDirectory(ctx, mount.ID, "/docs", "k2", "alice")
		if !errors.Is(err, engine.ErrAlreadyExists) {
			t.Errorf("replayed CreateDirectory() error = %v, want ErrAlreadyExists", err)
		}
		if drv.EnsureCalls() != ensures {
			t.Errorf("EnsureCalls = %d, want %d", drv.EnsureCalls(), ensures)
		}
	})

	t.Run("backend failure is retryable with the same key", func(t *testing.T) {
		h := testutil.NewHarness(t)
		mount, drv := h.AddMemoryMount(t, "primary")

		drv.FailNext(errors.New("connection reset"))
		_, err := h.Coordinator.UploadFile(ctx, engine.UploadRequest{
			MountID:        mount.ID,
			Path:           "/report.txt",
			Content:        strings.NewReader("content"),
			ContentLength:  7,
			IdempotencyKey: "k1",
			Principal:      "alice",
		})
		var be *engine.BackendError
		if !errors.As(err, &be) {
			t.Fatalf("UploadFile() error = %v, want BackendError", err)
		}

		n := upload(t, h, mount.ID, "/report.txt", "content", "k1", false)
		if n.Size != 7 {
			t.Errorf("size = %d, want 7", n.Size)
		}
		if drv.WriteCalls() != 2 {
			t.Errorf("WriteCalls = %d, want 2", drv.WriteCalls())
		}
	})

	t.Run("key reuse with different params is rejected", func(t *testing.T) {
		h := testutil.NewHarness(t)
		mount, _ := h.AddMemoryMount(t, "primary")

		mkdir(t, h, mount.ID, "/a", "k1")
		_, err := h.Coordinator.CreateDirectory(ctx, mount.ID, "/b", "k1", "alice")
		if !errors.Is(err, engine.ErrKeyReused) {
			t.Errorf("CreateDirectory() error = %v, want ErrKeyReused", err)
		}
	})
}

func TestCoordinator_Delete(t *testing.T) {
	ctx := context.Background()

	t.Run("soft-deletes a file and frees the path slot", func(t *testing.T) {
		h := testutil.NewHarness(t)
		mount, _ := h.AddMemoryMount(t, "primary")

		original := upload(t, h, mount.ID, "/report.txt", "aaa", "k1", false)

		deleted, err := h.Coordinator.Delete(ctx, mount.ID, "/report.txt", false, "k2", "alice")
		if err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if deleted.State != model.NodeStateDeleted {
			t.Errorf("state = %s, want deleted", deleted.State)
		}
		if deleted.DeletedAt == nil {
			t.Error("DeletedAt not set")
		}
		if deleted.Version != original.Version+1 {
			t.Errorf("version = %d, want %d", deleted.Version, original.Version+1)
		}

		// Active lookups no longer see it.
		if _, err := h.Coordinator.Stat(ctx, mount.ID, "/report.txt", false); !errors.Is(err, engine.ErrNotFound) {
			t.Errorf("Stat() error = %v, want ErrNotFound", err)
		}

		// The slot is free: a new node, not a resurrection.
		replacement := upload(t, h, mount.ID, "/report.txt", "bbbb", "k3", false)
		if replacement.ID == original.ID {
			t.Error("replacement reused the deleted node's id")
		}
		if replacement.Version != 1 {
			t.Errorf("replacement version = %d, want 1", replacement.Version)
		}
	})

	t.Run("deleted node remains fetchable with includeDeleted", func(t *testing.T) {
		h := testutil.NewHarness(t)
		mount, _ := h.AddMemoryMount(t, "primary")

		upload(t, h, mount.ID, "/report.txt", "aaa", "k1", false)
		if _, err := h.Coordinator.Delete(ctx, mount.ID, "/report.txt", false, "k2", "alice"); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}

		n, err := h.Coordinator.Stat(ctx, mount.ID, "/report.txt", true)
		if err != nil {
			t.Fatalf("Stat(includeDeleted) error = %v", err)
		}
		if n.State != model.NodeStateDeleted {
			t.Errorf("state = %s, want deleted", n.State)
		}
		if n.Size != 3 {
			t.Errorf("size = %d, want 3", n.Size)
		}
	})

	t.Run("non-empty directory requires recursive", func(t *testing.T) {
		h := testutil.NewHarness(t)
		mount, _ := h.AddMemoryMount(t, "primary")

		mkdir(t, h, mount.ID, "/docs", "k1")
		upload(t, h, mount.ID, "/docs/a.txt", "aaa", "k2", false)

		_, err := h.Coordinator.Delete(ctx, mount.ID, "/docs", false, "k3", "alice")
		if !errors.Is(err, engine.ErrNotEmpty) {
			t.Fatalf("Delete() error = %v, want ErrNotEmpty", err)
		}

		deleted, err := h.Coordinator.Delete(ctx, mount.ID, "/docs", true, "k4", "alice")
		if err != nil {
			t.Fatalf("recursive Delete() error = %v", err)
		}
		if deleted.Path != "/docs" {
			t.Errorf("primary deleted path = %s, want /docs", deleted.Path)
		}
		if _, err := h.Coordinator.Stat(ctx, mount.ID, "/docs/a.txt", false); !errors.Is(err, engine.ErrNotFound) {
			t.Errorf("child Stat() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("cannot delete the mount root", func(t *testing.T) {
		h := testutil.NewHarness(t)
		mount, _ := h.AddMemoryMount(t, "primary")

		_, err := h.Coordinator.Delete(ctx, mount.ID, "/", false, "k1", "alice")
		if !errors.Is(err, engine.ErrInvalidPath) {
			t.Errorf("Delete(/) error = %v, want ErrInvalidPath", err)
		}
	})
}

func TestCoordinator_MoveAndCopy(t *testing.T) {
	ctx := context.Background()

	t.Run("move creates a new node and soft-deletes the source", func(t *testing.T) {
		h := testutil.NewHarness(t)
		mount, drv := h.AddMemoryMount(t, "primary")

		src := upload(t, h, mount.ID, "/report.txt", "content", "k1", false)

		res, err := h.Coordinator.Move(ctx, mount.ID, "/report.txt", "/final.txt", "k2", "alice")
		if err != nil {
			t.Fatalf("Move() error = %v", err)
		}
		if res.Dest.ID == src.ID {
			t.Error("destination reused the source node id")
		}
		if res.Dest.Version != 1 {
			t.Errorf("destination version = %d, want 1", res.Dest.Version)
		}
		if res.Source.State != model.NodeStateDeleted {
			t.Errorf("source state = %s, want deleted", res.Source.State)
		}
		if _, ok := drv.Content("/final.txt"); !ok {
			t.Error("backend content missing at destination")
		}
		if _, ok := drv.Content("/report.txt"); ok {
			t.Error("backend content still at source")
		}
	})

	t.Run("move relocates a whole subtree", func(t *testing.T) {
		h := testutil.NewHarness(t)
		mount, _ := h.AddMemoryMount(t, "primary")

		mkdir(t, h, mount.ID, "/docs", "k1")
		mkdir(t, h, mount.ID, "/docs/sub", "k2")
		upload(t, h, mount.ID, "/docs/sub/a.txt", "aaa", "k3", false)
		mkdir(t, h, mount.ID, "/archive", "k4")

		if _, err := h.Coordinator.Move(ctx, mount.ID, "/docs", "/archive/docs", "k5", "alice"); err != nil {
			t.Fatalf("Move() error = %v", err)
		}

		moved, err := h.Coordinator.Stat(ctx, mount.ID, "/archive/docs/sub/a.txt", false)
		if err != nil {
			t.Fatalf("Stat() moved child error = %v", err)
		}
		if moved.Version != 1 {
			t.Errorf("moved child version = %d, want 1", moved.Version)
		}
		if _, err := h.Coordinator.Stat(ctx, mount.ID, "/docs", false); !errors.Is(err, engine.ErrNotFound) {
			t.Errorf("source Stat() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("copy leaves the source untouched", func(t *testing.T) {
		h := testutil.NewHarness(t)
		mount, _ := h.AddMemoryMount(t, "primary")

		upload(t, h, mount.ID, "/report.txt", "content", "k1", false)

		dst, err := h.Coordinator.Copy(ctx, mount.ID, "/report.txt", "/copy.txt", "k2", "alice")
		if err != nil {
			t.Fatalf("Copy() error = %v", err)
		}
		if dst.Path != "/copy.txt" || dst.Version != 1 {
			t.Errorf("destination = %s v%d, want /copy.txt v1", dst.Path, dst.Version)
		}

		src, err := h.Coordinator.Stat(ctx, mount.ID, "/report.txt", false)
		if err != nil {
			t.Fatalf("source Stat() error = %v", err)
		}
		if src.State != model.NodeStateActive {
			t.Errorf("source state = %s, want active", src.State)
		}
	})

	t.Run("rejects moving into the source subtree", func(t *testing.T) {
		h := testutil.NewHarness(t)
		mount, _ := h.AddMemoryMount(t, "primary")

		mkdir(t, h, mount.ID, "/docs", "k1")
		_, err := h.Coordinator.Move(ctx, mount.ID, "/docs", "/docs/inner", "k2", "alice")
		if !errors.Is(err, engine.ErrInvalidPath) {
			t.Errorf("Move() error = %v, want ErrInvalidPath", err)
		}
	})

	t.Run("rejects an occupied destination", func(t *testing.T) {
		h := testutil.NewHarness(t)
		mount, _ := h.AddMemoryMount(t, "primary")

		upload(t, h, mount.ID, "/a.txt", "aaa", "k1", false)
		upload(t, h, mount.ID, "/b.txt", "bbb", "k2", false)

		_, err := h.Coordinator.Move(ctx, mount.ID, "/a.txt", "/b.txt", "k3", "alice")
		if !errors.Is(err, engine.ErrAlreadyExists) {
			t.Errorf("Move() error = %v, want ErrAlreadyExists", err)
		}
	})
}

func TestCoordinator_DisabledMount(t *testing.T) {
	ctx := context.Background()

	t.Run("mutations are rejected, reads still work", func(t *testing.T) {
		h := testutil.NewHarness(t)
		mount, _ := h.AddMemoryMount(t, "primary")

		upload(t, h, mount.ID, "/report.txt", "content", "k1", false)

		if err := h.Registry.SetState(ctx, mount.ID, model.MountStateDisabled); err != nil {
			t.Fatalf("SetState() error = %v", err)
		}

		_, err := h.Coordinator.CreateDirectory(ctx, mount.ID, "/docs", "k2", "alice")
		if !errors.Is(err, engine.ErrBackendUnavailable) {
			t.Errorf("CreateDirectory() error = %v, want ErrBackendUnavailable", err)
		}

		if _, err := h.Coordinator.Stat(ctx, mount.ID, "/report.txt", false); err != nil {
			t.Errorf("Stat() on disabled mount error = %v", err)
		}

		// Re-enabling lifts the rejection.
		if err := h.Registry.SetState(ctx, mount.ID, model.MountStateActive); err != nil {
			t.Fatalf("SetState() error = %v", err)
		}
		mkdir(t, h, mount.ID, "/docs", "k3")
	})

	t.Run("rejection does not consume the idempotency key", func(t *testing.T) {
		h := testutil.NewHarness(t)
		mount, _ := h.AddMemoryMount(t, "primary")

		if err := h.Registry.SetState(ctx, mount.ID, model.MountStateDisabled); err != nil {
			t.Fatalf("SetState() error = %v", err)
		}

		_, err := h.Coordinator.CreateDirectory(ctx, mount.ID, "/docs", "k1", "alice")
		if !errors.Is(err, engine.ErrBackendUnavailable) {
			t.Fatalf("CreateDirectory() error = %v, want ErrBackendUnavailable", err)
		}

		// The rejection happened before the journal: no entry owns the key.
		entry, err := h.Store.GetJournalEntryByKey(ctx, "k1")
		if err != nil {
			t.Fatalf("GetJournalEntryByKey() error = %v", err)
		}
		if entry != nil {
			t.Fatalf("journal entry recorded for rejected command: status %s", entry.Status)
		}

		// The same key succeeds once the mount is back.
		if err := h.Registry.SetState(ctx, mount.ID, model.MountStateActive); err != nil {
			t.Fatalf("SetState() error = %v", err)
		}
		n, err := h.Coordinator.CreateDirectory(ctx, mount.ID, "/docs", "k1", "alice")
		if err != nil {
			t.Fatalf("CreateDirectory() after re-enable error = %v", err)
		}
		if n.Version != 1 {
			t.Errorf("node version = %d, want 1", n.Version)
		}
	})
}

func TestCoordinator_List(t *testing.T) {
	ctx := context.Background()

	t.Run("lists direct children only", func(t *testing.T) {
		h := testutil.NewHarness(t)
		mount, _ := h.AddMemoryMount(t, "primary")

		mkdir(t, h, mount.ID, "/docs", "k1")
		upload(t, h, mount.ID, "/docs/a.txt", "aaa", "k2", false)
		upload(t, h, mount.ID, "/docs/b.txt", "bb", "k3", false)
		mkdir(t, h, mount.ID, "/docs/sub", "k4")
		upload(t, h, mount.ID, "/docs/sub/deep.txt", "d", "k5", false)

		children, err := h.Coordinator.List(ctx, mount.ID, "/docs", false)
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(children) != 3 {
			t.Fatalf("List() returned %d children, want 3", len(children))
		}
	})

	t.Run("includeDeleted shows soft-deleted children", func(t *testing.T) {
		h := testutil.NewHarness(t)
		mount, _ := h.AddMemoryMount(t, "primary")

		mkdir(t, h, mount.ID, "/docs", "k1")
		upload(t, h, mount.ID, "/docs/a.txt", "aaa", "k2", false)
		if _, err := h.Coordinator.Delete(ctx, mount.ID, "/docs/a.txt", false, "k3", "alice"); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}

		active, err := h.Coordinator.List(ctx, mount.ID, "/docs", false)
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(active) != 0 {
			t.Errorf("active children = %d, want 0", len(active))
		}

		all, err := h.Coordinator.List(ctx, mount.ID, "/docs", true)
		if err != nil {
			t.Fatalf("List(includeDeleted) error = %v", err)
		}
		if len(all) != 1 || all[0].State != model.NodeStateDeleted {
			t.Errorf("deleted children = %v, want one deleted node", all)
		}
	})

	t.Run("listing a file is invalid", func(t *testing.T) {
		h := testutil.NewHarness(t)
		mount, _ := h.AddMemoryMount(t, "primary")

		upload(t, h, mount.ID, "/report.txt", "aaa", "k1", false)
		_, err := h.Coordinator.List(ctx, mount.ID, "/report.txt", false)
		if !errors.Is(err, engine.ErrInvalidPath) {
			t.Errorf("List() error = %v, want ErrInvalidPath", err)
		}
	})
}

func TestCoordinator_VersionDiscipline(t *testing.T) {
	ctx := context.Background()

	// A node's version is 1 plus the number of mutations applied to its row.
	t.Run("version counts row mutations exactly", func(t *testing.T) {
		h := testutil.NewHarness(t)
		mount, _ := h.AddMemoryMount(t, "primary")

		n := upload(t, h, mount.ID, "/report.txt", "v1", "k1", false)
		if n.Version != 1 {
			t.Fatalf("after create version = %d, want 1", n.Version)
		}

		n = upload(t, h, mount.ID, "/report.txt", "v2-longer", "k2", true)
		if n.Version != 2 {
			t.Fatalf("after overwrite version = %d, want 2", n.Version)
		}

		deleted, err := h.Coordinator.Delete(ctx, mount.ID, "/report.txt", false, "k3", "alice")
		if err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if deleted.Version != 3 {
			t.Errorf("after delete version = %d, want 3", deleted.Version)
		}
	})
}
