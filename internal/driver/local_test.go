package driver_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"fsledger/internal/driver"
	"fsledger/internal/engine"
)

func newLocal(t *testing.T) (*driver.LocalDriver, string) {
	t.Helper()
	root := t.TempDir()
	d, err := driver.NewLocalDriver(root)
	if err != nil {
		t.Fatalf("NewLocalDriver() error = %v", err)
	}
	return d, root
}

func TestLocalDriver_Write(t *testing.T) {
	ctx := context.Background()

	t.Run("writes content at the logical path", func(t *testing.T) {
		d, root := newLocal(t)

		n, err := d.Write(ctx, "/report.txt", strings.NewReader("content"), 7)
		if err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		if n != 7 {
			t.Errorf("Write() = %d, want 7", n)
		}

		data, err := os.ReadFile(filepath.Join(root, "report.txt"))
		if err != nil {
			t.Fatalf("reading written file: %v", err)
		}
		if string(data) != "content" {
			t.Errorf("content = %q, want %q", data, "content")
		}
	})

	t.Run("size mismatch fails and leaves no file", func(t *testing.T) {
		d, root := newLocal(t)

		_, err := d.Write(ctx, "/report.txt", strings.NewReader("content"), 99)
		var be *engine.BackendError
		if !errors.As(err, &be) {
			t.Fatalf("Write() error = %v, want BackendError", err)
		}
		if _, err := os.Stat(filepath.Join(root, "report.txt")); !os.IsNotExist(err) {
			t.Error("partial file left behind")
		}
		entries, _ := os.ReadDir(root)
		if len(entries) != 0 {
			t.Errorf("temp files left behind: %v", entries)
		}
	})

	t.Run("rejects paths escaping the root", func(t *testing.T) {
		d, _ := newLocal(t)

		_, err := d.Write(ctx, "/../outside.txt", strings.NewReader("x"), 1)
		if err == nil {
			t.Error("Write() outside the root expected error")
		}
	})
}

func TestLocalDriver_EnsureDirectory(t *testing.T) {
	ctx := context.Background()
	d, root := newLocal(t)

	if err := d.EnsureDirectory(ctx, "/docs/sub"); err != nil {
		t.Fatalf("EnsureDirectory() error = %v", err)
	}
	info, err := os.Stat(filepath.Join(root, "docs", "sub"))
	if err != nil || !info.IsDir() {
		t.Errorf("directory not created: %v", err)
	}

	// Idempotent.
	if err := d.EnsureDirectory(ctx, "/docs/sub"); err != nil {
		t.Errorf("repeat EnsureDirectory() error = %v", err)
	}
}

func TestLocalDriver_Remove(t *testing.T) {
	ctx := context.Background()

	t.Run("removes files and trees", func(t *testing.T) {
		d, root := newLocal(t)

		if err := d.EnsureDirectory(ctx, "/docs"); err != nil {
			t.Fatalf("EnsureDirectory() error = %v", err)
		}
		if _, err := d.Write(ctx, "/docs/a.txt", strings.NewReader("a"), 1); err != nil {
			t.Fatalf("Write() error = %v", err)
		}

		if err := d.Remove(ctx, "/docs"); err != nil {
			t.Fatalf("Remove() error = %v", err)
		}
		if _, err := os.Stat(filepath.Join(root, "docs")); !os.IsNotExist(err) {
			t.Error("tree still present after Remove")
		}
	})

	t.Run("absent path is not an error", func(t *testing.T) {
		d, _ := newLocal(t)
		if err := d.Remove(ctx, "/never-existed"); err != nil {
			t.Errorf("Remove() error = %v", err)
		}
	})
}

func TestLocalDriver_MoveOrCopy(t *testing.T) {
	ctx := context.Background()

	t.Run("move relocates a tree", func(t *testing.T) {
		d, root := newLocal(t)

		if err := d.EnsureDirectory(ctx, "/docs"); err != nil {
			t.Fatalf("EnsureDirectory() error = %v", err)
		}
		if _, err := d.Write(ctx, "/docs/a.txt", strings.NewReader("aaa"), 3); err != nil {
			t.Fatalf("Write() error = %v", err)
		}

		if err := d.MoveOrCopy(ctx, "/docs", "/archive", true); err != nil {
			t.Fatalf("MoveOrCopy() error = %v", err)
		}
		if _, err := os.Stat(filepath.Join(root, "archive", "a.txt")); err != nil {
			t.Errorf("moved file missing: %v", err)
		}
		if _, err := os.Stat(filepath.Join(root, "docs")); !os.IsNotExist(err) {
			t.Error("source still present after move")
		}
	})

	t.Run("copy keeps the source", func(t *testing.T) {
		d, root := newLocal(t)

		if _, err := d.Write(ctx, "/a.txt", strings.NewReader("aaa"), 3); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		if err := d.MoveOrCopy(ctx, "/a.txt", "/b.txt", false); err != nil {
			t.Fatalf("MoveOrCopy() error = %v", err)
		}
		for _, name := range []string{"a.txt", "b.txt"} {
			data, err := os.ReadFile(filepath.Join(root, name))
			if err != nil || string(data) != "aaa" {
				t.Errorf("%s = %q, %v; want aaa", name, data, err)
			}
		}
	})
}
