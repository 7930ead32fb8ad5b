package driver

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"fsledger/internal/engine"
)

// LocalDriver stores mount data as plain files under a root directory.
// Logical paths map directly onto the directory tree.
type LocalDriver struct {
	root string
}

var _ engine.Driver = (*LocalDriver)(nil)

// NewLocalDriver creates a driver rooted at the given directory, creating
// it if needed.
func NewLocalDriver(root string) (*LocalDriver, error) {
	if root == "" {
		return nil, fmt.Errorf("local driver requires a root directory")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating driver root: %w", err)
	}
	return &LocalDriver{root: root}, nil
}

// resolve maps a logical path onto the root, rejecting escapes.
func (d *LocalDriver) resolve(path string) (string, error) {
	rel := strings.TrimPrefix(path, "/")
	full := filepath.Join(d.root, filepath.FromSlash(rel))
	if full != d.root && !strings.HasPrefix(full, d.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes driver root: %s", path)
	}
	return full, nil
}

// Write streams content to a temp file in the destination directory and
// renames it into place, so readers never observe a partial file.
func (d *LocalDriver) Write(ctx context.Context, path string, r io.Reader, size int64) (int64, error) {
	dest, err := d.resolve(path)
	if err != nil {
		return 0, &engine.BackendError{Op: "write", Path: path, Err: err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return 0, &engine.BackendError{Op: "write", Path: path, Err: err}
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return 0, &engine.BackendError{Op: "write", Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return 0, &engine.BackendError{Op: "write", Path: path, Err: err}
	}
	if size >= 0 && written != size {
		return 0, &engine.BackendError{Op: "write", Path: path,
			Err: fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)}
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		return 0, &engine.BackendError{Op: "write", Path: path, Err: err}
	}
	success = true
	return written, nil
}

func (d *LocalDriver) EnsureDirectory(ctx context.Context, path string) error {
	dest, err := d.resolve(path)
	if err == nil {
		err = os.MkdirAll(dest, 0755)
	}
	if err != nil {
		return &engine.BackendError{Op: "ensure_directory", Path: path, Err: err}
	}
	return nil
}

// Remove deletes the file or tree at path. A path that is already gone is
// not an error: the node tree is the authority on existence.
func (d *LocalDriver) Remove(ctx context.Context, path string) error {
	dest, err := d.resolve(path)
	if err == nil {
		err = os.RemoveAll(dest)
	}
	if err != nil {
		return &engine.BackendError{Op: "remove", Path: path, Err: err}
	}
	return nil
}

func (d *LocalDriver) MoveOrCopy(ctx context.Context, src, dst string, deleteSource bool) error {
	srcFull, err := d.resolve(src)
	if err != nil {
		return &engine.BackendError{Op: "move_or_copy", Path: src, Err: err}
	}
	dstFull, err := d.resolve(dst)
	if err != nil {
		return &engine.BackendError{Op: "move_or_copy", Path: dst, Err: err}
	}

	if deleteSource {
		if err := os.Rename(srcFull, dstFull); err == nil {
			return nil
		}
		// Rename can fail across filesystems; fall through to copy+remove.
	}
	if err := copyTree(srcFull, dstFull); err != nil {
		return &engine.BackendError{Op: "move_or_copy", Path: src, Err: err}
	}
	if deleteSource {
		if err := os.RemoveAll(srcFull); err != nil {
			return &engine.BackendError{Op: "move_or_copy", Path: src, Err: err}
		}
	}
	return nil
}

// copyTree copies a file or directory tree.
func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		return copyFile(src, dst, info.Mode())
	}

	return filepath.WalkDir(src, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(p, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
