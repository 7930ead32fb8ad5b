package driver

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"fsledger/internal/engine"
)

// MemoryDriver keeps mount data in process memory. Used in tests, where
// its operation counters make at-most-once execution observable.
type MemoryDriver struct {
	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool

	writeCalls  int
	ensureCalls int
	removeCalls int
	moveCalls   int

	// failNext, when set, makes the next operation fail with it.
	failNext error
}

var _ engine.Driver = (*MemoryDriver)(nil)

func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{
		files: make(map[string][]byte),
		dirs:  map[string]bool{"/": true},
	}
}

// FailNext makes the next driver operation fail with err. Used by tests to
// exercise retryable backend failures.
func (d *MemoryDriver) FailNext(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = err
}

func (d *MemoryDriver) takeFailure(op, path string) error {
	if d.failNext == nil {
		return nil
	}
	err := d.failNext
	d.failNext = nil
	return &engine.BackendError{Op: op, Path: path, Err: err}
}

func (d *MemoryDriver) Write(ctx context.Context, path string, r io.Reader, size int64) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeCalls++
	if err := d.takeFailure("write", path); err != nil {
		return 0, err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return 0, &engine.BackendError{Op: "write", Path: path, Err: err}
	}
	if size >= 0 && int64(len(data)) != size {
		return 0, &engine.BackendError{Op: "write", Path: path,
			Err: fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))}
	}
	d.files[path] = data
	return int64(len(data)), nil
}

func (d *MemoryDriver) EnsureDirectory(ctx context.Context, path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensureCalls++
	if err := d.takeFailure("ensure_directory", path); err != nil {
		return err
	}
	d.dirs[path] = true
	return nil
}

func (d *MemoryDriver) Remove(ctx context.Context, path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeCalls++
	if err := d.takeFailure("remove", path); err != nil {
		return err
	}
	delete(d.files, path)
	delete(d.dirs, path)
	prefix := path + "/"
	for p := range d.files {
		if strings.HasPrefix(p, prefix) {
			delete(d.files, p)
		}
	}
	for p := range d.dirs {
		if strings.HasPrefix(p, prefix) {
			delete(d.dirs, p)
		}
	}
	return nil
}

func (d *MemoryDriver) MoveOrCopy(ctx context.Context, src, dst string, deleteSource bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.moveCalls++
	if err := d.takeFailure("move_or_copy", src+" -> "+dst); err != nil {
		return err
	}

	rebase := func(p string) string {
		if p == src {
			return dst
		}
		return dst + strings.TrimPrefix(p, src)
	}

	prefix := src + "/"
	for p, data := range d.files {
		if p == src || strings.HasPrefix(p, prefix) {
			d.files[rebase(p)] = append([]byte(nil), data...)
			if deleteSource {
				delete(d.files, p)
			}
		}
	}
	for p := range d.dirs {
		if p == src || strings.HasPrefix(p, prefix) {
			d.dirs[rebase(p)] = true
			if deleteSource {
				delete(d.dirs, p)
			}
		}
	}
	return nil
}

// Content returns a copy of the bytes stored at path, and whether it exists.
func (d *MemoryDriver) Content(path string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, ok := d.files[path]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// HasDirectory reports whether EnsureDirectory stored the path.
func (d *MemoryDriver) HasDirectory(path string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dirs[path]
}

// WriteCalls returns the number of Write invocations, including failures.
func (d *MemoryDriver) WriteCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeCalls
}

// EnsureCalls returns the number of EnsureDirectory invocations.
func (d *MemoryDriver) EnsureCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ensureCalls
}

// RemoveCalls returns the number of Remove invocations.
func (d *MemoryDriver) RemoveCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removeCalls
}

// MoveCalls returns the number of MoveOrCopy invocations.
func (d *MemoryDriver) MoveCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.moveCalls
}
