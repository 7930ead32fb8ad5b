package engine

import (
	"context"
	"io"
)

// Driver is the capability a backend implementation exposes for moving
// bytes. Paths are mount-root-relative logical paths; the driver maps them
// to its own storage layout. The engine treats every driver failure as a
// retryable I/O error and never inspects backend-specific details.
type Driver interface {
	// Write streams content to the given path, replacing any existing
	// object, and returns the number of bytes stored. size is the number
	// of bytes that will be read from r.
	Write(ctx context.Context, path string, r io.Reader, size int64) (int64, error)

	// EnsureDirectory makes the path exist as a directory. Idempotent.
	// Object stores with no directory concept may treat this as a no-op.
	EnsureDirectory(ctx context.Context, path string) error

	// Remove deletes the file or directory tree at path. Removing a path
	// that does not exist physically is not an error; the node tree is the
	// authority on existence.
	Remove(ctx context.Context, path string) error

	// MoveOrCopy replicates src at dst. When deleteSource is true the
	// source is removed afterwards, completing a move.
	MoveOrCopy(ctx context.Context, src, dst string, deleteSource bool) error
}

// DriverFactory resolves the driver for a mount descriptor. The factory is
// the only place that branches on backend kind.
type DriverFactory interface {
	DriverFor(ctx context.Context, desc *BackendDescriptor) (Driver, error)
}
