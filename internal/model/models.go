package model

import "time"

// MountKind identifies the physical storage technology behind a mount.
type MountKind string

const (
	MountKindLocal  MountKind = "local"
	MountKindS3     MountKind = "s3"
	MountKindMemory MountKind = "memory"
)

// MountState tracks the lifecycle of a backend mount. Disabled mounts keep
// their nodes but reject new mutations.
type MountState string

const (
	MountStateActive   MountState = "active"
	MountStateDisabled MountState = "disabled"
)

// NodeKind distinguishes files from directories in the namespace.
type NodeKind string

const (
	NodeKindFile      NodeKind = "file"
	NodeKindDirectory NodeKind = "directory"
)

// NodeState is the soft-delete lifecycle of a node. A deleted node keeps its
// row forever; a new create at the same path produces a distinct node.
type NodeState string

const (
	NodeStateActive  NodeState = "active"
	NodeStateDeleted NodeState = "deleted"
)

// JournalStatus is the execution status of a journal entry.
type JournalStatus string

const (
	JournalStatusPending   JournalStatus = "pending"
	JournalStatusSucceeded JournalStatus = "succeeded"
	JournalStatusFailed    JournalStatus = "failed"
)

// RollupState tracks whether a directory aggregate reflects its children.
type RollupState string

const (
	RollupStateUpToDate RollupState = "up_to_date"
	RollupStateStale    RollupState = "stale"
	RollupStatePending  RollupState = "pending"
)

// BackendMount is a named storage root that nodes live under.
type BackendMount struct {
	ID        string // UUID
	Key       string // Unique human-readable name
	Kind      MountKind
	Root      string // Local root directory or S3 bucket
	Config    string // JSON blob with kind-specific settings
	State     MountState
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Node is one file or directory entry in a mount's logical namespace.
// Version starts at 1 and is bumped exactly once per successful mutation.
// Directory sizes live in the rollup table, not here.
type Node struct {
	ID        string // UUID
	MountID   string // Foreign key to BackendMount
	Path      string // Normalized, "/"-rooted, unique among active nodes per mount
	Name      string // Last path segment
	Depth     int    // Path segment count; 0 for the mount root
	Kind      NodeKind
	Size      int64 // Files only
	Version   int64
	State     NodeState
	DeletedAt *time.Time // Set exactly when State becomes deleted
	CreatedAt time.Time
	UpdatedAt time.Time
}

// JournalEntry records one submitted mutating command. The idempotency key
// carries a uniqueness constraint; that constraint is what makes command
// execution at-most-once under retries.
type JournalEntry struct {
	ID              string // UUID
	Command         string
	Status          JournalStatus
	BackendKind     MountKind
	IdempotencyKey  string
	Principal       string
	Params          string   // Canonical JSON of the command parameters
	AffectedNodeIDs []string // Node ids touched by a succeeded execution
	ErrorKind       string   // Machine-readable failure class, empty on success
	Error           string   // Human-readable failure detail
	Retryable       bool     // Whether the same key may be resubmitted
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

// Rollup is the aggregate size attached to one directory node.
type Rollup struct {
	NodeID           string
	Size             int64
	State            RollupState
	LastCalculatedAt *time.Time
}

// Snapshot is an immutable point-in-time capture of a mount's active nodes.
type Snapshot struct {
	ID        string // UUID
	MountID   string
	NodeCount int64
	TotalSize int64 // Sum of captured file sizes
	CreatedAt time.Time
}

// SnapshotNode is one captured node within a snapshot. Rows are never
// mutated after the snapshot is created.
type SnapshotNode struct {
	SnapshotID string
	NodeID     string
	Path       string
	Kind       NodeKind
	Size       int64
	Version    int64
}
