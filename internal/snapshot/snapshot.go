// Package snapshot captures immutable, point-in-time views of a mount's
// active node set for audit and point-in-time queries.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"fsledger/internal/engine"
	"fsledger/internal/model"
)

// Encryptor protects exported snapshot documents at rest.
type Encryptor interface {
	// Encrypt reads plaintext from r and writes ciphertext to w.
	Encrypt(r io.Reader, w io.Writer) error
	// IsConfigured reports whether encryption material is available.
	IsConfigured() bool
}

// Service creates, lists, and exports snapshots. It reads node rows but
// owns only snapshot rows.
type Service struct {
	store     engine.Store
	clock     engine.Clock
	idgen     engine.IDGenerator
	log       engine.Logger
	encryptor Encryptor
}

func NewService(store engine.Store, clock engine.Clock, idgen engine.IDGenerator, log engine.Logger, encryptor Encryptor) *Service {
	return &Service{store: store, clock: clock, idgen: idgen, log: log, encryptor: encryptor}
}

// Create captures the mount's active nodes in one transaction, so the
// snapshot references a consistent cut of the tree.
func (s *Service) Create(ctx context.Context, mountID string) (*model.Snapshot, error) {
	mount, err := s.store.GetMount(ctx, mountID)
	if err != nil {
		return nil, fmt.Errorf("loading mount: %w", err)
	}
	if mount == nil {
		return nil, fmt.Errorf("%w: mount %s", engine.ErrNotFound, mountID)
	}

	snap := &model.Snapshot{
		ID:        s.idgen.New(),
		MountID:   mountID,
		CreatedAt: s.clock.Now(),
	}
	err = s.store.Mutate(ctx, func(tx engine.Tx) error {
		nodes, err := tx.ListActiveNodes(ctx, mountID)
		if err != nil {
			return err
		}
		snap.NodeCount = int64(len(nodes))
		for _, n := range nodes {
			if n.Kind == model.NodeKindFile {
				snap.TotalSize += n.Size
			}
		}
		if err := tx.InsertSnapshot(ctx, snap); err != nil {
			return err
		}
		return tx.InsertSnapshotNodes(ctx, snap.ID, nodes)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("snapshot created", "mount", mount.Key, "snapshot", snap.ID, "nodes", snap.NodeCount)
	return snap, nil
}

// List returns a mount's snapshots, newest first.
func (s *Service) List(ctx context.Context, mountID string) ([]*model.Snapshot, error) {
	return s.store.ListSnapshots(ctx, mountID)
}

// exportDocument is the JSON layout of an exported snapshot.
type exportDocument struct {
	SnapshotID string       `json:"snapshot_id"`
	MountID    string       `json:"mount_id"`
	CreatedAt  time.Time    `json:"created_at"`
	NodeCount  int64        `json:"node_count"`
	TotalSize  int64        `json:"total_size"`
	Nodes      []exportNode `json:"nodes"`
}

type exportNode struct {
	Path    string `json:"path"`
	Kind    string `json:"kind"`
	Size    int64  `json:"size"`
	Version int64  `json:"version"`
}

// Export writes the snapshot as a JSON document to w, encrypting it when
// encrypt is requested.
func (s *Service) Export(ctx context.Context, snapshotID string, w io.Writer, encrypt bool) error {
	snap, err := s.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return fmt.Errorf("loading snapshot: %w", err)
	}
	if snap == nil {
		return fmt.Errorf("%w: snapshot %s", engine.ErrNotFound, snapshotID)
	}
	nodes, err := s.store.ListSnapshotNodes(ctx, snapshotID)
	if err != nil {
		return fmt.Errorf("loading snapshot nodes: %w", err)
	}

	doc := exportDocument{
		SnapshotID: snap.ID,
		MountID:    snap.MountID,
		CreatedAt:  snap.CreatedAt,
		NodeCount:  snap.NodeCount,
		TotalSize:  snap.TotalSize,
		Nodes:      make([]exportNode, len(nodes)),
	}
	for i, n := range nodes {
		doc.Nodes[i] = exportNode{Path: n.Path, Kind: string(n.Kind), Size: n.Size, Version: n.Version}
	}

	if !encrypt {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	}

	if s.encryptor == nil || !s.encryptor.IsConfigured() {
		return fmt.Errorf("snapshot encryption requested but no keys are configured")
	}
	pr, pw := io.Pipe()
	go func() {
		enc := json.NewEncoder(pw)
		enc.SetIndent("", "  ")
		pw.CloseWithError(enc.Encode(doc))
	}()
	return s.encryptor.Encrypt(pr, w)
}
