package testutil

import (
	"context"
	"testing"

	"fsledger/internal/driver"
	"fsledger/internal/engine"
	"fsledger/internal/model"
)

// Harness bundles a fully wired engine over an in-memory store, with a
// stub clock and sequential IDs so outcomes are deterministic.
type Harness struct {
	Store       engine.Store
	Clock       *StubClock
	IDGen       *StubIDGenerator
	Tree        *engine.Tree
	Journal     *engine.Journal
	Rollups     *engine.Rollups
	Registry    *engine.Registry
	Drivers     *driver.Factory
	Coordinator *engine.Coordinator
}

// NewHarness wires every engine component over a fresh in-memory store.
func NewHarness(t *testing.T) *Harness {
	t.Helper()

	store := NewTestStore(t)
	clock := FixedClock()
	idgen := NewStubIDGenerator()
	log := engine.NewNopLogger()

	tree := engine.NewTree(clock, idgen)
	journal := engine.NewJournal(store, clock, idgen, log)
	rollups := engine.NewRollups(store, clock, log)
	registry := engine.NewRegistry(store, tree, clock, log)
	drivers := driver.NewFactory()

	return &Harness{
		Store:       store,
		Clock:       clock,
		IDGen:       idgen,
		Tree:        tree,
		Journal:     journal,
		Rollups:     rollups,
		Registry:    registry,
		Drivers:     drivers,
		Coordinator: engine.NewCoordinator(store, journal, registry, tree, rollups, drivers, log),
	}
}

// AddMemoryMount registers a memory-backed mount and returns it together
// with the driver instance, so tests can inspect physical operations.
func (h *Harness) AddMemoryMount(t *testing.T, key string) (*model.BackendMount, *driver.MemoryDriver) {
	t.Helper()

	mount, err := h.Registry.Register(context.Background(), h.IDGen.New(), key, model.MountKindMemory, "", "")
	if err != nil {
		t.Fatalf("registering mount: %v", err)
	}

	drv := driver.NewMemoryDriver()
	h.Drivers.Register(mount.ID, drv)
	return mount, drv
}
