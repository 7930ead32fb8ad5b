package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"fsledger/internal/engine"
	"fsledger/internal/model"
	"fsledger/internal/testutil"
)

type fakeParams struct {
	Path string `json:"path"`
}

func TestJournal_Submit(t *testing.T) {
	ctx := context.Background()

	t.Run("reserves a fresh key", func(t *testing.T) {
		h := testutil.NewHarness(t)

		sub, err := h.Journal.Submit(ctx, engine.CommandCreateDirectory, model.MountKindMemory, "k1", "alice", fakeParams{Path: "/a"})
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
		if !sub.Reserved {
			t.Error("Submit() Reserved = false, want true")
		}
		if sub.Entry.Status != model.JournalStatusPending {
			t.Errorf("entry status = %s, want pending", sub.Entry.Status)
		}
	})

	t.Run("rejects an empty key", func(t *testing.T) {
		h := testutil.NewHarness(t)

		if _, err := h.Journal.Submit(ctx, engine.CommandCreateDirectory, model.MountKindMemory, "", "alice", fakeParams{}); err == nil {
			t.Error("Submit() with empty key expected error")
		}
	})

	t.Run("same key and params returns the existing entry", func(t *testing.T) {
		h := testutil.NewHarness(t)

		first, err := h.Journal.Submit(ctx, engine.CommandCreateDirectory, model.MountKindMemory, "k1", "alice", fakeParams{Path: "/a"})
		if err != nil {
			t.Fatalf("first Submit() error = %v", err)
		}

		second, err := h.Journal.Submit(ctx, engine.CommandCreateDirectory, model.MountKindMemory, "k1", "alice", fakeParams{Path: "/a"})
		if err != nil {
			t.Fatalf("second Submit() error = %v", err)
		}
		if second.Reserved {
			t.Error("second Submit() Reserved = true, want false")
		}
		if second.Entry.ID != first.Entry.ID {
			t.Errorf("second entry id = %s, want %s", second.Entry.ID, first.Entry.ID)
		}
	})

	t.Run("same key with different params is a conflict", func(t *testing.T) {
		h := testutil.NewHarness(t)

		if _, err := h.Journal.Submit(ctx, engine.CommandCreateDirectory, model.MountKindMemory, "k1", "alice", fakeParams{Path: "/a"}); err != nil {
			t.Fatalf("first Submit() error = %v", err)
		}

		_, err := h.Journal.Submit(ctx, engine.CommandCreateDirectory, model.MountKindMemory, "k1", "alice", fakeParams{Path: "/b"})
		if !errors.Is(err, engine.ErrKeyReused) {
			t.Errorf("Submit() error = %v, want ErrKeyReused", err)
		}
	})

	t.Run("same key with different command is a conflict", func(t *testing.T) {
		h := testutil.NewHarness(t)

		if _, err := h.Journal.Submit(ctx, engine.CommandCreateDirectory, model.MountKindMemory, "k1", "alice", fakeParams{Path: "/a"}); err != nil {
			t.Fatalf("first Submit() error = %v", err)
		}

		_, err := h.Journal.Submit(ctx, engine.CommandDelete, model.MountKindMemory, "k1", "alice", fakeParams{Path: "/a"})
		if !errors.Is(err, engine.ErrKeyReused) {
			t.Errorf("Submit() error = %v, want ErrKeyReused", err)
		}
	})

	t.Run("failed retryable entry is reclaimed", func(t *testing.T) {
		h := testutil.NewHarness(t)

		first, err := h.Journal.Submit(ctx, engine.CommandUploadFile, model.MountKindMemory, "k1", "alice", fakeParams{Path: "/a"})
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}

		cause := &engine.BackendError{Op: "write", Path: "/a", Err: errors.New("connection reset")}
		if err := h.Journal.Fail(ctx, first.Entry.ID, cause); err != nil {
			t.Fatalf("Fail() error = %v", err)
		}

		second, err := h.Journal.Submit(ctx, engine.CommandUploadFile, model.MountKindMemory, "k1", "alice", fakeParams{Path: "/a"})
		if err != nil {
			t.Fatalf("retry Submit() error = %v", err)
		}
		if !second.Reserved {
			t.Error("retry Submit() Reserved = false, want true")
		}
		if second.Entry.Status != model.JournalStatusPending {
			t.Errorf("reclaimed entry status = %s, want pending", second.Entry.Status)
		}
	})

	t.Run("failed terminal entry is not reclaimed", func(t *testing.T) {
		h := testutil.NewHarness(t)

		first, err := h.Journal.Submit(ctx, engine.CommandCreateDirectory, model.MountKindMemory, "k1", "alice", fakeParams{Path: "/a"})
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}

		cause := engine.ErrAlreadyExists
		if err := h.Journal.Fail(ctx, first.Entry.ID, cause); err != nil {
			t.Fatalf("Fail() error = %v", err)
		}

		second, err := h.Journal.Submit(ctx, engine.CommandCreateDirectory, model.MountKindMemory, "k1", "alice", fakeParams{Path: "/a"})
		if err != nil {
			t.Fatalf("second Submit() error = %v", err)
		}
		if second.Reserved {
			t.Error("second Submit() Reserved = true, want false")
		}
	})
}

func TestJournal_Replay(t *testing.T) {
	ctx := context.Background()

	t.Run("pending entry is in flight", func(t *testing.T) {
		h := testutil.NewHarness(t)

		if _, err := h.Journal.Submit(ctx, engine.CommandCreateDirectory, model.MountKindMemory, "k1", "alice", fakeParams{Path: "/a"}); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
		sub, err := h.Journal.Submit(ctx, engine.CommandCreateDirectory, model.MountKindMemory, "k1", "alice", fakeParams{Path: "/a"})
		if err != nil {
			t.Fatalf("second Submit() error = %v", err)
		}

		_, err = h.Journal.Replay(sub)
		if !errors.Is(err, engine.ErrInFlight) {
			t.Errorf("Replay() error = %v, want ErrInFlight", err)
		}
	})

	t.Run("succeeded entry yields affected node ids", func(t *testing.T) {
		h := testutil.NewHarness(t)

		first, err := h.Journal.Submit(ctx, engine.CommandCreateDirectory, model.MountKindMemory, "k1", "alice", fakeParams{Path: "/a"})
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}

		err = h.Store.Mutate(ctx, func(tx engine.Tx) error {
			return h.Journal.Succeed(ctx, tx, first.Entry.ID, []string{"n1", "n2"})
		})
		if err != nil {
			t.Fatalf("Succeed() error = %v", err)
		}

		sub, err := h.Journal.Submit(ctx, engine.CommandCreateDirectory, model.MountKindMemory, "k1", "alice", fakeParams{Path: "/a"})
		if err != nil {
			t.Fatalf("replay Submit() error = %v", err)
		}
		ids, err := h.Journal.Replay(sub)
		if err != nil {
			t.Fatalf("Replay() error = %v", err)
		}
		if len(ids) != 2 || ids[0] != "n1" || ids[1] != "n2" {
			t.Errorf("Replay() ids = %v, want [n1 n2]", ids)
		}
	})

	t.Run("failed entry reproduces the original error class", func(t *testing.T) {
		h := testutil.NewHarness(t)

		first, err := h.Journal.Submit(ctx, engine.CommandCreateDirectory, model.MountKindMemory, "k1", "alice", fakeParams{Path: "/a"})
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
		if err := h.Journal.Fail(ctx, first.Entry.ID, engine.ErrNotEmpty); err != nil {
			t.Fatalf("Fail() error = %v", err)
		}

		sub, err := h.Journal.Submit(ctx, engine.CommandCreateDirectory, model.MountKindMemory, "k1", "alice", fakeParams{Path: "/a"})
		if err != nil {
			t.Fatalf("replay Submit() error = %v", err)
		}
		_, err = h.Journal.Replay(sub)
		if !errors.Is(err, engine.ErrNotEmpty) {
			t.Errorf("Replay() error = %v, want ErrNotEmpty", err)
		}
	})
}

func TestJournal_SweepStuck(t *testing.T) {
	ctx := context.Background()

	t.Run("fails entries pending past the deadline", func(t *testing.T) {
		h := testutil.NewHarness(t)

		if _, err := h.Journal.Submit(ctx, engine.CommandUploadFile, model.MountKindMemory, "k1", "alice", fakeParams{Path: "/a"}); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
		h.Clock.Advance(time.Hour)

		swept, err := h.Journal.SweepStuck(ctx, 30*time.Minute)
		if err != nil {
			t.Fatalf("SweepStuck() error = %v", err)
		}
		if swept != 1 {
			t.Errorf("SweepStuck() = %d, want 1", swept)
		}

		// The key is retryable again after the sweep.
		sub, err := h.Journal.Submit(ctx, engine.CommandUploadFile, model.MountKindMemory, "k1", "alice", fakeParams{Path: "/a"})
		if err != nil {
			t.Fatalf("Submit() after sweep error = %v", err)
		}
		if !sub.Reserved {
			t.Error("Submit() after sweep Reserved = false, want true")
		}
	})

	t.Run("leaves fresh pending entries alone", func(t *testing.T) {
		h := testutil.NewHarness(t)

		if _, err := h.Journal.Submit(ctx, engine.CommandUploadFile, model.MountKindMemory, "k1", "alice", fakeParams{Path: "/a"}); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}

		swept, err := h.Journal.SweepStuck(ctx, 30*time.Minute)
		if err != nil {
			t.Fatalf("SweepStuck() error = %v", err)
		}
		if swept != 0 {
			t.Errorf("SweepStuck() = %d, want 0", swept)
		}
	})
}
