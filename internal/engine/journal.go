package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fsledger/internal/model"
)

// Command kinds recorded on journal entries.
const (
	CommandCreateDirectory = "create_directory"
	CommandUploadFile      = "upload_file"
	CommandMove            = "move"
	CommandCopy            = "copy"
	CommandDelete          = "delete"
)

// Journal is the idempotent execution ledger. Every mutating command is
// reserved here before any side effect and completed afterwards; the
// idempotency key's uniqueness constraint is the mechanism enforcing
// at-most-once execution.
type Journal struct {
	store Store
	clock Clock
	idgen IDGenerator
	log   Logger
}

func NewJournal(store Store, clock Clock, idgen IDGenerator, log Logger) *Journal {
	return &Journal{store: store, clock: clock, idgen: idgen, log: log}
}

// Submission is the result of submitting a command. When Reserved is true
// this call owns the pending entry and must complete it. Otherwise Entry
// holds a previous submission for the same key: the caller replays its
// outcome instead of executing again.
type Submission struct {
	Entry    *model.JournalEntry
	Reserved bool
}

// Submit reserves a pending journal entry for the command, or returns the
// existing entry when the idempotency key is already taken.
//
// A failed retryable entry (backend I/O failure, abandoned execution) is
// flipped back to pending and handed to this caller for a fresh attempt.
// Reusing a key with different parameters is a conflict.
func (j *Journal) Submit(ctx context.Context, command string, backendKind model.MountKind, idempotencyKey, principal string, params any) (*Submission, error) {
	if idempotencyKey == "" {
		return nil, fmt.Errorf("idempotency key required")
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, &InternalError{Msg: "encoding command parameters", Err: err}
	}

	entry := &model.JournalEntry{
		ID:             j.idgen.New(),
		Command:        command,
		Status:         model.JournalStatusPending,
		BackendKind:    backendKind,
		IdempotencyKey: idempotencyKey,
		Principal:      principal,
		Params:         string(paramsJSON),
		CreatedAt:      j.clock.Now(),
	}

	err = j.store.InsertJournalEntry(ctx, entry)
	if err == nil {
		j.log.Debug("journal entry reserved", "command", command, "key", idempotencyKey)
		return &Submission{Entry: entry, Reserved: true}, nil
	}
	if !IsDuplicateKey(err) {
		return nil, fmt.Errorf("reserving journal entry: %w", err)
	}

	// The key is taken: this is a replayed or concurrent submission.
	existing, err := j.store.GetJournalEntryByKey(ctx, idempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("loading journal entry: %w", err)
	}
	if existing == nil {
		return nil, &InternalError{Msg: "idempotency key vanished after uniqueness violation: " + idempotencyKey}
	}
	if existing.Command != command || existing.Params != string(paramsJSON) {
		return nil, fmt.Errorf("%w: key %s", ErrKeyReused, idempotencyKey)
	}

	if existing.Status == model.JournalStatusFailed && existing.Retryable {
		reclaimed, err := j.store.ReclaimJournalEntry(ctx, existing.ID, j.clock.Now())
		if err != nil {
			return nil, fmt.Errorf("reclaiming journal entry: %w", err)
		}
		if reclaimed {
			fresh, err := j.store.GetJournalEntry(ctx, existing.ID)
			if err != nil || fresh == nil {
				return nil, &InternalError{Msg: "reloading reclaimed journal entry", Err: err}
			}
			j.log.Info("journal entry reclaimed for retry", "command", command, "key", idempotencyKey)
			return &Submission{Entry: fresh, Reserved: true}, nil
		}
		// A concurrent retry won the reclaim; treat as in flight.
		existing.Status = model.JournalStatusPending
	}

	return &Submission{Entry: existing, Reserved: false}, nil
}

// Succeed marks a pending entry succeeded inside the caller's mutation
// transaction, recording the affected node ids.
func (j *Journal) Succeed(ctx context.Context, tx Tx, entryID string, affectedNodeIDs []string) error {
	return tx.CompleteJournalEntry(ctx, entryID, model.JournalStatusSucceeded, affectedNodeIDs, "", "", false, j.clock.Now())
}

// Fail marks a pending entry failed, recording the cause's class so a later
// submission with the same key replays the same outcome. Called outside any
// tree transaction: the failure itself must be durable even when the
// mutation rolled back.
func (j *Journal) Fail(ctx context.Context, entryID string, cause error) error {
	err := j.store.CompleteJournalEntry(ctx, entryID, model.JournalStatusFailed, nil, errorKind(cause), cause.Error(), IsRetryable(cause), j.clock.Now())
	if err != nil {
		j.log.Error("failing journal entry", "entry", entryID, "cause", cause, "error", err)
		return fmt.Errorf("failing journal entry: %w", err)
	}
	return nil
}

// Replay converts a non-reserved submission into the terminal outcome of
// the original execution. Pending entries yield ErrInFlight.
func (j *Journal) Replay(sub *Submission) ([]string, error) {
	switch sub.Entry.Status {
	case model.JournalStatusPending:
		return nil, fmt.Errorf("%w: key %s", ErrInFlight, sub.Entry.IdempotencyKey)
	case model.JournalStatusSucceeded:
		return sub.Entry.AffectedNodeIDs, nil
	case model.JournalStatusFailed:
		return nil, errorFromKind(sub.Entry.ErrorKind, sub.Entry.Error)
	default:
		return nil, &InternalError{Msg: "journal entry in unknown status " + string(sub.Entry.Status)}
	}
}

// SweepStuck finds entries that have been pending longer than maxAge and
// marks them failed retryable, so abandoned executions eventually release
// their idempotency keys for an explicit new attempt. Returns the number of
// entries swept.
func (j *Journal) SweepStuck(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := j.clock.Now().Add(-maxAge)
	stuck, err := j.store.ListPendingJournalEntriesBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("listing stuck journal entries: %w", err)
	}

	swept := 0
	for _, e := range stuck {
		err := j.store.CompleteJournalEntry(ctx, e.ID, model.JournalStatusFailed, nil, errKindBackendIO, "execution abandoned: pending past sweep deadline", true, j.clock.Now())
		if err != nil {
			// Lost a race with the execution finishing; skip it.
			j.log.Debug("sweep skipped entry", "entry", e.ID, "error", err)
			continue
		}
		j.log.Warn("stuck journal entry swept", "entry", e.ID, "key", e.IdempotencyKey, "command", e.Command)
		swept++
	}
	return swept, nil
}
