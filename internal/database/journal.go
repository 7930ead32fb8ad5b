package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"fsledger/internal/engine"
	"fsledger/internal/model"
)

const journalColumns = `id, command, status, backend_kind, idempotency_key, principal, params,
	affected_node_ids, error_kind, error, retryable, created_at, completed_at`

func scanJournalEntry(row rowScanner) (*model.JournalEntry, error) {
	var e model.JournalEntry
	var affected string
	var completedAt sql.NullTime
	err := row.Scan(&e.ID, &e.Command, &e.Status, &e.BackendKind, &e.IdempotencyKey,
		&e.Principal, &e.Params, &affected, &e.ErrorKind, &e.Error, &e.Retryable,
		&e.CreatedAt, &completedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning journal entry: %w", err)
	}
	if completedAt.Valid {
		t := completedAt.Time
		e.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(affected), &e.AffectedNodeIDs); err != nil {
		return nil, fmt.Errorf("decoding affected node ids: %w", err)
	}
	return &e, nil
}

func encodeAffected(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("encoding affected node ids: %w", err)
	}
	return string(data), nil
}

func (s *SQLiteStore) InsertJournalEntry(ctx context.Context, e *model.JournalEntry) error {
	affected, err := encodeAffected(e.AffectedNodeIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO journal_entries (`+journalColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Command, e.Status, e.BackendKind, e.IdempotencyKey, e.Principal,
		e.Params, affected, e.ErrorKind, e.Error, e.Retryable, e.CreatedAt, e.CompletedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return engine.ErrDuplicateKey
		}
		return fmt.Errorf("inserting journal entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetJournalEntry(ctx context.Context, id string) (*model.JournalEntry, error) {
	return scanJournalEntry(s.db.QueryRowContext(ctx,
		`SELECT `+journalColumns+` FROM journal_entries WHERE id = ?`, id))
}

func (s *SQLiteStore) GetJournalEntryByKey(ctx context.Context, key string) (*model.JournalEntry, error) {
	return scanJournalEntry(s.db.QueryRowContext(ctx,
		`SELECT `+journalColumns+` FROM journal_entries WHERE idempotency_key = ?`, key))
}

// ReclaimJournalEntry flips a failed retryable entry back to pending. The
// created_at reset restarts the sweep deadline for the new attempt. The
// guarded WHERE makes concurrent reclaims yield exactly one winner.
func (s *SQLiteStore) ReclaimJournalEntry(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE journal_entries
		 SET status = 'pending', error_kind = '', error = '', retryable = 0,
		     completed_at = NULL, created_at = ?
		 WHERE id = ? AND status = 'failed' AND retryable = 1`,
		now, id)
	if err != nil {
		return false, fmt.Errorf("reclaiming journal entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func completeJournalEntry(ctx context.Context, q querier, id string, status model.JournalStatus, affectedNodeIDs []string, errorKind, errMsg string, retryable bool, completedAt time.Time) error {
	affected, err := encodeAffected(affectedNodeIDs)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx,
		`UPDATE journal_entries
		 SET status = ?, affected_node_ids = ?, error_kind = ?, error = ?, retryable = ?, completed_at = ?
		 WHERE id = ? AND status = 'pending'`,
		status, affected, errorKind, errMsg, retryable, completedAt, id)
	if err != nil {
		return fmt.Errorf("completing journal entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Terminal rows are immutable; only pending transitions.
		return fmt.Errorf("%w: journal entry %s is not pending", engine.ErrVersionConflict, id)
	}
	return nil
}

func (s *SQLiteStore) CompleteJournalEntry(ctx context.Context, id string, status model.JournalStatus, affectedNodeIDs []string, errorKind, errMsg string, retryable bool, completedAt time.Time) error {
	return completeJournalEntry(ctx, s.db, id, status, affectedNodeIDs, errorKind, errMsg, retryable, completedAt)
}

func (t *sqliteTx) CompleteJournalEntry(ctx context.Context, id string, status model.JournalStatus, affectedNodeIDs []string, errorKind, errMsg string, retryable bool, completedAt time.Time) error {
	return completeJournalEntry(ctx, t.tx, id, status, affectedNodeIDs, errorKind, errMsg, retryable, completedAt)
}

func (s *SQLiteStore) ListPendingJournalEntriesBefore(ctx context.Context, cutoff time.Time) ([]*model.JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+journalColumns+` FROM journal_entries
		 WHERE status = 'pending' AND created_at < ?
		 ORDER BY created_at`,
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing pending journal entries: %w", err)
	}
	return scanJournalEntries(rows)
}

func (s *SQLiteStore) ListRecentJournalEntries(ctx context.Context, limit int) ([]*model.JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+journalColumns+` FROM journal_entries
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("listing journal entries: %w", err)
	}
	return scanJournalEntries(rows)
}

func scanJournalEntries(rows *sql.Rows) ([]*model.JournalEntry, error) {
	defer rows.Close()
	var entries []*model.JournalEntry
	for rows.Next() {
		e, err := scanJournalEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
