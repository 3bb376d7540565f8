package store

// commit.go runs the persistence protocol. A commit attempt walks
//
//	EDITING -> VALIDATING -> {INVALID,
//	                          LOCKING -> {LOCK_BUSY,
//	                                      LOCKED -> BACKING_UP -> WRITING -> COMMITTED}}
//
// with WRITE_FAILED as the terminal state when the write step fails after
// the backup succeeded (recoverable: the snapshot taken immediately before
// is intact) and BACKUP_FAILED when the snapshot itself could not be taken
// (the original file is guaranteed untouched). The dataset is written to a
// temporary file in the same directory and swapped in with an atomic
// rename, so a crash mid-write never leaves a half-written original. The
// lock is released on every exit path past acquisition.

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"rosterd/internal/audit"
	"rosterd/internal/dataset"
	"rosterd/internal/lockfile"
	"rosterd/internal/validate"
)

// State names a position in the commit state machine.
type State string

const (
	StateEditing      State = "EDITING"
	StateValidating   State = "VALIDATING"
	StateInvalid      State = "INVALID"
	StateLocking      State = "LOCKING"
	StateLockBusy     State = "LOCK_BUSY"
	StateBackingUp    State = "BACKING_UP"
	StateBackupFailed State = "BACKUP_FAILED"
	StateWriting      State = "WRITING"
	StateWriteFailed  State = "WRITE_FAILED"
	StateCommitted    State = "COMMITTED"
)

// ErrLockBusy is returned when another writer holds the dataset's lock and
// the acquisition timeout elapsed. In-memory edits are kept for retry.
var ErrLockBusy = lockfile.ErrBusy

// FieldRejection is one field that failed validation.
type FieldRejection struct {
	Column string          `json:"column"`
	Role   validate.Role   `json:"role"`
	Value  string          `json:"value,omitempty"`
	Reason validate.Reason `json:"reason"`
}

func (r FieldRejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Column, r.Reason)
}

// ValidationError aggregates every rejected field of an edit. The mutation
// that produced it was not applied at all.
type ValidationError struct {
	Rejections []FieldRejection
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Rejections))
	for i, r := range e.Rejections {
		parts[i] = r.Error()
	}
	return "store: validation rejected: " + strings.Join(parts, "; ")
}

// Unwrap exposes the individual rejections to errors.Is/As.
func (e *ValidationError) Unwrap() []error {
	errs := make([]error, len(e.Rejections))
	for i, r := range e.Rejections {
		errs[i] = r
	}
	return errs
}

// WriteFailedError means the original file's state is uncertain but the
// snapshot taken immediately before the write is intact; manual restoration
// from BackupPath is possible.
type WriteFailedError struct {
	BackupPath string
	Err        error
}

func (e *WriteFailedError) Error() string {
	return fmt.Sprintf("store: write failed after backup (restore from %s): %v", e.BackupPath, e.Err)
}

func (e *WriteFailedError) Unwrap() error { return e.Err }

// CommitResult reports the terminal state of a commit attempt and the
// artifacts it produced along the way.
type CommitResult struct {
	State       State  `json:"state"`
	BackupPath  string `json:"backupPath,omitempty"`
	RowsWritten int    `json:"rowsWritten,omitempty"`
	Reclaimed   bool   `json:"reclaimedLock,omitempty"`
}

// Commit persists the in-memory dataset through the full protocol:
// revalidate, acquire the cross-process lock, snapshot the current file,
// write a temporary replacement, atomically rename it over the original,
// prune old snapshots, release the lock.
//
// On LOCK_BUSY and INVALID the dataset keeps its in-memory edits so the
// caller can retry or fix the input. The returned CommitResult always names
// the terminal state, also when an error is returned.
func (s *Store) Commit(ctx context.Context) (res CommitResult, err error) {
	res = CommitResult{State: StateValidating}

	// Every field edited this session must pass before any disk work
	// starts. Rows carried unchanged from the load are left exactly as
	// read, so a zero-edit commit reproduces the file and historic rows
	// with pre-validation data do not wedge the roster.
	untouched := make(map[string]int, len(s.pristine.Rows))
	for _, rec := range s.pristine.Rows {
		untouched[fingerprint(s.pristine.Columns, rec)]++
	}
	var verr *ValidationError
	for _, rec := range s.data.Rows {
		if fp := fingerprint(s.data.Columns, rec); untouched[fp] > 0 {
			untouched[fp]--
			continue
		}
		if e := s.validateRecord(rec); e != nil {
			if verr == nil {
				verr = &ValidationError{}
			}
			verr.Rejections = append(verr.Rejections, e.Rejections...)
		}
	}
	if verr != nil {
		res.State = StateInvalid
		s.auditRejection(verr)
		s.auditCommitFailed(ctx, res.State, verr)
		return res, verr
	}

	res.State = StateLocking
	handle, lerr := s.locks.Acquire(ctx, s.path)
	if lerr != nil {
		if errors.Is(lerr, lockfile.ErrBusy) {
			res.State = StateLockBusy
			s.audit.Record(ctx, audit.New(audit.KindLockBusy, s.name, nil))
			return res, ErrLockBusy
		}
		s.auditCommitFailed(ctx, res.State, lerr)
		return res, lerr
	}
	res.Reclaimed = handle.Reclaimed
	s.audit.Record(ctx, audit.New(audit.KindLockAcquired, s.name, map[string]string{
		"holder":    handle.Holder,
		"reclaimed": strconv.FormatBool(handle.Reclaimed),
	}))
	if handle.Reclaimed {
		s.audit.Record(ctx, audit.New(audit.KindLockReclaimed, s.name, map[string]string{
			"holder": handle.Holder,
		}))
	}

	// Guaranteed release on every exit path past this point. If our lock
	// was reclaimed while we held it, the commit may have raced another
	// writer; surface that even when the commit itself landed.
	defer func() {
		if rerr := s.locks.Release(handle); rerr != nil && err == nil {
			err = fmt.Errorf("store: committed but lock release failed: %w", rerr)
		}
	}()

	res.State = StateBackingUp
	snap, berr := s.backups.Take(s.path)
	if berr != nil {
		// Abort before touching the original; it is guaranteed intact.
		res.State = StateBackupFailed
		s.audit.Record(ctx, audit.New(audit.KindBackupFailed, s.name, map[string]string{
			"error": berr.Error(),
		}))
		s.auditCommitFailed(ctx, res.State, berr)
		return res, berr
	}
	res.BackupPath = snap.Path
	s.audit.Record(ctx, audit.New(audit.KindBackupCreated, s.name, map[string]string{
		"path": snap.Path,
		"size": strconv.FormatInt(snap.Size, 10),
	}))

	res.State = StateWriting
	if werr := s.writeAtomic(); werr != nil {
		res.State = StateWriteFailed
		wf := &WriteFailedError{BackupPath: snap.Path, Err: werr}
		s.auditCommitFailed(ctx, res.State, wf)
		return res, wf
	}

	if removed, perr := s.backups.Prune(s.path); perr != nil {
		// Non-fatal: the commit itself is complete.
		s.audit.Record(ctx, audit.New(audit.KindBackupPruned, s.name, map[string]string{
			"removed": strconv.Itoa(removed),
			"error":   perr.Error(),
		}))
	} else if removed > 0 {
		s.audit.Record(ctx, audit.New(audit.KindBackupPruned, s.name, map[string]string{
			"removed": strconv.Itoa(removed),
		}))
	}

	res.State = StateCommitted
	res.RowsWritten = len(s.data.Rows)
	s.pristine = s.data.Clone()
	s.dirty = false
	s.audit.Record(ctx, audit.New(audit.KindCommitSucceeded, s.name, map[string]string{
		"rows":   strconv.Itoa(res.RowsWritten),
		"backup": snap.Path,
	}))
	return res, nil
}

// renameFile is swapped out by tests to inject failures at the write step.
var renameFile = os.Rename

// writeAtomic writes the dataset to a temp file in the roster's directory,
// flushes it, and renames it over the original. Rename, not copy: readers
// see either the old file or the new one, never a truncated intermediate.
func (s *Store) writeAtomic() error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	err = s.data.Write(tmp)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := renameFile(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// fingerprint renders a record's cells in column order so rows can be
// compared across dataset copies.
func fingerprint(columns []string, rec dataset.Record) string {
	cells := make([]string, len(columns))
	for i, col := range columns {
		cells[i] = rec[col]
	}
	return strings.Join(cells, "\x1f")
}

func (s *Store) auditCommitFailed(ctx context.Context, state State, err error) {
	s.audit.Record(ctx, audit.New(audit.KindCommitFailed, s.name, map[string]string{
		"state": string(state),
		"error": err.Error(),
	}))
}
