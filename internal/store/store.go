// Package store is the record persistence core: it owns the in-memory
// Dataset for one roster file, applies validated CRUD operations to it, and
// persists it through the lock/backup/atomic-rename commit protocol.
//
// All reads and edits happen against the in-memory copy and never touch the
// backing file or the lock; only Commit does. Within one process the store
// is used single-threaded; cross-process writers are serialized by the lock
// manager.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"rosterd/internal/audit"
	"rosterd/internal/backup"
	"rosterd/internal/dataset"
	"rosterd/internal/lockfile"
	"rosterd/internal/validate"
)

// Options configures the collaborators a Store commits through. Nil fields
// get defaults (and a Nop audit recorder).
type Options struct {
	Locks   *lockfile.Manager
	Backups *backup.Manager
	Audit   audit.Recorder
}

// Store holds one loaded roster and its edit state.
type Store struct {
	path    string
	name    string
	columns dataset.ColumnMap

	data     *dataset.Dataset
	pristine *dataset.Dataset // copy of the last loaded or committed state
	dirty    bool

	locks   *lockfile.Manager
	backups *backup.Manager
	audit   audit.Recorder
}

// Open loads the roster at path fully into memory.
//
// The column map binds validator roles to the file's columns; a mapped
// column missing from the header is a *dataset.SchemaMismatchError, fatal
// for this file.
func Open(path string, columns dataset.ColumnMap, opts Options) (*Store, error) {
	d, err := dataset.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := columns.Validate(d); err != nil {
		return nil, err
	}

	if opts.Locks == nil {
		opts.Locks = lockfile.NewManager(0, 0, 0)
	}
	if opts.Backups == nil {
		opts.Backups = backup.NewManager(0)
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop{}
	}

	return &Store{
		path:     path,
		name:     filepath.Base(path),
		columns:  columns,
		data:     d,
		pristine: d.Clone(),
		locks:    opts.Locks,
		backups:  opts.Backups,
		audit:    opts.Audit,
	}, nil
}

// Create writes a new empty roster with the given columns at path. It fails
// if the file already exists.
func Create(path string, columns []string) error {
	if len(columns) == 0 {
		return fmt.Errorf("store: no columns given for new roster")
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("store: create roster: %w", err)
	}
	d := dataset.New(columns)
	if err := d.Write(f); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("store: close new roster: %w", err)
	}
	return nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Columns returns the schema in file order.
func (s *Store) Columns() []string { return s.data.Columns }

// ColumnMap returns the active role bindings.
func (s *Store) ColumnMap() dataset.ColumnMap { return s.columns }

// Len returns the number of records currently in memory.
func (s *Store) Len() int { return len(s.data.Rows) }

// Dirty reports whether uncommitted edits exist.
func (s *Store) Dirty() bool { return s.dirty }

// ErrOutOfRange reports a record position outside the dataset.
var ErrOutOfRange = errors.New("position out of range")

// Record returns a copy of the record at pos.
func (s *Store) Record(pos int) (dataset.Record, error) {
	if pos < 0 || pos >= len(s.data.Rows) {
		return nil, fmt.Errorf("store: position %d of %d: %w", pos, len(s.data.Rows), ErrOutOfRange)
	}
	return s.data.Rows[pos].Clone(), nil
}

// PositionedRecord pairs a record with its session-stable row position.
type PositionedRecord struct {
	Position int            `json:"position"`
	Fields   dataset.Record `json:"fields"`
}

// Page is one slice of a listing.
type Page struct {
	Records    []PositionedRecord `json:"records"`
	Page       int                `json:"page"`
	PageSize   int                `json:"pageSize"`
	TotalRows  int                `json:"totalRows"`
	TotalPages int                `json:"totalPages"`
}

// DefaultPageSize matches the original tool's console pagination.
const DefaultPageSize = 20

// List pages through the in-memory records, optionally narrowed by filter.
// Pages are 1-based; the sequence is restartable by calling List again. No
// lock is involved: this reads the local copy only.
func (s *Store) List(page, pageSize int, filter func(dataset.Record) bool) Page {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}

	var matched []int
	for i, r := range s.data.Rows {
		if filter == nil || filter(r) {
			matched = append(matched, i)
		}
	}

	total := len(matched)
	pages := (total + pageSize - 1) / pageSize
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	out := Page{Page: page, PageSize: pageSize, TotalRows: total, TotalPages: pages}
	for _, pos := range matched[start:end] {
		out.Records = append(out.Records, PositionedRecord{Position: pos, Fields: s.data.Rows[pos].Clone()})
	}
	return out
}

// Search returns the positions of records where any column contains the
// query, ignoring case and diacritics (so "perez" finds "Pérez").
func (s *Store) Search(query string) []int {
	needle := foldString(strings.TrimSpace(query))
	if needle == "" {
		return nil
	}
	var positions []int
	for i, rec := range s.data.Rows {
		for _, col := range s.data.Columns {
			if strings.Contains(foldString(rec[col]), needle) {
				positions = append(positions, i)
				break
			}
		}
	}
	return positions
}

// Matcher returns a List filter for the query, using the same folding rules
// as Search.
func (s *Store) Matcher(query string) func(dataset.Record) bool {
	needle := foldString(strings.TrimSpace(query))
	if needle == "" {
		return nil
	}
	columns := s.data.Columns
	return func(rec dataset.Record) bool {
		for _, col := range columns {
			if strings.Contains(foldString(rec[col]), needle) {
				return true
			}
		}
		return false
	}
}

// FindByIdentity locates the first record whose identity-number column
// matches raw after separator stripping, the original tool's lookup key for
// update and delete flows. Returns -1 when no record matches or no identity
// column is mapped.
func (s *Store) FindByIdentity(raw string) int {
	col, ok := s.columns[validate.RoleIdentity]
	if !ok {
		return -1
	}
	want := normalizeIdentityKey(raw)
	if want == "" {
		return -1
	}
	for i, rec := range s.data.Rows {
		if normalizeIdentityKey(rec[col]) == want {
			return i
		}
	}
	return -1
}

// Insert appends a new record after validating every mapped field. On
// rejection the dataset is untouched and the returned error is a
// *ValidationError. Returns the new record's position.
func (s *Store) Insert(fields map[string]string) (int, error) {
	rec, err := s.data.Conform(fields)
	if err != nil {
		return 0, err
	}
	if verr := s.validateRecord(rec); verr != nil {
		s.auditRejection(verr)
		return 0, verr
	}

	s.data.Rows = append(s.data.Rows, rec)
	s.dirty = true
	pos := len(s.data.Rows) - 1
	s.audit.Record(context.Background(), audit.New(audit.KindRecordInserted, s.name, map[string]string{
		"position": strconv.Itoa(pos),
	}))
	return pos, nil
}

// Update overwrites the given fields of the record at pos. All supplied
// fields are validated first; any rejection leaves the record completely
// unchanged (not just the invalid field).
func (s *Store) Update(pos int, fields map[string]string) error {
	if pos < 0 || pos >= len(s.data.Rows) {
		return fmt.Errorf("store: position %d of %d: %w", pos, len(s.data.Rows), ErrOutOfRange)
	}
	for k := range fields {
		if !s.data.HasColumn(k) {
			return fmt.Errorf("store: unknown column %q", k)
		}
	}

	// Validate against the candidate record, then swap it in whole.
	candidate := s.data.Rows[pos].Clone()
	for k, v := range fields {
		candidate[k] = v
	}
	if verr := s.validateRecord(candidate); verr != nil {
		s.auditRejection(verr)
		return verr
	}

	s.data.Rows[pos] = candidate
	s.dirty = true
	s.audit.Record(context.Background(), audit.New(audit.KindRecordUpdated, s.name, map[string]string{
		"position": strconv.Itoa(pos),
	}))
	return nil
}

// Delete removes the record at pos. Later positions shift down by one.
func (s *Store) Delete(pos int) error {
	if pos < 0 || pos >= len(s.data.Rows) {
		return fmt.Errorf("store: position %d of %d: %w", pos, len(s.data.Rows), ErrOutOfRange)
	}
	s.data.Rows = append(s.data.Rows[:pos], s.data.Rows[pos+1:]...)
	s.dirty = true
	s.audit.Record(context.Background(), audit.New(audit.KindRecordDeleted, s.name, map[string]string{
		"position": strconv.Itoa(pos),
	}))
	return nil
}

// Discard drops all uncommitted edits, restoring the last loaded or
// committed state. Purely in-memory, no disk effect.
func (s *Store) Discard() {
	s.data = s.pristine.Clone()
	s.dirty = false
}

// validateRecord runs every mapped role's validator over the candidate
// record and rewrites passing values to their canonical form in place.
func (s *Store) validateRecord(rec dataset.Record) *ValidationError {
	var verr *ValidationError
	for _, role := range validate.Roles() {
		col, mapped := s.columns[role]
		if !mapped {
			continue
		}
		raw := rec[col]
		if raw == "" && role != validate.RoleIdentity {
			continue // email and phone are optional, as in the original
		}
		fn, _ := validate.ByRole(role)
		res := fn(raw)
		if !res.OK {
			if verr == nil {
				verr = &ValidationError{}
			}
			verr.Rejections = append(verr.Rejections, FieldRejection{
				Column: col,
				Role:   role,
				Value:  raw,
				Reason: res.Code,
			})
			continue
		}
		rec[col] = res.Normalized
	}
	return verr
}

func (s *Store) auditRejection(verr *ValidationError) {
	for _, rej := range verr.Rejections {
		s.audit.Record(context.Background(), audit.New(audit.KindValidationRejected, s.name, map[string]string{
			"column": rej.Column,
			"role":   string(rej.Role),
			"reason": string(rej.Reason),
		}))
	}
}

// normalizeIdentityKey strips separators and uppercases, without requiring
// a valid checksum, so lookups work on historic rows too.
func normalizeIdentityKey(raw string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		switch r {
		case '.', '-', ' ', '\t':
		default:
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

// foldString lowercases and removes diacritics. The transform chain is
// stateful, so a fresh one is built per call.
func foldString(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(folded)
}
