// Package dataset models a roster file in memory: an ordered column schema,
// an ordered list of records keyed by column name, and the mapping from
// logical field roles (identity number, email, phone) to concrete columns.
//
// The package has no knowledge of locking, backups, or validation; it is the
// data shape those layers operate on. See the csv.go codec for how a Dataset
// round-trips to the on-disk tabular form.
package dataset

import (
	"errors"
	"fmt"
	"strings"

	"rosterd/internal/validate"
)

// Record is one row, keyed by column name. Its key set must equal the
// owning Dataset's column set; CloneFor and Dataset mutations preserve that.
type Record map[string]string

// Clone returns an independent copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Dataset is the in-memory form of a roster file.
type Dataset struct {
	// Columns is the schema in file order. The header row of the backing
	// file, preserved exactly.
	Columns []string

	// Rows are the records in file order. Row position is the only record
	// identity the format has; it is stable for a session but not persistent.
	Rows []Record
}

// New returns an empty dataset with the given schema.
func New(columns []string) *Dataset {
	return &Dataset{Columns: append([]string(nil), columns...)}
}

// HasColumn reports whether name is part of the schema.
func (d *Dataset) HasColumn(name string) bool {
	for _, c := range d.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// BlankRecord returns a record with every schema column present and empty.
func (d *Dataset) BlankRecord() Record {
	r := make(Record, len(d.Columns))
	for _, c := range d.Columns {
		r[c] = ""
	}
	return r
}

// Conform returns a copy of fields restricted and padded to the schema:
// unknown keys are rejected, missing columns become empty values.
func (d *Dataset) Conform(fields map[string]string) (Record, error) {
	for k := range fields {
		if !d.HasColumn(k) {
			return nil, fmt.Errorf("dataset: unknown column %q", k)
		}
	}
	r := d.BlankRecord()
	for k, v := range fields {
		r[k] = v
	}
	return r, nil
}

// Clone returns a deep copy of the dataset. The store keeps one pristine
// copy per load so uncommitted edits can be discarded.
func (d *Dataset) Clone() *Dataset {
	out := &Dataset{Columns: append([]string(nil), d.Columns...)}
	out.Rows = make([]Record, len(d.Rows))
	for i, r := range d.Rows {
		out.Rows[i] = r.Clone()
	}
	return out
}

// ColumnMap binds validator roles to schema columns. Roles not present in
// the map are simply not validated, matching the original tool's behavior
// when the operator declines to map a column.
type ColumnMap map[validate.Role]string

// ErrUnknownRole reports a column map entry for a role no validator covers.
var ErrUnknownRole = errors.New("unrecognized role")

// Validate checks that every mapped role is recognized and every mapped
// column exists in the schema. A missing column is the load-time schema
// mismatch case and is reported with both names.
func (cm ColumnMap) Validate(d *Dataset) error {
	for role, col := range cm {
		if _, ok := validate.ByRole(role); !ok {
			return fmt.Errorf("dataset: %w %q", ErrUnknownRole, role)
		}
		if !d.HasColumn(col) {
			return &SchemaMismatchError{Role: string(role), Column: col, Columns: d.Columns}
		}
	}
	return nil
}

// SchemaMismatchError reports a column map that names a column absent from
// the loaded file. Fatal for that file: the caller must remap or pick
// another roster.
type SchemaMismatchError struct {
	Role    string
	Column  string
	Columns []string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("dataset: column %q mapped for role %s not in schema [%s]",
		e.Column, e.Role, strings.Join(e.Columns, ", "))
}

// rolePatterns are the header substrings the original tool uses to suggest
// which column carries each role.
var rolePatterns = map[validate.Role][]string{
	validate.RoleIdentity: {"rut"},
	validate.RoleEmail:    {"email", "correo"},
	validate.RolePhone:    {"telefono", "teléfono", "fono", "tel"},
}

// DetectColumns suggests a column map from header names, matching each role
// against known substrings case-insensitively. Roles with no candidate
// column are left out of the map.
func DetectColumns(columns []string) ColumnMap {
	cm := ColumnMap{}
	for _, role := range validate.Roles() {
		for _, col := range columns {
			if matchesRole(col, rolePatterns[role]) {
				cm[role] = col
				break
			}
		}
	}
	return cm
}

func matchesRole(column string, patterns []string) bool {
	lower := strings.ToLower(column)
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
