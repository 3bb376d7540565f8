// Package backup snapshots roster files before they are rewritten.
//
// Snapshots are full byte copies written to a backups directory beside the
// original, named with a sortable timestamp so the newest is always last in
// lexical order. A snapshot is durably flushed before Snapshot returns,
// which is what lets the commit path promise backup-then-write ordering.
// Restoration is a manual operation; this package only guarantees the
// artifacts exist and are discoverable.
package backup

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// DefaultRetain is the number of snapshots kept per dataset when pruning.
const DefaultRetain = 7

// DirName is the backups directory created beside each dataset file.
const DirName = "backups"

// stampLayout is sortable and filename-safe; millisecond precision keeps
// rapid consecutive commits from colliding.
const stampLayout = "20060102T150405.000"

// Manager creates and prunes dataset snapshots.
type Manager struct {
	// Retain is how many snapshots Prune keeps per dataset.
	Retain int
}

// NewManager returns a Manager keeping retain snapshots (DefaultRetain if
// retain is not positive).
func NewManager(retain int) *Manager {
	if retain <= 0 {
		retain = DefaultRetain
	}
	return &Manager{Retain: retain}
}

// Snapshot holds the location and time of one backup artifact.
type Snapshot struct {
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"createdAt"`
	Size      int64     `json:"size"`
}

// Dir returns the backups directory for a dataset file.
func Dir(datasetPath string) string {
	return filepath.Join(filepath.Dir(datasetPath), DirName)
}

// Take copies the dataset's current bytes to a new timestamped snapshot and
// flushes it to stable storage before returning.
func (m *Manager) Take(datasetPath string) (*Snapshot, error) {
	src, err := os.Open(datasetPath)
	if err != nil {
		return nil, fmt.Errorf("backup: open source: %w", err)
	}
	defer src.Close()

	dir := Dir(datasetPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("backup: create directory: %w", err)
	}

	now := time.Now()
	name := fmt.Sprintf("%s.%s.bak", filepath.Base(datasetPath), now.UTC().Format(stampLayout))
	dstPath := filepath.Join(dir, name)

	dst, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("backup: create snapshot: %w", err)
	}

	size, err := io.Copy(dst, src)
	if err == nil {
		err = dst.Sync()
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dstPath)
		return nil, fmt.Errorf("backup: write snapshot: %w", err)
	}

	// Flush the directory entry too, so the snapshot survives a crash that
	// happens while the original is being replaced.
	if d, derr := os.Open(dir); derr == nil {
		d.Sync()
		d.Close()
	}

	return &Snapshot{Path: dstPath, CreatedAt: now, Size: size}, nil
}

// Prune deletes the oldest snapshots of the dataset beyond the retention
// count. Individual deletion failures are aggregated and returned; callers
// treat the result as non-fatal.
func (m *Manager) Prune(datasetPath string) (removed int, err error) {
	snaps, lerr := m.List(datasetPath)
	if lerr != nil {
		return 0, lerr
	}
	if len(snaps) <= m.Retain {
		return 0, nil
	}
	for _, s := range snaps[:len(snaps)-m.Retain] {
		if rerr := os.Remove(s.Path); rerr != nil {
			err = multierr.Append(err, rerr)
			continue
		}
		removed++
	}
	return removed, err
}

// List returns the dataset's snapshots sorted oldest first. A missing
// backups directory yields an empty list, not an error.
func (m *Manager) List(datasetPath string) ([]Snapshot, error) {
	dir := Dir(datasetPath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("backup: read directory: %w", err)
	}

	prefix := filepath.Base(datasetPath) + "."
	var snaps []Snapshot
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".bak") {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".bak")
		created, perr := time.ParseInLocation(stampLayout, stamp, time.UTC)
		if perr != nil {
			continue // not one of ours
		}
		info, ierr := e.Info()
		if ierr != nil {
			continue
		}
		snaps = append(snaps, Snapshot{
			Path:      filepath.Join(dir, name),
			CreatedAt: created,
			Size:      info.Size(),
		})
	}

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].CreatedAt.Before(snaps[j].CreatedAt) })
	return snaps, nil
}
