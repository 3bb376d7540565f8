// Package catalog discovers roster files under the configured data
// directory. It replaces the original tool's interactive directory browser
// with a flat listing the UI can render, and it is the only component that
// turns user-supplied roster names into filesystem paths, so path traversal
// is contained here.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"rosterd/internal/backup"
)

// Entry describes one roster file available for management.
type Entry struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modifiedAt"`
	Backups    int       `json:"backups"`
	Locked     bool      `json:"locked"`
}

// Catalog lists and resolves rosters inside one data directory.
type Catalog struct {
	dir     string
	backups *backup.Manager
}

// New returns a catalog over dir, creating it if needed.
func New(dir string, backups *backup.Manager) (*Catalog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("catalog: create data directory: %w", err)
	}
	if backups == nil {
		backups = backup.NewManager(0)
	}
	return &Catalog{dir: dir, backups: backups}, nil
}

// Dir returns the data directory.
func (c *Catalog) Dir() string { return c.dir }

// List returns the rosters in the data directory, sorted by name.
func (c *Catalog) List() ([]Entry, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("catalog: read data directory: %w", err)
	}

	var out []Entry
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(name), ".csv") {
			continue
		}
		info, ierr := e.Info()
		if ierr != nil {
			continue
		}
		path := filepath.Join(c.dir, name)
		snaps, _ := c.backups.List(path)
		_, lockErr := os.Stat(path + ".lock")
		out = append(out, Entry{
			Name:       name,
			Size:       info.Size(),
			ModifiedAt: info.ModTime(),
			Backups:    len(snaps),
			Locked:     lockErr == nil,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Resolve maps a roster name to its path inside the data directory. Names
// containing path separators or traversal are rejected; the file does not
// need to exist (creation flows resolve first).
func (c *Catalog) Resolve(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("catalog: invalid roster name %q", name)
	}
	if !strings.HasSuffix(strings.ToLower(name), ".csv") {
		return "", fmt.Errorf("catalog: roster name %q must end in .csv", name)
	}
	return filepath.Join(c.dir, name), nil
}

// ResolveExisting is Resolve plus an existence check.
func (c *Catalog) ResolveExisting(name string) (string, error) {
	path, err := c.Resolve(name)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("catalog: roster %q not found", name)
		}
		return "", fmt.Errorf("catalog: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("catalog: %q is a directory", name)
	}
	return path, nil
}
