// Package lockfile serializes writers of a roster file across processes.
//
// The lock is advisory and cooperative: a small marker file is created next
// to the dataset with O_EXCL, so at most one correctly-behaving holder owns
// it at a time. The marker records the holder identity and acquisition time
// in a human-inspectable text form, which lets an operator see who holds a
// lock and lets a later process reclaim one whose holder died.
//
// This is single-machine coordination, not distributed consensus. The
// staleness-reclaim path is best effort: two processes racing to reclaim the
// same abandoned marker may both briefly believe they won.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrBusy is returned when another holder owns a fresh lock and the
	// acquire timeout elapsed while waiting for it.
	ErrBusy = errors.New("lockfile: held by another writer")

	// ErrStale is returned by Release when the marker on disk no longer
	// records the caller's identity, meaning the lock was reclaimed
	// underneath it. The marker is left untouched in that case.
	ErrStale = errors.New("lockfile: lock was reclaimed by another holder")
)

// Defaults for Manager fields left zero. Conservative values; override via
// configuration.
const (
	DefaultStaleness     = 5 * time.Minute
	DefaultAcquireWait   = 10 * time.Second
	DefaultRetryInterval = 250 * time.Millisecond
)

// Manager acquires and releases exclusive write locks on dataset files.
type Manager struct {
	// Staleness is the age past which an existing marker is considered
	// abandoned and eligible for reclamation.
	Staleness time.Duration

	// AcquireWait bounds how long Acquire blocks retrying before
	// returning ErrBusy.
	AcquireWait time.Duration

	// RetryInterval is the pause between acquisition attempts.
	RetryInterval time.Duration

	// OnReclaim, when set, is invoked after a stale marker is forcibly
	// taken over, with the identity of the evicted holder.
	OnReclaim func(path, staleHolder string)

	holder string
}

// NewManager returns a Manager with the given parameters, substituting
// defaults for zero values. Each Manager has a unique holder identity.
func NewManager(staleness, acquireWait, retryInterval time.Duration) *Manager {
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	if acquireWait <= 0 {
		acquireWait = DefaultAcquireWait
	}
	if retryInterval <= 0 {
		retryInterval = DefaultRetryInterval
	}
	host, _ := os.Hostname()
	return &Manager{
		Staleness:     staleness,
		AcquireWait:   acquireWait,
		RetryInterval: retryInterval,
		holder:        fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()),
	}
}

// HolderID returns the identity this manager writes into markers.
func (m *Manager) HolderID() string {
	return m.holder
}

// Handle represents a held lock. It must be released exactly once.
type Handle struct {
	Path       string // marker file path
	Holder     string
	AcquiredAt time.Time
	Reclaimed  bool // true if this acquisition evicted a stale holder
}

// MarkerPath returns the lock marker path for a dataset file.
func MarkerPath(datasetPath string) string {
	return datasetPath + ".lock"
}

// Acquire obtains the exclusive write lock for the dataset at path.
//
// If a fresh marker exists it retries until AcquireWait elapses (or ctx is
// cancelled) and then returns ErrBusy. A marker older than Staleness is
// treated as abandoned and forcibly taken over.
func (m *Manager) Acquire(ctx context.Context, datasetPath string) (*Handle, error) {
	marker := MarkerPath(datasetPath)
	deadline := time.Now().Add(m.AcquireWait)

	for {
		h, err := m.tryAcquire(marker)
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, ErrBusy) {
			return nil, err
		}
		if time.Now().Add(m.RetryInterval).After(deadline) {
			return nil, ErrBusy
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.RetryInterval):
		}
	}
}

// tryAcquire makes a single attempt: exclusive create, or stale takeover.
func (m *Manager) tryAcquire(marker string) (*Handle, error) {
	now := time.Now()
	f, err := os.OpenFile(marker, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err == nil {
		if werr := writeMarker(f, m.holder, now); werr != nil {
			f.Close()
			os.Remove(marker)
			return nil, fmt.Errorf("lockfile: write marker: %w", werr)
		}
		if cerr := f.Close(); cerr != nil {
			os.Remove(marker)
			return nil, fmt.Errorf("lockfile: close marker: %w", cerr)
		}
		return &Handle{Path: marker, Holder: m.holder, AcquiredAt: now}, nil
	}
	if !os.IsExist(err) {
		return nil, fmt.Errorf("lockfile: create marker: %w", err)
	}

	// Marker exists: decide between busy and stale.
	holder, acquired, rerr := ReadMarker(marker)
	if rerr != nil {
		// The other holder may have released between our create attempt and
		// this read; treat as contended and let the caller retry.
		if os.IsNotExist(rerr) {
			return nil, ErrBusy
		}
		// Unreadable marker: age by file mtime so a corrupt leftover does
		// not wedge the dataset forever.
		info, serr := os.Stat(marker)
		if serr != nil {
			return nil, ErrBusy
		}
		holder, acquired = "unknown", info.ModTime()
	}

	if now.Sub(acquired) <= m.Staleness {
		return nil, ErrBusy
	}

	// Stale: overwrite with our own identity.
	if err := m.writeMarkerFile(marker, now); err != nil {
		return nil, fmt.Errorf("lockfile: reclaim marker: %w", err)
	}
	if m.OnReclaim != nil {
		m.OnReclaim(marker, holder)
	}
	return &Handle{Path: marker, Holder: m.holder, AcquiredAt: now, Reclaimed: true}, nil
}

// Release removes the marker iff it still records the handle's holder.
//
// A holder mismatch means the lock was reclaimed as stale while we held it;
// the current marker belongs to someone else and is left alone.
func (m *Manager) Release(h *Handle) error {
	if h == nil {
		return nil
	}
	holder, _, err := ReadMarker(h.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrStale
		}
		return fmt.Errorf("lockfile: read marker on release: %w", err)
	}
	if holder != h.Holder {
		return ErrStale
	}
	if err := os.Remove(h.Path); err != nil {
		return fmt.Errorf("lockfile: remove marker: %w", err)
	}
	return nil
}

// ReadMarker parses a marker file and returns its holder identity and
// acquisition time.
func ReadMarker(marker string) (holder string, acquired time.Time, err error) {
	data, err := os.ReadFile(marker)
	if err != nil {
		return "", time.Time{}, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "holder":
			holder = value
		case "acquired":
			acquired, _ = time.Parse(time.RFC3339Nano, value)
		}
	}
	if holder == "" || acquired.IsZero() {
		return "", time.Time{}, fmt.Errorf("lockfile: malformed marker %s", marker)
	}
	return holder, acquired, nil
}

func (m *Manager) writeMarkerFile(marker string, now time.Time) error {
	f, err := os.OpenFile(marker, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := writeMarker(f, m.holder, now); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// writeMarker emits the simple key=value text form of a marker.
func writeMarker(f *os.File, holder string, now time.Time) error {
	_, err := fmt.Fprintf(f, "holder=%s\npid=%s\nacquired=%s\n",
		holder, strconv.Itoa(os.Getpid()), now.Format(time.RFC3339Nano))
	return err
}
