package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeDataset(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roster.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTake(t *testing.T) {
	const content = "RUT,NOMBRE\n12.345.678-5,Ana\n"
	path := writeDataset(t, content)
	m := NewManager(0)

	snap, err := m.Take(path)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}

	got, err := os.ReadFile(snap.Path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if string(got) != content {
		t.Errorf("snapshot content = %q, want %q", got, content)
	}
	if snap.Size != int64(len(content)) {
		t.Errorf("snapshot size = %d, want %d", snap.Size, len(content))
	}
	if filepath.Dir(snap.Path) != Dir(path) {
		t.Errorf("snapshot written to %s, want inside %s", snap.Path, Dir(path))
	}

	// Mutating the original must not touch the snapshot.
	if err := os.WriteFile(path, []byte("changed\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, _ = os.ReadFile(snap.Path)
	if string(got) != content {
		t.Error("snapshot changed after original was rewritten")
	}
}

func TestTake_MissingSource(t *testing.T) {
	m := NewManager(0)
	if _, err := m.Take(filepath.Join(t.TempDir(), "missing.csv")); err == nil {
		t.Error("Take succeeded for a missing dataset")
	}
}

func TestList_SortedOldestFirst(t *testing.T) {
	path := writeDataset(t, "a\n")
	m := NewManager(0)

	var taken []*Snapshot
	for i := 0; i < 3; i++ {
		s, err := m.Take(path)
		if err != nil {
			t.Fatalf("Take %d: %v", i, err)
		}
		taken = append(taken, s)
		time.Sleep(5 * time.Millisecond) // distinct timestamps
	}

	snaps, err := m.List(path)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(snaps) != 3 {
		t.Fatalf("List returned %d snapshots, want 3", len(snaps))
	}
	for i := 1; i < len(snaps); i++ {
		if snaps[i].CreatedAt.Before(snaps[i-1].CreatedAt) {
			t.Errorf("snapshots out of order at %d: %v before %v", i, snaps[i].CreatedAt, snaps[i-1].CreatedAt)
		}
	}
	if snaps[len(snaps)-1].Path != taken[len(taken)-1].Path {
		t.Error("newest snapshot is not last in the listing")
	}
}

func TestList_IgnoresForeignFiles(t *testing.T) {
	path := writeDataset(t, "a\n")
	m := NewManager(0)
	if _, err := m.Take(path); err != nil {
		t.Fatal(err)
	}

	dir := Dir(path)
	for _, name := range []string{"notes.txt", "other.csv.20240101T000000.000.bak", "roster.csv.garbage.bak"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	snaps, err := m.List(path)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(snaps) != 1 {
		t.Errorf("List returned %d snapshots, want 1 (foreign files must be ignored)", len(snaps))
	}
}

func TestList_NoBackupDir(t *testing.T) {
	path := writeDataset(t, "a\n")
	snaps, err := NewManager(0).List(path)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(snaps) != 0 {
		t.Errorf("List returned %d snapshots for a dataset never backed up", len(snaps))
	}
}

func TestPrune(t *testing.T) {
	path := writeDataset(t, "a\n")
	m := NewManager(2)

	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte(fmt.Sprintf("version %d\n", i)), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := m.Take(path); err != nil {
			t.Fatalf("Take %d: %v", i, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	removed, err := m.Prune(path)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 3 {
		t.Errorf("Prune removed %d, want 3", removed)
	}

	snaps, err := m.List(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 2 {
		t.Fatalf("after prune %d snapshots remain, want 2", len(snaps))
	}
	// The survivors are the newest ones.
	for i, want := range []string{"version 3\n", "version 4\n"} {
		got, err := os.ReadFile(snaps[i].Path)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != want {
			t.Errorf("surviving snapshot %d content = %q, want %q", i, got, want)
		}
	}
}

func TestPrune_UnderRetention(t *testing.T) {
	path := writeDataset(t, "a\n")
	m := NewManager(5)
	if _, err := m.Take(path); err != nil {
		t.Fatal(err)
	}
	removed, err := m.Prune(path)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 0 {
		t.Errorf("Prune removed %d under retention, want 0", removed)
	}
}
