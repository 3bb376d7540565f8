package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

type captureRecorder struct {
	events []Event
}

func (c *captureRecorder) Record(_ context.Context, ev Event) {
	c.events = append(c.events, ev)
}

func TestNew(t *testing.T) {
	ev := New(KindCommitSucceeded, "roster.csv", map[string]string{"rows": "3"})
	if ev.ID == "" {
		t.Error("event has no id")
	}
	if ev.Kind != KindCommitSucceeded || ev.Dataset != "roster.csv" {
		t.Errorf("event = %+v", ev)
	}
	if time.Since(ev.Time) > time.Minute {
		t.Errorf("event time %v is not recent", ev.Time)
	}
}

func TestMulti(t *testing.T) {
	a, b := &captureRecorder{}, &captureRecorder{}
	m := Multi{a, b}

	m.Record(context.Background(), New(KindLockBusy, "x.csv", nil))

	if len(a.events) != 1 || len(b.events) != 1 {
		t.Errorf("fan-out reached %d/%d recorders, want 1/1", len(a.events), len(b.events))
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_RecordAndQuery(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Record(ctx, New(KindLockAcquired, "a.csv", map[string]string{"holder": "h1"}))
	s.Record(ctx, New(KindCommitSucceeded, "a.csv", map[string]string{"rows": "2"}))
	s.Record(ctx, New(KindCommitFailed, "b.csv", map[string]string{"reason": "lock_busy"}))

	all, err := s.Query(ctx, Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Query returned %d events, want 3", len(all))
	}

	byDataset, err := s.Query(ctx, Filter{Dataset: "a.csv"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byDataset) != 2 {
		t.Errorf("dataset filter returned %d, want 2", len(byDataset))
	}

	byKind, err := s.Query(ctx, Filter{Kind: KindCommitFailed})
	if err != nil {
		t.Fatal(err)
	}
	if len(byKind) != 1 {
		t.Fatalf("kind filter returned %d, want 1", len(byKind))
	}
	if byKind[0].Fields["reason"] != "lock_busy" {
		t.Errorf("fields did not round-trip: %v", byKind[0].Fields)
	}
}

func TestStore_QueryNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := New(KindRecordInserted, "a.csv", nil)
	first.Time = time.Now().UTC().Add(-time.Hour)
	s.Record(ctx, first)
	s.Record(ctx, New(KindRecordDeleted, "a.csv", nil))

	events, err := s.Query(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events", len(events))
	}
	if events[0].Kind != KindRecordDeleted {
		t.Errorf("newest event is %s, want %s", events[0].Kind, KindRecordDeleted)
	}
}

func TestStore_QueryLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		s.Record(ctx, New(KindRecordUpdated, "a.csv", nil))
	}
	events, err := s.Query(ctx, Filter{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Errorf("limit 2 returned %d events", len(events))
	}
}
