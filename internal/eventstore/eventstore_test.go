package eventstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/conv-log/logrepair/internal/clock"
)

func newTestStore(t *testing.T, c clock.Clock) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	s, err := Open(path, c)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndFetchOrdering(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newTestStore(t, clock.Fixed{At: base})
	ctx := context.Background()

	e1 := s.NewEvent(RepairEvent{EventID: "e1", SessionID: "s1", MessageID: "m1", NewParent: "p1", Timestamp: base.Add(2 * time.Minute)})
	e2 := s.NewEvent(RepairEvent{EventID: "e2", SessionID: "s1", MessageID: "m2", NewParent: "p2", Timestamp: base.Add(time.Minute)})

	if err := s.Append(ctx, e1); err != nil {
		t.Fatalf("Append e1: %v", err)
	}
	if err := s.Append(ctx, e2); err != nil {
		t.Fatalf("Append e2: %v", err)
	}

	events, err := s.Fetch(ctx, "s1", FetchOptions{IncludeReverted: true})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(events) != 2 || events[0].EventID != "e2" || events[1].EventID != "e1" {
		t.Fatalf("expected chronological order [e2, e1], got %+v", events)
	}
}

func TestAppendRejectsDuplicateEventID(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newTestStore(t, clock.Fixed{At: base})
	ctx := context.Background()
	e := s.NewEvent(RepairEvent{EventID: "dup", SessionID: "s1", MessageID: "m1", NewParent: "p1", Timestamp: base})
	if err := s.Append(ctx, e); err != nil {
		t.Fatalf("first append: %v", err)
	}
	err := s.Append(ctx, e)
	if !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}
}

func TestAppendRejectsDigestMismatch(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newTestStore(t, clock.Fixed{At: base})
	ctx := context.Background()
	e := s.NewEvent(RepairEvent{EventID: "e1", SessionID: "s1", MessageID: "m1", NewParent: "p1", Timestamp: base})
	e.NewParent = "tampered" // digest now stale
	err := s.Append(ctx, e)
	if !errors.Is(err, ErrDigestMismatch) {
		t.Fatalf("expected ErrDigestMismatch, got %v", err)
	}
}

// TestRevertFlow covers applying a repair and then reverting it.
func TestRevertFlow(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newTestStore(t, &clock.Sequence{Instants: []time.Time{base, base.Add(time.Hour)}})
	ctx := context.Background()

	original := s.NewEvent(RepairEvent{
		EventID: "apply-1", SessionID: "s1", MessageID: "C",
		OldParent: "ghost", NewParent: "B", Timestamp: base, ValidationPassed: true,
	})
	if err := s.Append(ctx, original); err != nil {
		t.Fatalf("append original: %v", err)
	}

	revert, err := s.Revert(ctx, "apply-1", "u", "undo", "revert-1")
	if err != nil {
		t.Fatalf("Revert: %v", err)
	}
	if revert.NewParent != "ghost" || revert.OldParent != "B" {
		t.Fatalf("expected swapped parents on revert, got %+v", revert)
	}
	if revert.RevertsEventID != "apply-1" {
		t.Fatalf("expected RevertsEventID to link back, got %s", revert.RevertsEventID)
	}

	events, err := s.Fetch(ctx, "s1", FetchOptions{IncludeReverted: true})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected both events retained, got %d", len(events))
	}
}

func TestVerifyDetectsTamperedDigest(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newTestStore(t, clock.Fixed{At: base})
	ctx := context.Background()
	e := s.NewEvent(RepairEvent{EventID: "e1", SessionID: "s1", MessageID: "m1", NewParent: "p1", Timestamp: base})
	if err := s.Append(ctx, e); err != nil {
		t.Fatalf("append: %v", err)
	}
	_, err := s.db.ExecContext(ctx, `UPDATE repair_events SET new_parent = 'tampered' WHERE event_id = 'e1'`)
	if err != nil {
		t.Fatalf("simulate tamper: %v", err)
	}
	report, err := s.Verify(ctx, "s1")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(report.Mismatches) != 1 || report.Mismatches[0].EventID != "e1" {
		t.Fatalf("expected a digest mismatch for e1, got %+v", report.Mismatches)
	}
	if report.SessionDigestOK {
		t.Fatalf("expected SessionDigestOK false after tampering")
	}
}

func TestRetryOnlyRetriesBackendUnavailable(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), func() error {
		attempts++
		return ErrDigestMismatch
	})
	if !errors.Is(err, ErrDigestMismatch) {
		t.Fatalf("expected digest mismatch to surface, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected no retry for a fatal error, got %d attempts", attempts)
	}
}

func TestRetryRetriesBackendUnavailable(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return ErrBackendUnavailable
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}
