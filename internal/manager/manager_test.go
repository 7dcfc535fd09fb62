package manager

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/conv-log/logrepair/internal/clock"
	"github.com/conv-log/logrepair/internal/config"
	"github.com/conv-log/logrepair/internal/eventstore"
	"github.com/conv-log/logrepair/internal/materializer"
)

// Scenario 2 (duplicate tool-reply collapse) is exercised directly in
// internal/dedupe's own tests; it doesn't need a Manager in front of it to
// demonstrate. Scenario 6 (atomic save failure) has no test.

// TestDefaultProviderApplyThenUndo exercises the default config's
// rewrite-backed path (config.Default() leaves Provider at
// config.ProviderRewrite) through the Manager itself, rather than through
// RewriteProvider directly: Apply must push a backup this Manager's Undo
// call can actually see, which only holds if providerFor hands back the
// same RewriteProvider instance both times instead of a fresh one with an
// empty undo stack.
func TestDefaultProviderApplyThenUndo(t *testing.T) {
	dir, _ := writeSession(t, scenarioOneSession)
	if err := os.Rename(filepath.Join(dir, "session.jsonl"), filepath.Join(dir, "s1.jsonl")); err != nil {
		t.Fatalf("rename: %v", err)
	}

	cfg := config.Default()
	cfg.BackupDir = filepath.Join(dir, "backups")
	m := newManager(t, dir, cfg, nil, clock.Real{})
	ctx := context.Background()

	sets, err := m.ProposeFixes(ctx, "s1")
	if err != nil {
		t.Fatalf("ProposeFixes: %v", err)
	}
	if len(sets) != 1 || len(sets[0].Proposals) == 0 {
		t.Fatalf("expected a proposal for the orphan, got %+v", sets)
	}

	if _, err := m.Apply(ctx, "s1", sets[0].Proposals[0], "operator-1"); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	view, err := m.CurrentView(ctx, "s1")
	if err != nil {
		t.Fatalf("CurrentView after apply: %v", err)
	}
	if len(view.OrphanUUIDs) != 0 {
		t.Fatalf("expected no orphans after apply, got %+v", view.OrphanUUIDs)
	}

	if _, err := m.Undo(ctx, "s1"); err != nil {
		t.Fatalf("Undo: %v", err)
	}

	restored, err := m.CurrentView(ctx, "s1")
	if err != nil {
		t.Fatalf("CurrentView after undo: %v", err)
	}
	if r, ok := restored.Get("C"); !ok || r.ParentUUID != "ghost" {
		t.Fatalf("expected undo to restore C's original parent, got %+v", r)
	}
}

// TestRewriteProviderSurvivesAcrossManagerInstances confirms the
// loadUndoStack fallback: a new Manager (standing in for a fresh "undo"
// CLI process) must still find the backup an earlier Manager's Apply (a
// prior "apply" CLI process) left in BackupDir.
func TestRewriteProviderSurvivesAcrossManagerInstances(t *testing.T) {
	dir, _ := writeSession(t, scenarioOneSession)
	if err := os.Rename(filepath.Join(dir, "session.jsonl"), filepath.Join(dir, "s1.jsonl")); err != nil {
		t.Fatalf("rename: %v", err)
	}

	cfg := config.Default()
	cfg.BackupDir = filepath.Join(dir, "backups")
	ctx := context.Background()

	applier := newManager(t, dir, cfg, nil, clock.Real{})
	sets, err := applier.ProposeFixes(ctx, "s1")
	if err != nil {
		t.Fatalf("ProposeFixes: %v", err)
	}
	if _, err := applier.Apply(ctx, "s1", sets[0].Proposals[0], "operator-1"); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	undoer := newManager(t, dir, cfg, nil, clock.Real{})
	if _, err := undoer.Undo(ctx, "s1"); err != nil {
		t.Fatalf("Undo from a separate Manager instance: %v", err)
	}

	restored, err := undoer.CurrentView(ctx, "s1")
	if err != nil {
		t.Fatalf("CurrentView: %v", err)
	}
	if r, ok := restored.Get("C"); !ok || r.ParentUUID != "ghost" {
		t.Fatalf("expected undo to restore C's original parent, got %+v", r)
	}
}

func writeSession(t *testing.T, lines string) (dir, path string) {
	t.Helper()
	dir = t.TempDir()
	path = filepath.Join(dir, "session.jsonl")
	if err := os.WriteFile(path, []byte(lines), 0o644); err != nil {
		t.Fatalf("write session: %v", err)
	}
	return dir, path
}

const scenarioOneSession = `{"uuid":"A","parentUuid":null,"sessionId":"s1","type":"user","message":{"role":"user","content":"please summarize the quarterly report"},"timestamp":"2024-01-01T00:00:01Z"}
{"uuid":"B","parentUuid":"A","sessionId":"s1","type":"assistant","message":{"role":"assistant","content":"here is the quarterly report summary"},"timestamp":"2024-01-01T00:00:02Z"}
{"uuid":"C","parentUuid":"ghost","sessionId":"s1","type":"user","message":{"role":"user","content":"thanks, the quarterly summary looks right"},"timestamp":"2024-01-01T00:00:03Z"}
`

func newManager(t *testing.T, dir string, cfg config.Config, store *eventstore.Store, c clock.Clock) *Manager {
	t.Helper()
	pathFor := func(sessionID string) string { return filepath.Join(dir, sessionID+".jsonl") }
	return New(cfg, pathFor, store, nil, c)
}

// TestOrphanReattachmentScenario implements the orphan-reattachment
// end-to-end scenario via the event store backend: scan finds C as the
// only orphan, propose_fixes ranks B above A, apply via the event store
// reattaches C to B, and current_view shows no remaining orphans.
func TestOrphanReattachmentScenario(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	dir, _ := writeSession(t, scenarioOneSession)
	if err := os.Rename(filepath.Join(dir, "session.jsonl"), filepath.Join(dir, "s1.jsonl")); err != nil {
		t.Fatalf("rename: %v", err)
	}

	store, err := eventstore.Open(filepath.Join(dir, "events.db"), clock.Fixed{At: base})
	if err != nil {
		t.Fatalf("Open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.Provider = config.ProviderEventStore
	m := newManager(t, dir, cfg, store, clock.Fixed{At: base})
	ctx := context.Background()

	scan, err := m.Scan(ctx, "s1")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if scan.OrphanCount != 1 || scan.OrphanUUIDs[0] != "C" {
		t.Fatalf("expected exactly orphan C, got %+v", scan.OrphanUUIDs)
	}

	sets, err := m.ProposeFixes(ctx, "s1")
	if err != nil {
		t.Fatalf("ProposeFixes: %v", err)
	}
	if len(sets) != 1 || sets[0].OrphanUUID != "C" {
		t.Fatalf("expected one proposal set for C, got %+v", sets)
	}
	proposals := sets[0].Proposals
	if len(proposals) < 2 {
		t.Fatalf("expected at least 2 ranked candidates, got %d", len(proposals))
	}
	if proposals[0].NewValue != "B" {
		t.Fatalf("expected B to rank first, got %+v", proposals[0])
	}
	if proposals[0].SimilarityScore <= proposals[1].SimilarityScore {
		t.Fatalf("expected descending score order, got %+v", proposals)
	}

	applied, err := m.Apply(ctx, "s1", proposals[0], "operator-1")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if applied.EventID == "" {
		t.Fatalf("expected an event id from the event store provider")
	}

	view, err := m.CurrentView(ctx, "s1")
	if err != nil {
		t.Fatalf("CurrentView: %v", err)
	}
	if len(view.OrphanUUIDs) != 0 {
		t.Fatalf("expected no orphans after reattachment, got %+v", view.OrphanUUIDs)
	}
	if r, ok := view.Get("C"); !ok || r.ParentUUID != "B" {
		t.Fatalf("expected C's parent to be B, got %+v", r)
	}

	report, err := m.VerifyIntegrity(ctx, "s1")
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if !report.SessionDigestOK {
		t.Fatalf("expected integrity OK after a clean apply, got %+v", report)
	}
}

// TestRevertFlowScenario implements the revert-flow end-to-end scenario:
// after scenario 1's apply, undoing it restores C's original parent and
// both events remain in the log. The active=0/reverted=2 counts are
// checked in internal/materializer's tests.
func TestRevertFlowScenario(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	dir, _ := writeSession(t, scenarioOneSession)
	if err := os.Rename(filepath.Join(dir, "session.jsonl"), filepath.Join(dir, "s1.jsonl")); err != nil {
		t.Fatalf("rename: %v", err)
	}

	seq := &clock.Sequence{Instants: []time.Time{base, base.Add(time.Hour), base.Add(2 * time.Hour), base.Add(3 * time.Hour)}}
	store, err := eventstore.Open(filepath.Join(dir, "events.db"), seq)
	if err != nil {
		t.Fatalf("Open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.Provider = config.ProviderEventStore
	m := newManager(t, dir, cfg, store, seq)
	ctx := context.Background()

	sets, err := m.ProposeFixes(ctx, "s1")
	if err != nil {
		t.Fatalf("ProposeFixes: %v", err)
	}
	if _, err := m.Apply(ctx, "s1", sets[0].Proposals[0], "operator-1"); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if _, err := m.Undo(ctx, "s1"); err != nil {
		t.Fatalf("Undo: %v", err)
	}

	view, err := m.CurrentView(ctx, "s1")
	if err != nil {
		t.Fatalf("CurrentView: %v", err)
	}
	if r, ok := view.Get("C"); !ok || r.ParentUUID != "ghost" {
		t.Fatalf("expected C's parent restored to ghost, got %+v", r)
	}

	events, err := store.Fetch(ctx, "s1", eventstore.FetchOptions{IncludeReverted: true})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected both the original and the revert to remain, got %d", len(events))
	}
}

// TestDriftDetectionScenario implements the drift-detection end-to-end
// scenario: a stale cache disagreeing with the event log is caught by
// CurrentView's full rebuild, which reports the reverted parent rather
// than the cached one.
func TestDriftDetectionScenario(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	dir, _ := writeSession(t, scenarioOneSession)
	if err := os.Rename(filepath.Join(dir, "session.jsonl"), filepath.Join(dir, "s1.jsonl")); err != nil {
		t.Fatalf("rename: %v", err)
	}

	store, err := eventstore.Open(filepath.Join(dir, "events.db"), &clock.Sequence{Instants: []time.Time{base, base.Add(time.Hour)}})
	if err != nil {
		t.Fatalf("Open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.Provider = config.ProviderEventStore
	m := newManager(t, dir, cfg, store, clock.Real{})
	ctx := context.Background()

	applied := store.NewEvent(eventstore.RepairEvent{
		EventID: "apply-1", SessionID: "s1", MessageID: "C", OldParent: "ghost", NewParent: "B",
		Timestamp: base, ValidationPassed: true,
	})
	if err := store.Append(ctx, applied); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := store.Revert(ctx, "apply-1", "u", "undo", "revert-1"); err != nil {
		t.Fatalf("revert: %v", err)
	}

	// Corrupt the cache so it disagrees with the (reverted) event log.
	m.Cache.Put(materializer.MaterializedSession{
		SessionID:      "s1",
		MessageParents: map[string]string{"C": "B"},
	})

	view, err := m.CurrentView(ctx, "s1")
	if err != nil {
		t.Fatalf("CurrentView: %v", err)
	}
	if r, ok := view.Get("C"); !ok || r.ParentUUID != "ghost" {
		t.Fatalf("expected current_view to reflect the reverted state, got %+v", r)
	}
}

// TestDigestTamperingScenario implements the digest-tampering end-to-end
// scenario: an event whose new_parent was altered after write without
// recomputing its digest is flagged by VerifyIntegrity.
func TestDigestTamperingScenario(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	dir, _ := writeSession(t, scenarioOneSession)
	if err := os.Rename(filepath.Join(dir, "session.jsonl"), filepath.Join(dir, "s1.jsonl")); err != nil {
		t.Fatalf("rename: %v", err)
	}

	store, err := eventstore.Open(filepath.Join(dir, "events.db"), clock.Fixed{At: base})
	if err != nil {
		t.Fatalf("Open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	e := store.NewEvent(eventstore.RepairEvent{
		EventID: "apply-1", SessionID: "s1", MessageID: "C", OldParent: "ghost", NewParent: "B",
		Timestamp: base, ValidationPassed: true,
	})
	if err := store.Append(ctx, e); err != nil {
		t.Fatalf("append: %v", err)
	}

	if _, err := store.DB().ExecContext(ctx, `UPDATE repair_events SET new_parent = 'tampered' WHERE event_id = 'apply-1'`); err != nil {
		t.Fatalf("simulate tamper: %v", err)
	}

	cfg := config.Default()
	cfg.Provider = config.ProviderEventStore
	m := newManager(t, dir, cfg, store, clock.Real{})

	report, err := m.VerifyIntegrity(ctx, "s1")
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if report.SessionDigestOK {
		t.Fatalf("expected tampering to be caught, got SessionDigestOK=true")
	}
	if len(report.Mismatches) != 1 || report.Mismatches[0].EventID != "apply-1" {
		t.Fatalf("expected exactly one mismatch for apply-1, got %+v", report.Mismatches)
	}
}
