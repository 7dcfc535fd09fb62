package provider

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/conv-log/logrepair/internal/clock"
	"github.com/conv-log/logrepair/internal/jsonl"
	"github.com/conv-log/logrepair/internal/repairengine"
)

// RewriteProvider applies a repair by rewriting the session's JSONL file
// in place, via internal/jsonl's atomic save, and keeps a bounded undo
// stack of the last N snapshots for this session, following the same
// snapshot-before-mutate discipline as every other destructive rewrite.
// One RewriteProvider is bound to exactly one session for its lifetime,
// per the manager's policy of never interleaving backends for a session.
type RewriteProvider struct {
	SessionID      string
	Path           string
	BackupDir      string
	UndoStackDepth int
	clock          clock.Clock

	mu        sync.Mutex
	undoStack []BackupRef
}

func NewRewriteProvider(sessionID, path, backupDir string, undoStackDepth int, c clock.Clock) *RewriteProvider {
	if undoStackDepth <= 0 {
		undoStackDepth = 10
	}
	if c == nil {
		c = clock.Real{}
	}
	return &RewriteProvider{
		SessionID:      sessionID,
		Path:           path,
		BackupDir:      backupDir,
		UndoStackDepth: undoStackDepth,
		clock:          c,
		undoStack:      loadUndoStack(backupDir, sessionID, undoStackDepth),
	}
}

// loadUndoStack reconstructs the undo stack from this session's snapshot
// files already sitting in backupDir, oldest first, bounded to depth. A
// RewriteProvider is otherwise purely in-memory, and the CLI constructs a
// fresh one on every process invocation, so without this an "undo" run as
// its own process could never see the backups an earlier "apply" process
// wrote.
func loadUndoStack(backupDir, sessionID string, depth int) []BackupRef {
	if backupDir == "" {
		return nil
	}
	matches, err := filepath.Glob(filepath.Join(backupDir, sessionID+".*.bak"))
	if err != nil || len(matches) == 0 {
		return nil
	}

	refs := make([]BackupRef, 0, len(matches))
	for _, path := range matches {
		ts, ok := backupTimestamp(filepath.Base(path), sessionID)
		if !ok {
			continue
		}
		refs = append(refs, BackupRef{SessionID: sessionID, Path: path, CreatedAt: ts})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].CreatedAt.Before(refs[j].CreatedAt) })
	if len(refs) > depth {
		refs = refs[len(refs)-depth:]
	}
	return refs
}

// backupTimestamp extracts the RFC3339Nano timestamp embedded in a snapshot
// file name of the form "<sessionID>.<timestamp>.bak", as written by
// (*RewriteProvider).snapshot.
func backupTimestamp(name, sessionID string) (time.Time, bool) {
	rest := strings.TrimPrefix(name, sessionID+".")
	if rest == name {
		return time.Time{}, false
	}
	rest = strings.TrimSuffix(rest, ".bak")
	ts, err := time.Parse(time.RFC3339Nano, rest)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func (p *RewriteProvider) Apply(ctx context.Context, op repairengine.RepairOperation, operator string) (AppliedRepair, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	records, _, err := jsonl.Load(p.Path, 0)
	if err != nil {
		return AppliedRepair{}, fmt.Errorf("rewrite provider: load %s: %w", p.Path, err)
	}

	var target *int
	for i := range records {
		if records[i].UUID == op.TargetUUID {
			idx := i
			target = &idx
			break
		}
	}
	if target == nil {
		return AppliedRepair{}, fmt.Errorf("rewrite provider: target %s not found in %s", op.TargetUUID, p.Path)
	}

	before := op
	before.NewValue = records[*target].ParentUUID

	newParent, _ := op.NewValue.(string)
	records[*target].SetParentUUID(newParent)

	backupPath, err := p.snapshot()
	if err != nil {
		return AppliedRepair{}, fmt.Errorf("rewrite provider: snapshot before apply: %w", err)
	}

	if err := jsonl.Save(p.Path, records, p.BackupDir); err != nil {
		return AppliedRepair{}, fmt.Errorf("rewrite provider: save %s: %w", p.Path, err)
	}

	ref := BackupRef{SessionID: p.SessionID, Path: backupPath, CreatedAt: p.clock.Now()}
	p.pushUndo(ref)

	return AppliedRepair{
		BackupRef: backupPath,
		Before:    before,
		After:     op,
		AppliedAt: p.clock.Now(),
	}, nil
}

func (p *RewriteProvider) snapshot() (string, error) {
	if p.BackupDir == "" {
		return "", nil
	}
	if err := os.MkdirAll(p.BackupDir, 0o755); err != nil {
		return "", err
	}
	data, err := os.ReadFile(p.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	name := fmt.Sprintf("%s.%s.bak", p.SessionID, p.clock.Now().UTC().Format(time.RFC3339Nano))
	backupPath := filepath.Join(p.BackupDir, name)
	if err := os.WriteFile(backupPath, data, 0o644); err != nil {
		return "", err
	}
	return backupPath, nil
}

// pushUndo appends ref and prunes the oldest entries once the stack
// exceeds UndoStackDepth, mirroring the fresh-tail-window pruning idiom
// used elsewhere in this codebase for bounded recent-history windows.
func (p *RewriteProvider) pushUndo(ref BackupRef) {
	p.undoStack = append(p.undoStack, ref)
	if len(p.undoStack) > p.UndoStackDepth {
		p.undoStack = p.undoStack[len(p.undoStack)-p.UndoStackDepth:]
	}
}

func (p *RewriteProvider) UndoLast(ctx context.Context, sessionID string) (AppliedRepair, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.undoStack) == 0 {
		return AppliedRepair{}, fmt.Errorf("rewrite provider: no backups to undo for session %s", sessionID)
	}
	ref := p.undoStack[len(p.undoStack)-1]
	p.undoStack = p.undoStack[:len(p.undoStack)-1]

	if err := restoreFile(ref.Path, p.Path); err != nil {
		return AppliedRepair{}, fmt.Errorf("rewrite provider: restore %s: %w", ref.Path, err)
	}

	return AppliedRepair{
		BackupRef: ref.Path,
		AppliedAt: p.clock.Now(),
	}, nil
}

func (p *RewriteProvider) ListBackups(ctx context.Context, sessionID string) ([]BackupRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]BackupRef, len(p.undoStack))
	copy(out, p.undoStack)
	return out, nil
}

func (p *RewriteProvider) Rollback(ctx context.Context, sessionID string, ref BackupRef) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return restoreFile(ref.Path, p.Path)
}

// History returns nil: the rewrite provider tracks an undo stack, not a
// structured repair history, per the contract's "may be [] for providers
// without history."
func (p *RewriteProvider) History(ctx context.Context, sessionID string) ([]AppliedRepair, error) {
	return nil, nil
}

func restoreFile(backupPath, targetPath string) error {
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return err
	}
	tmp := targetPath + ".restore-tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, targetPath)
}
