// Package provider defines the persistence contract a repair can be
// applied through, and its two implementations: an in-place JSONL
// rewriter with a bounded undo stack, and an append-only event store
// adapter.
package provider

import (
	"context"
	"time"

	"github.com/conv-log/logrepair/internal/repairengine"
)

// AppliedRepair is what a successful Apply or Undo returns for display.
type AppliedRepair struct {
	EventID  string // set only by EventStoreProvider
	BackupRef string // set only by RewriteProvider
	Before   repairengine.RepairOperation
	After    repairengine.RepairOperation
	AppliedAt time.Time
}

// BackupRef names one immutable snapshot taken before a rewrite.
type BackupRef struct {
	SessionID string
	Path      string
	CreatedAt time.Time
}

// Provider is the capability contract every persistence backend
// implements. Implementations are tagged variants (RewriteProvider,
// EventStoreProvider) so a manager can pattern-match on which features
// are meaningful for a given backend, e.g. History may be empty for a
// provider without one.
type Provider interface {
	Apply(ctx context.Context, op repairengine.RepairOperation, operator string) (AppliedRepair, error)
	UndoLast(ctx context.Context, sessionID string) (AppliedRepair, error)
	ListBackups(ctx context.Context, sessionID string) ([]BackupRef, error)
	Rollback(ctx context.Context, sessionID string, ref BackupRef) error
	History(ctx context.Context, sessionID string) ([]AppliedRepair, error)
}
