package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/conv-log/logrepair/internal/clock"
	"github.com/conv-log/logrepair/internal/eventstore"
	"github.com/conv-log/logrepair/internal/materializer"
	"github.com/conv-log/logrepair/internal/repairengine"
)

// ErrRollbackUnsupported is returned by EventStoreProvider.Rollback: an
// append-only event log has no file-level snapshots to roll back to, only
// Undo's revert-as-new-event.
var ErrRollbackUnsupported = errors.New("provider: event store backend does not support file rollback")

// EventStoreProvider applies a repair by appending a RepairEvent, and
// undoes one by appending a revert event; the log itself never shrinks.
// One EventStoreProvider is bound to exactly one session for its lifetime.
type EventStoreProvider struct {
	SessionID string
	Store     *eventstore.Store
	Cache     *materializer.Cache
	clock     clock.Clock
}

func NewEventStoreProvider(sessionID string, store *eventstore.Store, cache *materializer.Cache, c clock.Clock) *EventStoreProvider {
	if c == nil {
		c = clock.Real{}
	}
	return &EventStoreProvider{SessionID: sessionID, Store: store, Cache: cache, clock: c}
}

func (p *EventStoreProvider) Apply(ctx context.Context, op repairengine.RepairOperation, operator string) (AppliedRepair, error) {
	oldParent, _ := op.OldValue.(string)
	newParent, _ := op.NewValue.(string)

	e := p.Store.NewEvent(eventstore.RepairEvent{
		EventID:          uuid.New().String(),
		SessionID:        p.SessionID,
		MessageID:        op.TargetUUID,
		OldParent:        oldParent,
		NewParent:        newParent,
		Operator:         operator,
		Reason:           op.Reason,
		SimilarityScore:  op.SimilarityScore,
		ValidationPassed: true,
		Timestamp:        p.clock.Now(),
	})

	if err := eventstore.Retry(ctx, func() error { return p.Store.Append(ctx, e) }); err != nil {
		return AppliedRepair{}, fmt.Errorf("event store provider: apply: %w", err)
	}
	if p.Cache != nil {
		p.Cache.Invalidate(p.SessionID)
	}

	after := op
	after.Operator = operator
	return AppliedRepair{
		EventID:   e.EventID,
		Before:    op,
		After:     after,
		AppliedAt: e.CreatedAt,
	}, nil
}

// UndoLast reverts the most recently applied event for sessionID that is
// not already reverted, per the same active/reverted classification used
// by internal/materializer.
func (p *EventStoreProvider) UndoLast(ctx context.Context, sessionID string) (AppliedRepair, error) {
	events, err := p.Store.Fetch(ctx, sessionID, eventstore.FetchOptions{IncludeReverted: true})
	if err != nil {
		return AppliedRepair{}, fmt.Errorf("event store provider: fetch for undo: %w", err)
	}

	revertedBy := make(map[string]bool, len(events))
	for _, e := range events {
		if e.RevertsEventID != "" {
			revertedBy[e.RevertsEventID] = true
		}
	}

	var lastActive *eventstore.RepairEvent
	for i := range events {
		e := &events[i]
		if e.IsReverted || revertedBy[e.EventID] {
			continue
		}
		if lastActive == nil || e.Timestamp.After(lastActive.Timestamp) {
			lastActive = e
		}
	}
	if lastActive == nil {
		return AppliedRepair{}, fmt.Errorf("event store provider: no active event to undo for session %s", sessionID)
	}

	var revert eventstore.RepairEvent
	err = eventstore.Retry(ctx, func() error {
		var retryErr error
		revert, retryErr = p.Store.Revert(ctx, lastActive.EventID, "undo", "undo_last", uuid.New().String())
		return retryErr
	})
	if err != nil {
		return AppliedRepair{}, fmt.Errorf("event store provider: undo: %w", err)
	}
	if p.Cache != nil {
		p.Cache.Invalidate(sessionID)
	}

	return AppliedRepair{
		EventID: revert.EventID,
		Before: repairengine.RepairOperation{
			TargetUUID: lastActive.MessageID, Field: "parent_uuid",
			OldValue: lastActive.OldParent, NewValue: lastActive.NewParent,
		},
		After: repairengine.RepairOperation{
			TargetUUID: revert.MessageID, Field: "parent_uuid",
			OldValue: revert.OldParent, NewValue: revert.NewParent,
		},
		AppliedAt: revert.CreatedAt,
	}, nil
}

// ListBackups always returns an empty slice: an append-only event log has
// no concept of a file snapshot.
func (p *EventStoreProvider) ListBackups(ctx context.Context, sessionID string) ([]BackupRef, error) {
	return nil, nil
}

func (p *EventStoreProvider) Rollback(ctx context.Context, sessionID string, ref BackupRef) error {
	return ErrRollbackUnsupported
}

// History returns every event for sessionID, oldest first, each mapped to
// an AppliedRepair for display.
func (p *EventStoreProvider) History(ctx context.Context, sessionID string) ([]AppliedRepair, error) {
	events, err := p.Store.Fetch(ctx, sessionID, eventstore.FetchOptions{IncludeReverted: true})
	if err != nil {
		return nil, fmt.Errorf("event store provider: history: %w", err)
	}
	out := make([]AppliedRepair, 0, len(events))
	for _, e := range events {
		out = append(out, AppliedRepair{
			EventID: e.EventID,
			After: repairengine.RepairOperation{
				TargetUUID:      e.MessageID,
				Field:           "parent_uuid",
				OldValue:        e.OldParent,
				NewValue:        e.NewParent,
				SimilarityScore: e.SimilarityScore,
				Reason:          e.Reason,
				Operator:        e.Operator,
			},
			AppliedAt: e.CreatedAt,
		})
	}
	return out, nil
}
