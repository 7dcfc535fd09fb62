// Package materializer rebuilds the current parent overlay for a session
// by replaying its repair events, caches the result, and detects drift
// between the cache and a fresh replay.
package materializer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/conv-log/logrepair/internal/clock"
	"github.com/conv-log/logrepair/internal/eventstore"
)

// MaterializedSession is the cached, derived current state of one
// session's repairs: a sparse overlay mapping message uuid to its current
// parent after replaying all active events. Records never touched by a
// repair are absent from MessageParents; callers fall back to the
// original JSONL-declared parent for those.
type MaterializedSession struct {
	SessionID      string
	MessageParents map[string]string

	TotalEvents    int
	ActiveEvents   int
	RevertedEvents int

	LastEventID        string
	LastEventTimestamp time.Time
	MaterializedAt     time.Time

	MaterializationDigest string

	IsStale       bool
	DriftDetected bool
}

// Cache is a process-wide, session-keyed store for MaterializedSessions.
// Its lifecycle is init-on-first-access; nothing couples one session's
// entry to another's.
type Cache struct {
	mu    sync.Mutex
	byKey map[string]MaterializedSession
}

func NewCache() *Cache {
	return &Cache{byKey: make(map[string]MaterializedSession)}
}

func (c *Cache) Get(sessionID string) (MaterializedSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.byKey[sessionID]
	return v, ok
}

func (c *Cache) Put(m MaterializedSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byKey[m.SessionID] = m
}

// Invalidate marks a cached entry stale, typically called right after an
// event is appended so the next Materialize call knows to refresh.
func (c *Cache) Invalidate(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.byKey[sessionID]; ok {
		v.IsStale = true
		c.byKey[sessionID] = v
	}
}

// Materializer replays a session's event log into a MaterializedSession.
type Materializer struct {
	store *eventstore.Store
	cache *Cache
	clock clock.Clock
}

func New(store *eventstore.Store, cache *Cache, c clock.Clock) *Materializer {
	if cache == nil {
		cache = NewCache()
	}
	if c == nil {
		c = clock.Real{}
	}
	return &Materializer{store: store, cache: cache, clock: c}
}

// Materialize implements the three-strategy fallback: return the cache if
// fresh; if only stale (new events arrived but no drift is suspected), do
// an incremental fold of events newer than the cache's last timestamp;
// otherwise perform a full rebuild from the complete event history.
func (m *Materializer) Materialize(ctx context.Context, sessionID string) (MaterializedSession, error) {
	cached, hasCache := m.cache.Get(sessionID)

	if hasCache && !cached.IsStale && !cached.DriftDetected {
		return cached, nil
	}

	if hasCache && cached.IsStale && !cached.DriftDetected && !cached.LastEventTimestamp.IsZero() {
		result, err := m.incremental(ctx, sessionID, cached)
		if err != nil {
			return MaterializedSession{}, err
		}
		m.cache.Put(result)
		return result, nil
	}

	result, err := m.fullRebuild(ctx, sessionID)
	if err != nil {
		return MaterializedSession{}, err
	}
	m.cache.Put(result)
	return result, nil
}

func (m *Materializer) fullRebuild(ctx context.Context, sessionID string) (MaterializedSession, error) {
	events, err := m.store.Fetch(ctx, sessionID, eventstore.FetchOptions{IncludeReverted: true})
	if err != nil {
		return MaterializedSession{}, fmt.Errorf("materializer: fetch for rebuild: %w", err)
	}
	return fold(sessionID, events, m.clock.Now()), nil
}

func (m *Materializer) incremental(ctx context.Context, sessionID string, cached MaterializedSession) (MaterializedSession, error) {
	since := cached.LastEventTimestamp
	newEvents, err := m.store.Fetch(ctx, sessionID, eventstore.FetchOptions{IncludeReverted: true, UntilTS: nil})
	if err != nil {
		return MaterializedSession{}, fmt.Errorf("materializer: fetch for incremental: %w", err)
	}

	var delta []eventstore.RepairEvent
	for _, e := range newEvents {
		if e.Timestamp.After(since) {
			delta = append(delta, e)
		}
	}
	if len(delta) == 0 {
		cached.IsStale = false
		cached.MaterializedAt = m.clock.Now()
		return cached, nil
	}

	// Stats and the digest depend on the full active-event set, which is
	// cheap to recompute exactly (it's a list of small repair events, not
	// the underlying conversation log); only the message_parents fold
	// itself is done incrementally, onto a copy of the cached map.
	parents := make(map[string]string, len(cached.MessageParents)+len(delta))
	for k, v := range cached.MessageParents {
		parents[k] = v
	}
	for _, e := range delta {
		parents[e.MessageID] = e.NewParent
	}

	total, activeIDs := sessionStats(newEvents)
	last := delta[len(delta)-1]

	return MaterializedSession{
		SessionID:             sessionID,
		MessageParents:        parents,
		TotalEvents:           total,
		ActiveEvents:          len(activeIDs),
		RevertedEvents:        total - len(activeIDs),
		LastEventID:           last.EventID,
		LastEventTimestamp:    last.Timestamp,
		MaterializedAt:        m.clock.Now(),
		MaterializationDigest: digestOf(activeIDs),
		IsStale:               false,
		DriftDetected:         false,
	}, nil
}

// fold replays events in timestamp order into message_parents: later
// events overwrite earlier ones for the same message_id, which is exactly
// how a revert (whose new_parent equals the original's old_parent)
// restores the pre-repair state without deleting either event.
func fold(sessionID string, events []eventstore.RepairEvent, now time.Time) MaterializedSession {
	parents := make(map[string]string, len(events))
	for _, e := range events {
		parents[e.MessageID] = e.NewParent
	}

	total, activeIDs := sessionStats(events)

	var lastID string
	var lastTS time.Time
	for _, e := range events {
		if e.Timestamp.After(lastTS) || lastID == "" {
			lastID = e.EventID
			lastTS = e.Timestamp
		}
	}

	return MaterializedSession{
		SessionID:             sessionID,
		MessageParents:        parents,
		TotalEvents:           total,
		ActiveEvents:          len(activeIDs),
		RevertedEvents:        total - len(activeIDs),
		LastEventID:           lastID,
		LastEventTimestamp:    lastTS,
		MaterializedAt:        now,
		MaterializationDigest: digestOf(activeIDs),
	}
}

// sessionStats classifies every event as active or reverted: an event is
// reverted if it is itself a revert, or if some other event in the set
// reverts it.
func sessionStats(events []eventstore.RepairEvent) (total int, activeIDs []string) {
	revertedBy := make(map[string]bool, len(events))
	for _, e := range events {
		if e.RevertsEventID != "" {
			revertedBy[e.RevertsEventID] = true
		}
	}
	for _, e := range events {
		total++
		if e.IsReverted || revertedBy[e.EventID] {
			continue
		}
		activeIDs = append(activeIDs, e.EventID)
	}
	sort.Strings(activeIDs)
	return total, activeIDs
}

func digestOf(activeIDs []string) string {
	sorted := append([]string{}, activeIDs...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, ",")))
	return hex.EncodeToString(sum[:])
}

// Validate performs a full rebuild into a scratch result and compares it
// against the cache; on any mismatch it marks the cache's drift_detected
// and returns the scratch result without ever silently overwriting the
// drifting cache. A subsequent Materialize call with drift detected
// forces a full rebuild instead of trusting what's cached.
func (m *Materializer) Validate(ctx context.Context, sessionID string) (MaterializedSession, bool, error) {
	scratch, err := m.fullRebuild(ctx, sessionID)
	if err != nil {
		return MaterializedSession{}, false, err
	}
	cached, hasCache := m.cache.Get(sessionID)
	if !hasCache {
		m.cache.Put(scratch)
		return scratch, true, nil
	}
	if sameParents(cached.MessageParents, scratch.MessageParents) {
		return scratch, true, nil
	}
	cached.DriftDetected = true
	m.cache.Put(cached)
	return scratch, false, nil
}

func sameParents(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// Rebuild forces a fresh full rebuild and overwrites the cache, clearing
// any drift flag. This is the explicit, operator-identified rebuild call
// required before trusting a cache that previously drifted.
func (m *Materializer) Rebuild(ctx context.Context, sessionID, operator string) (MaterializedSession, error) {
	if operator == "" {
		return MaterializedSession{}, fmt.Errorf("materializer: rebuild requires an operator identity")
	}
	result, err := m.fullRebuild(ctx, sessionID)
	if err != nil {
		return MaterializedSession{}, err
	}
	m.cache.Put(result)
	return result, nil
}
