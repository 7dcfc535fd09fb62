// Package manager orchestrates the full repair pipeline (load, detect,
// propose, apply, materialize) behind the single stable entry point an
// external caller (CLI, future UI) talks to, serializing mutation of any
// one session behind a per-session lock while letting unrelated sessions
// proceed concurrently.
package manager

import (
	"context"
	"fmt"
	"sync"

	"github.com/conv-log/logrepair/internal/clock"
	"github.com/conv-log/logrepair/internal/config"
	"github.com/conv-log/logrepair/internal/dag"
	"github.com/conv-log/logrepair/internal/dedupe"
	"github.com/conv-log/logrepair/internal/eventstore"
	"github.com/conv-log/logrepair/internal/jsonl"
	"github.com/conv-log/logrepair/internal/materializer"
	"github.com/conv-log/logrepair/internal/provider"
	"github.com/conv-log/logrepair/internal/record"
	"github.com/conv-log/logrepair/internal/repairengine"
)

// registryMu guards lazy creation of sessionLocks; each session's own
// mutex is then held for the duration of one Manager call, so two
// sessions never block each other but two callers touching the same
// session are serialized.
var (
	registryMu   sync.Mutex
	sessionLocks = map[string]*sync.Mutex{}
)

func lockFor(sessionID string) *sync.Mutex {
	registryMu.Lock()
	defer registryMu.Unlock()
	l, ok := sessionLocks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		sessionLocks[sessionID] = l
	}
	return l
}

// ScanReport summarizes one session's structural health: its orphan and
// duplicate counts plus the per-record corruption scores the DAG builder
// already computed.
type ScanReport struct {
	SessionID        string
	OrphanCount      int
	OrphanUUIDs      []string
	DuplicateCount   int
	CorruptionScores map[string]float64
}

// ProposalSet bundles one orphan's ranked repair candidates with the
// candidates that were rejected and why, so a caller can explain an empty
// proposal list rather than being left to guess.
type ProposalSet struct {
	OrphanUUID        string
	Proposals         []repairengine.RepairOperation
	Rejected          []repairengine.CandidateRejected
	NoValidCandidates bool
}

// Manager orchestrates C1-C9 behind one stable entry point per session.
type Manager struct {
	Config config.Config
	Clock  clock.Clock

	// Store is nil unless Config.Provider is event_store.
	Store *eventstore.Store
	Cache *materializer.Cache

	pathFor func(sessionID string) string

	// providersMu guards providers, the one-Provider-per-session registry
	// providerFor populates lazily; a RewriteProvider's undo stack lives
	// only in that instance's memory, so handing out a fresh one per call
	// would silently discard it between Apply and the Undo that follows.
	providersMu sync.Mutex
	providers   map[string]provider.Provider
}

// New builds a Manager. pathFor resolves a session id to its JSONL file
// path; store may be nil when the configured provider is rewrite-only.
func New(cfg config.Config, pathFor func(string) string, store *eventstore.Store, cache *materializer.Cache, c clock.Clock) *Manager {
	if c == nil {
		c = clock.Real{}
	}
	if cache == nil {
		cache = materializer.NewCache()
	}
	return &Manager{Config: cfg, Clock: c, Store: store, Cache: cache, pathFor: pathFor, providers: map[string]provider.Provider{}}
}

func (m *Manager) load(sessionID string) ([]record.Record, []jsonl.ParseDiagnostic, error) {
	return jsonl.Load(m.pathFor(sessionID), m.Config.OversizeRecordBytes)
}

func (m *Manager) buildDAG(sessionID string) (*dag.ConversationDAG, []jsonl.ParseDiagnostic, error) {
	records, diags, err := m.load(sessionID)
	if err != nil {
		return nil, nil, err
	}
	d, err := dag.Build(records)
	if err != nil {
		return nil, diags, err
	}
	return d, diags, nil
}

// Scan loads and analyzes a session without mutating anything.
func (m *Manager) Scan(ctx context.Context, sessionID string) (ScanReport, error) {
	lock := lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	d, _, err := m.buildDAG(sessionID)
	if err != nil {
		return ScanReport{}, fmt.Errorf("manager: scan: %w", err)
	}

	dupCount := 0
	for _, r := range d.AllRecords() {
		res, err := dedupe.Dedupe(r.Content, r.ContentIsList, m.Config.OversizeRecordBytes)
		if err != nil {
			continue
		}
		dupCount += res.RemovedCount
	}

	return ScanReport{
		SessionID:        sessionID,
		OrphanCount:      len(d.OrphanUUIDs),
		OrphanUUIDs:      d.OrphanUUIDs,
		DuplicateCount:   dupCount,
		CorruptionScores: d.CorruptionScores,
	}, nil
}

// ProposeFixes ranks repair candidates for every orphan in the session.
func (m *Manager) ProposeFixes(ctx context.Context, sessionID string) ([]ProposalSet, error) {
	lock := lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	d, _, err := m.buildDAG(sessionID)
	if err != nil {
		return nil, fmt.Errorf("manager: propose_fixes: %w", err)
	}

	opts := repairengine.Options{
		MinScore: m.Config.MinSimilarityScore,
		TopK:     m.Config.TopKCandidates,
		Operator: m.Config.OperatorID,
	}

	sets := make([]ProposalSet, 0, len(d.OrphanUUIDs))
	for _, orphan := range d.OrphanUUIDs {
		proposals, rejected, err := repairengine.Propose(d, orphan, opts)
		if err != nil {
			return nil, fmt.Errorf("manager: propose_fixes %s: %w", orphan, err)
		}
		sets = append(sets, ProposalSet{
			OrphanUUID:        orphan,
			Proposals:         proposals,
			Rejected:          rejected,
			NoValidCandidates: len(proposals) == 0,
		})
	}
	return sets, nil
}

// providerFor selects the active persistence backend per Config.Provider,
// constructing it once per session and reusing that same instance on every
// later call. The active provider is fixed for a session's lifetime by
// configuration, never chosen per call; it must also be the *same instance*
// for a rewrite-backed session, since RewriteProvider.UndoLast depends on
// the in-memory undo stack an earlier Apply on that instance pushed onto.
func (m *Manager) providerFor(sessionID string) provider.Provider {
	m.providersMu.Lock()
	defer m.providersMu.Unlock()

	if p, ok := m.providers[sessionID]; ok {
		return p
	}

	var p provider.Provider
	if m.Config.Provider == config.ProviderEventStore && m.Store != nil {
		p = provider.NewEventStoreProvider(sessionID, m.Store, m.Cache, m.Clock)
	} else {
		p = provider.NewRewriteProvider(sessionID, m.pathFor(sessionID), m.Config.BackupDir, m.Config.UndoStackDepth, m.Clock)
	}
	m.providers[sessionID] = p
	return p
}

// Apply delegates a proposed repair to the active provider.
func (m *Manager) Apply(ctx context.Context, sessionID string, op repairengine.RepairOperation, operator string) (provider.AppliedRepair, error) {
	lock := lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	applied, err := m.providerFor(sessionID).Apply(ctx, op, operator)
	if err != nil {
		return provider.AppliedRepair{}, fmt.Errorf("manager: apply: %w", err)
	}
	return applied, nil
}

// Undo reverts the session's most recently applied repair.
func (m *Manager) Undo(ctx context.Context, sessionID string) (provider.AppliedRepair, error) {
	lock := lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	applied, err := m.providerFor(sessionID).UndoLast(ctx, sessionID)
	if err != nil {
		return provider.AppliedRepair{}, fmt.Errorf("manager: undo: %w", err)
	}
	return applied, nil
}

// CurrentView returns the session's DAG. When the event store backend is
// active, the materializer's replayed message_parents overlay the JSONL's
// declared parents before the DAG is built; the rewrite backend's file is
// already current after every Apply, so it is loaded directly.
func (m *Manager) CurrentView(ctx context.Context, sessionID string) (*dag.ConversationDAG, error) {
	lock := lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	records, _, err := m.load(sessionID)
	if err != nil {
		return nil, fmt.Errorf("manager: current_view: %w", err)
	}

	if m.Config.Provider == config.ProviderEventStore && m.Store != nil {
		// Validate, not Materialize: current_view must never silently trust
		// a drifting cache, so it always compares against a fresh replay
		// and uses that replay's result, marking the cache when it disagrees.
		mat := materializer.New(m.Store, m.Cache, m.Clock)
		result, _, err := mat.Validate(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("manager: current_view validate: %w", err)
		}
		for i := range records {
			if newParent, ok := result.MessageParents[records[i].UUID]; ok {
				records[i].SetParentUUID(newParent)
			}
		}
	}

	d, err := dag.Build(records)
	if err != nil {
		return nil, fmt.Errorf("manager: current_view: %w", err)
	}
	return d, nil
}

// History returns every applied repair for sessionID in the active
// provider's terms; may be empty for a provider without a structured
// history.
func (m *Manager) History(ctx context.Context, sessionID string) ([]provider.AppliedRepair, error) {
	lock := lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	return m.providerFor(sessionID).History(ctx, sessionID)
}

// VerifyIntegrity recomputes every event digest and the session digest for
// sessionID. A rewrite-only session (no event store configured) always
// reports OK: there is no tamper-evident log to check.
func (m *Manager) VerifyIntegrity(ctx context.Context, sessionID string) (eventstore.IntegrityReport, error) {
	lock := lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if m.Store == nil {
		return eventstore.IntegrityReport{SessionDigestOK: true}, nil
	}
	return m.Store.Verify(ctx, sessionID)
}
