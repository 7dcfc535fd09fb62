// Package eventstore is the immutable, append-only persistence provider
// for repair events: SHA-256 tamper-evident digests, revert-as-new-event
// semantics, and chronological replay. No code path in this package ever
// issues an UPDATE or DELETE against the events table.
package eventstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/conv-log/logrepair/internal/clock"

	_ "modernc.org/sqlite"
)

// Sentinel errors for the C8 error taxonomy. Digest and immutability
// failures are fatal and never retried; BackendUnavailable is retried by
// the caller (see Retry) with bounded exponential backoff.
var (
	ErrDuplicateEvent        = errors.New("eventstore: duplicate event_id")
	ErrDigestMismatch        = errors.New("eventstore: digest mismatch")
	ErrImmutabilityViolation = errors.New("eventstore: immutability violation")
	ErrBackendUnavailable    = errors.New("eventstore: backend unavailable")
	ErrEventNotFound         = errors.New("eventstore: event not found")
)

// sqlQueryer abstracts *sql.DB and *sql.Tx so the same code can run inside
// or outside a transaction.
type sqlQueryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// RepairEvent is the persisted, immutable record of one applied repair (or
// one revert of a prior repair).
type RepairEvent struct {
	EventID   string
	SessionID string
	MessageID string
	OldParent string // "" encodes "no parent"
	NewParent string

	Operator         string
	Reason           string
	SimilarityScore  float64
	ValidationPassed bool

	Timestamp time.Time
	CreatedAt time.Time

	IsReverted     bool
	RevertsEventID string

	EventDigest string
}

// Digest computes the SHA-256 hex digest over the canonical concatenation
// of the event's immutable fields, with absent parents encoded as the
// literal string "null".
func Digest(e RepairEvent) string {
	parts := []string{
		e.EventID,
		e.SessionID,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.MessageID,
		nullable(e.OldParent),
		nullable(e.NewParent),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func nullable(s string) string {
	if s == "" {
		return "null"
	}
	return s
}

// Store is a SQLite-backed event log, one row per RepairEvent.
type Store struct {
	db    *sql.DB
	clock clock.Clock
}

// Open opens (creating if necessary) the event store at path and ensures
// its schema exists.
func Open(path string, c clock.Clock) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if c == nil {
		c = clock.Real{}
	}
	s := &Store{db: db, clock: c}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying *sql.DB for callers that need to reach past
// this package's API, such as a test simulating storage-layer tampering.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS repair_events (
			event_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			old_parent TEXT,
			new_parent TEXT,
			operator TEXT NOT NULL,
			reason TEXT NOT NULL,
			similarity_score REAL NOT NULL,
			validation_passed INTEGER NOT NULL,
			timestamp TEXT NOT NULL,
			created_at TEXT NOT NULL,
			is_reverted INTEGER NOT NULL,
			reverts_event_id TEXT,
			event_digest TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("%w: migrate: %v", ErrBackendUnavailable, err)
	}
	_, err = s.db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_repair_events_session_ts
		ON repair_events(session_id, timestamp, event_id)
	`)
	if err != nil {
		return fmt.Errorf("%w: migrate index: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// NewEvent stamps CreatedAt from the store's clock and computes the
// digest, returning a RepairEvent ready for Append.
func (s *Store) NewEvent(e RepairEvent) RepairEvent {
	e.CreatedAt = s.clock.Now()
	e.EventDigest = Digest(e)
	return e
}

// Append inserts exactly one event. It enforces uniqueness on event_id,
// recomputes the digest and refuses a mismatch, and never updates or
// deletes an existing row.
func (s *Store) Append(ctx context.Context, e RepairEvent) error {
	return s.appendWith(ctx, s.db, e)
}

func (s *Store) appendWith(ctx context.Context, q sqlQueryer, e RepairEvent) error {
	if want := Digest(e); want != e.EventDigest {
		return fmt.Errorf("%w: event %s recomputed %s, stored %s", ErrDigestMismatch, e.EventID, want, e.EventDigest)
	}

	var existing int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM repair_events WHERE event_id = ?`, e.EventID).Scan(&existing)
	if err != nil {
		return fmt.Errorf("%w: check existing event: %v", ErrBackendUnavailable, err)
	}
	if existing > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateEvent, e.EventID)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO repair_events (
			event_id, session_id, message_id, old_parent, new_parent,
			operator, reason, similarity_score, validation_passed,
			timestamp, created_at, is_reverted, reverts_event_id, event_digest
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.EventID, e.SessionID, e.MessageID, nullColumn(e.OldParent), nullColumn(e.NewParent),
		e.Operator, e.Reason, e.SimilarityScore, boolToInt(e.ValidationPassed),
		e.Timestamp.UTC().Format(time.RFC3339Nano), e.CreatedAt.UTC().Format(time.RFC3339Nano),
		boolToInt(e.IsReverted), nullColumn(e.RevertsEventID), e.EventDigest,
	)
	if err != nil {
		return fmt.Errorf("%w: insert event %s: %v", ErrBackendUnavailable, e.EventID, err)
	}
	return nil
}

// FetchOptions narrows a Fetch call.
type FetchOptions struct {
	UntilTS *time.Time
	// IncludeReverted, when false, omits events that are themselves a
	// revert (IsReverted == true). Replay for materialization always
	// wants every event and must pass IncludeReverted: true; this option
	// exists for history views that want to show only originally applied
	// repairs.
	IncludeReverted bool
}

// Fetch returns events for sessionID, chronological by timestamp
// ascending, ties broken by event_id.
func (s *Store) Fetch(ctx context.Context, sessionID string, opts FetchOptions) ([]RepairEvent, error) {
	query := `SELECT event_id, session_id, message_id, old_parent, new_parent,
		operator, reason, similarity_score, validation_passed,
		timestamp, created_at, is_reverted, reverts_event_id, event_digest
		FROM repair_events WHERE session_id = ?`
	args := []any{sessionID}
	if opts.UntilTS != nil {
		query += ` AND timestamp <= ?`
		args = append(args, opts.UntilTS.UTC().Format(time.RFC3339Nano))
	}
	if !opts.IncludeReverted {
		query += ` AND is_reverted = 0`
	}
	query += ` ORDER BY timestamp ASC, event_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch: %v", ErrBackendUnavailable, err)
	}
	defer rows.Close()

	var events []RepairEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan event: %v", ErrBackendUnavailable, err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (RepairEvent, error) {
	var e RepairEvent
	var oldParent, revertsID sql.NullString
	var newParent sql.NullString
	var validationPassed, isReverted int
	var ts, createdAt string
	if err := rows.Scan(
		&e.EventID, &e.SessionID, &e.MessageID, &oldParent, &newParent,
		&e.Operator, &e.Reason, &e.SimilarityScore, &validationPassed,
		&ts, &createdAt, &isReverted, &revertsID, &e.EventDigest,
	); err != nil {
		return e, err
	}
	e.OldParent = oldParent.String
	e.NewParent = newParent.String
	e.ValidationPassed = validationPassed != 0
	e.IsReverted = isReverted != 0
	e.RevertsEventID = revertsID.String
	if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		e.Timestamp = parsed
	}
	if parsed, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		e.CreatedAt = parsed
	}
	return e, nil
}

func fetchByID(ctx context.Context, q sqlQueryer, eventID string) (RepairEvent, error) {
	row := q.QueryRowContext(ctx, `SELECT event_id, session_id, message_id, old_parent, new_parent,
		operator, reason, similarity_score, validation_passed,
		timestamp, created_at, is_reverted, reverts_event_id, event_digest
		FROM repair_events WHERE event_id = ?`, eventID)
	var e RepairEvent
	var oldParent, newParent, revertsID sql.NullString
	var validationPassed, isReverted int
	var ts, createdAt string
	err := row.Scan(
		&e.EventID, &e.SessionID, &e.MessageID, &oldParent, &newParent,
		&e.Operator, &e.Reason, &e.SimilarityScore, &validationPassed,
		&ts, &createdAt, &isReverted, &revertsID, &e.EventDigest,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return RepairEvent{}, fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}
	if err != nil {
		return RepairEvent{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	e.OldParent = oldParent.String
	e.NewParent = newParent.String
	e.ValidationPassed = validationPassed != 0
	e.IsReverted = isReverted != 0
	e.RevertsEventID = revertsID.String
	if parsed, perr := time.Parse(time.RFC3339Nano, ts); perr == nil {
		e.Timestamp = parsed
	}
	if parsed, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
		e.CreatedAt = parsed
	}
	return e, nil
}

// Revert emits a new event that swaps old_parent/new_parent from the
// original and links back via RevertsEventID. The original row is never
// touched; this is the append-only half of the same "insert restored
// rows, never rewrite the original" discipline the broader tooling uses
// elsewhere for reversing a prior structural change.
func (s *Store) Revert(ctx context.Context, eventID, operator, reason string, newEventID string) (RepairEvent, error) {
	original, err := fetchByID(ctx, s.db, eventID)
	if err != nil {
		return RepairEvent{}, err
	}
	revert := RepairEvent{
		EventID:          newEventID,
		SessionID:        original.SessionID,
		MessageID:        original.MessageID,
		OldParent:        original.NewParent,
		NewParent:        original.OldParent,
		Operator:         operator,
		Reason:           reason,
		SimilarityScore:  original.SimilarityScore,
		ValidationPassed: true,
		Timestamp:        s.clock.Now(),
		IsReverted:       true,
		RevertsEventID:   original.EventID,
	}
	revert = s.NewEvent(revert)
	if err := s.Append(ctx, revert); err != nil {
		return RepairEvent{}, err
	}
	return revert, nil
}

// IntegrityReport is the result of Verify.
type IntegrityReport struct {
	Mismatches      []DigestMismatch
	SessionDigest   string
	SessionDigestOK bool
}

// DigestMismatch names one event whose recomputed digest disagrees with
// the stored one.
type DigestMismatch struct {
	EventID  string
	Stored   string
	Recomputed string
}

// Verify recomputes every stored event's digest and the session digest
// (SHA-256 of the sorted, comma-joined list of active event_ids).
func (s *Store) Verify(ctx context.Context, sessionID string) (IntegrityReport, error) {
	events, err := s.Fetch(ctx, sessionID, FetchOptions{IncludeReverted: true})
	if err != nil {
		return IntegrityReport{}, err
	}
	var report IntegrityReport
	var activeIDs []string
	for _, e := range events {
		if recomputed := Digest(e); recomputed != e.EventDigest {
			report.Mismatches = append(report.Mismatches, DigestMismatch{
				EventID: e.EventID, Stored: e.EventDigest, Recomputed: recomputed,
			})
		}
		if !isReverted(e, events) {
			activeIDs = append(activeIDs, e.EventID)
		}
	}
	sort.Strings(activeIDs)
	sum := sha256.Sum256([]byte(strings.Join(activeIDs, ",")))
	report.SessionDigest = hex.EncodeToString(sum[:])
	report.SessionDigestOK = len(report.Mismatches) == 0
	return report, nil
}

// isReverted reports whether e is itself a revert, or has since been
// reverted by another event in events.
func isReverted(e RepairEvent, events []RepairEvent) bool {
	if e.IsReverted {
		return true
	}
	for _, other := range events {
		if other.RevertsEventID == e.EventID {
			return true
		}
	}
	return false
}

func nullColumn(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
