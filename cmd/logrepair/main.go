// Command logrepair is the CLI front end for the repair manager: scan,
// propose_fixes, apply, undo, current_view, history, and verify_integrity,
// each its own subcommand dispatched the same way the source tool
// dispatches "repair", "backfill", "transplant", "dissolve", and
// "rewrite" off main.go's os.Args[1].
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"github.com/conv-log/logrepair/internal/clock"
	"github.com/conv-log/logrepair/internal/config"
	"github.com/conv-log/logrepair/internal/eventstore"
	"github.com/conv-log/logrepair/internal/manager"
	"github.com/conv-log/logrepair/internal/repairengine"
)

const (
	exitSuccess            = 0
	exitRepairDeclined     = 1
	exitIntegrityFailure   = 2
	exitBackendUnavailable = 3
	exitBadInput           = 4
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	orphanStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	scoreStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	reasonStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	problemStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("220"))
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "scan" {
		if err := runScanCommand(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "logrepair scan failed: %v\n", err)
			os.Exit(exitCodeFor(err))
		}
		return
	}
	if len(os.Args) > 1 && os.Args[1] == "propose" {
		if err := runProposeCommand(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "logrepair propose failed: %v\n", err)
			os.Exit(exitCodeFor(err))
		}
		return
	}
	if len(os.Args) > 1 && os.Args[1] == "apply" {
		if err := runApplyCommand(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "logrepair apply failed: %v\n", err)
			os.Exit(exitCodeFor(err))
		}
		return
	}
	if len(os.Args) > 1 && os.Args[1] == "undo" {
		if err := runUndoCommand(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "logrepair undo failed: %v\n", err)
			os.Exit(exitCodeFor(err))
		}
		return
	}
	if len(os.Args) > 1 && os.Args[1] == "view" {
		if err := runViewCommand(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "logrepair view failed: %v\n", err)
			os.Exit(exitCodeFor(err))
		}
		return
	}
	if len(os.Args) > 1 && os.Args[1] == "history" {
		if err := runHistoryCommand(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "logrepair history failed: %v\n", err)
			os.Exit(exitCodeFor(err))
		}
		return
	}
	if len(os.Args) > 1 && os.Args[1] == "verify" {
		if err := runVerifyCommand(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "logrepair verify failed: %v\n", err)
			os.Exit(exitCodeFor(err))
		}
		return
	}

	fmt.Fprint(os.Stderr, topLevelUsageText()+"\n")
	os.Exit(exitBadInput)
}

// badInputError marks an error that should map to exit code 4 rather than
// the generic success/failure split; everything else that reaches main is
// treated as a declined repair (exit 1) unless a more specific sentinel
// (backend unavailable, integrity failure) applies.
type badInputError struct{ err error }

func (e *badInputError) Error() string { return e.err.Error() }
func (e *badInputError) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	var bad *badInputError
	if errors.As(err, &bad) {
		return exitBadInput
	}
	if errors.Is(err, eventstore.ErrBackendUnavailable) {
		return exitBackendUnavailable
	}
	if errors.Is(err, eventstore.ErrDigestMismatch) || errors.Is(err, eventstore.ErrImmutabilityViolation) {
		return exitIntegrityFailure
	}
	return exitRepairDeclined
}

func topLevelUsageText() string {
	return strings.TrimSpace(`
Usage:
  logrepair scan     --session <id> [--log <path>] [--config <path>]
  logrepair propose  --session <id> [--log <path>] [--config <path>]
  logrepair apply    --session <id> --target <uuid> --parent <uuid> [--config <path>]
  logrepair undo     --session <id> [--config <path>]
  logrepair view     --session <id> [--log <path>] [--config <path>]
  logrepair history  --session <id> [--config <path>]
  logrepair verify   --session <id> [--config <path>]
`)
}

// commonOptions is shared across every subcommand's flag set.
type commonOptions struct {
	session    string
	logPath    string
	configPath string
}

func parseCommon(name string, args []string, extra func(fs *flag.FlagSet)) (commonOptions, *flag.FlagSet, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	session := fs.String("session", "", "session id")
	logPath := fs.String("log", "", "path to the session's JSONL file (defaults to <session>.jsonl)")
	configPath := fs.String("config", "", "path to a YAML config file")
	if extra != nil {
		extra(fs)
	}

	normalized, err := normalizeFlagArgs(args)
	if err != nil {
		return commonOptions{}, nil, &badInputError{fmt.Errorf("%w\n%s", err, topLevelUsageText())}
	}
	if err := fs.Parse(normalized); err != nil {
		return commonOptions{}, nil, &badInputError{fmt.Errorf("%w\n%s", err, topLevelUsageText())}
	}
	if strings.TrimSpace(*session) == "" {
		return commonOptions{}, nil, &badInputError{errors.New("--session is required")}
	}
	path := *logPath
	if path == "" {
		path = *session + ".jsonl"
	}
	return commonOptions{session: *session, logPath: path, configPath: *configPath}, fs, nil
}

// normalizeFlagArgs separates --flag/--flag=value/--flag value tokens from
// bare positionals so flag.FlagSet (which stops at the first positional)
// still sees every flag regardless of where the caller put it, mirroring
// the source's normalizeRepairArgs/normalizeBackfillArgs pattern.
func normalizeFlagArgs(args []string) ([]string, error) {
	var flags, positionals []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case strings.HasPrefix(arg, "--") && strings.Contains(arg, "="):
			flags = append(flags, arg)
		case strings.HasPrefix(arg, "--"):
			if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
				flags = append(flags, arg, args[i+1])
				i++
			} else {
				flags = append(flags, arg)
			}
		default:
			positionals = append(positionals, arg)
		}
	}
	return append(flags, positionals...), nil
}

// buildManager constructs a Manager from a config file plus the resolved
// session log path, opening the event store only when the configured
// provider needs it.
func buildManager(opts commonOptions) (*manager.Manager, func(), error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, func() {}, &badInputError{err}
	}

	pathFor := func(sessionID string) string {
		if sessionID == opts.session {
			return opts.logPath
		}
		return sessionID + ".jsonl"
	}

	var store *eventstore.Store
	cleanup := func() {}
	if cfg.Provider == config.ProviderEventStore {
		endpoint := cfg.EventStoreEndpoint
		if endpoint == "" {
			endpoint = filepath.Join(cfg.CacheDir, "events.db")
		}
		store, err = eventstore.Open(endpoint, clock.Real{})
		if err != nil {
			return nil, func() {}, fmt.Errorf("%w: open event store: %v", eventstore.ErrBackendUnavailable, err)
		}
		cleanup = func() { store.Close() }
	}

	m := manager.New(cfg, pathFor, store, nil, clock.Real{})
	return m, cleanup, nil
}

func runScanCommand(args []string) error {
	opts, _, err := parseCommon("scan", args, nil)
	if err != nil {
		return err
	}
	m, cleanup, err := buildManager(opts)
	if err != nil {
		return err
	}
	defer cleanup()

	report, err := m.Scan(context.Background(), opts.session)
	if err != nil {
		return err
	}

	fmt.Println(headerStyle.Render(fmt.Sprintf("scan: session %s", opts.session)))
	fmt.Printf("orphans: %d, duplicate tool_result blocks: %d\n", report.OrphanCount, report.DuplicateCount)
	for _, uuid := range report.OrphanUUIDs {
		score := report.CorruptionScores[uuid]
		fmt.Println(orphanStyle.Render(fmt.Sprintf("  %s  corruption=%.2f", uuid, score)))
	}
	return nil
}

func runProposeCommand(args []string) error {
	opts, _, err := parseCommon("propose", args, nil)
	if err != nil {
		return err
	}
	m, cleanup, err := buildManager(opts)
	if err != nil {
		return err
	}
	defer cleanup()

	sets, err := m.ProposeFixes(context.Background(), opts.session)
	if err != nil {
		return err
	}

	fmt.Println(headerStyle.Render(fmt.Sprintf("propose_fixes: session %s", opts.session)))
	declined := 0
	for _, set := range sets {
		fmt.Printf("orphan %s:\n", set.OrphanUUID)
		if set.NoValidCandidates {
			declined++
			fmt.Println(problemStyle.Render("  no_valid_candidates"))
		}
		for _, p := range set.Proposals {
			fmt.Printf("  -> %s  ", p.NewValue)
			fmt.Println(scoreStyle.Render(fmt.Sprintf("score=%.3f", p.SimilarityScore)))
			fmt.Println(reasonStyle.Render("     " + wordwrap.String(p.Reason, 72)))
		}
		for _, r := range set.Rejected {
			fmt.Println(reasonStyle.Render(fmt.Sprintf("  x %s  %s", r.CandidateUUID, wordwrap.String(r.Reason, 68))))
		}
	}
	if declined == len(sets) && len(sets) > 0 {
		return fmt.Errorf("no session orphan had a valid proposal")
	}
	return nil
}

func runApplyCommand(args []string) error {
	var target, parent, operator string
	opts, _, err := parseCommon("apply", args, func(fs *flag.FlagSet) {
		fs.StringVar(&target, "target", "", "uuid of the record to reattach")
		fs.StringVar(&parent, "parent", "", "uuid of the proposed new parent")
		fs.StringVar(&operator, "operator", "cli", "operator identity recorded with the repair")
	})
	if err != nil {
		return err
	}
	if target == "" || parent == "" {
		return &badInputError{errors.New("--target and --parent are required")}
	}

	m, cleanup, err := buildManager(opts)
	if err != nil {
		return err
	}
	defer cleanup()

	op := repairengine.RepairOperation{
		TargetUUID: target,
		Field:      "parent_uuid",
		NewValue:   parent,
	}
	applied, err := m.Apply(context.Background(), opts.session, op, operator)
	if err != nil {
		return err
	}

	fmt.Println(headerStyle.Render("apply: repair recorded"))
	if applied.EventID != "" {
		fmt.Printf("event_id: %s\n", applied.EventID)
	}
	if applied.BackupRef != "" {
		fmt.Printf("backup_ref: %s\n", applied.BackupRef)
	}
	return nil
}

func runUndoCommand(args []string) error {
	opts, _, err := parseCommon("undo", args, nil)
	if err != nil {
		return err
	}
	m, cleanup, err := buildManager(opts)
	if err != nil {
		return err
	}
	defer cleanup()

	applied, err := m.Undo(context.Background(), opts.session)
	if err != nil {
		return err
	}
	fmt.Println(headerStyle.Render("undo: reverted"))
	fmt.Printf("%s -> %v (was %v)\n", applied.After.TargetUUID, applied.After.NewValue, applied.Before.NewValue)
	return nil
}

func runViewCommand(args []string) error {
	opts, _, err := parseCommon("view", args, nil)
	if err != nil {
		return err
	}
	m, cleanup, err := buildManager(opts)
	if err != nil {
		return err
	}
	defer cleanup()

	d, err := m.CurrentView(context.Background(), opts.session)
	if err != nil {
		return err
	}

	fmt.Println(headerStyle.Render(fmt.Sprintf("current_view: session %s", opts.session)))
	for _, th := range d.Threads {
		fmt.Printf("thread %s (%s): %d records\n", th.RootUUID, th.Kind, len(th.Members))
	}
	if len(d.OrphanUUIDs) > 0 {
		fmt.Println(orphanStyle.Render(fmt.Sprintf("orphans remaining: %v", d.OrphanUUIDs)))
	}
	return nil
}

func runHistoryCommand(args []string) error {
	opts, _, err := parseCommon("history", args, nil)
	if err != nil {
		return err
	}
	m, cleanup, err := buildManager(opts)
	if err != nil {
		return err
	}
	defer cleanup()

	entries, err := m.History(context.Background(), opts.session)
	if err != nil {
		return err
	}
	fmt.Println(headerStyle.Render(fmt.Sprintf("history: session %s", opts.session)))
	for _, e := range entries {
		fmt.Printf("%s  %s -> %v (operator=%s)\n", e.AppliedAt.Format("2006-01-02T15:04:05Z"), e.After.TargetUUID, e.After.NewValue, e.After.Operator)
	}
	return nil
}

func runVerifyCommand(args []string) error {
	opts, _, err := parseCommon("verify", args, nil)
	if err != nil {
		return err
	}
	m, cleanup, err := buildManager(opts)
	if err != nil {
		return err
	}
	defer cleanup()

	report, err := m.VerifyIntegrity(context.Background(), opts.session)
	if err != nil {
		return err
	}
	fmt.Println(headerStyle.Render(fmt.Sprintf("verify_integrity: session %s", opts.session)))
	fmt.Printf("session_digest: %s  ok=%v\n", report.SessionDigest, report.SessionDigestOK)
	for _, mm := range report.Mismatches {
		fmt.Println(problemStyle.Render(fmt.Sprintf("  mismatch: event %s stored=%s recomputed=%s", mm.EventID, mm.Stored, mm.Recomputed)))
	}
	if !report.SessionDigestOK {
		return fmt.Errorf("%w: %d mismatched event(s)", eventstore.ErrDigestMismatch, len(report.Mismatches))
	}
	return nil
}
