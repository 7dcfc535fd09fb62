// Package jsonl provides line-oriented load/save for conversation logs,
// with atomic replace and post-write validation, following the same
// snapshot-before-mutate discipline the broader log-repair tooling uses for
// every other destructive rewrite.
package jsonl

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/conv-log/logrepair/internal/record"
)

const (
	initialScanBuffer = 64 * 1024
)

// ErrAtomicSwap is returned when the rename step of an atomic save fails.
// The caller's target file is guaranteed untouched.
var ErrAtomicSwap = errors.New("jsonl: atomic swap failed")

// ErrValidation is returned when a saved file fails post-rename validation
// (its line count does not match what was written) and a backup restore
// had to run.
var ErrValidation = errors.New("jsonl: validation failed after save")

// ParseDiagnostic records one line that failed to parse as a Record,
// collected rather than aborting the whole load.
type ParseDiagnostic struct {
	LineNumber int
	RawLine    string
	Err        error
}

func (d ParseDiagnostic) String() string {
	return fmt.Sprintf("line %d: %v", d.LineNumber, d.Err)
}

// Load reads path sequentially, preserving original line order. Lines that
// fail to parse are collected as diagnostics instead of aborting the read.
func Load(path string, maxLineBytes int) ([]record.Record, []ParseDiagnostic, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("jsonl: open %s: %w", path, err)
	}
	defer f.Close()

	if maxLineBytes <= 0 {
		maxLineBytes = 32 * 1024 * 1024
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, initialScanBuffer), maxLineBytes)

	var records []record.Record
	var diags []ParseDiagnostic
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		r, err := record.FromJSONLine(lineNum, line)
		if err != nil {
			diags = append(diags, ParseDiagnostic{
				LineNumber: lineNum,
				RawLine:    string(line),
				Err:        err,
			})
			continue
		}
		records = append(records, r)
	}
	if err := scanner.Err(); err != nil {
		return records, diags, fmt.Errorf("jsonl: scan %s: %w", path, err)
	}
	return records, diags, nil
}

// Save atomically rewrites path with records: write to a sibling temp
// file, fsync, rename over the target, then reopen and count lines to
// validate. On a rename failure the target file is unchanged. On a
// post-rename validation mismatch, the target is restored from a
// timestamped backup taken under backupDir before the rename.
func Save(path string, records []record.Record, backupDir string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("jsonl: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanupTmp := true
	defer func() {
		if cleanupTmp {
			os.Remove(tmpPath)
		}
	}()

	w := bufio.NewWriter(tmp)
	for i := range records {
		line, err := records[i].ToJSONLine()
		if err != nil {
			tmp.Close()
			return fmt.Errorf("jsonl: encode record %d: %w", i, err)
		}
		if _, err := w.Write(line); err != nil {
			tmp.Close()
			return fmt.Errorf("jsonl: write record %d: %w", i, err)
		}
		if err := w.WriteByte('\n'); err != nil {
			tmp.Close()
			return fmt.Errorf("jsonl: write newline %d: %w", i, err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("jsonl: flush: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("jsonl: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("jsonl: close temp file: %w", err)
	}

	var backupPath string
	if backupDir != "" {
		if _, err := os.Stat(path); err == nil {
			backupPath, err = snapshot(path, backupDir)
			if err != nil {
				return fmt.Errorf("jsonl: snapshot before swap: %w", err)
			}
		}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("%w: %v", ErrAtomicSwap, err)
	}
	cleanupTmp = false

	wantLines := len(records)
	gotLines, verr := countLines(path)
	if verr != nil || gotLines != wantLines {
		if backupPath != "" {
			_ = restore(backupPath, path)
		}
		if verr != nil {
			return fmt.Errorf("%w: %v", ErrValidation, verr)
		}
		return fmt.Errorf("%w: wrote %d lines, found %d after rename", ErrValidation, wantLines, gotLines)
	}
	return nil
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, initialScanBuffer), 32*1024*1024)
	n := 0
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		n++
	}
	return n, scanner.Err()
}

// snapshot copies the file at path into backupDir, named by session file
// base name and an RFC3339Nano timestamp, and returns the backup's path.
// Backups are never modified after creation.
func snapshot(path, backupDir string) (string, error) {
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s.%s.bak", filepath.Base(path), time.Now().UTC().Format(time.RFC3339Nano))
	backupPath := filepath.Join(backupDir, name)
	if err := os.WriteFile(backupPath, data, 0o644); err != nil {
		return "", err
	}
	return backupPath, nil
}

func restore(backupPath, targetPath string) error {
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return err
	}
	return os.WriteFile(targetPath, data, 0o644)
}
