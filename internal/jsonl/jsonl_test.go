package jsonl

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadSkipsBadLinesAsDiagnostics(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")
	content := `{"uuid":"a","sessionId":"s","type":"user","role":"user"}
not json at all
{"role":"user"}
{"uuid":"b","sessionId":"s","type":"assistant","role":"assistant","parentUuid":"a"}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	records, diags, err := Load(path, 0)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 valid records, got %d", len(records))
	}
	if len(diags) != 2 {
		t.Fatalf("expected 2 diagnostics, got %d: %v", len(diags), diags)
	}
}

func TestSaveLoadRoundTripByteExactWithoutRepairs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")
	original := `{"uuid":"a","parentUuid":null,"sessionId":"s","type":"user","role":"user"}
{"uuid":"b","parentUuid":"a","sessionId":"s","type":"assistant","role":"assistant"}
`
	if err := os.WriteFile(path, []byte(original), 0o644); err != nil {
		t.Fatal(err)
	}
	records, diags, err := Load(path, 0)
	if err != nil || len(diags) != 0 {
		t.Fatalf("Load: err=%v diags=%v", err, diags)
	}
	backupDir := filepath.Join(dir, "backups")
	if err := Save(path, records, backupDir); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != original {
		t.Fatalf("round trip mismatch\nwant %s\ngot  %s", original, got)
	}
}

func TestSaveCreatesBackupBeforeSwap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")
	original := `{"uuid":"a","sessionId":"s","type":"user","role":"user"}
`
	if err := os.WriteFile(path, []byte(original), 0o644); err != nil {
		t.Fatal(err)
	}
	records, _, err := Load(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	backupDir := filepath.Join(dir, "backups")
	if err := Save(path, records, backupDir); err != nil {
		t.Fatalf("Save: %v", err)
	}
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		t.Fatalf("read backup dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 backup, got %d", len(entries))
	}
}
